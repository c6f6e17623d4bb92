package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// Config represents the complete application configuration
type Config struct {
	Model   ModelConfig   `toml:"model"`
	Train   TrainConfig   `toml:"train"`
	LoRA    LoRAConfig    `toml:"lora"`
	Hub     HubConfig     `toml:"hub"`
	Metrics MetricsConfig `toml:"metrics"`
}

// ModelConfig holds the tokenizer/model artifact locations and the
// architecture dimensions used when weights are layered onto a freshly
// constructed model
type ModelConfig struct {
	TokenizerDir string `toml:"tokenizer_dir"`  // directory containing tokenizer.json
	SFTModelFile string `toml:"sft_model_file"` // pretrained directory or raw weight-state file
	MaxSeqLen    int    `toml:"max_seq_len"`    // truncation limit for prompt and target

	DModel           int `toml:"d_model"`
	DFF              int `toml:"d_ff"`
	NumHeads         int `toml:"num_heads"`
	NumLayers        int `toml:"num_layers"`         // encoder layers
	NumDecoderLayers int `toml:"num_decoder_layers"` // 0 = same as num_layers
}

// TrainConfig holds the DPO training hyperparameters
type TrainConfig struct {
	DPOTrainFile string `toml:"dpo_train_file"`
	DPOEvalFile  string `toml:"dpo_eval_file"` // empty disables evaluation

	BatchSize                 int     `toml:"batch_size"`
	NumTrainEpochs            int     `toml:"num_train_epochs"`
	GradientAccumulationSteps int     `toml:"gradient_accumulation_steps"`
	LearningRate              float64 `toml:"learning_rate"`
	Optimizer                 string  `toml:"optimizer"` // adamw or adafactor
	WeightDecay               float64 `toml:"weight_decay"`
	MaxGradNorm               float64 `toml:"max_grad_norm"`
	WarmupSteps               int     `toml:"warmup_steps"`
	LoggingSteps              int     `toml:"logging_steps"`
	SaveSteps                 int     `toml:"save_steps"`
	Seed                      int64   `toml:"seed"`
	Beta                      float64 `toml:"beta"` // DPO temperature

	OutputDir string `toml:"output_dir"` // checkpoint root
	LogDir    string `toml:"log_dir"`    // CSV history and JSON logs
}

// LoRAConfig holds the low-rank adapter settings applied when training
// with --lora or lora.enabled
type LoRAConfig struct {
	Enabled       bool     `toml:"enabled"`
	R             int      `toml:"r"`
	Alpha         int      `toml:"alpha"`
	Dropout       float64  `toml:"dropout"`
	Bias          string   `toml:"bias"` // none, all, lora_only (recorded in the adapter config)
	TargetModules []string `toml:"target_modules"`
}

// HubConfig holds dataset hub download settings
type HubConfig struct {
	RepoID             string `toml:"repo_id"`  // e.g. "Anthropic/hh-rlhf"; empty disables fetching
	BaseURL            string `toml:"base_url"` // mirror override, e.g. "https://hf-mirror.com"
	CacheDir           string `toml:"cache_dir"`
	RateLimitPerMinute int    `toml:"rate_limit_per_minute"`
	MaxRetries         int    `toml:"max_retries"`
}

// MetricsConfig holds the optional prometheus listener settings
type MetricsConfig struct {
	Addr string `toml:"addr"` // e.g. "localhost:2112"; empty disables the listener
}

// Secrets holds sensitive credentials loaded from environment variables
type Secrets struct {
	HubToken string
}

const (
	// MaxSeqLenLimit is the maximum allowed sequence length
	MaxSeqLenLimit = 8192
	// MaxBatchSize is the maximum allowed batch size
	MaxBatchSize = 1024
	// MaxTrainEpochs is the maximum allowed epoch count
	MaxTrainEpochs = 1000
)

var validOptimizers = []string{"adamw", "adafactor"}

var validBiasModes = []string{"none", "all", "lora_only"}

var validTargetModules = map[string]bool{"q": true, "k": true, "v": true, "o": true}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Model.TokenizerDir == "" {
		return fmt.Errorf("model.tokenizer_dir is required")
	}
	if c.Model.SFTModelFile == "" {
		return fmt.Errorf("model.sft_model_file is required")
	}
	if c.Model.MaxSeqLen < 8 || c.Model.MaxSeqLen > MaxSeqLenLimit {
		return fmt.Errorf("model.max_seq_len must be between 8 and %d (got %d)", MaxSeqLenLimit, c.Model.MaxSeqLen)
	}
	if c.Model.DModel < 1 {
		return fmt.Errorf("model.d_model must be at least 1")
	}
	if c.Model.NumHeads < 1 {
		return fmt.Errorf("model.num_heads must be at least 1")
	}
	if c.Model.DModel%c.Model.NumHeads != 0 {
		return fmt.Errorf("model.d_model (%d) must be divisible by model.num_heads (%d)", c.Model.DModel, c.Model.NumHeads)
	}
	if c.Model.DFF < 1 {
		return fmt.Errorf("model.d_ff must be at least 1")
	}
	if c.Model.NumLayers < 1 {
		return fmt.Errorf("model.num_layers must be at least 1")
	}
	if c.Model.NumDecoderLayers < 0 {
		return fmt.Errorf("model.num_decoder_layers must not be negative")
	}

	if c.Train.DPOTrainFile == "" {
		return fmt.Errorf("train.dpo_train_file is required")
	}
	if c.Train.BatchSize < 1 {
		return fmt.Errorf("train.batch_size must be at least 1")
	}
	if c.Train.BatchSize > MaxBatchSize {
		return fmt.Errorf("train.batch_size must not exceed %d (got %d)", MaxBatchSize, c.Train.BatchSize)
	}
	if c.Train.NumTrainEpochs < 1 {
		return fmt.Errorf("train.num_train_epochs must be at least 1")
	}
	if c.Train.NumTrainEpochs > MaxTrainEpochs {
		return fmt.Errorf("train.num_train_epochs must not exceed %d (got %d)", MaxTrainEpochs, c.Train.NumTrainEpochs)
	}
	if c.Train.GradientAccumulationSteps < 1 {
		return fmt.Errorf("train.gradient_accumulation_steps must be at least 1")
	}
	if c.Train.LearningRate <= 0 || c.Train.LearningRate > 1 {
		return fmt.Errorf("train.learning_rate must be between 0 and 1 (got %g)", c.Train.LearningRate)
	}
	validOpt := false
	for _, opt := range validOptimizers {
		if c.Train.Optimizer == opt {
			validOpt = true
			break
		}
	}
	if !validOpt {
		return fmt.Errorf("train.optimizer must be one of: adamw, adafactor (got %s)", c.Train.Optimizer)
	}
	if c.Train.WeightDecay < 0 || c.Train.WeightDecay > 1 {
		return fmt.Errorf("train.weight_decay must be between 0 and 1 (got %g)", c.Train.WeightDecay)
	}
	if c.Train.MaxGradNorm < 0 {
		return fmt.Errorf("train.max_grad_norm must not be negative (got %g)", c.Train.MaxGradNorm)
	}
	if c.Train.WarmupSteps < 0 {
		return fmt.Errorf("train.warmup_steps must not be negative")
	}
	if c.Train.LoggingSteps < 1 {
		return fmt.Errorf("train.logging_steps must be at least 1")
	}
	if c.Train.SaveSteps < 1 {
		return fmt.Errorf("train.save_steps must be at least 1")
	}
	if c.Train.Beta <= 0 {
		return fmt.Errorf("train.beta must be positive (got %g)", c.Train.Beta)
	}
	if c.Train.OutputDir == "" {
		return fmt.Errorf("train.output_dir is required")
	}
	if c.Train.LogDir == "" {
		return fmt.Errorf("train.log_dir is required")
	}

	if c.LoRA.R < 1 {
		return fmt.Errorf("lora.r must be at least 1")
	}
	if c.LoRA.Alpha <= 0 {
		return fmt.Errorf("lora.alpha must be positive (got %d)", c.LoRA.Alpha)
	}
	if c.LoRA.Dropout < 0 || c.LoRA.Dropout >= 1 {
		return fmt.Errorf("lora.dropout must be in [0, 1) (got %g)", c.LoRA.Dropout)
	}
	validBias := false
	for _, b := range validBiasModes {
		if c.LoRA.Bias == b {
			validBias = true
			break
		}
	}
	if !validBias {
		return fmt.Errorf("lora.bias must be one of: none, all, lora_only (got %s)", c.LoRA.Bias)
	}
	if len(c.LoRA.TargetModules) == 0 {
		return fmt.Errorf("lora.target_modules must not be empty")
	}
	for _, tm := range c.LoRA.TargetModules {
		if !validTargetModules[tm] {
			return fmt.Errorf("lora.target_modules entry %q must be one of: q, k, v, o", tm)
		}
	}

	if c.Hub.RateLimitPerMinute < 1 {
		return fmt.Errorf("hub.rate_limit_per_minute must be at least 1")
	}
	if c.Hub.MaxRetries < 0 {
		return fmt.Errorf("hub.max_retries must not be negative")
	}

	return nil
}

// DecoderLayers returns the decoder depth, falling back to the encoder depth
func (m *ModelConfig) DecoderLayers() int {
	if m.NumDecoderLayers > 0 {
		return m.NumDecoderLayers
	}
	return m.NumLayers
}

// Hash returns the SHA256 of the serialized configuration, recorded in run
// state for mismatch detection
func (c *Config) Hash() (string, error) {
	data, err := toml.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("failed to marshal config for hashing: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// LoadSecrets loads sensitive credentials from environment variables
func LoadSecrets() (*Secrets, error) {
	secrets := &Secrets{}

	// PREFTUNE_HF_TOKEN wins over the conventional HF_TOKEN
	if tok := os.Getenv("PREFTUNE_HF_TOKEN"); tok != "" {
		secrets.HubToken = tok
	} else if tok := os.Getenv("HF_TOKEN"); tok != "" {
		secrets.HubToken = tok
	}

	return secrets, nil
}
