package config

import (
	"os"
	"path/filepath"
	"testing"
)

const minimalTOML = `
[model]
tokenizer_dir = "model_save/tokenizer"
sft_model_file = "model_save/chat_small_t5.best.bin"

[train]
dpo_train_file = "data/dpo_train.jsonl"
`

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, _, err := Load(writeConfigFile(t, minimalTOML))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Model.MaxSeqLen != DefaultMaxSeqLen {
		t.Errorf("MaxSeqLen = %d, want default %d", cfg.Model.MaxSeqLen, DefaultMaxSeqLen)
	}
	if cfg.Model.DModel != DefaultDModel {
		t.Errorf("DModel = %d, want default %d", cfg.Model.DModel, DefaultDModel)
	}
	if cfg.Train.Optimizer != DefaultOptimizer {
		t.Errorf("Optimizer = %q, want default %q", cfg.Train.Optimizer, DefaultOptimizer)
	}
	if cfg.Train.Beta != DefaultBeta {
		t.Errorf("Beta = %g, want default %g", cfg.Train.Beta, DefaultBeta)
	}
	if cfg.Train.Seed != DefaultSeed {
		t.Errorf("Seed = %d, want default %d", cfg.Train.Seed, DefaultSeed)
	}
	if cfg.Train.LogDir != DefaultLogDir {
		t.Errorf("LogDir = %q, want default %q", cfg.Train.LogDir, DefaultLogDir)
	}
	if cfg.LoRA.R != DefaultLoRAR || cfg.LoRA.Alpha != DefaultLoRAAlpha {
		t.Errorf("LoRA defaults = r %d alpha %d, want %d/%d",
			cfg.LoRA.R, cfg.LoRA.Alpha, DefaultLoRAR, DefaultLoRAAlpha)
	}
	if got := cfg.LoRA.TargetModules; len(got) != 2 || got[0] != "q" || got[1] != "v" {
		t.Errorf("LoRA target modules = %v, want [q v]", got)
	}
	if cfg.Hub.BaseURL != DefaultHubBaseURL {
		t.Errorf("BaseURL = %q, want default %q", cfg.Hub.BaseURL, DefaultHubBaseURL)
	}
	if cfg.Hub.CacheDir != DefaultHubCacheDir {
		t.Errorf("CacheDir = %q, want default %q", cfg.Hub.CacheDir, DefaultHubCacheDir)
	}
}

func TestLoadOverrides(t *testing.T) {
	cfg, _, err := Load(writeConfigFile(t, minimalTOML+`
batch_size = 8
learning_rate = 2e-5
optimizer = "adamw"

[lora]
enabled = true
r = 8
`))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Train.BatchSize != 8 {
		t.Errorf("BatchSize = %d, want 8", cfg.Train.BatchSize)
	}
	if cfg.Train.LearningRate != 2e-5 {
		t.Errorf("LearningRate = %g, want 2e-5", cfg.Train.LearningRate)
	}
	if cfg.Train.Optimizer != "adamw" {
		t.Errorf("Optimizer = %q, want adamw", cfg.Train.Optimizer)
	}
	if !cfg.LoRA.Enabled {
		t.Error("LoRA.Enabled = false, want true")
	}
	if cfg.LoRA.R != 8 {
		t.Errorf("LoRA.R = %d, want 8", cfg.LoRA.R)
	}
	// unset lora fields still default
	if cfg.LoRA.Dropout != DefaultLoRADropout {
		t.Errorf("LoRA.Dropout = %g, want default %g", cfg.LoRA.Dropout, DefaultLoRADropout)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{
			name:    "malformed toml",
			content: "[model\ntokenizer_dir = ",
		},
		{
			name: "missing required field",
			content: `
[model]
tokenizer_dir = "model_save/tokenizer"

[train]
dpo_train_file = "data/dpo_train.jsonl"
`,
		},
		{
			name: "invalid value",
			content: minimalTOML + `
optimizer = "sgd"
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := Load(writeConfigFile(t, tt.content)); err == nil {
				t.Error("Load() expected error, got nil")
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, _, err := Load(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}
