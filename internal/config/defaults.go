package config

const (
	// DefaultMaxSeqLen is the default truncation limit for prompt and target
	DefaultMaxSeqLen = 320
	// DefaultDModel is the default model width
	DefaultDModel = 768
	// DefaultDFF is the default feed-forward width
	DefaultDFF = 3072
	// DefaultNumHeads is the default attention head count
	DefaultNumHeads = 12
	// DefaultNumLayers is the default encoder (and decoder) depth
	DefaultNumLayers = 10

	// DefaultBatchSize is the default per-step pair count
	DefaultBatchSize = 4
	// DefaultNumTrainEpochs is the default epoch count
	DefaultNumTrainEpochs = 4
	// DefaultGradAccumSteps is the default gradient accumulation factor
	DefaultGradAccumSteps = 4
	// DefaultLearningRate is the default peak learning rate
	DefaultLearningRate = 1e-5
	// DefaultOptimizer is the default optimizer
	DefaultOptimizer = "adafactor"
	// DefaultMaxGradNorm is the default global grad-norm clip
	DefaultMaxGradNorm = 1.0
	// DefaultWarmupSteps is the default linear warmup length
	DefaultWarmupSteps = 100
	// DefaultLoggingSteps is the default logging interval
	DefaultLoggingSteps = 20
	// DefaultSaveSteps is the default checkpoint interval
	DefaultSaveSteps = 200
	// DefaultSeed is the default training seed
	DefaultSeed = 2333
	// DefaultBeta is the default DPO temperature
	DefaultBeta = 0.1
	// DefaultOutputDir is the default checkpoint root
	DefaultOutputDir = "./model_save/dpo"
	// DefaultLogDir is the default log directory
	DefaultLogDir = "./logs"

	// DefaultLoRAR is the default adapter rank
	DefaultLoRAR = 16
	// DefaultLoRAAlpha is the default adapter scaling numerator
	DefaultLoRAAlpha = 16
	// DefaultLoRADropout is the default adapter input dropout
	DefaultLoRADropout = 0.1
	// DefaultLoRABias is recorded in the adapter config
	DefaultLoRABias = "all"

	// DefaultHubBaseURL is the hub host; override for mirrors
	DefaultHubBaseURL = "https://huggingface.co"
	// DefaultHubCacheDir is where fetched dataset files land
	DefaultHubCacheDir = ".cache"
	// DefaultHubRateLimit is requests per minute against the hub
	DefaultHubRateLimit = 60
	// DefaultHubMaxRetries bounds download retry attempts
	DefaultHubMaxRetries = 3
)

// DefaultLoRATargetModules returns the attention projections adapters attach
// to when none are configured
func DefaultLoRATargetModules() []string {
	return []string{"q", "v"}
}

// applyDefaults sets default values for optional configuration fields
func applyDefaults(cfg *Config) {
	if cfg.Model.MaxSeqLen == 0 {
		cfg.Model.MaxSeqLen = DefaultMaxSeqLen
	}
	if cfg.Model.DModel == 0 {
		cfg.Model.DModel = DefaultDModel
	}
	if cfg.Model.DFF == 0 {
		cfg.Model.DFF = DefaultDFF
	}
	if cfg.Model.NumHeads == 0 {
		cfg.Model.NumHeads = DefaultNumHeads
	}
	if cfg.Model.NumLayers == 0 {
		cfg.Model.NumLayers = DefaultNumLayers
	}
	// NumDecoderLayers == 0 means "match num_layers", resolved by DecoderLayers

	if cfg.Train.BatchSize == 0 {
		cfg.Train.BatchSize = DefaultBatchSize
	}
	if cfg.Train.NumTrainEpochs == 0 {
		cfg.Train.NumTrainEpochs = DefaultNumTrainEpochs
	}
	if cfg.Train.GradientAccumulationSteps == 0 {
		cfg.Train.GradientAccumulationSteps = DefaultGradAccumSteps
	}
	if cfg.Train.LearningRate == 0 {
		cfg.Train.LearningRate = DefaultLearningRate
	}
	if cfg.Train.Optimizer == "" {
		cfg.Train.Optimizer = DefaultOptimizer
	}
	if cfg.Train.MaxGradNorm == 0 {
		cfg.Train.MaxGradNorm = DefaultMaxGradNorm
	}
	if cfg.Train.WarmupSteps == 0 {
		cfg.Train.WarmupSteps = DefaultWarmupSteps
	}
	if cfg.Train.LoggingSteps == 0 {
		cfg.Train.LoggingSteps = DefaultLoggingSteps
	}
	if cfg.Train.SaveSteps == 0 {
		cfg.Train.SaveSteps = DefaultSaveSteps
	}
	if cfg.Train.Seed == 0 {
		cfg.Train.Seed = DefaultSeed
	}
	if cfg.Train.Beta == 0 {
		cfg.Train.Beta = DefaultBeta
	}
	if cfg.Train.OutputDir == "" {
		cfg.Train.OutputDir = DefaultOutputDir
	}
	if cfg.Train.LogDir == "" {
		cfg.Train.LogDir = DefaultLogDir
	}

	if cfg.LoRA.R == 0 {
		cfg.LoRA.R = DefaultLoRAR
	}
	if cfg.LoRA.Alpha == 0 {
		cfg.LoRA.Alpha = DefaultLoRAAlpha
	}
	if cfg.LoRA.Dropout == 0 {
		cfg.LoRA.Dropout = DefaultLoRADropout
	}
	if cfg.LoRA.Bias == "" {
		cfg.LoRA.Bias = DefaultLoRABias
	}
	if len(cfg.LoRA.TargetModules) == 0 {
		cfg.LoRA.TargetModules = DefaultLoRATargetModules()
	}

	if cfg.Hub.BaseURL == "" {
		cfg.Hub.BaseURL = DefaultHubBaseURL
	}
	if cfg.Hub.CacheDir == "" {
		cfg.Hub.CacheDir = DefaultHubCacheDir
	}
	if cfg.Hub.RateLimitPerMinute == 0 {
		cfg.Hub.RateLimitPerMinute = DefaultHubRateLimit
	}
	if cfg.Hub.MaxRetries == 0 {
		cfg.Hub.MaxRetries = DefaultHubMaxRetries
	}
}
