package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/preftune/preftune/internal/config"
	"github.com/preftune/preftune/internal/dataset"
	"github.com/preftune/preftune/internal/logging"
	"github.com/preftune/preftune/internal/lora"
	"github.com/preftune/preftune/internal/metrics"
	"github.com/preftune/preftune/internal/orchestrator"
	"github.com/preftune/preftune/internal/tokenizer"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var (
	configPath  string
	envFile     string
	verbose     bool
	useLoRA     bool
	metricsAddr string

	corpusPath string
	outDir     string
	tokMode    string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "preftune",
		Short: "Preftune - DPO fine-tuning for seq2seq chat models",
		Long: `Preftune fine-tunes a seq2seq chat model on preference pairs with
Direct Preference Optimization (DPO), producing either a fully tuned model
or a LoRA adapter, and can merge a trained adapter back into its base.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", Version, GitCommit, BuildTime),
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.toml", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Path to environment file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

	trainCmd := &cobra.Command{
		Use:   "train",
		Short: "Run the DPO training pipeline",
		Long: `Run the complete DPO training pipeline:
1. Load the tokenizer, the base model, and a frozen reference copy
2. Load the preference dataset, fetching it from the hub when missing
3. Optionally attach LoRA adapters so only those train
4. Fit with the DPO objective, checkpointing along the way
5. Write the history CSV and save the tuned model or adapter`,
		RunE: runTrain,
	}
	trainCmd.Flags().BoolVar(&useLoRA, "lora", false, "Attach LoRA adapters and train only those")
	trainCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Prometheus listen address (overrides [metrics] addr)")

	mergeCmd := &cobra.Command{
		Use:   "merge",
		Short: "Merge a trained LoRA adapter into its base model",
		Long:  "Load the base model and the adapter saved by a LoRA training run, fold the adapter weights into the base, and save the merged model",
		RunE:  runMerge,
	}

	datasetCmd := &cobra.Command{
		Use:   "dataset",
		Short: "Manage preference datasets",
	}
	fetchCmd := &cobra.Command{
		Use:   "fetch",
		Short: "Download the configured training file from the hub",
		RunE:  runFetch,
	}
	inspectCmd := &cobra.Command{
		Use:   "inspect <file>",
		Short: "Show record count and length percentiles for a dataset file",
		Args:  cobra.ExactArgs(1),
		RunE:  runInspect,
	}
	datasetCmd.AddCommand(fetchCmd)
	datasetCmd.AddCommand(inspectCmd)

	tokenizerCmd := &cobra.Command{
		Use:   "tokenizer",
		Short: "Manage tokenizer artifacts",
	}
	buildCmd := &cobra.Command{
		Use:   "build",
		Short: "Build a tokenizer directory from a JSONL corpus",
		RunE:  runTokenizerBuild,
	}
	buildCmd.Flags().StringVar(&corpusPath, "corpus", "", "JSONL corpus with prompt/chosen/rejected fields")
	buildCmd.Flags().StringVar(&outDir, "out", "", "Output tokenizer directory")
	buildCmd.Flags().StringVar(&tokMode, "mode", tokenizer.ModeChar, "Tokenizer mode: char or cl100k")
	tokenizerCmd.AddCommand(buildCmd)

	rootCmd.AddCommand(trainCmd)
	rootCmd.AddCommand(mergeCmd)
	rootCmd.AddCommand(datasetCmd)
	rootCmd.AddCommand(tokenizerCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// setup loads the environment file, the configuration, and opens the run
// logger. The caller owns the returned log file.
func setup() (*config.Config, *config.Secrets, *slog.Logger, *os.File, error) {
	if envFile != "" {
		if err := loadEnvFile(envFile); err != nil && !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "Warning: failed to load env file: %v\n", err)
		}
	}

	cfg, secrets, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	logger, logFile, err := logging.Setup(cfg.Train.LogDir, logLevel)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to setup logger: %w", err)
	}
	return cfg, secrets, logger, logFile, nil
}

func runTrain(cmd *cobra.Command, args []string) error {
	cfg, secrets, logger, logFile, err := setup()
	if err != nil {
		return err
	}
	defer func() {
		_ = logFile.Sync()
		_ = logFile.Close()
	}()

	logger.Info("Preftune starting",
		"version", Version,
		"config", configPath,
		"lora", useLoRA)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	addr := cfg.Metrics.Addr
	if metricsAddr != "" {
		addr = metricsAddr
	}
	if addr != "" {
		go func() {
			if err := metrics.Serve(ctx, addr, logger); err != nil {
				logger.Error("Metrics listener failed", "error", err)
			}
		}()
	}

	var loraCfg *lora.Config
	if useLoRA || cfg.LoRA.Enabled {
		lc := lora.Config{
			R:             cfg.LoRA.R,
			Alpha:         cfg.LoRA.Alpha,
			Dropout:       cfg.LoRA.Dropout,
			Bias:          cfg.LoRA.Bias,
			TargetModules: cfg.LoRA.TargetModules,
			TaskType:      lora.TaskType,
		}
		loraCfg = &lc
	}

	orch := orchestrator.New(cfg, secrets, logger)
	if err := orch.TrainDPO(ctx, loraCfg); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn("Training interrupted - checkpoints preserved",
				"output_dir", cfg.Train.OutputDir)
		}
		return err
	}
	return nil
}

func runMerge(cmd *cobra.Command, args []string) error {
	cfg, secrets, logger, logFile, err := setup()
	if err != nil {
		return err
	}
	defer func() {
		_ = logFile.Sync()
		_ = logFile.Close()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	orch := orchestrator.New(cfg, secrets, logger)
	if err := orch.MergeAdapter(ctx); err != nil {
		return fmt.Errorf("merge failed: %w", err)
	}
	return nil
}

func runFetch(cmd *cobra.Command, args []string) error {
	cfg, secrets, logger, logFile, err := setup()
	if err != nil {
		return err
	}
	defer func() {
		_ = logFile.Sync()
		_ = logFile.Close()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	orch := orchestrator.New(cfg, secrets, logger)
	path, err := orch.FetchDataset(ctx)
	if err != nil {
		return fmt.Errorf("fetch failed: %w", err)
	}
	fmt.Printf("Fetched dataset to: %s\n", path)
	return nil
}

func runInspect(cmd *cobra.Command, args []string) error {
	ds, err := dataset.Load(args[0])
	if err != nil {
		return fmt.Errorf("failed to load dataset: %w", err)
	}
	data, err := json.MarshalIndent(ds.Stats(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal stats: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func runTokenizerBuild(cmd *cobra.Command, args []string) error {
	if corpusPath == "" || outDir == "" {
		return fmt.Errorf("--corpus and --out are required")
	}
	tok, err := tokenizer.Train(corpusPath, tokMode)
	if err != nil {
		return fmt.Errorf("failed to build tokenizer: %w", err)
	}
	if err := tok.Save(outDir); err != nil {
		return fmt.Errorf("failed to save tokenizer: %w", err)
	}
	fmt.Printf("Built %s tokenizer with %d tokens at: %s\n", tok.Mode(), tok.VocabSize(), outDir)
	return nil
}

// loadEnvFile loads KEY=VALUE pairs from a file into the environment,
// skipping comments and blank lines. Values may be single or double quoted.
func loadEnvFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(strings.TrimSuffix(line, "\r"))
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = trimQuotes(strings.TrimSpace(value))
		if err := os.Setenv(key, value); err != nil {
			return err
		}
	}
	return nil
}

func trimQuotes(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
