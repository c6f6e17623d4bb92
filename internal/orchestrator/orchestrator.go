// Package orchestrator wires the fine-tuning pipelines end to end: resolve
// tokenizer and models, load datasets, delegate the fit loop to the trainer,
// and persist the resulting artifacts at their derived paths.
package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/preftune/preftune/internal/config"
	"github.com/preftune/preftune/internal/dataset"
	"github.com/preftune/preftune/internal/hub"
	"github.com/preftune/preftune/internal/lora"
	"github.com/preftune/preftune/internal/metrics"
	"github.com/preftune/preftune/internal/model"
	"github.com/preftune/preftune/internal/tokenizer"
	"github.com/preftune/preftune/internal/trainer"
)

// Orchestrator runs the training, merge, and dataset pipelines. Every
// pipeline is sequential; the first error aborts the whole run.
type Orchestrator struct {
	cfg       *config.Config
	secrets   *config.Secrets
	logger    *slog.Logger
	collector *metrics.Collector
}

// New creates an orchestrator
func New(cfg *config.Config, secrets *config.Secrets, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		secrets:   secrets,
		logger:    logger,
		collector: metrics.NewCollector(logger),
	}
}

// TrainDPO runs the full preference-optimization pipeline. A non-nil loraCfg
// attaches adapters and restricts training to them; the saved artifact is
// then the adapter directory instead of the full model.
func (o *Orchestrator) TrainDPO(ctx context.Context, loraCfg *lora.Config) error {
	start := time.Now()
	o.logger.Info("Starting DPO training pipeline",
		"model", o.cfg.Model.SFTModelFile,
		"train_file", o.cfg.Train.DPOTrainFile,
		"lora", loraCfg != nil)

	tok, err := tokenizer.Load(o.cfg.Model.TokenizerDir)
	if err != nil {
		return fmt.Errorf("failed to load tokenizer: %w", err)
	}
	o.logger.Info("Tokenizer loaded",
		"dir", o.cfg.Model.TokenizerDir,
		"mode", tok.Mode(),
		"vocab_size", tok.VocabSize())

	policy, err := o.loadModel(tok)
	if err != nil {
		return err
	}
	ref, err := o.loadModel(tok)
	if err != nil {
		return err
	}
	if err := checkVocab(policy, tok); err != nil {
		return err
	}
	o.logger.Info("Policy and frozen reference loaded", "parameters", policy.NumParams())

	trainPath, err := o.resolveTrainFile(ctx)
	if err != nil {
		return err
	}
	trainSet, err := dataset.LoadForTraining(trainPath)
	if err != nil {
		return fmt.Errorf("failed to load training dataset: %w", err)
	}
	o.logger.Info("Training dataset loaded", "path", trainPath, "records", trainSet.Len())

	var evalSet *dataset.Dataset
	if o.cfg.Train.DPOEvalFile != "" {
		evalSet, err = dataset.LoadForTraining(o.cfg.Train.DPOEvalFile)
		if err != nil {
			return fmt.Errorf("failed to load evaluation dataset: %w", err)
		}
		o.logger.Info("Evaluation dataset loaded", "path", o.cfg.Train.DPOEvalFile, "records", evalSet.Len())
	}

	var adapter *lora.Adapter
	if loraCfg != nil {
		adapter, err = lora.Apply(policy, *loraCfg, o.cfg.Train.Seed)
		if err != nil {
			return fmt.Errorf("failed to apply lora adapters: %w", err)
		}
		o.logger.Info("LoRA adapters attached",
			"r", loraCfg.R,
			"alpha", loraCfg.Alpha,
			"target_modules", loraCfg.TargetModules,
			"trainable_params", adapter.NumParams())
	}

	hash, err := o.cfg.Hash()
	if err != nil {
		return fmt.Errorf("failed to hash config: %w", err)
	}
	fit, err := trainer.New(o.trainerConfig(hash), policy, ref, adapter, tok, trainSet, evalSet, o.logger, o.collector)
	if err != nil {
		return fmt.Errorf("failed to create trainer: %w", err)
	}
	if err := fit.Train(ctx); err != nil {
		return fmt.Errorf("training failed: %w", err)
	}

	if err := os.MkdirAll(o.cfg.Train.LogDir, 0o755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	csvPath := filepath.Join(o.cfg.Train.LogDir, fmt.Sprintf("dpo_train_log_%s.csv", time.Now().Format("20060102-1504")))
	if err := trainer.WriteHistoryCSV(csvPath, fit.History()); err != nil {
		return fmt.Errorf("failed to write training history: %w", err)
	}
	o.logger.Info("Training history written", "path", csvPath, "entries", len(fit.History()))

	saveDir := SavePath(o.cfg.Model.SFTModelFile, adapter != nil)
	if adapter != nil {
		if err := adapter.Save(saveDir); err != nil {
			return fmt.Errorf("failed to save adapter: %w", err)
		}
	} else {
		if err := policy.SavePretrained(saveDir); err != nil {
			return fmt.Errorf("failed to save model: %w", err)
		}
	}
	if err := fit.WriteState(saveDir); err != nil {
		return fmt.Errorf("failed to write trainer state: %w", err)
	}

	o.logger.Info("DPO training pipeline complete",
		"save_dir", saveDir,
		"steps", fit.State().GlobalStep,
		"duration", time.Since(start).Round(time.Second).String())
	return nil
}

// MergeAdapter loads the base model and the adapter trained from it, folds
// the adapter weights into the base in place, and saves the merged model as
// a pretrained directory next to the base.
func (o *Orchestrator) MergeAdapter(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	tok, err := tokenizer.Load(o.cfg.Model.TokenizerDir)
	if err != nil {
		return fmt.Errorf("failed to load tokenizer: %w", err)
	}
	base, err := o.loadModel(tok)
	if err != nil {
		return err
	}
	if err := checkVocab(base, tok); err != nil {
		return err
	}

	adapterDir := AdapterPath(o.cfg.Model.SFTModelFile)
	o.logger.Info("Loading adapter", "dir", adapterDir)
	adapter, err := lora.Load(adapterDir, base)
	if err != nil {
		return fmt.Errorf("failed to load adapter: %w", err)
	}
	adapter.MergeInto()

	mergedDir := MergedPath(o.cfg.Model.SFTModelFile)
	if err := base.SavePretrained(mergedDir); err != nil {
		return fmt.Errorf("failed to save merged model: %w", err)
	}
	o.logger.Info("Merged model saved", "dir", mergedDir, "parameters", base.NumParams())
	return nil
}

// FetchDataset downloads the configured training file from the hub and
// copies it into place at train.dpo_train_file.
func (o *Orchestrator) FetchDataset(ctx context.Context) (string, error) {
	if o.cfg.Hub.RepoID == "" {
		return "", fmt.Errorf("hub repo_id is not configured")
	}
	client := hub.NewClient(o.cfg.Hub, o.secrets.HubToken, o.logger, o.collector)
	cached, err := client.FetchDataset(ctx, o.cfg.Hub.RepoID, filepath.Base(o.cfg.Train.DPOTrainFile))
	if err != nil {
		return "", fmt.Errorf("failed to fetch dataset: %w", err)
	}

	dst := o.cfg.Train.DPOTrainFile
	if cached != dst {
		if err := copyFile(cached, dst); err != nil {
			return "", fmt.Errorf("failed to copy dataset into place: %w", err)
		}
	}
	o.logger.Info("Dataset fetched", "repo_id", o.cfg.Hub.RepoID, "path", dst)
	return dst, nil
}

// resolveTrainFile returns the training file path, fetching it from the hub
// when the file is absent and a repo is configured.
func (o *Orchestrator) resolveTrainFile(ctx context.Context) (string, error) {
	path := o.cfg.Train.DPOTrainFile
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	if o.cfg.Hub.RepoID == "" {
		return "", fmt.Errorf("training file %s does not exist and no hub repo_id is configured", path)
	}

	o.logger.Info("Training file missing, fetching from hub", "path", path, "repo_id", o.cfg.Hub.RepoID)
	client := hub.NewClient(o.cfg.Hub, o.secrets.HubToken, o.logger, o.collector)
	cached, err := client.FetchDataset(ctx, o.cfg.Hub.RepoID, filepath.Base(path))
	if err != nil {
		return "", fmt.Errorf("failed to fetch training file: %w", err)
	}
	return cached, nil
}

// loadModel resolves model.sft_model_file either as a pretrained directory
// or as a raw weight-state file layered onto an architecture built from the
// [model] dims and the tokenizer vocabulary.
func (o *Orchestrator) loadModel(tok *tokenizer.Tokenizer) (*model.Model, error) {
	path := o.cfg.Model.SFTModelFile
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		m, err := model.LoadPretrained(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load pretrained model: %w", err)
		}
		return m, nil
	}

	m, err := model.New(o.modelConfig(tok), o.cfg.Train.Seed)
	if err != nil {
		return nil, fmt.Errorf("failed to build model: %w", err)
	}
	if err := m.LoadState(path); err != nil {
		return nil, fmt.Errorf("failed to load model state: %w", err)
	}
	return m, nil
}

// modelConfig builds the architecture config for the raw weight-state form.
// The decoder starts generation from the pad token.
func (o *Orchestrator) modelConfig(tok *tokenizer.Tokenizer) model.Config {
	m := o.cfg.Model
	return model.Config{
		VocabSize:        tok.VocabSize(),
		DModel:           m.DModel,
		DFF:              m.DFF,
		NumHeads:         m.NumHeads,
		NumEncoderLayers: m.NumLayers,
		NumDecoderLayers: m.DecoderLayers(),
		MaxSeqLen:        m.MaxSeqLen,
		PadID:            tokenizer.PadID,
		EOSID:            tokenizer.EOSID,
		DecoderStartID:   tokenizer.PadID,
	}
}

func (o *Orchestrator) trainerConfig(configHash string) trainer.Config {
	t := o.cfg.Train
	return trainer.Config{
		BatchSize:    t.BatchSize,
		NumEpochs:    t.NumTrainEpochs,
		AccumSteps:   t.GradientAccumulationSteps,
		LearningRate: t.LearningRate,
		Optimizer:    t.Optimizer,
		WeightDecay:  t.WeightDecay,
		MaxGradNorm:  t.MaxGradNorm,
		WarmupSteps:  t.WarmupSteps,
		LoggingSteps: t.LoggingSteps,
		SaveSteps:    t.SaveSteps,
		Seed:         t.Seed,
		Beta:         t.Beta,
		MaxSeqLen:    o.cfg.Model.MaxSeqLen,
		OutputDir:    t.OutputDir,
		ConfigHash:   configHash,
	}
}

func checkVocab(m *model.Model, tok *tokenizer.Tokenizer) error {
	if got, want := m.Config().VocabSize, tok.VocabSize(); got != want {
		return fmt.Errorf("model vocab size %d does not match tokenizer vocab size %d", got, want)
	}
	return nil
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}
