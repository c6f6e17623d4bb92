// Package trainer runs direct preference optimization: a trainable policy
// is pushed to prefer chosen over rejected completions relative to a frozen
// reference copy of itself.
package trainer

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"

	"github.com/preftune/preftune/internal/dataset"
	"github.com/preftune/preftune/internal/lora"
	"github.com/preftune/preftune/internal/metrics"
	"github.com/preftune/preftune/internal/model"
	"github.com/preftune/preftune/internal/tensor"
	"github.com/preftune/preftune/internal/tokenizer"
	"github.com/preftune/preftune/pkg/models"
)

// evalSampleMaxNew caps the greedy sample completion generated after each
// evaluation pass
const evalSampleMaxNew = 64

// Config carries the fit-loop hyperparameters, assembled from the [train]
// section
type Config struct {
	BatchSize    int
	NumEpochs    int
	AccumSteps   int
	LearningRate float64
	Optimizer    string
	WeightDecay  float64
	MaxGradNorm  float64
	WarmupSteps  int
	LoggingSteps int
	SaveSteps    int
	Seed         int64
	Beta         float64
	MaxSeqLen    int
	OutputDir    string
	ConfigHash   string
}

// Validate checks the hyperparameters a fit loop cannot run without
func (c Config) Validate() error {
	if c.BatchSize < 1 {
		return fmt.Errorf("batch size must be at least 1 (got %d)", c.BatchSize)
	}
	if c.NumEpochs < 1 {
		return fmt.Errorf("epochs must be at least 1 (got %d)", c.NumEpochs)
	}
	if c.AccumSteps < 1 {
		return fmt.Errorf("gradient accumulation steps must be at least 1 (got %d)", c.AccumSteps)
	}
	if c.LearningRate <= 0 {
		return fmt.Errorf("learning rate must be positive (got %g)", c.LearningRate)
	}
	if c.Beta <= 0 {
		return fmt.Errorf("beta must be positive (got %g)", c.Beta)
	}
	if c.MaxSeqLen < 1 {
		return fmt.Errorf("max sequence length must be at least 1 (got %d)", c.MaxSeqLen)
	}
	return nil
}

// DPO is the preference fit loop over a policy and its frozen reference
type DPO struct {
	cfg       Config
	policy    *model.Model
	ref       *model.Model
	adapter   *lora.Adapter // nil trains the full parameter set
	tok       *tokenizer.Tokenizer
	trainSet  *dataset.Dataset
	evalSet   *dataset.Dataset // nil disables evaluation
	logger    *slog.Logger
	collector *metrics.Collector

	opt        Optimizer
	trainable  []model.NamedTensor
	totalSteps int
	state      models.RunState
}

// New wires a fit loop. The policy and reference must share the tokenizer's
// vocabulary; the reference is never updated. A non-nil adapter restricts
// optimization to the adapter tensors.
func New(
	cfg Config,
	policy, ref *model.Model,
	adapter *lora.Adapter,
	tok *tokenizer.Tokenizer,
	trainSet, evalSet *dataset.Dataset,
	logger *slog.Logger,
	collector *metrics.Collector,
) (*DPO, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid trainer config: %w", err)
	}
	if trainSet == nil || trainSet.Len() == 0 {
		return nil, fmt.Errorf("training dataset is empty")
	}

	trainable := policy.NamedParams()
	if adapter != nil {
		trainable = adapter.NamedParams()
	}
	opt, err := NewOptimizer(cfg.Optimizer, trainable, cfg.WeightDecay)
	if err != nil {
		return nil, err
	}

	microPerEpoch := (trainSet.Len() + cfg.BatchSize - 1) / cfg.BatchSize
	stepsPerEpoch := (microPerEpoch + cfg.AccumSteps - 1) / cfg.AccumSteps
	d := &DPO{
		cfg:        cfg,
		policy:     policy,
		ref:        ref,
		adapter:    adapter,
		tok:        tok,
		trainSet:   trainSet,
		evalSet:    evalSet,
		logger:     logger,
		collector:  collector,
		opt:        opt,
		trainable:  trainable,
		totalSteps: cfg.NumEpochs * stepsPerEpoch,
		state: models.RunState{
			RunID:        uuid.New().String(),
			CreatedAt:    time.Now().UTC(),
			CurrentPhase: models.PhaseWarmup,
			TotalSteps:   cfg.NumEpochs * stepsPerEpoch,
			ConfigHash:   cfg.ConfigHash,
		},
	}
	return d, nil
}

// State returns a snapshot of the run state
func (d *DPO) State() models.RunState {
	return d.state
}

// History returns the logged training steps
func (d *DPO) History() []models.TrainLogEntry {
	return d.state.LogHistory
}

// EvalHistory returns the per-epoch evaluation summaries
func (d *DPO) EvalHistory() []models.EvalLogEntry {
	return d.state.EvalHistory
}

// TotalSteps returns the planned optimizer step count
func (d *DPO) TotalSteps() int {
	return d.totalSteps
}

// stepStats aggregates per-micro-batch means into step-level means
type stepStats struct {
	loss           float64
	rewardChosen   float64
	rewardRejected float64
	accuracy       float64
	margin         float64
	micro          int
}

func (s *stepStats) add(o stepStats) {
	s.loss += o.loss
	s.rewardChosen += o.rewardChosen
	s.rewardRejected += o.rewardRejected
	s.accuracy += o.accuracy
	s.margin += o.margin
	s.micro += o.micro
}

func (s stepStats) mean() stepStats {
	if s.micro == 0 {
		return s
	}
	n := float64(s.micro)
	return stepStats{
		loss:           s.loss / n,
		rewardChosen:   s.rewardChosen / n,
		rewardRejected: s.rewardRejected / n,
		accuracy:       s.accuracy / n,
		margin:         s.margin / n,
		micro:          1,
	}
}

// Train runs the full fit loop. Cancelling ctx between steps saves a
// checkpoint and returns the context error.
func (d *DPO) Train(ctx context.Context) error {
	d.logger.Info("Starting preference optimization",
		"run_id", d.state.RunID,
		"train_pairs", d.trainSet.Len(),
		"epochs", d.cfg.NumEpochs,
		"total_steps", d.totalSteps,
		"optimizer", d.cfg.Optimizer,
		"beta", d.cfg.Beta,
		"trainable_params", countParams(d.trainable))

	bar := progressbar.Default(int64(d.totalSteps), "training")
	defer func() { _ = bar.Finish() }()

	n := d.trainSet.Len()
	step := 0
	var acc stepStats
	pending := 0
	stepStart := time.Now()

	for epoch := 1; epoch <= d.cfg.NumEpochs; epoch++ {
		d.trainSet.Shuffle(d.cfg.Seed + int64(epoch))

		for lo := 0; lo < n; lo += d.cfg.BatchSize {
			if err := ctx.Err(); err != nil {
				if cerr := d.SaveCheckpoint(step); cerr != nil {
					d.logger.Error("Failed to save interrupt checkpoint", "error", cerr)
				}
				return fmt.Errorf("training interrupted at step %d: %w", step, err)
			}

			hi := lo + d.cfg.BatchSize
			if hi > n {
				hi = n
			}
			batch, err := d.microBatch(d.trainSet.Samples[lo:hi])
			if err != nil {
				d.collector.RecordStep(time.Since(stepStart), false)
				return fmt.Errorf("micro-batch at sample %d failed: %w", lo, err)
			}
			acc.add(batch)
			pending++

			// the remainder at epoch end still steps, so no gradient
			// is carried across epochs
			if pending < d.cfg.AccumSteps && hi < n {
				continue
			}

			step++
			gradNorm := clipGradNorm(d.trainable, d.cfg.MaxGradNorm)
			lr := learningRateAt(step, d.cfg.WarmupSteps, d.totalSteps, d.cfg.LearningRate)
			d.opt.Step(lr)
			d.zeroGrads()
			_ = bar.Add(1)

			avg := acc.mean()
			d.state.GlobalStep = step
			d.state.Epoch = float64(epoch-1) + float64(hi)/float64(n)
			d.state.CurrentPhase = models.PhaseTraining
			if step <= d.cfg.WarmupSteps {
				d.state.CurrentPhase = models.PhaseWarmup
			}

			d.collector.RecordStep(time.Since(stepStart), true)
			d.collector.SetTrainStats(avg.loss, lr, avg.margin, avg.accuracy)

			if step == 1 || (d.cfg.LoggingSteps > 0 && step%d.cfg.LoggingSteps == 0) {
				entry := models.TrainLogEntry{
					Step:           step,
					Epoch:          d.state.Epoch,
					Loss:           avg.loss,
					LearningRate:   lr,
					RewardChosen:   avg.rewardChosen,
					RewardRejected: avg.rewardRejected,
					RewardAccuracy: avg.accuracy,
					RewardMargin:   avg.margin,
				}
				d.state.LogHistory = append(d.state.LogHistory, entry)
				d.logger.Info("Training step",
					"step", step,
					"epoch", fmt.Sprintf("%.2f", d.state.Epoch),
					"loss", avg.loss,
					"lr", lr,
					"reward_accuracy", avg.accuracy,
					"reward_margin", avg.margin,
					"grad_norm", gradNorm)
			}

			if d.cfg.SaveSteps > 0 && step%d.cfg.SaveSteps == 0 {
				if err := d.SaveCheckpoint(step); err != nil {
					d.logger.Warn("Failed to save checkpoint", "step", step, "error", err)
				}
			}

			acc = stepStats{}
			pending = 0
			stepStart = time.Now()
		}

		if d.evalSet != nil && d.evalSet.Len() > 0 {
			if err := d.runEval(ctx, epoch); err != nil {
				return err
			}
		}
	}

	d.state.CurrentPhase = models.PhaseComplete
	d.state.GlobalStep = step
	d.state.Epoch = float64(d.cfg.NumEpochs)
	d.logger.Info("Preference optimization complete",
		"run_id", d.state.RunID,
		"steps", step,
		"logged_entries", len(d.state.LogHistory))
	return nil
}

// microBatch scores every pair in samples against policy and reference,
// backpropagates the batch loss scaled for gradient accumulation, and
// returns the batch means.
func (d *DPO) microBatch(samples []models.DPORecord) (stepStats, error) {
	g := tensor.NewGraph(true)
	refG := tensor.NewGraph(false)

	terms := make([]*tensor.Tensor, 0, len(samples))
	var st stepStats
	for i := range samples {
		prompt := d.encode(samples[i].Prompt)
		chosen := d.encode(samples[i].Chosen)
		rejected := d.encode(samples[i].Rejected)

		polChosen, err := d.policy.ScorePair(g, prompt, chosen)
		if err != nil {
			return st, fmt.Errorf("policy chosen score: %w", err)
		}
		polRejected, err := d.policy.ScorePair(g, prompt, rejected)
		if err != nil {
			return st, fmt.Errorf("policy rejected score: %w", err)
		}
		refChosen, err := d.ref.ScorePair(refG, prompt, chosen)
		if err != nil {
			return st, fmt.Errorf("reference chosen score: %w", err)
		}
		refRejected, err := d.ref.ScorePair(refG, prompt, rejected)
		if err != nil {
			return st, fmt.Errorf("reference rejected score: %w", err)
		}

		refDelta := refChosen.Item() - refRejected.Item()
		diff := g.Sub(g.Sub(polChosen, polRejected), tensor.FromSlice(1, 1, []float64{refDelta}))
		terms = append(terms, g.Scale(g.LogSigmoid(g.Scale(diff, d.cfg.Beta)), -1))

		chosenReward := d.cfg.Beta * (polChosen.Item() - refChosen.Item())
		rejectedReward := d.cfg.Beta * (polRejected.Item() - refRejected.Item())
		st.rewardChosen += chosenReward
		st.rewardRejected += rejectedReward
		if chosenReward > rejectedReward {
			st.accuracy++
		}
		st.margin += chosenReward - rejectedReward
	}

	loss := g.Mean(g.Stack(terms))
	st.loss = loss.Item()
	nf := float64(len(samples))
	st.rewardChosen /= nf
	st.rewardRejected /= nf
	st.accuracy /= nf
	st.margin /= nf
	st.micro = 1

	// scale so accumulated gradients average over the micro-batches of
	// one optimizer step
	g.Backward(g.Scale(loss, 1/float64(d.cfg.AccumSteps)))
	return st, nil
}

func (d *DPO) encode(text string) []int {
	ids := d.tok.Encode(text)
	if len(ids) > d.cfg.MaxSeqLen {
		ids = ids[:d.cfg.MaxSeqLen]
	}
	return ids
}

func (d *DPO) zeroGrads() {
	for _, p := range d.policy.NamedParams() {
		p.T.ZeroGrad()
	}
	if d.adapter != nil {
		d.adapter.ZeroGrad()
	}
}

// runEval computes the preference loss over the eval set and logs one
// greedy sample completion
func (d *DPO) runEval(ctx context.Context, epoch int) error {
	prev := d.state.CurrentPhase
	d.state.CurrentPhase = models.PhaseEval
	defer func() { d.state.CurrentPhase = prev }()

	var total float64
	for i := range d.evalSet.Samples {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("evaluation interrupted: %w", err)
		}
		loss, err := d.evalPair(&d.evalSet.Samples[i])
		if err != nil {
			return fmt.Errorf("eval pair %d: %w", i, err)
		}
		total += loss
	}
	evalLoss := total / float64(d.evalSet.Len())

	sample, err := d.sampleCompletion(&d.evalSet.Samples[0])
	if err != nil {
		d.logger.Warn("Failed to generate sample completion", "error", err)
		sample = ""
	}

	entry := models.EvalLogEntry{
		Epoch:      float64(epoch),
		Loss:       evalLoss,
		SampleText: sample,
	}
	d.state.EvalHistory = append(d.state.EvalHistory, entry)
	d.collector.SetEvalLoss(evalLoss)
	d.logger.Info("Evaluation",
		"epoch", epoch,
		"eval_loss", evalLoss,
		"eval_pairs", d.evalSet.Len(),
		"sample", sample)
	return nil
}

func (d *DPO) evalPair(rec *models.DPORecord) (float64, error) {
	g := tensor.NewGraph(false)
	refG := tensor.NewGraph(false)

	prompt := d.encode(rec.Prompt)
	chosen := d.encode(rec.Chosen)
	rejected := d.encode(rec.Rejected)

	polChosen, err := d.policy.ScorePair(g, prompt, chosen)
	if err != nil {
		return 0, err
	}
	polRejected, err := d.policy.ScorePair(g, prompt, rejected)
	if err != nil {
		return 0, err
	}
	refChosen, err := d.ref.ScorePair(refG, prompt, chosen)
	if err != nil {
		return 0, err
	}
	refRejected, err := d.ref.ScorePair(refG, prompt, rejected)
	if err != nil {
		return 0, err
	}

	z := d.cfg.Beta * ((polChosen.Item() - polRejected.Item()) - (refChosen.Item() - refRejected.Item()))
	return -logSigmoid(z), nil
}

func (d *DPO) sampleCompletion(rec *models.DPORecord) (string, error) {
	ids, err := d.policy.Generate(d.encode(rec.Prompt), evalSampleMaxNew)
	if err != nil {
		return "", err
	}
	return d.tok.Decode(ids), nil
}

// logSigmoid is the numerically stable log of the logistic function
func logSigmoid(z float64) float64 {
	if z >= 0 {
		return -math.Log1p(math.Exp(-z))
	}
	return z - math.Log1p(math.Exp(z))
}

func countParams(params []model.NamedTensor) int {
	total := 0
	for _, p := range params {
		total += p.T.Size()
	}
	return total
}
