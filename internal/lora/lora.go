// Package lora attaches low-rank adapters to the attention projections of a
// model, so fine-tuning updates a few thousand parameters instead of the
// full weight set. Adapters ride the model's projection hook and can be
// saved, reloaded, and merged back into the base weights.
package lora

import (
	"fmt"
	"math/rand"

	"github.com/preftune/preftune/internal/model"
	"github.com/preftune/preftune/internal/tensor"
)

const (
	// TaskType identifies the tuning objective in the adapter config
	TaskType = "SEQ_2_SEQ_LM"

	initScale = 0.02
)

// Config mirrors the adapter_config.json artifact
type Config struct {
	R             int      `json:"r"`
	Alpha         int      `json:"lora_alpha"`
	Dropout       float64  `json:"lora_dropout"`
	Bias          string   `json:"bias"`
	TargetModules []string `json:"target_modules"`
	TaskType      string   `json:"task_type"`
}

// DefaultConfig returns the adapter hyperparameters used for the reference
// preference-tuning run
func DefaultConfig() Config {
	return Config{
		R:             16,
		Alpha:         16,
		Dropout:       0.1,
		Bias:          "all",
		TargetModules: []string{"q", "v"},
		TaskType:      TaskType,
	}
}

// Validate checks the adapter hyperparameters
func (c Config) Validate() error {
	if c.R < 1 {
		return fmt.Errorf("r must be at least 1 (got %d)", c.R)
	}
	if c.Alpha < 1 {
		return fmt.Errorf("lora_alpha must be at least 1 (got %d)", c.Alpha)
	}
	if c.Dropout < 0 || c.Dropout >= 1 {
		return fmt.Errorf("lora_dropout must be in [0, 1) (got %g)", c.Dropout)
	}
	if len(c.TargetModules) == 0 {
		return fmt.Errorf("target_modules must not be empty")
	}
	return nil
}

// pair holds one adapter: A is (r x in), B is (out x r), so the delta for
// input x is x A^T B^T scaled by alpha/r. B starts at zero, which keeps the
// adapted model identical to the base until the first update.
type pair struct {
	A *tensor.Tensor
	B *tensor.Tensor
}

// Adapter is a set of low-rank pairs attached to a model's projections. It
// implements model.ProjectionHook.
type Adapter struct {
	cfg   Config
	scale float64
	base  *model.Model
	pairs map[string]*pair
	names []string // attachment order
	rng   *rand.Rand
}

// Apply attaches adapters to every projection whose name ends in one of
// cfg.TargetModules and routes the model's projections through them. The
// base weights keep their values; only the adapter tensors are meant to be
// optimized.
func Apply(m *model.Model, cfg Config, seed int64) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid adapter config: %w", err)
	}
	if cfg.TaskType == "" {
		cfg.TaskType = TaskType
	}

	targets := make(map[string]bool, len(cfg.TargetModules))
	for _, t := range cfg.TargetModules {
		targets[t] = true
	}

	a := &Adapter{
		cfg:   cfg,
		scale: float64(cfg.Alpha) / float64(cfg.R),
		base:  m,
		pairs: make(map[string]*pair),
		rng:   rand.New(rand.NewSource(seed)),
	}
	for _, name := range m.ProjectionNames() {
		if !targets[moduleSuffix(name)] {
			continue
		}
		w, ok := m.Param(name)
		if !ok {
			return nil, fmt.Errorf("projection %q is not a model parameter", name)
		}
		a.pairs[name] = &pair{
			A: tensor.Randn(a.rng, cfg.R, w.Rows, initScale),
			B: tensor.New(w.Cols, cfg.R),
		}
		a.names = append(a.names, name)
	}
	if len(a.names) == 0 {
		return nil, fmt.Errorf("no projection matches target_modules %v", cfg.TargetModules)
	}

	m.SetProjectionHook(a)
	return a, nil
}

func moduleSuffix(name string) string {
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '.' {
			return name[i+1:]
		}
	}
	return name
}

// Project implements model.ProjectionHook: base matmul plus the scaled
// low-rank delta. Dropout only fires on recording graphs, so reference
// scoring and generation stay deterministic.
func (a *Adapter) Project(g *tensor.Graph, name string, x, w *tensor.Tensor) *tensor.Tensor {
	base := g.MatMul(x, w)
	p, ok := a.pairs[name]
	if !ok {
		return base
	}
	xd := x
	if a.cfg.Dropout > 0 && g.NeedsGrad() {
		xd = g.Dropout(x, a.cfg.Dropout, a.rng)
	}
	delta := g.MatMul(g.MatMul(xd, g.Transpose(p.A)), g.Transpose(p.B))
	return g.Add(base, g.Scale(delta, a.scale))
}

// Config returns the adapter hyperparameters
func (a *Adapter) Config() Config {
	return a.cfg
}

// NamedParams returns the adapter tensors in attachment order, named
// `<projection>.lora_A` and `<projection>.lora_B`
func (a *Adapter) NamedParams() []model.NamedTensor {
	out := make([]model.NamedTensor, 0, 2*len(a.names))
	for _, name := range a.names {
		p := a.pairs[name]
		out = append(out,
			model.NamedTensor{Name: name + ".lora_A", T: p.A},
			model.NamedTensor{Name: name + ".lora_B", T: p.B},
		)
	}
	return out
}

// NumParams returns the trainable adapter parameter count
func (a *Adapter) NumParams() int {
	total := 0
	for _, name := range a.names {
		p := a.pairs[name]
		total += p.A.Size() + p.B.Size()
	}
	return total
}

// MergeInto folds every adapter pair into its base weight and detaches the
// hook. After merging, plain forward passes reproduce the adapted model and
// the adapter must not be reused.
func (a *Adapter) MergeInto() {
	for _, name := range a.names {
		p := a.pairs[name]
		w, _ := a.base.Param(name)
		in, out, r := w.Rows, w.Cols, a.cfg.R
		for i := 0; i < in; i++ {
			for j := 0; j < out; j++ {
				var sum float64
				for k := 0; k < r; k++ {
					sum += p.A.W[k*in+i] * p.B.W[j*r+k]
				}
				w.W[i*out+j] += a.scale * sum
			}
		}
	}
	a.base.SetProjectionHook(nil)
}

// ZeroGrad clears the gradients of every adapter tensor
func (a *Adapter) ZeroGrad() {
	for _, name := range a.names {
		p := a.pairs[name]
		p.A.ZeroGrad()
		p.B.ZeroGrad()
	}
}
