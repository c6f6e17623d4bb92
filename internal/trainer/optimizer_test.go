package trainer

import (
	"math"
	"testing"

	"github.com/preftune/preftune/internal/model"
	"github.com/preftune/preftune/internal/tensor"
)

func TestNewOptimizerUnknown(t *testing.T) {
	params := []model.NamedTensor{{Name: "w", T: tensor.New(1, 2)}}
	if _, err := NewOptimizer("sgd", params, 0); err == nil {
		t.Fatal("NewOptimizer() error = nil for unknown name")
	}
}

// bowlLoss is sum of squares; its gradient in w is 2w, so any sane
// optimizer walks toward zero
func bowlLoss(params []model.NamedTensor) float64 {
	var loss float64
	for _, p := range params {
		for _, v := range p.T.W {
			loss += v * v
		}
	}
	return loss
}

func bowlGrads(params []model.NamedTensor) {
	for _, p := range params {
		for i, v := range p.T.W {
			p.T.DW[i] = 2 * v
		}
	}
}

func zeroGradsOf(params []model.NamedTensor) {
	for _, p := range params {
		p.T.ZeroGrad()
	}
}

func optimizeBowl(t *testing.T, name string, steps int, lr float64) (before, after float64) {
	t.Helper()
	// one matrix (factored path for adafactor) and one vector (full path)
	params := []model.NamedTensor{
		{Name: "w", T: tensor.FromSlice(2, 3, []float64{5, -4, 3, -2, 1.5, -1})},
		{Name: "b", T: tensor.FromSlice(1, 4, []float64{2, -2, 0.5, -0.5})},
	}
	opt, err := NewOptimizer(name, params, 0)
	if err != nil {
		t.Fatalf("NewOptimizer(%q) error = %v", name, err)
	}

	before = bowlLoss(params)
	for i := 0; i < steps; i++ {
		bowlGrads(params)
		opt.Step(lr)
		zeroGradsOf(params)
	}
	after = bowlLoss(params)

	for _, p := range params {
		for _, v := range p.T.W {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				t.Fatalf("%s optimizer produced non-finite weight %v", name, v)
			}
		}
	}
	return before, after
}

func TestAdamWReducesLoss(t *testing.T) {
	before, after := optimizeBowl(t, "adamw", 50, 0.1)
	if after >= before {
		t.Errorf("loss after 50 adamw steps = %g, want < %g", after, before)
	}
	if after > before/2 {
		t.Errorf("adamw barely moved: %g -> %g", before, after)
	}
}

func TestAdafactorReducesLoss(t *testing.T) {
	before, after := optimizeBowl(t, "adafactor", 50, 0.1)
	if after >= before {
		t.Errorf("loss after 50 adafactor steps = %g, want < %g", after, before)
	}
	if after > before/2 {
		t.Errorf("adafactor barely moved: %g -> %g", before, after)
	}
}

func TestAdamWWeightDecay(t *testing.T) {
	params := []model.NamedTensor{{Name: "w", T: tensor.FromSlice(1, 2, []float64{1, -1})}}
	opt, err := NewOptimizer("adamw", params, 0.5)
	if err != nil {
		t.Fatalf("NewOptimizer() error = %v", err)
	}

	// zero gradient, so only the decoupled decay acts
	opt.Step(0.1)
	want := 1 - 0.1*0.5
	if got := params[0].T.W[0]; math.Abs(got-want) > 1e-12 {
		t.Errorf("weight after decay-only step = %g, want %g", got, want)
	}
	if got := params[0].T.W[1]; math.Abs(got+want) > 1e-12 {
		t.Errorf("weight after decay-only step = %g, want %g", got, -want)
	}
}

func TestAdafactorDeterministic(t *testing.T) {
	run := func() []float64 {
		params := []model.NamedTensor{
			{Name: "w", T: tensor.FromSlice(2, 2, []float64{1, -2, 3, -4})},
		}
		opt, err := NewOptimizer("adafactor", params, 0.01)
		if err != nil {
			t.Fatalf("NewOptimizer() error = %v", err)
		}
		for i := 0; i < 5; i++ {
			bowlGrads(params)
			opt.Step(0.05)
			zeroGradsOf(params)
		}
		out := make([]float64, 4)
		copy(out, params[0].T.W)
		return out
	}

	a, b := run(), run()
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("adafactor not deterministic at %d: %v vs %v", i, a[i], b[i])
		}
	}
}

func TestClipGradNorm(t *testing.T) {
	t.Run("above max scales", func(t *testing.T) {
		p := []model.NamedTensor{{Name: "w", T: tensor.New(1, 2)}}
		p[0].T.DW[0], p[0].T.DW[1] = 3, 4

		norm := clipGradNorm(p, 1)
		if math.Abs(norm-5) > 1e-12 {
			t.Errorf("pre-clip norm = %g, want 5", norm)
		}
		if math.Abs(p[0].T.DW[0]-0.6) > 1e-12 || math.Abs(p[0].T.DW[1]-0.8) > 1e-12 {
			t.Errorf("clipped grads = %v, want [0.6 0.8]", p[0].T.DW)
		}
	})

	t.Run("below max untouched", func(t *testing.T) {
		p := []model.NamedTensor{{Name: "w", T: tensor.New(1, 2)}}
		p[0].T.DW[0], p[0].T.DW[1] = 0.3, 0.4

		if norm := clipGradNorm(p, 1); math.Abs(norm-0.5) > 1e-12 {
			t.Errorf("norm = %g, want 0.5", norm)
		}
		if p[0].T.DW[0] != 0.3 || p[0].T.DW[1] != 0.4 {
			t.Errorf("grads below max were modified: %v", p[0].T.DW)
		}
	})

	t.Run("disabled by zero max", func(t *testing.T) {
		p := []model.NamedTensor{{Name: "w", T: tensor.New(1, 2)}}
		p[0].T.DW[0], p[0].T.DW[1] = 30, 40

		if norm := clipGradNorm(p, 0); math.Abs(norm-50) > 1e-12 {
			t.Errorf("norm = %g, want 50", norm)
		}
		if p[0].T.DW[0] != 30 || p[0].T.DW[1] != 40 {
			t.Errorf("grads modified with clipping disabled: %v", p[0].T.DW)
		}
	})
}
