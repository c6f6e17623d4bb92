package trainer

import (
	"math"
	"testing"
)

func TestLearningRateAt(t *testing.T) {
	const base = 1e-3

	tests := []struct {
		name   string
		step   int
		warmup int
		total  int
		want   float64
	}{
		{name: "step zero", step: 0, warmup: 10, total: 100, want: 0},
		{name: "warmup start", step: 1, warmup: 10, total: 100, want: base * 0.1},
		{name: "warmup midpoint", step: 5, warmup: 10, total: 100, want: base * 0.5},
		{name: "warmup end", step: 10, warmup: 10, total: 100, want: base},
		{name: "decay midpoint", step: 55, warmup: 10, total: 100, want: base * 0.5},
		{name: "final step", step: 100, warmup: 10, total: 100, want: 0},
		{name: "beyond total", step: 150, warmup: 10, total: 100, want: 0},
		{name: "no warmup first step", step: 1, warmup: 0, total: 100, want: base * 0.99},
		{name: "warmup swallows run", step: 3, warmup: 10, total: 5, want: base * 0.3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := learningRateAt(tt.step, tt.warmup, tt.total, base)
			if math.Abs(got-tt.want) > 1e-15 {
				t.Errorf("learningRateAt(%d, %d, %d) = %g, want %g", tt.step, tt.warmup, tt.total, got, tt.want)
			}
		})
	}
}

func TestLearningRateNeverNegative(t *testing.T) {
	for step := 0; step <= 120; step++ {
		if lr := learningRateAt(step, 10, 100, 1e-3); lr < 0 {
			t.Fatalf("learningRateAt(%d) = %g, want >= 0", step, lr)
		}
	}
}
