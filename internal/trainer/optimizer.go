package trainer

import (
	"fmt"
	"math"

	"github.com/preftune/preftune/internal/model"
)

// Optimizer applies one update from the gradients accumulated in its
// parameter set
type Optimizer interface {
	Step(lr float64)
}

// NewOptimizer builds the optimizer named by the train config over params
func NewOptimizer(name string, params []model.NamedTensor, weightDecay float64) (Optimizer, error) {
	switch name {
	case "adamw":
		return newAdamW(params, weightDecay), nil
	case "adafactor":
		return newAdafactor(params, weightDecay), nil
	default:
		return nil, fmt.Errorf("unknown optimizer %q", name)
	}
}

const (
	adamBeta1 = 0.9
	adamBeta2 = 0.999
	adamEps   = 1e-8
)

type adamW struct {
	params []model.NamedTensor
	wd     float64
	m      [][]float64
	v      [][]float64
	t      int
}

func newAdamW(params []model.NamedTensor, weightDecay float64) *adamW {
	o := &adamW{
		params: params,
		wd:     weightDecay,
		m:      make([][]float64, len(params)),
		v:      make([][]float64, len(params)),
	}
	for i, p := range params {
		o.m[i] = make([]float64, p.T.Size())
		o.v[i] = make([]float64, p.T.Size())
	}
	return o
}

func (o *adamW) Step(lr float64) {
	o.t++
	c1 := 1 - math.Pow(adamBeta1, float64(o.t))
	c2 := 1 - math.Pow(adamBeta2, float64(o.t))

	for i, p := range o.params {
		w, dw := p.T.W, p.T.DW
		m, v := o.m[i], o.v[i]
		for j := range w {
			g := dw[j]
			m[j] = adamBeta1*m[j] + (1-adamBeta1)*g
			v[j] = adamBeta2*v[j] + (1-adamBeta2)*g*g
			mHat := m[j] / c1
			vHat := v[j] / c2
			w[j] -= lr * (mHat/(math.Sqrt(vHat)+adamEps) + o.wd*w[j])
		}
	}
}

const (
	adafactorEps      = 1e-30
	adafactorClip     = 1.0
	adafactorDecayExp = -0.8
)

// adafactor keeps factored second moments for matrices (one row vector and
// one column vector instead of a full matrix) and full second moments for
// vectors. The learning rate is external and fixed, matching the trainer's
// schedule, not the relative-step variant.
type adafactor struct {
	params []model.NamedTensor
	wd     float64
	row    [][]float64 // per-row mean of squared grads, factored params
	col    [][]float64 // per-col mean of squared grads, factored params
	full   [][]float64 // full second moment, vector params
	t      int
}

func newAdafactor(params []model.NamedTensor, weightDecay float64) *adafactor {
	o := &adafactor{
		params: params,
		wd:     weightDecay,
		row:    make([][]float64, len(params)),
		col:    make([][]float64, len(params)),
		full:   make([][]float64, len(params)),
	}
	for i, p := range params {
		if factored(p.T.Rows, p.T.Cols) {
			o.row[i] = make([]float64, p.T.Rows)
			o.col[i] = make([]float64, p.T.Cols)
		} else {
			o.full[i] = make([]float64, p.T.Size())
		}
	}
	return o
}

func factored(rows, cols int) bool {
	return rows > 1 && cols > 1
}

func (o *adafactor) Step(lr float64) {
	o.t++
	beta2t := 1 - math.Pow(float64(o.t), adafactorDecayExp)

	for i, p := range o.params {
		w, dw := p.T.W, p.T.DW
		rows, cols := p.T.Rows, p.T.Cols

		var update []float64
		if factored(rows, cols) {
			update = o.factoredUpdate(i, dw, rows, cols, beta2t)
		} else {
			update = o.fullUpdate(i, dw, beta2t)
		}

		// RMS clipping keeps single steps bounded
		if rms := rootMeanSquare(update); rms > adafactorClip {
			scale := adafactorClip / rms
			for j := range update {
				update[j] *= scale
			}
		}
		for j := range w {
			w[j] -= lr*update[j] + lr*o.wd*w[j]
		}
	}
}

func (o *adafactor) factoredUpdate(i int, dw []float64, rows, cols int, beta2t float64) []float64 {
	row, col := o.row[i], o.col[i]
	for r := 0; r < rows; r++ {
		var sum float64
		for c := 0; c < cols; c++ {
			g := dw[r*cols+c]
			sum += g*g + adafactorEps
		}
		row[r] = beta2t*row[r] + (1-beta2t)*sum/float64(cols)
	}
	for c := 0; c < cols; c++ {
		var sum float64
		for r := 0; r < rows; r++ {
			g := dw[r*cols+c]
			sum += g*g + adafactorEps
		}
		col[c] = beta2t*col[c] + (1-beta2t)*sum/float64(rows)
	}

	var rowMean float64
	for _, v := range row {
		rowMean += v
	}
	rowMean /= float64(rows)

	update := make([]float64, len(dw))
	for r := 0; r < rows; r++ {
		rw := row[r] / rowMean
		for c := 0; c < cols; c++ {
			update[r*cols+c] = dw[r*cols+c] / math.Sqrt(rw*col[c])
		}
	}
	return update
}

func (o *adafactor) fullUpdate(i int, dw []float64, beta2t float64) []float64 {
	v := o.full[i]
	update := make([]float64, len(dw))
	for j, g := range dw {
		v[j] = beta2t*v[j] + (1-beta2t)*(g*g+adafactorEps)
		update[j] = g / math.Sqrt(v[j])
	}
	return update
}

func rootMeanSquare(xs []float64) float64 {
	var sum float64
	for _, x := range xs {
		sum += x * x
	}
	return math.Sqrt(sum / float64(len(xs)))
}

// clipGradNorm scales the gradients of params so their global L2 norm is at
// most maxNorm, and returns the pre-clip norm. A non-positive maxNorm
// disables clipping.
func clipGradNorm(params []model.NamedTensor, maxNorm float64) float64 {
	var sum float64
	for _, p := range params {
		for _, g := range p.T.DW {
			sum += g * g
		}
	}
	norm := math.Sqrt(sum)
	if maxNorm <= 0 || norm <= maxNorm {
		return norm
	}
	scale := maxNorm / norm
	for _, p := range params {
		for j := range p.T.DW {
			p.T.DW[j] *= scale
		}
	}
	return norm
}
