// Package tensor implements the float64 matrix type and reverse-mode
// autograd graph the training engine runs on. Values and gradients live in
// flat row-major slices; a Graph records backward closures during the
// forward pass and replays them in reverse.
package tensor

import (
	"fmt"
	"math/rand"
)

// Tensor is a rows x cols matrix with a gradient of the same shape.
// Gradients accumulate until ZeroGrad, which is what makes gradient
// accumulation across micro-batches work.
type Tensor struct {
	W    []float64 // values, row-major
	DW   []float64 // accumulated gradient
	Rows int
	Cols int
}

// New returns a zero tensor
func New(rows, cols int) *Tensor {
	if rows < 1 || cols < 1 {
		panic(fmt.Sprintf("tensor: invalid shape %dx%d", rows, cols))
	}
	return &Tensor{
		W:    make([]float64, rows*cols),
		DW:   make([]float64, rows*cols),
		Rows: rows,
		Cols: cols,
	}
}

// FromSlice wraps data (copied) into a tensor
func FromSlice(rows, cols int, data []float64) *Tensor {
	if len(data) != rows*cols {
		panic(fmt.Sprintf("tensor: %dx%d needs %d values, got %d", rows, cols, rows*cols, len(data)))
	}
	t := New(rows, cols)
	copy(t.W, data)
	return t
}

// Randn fills a tensor with scaled normal noise
func Randn(rng *rand.Rand, rows, cols int, scale float64) *Tensor {
	t := New(rows, cols)
	for i := range t.W {
		t.W[i] = rng.NormFloat64() * scale
	}
	return t
}

// At returns the value at (r, c)
func (t *Tensor) At(r, c int) float64 {
	return t.W[r*t.Cols+c]
}

// Set assigns the value at (r, c)
func (t *Tensor) Set(r, c int, v float64) {
	t.W[r*t.Cols+c] = v
}

// Size returns the element count
func (t *Tensor) Size() int {
	return len(t.W)
}

// ZeroGrad clears the accumulated gradient
func (t *Tensor) ZeroGrad() {
	for i := range t.DW {
		t.DW[i] = 0
	}
}

// Clone copies values (not gradients) into a fresh tensor
func (t *Tensor) Clone() *Tensor {
	out := New(t.Rows, t.Cols)
	copy(out.W, t.W)
	return out
}

// Item returns the single value of a 1x1 tensor
func (t *Tensor) Item() float64 {
	if t.Size() != 1 {
		panic(fmt.Sprintf("tensor: Item on %dx%d", t.Rows, t.Cols))
	}
	return t.W[0]
}

func sameShape(a, b *Tensor) {
	if a.Rows != b.Rows || a.Cols != b.Cols {
		panic(fmt.Sprintf("tensor: shape mismatch %dx%d vs %dx%d", a.Rows, a.Cols, b.Rows, b.Cols))
	}
}
