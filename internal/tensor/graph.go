package tensor

import (
	"fmt"
	"math"
	"math/rand"
)

// Graph records the backward pass while ops run forward. Forward-only
// callers (the frozen reference model, generation) construct it with
// needsGrad=false and pay nothing for the tape.
type Graph struct {
	needsGrad bool
	tape      []func()
}

// NewGraph returns a graph; needsGrad controls whether ops record
// backward closures
func NewGraph(needsGrad bool) *Graph {
	return &Graph{needsGrad: needsGrad}
}

// NeedsGrad reports whether this graph records a tape
func (g *Graph) NeedsGrad() bool {
	return g.needsGrad
}

func (g *Graph) add(fn func()) {
	if g.needsGrad {
		g.tape = append(g.tape, fn)
	}
}

// Backward seeds the scalar loss gradient and replays the tape in reverse
func (g *Graph) Backward(loss *Tensor) {
	if loss.Size() != 1 {
		panic(fmt.Sprintf("tensor: Backward needs a 1x1 loss, got %dx%d", loss.Rows, loss.Cols))
	}
	loss.DW[0] = 1
	for i := len(g.tape) - 1; i >= 0; i-- {
		g.tape[i]()
	}
	g.tape = nil
}

// MatMul returns a * b
func (g *Graph) MatMul(a, b *Tensor) *Tensor {
	if a.Cols != b.Rows {
		panic(fmt.Sprintf("tensor: matmul %dx%d * %dx%d", a.Rows, a.Cols, b.Rows, b.Cols))
	}
	n, m, p := a.Rows, a.Cols, b.Cols
	out := New(n, p)
	matmulInto(out.W, a.W, b.W, n, m, p)
	g.add(func() {
		matmulNTAdd(a.DW, out.DW, b.W, n, m, p)
		matmulTNAdd(b.DW, a.W, out.DW, n, m, p)
	})
	return out
}

// Transpose returns a^T
func (g *Graph) Transpose(a *Tensor) *Tensor {
	out := New(a.Cols, a.Rows)
	for r := 0; r < a.Rows; r++ {
		for c := 0; c < a.Cols; c++ {
			out.W[c*a.Rows+r] = a.W[r*a.Cols+c]
		}
	}
	g.add(func() {
		for r := 0; r < a.Rows; r++ {
			for c := 0; c < a.Cols; c++ {
				a.DW[r*a.Cols+c] += out.DW[c*a.Rows+r]
			}
		}
	})
	return out
}

// Add returns a + b elementwise
func (g *Graph) Add(a, b *Tensor) *Tensor {
	sameShape(a, b)
	out := New(a.Rows, a.Cols)
	for i := range out.W {
		out.W[i] = a.W[i] + b.W[i]
	}
	g.add(func() {
		for i := range out.DW {
			a.DW[i] += out.DW[i]
			b.DW[i] += out.DW[i]
		}
	})
	return out
}

// Sub returns a - b elementwise
func (g *Graph) Sub(a, b *Tensor) *Tensor {
	sameShape(a, b)
	out := New(a.Rows, a.Cols)
	for i := range out.W {
		out.W[i] = a.W[i] - b.W[i]
	}
	g.add(func() {
		for i := range out.DW {
			a.DW[i] += out.DW[i]
			b.DW[i] -= out.DW[i]
		}
	})
	return out
}

// Mul returns a * b elementwise
func (g *Graph) Mul(a, b *Tensor) *Tensor {
	sameShape(a, b)
	out := New(a.Rows, a.Cols)
	for i := range out.W {
		out.W[i] = a.W[i] * b.W[i]
	}
	g.add(func() {
		for i := range out.DW {
			a.DW[i] += out.DW[i] * b.W[i]
			b.DW[i] += out.DW[i] * a.W[i]
		}
	})
	return out
}

// Scale returns a * s
func (g *Graph) Scale(a *Tensor, s float64) *Tensor {
	out := New(a.Rows, a.Cols)
	for i := range out.W {
		out.W[i] = a.W[i] * s
	}
	g.add(func() {
		for i := range out.DW {
			a.DW[i] += out.DW[i] * s
		}
	})
	return out
}

// Lookup gathers embedding rows for ids
func (g *Graph) Lookup(emb *Tensor, ids []int) *Tensor {
	out := New(len(ids), emb.Cols)
	for i, id := range ids {
		if id < 0 || id >= emb.Rows {
			panic(fmt.Sprintf("tensor: lookup id %d outside %d rows", id, emb.Rows))
		}
		copy(out.W[i*emb.Cols:(i+1)*emb.Cols], emb.W[id*emb.Cols:(id+1)*emb.Cols])
	}
	g.add(func() {
		for i, id := range ids {
			dst := emb.DW[id*emb.Cols : (id+1)*emb.Cols]
			src := out.DW[i*emb.Cols : (i+1)*emb.Cols]
			for c := range dst {
				dst[c] += src[c]
			}
		}
	})
	return out
}

// ColSlice returns columns [lo, hi) of x
func (g *Graph) ColSlice(x *Tensor, lo, hi int) *Tensor {
	if lo < 0 || hi > x.Cols || lo >= hi {
		panic(fmt.Sprintf("tensor: col slice [%d, %d) of %d cols", lo, hi, x.Cols))
	}
	w := hi - lo
	out := New(x.Rows, w)
	for r := 0; r < x.Rows; r++ {
		copy(out.W[r*w:(r+1)*w], x.W[r*x.Cols+lo:r*x.Cols+hi])
	}
	g.add(func() {
		for r := 0; r < x.Rows; r++ {
			dst := x.DW[r*x.Cols+lo : r*x.Cols+hi]
			src := out.DW[r*w : (r+1)*w]
			for c := range dst {
				dst[c] += src[c]
			}
		}
	})
	return out
}

// ConcatCols joins tensors with equal row counts side by side
func (g *Graph) ConcatCols(xs ...*Tensor) *Tensor {
	if len(xs) == 0 {
		panic("tensor: concat of nothing")
	}
	rows, cols := xs[0].Rows, 0
	for _, x := range xs {
		if x.Rows != rows {
			panic(fmt.Sprintf("tensor: concat rows %d vs %d", x.Rows, rows))
		}
		cols += x.Cols
	}
	out := New(rows, cols)
	off := 0
	for _, x := range xs {
		for r := 0; r < rows; r++ {
			copy(out.W[r*cols+off:r*cols+off+x.Cols], x.W[r*x.Cols:(r+1)*x.Cols])
		}
		off += x.Cols
	}
	g.add(func() {
		off := 0
		for _, x := range xs {
			for r := 0; r < rows; r++ {
				dst := x.DW[r*x.Cols : (r+1)*x.Cols]
				src := out.DW[r*cols+off : r*cols+off+x.Cols]
				for c := range dst {
					dst[c] += src[c]
				}
			}
			off += x.Cols
		}
	})
	return out
}

// RMSNormEps keeps the normalizer away from zero
const RMSNormEps = 1e-6

// RMSNorm normalizes each row by its root mean square and scales by gain
// (a 1 x cols parameter)
func (g *Graph) RMSNorm(x, gain *Tensor) *Tensor {
	if gain.Rows != 1 || gain.Cols != x.Cols {
		panic(fmt.Sprintf("tensor: rmsnorm gain %dx%d for %d cols", gain.Rows, gain.Cols, x.Cols))
	}
	n, d := x.Rows, x.Cols
	out := New(n, d)
	scales := make([]float64, n)
	for r := 0; r < n; r++ {
		row := x.W[r*d : (r+1)*d]
		ms := 0.0
		for _, v := range row {
			ms += v * v
		}
		s := math.Sqrt(ms/float64(d) + RMSNormEps)
		scales[r] = s
		outRow := out.W[r*d : (r+1)*d]
		for c, v := range row {
			outRow[c] = gain.W[c] * v / s
		}
	}
	g.add(func() {
		for r := 0; r < n; r++ {
			row := x.W[r*d : (r+1)*d]
			dOut := out.DW[r*d : (r+1)*d]
			s := scales[r]
			inner := 0.0
			for c := 0; c < d; c++ {
				inner += dOut[c] * gain.W[c] * row[c]
			}
			k := inner / (float64(d) * s * s * s)
			for c := 0; c < d; c++ {
				x.DW[r*d+c] += gain.W[c]*dOut[c]/s - row[c]*k
				gain.DW[c] += dOut[c] * row[c] / s
			}
		}
	})
	return out
}

// ReLU returns max(x, 0) elementwise
func (g *Graph) ReLU(x *Tensor) *Tensor {
	out := New(x.Rows, x.Cols)
	for i, v := range x.W {
		if v > 0 {
			out.W[i] = v
		}
	}
	g.add(func() {
		for i := range out.DW {
			if x.W[i] > 0 {
				x.DW[i] += out.DW[i]
			}
		}
	})
	return out
}

// SoftmaxRows applies a row-wise softmax. A non-nil mask (same shape,
// row-major) restricts each row to its allowed entries; disallowed entries
// produce zero probability and receive no gradient.
func (g *Graph) SoftmaxRows(x *Tensor, mask []bool) *Tensor {
	if mask != nil && len(mask) != x.Size() {
		panic(fmt.Sprintf("tensor: softmax mask size %d for %d elements", len(mask), x.Size()))
	}
	n, d := x.Rows, x.Cols
	out := New(n, d)
	for r := 0; r < n; r++ {
		row := x.W[r*d : (r+1)*d]
		outRow := out.W[r*d : (r+1)*d]
		maxV := math.Inf(-1)
		for c, v := range row {
			if mask == nil || mask[r*d+c] {
				if v > maxV {
					maxV = v
				}
			}
		}
		if math.IsInf(maxV, -1) {
			continue // fully masked row
		}
		sum := 0.0
		for c, v := range row {
			if mask == nil || mask[r*d+c] {
				e := math.Exp(v - maxV)
				outRow[c] = e
				sum += e
			}
		}
		for c := range outRow {
			outRow[c] /= sum
		}
	}
	g.add(func() {
		for r := 0; r < n; r++ {
			outRow := out.W[r*d : (r+1)*d]
			dOut := out.DW[r*d : (r+1)*d]
			dot := 0.0
			for c := 0; c < d; c++ {
				dot += outRow[c] * dOut[c]
			}
			for c := 0; c < d; c++ {
				x.DW[r*d+c] += outRow[c] * (dOut[c] - dot)
			}
		}
	})
	return out
}

// Dropout zeroes elements with probability p and rescales survivors by
// 1/(1-p). A nil rng or p <= 0 is the identity.
func (g *Graph) Dropout(x *Tensor, p float64, rng *rand.Rand) *Tensor {
	if p <= 0 || rng == nil {
		return x
	}
	if p >= 1 {
		panic(fmt.Sprintf("tensor: dropout probability %g", p))
	}
	keep := 1 / (1 - p)
	mask := make([]float64, x.Size())
	out := New(x.Rows, x.Cols)
	for i, v := range x.W {
		if rng.Float64() >= p {
			mask[i] = keep
			out.W[i] = v * keep
		}
	}
	g.add(func() {
		for i := range out.DW {
			x.DW[i] += out.DW[i] * mask[i]
		}
	})
	return out
}

// RowLogProbs returns, per row, the log-probability of the target id under
// a softmax of that row: logits[r][target] - logsumexp(logits[r])
func (g *Graph) RowLogProbs(logits *Tensor, targets []int) *Tensor {
	if len(targets) != logits.Rows {
		panic(fmt.Sprintf("tensor: %d targets for %d rows", len(targets), logits.Rows))
	}
	n, d := logits.Rows, logits.Cols
	out := New(n, 1)
	var probs []float64
	if g.needsGrad {
		probs = make([]float64, n*d)
	}
	for r := 0; r < n; r++ {
		tgt := targets[r]
		if tgt < 0 || tgt >= d {
			panic(fmt.Sprintf("tensor: target %d outside %d classes", tgt, d))
		}
		row := logits.W[r*d : (r+1)*d]
		maxV := row[0]
		for _, v := range row[1:] {
			if v > maxV {
				maxV = v
			}
		}
		sum := 0.0
		for _, v := range row {
			sum += math.Exp(v - maxV)
		}
		lse := maxV + math.Log(sum)
		out.W[r] = row[tgt] - lse
		if probs != nil {
			for c, v := range row {
				probs[r*d+c] = math.Exp(v-maxV) / sum
			}
		}
	}
	g.add(func() {
		for r := 0; r < n; r++ {
			dlp := out.DW[r]
			if dlp == 0 {
				continue
			}
			for c := 0; c < d; c++ {
				x := -probs[r*d+c]
				if c == targets[r] {
					x++
				}
				logits.DW[r*d+c] += dlp * x
			}
		}
	})
	return out
}

// Sum reduces to a 1x1 total
func (g *Graph) Sum(x *Tensor) *Tensor {
	out := New(1, 1)
	for _, v := range x.W {
		out.W[0] += v
	}
	g.add(func() {
		for i := range x.DW {
			x.DW[i] += out.DW[0]
		}
	})
	return out
}

// Mean reduces to a 1x1 average
func (g *Graph) Mean(x *Tensor) *Tensor {
	out := New(1, 1)
	for _, v := range x.W {
		out.W[0] += v
	}
	inv := 1 / float64(x.Size())
	out.W[0] *= inv
	g.add(func() {
		for i := range x.DW {
			x.DW[i] += out.DW[0] * inv
		}
	})
	return out
}

// Stack joins 1x1 tensors into an n x 1 column
func (g *Graph) Stack(xs []*Tensor) *Tensor {
	out := New(len(xs), 1)
	for i, x := range xs {
		out.W[i] = x.Item()
	}
	g.add(func() {
		for i, x := range xs {
			x.DW[0] += out.DW[i]
		}
	})
	return out
}

// LogSigmoid returns log(sigmoid(x)) elementwise, computed stably for
// large magnitudes in either direction
func (g *Graph) LogSigmoid(x *Tensor) *Tensor {
	out := New(x.Rows, x.Cols)
	for i, v := range x.W {
		out.W[i] = -softplus(-v)
	}
	g.add(func() {
		for i := range out.DW {
			x.DW[i] += out.DW[i] * sigmoid(-x.W[i])
		}
	})
	return out
}

func softplus(z float64) float64 {
	if z > 0 {
		return z + math.Log1p(math.Exp(-z))
	}
	return math.Log1p(math.Exp(z))
}

func sigmoid(z float64) float64 {
	if z >= 0 {
		return 1 / (1 + math.Exp(-z))
	}
	e := math.Exp(z)
	return e / (1 + e)
}
