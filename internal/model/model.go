// Package model implements the T5-shaped encoder-decoder the trainer
// optimizes: shared token embedding, learned positions, pre-RMSNorm blocks
// with bias-free projections, ReLU feed-forwards, and a linear lm head.
package model

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/preftune/preftune/internal/tensor"
)

const initScale = 0.02

// NamedTensor pairs a parameter with its state-dict name
type NamedTensor struct {
	Name string
	T    *tensor.Tensor
}

// ProjectionHook intercepts linear projections, letting adapters add a
// low-rank path without the model knowing about them
type ProjectionHook interface {
	Project(g *tensor.Graph, name string, x, w *tensor.Tensor) *tensor.Tensor
}

// Model holds the parameter set and runs forward passes
type Model struct {
	cfg    Config
	params map[string]*tensor.Tensor
	names  []string // registration order, fixed by architecture
	hook   ProjectionHook
}

// New constructs a model with seeded random weights
func New(cfg Config, seed int64) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid model config: %w", err)
	}
	m := &Model{
		cfg:    cfg,
		params: make(map[string]*tensor.Tensor),
	}
	rng := rand.New(rand.NewSource(seed))

	m.register("shared.wte", tensor.Randn(rng, cfg.VocabSize, cfg.DModel, initScale))
	m.register("enc.wpe", tensor.Randn(rng, cfg.MaxSeqLen, cfg.DModel, initScale))
	m.register("dec.wpe", tensor.Randn(rng, cfg.MaxSeqLen, cfg.DModel, initScale))

	for l := 0; l < cfg.NumEncoderLayers; l++ {
		m.registerAttention(rng, fmt.Sprintf("enc.layer%d.attn", l))
		m.registerFFN(rng, fmt.Sprintf("enc.layer%d.ffn", l))
	}
	m.register("enc.norm", ones(1, cfg.DModel))

	for l := 0; l < cfg.NumDecoderLayers; l++ {
		m.registerAttention(rng, fmt.Sprintf("dec.layer%d.attn", l))
		m.registerAttention(rng, fmt.Sprintf("dec.layer%d.cross", l))
		m.registerFFN(rng, fmt.Sprintf("dec.layer%d.ffn", l))
	}
	m.register("dec.norm", ones(1, cfg.DModel))

	m.register("lm_head", tensor.Randn(rng, cfg.DModel, cfg.VocabSize, initScale))
	return m, nil
}

func (m *Model) registerAttention(rng *rand.Rand, prefix string) {
	d := m.cfg.DModel
	m.register(prefix+".norm", ones(1, d))
	m.register(prefix+".q", tensor.Randn(rng, d, d, initScale))
	m.register(prefix+".k", tensor.Randn(rng, d, d, initScale))
	m.register(prefix+".v", tensor.Randn(rng, d, d, initScale))
	m.register(prefix+".o", tensor.Randn(rng, d, d, initScale))
}

func (m *Model) registerFFN(rng *rand.Rand, prefix string) {
	m.register(prefix+".norm", ones(1, m.cfg.DModel))
	m.register(prefix+".wi", tensor.Randn(rng, m.cfg.DModel, m.cfg.DFF, initScale))
	m.register(prefix+".wo", tensor.Randn(rng, m.cfg.DFF, m.cfg.DModel, initScale))
}

func (m *Model) register(name string, t *tensor.Tensor) {
	m.params[name] = t
	m.names = append(m.names, name)
}

func ones(rows, cols int) *tensor.Tensor {
	t := tensor.New(rows, cols)
	for i := range t.W {
		t.W[i] = 1
	}
	return t
}

// Config returns the architecture
func (m *Model) Config() Config {
	return m.cfg
}

// Param returns a parameter by state-dict name
func (m *Model) Param(name string) (*tensor.Tensor, bool) {
	t, ok := m.params[name]
	return t, ok
}

// NamedParams returns every parameter in registration order
func (m *Model) NamedParams() []NamedTensor {
	out := make([]NamedTensor, 0, len(m.names))
	for _, name := range m.names {
		out = append(out, NamedTensor{Name: name, T: m.params[name]})
	}
	return out
}

// ProjectionNames returns the attention projection parameter names, the
// attachment surface for adapters
func (m *Model) ProjectionNames() []string {
	var out []string
	for _, name := range m.names {
		switch suffix(name) {
		case "q", "k", "v", "o":
			out = append(out, name)
		}
	}
	return out
}

func suffix(name string) string {
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '.' {
			return name[i+1:]
		}
	}
	return name
}

// SetProjectionHook routes projections through hook; nil restores plain
// matmuls
func (m *Model) SetProjectionHook(hook ProjectionHook) {
	m.hook = hook
}

func (m *Model) project(g *tensor.Graph, name string, x *tensor.Tensor) *tensor.Tensor {
	w := m.params[name]
	if m.hook != nil {
		return m.hook.Project(g, name, x, w)
	}
	return g.MatMul(x, w)
}

// NumParams returns the total parameter count
func (m *Model) NumParams() int {
	total := 0
	for _, name := range m.names {
		total += m.params[name].Size()
	}
	return total
}

func positions(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

func (m *Model) checkLen(ids []int, what string) error {
	if len(ids) == 0 {
		return fmt.Errorf("%s is empty", what)
	}
	if len(ids) > m.cfg.MaxSeqLen {
		return fmt.Errorf("%s length %d exceeds max_seq_len %d", what, len(ids), m.cfg.MaxSeqLen)
	}
	for _, id := range ids {
		if id < 0 || id >= m.cfg.VocabSize {
			return fmt.Errorf("%s token %d outside vocab of %d", what, id, m.cfg.VocabSize)
		}
	}
	return nil
}

// EncoderForward embeds and encodes ids into a sequence representation
func (m *Model) EncoderForward(g *tensor.Graph, ids []int) (*tensor.Tensor, error) {
	if err := m.checkLen(ids, "encoder input"); err != nil {
		return nil, err
	}
	pos := positions(len(ids))
	x := g.Add(g.Lookup(m.params["shared.wte"], ids), g.Lookup(m.params["enc.wpe"], pos))

	for l := 0; l < m.cfg.NumEncoderLayers; l++ {
		attnPrefix := fmt.Sprintf("enc.layer%d.attn", l)
		h := g.RMSNorm(x, m.params[attnPrefix+".norm"])
		x = g.Add(x, m.attention(g, attnPrefix, h, h, nil))

		ffnPrefix := fmt.Sprintf("enc.layer%d.ffn", l)
		h = g.RMSNorm(x, m.params[ffnPrefix+".norm"])
		x = g.Add(x, m.ffn(g, ffnPrefix, h))
	}
	return g.RMSNorm(x, m.params["enc.norm"]), nil
}

// DecoderForward runs the decoder over decIDs attending to encOut and
// returns logits, one row per decoder position
func (m *Model) DecoderForward(g *tensor.Graph, encOut *tensor.Tensor, decIDs []int) (*tensor.Tensor, error) {
	if err := m.checkLen(decIDs, "decoder input"); err != nil {
		return nil, err
	}
	pos := positions(len(decIDs))
	x := g.Add(g.Lookup(m.params["shared.wte"], decIDs), g.Lookup(m.params["dec.wpe"], pos))

	causal := causalMask(len(decIDs))
	for l := 0; l < m.cfg.NumDecoderLayers; l++ {
		attnPrefix := fmt.Sprintf("dec.layer%d.attn", l)
		h := g.RMSNorm(x, m.params[attnPrefix+".norm"])
		x = g.Add(x, m.attention(g, attnPrefix, h, h, causal))

		crossPrefix := fmt.Sprintf("dec.layer%d.cross", l)
		h = g.RMSNorm(x, m.params[crossPrefix+".norm"])
		x = g.Add(x, m.attention(g, crossPrefix, h, encOut, nil))

		ffnPrefix := fmt.Sprintf("dec.layer%d.ffn", l)
		h = g.RMSNorm(x, m.params[ffnPrefix+".norm"])
		x = g.Add(x, m.ffn(g, ffnPrefix, h))
	}
	x = g.RMSNorm(x, m.params["dec.norm"])
	return g.MatMul(x, m.params["lm_head"]), nil
}

// attention projects queries from qIn and keys/values from kvIn, then runs
// scaled dot-product attention per head
func (m *Model) attention(g *tensor.Graph, prefix string, qIn, kvIn *tensor.Tensor, mask []bool) *tensor.Tensor {
	q := m.project(g, prefix+".q", qIn)
	k := m.project(g, prefix+".k", kvIn)
	v := m.project(g, prefix+".v", kvIn)

	hd := m.cfg.HeadDim()
	scale := 1 / math.Sqrt(float64(hd))
	outs := make([]*tensor.Tensor, m.cfg.NumHeads)
	for h := 0; h < m.cfg.NumHeads; h++ {
		lo, hi := h*hd, (h+1)*hd
		qh := g.ColSlice(q, lo, hi)
		kh := g.ColSlice(k, lo, hi)
		vh := g.ColSlice(v, lo, hi)

		scores := g.Scale(g.MatMul(qh, g.Transpose(kh)), scale)
		probs := g.SoftmaxRows(scores, mask)
		outs[h] = g.MatMul(probs, vh)
	}
	return m.project(g, prefix+".o", g.ConcatCols(outs...))
}

func (m *Model) ffn(g *tensor.Graph, prefix string, x *tensor.Tensor) *tensor.Tensor {
	return g.MatMul(g.ReLU(g.MatMul(x, m.params[prefix+".wi"])), m.params[prefix+".wo"])
}

func causalMask(n int) []bool {
	mask := make([]bool, n*n)
	for r := 0; r < n; r++ {
		for c := 0; c <= r; c++ {
			mask[r*n+c] = true
		}
	}
	return mask
}

// ScorePair returns the summed log-probability of targetIDs given
// promptIDs: the decoder consumes decoder-start plus the shifted target and
// each position is scored against the true next token.
func (m *Model) ScorePair(g *tensor.Graph, promptIDs, targetIDs []int) (*tensor.Tensor, error) {
	if err := m.checkLen(targetIDs, "target"); err != nil {
		return nil, err
	}
	encOut, err := m.EncoderForward(g, promptIDs)
	if err != nil {
		return nil, err
	}

	decIn := make([]int, len(targetIDs))
	decIn[0] = m.cfg.DecoderStartID
	copy(decIn[1:], targetIDs[:len(targetIDs)-1])

	logits, err := m.DecoderForward(g, encOut, decIn)
	if err != nil {
		return nil, err
	}
	return g.Sum(g.RowLogProbs(logits, targetIDs)), nil
}
