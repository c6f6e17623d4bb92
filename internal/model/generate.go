package model

import (
	"github.com/preftune/preftune/internal/tensor"
)

// Generate greedily decodes up to maxNew tokens for a prompt, stopping at
// the end-of-sequence id. Used for the sample completion logged during
// evaluation.
func (m *Model) Generate(promptIDs []int, maxNew int) ([]int, error) {
	g := tensor.NewGraph(false)
	encOut, err := m.EncoderForward(g, promptIDs)
	if err != nil {
		return nil, err
	}

	decIn := []int{m.cfg.DecoderStartID}
	var out []int
	for len(out) < maxNew && len(decIn) <= m.cfg.MaxSeqLen {
		logits, err := m.DecoderForward(g, encOut, decIn)
		if err != nil {
			return nil, err
		}
		next := argmaxRow(logits, logits.Rows-1)
		out = append(out, next)
		if next == m.cfg.EOSID {
			break
		}
		decIn = append(decIn, next)
	}
	return out, nil
}

func argmaxRow(t *tensor.Tensor, row int) int {
	best, bestV := 0, t.At(row, 0)
	for c := 1; c < t.Cols; c++ {
		if v := t.At(row, c); v > bestV {
			best, bestV = c, v
		}
	}
	return best
}
