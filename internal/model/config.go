package model

import "fmt"

// Config describes the seq2seq architecture. It is serialized as
// config.json inside a pretrained model directory, so the JSON keys follow
// the usual checkpoint vocabulary.
type Config struct {
	VocabSize        int `json:"vocab_size"`
	DModel           int `json:"d_model"`
	DFF              int `json:"d_ff"`
	NumHeads         int `json:"num_heads"`
	NumEncoderLayers int `json:"num_encoder_layers"`
	NumDecoderLayers int `json:"num_decoder_layers"`
	MaxSeqLen        int `json:"max_seq_len"`

	PadID          int `json:"pad_token_id"`
	EOSID          int `json:"eos_token_id"`
	DecoderStartID int `json:"decoder_start_token_id"`
}

// HeadDim returns the per-head width
func (c Config) HeadDim() int {
	return c.DModel / c.NumHeads
}

// Validate checks the architecture dimensions
func (c Config) Validate() error {
	if c.VocabSize < 1 {
		return fmt.Errorf("vocab_size must be at least 1 (got %d)", c.VocabSize)
	}
	if c.DModel < 1 || c.DFF < 1 {
		return fmt.Errorf("d_model and d_ff must be at least 1 (got %d, %d)", c.DModel, c.DFF)
	}
	if c.NumHeads < 1 {
		return fmt.Errorf("num_heads must be at least 1 (got %d)", c.NumHeads)
	}
	if c.DModel%c.NumHeads != 0 {
		return fmt.Errorf("d_model (%d) must be divisible by num_heads (%d)", c.DModel, c.NumHeads)
	}
	if c.NumEncoderLayers < 1 || c.NumDecoderLayers < 1 {
		return fmt.Errorf("encoder and decoder need at least one layer (got %d, %d)", c.NumEncoderLayers, c.NumDecoderLayers)
	}
	if c.MaxSeqLen < 1 {
		return fmt.Errorf("max_seq_len must be at least 1 (got %d)", c.MaxSeqLen)
	}
	if c.PadID < 0 || c.PadID >= c.VocabSize {
		return fmt.Errorf("pad_token_id %d outside vocab of %d", c.PadID, c.VocabSize)
	}
	if c.EOSID < 0 || c.EOSID >= c.VocabSize {
		return fmt.Errorf("eos_token_id %d outside vocab of %d", c.EOSID, c.VocabSize)
	}
	if c.DecoderStartID < 0 || c.DecoderStartID >= c.VocabSize {
		return fmt.Errorf("decoder_start_token_id %d outside vocab of %d", c.DecoderStartID, c.VocabSize)
	}
	return nil
}
