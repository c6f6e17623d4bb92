// Package tokenizer loads and applies the token vocabulary the model was
// trained with. Two modes are supported: an explicit character vocabulary
// and cl100k BPE remapped onto a compact local id space. Special markers
// occupy the first ids in both modes so [PAD], [UNK], and [EOS] keep stable
// positions regardless of vocabulary.
package tokenizer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	tiktoken "github.com/pkoukk/tiktoken-go"
)

const (
	// ModeChar maps individual runes through an explicit vocabulary
	ModeChar = "char"
	// ModeCL100K remaps tiktoken cl100k_base ids onto a local id space
	ModeCL100K = "cl100k"

	// PadToken doubles as the decoder start token
	PadToken = "[PAD]"
	// UnkToken covers out-of-vocabulary input
	UnkToken = "[UNK]"
	// EOSToken terminates every trained sequence
	EOSToken = "[EOS]"

	// PadID, UnkID, and EOSID are fixed in both modes
	PadID = 0
	UnkID = 1
	EOSID = 2

	// NumSpecials is the count of reserved leading ids
	NumSpecials = 3

	// FileName is the artifact inside a tokenizer directory
	FileName = "tokenizer.json"

	defaultBPEEncoding = "cl100k_base"
)

var specials = []struct {
	tok string
	id  int
}{
	{PadToken, PadID},
	{UnkToken, UnkID},
	{EOSToken, EOSID},
}

// tokenizerFile is the on-disk schema of tokenizer.json
type tokenizerFile struct {
	Mode     string   `json:"mode"`
	Vocab    []string `json:"vocab,omitempty"`    // char mode: one-rune strings
	BPEIDs   []int    `json:"bpe_ids,omitempty"`  // cl100k mode: local order of BPE ids
	Encoding string   `json:"encoding,omitempty"` // cl100k mode: tiktoken encoding name
}

// Tokenizer converts between text and local token ids
type Tokenizer struct {
	mode string

	charToLocal map[rune]int
	localToChar []rune

	encoding   string
	bpe        *tiktoken.Tiktoken
	bpeToLocal map[int]int
	localToBPE []int
}

// Load reads a tokenizer directory written by Save
func Load(dir string) (*Tokenizer, error) {
	data, err := os.ReadFile(filepath.Join(dir, FileName))
	if err != nil {
		return nil, fmt.Errorf("failed to read tokenizer file: %w", err)
	}

	var tf tokenizerFile
	if err := json.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("failed to parse tokenizer file: %w", err)
	}

	switch tf.Mode {
	case ModeChar:
		return newCharTokenizer(tf.Vocab)
	case ModeCL100K:
		return newBPETokenizer(tf.BPEIDs, tf.Encoding)
	default:
		return nil, fmt.Errorf("unknown tokenizer mode %q", tf.Mode)
	}
}

func newCharTokenizer(vocab []string) (*Tokenizer, error) {
	if len(vocab) == 0 {
		return nil, fmt.Errorf("char tokenizer has an empty vocab")
	}
	charToLocal := make(map[rune]int, len(vocab))
	localToChar := make([]rune, 0, len(vocab))
	for i, s := range vocab {
		r := []rune(s)
		if len(r) != 1 {
			return nil, fmt.Errorf("invalid vocab token %q: expected one rune", s)
		}
		charToLocal[r[0]] = NumSpecials + i
		localToChar = append(localToChar, r[0])
	}
	return &Tokenizer{
		mode:        ModeChar,
		charToLocal: charToLocal,
		localToChar: localToChar,
	}, nil
}

func newBPETokenizer(bpeIDs []int, encoding string) (*Tokenizer, error) {
	if len(bpeIDs) == 0 {
		return nil, fmt.Errorf("cl100k tokenizer has an empty id table")
	}
	encName := strings.TrimSpace(encoding)
	if encName == "" {
		encName = defaultBPEEncoding
	}
	enc, err := tiktoken.GetEncoding(encName)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s encoding: %w", encName, err)
	}
	localToBPE := append([]int(nil), bpeIDs...)
	bpeToLocal := make(map[int]int, len(localToBPE))
	for i, id := range localToBPE {
		bpeToLocal[id] = NumSpecials + i
	}
	return &Tokenizer{
		mode:       ModeCL100K,
		encoding:   encName,
		bpe:        enc,
		bpeToLocal: bpeToLocal,
		localToBPE: localToBPE,
	}, nil
}

// Save writes the tokenizer directory artifact
func (t *Tokenizer) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create tokenizer directory: %w", err)
	}

	tf := tokenizerFile{Mode: t.mode}
	switch t.mode {
	case ModeChar:
		tf.Vocab = make([]string, len(t.localToChar))
		for i, r := range t.localToChar {
			tf.Vocab[i] = string(r)
		}
	case ModeCL100K:
		tf.BPEIDs = t.localToBPE
		tf.Encoding = t.encoding
	}

	data, err := json.MarshalIndent(tf, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal tokenizer file: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, FileName), data, 0o644); err != nil {
		return fmt.Errorf("failed to write tokenizer file: %w", err)
	}
	return nil
}

// Mode returns the tokenizer mode
func (t *Tokenizer) Mode() string {
	return t.mode
}

// VocabSize includes the reserved special ids
func (t *Tokenizer) VocabSize() int {
	if t.mode == ModeCL100K {
		return NumSpecials + len(t.localToBPE)
	}
	return NumSpecials + len(t.localToChar)
}

// Encode converts text to local ids. Special markers embedded in the text
// map to their reserved ids, so a trailing [EOS] always encodes to EOSID.
func (t *Tokenizer) Encode(text string) []int {
	var out []int
	for text != "" {
		nextIdx, nextID, nextLen := -1, 0, 0
		for _, sp := range specials {
			if i := strings.Index(text, sp.tok); i >= 0 && (nextIdx == -1 || i < nextIdx) {
				nextIdx, nextID, nextLen = i, sp.id, len(sp.tok)
			}
		}
		if nextIdx == -1 {
			out = append(out, t.encodePlain(text)...)
			break
		}
		out = append(out, t.encodePlain(text[:nextIdx])...)
		out = append(out, nextID)
		text = text[nextIdx+nextLen:]
	}
	return out
}

func (t *Tokenizer) encodePlain(text string) []int {
	if text == "" {
		return nil
	}
	if t.mode == ModeCL100K {
		raw := t.bpe.EncodeOrdinary(text)
		out := make([]int, 0, len(raw))
		for _, id := range raw {
			if local, ok := t.bpeToLocal[id]; ok {
				out = append(out, local)
			} else {
				out = append(out, UnkID)
			}
		}
		return out
	}
	out := make([]int, 0, len(text))
	for _, r := range text {
		if id, ok := t.charToLocal[r]; ok {
			out = append(out, id)
		} else {
			out = append(out, UnkID)
		}
	}
	return out
}

// Decode converts local ids back to text. Pad ids are dropped; other
// specials decode to their literal markers.
func (t *Tokenizer) Decode(ids []int) string {
	var sb strings.Builder
	var pending []int
	flush := func() {
		if len(pending) == 0 {
			return
		}
		sb.WriteString(t.decodePlain(pending))
		pending = pending[:0]
	}
	for _, id := range ids {
		switch id {
		case PadID:
			flush()
		case UnkID:
			flush()
			sb.WriteString(UnkToken)
		case EOSID:
			flush()
			sb.WriteString(EOSToken)
		default:
			pending = append(pending, id)
		}
	}
	flush()
	return sb.String()
}

func (t *Tokenizer) decodePlain(ids []int) string {
	if t.mode == ModeCL100K {
		raw := make([]int, 0, len(ids))
		for _, local := range ids {
			if i := local - NumSpecials; i >= 0 && i < len(t.localToBPE) {
				raw = append(raw, t.localToBPE[i])
			}
		}
		return t.bpe.Decode(raw)
	}
	out := make([]rune, 0, len(ids))
	for _, local := range ids {
		if i := local - NumSpecials; i >= 0 && i < len(t.localToChar) {
			out = append(out, t.localToChar[i])
		}
	}
	return string(out)
}

// Train builds a tokenizer from a JSON-lines preference corpus by collecting
// the vocabulary actually present in its text fields
func Train(corpusPath, mode string) (*Tokenizer, error) {
	text, err := corpusText(corpusPath)
	if err != nil {
		return nil, err
	}

	switch mode {
	case ModeChar:
		seen := make(map[rune]bool)
		for _, r := range text {
			seen[r] = true
		}
		runes := make([]rune, 0, len(seen))
		for r := range seen {
			runes = append(runes, r)
		}
		sort.Slice(runes, func(i, j int) bool { return runes[i] < runes[j] })
		vocab := make([]string, len(runes))
		for i, r := range runes {
			vocab[i] = string(r)
		}
		return newCharTokenizer(vocab)
	case ModeCL100K:
		enc, err := tiktoken.GetEncoding(defaultBPEEncoding)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s encoding: %w", defaultBPEEncoding, err)
		}
		seen := make(map[int]bool)
		for _, id := range enc.EncodeOrdinary(text) {
			seen[id] = true
		}
		ids := make([]int, 0, len(seen))
		for id := range seen {
			ids = append(ids, id)
		}
		sort.Ints(ids)
		return newBPETokenizer(ids, defaultBPEEncoding)
	default:
		return nil, fmt.Errorf("unknown tokenizer mode %q", mode)
	}
}
