package tokenizer

import (
	"os"
	"path/filepath"
	"testing"
)

func charTokenizer(t *testing.T) *Tokenizer {
	t.Helper()
	tok, err := newCharTokenizer([]string{"a", "b", "c", " ", "你"})
	if err != nil {
		t.Fatalf("newCharTokenizer() error = %v", err)
	}
	return tok
}

func TestVocabSize(t *testing.T) {
	tok := charTokenizer(t)
	if got := tok.VocabSize(); got != NumSpecials+5 {
		t.Errorf("VocabSize() = %d, want %d", got, NumSpecials+5)
	}
}

func TestEncodeSpecials(t *testing.T) {
	tok := charTokenizer(t)

	ids := tok.Encode("ab[EOS]")
	if len(ids) != 3 {
		t.Fatalf("Encode() produced %d ids, want 3: %v", len(ids), ids)
	}
	if ids[len(ids)-1] != EOSID {
		t.Errorf("trailing [EOS] encoded to %d, want %d", ids[len(ids)-1], EOSID)
	}

	ids = tok.Encode("[PAD]a[UNK]b")
	want := []int{PadID, NumSpecials + 0, UnkID, NumSpecials + 1}
	if len(ids) != len(want) {
		t.Fatalf("Encode() = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("Encode()[%d] = %d, want %d", i, ids[i], want[i])
		}
	}
}

func TestEncodeUnknownRune(t *testing.T) {
	tok := charTokenizer(t)
	ids := tok.Encode("az")
	if len(ids) != 2 {
		t.Fatalf("Encode() produced %d ids, want 2", len(ids))
	}
	if ids[1] != UnkID {
		t.Errorf("unknown rune encoded to %d, want %d", ids[1], UnkID)
	}
}

func TestRoundTrip(t *testing.T) {
	tok := charTokenizer(t)
	tests := []struct {
		name string
		text string
	}{
		{"plain", "abc ba"},
		{"with marker", "ab 你[EOS]"},
		{"marker inside", "a[EOS]b"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tok.Decode(tok.Encode(tt.text))
			if got != tt.text {
				t.Errorf("Decode(Encode(%q)) = %q", tt.text, got)
			}
		})
	}
}

func TestDecodeDropsPad(t *testing.T) {
	tok := charTokenizer(t)
	got := tok.Decode([]int{PadID, NumSpecials, NumSpecials + 1, PadID})
	if got != "ab" {
		t.Errorf("Decode() = %q, want %q", got, "ab")
	}
}

func TestTrainSaveLoad(t *testing.T) {
	dir := t.TempDir()
	corpus := filepath.Join(dir, "corpus.jsonl")
	content := `{"prompt":"hello","chosen":"ewe","rejected":"howl"}` + "\n"
	if err := os.WriteFile(corpus, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write corpus: %v", err)
	}

	tok, err := Train(corpus, ModeChar)
	if err != nil {
		t.Fatalf("Train() error = %v", err)
	}
	// unique runes of "hello ewe howl" plus newlines
	if tok.VocabSize() <= NumSpecials {
		t.Fatal("Train() produced an empty vocabulary")
	}

	tokDir := filepath.Join(dir, "tokenizer")
	if err := tok.Save(tokDir); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	loaded, err := Load(tokDir)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if loaded.VocabSize() != tok.VocabSize() {
		t.Errorf("loaded VocabSize() = %d, want %d", loaded.VocabSize(), tok.VocabSize())
	}
	text := "hello[EOS]"
	a, b := tok.Encode(text), loaded.Encode(text)
	if len(a) != len(b) {
		t.Fatalf("trained and loaded tokenizers disagree: %v vs %v", a, b)
	}
	for i := range a {
		if a[i] != b[i] {
			t.Errorf("id %d differs: %d vs %d", i, a[i], b[i])
		}
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"missing file", ""},
		{"malformed json", `{"mode": "char",`},
		{"unknown mode", `{"mode": "wordpiece"}`},
		{"empty char vocab", `{"mode": "char", "vocab": []}`},
		{"multi-rune vocab entry", `{"mode": "char", "vocab": ["ab"]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			if tt.content != "" {
				if err := os.WriteFile(filepath.Join(dir, FileName), []byte(tt.content), 0o644); err != nil {
					t.Fatalf("Failed to write tokenizer file: %v", err)
				}
			}
			if _, err := Load(dir); err == nil {
				t.Error("Load() expected error, got nil")
			}
		})
	}
}
