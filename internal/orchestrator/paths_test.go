package orchestrator

import "testing"

func TestSavePath(t *testing.T) {
	tests := []struct {
		name        string
		file        string
		withAdapter bool
		want        string
	}{
		{"full model", "model_save/model.bin", false, "model_save/dpo"},
		{"adapter", "model_save/model.bin", true, "model_save/lora/"},
		{"nested full model", "a/b/c/model.bin", false, "a/b/c/dpo"},
		{"nested adapter", "a/b/c/model.bin", true, "a/b/c/lora/"},
		{"relative dot path", "./model_save/model.bin", false, "./model_save/dpo"},
		{"bare filename", "model.bin", false, "/dpo"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SavePath(tt.file, tt.withAdapter); got != tt.want {
				t.Errorf("SavePath(%q, %v) = %q, want %q", tt.file, tt.withAdapter, got, tt.want)
			}
		})
	}
}

func TestAdapterPathAgreesWithSavePath(t *testing.T) {
	// Train saves to AdapterPath + "/"; merge loads from AdapterPath. The
	// two must name the same directory.
	file := "model_save/model.bin"
	if got, want := SavePath(file, true), AdapterPath(file)+"/"; got != want {
		t.Errorf("SavePath adapter form = %q, AdapterPath = %q", got, want)
	}
}

func TestMergedPath(t *testing.T) {
	if got, want := MergedPath("model_save/model.bin"), "model_save/model.bin.dpo_lora_merged"; got != want {
		t.Errorf("MergedPath() = %q, want %q", got, want)
	}
}
