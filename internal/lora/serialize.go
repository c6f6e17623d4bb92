package lora

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/preftune/preftune/internal/model"
)

const (
	// ConfigFileName is the adapter hyperparameter artifact
	ConfigFileName = "adapter_config.json"
	// WeightsFileName is the adapter weight container
	WeightsFileName = "adapter_model.bin"
)

// Save writes the adapter directory form: adapter_config.json plus the
// low-rank weight container
func (a *Adapter) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create adapter directory: %w", err)
	}

	data, err := json.MarshalIndent(a.cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal adapter config: %w", err)
	}
	cfgPath := filepath.Join(dir, ConfigFileName)
	tmp := cfgPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write adapter config: %w", err)
	}
	if err := os.Rename(tmp, cfgPath); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to move adapter config into place: %w", err)
	}

	return model.WriteTensorFile(filepath.Join(dir, WeightsFileName), a.NamedParams())
}

// Load reads a directory written by Save and attaches the stored adapters
// to m. The adapter shapes must match m's projections.
func Load(dir string, m *model.Model) (*Adapter, error) {
	data, err := os.ReadFile(filepath.Join(dir, ConfigFileName))
	if err != nil {
		return nil, fmt.Errorf("failed to read adapter config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse adapter config: %w", err)
	}

	a, err := Apply(m, cfg, 0)
	if err != nil {
		return nil, err
	}

	entries, err := model.ReadTensorFile(filepath.Join(dir, WeightsFileName))
	if err != nil {
		return nil, err
	}
	want := make(map[string]*model.NamedTensor, 2*len(a.names))
	params := a.NamedParams()
	for i := range params {
		want[params[i].Name] = &params[i]
	}

	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		dst, ok := want[e.Name]
		if !ok {
			return nil, fmt.Errorf("adapter file has unknown tensor %q", e.Name)
		}
		if dst.T.Rows != e.T.Rows || dst.T.Cols != e.T.Cols {
			return nil, fmt.Errorf("tensor %q shape %dx%d does not match adapter %dx%d",
				e.Name, e.T.Rows, e.T.Cols, dst.T.Rows, dst.T.Cols)
		}
		copy(dst.T.W, e.T.W)
		seen[e.Name] = true
	}
	for name := range want {
		if !seen[name] {
			return nil, fmt.Errorf("adapter file is missing tensor %q", name)
		}
	}
	return a, nil
}
