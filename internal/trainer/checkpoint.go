package trainer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/preftune/preftune/pkg/models"
)

// StateFileName is the run-state artifact written next to every checkpoint
const StateFileName = "trainer_state.json"

// SaveCheckpoint writes the current artifact and run state under
// output_dir/checkpoint-<step>/: the adapter directory when adapters are
// attached, the full pretrained directory otherwise.
func (d *DPO) SaveCheckpoint(step int) error {
	dir := filepath.Join(d.cfg.OutputDir, fmt.Sprintf("checkpoint-%d", step))
	if d.adapter != nil {
		if err := d.adapter.Save(dir); err != nil {
			return fmt.Errorf("failed to save adapter checkpoint: %w", err)
		}
	} else {
		if err := d.policy.SavePretrained(dir); err != nil {
			return fmt.Errorf("failed to save model checkpoint: %w", err)
		}
	}
	if err := d.WriteState(dir); err != nil {
		return err
	}
	d.logger.Debug("Checkpoint saved", "dir", dir, "step", step)
	return nil
}

// WriteState writes trainer_state.json into dir, tmp then rename so an
// interrupted write never leaves a torn state file
func (d *DPO) WriteState(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	d.state.LastSavedAt = time.Now().UTC()

	data, err := json.MarshalIndent(d.state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal run state: %w", err)
	}
	path := filepath.Join(dir, StateFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write run state: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to move run state into place: %w", err)
	}
	return nil
}

// ReadState reads a trainer_state.json written by WriteState
func ReadState(dir string) (models.RunState, error) {
	var st models.RunState
	data, err := os.ReadFile(filepath.Join(dir, StateFileName))
	if err != nil {
		return st, fmt.Errorf("failed to read run state: %w", err)
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return st, fmt.Errorf("failed to parse run state: %w", err)
	}
	return st, nil
}
