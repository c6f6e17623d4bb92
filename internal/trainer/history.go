package trainer

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"

	"github.com/preftune/preftune/pkg/models"
)

// historyHeader names the CSV columns of the exported step history
var historyHeader = []string{
	"step",
	"epoch",
	"loss",
	"learning_rate",
	"rewards_chosen",
	"rewards_rejected",
	"rewards_accuracies",
	"rewards_margins",
}

// WriteHistoryCSV exports the logged training steps as a CSV file, tmp then
// rename
func WriteHistoryCSV(path string, entries []models.TrainLogEntry) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create history file: %w", err)
	}

	w := csv.NewWriter(f)
	if err := w.Write(historyHeader); err != nil {
		f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to write history header: %w", err)
	}
	for _, e := range entries {
		row := []string{
			strconv.Itoa(e.Step),
			formatFloat(e.Epoch),
			formatFloat(e.Loss),
			formatFloat(e.LearningRate),
			formatFloat(e.RewardChosen),
			formatFloat(e.RewardRejected),
			formatFloat(e.RewardAccuracy),
			formatFloat(e.RewardMargin),
		}
		if err := w.Write(row); err != nil {
			f.Close()
			_ = os.Remove(tmp)
			return fmt.Errorf("failed to write history row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to flush history file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to close history file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to move history file into place: %w", err)
	}
	return nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
