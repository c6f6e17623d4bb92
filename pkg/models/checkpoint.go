package models

import "time"

// RunPhase represents the current phase of a training run
type RunPhase string

const (
	PhaseWarmup   RunPhase = "warmup"
	PhaseTraining RunPhase = "training"
	PhaseEval     RunPhase = "eval"
	PhaseComplete RunPhase = "complete"
)

// RunState represents the saved state of a training run. It is written as
// trainer_state.json next to every checkpoint and alongside the final artifact.
type RunState struct {
	// Run identification
	RunID       string    `json:"run_id"`        // UUID for this run
	CreatedAt   time.Time `json:"created_at"`    // When the run started
	LastSavedAt time.Time `json:"last_saved_at"` // Last checkpoint time

	CurrentPhase RunPhase `json:"current_phase"`

	// Progress through the fit loop
	GlobalStep int     `json:"global_step"` // optimizer steps completed
	Epoch      float64 `json:"epoch"`       // fractional epochs completed
	TotalSteps int     `json:"total_steps"` // planned optimizer steps

	// Step-by-step metric history, exported to CSV at run end
	LogHistory  []TrainLogEntry `json:"log_history"`
	EvalHistory []EvalLogEntry  `json:"eval_history,omitempty"`

	// Configuration snapshot (for mismatch detection on resume/merge)
	ConfigHash string `json:"config_hash"` // SHA256 of the loaded config
}
