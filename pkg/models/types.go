package models

// DPORecord represents a standard DPO preference pair
type DPORecord struct {
	Prompt   string `json:"prompt"`
	Chosen   string `json:"chosen"`
	Rejected string `json:"rejected"`
}

// TrainLogEntry represents one logged training step, mirroring the columns
// of the exported CSV history
type TrainLogEntry struct {
	Step           int     `json:"step"`
	Epoch          float64 `json:"epoch"`
	Loss           float64 `json:"loss"`
	LearningRate   float64 `json:"learning_rate"`
	RewardChosen   float64 `json:"rewards_chosen"`
	RewardRejected float64 `json:"rewards_rejected"`
	RewardAccuracy float64 `json:"rewards_accuracies"`
	RewardMargin   float64 `json:"rewards_margins"`
}

// EvalLogEntry represents the evaluation summary for one epoch
type EvalLogEntry struct {
	Epoch      float64 `json:"epoch"`
	Loss       float64 `json:"eval_loss"`
	SampleText string  `json:"sample_text,omitempty"`
}

// DatasetStats summarizes a preference dataset for inspection
type DatasetStats struct {
	Records        int         `json:"records"`
	PromptChars    LengthStats `json:"prompt_chars"`
	ChosenChars    LengthStats `json:"chosen_chars"`
	RejectedChars  LengthStats `json:"rejected_chars"`
	MarkerSuffixed int         `json:"marker_suffixed"`
}

// LengthStats holds simple length percentiles for one text field
type LengthStats struct {
	Min int `json:"min"`
	P50 int `json:"p50"`
	P95 int `json:"p95"`
	Max int `json:"max"`
}
