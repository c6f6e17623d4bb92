package config

import (
	"fmt"
	"strings"
	"unicode"
)

const (
	// MaxPathLength is the maximum allowed length for configured paths
	MaxPathLength = 4096

	// MaxRepoIDLength is the maximum allowed length for a hub repo id
	MaxRepoIDLength = 200
)

// ValidateInputs performs additional validation on user-controllable fields
// beyond range checks: path sanity and hub identifier shape.
func (c *Config) ValidateInputs() error {
	paths := []struct {
		key   string
		value string
	}{
		{"model.tokenizer_dir", c.Model.TokenizerDir},
		{"model.sft_model_file", c.Model.SFTModelFile},
		{"train.dpo_train_file", c.Train.DPOTrainFile},
		{"train.dpo_eval_file", c.Train.DPOEvalFile},
		{"train.output_dir", c.Train.OutputDir},
		{"train.log_dir", c.Train.LogDir},
		{"hub.cache_dir", c.Hub.CacheDir},
	}

	for _, p := range paths {
		if p.value == "" {
			continue // required-ness is Validate's job
		}
		if err := validatePath(p.key, p.value); err != nil {
			return err
		}
	}

	if c.Hub.RepoID != "" {
		if err := validateRepoID(c.Hub.RepoID); err != nil {
			return err
		}
	}

	return nil
}

// validatePath checks a configured path for length and control characters
func validatePath(key, value string) error {
	if len(value) > MaxPathLength {
		return fmt.Errorf("%s exceeds maximum length of %d characters (got %d)",
			key, MaxPathLength, len(value))
	}
	if containsControlChars(value) {
		return fmt.Errorf("%s contains invalid control characters", key)
	}
	return nil
}

// validateRepoID checks the hub repo identifier is "owner/name" shaped
func validateRepoID(repoID string) error {
	if len(repoID) > MaxRepoIDLength {
		return fmt.Errorf("hub.repo_id exceeds maximum length of %d (got %d)",
			MaxRepoIDLength, len(repoID))
	}
	parts := strings.Split(repoID, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return fmt.Errorf("hub.repo_id must look like \"owner/name\" (got %q)", repoID)
	}
	for _, part := range parts {
		for _, r := range part {
			if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' && r != '_' && r != '.' {
				return fmt.Errorf("hub.repo_id contains invalid character %q", r)
			}
		}
	}
	return nil
}

// containsControlChars checks if a string contains control characters
func containsControlChars(s string) bool {
	for _, r := range s {
		if unicode.IsControl(r) {
			return true
		}
	}
	return false
}
