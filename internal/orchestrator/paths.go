package orchestrator

import "strings"

// Artifact paths are derived from model.sft_model_file with plain string
// math: split on '/', drop the last segment, rejoin, append a suffix. Train
// and merge must agree on these or merge will look for the adapter in the
// wrong place.

// SavePath is where a finished training run persists its artifact: the
// adapter directory when adapters were attached, a dpo directory holding the
// full model otherwise.
func SavePath(sftModelFile string, withAdapter bool) string {
	if withAdapter {
		return AdapterPath(sftModelFile) + "/"
	}
	return parentJoin(sftModelFile) + "/dpo"
}

// AdapterPath is the adapter directory next to the base model file
func AdapterPath(sftModelFile string) string {
	return parentJoin(sftModelFile) + "/lora"
}

// MergedPath is where MergeAdapter saves the folded model
func MergedPath(sftModelFile string) string {
	return sftModelFile + ".dpo_lora_merged"
}

func parentJoin(path string) string {
	parts := strings.Split(path, "/")
	return strings.Join(parts[:len(parts)-1], "/")
}
