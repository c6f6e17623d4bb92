package tokenizer

import (
	"strings"

	"github.com/preftune/preftune/internal/dataset"
)

// corpusText concatenates every text field of a preference corpus
func corpusText(path string) (string, error) {
	d, err := dataset.Load(path)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, s := range d.Samples {
		sb.WriteString(s.Prompt)
		sb.WriteString("\n")
		sb.WriteString(s.Chosen)
		sb.WriteString("\n")
		sb.WriteString(s.Rejected)
		sb.WriteString("\n")
	}
	return sb.String(), nil
}
