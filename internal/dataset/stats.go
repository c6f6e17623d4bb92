package dataset

import (
	"sort"
	"strings"

	"github.com/preftune/preftune/pkg/models"
)

// Stats summarizes the dataset for `dataset inspect`
func (d *Dataset) Stats() models.DatasetStats {
	stats := models.DatasetStats{Records: len(d.Samples)}

	prompts := make([]int, 0, len(d.Samples))
	chosens := make([]int, 0, len(d.Samples))
	rejects := make([]int, 0, len(d.Samples))
	for _, s := range d.Samples {
		prompts = append(prompts, len(s.Prompt))
		chosens = append(chosens, len(s.Chosen))
		rejects = append(rejects, len(s.Rejected))
		if strings.HasSuffix(s.Prompt, EndOfSequenceMarker) &&
			strings.HasSuffix(s.Chosen, EndOfSequenceMarker) &&
			strings.HasSuffix(s.Rejected, EndOfSequenceMarker) {
			stats.MarkerSuffixed++
		}
	}

	stats.PromptChars = lengthStats(prompts)
	stats.ChosenChars = lengthStats(chosens)
	stats.RejectedChars = lengthStats(rejects)
	return stats
}

func lengthStats(lengths []int) models.LengthStats {
	if len(lengths) == 0 {
		return models.LengthStats{}
	}
	sorted := make([]int, len(lengths))
	copy(sorted, lengths)
	sort.Ints(sorted)
	return models.LengthStats{
		Min: sorted[0],
		P50: sorted[percentileIndex(len(sorted), 50)],
		P95: sorted[percentileIndex(len(sorted), 95)],
		Max: sorted[len(sorted)-1],
	}
}

func percentileIndex(n, pct int) int {
	idx := n * pct / 100
	if idx >= n {
		idx = n - 1
	}
	return idx
}
