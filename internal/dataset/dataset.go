package dataset

import (
	"bufio"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"strings"

	"github.com/preftune/preftune/pkg/models"
)

const (
	// EndOfSequenceMarker is appended to every text field before training
	EndOfSequenceMarker = "[EOS]"

	// ShuffleSeed is the fixed seed used to randomize training order
	ShuffleSeed = 2333
)

// Dataset is an in-memory sequence of preference samples
type Dataset struct {
	Samples []models.DPORecord
}

// Load reads a JSON-lines preference file. Blank lines are skipped; a
// malformed line or a record with a missing field fails with its line number.
func Load(path string) (*Dataset, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open dataset file: %w", err)
	}
	defer func() { _ = file.Close() }()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)

	var samples []models.DPORecord
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var rec models.DPORecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			return nil, fmt.Errorf("line %d: failed to parse preference record: %w", lineNum, err)
		}
		if rec.Prompt == "" {
			return nil, fmt.Errorf("line %d: preference record is missing prompt field", lineNum)
		}
		if rec.Chosen == "" {
			return nil, fmt.Errorf("line %d: preference record is missing chosen field", lineNum)
		}
		if rec.Rejected == "" {
			return nil, fmt.Errorf("line %d: preference record is missing rejected field", lineNum)
		}
		samples = append(samples, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read dataset file: %w", err)
	}

	return &Dataset{Samples: samples}, nil
}

// AppendMarker suffixes the end-of-sequence marker to prompt, chosen, and
// rejected of every sample
func (d *Dataset) AppendMarker() {
	for i := range d.Samples {
		d.Samples[i].Prompt += EndOfSequenceMarker
		d.Samples[i].Chosen += EndOfSequenceMarker
		d.Samples[i].Rejected += EndOfSequenceMarker
	}
}

// Shuffle randomizes sample order with a seeded Fisher-Yates, so a fixed
// seed yields a fixed order
func (d *Dataset) Shuffle(seed int64) {
	rng := rand.New(rand.NewSource(seed))
	rng.Shuffle(len(d.Samples), func(i, j int) {
		d.Samples[i], d.Samples[j] = d.Samples[j], d.Samples[i]
	})
}

// Len returns the number of samples
func (d *Dataset) Len() int {
	return len(d.Samples)
}

// LoadForTraining loads a preference file, appends the end-of-sequence
// marker to every field, and shuffles with the fixed seed
func LoadForTraining(path string) (*Dataset, error) {
	d, err := Load(path)
	if err != nil {
		return nil, err
	}
	d.AppendMarker()
	d.Shuffle(ShuffleSeed)
	return d, nil
}
