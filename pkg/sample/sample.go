package sample

import (
	"time"
)

// Sample is a single named measurement produced by a benchmark run.
type Sample struct {
	Name      string            `json:"name"`
	Value     float64           `json:"value"`
	Unit      string            `json:"unit"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp time.Time         `json:"timestamp"`
}

// New creates a sample with the current timestamp. The metadata map is
// copied so callers can reuse theirs.
func New(name string, value float64, unit string, metadata map[string]string) Sample {
	md := make(map[string]string, len(metadata))
	for k, v := range metadata {
		md[k] = v
	}

	return Sample{
		Name:      name,
		Value:     value,
		Unit:      unit,
		Metadata:  md,
		Timestamp: time.Now(),
	}
}
