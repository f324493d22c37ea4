package sample

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Sink receives batches of samples for publication. Implementations must
// tolerate seeing the same sample more than once: the collector re-emits
// everything accumulated so far on every publish.
type Sink interface {
	// Name identifies the sink in logs.
	Name() string

	// PublishSamples writes the given samples to the sink's backend.
	PublishSamples(ctx context.Context, samples []Sample) error

	// Close releases any resources held by the sink.
	Close() error
}

// Collector accumulates samples across benchmark runs and publishes them
// through the configured sinks as one batch.
type Collector struct {
	log   logrus.FieldLogger
	sinks []Sink

	// metadata is attached to every sample that does not already carry
	// the key (owner, run identifier, host info).
	metadata map[string]string

	mu      sync.Mutex
	samples []Sample
}

// NewCollector creates a collector publishing to the given sinks. Shared
// batch metadata is applied to every added sample when not already present.
func NewCollector(log logrus.FieldLogger, metadata map[string]string, sinks ...Sink) *Collector {
	md := make(map[string]string, len(metadata))
	for k, v := range metadata {
		md[k] = v
	}

	return &Collector{
		log:      log.WithField("component", "collector"),
		sinks:    sinks,
		metadata: md,
	}
}

// AddSamples appends samples produced by one run of the named benchmark.
// Emission order is preserved.
func (c *Collector) AddSamples(samples []Sample, benchmark, uid string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, s := range samples {
		if s.Metadata == nil {
			s.Metadata = make(map[string]string, len(c.metadata)+2)
		}

		s.Metadata["benchmark"] = benchmark
		s.Metadata["benchmark_uid"] = uid

		for k, v := range c.metadata {
			if _, ok := s.Metadata[k]; !ok {
				s.Metadata[k] = v
			}
		}

		c.samples = append(c.samples, s)
	}
}

// Extend appends already-collected samples, preserving their metadata.
// Used by the scheduler to merge per-worker collectors into the batch
// collector.
func (c *Collector) Extend(samples []Sample) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.samples = append(c.samples, samples...)
}

// Samples returns a copy of everything accumulated so far.
func (c *Collector) Samples() []Sample {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Sample, len(c.samples))
	copy(out, c.samples)

	return out
}

// PublishSamples flushes all accumulated samples to every sink. It does not
// clear the accumulated set, so calling it again re-emits earlier samples;
// mid-run and final publication may both emit the same sample.
func (c *Collector) PublishSamples(ctx context.Context) error {
	samples := c.Samples()
	if len(samples) == 0 {
		return nil
	}

	for _, sink := range c.sinks {
		if err := sink.PublishSamples(ctx, samples); err != nil {
			return fmt.Errorf("publishing %d samples to %s: %w", len(samples), sink.Name(), err)
		}

		c.log.WithFields(logrus.Fields{
			"sink":    sink.Name(),
			"samples": len(samples),
		}).Debug("Published samples")
	}

	return nil
}

// Close closes all sinks.
func (c *Collector) Close() error {
	var firstErr error

	for _, sink := range c.sinks {
		if err := sink.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing %s: %w", sink.Name(), err)
		}
	}

	return firstErr
}
