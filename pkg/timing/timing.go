// Package timing provides interval timers that turn measured phases into
// duration samples.
package timing

import (
	"strconv"
	"time"

	"github.com/ethpandaops/benchflow/pkg/sample"
)

// Interval is one named measured period.
type Interval struct {
	Name  string
	Start time.Time
	Stop  time.Time
}

// Duration returns the measured duration.
func (i Interval) Duration() time.Duration {
	return i.Stop.Sub(i.Start)
}

// IntervalTimer measures named intervals and generates samples from them.
// Not safe for concurrent use; each benchmark run owns its own timers.
type IntervalTimer struct {
	intervals []Interval
}

// NewIntervalTimer returns an empty timer.
func NewIntervalTimer() *IntervalTimer {
	return &IntervalTimer{}
}

// Measure runs fn, recording its wall-clock duration under name. The
// interval is recorded even when fn fails, and fn's error is returned
// unchanged.
func (t *IntervalTimer) Measure(name string, fn func() error) error {
	start := time.Now()
	err := fn()

	t.intervals = append(t.intervals, Interval{
		Name:  name,
		Start: start,
		Stop:  time.Now(),
	})

	return err
}

// Intervals returns the recorded intervals in measurement order.
func (t *IntervalTimer) Intervals() []Interval {
	return t.intervals
}

// GenerateSamples produces one runtime sample per recorded interval.
func (t *IntervalTimer) GenerateSamples() []sample.Sample {
	samples := make([]sample.Sample, 0, len(t.intervals))

	for _, iv := range t.intervals {
		samples = append(samples, sample.New(
			iv.Name+" Runtime",
			iv.Duration().Seconds(),
			"seconds",
			map[string]string{
				"timestamp_start": strconv.FormatInt(iv.Start.UnixNano(), 10),
				"timestamp_stop":  strconv.FormatInt(iv.Stop.UnixNano(), 10),
			},
		))
	}

	return samples
}
