// Package abort provides the batch-wide abort flag shared by all workers.
package abort

import (
	"sync/atomic"
)

// Flag signals that no new benchmark runs should start. It is set once and
// never cleared within a batch; runs already in flight are not interrupted.
// A Flag is injected into every component that needs it rather than held as
// a process-wide singleton.
type Flag struct {
	set atomic.Bool
}

// NewFlag returns an unset flag.
func NewFlag() *Flag {
	return &Flag{}
}

// Set marks the batch as aborting. Idempotent.
func (f *Flag) Set() {
	f.set.Store(true)
}

// IsSet reports whether the batch is aborting.
func (f *Flag) IsSet() bool {
	return f.set.Load()
}
