// Package events implements the hook bus used to notify instrumentation of
// lifecycle moments without the pipeline depending on any listener.
package events

import (
	"sync"

	"github.com/ethpandaops/benchflow/pkg/sample"
)

// Hook names a lifecycle moment listeners can subscribe to.
type Hook string

const (
	// InitializationComplete fires once after setup, before any benchmark.
	InitializationComplete Hook = "initialization_complete"

	// BenchmarkStart fires before a benchmark acquires any resources.
	BenchmarkStart Hook = "benchmark_start"

	// BenchmarkEnd fires after a benchmark finishes, regardless of outcome.
	BenchmarkEnd Hook = "benchmark_end"

	// BeforePhase fires before a named pipeline phase.
	BeforePhase Hook = "before_phase"

	// AfterPhase fires after a named pipeline phase, regardless of outcome.
	AfterPhase Hook = "after_phase"

	// SamplesCreated fires when a run iteration produced samples.
	SamplesCreated Hook = "samples_created"
)

// Event carries the context of a fired hook.
type Event struct {
	Hook Hook

	// Phase is set for BeforePhase/AfterPhase/SamplesCreated.
	Phase string

	// Benchmark is the UID of the benchmark spec, when one is in scope.
	Benchmark string

	// Samples is set for SamplesCreated.
	Samples []sample.Sample
}

// Listener handles a fired hook. Listeners are trusted, first-party
// instrumentation: an error aborts delivery and propagates to the caller.
type Listener func(Event) error

// Bus delivers hook events to subscribed listeners synchronously and in
// registration order.
type Bus struct {
	mu        sync.Mutex
	listeners map[Hook][]Listener
}

// NewBus returns a bus with no listeners.
func NewBus() *Bus {
	return &Bus{
		listeners: make(map[Hook][]Listener),
	}
}

// Subscribe registers a listener for the given hook.
func (b *Bus) Subscribe(hook Hook, l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.listeners[hook] = append(b.listeners[hook], l)
}

// Publish delivers the event to all listeners of its hook, in registration
// order. The first listener error stops delivery and is returned.
func (b *Bus) Publish(ev Event) error {
	b.mu.Lock()
	listeners := make([]Listener, len(b.listeners[ev.Hook]))
	copy(listeners, b.listeners[ev.Hook])
	b.mu.Unlock()

	for _, l := range listeners {
		if err := l(ev); err != nil {
			return err
		}
	}

	return nil
}
