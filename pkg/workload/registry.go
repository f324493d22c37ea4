// Package workload holds the registry of benchmark workloads and the
// built-in synthetic ones.
package workload

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ethpandaops/benchflow/pkg/spec"
	"github.com/sirupsen/logrus"
)

// Factory builds a workload from its opaque per-benchmark configuration.
type Factory func(log logrus.FieldLogger, options map[string]any) (spec.Workload, error)

// Registry maps workload names to factories.
type Registry interface {
	// Register adds a factory under the given name.
	Register(name string, f Factory) error

	// Build constructs the named workload with the given options.
	Build(name string, log logrus.FieldLogger, options map[string]any) (spec.Workload, error)

	// Names returns all registered workload names, sorted.
	Names() []string
}

type registry struct {
	mu        sync.Mutex
	factories map[string]Factory
}

// Ensure interface compliance.
var _ Registry = (*registry)(nil)

// NewRegistry creates a registry pre-populated with the built-in synthetic
// workloads.
func NewRegistry() Registry {
	r := &registry{
		factories: make(map[string]Factory),
	}

	// Built-ins cannot collide on an empty registry.
	_ = r.Register("sleep", newSleepWorkload)
	_ = r.Register("matrix", newMatrixWorkload)

	return r
}

func (r *registry) Register(name string, f Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("workload %q already registered", name)
	}

	r.factories[name] = f

	return nil
}

func (r *registry) Build(name string, log logrus.FieldLogger, options map[string]any) (spec.Workload, error) {
	r.mu.Lock()
	f, ok := r.factories[name]
	r.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("unknown workload %q", name)
	}

	w, err := f(log, options)
	if err != nil {
		return nil, fmt.Errorf("building workload %q: %w", name, err)
	}

	return w, nil
}

func (r *registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}
