// Package spec holds the runtime descriptor for one scheduled benchmark
// instance: its workload, its resource handles, its per-run configuration,
// and its lifecycle status.
package spec

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethpandaops/benchflow/pkg/resource"
	"github.com/ethpandaops/benchflow/pkg/sample"
	"github.com/sirupsen/logrus"
)

// Status is the lifecycle status of a benchmark spec. Transitions only move
// forward: NOT_STARTED -> RUNNING -> {SUCCEEDED | FAILED}. A failed spec
// never reverts.
type Status string

const (
	StatusNotStarted Status = "NOT_STARTED"
	StatusRunning    Status = "RUNNING"
	StatusSucceeded  Status = "SUCCEEDED"
	StatusFailed     Status = "FAILED"
)

// statusRank orders statuses for the forward-only transition check.
var statusRank = map[Status]int{
	StatusNotStarted: 0,
	StatusRunning:    1,
	StatusSucceeded:  2,
	StatusFailed:     2,
}

// Workload is the benchmark payload a spec drives. Implementations install
// software, execute the measured work, and parse output into samples; they
// live outside the orchestration engine.
type Workload interface {
	// Prepare installs software and uploads data files.
	Prepare(ctx context.Context, s *Spec) error

	// Run executes the measured workload and returns its samples.
	Run(ctx context.Context, s *Spec) ([]sample.Sample, error)

	// Cleanup returns the machines to their pre-Prepare state.
	Cleanup(ctx context.Context, s *Spec) error
}

// BackgroundWorkload is implemented by workloads that declare a background
// load (e.g. synthetic load generators) running for the lifetime of the
// measurement.
type BackgroundWorkload interface {
	StartBackground(ctx context.Context, s *Spec) error
	StopBackground(ctx context.Context, s *Spec) error
}

// Config are the construction parameters for a Spec.
type Config struct {
	// Name is the benchmark name; UID is name plus a per-name counter,
	// unique within the batch.
	Name string
	UID  string

	// SequenceNumber (1-based) and TotalCount locate the spec within
	// the batch.
	SequenceNumber int
	TotalCount     int

	// AlwaysCallCleanup forces the cleanup stage even when no static
	// machine is involved.
	AlwaysCallCleanup bool

	// RunID namespaces externally-visible resource names. The scheduler
	// may suffix it with the sequence number.
	RunID string

	// FlagOverrides are per-run configuration overrides scoped to this
	// spec only. They are carried explicitly rather than applied to any
	// global store.
	FlagOverrides map[string]any

	// VMCount is the number of machines the workload needs. Static
	// machines are used first; the remainder is created by the driver.
	VMCount int

	// Services names managed services to construct before any VM.
	Services []string

	// StaticVMs are pre-existing machines assigned to this spec.
	StaticVMs []*resource.Handle
}

// Spec is one scheduled benchmark instance. It is mutated exclusively by
// the stage pipeline driving it.
type Spec struct {
	log      logrus.FieldLogger
	workload Workload
	driver   resource.Driver

	name              string
	uid               string
	workloadName      string
	sequenceNumber    int
	totalCount        int
	alwaysCallCleanup bool
	flagOverrides     map[string]any
	vmCount           int
	services          []string
	resources         *resource.Set

	mu            sync.Mutex
	runID         string
	resourceRunID string
	status        Status
}

// New creates a spec for the given workload.
func New(log logrus.FieldLogger, cfg Config, workloadName string, w Workload, driver resource.Driver) *Spec {
	s := &Spec{
		log:               log.WithField("benchmark", cfg.UID),
		workload:          w,
		driver:            driver,
		name:              cfg.Name,
		uid:               cfg.UID,
		workloadName:      workloadName,
		sequenceNumber:    cfg.SequenceNumber,
		totalCount:        cfg.TotalCount,
		alwaysCallCleanup: cfg.AlwaysCallCleanup,
		flagOverrides:     cfg.FlagOverrides,
		vmCount:           cfg.VMCount,
		services:          cfg.Services,
		resources:         &resource.Set{},
		runID:             cfg.RunID,
		resourceRunID:     cfg.RunID,
		status:            StatusNotStarted,
	}

	s.resources.Handles = append(s.resources.Handles, cfg.StaticVMs...)

	return s
}

// Name returns the benchmark name.
func (s *Spec) Name() string { return s.name }

// UID returns the batch-unique identifier (name + per-name counter).
func (s *Spec) UID() string { return s.uid }

// WorkloadName returns the registered name of the workload.
func (s *Spec) WorkloadName() string { return s.workloadName }

// SequenceNumber returns the 1-based position within the batch.
func (s *Spec) SequenceNumber() int { return s.sequenceNumber }

// TotalCount returns the batch size.
func (s *Spec) TotalCount() int { return s.totalCount }

// AlwaysCallCleanup reports whether the spec demands unconditional cleanup.
func (s *Spec) AlwaysCallCleanup() bool { return s.alwaysCallCleanup }

// FlagOverrides returns the per-run configuration overrides scoped to this
// spec.
func (s *Spec) FlagOverrides() map[string]any { return s.flagOverrides }

// Resources returns the spec's resource handle set.
func (s *Spec) Resources() *resource.Set { return s.resources }

// RunID returns the batch run identifier. Checkpoints are keyed by it.
func (s *Spec) RunID() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.runID
}

// ResourceRunID returns the identifier created resources are named under.
// It equals the run identifier unless the scheduler disambiguated it for
// concurrent execution.
func (s *Spec) ResourceRunID() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.resourceRunID
}

// SetResourceRunID replaces the resource naming identifier. Used by the
// scheduler to suffix the batch identifier with the sequence number when
// running specs concurrently, so like-named resources never collide. The
// run identifier itself is untouched; all checkpoints of a batch stay under
// one directory.
func (s *Spec) SetResourceRunID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.resourceRunID = id
}

// Status returns the current lifecycle status.
func (s *Spec) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.status
}

// SetStatus applies a forward-only status transition. Backward transitions
// are rejected; in particular a failed spec never reverts.
func (s *Spec) SetStatus(st Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status == StatusFailed && st != StatusFailed {
		return fmt.Errorf("spec %s already failed", s.uid)
	}

	if statusRank[st] < statusRank[s.status] {
		return fmt.Errorf("invalid status transition %s -> %s for spec %s", s.status, st, s.uid)
	}

	s.status = st

	return nil
}

// ConstructServices adds handles for the spec's managed services. Services
// are constructed before any VM because provisioning one may itself
// allocate VMs.
func (s *Spec) ConstructServices(_ context.Context) error {
	for _, svc := range s.services {
		s.resources.Handles = append(s.resources.Handles, &resource.Handle{
			Kind: resource.KindService,
			Name: fmt.Sprintf("benchflow-%s-%s", s.ResourceRunID(), svc),
		})
	}

	return nil
}

// ConstructResources adds handles for the VMs the workload needs, using
// static machines first and naming created resources under the run
// identifier.
func (s *Spec) ConstructResources(_ context.Context) error {
	existing := len(s.resources.VMs())

	for i := existing; i < s.vmCount; i++ {
		s.resources.Handles = append(s.resources.Handles, &resource.Handle{
			Kind: resource.KindVM,
			Name: fmt.Sprintf("benchflow-%s-vm%d", s.ResourceRunID(), i),
		})
	}

	return nil
}

// Provision creates every non-static resource through the driver, services
// first. Handles already created (e.g. on a resumed run) are skipped.
func (s *Spec) Provision(ctx context.Context) error {
	ordered := append([]*resource.Handle{}, s.resources.Services()...)

	for _, h := range s.resources.Handles {
		if h.Kind != resource.KindService {
			ordered = append(ordered, h)
		}
	}

	for _, h := range ordered {
		if h.Static || h.Created {
			continue
		}

		if err := s.driver.CreateResource(ctx, h); err != nil {
			return fmt.Errorf("creating %s %q: %w", h.Kind, h.Name, err)
		}

		h.Created = true
	}

	return nil
}

// Prepare invokes the workload's setup hooks.
func (s *Spec) Prepare(ctx context.Context) error {
	return s.workload.Prepare(ctx, s)
}

// Run executes the workload once and returns its samples.
func (s *Spec) Run(ctx context.Context) ([]sample.Sample, error) {
	return s.workload.Run(ctx, s)
}

// Cleanup invokes the workload's cleanup hooks.
func (s *Spec) Cleanup(ctx context.Context) error {
	return s.workload.Cleanup(ctx, s)
}

// StartBackgroundWorkload starts the workload's background load, if it
// declares one.
func (s *Spec) StartBackgroundWorkload(ctx context.Context) error {
	bg, ok := s.workload.(BackgroundWorkload)
	if !ok {
		return nil
	}

	return bg.StartBackground(ctx, s)
}

// StopBackgroundWorkload stops the workload's background load, if it
// declares one.
func (s *Spec) StopBackgroundWorkload(ctx context.Context) error {
	bg, ok := s.workload.(BackgroundWorkload)
	if !ok {
		return nil
	}

	return bg.StopBackground(ctx, s)
}

// Delete releases every resource this run created, in reverse acquisition
// order. Static resources are never deleted. Deletion continues past
// individual failures; the first error is returned.
func (s *Spec) Delete(ctx context.Context) error {
	var firstErr error

	for i := len(s.resources.Handles) - 1; i >= 0; i-- {
		h := s.resources.Handles[i]
		if h.Static || !h.Created {
			continue
		}

		if err := s.driver.DeleteResource(ctx, h); err != nil {
			s.log.WithError(err).WithField("resource", h.Name).Warn("Failed to delete resource")

			if firstErr == nil {
				firstErr = fmt.Errorf("deleting %s %q: %w", h.Kind, h.Name, err)
			}

			continue
		}

		h.Created = false
	}

	return firstErr
}
