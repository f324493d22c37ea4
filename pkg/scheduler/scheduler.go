// Package scheduler fans out stage pipeline executions across a bounded
// worker pool and aggregates per-spec results.
package scheduler

import (
	"context"
	"errors"
	"strconv"

	"github.com/alitto/pond"
	"github.com/ethpandaops/benchflow/pkg/abort"
	"github.com/ethpandaops/benchflow/pkg/pipeline"
	"github.com/ethpandaops/benchflow/pkg/sample"
	"github.com/ethpandaops/benchflow/pkg/spec"
	"github.com/sirupsen/logrus"
)

// Result is the outcome of scheduling one spec. A skipped spec was never
// attempted (the abort flag was already set) and keeps its unmodified
// status; a completed spec carries its samples even when it failed.
type Result struct {
	Spec    *spec.Spec
	Samples []sample.Sample
	Skipped bool
	Err     error
}

// Config for the scheduler.
type Config struct {
	// Workers is the maximum number of concurrently running pipelines.
	Workers int

	// StopOnFailure signals the abort flag as soon as any spec fails,
	// preventing not-yet-started specs from running. Specs already in
	// flight are never interrupted: fast-failing mid-flight would leak
	// half-provisioned resources nothing will ever clean up.
	StopOnFailure bool

	// RunID is the batch run identifier. With more than one worker each
	// spec names its resources under the identifier suffixed with the
	// spec's sequence number, so concurrently-live specs never provision
	// like-named resources. Checkpoints stay keyed by the batch
	// identifier.
	RunID string
}

// Scheduler runs a batch of specs and reports every spec's outcome.
type Scheduler interface {
	// RunBatch executes all specs and returns one result per spec in
	// completion order, plus whether every spec succeeded. Failure of
	// one spec never prevents others from completing or being reported.
	RunBatch(ctx context.Context, specs []*spec.Spec) ([]Result, bool)
}

type scheduler struct {
	log          logrus.FieldLogger
	cfg          *Config
	pipe         *pipeline.Pipeline
	flag         *abort.Flag
	newCollector func() *sample.Collector
}

// Ensure interface compliance.
var _ Scheduler = (*scheduler)(nil)

// New creates a scheduler. Each worker emits samples into its own collector
// produced by newCollector; RunBatch returns the collected samples so the
// caller can merge them into the batch collector.
func New(
	log logrus.FieldLogger,
	cfg *Config,
	pipe *pipeline.Pipeline,
	flag *abort.Flag,
	newCollector func() *sample.Collector,
) Scheduler {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}

	return &scheduler{
		log:          log.WithField("component", "scheduler"),
		cfg:          cfg,
		pipe:         pipe,
		flag:         flag,
		newCollector: newCollector,
	}
}

func (s *scheduler) RunBatch(ctx context.Context, specs []*spec.Spec) ([]Result, bool) {
	pool := pond.New(s.cfg.Workers, 0, pond.MinWorkers(s.cfg.Workers))
	resCh := make(chan Result, len(specs))

	for _, sp := range specs {
		sp := sp

		pool.Submit(func() {
			resCh <- s.runTask(ctx, sp)
		})
	}

	pool.StopAndWait()
	close(resCh)

	results := make([]Result, 0, len(specs))
	ok := true

	for res := range resCh {
		results = append(results, res)

		if res.Spec.Status() != spec.StatusSucceeded {
			ok = false
		}
	}

	return results, ok
}

func (s *scheduler) runTask(ctx context.Context, sp *spec.Spec) Result {
	// An operator interrupt cancels the root context; treat it like any
	// other abort trigger so siblings stop being scheduled.
	if ctx.Err() != nil {
		s.flag.Set()
	}

	if s.flag.IsSet() {
		s.log.WithField("benchmark", sp.UID()).Info("Skipping benchmark: abort signaled")

		return Result{Spec: sp, Skipped: true}
	}

	// Providers name resources after the run identifier; concurrent
	// specs would collide, so suffix the naming identifier with the
	// sequence number. The run identifier itself stays the batch one.
	if s.cfg.Workers > 1 {
		sp.SetResourceRunID(s.cfg.RunID + strconv.Itoa(sp.SequenceNumber()))
	}

	collector := s.newCollector()

	err := s.pipe.Run(ctx, sp, collector)
	if err != nil {
		log := s.log.WithFields(logrus.Fields{
			"benchmark": sp.Name(),
			"uid":       sp.UID(),
			"sequence":  sp.SequenceNumber(),
			"total":     sp.TotalCount(),
		})

		if errors.Is(err, context.Canceled) || s.cfg.StopOnFailure {
			log.WithError(err).Error("Benchmark failed; execution will not continue")
			s.flag.Set()
		} else {
			log.WithError(err).Error("Benchmark failed; execution will continue")
		}
	}

	// Samples are returned alongside the spec even on failure so the
	// caller can publish everything gathered before the error.
	return Result{Spec: sp, Samples: collector.Samples(), Err: err}
}
