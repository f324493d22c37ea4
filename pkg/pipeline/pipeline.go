// Package pipeline sequences the five lifecycle stages for one benchmark
// spec, applying the retry and error-recovery policy.
package pipeline

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/ethpandaops/benchflow/pkg/abort"
	"github.com/ethpandaops/benchflow/pkg/checkpoint"
	"github.com/ethpandaops/benchflow/pkg/events"
	"github.com/ethpandaops/benchflow/pkg/sample"
	"github.com/ethpandaops/benchflow/pkg/spec"
	"github.com/ethpandaops/benchflow/pkg/timing"
	"github.com/sirupsen/logrus"
)

// Options control stage selection and the run-stage retry/time-box policy.
type Options struct {
	// Stages is the requested stage subset for this invocation.
	Stages StageSet

	// RunStageTime keeps re-running the run stage until at least this
	// much time has been spent. Zero means run exactly once.
	RunStageTime time.Duration

	// RunStageRetries is the number of allowable consecutive run-stage
	// failures before the spec is failed.
	RunStageRetries int

	// PublishAfterRun flushes the collector after every run iteration.
	PublishAfterRun bool

	// RuntimeMeasurements adds phase runtime samples to the results.
	RuntimeMeasurements bool
}

// Pipeline executes the requested stages for one spec at a time. A single
// pipeline is shared by all workers; all per-run state lives in the spec
// and the timers created per execution.
type Pipeline struct {
	log   logrus.FieldLogger
	opts  *Options
	bus   *events.Bus
	store checkpoint.Store
	abort *abort.Flag
}

// New creates a pipeline.
func New(
	log logrus.FieldLogger,
	opts *Options,
	bus *events.Bus,
	store checkpoint.Store,
	abortFlag *abort.Flag,
) *Pipeline {
	return &Pipeline{
		log:   log.WithField("component", "pipeline"),
		opts:  opts,
		bus:   bus,
		store: store,
		abort: abortFlag,
	}
}

// Run drives the spec through every requested stage. On an unrecovered
// error the spec is marked failed and the error returned; teardown still
// runs (unless the batch is aborting), the benchmark-end hook still fires,
// and a final checkpoint is persisted, whatever the outcome.
func (p *Pipeline) Run(ctx context.Context, sp *spec.Spec, collector *sample.Collector) (err error) {
	log := p.log.WithFields(logrus.Fields{
		"benchmark": sp.Name(),
		"sequence":  fmt.Sprintf("%d/%d", sp.SequenceNumber(), sp.TotalCount()),
	})

	if serr := sp.SetStatus(spec.StatusRunning); serr != nil {
		return serr
	}

	endToEnd := timing.NewIntervalTimer()
	detailed := timing.NewIntervalTimer()

	defer func() {
		// Release resources even after a failure earlier in the
		// pipeline, but never while the batch is aborting: a
		// still-running worker may depend on them, and the operator
		// may want to inspect them.
		if p.opts.Stages.Has(StageTeardown) && !p.abort.IsSet() {
			if derr := sp.Delete(ctx); derr != nil {
				log.WithError(derr).Error("Teardown failed")

				if err == nil {
					err = derr
				}
			}
		}

		if berr := p.bus.Publish(events.Event{Hook: events.BenchmarkEnd, Benchmark: sp.UID()}); berr != nil && err == nil {
			err = berr
		}

		if err != nil {
			_ = sp.SetStatus(spec.StatusFailed)
		} else if serr := sp.SetStatus(spec.StatusSucceeded); serr != nil {
			err = serr
		}

		// Persist terminal resource state, including the terminal
		// status, so the snapshot is self-describing.
		if cerr := p.saveCheckpoint(sp); cerr != nil {
			log.WithError(cerr).Warn("Failed to save final checkpoint")
		}
	}()

	err = endToEnd.Measure("End to End", func() error {
		return p.runStages(ctx, sp, collector, detailed, log)
	})
	if err != nil {
		// Resource teardown below can take a long time; log now so
		// the failure is visible immediately.
		log.WithError(err).Error("Benchmark failed")

		if p.opts.Stages.Has(StageCleanup) && sp.AlwaysCallCleanup() {
			if cerr := p.cleanup(ctx, sp, detailed, log); cerr != nil {
				log.WithError(cerr).Warn("Cleanup after failure failed")
			}
		}

		return err
	}

	if p.opts.RuntimeMeasurements {
		if p.opts.Stages.All() {
			collector.AddSamples(endToEnd.GenerateSamples(), sp.Name(), sp.UID())
		}

		collector.AddSamples(detailed.GenerateSamples(), sp.Name(), sp.UID())
	}

	return nil
}

func (p *Pipeline) runStages(
	ctx context.Context,
	sp *spec.Spec,
	collector *sample.Collector,
	timer *timing.IntervalTimer,
	log logrus.FieldLogger,
) error {
	if p.opts.Stages.Has(StageProvision) {
		if err := p.provision(ctx, sp, timer, log); err != nil {
			return err
		}
	}

	if p.opts.Stages.Has(StagePrepare) {
		if err := p.prepare(ctx, sp, timer, log); err != nil {
			return err
		}
	}

	if p.opts.Stages.Has(StageRun) {
		if err := p.runLoop(ctx, sp, collector, timer, log); err != nil {
			return err
		}
	}

	if p.opts.Stages.Has(StageCleanup) {
		if err := p.cleanup(ctx, sp, timer, log); err != nil {
			return err
		}
	}

	if p.opts.Stages.Has(StageTeardown) {
		if err := p.teardown(ctx, sp, timer, log); err != nil {
			return err
		}
	}

	return nil
}

// provision constructs service handles before VM handles (a managed service
// may itself allocate VMs), checkpoints the spec before touching any
// external resource, and checkpoints again once creation finished so
// provider-assigned identifiers survive a crash. Provisioning failures are
// not retried.
func (p *Pipeline) provision(
	ctx context.Context,
	sp *spec.Spec,
	timer *timing.IntervalTimer,
	log logrus.FieldLogger,
) error {
	log.Info("Provisioning resources")

	if err := sp.ConstructServices(ctx); err != nil {
		return fmt.Errorf("constructing services: %w", err)
	}

	if err := sp.ConstructResources(ctx); err != nil {
		return fmt.Errorf("constructing resources: %w", err)
	}

	// Checkpoint before creating anything so a partial provisioning
	// failure still leaves state to tear down with.
	if err := p.saveCheckpoint(sp); err != nil {
		return err
	}

	if err := p.bus.Publish(events.Event{Hook: events.BenchmarkStart, Benchmark: sp.UID()}); err != nil {
		return err
	}

	perr := timer.Measure("Resource Provisioning", func() error {
		return sp.Provision(ctx)
	})

	// Snapshot again regardless of outcome: provider IDs acquired before
	// the failure must not be lost.
	if serr := p.saveCheckpoint(sp); serr != nil && perr == nil {
		perr = serr
	}

	return perr
}

func (p *Pipeline) prepare(
	ctx context.Context,
	sp *spec.Spec,
	timer *timing.IntervalTimer,
	log logrus.FieldLogger,
) error {
	log.Info("Preparing benchmark")

	if err := timer.Measure("Benchmark Prepare", func() error {
		return sp.Prepare(ctx)
	}); err != nil {
		return err
	}

	return sp.StartBackgroundWorkload(ctx)
}

// runLoop is the time-boxed retry loop. The deadline is checked after each
// iteration, so at least one iteration always executes and an iteration in
// flight is never preempted. Exceeding the consecutive-failure budget is
// fatal regardless of remaining deadline.
func (p *Pipeline) runLoop(
	ctx context.Context,
	sp *spec.Spec,
	collector *sample.Collector,
	timer *timing.IntervalTimer,
	log logrus.FieldLogger,
) error {
	deadline := time.Now().Add(p.opts.RunStageTime)
	runNumber := 0
	consecutiveFailures := 0

	for {
		var samples []sample.Sample

		log.Info("Running benchmark")

		if err := p.bus.Publish(events.Event{Hook: events.BeforePhase, Phase: string(StageRun), Benchmark: sp.UID()}); err != nil {
			return err
		}

		runErr := timer.Measure("Benchmark Run", func() error {
			var err error
			samples, err = sp.Run(ctx)

			return err
		})

		if err := p.bus.Publish(events.Event{Hook: events.AfterPhase, Phase: string(StageRun), Benchmark: sp.UID()}); err != nil {
			return err
		}

		if runErr != nil {
			consecutiveFailures++

			if consecutiveFailures > p.opts.RunStageRetries {
				return runErr
			}

			log.WithError(runErr).WithField("consecutive_failures", consecutiveFailures).Warn("Run failed; retrying")

			// Retry continuation is exempt from the time box: the
			// deadline only ends the loop after a completed
			// iteration, so a failure inside the budget always gets
			// another attempt even in single-shot mode.
			continue
		}

		consecutiveFailures = 0

		if err := p.bus.Publish(events.Event{
			Hook:      events.SamplesCreated,
			Phase:     string(StageRun),
			Benchmark: sp.UID(),
			Samples:   samples,
		}); err != nil {
			return err
		}

		// Tag iterations only in time-boxed mode; single-shot runs
		// carry no run number.
		if p.opts.RunStageTime > 0 {
			for i := range samples {
				if samples[i].Metadata == nil {
					samples[i].Metadata = make(map[string]string, 1)
				}

				samples[i].Metadata["run_number"] = strconv.Itoa(runNumber)
			}
		}

		collector.AddSamples(samples, sp.Name(), sp.UID())

		if p.opts.PublishAfterRun {
			if err := collector.PublishSamples(ctx); err != nil {
				return err
			}
		}

		runNumber++

		if time.Now().After(deadline) {
			return nil
		}
	}
}

// cleanup runs only when the spec demands it unconditionally or a
// pre-existing static machine is involved, so shared infrastructure is not
// left dirty even when teardown is skipped.
func (p *Pipeline) cleanup(
	ctx context.Context,
	sp *spec.Spec,
	timer *timing.IntervalTimer,
	log logrus.FieldLogger,
) error {
	if !sp.AlwaysCallCleanup() && !sp.Resources().AnyStaticVM() {
		log.Debug("Skipping cleanup stage")

		return nil
	}

	log.Info("Cleaning up benchmark")

	if err := sp.StopBackgroundWorkload(ctx); err != nil {
		return fmt.Errorf("stopping background workload: %w", err)
	}

	return timer.Measure("Benchmark Cleanup", func() error {
		return sp.Cleanup(ctx)
	})
}

func (p *Pipeline) teardown(
	ctx context.Context,
	sp *spec.Spec,
	timer *timing.IntervalTimer,
	log logrus.FieldLogger,
) error {
	log.Info("Tearing down resources")

	return timer.Measure("Resource Teardown", func() error {
		return sp.Delete(ctx)
	})
}

func (p *Pipeline) saveCheckpoint(sp *spec.Spec) error {
	snap, err := sp.Snapshot()
	if err != nil {
		return err
	}

	if err := p.store.Save(sp.RunID(), sp.UID(), snap); err != nil {
		return fmt.Errorf("checkpointing spec %s: %w", sp.UID(), err)
	}

	return nil
}
