package pipeline

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/ethpandaops/benchflow/pkg/abort"
	"github.com/ethpandaops/benchflow/pkg/checkpoint"
	"github.com/ethpandaops/benchflow/pkg/events"
	"github.com/ethpandaops/benchflow/pkg/resource"
	"github.com/ethpandaops/benchflow/pkg/sample"
	"github.com/ethpandaops/benchflow/pkg/spec"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	return log
}

// scriptedWorkload fails its first failBeforeSuccess runs, then succeeds.
// Every run emits one sample and optionally sleeps.
type scriptedWorkload struct {
	mu               sync.Mutex
	calls            []string
	runs             int
	failBeforeSucces int
	runDelay         time.Duration
	onRun            func()
}

func (w *scriptedWorkload) record(call string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.calls = append(w.calls, call)
}

func (w *scriptedWorkload) countCalls(call string) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	n := 0

	for _, c := range w.calls {
		if c == call {
			n++
		}
	}

	return n
}

func (w *scriptedWorkload) Prepare(_ context.Context, _ *spec.Spec) error {
	w.record("prepare")
	return nil
}

func (w *scriptedWorkload) Run(_ context.Context, _ *spec.Spec) ([]sample.Sample, error) {
	w.record("run")

	w.mu.Lock()
	w.runs++
	run := w.runs
	fail := run <= w.failBeforeSucces
	onRun := w.onRun
	w.mu.Unlock()

	if onRun != nil {
		onRun()
	}

	if w.runDelay > 0 {
		time.Sleep(w.runDelay)
	}

	if fail {
		return nil, errors.New("workload failed")
	}

	return []sample.Sample{
		sample.New("iteration_time", 0.01, "seconds", nil),
	}, nil
}

func (w *scriptedWorkload) Cleanup(_ context.Context, _ *spec.Spec) error {
	w.record("cleanup")
	return nil
}

// countingDriver tracks created and deleted resource names.
type countingDriver struct {
	mu      sync.Mutex
	created []string
	deleted []string
	failOn  map[string]error
}

func (d *countingDriver) CreateResource(_ context.Context, h *resource.Handle) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.failOn[h.Name]; err != nil {
		return err
	}

	h.ID = "id-" + h.Name
	d.created = append(d.created, h.Name)

	return nil
}

func (d *countingDriver) DeleteResource(_ context.Context, h *resource.Handle) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.deleted = append(d.deleted, h.Name)

	return nil
}

type testHarness struct {
	pipe      *Pipeline
	store     checkpoint.Store
	bus       *events.Bus
	flag      *abort.Flag
	collector *sample.Collector
	sink      *captureSink
}

// captureSink records publish calls for publish-after-run assertions.
type captureSink struct {
	mu      sync.Mutex
	batches [][]sample.Sample
}

func (s *captureSink) Name() string { return "capture" }

func (s *captureSink) PublishSamples(_ context.Context, samples []sample.Sample) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := make([]sample.Sample, len(samples))
	copy(batch, samples)
	s.batches = append(s.batches, batch)

	return nil
}

func (s *captureSink) Close() error { return nil }

func newHarness(t *testing.T, opts *Options) *testHarness {
	t.Helper()

	store, err := checkpoint.NewFileStore(testLogger(), t.TempDir())
	require.NoError(t, err)

	bus := events.NewBus()
	flag := abort.NewFlag()
	sink := &captureSink{}

	return &testHarness{
		pipe:      New(testLogger(), opts, bus, store, flag),
		store:     store,
		bus:       bus,
		flag:      flag,
		collector: sample.NewCollector(testLogger(), nil, sink),
		sink:      sink,
	}
}

func newPipelineSpec(t *testing.T, cfg spec.Config, w spec.Workload, d resource.Driver) *spec.Spec {
	t.Helper()

	if cfg.Name == "" {
		cfg.Name = "bench"
	}

	if cfg.UID == "" {
		cfg.UID = "bench0"
	}

	if cfg.RunID == "" {
		cfg.RunID = "ab12cd34"
	}

	if cfg.VMCount == 0 {
		cfg.VMCount = 1
	}

	if cfg.SequenceNumber == 0 {
		cfg.SequenceNumber = 1
		cfg.TotalCount = 1
	}

	return spec.New(testLogger(), cfg, "bench", w, d)
}

func allStages(t *testing.T) StageSet {
	t.Helper()

	set, err := ParseStages([]string{"all"})
	require.NoError(t, err)

	return set
}

func stagesOf(t *testing.T, names ...string) StageSet {
	t.Helper()

	set, err := ParseStages(names)
	require.NoError(t, err)

	return set
}

func TestPipeline_AllStagesSucceed(t *testing.T) {
	h := newHarness(t, &Options{
		Stages:              allStages(t),
		RuntimeMeasurements: true,
	})

	w := &scriptedWorkload{}
	driver := &countingDriver{}
	sp := newPipelineSpec(t, spec.Config{AlwaysCallCleanup: true}, w, driver)

	require.NoError(t, h.pipe.Run(context.Background(), sp, h.collector))

	assert.Equal(t, spec.StatusSucceeded, sp.Status())
	assert.Equal(t, []string{"prepare", "run", "cleanup"}, w.calls)
	assert.Equal(t, []string{"benchflow-ab12cd34-vm0"}, driver.created)
	assert.Equal(t, []string{"benchflow-ab12cd34-vm0"}, driver.deleted)

	// Workload sample plus end-to-end and per-phase runtime samples.
	names := make(map[string]bool)
	for _, s := range h.collector.Samples() {
		names[s.Name] = true
	}

	assert.True(t, names["iteration_time"])
	assert.True(t, names["End to End Runtime"])
	assert.True(t, names["Resource Provisioning Runtime"])
	assert.True(t, names["Benchmark Run Runtime"])
}

func TestPipeline_OnlyRequestedStagesRun(t *testing.T) {
	h := newHarness(t, &Options{Stages: stagesOf(t, "run")})

	w := &scriptedWorkload{}
	driver := &countingDriver{}
	sp := newPipelineSpec(t, spec.Config{}, w, driver)

	require.NoError(t, h.pipe.Run(context.Background(), sp, h.collector))

	assert.Equal(t, []string{"run"}, w.calls)
	assert.Empty(t, driver.created)
	assert.Empty(t, driver.deleted)
	assert.Equal(t, spec.StatusSucceeded, sp.Status())
}

func TestPipeline_EndToEndSampleOnlyForFullLifecycle(t *testing.T) {
	h := newHarness(t, &Options{
		Stages:              stagesOf(t, "run"),
		RuntimeMeasurements: true,
	})

	sp := newPipelineSpec(t, spec.Config{}, &scriptedWorkload{}, &countingDriver{})

	require.NoError(t, h.pipe.Run(context.Background(), sp, h.collector))

	for _, s := range h.collector.Samples() {
		assert.NotEqual(t, "End to End Runtime", s.Name)
	}
}

func TestPipeline_RunRetriesWithinBudget(t *testing.T) {
	h := newHarness(t, &Options{
		Stages:          stagesOf(t, "run"),
		RunStageRetries: 2,
	})

	w := &scriptedWorkload{failBeforeSucces: 2}
	sp := newPipelineSpec(t, spec.Config{}, w, &countingDriver{})

	require.NoError(t, h.pipe.Run(context.Background(), sp, h.collector))

	// Two failures consumed the budget, the third attempt succeeded.
	assert.Equal(t, 3, w.countCalls("run"))
	assert.Equal(t, spec.StatusSucceeded, sp.Status())
}

func TestPipeline_RunRetriesExhausted(t *testing.T) {
	h := newHarness(t, &Options{
		Stages:          allStages(t),
		RunStageRetries: 1,
	})

	w := &scriptedWorkload{failBeforeSucces: 100}
	driver := &countingDriver{}
	sp := newPipelineSpec(t, spec.Config{}, w, driver)

	err := h.pipe.Run(context.Background(), sp, h.collector)
	require.Error(t, err)

	assert.Equal(t, 2, w.countCalls("run"))
	assert.Equal(t, spec.StatusFailed, sp.Status())

	// Resources are still torn down after the failure.
	assert.Equal(t, driver.created, driver.deleted)
}

func TestPipeline_RetryContinuesPastDeadline(t *testing.T) {
	// Single-shot mode: the deadline expired before the first iteration
	// even started, but a failure inside the budget must still be
	// retried.
	h := newHarness(t, &Options{
		Stages:          stagesOf(t, "run"),
		RunStageRetries: 3,
	})

	w := &scriptedWorkload{failBeforeSucces: 3}
	sp := newPipelineSpec(t, spec.Config{}, w, &countingDriver{})

	require.NoError(t, h.pipe.Run(context.Background(), sp, h.collector))

	assert.Equal(t, 4, w.countCalls("run"))
	assert.Equal(t, spec.StatusSucceeded, sp.Status())
}

func TestPipeline_FailureBudgetFatalWithinTimeBox(t *testing.T) {
	// Exceeding the consecutive-failure budget ends the run stage even
	// with most of the time box remaining.
	h := newHarness(t, &Options{
		Stages:          stagesOf(t, "run"),
		RunStageTime:    time.Hour,
		RunStageRetries: 1,
	})

	w := &scriptedWorkload{failBeforeSucces: 100}
	sp := newPipelineSpec(t, spec.Config{}, w, &countingDriver{})

	err := h.pipe.Run(context.Background(), sp, h.collector)
	require.Error(t, err)

	assert.Equal(t, 2, w.countCalls("run"))
	assert.Equal(t, spec.StatusFailed, sp.Status())
}

func TestPipeline_TimeBoxedRunNumbers(t *testing.T) {
	h := newHarness(t, &Options{
		Stages:       stagesOf(t, "run"),
		RunStageTime: 60 * time.Millisecond,
	})

	w := &scriptedWorkload{runDelay: 25 * time.Millisecond}
	sp := newPipelineSpec(t, spec.Config{}, w, &countingDriver{})

	require.NoError(t, h.pipe.Run(context.Background(), sp, h.collector))

	samples := h.collector.Samples()
	require.GreaterOrEqual(t, len(samples), 2)

	// Iterations are tagged with a strictly increasing run number
	// starting at zero.
	for i, s := range samples {
		assert.Equal(t, strconv.Itoa(i), s.Metadata["run_number"])
	}
}

func TestPipeline_SingleShotHasNoRunNumber(t *testing.T) {
	h := newHarness(t, &Options{Stages: stagesOf(t, "run")})

	sp := newPipelineSpec(t, spec.Config{}, &scriptedWorkload{}, &countingDriver{})

	require.NoError(t, h.pipe.Run(context.Background(), sp, h.collector))

	samples := h.collector.Samples()
	require.Len(t, samples, 1)
	assert.NotContains(t, samples[0].Metadata, "run_number")
}

func TestPipeline_CleanupGating(t *testing.T) {
	t.Run("skipped without static machines", func(t *testing.T) {
		h := newHarness(t, &Options{Stages: stagesOf(t, "run", "cleanup")})

		w := &scriptedWorkload{}
		sp := newPipelineSpec(t, spec.Config{}, w, &countingDriver{})

		require.NoError(t, h.pipe.Run(context.Background(), sp, h.collector))
		assert.Zero(t, w.countCalls("cleanup"))
	})

	t.Run("forced by always_call_cleanup", func(t *testing.T) {
		h := newHarness(t, &Options{Stages: stagesOf(t, "run", "cleanup")})

		w := &scriptedWorkload{}
		sp := newPipelineSpec(t, spec.Config{AlwaysCallCleanup: true}, w, &countingDriver{})

		require.NoError(t, h.pipe.Run(context.Background(), sp, h.collector))
		assert.Equal(t, 1, w.countCalls("cleanup"))
	})

	t.Run("forced by static machine", func(t *testing.T) {
		h := newHarness(t, &Options{Stages: stagesOf(t, "run", "cleanup")})

		w := &scriptedWorkload{}
		static := []*resource.Handle{
			{Kind: resource.KindVM, Name: "lab-1", ID: "lab-1", Static: true},
		}
		sp := newPipelineSpec(t, spec.Config{StaticVMs: static}, w, &countingDriver{})

		require.NoError(t, h.pipe.Run(context.Background(), sp, h.collector))
		assert.Equal(t, 1, w.countCalls("cleanup"))
	})
}

func TestPipeline_CleanupAfterFailure(t *testing.T) {
	h := newHarness(t, &Options{Stages: stagesOf(t, "run", "cleanup")})

	w := &scriptedWorkload{failBeforeSucces: 100}
	sp := newPipelineSpec(t, spec.Config{AlwaysCallCleanup: true}, w, &countingDriver{})

	err := h.pipe.Run(context.Background(), sp, h.collector)
	require.Error(t, err)

	// Best-effort cleanup still ran after the fatal run failure.
	assert.Equal(t, 1, w.countCalls("cleanup"))
	assert.Equal(t, spec.StatusFailed, sp.Status())
}

func TestPipeline_CheckpointSurvivesProvisionFailure(t *testing.T) {
	h := newHarness(t, &Options{Stages: stagesOf(t, "provision")})

	driver := &countingDriver{
		failOn: map[string]error{
			"benchflow-ab12cd34-vm1": errors.New("quota exceeded"),
		},
	}
	sp := newPipelineSpec(t, spec.Config{VMCount: 2}, &scriptedWorkload{}, driver)

	err := h.pipe.Run(context.Background(), sp, h.collector)
	require.Error(t, err)

	// The checkpoint written after the partial failure still carries the
	// identifier of the machine that was created.
	data, err := h.store.Load("ab12cd34", "bench0")
	require.NoError(t, err)
	assert.Contains(t, string(data), "id-benchflow-ab12cd34-vm0")
}

func TestPipeline_CheckpointWrittenBeforeProvisioning(t *testing.T) {
	h := newHarness(t, &Options{Stages: stagesOf(t, "provision")})

	var checkpointed bool

	driver := &countingDriver{}
	sp := newPipelineSpec(t, spec.Config{}, &scriptedWorkload{}, driver)

	// The benchmark-start hook fires between the pre-provision
	// checkpoint and resource creation.
	h.bus.Subscribe(events.BenchmarkStart, func(ev events.Event) error {
		_, err := h.store.Load("ab12cd34", "bench0")
		checkpointed = err == nil

		return nil
	})

	require.NoError(t, h.pipe.Run(context.Background(), sp, h.collector))
	assert.True(t, checkpointed)
}

func TestPipeline_TeardownSuppressedOnAbort(t *testing.T) {
	h := newHarness(t, &Options{
		Stages:          allStages(t),
		RunStageRetries: 0,
	})

	driver := &countingDriver{}
	w := &scriptedWorkload{failBeforeSucces: 100}
	w.onRun = func() { h.flag.Set() }

	sp := newPipelineSpec(t, spec.Config{}, w, driver)

	err := h.pipe.Run(context.Background(), sp, h.collector)
	require.Error(t, err)

	// The batch is aborting; resources are left for inspection.
	assert.NotEmpty(t, driver.created)
	assert.Empty(t, driver.deleted)
	assert.Equal(t, spec.StatusFailed, sp.Status())
}

func TestPipeline_PublishAfterRun(t *testing.T) {
	h := newHarness(t, &Options{
		Stages:          stagesOf(t, "run"),
		PublishAfterRun: true,
	})

	sp := newPipelineSpec(t, spec.Config{}, &scriptedWorkload{}, &countingDriver{})

	require.NoError(t, h.pipe.Run(context.Background(), sp, h.collector))

	require.Len(t, h.sink.batches, 1)
	assert.Len(t, h.sink.batches[0], 1)
}

func TestPipeline_HookOrder(t *testing.T) {
	h := newHarness(t, &Options{Stages: allStages(t)})

	var hooks []events.Hook

	for _, hook := range []events.Hook{
		events.BenchmarkStart,
		events.BeforePhase,
		events.AfterPhase,
		events.SamplesCreated,
		events.BenchmarkEnd,
	} {
		hook := hook
		h.bus.Subscribe(hook, func(ev events.Event) error {
			hooks = append(hooks, hook)
			return nil
		})
	}

	sp := newPipelineSpec(t, spec.Config{}, &scriptedWorkload{}, &countingDriver{})

	require.NoError(t, h.pipe.Run(context.Background(), sp, h.collector))

	assert.Equal(t, []events.Hook{
		events.BenchmarkStart,
		events.BeforePhase,
		events.AfterPhase,
		events.SamplesCreated,
		events.BenchmarkEnd,
	}, hooks)
}

func TestPipeline_BenchmarkEndFiresOnFailure(t *testing.T) {
	h := newHarness(t, &Options{Stages: stagesOf(t, "run")})

	var ended bool

	h.bus.Subscribe(events.BenchmarkEnd, func(ev events.Event) error {
		ended = true
		return nil
	})

	w := &scriptedWorkload{failBeforeSucces: 100}
	sp := newPipelineSpec(t, spec.Config{}, w, &countingDriver{})

	require.Error(t, h.pipe.Run(context.Background(), sp, h.collector))
	assert.True(t, ended)
}

func TestPipeline_FinalCheckpointPersisted(t *testing.T) {
	h := newHarness(t, &Options{Stages: stagesOf(t, "provision", "run")})

	sp := newPipelineSpec(t, spec.Config{}, &scriptedWorkload{}, &countingDriver{})

	require.NoError(t, h.pipe.Run(context.Background(), sp, h.collector))

	// Resources were not torn down; the checkpoint allows a later
	// teardown-only invocation and records the terminal status.
	data, err := h.store.Load("ab12cd34", "bench0")
	require.NoError(t, err)
	assert.Contains(t, string(data), `"id": "id-benchflow-ab12cd34-vm0"`)
	assert.Contains(t, string(data), `"status": "SUCCEEDED"`)
}
