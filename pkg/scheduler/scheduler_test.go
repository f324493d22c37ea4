package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/ethpandaops/benchflow/pkg/abort"
	"github.com/ethpandaops/benchflow/pkg/checkpoint"
	"github.com/ethpandaops/benchflow/pkg/events"
	"github.com/ethpandaops/benchflow/pkg/pipeline"
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

// stubWorkload succeeds or fails per spec UID.
type stubWorkload struct {
	mu     sync.Mutex
	failOn map[string]bool
	runs   []string
}

func (w *stubWorkload) Prepare(_ context.Context, _ *spec.Spec) error { return nil }

func (w *stubWorkload) Run(_ context.Context, s *spec.Spec) ([]sample.Sample, error) {
	w.mu.Lock()
	w.runs = append(w.runs, s.UID())
	fail := w.failOn[s.UID()]
	w.mu.Unlock()

	if fail {
		return nil, errors.New("workload failed")
	}

	return []sample.Sample{sample.New("ok", 1, "count", nil)}, nil
}

func (w *stubWorkload) Cleanup(_ context.Context, _ *spec.Spec) error { return nil }

type nopDriver struct{}

func (nopDriver) CreateResource(_ context.Context, h *resource.Handle) error {
	h.ID = "id-" + h.Name
	return nil
}

func (nopDriver) DeleteResource(_ context.Context, _ *resource.Handle) error { return nil }

type batchHarness struct {
	sched Scheduler
	flag  *abort.Flag
	store checkpoint.Store
}

func newBatchHarness(t *testing.T, cfg *Config, retries int) *batchHarness {
	t.Helper()

	store, err := checkpoint.NewFileStore(testLogger(), t.TempDir())
	require.NoError(t, err)

	stages, err := pipeline.ParseStages([]string{"all"})
	require.NoError(t, err)

	flag := abort.NewFlag()

	pipe := pipeline.New(testLogger(), &pipeline.Options{
		Stages:          stages,
		RunStageRetries: retries,
	}, events.NewBus(), store, flag)

	newCollector := func() *sample.Collector {
		return sample.NewCollector(testLogger(), nil)
	}

	return &batchHarness{
		sched: New(testLogger(), cfg, pipe, flag, newCollector),
		flag:  flag,
		store: store,
	}
}

func makeSpecs(t *testing.T, w spec.Workload, runID string, count int) []*spec.Spec {
	t.Helper()

	specs := make([]*spec.Spec, 0, count)

	for i := 0; i < count; i++ {
		specs = append(specs, spec.New(testLogger(), spec.Config{
			Name:           "bench",
			UID:            "bench" + string(rune('0'+i)),
			SequenceNumber: i + 1,
			TotalCount:     count,
			RunID:          runID,
			VMCount:        1,
		}, "bench", w, nopDriver{}))
	}

	return specs
}

func TestScheduler_RunBatchAllSucceed(t *testing.T) {
	h := newBatchHarness(t, &Config{Workers: 2, RunID: "ab12cd34"}, 0)

	w := &stubWorkload{}
	specs := makeSpecs(t, w, "ab12cd34", 3)

	results, ok := h.sched.RunBatch(context.Background(), specs)

	assert.True(t, ok)
	require.Len(t, results, 3)

	for _, res := range results {
		assert.False(t, res.Skipped)
		assert.NoError(t, res.Err)
		assert.Equal(t, spec.StatusSucceeded, res.Spec.Status())
		assert.NotEmpty(t, res.Samples)
	}
}

func TestScheduler_PartialFailureContinues(t *testing.T) {
	h := newBatchHarness(t, &Config{Workers: 2, RunID: "ab12cd34"}, 0)

	w := &stubWorkload{failOn: map[string]bool{"bench1": true}}
	specs := makeSpecs(t, w, "ab12cd34", 3)

	results, ok := h.sched.RunBatch(context.Background(), specs)

	assert.False(t, ok)
	require.Len(t, results, 3)

	statuses := map[string]spec.Status{}
	for _, res := range results {
		statuses[res.Spec.UID()] = res.Spec.Status()
	}

	assert.Equal(t, spec.StatusSucceeded, statuses["bench0"])
	assert.Equal(t, spec.StatusFailed, statuses["bench1"])
	assert.Equal(t, spec.StatusSucceeded, statuses["bench2"])
	assert.False(t, h.flag.IsSet())
}

func TestScheduler_PresetAbortSkipsAll(t *testing.T) {
	h := newBatchHarness(t, &Config{Workers: 1, RunID: "ab12cd34"}, 0)

	h.flag.Set()

	w := &stubWorkload{}
	specs := makeSpecs(t, w, "ab12cd34", 2)

	results, ok := h.sched.RunBatch(context.Background(), specs)

	assert.False(t, ok)
	require.Len(t, results, 2)

	for _, res := range results {
		assert.True(t, res.Skipped)
		assert.Equal(t, spec.StatusNotStarted, res.Spec.Status())
	}

	assert.Empty(t, w.runs)
}

func TestScheduler_StopOnFailure(t *testing.T) {
	// One worker makes execution sequential, so the failure of the first
	// spec must prevent the remaining ones from starting.
	h := newBatchHarness(t, &Config{Workers: 1, StopOnFailure: true, RunID: "ab12cd34"}, 0)

	w := &stubWorkload{failOn: map[string]bool{"bench0": true}}
	specs := makeSpecs(t, w, "ab12cd34", 3)

	results, ok := h.sched.RunBatch(context.Background(), specs)

	assert.False(t, ok)
	require.Len(t, results, 3)

	skipped := 0
	for _, res := range results {
		if res.Skipped {
			skipped++
		}
	}

	assert.Equal(t, 2, skipped)
	assert.True(t, h.flag.IsSet())
	assert.Equal(t, []string{"bench0"}, w.runs)
}

func TestScheduler_CancelledContextAborts(t *testing.T) {
	h := newBatchHarness(t, &Config{Workers: 1, RunID: "ab12cd34"}, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	w := &stubWorkload{}
	specs := makeSpecs(t, w, "ab12cd34", 2)

	results, ok := h.sched.RunBatch(ctx, specs)

	assert.False(t, ok)

	for _, res := range results {
		assert.True(t, res.Skipped)
	}

	assert.True(t, h.flag.IsSet())
}

func TestScheduler_ConcurrentRunIDsDoNotCollide(t *testing.T) {
	h := newBatchHarness(t, &Config{Workers: 2, RunID: "base1234"}, 0)

	w := &stubWorkload{}
	specs := makeSpecs(t, w, "base1234", 3)

	_, ok := h.sched.RunBatch(context.Background(), specs)
	require.True(t, ok)

	ids := map[string]bool{}
	for _, sp := range specs {
		ids[sp.ResourceRunID()] = true

		// The run identifier itself is never suffixed.
		assert.Equal(t, "base1234", sp.RunID())
	}

	// Each spec named its resources under the batch identifier suffixed
	// with its sequence number.
	assert.Len(t, ids, 3)
	assert.True(t, ids["base12341"])
	assert.True(t, ids["base12342"])
	assert.True(t, ids["base12343"])

	// All checkpoints land under the batch identifier, so a later
	// teardown-only invocation with that identifier finds every spec.
	uids, err := h.store.List("base1234")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"bench0", "bench1", "bench2"}, uids)
}

func TestScheduler_SingleWorkerKeepsRunID(t *testing.T) {
	h := newBatchHarness(t, &Config{Workers: 1, RunID: "base1234"}, 0)

	w := &stubWorkload{}
	specs := makeSpecs(t, w, "base1234", 2)

	_, ok := h.sched.RunBatch(context.Background(), specs)
	require.True(t, ok)

	for _, sp := range specs {
		assert.Equal(t, "base1234", sp.RunID())
		assert.Equal(t, "base1234", sp.ResourceRunID())
	}
}

func TestScheduler_FailedSpecStillReturnsSamples(t *testing.T) {
	h := newBatchHarness(t, &Config{Workers: 1, RunID: "ab12cd34"}, 0)

	// Fails on the only spec, but runtime samples gathered before the
	// failure still come back for publication.
	w := &stubWorkload{failOn: map[string]bool{"bench0": true}}
	specs := makeSpecs(t, w, "ab12cd34", 1)

	results, ok := h.sched.RunBatch(context.Background(), specs)

	assert.False(t, ok)
	require.Len(t, results, 1)
	assert.Error(t, results[0].Err)
}
