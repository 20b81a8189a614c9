package worker

// ============================================================================
// Worker Pool Test File
// Purpose: Verify execution, failure handling, at-most-once and shutdown
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/ChuLiYu/statsrunner/internal/queue"
	"github.com/ChuLiYu/statsrunner/internal/registry"
	"github.com/ChuLiYu/statsrunner/internal/resultstore"
	"github.com/ChuLiYu/statsrunner/pkg/types"
)

// ============================================================================
// Test helpers
// ============================================================================

type harness struct {
	queue    *queue.Queue
	registry *registry.Registry
	store    *resultstore.FileStore
	pool     *Pool
}

func newHarness(t *testing.T, workers int, c Computer, opts ...Option) *harness {
	t.Helper()
	store, err := resultstore.NewFileStore(t.TempDir())
	require.NoError(t, err)
	return newHarnessWithSaver(t, workers, c, store, store, opts...)
}

func newHarnessWithSaver(t *testing.T, workers int, c Computer, saver ResultSaver, store *resultstore.FileStore, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		queue:    queue.New(),
		registry: registry.New(),
		store:    store,
	}
	pool, err := NewPool(Config{WorkerCount: workers, MaxWorkers: workers}, h.queue, h.registry, saver, c, opts...)
	require.NoError(t, err)
	h.pool = pool

	t.Cleanup(func() {
		h.queue.Drain(workers)
		if !pool.WaitTimeout(5 * time.Second) {
			t.Error("workers did not exit")
		}
	})
	return h
}

func (h *harness) submit(t *testing.T, id int64, payload types.Payload) {
	t.Helper()
	require.NoError(t, h.queue.Enqueue(types.Task{ID: types.JobID(id), Payload: payload, Selector: "test"}))
}

// shutdown drains the queue and waits for every worker to exit.
func (h *harness) shutdown(t *testing.T) {
	t.Helper()
	h.queue.Drain(h.pool.Size())
	require.True(t, h.pool.WaitTimeout(5*time.Second), "workers did not exit")
}

func echoComputer() Computer {
	return ComputerFunc(func(ctx context.Context, payload types.Payload, selector types.Selector) (any, error) {
		return payload, nil
	})
}

type failingSaver struct{}

func (failingSaver) Save(context.Context, types.Record) error {
	return errors.New("disk full")
}

type countingRecorder struct {
	dispatched    atomic.Int64
	completed     atomic.Int64
	errors        atomic.Int64
	persistFailed atomic.Int64
}

func (r *countingRecorder) RecordDispatch() { r.dispatched.Add(1) }
func (r *countingRecorder) RecordCompleted(outcome types.Outcome, _ float64) {
	r.completed.Add(1)
	if outcome == types.OutcomeError {
		r.errors.Add(1)
	}
}
func (r *countingRecorder) RecordPersistFailed() { r.persistFailed.Add(1) }

// ============================================================================
// Configuration
// ============================================================================

func TestNewPoolValidatesConfig(t *testing.T) {
	q, reg := queue.New(), registry.New()
	store, err := resultstore.NewFileStore(t.TempDir())
	require.NoError(t, err)

	tests := []struct {
		name string
		cfg  Config
	}{
		{"zero workers", Config{WorkerCount: 0, MaxWorkers: 4}},
		{"above max", Config{WorkerCount: 5, MaxWorkers: 4}},
		{"negative max", Config{WorkerCount: 1, MaxWorkers: -1}},
		{"negative timeout", Config{WorkerCount: 1, MaxWorkers: 1, TaskTimeout: -time.Second}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewPool(tt.cfg, q, reg, store, echoComputer())
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}

	_, err = NewPool(Config{WorkerCount: 1, MaxWorkers: 1}, q, reg, store, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, cfg.MaxWorkers, cfg.WorkerCount)
}

// ============================================================================
// Execution
// ============================================================================

func TestPoolExecutesTasks(t *testing.T) {
	h := newHarness(t, 2, echoComputer())
	assert.Equal(t, 2, h.pool.Size())

	const n = 10
	for i := int64(1); i <= n; i++ {
		h.submit(t, i, types.Payload{"index": i})
	}
	h.shutdown(t)

	for i := int64(1); i <= n; i++ {
		id := types.JobID(i)
		assert.Equal(t, types.StatusDone, h.registry.Status(id))

		rec, err := h.store.Load(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, types.OutcomeOK, rec.Outcome)
		assert.JSONEq(t, fmt.Sprintf(`{"index": %d}`, i), string(rec.Value))
	}
	assert.Equal(t, 0, h.queue.Pending())
	assert.Equal(t, 0, h.pool.Busy())
}

func TestComputeErrorIsStoredAndJobIsDone(t *testing.T) {
	h := newHarness(t, 1, ComputerFunc(func(context.Context, types.Payload, types.Selector) (any, error) {
		return nil, errors.New("no data for question")
	}))

	h.submit(t, 1, nil)
	h.shutdown(t)

	assert.Equal(t, types.StatusDone, h.registry.Status(1))
	rec, err := h.store.Load(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, rec.Failed())
	assert.Equal(t, "no data for question", rec.Error)
}

func TestComputePanicIsRecovered(t *testing.T) {
	h := newHarness(t, 1, ComputerFunc(func(_ context.Context, p types.Payload, _ types.Selector) (any, error) {
		if p["boom"] == true {
			panic("index out of range")
		}
		return "fine", nil
	}))

	h.submit(t, 1, types.Payload{"boom": true})
	h.submit(t, 2, types.Payload{})
	h.shutdown(t)

	rec, err := h.store.Load(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, rec.Failed())
	assert.Contains(t, rec.Error, "index out of range")

	// The worker survived the panic and handled the next task.
	rec, err = h.store.Load(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, `"fine"`, string(rec.Value))
}

func TestUnencodableResultBecomesErrorRecord(t *testing.T) {
	h := newHarness(t, 1, ComputerFunc(func(context.Context, types.Payload, types.Selector) (any, error) {
		return make(chan int), nil
	}))

	h.submit(t, 1, nil)
	h.shutdown(t)

	rec, err := h.store.Load(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, rec.Failed())
	assert.Contains(t, rec.Error, "encode result")
}

func TestSaveFailureMarksJobFailed(t *testing.T) {
	rec := &countingRecorder{}
	store, err := resultstore.NewFileStore(t.TempDir())
	require.NoError(t, err)
	h := newHarnessWithSaver(t, 1, echoComputer(), failingSaver{}, store, WithRecorder(rec))

	h.submit(t, 1, nil)
	h.shutdown(t)

	assert.Equal(t, types.StatusFailed, h.registry.Status(1))
	assert.Equal(t, int64(1), rec.persistFailed.Load())
	assert.Equal(t, int64(0), rec.completed.Load())
}

func TestTaskTimeoutIsComputationError(t *testing.T) {
	q, reg := queue.New(), registry.New()
	store, err := resultstore.NewFileStore(t.TempDir())
	require.NoError(t, err)

	slow := ComputerFunc(func(ctx context.Context, _ types.Payload, _ types.Selector) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	pool, err := NewPool(Config{WorkerCount: 1, MaxWorkers: 1, TaskTimeout: 10 * time.Millisecond}, q, reg, store, slow)
	require.NoError(t, err)

	require.NoError(t, q.Enqueue(types.Task{ID: 1}))
	q.Drain(1)
	require.True(t, pool.WaitTimeout(5*time.Second))

	rec, err := store.Load(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, rec.Failed())
	assert.Contains(t, rec.Error, "deadline exceeded")
	assert.Equal(t, types.StatusDone, reg.Status(1))
}

// ============================================================================
// Concurrency
// ============================================================================

// TestAtMostOnceExecution submits many tasks to many workers and checks
// that every id reached the computer exactly once.
func TestAtMostOnceExecution(t *testing.T) {
	var mu sync.Mutex
	seen := make(map[types.JobID]int)
	c := ComputerFunc(func(_ context.Context, p types.Payload, _ types.Selector) (any, error) {
		id := p["id"].(types.JobID)
		mu.Lock()
		seen[id]++
		mu.Unlock()
		return nil, nil
	})

	h := newHarness(t, 8, c)
	const n = 200
	var wg sync.WaitGroup
	for i := int64(1); i <= n; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			assert.NoError(t, h.queue.Enqueue(types.Task{ID: types.JobID(id), Payload: types.Payload{"id": types.JobID(id)}}))
		}(i)
	}
	wg.Wait()
	h.shutdown(t)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, n)
	for id, count := range seen {
		assert.Equal(t, 1, count, "job %d executed %d times", id, count)
	}
	assert.Equal(t, n, h.registry.Counts()[types.StatusDone])
}

func TestDuplicateDispatchIsSkipped(t *testing.T) {
	var calls atomic.Int64
	h := newHarness(t, 1, ComputerFunc(func(context.Context, types.Payload, types.Selector) (any, error) {
		calls.Add(1)
		return nil, nil
	}))

	// Pretend id 1 was already handed to a worker.
	require.NoError(t, h.registry.MarkRunning(1))
	h.submit(t, 1, nil)
	h.shutdown(t)

	assert.Equal(t, int64(0), calls.Load())
	_, err := h.store.Load(context.Background(), 1)
	assert.ErrorIs(t, err, resultstore.ErrNotFound)
}

func TestBusyTracksWorkersHoldingTasks(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 2)
	h := newHarness(t, 2, ComputerFunc(func(context.Context, types.Payload, types.Selector) (any, error) {
		started <- struct{}{}
		<-release
		return nil, nil
	}))

	for i := int64(1); i <= 3; i++ {
		h.submit(t, i, nil)
	}
	<-started
	<-started

	assert.Equal(t, 2, h.pool.Busy())
	assert.Equal(t, 3, h.queue.Pending())
	assert.Equal(t, types.StatusRunning, h.registry.Status(1))

	close(release)
	h.shutdown(t)
	assert.Equal(t, 0, h.pool.Busy())
	assert.Equal(t, 0, h.queue.Pending())
}

// ============================================================================
// Graceful Shutdown
// ============================================================================

// TestDrainFinishesQueuedTasks verifies that tasks queued before Drain all
// run before the workers exit.
func TestDrainFinishesQueuedTasks(t *testing.T) {
	h := newHarness(t, 4, ComputerFunc(func(context.Context, types.Payload, types.Selector) (any, error) {
		time.Sleep(time.Millisecond)
		return 1, nil
	}))

	for i := int64(1); i <= 50; i++ {
		h.submit(t, i, nil)
	}
	h.queue.Drain(h.pool.Size())

	select {
	case <-h.pool.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not finish")
	}
	assert.Equal(t, 50, h.registry.Counts()[types.StatusDone])
}

func TestWaitTimeoutWithoutDrain(t *testing.T) {
	h := newHarness(t, 1, echoComputer())
	assert.False(t, h.pool.WaitTimeout(20*time.Millisecond))
}

// ============================================================================
// Observability
// ============================================================================

func TestRecorderAndSpans(t *testing.T) {
	spans := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	rec := &countingRecorder{}

	h := newHarness(t, 1, ComputerFunc(func(_ context.Context, p types.Payload, _ types.Selector) (any, error) {
		if p["fail"] == true {
			return nil, errors.New("bad question")
		}
		return 1, nil
	}), WithRecorder(rec), WithTracer(tp.Tracer("test")))

	h.submit(t, 1, nil)
	h.submit(t, 2, types.Payload{"fail": true})
	h.shutdown(t)

	assert.Equal(t, int64(2), rec.dispatched.Load())
	assert.Equal(t, int64(2), rec.completed.Load())
	assert.Equal(t, int64(1), rec.errors.Load())

	ended := spans.Ended()
	require.Len(t, ended, 2)
	for _, s := range ended {
		assert.Equal(t, "job.execute", s.Name())
	}
}

// ============================================================================
// Benchmark Tests
// ============================================================================

func BenchmarkPoolThroughput(b *testing.B) {
	q, reg := queue.New(), registry.New()
	store, err := resultstore.NewFileStore(b.TempDir())
	if err != nil {
		b.Fatal(err)
	}
	pool, err := NewPool(Config{WorkerCount: 8, MaxWorkers: 8}, q, reg, store, echoComputer())
	if err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		q.Enqueue(types.Task{ID: types.JobID(i + 1), Payload: types.Payload{"i": i}})
	}
	q.Drain(pool.Size())
	pool.Wait()
}
