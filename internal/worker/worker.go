// ============================================================================
// statsrunner Worker - Task Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Long-lived goroutine that executes queued jobs one at a time
//
// Execution Model:
//   ┌──────────────────────────────────────────┐
//   │  Worker Goroutine                        │
//   │  for {                                   │
//   │    task, ok := source.Dequeue()          │
//   │    if !ok { return }      // stop marker │
//   │    MarkRunning -> compute -> Save        │
//   │    MarkDone | MarkFailed                 │
//   │    source.Ack()                          │
//   │  }                                       │
//   └──────────────────────────────────────────┘
//
// Error Handling:
//   - Computation error or panic: stored as an "error" record, job -> done
//   - Save failure: logged, job -> failed (terminal)
//   - MarkRunning failure: the id was already dispatched; the task is
//     skipped so a job never executes twice
//
// Timeout Control:
//   With Config.TaskTimeout > 0 each computation gets its own
//   context.WithTimeout; a timeout is an ordinary computation error.
//
// ============================================================================

package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ChuLiYu/statsrunner/pkg/types"
)

// ErrComputePanic wraps a panic recovered from a Computer.
var ErrComputePanic = errors.New("computation panicked")

// Worker represents a work execution unit
type Worker struct {
	id       int
	source   TaskSource
	sink     StatusSink
	saver    ResultSaver
	computer Computer
	timeout  time.Duration
	recorder Recorder
	tracer   trace.Tracer
	log      *slog.Logger

	busy atomic.Bool // holding a task between Dequeue and Ack
}

// Run is the main loop of Worker; it returns after receiving a stop marker.
func (w *Worker) Run() {
	w.log.Debug("worker started", "worker_id", w.id)
	for {
		task, ok := w.source.Dequeue()
		if !ok {
			w.log.Debug("worker stopped", "worker_id", w.id)
			return
		}

		w.busy.Store(true)
		w.process(task)
		w.busy.Store(false)
		w.source.Ack()
	}
}

// Busy reports whether the worker currently holds a task.
func (w *Worker) Busy() bool {
	return w.busy.Load()
}

func (w *Worker) process(task types.Task) {
	start := time.Now()
	ctx, span := w.tracer.Start(context.Background(), "job.execute",
		trace.WithAttributes(
			attribute.Int64("job.id", int64(task.ID)),
			attribute.String("job.selector", string(task.Selector)),
			attribute.Int("worker.id", w.id),
		))
	defer span.End()

	if err := w.sink.MarkRunning(task.ID); err != nil {
		// Already dispatched once; never run it again.
		w.log.ErrorContext(ctx, "refusing to run job twice", "job_id", task.ID, "worker_id", w.id, "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "duplicate dispatch")
		return
	}
	w.recorder.RecordDispatch()

	rec := w.execute(ctx, task)
	span.SetAttributes(attribute.String("job.outcome", string(rec.Outcome)))
	if rec.Failed() {
		w.log.WarnContext(ctx, "computation failed", "job_id", task.ID, "selector", task.Selector, "error", rec.Error)
	}

	if err := w.saver.Save(ctx, rec); err != nil {
		w.log.ErrorContext(ctx, "failed to persist result", "job_id", task.ID, "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "persist failed")
		w.recorder.RecordPersistFailed()
		if err := w.sink.MarkFailed(task.ID); err != nil {
			w.log.ErrorContext(ctx, "failed to mark job failed", "job_id", task.ID, "error", err)
		}
		return
	}

	if err := w.sink.MarkDone(task.ID); err != nil {
		w.log.ErrorContext(ctx, "failed to mark job done", "job_id", task.ID, "error", err)
		return
	}

	elapsed := time.Since(start)
	w.recorder.RecordCompleted(rec.Outcome, elapsed.Seconds())
	w.log.DebugContext(ctx, "job done", "job_id", task.ID, "outcome", rec.Outcome, "duration", elapsed)
}

// execute runs the computation and turns its outcome into a Record.
// Panics are converted into error records.
func (w *Worker) execute(ctx context.Context, task types.Task) (rec types.Record) {
	defer func() {
		if r := recover(); r != nil {
			rec = types.NewErrorRecord(task.ID, fmt.Errorf("%w: %v", ErrComputePanic, r))
		}
	}()

	if w.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}

	value, err := w.computer.Compute(ctx, task.Payload, task.Selector)
	if err != nil {
		return types.NewErrorRecord(task.ID, err)
	}

	data, err := json.Marshal(value)
	if err != nil {
		return types.NewErrorRecord(task.ID, fmt.Errorf("encode result: %w", err))
	}
	return types.NewOKRecord(task.ID, data)
}
