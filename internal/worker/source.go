// ============================================================================
// statsrunner Worker Collaborators
// ============================================================================
//
// Package: internal/worker
// File: source.go
// Purpose: Defines what the pool needs from the rest of the system.
//
// The pool never reaches into concrete packages; the controller wires:
//   - TaskSource  <- *queue.Queue
//   - StatusSink  <- *registry.Registry
//   - ResultSaver <- resultstore.Store
//   - Computer    <- *dataset.Computer
//   - Recorder    <- *metrics.Collector (optional)
//
// ============================================================================

package worker

import (
	"context"

	"github.com/ChuLiYu/statsrunner/pkg/types"
)

// TaskSource hands out tasks in FIFO order.
type TaskSource interface {
	// Dequeue blocks until a task or a stop marker is available.
	// ok=false means the worker must exit.
	Dequeue() (task types.Task, ok bool)

	// Ack reports that the last dequeued task is fully processed.
	Ack()
}

// StatusSink records job lifecycle transitions.
type StatusSink interface {
	MarkRunning(id types.JobID) error
	MarkDone(id types.JobID) error
	MarkFailed(id types.JobID) error
}

// ResultSaver persists one record per job.
type ResultSaver interface {
	Save(ctx context.Context, rec types.Record) error
}

// Computer runs the analytical work for a task. Implementations must be
// safe for concurrent use and must not touch pool state.
type Computer interface {
	Compute(ctx context.Context, payload types.Payload, selector types.Selector) (any, error)
}

// ComputerFunc adapts a plain function to Computer.
type ComputerFunc func(ctx context.Context, payload types.Payload, selector types.Selector) (any, error)

func (f ComputerFunc) Compute(ctx context.Context, payload types.Payload, selector types.Selector) (any, error) {
	return f(ctx, payload, selector)
}

// Recorder receives per-job metrics.
type Recorder interface {
	RecordDispatch()
	RecordCompleted(outcome types.Outcome, latencySeconds float64)
	RecordPersistFailed()
}

type nopRecorder struct{}

func (nopRecorder) RecordDispatch() {}
func (nopRecorder) RecordCompleted(types.Outcome, float64) {}
func (nopRecorder) RecordPersistFailed() {}
