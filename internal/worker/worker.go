// ============================================================================
// StackFlow Worker - task execution unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Purpose: One goroutine that executes pool tasks.
//
// Loop:
//   1. Receive a task from taskCh (blocking)
//   2. Run it under its own context, with a deadline when Timeout > 0
//   3. Send the Result to resultCh, or drop it once the pool is stopping
//   4. Repeat until stopCh is closed
//
// A panicking task is turned into a failed Result so one bad command cannot
// take a worker down with it.
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNoFunc is reported for a task submitted without a Run function.
var ErrNoFunc = errors.New("worker: task has no function")

// Worker executes tasks from the shared task channel.
type Worker struct {
	id       int
	taskCh   <-chan Task
	resultCh chan<- Result
	stopCh   <-chan struct{}
}

func newWorker(id int, taskCh <-chan Task, resultCh chan<- Result, stopCh <-chan struct{}) *Worker {
	return &Worker{
		id:       id,
		taskCh:   taskCh,
		resultCh: resultCh,
		stopCh:   stopCh,
	}
}

// Run is the worker main loop.
func (w *Worker) Run() {
	for {
		var task Task
		select {
		case task = <-w.taskCh:
		case <-w.stopCh:
			return
		}
		start := time.Now()

		ctx, cancel := context.Background(), context.CancelFunc(func() {})
		if task.Timeout > 0 {
			ctx, cancel = context.WithTimeout(ctx, task.Timeout)
		}
		value, err := w.execute(ctx, task.Run)
		cancel()

		result := Result{
			ID:       task.ID,
			Payload:  task.Payload,
			Value:    value,
			Success:  err == nil,
			Error:    err,
			Duration: time.Since(start),
		}

		select {
		case w.resultCh <- result:
		case <-w.stopCh:
		}
	}
}

// execute runs fn and converts a panic into an error. A context that expires
// before fn returns wins, so callers get DeadlineExceeded for slow tasks.
func (w *Worker) execute(ctx context.Context, fn Func) (value any, err error) {
	if fn == nil {
		return nil, ErrNoFunc
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error("task panicked", "worker", w.id, "panic", r)
				done <- outcome{err: fmt.Errorf("worker: task panic: %v", r)}
			}
		}()
		v, err := fn(ctx)
		done <- outcome{value: v, err: err}
	}()

	select {
	case o := <-done:
		return o.value, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
