package worker

import (
	"context"
	"time"
)

// Func is the body of a task. The returned value is carried back in Result.
type Func func(ctx context.Context) (any, error)

// Task is one unit of work for the pool.
type Task struct {
	ID      string        // request id the task answers
	Payload any           // opaque reply context, returned untouched in Result
	Run     Func          // work to execute
	Timeout time.Duration // zero means no deadline
}

// Result is the outcome of one Task.
type Result struct {
	ID       string
	Payload  any
	Value    any
	Success  bool
	Error    error
	Duration time.Duration
}
