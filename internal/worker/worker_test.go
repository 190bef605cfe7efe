package worker

// ============================================================================
// Worker Pool Test File
// Purpose: Verify concurrent execution, timeout mechanism, graceful shutdown
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoTask(id string, d time.Duration) Task {
	return Task{
		ID:      id,
		Payload: "reply-to-" + id,
		Timeout: time.Second,
		Run: func(ctx context.Context) (any, error) {
			select {
			case <-time.After(d):
				return id, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}
}

// ============================================================================
// Basic Functionality Tests
// ============================================================================

func TestNewPool(t *testing.T) {
	pool := NewPool(10)
	assert.NotNil(t, pool)
	assert.Equal(t, 0, pool.GetWorkerCount())
	assert.False(t, pool.IsStarted())
}

func TestPoolStart(t *testing.T) {
	pool := NewPool(10)

	err := pool.Start(8)
	require.NoError(t, err)
	assert.Equal(t, 8, pool.GetWorkerCount())
	assert.True(t, pool.IsStarted())

	// Try to start again
	err = pool.Start(4)
	assert.Error(t, err)

	pool.Stop()
}

func TestWorkerExecution(t *testing.T) {
	pool := NewPool(10)
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	taskCount := 10
	for i := 0; i < taskCount; i++ {
		require.NoError(t, pool.Submit(echoTask(fmt.Sprintf("task-%d", i), time.Millisecond)))
	}

	results := make(map[string]Result)
	for i := 0; i < taskCount; i++ {
		result, err := pool.ReceiveResult()
		require.NoError(t, err)
		results[result.ID] = result
	}

	require.Len(t, results, taskCount)
	r := results["task-3"]
	assert.True(t, r.Success)
	assert.Equal(t, "task-3", r.Value)
	assert.Equal(t, "reply-to-task-3", r.Payload, "payload travels with the result")
}

func TestTimeout(t *testing.T) {
	pool := NewPool(10)
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	task := echoTask("slow", time.Second)
	task.Timeout = time.Millisecond
	require.NoError(t, pool.Submit(task))

	result, err := pool.ReceiveResult()
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.ErrorIs(t, result.Error, context.DeadlineExceeded)
}

func TestTaskError(t *testing.T) {
	pool := NewPool(1)
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	boom := errors.New("boom")
	require.NoError(t, pool.Submit(Task{ID: "e", Run: func(context.Context) (any, error) { return nil, boom }}))
	result, err := pool.ReceiveResult()
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.ErrorIs(t, result.Error, boom)
}

func TestTaskPanicBecomesError(t *testing.T) {
	pool := NewPool(2)
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	require.NoError(t, pool.Submit(Task{ID: "p", Run: func(context.Context) (any, error) { panic("bad") }}))
	result, err := pool.ReceiveResult()
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error.Error(), "panic")

	// The worker survives.
	require.NoError(t, pool.Submit(echoTask("after", 0)))
	result, err = pool.ReceiveResult()
	require.NoError(t, err)
	assert.True(t, result.Success)
}

func TestTaskWithoutFunc(t *testing.T) {
	pool := NewPool(1)
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	require.NoError(t, pool.Submit(Task{ID: "nil"}))
	result, err := pool.ReceiveResult()
	require.NoError(t, err)
	assert.ErrorIs(t, result.Error, ErrNoFunc)
}

// ============================================================================
// Concurrency Tests
// ============================================================================

func TestConcurrency(t *testing.T) {
	pool := NewPool(100)
	workerCount := 8
	taskCount := 80
	require.NoError(t, pool.Start(workerCount))
	defer pool.Stop()

	start := time.Now()
	for i := 0; i < taskCount; i++ {
		require.NoError(t, pool.Submit(echoTask(fmt.Sprintf("task-%d", i), 20*time.Millisecond)))
	}
	for i := 0; i < taskCount; i++ {
		result, err := pool.ReceiveResult()
		require.NoError(t, err)
		assert.True(t, result.Success)
	}

	// Serial execution would take 1.6s.
	assert.Less(t, time.Since(start), time.Second)
}

func TestConcurrentSubmit(t *testing.T) {
	pool := NewPool(100)
	require.NoError(t, pool.Start(4))
	defer pool.Stop()

	taskCount := 50
	var wg sync.WaitGroup
	wg.Add(taskCount)
	for i := 0; i < taskCount; i++ {
		go func(index int) {
			defer wg.Done()
			assert.NoError(t, pool.Submit(echoTask(fmt.Sprintf("task-%d", index), 0)))
		}(i)
	}
	wg.Wait()

	for i := 0; i < taskCount; i++ {
		_, err := pool.ReceiveResult()
		require.NoError(t, err)
	}
}

// ============================================================================
// Graceful Shutdown Tests
// ============================================================================

func TestGracefulShutdown(t *testing.T) {
	pool := NewPool(50)
	require.NoError(t, pool.Start(4))

	for i := 0; i < 50; i++ {
		require.NoError(t, pool.Submit(echoTask(fmt.Sprintf("task-%d", i), 5*time.Millisecond)))
	}
	for i := 0; i < 10; i++ {
		_, err := pool.ReceiveResult()
		require.NoError(t, err)
	}

	goroutinesBefore := runtime.NumGoroutine()
	pool.Stop()
	time.Sleep(100 * time.Millisecond)
	assert.LessOrEqual(t, runtime.NumGoroutine(), goroutinesBefore)
}

func TestStopBeforeStart(t *testing.T) {
	pool := NewPool(10)
	assert.NotPanics(t, func() { pool.Stop() })
}

func TestSubmitAfterStop(t *testing.T) {
	pool := NewPool(10)
	require.NoError(t, pool.Start(2))
	pool.Stop()

	err := pool.Submit(echoTask("late", 0))
	assert.Equal(t, ErrPoolClosed, err)
}

func TestSubmitRacingStop(t *testing.T) {
	for i := 0; i < 20; i++ {
		pool := NewPool(1)
		require.NoError(t, pool.Start(1))
		var wg sync.WaitGroup
		for j := 0; j < 4; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for k := 0; k < 10; k++ {
					if err := pool.Submit(echoTask("r", 0)); err != nil {
						assert.Equal(t, ErrPoolClosed, err)
						return
					}
				}
			}()
		}
		assert.NotPanics(t, pool.Stop)
		wg.Wait()
	}
}

func TestSubmitBeforeStart(t *testing.T) {
	pool := NewPool(10)
	err := pool.Submit(echoTask("early", 0))
	assert.Equal(t, ErrPoolNotStarted, err)
}

func TestReceiveResultAfterStop(t *testing.T) {
	pool := NewPool(10)
	require.NoError(t, pool.Start(2))
	pool.Stop()

	_, err := pool.ReceiveResult()
	assert.Equal(t, ErrPoolClosed, err)
}

// ============================================================================
// Worker Behavior Tests
// ============================================================================

func TestWorkerExecuteExpiredContext(t *testing.T) {
	w := &Worker{id: 1}
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	time.Sleep(10 * time.Millisecond)

	_, err := w.execute(ctx, func(context.Context) (any, error) { return "never", nil })
	assert.Equal(t, context.DeadlineExceeded, err)
}

// ============================================================================
// Benchmark Tests
// ============================================================================

func BenchmarkPoolThroughput(b *testing.B) {
	pool := NewPool(1000)
	pool.Start(8)
	defer pool.Stop()

	go func() {
		for {
			if _, err := pool.ReceiveResult(); err != nil {
				return
			}
		}
	}()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		pool.Submit(echoTask("bench", 0))
	}
}
