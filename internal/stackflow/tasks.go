package stackflow

import (
	"sort"
	"sync"
)

// Handle is a generation-checked reference to a task table slot. Callbacks
// running off the dispatcher hold a Handle instead of the task itself and
// resolve it when they fire; a task that has been removed (or replaced by a
// new task under the same ordinal) no longer resolves.
type Handle struct {
	Ordinal int
	gen     uint64
}

type slot[T any] struct {
	gen uint64
	val T
}

// TaskTable maps ordinals to unit-owned task state.
type TaskTable[T any] struct {
	mu    sync.RWMutex
	gen   uint64
	slots map[int]slot[T]
}

// NewTaskTable returns an empty table.
func NewTaskTable[T any]() *TaskTable[T] {
	return &TaskTable[T]{slots: make(map[int]slot[T])}
}

// Put stores v under ordinal, replacing any previous task, and returns a
// fresh handle.
func (t *TaskTable[T]) Put(ordinal int, v T) Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.gen++
	t.slots[ordinal] = slot[T]{gen: t.gen, val: v}
	return Handle{Ordinal: ordinal, gen: t.gen}
}

// Get returns the task under ordinal.
func (t *TaskTable[T]) Get(ordinal int) (T, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.slots[ordinal]
	return s.val, ok
}

// Resolve returns the task h refers to, if it is still the same task.
func (t *TaskTable[T]) Resolve(h Handle) (T, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.slots[h.Ordinal]
	if !ok || s.gen != h.gen {
		var zero T
		return zero, false
	}
	return s.val, true
}

// Handle returns the current handle for ordinal.
func (t *TaskTable[T]) Handle(ordinal int) (Handle, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.slots[ordinal]
	if !ok {
		return Handle{}, false
	}
	return Handle{Ordinal: ordinal, gen: s.gen}, true
}

// Delete removes ordinal and returns what was stored there.
func (t *TaskTable[T]) Delete(ordinal int) (T, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.slots[ordinal]
	delete(t.slots, ordinal)
	return s.val, ok
}

// Len returns the number of live tasks.
func (t *TaskTable[T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.slots)
}

// Ordinals lists live ordinals in ascending order.
func (t *TaskTable[T]) Ordinals() []int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]int, 0, len(t.slots))
	for o := range t.slots {
		out = append(out, o)
	}
	sort.Ints(out)
	return out
}
