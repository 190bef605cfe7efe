package stackflow

import (
	"sync"
)

// EventKind tags a queued event.
type EventKind int

const (
	EventNone EventKind = iota
	EventSetup
	EventPause
	EventWork
	EventExit
	EventLink
	EventUnlink
	EventTaskInfo
	EventSysInit
	EventRepeat
	EventCustom
)

var eventNames = [...]string{
	EventNone:     "NONE",
	EventSetup:    "SETUP",
	EventPause:    "PAUSE",
	EventWork:     "WORK",
	EventExit:     "EXIT",
	EventLink:     "LINK",
	EventUnlink:   "UNLINK",
	EventTaskInfo: "TASKINFO",
	EventSysInit:  "SYS_INIT",
	EventRepeat:   "REPEAT",
	EventCustom:   "CUSTOM",
}

func (k EventKind) String() string {
	if k < 0 || int(k) >= len(eventNames) {
		return "UNKNOWN"
	}
	return eventNames[k]
}

// Event is one queued unit of dispatcher work.
type Event struct {
	Kind EventKind
	// URL is the caller's return address for RPC-originated events.
	URL string
	// Body is the raw JSON request for RPC-originated events.
	Body string
	// RepeatID names the timer entry of a REPEAT event.
	RepeatID string
	// Fn is the closure of a CUSTOM event.
	Fn func()
}

// queue is an unbounded FIFO. push never blocks, so socket and timer
// goroutines can always hand work to the dispatcher.
type queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []Event
	closed bool
}

func newQueue() *queue {
	q := &queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push appends ev and reports whether it was accepted.
func (q *queue) push(ev Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.items = append(q.items, ev)
	q.cond.Signal()
	return true
}

// pop blocks until an event is available.
func (q *queue) pop() (Event, int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 {
		q.cond.Wait()
	}
	ev := q.items[0]
	q.items[0] = Event{}
	q.items = q.items[1:]
	return ev, len(q.items)
}

// close rejects further pushes. Queued events are still delivered.
func (q *queue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
