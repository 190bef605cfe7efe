package stackflow

import (
	"time"

	"github.com/google/uuid"
)

type repeatEntry struct {
	interval time.Duration
	fn       func() bool
}

// RepeatEvent registers fn to run on the dispatcher every interval for as long
// as it returns true. With now set the first run is queued immediately,
// otherwise after one interval. An interval of zero re-queues the callback
// right after each run. The returned id can be passed to StopRepeat.
func (sf *StackFlow) RepeatEvent(interval time.Duration, fn func() bool, now bool) string {
	id := uuid.NewString()

	sf.repeatMu.Lock()
	sf.repeats[id] = repeatEntry{interval: interval, fn: fn}
	sf.repeatMu.Unlock()

	if now {
		sf.enqueue(Event{Kind: EventRepeat, RepeatID: id})
	} else {
		sf.scheduleRepeat(id, interval)
	}
	return id
}

// StopRepeat removes a repeat entry. A run already queued becomes a no-op.
func (sf *StackFlow) StopRepeat(id string) {
	sf.repeatMu.Lock()
	delete(sf.repeats, id)
	sf.repeatMu.Unlock()
}

// Repeats returns the number of registered repeat entries.
func (sf *StackFlow) Repeats() int {
	sf.repeatMu.Lock()
	defer sf.repeatMu.Unlock()
	return len(sf.repeats)
}

func (sf *StackFlow) scheduleRepeat(id string, interval time.Duration) {
	if interval <= 0 {
		sf.enqueue(Event{Kind: EventRepeat, RepeatID: id})
		return
	}
	time.AfterFunc(interval, func() {
		sf.enqueue(Event{Kind: EventRepeat, RepeatID: id})
	})
}

// runRepeat looks the callback up under the lock and invokes it outside, so a
// callback may register or stop repeats itself.
func (sf *StackFlow) runRepeat(id string) {
	sf.repeatMu.Lock()
	entry, ok := sf.repeats[id]
	sf.repeatMu.Unlock()
	if !ok {
		return
	}

	again := false
	func() {
		defer func() {
			if r := recover(); r != nil {
				sf.opts.Metrics.RecordHookPanic()
				sf.log.Error("repeat callback panicked", "id", id, "panic", r)
			}
		}()
		again = entry.fn()
	}()

	if !again {
		sf.StopRepeat(id)
		return
	}
	sf.repeatMu.Lock()
	_, still := sf.repeats[id]
	sf.repeatMu.Unlock()
	if still {
		sf.scheduleRepeat(id, entry.interval)
	}
}
