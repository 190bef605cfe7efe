package bus

import (
	"fmt"
	"sync"
)

// queueDepth is the per-receiver backlog before messages are dropped.
const queueDepth = 1024

// hub routes inproc:// traffic inside one process.
type hub struct {
	mu      sync.Mutex
	subs    map[string]map[*inprocReceiver]struct{}
	pullers map[string]*inprocReceiver
}

var defaultHub = &hub{
	subs:    make(map[string]map[*inprocReceiver]struct{}),
	pullers: make(map[string]*inprocReceiver),
}

// inprocReceiver drains its queue on one goroutine so the handler never runs
// concurrently with itself. Close does not wait for an in-flight handler, so
// a handler may close its own receiver.
type inprocReceiver struct {
	h      *hub
	url    string
	pull   bool
	queue  chan []byte
	done   chan struct{}
	closed sync.Once
}

func newInprocReceiver(h *hub, url string, pull bool, handler Handler) *inprocReceiver {
	r := &inprocReceiver{
		h:     h,
		url:   url,
		pull:  pull,
		queue: make(chan []byte, queueDepth),
		done:  make(chan struct{}),
	}
	go func() {
		for {
			select {
			case msg := <-r.queue:
				handler(msg)
			case <-r.done:
				return
			}
		}
	}()
	return r
}

func (r *inprocReceiver) URL() string { return r.url }

// offer enqueues msg without blocking; false means it was dropped.
func (r *inprocReceiver) offer(msg []byte) bool {
	select {
	case <-r.done:
		return false
	default:
	}
	cp := make([]byte, len(msg))
	copy(cp, msg)
	select {
	case r.queue <- cp:
		return true
	default:
		return false
	}
}

func (r *inprocReceiver) Close() error {
	r.closed.Do(func() {
		r.h.mu.Lock()
		if r.pull {
			if r.h.pullers[r.url] == r {
				delete(r.h.pullers, r.url)
			}
		} else if set := r.h.subs[r.url]; set != nil {
			delete(set, r)
			if len(set) == 0 {
				delete(r.h.subs, r.url)
			}
		}
		r.h.mu.Unlock()
		close(r.done)
	})
	return nil
}

func (h *hub) subscribe(ep endpoint, handler Handler) *inprocReceiver {
	r := newInprocReceiver(h, ep.raw, false, handler)
	h.mu.Lock()
	set := h.subs[ep.raw]
	if set == nil {
		set = make(map[*inprocReceiver]struct{})
		h.subs[ep.raw] = set
	}
	set[r] = struct{}{}
	h.mu.Unlock()
	return r
}

func (h *hub) pull(ep endpoint, handler Handler) (*inprocReceiver, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, busy := h.pullers[ep.raw]; busy {
		return nil, fmt.Errorf("bus: %s already bound", ep.raw)
	}
	r := newInprocReceiver(h, ep.raw, true, handler)
	h.pullers[ep.raw] = r
	return r, nil
}

type inprocSender struct {
	h      *hub
	url    string
	pub    bool
	mu     sync.Mutex
	closed bool
}

func (h *hub) publisher(ep endpoint) *inprocSender {
	return &inprocSender{h: h, url: ep.raw, pub: true}
}

func (h *hub) pusher(ep endpoint) *inprocSender {
	return &inprocSender{h: h, url: ep.raw}
}

func (s *inprocSender) URL() string { return s.url }

func (s *inprocSender) Send(msg []byte) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}

	s.h.mu.Lock()
	if !s.pub {
		r := s.h.pullers[s.url]
		s.h.mu.Unlock()
		if r == nil {
			return fmt.Errorf("%w: %s", ErrNoPeer, s.url)
		}
		if !r.offer(msg) {
			return fmt.Errorf("%w: %s queue full", ErrNoPeer, s.url)
		}
		return nil
	}
	targets := make([]*inprocReceiver, 0, len(s.h.subs[s.url]))
	for r := range s.h.subs[s.url] {
		targets = append(targets, r)
	}
	s.h.mu.Unlock()

	for _, r := range targets {
		r.offer(msg)
	}
	return nil
}

func (s *inprocSender) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
