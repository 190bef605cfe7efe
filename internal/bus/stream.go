package bus

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"
)

var log = slog.With("component", "bus")

const (
	dialTimeout  = 2 * time.Second
	writeTimeout = 2 * time.Second
	minBackoff   = 50 * time.Millisecond
	maxBackoff   = time.Second
)

// ============================================================================
// Framing: uint32 big-endian length followed by the payload
// ============================================================================

func writeFrame(w io.Writer, msg []byte) error {
	if len(msg) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(msg))
	}
	buf := make([]byte, 4+len(msg))
	binary.BigEndian.PutUint32(buf, uint32(len(msg)))
	copy(buf[4:], msg)
	_, err := w.Write(buf)
	return err
}

func readFrame(r *bufio.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	msg := make([]byte, n)
	if _, err := io.ReadFull(r, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func listen(ep endpoint) (net.Listener, error) {
	if ep.network == "unix" {
		if err := os.MkdirAll(filepath.Dir(ep.address), 0o755); err != nil {
			return nil, fmt.Errorf("bus: create socket dir: %w", err)
		}
		if err := os.Remove(ep.address); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("bus: remove stale socket: %w", err)
		}
	}
	l, err := net.Listen(ep.network, ep.address)
	if err != nil {
		return nil, fmt.Errorf("bus: bind %s: %w", ep.raw, err)
	}
	return l, nil
}

func unlinkSocket(ep endpoint) {
	if ep.network == "unix" {
		os.Remove(ep.address)
	}
}

// ============================================================================
// Publisher: bound listener, fan-out to every connected subscriber
// ============================================================================

type peerConn struct {
	mu   sync.Mutex
	conn net.Conn
}

type streamPublisher struct {
	ep       endpoint
	listener net.Listener

	mu     sync.Mutex
	peers  map[*peerConn]struct{}
	closed bool
}

func newStreamPublisher(ep endpoint) (*streamPublisher, error) {
	l, err := listen(ep)
	if err != nil {
		return nil, err
	}
	p := &streamPublisher{ep: ep, listener: l, peers: make(map[*peerConn]struct{})}
	go p.acceptLoop()
	return p, nil
}

func (p *streamPublisher) acceptLoop() {
	for {
		conn, err := p.listener.Accept()
		if err != nil {
			if !isExpectedClose(err) {
				log.Warn("publisher accept failed", "url", p.ep.raw, "error", err)
			}
			return
		}
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			conn.Close()
			return
		}
		pc := &peerConn{conn: conn}
		p.peers[pc] = struct{}{}
		p.mu.Unlock()

		// Subscribers never write; a read returning means the peer is gone.
		go func() {
			io.Copy(io.Discard, conn)
			p.drop(pc)
		}()
	}
}

func (p *streamPublisher) drop(pc *peerConn) {
	p.mu.Lock()
	delete(p.peers, pc)
	p.mu.Unlock()
	pc.conn.Close()
}

func (p *streamPublisher) URL() string { return p.ep.raw }

func (p *streamPublisher) Send(msg []byte) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	peers := make([]*peerConn, 0, len(p.peers))
	for pc := range p.peers {
		peers = append(peers, pc)
	}
	p.mu.Unlock()

	for _, pc := range peers {
		pc.mu.Lock()
		pc.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		err := writeFrame(pc.conn, msg)
		pc.mu.Unlock()
		if err != nil {
			p.drop(pc)
		}
	}
	return nil
}

func (p *streamPublisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	peers := p.peers
	p.peers = nil
	p.mu.Unlock()

	err := p.listener.Close()
	for pc := range peers {
		pc.conn.Close()
	}
	unlinkSocket(p.ep)
	return err
}

// ============================================================================
// Subscriber: reconnecting dialer
// ============================================================================

type streamSubscriber struct {
	ep      endpoint
	handler Handler

	mu     sync.Mutex
	conn   net.Conn
	done   chan struct{}
	closed bool
}

func newStreamSubscriber(ep endpoint, h Handler) *streamSubscriber {
	s := &streamSubscriber{ep: ep, handler: h, done: make(chan struct{})}
	go s.run()
	return s
}

func (s *streamSubscriber) run() {
	backoff := minBackoff
	for {
		conn, err := net.DialTimeout(s.ep.network, s.ep.address, dialTimeout)
		if err != nil {
			select {
			case <-s.done:
				return
			case <-time.After(backoff):
			}
			if backoff *= 2; backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = minBackoff

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conn = conn
		s.mu.Unlock()

		r := bufio.NewReader(conn)
		for {
			msg, err := readFrame(r)
			if err != nil {
				if !isExpectedClose(err) {
					log.Debug("subscriber read failed", "url", s.ep.raw, "error", err)
				}
				break
			}
			s.handler(msg)
		}
		conn.Close()

		select {
		case <-s.done:
			return
		default:
		}
	}
}

func (s *streamSubscriber) URL() string { return s.ep.raw }

func (s *streamSubscriber) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)
	if s.conn != nil {
		s.conn.Close()
	}
	return nil
}

// ============================================================================
// Puller: bound listener, every accepted pusher feeds one handler queue
// ============================================================================

type streamPuller struct {
	ep       endpoint
	listener net.Listener
	queue    chan []byte
	done     chan struct{}

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
}

func newStreamPuller(ep endpoint, h Handler) (*streamPuller, error) {
	l, err := listen(ep)
	if err != nil {
		return nil, err
	}
	p := &streamPuller{
		ep:       ep,
		listener: l,
		queue:    make(chan []byte, queueDepth),
		done:     make(chan struct{}),
		conns:    make(map[net.Conn]struct{}),
	}
	go func() {
		for {
			select {
			case msg := <-p.queue:
				h(msg)
			case <-p.done:
				return
			}
		}
	}()
	go p.acceptLoop()
	return p, nil
}

func (p *streamPuller) acceptLoop() {
	for {
		conn, err := p.listener.Accept()
		if err != nil {
			if !isExpectedClose(err) {
				log.Warn("puller accept failed", "url", p.ep.raw, "error", err)
			}
			return
		}
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			conn.Close()
			return
		}
		p.conns[conn] = struct{}{}
		p.mu.Unlock()
		go p.readLoop(conn)
	}
}

func (p *streamPuller) readLoop(conn net.Conn) {
	defer func() {
		p.mu.Lock()
		delete(p.conns, conn)
		p.mu.Unlock()
		conn.Close()
	}()
	r := bufio.NewReader(conn)
	for {
		msg, err := readFrame(r)
		if err != nil {
			if !isExpectedClose(err) {
				log.Debug("puller read failed", "url", p.ep.raw, "error", err)
			}
			return
		}
		select {
		case p.queue <- msg:
		case <-p.done:
			return
		}
	}
}

func (p *streamPuller) URL() string { return p.ep.raw }

func (p *streamPuller) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	conns := p.conns
	p.conns = nil
	p.mu.Unlock()

	close(p.done)
	err := p.listener.Close()
	for c := range conns {
		c.Close()
	}
	unlinkSocket(p.ep)
	return err
}

// ============================================================================
// Pusher: lazily dialed, redials once on a failed write
// ============================================================================

type streamPusher struct {
	ep     endpoint
	mu     sync.Mutex
	conn   net.Conn
	closed bool
}

func newStreamPusher(ep endpoint) *streamPusher {
	return &streamPusher{ep: ep}
}

func (p *streamPusher) URL() string { return p.ep.raw }

func (p *streamPusher) Send(msg []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		if p.conn == nil {
			p.conn, err = net.DialTimeout(p.ep.network, p.ep.address, dialTimeout)
			if err != nil {
				p.conn = nil
				return fmt.Errorf("%w: %s: %v", ErrNoPeer, p.ep.raw, err)
			}
		}
		p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err = writeFrame(p.conn, msg); err == nil {
			return nil
		}
		p.conn.Close()
		p.conn = nil
	}
	return fmt.Errorf("bus: push to %s: %w", p.ep.raw, err)
}

func (p *streamPusher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	if p.conn != nil {
		err := p.conn.Close()
		p.conn = nil
		return err
	}
	return nil
}
