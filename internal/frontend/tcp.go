package frontend

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"

	"github.com/ChuLiYu/stackflow/internal/metrics"
)

// Com ids handed to TCP connections.
const (
	DefaultFirstComPort = 8000
	MaxComPort          = 65535
)

// TCPConfig configures the TCP front-end.
type TCPConfig struct {
	// Addr is the listen address, e.g. ":10001".
	Addr string
	// FirstComPort is the first com id; ids wrap back to it after
	// MaxComPort.
	FirstComPort int
	URLFormat    string
}

// TCPServer runs one Line per accepted connection.
type TCPServer struct {
	cfg TCPConfig
	d   Dispatcher
	m   *metrics.Collector

	next atomic.Int64

	mu     sync.Mutex
	ln     net.Listener
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// NewTCPServer creates an unstarted server.
func NewTCPServer(cfg TCPConfig, d Dispatcher, m *metrics.Collector) *TCPServer {
	if cfg.FirstComPort <= 0 || cfg.FirstComPort > MaxComPort {
		cfg.FirstComPort = DefaultFirstComPort
	}
	s := &TCPServer{cfg: cfg, d: d, m: m, conns: make(map[net.Conn]struct{})}
	s.next.Store(int64(cfg.FirstComPort))
	return s
}

// Listen binds the listen address.
func (s *TCPServer) Listen() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		ln.Close()
		return ErrClosed
	}
	s.ln = ln
	log.Info("tcp server listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *TCPServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Serve accepts connections until Close. It returns nil after Close.
func (s *TCPServer) Serve() error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return errors.New("frontend: Serve before Listen")
	}
	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			return err
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return nil
		}
		s.conns[conn] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()
		go s.handle(conn)
	}
}

// nextComID hands out com ids from FirstComPort up to MaxComPort and wraps.
func (s *TCPServer) nextComID() int {
	for {
		cur := s.next.Load()
		nxt := cur + 1
		if nxt > MaxComPort {
			nxt = int64(s.cfg.FirstComPort)
		}
		if s.next.CompareAndSwap(cur, nxt) {
			return int(cur)
		}
	}
}

func (s *TCPServer) handle(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	line, err := NewLine(LineConfig{
		ComID:      s.nextComID(),
		URLFormat:  s.cfg.URLFormat,
		Writer:     conn,
		Dispatcher: s.d,
		Metrics:    s.m,
	})
	if err != nil {
		log.Error("line setup failed", "remote", conn.RemoteAddr().String(), "error", err)
		return
	}
	defer line.Close()

	log.Info("client connected", "remote", conn.RemoteAddr().String(), "com", line.ComID())
	if err := line.ReadFrom(conn); err != nil {
		log.Debug("client read ended", "com", line.ComID(), "error", err)
	}
	log.Info("client disconnected", "com", line.ComID())
}

// Close stops accepting, drops every connection and waits for their lines.
func (s *TCPServer) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var err error
	if s.ln != nil {
		err = s.ln.Close()
	}
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	return err
}
