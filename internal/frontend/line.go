// ============================================================================
// StackFlow Front-ends - client lines
// ============================================================================
//
// Package: internal/frontend
// File: line.go
// Purpose: Turn a byte stream from a serial port or TCP connection into
//          framed requests for the broker, and write replies back.
//
// Data path:
//
//   transport ──Read──> Framer ──emit──> Dispatcher.Dispatch(comID, msg)
//   transport <──Write── puller at ComURLFormat % comID <── broker / units
//
// A framing error resets the framer and answers "reace reset" (code -1) on
// the transport, at most a few times per second.
//
// ============================================================================

package frontend

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ChuLiYu/stackflow/internal/bus"
	"github.com/ChuLiYu/stackflow/internal/framer"
	"github.com/ChuLiYu/stackflow/internal/metrics"
	"github.com/ChuLiYu/stackflow/pkg/types"
)

var log = slog.With("component", "frontend")

// ============================================================================
// Error definitions
// ============================================================================

var (
	// ErrUnsupported is returned when serial ports cannot be configured on
	// this platform.
	ErrUnsupported = errors.New("frontend: serial ports are not supported on this platform")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("frontend: closed")
)

// Dispatcher receives framed requests. *broker.Broker satisfies it.
type Dispatcher interface {
	Dispatch(comID int, msg []byte)
}

// resetBurst and resetEvery bound the "reace reset" replies of one line.
const (
	resetBurst = 3
	resetEvery = 200 * time.Millisecond
)

// LineConfig describes one client line.
type LineConfig struct {
	ComID      int
	URLFormat  string
	Writer     io.Writer
	Dispatcher Dispatcher
	Metrics    *metrics.Collector
	// MaxMessageSize overrides the framer's default when positive.
	MaxMessageSize int
}

// Line connects one transport to the broker.
type Line struct {
	comID int
	url   string
	d     Dispatcher
	m     *metrics.Collector

	feedMu sync.Mutex
	framer *framer.Framer
	resets *rate.Limiter

	wmu sync.Mutex
	w   io.Writer

	puller    bus.Receiver
	closeOnce sync.Once
}

// NewLine binds the line's reply puller.
func NewLine(cfg LineConfig) (*Line, error) {
	if cfg.Writer == nil || cfg.Dispatcher == nil {
		return nil, errors.New("frontend: line needs a writer and a dispatcher")
	}
	l := &Line{
		comID:  cfg.ComID,
		url:    fmt.Sprintf(cfg.URLFormat, cfg.ComID),
		d:      cfg.Dispatcher,
		m:      cfg.Metrics,
		framer: framer.New(),
		resets: rate.NewLimiter(rate.Every(resetEvery), resetBurst),
		w:      cfg.Writer,
	}
	l.framer.MaxMessageSize = cfg.MaxMessageSize

	puller, err := bus.NewPuller(l.url, func(msg []byte) {
		if err := l.Write(msg); err != nil {
			log.Debug("reply not written", "com", l.comID, "error", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("frontend: line %d: %w", cfg.ComID, err)
	}
	l.puller = puller
	l.m.LineOpened()
	log.Debug("line opened", "com", l.comID, "url", l.url)
	return l, nil
}

// ComID returns the line's com id.
func (l *Line) ComID() int { return l.comID }

// ComURL returns the URL replies for this line are pushed to.
func (l *Line) ComURL() string { return l.url }

// Write sends b on the transport.
func (l *Line) Write(b []byte) error {
	l.wmu.Lock()
	defer l.wmu.Unlock()
	_, err := l.w.Write(b)
	return err
}

// Feed frames p and dispatches every complete request.
func (l *Line) Feed(p []byte) {
	l.feedMu.Lock()
	defer l.feedMu.Unlock()

	err := l.framer.Feed(p, func(msg []byte) {
		l.m.RecordFrame()
		l.d.Dispatch(l.comID, msg)
	})
	if err == nil {
		return
	}
	l.m.RecordFramingError()
	log.Warn("framing error", "com", l.comID, "error", err)
	if !l.resets.Allow() {
		return
	}
	if werr := l.Write(statusMessage(types.ErrReset)); werr != nil {
		log.Debug("reset reply not written", "com", l.comID, "error", werr)
	}
}

// ReadFrom feeds everything read from r until it fails. io.EOF is not an
// error.
func (l *Line) ReadFrom(r io.Reader) error {
	buf := make([]byte, 1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			l.Feed(buf[:n])
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// Close unbinds the reply puller.
func (l *Line) Close() {
	l.closeOnce.Do(func() {
		l.puller.Close()
		l.m.LineClosed()
		log.Debug("line closed", "com", l.comID)
	})
}

// statusMessage is the unsolicited sys status a line writes on its own:
// request id "0", work id "sys", no object or data.
func statusMessage(body types.ErrorBody) []byte {
	b, _ := json.Marshal(struct {
		RequestID string          `json:"request_id"`
		WorkID    string          `json:"work_id"`
		Created   int64           `json:"created"`
		Error     types.ErrorBody `json:"error"`
	}{"0", types.SysUnit, time.Now().Unix(), body})
	return b
}
