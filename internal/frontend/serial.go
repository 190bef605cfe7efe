package frontend

import (
	"errors"
	"io"
	"os"
	"sync"

	"github.com/ChuLiYu/stackflow/internal/metrics"
	"github.com/ChuLiYu/stackflow/pkg/types"
)

// SerialURLKey is the discovery key the serial line's com URL is published
// under. Units use it as their default output.
const SerialURLKey = "serial_zmq_url"

// SerialConfig describes the device and its line settings. Parity is 0 or
// 'n'/'N' for none, 'o'/'O' for odd, 'e'/'E' for even.
type SerialConfig struct {
	Device   string
	Baud     int
	DataBits int
	StopBits int
	Parity   int
	// ComPort is the com id of the serial line.
	ComPort int
}

// KV publishes discovery keys. *registry.Registry satisfies it.
type KV interface {
	Set(key, value string) error
}

// Opener opens and configures a serial device.
type Opener func(cfg SerialConfig) (io.ReadWriteCloser, error)

// SerialOptions wires the serial line to the broker.
type SerialOptions struct {
	URLFormat  string
	Dispatcher Dispatcher
	KV         KV
	Metrics    *metrics.Collector
	// Open defaults to OpenSerial.
	Open Opener
	// UpgradeLock and ResetLock are reported as "upgrade over" and
	// "reset over" when present at start, then removed.
	UpgradeLock string
	ResetLock   string
}

// Serial is the serial-port front-end.
type Serial struct {
	opts SerialOptions

	mu      sync.Mutex
	cfg     SerialConfig
	port    io.ReadWriteCloser
	line    *Line
	running bool
	closed  bool
	wg      sync.WaitGroup
}

// NewSerial creates an unstarted serial line.
func NewSerial(cfg SerialConfig, opts SerialOptions) *Serial {
	if opts.Open == nil {
		opts.Open = OpenSerial
	}
	return &Serial{cfg: cfg, opts: opts}
}

// Config returns the current line settings.
func (s *Serial) Config() SerialConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Start opens the device, binds the line and publishes serial_zmq_url.
func (s *Serial) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.running {
		return nil
	}
	return s.startLocked()
}

func (s *Serial) startLocked() error {
	port, err := s.opts.Open(s.cfg)
	if err != nil {
		return err
	}
	line, err := NewLine(LineConfig{
		ComID:      s.cfg.ComPort,
		URLFormat:  s.opts.URLFormat,
		Writer:     port,
		Dispatcher: s.opts.Dispatcher,
		Metrics:    s.opts.Metrics,
	})
	if err != nil {
		port.Close()
		return err
	}
	if s.opts.KV != nil {
		if err := s.opts.KV.Set(SerialURLKey, line.ComURL()); err != nil {
			log.Warn("serial url not published", "error", err)
		}
	}
	s.port = port
	s.line = line
	s.running = true

	s.wg.Add(1)
	go s.run(port, line)
	log.Info("serial line started", "device", s.cfg.Device, "baud", s.cfg.Baud, "com", line.ComURL())
	return nil
}

func (s *Serial) run(port io.Reader, line *Line) {
	defer s.wg.Done()
	s.announce(line, s.opts.UpgradeLock, "upgrade over")
	s.announce(line, s.opts.ResetLock, "reset over")
	if err := line.ReadFrom(port); err != nil {
		log.Debug("serial read ended", "error", err)
	}
}

// announce reports a finished upgrade or reset left behind by the previous
// process.
func (s *Serial) announce(line *Line, lock, message string) {
	if lock == "" {
		return
	}
	if _, err := os.Stat(lock); err != nil {
		return
	}
	if err := os.Remove(lock); err != nil {
		log.Warn("lock not removed", "path", lock, "error", err)
	}
	if err := line.Write(statusMessage(types.NewError(types.CodeOK, message))); err != nil {
		log.Debug("announcement not written", "message", message, "error", err)
	}
}

func (s *Serial) stopLocked() {
	if !s.running {
		return
	}
	s.running = false
	s.port.Close()
	s.line.Close()
	s.mu.Unlock()
	s.wg.Wait()
	s.mu.Lock()
}

// Reconfigure restarts the line with new settings.
func (s *Serial) Reconfigure(baud, dataBits, stopBits, parity int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.stopLocked()
	if s.closed {
		return ErrClosed
	}
	s.cfg.Baud = baud
	s.cfg.DataBits = dataBits
	s.cfg.StopBits = stopBits
	s.cfg.Parity = parity
	return s.startLocked()
}

// Close stops the line.
func (s *Serial) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.stopLocked()
	return nil
}

var errBadSetting = errors.New("frontend: unsupported serial setting")
