// ============================================================================
// StackFlow Broker - the "sys" unit
// ============================================================================
//
// Package: internal/broker
// File: broker.go
// Purpose: Own the unit registry, serve it to unit processes over RPC and
//          route client requests arriving on serial/TCP lines.
//
// Architecture:
//
//   serial / tcp line ──Dispatch(comID, msg)──> Router
//                                                 ├─ inference -> registry.Publish
//                                                 ├─ sys.*     -> action table
//                                                 │               (slow ones on the worker pool)
//                                                 └─ <unit>.*  -> rpc.Call(unit, action)
//
//   unit processes ──rpc──> register_unit / release_unit / sql_select / sql_set / sql_unset
//
// Replies:
//   Every reply to a client is a fire-and-forget push to the line's com URL
//   (ComURLFormat % comID), terminated by "\n".
//
// ============================================================================

package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/stackflow/internal/bus"
	"github.com/ChuLiYu/stackflow/internal/metrics"
	"github.com/ChuLiYu/stackflow/internal/registry"
	"github.com/ChuLiYu/stackflow/internal/rpc"
	"github.com/ChuLiYu/stackflow/internal/stream"
	"github.com/ChuLiYu/stackflow/internal/worker"
	"github.com/ChuLiYu/stackflow/pkg/types"
)

var log = slog.With("component", "broker")

// ============================================================================
// Error definitions
// ============================================================================

var (
	// ErrNoRegistry is returned by New without a registry.
	ErrNoRegistry = errors.New("broker: registry is required")
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("broker: already started")
)

// Config holds the broker's tunables. Zero values fall back to
// DefaultConfig.
type Config struct {
	// ComURLFormat turns a com id into the URL a line pulls replies from.
	ComURLFormat string
	// LsmodDir holds the model description files listed by sys.lsmode.
	LsmodDir string
	// UpdateDir is searched for llm_update_*.deb packages.
	UpdateDir string
	// StreamLength is the chunk size of streamed sys.pull replies.
	StreamLength int
	// UnitCallTimeout bounds RPC calls to units.
	UnitCallTimeout time.Duration
	// Workers and QueueSize size the pool running slow actions.
	Workers   int
	QueueSize int
	// TaskTimeout bounds one slow action. Zero means no deadline.
	TaskTimeout time.Duration
	// Version is answered by sys.version.
	Version string
	// HWRoot prefixes the /proc and /sys paths read by sys.hwinfo.
	HWRoot string
	// HWSample is the CPU load sampling window of sys.hwinfo.
	HWSample time.Duration
	// UpgradeLock and ResetLock mark an upgrade or reset in progress; the
	// serial line reports completion when it finds them on start.
	UpgradeLock string
	ResetLock   string
	// Shell runs sys.bashexec command lines.
	Shell string
	// RestartDelay separates the sys.uartsetup reply from the line restart,
	// RebootDelay the sys.reboot reply from the reboot.
	RestartDelay time.Duration
	RebootDelay  time.Duration
}

// DefaultConfig mirrors the device layout.
func DefaultConfig() Config {
	return Config{
		ComURLFormat:    "ipc:///tmp/llm/%d.sock",
		LsmodDir:        "/opt/m5stack/data/models/",
		UpdateDir:       "/mnt",
		StreamLength:    4096,
		UnitCallTimeout: 5 * time.Second,
		Workers:         2,
		QueueSize:       32,
		Version:         "v1.4",
		HWRoot:          "/",
		HWSample:        time.Second,
		UpgradeLock:     "/var/llm_update.lock",
		ResetLock:       "/tmp/llm_reset.lock",
		Shell:           "/bin/bash",
		RestartDelay:    100 * time.Millisecond,
		RebootDelay:     200 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.ComURLFormat == "" {
		c.ComURLFormat = def.ComURLFormat
	}
	if c.LsmodDir == "" {
		c.LsmodDir = def.LsmodDir
	}
	if c.UpdateDir == "" {
		c.UpdateDir = def.UpdateDir
	}
	if c.StreamLength <= 0 {
		c.StreamLength = def.StreamLength
	}
	if c.UnitCallTimeout <= 0 {
		c.UnitCallTimeout = def.UnitCallTimeout
	}
	if c.Workers <= 0 {
		c.Workers = def.Workers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = def.QueueSize
	}
	if c.Version == "" {
		c.Version = def.Version
	}
	if c.HWRoot == "" {
		c.HWRoot = def.HWRoot
	}
	if c.HWSample <= 0 {
		c.HWSample = def.HWSample
	}
	if c.UpgradeLock == "" {
		c.UpgradeLock = def.UpgradeLock
	}
	if c.ResetLock == "" {
		c.ResetLock = def.ResetLock
	}
	if c.Shell == "" {
		c.Shell = def.Shell
	}
	if c.RestartDelay < 0 {
		c.RestartDelay = 0
	}
	if c.RebootDelay < 0 {
		c.RebootDelay = 0
	}
	return c
}

// Caller invokes an action on a unit. rpc.Client satisfies it.
type Caller interface {
	Call(ctx context.Context, unit, action, url, body string) (string, error)
}

// SerialControl restarts the serial line with new settings. It is set by
// the serial front-end once it is running.
type SerialControl interface {
	Reconfigure(baud, dataBits, stopBits, parity int) error
}

// Options wires the broker to the rest of the process.
type Options struct {
	Registry  *registry.Registry
	Directory rpc.Directory
	// Caller defaults to rpc.Client{Directory}.
	Caller Caller
	// Commander defaults to ExecCommander.
	Commander Commander
	Metrics   *metrics.Collector
}

// Broker is the sys unit.
type Broker struct {
	cfg       Config
	reg       *registry.Registry
	directory rpc.Directory
	caller    Caller
	cmd       Commander
	metrics   *metrics.Collector

	server  *rpc.Server
	pool    *worker.Pool
	actions map[string]action

	serialMu sync.RWMutex
	serial   SerialControl

	// streamMu guards the partial uploads and bash command streams.
	streamMu sync.Mutex
	uploads  map[string]*stream.Decoder
	bash     map[int]*stream.Decoder

	startMu sync.Mutex
	started bool
	wg      sync.WaitGroup
}

// New creates a broker. Nothing is served until Start.
func New(cfg Config, opts Options) (*Broker, error) {
	if opts.Registry == nil {
		return nil, ErrNoRegistry
	}
	cfg = cfg.withDefaults()

	caller := opts.Caller
	if caller == nil {
		caller = rpc.Client{Directory: opts.Directory}
	}
	cmd := opts.Commander
	if cmd == nil {
		cmd = ExecCommander{}
	}

	b := &Broker{
		cfg:       cfg,
		reg:       opts.Registry,
		directory: opts.Directory,
		caller:    caller,
		cmd:       cmd,
		metrics:   opts.Metrics,
		server:    rpc.NewServer(types.SysUnit),
		pool:      worker.NewPool(cfg.QueueSize),
		uploads:   make(map[string]*stream.Decoder),
		bash:      make(map[int]*stream.Decoder),
	}
	b.actions = b.sysActions()
	b.registerRPC()
	return b, nil
}

// Config returns the effective configuration.
func (b *Broker) Config() Config { return b.cfg }

// Registry returns the registry the broker serves.
func (b *Broker) Registry() *registry.Registry { return b.reg }

// Server exposes the sys RPC server.
func (b *Broker) Server() *rpc.Server { return b.server }

// SetSerial installs the serial line controller used by sys.uartsetup.
func (b *Broker) SetSerial(s SerialControl) {
	b.serialMu.Lock()
	b.serial = s
	b.serialMu.Unlock()
}

func (b *Broker) serialControl() SerialControl {
	b.serialMu.RLock()
	defer b.serialMu.RUnlock()
	return b.serial
}

// Start serves the sys RPC endpoint and starts the worker pool.
func (b *Broker) Start() error {
	b.startMu.Lock()
	defer b.startMu.Unlock()
	if b.started {
		return ErrAlreadyStarted
	}
	if err := b.pool.Start(b.cfg.Workers); err != nil {
		return err
	}
	target := b.directory.Target(types.SysUnit)
	if err := b.server.Listen(target); err != nil {
		b.pool.Stop()
		return err
	}
	b.started = true

	b.wg.Add(1)
	go b.resultLoop()

	log.Info("broker started", "rpc", target, "workers", b.cfg.Workers)
	return nil
}

// Close stops serving and waits for running slow actions.
func (b *Broker) Close() {
	b.startMu.Lock()
	defer b.startMu.Unlock()
	if !b.started {
		return
	}
	b.started = false
	b.server.Close()
	b.pool.Stop()
	b.wg.Wait()
	log.Info("broker stopped")
}

// resultLoop reports failed slow actions to their clients.
func (b *Broker) resultLoop() {
	defer b.wg.Done()
	for {
		res, err := b.pool.ReceiveResult()
		if err != nil {
			return
		}
		c, ok := res.Payload.(*call)
		if !ok || res.Success {
			continue
		}
		log.Warn("sys action failed", "action", c.req.Action, "request_id", c.req.RequestID,
			"duration", res.Duration, "error", res.Error)
		c.status(types.AsErrorBody(res.Error, types.CodeReset))
	}
}

// ============================================================================
// Registry RPC actions
// ============================================================================

func (b *Broker) registerRPC() {
	b.server.Handle("register_unit", func(_ context.Context, _, body string) (string, error) {
		entry, err := b.reg.Register(body)
		if err != nil {
			return "", err
		}
		b.metrics.SetTasksRegistered(len(b.reg.Entries()))
		out, err := json.Marshal(entry)
		if err != nil {
			return "", err
		}
		return string(out), nil
	})
	b.server.Handle("release_unit", func(_ context.Context, _, body string) (string, error) {
		if err := b.reg.Release(body); err != nil {
			return "", err
		}
		b.metrics.SetTasksRegistered(len(b.reg.Entries()))
		return types.None, nil
	})
	b.server.Handle("sql_select", func(_ context.Context, _, body string) (string, error) {
		v, _ := b.reg.Get(body)
		return v, nil
	})
	b.server.Handle("sql_set", func(_ context.Context, _, body string) (string, error) {
		var kv struct {
			Key string `json:"key"`
			Val string `json:"val"`
		}
		if err := json.Unmarshal([]byte(body), &kv); err != nil {
			return "", fmt.Errorf("sql_set: %w", err)
		}
		if kv.Key == "" {
			return "", errors.New("sql_set: empty key")
		}
		if err := b.reg.Set(kv.Key, kv.Val); err != nil {
			return "", err
		}
		return types.None, nil
	})
	b.server.Handle("sql_unset", func(_ context.Context, _, body string) (string, error) {
		if err := b.reg.Unset(body); err != nil {
			return "", err
		}
		return types.None, nil
	})
}

// ============================================================================
// Replies
// ============================================================================

// ComURL returns the reply URL of a line.
func (b *Broker) ComURL(comID int) string {
	return fmt.Sprintf(b.cfg.ComURLFormat, comID)
}

func (b *Broker) send(comID int, resp types.Response) {
	if resp.Error.Code != types.CodeOK {
		b.metrics.RecordErrorReply(resp.Error.Code)
	}
	msg := append(resp.Marshal(), '\n')
	if err := bus.SendOnce(b.ComURL(comID), msg); err != nil {
		log.Debug("reply not delivered", "com", comID, "error", err)
	}
}

func (b *Broker) replyError(comID int, requestID, workID string, body types.ErrorBody) {
	b.send(comID, types.NewResponse(requestID, workID, types.None, types.None, body))
}
