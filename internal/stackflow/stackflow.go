// ============================================================================
// StackFlow Runtime - per-unit event dispatcher
// ============================================================================
//
// Package: internal/stackflow
// File: stackflow.go
// Purpose: Bridge RPC calls, socket callbacks and timers into one ordered
//          event queue and run the unit's hooks from a single goroutine.
//
// Event flow:
//
//   rpc "setup"/"work"/...  ──enqueue──┐
//   channel subscriptions   ──Post()───┼──> queue ──> dispatcher ──> Unit hooks
//   repeat timers           ──enqueue──┘      (FIFO)   (1 goroutine)
//
//   RPC handlers only enqueue and answer "None"; the caller learns the outcome
//   from the reply pushed to its return address.
//
// Task lifecycle:
//   SETUP   register with the broker -> new Channel -> Unit.Setup
//           (Setup error: reply, release the work id, close the channel)
//   ...     Pause / Work / Link / Unlink / TaskInfo on a live ordinal
//   EXIT    Unit.Exit -> release the work id -> close the channel
//
// Shutdown:
//   Close force-exits every live task (release + channel teardown) on the
//   dispatcher, then enqueues NONE and joins the dispatcher goroutine.
//
// ============================================================================

package stackflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/stackflow/internal/bus"
	"github.com/ChuLiYu/stackflow/internal/channel"
	"github.com/ChuLiYu/stackflow/internal/metrics"
	"github.com/ChuLiYu/stackflow/internal/registry"
	"github.com/ChuLiYu/stackflow/internal/rpc"
	"github.com/ChuLiYu/stackflow/pkg/types"
)

// ============================================================================
// Error definitions
// ============================================================================

var (
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("stackflow: closed")
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("stackflow: already started")
)

// Defaults for Options.
const (
	DefaultOutputURL       = "ipc:///tmp/llm/5556.sock"
	DefaultSerialPollEvery = time.Second
	SerialURLKey           = "serial_zmq_url"
)

// Caller invokes an action on another unit. rpc.Client satisfies it.
type Caller interface {
	Call(ctx context.Context, unit, action, url, body string) (string, error)
}

// Options configures a runtime.
type Options struct {
	// Directory addresses every unit's RPC server, this one included.
	Directory rpc.Directory
	// Caller reaches other units; defaults to rpc.Client{Directory}.
	Caller Caller
	// MaxTasks caps live tasks. Zero means no cap.
	MaxTasks int
	// DefaultOutputURL receives replies that have no task or request to go
	// to. It is replaced by serial_zmq_url once the broker publishes one.
	DefaultOutputURL string
	// SerialPollInterval is the serial_zmq_url polling period.
	SerialPollInterval time.Duration
	// DisableSerialPoll turns the serial_zmq_url poller off.
	DisableSerialPoll bool
	// CallTimeout bounds calls to other units.
	CallTimeout time.Duration
	// Metrics is optional.
	Metrics *metrics.Collector
}

// request is the routing context of the event being dispatched.
type request struct {
	requestID string
	returnURL string
}

// StackFlow is the runtime of one unit process.
type StackFlow struct {
	name   string
	unit   Unit
	opts   Options
	caller Caller
	log    *slog.Logger

	server   *rpc.Server
	queue    *queue
	channels *TaskTable[*channel.Channel]

	repeatMu sync.Mutex
	repeats  map[string]repeatEntry

	outMu     sync.RWMutex
	outputURL string

	// current is only touched on the dispatcher goroutine.
	current request

	started  atomic.Bool
	stopping atomic.Bool
	done     chan struct{}
	closeMu  sync.Mutex
}

// New creates a runtime for unit under unitName. Nothing is served until Start.
func New(unitName string, unit Unit, opts Options) (*StackFlow, error) {
	if _, err := types.ParseWorkID(unitName); err != nil {
		return nil, fmt.Errorf("stackflow: unit name %q: %w", unitName, err)
	}
	if unit == nil {
		return nil, errors.New("stackflow: nil unit")
	}
	if opts.DefaultOutputURL == "" {
		opts.DefaultOutputURL = DefaultOutputURL
	}
	if opts.SerialPollInterval <= 0 {
		opts.SerialPollInterval = DefaultSerialPollEvery
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = rpc.DefaultTimeout
	}
	caller := opts.Caller
	if caller == nil {
		caller = rpc.Client{Directory: opts.Directory}
	}

	sf := &StackFlow{
		name:      unitName,
		unit:      unit,
		opts:      opts,
		caller:    caller,
		log:       slog.With("component", "stackflow", "unit", unitName),
		server:    rpc.NewServer(unitName),
		queue:     newQueue(),
		channels:  NewTaskTable[*channel.Channel](),
		repeats:   make(map[string]repeatEntry),
		outputURL: opts.DefaultOutputURL,
		done:      make(chan struct{}),
	}
	if a, ok := unit.(attacher); ok {
		a.attach(sf)
	}

	sf.bridge("setup", EventSetup)
	sf.bridge("pause", EventPause)
	sf.bridge("work", EventWork)
	sf.bridge("exit", EventExit)
	sf.bridge("link", EventLink)
	sf.bridge("unlink", EventUnlink)
	sf.bridge("taskinfo", EventTaskInfo)
	return sf, nil
}

// bridge registers an RPC action that only enqueues.
func (sf *StackFlow) bridge(action string, kind EventKind) {
	sf.server.Handle(action, func(_ context.Context, url, body string) (string, error) {
		if !sf.enqueue(Event{Kind: kind, URL: url, Body: body}) {
			return "", ErrClosed
		}
		return types.None, nil
	})
}

// Name returns the unit name.
func (sf *StackFlow) Name() string { return sf.name }

// Server exposes the RPC server so units can add actions of their own.
func (sf *StackFlow) Server() *rpc.Server { return sf.server }

// Start serves the RPC endpoint and launches the dispatcher.
func (sf *StackFlow) Start() error {
	if sf.stopping.Load() {
		return ErrClosed
	}
	if !sf.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	if err := sf.server.Listen(sf.opts.Directory.Target(sf.name)); err != nil {
		sf.started.Store(false)
		return err
	}

	go sf.loop()

	sf.enqueue(Event{Kind: EventSysInit})
	if !sf.opts.DisableSerialPoll {
		sf.RepeatEvent(sf.opts.SerialPollInterval, sf.pollSerialURL, false)
	}
	sf.log.Info("unit started", "rpc", sf.opts.Directory.Target(sf.name))
	return nil
}

// Close tears every task down and stops the dispatcher. It is safe to call
// more than once but must not be called from a hook.
func (sf *StackFlow) Close() {
	sf.closeMu.Lock()
	defer sf.closeMu.Unlock()
	if !sf.stopping.CompareAndSwap(false, true) {
		return
	}

	sf.server.Close()
	if !sf.started.Load() {
		sf.forceExitAll()
		sf.queue.close()
		return
	}

	sf.queue.push(Event{Kind: EventCustom, Fn: sf.forceExitAll})
	sf.queue.push(Event{Kind: EventNone})
	sf.queue.close()
	<-sf.done
	sf.log.Info("unit stopped")
}

func (sf *StackFlow) forceExitAll() {
	for _, ordinal := range sf.channels.Ordinals() {
		sf.releaseTask(ordinal, types.FormatWorkID(sf.name, ordinal))
	}
}

func (sf *StackFlow) enqueue(ev Event) bool {
	ok := sf.queue.push(ev)
	if ok {
		sf.opts.Metrics.SetQueueDepth(sf.queue.len())
	}
	return ok
}

// Post runs fn on the dispatcher goroutine. It returns false once the runtime
// is closing.
func (sf *StackFlow) Post(fn func()) bool {
	if fn == nil {
		return false
	}
	return sf.enqueue(Event{Kind: EventCustom, Fn: fn})
}

// ============================================================================
// Dispatcher
// ============================================================================

func (sf *StackFlow) loop() {
	defer close(sf.done)
	for {
		ev, depth := sf.queue.pop()
		sf.opts.Metrics.SetQueueDepth(depth)
		if ev.Kind == EventNone && sf.stopping.Load() {
			return
		}
		sf.opts.Metrics.RecordEvent(ev.Kind.String())
		sf.dispatch(ev)
	}
}

func (sf *StackFlow) dispatch(ev Event) {
	defer func() {
		if r := recover(); r != nil {
			sf.opts.Metrics.RecordHookPanic()
			sf.log.Error("event handler panicked", "event", ev.Kind.String(), "panic", r)
			if ev.URL != "" || ev.Body != "" {
				sf.replyTo(sf.current, types.None, types.None,
					types.NewError(types.CodeReset, fmt.Sprintf("%v", r)), sf.name)
			}
		}
		sf.current = request{}
	}()

	switch ev.Kind {
	case EventNone:
	case EventSetup:
		sf.handleSetup(ev)
	case EventPause, EventWork, EventExit, EventLink, EventUnlink, EventTaskInfo:
		sf.handleTask(ev)
	case EventSysInit:
		if in, ok := sf.unit.(Initializer); ok {
			if err := in.Init(); err != nil {
				sf.log.Error("unit init failed", "error", err)
			}
		}
	case EventRepeat:
		sf.runRepeat(ev.RepeatID)
	case EventCustom:
		if ev.Fn != nil {
			ev.Fn()
		}
	}
}

// parseRequest decodes an RPC body. A decode failure is answered with -2 on
// the caller's return address.
func (sf *StackFlow) parseRequest(ev Event) (types.Request, bool) {
	var req types.Request
	sf.current = request{returnURL: ev.URL}
	if err := json.Unmarshal([]byte(ev.Body), &req); err != nil {
		sf.log.Warn("malformed request", "event", ev.Kind.String(), "error", err)
		sf.replyTo(sf.current, types.None, types.None, types.ErrJSONFormat, sf.name)
		return req, false
	}
	sf.current.requestID = req.RequestID
	return req, true
}

func (sf *StackFlow) handleSetup(ev Event) {
	req, ok := sf.parseRequest(ev)
	if !ok {
		return
	}
	if sf.opts.MaxTasks > 0 && sf.channels.Len() >= sf.opts.MaxTasks {
		sf.replyTo(sf.current, types.None, types.None, types.ErrTaskFull, sf.name)
		return
	}

	entry, err := sf.register()
	if err != nil {
		sf.log.Error("register failed", "error", err)
		sf.replyTo(sf.current, types.None, types.None, types.ErrUnitCall, sf.name)
		return
	}

	ch, err := channel.New(channel.Options{
		UnitName:     sf.name,
		WorkID:       entry.WorkID,
		PublishURL:   entry.OutURL,
		InferenceURL: entry.InferenceURL,
		Resolver:     resolver{sf},
		Executor:     func(fn func()) { sf.Post(fn) },
	})
	if err != nil {
		sf.log.Error("channel create failed", "work_id", entry.WorkID, "error", err)
		sf.release(entry.WorkID)
		sf.replyTo(sf.current, types.None, types.None, types.ErrReset, sf.name)
		return
	}
	if err := ch.SetReturnAddress(ev.URL); err != nil {
		sf.log.Warn("return address rejected", "url", ev.URL, "error", err)
	}
	ch.SetRequestID(req.RequestID)
	sf.channels.Put(entry.Ordinal, ch)

	err = sf.callHook(func() error {
		return sf.unit.Setup(entry.WorkID, req.Object, req.DataString())
	})
	if err != nil {
		sf.Send(types.None, types.None, types.AsErrorBody(err, types.CodeReset), entry.WorkID)
		sf.releaseTask(entry.Ordinal, entry.WorkID)
		return
	}
	sf.Send(types.None, types.None, types.NoError, entry.WorkID)
}

func (sf *StackFlow) handleTask(ev Event) {
	req, ok := sf.parseRequest(ev)
	if !ok {
		return
	}
	workID := req.WorkID
	ordinal := types.Ordinal(workID)

	if ev.Kind == EventTaskInfo && ordinal == types.NoOrdinal {
		sf.replyTo(sf.current, sf.name+".tasklist", sf.TaskList(), types.NoError, workID)
		return
	}

	ch, ok := sf.channels.Get(ordinal)
	if !ok || types.UnitOf(workID) != sf.name {
		sf.replyTo(sf.current, types.None, types.None, types.ErrUnitNotFound, workID)
		return
	}
	if err := ch.SetReturnAddress(ev.URL); err != nil {
		sf.log.Warn("return address rejected", "url", ev.URL, "error", err)
	}
	ch.SetRequestID(req.RequestID)
	data := req.DataString()

	switch ev.Kind {
	case EventTaskInfo:
		var object string
		var payload any
		err := sf.callHook(func() error {
			var herr error
			object, payload, herr = sf.unit.TaskInfo(workID, req.Object, data)
			return herr
		})
		if err != nil {
			sf.Send(types.None, types.None, types.AsErrorBody(err, types.CodeReset), workID)
			return
		}
		sf.Send(object, payload, types.NoError, workID)

	case EventWork:
		if err := sf.callHook(func() error { return sf.unit.Work(workID, req.Object, data) }); err != nil {
			sf.Send(types.None, types.None, types.AsErrorBody(err, types.CodeReset), workID)
		}

	case EventExit:
		if err := sf.callHook(func() error { return sf.unit.Exit(workID, req.Object, data) }); err != nil {
			sf.Send(types.None, types.None, types.AsErrorBody(err, types.CodeReset), workID)
			return
		}
		sf.Send(types.None, types.None, types.NoError, workID)
		sf.releaseTask(ordinal, workID)

	default:
		hook := map[EventKind]func(string, string, string) error{
			EventPause:  sf.unit.Pause,
			EventLink:   sf.unit.Link,
			EventUnlink: sf.unit.Unlink,
		}[ev.Kind]
		if err := sf.callHook(func() error { return hook(workID, req.Object, data) }); err != nil {
			sf.Send(types.None, types.None, types.AsErrorBody(err, types.CodeReset), workID)
			return
		}
		sf.Send(types.None, types.None, types.NoError, workID)
	}
}

// callHook runs fn, converting a panic into a code -1 error.
func (sf *StackFlow) callHook(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			sf.opts.Metrics.RecordHookPanic()
			sf.log.Error("hook panicked", "panic", r)
			err = types.NewError(types.CodeReset, fmt.Sprintf("%v", r))
		}
	}()
	return fn()
}

// ============================================================================
// Task bookkeeping
// ============================================================================

func (sf *StackFlow) register() (registry.Entry, error) {
	out, err := sf.callSys("register_unit", sf.name)
	if err != nil {
		return registry.Entry{}, err
	}
	var entry registry.Entry
	if err := json.Unmarshal([]byte(out), &entry); err != nil {
		return registry.Entry{}, fmt.Errorf("stackflow: register reply %q: %w", out, err)
	}
	return entry, nil
}

func (sf *StackFlow) release(workID string) {
	if _, err := sf.callSys("release_unit", workID); err != nil {
		sf.log.Warn("release failed", "work_id", workID, "error", err)
	}
}

// releaseTask releases workID on the broker and closes its channel.
func (sf *StackFlow) releaseTask(ordinal int, workID string) {
	sf.release(workID)
	if ch, ok := sf.channels.Delete(ordinal); ok {
		ch.Close()
	}
	sf.log.Info("task released", "work_id", workID)
}

// Channel returns the channel of a live task.
func (sf *StackFlow) Channel(ordinal int) (*channel.Channel, bool) {
	return sf.channels.Get(ordinal)
}

// ChannelHandle returns a handle to a live task's channel for use by
// callbacks that outlive the current event.
func (sf *StackFlow) ChannelHandle(ordinal int) (Handle, bool) {
	return sf.channels.Handle(ordinal)
}

// Resolve returns the channel h refers to if that task is still alive.
func (sf *StackFlow) Resolve(h Handle) (*channel.Channel, bool) {
	return sf.channels.Resolve(h)
}

// TaskList returns the work ids of live tasks.
func (sf *StackFlow) TaskList() []string {
	ords := sf.channels.Ordinals()
	out := make([]string, 0, len(ords))
	for _, o := range ords {
		out = append(out, types.FormatWorkID(sf.name, o))
	}
	return out
}

// ============================================================================
// Replies
// ============================================================================

// Send answers on behalf of workID. A live task's channel is used when there
// is one; otherwise the reply goes to the return address of the request being
// dispatched, or to the unit's default output.
func (sf *StackFlow) Send(object string, data any, body types.ErrorBody, workID string) {
	if ch, ok := sf.channels.Get(types.Ordinal(workID)); ok && types.UnitOf(workID) == sf.name {
		if err := ch.Send(object, data, body); err != nil {
			sf.log.Debug("reply not delivered", "work_id", workID, "error", err)
		}
		return
	}
	sf.replyTo(sf.current, object, data, body, workID)
}

func (sf *StackFlow) replyTo(req request, object string, data any, body types.ErrorBody, workID string) {
	msg := types.NewResponse(req.requestID, workID, object, data, body).Marshal()
	url := req.returnURL
	if url == "" {
		url = sf.OutputURL()
	}
	if err := bus.SendOnce(url, msg); err != nil {
		sf.log.Debug("reply not delivered", "url", url, "error", err)
	}
}

// OutputURL returns the unit-level default output.
func (sf *StackFlow) OutputURL() string {
	sf.outMu.RLock()
	defer sf.outMu.RUnlock()
	return sf.outputURL
}

// SetOutputURL replaces the unit-level default output.
func (sf *StackFlow) SetOutputURL(url string) {
	sf.outMu.Lock()
	sf.outputURL = url
	sf.outMu.Unlock()
}

// OutputToDefault pushes raw bytes to the unit-level default output.
func (sf *StackFlow) OutputToDefault(b []byte) error {
	return bus.SendOnce(sf.OutputURL(), b)
}

// pollSerialURL installs serial_zmq_url as the default output once the broker
// has one.
func (sf *StackFlow) pollSerialURL() bool {
	url, err := sf.RegistryGet(SerialURLKey)
	if err != nil || url == "" {
		return true
	}
	sf.SetOutputURL(url)
	sf.log.Info("default output set", "url", url)
	return false
}

// ============================================================================
// Broker helpers
// ============================================================================

func (sf *StackFlow) callSys(action, body string) (string, error) {
	return sf.UnitCall(types.SysUnit, action, body)
}

// UnitCall invokes action on another unit and returns its reply.
func (sf *StackFlow) UnitCall(unit, action, data string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), sf.opts.CallTimeout)
	defer cancel()
	return sf.caller.Call(ctx, unit, action, "", data)
}

// RegistryGet reads a discovery key. A missing key yields "".
func (sf *StackFlow) RegistryGet(key string) (string, error) {
	return sf.callSys("sql_select", key)
}

// RegistrySet stores a discovery key.
func (sf *StackFlow) RegistrySet(key, value string) error {
	body, err := json.Marshal(map[string]string{"key": key, "val": value})
	if err != nil {
		return err
	}
	_, err = sf.callSys("sql_set", string(body))
	return err
}

// RegistryUnset deletes a discovery key.
func (sf *StackFlow) RegistryUnset(key string) error {
	_, err := sf.callSys("sql_unset", key)
	return err
}

// resolver adapts the runtime to channel.KeyResolver.
type resolver struct{ sf *StackFlow }

func (r resolver) Get(key string) (string, error) { return r.sf.RegistryGet(key) }
