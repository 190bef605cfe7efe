// ============================================================================
// StackFlow Channel - per-task socket bundle
// ============================================================================
//
// Package: internal/channel
// File: channel.go
// Purpose: Everything one task needs to talk to the outside world.
//
// Socket table (keyed by integer slot):
//   -1          publisher on the task's out port (peers subscribe here)
//   -2          pusher to the current return address (the client's com line)
//   <= -1000    ad-hoc URL subscriptions, one new slot per Subscribe
//   0           this task's own inference port
//   > 0         peer subscriptions, keyed by the peer's ordinal plus one
//
// Invariants:
//   - Replacing a slot always closes the previous socket first.
//   - Every table mutation holds the channel mutex.
//   - SetReturnAddress with the current URL keeps the existing pusher.
//
// Routing side effect:
//   A peer message that carries an "action" field re-targets the channel:
//   request_id and work_id are adopted and a non-empty zmq_com becomes the
//   new return address, before the handler sees object and data.
//   A payload that is not a JSON object reaches the handler as data with
//   an empty object.
//
// ============================================================================

package channel

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/ChuLiYu/stackflow/internal/bus"
	"github.com/ChuLiYu/stackflow/pkg/types"
)

var log = slog.With("component", "channel")

// ============================================================================
// Error definitions
// ============================================================================

var (
	// ErrNoReturnAddress is returned by PushToReturnAddress when slot -2 is empty.
	ErrNoReturnAddress = errors.New("channel: no return address")
	// ErrPeerNotFound is returned when a peer's out port is not registered.
	ErrPeerNotFound = errors.New("channel: peer out port not found")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("channel: closed")
)

// Reserved slots.
const (
	SlotPublish   = -1
	SlotReturn    = -2
	SlotInference = 0
	firstAdHocKey = -1000
)

// PeerSlot is the slot a subscription to the task with the given ordinal
// lives in.
func PeerSlot(ordinal int) int { return ordinal + 1 }

// KeyResolver looks up discovery keys ("<work_id>.out_port") on the broker.
type KeyResolver interface {
	Get(key string) (string, error)
}

// Executor runs a handler invocation. The runtime passes its event queue so
// that handlers execute on the dispatcher goroutine.
type Executor func(fn func())

// PeerHandler receives the object and data fields of a peer message.
type PeerHandler func(object, data string)

// Options configures a Channel.
type Options struct {
	UnitName     string
	WorkID       string
	PublishURL   string
	InferenceURL string
	Resolver     KeyResolver
	Executor     Executor
}

// Channel is the socket bundle of one task.
type Channel struct {
	unitName     string
	inferenceURL string
	resolver     KeyResolver
	exec         Executor

	mu        sync.Mutex
	closed    bool
	publisher bus.Sender
	pusher    bus.Sender
	pushURL   string
	subs      map[int]bus.Receiver
	urlSlots  map[string]int
	nextSlot  int
	requestID string
	workID    string
	output    bool
	stream    bool

	busy sync.Mutex
}

// New binds the task's publisher and returns the channel.
func New(opts Options) (*Channel, error) {
	c := &Channel{
		unitName:     opts.UnitName,
		inferenceURL: opts.InferenceURL,
		resolver:     opts.Resolver,
		exec:         opts.Executor,
		subs:         make(map[int]bus.Receiver),
		urlSlots:     make(map[string]int),
		nextSlot:     firstAdHocKey,
		workID:       opts.WorkID,
		output:       true,
	}
	if c.exec == nil {
		c.exec = func(fn func()) { fn() }
	}
	if opts.PublishURL != "" {
		pub, err := bus.NewPublisher(opts.PublishURL)
		if err != nil {
			return nil, fmt.Errorf("channel %s: %w", opts.WorkID, err)
		}
		c.publisher = pub
	}
	return c, nil
}

// ============================================================================
// Routing state
// ============================================================================

// RequestID returns the request id replies are stamped with.
func (c *Channel) RequestID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requestID
}

// SetRequestID sets the request id replies are stamped with.
func (c *Channel) SetRequestID(id string) {
	c.mu.Lock()
	c.requestID = id
	c.mu.Unlock()
}

// WorkID returns the work id replies are stamped with.
func (c *Channel) WorkID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.workID
}

// SetWorkID sets the work id replies are stamped with.
func (c *Channel) SetWorkID(id string) {
	c.mu.Lock()
	c.workID = id
	c.mu.Unlock()
}

// SetOutput enables or disables copying replies to the return address.
func (c *Channel) SetOutput(on bool) {
	c.mu.Lock()
	c.output = on
	c.mu.Unlock()
}

// Output reports whether replies are copied to the return address.
func (c *Channel) Output() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.output
}

// SetStream records whether the task answers in stream form.
func (c *Channel) SetStream(on bool) {
	c.mu.Lock()
	c.stream = on
	c.mu.Unlock()
}

// Stream reports whether the task answers in stream form.
func (c *Channel) Stream() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream
}

// TryBusy takes the task's advisory work lock without blocking. The caller
// drops its input when it returns false and must call Done otherwise.
func (c *Channel) TryBusy() bool {
	return c.busy.TryLock()
}

// Done releases the lock taken by a successful TryBusy.
func (c *Channel) Done() {
	c.busy.Unlock()
}

// ============================================================================
// Outbound
// ============================================================================

// Publish sends b to every peer subscribed to this task. Having no
// subscribers is not an error.
func (c *Channel) Publish(b []byte) error {
	c.mu.Lock()
	pub := c.publisher
	c.mu.Unlock()
	if pub == nil {
		return nil
	}
	return pub.Send(b)
}

// SetReturnAddress points slot -2 at url. Repeating the current url is a
// no-op; an empty url is ignored.
func (c *Channel) SetReturnAddress(url string) error {
	if url == "" {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.pusher != nil && c.pushURL == url {
		return nil
	}
	if c.pusher != nil {
		c.pusher.Close()
		c.pusher = nil
	}
	p, err := bus.NewPusher(url)
	if err != nil {
		c.pushURL = ""
		return fmt.Errorf("channel: return address %s: %w", url, err)
	}
	c.pusher = p
	c.pushURL = url
	return nil
}

// ReturnAddress returns the current slot -2 url.
func (c *Channel) ReturnAddress() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pushURL
}

// ClearReturnAddress closes slot -2.
func (c *Channel) ClearReturnAddress() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pusher != nil {
		c.pusher.Close()
	}
	c.pusher = nil
	c.pushURL = ""
}

// PushToReturnAddress sends b on slot -2.
func (c *Channel) PushToReturnAddress(b []byte) error {
	c.mu.Lock()
	p := c.pusher
	c.mu.Unlock()
	if p == nil {
		return ErrNoReturnAddress
	}
	return p.Send(b)
}

// SendTo pushes b to url over a transient connection.
func (c *Channel) SendTo(url string, b []byte) error {
	return bus.SendOnce(url, b)
}

// Send builds a response, publishes it to peers and, with output enabled,
// pushes it to the return address.
func (c *Channel) Send(object string, data any, body types.ErrorBody) error {
	c.mu.Lock()
	resp := types.NewResponse(c.requestID, c.workID, object, data, body)
	output := c.output
	c.mu.Unlock()

	msg := resp.Marshal()
	if err := c.Publish(msg); err != nil {
		log.Debug("publish failed", "work_id", resp.WorkID, "error", err)
	}
	if !output {
		return nil
	}
	return c.PushToReturnAddress(msg)
}

// ============================================================================
// Inbound
// ============================================================================

// Subscribe opens a subscription on url under a fresh negative slot and
// returns the slot.
func (c *Channel) Subscribe(url string, h bus.Handler) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, ErrClosed
	}
	if old, ok := c.urlSlots[url]; ok {
		c.closeSlotLocked(old)
		delete(c.urlSlots, url)
	}
	exec := c.exec
	sub, err := bus.NewSubscriber(url, func(msg []byte) {
		exec(func() { h(msg) })
	})
	if err != nil {
		return 0, fmt.Errorf("channel: subscribe %s: %w", url, err)
	}
	slot := c.nextSlot
	c.nextSlot--
	c.subs[slot] = sub
	c.urlSlots[url] = slot
	return slot, nil
}

// Unsubscribe closes the subscription opened for url. An empty url closes
// every subscription, peer subscriptions included.
func (c *Channel) Unsubscribe(url string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if url == "" {
		for slot := range c.subs {
			c.closeSlotLocked(slot)
		}
		c.urlSlots = make(map[string]int)
		return
	}
	if slot, ok := c.urlSlots[url]; ok {
		c.closeSlotLocked(slot)
		delete(c.urlSlots, url)
	}
}

// peerTarget resolves a work id to (slot, url).
func (c *Channel) peerTarget(workID string) (int, string, error) {
	if workID == "" {
		return SlotInference, c.inferenceURL, nil
	}
	w, err := types.ParseWorkID(workID)
	if err != nil || !w.HasOrdinal() {
		return SlotInference, c.inferenceURL, nil
	}
	if c.resolver == nil {
		return 0, "", fmt.Errorf("%w: %s", ErrPeerNotFound, workID)
	}
	url, err := c.resolver.Get(workID + ".out_port")
	if err != nil {
		return 0, "", fmt.Errorf("%w: %s: %v", ErrPeerNotFound, workID, err)
	}
	if url == "" {
		return 0, "", fmt.Errorf("%w: %s", ErrPeerNotFound, workID)
	}
	return PeerSlot(w.Ordinal), url, nil
}

// SubscribeWorkID subscribes to a peer task's out port under PeerSlot of the
// peer's ordinal. An empty (or bare unit) work id subscribes to this task's
// own inference port under SlotInference.
func (c *Channel) SubscribeWorkID(workID string, h PeerHandler) error {
	slot, url, err := c.peerTarget(workID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.closeSlotLocked(slot)

	exec := c.exec
	sub, err := bus.NewSubscriber(url, func(msg []byte) {
		exec(func() { c.deliverPeer(msg, h) })
	})
	if err != nil {
		return fmt.Errorf("channel: subscribe %s: %w", url, err)
	}
	c.subs[slot] = sub
	return nil
}

// UnsubscribeWorkID closes the peer subscription for workID, or the
// inference subscription for an empty work id.
func (c *Channel) UnsubscribeWorkID(workID string) {
	slot := SlotInference
	if w, err := types.ParseWorkID(workID); err == nil && w.HasOrdinal() {
		slot = PeerSlot(w.Ordinal)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeSlotLocked(slot)
}

type peerMessage struct {
	Action    *string         `json:"action"`
	RequestID string          `json:"request_id"`
	WorkID    string          `json:"work_id"`
	ZmqCom    string          `json:"zmq_com"`
	Object    string          `json:"object"`
	Data      json.RawMessage `json:"data"`
}

func (c *Channel) deliverPeer(msg []byte, h PeerHandler) {
	var pm peerMessage
	if err := json.Unmarshal(msg, &pm); err != nil {
		log.Debug("peer message is not a JSON object", "work_id", c.WorkID(), "error", err)
		h("", string(msg))
		return
	}
	if pm.Action != nil {
		if pm.ZmqCom != "" {
			if err := c.SetReturnAddress(pm.ZmqCom); err != nil {
				log.Warn("return address update failed", "url", pm.ZmqCom, "error", err)
			}
		}
		c.mu.Lock()
		c.requestID = pm.RequestID
		c.workID = pm.WorkID
		c.mu.Unlock()
	}
	h(pm.Object, types.RawString(pm.Data))
}

func (c *Channel) closeSlotLocked(slot int) {
	if sub, ok := c.subs[slot]; ok {
		sub.Close()
		delete(c.subs, slot)
	}
}

// Slots lists the occupied subscription slots in ascending order.
func (c *Channel) Slots() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]int, 0, len(c.subs))
	for s := range c.subs {
		out = append(out, s)
	}
	sort.Ints(out)
	return out
}

// Close tears down every socket. Further sends fail or are dropped.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for slot := range c.subs {
		c.closeSlotLocked(slot)
	}
	c.urlSlots = nil
	if c.pusher != nil {
		c.pusher.Close()
		c.pusher = nil
	}
	if c.publisher != nil {
		c.publisher.Close()
		c.publisher = nil
	}
}
