// ============================================================================
// StackFlow Echo Unit
// ============================================================================
//
// Package: internal/units/echo
// File: echo.go
// Purpose: A small unit that answers every input with the same text. It
//          implements every hook so the runtime can be driven end to end.
//
// Setup data (all fields optional):
//   {
//     "response_format": "echo.utf-8" | "echo.utf-8.stream",
//     "prefix":          "text prepended to every echo",
//     "input":           ["llm.1000", ...]   peers linked at setup
//   }
//
// Inputs:
//   - work:  data is echoed directly; an object containing "stream" carries
//            {"index","delta","finish"} deltas that are joined first
//   - the task's own inference port (client "inference" requests)
//   - linked peers' out ports
//
// Pause toggles a task between echoing and dropping inputs. While paused,
// work is answered with code -10.
//
// ============================================================================

package echo

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"github.com/ChuLiYu/stackflow/internal/channel"
	"github.com/ChuLiYu/stackflow/internal/stackflow"
	"github.com/ChuLiYu/stackflow/internal/stream"
	"github.com/ChuLiYu/stackflow/pkg/types"
)

var log = slog.With("component", "echo")

// Name is the unit name the echo unit registers under.
const Name = "echo"

// Reply formats.
const (
	FormatText   = "echo.utf-8"
	FormatStream = "echo.utf-8.stream"
	ObjectInfo   = "echo.taskinfo"
)

// DefaultChunk is the delta size of streamed replies.
const DefaultChunk = 64

// Config is the setup payload.
type Config struct {
	ResponseFormat string   `json:"response_format"`
	Prefix         string   `json:"prefix"`
	Input          []string `json:"input"`
}

// Info is returned by TaskInfo for one task.
type Info struct {
	ResponseFormat string   `json:"response_format"`
	Prefix         string   `json:"prefix"`
	Inputs         []string `json:"inputs"`
	Paused         bool     `json:"paused"`
	Echoed         int      `json:"echoed"`
}

type task struct {
	workID  string
	cfg     Config
	links   map[string]bool
	paused  bool
	echoed  int
	work    *stream.Decoder
	inbound *stream.Decoder
}

// Unit is the echo unit.
type Unit struct {
	stackflow.BaseUnit

	// Chunk is the delta size of streamed replies.
	Chunk int

	tasks *stackflow.TaskTable[*task]
}

// New returns an echo unit with default settings.
func New() *Unit {
	return &Unit{
		Chunk: DefaultChunk,
		tasks: stackflow.NewTaskTable[*task](),
	}
}

// Init runs once the runtime is serving.
func (u *Unit) Init() error {
	log.Info("echo unit ready", "chunk", u.Chunk)
	return nil
}

func (u *Unit) channel(ordinal int) (*channel.Channel, error) {
	ch, ok := u.StackFlow().Channel(ordinal)
	if !ok {
		return nil, types.ErrUnitNotFound
	}
	return ch, nil
}

// Setup parses the task config, listens on the task's inference port and
// links the requested peers.
func (u *Unit) Setup(workID, object, data string) error {
	cfg := Config{ResponseFormat: FormatText}
	if data != "" && data != types.None {
		if err := json.Unmarshal([]byte(data), &cfg); err != nil {
			return types.ErrJSONFormat
		}
	}
	if cfg.ResponseFormat == "" {
		cfg.ResponseFormat = FormatText
	}

	ordinal := types.Ordinal(workID)
	ch, err := u.channel(ordinal)
	if err != nil {
		return err
	}
	t := &task{
		workID:  workID,
		cfg:     cfg,
		links:   make(map[string]bool),
		work:    stream.NewDecoder(),
		inbound: stream.NewDecoder(),
	}
	h := u.tasks.Put(ordinal, t)

	if err := ch.SubscribeWorkID("", u.inputHandler(h)); err != nil {
		u.tasks.Delete(ordinal)
		return fmt.Errorf("echo: inference port: %w", err)
	}
	for _, peer := range cfg.Input {
		if err := ch.SubscribeWorkID(peer, u.inputHandler(h)); err != nil {
			u.tasks.Delete(ordinal)
			log.Warn("setup link failed", "work_id", workID, "peer", peer, "error", err)
			return types.ErrLinkFalse
		}
		t.links[peer] = true
	}
	log.Info("task set up", "work_id", workID, "format", cfg.ResponseFormat, "inputs", len(cfg.Input))
	return nil
}

// inputHandler echoes messages arriving on subscriptions. The handle goes
// stale once the task exits, so late messages are dropped.
func (u *Unit) inputHandler(h stackflow.Handle) channel.PeerHandler {
	return func(object, data string) {
		t, ok := u.tasks.Resolve(h)
		if !ok || t.paused {
			return
		}
		text, complete, err := join(t.inbound, object, data)
		if err != nil {
			log.Debug("inbound stream dropped", "work_id", t.workID, "error", err)
			return
		}
		if complete {
			u.echo(h.Ordinal, t, text)
		}
	}
}

// Work echoes data on the task's channel.
func (u *Unit) Work(workID, object, data string) error {
	t, ok := u.tasks.Get(types.Ordinal(workID))
	if !ok {
		return types.ErrUnitNotFound
	}
	if t.paused {
		return types.ErrNotAvailable
	}
	text, complete, err := join(t.work, object, data)
	if err != nil {
		return err
	}
	if complete {
		u.echo(types.Ordinal(workID), t, text)
	}
	return nil
}

// join returns data as is, or feeds a stream delta and reports whether the
// stream finished.
func join(d *stream.Decoder, object, data string) (string, bool, error) {
	if !types.IsStream(object) {
		return data, true, nil
	}
	return d.AddJSON(json.RawMessage(data))
}

func (u *Unit) echo(ordinal int, t *task, text string) {
	ch, err := u.channel(ordinal)
	if err != nil {
		return
	}
	out := t.cfg.Prefix + text
	t.echoed++

	if !types.IsStream(t.cfg.ResponseFormat) {
		if err := ch.Send(t.cfg.ResponseFormat, out, types.NoError); err != nil {
			log.Debug("echo not delivered", "work_id", t.workID, "error", err)
		}
		return
	}
	for _, delta := range stream.Split(out, u.Chunk) {
		if err := ch.Send(t.cfg.ResponseFormat, delta, types.NoError); err != nil {
			log.Debug("echo delta not delivered", "work_id", t.workID, "error", err)
			return
		}
	}
}

// Pause toggles the task between echoing and dropping inputs.
func (u *Unit) Pause(workID, object, data string) error {
	t, ok := u.tasks.Get(types.Ordinal(workID))
	if !ok {
		return types.ErrUnitNotFound
	}
	t.paused = !t.paused
	log.Info("task paused", "work_id", workID, "paused", t.paused)
	return nil
}

// Link subscribes the task to the peer named by data.
func (u *Unit) Link(workID, object, data string) error {
	ordinal := types.Ordinal(workID)
	t, ok := u.tasks.Get(ordinal)
	if !ok {
		return types.ErrUnitNotFound
	}
	ch, err := u.channel(ordinal)
	if err != nil {
		return err
	}
	h, _ := u.tasks.Handle(ordinal)
	if err := ch.SubscribeWorkID(data, u.inputHandler(h)); err != nil {
		log.Warn("link failed", "work_id", workID, "peer", data, "error", err)
		return types.ErrLinkFalse
	}
	t.links[data] = true
	return nil
}

// Unlink drops the subscription to the peer named by data.
func (u *Unit) Unlink(workID, object, data string) error {
	ordinal := types.Ordinal(workID)
	t, ok := u.tasks.Get(ordinal)
	if !ok {
		return types.ErrUnitNotFound
	}
	ch, err := u.channel(ordinal)
	if err != nil {
		return err
	}
	if !t.links[data] {
		return types.ErrLinkFalse
	}
	ch.UnsubscribeWorkID(data)
	delete(t.links, data)
	return nil
}

// Exit forgets the task; the runtime releases it afterwards.
func (u *Unit) Exit(workID, object, data string) error {
	if _, ok := u.tasks.Delete(types.Ordinal(workID)); !ok {
		return types.ErrUnitNotFound
	}
	return nil
}

// TaskInfo describes one task.
func (u *Unit) TaskInfo(workID, object, data string) (string, any, error) {
	t, ok := u.tasks.Get(types.Ordinal(workID))
	if !ok {
		return "", nil, types.ErrUnitNotFound
	}
	inputs := make([]string, 0, len(t.links))
	for peer := range t.links {
		inputs = append(inputs, peer)
	}
	sort.Strings(inputs)
	return ObjectInfo, Info{
		ResponseFormat: t.cfg.ResponseFormat,
		Prefix:         t.cfg.Prefix,
		Inputs:         inputs,
		Paused:         t.paused,
		Echoed:         t.echoed,
	}, nil
}
