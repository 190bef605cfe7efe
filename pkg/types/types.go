// Package types defines the wire-level domain model shared by the broker, the
// unit runtime and the transport front-ends.
package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// NoOrdinal is the ordinal of a work id that names a whole unit ("sys",
// "whisper") rather than one running task.
const NoOrdinal = -1

// SysUnit is the unit name of the broker.
const SysUnit = "sys"

// None is the placeholder the protocol uses for absent object/data fields.
const None = "None"

// ErrInvalidWorkID is returned by ParseWorkID for malformed identifiers.
var ErrInvalidWorkID = errors.New("invalid work id")

// WorkID addresses either a unit ("whisper") or one of its tasks ("whisper.3").
type WorkID struct {
	Unit    string
	Ordinal int
}

// ParseWorkID splits "<unit>.<ordinal>" or a bare unit name.
func ParseWorkID(s string) (WorkID, error) {
	if s == "" {
		return WorkID{}, fmt.Errorf("%w: empty", ErrInvalidWorkID)
	}
	unit, num, dotted := strings.Cut(s, ".")
	if !validUnitName(unit) {
		return WorkID{}, fmt.Errorf("%w: %q", ErrInvalidWorkID, s)
	}
	if !dotted {
		return WorkID{Unit: unit, Ordinal: NoOrdinal}, nil
	}
	n, err := strconv.Atoi(num)
	if err != nil || n < 0 || num == "" || num[0] == '+' {
		return WorkID{}, fmt.Errorf("%w: %q", ErrInvalidWorkID, s)
	}
	return WorkID{Unit: unit, Ordinal: n}, nil
}

// Ordinal returns the task ordinal encoded in s, or NoOrdinal.
func Ordinal(s string) int {
	w, err := ParseWorkID(s)
	if err != nil {
		return NoOrdinal
	}
	return w.Ordinal
}

// UnitOf returns the unit part of a work id ("" when s is empty).
func UnitOf(s string) string {
	unit, _, _ := strings.Cut(s, ".")
	return unit
}

// FormatWorkID builds "<unit>.<ordinal>".
func FormatWorkID(unit string, ordinal int) string {
	return unit + "." + strconv.Itoa(ordinal)
}

// HasOrdinal reports whether w names a task.
func (w WorkID) HasOrdinal() bool { return w.Ordinal >= 0 }

func (w WorkID) String() string {
	if !w.HasOrdinal() {
		return w.Unit
	}
	return FormatWorkID(w.Unit, w.Ordinal)
}

func validUnitName(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return false
		}
	}
	return true
}

// ============================================================================
// Wire messages
// ============================================================================

// Request is one inbound command as framed from a serial/TCP line or received
// by a unit over RPC.
type Request struct {
	RequestID string          `json:"request_id"`
	WorkID    string          `json:"work_id"`
	Action    string          `json:"action"`
	Object    string          `json:"object,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	ZmqCom    string          `json:"zmq_com,omitempty"`
}

// DataString returns the data field the way units consume it: JSON strings
// are unquoted, anything else is passed through as raw JSON text.
func (r Request) DataString() string {
	return RawString(r.Data)
}

// RawString unquotes a JSON string value or returns the raw JSON text.
func RawString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if raw[0] == '"' && json.Unmarshal(raw, &s) == nil {
		return s
	}
	return string(raw)
}

// Response is the reply/event shape sent back to clients and peers.
type Response struct {
	RequestID string    `json:"request_id"`
	WorkID    string    `json:"work_id"`
	Created   int64     `json:"created"`
	Object    string    `json:"object"`
	Data      any       `json:"data"`
	Error     ErrorBody `json:"error"`
}

// NewResponse stamps a Response with the current time.
func NewResponse(requestID, workID, object string, data any, body ErrorBody) Response {
	return Response{
		RequestID: requestID,
		WorkID:    workID,
		Created:   time.Now().Unix(),
		Object:    object,
		Data:      data,
		Error:     body,
	}
}

// Marshal encodes the response. Data that cannot be encoded is replaced by
// the None placeholder so that a reply always goes out.
func (r Response) Marshal() []byte {
	b, err := json.Marshal(r)
	if err != nil {
		r.Data = None
		b, _ = json.Marshal(r)
	}
	return b
}

// StreamDelta is the data shape of a streamed response or request.
type StreamDelta struct {
	Index  int             `json:"index"`
	Delta  json.RawMessage `json:"delta"`
	Finish bool            `json:"finish"`
}

// IsStream reports whether an object/response_format names a streamed payload.
func IsStream(format string) bool {
	return strings.Contains(format, "stream")
}
