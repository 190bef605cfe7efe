// ============================================================================
// StackFlow Wire Framer
// ============================================================================
//
// Package: internal/framer
// File: framer.go
// Purpose: Turns an arbitrary byte stream (serial line, TCP socket) into a
//          sequence of complete JSON messages.
//
// Text mode:
//   Bytes are scanned one at a time. '{' and '}' outside of JSON strings move
//   a signed depth counter. When the depth returns to zero the buffered bytes
//   form one message. Bytes seen at depth zero before a '{' are discarded.
//
// Raw mode:
//   A message starting with {"RAW": announces N binary bytes following it on
//   the wire. The framer collects exactly N bytes without scanning them, then
//   re-emits the header with "data" set to the base64 of the payload.
//
// Errors:
//   Negative depth, an unusable RAW header or a message larger than
//   MaxMessageSize resets the framer. Scanning resumes with the next byte of
//   the same chunk, so the messages emitted do not depend on how the stream
//   was split. Feed reports the first ErrFraming of the chunk.
//
// ============================================================================

package framer

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// ============================================================================
// Error definitions
// ============================================================================

var (
	// ErrFraming is returned when the stream cannot be resynchronized
	// without discarding buffered state.
	ErrFraming = errors.New("framing error")
)

// DefaultMaxMessageSize bounds one buffered text message or raw payload.
const DefaultMaxMessageSize = 16 << 20

var rawMarker = []byte(`{"RAW":`)

type mode int

const (
	modeText mode = iota
	modeRaw
)

// Framer is the incremental decoder state. It is not safe for concurrent use;
// each transport line owns one.
type Framer struct {
	// MaxMessageSize overrides DefaultMaxMessageSize when positive.
	MaxMessageSize int

	mode     mode
	buf      []byte
	depth    int
	inString bool
	escaped  bool

	header  []byte
	raw     []byte
	pending int
}

// New returns a framer with default limits.
func New() *Framer {
	return &Framer{}
}

// Reset drops every buffered byte and returns to text mode.
func (f *Framer) Reset() {
	f.mode = modeText
	f.buf = f.buf[:0]
	f.depth = 0
	f.inString = false
	f.escaped = false
	f.header = nil
	f.raw = nil
	f.pending = 0
}

// Buffered reports how many bytes are held for an incomplete message.
func (f *Framer) Buffered() int {
	if f.mode == modeRaw {
		return len(f.raw)
	}
	return len(f.buf)
}

func (f *Framer) limit() int {
	if f.MaxMessageSize > 0 {
		return f.MaxMessageSize
	}
	return DefaultMaxMessageSize
}

// Feed consumes p and calls emit once per complete message, in order. The
// slice passed to emit is owned by the callee.
func (f *Framer) Feed(p []byte, emit func([]byte)) error {
	var first error
	fail := func(err error) {
		f.Reset()
		if first == nil {
			first = err
		}
	}

	for len(p) > 0 {
		if f.mode == modeRaw {
			n := f.pending
			if n > len(p) {
				n = len(p)
			}
			f.raw = append(f.raw, p[:n]...)
			f.pending -= n
			p = p[n:]
			if f.pending == 0 {
				msg, err := spliceRaw(f.header, f.raw)
				f.Reset()
				if err != nil {
					fail(err)
					continue
				}
				emit(msg)
			}
			continue
		}

		c := p[0]
		p = p[1:]

		if f.depth == 0 && len(f.buf) == 0 && c != '{' {
			if c == '}' {
				fail(fmt.Errorf("%w: unbalanced '}'", ErrFraming))
			}
			continue
		}

		f.buf = append(f.buf, c)
		if len(f.buf) > f.limit() {
			fail(fmt.Errorf("%w: message exceeds %d bytes", ErrFraming, f.limit()))
			continue
		}

		if f.inString {
			switch {
			case f.escaped:
				f.escaped = false
			case c == '\\':
				f.escaped = true
			case c == '"':
				f.inString = false
			}
			continue
		}

		switch c {
		case '"':
			f.inString = true
		case '{':
			f.depth++
		case '}':
			f.depth--
			if f.depth < 0 {
				fail(fmt.Errorf("%w: negative depth", ErrFraming))
				continue
			}
			if f.depth == 0 {
				if err := f.complete(emit); err != nil {
					fail(err)
				}
			}
		}
	}
	return first
}

// complete handles a balanced text message sitting in f.buf.
func (f *Framer) complete(emit func([]byte)) error {
	msg := make([]byte, len(f.buf))
	copy(msg, f.buf)
	f.buf = f.buf[:0]

	if !bytes.HasPrefix(msg, rawMarker) {
		emit(msg)
		return nil
	}

	var hdr struct {
		RAW *int `json:"RAW"`
	}
	if err := json.Unmarshal(msg, &hdr); err != nil || hdr.RAW == nil || *hdr.RAW < 0 {
		f.Reset()
		return fmt.Errorf("%w: bad raw header", ErrFraming)
	}
	if *hdr.RAW > f.limit() {
		f.Reset()
		return fmt.Errorf("%w: raw payload of %d bytes exceeds %d", ErrFraming, *hdr.RAW, f.limit())
	}
	if *hdr.RAW == 0 {
		out, err := spliceRaw(msg, nil)
		if err != nil {
			f.Reset()
			return err
		}
		emit(out)
		return nil
	}

	f.mode = modeRaw
	f.header = msg
	f.pending = *hdr.RAW
	f.raw = make([]byte, 0, *hdr.RAW)
	return nil
}

// spliceRaw re-encodes a raw header with "data" replaced by the base64 of payload.
func spliceRaw(header, payload []byte) ([]byte, error) {
	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(header, &fields); err != nil {
		return nil, fmt.Errorf("%w: bad raw header: %v", ErrFraming, err)
	}
	data, err := json.Marshal(base64.StdEncoding.EncodeToString(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFraming, err)
	}
	fields["data"] = data
	out, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFraming, err)
	}
	return out, nil
}
