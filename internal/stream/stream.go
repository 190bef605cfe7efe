// Package stream reassembles and produces {"index","delta","finish"} payloads.
package stream

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/ChuLiYu/stackflow/pkg/types"
)

// Both errors are protocol bodies, so callers can reply with them directly.
var (
	ErrStreamIndex error = types.ErrStreamIndex
	ErrBase64      error = types.ErrBase64
)

// Decoder collects deltas until one carries finish:true.
type Decoder struct {
	parts map[int]string
}

// NewDecoder returns an empty decoder.
func NewDecoder() *Decoder {
	return &Decoder{parts: make(map[int]string)}
}

// Pending reports how many deltas are buffered.
func (d *Decoder) Pending() int { return len(d.parts) }

// Reset drops buffered deltas.
func (d *Decoder) Reset() { d.parts = make(map[int]string) }

// Add buffers one delta. When finish is set it returns the concatenation of
// indices 0..max. A gap in the indices clears the buffer and returns
// ErrStreamIndex.
func (d *Decoder) Add(index int, delta string, finish bool) (string, bool, error) {
	if index < 0 {
		d.Reset()
		return "", false, ErrStreamIndex
	}
	d.parts[index] = delta
	if !finish {
		return "", false, nil
	}

	idx := make([]int, 0, len(d.parts))
	for i := range d.parts {
		idx = append(idx, i)
	}
	sort.Ints(idx)

	var b strings.Builder
	for want, got := range idx {
		if want != got {
			d.Reset()
			return "", false, ErrStreamIndex
		}
		b.WriteString(d.parts[got])
	}
	d.Reset()
	return b.String(), true, nil
}

// AddJSON decodes a raw {"index","delta","finish"} object and buffers it.
// An element that does not decode clears the buffer like an index error.
func (d *Decoder) AddJSON(raw json.RawMessage) (string, bool, error) {
	var sd types.StreamDelta
	if err := json.Unmarshal(raw, &sd); err != nil {
		d.Reset()
		return "", false, fmt.Errorf("%w: %v", types.ErrJSONFormat, err)
	}
	return d.Add(sd.Index, types.RawString(sd.Delta), sd.Finish)
}

// DecodeBase64 decodes standard base64, mapping failures to ErrBase64.
func DecodeBase64(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBase64, err)
	}
	return b, nil
}

// Delta builds one outbound stream element.
func Delta(index int, delta string, finish bool) map[string]any {
	return map[string]any{"index": index, "delta": delta, "finish": finish}
}

// Split cuts s into chunks of at most size bytes and returns them as stream
// elements. The last element has finish set; an empty s yields one empty
// finished element.
func Split(s string, size int) []map[string]any {
	if size <= 0 {
		size = len(s)
	}
	if len(s) == 0 {
		return []map[string]any{Delta(0, "", true)}
	}
	var out []map[string]any
	for i := 0; i < len(s); i += size {
		end := i + size
		if end > len(s) {
			end = len(s)
		}
		out = append(out, Delta(len(out), s[i:end], end == len(s)))
	}
	return out
}
