package framer

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, f *Framer, chunks ...[]byte) []string {
	t.Helper()
	var out []string
	for _, c := range chunks {
		require.NoError(t, f.Feed(c, func(b []byte) { out = append(out, string(b)) }))
	}
	return out
}

func TestFeedSingleMessage(t *testing.T) {
	f := New()
	msgs := collect(t, f, []byte(`{"request_id":"1","work_id":"sys","action":"ping"}`))
	require.Len(t, msgs, 1)
	assert.Equal(t, `{"request_id":"1","work_id":"sys","action":"ping"}`, msgs[0])
	assert.Equal(t, 0, f.Buffered())
}

func TestFeedDiscardsBytesBetweenMessages(t *testing.T) {
	f := New()
	msgs := collect(t, f, []byte("garbage\r\n{\"a\":1}\n\n  {\"b\":{\"c\":2}}xyz"))
	assert.Equal(t, []string{`{"a":1}`, `{"b":{"c":2}}`}, msgs)
}

func TestFeedChunkBoundaryIndependence(t *testing.T) {
	stream := `{"request_id":"1","data":"a{b}c"}{"x":"\"}"}` + "\n" + `{"nested":{"deep":{"v":[1,2,{"k":"}"}]}}}`

	whole := collect(t, New(), []byte(stream))
	require.Len(t, whole, 3)

	for size := 1; size <= len(stream); size++ {
		var chunks [][]byte
		for i := 0; i < len(stream); i += size {
			end := i + size
			if end > len(stream) {
				end = len(stream)
			}
			chunks = append(chunks, []byte(stream[i:end]))
		}
		assert.Equal(t, whole, collect(t, New(), chunks...), "chunk size %d", size)
	}
}

func TestFeedBracesInsideStrings(t *testing.T) {
	msg := `{"data":"unbalanced { and \\\" escaped } quote {{"}`
	msgs := collect(t, New(), []byte(msg))
	require.Len(t, msgs, 1)
	assert.True(t, json.Valid([]byte(msgs[0])))
}

func TestFeedNegativeDepth(t *testing.T) {
	f := New()
	var got []string
	err := f.Feed([]byte(`}{"a":1}`), func(b []byte) { got = append(got, string(b)) })
	assert.ErrorIs(t, err, ErrFraming)
	assert.Equal(t, []string{`{"a":1}`}, got, "scanning resumes after the error")
	assert.Equal(t, 0, f.Buffered())
}

func TestFeedErrorsAreChunkBoundaryIndependent(t *testing.T) {
	stream := `}{"a":1}}}{"RAW":"x"}{"b":"}"}` + `{"c":"` + strings.Repeat("y", 40) + `"}{"d":2}`

	feed := func(size int) ([]string, int) {
		f := &Framer{MaxMessageSize: 32}
		var out []string
		errs := 0
		for i := 0; i < len(stream); i += size {
			end := i + size
			if end > len(stream) {
				end = len(stream)
			}
			if err := f.Feed([]byte(stream[i:end]), func(b []byte) { out = append(out, string(b)) }); err != nil {
				require.ErrorIs(t, err, ErrFraming)
				errs++
			}
		}
		return out, errs
	}

	whole, errs := feed(len(stream))
	assert.Equal(t, []string{`{"a":1}`, `{"b":"}"}`, `{"d":2}`}, whole)
	assert.Equal(t, 1, errs)

	for size := 1; size < len(stream); size++ {
		got, _ := feed(size)
		assert.Equal(t, whole, got, "chunk size %d", size)
	}
}

func TestFeedRawPayload(t *testing.T) {
	payload := []byte{0x00, '{', '}', 0xff, '"', '\\', 0x7b, 0x10}
	header := `{"RAW":8,"request_id":"3","work_id":"whisper.0","action":"inference","object":"whisper.base64"}`
	stream := append([]byte(header), payload...)
	stream = append(stream, []byte(`{"after":true}`)...)

	for size := 1; size <= len(stream); size++ {
		var chunks [][]byte
		for i := 0; i < len(stream); i += size {
			end := i + size
			if end > len(stream) {
				end = len(stream)
			}
			chunks = append(chunks, stream[i:end])
		}
		msgs := collect(t, New(), chunks...)
		require.Len(t, msgs, 2, "chunk size %d", size)

		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(msgs[0]), &m))
		assert.Equal(t, "whisper.0", m["work_id"])
		decoded, err := base64.StdEncoding.DecodeString(m["data"].(string))
		require.NoError(t, err)
		assert.Equal(t, payload, decoded)
		assert.Equal(t, `{"after":true}`, msgs[1])
	}
}

func TestFeedRawZeroLength(t *testing.T) {
	msgs := collect(t, New(), []byte(`{"RAW":0,"work_id":"x"}`))
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0], `"data":""`)
}

func TestFeedBadRawHeader(t *testing.T) {
	f := New()
	err := f.Feed([]byte(`{"RAW":"ten"}`), func([]byte) {})
	assert.ErrorIs(t, err, ErrFraming)

	err = f.Feed([]byte(`{"RAW":-4}`), func([]byte) {})
	assert.ErrorIs(t, err, ErrFraming)
}

func TestFeedOversizedMessage(t *testing.T) {
	f := &Framer{MaxMessageSize: 32}
	err := f.Feed([]byte(`{"data":"`+strings.Repeat("x", 64)+`"}`), func([]byte) {})
	assert.ErrorIs(t, err, ErrFraming)
	assert.Equal(t, 0, f.Buffered())

	err = f.Feed([]byte(`{"RAW":1024}`), func([]byte) {})
	assert.ErrorIs(t, err, ErrFraming)
}

func TestFeedPartialMessageIsBuffered(t *testing.T) {
	f := New()
	msgs := collect(t, f, []byte(`{"a":{"b"`))
	assert.Empty(t, msgs)
	assert.Equal(t, 9, f.Buffered())

	msgs = collect(t, f, []byte(`:1}}`))
	assert.Equal(t, []string{`{"a":{"b":1}}`}, msgs)
}
