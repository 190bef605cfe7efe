package broker

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ChuLiYu/stackflow/internal/stream"
	"github.com/ChuLiYu/stackflow/pkg/types"
)

// File transfer objects:
//
//	sys.file./opt/data/test.txt            plain upload, data is the content
//	sys.stream.file./opt/data/test.txt     streamed upload, data is a delta
//	sys.base64.file./opt/data/test.bin     plain upload of base64 content
//	sys.base64.stream.file./opt/data.bin   streamed upload of base64 content
type transfer struct {
	path   string
	stream bool
	base64 bool
}

func parseTransfer(object string) (transfer, error) {
	i := strings.Index(object, "file")
	if i < 0 || i+5 > len(object) {
		return transfer{}, errPathNotAbsolute
	}
	t := transfer{
		path:   object[i+5:],
		stream: strings.Contains(object[:i], "stream"),
		base64: strings.Contains(object[:i], "base64"),
	}
	if !strings.HasPrefix(t.path, "/") {
		return transfer{}, errPathNotAbsolute
	}
	return t, nil
}

// sysPush writes an uploaded file and answers with its sha256. Streamed
// uploads are answered once, after the finishing delta.
func (b *Broker) sysPush(_ context.Context, c *call) error {
	t, err := parseTransfer(c.req.Object)
	if err != nil {
		return types.NewError(types.CodeFile, err.Error())
	}

	var content string
	if t.stream {
		key := fmt.Sprintf("%d:%s", c.comID, t.path)
		b.streamMu.Lock()
		dec, ok := b.uploads[key]
		if !ok {
			dec = stream.NewDecoder()
			b.uploads[key] = dec
		}
		joined, done, err := dec.AddJSON(c.req.Data)
		if done || err != nil {
			delete(b.uploads, key)
		}
		b.streamMu.Unlock()
		if err != nil {
			return err
		}
		if !done {
			return nil
		}
		content = joined
	} else {
		s, ok := c.dataString()
		if !ok {
			return types.ErrJSONFormat
		}
		content = s
	}

	payload := []byte(content)
	if t.base64 {
		payload, err = stream.DecodeBase64(content)
		if err != nil {
			return err
		}
	}

	if err := os.MkdirAll(filepath.Dir(t.path), 0o755); err != nil {
		return types.NewError(types.CodeFile, err.Error())
	}
	if err := os.WriteFile(t.path, payload, 0o644); err != nil {
		return types.NewError(types.CodeFile, err.Error())
	}
	sum := sha256.Sum256(payload)
	log.Info("file pushed", "path", t.path, "bytes", len(payload))
	c.ok("sha256:" + hex.EncodeToString(sum[:]))
	return nil
}

// sysPull sends a file base64 encoded, either whole or as StreamLength
// sized deltas followed by an empty finishing delta.
func (b *Broker) sysPull(_ context.Context, c *call) error {
	t, err := parseTransfer(c.req.Object)
	if err != nil {
		return types.NewError(types.CodeFile, "file does not exist.")
	}
	raw, err := os.ReadFile(t.path)
	if err != nil {
		return types.NewError(types.CodeFile, "file does not exist.")
	}
	encoded := base64.StdEncoding.EncodeToString(raw)

	const object = "sys.base64.stream"
	if !t.stream {
		c.reply(types.SysUnit, object, encoded)
		return nil
	}

	n := b.cfg.StreamLength
	index := 0
	for pos := 0; pos < len(encoded); pos += n {
		end := pos + n
		if end > len(encoded) {
			end = len(encoded)
		}
		c.reply(types.SysUnit, object, stream.Delta(index, encoded[pos:end], false))
		index++
	}
	c.reply(types.SysUnit, object, stream.Delta(index, "", true))
	return nil
}
