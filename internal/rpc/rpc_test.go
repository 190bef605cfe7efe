package rpc

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func socketDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "sfrpc")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func startServer(t *testing.T, name string) (*Server, Directory) {
	t.Helper()
	dir := Directory{Format: "unix://" + filepath.Join(socketDir(t), "rpc.%s.sock")}
	s := NewServer(name)
	require.NoError(t, s.Listen(dir.Target(name)))
	t.Cleanup(s.Close)
	return s, dir
}

func TestDirectoryTarget(t *testing.T) {
	assert.Equal(t, "unix:///tmp/llm/rpc.sys.sock", Directory{}.Target("sys"))
	assert.Equal(t, "tcp://127.0.0.1:9/whisper", Directory{Format: "tcp://127.0.0.1:9/%s"}.Target("whisper"))
}

func TestCallRoundTrip(t *testing.T) {
	s, dir := startServer(t, "sys")
	s.Handle("sql_select", func(ctx context.Context, url, body string) (string, error) {
		assert.Equal(t, "ipc:///tmp/llm/reply.sock", url)
		return "value-of-" + body, nil
	})

	out, err := Call(context.Background(), dir.Target("sys"), "sql_select", "ipc:///tmp/llm/reply.sock", "serial_zmq_url")
	require.NoError(t, err)
	assert.Equal(t, "value-of-serial_zmq_url", out)

	client := Client{Directory: dir}
	out, err = client.Call(context.Background(), "sys", "sql_select", "ipc:///tmp/llm/reply.sock", "k")
	require.NoError(t, err)
	assert.Equal(t, "value-of-k", out)
}

func TestCallUnknownAction(t *testing.T) {
	_, dir := startServer(t, "sys")
	_, err := Call(context.Background(), dir.Target("sys"), "nope", "", "")
	assert.ErrorIs(t, err, ErrUnknownAction)
}

func TestCallHandlerError(t *testing.T) {
	s, dir := startServer(t, "yolo")
	s.Handle("setup", func(context.Context, string, string) (string, error) {
		return "", errors.New("boom")
	})
	_, err := Call(context.Background(), dir.Target("yolo"), "setup", "", "{}")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestCallHandlerPanicIsRecovered(t *testing.T) {
	s, dir := startServer(t, "vad")
	var calls atomic.Int32
	s.Handle("work", func(context.Context, string, string) (string, error) {
		if calls.Add(1) == 1 {
			panic("bad input")
		}
		return "None", nil
	})

	_, err := Call(context.Background(), dir.Target("vad"), "work", "", "")
	require.Error(t, err)

	out, err := Call(context.Background(), dir.Target("vad"), "work", "", "")
	require.NoError(t, err, "server survives a handler panic")
	assert.Equal(t, "None", out)
}

func TestCallUnreachable(t *testing.T) {
	dir := Directory{Format: "unix://" + filepath.Join(socketDir(t), "rpc.%s.sock")}
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	_, err := Call(ctx, dir.Target("ghost"), "ping", "", "")
	assert.Error(t, err)
}

func TestServerOverTCP(t *testing.T) {
	s := NewServer("tcpunit")
	require.NoError(t, s.Listen("tcp://127.0.0.1:0"))
	defer s.Close()
	s.Handle("echo", func(_ context.Context, _ string, body string) (string, error) { return body, nil })

	out, err := Call(context.Background(), "tcp://"+s.Addr(), "echo", "", "hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", out)
}

func TestCloseRemovesSocket(t *testing.T) {
	s, dir := startServer(t, "gone")
	path := dir.Target("gone")[len("unix://"):]
	_, err := os.Stat(path)
	require.NoError(t, err)

	s.Close()
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	assert.ErrorIs(t, s.Listen(dir.Target("gone")), ErrServerClosed)
	assert.ElementsMatch(t, []string{}, s.Actions())
}
