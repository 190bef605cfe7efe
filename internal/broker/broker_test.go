package broker

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/stackflow/internal/bus"
	"github.com/ChuLiYu/stackflow/internal/registry"
	"github.com/ChuLiYu/stackflow/internal/rpc"
	"github.com/ChuLiYu/stackflow/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Fixtures
// ============================================================================

type unitCall struct {
	unit, action, url, body string
}

type fakeCaller struct {
	mu    sync.Mutex
	calls []unitCall
	err   error
}

func (f *fakeCaller) Call(_ context.Context, unit, action, url, body string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, unitCall{unit, action, url, body})
	if f.err != nil {
		return "", f.err
	}
	return types.None, nil
}

type fakeCommander struct {
	mu     sync.Mutex
	runs   [][]string
	starts [][]string
	output []byte
}

func (f *fakeCommander) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, append([]string{name}, args...))
	return f.output, nil
}

func (f *fakeCommander) Start(name string, args ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, append([]string{name}, args...))
	return nil
}

func (f *fakeCommander) started() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string(nil), f.starts...)
}

type fakeSerial struct {
	got chan [4]int
}

func (f *fakeSerial) Reconfigure(baud, dataBits, stopBits, parity int) error {
	f.got <- [4]int{baud, dataBits, stopBits, parity}
	return nil
}

type fixture struct {
	b      *Broker
	reg    *registry.Registry
	caller *fakeCaller
	cmd    *fakeCommander
	dir    string
	lines  chan types.Response
}

const comID = 7

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	dir, err := os.MkdirTemp("", "broker")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	reg := registry.New(registry.Config{URLFormat: "inproc://" + t.Name() + "/port/%d"})
	t.Cleanup(reg.Close)

	cfg := Config{
		ComURLFormat: "inproc://" + t.Name() + "/com/%d",
		LsmodDir:     filepath.Join(dir, "modes"),
		UpdateDir:    filepath.Join(dir, "mnt"),
		HWRoot:       filepath.Join(dir, "hw"),
		HWSample:     time.Millisecond,
		UpgradeLock:  filepath.Join(dir, "llm_update.lock"),
		ResetLock:    filepath.Join(dir, "llm_reset.lock"),
		RebootDelay:  time.Millisecond,
		RestartDelay: time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	f := &fixture{
		reg:    reg,
		caller: &fakeCaller{},
		cmd:    &fakeCommander{},
		dir:    dir,
		lines:  make(chan types.Response, 64),
	}
	f.b, err = New(cfg, Options{
		Registry:  reg,
		Directory: rpc.Directory{Format: "unix://" + filepath.Join(dir, "rpc.%s.sock")},
		Caller:    f.caller,
		Commander: f.cmd,
	})
	require.NoError(t, err)
	require.NoError(t, f.b.Start())
	t.Cleanup(f.b.Close)

	pull, err := bus.NewPuller(f.b.ComURL(comID), func(msg []byte) {
		if !strings.HasSuffix(string(msg), "\n") {
			return
		}
		var r types.Response
		if json.Unmarshal(msg, &r) == nil {
			f.lines <- r
		}
	})
	require.NoError(t, err)
	t.Cleanup(func() { pull.Close() })
	return f
}

func (f *fixture) send(v any) {
	var msg []byte
	switch m := v.(type) {
	case string:
		msg = []byte(m)
	default:
		msg, _ = json.Marshal(m)
	}
	f.b.Dispatch(comID, msg)
}

func (f *fixture) next(t *testing.T) types.Response {
	t.Helper()
	select {
	case r := <-f.lines:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("no reply")
		return types.Response{}
	}
}

func (f *fixture) quiet(t *testing.T) {
	t.Helper()
	select {
	case r := <-f.lines:
		t.Fatalf("unexpected reply %+v", r)
	case <-time.After(50 * time.Millisecond):
	}
}

func sysReq(requestID, action, object string, data any) map[string]any {
	return map[string]any{
		"request_id": requestID,
		"work_id":    "sys",
		"action":     action,
		"object":     object,
		"data":       data,
	}
}

// ============================================================================
// Routing
// ============================================================================

func TestDispatchRejectsMalformed(t *testing.T) {
	f := newFixture(t, nil)

	for _, msg := range []string{
		`{"request_id":"1"`,
		`{"request_id":"1","work_id":"sys"}`,
		`{"work_id":"sys","action":"ping"}`,
		`{"request_id":1,"work_id":"sys","action":"ping"}`,
	} {
		f.send(msg)
		r := f.next(t)
		assert.Equal(t, "0", r.RequestID, msg)
		assert.Equal(t, "sys", r.WorkID, msg)
		assert.Equal(t, types.CodeJSONFormat, r.Error.Code, msg)
		assert.Equal(t, "json format error", r.Error.Message, msg)
	}
}

func TestDispatchEmptyWorkIDGoesToSys(t *testing.T) {
	f := newFixture(t, nil)
	f.send(`{"request_id":"p1","work_id":"","action":"ping"}`)
	r := f.next(t)
	assert.Equal(t, "p1", r.RequestID)
	assert.Equal(t, "sys", r.WorkID)
	assert.Equal(t, types.CodeOK, r.Error.Code)
	assert.Equal(t, types.None, r.Object)
}

func TestDispatchUnknownSysAction(t *testing.T) {
	f := newFixture(t, nil)
	f.send(sysReq("2", "fly", "", nil))
	r := f.next(t)
	assert.Equal(t, types.CodeActionMatch, r.Error.Code)
	assert.Equal(t, "action match false", r.Error.Message)
}

func TestDispatchInference(t *testing.T) {
	f := newFixture(t, nil)
	entry, err := f.reg.Register("llm")
	require.NoError(t, err)

	got := make(chan map[string]any, 4)
	sub, err := bus.NewSubscriber(entry.InferenceURL, func(msg []byte) {
		var m map[string]any
		if json.Unmarshal(msg, &m) == nil {
			got <- m
		}
	})
	require.NoError(t, err)
	defer sub.Close()

	f.send(map[string]any{
		"request_id": "3", "work_id": "llm.0", "action": "inference",
		"object": "llm.utf-8", "data": "hi",
	})
	select {
	case m := <-got:
		assert.Equal(t, f.b.ComURL(comID), m["zmq_com"])
		assert.Equal(t, "hi", m["data"])
		assert.Equal(t, "3", m["request_id"])
	case <-time.After(2 * time.Second):
		t.Fatal("inference not published")
	}
	f.quiet(t)
}

func TestDispatchInferenceUnknownTask(t *testing.T) {
	f := newFixture(t, nil)
	f.send(map[string]any{"request_id": "4", "work_id": "llm.5", "action": "inference", "data": "x"})
	r := f.next(t)
	assert.Equal(t, "4", r.RequestID)
	assert.Equal(t, "llm.5", r.WorkID)
	assert.Equal(t, types.CodeInferencePush, r.Error.Code)
}

func TestDispatchForwardsToUnit(t *testing.T) {
	f := newFixture(t, nil)
	msg := `{"request_id":"5","work_id":"llm","action":"setup","object":"llm.setup","data":{"model":"m"}}`
	f.send(msg)
	f.quiet(t)

	f.caller.mu.Lock()
	defer f.caller.mu.Unlock()
	require.Len(t, f.caller.calls, 1)
	c := f.caller.calls[0]
	assert.Equal(t, "llm", c.unit)
	assert.Equal(t, "setup", c.action)
	assert.Equal(t, f.b.ComURL(comID), c.url)
	assert.Equal(t, msg, c.body)
}

func TestDispatchUnitCallFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.caller.err = errors.New("connection refused")
	f.send(map[string]any{"request_id": "6", "work_id": "llm.2", "action": "exit"})
	r := f.next(t)
	assert.Equal(t, "6", r.RequestID)
	assert.Equal(t, "llm.2", r.WorkID)
	assert.Equal(t, types.CodeUnitCall, r.Error.Code)
	assert.Equal(t, "unit call false", r.Error.Message)
}

// ============================================================================
// Registry RPC
// ============================================================================

func TestRegistryRPCActions(t *testing.T) {
	f := newFixture(t, nil)
	target := f.b.Server().Addr()
	ctx := context.Background()

	out, err := rpc.Call(ctx, target, "register_unit", "", "asr")
	require.NoError(t, err)
	var entry registry.Entry
	require.NoError(t, json.Unmarshal([]byte(out), &entry))
	assert.Equal(t, "asr.0", entry.WorkID)
	assert.Equal(t, 0, entry.Ordinal)

	out, err = rpc.Call(ctx, target, "sql_select", "", "asr.0.out_port")
	require.NoError(t, err)
	assert.Equal(t, entry.OutURL, out)

	_, err = rpc.Call(ctx, target, "sql_set", "", `{"key":"config_x","val":"42"}`)
	require.NoError(t, err)
	out, err = rpc.Call(ctx, target, "sql_select", "", "config_x")
	require.NoError(t, err)
	assert.Equal(t, "42", out)

	_, err = rpc.Call(ctx, target, "sql_unset", "", "config_x")
	require.NoError(t, err)
	out, err = rpc.Call(ctx, target, "sql_select", "", "config_x")
	require.NoError(t, err)
	assert.Empty(t, out)

	_, err = rpc.Call(ctx, target, "sql_set", "", `not json`)
	assert.Error(t, err)

	out, err = rpc.Call(ctx, target, "release_unit", "", "asr.0")
	require.NoError(t, err)
	assert.Equal(t, types.None, out)
	assert.Empty(t, f.reg.Entries())
}

// ============================================================================
// sys.* actions
// ============================================================================

func TestSysVersionAndLstask(t *testing.T) {
	f := newFixture(t, nil)

	f.send(sysReq("v", "version", "", nil))
	r := f.next(t)
	assert.Equal(t, "sys.utf-8", r.Object)
	assert.Equal(t, "v1.4", r.Data)

	f.send(sysReq("l", "lstask", "", nil))
	r = f.next(t)
	assert.Equal(t, types.CodeNotAvailable, r.Error.Code)
	assert.Equal(t, "Not available at the moment.", r.Error.Message)
}

func TestSysLsmode(t *testing.T) {
	f := newFixture(t, nil)
	dir := f.b.Config().LsmodDir
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "mode_a.json"), []byte(`{"mode":"a"}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "mode_b.json"), []byte(`{broken`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte(`{}`), 0o644))

	f.send(sysReq("m", "lsmode", "", nil))
	r := f.next(t)
	assert.Equal(t, "sys.lsmode", r.Object)
	assert.Equal(t, []any{map[string]any{"mode": "a"}}, r.Data)
}

func TestSysLsmodeMissingDir(t *testing.T) {
	f := newFixture(t, nil)
	f.send(sysReq("m", "lsmode", "", nil))
	r := f.next(t)
	assert.Equal(t, types.CodeOK, r.Error.Code)
	assert.Equal(t, []any{}, r.Data)
}

func TestSysPushPlain(t *testing.T) {
	f := newFixture(t, nil)
	path := filepath.Join(f.dir, "up", "a.txt")

	f.send(sysReq("u", "push", "sys.file."+path, "hello"))
	r := f.next(t)
	require.Equal(t, types.CodeOK, r.Error.Code, r.Error.Message)
	sum := sha256.Sum256([]byte("hello"))
	assert.Equal(t, "sha256:"+hex.EncodeToString(sum[:]), r.Error.Message)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
}

func TestSysPushBase64Stream(t *testing.T) {
	f := newFixture(t, nil)
	path := filepath.Join(f.dir, "bin", "b.bin")
	enc := base64.StdEncoding.EncodeToString([]byte{0, 1, 2, 3, 255})
	object := "sys.base64.stream.file." + path

	f.send(sysReq("s", "push", object, map[string]any{"index": 0, "delta": enc[:4], "finish": false}))
	f.quiet(t)
	f.send(sysReq("s", "push", object, map[string]any{"index": 1, "delta": enc[4:], "finish": true}))
	r := f.next(t)
	require.Equal(t, types.CodeOK, r.Error.Code, r.Error.Message)
	assert.True(t, strings.HasPrefix(r.Error.Message, "sha256:"))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 1, 2, 3, 255}, got)
}

func TestSysPushErrors(t *testing.T) {
	f := newFixture(t, nil)
	abs := filepath.Join(f.dir, "x.bin")

	f.send(sysReq("1", "push", "sys.file.relative/path", "x"))
	assert.Equal(t, types.CodeFile, f.next(t).Error.Code)

	f.send(sysReq("2", "push", "sys.base64.file."+abs, "!!not base64!!"))
	assert.Equal(t, types.CodeBase64, f.next(t).Error.Code)

	object := "sys.stream.file." + abs
	f.send(sysReq("3", "push", object, map[string]any{"index": 0, "delta": "a", "finish": false}))
	f.send(sysReq("3", "push", object, map[string]any{"index": 2, "delta": "c", "finish": true}))
	assert.Equal(t, types.CodeStreamIndex, f.next(t).Error.Code)
}

func TestSysPull(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.StreamLength = 4 })
	path := filepath.Join(f.dir, "data.bin")
	content := []byte("stackflow pull")
	require.NoError(t, os.WriteFile(path, content, 0o644))
	enc := base64.StdEncoding.EncodeToString(content)

	f.send(sysReq("p", "pull", "sys.file."+path, nil))
	r := f.next(t)
	assert.Equal(t, "sys", r.WorkID)
	assert.Equal(t, "sys.base64.stream", r.Object)
	assert.Equal(t, enc, r.Data)

	f.send(sysReq("q", "pull", "sys.stream.file."+path, nil))
	var joined strings.Builder
	for i := 0; ; i++ {
		r := f.next(t)
		d, ok := r.Data.(map[string]any)
		require.True(t, ok)
		assert.EqualValues(t, i, d["index"])
		joined.WriteString(d["delta"].(string))
		if d["finish"] == true {
			assert.Empty(t, d["delta"])
			break
		}
		assert.LessOrEqual(t, len(d["delta"].(string)), 4)
	}
	assert.Equal(t, enc, joined.String())

	f.send(sysReq("r", "pull", "sys.file."+filepath.Join(f.dir, "missing"), nil))
	r = f.next(t)
	assert.Equal(t, types.CodeFile, r.Error.Code)
	assert.Equal(t, "file does not exist.", r.Error.Message)
}

func TestSysUpdateAndUpgrade(t *testing.T) {
	f := newFixture(t, nil)
	mnt := f.b.Config().UpdateDir
	require.NoError(t, os.MkdirAll(filepath.Join(mnt, "usb"), 0o755))
	pkg := filepath.Join(mnt, "usb", "llm_update_1.5.deb")
	require.NoError(t, os.WriteFile(pkg, nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(mnt, "other.deb"), nil, 0o644))

	f.send(sysReq("u", "update", "", nil))
	r := f.next(t)
	assert.Equal(t, pkg+"\n", r.Data)

	f.send(sysReq("g", "upgrade", "", 15))
	assert.Equal(t, types.CodeJSONFormat, f.next(t).Error.Code)

	f.send(sysReq("g", "upgrade", "", "llm_update_*.deb"))
	r = f.next(t)
	assert.Equal(t, "update ...", r.Data)
	require.Eventually(t, func() bool { return len(f.cmd.started()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"dpkg", "-i", pkg}, f.cmd.started()[0])
	assert.FileExists(t, f.b.Config().UpgradeLock)
}

func TestSysBashexec(t *testing.T) {
	f := newFixture(t, nil)
	f.cmd.output = []byte("total 0\n")

	f.send(sysReq("b", "bashexec", "sys.utf-8", "ls"))
	r := f.next(t)
	assert.Equal(t, "sys.utf-8", r.Object)
	assert.Equal(t, "total 0\n", r.Data)

	f.cmd.mu.Lock()
	assert.Equal(t, []string{"/bin/bash", "-c", "ls"}, f.cmd.runs[0])
	f.cmd.mu.Unlock()
}

func TestSysBashexecStream(t *testing.T) {
	f := newFixture(t, nil)
	f.cmd.output = []byte("ok")

	f.send(sysReq("b", "bashexec", "sys.utf-8.stream", map[string]any{"index": 0, "delta": "echo ", "finish": false}))
	assert.Equal(t, types.CodeOK, f.next(t).Error.Code)
	f.send(sysReq("b", "bashexec", "sys.utf-8.stream", map[string]any{"index": 1, "delta": "ok", "finish": true}))
	assert.Equal(t, types.CodeOK, f.next(t).Error.Code)

	first := f.next(t)
	assert.Equal(t, "sys.utf-8.stream", first.Object)
	assert.Equal(t, map[string]any{"index": float64(0), "delta": "ok", "finish": false}, first.Data)
	last := f.next(t)
	assert.Equal(t, map[string]any{"index": float64(1), "delta": "", "finish": true}, last.Data)

	f.cmd.mu.Lock()
	assert.Equal(t, []string{"/bin/bash", "-c", "echo ok"}, f.cmd.runs[0])
	f.cmd.mu.Unlock()
}

func TestSysHwinfo(t *testing.T) {
	f := newFixture(t, nil)
	root := f.b.Config().HWRoot
	write := func(rel, content string) {
		p := filepath.Join(root, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
	write("sys/class/thermal/thermal_zone0/temp", "48250\n")
	write("proc/stat", "cpu  100 0 100 800 0 0 0\ncpu0 1 2 3 4\n")
	write("proc/meminfo", "MemTotal:       1000 kB\nMemFree:         100 kB\nMemAvailable:    250 kB\n")

	f.send(sysReq("h", "hwinfo", "", nil))
	r := f.next(t)
	assert.Equal(t, "sys", r.WorkID)
	assert.Equal(t, "sys.hwinfo", r.Object)
	d, ok := r.Data.(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 48250, d["temperature"])
	assert.EqualValues(t, 75, d["mem"])
	assert.EqualValues(t, 0, d["cpu_loadavg"])
	assert.NotNil(t, d["eth_info"])
}

func TestSysUartsetup(t *testing.T) {
	f := newFixture(t, nil)
	serial := &fakeSerial{got: make(chan [4]int, 1)}
	f.b.SetSerial(serial)

	f.send(sysReq("s", "uartsetup", "", map[string]int{"baud": 9600, "data_bits": 8, "stop_bits": 1, "parity": 110}))
	assert.Equal(t, types.CodeOK, f.next(t).Error.Code)

	select {
	case got := <-serial.got:
		assert.Equal(t, [4]int{9600, 8, 1, 110}, got)
	case <-time.After(2 * time.Second):
		t.Fatal("serial line not restarted")
	}
	v, _ := f.reg.Get("config_serial_baud")
	assert.Equal(t, "9600", v)

	f.send(sysReq("s", "uartsetup", "", map[string]int{"baud": 9600}))
	assert.Equal(t, types.CodeJSONFormat, f.next(t).Error.Code)
}

func TestSysResetOnce(t *testing.T) {
	f := newFixture(t, nil)

	f.send(sysReq("r", "reset", "", nil))
	r := f.next(t)
	assert.Equal(t, "llm server restarting ...", r.Error.Message)
	require.Eventually(t, func() bool { return len(f.cmd.started()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"systemctl", "restart", "llm-*"}, f.cmd.started()[0])

	f.send(sysReq("r2", "reset", "", nil))
	f.next(t)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, f.cmd.started(), 1, "a reset in progress is not repeated")
}

func TestSysReboot(t *testing.T) {
	f := newFixture(t, nil)
	f.send(sysReq("r", "reboot", "", nil))
	assert.Equal(t, "rebooting ...", f.next(t).Error.Message)
	require.Eventually(t, func() bool { return len(f.cmd.started()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"reboot"}, f.cmd.started()[0])
}

func TestActionsTable(t *testing.T) {
	f := newFixture(t, nil)
	want := []string{"bashexec", "hwinfo", "lsmode", "lstask", "ping", "pull", "push",
		"reboot", "reset", "rmmode", "uartsetup", "update", "upgrade", "version"}
	var got []string
	for _, a := range f.b.Actions() {
		got = append(got, strings.TrimPrefix(a, "sys."))
	}
	assert.ElementsMatch(t, want, got)
}

func TestNewRequiresRegistry(t *testing.T) {
	_, err := New(Config{}, Options{})
	assert.ErrorIs(t, err, ErrNoRegistry)
}

func ExampleBroker_ComURL() {
	b, _ := New(Config{}, Options{Registry: registry.New(registry.Config{})})
	fmt.Println(b.ComURL(8000))
	// Output: ipc:///tmp/llm/8000.sock
}
