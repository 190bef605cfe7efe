package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ChuLiYu/stackflow/pkg/types"
)

// call is the reply context of one sys.* request.
type call struct {
	b     *Broker
	comID int
	req   types.Request
}

// status replies with object and data set to None.
func (c *call) status(body types.ErrorBody) {
	c.b.replyError(c.comID, c.req.RequestID, c.req.WorkID, body)
}

// ok replies with code 0 and message.
func (c *call) ok(message string) {
	c.status(types.NewError(types.CodeOK, message))
}

// out replies with text (object sys.utf-8) or a stream element (object
// sys.utf-8.stream).
func (c *call) out(data any) {
	object := "sys.utf-8"
	if _, text := data.(string); !text {
		object = "sys.utf-8.stream"
	}
	c.reply(c.req.WorkID, object, data)
}

func (c *call) reply(workID, object string, data any) {
	c.b.send(c.comID, types.NewResponse(c.req.RequestID, workID, object, data, types.NoError))
}

// dataString returns the data field when it is a JSON string.
func (c *call) dataString() (string, bool) {
	var s string
	if err := json.Unmarshal(c.req.Data, &s); err != nil {
		return "", false
	}
	return s, true
}

type actionFunc func(ctx context.Context, c *call) error

type action struct {
	fn   actionFunc
	slow bool
}

func (b *Broker) sysActions() map[string]action {
	return map[string]action{
		"sys.ping":      {fn: b.sysPing},
		"sys.version":   {fn: b.sysVersion},
		"sys.lsmode":    {fn: b.sysLsmode},
		"sys.lstask":    {fn: b.sysLstask},
		"sys.push":      {fn: b.sysPush},
		"sys.pull":      {fn: b.sysPull, slow: true},
		"sys.update":    {fn: b.sysUpdate, slow: true},
		"sys.upgrade":   {fn: b.sysUpgrade, slow: true},
		"sys.bashexec":  {fn: b.sysBashexec},
		"sys.hwinfo":    {fn: b.sysHwinfo, slow: true},
		"sys.uartsetup": {fn: b.sysUartsetup, slow: true},
		"sys.reset":     {fn: b.sysReset, slow: true},
		"sys.reboot":    {fn: b.sysReboot, slow: true},
		"sys.rmmode":    {fn: b.sysRmmode, slow: true},
	}
}

// Actions lists the sys.* action names.
func (b *Broker) Actions() []string {
	out := make([]string, 0, len(b.actions))
	for name := range b.actions {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (b *Broker) sysPing(_ context.Context, c *call) error {
	c.status(types.NoError)
	return nil
}

func (b *Broker) sysVersion(_ context.Context, c *call) error {
	c.out(b.cfg.Version)
	return nil
}

func (b *Broker) sysLstask(_ context.Context, c *call) error {
	return types.ErrNotAvailable
}

// sysLsmode lists every parsable *.json file in LsmodDir. A missing
// directory yields an empty list.
func (b *Broker) sysLsmode(_ context.Context, c *call) error {
	modes := make([]json.RawMessage, 0)
	entries, err := os.ReadDir(b.cfg.LsmodDir)
	if err != nil {
		log.Warn("lsmode dir unreadable", "dir", b.cfg.LsmodDir, "error", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.Contains(e.Name(), ".json") {
			continue
		}
		path := filepath.Join(b.cfg.LsmodDir, e.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			log.Warn("lsmode read failed", "file", path, "error", err)
			continue
		}
		if !json.Valid(raw) {
			log.Warn("lsmode json format error", "file", path)
			continue
		}
		modes = append(modes, json.RawMessage(raw))
	}
	c.reply(c.req.WorkID, "sys.lsmode", modes)
	return nil
}

// sysUpdate lists llm_update_*.deb packages under UpdateDir, one path per
// line.
func (b *Broker) sysUpdate(_ context.Context, c *call) error {
	paths, err := findFiles(b.cfg.UpdateDir, "llm_update_*.deb")
	if err != nil {
		return types.NewError(types.CodeFile, "Internal error, file opening failed.")
	}
	var sb strings.Builder
	for _, p := range paths {
		sb.WriteString(p)
		sb.WriteByte('\n')
	}
	c.out(sb.String())
	return nil
}

// sysUpgrade installs the packages matching the name in data. The reply goes
// out before dpkg starts; completion is reported by the serial line after
// the restart that the packages trigger.
func (b *Broker) sysUpgrade(ctx context.Context, c *call) error {
	pattern, ok := c.dataString()
	if !ok {
		return types.NewError(types.CodeJSONFormat, "json sys.version get false.")
	}
	c.out("update ...")

	if err := touch(b.cfg.UpgradeLock); err != nil {
		log.Warn("upgrade lock not written", "path", b.cfg.UpgradeLock, "error", err)
	}
	paths, err := findFiles(b.cfg.UpdateDir, pattern)
	if err != nil || len(paths) == 0 {
		log.Warn("no upgrade package", "pattern", pattern, "error", err)
		return nil
	}
	if err := b.cmd.Start("dpkg", append([]string{"-i"}, paths...)...); err != nil {
		log.Error("upgrade start failed", "error", err)
	}
	return nil
}

func (b *Broker) sysRmmode(ctx context.Context, c *call) error {
	name, ok := c.dataString()
	if !ok || name == "" {
		return types.ErrJSONFormat
	}
	if out, err := b.cmd.Run(ctx, "dpkg", "-P", "llm-"+name); err != nil {
		log.Warn("rmmode failed", "mode", name, "output", string(out), "error", err)
	}
	c.status(types.NoError)
	return nil
}

func (b *Broker) sysReset(_ context.Context, c *call) error {
	c.ok("llm server restarting ...")
	if _, err := os.Stat(b.cfg.ResetLock); err == nil {
		return nil
	}
	if err := touch(b.cfg.ResetLock); err != nil {
		log.Warn("reset lock not written", "path", b.cfg.ResetLock, "error", err)
	}
	return b.cmd.Start("systemctl", "restart", "llm-*")
}

func (b *Broker) sysReboot(ctx context.Context, c *call) error {
	c.ok("rebooting ...")
	if err := sleep(ctx, b.cfg.RebootDelay); err != nil {
		return err
	}
	return b.cmd.Start("reboot")
}

// uartParams is the data of sys.uartsetup.
type uartParams struct {
	Baud     *int `json:"baud"`
	DataBits *int `json:"data_bits"`
	StopBits *int `json:"stop_bits"`
	Parity   *int `json:"parity"`
}

// sysUartsetup stores the new serial settings, acknowledges on the old
// settings and then restarts the serial line.
func (b *Broker) sysUartsetup(ctx context.Context, c *call) error {
	var p uartParams
	if err := json.Unmarshal(c.req.Data, &p); err != nil ||
		p.Baud == nil || p.DataBits == nil || p.StopBits == nil || p.Parity == nil {
		return types.ErrJSONFormat
	}
	for key, v := range map[string]int{
		"config_serial_baud":      *p.Baud,
		"config_serial_data_bits": *p.DataBits,
		"config_serial_stop_bits": *p.StopBits,
		"config_serial_parity":    *p.Parity,
	} {
		if err := b.reg.Set(key, strconv.Itoa(v)); err != nil {
			log.Warn("serial setting not persisted", "key", key, "error", err)
		}
	}
	c.status(types.NoError)

	if err := sleep(ctx, b.cfg.RestartDelay); err != nil {
		return err
	}
	sc := b.serialControl()
	if sc == nil {
		log.Warn("uartsetup without a serial line")
		return nil
	}
	if err := sc.Reconfigure(*p.Baud, *p.DataBits, *p.StopBits, *p.Parity); err != nil {
		// The client is on the line being restarted; there is nobody to tell.
		log.Error("serial restart failed", "error", err)
	}
	return nil
}

// ============================================================================
// helpers
// ============================================================================

// findFiles walks root and returns files whose base name matches pattern.
func findFiles(root, pattern string) ([]string, error) {
	if _, err := filepath.Match(pattern, ""); err != nil {
		return nil, err
	}
	var out []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if ok, _ := filepath.Match(pattern, d.Name()); ok {
			out = append(out, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("find %s in %s: %w", pattern, root, err)
	}
	sort.Strings(out)
	return out, nil
}

func touch(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var errPathNotAbsolute = errors.New("file path error")
