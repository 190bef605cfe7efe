package broker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ChuLiYu/stackflow/internal/stream"
	"github.com/ChuLiYu/stackflow/internal/worker"
	"github.com/ChuLiYu/stackflow/pkg/types"
)

// Commander runs external programs for the process-affecting sys.* actions.
type Commander interface {
	// Run waits for the program and returns its combined output.
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
	// Start launches the program without waiting for it.
	Start(name string, args ...string) error
}

// ExecCommander runs programs with os/exec.
type ExecCommander struct{}

func (ExecCommander) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

func (ExecCommander) Start(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", name, err)
	}
	go func() {
		if err := cmd.Wait(); err != nil {
			log.Debug("background command exited", "cmd", name, "error", err)
		}
	}()
	return nil
}

// bashChunk is the delta size of streamed sys.bashexec output.
const bashChunk = 511

// sysBashexec runs a shell command line. A streamed command line is
// acknowledged delta by delta and runs once the finishing delta arrives.
func (b *Broker) sysBashexec(_ context.Context, c *call) error {
	streamed := types.IsStream(c.req.Object)

	var cmdline string
	if streamed {
		b.streamMu.Lock()
		dec, ok := b.bash[c.comID]
		if !ok {
			dec = stream.NewDecoder()
			b.bash[c.comID] = dec
		}
		joined, done, err := dec.AddJSON(c.req.Data)
		if done || err != nil {
			delete(b.bash, c.comID)
		}
		b.streamMu.Unlock()
		if err != nil {
			return err
		}
		c.status(types.NoError)
		if !done {
			return nil
		}
		cmdline = joined
	} else {
		s, ok := c.dataString()
		if !ok {
			return types.ErrJSONFormat
		}
		cmdline = s
	}

	err := b.pool.Submit(worker.Task{
		ID:      c.req.RequestID,
		Payload: c,
		Timeout: b.cfg.TaskTimeout,
		Run: func(ctx context.Context) (any, error) {
			return nil, b.runBash(ctx, c, cmdline, streamed)
		},
	})
	if err != nil {
		return types.ErrNotAvailable
	}
	return nil
}

func (b *Broker) runBash(ctx context.Context, c *call, cmdline string, streamed bool) error {
	out, err := b.cmd.Run(ctx, b.cfg.Shell, "-c", cmdline)
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return err
	}
	if !streamed {
		c.out(string(out))
		return nil
	}
	index := 0
	for pos := 0; pos < len(out); pos += bashChunk {
		end := pos + bashChunk
		if end > len(out) {
			end = len(out)
		}
		c.out(stream.Delta(index, string(out[pos:end]), false))
		index++
	}
	c.out(stream.Delta(index, "", true))
	return nil
}

// ============================================================================
// sys.hwinfo
// ============================================================================

type ethInfo struct {
	Name  string `json:"name"`
	IP    string `json:"ip"`
	Speed string `json:"speed"`
}

type hwInfo struct {
	Temperature int64     `json:"temperature"`
	CPULoadavg  int       `json:"cpu_loadavg"`
	Mem         int       `json:"mem"`
	EthInfo     []ethInfo `json:"eth_info"`
}

func (b *Broker) sysHwinfo(ctx context.Context, c *call) error {
	info, err := b.readHWInfo(ctx)
	if err != nil {
		return err
	}
	c.reply(types.SysUnit, "sys.hwinfo", info)
	return nil
}

func (b *Broker) hwPath(p string) string {
	return filepath.Join(b.cfg.HWRoot, p)
}

func (b *Broker) readHWInfo(ctx context.Context) (hwInfo, error) {
	info := hwInfo{EthInfo: make([]ethInfo, 0)}

	if raw, err := os.ReadFile(b.hwPath("sys/class/thermal/thermal_zone0/temp")); err == nil {
		info.Temperature, _ = strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	}

	busy0, total0, err0 := readCPU(b.hwPath("proc/stat"))
	if err := sleep(ctx, b.cfg.HWSample); err != nil {
		return info, err
	}
	busy1, total1, err1 := readCPU(b.hwPath("proc/stat"))
	if err0 == nil && err1 == nil && total1 > total0 {
		info.CPULoadavg = int((busy1 - busy0) * 100 / (total1 - total0))
	}

	if total, avail, err := readMem(b.hwPath("proc/meminfo")); err == nil && total > 0 {
		info.Mem = int((total - avail) * 100 / total)
	}

	ifaces, err := net.Interfaces()
	if err != nil {
		log.Warn("interface list failed", "error", err)
		return info, nil
	}
	for _, ifc := range ifaces {
		ip := ipv4Of(ifc)
		if ip == "" {
			continue
		}
		speed := ""
		if raw, err := os.ReadFile(b.hwPath(filepath.Join("sys/class/net", ifc.Name, "speed"))); err == nil {
			speed = strings.TrimSpace(string(raw))
		}
		info.EthInfo = append(info.EthInfo, ethInfo{Name: ifc.Name, IP: ip, Speed: speed})
	}
	return info, nil
}

// readCPU returns user+nice+system and user+nice+system+idle jiffies from
// the aggregate cpu line.
func readCPU(path string) (busy, total float64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()
	var label string
	var user, nice, system, idle float64
	if _, err := fmt.Fscan(f, &label, &user, &nice, &system, &idle); err != nil {
		return 0, 0, fmt.Errorf("parse %s: %w", path, err)
	}
	busy = user + nice + system
	return busy, busy + idle, nil
}

// readMem returns MemTotal and MemAvailable in kB.
func readMem(path string) (total, avail float64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 {
			continue
		}
		v, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			total = v
		case "MemAvailable:":
			avail = v
		}
	}
	return total, avail, sc.Err()
}

func ipv4Of(ifc net.Interface) string {
	addrs, err := ifc.Addrs()
	if err != nil {
		return ""
	}
	for _, a := range addrs {
		if ipn, ok := a.(*net.IPNet); ok {
			if v4 := ipn.IP.To4(); v4 != nil {
				return v4.String()
			}
		}
	}
	return ""
}
