// ============================================================================
// StackFlow CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Provides the command line of the broker and unit binaries, based
//          on the Cobra framework
//
// Command Structure:
//   stackflow                      # Root command
//   ├── run                        # Start the broker (sys unit + front-ends)
//   ├── call WORK_ID ACTION [DATA] # Send one command over TCP, print replies
//   │   ├── --addr                # Broker TCP address
//   │   ├── --object              # Request object
//   │   └── --timeout             # How long to wait for the final reply
//   ├── status                     # Print the effective configuration
//   ├── --config, -c               # Config file (default configs/sys.yaml)
//   └── --version
//
//   Unit binaries get a root with only "run" (see BuildUnitCLI).
//
// Configuration Management:
//   YAML config file read over built-in defaults. Sections:
//   - sys:     URLs, port pool, settings file, sys.* action tunables
//   - serial:  device and line settings (overridden by sys.uartsetup values
//              persisted in the settings file)
//   - tcp:     listen address and first com id
//   - worker:  pool running slow sys.* actions
//   - metrics: Prometheus endpoint
//   - unit:    options for unit processes
//
// run Command:
//   1. Load config file and persisted settings
//   2. Seed config_* keys into the registry
//   3. Start the broker, open the serial line, bind the TCP listener
//      (a serial device that cannot be opened aborts with a non-zero exit)
//   4. Serve until SIGINT/SIGTERM, then shut down front-ends before the broker
//
//   Examples:
//     ./stackflow run
//     ./stackflow run -c /etc/stackflow/sys.yaml
//
// call Command:
//   Examples:
//     ./stackflow call sys ping
//     ./stackflow call sys bashexec '"uname -a"'
//     ./stackflow call echo setup '{"prefix":"> "}' --object echo.setup
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ChuLiYu/stackflow/internal/framer"
	"github.com/ChuLiYu/stackflow/internal/metrics"
	"github.com/ChuLiYu/stackflow/internal/settings"
	"github.com/ChuLiYu/stackflow/internal/stackflow"
)

// Version is reported by --version.
const Version = "1.4.0"

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "stackflow",
		Short: "StackFlow: message broker for edge AI units",
		Long: `StackFlow routes JSON commands from serial and TCP clients to unit
processes and back:
- per-task publish/subscribe ports
- discovery key/value table
- sys.* device management actions`,
		Version: Version,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/sys.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildCallCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

func buildRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the StackFlow broker",
		Long:  "Start the sys unit with its serial and TCP front-ends",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSystem()
		},
	}
	return cmd
}

func runSystem() error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log.Printf("Starting StackFlow broker with config: %s\n", configFile)
	log.Printf("Workers: %d, Queue: %d\n", cfg.Worker.WorkerCount, cfg.Worker.QueueSize)

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector()
	}

	sys, err := NewSystem(cfg, collector)
	if err != nil {
		return err
	}
	if err := sys.Start(); err != nil {
		return err
	}
	if addr := sys.TCPAddr(); addr != nil {
		log.Printf("TCP clients on %s\n", addr)
	}
	if cfg.Serial.Enabled {
		log.Printf("Serial line on %s @ %d\n", cfg.Serial.Device, cfg.Serial.Baud)
	}
	log.Println("System started successfully")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := sys.Serve(ctx); err != nil {
		return err
	}
	log.Println("System stopped. Goodbye!")
	return nil
}

// BuildUnitCLI returns the command line of a unit binary.
func BuildUnitCLI(name string, newUnit func() stackflow.Unit) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "stackflow-" + name,
		Short:   fmt.Sprintf("StackFlow %s unit", name),
		Version: Version,
	}
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/sys.yaml", "config file path")
	rootCmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: fmt.Sprintf("Start the %s unit", name),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUnit(name, newUnit())
		},
	})
	return rootCmd
}

func runUnit(name string, unit stackflow.Unit) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	sf, err := stackflow.New(name, unit, cfg.unitOptions(nil))
	if err != nil {
		return fmt.Errorf("failed to create unit: %w", err)
	}
	if err := sf.Start(); err != nil {
		return fmt.Errorf("failed to start unit: %w", err)
	}
	log.Printf("Unit %s started\n", name)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Printf("\nReceived shutdown signal, stopping %s...\n", name)
	sf.Close()
	return nil
}

// ============================================================================
// call
// ============================================================================

func buildCallCommand() *cobra.Command {
	var addr, object string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "call WORK_ID ACTION [DATA]",
		Short: "Send one command to the broker over TCP",
		Long: `Send one request and print every reply until the final one arrives.
DATA is sent as JSON when it parses as JSON, otherwise as a string.`,
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				cfg, err := loadConfig(configFile)
				if err != nil {
					return fmt.Errorf("failed to load config: %w", err)
				}
				addr = dialAddr(cfg.TCP.Addr)
			}
			var data string
			if len(args) == 3 {
				data = args[2]
			}
			req, requestID, err := buildRequest(args[0], args[1], object, data)
			if err != nil {
				return err
			}
			return callRemote(addr, req, requestID, timeout, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "broker TCP address (default from config)")
	cmd.Flags().StringVar(&object, "object", "", "request object")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "how long to wait for the final reply")

	return cmd
}

// dialAddr turns a listen address such as ":10001" into a dialable one.
func dialAddr(listen string) string {
	if strings.HasPrefix(listen, ":") {
		return "127.0.0.1" + listen
	}
	return listen
}

// buildRequest encodes a request with a fresh request id.
func buildRequest(workID, action, object, data string) ([]byte, string, error) {
	requestID := uuid.NewString()
	req := map[string]any{
		"request_id": requestID,
		"work_id":    workID,
		"action":     action,
	}
	if object != "" {
		req["object"] = object
	}
	if data != "" {
		if json.Valid([]byte(data)) {
			req["data"] = json.RawMessage(data)
		} else {
			req["data"] = data
		}
	}
	b, err := json.Marshal(req)
	return b, requestID, err
}

var errNoReply = errors.New("no final reply before timeout")

// callRemote sends req and copies replies to out, one per line, until the
// reply to requestID that is not an unfinished stream delta.
func callRemote(addr string, req []byte, requestID string, timeout time.Duration, out io.Writer) error {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	defer conn.Close()

	if _, err := conn.Write(req); err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	conn.SetReadDeadline(time.Now().Add(timeout))

	f := framer.New()
	done := false
	buf := make([]byte, 4096)
	for !done {
		n, err := conn.Read(buf)
		if n > 0 {
			ferr := f.Feed(buf[:n], func(msg []byte) {
				fmt.Fprintln(out, string(msg))
				if isFinal(msg, requestID) {
					done = true
				}
			})
			if ferr != nil {
				return ferr
			}
		}
		if err != nil && !done {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return errNoReply
			}
			return err
		}
	}
	return nil
}

func isFinal(msg []byte, requestID string) bool {
	var r struct {
		RequestID string          `json:"request_id"`
		Data      json.RawMessage `json:"data"`
	}
	if json.Unmarshal(msg, &r) != nil || r.RequestID != requestID {
		return false
	}
	var delta struct {
		Finish *bool `json:"finish"`
	}
	if json.Unmarshal(r.Data, &delta) == nil && delta.Finish != nil {
		return *delta.Finish
	}
	return true
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show system status",
		Long:  "Display the effective configuration and persisted settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus(cmd.OutOrStdout())
		},
	}
	return cmd
}

func showStatus(w io.Writer) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	fmt.Fprintln(w, "\n╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(w, "║           StackFlow System Status                         ║")
	fmt.Fprintln(w, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "📋 Configuration:")
	fmt.Fprintf(w, "  └─ Config File:     %s\n", configFile)
	fmt.Fprintf(w, "  └─ Version:         %s\n", cfg.Sys.Version)
	fmt.Fprintf(w, "  └─ Workers:         %d (queue %d)\n", cfg.Worker.WorkerCount, cfg.Worker.QueueSize)
	fmt.Fprintf(w, "  └─ RPC:             %s\n", cfg.Sys.RPCFormat)
	fmt.Fprintf(w, "  └─ Task Ports:      %d-%d (%s)\n", cfg.Sys.PortBase, cfg.Sys.PortBase+cfg.Sys.PortCount-1, cfg.Sys.PortURLFormat)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "🔌 Front-ends:")
	if cfg.Serial.Enabled {
		fmt.Fprintf(w, "  ├─ Serial:  %s %d %d%s%d (com %d)\n", cfg.Serial.Device, cfg.Serial.Baud,
			cfg.Serial.DataBits, strings.ToUpper(cfg.Serial.Parity), cfg.Serial.StopBits, cfg.Serial.ComPort)
	} else {
		fmt.Fprintln(w, "  ├─ Serial:  disabled")
	}
	if cfg.TCP.Enabled {
		fmt.Fprintf(w, "  └─ TCP:     %s (com ids from %d)\n", cfg.TCP.Addr, cfg.TCP.FirstComPort)
	} else {
		fmt.Fprintln(w, "  └─ TCP:     disabled")
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "💾 Settings:")
	fmt.Fprintf(w, "  └─ File: %s\n", cfg.Sys.SettingsFile)
	persisted, err := settings.NewManager(cfg.Sys.SettingsFile).Load()
	switch {
	case err != nil:
		fmt.Fprintf(w, "     └─ ⚠️  %v\n", err)
	case len(persisted) == 0:
		fmt.Fprintln(w, "     └─ (none)")
	default:
		for _, k := range sortedKeys(persisted) {
			fmt.Fprintf(w, "     └─ %s = %s\n", k, persisted[k])
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "📡 Metrics:")
	if cfg.Metrics.Enabled {
		fmt.Fprintf(w, "  └─ Status: ✅ Enabled on http://localhost:%d/metrics\n", cfg.Metrics.Port)
	} else {
		fmt.Fprintln(w, "  └─ Status: ⚠️  Disabled")
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "═══════════════════════════════════════════════════════════")
	return nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
