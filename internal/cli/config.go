package cli

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/stackflow/internal/broker"
	"github.com/ChuLiYu/stackflow/internal/frontend"
	"github.com/ChuLiYu/stackflow/internal/registry"
)

// Config represents the complete system configuration structure
// Maps config file fields through YAML tags
type Config struct {
	Sys struct {
		// ComURLFormat is the reply URL of client lines, %d is the com id.
		ComURLFormat string `yaml:"com_url_format"`
		// RPCFormat addresses unit RPC servers, %s is the unit name.
		RPCFormat string `yaml:"rpc_format"`
		// PortURLFormat, PortBase and PortCount describe the task port pool.
		PortURLFormat string `yaml:"port_url_format"`
		PortBase      int    `yaml:"port_base"`
		PortCount     int    `yaml:"port_count"`
		// SettingsFile persists config_* keys across restarts.
		SettingsFile    string        `yaml:"settings_file"`
		LsmodDir        string        `yaml:"lsmod_dir"`
		UpdateDir       string        `yaml:"update_dir"`
		StreamLength    int           `yaml:"stream_length"`
		UnitCallTimeout time.Duration `yaml:"unit_call_timeout"`
		Version         string        `yaml:"version"`
		UpgradeLock     string        `yaml:"upgrade_lock"`
		ResetLock       string        `yaml:"reset_lock"`
	} `yaml:"sys"`

	Serial struct {
		Enabled  bool   `yaml:"enabled"`
		Device   string `yaml:"device"`
		Baud     int    `yaml:"baud"`
		DataBits int    `yaml:"data_bits"`
		StopBits int    `yaml:"stop_bits"`
		Parity   string `yaml:"parity"`
		ComPort  int    `yaml:"com_port"`
	} `yaml:"serial"`

	TCP struct {
		Enabled      bool   `yaml:"enabled"`
		Addr         string `yaml:"addr"`
		FirstComPort int    `yaml:"first_com_port"`
	} `yaml:"tcp"`

	Worker struct {
		WorkerCount int           `yaml:"worker_count"`
		QueueSize   int           `yaml:"queue_size"`
		TaskTimeout time.Duration `yaml:"task_timeout"`
	} `yaml:"worker"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Unit struct {
		MaxTasks           int           `yaml:"max_tasks"`
		SerialPollInterval time.Duration `yaml:"serial_poll_interval"`
		DefaultOutputURL   string        `yaml:"default_output_url"`
	} `yaml:"unit"`
}

// DefaultConfig matches configs/sys.yaml.
func DefaultConfig() *Config {
	var cfg Config
	bc := broker.DefaultConfig()
	rc := registry.DefaultConfig()

	cfg.Sys.ComURLFormat = bc.ComURLFormat
	cfg.Sys.RPCFormat = "unix:///tmp/llm/rpc.%s.sock"
	cfg.Sys.PortURLFormat = rc.URLFormat
	cfg.Sys.PortBase = rc.PortBase
	cfg.Sys.PortCount = rc.PortCount
	cfg.Sys.SettingsFile = "/var/lib/stackflow/settings.json"
	cfg.Sys.LsmodDir = bc.LsmodDir
	cfg.Sys.UpdateDir = bc.UpdateDir
	cfg.Sys.StreamLength = bc.StreamLength
	cfg.Sys.UnitCallTimeout = bc.UnitCallTimeout
	cfg.Sys.Version = bc.Version
	cfg.Sys.UpgradeLock = bc.UpgradeLock
	cfg.Sys.ResetLock = bc.ResetLock

	cfg.Serial.Enabled = true
	cfg.Serial.Device = "/dev/ttyS1"
	cfg.Serial.Baud = 115200
	cfg.Serial.DataBits = 8
	cfg.Serial.StopBits = 1
	cfg.Serial.Parity = "n"
	cfg.Serial.ComPort = 5556

	cfg.TCP.Enabled = true
	cfg.TCP.Addr = ":10001"
	cfg.TCP.FirstComPort = frontend.DefaultFirstComPort

	cfg.Worker.WorkerCount = bc.Workers
	cfg.Worker.QueueSize = bc.QueueSize

	cfg.Metrics.Port = 9090

	cfg.Unit.SerialPollInterval = time.Second
	return &cfg
}

// loadConfig reads path over DefaultConfig, so a config file only needs the
// values it changes.
func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if _, err := parseParity(cfg.Serial.Parity); err != nil {
		return nil, err
	}
	return cfg, nil
}

// parseParity maps "n", "o" or "e" (any case, or empty) to the parity value
// the serial line takes.
func parseParity(s string) (int, error) {
	switch s {
	case "", "n", "N", "none":
		return 'n', nil
	case "o", "O", "odd":
		return 'o', nil
	case "e", "E", "even":
		return 'e', nil
	}
	return 0, fmt.Errorf("invalid serial parity %q", s)
}

// Serial setting keys in the discovery table.
const (
	keySerialBaud     = "config_serial_baud"
	keySerialDataBits = "config_serial_data_bits"
	keySerialStopBits = "config_serial_stop_bits"
	keySerialParity   = "config_serial_parity"
)

// seedSettings returns the config_* keys the broker starts with: the config
// file's values overlaid by whatever sys.uartsetup persisted last time.
func (c *Config) seedSettings(persisted map[string]string) map[string]string {
	parity, _ := parseParity(c.Serial.Parity)
	out := map[string]string{
		keySerialBaud:     strconv.Itoa(c.Serial.Baud),
		keySerialDataBits: strconv.Itoa(c.Serial.DataBits),
		keySerialStopBits: strconv.Itoa(c.Serial.StopBits),
		keySerialParity:   strconv.Itoa(parity),
	}
	for k, v := range persisted {
		out[k] = v
	}
	return out
}

// serialConfig builds the serial line settings from the seeded keys. Keys
// that do not parse keep the config file's value.
func (c *Config) serialConfig(settings map[string]string) frontend.SerialConfig {
	parity, _ := parseParity(c.Serial.Parity)
	sc := frontend.SerialConfig{
		Device:   c.Serial.Device,
		Baud:     c.Serial.Baud,
		DataBits: c.Serial.DataBits,
		StopBits: c.Serial.StopBits,
		Parity:   parity,
		ComPort:  c.Serial.ComPort,
	}
	for key, dst := range map[string]*int{
		keySerialBaud:     &sc.Baud,
		keySerialDataBits: &sc.DataBits,
		keySerialStopBits: &sc.StopBits,
		keySerialParity:   &sc.Parity,
	} {
		if v, err := strconv.Atoi(settings[key]); err == nil {
			*dst = v
		}
	}
	return sc
}

func (c *Config) brokerConfig() broker.Config {
	return broker.Config{
		ComURLFormat:    c.Sys.ComURLFormat,
		LsmodDir:        c.Sys.LsmodDir,
		UpdateDir:       c.Sys.UpdateDir,
		StreamLength:    c.Sys.StreamLength,
		UnitCallTimeout: c.Sys.UnitCallTimeout,
		Workers:         c.Worker.WorkerCount,
		QueueSize:       c.Worker.QueueSize,
		TaskTimeout:     c.Worker.TaskTimeout,
		Version:         c.Sys.Version,
		UpgradeLock:     c.Sys.UpgradeLock,
		ResetLock:       c.Sys.ResetLock,
	}
}

// registryConfig keeps the task port pool clear of the com ports the serial
// line and TCP connections bind under the same URL scheme.
func (c *Config) registryConfig() registry.Config {
	rc := registry.Config{
		PortBase:  c.Sys.PortBase,
		PortCount: c.Sys.PortCount,
		URLFormat: c.Sys.PortURLFormat,
	}
	if c.Sys.PortURLFormat != c.Sys.ComURLFormat {
		return rc
	}
	if c.Serial.Enabled {
		rc.Reserved = append(rc.Reserved, c.Serial.ComPort)
	}
	if c.TCP.Enabled {
		for p := max(c.Sys.PortBase, c.TCP.FirstComPort); p < c.Sys.PortBase+c.Sys.PortCount && p <= frontend.MaxComPort; p++ {
			rc.Reserved = append(rc.Reserved, p)
		}
	}
	return rc
}
