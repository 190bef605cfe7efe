package cli

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"

	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/stackflow/internal/broker"
	"github.com/ChuLiYu/stackflow/internal/frontend"
	"github.com/ChuLiYu/stackflow/internal/metrics"
	"github.com/ChuLiYu/stackflow/internal/registry"
	"github.com/ChuLiYu/stackflow/internal/rpc"
	"github.com/ChuLiYu/stackflow/internal/settings"
	"github.com/ChuLiYu/stackflow/internal/stackflow"
)

// System is the broker process: registry, sys unit, serial line, TCP
// listener and metrics endpoint.
type System struct {
	cfg       *Config
	collector *metrics.Collector

	settings *settings.Manager
	reg      *registry.Registry
	broker   *broker.Broker
	serial   *frontend.Serial
	tcp      *frontend.TCPServer
	metrics  *http.Server
}

// NewSystem wires the broker process from cfg. collector may be nil.
func NewSystem(cfg *Config, collector *metrics.Collector) (*System, error) {
	s := &System{cfg: cfg, collector: collector}

	s.settings = settings.NewManager(cfg.Sys.SettingsFile)
	persisted, err := s.settings.Load()
	if err != nil {
		log.Printf("Ignoring settings file %s: %v\n", cfg.Sys.SettingsFile, err)
		persisted = nil
	}
	seed := cfg.seedSettings(persisted)

	rc := cfg.registryConfig()
	rc.Persister = s.settings
	s.reg = registry.New(rc)
	s.reg.Seed(seed)

	s.broker, err = broker.New(cfg.brokerConfig(), broker.Options{
		Registry:  s.reg,
		Directory: rpc.Directory{Format: cfg.Sys.RPCFormat},
		Metrics:   collector,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create broker: %w", err)
	}
	bc := s.broker.Config()

	if cfg.Serial.Enabled {
		s.serial = frontend.NewSerial(cfg.serialConfig(seed), frontend.SerialOptions{
			URLFormat:   bc.ComURLFormat,
			Dispatcher:  s.broker,
			KV:          s.reg,
			Metrics:     collector,
			UpgradeLock: bc.UpgradeLock,
			ResetLock:   bc.ResetLock,
		})
		s.broker.SetSerial(s.serial)
	}
	if cfg.TCP.Enabled {
		s.tcp = frontend.NewTCPServer(frontend.TCPConfig{
			Addr:         cfg.TCP.Addr,
			FirstComPort: cfg.TCP.FirstComPort,
			URLFormat:    bc.ComURLFormat,
		}, s.broker, collector)
	}
	if cfg.Metrics.Enabled {
		s.metrics = metrics.NewServer(fmt.Sprintf(":%d", cfg.Metrics.Port))
	}
	return s, nil
}

// Broker returns the sys unit.
func (s *System) Broker() *broker.Broker { return s.broker }

// Registry returns the shared registry.
func (s *System) Registry() *registry.Registry { return s.reg }

// TCPAddr returns the bound TCP address, or nil without a TCP front-end.
func (s *System) TCPAddr() net.Addr {
	if s.tcp == nil {
		return nil
	}
	return s.tcp.Addr()
}

// Start brings up the broker and binds the front-ends. A serial device that
// cannot be opened fails the start.
func (s *System) Start() error {
	if err := s.broker.Start(); err != nil {
		return fmt.Errorf("failed to start broker: %w", err)
	}
	if s.serial != nil {
		if err := s.serial.Start(); err != nil {
			s.broker.Close()
			return fmt.Errorf("failed to open serial device %s: %w", s.cfg.Serial.Device, err)
		}
	}
	if s.tcp != nil {
		if err := s.tcp.Listen(); err != nil {
			s.closeSerial()
			s.broker.Close()
			return fmt.Errorf("failed to listen on %s: %w", s.cfg.TCP.Addr, err)
		}
	}
	return nil
}

// Serve runs the TCP listener and metrics endpoint until ctx is done or one
// of them fails, then shuts everything down.
func (s *System) Serve(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if s.tcp != nil {
		g.Go(s.tcp.Serve)
	}
	if s.metrics != nil {
		g.Go(func() error {
			log.Printf("Starting metrics server on %s\n", s.metrics.Addr)
			if err := s.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		s.Close()
		return nil
	})
	return g.Wait()
}

func (s *System) closeSerial() {
	if s.serial != nil {
		s.serial.Close()
	}
}

// Close stops the front-ends first so no request reaches a stopped broker.
func (s *System) Close() {
	if s.tcp != nil {
		s.tcp.Close()
	}
	s.closeSerial()
	if s.metrics != nil {
		s.metrics.Close()
	}
	s.broker.Close()
	s.reg.Close()
}

// unitOptions builds the runtime options of a unit process.
func (c *Config) unitOptions(collector *metrics.Collector) stackflow.Options {
	out := c.Unit.DefaultOutputURL
	if out == "" {
		out = fmt.Sprintf(c.Sys.ComURLFormat, c.Serial.ComPort)
	}
	return stackflow.Options{
		Directory:          rpc.Directory{Format: c.Sys.RPCFormat},
		MaxTasks:           c.Unit.MaxTasks,
		DefaultOutputURL:   out,
		SerialPollInterval: c.Unit.SerialPollInterval,
		CallTimeout:        c.Sys.UnitCallTimeout,
		Metrics:            collector,
	}
}
