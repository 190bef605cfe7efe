// ============================================================================
// StackFlow Unit Registry - broker-side ordinal allocator and discovery table
// ============================================================================
//
// Package: internal/registry
// File: registry.go
// Purpose: Owns every piece of broker state that units share: which ordinals
//          are in use per unit name, which ports back each task, and the flat
//          key/value table units use for discovery.
//
// Data layout:
//   units map[unit]map[ordinal]*record  - live tasks
//   ports map[port]bool                 - ports handed out from the pool
//   kv    map[key]value                 - "<work_id>.out_port", "serial_zmq_url",
//                                         "config_*" and anything units store
//
// Allocation:
//   Register picks the lowest free ordinal for the unit name and the two lowest
//   free ports from [PortBase, PortBase+PortCount). The first port becomes the
//   task's out port (the task publishes there), the second the inference port
//   (the broker publishes there, the task subscribes).
//
// Concurrency:
//   A single mutex guards the task table, the port pool and the KV table, so
//   Release is atomic with respect to Lookup and Get.
//
// Persistence:
//   config_* keys are written through a Persister when one is configured.
//
// ============================================================================

package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/ChuLiYu/stackflow/internal/bus"
	"github.com/ChuLiYu/stackflow/pkg/types"
)

var log = slog.With("component", "registry")

// ============================================================================
// Error definitions
// ============================================================================

var (
	// ErrUnitNotFound is returned for work ids without a live task.
	ErrUnitNotFound = errors.New("unit does not exist")
	// ErrPortsExhausted is returned when the port pool cannot back a new task.
	ErrPortsExhausted = errors.New("port pool exhausted")
)

// ConfigPrefix marks keys that are persisted.
const ConfigPrefix = "config_"

// OutPortKey is the discovery key for a task's out port URL.
func OutPortKey(workID string) string {
	return workID + ".out_port"
}

// Persister stores the config_* subset of the KV table.
type Persister interface {
	Save(values map[string]string) error
}

// Config controls port allocation.
type Config struct {
	// PortBase is the first port of the pool.
	PortBase int
	// PortCount is the pool size.
	PortCount int
	// URLFormat turns a port number into a socket URL, e.g.
	// "ipc:///tmp/llm/%d.sock" or "tcp://127.0.0.1:%d".
	URLFormat string
	// Reserved ports are never handed to tasks. The front-ends' com sockets
	// share the URL space with the pool.
	Reserved []int
	// Persister receives config_* keys after every change. Optional.
	Persister Persister
}

// DefaultConfig mirrors the device layout.
func DefaultConfig() Config {
	return Config{
		PortBase:  5010,
		PortCount: 1000,
		URLFormat: "ipc:///tmp/llm/%d.sock",
	}
}

// Entry is the public view of one registered task.
type Entry struct {
	Unit         string `json:"unit"`
	Ordinal      int    `json:"ordinal"`
	WorkID       string `json:"work_id"`
	OutURL       string `json:"out_url"`
	InferenceURL string `json:"inference_url"`
}

type record struct {
	Entry
	outPort       int
	inferencePort int
	inference     bus.Sender
}

// Registry is the broker's shared state.
type Registry struct {
	cfg Config

	// persistMu orders Save calls so the file never regresses.
	persistMu sync.Mutex

	mu    sync.Mutex
	units map[string]map[int]*record
	ports map[int]bool
	kv    map[string]string
}

// New creates an empty registry.
func New(cfg Config) *Registry {
	def := DefaultConfig()
	if cfg.PortBase <= 0 {
		cfg.PortBase = def.PortBase
	}
	if cfg.PortCount <= 0 {
		cfg.PortCount = def.PortCount
	}
	if cfg.URLFormat == "" {
		cfg.URLFormat = def.URLFormat
	}
	return &Registry{
		cfg:   cfg,
		units: make(map[string]map[int]*record),
		ports: make(map[int]bool),
		kv:    make(map[string]string),
	}
}

// Seed loads values into the KV table without persisting them.
func (r *Registry) Seed(values map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, v := range values {
		r.kv[k] = v
	}
}

// Register allocates an ordinal and a port pair for unit and binds the
// broker's publisher on the inference port.
func (r *Registry) Register(unit string) (Entry, error) {
	if _, err := types.ParseWorkID(unit); err != nil || strings.Contains(unit, ".") {
		return Entry{}, fmt.Errorf("register %q: %w", unit, types.ErrInvalidWorkID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	ordinal := r.lowestFreeOrdinal(unit)
	outPort, inferencePort, err := r.takePorts()
	if err != nil {
		return Entry{}, fmt.Errorf("register %q: %w", unit, err)
	}

	rec := &record{
		Entry: Entry{
			Unit:         unit,
			Ordinal:      ordinal,
			WorkID:       types.FormatWorkID(unit, ordinal),
			OutURL:       fmt.Sprintf(r.cfg.URLFormat, outPort),
			InferenceURL: fmt.Sprintf(r.cfg.URLFormat, inferencePort),
		},
		outPort:       outPort,
		inferencePort: inferencePort,
	}

	rec.inference, err = bus.NewPublisher(rec.InferenceURL)
	if err != nil {
		delete(r.ports, outPort)
		delete(r.ports, inferencePort)
		return Entry{}, fmt.Errorf("register %q: %w", unit, err)
	}

	if r.units[unit] == nil {
		r.units[unit] = make(map[int]*record)
	}
	r.units[unit][ordinal] = rec
	r.kv[OutPortKey(rec.WorkID)] = rec.OutURL

	log.Info("unit registered", "work_id", rec.WorkID, "out", rec.OutURL, "inference", rec.InferenceURL)
	return rec.Entry, nil
}

func (r *Registry) lowestFreeOrdinal(unit string) int {
	used := r.units[unit]
	for n := 0; ; n++ {
		if _, taken := used[n]; !taken {
			return n
		}
	}
}

func (r *Registry) takePorts() (int, int, error) {
	var got []int
	for p := r.cfg.PortBase; p < r.cfg.PortBase+r.cfg.PortCount && len(got) < 2; p++ {
		if !r.ports[p] && !slices.Contains(r.cfg.Reserved, p) {
			got = append(got, p)
		}
	}
	if len(got) < 2 {
		return 0, 0, ErrPortsExhausted
	}
	r.ports[got[0]] = true
	r.ports[got[1]] = true
	return got[0], got[1], nil
}

// Release removes the task named by workID ("unit.N").
func (r *Registry) Release(workID string) error {
	w, err := types.ParseWorkID(workID)
	if err != nil || !w.HasOrdinal() {
		return fmt.Errorf("release %q: %w", workID, ErrUnitNotFound)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.units[w.Unit][w.Ordinal]
	if !ok {
		return fmt.Errorf("release %q: %w", workID, ErrUnitNotFound)
	}
	if rec.inference != nil {
		rec.inference.Close()
	}
	delete(r.units[w.Unit], w.Ordinal)
	if len(r.units[w.Unit]) == 0 {
		delete(r.units, w.Unit)
	}
	delete(r.ports, rec.outPort)
	delete(r.ports, rec.inferencePort)
	delete(r.kv, OutPortKey(rec.WorkID))

	log.Info("unit released", "work_id", rec.WorkID)
	return nil
}

// Lookup returns the entry for a live task.
func (r *Registry) Lookup(workID string) (Entry, bool) {
	w, err := types.ParseWorkID(workID)
	if err != nil || !w.HasOrdinal() {
		return Entry{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.units[w.Unit][w.Ordinal]
	if !ok {
		return Entry{}, false
	}
	return rec.Entry, true
}

// Publish sends msg on the inference port of workID.
func (r *Registry) Publish(workID string, msg []byte) error {
	w, err := types.ParseWorkID(workID)
	if err != nil || !w.HasOrdinal() {
		return fmt.Errorf("publish %q: %w", workID, ErrUnitNotFound)
	}
	r.mu.Lock()
	rec, ok := r.units[w.Unit][w.Ordinal]
	var pub bus.Sender
	if ok {
		pub = rec.inference
	}
	r.mu.Unlock()
	if pub == nil {
		return fmt.Errorf("publish %q: %w", workID, ErrUnitNotFound)
	}
	return pub.Send(msg)
}

// Entries lists live tasks ordered by work id.
func (r *Registry) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Entry
	for _, byOrdinal := range r.units {
		for _, rec := range byOrdinal {
			out = append(out, rec.Entry)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Unit != out[j].Unit {
			return out[i].Unit < out[j].Unit
		}
		return out[i].Ordinal < out[j].Ordinal
	})
	return out
}

// Units lists unit names with at least one live task.
func (r *Registry) Units() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.units))
	for u := range r.units {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// ============================================================================
// Key/value table
// ============================================================================

// Get returns the value stored under key.
func (r *Registry) Get(key string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.kv[key]
	return v, ok
}

// Set stores value under key.
func (r *Registry) Set(key, value string) error {
	r.persistMu.Lock()
	defer r.persistMu.Unlock()
	r.mu.Lock()
	r.kv[key] = value
	snapshot := r.configSnapshotLocked(key)
	r.mu.Unlock()
	return r.persist(snapshot)
}

// Unset removes key.
func (r *Registry) Unset(key string) error {
	r.persistMu.Lock()
	defer r.persistMu.Unlock()
	r.mu.Lock()
	_, existed := r.kv[key]
	delete(r.kv, key)
	var snapshot map[string]string
	if existed {
		snapshot = r.configSnapshotLocked(key)
	}
	r.mu.Unlock()
	return r.persist(snapshot)
}

// Keys returns every key, sorted.
func (r *Registry) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.kv))
	for k := range r.kv {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// configSnapshotLocked returns the config_* subset when key belongs to it.
func (r *Registry) configSnapshotLocked(key string) map[string]string {
	if r.cfg.Persister == nil || !strings.HasPrefix(key, ConfigPrefix) {
		return nil
	}
	out := make(map[string]string)
	for k, v := range r.kv {
		if strings.HasPrefix(k, ConfigPrefix) {
			out[k] = v
		}
	}
	return out
}

func (r *Registry) persist(snapshot map[string]string) error {
	if snapshot == nil {
		return nil
	}
	if err := r.cfg.Persister.Save(snapshot); err != nil {
		return fmt.Errorf("persist settings: %w", err)
	}
	return nil
}

// Close releases every task and its inference socket.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for unit, byOrdinal := range r.units {
		for _, rec := range byOrdinal {
			if rec.inference != nil {
				rec.inference.Close()
			}
			delete(r.kv, OutPortKey(rec.WorkID))
		}
		delete(r.units, unit)
	}
	r.ports = make(map[int]bool)
}
