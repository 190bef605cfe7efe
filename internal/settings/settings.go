package settings

// ============================================================================
// Responsibilities:
// 1. Persist the broker's config_* keys (serial line setup and similar)
// 2. Atomic writes (temp file + rename) so a power cut never leaves a torn file
// 3. Validate the schema version on load
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ============================================================================
// Error definitions
// ============================================================================

var (
	ErrCorrupted           = errors.New("settings file is corrupted")
	ErrIncompatibleVersion = errors.New("settings schema version is incompatible")
)

// SchemaVersion is the on-disk format version.
const SchemaVersion = 1

// Data is the persisted document.
type Data struct {
	SchemaVer int               `json:"schema_ver"`
	SavedAt   time.Time         `json:"saved_at"`
	Values    map[string]string `json:"values"`
}

// Manager reads and writes one settings file.
type Manager struct {
	path string
	mu   sync.Mutex
}

// NewManager returns a manager for path. The file is not touched until the
// first Load or Save.
func NewManager(path string) *Manager {
	return &Manager{path: path}
}

// Path returns the settings file location.
func (m *Manager) Path() string {
	return m.path
}

// Save atomically replaces the settings file with values.
func (m *Manager) Save(values map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data := Data{
		SchemaVer: SchemaVersion,
		SavedAt:   time.Now().UTC(),
		Values:    values,
	}
	if data.Values == nil {
		data.Values = map[string]string{}
	}

	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	if dir := filepath.Dir(m.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create settings dir: %w", err)
		}
	}

	tmpPath := m.path + ".tmp"
	if err := os.WriteFile(tmpPath, b, 0o644); err != nil {
		return fmt.Errorf("failed to write temp settings: %w", err)
	}
	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename settings: %w", err)
	}
	return nil
}

// Load returns the persisted values. A missing file yields an empty map.
func (m *Manager) Load() (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("failed to read settings: %w", err)
	}

	var data Data
	if err := json.Unmarshal(b, &data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	if data.SchemaVer != SchemaVersion {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, data.SchemaVer, SchemaVersion)
	}
	if data.Values == nil {
		data.Values = map[string]string{}
	}
	return data.Values, nil
}
