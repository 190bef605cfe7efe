package settings

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "settings.json")
	m := NewManager(path)
	assert.Equal(t, path, m.Path())

	values := map[string]string{
		"config_serial_baud": "115200",
		"config_serial_dev":  "/dev/ttyS1",
	}
	require.NoError(t, m.Save(values))

	loaded, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, values, loaded)

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file must not survive a save")
}

func TestLoadMissingFile(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "absent.json"))
	loaded, err := m.Load()
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestLoadCorrupted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := NewManager(path).Load()
	assert.ErrorIs(t, err, ErrCorrupted)
}

func TestLoadIncompatibleVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"schema_ver":7,"values":{}}`), 0o644))

	_, err := NewManager(path).Load()
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}

func TestSaveNilValues(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "settings.json"))
	require.NoError(t, m.Save(nil))
	loaded, err := m.Load()
	require.NoError(t, err)
	assert.NotNil(t, loaded)
	assert.Empty(t, loaded)
}

func TestConcurrentSaves(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "settings.json"))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, m.Save(map[string]string{"config_n": string(rune('a' + i))}))
		}(i)
	}
	wg.Wait()

	loaded, err := m.Load()
	require.NoError(t, err)
	assert.Len(t, loaded, 1)
}
