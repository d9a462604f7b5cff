package watcher

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type changes struct {
	mu   sync.Mutex
	keys []string
}

func (c *changes) record(key, _ string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys = append(c.keys, key)
}

func (c *changes) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.keys)
}

func TestWatch_MissingFile(t *testing.T) {
	w := New(10*time.Millisecond, nil, nil)
	defer w.Shutdown()

	err := w.Watch("apps", filepath.Join(t.TempDir(), "absent.toml"))
	assert.Error(t, err)
}

func TestWatch_RejectsDirectory(t *testing.T) {
	w := New(10*time.Millisecond, nil, nil)
	defer w.Shutdown()

	err := w.Watch("apps", t.TempDir())
	assert.ErrorContains(t, err, "directory")
}

func TestWatch_DebouncesBurst(t *testing.T) {
	path := filepath.Join(t.TempDir(), "apps.toml")
	require.NoError(t, os.WriteFile(path, []byte("a"), 0o644))

	c := &changes{}
	w := New(50*time.Millisecond, c.record, nil)
	defer w.Shutdown()
	require.NoError(t, w.Watch("apps", path))

	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(path, []byte("abcdefgh"[:i+2]), 0o644))
		time.Sleep(5 * time.Millisecond)
	}

	require.Eventually(t, func() bool { return c.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, c.count())
}

func TestWatch_IgnoresSiblings(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "apps.toml")
	require.NoError(t, os.WriteFile(path, []byte("a"), 0o644))

	c := &changes{}
	w := New(20*time.Millisecond, c.record, nil)
	defer w.Shutdown()
	require.NoError(t, w.Watch("apps", path))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.toml"), []byte("b"), 0o644))
	time.Sleep(150 * time.Millisecond)
	assert.Zero(t, c.count())
}

func TestUnwatch_StopsCallbacks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "apps.toml")
	require.NoError(t, os.WriteFile(path, []byte("a"), 0o644))

	c := &changes{}
	w := New(20*time.Millisecond, c.record, nil)
	require.NoError(t, w.Watch("apps", path))
	w.Unwatch("apps")
	w.Unwatch("apps")

	require.NoError(t, os.WriteFile(path, []byte("changed"), 0o644))
	time.Sleep(150 * time.Millisecond)
	assert.Zero(t, c.count())
}
