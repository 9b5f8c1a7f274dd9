package credentials

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexjbarnes/sessionlink/internal/logging"
)

type keyRecorder struct {
	mu   sync.Mutex
	keys []string
}

func (r *keyRecorder) record(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.keys = append(r.keys, key)
}

func (r *keyRecorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]string(nil), r.keys...)
}

// waitFor polls until cond returns true or the timeout expires.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}

		time.Sleep(20 * time.Millisecond)
	}

	t.Fatal("timed out waiting for condition")
}

// watchedFile writes an initial key and starts a watcher on it. The
// watcher is stopped when the test ends.
func watchedFile(t *testing.T, initial string) (string, *Watcher, *keyRecorder) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "api_key")
	require.NoError(t, os.WriteFile(path, []byte(initial), 0o600))

	rec := &keyRecorder{}
	w := NewWatcher(path, rec.record, logging.Discard())
	w.debounce = 30 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)

	go func() {
		errCh <- w.Watch(ctx)
	}()

	waitFor(t, 2*time.Second, func() bool { return w.Current() == initial })

	// Give fsnotify a moment to set up watches.
	time.Sleep(50 * time.Millisecond)

	t.Cleanup(func() {
		cancel()

		err := <-errCh
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("watcher error: %v", err)
		}
	})

	return path, w, rec
}

func TestWatch_ReadsInitialKey(t *testing.T) {
	_, w, rec := watchedFile(t, "key-1")

	assert.Equal(t, "key-1", w.Current())
	assert.Empty(t, rec.snapshot(), "the initial read is not a change")
}

func TestWatch_ReportsRewrite(t *testing.T) {
	path, w, rec := watchedFile(t, "key-1")

	require.NoError(t, os.WriteFile(path, []byte("key-2\n"), 0o600))

	waitFor(t, 2*time.Second, func() bool { return len(rec.snapshot()) == 1 })
	assert.Equal(t, []string{"key-2"}, rec.snapshot())
	assert.Equal(t, "key-2", w.Current())
}

func TestWatch_AtomicRename(t *testing.T) {
	path, _, rec := watchedFile(t, "key-1")

	tmp := filepath.Join(filepath.Dir(path), ".api_key.tmp")
	require.NoError(t, os.WriteFile(tmp, []byte("key-3"), 0o600))
	require.NoError(t, os.Rename(tmp, path))

	waitFor(t, 2*time.Second, func() bool { return len(rec.snapshot()) == 1 })
	assert.Equal(t, []string{"key-3"}, rec.snapshot())
}

func TestWatch_SameContentIgnored(t *testing.T) {
	path, _, rec := watchedFile(t, "key-1")

	require.NoError(t, os.WriteFile(path, []byte("key-1\n"), 0o600))
	time.Sleep(200 * time.Millisecond)

	assert.Empty(t, rec.snapshot())
}

func TestWatch_EmptyFileIgnored(t *testing.T) {
	path, w, rec := watchedFile(t, "key-1")

	require.NoError(t, os.WriteFile(path, nil, 0o600))
	time.Sleep(200 * time.Millisecond)

	assert.Empty(t, rec.snapshot())
	assert.Equal(t, "key-1", w.Current())
}

func TestWatch_OtherFilesIgnored(t *testing.T) {
	path, _, rec := watchedFile(t, "key-1")

	require.NoError(t, os.WriteFile(filepath.Join(filepath.Dir(path), "other"), []byte("x"), 0o600))
	time.Sleep(200 * time.Millisecond)

	assert.Empty(t, rec.snapshot())
}

func TestWatch_MissingDirectory(t *testing.T) {
	w := NewWatcher(filepath.Join(t.TempDir(), "absent", "key"), nil, logging.Discard())

	err := w.Watch(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "watching key file directory")
}
