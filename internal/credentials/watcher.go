// Package credentials watches an API key file and reports changes.
package credentials

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce collapses the burst of events editors and atomic
// renames produce for a single save.
const DefaultDebounce = 250 * time.Millisecond

// Watcher reloads a key file when it changes on disk.
type Watcher struct {
	path     string
	debounce time.Duration
	onChange func(key string)
	logger   *slog.Logger

	mu      sync.Mutex
	current string
}

// NewWatcher creates a watcher for path. onChange receives the trimmed
// key whenever the file's content changes to a different non-empty value.
func NewWatcher(path string, onChange func(key string), logger *slog.Logger) *Watcher {
	return &Watcher{
		path:     filepath.Clean(path),
		debounce: DefaultDebounce,
		onChange: onChange,
		logger:   logger,
	}
}

// Current returns the last key read from the file.
func (w *Watcher) Current() string {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.current
}

// Watch reads the file once, then monitors its directory until ctx is
// cancelled. The directory is watched rather than the file so atomic
// replace-by-rename is seen.
func (w *Watcher) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watching key file directory: %w", err)
	}

	w.mu.Lock()
	w.current = w.read()
	w.mu.Unlock()

	var (
		timer  *time.Timer
		timerC <-chan time.Time
	)

	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed")
			}

			if filepath.Clean(event.Name) != w.path {
				continue
			}

			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}

			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}

			timerC = timer.C

		case <-timerC:
			timerC = nil
			w.reload()

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed")
			}
			// Non-fatal; the next event retries the read.
			w.logger.Warn("key file watcher error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) reload() {
	key := w.read()
	if key == "" {
		return
	}

	w.mu.Lock()
	changed := key != w.current
	w.current = key
	w.mu.Unlock()

	if !changed {
		return
	}

	w.logger.Info("API key file changed", slog.String("path", w.path))

	if w.onChange != nil {
		w.onChange(key)
	}
}

func (w *Watcher) read() string {
	data, err := os.ReadFile(w.path)
	if err != nil {
		w.logger.Warn("reading key file", slog.String("path", w.path), slog.String("error", err.Error()))
		return ""
	}

	return strings.TrimSpace(string(data))
}
