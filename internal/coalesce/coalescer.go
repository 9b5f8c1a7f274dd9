// Package coalesce batches rapid local state changes into debounced
// publishes so observers see one consistent update instead of a burst.
package coalesce

import (
	"maps"
	"reflect"
	"sync"
	"time"
)

// DefaultWindow is the quiescence window used when none is given.
const DefaultWindow = 100 * time.Millisecond

// Coalescer buffers field updates keyed by name and publishes them as one
// map once no update has arrived for the window.
type Coalescer struct {
	window  time.Duration
	publish func(map[string]any)

	mu      sync.Mutex
	pending map[string]any
	last    map[string]any
	timer   *time.Timer
	stopped bool

	// publishMu is held across take and publish so batches reach the
	// observer in the order they were taken. Acquired before mu.
	publishMu sync.Mutex
}

// New creates a coalescer. window <= 0 uses DefaultWindow. publish must
// not call back into the coalescer.
func New(window time.Duration, publish func(map[string]any)) *Coalescer {
	if window <= 0 {
		window = DefaultWindow
	}

	return &Coalescer{
		window:  window,
		publish: publish,
		pending: make(map[string]any),
		last:    make(map[string]any),
	}
}

// Set buffers an update and restarts the quiescence timer.
func (c *Coalescer) Set(key string, v any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return
	}

	c.pending[key] = v
	c.armLocked()
}

// SetNow publishes everything pending together with the update right away.
// If the value is what observers were last shown for key it is buffered
// like Set instead.
func (c *Coalescer) SetNow(key string, v any) {
	c.publishMu.Lock()
	defer c.publishMu.Unlock()

	c.mu.Lock()

	if c.stopped {
		c.mu.Unlock()
		return
	}

	if prev, ok := c.last[key]; ok && reflect.DeepEqual(prev, v) {
		c.pending[key] = v
		c.armLocked()
		c.mu.Unlock()

		return
	}

	c.pending[key] = v
	batch := c.takeLocked()
	c.mu.Unlock()

	c.emit(batch)
}

// Flush publishes pending updates immediately.
func (c *Coalescer) Flush() {
	c.publishMu.Lock()
	defer c.publishMu.Unlock()

	c.mu.Lock()
	batch := c.takeLocked()
	c.mu.Unlock()

	c.emit(batch)
}

// Pending reports whether updates are waiting for the window to close.
func (c *Coalescer) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.pending) > 0
}

// Stop cancels the timer and drops pending updates. Later calls are no-ops.
func (c *Coalescer) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopped = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}

	clear(c.pending)
}

func (c *Coalescer) armLocked() {
	if c.timer != nil {
		c.timer.Stop()
	}

	c.timer = time.AfterFunc(c.window, c.Flush)
}

func (c *Coalescer) takeLocked() map[string]any {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}

	if len(c.pending) == 0 {
		return nil
	}

	batch := c.pending
	c.pending = make(map[string]any)
	maps.Copy(c.last, batch)

	return batch
}

func (c *Coalescer) emit(batch map[string]any) {
	if batch == nil || c.publish == nil {
		return
	}

	c.publish(batch)
}
