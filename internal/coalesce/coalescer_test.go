package coalesce

import (
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu      sync.Mutex
	batches []map[string]any
}

func (r *recorder) publish(m map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.batches = append(r.batches, m)
}

func (r *recorder) got() []map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]map[string]any(nil), r.batches...)
}

func TestSetDebounces(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		rec := &recorder{}
		c := New(100*time.Millisecond, rec.publish)

		c.Set("a", 1)
		time.Sleep(60 * time.Millisecond)
		c.Set("a", 2)
		c.Set("b", "x")
		time.Sleep(60 * time.Millisecond)
		synctest.Wait()
		assert.Empty(t, rec.got(), "window restarts on every update")

		time.Sleep(50 * time.Millisecond)
		synctest.Wait()

		got := rec.got()
		require.Len(t, got, 1)
		assert.Equal(t, map[string]any{"a": 2, "b": "x"}, got[0])
		assert.False(t, c.Pending())
	})
}

func TestSetNowPublishesImmediately(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		rec := &recorder{}
		c := New(100*time.Millisecond, rec.publish)

		c.Set("unread", 3)
		c.SetNow("locked", true)

		got := rec.got()
		require.Len(t, got, 1)
		assert.Equal(t, map[string]any{"unread": 3, "locked": true}, got[0])

		time.Sleep(time.Second)
		synctest.Wait()
		assert.Len(t, rec.got(), 1, "nothing left for the timer")
	})
}

// Lock, unlock, lock within 50ms: the first lock shows at once, the final
// state lands once after the window.
func TestBurstPublishesFirstLockAndFinalState(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		rec := &recorder{}
		c := New(100*time.Millisecond, rec.publish)

		c.SetNow("locked_sessions", []string{"A"})
		time.Sleep(20 * time.Millisecond)
		c.Set("locked_sessions", []string{})
		time.Sleep(20 * time.Millisecond)
		c.SetNow("locked_sessions", []string{"A"})

		require.Len(t, rec.got(), 1)

		time.Sleep(200 * time.Millisecond)
		synctest.Wait()

		got := rec.got()
		require.Len(t, got, 2)
		assert.Equal(t, []string{"A"}, got[0]["locked_sessions"])
		assert.Equal(t, []string{"A"}, got[1]["locked_sessions"])
	})
}

func TestFlush(t *testing.T) {
	rec := &recorder{}
	c := New(time.Hour, rec.publish)

	c.Flush()
	assert.Empty(t, rec.got())

	c.Set("k", 1)
	assert.True(t, c.Pending())
	c.Flush()

	require.Len(t, rec.got(), 1)
	c.Stop()
}

func TestStopDropsPending(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		rec := &recorder{}
		c := New(100*time.Millisecond, rec.publish)

		c.Set("k", 1)
		c.Stop()
		c.Set("k", 2)
		c.SetNow("k", 3)

		time.Sleep(time.Second)
		synctest.Wait()
		assert.Empty(t, rec.got())
	})
}

func TestDefaultWindow(t *testing.T) {
	c := New(0, nil)
	assert.Equal(t, DefaultWindow, c.window)

	// A nil publisher is tolerated.
	c.SetNow("k", 1)
	c.Stop()
}
