package link

import (
	"context"
	"log/slog"
	"time"

	"github.com/alexjbarnes/sessionlink/internal/replica"
)

// CompactionResult is the outcome of Compact.
type CompactionResult struct {
	SessionID       string
	Success         bool
	OldMessageCount int
	NewMessageCount int
	Error           string
}

type compactionWait struct {
	sessionID string
	ch        chan CompactionResult
}

// waiters holds pending request continuations. Owned by the event loop.
// Every channel is buffered so resolving never blocks the loop.
type waiters struct {
	sessions   []chan []replica.Session
	history    map[string][]chan bool
	commands   map[string]chan bool
	compaction *compactionWait
}

func newWaiters() waiters {
	return waiters{
		history:  make(map[string][]chan bool),
		commands: make(map[string]chan bool),
	}
}

func (w *waiters) resolveSessions(sessions []replica.Session) {
	for _, ch := range w.sessions {
		ch <- sessions
	}

	w.sessions = nil
}

func (w *waiters) resolveHistory(sessionID string, ok bool) {
	for _, ch := range w.history[sessionID] {
		ch <- ok
	}

	delete(w.history, sessionID)
}

func (w *waiters) resolveCommand(commandID string, started bool) {
	if ch, ok := w.commands[commandID]; ok {
		ch <- started
		delete(w.commands, commandID)
	}
}

func (w *waiters) resolveCompaction(sessionID string, res CompactionResult) {
	if w.compaction == nil || w.compaction.sessionID != sessionID {
		return
	}

	w.compaction.ch <- res
	w.compaction = nil
}

// resolveAll completes every waiter with its fallback.
func (w *waiters) resolveAll(cached []replica.Session) {
	w.resolveSessions(cached)

	for id := range w.history {
		w.resolveHistory(id, false)
	}

	for id := range w.commands {
		w.resolveCommand(id, false)
	}

	if w.compaction != nil {
		w.resolveCompaction(w.compaction.sessionID, CompactionResult{
			SessionID: w.compaction.sessionID,
			Error:     "connection reset",
		})
	}
}

func (w *waiters) dropSessions(ch chan []replica.Session) {
	for i, c := range w.sessions {
		if c == ch {
			w.sessions = append(w.sessions[:i], w.sessions[i+1:]...)
			return
		}
	}
}

func (w *waiters) dropHistory(sessionID string, ch chan bool) {
	list := w.history[sessionID]
	for i, c := range list {
		if c == ch {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}

	if len(list) == 0 {
		delete(w.history, sessionID)
		return
	}

	w.history[sessionID] = list
}

// await waits for a reply on ch. On timeout it runs expire on the event
// loop to drop the waiter and returns the fallback; a lost reply never
// surfaces as an error. A reply racing the timeout stays in the buffered
// channel and is discarded.
func await[T any](ctx context.Context, e *Engine, ch <-chan T, timeout time.Duration, expire func(), fallback func() T) (T, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case v := <-ch:
		return v, nil
	case <-timer.C:
		e.logger.Debug("request timed out, using fallback", slog.Duration("timeout", timeout))
		e.post(func(context.Context) { expire() })

		return fallback(), nil
	case <-e.done:
		return fallback(), nil
	case <-ctx.Done():
		e.post(func(context.Context) { expire() })
		return fallback(), ctx.Err()
	}
}
