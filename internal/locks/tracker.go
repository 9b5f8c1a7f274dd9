// Package locks tracks which sessions are busy with an in-flight operation.
//
// Every session carries a monotonically increasing lock version. Local
// transitions propose current+1 and always apply. Transitions that arrive
// with an explicit version (from the server) are ordered against the last
// server version seen for the session, not against local bumps, and apply
// only when strictly greater, so stale or reordered confirmations are
// absorbed. A forced unlock bypasses the check.
package locks

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// Reason records why a session is (or was last) locked or unlocked.
type Reason int

const (
	ReasonOptimistic Reason = iota
	ReasonConfirmedByServer
	ReasonProcessingPrompt
	ReasonCompaction
	ReasonManualOverride
)

func (r Reason) String() string {
	switch r {
	case ReasonOptimistic:
		return "optimistic"
	case ReasonConfirmedByServer:
		return "confirmed_by_server"
	case ReasonProcessingPrompt:
		return "processing_prompt"
	case ReasonCompaction:
		return "compaction"
	case ReasonManualOverride:
		return "manual_override"
	default:
		return fmt.Sprintf("reason(%d)", int(r))
	}
}

// State is the lock state of one session.
type State struct {
	SessionID string
	Locked    bool
	Version   uint64
	Reason    Reason
	Timestamp time.Time
}

// Transition is a lock change carrying an explicit version.
type Transition struct {
	SessionID string
	Locked    bool
	Version   uint64
	Reason    Reason
}

// Tracker holds per-session lock state. Mutations are expected from a
// single owner; the mutex makes reads from other goroutines safe.
type Tracker struct {
	logger *slog.Logger
	now    func() time.Time

	mu      sync.RWMutex
	states  map[string]State
	pending map[string]struct{}
	// server holds the last accepted server version per session.
	server map[string]uint64
}

// NewTracker creates an empty tracker.
func NewTracker(logger *slog.Logger) *Tracker {
	return &Tracker{
		logger:  logger,
		now:     time.Now,
		states:  make(map[string]State),
		pending: make(map[string]struct{}),
		server:  make(map[string]uint64),
	}
}

// Lock marks a session busy. The first lock for a session gets version 0.
// Locking an already locked session bumps the version and updates the
// reason, so a server confirmation supersedes the optimistic entry.
func (t *Tracker) Lock(sessionID string, reason Reason) State {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.states[sessionID]
	version := uint64(0)
	if ok {
		version = st.Version + 1
	}

	st = State{SessionID: sessionID, Locked: true, Version: version, Reason: reason, Timestamp: t.now()}
	t.states[sessionID] = st

	return st
}

// Unlock clears a session's busy state. It reports false, and changes
// nothing, when the session is not locked: the first definitive signal
// wins and later ones are no-ops.
func (t *Tracker) Unlock(sessionID string, reason Reason) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.states[sessionID]
	if !ok || !st.Locked {
		return false
	}

	t.states[sessionID] = State{SessionID: sessionID, Locked: false, Version: st.Version + 1, Reason: reason, Timestamp: t.now()}

	return true
}

// Apply applies a versioned transition. It is rejected, and logged, when
// the version is not strictly greater than the last server version applied
// for the session. The first versioned transition for a session is
// accepted at any version. The stored version becomes the larger of
// current+1 and the transition's version.
func (t *Tracker) Apply(tr Transition) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	last, seen := t.server[tr.SessionID]
	if seen && tr.Version <= last {
		t.logger.Debug("stale lock transition ignored",
			slog.String("session_id", tr.SessionID),
			slog.Uint64("version", tr.Version),
			slog.Uint64("last_server_version", last),
			slog.Bool("locked", tr.Locked),
		)

		return false
	}

	t.server[tr.SessionID] = tr.Version

	version := tr.Version
	if st, ok := t.states[tr.SessionID]; ok {
		version = max(version, st.Version+1)
	}

	t.states[tr.SessionID] = State{
		SessionID: tr.SessionID,
		Locked:    tr.Locked,
		Version:   version,
		Reason:    tr.Reason,
		Timestamp: t.now(),
	}

	return true
}

// ForceUnlock unlocks regardless of version ordering. Used for
// user-initiated recovery of a stuck session.
func (t *Tracker) ForceUnlock(sessionID string) State {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.states[sessionID]
	version := uint64(0)
	if ok {
		version = st.Version + 1
	}

	delete(t.pending, sessionID)

	st = State{SessionID: sessionID, Locked: false, Version: version, Reason: ReasonManualOverride, Timestamp: t.now()}
	t.states[sessionID] = st

	return st
}

// IsLocked reports whether a session is busy.
func (t *Tracker) IsLocked(sessionID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.states[sessionID].Locked
}

// State returns the stored state for a session.
func (t *Tracker) State(sessionID string) (State, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	st, ok := t.states[sessionID]

	return st, ok
}

// Locked returns the ids of all locked sessions, sorted.
func (t *Tracker) Locked() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ids := make([]string, 0, len(t.states))
	for id, st := range t.states {
		if st.Locked {
			ids = append(ids, id)
		}
	}

	slices.Sort(ids)

	return ids
}

// ClearAll unlocks every session locally, typically on disconnect, and
// records the ids that were locked as pending so they can be reasserted
// once the connection is ready again. Returns the full pending set.
func (t *Tracker) ClearAll() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	for id, st := range t.states {
		if !st.Locked {
			continue
		}

		t.pending[id] = struct{}{}
		t.states[id] = State{SessionID: id, Locked: false, Version: st.Version + 1, Reason: st.Reason, Timestamp: now}
	}

	return t.pendingLocked()
}

// Pending returns the sessions waiting to be reasserted, sorted.
func (t *Tracker) Pending() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.pendingLocked()
}

// SetPending seeds the pending set, for example from persisted state after
// a restart.
func (t *Tracker) SetPending(ids []string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, id := range ids {
		t.pending[id] = struct{}{}
	}
}

// RestorePending re-locks every pending session and clears the pending
// set. Returns the restored ids, sorted.
func (t *Tracker) RestorePending() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := t.pendingLocked()
	now := t.now()

	for _, id := range ids {
		st, ok := t.states[id]
		version := uint64(0)
		if ok {
			version = st.Version + 1
		}

		t.states[id] = State{SessionID: id, Locked: true, Version: version, Reason: ReasonProcessingPrompt, Timestamp: now}
	}

	clear(t.pending)

	return ids
}

// Remove drops all state for a session.
func (t *Tracker) Remove(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.states, sessionID)
	delete(t.pending, sessionID)
	delete(t.server, sessionID)
}

func (t *Tracker) pendingLocked() []string {
	ids := make([]string, 0, len(t.pending))
	for id := range t.pending {
		ids = append(ids, id)
	}

	slices.Sort(ids)

	return ids
}
