package link

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	linkerrors "github.com/alexjbarnes/sessionlink/internal/errors"
	"github.com/alexjbarnes/sessionlink/internal/locks"
	"github.com/alexjbarnes/sessionlink/internal/reachability"
	"github.com/alexjbarnes/sessionlink/internal/replica"
	"github.com/alexjbarnes/sessionlink/internal/wire"
)

// PromptRequest is a user prompt. An empty SessionID starts a new session.
type PromptRequest struct {
	SessionID        string
	Text             string
	WorkingDirectory string
	SystemPrompt     string
}

// Connect starts connecting if no transport is live. With no credentials
// it sets the re-authentication flag and returns ErrReauthRequired.
func (e *Engine) Connect(ctx context.Context) error {
	return e.call(ctx, func(ctx context.Context) error {
		e.wantConnected = true

		if e.requiresReauth {
			return linkerrors.ErrReauthRequired
		}

		if e.apiKey == "" {
			e.requireReauth("no credentials configured")
			return linkerrors.ErrReauthRequired
		}

		if e.live() {
			return nil
		}

		e.resetAndDial(ctx)

		return nil
	})
}

// Disconnect closes the transport and stops reconnecting.
func (e *Engine) Disconnect(ctx context.Context) error {
	return e.call(ctx, func(context.Context) error {
		e.wantConnected = false
		e.stopRetry()
		e.teardown("client disconnect", false)

		return nil
	})
}

// Reconnect is a hard reset: pending requests resolve with their
// fallbacks, the transport is replaced and the attempt counter reset.
func (e *Engine) Reconnect(ctx context.Context) error {
	return e.call(ctx, func(ctx context.Context) error {
		if c := e.waiters.compaction; c != nil {
			e.locks.Unlock(c.sessionID, locks.ReasonManualOverride)
		}

		e.waiters.resolveAll(e.cachedSessions())

		e.wantConnected = true
		e.teardown("client reconnect", false)

		if e.requiresReauth {
			return linkerrors.ErrReauthRequired
		}

		e.resetAndDial(ctx)

		return nil
	})
}

// SetCredentials installs a new API key, clears the re-authentication
// flag and connects from attempt zero. A live connection using a
// different key is replaced.
func (e *Engine) SetCredentials(ctx context.Context, apiKey string) error {
	if apiKey == "" {
		return fmt.Errorf("setting credentials: %w", linkerrors.ErrAuthFailed)
	}

	return e.call(ctx, func(ctx context.Context) error {
		changed := apiKey != e.apiKey
		e.apiKey = apiKey
		e.requiresReauth = false
		e.lastError = ""
		e.wantConnected = true

		if changed && e.live() {
			e.teardown("credentials changed", false)
		}

		e.logger.Info("credentials updated")
		e.resetAndDial(ctx)

		return nil
	})
}

// SendPrompt sends a prompt. The optimistic local message is stored and
// the session locked before the record is written, and both are visible
// to observers immediately.
func (e *Engine) SendPrompt(ctx context.Context, req PromptRequest) (replica.Message, error) {
	var msg replica.Message

	err := e.call(ctx, func(ctx context.Context) error {
		if err := e.requireReady(); err != nil {
			return err
		}

		wireMsg := wire.Prompt{
			Type:             wire.TypePrompt,
			Text:             req.Text,
			WorkingDirectory: req.WorkingDirectory,
			SystemPrompt:     req.SystemPrompt,
		}

		sessionID := req.SessionID
		if sessionID == "" {
			sessionID = uuid.NewString()
			wireMsg.NewSessionID = sessionID
		} else {
			wireMsg.SessionID = sessionID
		}

		local, echoed, err := e.merger.AddOptimistic(sessionID, req.Text)
		if err != nil {
			return err
		}

		msg = local

		e.locks.Lock(sessionID, locks.ReasonOptimistic)
		e.publishLocks(true)

		if err := e.send(ctx, wireMsg); err != nil {
			// The prompt never left; it must not come back as pending or
			// linger as an unconfirmed record.
			e.locks.Unlock(sessionID, locks.ReasonOptimistic)
			e.publishLocks(true)

			if !echoed {
				if derr := e.store.DeleteMessage(sessionID, local.ID); derr != nil {
					e.logger.Warn("removing unsent prompt",
						slog.String("session_id", sessionID),
						slog.String("error", derr.Error()),
					)
				}
			}

			e.transportFault(fmt.Errorf("sending prompt: %w", err))

			return fmt.Errorf("sending prompt: %w", linkerrors.ErrNotConnected)
		}

		// The backend routes turn updates to subscribers only.
		if !e.subs[sessionID] {
			e.subs[sessionID] = true
			e.persistSubscriptions()
			e.sendSubscribe(ctx, sessionID)
		}

		e.rememberSession(sessionID)

		return nil
	})

	return msg, err
}

// Subscribe adds a session to the replayed subscription set and, when
// ready, requests its history from the newest cached record.
func (e *Engine) Subscribe(ctx context.Context, sessionID string) error {
	return e.call(ctx, func(ctx context.Context) error {
		if !e.subs[sessionID] {
			e.subs[sessionID] = true
			e.persistSubscriptions()
		}

		if e.phase == PhaseReady {
			e.sendSubscribe(ctx, sessionID)
		}

		return nil
	})
}

// Unsubscribe removes a session from the subscription set.
func (e *Engine) Unsubscribe(ctx context.Context, sessionID string) error {
	return e.call(ctx, func(ctx context.Context) error {
		if !e.subs[sessionID] {
			return nil
		}

		delete(e.subs, sessionID)
		e.persistSubscriptions()

		if e.phase == PhaseReady {
			e.sendOrFault(ctx, wire.Unsubscribe{Type: wire.TypeUnsubscribe, SessionID: sessionID}, "unsubscribe")
		}

		return nil
	})
}

// Subscriptions returns the subscribed session ids.
func (e *Engine) Subscriptions(ctx context.Context) ([]string, error) {
	var ids []string

	err := e.call(ctx, func(context.Context) error {
		ids = e.subscriptions()
		return nil
	})

	return ids, err
}

// RefreshSessions asks for a fresh session list. On timeout the cached
// list is returned.
func (e *Engine) RefreshSessions(ctx context.Context) ([]replica.Session, error) {
	ch := make(chan []replica.Session, 1)

	err := e.call(ctx, func(ctx context.Context) error {
		if err := e.requireReady(); err != nil {
			return err
		}

		e.waiters.sessions = append(e.waiters.sessions, ch)

		msg := wire.RefreshSessions{Type: wire.TypeRefreshSessions, RecentSessionsLimit: e.cfg.RecentSessionsLimit}
		e.sendOrFault(ctx, msg, "refresh_sessions")

		return nil
	})
	if err != nil {
		return e.cachedSessions(), err
	}

	return await[[]replica.Session](ctx, e, ch, e.cfg.SessionsTimeout,
		func() { e.waiters.dropSessions(ch) },
		e.cachedSessions,
	)
}

// RefreshHistory requests records newer than the newest cached one and
// reports whether the history arrived in time.
func (e *Engine) RefreshHistory(ctx context.Context, sessionID string) (bool, error) {
	ch := make(chan bool, 1)

	err := e.call(ctx, func(ctx context.Context) error {
		if err := e.requireReady(); err != nil {
			return err
		}

		e.waiters.history[sessionID] = append(e.waiters.history[sessionID], ch)
		e.sendSubscribe(ctx, sessionID)

		return nil
	})
	if err != nil {
		return false, err
	}

	return await[bool](ctx, e, ch, e.cfg.HistoryTimeout,
		func() { e.waiters.dropHistory(sessionID, ch) },
		func() bool { return false },
	)
}

// ExecuteCommand starts a shell command on the backend and reports
// whether the backend confirmed the start.
func (e *Engine) ExecuteCommand(ctx context.Context, command, workingDirectory string) (bool, error) {
	ch := make(chan bool, 1)
	commandID := uuid.NewString()

	err := e.call(ctx, func(ctx context.Context) error {
		if err := e.requireReady(); err != nil {
			return err
		}

		e.waiters.commands[commandID] = ch

		msg := wire.ExecuteCommand{
			Type:             wire.TypeExecuteCommand,
			CommandID:        commandID,
			ShellCommand:     command,
			WorkingDirectory: workingDirectory,
		}
		e.sendOrFault(ctx, msg, "execute_command")

		return nil
	})
	if err != nil {
		return false, err
	}

	return await[bool](ctx, e, ch, e.cfg.CommandTimeout,
		func() { delete(e.waiters.commands, commandID) },
		func() bool { return false },
	)
}

// Compact asks the backend to compact a session. Only one compaction may
// be outstanding; a second request fails with ErrCompactionInFlight. On
// timeout the session is unlocked and a failed result returned.
func (e *Engine) Compact(ctx context.Context, sessionID string) (CompactionResult, error) {
	ch := make(chan CompactionResult, 1)

	err := e.call(ctx, func(ctx context.Context) error {
		if e.waiters.compaction != nil {
			return linkerrors.ErrCompactionInFlight
		}

		if err := e.requireReady(); err != nil {
			return err
		}

		e.waiters.compaction = &compactionWait{sessionID: sessionID, ch: ch}
		e.locks.Lock(sessionID, locks.ReasonCompaction)
		e.publishLocks(true)

		e.sendOrFault(ctx, wire.CompactSession{Type: wire.TypeCompactSession, SessionID: sessionID}, "compact_session")

		return nil
	})
	if err != nil {
		return CompactionResult{SessionID: sessionID, Error: err.Error()}, err
	}

	return await[CompactionResult](ctx, e, ch, e.cfg.CompactionTimeout,
		func() {
			if e.waiters.compaction != nil && e.waiters.compaction.ch == ch {
				e.waiters.compaction = nil
				e.terminal(sessionID, "compaction_timeout")
			}
		},
		func() CompactionResult {
			return CompactionResult{SessionID: sessionID, Error: "compaction timed out"}
		},
	)
}

// Kill asks the backend to stop the session's current operation.
func (e *Engine) Kill(ctx context.Context, sessionID string) error {
	return e.call(ctx, func(ctx context.Context) error {
		if err := e.requireReady(); err != nil {
			return err
		}

		if err := e.send(ctx, wire.KillSession{Type: wire.TypeKillSession, SessionID: sessionID}); err != nil {
			e.transportFault(fmt.Errorf("sending kill_session: %w", err))
			return fmt.Errorf("sending kill_session: %w", linkerrors.ErrNotConnected)
		}

		return nil
	})
}

// ForceUnlock clears a stuck session lock regardless of version order.
func (e *Engine) ForceUnlock(ctx context.Context, sessionID string) error {
	return e.call(ctx, func(context.Context) error {
		st := e.locks.ForceUnlock(sessionID)
		e.persistPending()
		e.publishLocks(false)

		e.logger.Info("session force unlocked",
			slog.String("session_id", sessionID),
			slog.Uint64("version", st.Version),
		)

		return nil
	})
}

// MarkRead clears a session's unread counter.
func (e *Engine) MarkRead(ctx context.Context, sessionID string) error {
	return e.call(ctx, func(context.Context) error {
		if err := e.merger.MarkRead(sessionID); err != nil {
			return fmt.Errorf("marking read: %w", err)
		}

		e.publishUnread()

		return nil
	})
}

// SetMaxMessageSize caps backend records at sizeKB. It is sent now when
// ready and again after every reconnect.
func (e *Engine) SetMaxMessageSize(ctx context.Context, sizeKB int) error {
	return e.call(ctx, func(ctx context.Context) error {
		e.cfg.MaxMessageSizeKB = sizeKB

		if e.phase == PhaseReady && sizeKB > 0 {
			e.sendOrFault(ctx, wire.SetMaxMessageSize{Type: wire.TypeSetMaxMessageSize, SizeKB: sizeKB}, "set_max_message_size")
		}

		return nil
	})
}

// HandleNetwork applies a reachability transition. It fits
// reachability.Monitor.OnTransition.
func (e *Engine) HandleNetwork(t reachability.Transition) {
	e.post(func(ctx context.Context) {
		e.network = t.To
		e.logger.Info("network changed",
			slog.String("from", t.From.String()),
			slog.String("to", t.To.String()),
			slog.String("kind", t.Kind.String()),
		)

		switch t.Kind {
		case reachability.Recovered:
			e.resetAndDial(ctx)
		case reachability.Lost:
			e.stopRetry()
			e.publishStatus()
		case reachability.InterfaceChanged:
			if e.conn == nil {
				e.publishStatus()
				return
			}

			e.teardown("network interface changed", false)
			e.resetAndDial(ctx)
		default:
			// Unknown to unavailable and similar edges carry no reconnect
			// meaning, but no retry may stay armed without a network.
			if t.To.Status == reachability.StatusUnavailable {
				e.stopRetry()
			}

			e.publishStatus()
		}
	})
}

// AppForeground re-arms reconnection from attempt zero.
func (e *Engine) AppForeground() {
	e.post(func(ctx context.Context) {
		e.logger.Debug("app foreground")
		e.resetAndDial(ctx)
	})
}

func (e *Engine) requireReady() error {
	switch {
	case e.phase == PhaseReady:
		return nil
	case e.requiresReauth:
		return linkerrors.ErrReauthRequired
	default:
		return linkerrors.ErrNotConnected
	}
}

// IsNotConnected reports whether err means the engine had no ready
// connection.
func IsNotConnected(err error) bool {
	return errors.Is(err, linkerrors.ErrNotConnected) || errors.Is(err, linkerrors.ErrReauthRequired)
}
