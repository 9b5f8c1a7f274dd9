package link

import (
	"context"
	"log/slog"
	"time"

	"github.com/alexjbarnes/sessionlink/internal/locks"
	"github.com/alexjbarnes/sessionlink/internal/replica"
	"github.com/alexjbarnes/sessionlink/internal/wire"
)

func (e *Engine) handleEnvelope(ctx context.Context, env wire.Envelope) {
	switch body := env.Body.(type) {
	case *wire.Hello:
		e.handleHello(ctx, body)
	case *wire.Connected:
		e.handleConnected(ctx, body)
	case *wire.AuthError:
		e.handleAuthError(body)

	case *wire.SessionList:
		e.handleSessionList(body)
	case *wire.SessionCreated:
		e.applySessionInfo(body.Session)
		e.publishSessions()
	case *wire.SessionHistory:
		e.merge(replica.Batch{
			SessionID:       body.SessionID,
			Records:         incoming(body.Messages),
			Complete:        body.IsComplete,
			OldestMessageID: body.OldestMessageID,
			TotalCount:      body.TotalCount,
		})
		e.waiters.resolveHistory(body.SessionID, true)
	case *wire.SessionUpdated:
		e.merge(replica.Batch{SessionID: body.SessionID, Records: incoming(body.Messages)})

	case *wire.SessionLocked:
		e.handleSessionLocked(body)
	case *wire.TurnComplete:
		e.terminal(body.SessionID, "turn_complete")
	case *wire.Response:
		e.terminal(body.SessionID, "response")
		if !body.Success {
			e.bus.Publish(Event{Kind: EventError, SessionID: body.SessionID, Text: body.Error})
		}
	case *wire.CompactionComplete:
		e.terminal(body.SessionID, "compaction_complete")
		e.waiters.resolveCompaction(body.SessionID, CompactionResult{
			SessionID:       body.SessionID,
			Success:         true,
			OldMessageCount: body.OldMessageCount,
			NewMessageCount: body.NewMessageCount,
		})
	case *wire.CompactionError:
		e.terminal(body.SessionID, "compaction_error")
		e.waiters.resolveCompaction(body.SessionID, CompactionResult{
			SessionID: body.SessionID,
			Error:     body.Error,
		})
	case *wire.SessionKilled:
		e.terminal(body.SessionID, "session_killed")

	case *wire.Heartbeat:
		e.hb.Pulse(time.Now())
		e.publishStatus()
	case *wire.Pong:
	case *wire.Error:
		e.logger.Warn("backend error",
			slog.String("message", body.Message),
			slog.String("session_id", body.SessionID),
		)

		if body.SessionID != "" {
			e.terminal(body.SessionID, "error")
		}

		e.bus.Publish(Event{Kind: EventError, SessionID: body.SessionID, Text: body.Message})
	case *wire.Ack:
		e.bus.Publish(Event{Kind: EventAck, Text: body.Message, MessageID: body.Filename})

	case *wire.CommandStarted:
		e.waiters.resolveCommand(body.CommandID, true)
	case *wire.CommandError:
		e.waiters.resolveCommand(body.CommandID, false)
		e.bus.Publish(Event{Kind: EventCommandFailed, MessageID: body.CommandID, Text: body.Error})

	default:
		e.logger.Debug("ignoring unknown record", slog.String("type", string(env.Type)))
	}
}

func incoming(records []wire.Record) []replica.Incoming {
	out := make([]replica.Incoming, 0, len(records))
	for _, r := range records {
		out = append(out, replica.Incoming{
			ServerID:  r.ID,
			Role:      replica.Role(r.Role),
			Text:      r.Text,
			Timestamp: r.Timestamp,
			Kind:      r.Kind,
		})
	}

	return out
}

func (e *Engine) merge(b replica.Batch) {
	if b.SessionID == "" {
		e.logger.Debug("dropping batch without session id")
		return
	}

	res, err := e.merger.Merge(b)
	if err != nil {
		e.logger.Error("merging session",
			slog.String("session_id", b.SessionID),
			slog.String("error", err.Error()),
		)

		return
	}

	unread := false

	for _, ev := range res.Events {
		switch ev.Kind {
		case replica.EventSpeak:
			e.bus.Publish(Event{Kind: EventSpeak, SessionID: ev.SessionID, MessageID: ev.MessageID, Text: ev.Text})
		case replica.EventNewContent:
			unread = true
			e.bus.Publish(Event{Kind: EventNewContent, SessionID: ev.SessionID, Count: ev.Count})
		}
	}

	if unread {
		e.publishUnread()
	}
}

func (e *Engine) handleSessionList(list *wire.SessionList) {
	for _, info := range list.Sessions {
		e.applySessionInfo(info)
	}

	sessions := e.cachedSessions()
	e.waiters.resolveSessions(sessions)
	e.bus.Publish(Event{Kind: EventSessionsUpdated, Sessions: sessions})
}

func (e *Engine) publishSessions() {
	e.bus.Publish(Event{Kind: EventSessionsUpdated, Sessions: e.cachedSessions()})
}

// applySessionInfo folds server metadata into the cached session, keeping
// local fields such as the unread counter.
func (e *Engine) applySessionInfo(info wire.SessionInfo) {
	if info.SessionID == "" {
		return
	}

	sess, ok, err := e.store.Session(info.SessionID)
	if err != nil {
		e.logger.Warn("loading session", slog.String("session_id", info.SessionID), slog.String("error", err.Error()))
		return
	}

	if !ok {
		sess = replica.Session{ID: info.SessionID}
	}

	if info.Name != "" {
		sess.Name = info.Name
	}

	if info.WorkingDirectory != "" {
		sess.WorkingDirectory = info.WorkingDirectory
	}

	if info.LastModified.After(sess.LastModified) {
		sess.LastModified = info.LastModified
	}

	if info.MessageCount > 0 {
		sess.MessageCount = info.MessageCount
	}

	if info.Preview != "" {
		sess.Preview = info.Preview
	}

	if err := e.store.UpsertSession(sess); err != nil {
		e.logger.Warn("storing session", slog.String("session_id", info.SessionID), slog.String("error", err.Error()))
	}
}

func (e *Engine) handleSessionLocked(sl *wire.SessionLocked) {
	if sl.SessionID == "" {
		return
	}

	if sl.LockVersion == nil {
		e.locks.Lock(sl.SessionID, locks.ReasonConfirmedByServer)
		e.publishLocks(false)

		return
	}

	applied := e.locks.Apply(locks.Transition{
		SessionID: sl.SessionID,
		Locked:    true,
		Version:   *sl.LockVersion,
		Reason:    locks.ReasonConfirmedByServer,
	})
	if applied {
		e.publishLocks(false)
	}
}

// terminal handles a definitive end-of-operation signal. The first one
// unlocks; later ones find the session unlocked and do nothing.
func (e *Engine) terminal(sessionID, signal string) {
	if sessionID == "" {
		return
	}

	if e.locks.Unlock(sessionID, locks.ReasonConfirmedByServer) {
		e.logger.Debug("session unlocked", slog.String("session_id", sessionID), slog.String("signal", signal))
		e.publishLocks(false)
	}
}
