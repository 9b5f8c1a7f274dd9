package link

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/coder/websocket"

	linkerrors "github.com/alexjbarnes/sessionlink/internal/errors"
	"github.com/alexjbarnes/sessionlink/internal/reachability"
	"github.com/alexjbarnes/sessionlink/internal/wire"
)

// live reports whether a transport exists or is being dialled.
func (e *Engine) live() bool {
	return e.conn != nil || e.dialing
}

// startDial opens a fresh transport unless one is already live.
func (e *Engine) startDial(ctx context.Context) {
	if e.live() {
		return
	}

	if e.requiresReauth {
		e.logger.Debug("not dialling, credentials required")
		return
	}

	if e.apiKey == "" {
		e.requireReauth("no credentials configured")
		return
	}

	if e.network.Status == reachability.StatusUnavailable {
		e.logger.Info("network unavailable, waiting for recovery")
		return
	}

	e.gen++
	gen := e.gen
	e.dialing = true
	e.setPhase(PhaseConnecting)

	e.logger.Debug("dialling", slog.String("url", e.cfg.URL), slog.Uint64("generation", gen))

	go func() {
		dialCtx, cancel := context.WithTimeout(ctx, e.cfg.HandshakeTimeout)
		defer cancel()

		conn, err := e.dial(dialCtx, e.cfg.URL)

		select {
		case e.dialCh <- dialResult{gen: gen, conn: conn, err: err}:
		case <-ctx.Done():
			if conn != nil {
				_ = conn.Close(websocket.StatusGoingAway, "engine stopped")
			}
		}
	}()
}

func (e *Engine) handleDial(ctx context.Context, res dialResult) {
	if res.gen != e.gen {
		// A teardown or newer dial superseded this one.
		if res.conn != nil {
			closeConn(res.conn, websocket.StatusNormalClosure, "superseded")
		}

		e.logger.Debug("dropping stale dial result", slog.Uint64("generation", res.gen))

		return
	}

	e.dialing = false

	if res.err != nil {
		e.transportFault(res.err)
		return
	}

	connCtx, cancel := context.WithCancel(ctx)
	e.conn = res.conn
	e.conn.SetReadLimit(readLimit)
	e.connCancel = cancel
	e.inboundCh = startReader(connCtx, res.conn)
	e.handshakeTimer = time.NewTimer(e.cfg.HandshakeTimeout)

	e.logger.Info("transport open, awaiting hello", slog.String("url", e.cfg.URL))
	e.setPhase(PhaseAwaitingHello)
}

func (e *Engine) handleFrame(ctx context.Context, msg inboundMsg) {
	if msg.err != nil {
		e.transportFault(fmt.Errorf("reading message: %w", msg.err))
		return
	}

	if msg.typ == websocket.MessageBinary {
		e.logger.Debug("ignoring binary frame", slog.Int("bytes", len(msg.data)))
		return
	}

	envs, errs := wire.DecodeFrame(msg.data)
	for _, err := range errs {
		e.logger.Warn("dropping malformed record", slog.String("error", err.Error()))
	}

	conn := e.conn
	for _, env := range envs {
		// A record may tear the connection down; the rest of the frame
		// belonged to it.
		if e.conn != conn {
			return
		}

		e.handleEnvelope(ctx, env)
	}
}

// send writes one record to the current transport.
func (e *Engine) send(ctx context.Context, v any) error {
	if e.conn == nil {
		return linkerrors.ErrNotConnected
	}

	data, err := wire.Encode(v)
	if err != nil {
		return err
	}

	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	return e.conn.Write(writeCtx, websocket.MessageText, data)
}

// sendOrFault writes v and treats a write failure as a transport fault.
func (e *Engine) sendOrFault(ctx context.Context, v any, what string) bool {
	if err := e.send(ctx, v); err != nil {
		e.transportFault(fmt.Errorf("sending %s: %w", what, err))
		return false
	}

	return true
}

func (e *Engine) handleHello(ctx context.Context, hello *wire.Hello) {
	if e.phase != PhaseAwaitingHello {
		e.logger.Debug("ignoring hello", slog.String("phase", string(e.phase)))
		return
	}

	e.logger.Debug("server hello", slog.Int("auth_version", hello.AuthVersion))

	connect := wire.Connect{
		Type:                wire.TypeConnect,
		APIKey:              e.apiKey,
		SessionID:           e.lastSessionID,
		RecentSessionsLimit: e.cfg.RecentSessionsLimit,
	}

	if !e.sendOrFault(ctx, connect, "connect") {
		return
	}

	e.setPhase(PhaseAwaitingAuthConfirmation)
}

func (e *Engine) handleConnected(ctx context.Context, c *wire.Connected) {
	if e.phase != PhaseAwaitingAuthConfirmation {
		e.logger.Debug("ignoring connected", slog.String("phase", string(e.phase)))
		return
	}

	stopTimer(&e.handshakeTimer)
	e.sched.Reset()
	e.lastError = ""
	e.rememberSession(c.SessionID)

	e.hb.Arm()
	e.hbTicker = time.NewTicker(e.hb.CheckEvery())
	e.pingTicker = time.NewTicker(e.cfg.PingInterval)

	e.setPhase(PhaseReady)
	e.logger.Info("authenticated", slog.Int("subscriptions", len(e.subs)))

	for _, id := range e.subscriptions() {
		if !e.sendSubscribe(ctx, id) {
			return
		}
	}

	restored := e.locks.RestorePending()
	for _, id := range restored {
		if !e.subs[id] && !e.sendSubscribe(ctx, id) {
			return
		}
	}

	if len(restored) > 0 {
		e.logger.Info("restored pending locks", slog.Any("sessions", restored))
		e.persistPending()
		e.publishLocks(true)
	}

	if e.cfg.MaxMessageSizeKB > 0 {
		msg := wire.SetMaxMessageSize{Type: wire.TypeSetMaxMessageSize, SizeKB: e.cfg.MaxMessageSizeKB}
		if !e.sendOrFault(ctx, msg, "set_max_message_size") {
			return
		}
	}

	e.publishStatus()
}

func (e *Engine) sendSubscribe(ctx context.Context, sessionID string) bool {
	msg := wire.Subscribe{
		Type:          wire.TypeSubscribe,
		SessionID:     sessionID,
		LastMessageID: e.merger.DeltaWatermark(sessionID),
	}

	return e.sendOrFault(ctx, msg, "subscribe")
}

func (e *Engine) handleAuthError(a *wire.AuthError) {
	msg := a.Message
	if msg == "" {
		msg = linkerrors.ErrAuthFailed.Error()
	}

	e.logger.Warn("authentication rejected", slog.String("message", msg))

	e.lastError = msg
	e.teardown("auth failed", false)
	e.requireReauth(msg)
}

// requireReauth suspends reconnection until new credentials arrive.
func (e *Engine) requireReauth(reason string) {
	e.requiresReauth = true
	e.lastError = reason
	e.stopRetry()
	e.publishStatus()
	e.bus.Publish(Event{Kind: EventAuthRequired, Text: reason})
}

// transportFault handles a transient failure: drop the transport and
// schedule a retry.
func (e *Engine) transportFault(err error) {
	e.logger.Warn("connection lost", slog.String("error", err.Error()))

	e.lastError = err.Error()
	e.teardown("transport fault", true)
}

// teardown drops the transport. Locks are cleared locally and retained as
// pending for replay; subscriptions are untouched.
func (e *Engine) teardown(reason string, schedule bool) {
	e.gen++
	e.dialing = false

	if e.connCancel != nil {
		e.connCancel()
		e.connCancel = nil
	}

	if e.conn != nil {
		closeConn(e.conn, websocket.StatusNormalClosure, reason)
		e.conn = nil
	}

	e.inboundCh = nil
	stopTimer(&e.handshakeTimer)
	stopTicker(&e.hbTicker)
	stopTicker(&e.pingTicker)
	e.hb.Disarm()

	if len(e.locks.Locked()) > 0 {
		e.locks.ClearAll()
		e.persistPending()
		e.publishLocks(true)
	}

	if e.phase != PhaseIdle || schedule {
		e.setPhase(PhaseDisconnected)
	}

	if schedule {
		e.scheduleReconnect()
	}

	e.publishStatus()
}

func (e *Engine) scheduleReconnect() {
	switch {
	case !e.wantConnected, e.requiresReauth, e.live(), e.retryTimer != nil:
		return
	case e.network.Status == reachability.StatusUnavailable:
		e.logger.Info("network unavailable, reconnect deferred")
		return
	}

	delay, ok := e.sched.Next()
	if !ok {
		e.lastError = linkerrors.ErrUnableToConnect.Error()
		e.logger.Error("giving up reconnecting", slog.Int("attempts", e.sched.Attempt()))
		e.publishStatus()
		e.bus.Publish(Event{Kind: EventUnableToConnect, Text: e.lastError})

		return
	}

	e.logger.Info("reconnect scheduled",
		slog.Int("attempt", e.sched.Attempt()),
		slog.Duration("delay", delay),
	)

	e.retryTimer = time.NewTimer(delay)
	e.publishStatus()
}

func (e *Engine) stopRetry() {
	stopTimer(&e.retryTimer)
}

// resetAndDial cancels any pending retry, returns to attempt zero and
// dials now if a connection is wanted.
func (e *Engine) resetAndDial(ctx context.Context) {
	e.stopRetry()
	e.sched.Reset()
	e.publishStatus()

	if e.wantConnected {
		e.startDial(ctx)
	}
}

func (e *Engine) checkHeartbeat(ctx context.Context) {
	if e.phase != PhaseReady || !e.hb.Zombie(time.Now()) {
		return
	}

	e.logger.Warn("no heartbeat, dropping zombie connection",
		slog.Time("last_heartbeat", e.hb.LastPulse()),
		slog.Duration("timeout", e.hb.Timeout()),
	)

	e.lastError = "heartbeat timeout"
	e.teardown("heartbeat timeout", false)
	e.resetAndDial(ctx)
}

// closeConn closes a transport without holding up the event loop on the
// close handshake.
func closeConn(conn WSConn, code websocket.StatusCode, reason string) {
	go func() {
		_ = conn.Close(code, reason)
	}()
}

func stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func stopTicker(t **time.Ticker) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}
