// Package link keeps one resilient connection to the session backend. An
// Engine owns the transport, lock tracker, subscriptions and local replica
// and mutates them only from its event loop. Public methods are safe for
// concurrent use and funnel their work into that loop.
package link

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/alexjbarnes/sessionlink/internal/coalesce"
	linkerrors "github.com/alexjbarnes/sessionlink/internal/errors"
	"github.com/alexjbarnes/sessionlink/internal/locks"
	"github.com/alexjbarnes/sessionlink/internal/reachability"
	"github.com/alexjbarnes/sessionlink/internal/replica"
	"github.com/alexjbarnes/sessionlink/internal/wire"
)

const writeTimeout = 10 * time.Second

// Coalesced state fields published with EventStateChanged.
const (
	FieldConnection     = "connection"
	FieldLockedSessions = "locked_sessions"
	FieldUnread         = "unread"
)

// Phase is the connection state machine's position.
type Phase string

const (
	PhaseIdle                     Phase = "idle"
	PhaseConnecting               Phase = "connecting"
	PhaseAwaitingHello            Phase = "awaiting_hello"
	PhaseAwaitingAuthConfirmation Phase = "awaiting_auth_confirmation"
	PhaseReady                    Phase = "ready"
	PhaseDisconnected             Phase = "disconnected"
)

// Config tunes the engine. Zero values take the defaults below.
type Config struct {
	URL                 string
	APIKey              string
	SessionID           string
	RecentSessionsLimit int
	MaxMessageSizeKB    int

	ReconnectBase        time.Duration
	ReconnectCap         time.Duration
	MaxReconnectAttempts int

	HeartbeatInterval time.Duration
	PingInterval      time.Duration
	HandshakeTimeout  time.Duration
	CoalesceWindow    time.Duration
	Retention         int

	SessionsTimeout   time.Duration
	HistoryTimeout    time.Duration
	CommandTimeout    time.Duration
	CompactionTimeout time.Duration
}

func (c Config) withDefaults() Config {
	setDuration := func(d *time.Duration, def time.Duration) {
		if *d <= 0 {
			*d = def
		}
	}

	setDuration(&c.ReconnectBase, time.Second)
	setDuration(&c.ReconnectCap, 30*time.Second)
	setDuration(&c.HeartbeatInterval, 45*time.Second)
	setDuration(&c.PingInterval, 30*time.Second)
	setDuration(&c.HandshakeTimeout, 15*time.Second)
	setDuration(&c.CoalesceWindow, coalesce.DefaultWindow)
	setDuration(&c.SessionsTimeout, 10*time.Second)
	setDuration(&c.HistoryTimeout, 30*time.Second)
	setDuration(&c.CommandTimeout, 5*time.Second)
	setDuration(&c.CompactionTimeout, 60*time.Second)

	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 20
	}

	if c.RecentSessionsLimit == 0 {
		c.RecentSessionsLimit = 10
	}

	return c
}

// Persistence keeps engine state across restarts. All methods are called
// from the event loop.
type Persistence interface {
	Subscriptions() ([]string, error)
	SetSubscriptions(ids []string) error
	PendingLocks() ([]string, error)
	SetPendingLocks(ids []string) error
	LastSessionID() (string, error)
	SetLastSessionID(id string) error
}

// Deps are the engine's collaborators. Store and Logger are required.
type Deps struct {
	Logger        *slog.Logger
	Store         replica.Store
	Persistence   Persistence
	ActiveSession replica.ActiveSession
	Dial          DialFunc
}

// Status is a snapshot of the engine's externally visible flags.
type Status struct {
	Phase            Phase
	Connected        bool
	Authenticated    bool
	RequiresReauth   bool
	LastError        string
	ReconnectAttempt int
	Network          reachability.Status
	LastHeartbeat    time.Time
}

// Engine is the connection and session-sync engine.
type Engine struct {
	cfg     Config
	logger  *slog.Logger
	store   replica.Store
	persist Persistence
	dial    DialFunc

	locks     *locks.Tracker
	merger    *replica.Merger
	coalescer *coalesce.Coalescer
	bus       *Bus

	actions chan func(context.Context)
	dialCh  chan dialResult
	done    chan struct{}
	runOnce sync.Once

	// Owned by the event loop.
	phase          Phase
	conn           WSConn
	connCancel     context.CancelFunc
	inboundCh      chan inboundMsg
	gen            uint64
	dialing        bool
	wantConnected  bool
	requiresReauth bool
	apiKey         string
	lastSessionID  string
	lastError      string
	network        reachability.Path
	subs           map[string]bool
	sched          *Scheduler
	hb             *Heartbeat
	retryTimer     *time.Timer
	handshakeTimer *time.Timer
	hbTicker       *time.Ticker
	pingTicker     *time.Ticker
	waiters        waiters

	statusMu sync.RWMutex
	status   Status
}

// New creates an engine. Call Run to start it.
func New(cfg Config, deps Deps) *Engine {
	cfg = cfg.withDefaults()

	dial := deps.Dial
	if dial == nil {
		dial = DialWebsocket
	}

	e := &Engine{
		cfg:           cfg,
		logger:        deps.Logger,
		store:         deps.Store,
		persist:       deps.Persistence,
		dial:          dial,
		locks:         locks.NewTracker(deps.Logger),
		merger:        replica.NewMerger(deps.Store, deps.ActiveSession, cfg.Retention, deps.Logger),
		bus:           NewBus(deps.Logger),
		actions:       make(chan func(context.Context)),
		dialCh:        make(chan dialResult),
		done:          make(chan struct{}),
		phase:         PhaseIdle,
		apiKey:        cfg.APIKey,
		lastSessionID: cfg.SessionID,
		network:       reachability.Path{Status: reachability.StatusUnknown},
		subs:          make(map[string]bool),
		sched:         NewScheduler(cfg.ReconnectBase, cfg.ReconnectCap, cfg.MaxReconnectAttempts),
		hb:            NewHeartbeat(cfg.HeartbeatInterval),
		waiters:       newWaiters(),
	}

	e.coalescer = coalesce.New(cfg.CoalesceWindow, func(fields map[string]any) {
		e.bus.Publish(Event{Kind: EventStateChanged, Fields: fields})
	})
	e.status = Status{Phase: PhaseIdle}

	return e
}

// Run is the event loop. It restores persisted state, then processes
// API calls, dial results, inbound frames and timers until ctx is
// cancelled. Run may only be called once.
func (e *Engine) Run(ctx context.Context) error {
	first := false
	e.runOnce.Do(func() { first = true })

	if !first {
		return fmt.Errorf("engine already running")
	}

	defer close(e.done)

	e.restore()

	for {
		select {
		case <-ctx.Done():
			e.shutdown()
			return ctx.Err()

		case fn := <-e.actions:
			fn(ctx)

		case res := <-e.dialCh:
			e.handleDial(ctx, res)

		case msg := <-e.inboundCh:
			e.handleFrame(ctx, msg)

		case <-timerC(e.retryTimer):
			e.retryTimer = nil
			e.logger.Info("reconnecting", slog.Int("attempt", e.sched.Attempt()))
			e.startDial(ctx)

		case <-timerC(e.handshakeTimer):
			e.handshakeTimer = nil
			e.transportFault(fmt.Errorf("handshake timed out in %s", e.phase))

		case <-tickerC(e.hbTicker):
			e.checkHeartbeat(ctx)

		case <-tickerC(e.pingTicker):
			if err := e.send(ctx, wire.Ping{Type: wire.TypePing}); err != nil {
				e.transportFault(fmt.Errorf("sending ping: %w", err))
			}
		}
	}
}

// Events subscribes to engine events. Call the returned function to
// unsubscribe.
func (e *Engine) Events(buffer int) (<-chan Event, func()) {
	return e.bus.Subscribe(buffer)
}

// Status returns the current externally visible flags.
func (e *Engine) Status() Status {
	e.statusMu.RLock()
	defer e.statusMu.RUnlock()

	return e.status
}

// IsLocked reports whether a session is locked.
func (e *Engine) IsLocked(sessionID string) bool {
	return e.locks.IsLocked(sessionID)
}

// LockState returns the lock state of a session.
func (e *Engine) LockState(sessionID string) (locks.State, bool) {
	return e.locks.State(sessionID)
}

// call runs fn on the event loop and waits for its result.
func (e *Engine) call(ctx context.Context, fn func(ctx context.Context) error) error {
	result := make(chan error, 1)

	select {
	case e.actions <- func(loopCtx context.Context) { result <- fn(loopCtx) }:
	case <-e.done:
		return linkerrors.ErrEngineStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-result:
		return err
	case <-e.done:
		return linkerrors.ErrEngineStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post queues fn on the event loop without waiting for it to run. It
// reports false if the engine has stopped.
func (e *Engine) post(fn func(ctx context.Context)) bool {
	select {
	case e.actions <- fn:
		return true
	case <-e.done:
		return false
	}
}

func (e *Engine) restore() {
	if e.persist == nil {
		return
	}

	if ids, err := e.persist.Subscriptions(); err != nil {
		e.logger.Warn("loading subscriptions", slog.String("error", err.Error()))
	} else {
		for _, id := range ids {
			e.subs[id] = true
		}
	}

	if ids, err := e.persist.PendingLocks(); err != nil {
		e.logger.Warn("loading pending locks", slog.String("error", err.Error()))
	} else {
		e.locks.SetPending(ids)
	}

	if e.lastSessionID == "" {
		if id, err := e.persist.LastSessionID(); err != nil {
			e.logger.Warn("loading last session id", slog.String("error", err.Error()))
		} else {
			e.lastSessionID = id
		}
	}

	e.logger.Debug("engine state restored",
		slog.Int("subscriptions", len(e.subs)),
		slog.Int("pending_locks", len(e.locks.Pending())),
	)
}

func (e *Engine) shutdown() {
	e.stopRetry()
	e.teardown("engine stopped", false)
	e.waiters.resolveAll(e.cachedSessions())
	e.coalescer.Flush()
	e.coalescer.Stop()
	e.bus.Close()
}

// subscriptions returns the subscribed session ids in a stable order.
func (e *Engine) subscriptions() []string {
	ids := make([]string, 0, len(e.subs))
	for id := range e.subs {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	return ids
}

func (e *Engine) persistSubscriptions() {
	if e.persist == nil {
		return
	}

	if err := e.persist.SetSubscriptions(e.subscriptions()); err != nil {
		e.logger.Warn("persisting subscriptions", slog.String("error", err.Error()))
	}
}

func (e *Engine) persistPending() {
	if e.persist == nil {
		return
	}

	if err := e.persist.SetPendingLocks(e.locks.Pending()); err != nil {
		e.logger.Warn("persisting pending locks", slog.String("error", err.Error()))
	}
}

func (e *Engine) rememberSession(id string) {
	if id == "" || id == e.lastSessionID {
		return
	}

	e.lastSessionID = id

	if e.persist == nil {
		return
	}

	if err := e.persist.SetLastSessionID(id); err != nil {
		e.logger.Warn("persisting last session id", slog.String("error", err.Error()))
	}
}

// publishStatus refreshes the Status snapshot and queues it for observers.
func (e *Engine) publishStatus() {
	st := Status{
		Phase:            e.phase,
		Connected:        e.phase == PhaseAwaitingAuthConfirmation || e.phase == PhaseReady,
		Authenticated:    e.phase == PhaseReady,
		RequiresReauth:   e.requiresReauth,
		LastError:        e.lastError,
		ReconnectAttempt: e.sched.Attempt(),
		Network:          e.network.Status,
		LastHeartbeat:    e.hb.LastPulse(),
	}

	e.statusMu.Lock()
	changed := st != e.status
	e.status = st
	e.statusMu.Unlock()

	if changed {
		e.coalescer.Set(FieldConnection, st)
	}
}

// publishLocks queues the locked session set. immediate bypasses the
// quiescence window.
func (e *Engine) publishLocks(immediate bool) {
	locked := e.locks.Locked()
	if immediate {
		e.coalescer.SetNow(FieldLockedSessions, locked)
		return
	}

	e.coalescer.Set(FieldLockedSessions, locked)
}

func (e *Engine) publishUnread() {
	sessions, err := e.store.Sessions()
	if err != nil {
		e.logger.Warn("listing sessions", slog.String("error", err.Error()))
		return
	}

	unread := make(map[string]int)
	for _, s := range sessions {
		if s.UnreadCount > 0 {
			unread[s.ID] = s.UnreadCount
		}
	}

	e.coalescer.Set(FieldUnread, unread)
}

func (e *Engine) setPhase(p Phase) {
	if e.phase == p {
		return
	}

	e.logger.Debug("connection phase", slog.String("from", string(e.phase)), slog.String("to", string(p)))
	e.phase = p
	e.publishStatus()
}

func (e *Engine) cachedSessions() []replica.Session {
	sessions, err := e.store.Sessions()
	if err != nil {
		e.logger.Warn("listing cached sessions", slog.String("error", err.Error()))
		return nil
	}

	return sessions
}

func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}

	return t.C
}

func tickerC(t *time.Ticker) <-chan time.Time {
	if t == nil {
		return nil
	}

	return t.C
}
