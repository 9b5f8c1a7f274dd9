package e2e_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alexjbarnes/sessionlink/internal/backendsim"
	"github.com/alexjbarnes/sessionlink/internal/link"
	"github.com/alexjbarnes/sessionlink/internal/logging"
	"github.com/alexjbarnes/sessionlink/internal/state"
)

const (
	testKey     = "e2e-test-key"
	waitTimeout = 5 * time.Second
	waitTick    = 10 * time.Millisecond
)

// harness holds the full e2e stack: a backendsim server behind an
// httptest listener and an engine dialling it over a real websocket,
// persisting to a bbolt database in a temp dir.
type harness struct {
	Sim     *backendsim.Server
	URL     string
	DBPath  string
	State   *state.State
	Engine  *link.Engine
	focused string

	mu     sync.Mutex
	events []link.Event

	cancel context.CancelFunc
	done   chan error
}

// newHarness starts the simulator. Call start to run an engine against it.
func newHarness(t *testing.T, opts backendsim.Options) *harness {
	t.Helper()

	if opts.APIKey == "" {
		opts.APIKey = testKey
	}

	opts.Logger = logging.Discard()

	sim := backendsim.New(opts)
	ts := httptest.NewServer(sim.Handler())
	t.Cleanup(ts.Close)

	return &harness{
		Sim:    sim,
		URL:    "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws",
		DBPath: filepath.Join(t.TempDir(), "state.db"),
	}
}

func (h *harness) config() link.Config {
	return link.Config{
		URL:              h.URL,
		APIKey:           testKey,
		ReconnectBase:    50 * time.Millisecond,
		ReconnectCap:     200 * time.Millisecond,
		HandshakeTimeout: 2 * time.Second,
		CoalesceWindow:   10 * time.Millisecond,
	}
}

// start opens the state database and runs an engine until the test ends
// or stop is called.
func (h *harness) start(t *testing.T, cfg link.Config) {
	t.Helper()

	st, err := state.LoadAt(h.DBPath)
	require.NoError(t, err)

	h.State = st
	h.Engine = link.New(cfg, link.Deps{
		Logger:        logging.Discard(),
		Store:         st,
		Persistence:   st,
		ActiveSession: activeSession{h},
	})

	events, _ := h.Engine.Events(1024)

	go func() {
		for ev := range events {
			h.mu.Lock()
			h.events = append(h.events, ev)
			h.mu.Unlock()
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan error, 1)

	go func() {
		h.done <- h.Engine.Run(ctx)
	}()

	t.Cleanup(func() { h.stop(t) })
}

// stop cancels the engine and closes the database. Safe to call twice.
func (h *harness) stop(t *testing.T) {
	t.Helper()

	if h.cancel == nil {
		return
	}

	h.cancel()
	h.cancel = nil

	select {
	case err := <-h.done:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("engine error: %v", err)
		}
	case <-time.After(waitTimeout):
		t.Error("engine did not stop")
	}

	require.NoError(t, h.State.Close())
}

// connect starts the engine and waits until it is authenticated.
func (h *harness) connect(t *testing.T) {
	t.Helper()

	h.start(t, h.config())
	require.NoError(t, h.Engine.Connect(t.Context()))
	h.waitReady(t)
}

func (h *harness) waitReady(t *testing.T) {
	t.Helper()

	require.Eventually(t, func() bool {
		return h.Engine.Status().Authenticated
	}, waitTimeout, waitTick, "engine never became ready")
}

func (h *harness) hasEvent(kind link.EventKind, sessionID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, ev := range h.events {
		if ev.Kind == kind && (sessionID == "" || ev.SessionID == sessionID) {
			return true
		}
	}

	return false
}

type activeSession struct{ h *harness }

func (a activeSession) ActiveSessionID() string {
	a.h.mu.Lock()
	defer a.h.mu.Unlock()

	return a.h.focused
}

func (h *harness) focus(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.focused = id
}
