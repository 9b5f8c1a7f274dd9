package link

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"testing/synctest"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/alexjbarnes/sessionlink/internal/replica"
)

var quietLogger = slog.New(slog.DiscardHandler)

var errConnClosed = errors.New("use of closed connection")

// fakeConn is an in-memory transport. The test plays the server by
// pushing records into in and reading the client's writes from out.
type fakeConn struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once

	// failWrites rejects writes while leaving the socket open.
	failWrites atomic.Bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 64),
		out:    make(chan []byte, 256),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case <-c.closed:
		return 0, nil, errConnClosed
	default:
	}

	select {
	case d := <-c.in:
		return websocket.MessageText, d, nil
	case <-c.closed:
		return 0, nil, errConnClosed
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

func (c *fakeConn) Write(_ context.Context, _ websocket.MessageType, p []byte) error {
	select {
	case <-c.closed:
		return errConnClosed
	default:
	}

	if c.failWrites.Load() {
		return errors.New("write: broken pipe")
	}

	c.out <- slices.Clone(p)

	return nil
}

func (c *fakeConn) Close(websocket.StatusCode, string) error {
	c.drop()
	return nil
}

func (c *fakeConn) SetReadLimit(int64) {}

// drop simulates the transport failing underneath the client.
func (c *fakeConn) drop() {
	c.once.Do(func() { close(c.closed) })
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) push(record string) {
	c.in <- []byte(record)
}

// next returns the next record the client wrote. Pings are skipped.
func (c *fakeConn) next(t *testing.T) gjson.Result {
	t.Helper()
	synctest.Wait()

	for {
		select {
		case d := <-c.out:
			r := gjson.ParseBytes(d)
			if r.Get("type").String() == "ping" {
				continue
			}

			return r
		default:
			t.Fatal("client wrote nothing")
			return gjson.Result{}
		}
	}
}

func (c *fakeConn) expect(t *testing.T, typ string) gjson.Result {
	t.Helper()

	r := c.next(t)
	require.Equal(t, typ, r.Get("type").String(), r.Raw)

	return r
}

// written returns everything the client wrote so far, pings excluded.
func (c *fakeConn) written() []gjson.Result {
	synctest.Wait()

	var out []gjson.Result

	for {
		select {
		case d := <-c.out:
			r := gjson.ParseBytes(d)
			if r.Get("type").String() != "ping" {
				out = append(out, r)
			}
		default:
			return out
		}
	}
}

type memPersistence struct {
	mu      sync.Mutex
	subs    []string
	pending []string
	last    string
}

func (p *memPersistence) Subscriptions() ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return slices.Clone(p.subs), nil
}

func (p *memPersistence) SetSubscriptions(ids []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.subs = slices.Clone(ids)

	return nil
}

func (p *memPersistence) PendingLocks() ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return slices.Clone(p.pending), nil
}

func (p *memPersistence) SetPendingLocks(ids []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.pending = slices.Clone(ids)

	return nil
}

func (p *memPersistence) LastSessionID() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.last, nil
}

func (p *memPersistence) SetLastSessionID(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.last = id

	return nil
}

// harness runs an Engine inside a synctest bubble against fake
// connections. Create it inside synctest.Test.
type harness struct {
	engine  *Engine
	store   *replica.MemoryStore
	persist *memPersistence
	events  <-chan Event
	conns   chan *fakeConn
	cancel  context.CancelFunc

	mu        sync.Mutex
	dials     []time.Time
	failDials int
}

func testConfig() Config {
	return Config{
		URL:    "ws://backend.test/ws",
		APIKey: "key-1",
	}
}

func newHarness(t *testing.T, cfg Config, setup ...func(*harness)) *harness {
	t.Helper()

	h := &harness{
		store:   replica.NewMemoryStore(),
		persist: &memPersistence{},
		conns:   make(chan *fakeConn, 32),
	}

	for _, fn := range setup {
		fn(h)
	}

	h.engine = New(cfg, Deps{
		Logger:      quietLogger,
		Store:       h.store,
		Persistence: h.persist,
		Dial:        h.dial,
	})
	h.events, _ = h.engine.Events(1024)

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel

	go func() { _ = h.engine.Run(ctx) }()

	synctest.Wait()

	return h
}

func (h *harness) dial(_ context.Context, _ string) (WSConn, error) {
	h.mu.Lock()
	h.dials = append(h.dials, time.Now())
	fail := h.failDials != 0
	if h.failDials > 0 {
		h.failDials--
	}
	h.mu.Unlock()

	if fail {
		return nil, errors.New("connection refused")
	}

	c := newFakeConn()
	h.conns <- c

	return c, nil
}

func (h *harness) dialCount() int {
	synctest.Wait()

	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.dials)
}

func (h *harness) dialTimes() []time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()

	return slices.Clone(h.dials)
}

func (h *harness) nextConn(t *testing.T) *fakeConn {
	t.Helper()
	synctest.Wait()

	select {
	case c := <-h.conns:
		return c
	default:
		t.Fatal("engine did not dial")
		return nil
	}
}

// ready dials, completes the hello/connect/connected handshake and
// returns the server side of the connection.
func (h *harness) ready(t *testing.T) *fakeConn {
	t.Helper()

	c := h.nextConn(t)
	c.push(`{"type":"hello","auth_version":1}`)
	c.expect(t, "connect")
	c.push(`{"type":"connected"}`)
	synctest.Wait()

	require.Equal(t, PhaseReady, h.engine.Status().Phase)

	return c
}

// connect calls Connect and completes the handshake.
func (h *harness) connect(t *testing.T) *fakeConn {
	t.Helper()

	require.NoError(t, h.engine.Connect(context.Background()))

	return h.ready(t)
}

func (h *harness) stop() {
	h.cancel()
	<-h.engine.done
	synctest.Wait()
}

// drainEvents returns every event published so far.
func (h *harness) drainEvents() []Event {
	synctest.Wait()

	var out []Event

	for {
		select {
		case ev := <-h.events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func hasEvent(events []Event, kind EventKind) bool {
	return slices.ContainsFunc(events, func(ev Event) bool { return ev.Kind == kind })
}
