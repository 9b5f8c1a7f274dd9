package reachability

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var quietLogger = slog.New(slog.DiscardHandler)

type recorder struct {
	mu    sync.Mutex
	edges []Transition
}

func (r *recorder) handle(t Transition) {
	r.mu.Lock()
	r.edges = append(r.edges, t)
	r.mu.Unlock()
}

func (r *recorder) kinds() []ChangeKind {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]ChangeKind, 0, len(r.edges))
	for _, e := range r.edges {
		out = append(out, e.Kind)
	}

	return out
}

func TestMonitor_ReportIsEdgeTriggered(t *testing.T) {
	m := NewMonitor(nil, time.Second, quietLogger)
	rec := &recorder{}
	m.OnTransition(rec.handle)

	m.Report(wifi)
	m.Report(wifi)
	m.Report(wifi)
	m.Report(cellular)
	m.Report(offline)
	m.Report(offline)
	m.Report(wifi)

	assert.Equal(t, []ChangeKind{Recovered, InterfaceChanged, Lost, Recovered}, rec.kinds())
	assert.Equal(t, wifi, m.Current())
}

func TestMonitor_TransitionCarriesBothPaths(t *testing.T) {
	m := NewMonitor(nil, time.Second, quietLogger)
	rec := &recorder{}
	m.OnTransition(rec.handle)

	m.Report(wifi)
	m.Report(cellular)

	require.Len(t, rec.edges, 2)
	assert.Equal(t, wifi, rec.edges[1].From)
	assert.Equal(t, cellular, rec.edges[1].To)
}

func TestMonitor_HandlerMayRegisterAnother(t *testing.T) {
	m := NewMonitor(nil, time.Second, quietLogger)
	late := &recorder{}

	var registered bool
	m.OnTransition(func(Transition) {
		if !registered {
			registered = true
			m.OnTransition(late.handle)
		}
	})

	first := &recorder{}
	m.OnTransition(first.handle)

	m.Report(wifi)
	assert.Equal(t, []ChangeKind{Recovered}, first.kinds())
	assert.Empty(t, late.kinds(), "a handler added mid-dispatch starts with the next edge")

	m.Report(offline)
	assert.Equal(t, []ChangeKind{Recovered, Lost}, first.kinds())
	assert.Equal(t, []ChangeKind{Lost}, late.kinds())
}

func TestMonitor_RunPollsProber(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		paths := []Path{wifi, wifi, offline, wifi}
		calls := 0
		prober := ProberFunc(func(context.Context) (Path, error) {
			p := paths[min(calls, len(paths)-1)]
			calls++
			return p, nil
		})

		m := NewMonitor(prober, time.Second, quietLogger)
		rec := &recorder{}
		m.OnTransition(rec.handle)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error)
		go func() { done <- m.Run(ctx) }()

		time.Sleep(3500 * time.Millisecond)
		cancel()
		assert.ErrorIs(t, <-done, context.Canceled)

		assert.Equal(t, []ChangeKind{Recovered, Lost, Recovered}, rec.kinds())
	})
}

func TestMonitor_ProbeErrorKeepsPath(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		calls := 0
		prober := ProberFunc(func(context.Context) (Path, error) {
			calls++
			if calls == 1 {
				return wifi, nil
			}
			return Path{}, errors.New("netlink busy")
		})

		m := NewMonitor(prober, time.Second, quietLogger)
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error)
		go func() { done <- m.Run(ctx) }()

		time.Sleep(2500 * time.Millisecond)
		cancel()
		<-done

		assert.Equal(t, wifi, m.Current())
	})
}

func TestMonitor_RunWithoutProberBlocks(t *testing.T) {
	m := NewMonitor(nil, time.Second, quietLogger)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, m.Run(ctx), context.Canceled)
}
