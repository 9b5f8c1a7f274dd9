package reachability

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// Prober takes one observation of the network path.
type Prober interface {
	Probe(ctx context.Context) (Path, error)
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) (Path, error)

// Probe calls f.
func (f ProberFunc) Probe(ctx context.Context) (Path, error) { return f(ctx) }

// Monitor turns path observations into edge-triggered transitions.
// Observations come either from Run polling a Prober, or from an embedding
// platform calling Report directly when the OS notifies it.
type Monitor struct {
	prober   Prober
	interval time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	current  Path
	handlers []func(Transition)
}

// NewMonitor creates a monitor in the unknown state. prober may be nil
// when all observations arrive through Report.
func NewMonitor(prober Prober, interval time.Duration, logger *slog.Logger) *Monitor {
	return &Monitor{
		prober:   prober,
		interval: interval,
		logger:   logger,
		current:  Path{Status: StatusUnknown, Interface: InterfaceNone},
	}
}

// OnTransition registers a handler. Handlers run synchronously on the
// reporting goroutine in registration order and must not block.
func (m *Monitor) OnTransition(fn func(Transition)) {
	m.mu.Lock()
	m.handlers = append(m.handlers, fn)
	m.mu.Unlock()
}

// Current returns the last observed path.
func (m *Monitor) Current() Path {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.current
}

// Report records an observation. Nothing is emitted when the path is
// unchanged.
func (m *Monitor) Report(p Path) {
	m.mu.Lock()

	kind, changed := Classify(m.current, p)
	if !changed {
		m.mu.Unlock()
		return
	}

	t := Transition{From: m.current, To: p, Kind: kind}
	m.current = p
	handlers := slices.Clone(m.handlers)
	m.mu.Unlock()

	m.logger.Info("network path changed",
		slog.String("from", t.From.String()),
		slog.String("to", t.To.String()),
		slog.String("kind", kind.String()),
	)

	for _, fn := range handlers {
		fn(t)
	}
}

// Run polls the prober until ctx is cancelled. The first probe happens
// immediately. Probe errors are logged and the previous path is kept.
func (m *Monitor) Run(ctx context.Context) error {
	if m.prober == nil {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		m.probeOnce(ctx)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (m *Monitor) probeOnce(ctx context.Context) {
	p, err := m.prober.Probe(ctx)
	if err != nil {
		m.logger.Debug("network probe failed", slog.String("error", err.Error()))
		return
	}

	m.Report(p)
}
