package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/alexjbarnes/sessionlink/internal/config"
	"github.com/alexjbarnes/sessionlink/internal/credentials"
	"github.com/alexjbarnes/sessionlink/internal/link"
	"github.com/alexjbarnes/sessionlink/internal/logging"
	"github.com/alexjbarnes/sessionlink/internal/reachability"
	"github.com/alexjbarnes/sessionlink/internal/replica"
	"github.com/alexjbarnes/sessionlink/internal/state"
)

var Version = "dev"

func main() {
	// Handle dump subcommand before config loading.
	if len(os.Args) > 1 && os.Args[1] == "dump" {
		if err := dump(os.Stdout, os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}

		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// dump prints the persisted replica as YAML. An optional argument
// overrides the database path.
func dump(w io.Writer, args []string) error {
	path := os.Getenv("STATE_PATH")
	if len(args) > 0 {
		path = args[0]
	}

	var (
		st  *state.State
		err error
	)

	if path == "" {
		st, err = state.Load()
	} else {
		st, err = state.LoadAt(path)
	}

	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer st.Close()

	snap, err := st.Snapshot()
	if err != nil {
		return fmt.Errorf("reading state: %w", err)
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)

	if err := enc.Encode(snap); err != nil {
		return fmt.Errorf("encoding yaml: %w", err)
	}

	return enc.Close()
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Info("sessionlink starting",
		slog.String("version", Version),
		slog.String("url", cfg.URL),
	)

	var st *state.State
	if cfg.StatePath != "" {
		st, err = state.LoadAt(cfg.StatePath)
	} else {
		st, err = state.Load()
	}

	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	focus := &activeSession{id: cfg.SessionID}

	engine := link.New(cfg.EngineConfig(), link.Deps{
		Logger:        logger,
		Store:         st,
		Persistence:   st,
		ActiveSession: replica.ActiveSessionFunc(focus.get),
	})

	monitor := reachability.NewMonitor(reachability.NewInterfaceProber(), cfg.ReachabilityPoll, logger)
	monitor.OnTransition(engine.HandleNetwork)

	events, unsubscribe := engine.Events(256)
	defer unsubscribe()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := engine.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}

		return err
	})

	g.Go(func() error {
		err := monitor.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}

		return err
	})

	if cfg.APIKeyFile != "" {
		watcher := credentials.NewWatcher(cfg.APIKeyFile, func(key string) {
			if err := engine.SetCredentials(gctx, key); err != nil {
				logger.Warn("applying new credentials", slog.String("error", err.Error()))
			}
		}, logger)

		g.Go(func() error {
			err := watcher.Watch(gctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}

			return err
		})
	}

	g.Go(func() error {
		logEvents(gctx, events, logger)
		return nil
	})

	lines := scanLines(os.Stdin)

	g.Go(func() error {
		if err := engine.Connect(gctx); err != nil {
			logger.Warn("connect", slog.String("error", err.Error()))
		}

		sh := &shell{engine: engine, focus: focus, logger: logger, out: os.Stdout}

		for {
			select {
			case <-gctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					// Keep running headless until signalled.
					logger.Info("stdin closed")
					lines = nil

					continue
				}

				sh.exec(gctx, line)
			}
		}
	})

	return g.Wait()
}

// scanLines feeds stdin lines into a channel. The scanning goroutine is
// abandoned on shutdown since a blocked stdin read cannot be interrupted.
func scanLines(r io.Reader) <-chan string {
	ch := make(chan string)

	go func() {
		defer close(ch)

		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			ch <- scanner.Text()
		}
	}()

	return ch
}

func logEvents(ctx context.Context, events <-chan link.Event, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}

			attrs := []any{slog.String("kind", ev.Kind.String())}
			if ev.SessionID != "" {
				attrs = append(attrs, slog.String("session_id", ev.SessionID))
			}

			if ev.Text != "" {
				attrs = append(attrs, slog.String("text", ev.Text))
			}

			if len(ev.Fields) > 0 {
				attrs = append(attrs, slog.Any("fields", ev.Fields))
			}

			switch ev.Kind {
			case link.EventError, link.EventAuthRequired, link.EventUnableToConnect, link.EventCommandFailed:
				logger.Warn("engine event", attrs...)
			default:
				logger.Info("engine event", attrs...)
			}
		}
	}
}

type activeSession struct {
	mu sync.Mutex
	id string
}

func (a *activeSession) get() string {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.id
}

func (a *activeSession) set(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.id = id
}
