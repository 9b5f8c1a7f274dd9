package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alexjbarnes/sessionlink/internal/backendsim"
	"github.com/alexjbarnes/sessionlink/internal/logging"
	"github.com/alexjbarnes/sessionlink/internal/wire"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	addr := flag.String("addr", ":8765", "listen address")
	apiKey := flag.String("api-key", "dev-key", "accepted API key")
	heartbeat := flag.Duration("heartbeat", 20*time.Second, "heartbeat interval, 0 to disable")
	hold := flag.Bool("hold-turns", false, "leave prompts locked, simulating a turn that never finishes")
	seed := flag.String("seed", "demo", "seed a session with this id, empty to disable")
	flag.Parse()

	logger := logging.NewLogger(os.Getenv("ENVIRONMENT"), os.Getenv("LOG_LEVEL"))

	sim := backendsim.New(backendsim.Options{
		APIKey:            *apiKey,
		HeartbeatInterval: *heartbeat,
		HoldTurns:         *hold,
		Logger:            logger,
	})

	if *seed != "" {
		sim.AddSession(wire.SessionInfo{SessionID: *seed, Name: "demo session"},
			wire.Record{Role: "user", Text: "hello"},
			wire.Record{Role: "assistant", Text: "hi, this is the simulated backend"},
		)
	}

	srv := &http.Server{
		Addr:              *addr,
		Handler:           sim.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("backend simulator listening", slog.String("addr", *addr))

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
