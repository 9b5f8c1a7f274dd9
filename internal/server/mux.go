// Package server provides HTTP router construction for the backend
// simulator.
package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

// RouterConfig holds dependencies for building the HTTP router.
type RouterConfig struct {
	WSHandler http.Handler
	Logger    *slog.Logger
}

// NewRouter builds the router with the websocket endpoint at /ws and a
// liveness probe at /healthz. Every request is logged.
func NewRouter(cfg RouterConfig) *mux.Router {
	r := mux.NewRouter()
	r.Handle("/ws", cfg.WSHandler).Methods(http.MethodGet)
	r.HandleFunc("/healthz", handleHealth).Methods(http.MethodGet, http.MethodHead)
	r.Use(requestLogger(cfg.Logger))

	return r
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func requestLogger(logger *slog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)

			// Websocket handlers return when the connection closes, so
			// for /ws the duration is the connection lifetime.
			logger.Debug("http request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("remote", r.RemoteAddr),
				slog.Duration("duration", time.Since(start)),
			)
		})
	}
}
