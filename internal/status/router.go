// Package status serves the operator-facing inspection surface: health,
// current component state as JSON, and prometheus metrics.
package status

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Snapshotter returns the component's current inspectable state.
type Snapshotter func() any

func NewRouter(snapshot Snapshotter) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(snapshot()); err != nil {
			slog.Error("failed to encode status", "error", err)
		}
	})

	r.Handle("/metrics", promhttp.Handler())

	return r
}

// Serve runs the status server until the listener fails; it is meant to be
// started in its own goroutine.
func Serve(addr string, snapshot Snapshotter) {
	slog.Info("status server listening", "addr", addr)
	if err := http.ListenAndServe(addr, NewRouter(snapshot)); err != nil {
		slog.Error("status server stopped", "error", err)
	}
}
