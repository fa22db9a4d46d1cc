// Package server exposes the health, metrics and progress of a running poller over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rtpush-campaign/poll"
)

// Status reports per-subscription progress.
type Status interface {
	Snapshot() []poll.Progress
}

// Server handles HTTP requests.
type Server struct {
	status   Status
	gatherer prometheus.Gatherer
	logger   *slog.Logger
	started  time.Time
	run      string
}

// Config holds server configuration.
type Config struct {
	Status   Status
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
	Run      string // run location shown on /statusz
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		status:   cfg.Status,
		gatherer: gatherer,
		logger:   cfg.Logger,
		run:      cfg.Run,
		started:  time.Now(),
	}
}

// Handler returns the routes of the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/statusz", s.handleStatus)
	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	return mux
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", "addr", addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve %s: %w", addr, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	s.logger.Info("HTTP server stopped")
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, `{"status":"healthy"}`); err != nil {
		s.logger.Warn("Failed to write health response", "error", err)
	}
}

type statusResponse struct {
	Run           string          `json:"run,omitempty"`
	UptimeSec     int64           `json:"uptimeSec"`
	Phases        map[string]int  `json:"phases"`
	Subscriptions []poll.Progress `json:"subscriptions"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := statusResponse{
		Run:           s.run,
		UptimeSec:     int64(time.Since(s.started).Seconds()),
		Phases:        map[string]int{},
		Subscriptions: []poll.Progress{},
	}
	if s.status != nil {
		resp.Subscriptions = s.status.Snapshot()
	}
	for _, p := range resp.Subscriptions {
		resp.Phases[string(p.Phase)]++
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("Failed to write status response", "error", err)
	}
}
