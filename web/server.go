// Package web serves prometheus metrics and a JSON status page for a
// running tracer.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Server exposes the pipeline registry and status over HTTP.
type Server struct {
	listenAddr string
	gatherer   prometheus.Gatherer
	status     StatusFunc
	logger     *zap.Logger
}

// NewServer creates a server for listenAddr. status is called on every
// /api/status and /healthz request.
func NewServer(listenAddr string, gatherer prometheus.Gatherer, status StatusFunc, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		listenAddr: listenAddr,
		gatherer:   gatherer,
		status:     status,
		logger:     logger,
	}
}

// Handler returns the routes served by Start.
func (s *Server) Handler() http.Handler {
	debugHandler := func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			s.logger.Debug("HTTP request", zap.String("method", r.Method), zap.String("path", r.URL.Path))
			h.ServeHTTP(w, r)
		})
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", debugHandler(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	mux.Handle("/api/status", debugHandler(http.HandlerFunc(s.handleStatus)))
	mux.Handle("/healthz", debugHandler(http.HandlerFunc(s.handleHealth)))
	return mux
}

// Start serves until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.listenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.logger.Info("Starting web server", zap.String("addr", s.listenAddr))

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("HTTP server shutdown error", zap.Error(err))
		}
	}()

	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.status()); err != nil {
		s.logger.Warn("Encoding status failed", zap.Error(err))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.status()
	if !st.Healthy() {
		http.Error(w, st.State, http.StatusServiceUnavailable)
		return
	}
	w.Write([]byte("ok\n"))
}
