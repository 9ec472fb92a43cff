package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ledgerlens/ledgerlens/service/config"
	"github.com/ledgerlens/ledgerlens/service/db"
	"github.com/ledgerlens/ledgerlens/service/decode"
	"github.com/ledgerlens/ledgerlens/service/metrics"
	"github.com/ledgerlens/ledgerlens/service/nats"
)

// Server represents the HTTP server for the decode service.
type Server struct {
	addr      string
	cfg       *config.Config
	decoder   *decode.Decoder
	store     *db.Store
	publisher nats.Publisher
	metrics   *metrics.Metrics
	logger    *slog.Logger
	server    *http.Server
}

// New creates a new HTTP server with the given dependencies.
// The store is optional - if nil, the event query endpoints won't be available.
// The publisher is optional - if nil, decoded events won't be published.
// The metrics is optional - if nil, the metrics endpoint won't be available.
func New(addr string, cfg *config.Config, decoder *decode.Decoder, store *db.Store, publisher nats.Publisher, m *metrics.Metrics, logger *slog.Logger) *Server {
	return &Server{
		addr:      addr,
		cfg:       cfg,
		decoder:   decoder,
		store:     store,
		publisher: publisher,
		metrics:   m,
		logger:    logger,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	mux := http.NewServeMux()

	mux.Handle("POST /api/v1/decode", s.instrument("/api/v1/decode",
		handleDecode(s.decoder, s.store, s.publisher, s.metrics, s.logger)))
	mux.Handle("GET /api/v1/version", s.instrument("/api/v1/version",
		handleVersion()))

	// Event query endpoints (if persistence is configured)
	if s.store != nil {
		mux.Handle("GET /api/v1/events/{signature}", s.instrument("/api/v1/events/{signature}",
			handleGetEvent(s.store, s.logger)))
		mux.Handle("GET /api/v1/events", s.instrument("/api/v1/events",
			handleListEvents(s.store, s.logger)))
		mux.Handle("GET /api/v1/stats", s.instrument("/api/v1/stats",
			handleStats(s.store, s.logger)))
		s.logger.Info("event query endpoints enabled")
	} else {
		s.logger.Warn("store not configured, event query endpoints disabled")
	}

	// Health check endpoint
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Prometheus metrics endpoint (if metrics collector is configured)
	if s.metrics != nil {
		mux.Handle("GET /metrics", promhttp.Handler())
		s.logger.Info("Prometheus metrics endpoint enabled")
	}

	handler := corsMiddleware(mux)

	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      handler,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	s.logger.Info("starting HTTP server", "addr", s.addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) instrument(name string, h http.Handler) http.Handler {
	if s.metrics == nil {
		return h
	}
	return metrics.HTTPMetricsMiddleware(s.metrics, name)(h)
}

// corsMiddleware adds CORS headers to all responses and handles OPTIONS
// preflight requests.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
