package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ledgerlens/ledgerlens/service/config"
	"github.com/ledgerlens/ledgerlens/service/db"
	"github.com/ledgerlens/ledgerlens/service/decode"
	"github.com/ledgerlens/ledgerlens/service/enrich"
	"github.com/ledgerlens/ledgerlens/service/metrics"
	"github.com/ledgerlens/ledgerlens/service/nats"
	"github.com/ledgerlens/ledgerlens/service/server"
)

func main() {
	// Load and validate configuration from environment.
	// This fails fast if any config value is invalid.
	cfg := config.MustLoad()

	logger := setupLogger(cfg.LogLevel)
	logger.Info("starting decode server",
		"addr", cfg.ServerAddr,
		"log_level", cfg.LogLevel,
		"parser_version", decode.Version,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.NewMetrics(prometheus.DefaultRegisterer)

	// Database is optional; without it decoded events are not persisted.
	var store *db.Store
	if cfg.DatabaseURL != "" {
		dbPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer dbPool.Close()

		if err := dbPool.Ping(ctx); err != nil {
			logger.Error("failed to ping database", "error", err)
			os.Exit(1)
		}
		logger.Info("connected to database")

		store = db.NewStore(dbPool, m)
	} else {
		logger.Warn("DATABASE_URL not set, event persistence disabled")
	}

	// NATS is optional; without it decoded events are not published.
	var publisher nats.Publisher
	if cfg.NATSURL != "" {
		p, err := nats.NewPublisher(cfg.NATSURL, m, logger)
		if err != nil {
			logger.Error("failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		defer p.Close()
		publisher = p
	} else {
		logger.Warn("NATS_URL not set, event publishing disabled")
	}

	decoder := buildDecoder(cfg, logger)

	httpServer := server.New(cfg.ServerAddr, cfg, decoder, store, publisher, m, logger)

	// Start HTTP server in background
	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- httpServer.Start()
	}()

	// Wait for shutdown signal or server error
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("server error", "error", err)
		os.Exit(1)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown server gracefully", "error", err)
			os.Exit(1)
		}

		logger.Info("server shutdown complete")
	}
}

// buildDecoder assembles the decode pipeline from configuration.
func buildDecoder(cfg *config.Config, logger *slog.Logger) *decode.Decoder {
	extractor := decode.NewBalanceDiffExtractor(decode.ExtractorConfig{
		MinBalanceChange:  cfg.MinBalanceChange,
		IncludeFeeChanges: cfg.IncludeFeeChanges,
	})

	pipeline := decode.NewEnricherPipeline(logger,
		enrich.NewJupiterEnricher(logger),
	)

	aggregator := decode.NewSemanticAggregator(decode.AggregatorConfig{
		IncludeFeeEvents:      cfg.IncludeFeeEvents,
		GenerateComplexEvents: cfg.GenerateComplexEvents,
		ToleranceRatioPPM:     cfg.ToleranceRatioPPM,
	}, pipeline, logger)

	return decode.NewDecoder(extractor, aggregator)
}

// setupLogger creates a structured logger with the given log level.
func setupLogger(levelStr string) *slog.Logger {
	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
