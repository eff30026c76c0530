package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/autonomyowner/LinguaBridge-sub000/internal/config"
	"github.com/autonomyowner/LinguaBridge-sub000/internal/notify"
	"github.com/autonomyowner/LinguaBridge-sub000/internal/observability"
	"github.com/autonomyowner/LinguaBridge-sub000/internal/session"
	"github.com/autonomyowner/LinguaBridge-sub000/internal/stream"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("port", cfg.Port).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Bool("postgres", cfg.DatabaseURL != "").
		Msg("Voice Core Service starting")

	// Select the session store. Postgres when configured, in-memory for
	// single-node deployments.
	var store session.Store
	if cfg.DatabaseURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		pg, err := session.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			cancel()
			logger.Fatal().Err(err).Msg("Failed to connect session store")
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			cancel()
			logger.Fatal().Err(err).Msg("Failed to apply session store schema")
		}
		cancel()
		defer pg.Close()
		store = pg
		logger.Info().Msg("Session store: postgres")
	} else {
		store = session.NewMemoryStore()
		logger.Info().Msg("Session store: in-memory")
	}

	// Room presence comes from the stream hub; events go to the webhook
	// when one is configured.
	hub := stream.NewHub()
	ledgerOpts := []session.LedgerOption{session.WithPresence(hub)}
	if cfg.NotifyWebhookURL != "" {
		notifier := notify.NewWebhookNotifier(
			cfg.NotifyWebhookURL,
			time.Duration(cfg.NotifyTimeoutSecs)*time.Second,
			logger,
		)
		ledgerOpts = append(ledgerOpts, session.WithEventSink(notifier))
		logger.Info().Str("url", cfg.NotifyWebhookURL).Msg("Room event webhook enabled")
	}

	tiers := session.StaticTiers{Tier: session.ParseTier(cfg.DefaultTier)}
	ledger := session.NewLedger(store, tiers, logger, ledgerOpts...)

	// Background reaper for sessions abandoned without an end call.
	reaperCtx, stopReaper := context.WithCancel(context.Background())
	defer stopReaper()
	reaper := session.NewReaper(
		ledger,
		time.Duration(cfg.ReaperIntervalSecs)*time.Second,
		time.Duration(cfg.StaleAfterMinutes)*time.Minute,
		logger,
	)
	go reaper.Run(reaperCtx)

	// Create HTTP server
	mux := http.NewServeMux()

	// Media stream WebSocket handler
	streamHandler := stream.NewHandler(ledger, hub, cfg, logger)
	mux.HandleFunc("/v1/stream", streamHandler.HandleStream)

	// Session lifecycle and usage API
	session.NewAPI(ledger, logger).Register(mux)

	// Health check endpoint
	mux.HandleFunc("/health", observability.HealthCheckHandler())

	// Readiness endpoint probes the session store
	mux.HandleFunc("/ready", observability.ReadinessHandler(map[string]observability.HealthCheckFunc{
		"session_store": store.Ping,
	}, nil))

	// Metrics endpoint (Prometheus)
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	// Create HTTP server with timeouts. No WriteTimeout: the stream
	// endpoint holds its connection open for the life of a session.
	server := &http.Server{
		Addr:        fmt.Sprintf(":%s", cfg.Port),
		Handler:     mux,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("endpoint", fmt.Sprintf("ws://localhost:%s/v1/stream", cfg.Port)).
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down server...")
	stopReaper()

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	logger.Info().Msg("Server exited gracefully")
}
