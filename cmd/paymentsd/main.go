package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/kelseyhightower/envconfig"

	"estatepay/internal/breaker"
	"estatepay/internal/common/database"
	"estatepay/internal/common/middleware"
	natsx "estatepay/internal/common/nats"
	"estatepay/internal/gateway"
	"estatepay/internal/gateway/flutterwave"
	"estatepay/internal/gateway/paystack"
	"estatepay/internal/idempotency"
	"estatepay/internal/payment"
	"estatepay/internal/retry"
	"estatepay/internal/tasks"
	"estatepay/internal/webhook"
	"estatepay/migrations"
)

// Config holds service configuration
type Config struct {
	Port        int    `envconfig:"PAYMENTS_PORT" default:"8080"`
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`

	Database    database.Config
	NATS        natsx.Config
	Idempotency idempotency.Config
	Breaker     breaker.Config
	Retry       retry.Policy
	Paystack    paystack.Config
	Flutterwave flutterwave.Config
}

func main() {
	// Load configuration
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to process config: %v\n", err)
		os.Exit(1)
	}

	// Setup logger
	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)

	// Create context that listens for shutdown signals
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Apply migrations and connect to the database
	if err := database.Migrate(migrations.FS, ".", cfg.Database.URL, logger); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	db, err := database.New(ctx, cfg.Database, logger)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Connect to NATS and ensure the task streams exist
	nc, err := natsx.New(ctx, cfg.NATS, logger)
	if err != nil {
		logger.Error("failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer nc.Close()

	if _, err := nc.EnsureStream(ctx, natsx.DefaultStreamConfig(tasks.StreamName, tasks.Subjects())); err != nil {
		logger.Error("failed to ensure task stream", "error", err)
		os.Exit(1)
	}

	// Reliability components
	keys := idempotency.NewPostgresStore(db, cfg.Idempotency, logger)
	breakers := breaker.NewRegistry(cfg.Breaker, logger)
	retrier := retry.NewEngine(cfg.Retry, logger)

	// Gateway clients
	gateways := gateway.NewRegistry(
		paystack.New(cfg.Paystack, logger),
		flutterwave.New(cfg.Flutterwave, logger),
	)

	// Engine and handlers
	dispatcher := tasks.NewDispatcher(nc)
	store := payment.NewPostgresStore(db.Pool())
	engine := payment.NewEngine(store, keys, gateways, breakers, retrier, dispatcher, logger)

	paymentHandler := payment.NewHandler(engine, breakers)
	webhookHandler := webhook.NewHandler(webhook.NewVerifier(gateways), engine, webhook.NewPostgresStore(db.Pool()), logger)

	// Setup router
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(middleware.CorrelationID)
	r.Use(middleware.Recoverer(logger))
	r.Use(middleware.Logger(logger))
	r.Use(chimw.Compress(5))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := db.HealthCheck(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unhealthy"}`))
			return
		}
		if err := nc.HealthCheck(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unhealthy"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	})

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Mount("/", paymentHandler.Routes())
	})
	r.Mount("/webhooks", webhookHandler.Routes())

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting payments service",
			"port", cfg.Port,
			"environment", cfg.Environment,
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()

	logger.Info("shutting down server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	logger.Info("server stopped")
}

func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
