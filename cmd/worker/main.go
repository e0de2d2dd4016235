package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/kelseyhightower/envconfig"

	"estatepay/internal/breaker"
	"estatepay/internal/common/database"
	natsx "estatepay/internal/common/nats"
	"estatepay/internal/gateway"
	"estatepay/internal/gateway/paystack"
	"estatepay/internal/idempotency"
	"estatepay/internal/notify"
	"estatepay/internal/payment"
	"estatepay/internal/receipts"
	"estatepay/internal/retry"
	"estatepay/internal/tasks"
	"estatepay/migrations"
)

// Config holds worker configuration
type Config struct {
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`

	Database    database.Config
	NATS        natsx.Config
	Idempotency idempotency.Config
	Breaker     breaker.Config
	Retry       retry.Policy
	Worker      tasks.WorkerConfig
	Paystack    paystack.Config
	Receipts    receipts.FSConfig
	SMS         notify.SMSConfig
	Email       notify.EmailConfig
	Payout      tasks.PayoutConfig

	// PayoutRecipients maps lease IDs to gateway transfer recipient codes,
	// as "lease:recipient,lease:recipient".
	PayoutRecipients map[string]string `envconfig:"PAYOUT_RECIPIENTS"`
}

func main() {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to process config: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

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

	nc, err := natsx.New(ctx, cfg.NATS, logger)
	if err != nil {
		logger.Error("failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer nc.Close()

	keys := idempotency.NewPostgresStore(db, cfg.Idempotency, logger)
	breakers := breaker.NewRegistry(cfg.Breaker, logger)

	intents := payment.NewPostgresStore(db.Pool())

	blobs, err := receipts.NewFSStore(cfg.Receipts.Root)
	if err != nil {
		logger.Error("failed to open receipts store", "error", err)
		os.Exit(1)
	}
	receiptSvc := receipts.NewService(receipts.NewPostgresStore(db.Pool()), blobs, logger)

	smsClient := notify.NewSMSClient(cfg.SMS, logger)
	emailClient := notify.NewEmailClient(cfg.Email, logger)
	payoutClient := paystack.New(cfg.Paystack, logger)

	worker := tasks.NewWorker(nc, keys, cfg.Retry, cfg.Worker, logger)

	handlers := map[string]tasks.Handler{
		tasks.KindReceiptGenerate: tasks.NewReceiptHandler(intents, receiptSvc),
		tasks.KindNotifySMS:       tasks.NewSMSHandler(intents, smsClient, logger),
		tasks.KindNotifyEmail:     tasks.NewEmailHandler(intents, emailClient),
		tasks.KindPayoutLandlord: tasks.NewPayoutHandler(intents,
			tasks.StaticDirectory(cfg.PayoutRecipients), payoutClient, breakers,
			gateway.Paystack, cfg.Payout, logger),
	}
	for kind, handler := range handlers {
		if err := worker.Register(kind, handler); err != nil {
			logger.Error("failed to register handler", "kind", kind, "error", err)
			os.Exit(1)
		}
	}

	if err := worker.Start(ctx); err != nil {
		logger.Error("failed to start worker", "error", err)
		os.Exit(1)
	}

	logger.Info("worker started", "environment", cfg.Environment)

	<-ctx.Done()

	logger.Info("draining consumers")
	worker.Stop()
	logger.Info("worker stopped")
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
