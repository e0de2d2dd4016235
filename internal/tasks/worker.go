package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	natsx "estatepay/internal/common/nats"
	"estatepay/internal/idempotency"
	"estatepay/internal/retry"
)

// Handler processes one task. Returning nil acks the task; an error wrapped
// with retry.Permanent dead-letters it immediately, any other error schedules
// a redelivery.
type Handler func(ctx context.Context, task *Task) error

// WorkerConfig holds worker runtime configuration.
type WorkerConfig struct {
	MaxDeliver     int           `envconfig:"WORKER_MAX_DELIVER" default:"5"`
	AckWait        time.Duration `envconfig:"WORKER_ACK_WAIT" default:"30s"`
	HandlerTimeout time.Duration `envconfig:"WORKER_HANDLER_TIMEOUT" default:"25s"`
}

// Worker consumes tasks and runs their handlers. Delivery is at-least-once;
// every handler is gated by the idempotency store so a redelivered task that
// already completed is acked without side effects.
type Worker struct {
	client   *natsx.Client
	dead     Publisher
	keys     idempotency.Store
	policy   retry.Policy
	cfg      WorkerConfig
	handlers map[string]Handler
	logger   *slog.Logger

	consumeCtxs []jetstream.ConsumeContext
}

// NewWorker creates a worker.
func NewWorker(client *natsx.Client, keys idempotency.Store, policy retry.Policy, cfg WorkerConfig, logger *slog.Logger) *Worker {
	if cfg.MaxDeliver <= 0 {
		cfg.MaxDeliver = 5
	}
	if cfg.AckWait <= 0 {
		cfg.AckWait = 30 * time.Second
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = 25 * time.Second
	}
	return &Worker{
		client:   client,
		dead:     client,
		keys:     keys,
		policy:   policy,
		cfg:      cfg,
		handlers: make(map[string]Handler),
		logger:   logger,
	}
}

// Register installs the handler for a kind. Must be called before Start.
func (w *Worker) Register(kind string, handler Handler) error {
	if !validKind(kind) {
		return fmt.Errorf("unknown task kind %q", kind)
	}
	w.handlers[kind] = handler
	return nil
}

// Start ensures the streams and consumers exist and begins consuming. It
// returns once consumption is running; Stop drains the consumers.
func (w *Worker) Start(ctx context.Context) error {
	if _, err := w.client.EnsureStream(ctx, natsx.DefaultStreamConfig(StreamName, Subjects())); err != nil {
		return err
	}
	if _, err := w.client.EnsureStream(ctx, natsx.DefaultStreamConfig(DeadStreamName, []string{DeadSubject})); err != nil {
		return err
	}

	for kind, handler := range w.handlers {
		cfg := natsx.DefaultConsumerConfig(consumerName(kind), StreamName, Subject(kind))
		cfg.MaxDeliver = w.cfg.MaxDeliver
		cfg.AckWait = w.cfg.AckWait

		consumer, err := w.client.EnsureConsumer(ctx, cfg)
		if err != nil {
			return err
		}

		kind, handler := kind, handler
		cc, err := consumer.Consume(func(msg jetstream.Msg) {
			w.handle(ctx, kind, handler, msg)
		})
		if err != nil {
			return fmt.Errorf("consuming %s: %w", kind, err)
		}
		w.consumeCtxs = append(w.consumeCtxs, cc)

		w.logger.Info("task consumer started", "kind", kind)
	}
	return nil
}

// Stop drains all consumers.
func (w *Worker) Stop() {
	for _, cc := range w.consumeCtxs {
		cc.Drain()
	}
}

func (w *Worker) handle(ctx context.Context, kind string, handler Handler, msg jetstream.Msg) {
	delivered := 1
	if meta, err := msg.Metadata(); err == nil {
		delivered = int(meta.NumDelivered)
	}

	var task Task
	if err := json.Unmarshal(msg.Data(), &task); err != nil {
		// Undecodable tasks can never succeed. Straight to the dead letter.
		w.logger.Error("undecodable task", "kind", kind, "error", err)
		w.deadLetter(ctx, msg, kind, "undecodable")
		return
	}

	log := w.logger.With(
		"kind", kind,
		"task_id", task.ID,
		"dedupe_key", task.DedupeKey,
		"delivery", delivered,
	)

	key := taskKey(kind, task.DedupeKey)
	res, err := w.keys.Reserve(ctx, key)
	if err != nil {
		log.Error("idempotency store unreachable", "error", err)
		w.retryOrDead(ctx, msg, kind, delivered, "idempotency store unreachable", log)
		return
	}

	switch res.Result {
	case idempotency.AlreadyCompleted:
		log.Info("task already completed, acking redelivery")
		w.ack(msg, log)
		return
	case idempotency.AlreadyProcessing:
		// Another worker holds the key. Back off and let redelivery find
		// out how it went.
		w.retryOrDead(ctx, msg, kind, delivered, "task key still held", log)
		return
	}

	handlerCtx, cancel := context.WithTimeout(ctx, w.cfg.HandlerTimeout)
	err = handler(handlerCtx, &task)
	cancel()

	if err == nil {
		if cerr := w.keys.Complete(ctx, key, idempotency.Outcome{Status: "done"}); cerr != nil {
			log.Error("completing task key", "error", cerr)
			// The work happened but the record did not stick. Redeliver;
			// the handler must tolerate the repeat.
			w.retryOrDead(ctx, msg, kind, delivered, "completing task key failed", log)
			return
		}
		w.ack(msg, log)
		log.Info("task completed")
		return
	}

	if rerr := w.keys.Release(ctx, key); rerr != nil {
		log.Error("releasing task key", "error", rerr)
	}

	if retry.IsPermanent(err) {
		log.Error("permanent task failure, dead-lettering", "error", err)
		w.deadLetter(ctx, msg, kind, err.Error())
		return
	}

	log.Warn("task failed, scheduling redelivery", "error", err)
	w.retryOrDead(ctx, msg, kind, delivered, err.Error(), log)
}

// retryOrDead schedules a redelivery, except on the final permitted delivery.
// A nak there would exceed the consumer's MaxDeliver and the task would
// vanish without a trace, so it goes to the dead letter instead.
func (w *Worker) retryOrDead(ctx context.Context, msg jetstream.Msg, kind string, delivered int, reason string, log *slog.Logger) {
	if delivered >= w.cfg.MaxDeliver {
		log.Error("delivery budget exhausted, dead-lettering", "reason", reason)
		w.deadLetter(ctx, msg, kind, reason)
		return
	}
	w.nak(msg, delivered, log)
}

func (w *Worker) ack(msg jetstream.Msg, log *slog.Logger) {
	if err := msg.Ack(); err != nil {
		log.Error("acking task", "error", err)
	}
}

func (w *Worker) nak(msg jetstream.Msg, delivered int, log *slog.Logger) {
	delay := w.policy.Delay(delivered - 1)
	if err := msg.NakWithDelay(delay); err != nil {
		log.Error("naking task", "error", err)
	}
}

func (w *Worker) deadLetter(ctx context.Context, msg jetstream.Msg, kind, reason string) {
	// The dead copy carries its own dedupe ID so a crash between publish
	// and Term cannot multiply it.
	msgID := "dead:" + kind + ":" + headerOr(msg, "Nats-Msg-Id", "unknown")
	if err := w.dead.PublishDedup(ctx, DeadSubject, msgID, msg.Data()); err != nil {
		w.logger.Error("dead-lettering task", "kind", kind, "error", err)
		// Leave the message for redelivery rather than lose it.
		if nerr := msg.NakWithDelay(w.policy.Delay(0)); nerr != nil {
			w.logger.Error("naking undeliverable task", "error", nerr)
		}
		return
	}
	if err := msg.Term(); err != nil {
		w.logger.Error("terminating dead task", "error", err)
	}
	w.logger.Warn("task dead-lettered", "kind", kind, "reason", reason)
}

func headerOr(msg jetstream.Msg, key, fallback string) string {
	if h := msg.Headers(); h != nil {
		if v := h.Get(key); v != "" {
			return v
		}
	}
	return fallback
}

func taskKey(kind, dedupeKey string) string {
	return "task:" + kind + ":" + dedupeKey
}

// consumerName derives a durable name from a kind. JetStream durable names
// cannot contain dots.
func consumerName(kind string) string {
	return "worker-" + strings.ReplaceAll(kind, ".", "-")
}
