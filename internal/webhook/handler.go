package webhook

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"estatepay/internal/common/api"
	"estatepay/internal/payment"
)

// maxBodyBytes bounds inbound webhook payloads.
const maxBodyBytes = 1 << 20

// Engine is the confirmation entrypoint webhooks feed into.
type Engine interface {
	GetIntentByReference(ctx context.Context, reference string) (*payment.Intent, error)
	Confirm(ctx context.Context, trig payment.Trigger) (payment.ConfirmResult, error)
}

// Handler handles inbound gateway webhook requests.
type Handler struct {
	verifier *Verifier
	engine   Engine
	audit    Store
	logger   *slog.Logger
}

// NewHandler creates a webhook handler. audit may be nil to skip the
// delivery log.
func NewHandler(verifier *Verifier, engine Engine, audit Store, logger *slog.Logger) *Handler {
	return &Handler{
		verifier: verifier,
		engine:   engine,
		audit:    audit,
		logger:   logger,
	}
}

// Routes returns the webhook routes.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/{gateway}", h.Receive)
	return r
}

// Receive handles POST /webhooks/{gateway}. Response codes are chosen for
// the gateway's redelivery loop: 2xx stops redelivery, 5xx asks for another
// attempt later.
func (h *Handler) Receive(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	gatewayName := chi.URLParam(r, "gateway")

	headerName, err := h.verifier.SignatureHeader(gatewayName)
	if err != nil {
		api.NotFound(w, "unknown gateway")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		api.BadRequest(w, "failed to read body")
		return
	}
	defer r.Body.Close()

	rec := &Record{
		Gateway:   gatewayName,
		Body:      body,
		Signature: r.Header.Get(headerName),
	}
	defer func() { record(ctx, h.audit, h.logger, rec) }()

	event, err := h.verifier.Verify(gatewayName, body, r.Header.Get(headerName))
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidSignature):
			rec.Outcome = "invalid_signature"
			h.logger.Warn("webhook signature rejected", "gateway", gatewayName)
			api.BadRequest(w, "invalid signature")
		case errors.Is(err, ErrEventIgnored):
			// Authenticated but not a charge outcome. Acknowledge so the
			// gateway stops redelivering.
			rec.Outcome = "ignored"
			api.WriteData(w, http.StatusOK, map[string]string{"status": "ignored"})
		case errors.Is(err, ErrMalformedPayload):
			rec.Outcome = "malformed"
			h.logger.Warn("webhook payload rejected", "gateway", gatewayName, "error", err)
			api.BadRequest(w, "malformed payload")
		default:
			rec.Outcome = "unknown_gateway"
			api.NotFound(w, "unknown gateway")
		}
		return
	}
	rec.EventID = event.ID

	intent, err := h.engine.GetIntentByReference(ctx, event.Reference)
	if err != nil {
		if errors.Is(err, payment.ErrNotFound) {
			// Authenticated event for a reference we never issued. Nothing
			// to reconcile; acknowledge and keep the evidence in the logs.
			h.logger.Warn("webhook for unknown reference",
				"gateway", gatewayName,
				"reference", event.Reference,
				"event_id", event.ID,
			)
			rec.Outcome = "unmatched"
			api.WriteData(w, http.StatusOK, map[string]string{"status": "unmatched"})
			return
		}
		rec.Outcome = "store_error"
		api.ServiceUnavailable(w, "store unavailable")
		return
	}

	result, err := h.engine.Confirm(ctx, payment.Trigger{
		IntentID:  intent.ID,
		Target:    payment.StatusSettled,
		DedupeKey: event.DedupeKey(),
		Gateway:   event.Gateway,
	})
	if err != nil {
		switch {
		case errors.Is(err, payment.ErrIllegalTransition):
			rec.Outcome = "conflict"
			api.Conflict(w, "intent already in a conflicting terminal state")
		case errors.Is(err, payment.ErrChargePending):
			// The gateway has not finalized the charge yet. Ask for a
			// redelivery once it has.
			rec.Outcome = "charge_pending"
			api.ServiceUnavailable(w, "charge not yet verifiable")
		default:
			rec.Outcome = "confirm_error"
			h.logger.Error("webhook confirmation failed",
				"gateway", gatewayName,
				"intent_id", intent.ID,
				"error", err,
			)
			api.ServiceUnavailable(w, "confirmation unavailable")
		}
		return
	}

	rec.Outcome = string(result)
	h.logger.Info("webhook processed",
		"gateway", gatewayName,
		"event_id", event.ID,
		"intent_id", intent.ID,
		"result", string(result),
	)
	api.WriteData(w, http.StatusOK, map[string]string{"status": string(result)})
}
