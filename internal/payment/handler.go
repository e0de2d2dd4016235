package payment

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"estatepay/internal/breaker"
	"estatepay/internal/common/api"
)

// Handler handles payment HTTP requests.
type Handler struct {
	engine   *Engine
	breakers *breaker.Registry
}

// NewHandler creates a new payment handler.
func NewHandler(engine *Engine, breakers *breaker.Registry) *Handler {
	return &Handler{engine: engine, breakers: breakers}
}

// Routes returns the payment routes.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/payments", h.CreateIntent)
	r.Get("/payments/{id}", h.GetIntent)
	r.Post("/payments/{id}/confirm-offline", h.ConfirmOffline)
	r.Post("/payments/{id}/proofs", h.RegisterProof)

	r.Get("/gateways/status", h.GatewayStatus)

	return r
}

// CreateIntent handles POST /payments.
func (h *Handler) CreateIntent(w http.ResponseWriter, r *http.Request) {
	key := r.Header.Get("Idempotency-Key")
	if key == "" {
		api.BadRequest(w, "Idempotency-Key header required")
		return
	}

	var req CreateIntentRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}
	req.IdempotencyKey = key

	intent, err := h.engine.CreateIntent(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, breaker.ErrOpen):
			api.WriteError(w, http.StatusServiceUnavailable, api.ErrCodeGatewayDown,
				"payment gateway temporarily unavailable")
		case errors.Is(err, ErrInvalidAmount):
			api.BadRequest(w, err.Error())
		case errors.Is(err, ErrCreateInFlight):
			api.Conflict(w, "a request with this Idempotency-Key is still in flight")
		default:
			api.InternalError(w, "failed to create payment intent")
		}
		return
	}

	api.WriteData(w, http.StatusCreated, intent)
}

// GetIntent handles GET /payments/{id}.
func (h *Handler) GetIntent(w http.ResponseWriter, r *http.Request) {
	intent, err := h.engine.GetIntent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			api.NotFound(w, "payment intent not found")
			return
		}
		api.InternalError(w, "failed to load payment intent")
		return
	}
	api.WriteData(w, http.StatusOK, intent)
}

// ConfirmOffline handles POST /payments/{id}/confirm-offline.
func (h *Handler) ConfirmOffline(w http.ResponseWriter, r *http.Request) {
	key := r.Header.Get("Idempotency-Key")
	if key == "" {
		api.BadRequest(w, "Idempotency-Key header required")
		return
	}

	var dec OfflineDecision
	if err := api.DecodeAndValidate(r, &dec); err != nil {
		api.ValidationError(w, err)
		return
	}
	dec.IntentID = chi.URLParam(r, "id")
	dec.RequestKey = key

	result, err := h.engine.ConfirmOffline(r.Context(), dec)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound), errors.Is(err, ErrProofNotFound):
			api.NotFound(w, "payment intent or proof not found")
		case errors.Is(err, ErrIllegalTransition):
			api.Conflict(w, "payment intent already in a conflicting terminal state")
		default:
			api.ServiceUnavailable(w, "confirmation unavailable")
		}
		return
	}

	api.WriteData(w, http.StatusOK, map[string]string{"status": string(result)})
}

// RegisterProof handles POST /payments/{id}/proofs.
func (h *Handler) RegisterProof(w http.ResponseWriter, r *http.Request) {
	var req RegisterProofRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}
	req.IntentID = chi.URLParam(r, "id")

	proof, err := h.engine.RegisterProof(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			api.NotFound(w, "payment intent not found")
		case errors.Is(err, ErrIllegalTransition):
			api.Conflict(w, "payment intent already settled or failed")
		default:
			api.InternalError(w, "failed to register proof")
		}
		return
	}

	api.WriteData(w, http.StatusCreated, proof)
}

// GatewayStatus handles GET /gateways/status.
func (h *Handler) GatewayStatus(w http.ResponseWriter, r *http.Request) {
	states := h.breakers.States()
	out := make(map[string]string, len(states))
	for gw, state := range states {
		out[gw] = string(state)
	}
	api.WriteData(w, http.StatusOK, out)
}
