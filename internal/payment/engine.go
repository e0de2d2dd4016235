package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"estatepay/internal/breaker"
	"estatepay/internal/common/money"
	"estatepay/internal/gateway"
	"estatepay/internal/idempotency"
	"estatepay/internal/retry"
)

// TaskEnqueuer hands work to the task queue. Implemented by tasks.Dispatcher.
type TaskEnqueuer interface {
	Enqueue(ctx context.Context, kind string, payload any, dedupeKey string) error
}

// ConfirmResult reports what Confirm did with a trigger.
type ConfirmResult string

const (
	// ConfirmApplied means this call performed the transition.
	ConfirmApplied ConfirmResult = "applied"
	// ConfirmDuplicate means another caller already holds or completed the
	// same transition; nothing was changed.
	ConfirmDuplicate ConfirmResult = "duplicate"
)

// ErrChargePending is returned when the gateway does not yet report a
// terminal charge outcome. The trigger should be redelivered later.
var ErrChargePending = errors.New("charge not yet terminal at gateway")

// Engine drives payment intents to a terminal state exactly once, no matter
// how many times the same evidence arrives.
type Engine struct {
	store    Store
	keys     idempotency.Store
	gateways *gateway.Registry
	breakers *breaker.Registry
	retrier  *retry.Engine
	tasks    TaskEnqueuer
	logger   *slog.Logger
}

// NewEngine creates a reconciliation engine.
func NewEngine(store Store, keys idempotency.Store, gateways *gateway.Registry, breakers *breaker.Registry, retrier *retry.Engine, tasks TaskEnqueuer, logger *slog.Logger) *Engine {
	return &Engine{
		store:    store,
		keys:     keys,
		gateways: gateways,
		breakers: breakers,
		retrier:  retrier,
		tasks:    tasks,
		logger:   logger,
	}
}

// CreateIntentRequest asks for a new payment intent.
type CreateIntentRequest struct {
	LeaseID        string      `json:"lease_id" validate:"required"`
	TenantID       string      `json:"tenant_id" validate:"required"`
	Email          string      `json:"email" validate:"required,email"`
	Phone          string      `json:"phone,omitempty" validate:"omitempty,e164"`
	Amount         money.Money `json:"amount" validate:"required"`
	Gateway        string      `json:"gateway" validate:"required,oneof=paystack flutterwave offline"`
	CallbackURL    string      `json:"callback_url,omitempty" validate:"omitempty,url"`
	IdempotencyKey string      `json:"-"`
}

// CreateIntent creates a payment intent and, for gateway intents, opens a
// checkout session. A repeated call with the same Idempotency-Key returns the
// intent created by the first call.
func (e *Engine) CreateIntent(ctx context.Context, req CreateIntentRequest) (*Intent, error) {
	if !money.IsSupported(req.Amount.Currency) {
		return nil, fmt.Errorf("%w: unsupported currency %s", ErrInvalidAmount, req.Amount.Currency)
	}
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidAmount)
	}

	key := "intent:create:" + req.IdempotencyKey
	res, err := e.keys.Reserve(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("reserving create key: %w", err)
	}

	switch res.Result {
	case idempotency.AlreadyCompleted:
		var detail struct {
			IntentID string `json:"intent_id"`
		}
		if err := json.Unmarshal(res.Outcome.Detail, &detail); err != nil {
			return nil, fmt.Errorf("decoding create outcome: %w", err)
		}
		return e.store.GetIntent(ctx, detail.IntentID)
	case idempotency.AlreadyProcessing:
		return nil, ErrCreateInFlight
	}

	now := time.Now().UTC()
	intent := &Intent{
		ID:        ulid.Make().String(),
		LeaseID:   req.LeaseID,
		TenantID:  req.TenantID,
		Email:     req.Email,
		Phone:     req.Phone,
		Amount:    req.Amount,
		Gateway:   req.Gateway,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	intent.Reference = "EP-" + intent.ID

	if req.Gateway != gateway.Offline {
		gw, err := e.gateways.Get(req.Gateway)
		if err != nil {
			e.release(ctx, key)
			return nil, err
		}

		var checkout *gateway.Checkout
		err = e.retrier.Do(ctx, "initialize."+req.Gateway, func(ctx context.Context) error {
			return e.breakers.Do(ctx, req.Gateway, func(ctx context.Context) error {
				var callErr error
				checkout, callErr = gw.InitializeCharge(ctx, gateway.InitializeRequest{
					Reference:   intent.Reference,
					Email:       req.Email,
					Amount:      req.Amount,
					CallbackURL: req.CallbackURL,
				})
				return callErr
			})
		})
		if err != nil {
			e.release(ctx, key)
			return nil, fmt.Errorf("initializing charge: %w", err)
		}
		intent.CheckoutURL = checkout.CheckoutURL
	}

	if err := e.store.CreateIntent(ctx, intent); err != nil {
		e.release(ctx, key)
		return nil, err
	}

	detail, _ := json.Marshal(map[string]string{"intent_id": intent.ID})
	if err := e.keys.Complete(ctx, key, idempotency.Outcome{Status: "created", Detail: detail}); err != nil {
		return nil, fmt.Errorf("completing create key: %w", err)
	}

	e.logger.Info("payment intent created",
		"intent_id", intent.ID,
		"lease_id", intent.LeaseID,
		"gateway", intent.Gateway,
		"amount", intent.Amount.AmountMinor,
	)
	return intent, nil
}

// GetIntent returns the intent by id.
func (e *Engine) GetIntent(ctx context.Context, id string) (*Intent, error) {
	return e.store.GetIntent(ctx, id)
}

// GetIntentByReference returns the intent by gateway reference.
func (e *Engine) GetIntentByReference(ctx context.Context, reference string) (*Intent, error) {
	return e.store.GetIntentByReference(ctx, reference)
}

// Confirm applies a settlement or failure trigger to an intent. Exactly one
// of any set of concurrent or repeated triggers for the same (intent, target)
// performs the transition; the rest observe ConfirmDuplicate.
func (e *Engine) Confirm(ctx context.Context, trig Trigger) (ConfirmResult, error) {
	if !trig.Target.Terminal() {
		return "", fmt.Errorf("%w: target %s is not terminal", ErrIllegalTransition, trig.Target)
	}

	key := confirmKey(trig.IntentID, trig.Target)
	res, err := e.keys.Reserve(ctx, key)
	if err != nil {
		return "", fmt.Errorf("reserving confirm key: %w", err)
	}
	if res.Result != idempotency.Acquired {
		e.logger.Info("duplicate confirmation collapsed",
			"intent_id", trig.IntentID,
			"target", trig.Target,
			"dedupe_key", trig.DedupeKey,
			"reservation", res.Result.String(),
		)
		return ConfirmDuplicate, nil
	}

	result, err := e.confirm(ctx, trig)
	if err != nil {
		// Release so a later redelivery of the evidence can try again.
		e.release(ctx, key)
		return "", err
	}

	detail, _ := json.Marshal(map[string]string{"dedupe_key": trig.DedupeKey})
	outcome := idempotency.Outcome{Status: string(trig.Target), Detail: detail}
	if err := e.keys.Complete(ctx, key, outcome); err != nil {
		return "", fmt.Errorf("completing confirm key: %w", err)
	}
	return result, nil
}

func (e *Engine) confirm(ctx context.Context, trig Trigger) (ConfirmResult, error) {
	intent, err := e.store.GetIntent(ctx, trig.IntentID)
	if err != nil {
		return "", err
	}

	// Gateway evidence is advisory. Re-verify against the gateway's
	// charge-status API and let the verified outcome pick the target.
	if trig.Gateway != gateway.Offline {
		verified, err := e.verifyCharge(ctx, trig.Gateway, intent.Reference)
		if err != nil {
			return "", err
		}
		trig.Target = verified.Target
		trig.ProviderRef = verified.ProviderRef
		trig.Channel = verified.Channel
		trig.ErrorCode = verified.ErrorCode
		trig.ErrorMessage = verified.ErrorMessage
		trig.OccurredAt = verified.OccurredAt
	}

	switch {
	case intent.Status == StatusPending:
		ev := Evidence{
			ProviderRef:  trig.ProviderRef,
			Channel:      trig.Channel,
			ErrorCode:    trig.ErrorCode,
			ErrorMessage: trig.ErrorMessage,
			OccurredAt:   trig.OccurredAt,
		}
		if err := e.store.Transition(ctx, intent.ID, trig.Target, ev); err != nil {
			return "", err
		}
	case intent.Status == trig.Target:
		// A previous attempt committed the transition but died before its
		// follow-up work. Fall through and repeat the effects; the task
		// queue deduplicates them.
	default:
		return "", fmt.Errorf("%w: %s is %s, trigger wants %s",
			ErrIllegalTransition, intent.ID, intent.Status, trig.Target)
	}

	if trig.Target == StatusSettled {
		if err := e.enqueueSettlementTasks(ctx, intent); err != nil {
			return "", err
		}
	}

	e.logger.Info("payment intent confirmed",
		"intent_id", intent.ID,
		"target", trig.Target,
		"gateway", trig.Gateway,
		"dedupe_key", trig.DedupeKey,
	)
	return ConfirmApplied, nil
}

// verifiedOutcome is a trigger rebuilt from the gateway's own record.
type verifiedOutcome struct {
	Target       Status
	ProviderRef  string
	Channel      string
	ErrorCode    string
	ErrorMessage string
	OccurredAt   *time.Time
}

func (e *Engine) verifyCharge(ctx context.Context, gatewayName, reference string) (*verifiedOutcome, error) {
	gw, err := e.gateways.Get(gatewayName)
	if err != nil {
		return nil, err
	}

	var charge *gateway.Charge
	err = e.retrier.Do(ctx, "verify."+gatewayName, func(ctx context.Context) error {
		return e.breakers.Do(ctx, gatewayName, func(ctx context.Context) error {
			var callErr error
			charge, callErr = gw.ChargeStatus(ctx, reference)
			return callErr
		})
	})
	if err != nil {
		return nil, fmt.Errorf("verifying charge %s: %w", reference, err)
	}

	out := &verifiedOutcome{
		ProviderRef:  charge.ProviderRef,
		Channel:      charge.Channel,
		ErrorCode:    charge.ErrorCode,
		ErrorMessage: charge.ErrorMessage,
	}
	switch charge.State {
	case gateway.ChargeSuccess:
		out.Target = StatusSettled
		out.OccurredAt = charge.PaidAt
	case gateway.ChargeFailed:
		out.Target = StatusFailed
	default:
		return nil, ErrChargePending
	}
	return out, nil
}

// ReceiptTask is the payload of a receipt.generate task.
type ReceiptTask struct {
	IntentID string `json:"intent_id"`
}

// NotifyTask is the payload of a notify.sms or notify.email task.
type NotifyTask struct {
	IntentID string `json:"intent_id"`
	Kind     string `json:"kind"`
}

// PayoutTask is the payload of a payout.landlord task.
type PayoutTask struct {
	IntentID string `json:"intent_id"`
	LeaseID  string `json:"lease_id"`
}

func (e *Engine) enqueueSettlementTasks(ctx context.Context, intent *Intent) error {
	if err := e.tasks.Enqueue(ctx, "receipt.generate",
		ReceiptTask{IntentID: intent.ID},
		"receipt:"+intent.ID); err != nil {
		return fmt.Errorf("enqueueing receipt task: %w", err)
	}
	if err := e.tasks.Enqueue(ctx, "notify.sms",
		NotifyTask{IntentID: intent.ID, Kind: "payment.settled"},
		"notify.sms:"+intent.ID); err != nil {
		return fmt.Errorf("enqueueing sms task: %w", err)
	}
	if err := e.tasks.Enqueue(ctx, "notify.email",
		NotifyTask{IntentID: intent.ID, Kind: "payment.settled"},
		"notify.email:"+intent.ID); err != nil {
		return fmt.Errorf("enqueueing email task: %w", err)
	}
	if err := e.tasks.Enqueue(ctx, "payout.landlord",
		PayoutTask{IntentID: intent.ID, LeaseID: intent.LeaseID},
		"payout:"+intent.ID); err != nil {
		return fmt.Errorf("enqueueing payout task: %w", err)
	}
	return nil
}

// RegisterProofRequest uploads offline-payment evidence against an intent.
type RegisterProofRequest struct {
	IntentID   string `json:"-"`
	FileHash   string `json:"file_hash" validate:"required"`
	StorageRef string `json:"storage_ref" validate:"required"`
}

// RegisterProof records offline-payment evidence for later review.
func (e *Engine) RegisterProof(ctx context.Context, req RegisterProofRequest) (*Proof, error) {
	intent, err := e.store.GetIntent(ctx, req.IntentID)
	if err != nil {
		return nil, err
	}
	if intent.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrIllegalTransition, intent.ID, intent.Status)
	}

	proof := &Proof{
		ID:         ulid.Make().String(),
		IntentID:   intent.ID,
		FileHash:   req.FileHash,
		StorageRef: req.StorageRef,
		Status:     ProofPending,
		UploadedAt: time.Now().UTC(),
	}
	if err := e.store.CreateProof(ctx, proof); err != nil {
		return nil, err
	}

	e.logger.Info("payment proof registered", "proof_id", proof.ID, "intent_id", intent.ID)
	return proof, nil
}

// OfflineDecision is an admin ruling on an offline payment.
type OfflineDecision struct {
	IntentID   string `json:"-"`
	ProofID    string `json:"proof_id" validate:"required"`
	Decision   string `json:"decision" validate:"required,oneof=approved rejected"`
	ReviewerID string `json:"reviewer_id" validate:"required"`
	RequestKey string `json:"-"`
}

// ConfirmOffline applies an admin decision on an offline payment proof.
// Either ruling drives the intent through the same confirmation path gateway
// events use: an approval settles it, a rejection fails it. Repeats are
// no-ops.
func (e *Engine) ConfirmOffline(ctx context.Context, dec OfflineDecision) (ConfirmResult, error) {
	proof, err := e.store.GetProof(ctx, dec.ProofID)
	if err != nil && !errors.Is(err, ErrProofNotFound) {
		return "", err
	}
	if proof != nil && proof.IntentID != dec.IntentID {
		return "", ErrProofNotFound
	}

	status := ProofApproved
	if dec.Decision == "rejected" {
		status = ProofRejected
	}
	if err := e.store.ReviewProof(ctx, dec.ProofID, status, dec.ReviewerID); err != nil {
		if !errors.Is(err, ErrProofNotFound) {
			return "", err
		}
		// Already reviewed; fall through so a replayed approval still
		// collapses on the confirm key below.
		if proof == nil || proof.Status != status {
			return "", err
		}
	}

	if status == ProofRejected {
		e.logger.Info("payment proof rejected",
			"proof_id", dec.ProofID,
			"intent_id", dec.IntentID,
			"reviewer_id", dec.ReviewerID,
		)
		return e.Confirm(ctx, Trigger{
			IntentID:  dec.IntentID,
			Target:    StatusFailed,
			DedupeKey: dec.RequestKey,
			Gateway:   gateway.Offline,
			Channel:   "offline",
			ErrorCode: "proof_rejected",
		})
	}

	return e.Confirm(ctx, Trigger{
		IntentID:  dec.IntentID,
		Target:    StatusSettled,
		DedupeKey: dec.RequestKey,
		Gateway:   gateway.Offline,
		Channel:   "offline",
	})
}

func (e *Engine) release(ctx context.Context, key string) {
	if err := e.keys.Release(ctx, key); err != nil {
		e.logger.Error("releasing idempotency key", "key", key, "error", err)
	}
}

func confirmKey(intentID string, target Status) string {
	return fmt.Sprintf("confirm:%s:%s", intentID, target)
}
