package webhook

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"estatepay/internal/gateway"
	"estatepay/internal/gateway/paystack"
	"estatepay/internal/payment"
)

const webhookSecret = "sk_test_secret"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeEngine records confirmations and scripts errors.
type fakeEngine struct {
	mu         sync.Mutex
	intent     *payment.Intent
	lookupErr  error
	confirmErr error
	triggers   []payment.Trigger
}

func (f *fakeEngine) GetIntentByReference(_ context.Context, reference string) (*payment.Intent, error) {
	if f.lookupErr != nil {
		return nil, f.lookupErr
	}
	if f.intent == nil || f.intent.Reference != reference {
		return nil, payment.ErrNotFound
	}
	return f.intent, nil
}

func (f *fakeEngine) Confirm(_ context.Context, trig payment.Trigger) (payment.ConfirmResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.confirmErr != nil {
		return "", f.confirmErr
	}
	f.triggers = append(f.triggers, trig)
	if len(f.triggers) == 1 {
		return payment.ConfirmApplied, nil
	}
	return payment.ConfirmDuplicate, nil
}

func newTestHandler(engine *fakeEngine) *Handler {
	gw := paystack.New(paystack.Config{WebhookSecret: webhookSecret}, testLogger())
	return NewHandler(NewVerifier(gateway.NewRegistry(gw)), engine, NopStore{}, testLogger())
}

func post(t *testing.T, h *Handler, path string, body []byte, sign bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	if sign {
		req.Header.Set("x-paystack-signature", gateway.SignPayload(webhookSecret, body))
	}
	rec := httptest.NewRecorder()
	router := http.NewServeMux()
	router.Handle("/webhooks/", http.StripPrefix("/webhooks", h.Routes()))
	router.ServeHTTP(rec, req)
	return rec
}

var chargeSuccessBody = []byte(`{
	"event": "charge.success",
	"data": {"id": 987654, "reference": "EP-01TEST", "amount": 25000000, "currency": "NGN", "status": "success"}
}`)

func pendingIntent() *payment.Intent {
	return &payment.Intent{
		ID:        "01TEST",
		Reference: "EP-01TEST",
		Status:    payment.StatusPending,
		Gateway:   gateway.Paystack,
	}
}

func TestValidWebhookConfirmsIntent(t *testing.T) {
	engine := &fakeEngine{intent: pendingIntent()}
	h := newTestHandler(engine)

	rec := post(t, h, "/webhooks/paystack", chargeSuccessBody, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	if len(engine.triggers) != 1 {
		t.Fatalf("expected one confirmation, got %d", len(engine.triggers))
	}
	trig := engine.triggers[0]
	if trig.IntentID != "01TEST" || trig.Target != payment.StatusSettled {
		t.Fatalf("unexpected trigger: %+v", trig)
	}
	if trig.DedupeKey != "webhook:paystack:987654" {
		t.Fatalf("expected event-derived dedupe key, got %q", trig.DedupeKey)
	}
}

func TestInvalidSignatureRejectedWithoutStateChange(t *testing.T) {
	engine := &fakeEngine{intent: pendingIntent()}
	h := newTestHandler(engine)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/paystack", bytes.NewReader(chargeSuccessBody))
	req.Header.Set("x-paystack-signature", "deadbeef")
	rec := httptest.NewRecorder()
	router := http.NewServeMux()
	router.Handle("/webhooks/", http.StripPrefix("/webhooks", h.Routes()))
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if len(engine.triggers) != 0 {
		t.Fatal("invalid signature must not reach the engine")
	}
}

func TestMissingSignatureRejected(t *testing.T) {
	engine := &fakeEngine{intent: pendingIntent()}
	h := newTestHandler(engine)

	rec := post(t, h, "/webhooks/paystack", chargeSuccessBody, false)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if len(engine.triggers) != 0 {
		t.Fatal("unsigned payload must not reach the engine")
	}
}

func TestIgnoredEventTypeAcked(t *testing.T) {
	engine := &fakeEngine{intent: pendingIntent()}
	h := newTestHandler(engine)

	body := []byte(`{"event": "transfer.success", "data": {"id": 1}}`)
	rec := post(t, h, "/webhooks/paystack", body, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for ignored event, got %d", rec.Code)
	}
	if len(engine.triggers) != 0 {
		t.Fatal("ignored event must not reach the engine")
	}
}

func TestMalformedPayloadRejected(t *testing.T) {
	engine := &fakeEngine{intent: pendingIntent()}
	h := newTestHandler(engine)

	body := []byte(`{"event": "charge.success", "data": `)
	rec := post(t, h, "/webhooks/paystack", body, true)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed payload, got %d", rec.Code)
	}
}

func TestUnknownGatewayRejected(t *testing.T) {
	engine := &fakeEngine{intent: pendingIntent()}
	h := newTestHandler(engine)

	rec := post(t, h, "/webhooks/stripe", chargeSuccessBody, true)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown gateway, got %d", rec.Code)
	}
}

func TestUnmatchedReferenceAcked(t *testing.T) {
	engine := &fakeEngine{} // no intent
	h := newTestHandler(engine)

	rec := post(t, h, "/webhooks/paystack", chargeSuccessBody, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for unmatched reference, got %d", rec.Code)
	}
}

func TestStoreUnavailableFailsClosed(t *testing.T) {
	engine := &fakeEngine{
		intent:     pendingIntent(),
		confirmErr: errors.New("connection refused"),
	}
	h := newTestHandler(engine)

	rec := post(t, h, "/webhooks/paystack", chargeSuccessBody, true)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when confirmation cannot run, got %d", rec.Code)
	}
}

func TestDuplicateDeliveryCollapses(t *testing.T) {
	engine := &fakeEngine{intent: pendingIntent()}
	h := newTestHandler(engine)

	first := post(t, h, "/webhooks/paystack", chargeSuccessBody, true)
	second := post(t, h, "/webhooks/paystack", chargeSuccessBody, true)

	if first.Code != http.StatusOK || second.Code != http.StatusOK {
		t.Fatalf("expected 200/200, got %d/%d", first.Code, second.Code)
	}
	if !bytes.Contains(second.Body.Bytes(), []byte("duplicate")) {
		t.Fatalf("expected duplicate status in body, got %s", second.Body)
	}
}
