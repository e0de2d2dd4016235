package paystack

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"estatepay/internal/common/money"
	"estatepay/internal/gateway"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParseEventChargeSuccess(t *testing.T) {
	c := New(Config{WebhookSecret: "sk_test"}, testLogger())

	body := []byte(`{
		"event": "charge.success",
		"data": {"id": 302961, "reference": "EP-01ABC", "amount": 50000000, "currency": "NGN", "status": "success"}
	}`)

	event, err := c.ParseEvent(body)
	if err != nil {
		t.Fatalf("ParseEvent: %v", err)
	}
	if event.ID != "302961" {
		t.Fatalf("expected event id 302961, got %s", event.ID)
	}
	if event.Reference != "EP-01ABC" {
		t.Fatalf("expected reference EP-01ABC, got %s", event.Reference)
	}
	// Paystack reports amounts in kobo; they are already minor units.
	if event.Amount.AmountMinor != 50000000 {
		t.Fatalf("expected 50000000 kobo, got %d", event.Amount.AmountMinor)
	}
	if event.DedupeKey() != "webhook:paystack:302961" {
		t.Fatalf("unexpected dedupe key %s", event.DedupeKey())
	}
}

func TestParseEventIgnoresOtherTypes(t *testing.T) {
	c := New(Config{WebhookSecret: "sk_test"}, testLogger())

	_, err := c.ParseEvent([]byte(`{"event": "subscription.create", "data": {"id": 1}}`))
	if !errors.Is(err, gateway.ErrEventIgnored) {
		t.Fatalf("expected ErrEventIgnored, got %v", err)
	}
}

func TestVerifySignature(t *testing.T) {
	c := New(Config{WebhookSecret: "sk_test"}, testLogger())
	body := []byte(`{"event":"charge.success"}`)

	if !c.VerifySignature(body, gateway.SignPayload("sk_test", body)) {
		t.Fatal("expected valid signature to verify")
	}
	if c.VerifySignature(body, gateway.SignPayload("wrong_secret", body)) {
		t.Fatal("expected signature under wrong secret to fail")
	}
	if c.VerifySignature(body, "") {
		t.Fatal("expected empty signature to fail")
	}
}

func TestInitializeChargeSendsKoboAndBearerAuth(t *testing.T) {
	var gotAuth string
	var gotReq initializeRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if r.URL.Path != "/transaction/initialize" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"status": true,
			"data": map[string]any{
				"authorization_url": "https://checkout.paystack.com/abc123",
				"reference":         gotReq.Reference,
			},
		})
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, SecretKey: "sk_test_key"}, testLogger())
	checkout, err := c.InitializeCharge(context.Background(), gateway.InitializeRequest{
		Reference: "EP-01ABC",
		Email:     "tenant@example.com",
		Amount:    money.New(50000000, money.NGN),
	})
	if err != nil {
		t.Fatalf("InitializeCharge: %v", err)
	}
	if gotAuth != "Bearer sk_test_key" {
		t.Fatalf("expected bearer auth, got %q", gotAuth)
	}
	if gotReq.Amount != 50000000 {
		t.Fatalf("expected amount in kobo, got %d", gotReq.Amount)
	}
	if checkout.CheckoutURL != "https://checkout.paystack.com/abc123" {
		t.Fatalf("unexpected checkout URL %s", checkout.CheckoutURL)
	}
}

func TestChargeStatusMapsStates(t *testing.T) {
	status := "success"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/transaction/verify/EP-01ABC" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"status": true,
			"data": map[string]any{
				"id": 302961, "reference": "EP-01ABC", "status": status,
				"amount": 50000000, "currency": "NGN", "channel": "card",
				"paid_at": "2026-08-01T10:30:00Z", "gateway_response": "Approved",
			},
		})
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, SecretKey: "sk"}, testLogger())

	charge, err := c.ChargeStatus(context.Background(), "EP-01ABC")
	if err != nil {
		t.Fatalf("ChargeStatus: %v", err)
	}
	if charge.State != gateway.ChargeSuccess {
		t.Fatalf("expected success, got %s", charge.State)
	}
	if charge.PaidAt == nil {
		t.Fatal("expected paid_at parsed")
	}
	if charge.ProviderRef != "302961" {
		t.Fatalf("expected provider ref 302961, got %s", charge.ProviderRef)
	}

	status = "abandoned"
	charge, err = c.ChargeStatus(context.Background(), "EP-01ABC")
	if err != nil {
		t.Fatalf("ChargeStatus: %v", err)
	}
	if charge.State != gateway.ChargeFailed {
		t.Fatalf("expected failed for abandoned, got %s", charge.State)
	}

	status = "ongoing"
	charge, err = c.ChargeStatus(context.Background(), "EP-01ABC")
	if err != nil {
		t.Fatalf("ChargeStatus: %v", err)
	}
	if charge.State != gateway.ChargePending {
		t.Fatalf("expected pending for ongoing, got %s", charge.State)
	}
}

func TestServerErrorSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, SecretKey: "sk"}, testLogger())
	if _, err := c.ChargeStatus(context.Background(), "EP-01ABC"); err == nil {
		t.Fatal("expected 5xx to surface as error")
	}
}
