package flutterwave

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

func TestVerifySignatureComparesSecretHash(t *testing.T) {
	c := New(Config{SecretHash: "flw-secret-hash"}, testLogger())

	if !c.VerifySignature(nil, "flw-secret-hash") {
		t.Fatal("expected matching hash to verify")
	}
	if c.VerifySignature(nil, "other-hash") {
		t.Fatal("expected mismatched hash to fail")
	}
	if c.VerifySignature(nil, "") {
		t.Fatal("expected empty header to fail")
	}

	unconfigured := New(Config{}, testLogger())
	if unconfigured.VerifySignature(nil, "") {
		t.Fatal("expected unconfigured secret to reject everything")
	}
}

func TestParseEventNormalizesMajorUnits(t *testing.T) {
	c := New(Config{SecretHash: "h"}, testLogger())

	body := []byte(`{
		"event": "charge.completed",
		"data": {"id": 12345, "tx_ref": "EP-01ABC", "amount": 250000.00, "currency": "NGN", "status": "successful"}
	}`)

	event, err := c.ParseEvent(body)
	if err != nil {
		t.Fatalf("ParseEvent: %v", err)
	}
	// Flutterwave reports naira; normalize to kobo.
	if event.Amount.AmountMinor != 25000000 {
		t.Fatalf("expected 25000000 kobo, got %d", event.Amount.AmountMinor)
	}
	if event.DedupeKey() != "webhook:flutterwave:12345" {
		t.Fatalf("unexpected dedupe key %s", event.DedupeKey())
	}
}

func TestParseEventIgnoresOtherTypes(t *testing.T) {
	c := New(Config{SecretHash: "h"}, testLogger())

	_, err := c.ParseEvent([]byte(`{"event": "transfer.completed", "data": {"id": 1}}`))
	if !errors.Is(err, gateway.ErrEventIgnored) {
		t.Fatalf("expected ErrEventIgnored, got %v", err)
	}
}

func TestChargeStatusVerifiesByReference(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/transactions/verify_by_reference" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("tx_ref"); got != "EP-01ABC" {
			t.Errorf("expected tx_ref EP-01ABC, got %s", got)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"status": "success",
			"data": map[string]any{
				"id": 12345, "tx_ref": "EP-01ABC", "flw_ref": "FLW-REF-1",
				"amount": 250000.00, "currency": "NGN", "status": "successful",
				"payment_type": "card", "created_at": "2026-08-01T10:30:00Z",
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
	if charge.Amount.AmountMinor != 25000000 {
		t.Fatalf("expected minor units, got %d", charge.Amount.AmountMinor)
	}
	if charge.ProviderRef != "FLW-REF-1" {
		t.Fatalf("expected flw_ref as provider ref, got %s", charge.ProviderRef)
	}
}

func TestInitializeChargeSendsMajorUnits(t *testing.T) {
	var gotReq paymentRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/payments" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"status": "success",
			"data":   map[string]any{"link": "https://checkout.flutterwave.com/pay/xyz"},
		})
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, SecretKey: "sk"}, testLogger())
	checkout, err := c.InitializeCharge(context.Background(), gateway.InitializeRequest{
		Reference: "EP-01ABC",
		Email:     "tenant@example.com",
		Amount:    money.New(25000000, money.NGN),
	})
	if err != nil {
		t.Fatalf("InitializeCharge: %v", err)
	}
	if gotReq.Amount != "250000.00" {
		t.Fatalf("expected major-unit amount 250000.00, got %s", gotReq.Amount)
	}
	if checkout.CheckoutURL != "https://checkout.flutterwave.com/pay/xyz" {
		t.Fatalf("unexpected checkout URL %s", checkout.CheckoutURL)
	}
}
