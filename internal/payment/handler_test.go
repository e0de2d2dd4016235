package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func postIntent(t *testing.T, h *Handler, body string, key string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/payments", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	rr := httptest.NewRecorder()
	h.Routes().ServeHTTP(rr, req)
	return rr
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var resp struct {
		Error *struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Error == nil {
		t.Fatalf("expected error envelope, got %s", rr.Body.String())
	}
	return resp.Error.Code
}

func intentBody(currency string, amountMinor int64) string {
	return fmt.Sprintf(`{
		"lease_id": "lease-12",
		"tenant_id": "tenant-7",
		"email": "tenant@example.com",
		"amount": {"amount_minor": %d, "currency": %q},
		"gateway": "paystack"
	}`, amountMinor, currency)
}

func TestCreateIntentRequiresIdempotencyKey(t *testing.T) {
	f := newFixture(t)
	h := NewHandler(f.engine, nil)

	rr := postIntent(t, h, intentBody("NGN", 250_000_00), "")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestCreateIntentUnsupportedCurrencyIsBadRequest(t *testing.T) {
	f := newFixture(t)
	h := NewHandler(f.engine, nil)

	rr := postIntent(t, h, intentBody("EUR", 250_000_00), "create-60")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unsupported currency, got %d", rr.Code)
	}
	if code := errorCode(t, rr); code != "BAD_REQUEST" {
		t.Fatalf("expected BAD_REQUEST, got %s", code)
	}
}

func TestCreateIntentNonPositiveAmountIsBadRequest(t *testing.T) {
	f := newFixture(t)
	h := NewHandler(f.engine, nil)

	rr := postIntent(t, h, intentBody("NGN", 0), "create-61")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for zero amount, got %d", rr.Code)
	}
}

func TestCreateIntentInFlightKeyIsConflict(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	h := NewHandler(f.engine, nil)

	// A concurrent create holds the key and has not completed yet.
	if _, err := f.keys.Reserve(ctx, "intent:create:create-62"); err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	rr := postIntent(t, h, intentBody("NGN", 250_000_00), "create-62")
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409 while the first create is in flight, got %d", rr.Code)
	}
	if code := errorCode(t, rr); code != "CONFLICT" {
		t.Fatalf("expected CONFLICT, got %s", code)
	}
}
