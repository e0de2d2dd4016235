// Package gateway defines the capability interface shared by the payment
// gateways the platform charges through. The set of gateways is closed:
// adding one means adding a package implementing Gateway and registering it.
package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"estatepay/internal/common/money"
)

// Gateway names. "offline" is not a Gateway implementation: offline payments
// are admitted by manual verification and never call out.
const (
	Paystack    = "paystack"
	Flutterwave = "flutterwave"
	Offline     = "offline"
)

var (
	// ErrUnknownGateway is returned for a gateway name outside the closed set.
	ErrUnknownGateway = errors.New("unknown gateway")
	// ErrEventIgnored marks webhook event types that carry no charge outcome.
	ErrEventIgnored = errors.New("event type ignored")
)

// ChargeState is the gateway-reported outcome of a charge.
type ChargeState string

const (
	ChargeSuccess ChargeState = "success"
	ChargeFailed  ChargeState = "failed"
	ChargePending ChargeState = "pending"
)

// Charge is the normalized result of a charge-status query.
type Charge struct {
	Reference    string
	ProviderRef  string
	State        ChargeState
	Amount       money.Money
	Channel      string
	PaidAt       *time.Time
	ErrorCode    string
	ErrorMessage string
}

// Checkout is the normalized result of initializing a charge.
type Checkout struct {
	Reference   string
	CheckoutURL string
}

// InitializeRequest asks a gateway to open a checkout session. Reference is
// the platform-generated value that doubles as the gateway-side idempotency
// key for the charge.
type InitializeRequest struct {
	Reference   string
	Email       string
	Amount      money.Money
	CallbackURL string
}

// Event is a parsed, signature-verified webhook notification.
type Event struct {
	// ID is the gateway's event identity, the source of the dedupe key.
	ID        string
	Gateway   string
	Type      string
	Reference string
	Amount    money.Money
}

// DedupeKey derives the idempotency key for this event.
func (e *Event) DedupeKey() string {
	return fmt.Sprintf("webhook:%s:%s", e.Gateway, e.ID)
}

// Gateway is the capability interface each payment provider implements.
type Gateway interface {
	Name() string

	// SignatureHeader is the request header carrying the webhook signature.
	SignatureHeader() string
	// VerifySignature recomputes the expected signature over the raw payload
	// bytes and compares in constant time.
	VerifySignature(body []byte, signature string) bool
	// ParseEvent decodes a verified payload. Event types that carry no
	// charge outcome return ErrEventIgnored.
	ParseEvent(body []byte) (*Event, error)

	// InitializeCharge opens a checkout session for the given reference.
	InitializeCharge(ctx context.Context, req InitializeRequest) (*Checkout, error)
	// ChargeStatus queries the authoritative charge outcome by reference.
	// Idempotent at the gateway; safe to retry.
	ChargeStatus(ctx context.Context, reference string) (*Charge, error)
}

// Registry holds the closed set of configured gateways.
type Registry struct {
	gateways map[string]Gateway
}

// NewRegistry creates a registry from the configured gateways.
func NewRegistry(gateways ...Gateway) *Registry {
	m := make(map[string]Gateway, len(gateways))
	for _, g := range gateways {
		m[g.Name()] = g
	}
	return &Registry{gateways: m}
}

// Get returns the named gateway or ErrUnknownGateway.
func (r *Registry) Get(name string) (Gateway, error) {
	g, ok := r.gateways[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGateway, name)
	}
	return g, nil
}

// Names lists the registered gateway names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.gateways))
	for name := range r.gateways {
		names = append(names, name)
	}
	return names
}

// ValidSignature reports whether signature matches the HMAC-SHA512 hex digest
// of body under secret. Both configured gateways document this scheme.
func ValidSignature(secret string, body []byte, signature string) bool {
	if signature == "" || secret == "" {
		return false
	}
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// SignPayload computes the HMAC-SHA512 hex digest used by both gateways.
// Exposed for tests and for signing simulated callbacks.
func SignPayload(secret string, body []byte) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
