// Package webhook receives and verifies inbound gateway webhooks.
package webhook

import (
	"errors"
	"fmt"

	"estatepay/internal/gateway"
)

var (
	// ErrUnknownGateway is returned for a gateway name no client is
	// registered under.
	ErrUnknownGateway = errors.New("unknown webhook gateway")
	// ErrInvalidSignature is returned when the signature header does not
	// match the payload. The payload is never parsed in that case.
	ErrInvalidSignature = errors.New("invalid webhook signature")
	// ErrMalformedPayload is returned when a verified payload cannot be
	// decoded.
	ErrMalformedPayload = errors.New("malformed webhook payload")
	// ErrEventIgnored is returned for verified events of a type the gateway
	// client does not handle.
	ErrEventIgnored = errors.New("webhook event ignored")
)

// Verifier authenticates inbound webhooks before any payload parsing.
type Verifier struct {
	gateways *gateway.Registry
}

// NewVerifier creates a verifier over the registered gateway clients.
func NewVerifier(gateways *gateway.Registry) *Verifier {
	return &Verifier{gateways: gateways}
}

// SignatureHeader returns the signature header name for a gateway.
func (v *Verifier) SignatureHeader(gatewayName string) (string, error) {
	gw, err := v.gateways.Get(gatewayName)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrUnknownGateway, gatewayName)
	}
	return gw.SignatureHeader(), nil
}

// Verify authenticates body against signature and parses the event. The
// signature check runs over the raw body, before any decoding, so malformed
// payloads with bad signatures are still rejected as unauthenticated.
func (v *Verifier) Verify(gatewayName string, body []byte, signature string) (*gateway.Event, error) {
	gw, err := v.gateways.Get(gatewayName)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGateway, gatewayName)
	}

	if !gw.VerifySignature(body, signature) {
		return nil, ErrInvalidSignature
	}

	event, err := gw.ParseEvent(body)
	if err != nil {
		if errors.Is(err, gateway.ErrEventIgnored) {
			return nil, fmt.Errorf("%w: %v", ErrEventIgnored, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return event, nil
}
