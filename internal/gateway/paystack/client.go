// Package paystack provides the Paystack payment gateway client.
package paystack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"estatepay/internal/common/money"
	"estatepay/internal/gateway"
)

const defaultBaseURL = "https://api.paystack.co"

// Config holds Paystack client configuration.
type Config struct {
	BaseURL       string        `envconfig:"PAYSTACK_BASE_URL" default:"https://api.paystack.co"`
	SecretKey     string        `envconfig:"PAYSTACK_SECRET_KEY"`
	WebhookSecret string        `envconfig:"PAYSTACK_WEBHOOK_SECRET"`
	Timeout       time.Duration `envconfig:"PAYSTACK_TIMEOUT" default:"10s"`
}

// Client talks to the Paystack transaction API.
type Client struct {
	config     Config
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a Paystack client.
func New(cfg Config, logger *slog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.WebhookSecret == "" {
		// Paystack signs webhooks with the account secret key.
		cfg.WebhookSecret = cfg.SecretKey
	}
	return &Client{
		config: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger,
	}
}

// Name implements gateway.Gateway.
func (c *Client) Name() string { return gateway.Paystack }

// SignatureHeader implements gateway.Gateway.
func (c *Client) SignatureHeader() string { return "x-paystack-signature" }

// VerifySignature implements gateway.Gateway.
func (c *Client) VerifySignature(body []byte, signature string) bool {
	return gateway.ValidSignature(c.config.WebhookSecret, body, signature)
}

// webhookPayload is the Paystack webhook envelope.
type webhookPayload struct {
	Event string `json:"event"`
	Data  struct {
		ID        int64  `json:"id"`
		Reference string `json:"reference"`
		Amount    int64  `json:"amount"` // kobo
		Currency  string `json:"currency"`
		Status    string `json:"status"`
	} `json:"data"`
}

// ParseEvent implements gateway.Gateway. Only charge.success events carry a
// charge outcome; everything else is ignored.
func (c *Client) ParseEvent(body []byte) (*gateway.Event, error) {
	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decoding paystack event: %w", err)
	}
	if payload.Event != "charge.success" {
		return nil, fmt.Errorf("%w: %s", gateway.ErrEventIgnored, payload.Event)
	}
	if payload.Data.Reference == "" {
		return nil, fmt.Errorf("paystack event missing reference")
	}

	return &gateway.Event{
		ID:        fmt.Sprintf("%d", payload.Data.ID),
		Gateway:   gateway.Paystack,
		Type:      payload.Event,
		Reference: payload.Data.Reference,
		Amount:    money.New(payload.Data.Amount, money.Currency(payload.Data.Currency)),
	}, nil
}

type initializeRequest struct {
	Email       string `json:"email"`
	Amount      int64  `json:"amount"` // kobo
	Reference   string `json:"reference"`
	CallbackURL string `json:"callback_url,omitempty"`
}

type initializeResponse struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
	Data    struct {
		AuthorizationURL string `json:"authorization_url"`
		AccessCode       string `json:"access_code"`
		Reference        string `json:"reference"`
	} `json:"data"`
}

// InitializeCharge implements gateway.Gateway. The reference is the
// gateway-side idempotency key: Paystack rejects a second initialize with the
// same reference, so retrying a timed-out call cannot double-charge.
func (c *Client) InitializeCharge(ctx context.Context, req gateway.InitializeRequest) (*gateway.Checkout, error) {
	body := initializeRequest{
		Email:       req.Email,
		Amount:      req.Amount.AmountMinor,
		Reference:   req.Reference,
		CallbackURL: req.CallbackURL,
	}

	var resp initializeResponse
	if err := c.post(ctx, "/transaction/initialize", body, &resp); err != nil {
		return nil, err
	}
	if !resp.Status {
		return nil, fmt.Errorf("paystack initialize rejected: %s", resp.Message)
	}

	c.logger.Info("paystack charge initialized",
		"reference", req.Reference,
		"amount", req.Amount.AmountMinor,
	)

	return &gateway.Checkout{
		Reference:   resp.Data.Reference,
		CheckoutURL: resp.Data.AuthorizationURL,
	}, nil
}

type verifyResponse struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
	Data    struct {
		ID              int64  `json:"id"`
		Reference       string `json:"reference"`
		Status          string `json:"status"`
		Amount          int64  `json:"amount"`
		Currency        string `json:"currency"`
		Channel         string `json:"channel"`
		PaidAt          string `json:"paid_at"`
		GatewayResponse string `json:"gateway_response"`
	} `json:"data"`
}

// ChargeStatus implements gateway.Gateway.
func (c *Client) ChargeStatus(ctx context.Context, reference string) (*gateway.Charge, error) {
	var resp verifyResponse
	if err := c.get(ctx, "/transaction/verify/"+reference, &resp); err != nil {
		return nil, err
	}
	if !resp.Status {
		return nil, fmt.Errorf("paystack verify rejected: %s", resp.Message)
	}

	charge := &gateway.Charge{
		Reference:   resp.Data.Reference,
		ProviderRef: fmt.Sprintf("%d", resp.Data.ID),
		Amount:      money.New(resp.Data.Amount, money.Currency(resp.Data.Currency)),
		Channel:     resp.Data.Channel,
	}

	switch resp.Data.Status {
	case "success":
		charge.State = gateway.ChargeSuccess
		if t, err := time.Parse(time.RFC3339, resp.Data.PaidAt); err == nil {
			charge.PaidAt = &t
		}
	case "failed", "abandoned", "reversed":
		charge.State = gateway.ChargeFailed
		charge.ErrorCode = resp.Data.Status
		charge.ErrorMessage = resp.Data.GatewayResponse
	default:
		charge.State = gateway.ChargePending
	}

	return charge, nil
}

func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding paystack request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("building paystack request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL+path, nil)
	if err != nil {
		return fmt.Errorf("building paystack request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	req.Header.Set("Authorization", "Bearer "+c.config.SecretKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("calling paystack: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("paystack returned %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading paystack response: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding paystack response: %w", err)
	}
	return nil
}

var _ gateway.Gateway = (*Client)(nil)
