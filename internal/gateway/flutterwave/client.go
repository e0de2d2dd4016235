// Package flutterwave provides the Flutterwave payment gateway client.
package flutterwave

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"estatepay/internal/common/money"
	"estatepay/internal/gateway"
)

const defaultBaseURL = "https://api.flutterwave.com/v3"

// Config holds Flutterwave client configuration.
type Config struct {
	BaseURL    string        `envconfig:"FLUTTERWAVE_BASE_URL" default:"https://api.flutterwave.com/v3"`
	SecretKey  string        `envconfig:"FLUTTERWAVE_SECRET_KEY"`
	SecretHash string        `envconfig:"FLUTTERWAVE_SECRET_HASH"`
	Timeout    time.Duration `envconfig:"FLUTTERWAVE_TIMEOUT" default:"10s"`
}

// Client talks to the Flutterwave v3 API.
type Client struct {
	config     Config
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a Flutterwave client.
func New(cfg Config, logger *slog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
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
func (c *Client) Name() string { return gateway.Flutterwave }

// SignatureHeader implements gateway.Gateway.
func (c *Client) SignatureHeader() string { return "verif-hash" }

// VerifySignature implements gateway.Gateway. Flutterwave does not sign the
// payload; the header carries the shared secret hash verbatim, so the check
// is a constant-time comparison against the configured value.
func (c *Client) VerifySignature(_ []byte, signature string) bool {
	if c.config.SecretHash == "" || signature == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(c.config.SecretHash), []byte(signature)) == 1
}

// webhookPayload is the Flutterwave webhook envelope.
type webhookPayload struct {
	Event string `json:"event"`
	Data  struct {
		ID       int64   `json:"id"`
		TxRef    string  `json:"tx_ref"`
		Amount   float64 `json:"amount"` // major units
		Currency string  `json:"currency"`
		Status   string  `json:"status"`
	} `json:"data"`
}

// ParseEvent implements gateway.Gateway. Only charge.completed events carry a
// charge outcome; everything else is ignored.
func (c *Client) ParseEvent(body []byte) (*gateway.Event, error) {
	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decoding flutterwave event: %w", err)
	}
	if payload.Event != "charge.completed" {
		return nil, fmt.Errorf("%w: %s", gateway.ErrEventIgnored, payload.Event)
	}
	if payload.Data.TxRef == "" {
		return nil, fmt.Errorf("flutterwave event missing tx_ref")
	}

	return &gateway.Event{
		ID:        fmt.Sprintf("%d", payload.Data.ID),
		Gateway:   gateway.Flutterwave,
		Type:      payload.Event,
		Reference: payload.Data.TxRef,
		Amount:    money.NewFromMajor(payload.Data.Amount, money.Currency(payload.Data.Currency)),
	}, nil
}

type paymentRequest struct {
	TxRef       string               `json:"tx_ref"`
	Amount      string               `json:"amount"` // major units
	Currency    string               `json:"currency"`
	RedirectURL string               `json:"redirect_url,omitempty"`
	Customer    paymentCustomer      `json:"customer"`
	Options     *paymentCustomizeOpt `json:"customizations,omitempty"`
}

type paymentCustomer struct {
	Email string `json:"email"`
}

type paymentCustomizeOpt struct {
	Title string `json:"title,omitempty"`
}

type paymentResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Data    struct {
		Link string `json:"link"`
	} `json:"data"`
}

// InitializeCharge implements gateway.Gateway. Flutterwave dedupes on tx_ref,
// so retrying a timed-out initialize with the same reference is safe.
func (c *Client) InitializeCharge(ctx context.Context, req gateway.InitializeRequest) (*gateway.Checkout, error) {
	body := paymentRequest{
		TxRef:       req.Reference,
		Amount:      fmt.Sprintf("%.2f", req.Amount.ToMajor()),
		Currency:    string(req.Amount.Currency),
		RedirectURL: req.CallbackURL,
		Customer:    paymentCustomer{Email: req.Email},
	}

	var resp paymentResponse
	if err := c.post(ctx, "/payments", body, &resp); err != nil {
		return nil, err
	}
	if resp.Status != "success" {
		return nil, fmt.Errorf("flutterwave payment rejected: %s", resp.Message)
	}

	c.logger.Info("flutterwave charge initialized",
		"reference", req.Reference,
		"amount", req.Amount.AmountMinor,
	)

	return &gateway.Checkout{
		Reference:   req.Reference,
		CheckoutURL: resp.Data.Link,
	}, nil
}

type verifyResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Data    struct {
		ID                int64   `json:"id"`
		TxRef             string  `json:"tx_ref"`
		FlwRef            string  `json:"flw_ref"`
		Amount            float64 `json:"amount"`
		Currency          string  `json:"currency"`
		Status            string  `json:"status"`
		PaymentType       string  `json:"payment_type"`
		CreatedAt         string  `json:"created_at"`
		ProcessorResponse string  `json:"processor_response"`
	} `json:"data"`
}

// ChargeStatus implements gateway.Gateway.
func (c *Client) ChargeStatus(ctx context.Context, reference string) (*gateway.Charge, error) {
	path := "/transactions/verify_by_reference?tx_ref=" + url.QueryEscape(reference)

	var resp verifyResponse
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	if resp.Status != "success" {
		return nil, fmt.Errorf("flutterwave verify rejected: %s", resp.Message)
	}

	charge := &gateway.Charge{
		Reference:   resp.Data.TxRef,
		ProviderRef: resp.Data.FlwRef,
		Amount:      money.NewFromMajor(resp.Data.Amount, money.Currency(resp.Data.Currency)),
		Channel:     resp.Data.PaymentType,
	}

	switch resp.Data.Status {
	case "successful":
		charge.State = gateway.ChargeSuccess
		if t, err := time.Parse(time.RFC3339, resp.Data.CreatedAt); err == nil {
			charge.PaidAt = &t
		}
	case "failed":
		charge.State = gateway.ChargeFailed
		charge.ErrorCode = resp.Data.Status
		charge.ErrorMessage = resp.Data.ProcessorResponse
	default:
		charge.State = gateway.ChargePending
	}

	return charge, nil
}

func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding flutterwave request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("building flutterwave request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL+path, nil)
	if err != nil {
		return fmt.Errorf("building flutterwave request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	req.Header.Set("Authorization", "Bearer "+c.config.SecretKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("calling flutterwave: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("flutterwave returned %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading flutterwave response: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding flutterwave response: %w", err)
	}
	return nil
}

var _ gateway.Gateway = (*Client)(nil)
