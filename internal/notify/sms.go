package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// SMSConfig holds SMS provider configuration.
type SMSConfig struct {
	BaseURL  string        `envconfig:"SMS_BASE_URL" default:"https://api.ng.termii.com"`
	APIKey   string        `envconfig:"SMS_API_KEY"`
	SenderID string        `envconfig:"SMS_SENDER_ID" default:"EstatePay"`
	Timeout  time.Duration `envconfig:"SMS_TIMEOUT" default:"10s"`
}

// SMSClient sends SMS through the Termii messaging API.
type SMSClient struct {
	config     SMSConfig
	httpClient *http.Client
	logger     *slog.Logger
}

// NewSMSClient creates an SMS client.
func NewSMSClient(cfg SMSConfig, logger *slog.Logger) *SMSClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &SMSClient{
		config: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger,
	}
}

type smsRequest struct {
	To      string `json:"to"`
	From    string `json:"from"`
	SMS     string `json:"sms"`
	Type    string `json:"type"`
	Channel string `json:"channel"`
	APIKey  string `json:"api_key"`
}

type smsResponse struct {
	MessageID string `json:"message_id"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

// SendSMS implements SMSSender.
func (c *SMSClient) SendSMS(ctx context.Context, to, body string) error {
	payload, err := json.Marshal(smsRequest{
		To:      to,
		From:    c.config.SenderID,
		SMS:     body,
		Type:    "plain",
		Channel: "generic",
		APIKey:  c.config.APIKey,
	})
	if err != nil {
		return fmt.Errorf("encoding sms request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.config.BaseURL+"/api/sms/send", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building sms request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("calling sms provider: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("sms provider returned %d: %s", resp.StatusCode, data)
	}

	var out smsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("decoding sms response: %w", err)
	}

	c.logger.Info("sms sent", "to", to, "message_id", out.MessageID)
	return nil
}

var _ SMSSender = (*SMSClient)(nil)
