package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net/smtp"
	"strings"
)

// EmailConfig holds SMTP configuration.
type EmailConfig struct {
	Host     string `envconfig:"SMTP_HOST"`
	Port     int    `envconfig:"SMTP_PORT" default:"587"`
	Username string `envconfig:"SMTP_USERNAME"`
	Password string `envconfig:"SMTP_PASSWORD"`
	From     string `envconfig:"SMTP_FROM" default:"receipts@estatepay.africa"`
}

// EmailClient sends email over SMTP.
type EmailClient struct {
	config EmailConfig
	logger *slog.Logger

	// send is swapped out in tests.
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewEmailClient creates an email client.
func NewEmailClient(cfg EmailConfig, logger *slog.Logger) *EmailClient {
	return &EmailClient{
		config: cfg,
		logger: logger,
		send:   smtp.SendMail,
	}
}

// SendEmail implements EmailSender.
func (c *EmailClient) SendEmail(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", c.config.From)
	fmt.Fprintf(&b, "To: %s\r\n", msg.To)
	fmt.Fprintf(&b, "Subject: %s\r\n", msg.Subject)
	b.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(msg.Body)

	addr := fmt.Sprintf("%s:%d", c.config.Host, c.config.Port)
	var auth smtp.Auth
	if c.config.Username != "" {
		auth = smtp.PlainAuth("", c.config.Username, c.config.Password, c.config.Host)
	}

	if err := c.send(addr, auth, c.config.From, []string{msg.To}, []byte(b.String())); err != nil {
		return fmt.Errorf("sending email to %s: %w", msg.To, err)
	}

	c.logger.Info("email sent", "to", msg.To, "subject", msg.Subject)
	return nil
}

var _ EmailSender = (*EmailClient)(nil)
