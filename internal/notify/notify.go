// Package notify sends tenant-facing payment notifications.
package notify

import "context"

// Message is a rendered notification.
type Message struct {
	To      string
	Subject string
	Body    string
}

// SMSSender delivers a message over SMS.
type SMSSender interface {
	SendSMS(ctx context.Context, to, body string) error
}

// EmailSender delivers a message over email.
type EmailSender interface {
	SendEmail(ctx context.Context, msg Message) error
}
