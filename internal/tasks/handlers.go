package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"estatepay/internal/breaker"
	"estatepay/internal/common/money"
	"estatepay/internal/notify"
	"estatepay/internal/payment"
	"estatepay/internal/receipts"
	"estatepay/internal/retry"
)

// IntentLoader looks up payment intents for handlers.
type IntentLoader interface {
	GetIntent(ctx context.Context, id string) (*payment.Intent, error)
}

// NewReceiptHandler returns the receipt.generate handler.
func NewReceiptHandler(intents IntentLoader, svc *receipts.Service) Handler {
	return func(ctx context.Context, task *Task) error {
		var payload payment.ReceiptTask
		if err := json.Unmarshal(task.Payload, &payload); err != nil {
			return retry.Permanent(fmt.Errorf("decoding receipt payload: %w", err))
		}

		intent, err := intents.GetIntent(ctx, payload.IntentID)
		if err != nil {
			return err
		}
		_, err = svc.Generate(ctx, intent)
		return err
	}
}

// NewSMSHandler returns the notify.sms handler. Intents without a phone
// number are completed without sending.
func NewSMSHandler(intents IntentLoader, sender notify.SMSSender, logger *slog.Logger) Handler {
	return func(ctx context.Context, task *Task) error {
		var payload payment.NotifyTask
		if err := json.Unmarshal(task.Payload, &payload); err != nil {
			return retry.Permanent(fmt.Errorf("decoding notify payload: %w", err))
		}

		intent, err := intents.GetIntent(ctx, payload.IntentID)
		if err != nil {
			return err
		}
		if intent.Phone == "" {
			logger.Info("intent has no phone, skipping sms", "intent_id", intent.ID)
			return nil
		}

		body := fmt.Sprintf("Your rent payment of %s for lease %s was received. Ref %s.",
			intent.Amount.String(), intent.LeaseID, intent.Reference)
		return sender.SendSMS(ctx, intent.Phone, body)
	}
}

// NewEmailHandler returns the notify.email handler.
func NewEmailHandler(intents IntentLoader, sender notify.EmailSender) Handler {
	return func(ctx context.Context, task *Task) error {
		var payload payment.NotifyTask
		if err := json.Unmarshal(task.Payload, &payload); err != nil {
			return retry.Permanent(fmt.Errorf("decoding notify payload: %w", err))
		}

		intent, err := intents.GetIntent(ctx, payload.IntentID)
		if err != nil {
			return err
		}

		return sender.SendEmail(ctx, notify.Message{
			To:      intent.Email,
			Subject: "Payment received",
			Body: fmt.Sprintf("We received your rent payment of %s for lease %s.\nReference: %s\n",
				intent.Amount.String(), intent.LeaseID, intent.Reference),
		})
	}
}

// PayoutSender initiates a transfer to a landlord's settlement account.
type PayoutSender interface {
	Payout(ctx context.Context, recipient string, amount money.Money, reference, reason string) error
}

// Directory resolves a lease to the landlord's transfer recipient code.
type Directory interface {
	LandlordRecipient(ctx context.Context, leaseID string) (string, error)
}

// StaticDirectory is a config-loaded lease to recipient mapping.
type StaticDirectory map[string]string

// LandlordRecipient implements Directory.
func (d StaticDirectory) LandlordRecipient(_ context.Context, leaseID string) (string, error) {
	recipient, ok := d[leaseID]
	if !ok {
		return "", fmt.Errorf("no landlord recipient for lease %s", leaseID)
	}
	return recipient, nil
}

// PayoutConfig holds landlord payout configuration.
type PayoutConfig struct {
	// FeeBps is the platform fee retained from each payout, in basis points.
	FeeBps int64 `envconfig:"PAYOUT_FEE_BPS" default:"500"`
}

// NewPayoutHandler returns the payout.landlord handler. The transfer goes
// through the gateway breaker so an outage cannot be stampeded by the
// redelivery loop.
func NewPayoutHandler(intents IntentLoader, dir Directory, sender PayoutSender, breakers *breaker.Registry, gatewayName string, cfg PayoutConfig, logger *slog.Logger) Handler {
	return func(ctx context.Context, task *Task) error {
		var payload payment.PayoutTask
		if err := json.Unmarshal(task.Payload, &payload); err != nil {
			return retry.Permanent(fmt.Errorf("decoding payout payload: %w", err))
		}

		intent, err := intents.GetIntent(ctx, payload.IntentID)
		if err != nil {
			return err
		}

		recipient, err := dir.LandlordRecipient(ctx, payload.LeaseID)
		if err != nil {
			// Missing directory entries need an operator, not a retry.
			return retry.Permanent(err)
		}

		fee := intent.Amount.AmountMinor * cfg.FeeBps / 10_000
		net := money.New(intent.Amount.AmountMinor-fee, intent.Amount.Currency)

		err = breakers.Do(ctx, gatewayName, func(ctx context.Context) error {
			return sender.Payout(ctx, recipient, net, "PAYOUT-"+intent.ID,
				"rent payout for lease "+payload.LeaseID)
		})
		if err != nil {
			return err
		}

		logger.Info("landlord payout initiated",
			"intent_id", intent.ID,
			"lease_id", payload.LeaseID,
			"recipient", recipient,
			"net_minor", net.AmountMinor,
			"fee_minor", fee,
		)
		return nil
	}
}
