package paystack

import (
	"context"
	"fmt"

	"estatepay/internal/common/money"
)

type transferRequest struct {
	Source    string `json:"source"`
	Amount    int64  `json:"amount"` // kobo
	Recipient string `json:"recipient"`
	Reference string `json:"reference"`
	Reason    string `json:"reason,omitempty"`
}

type transferResponse struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
	Data    struct {
		TransferCode string `json:"transfer_code"`
		Status       string `json:"status"`
	} `json:"data"`
}

// Payout initiates a balance transfer to a recipient. The reference dedupes
// repeats of the same transfer on the Paystack side.
func (c *Client) Payout(ctx context.Context, recipient string, amount money.Money, reference, reason string) error {
	body := transferRequest{
		Source:    "balance",
		Amount:    amount.AmountMinor,
		Recipient: recipient,
		Reference: reference,
		Reason:    reason,
	}

	var resp transferResponse
	if err := c.post(ctx, "/transfer", body, &resp); err != nil {
		return err
	}
	if !resp.Status {
		return fmt.Errorf("paystack transfer rejected: %s", resp.Message)
	}

	c.logger.Info("paystack transfer initiated",
		"reference", reference,
		"recipient", recipient,
		"amount", amount.AmountMinor,
		"transfer_code", resp.Data.TransferCode,
	)
	return nil
}
