package handlers

import (
	"context"
	"net/mail"
	"strings"

	"sirius-sound/internal/notify"
	"sirius-sound/internal/pay"
	"sirius-sound/internal/queue"
)

// Gateway is the subset of the payment client the services call.
type Gateway interface {
	CreateDepositCheckout(ctx context.Context, req pay.DepositCheckout) (*pay.CheckoutSession, error)
	CreateOrderCheckout(ctx context.Context, req pay.OrderCheckout) (*pay.CheckoutSession, error)
	CreateRemainingPaymentLink(ctx context.Context, req pay.RemainingPayment) (*pay.PaymentLink, error)
}

// Mailer delivers customer email on a best-effort basis.
type Mailer interface {
	Notify(ctx context.Context, msg notify.Message) bool
}

// Alerter pings the operator out of band.
type Alerter interface {
	Alert(ctx context.Context, text string) error
}

// Pricing holds the amounts fixed on new entries and orders.
type Pricing struct {
	DepositAmount      int64
	RemainingAmount    int64
	Currency           string
	PreorderUnitAmount int64
	DonationMinAmount  int64
}

func entryLockKey(id string) string { return "queue-entry:" + id }

func orderLockKey(id string) string { return "order:" + id }

// NormalizeEmail validates and lowercases an address.
func NormalizeEmail(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", queue.InvalidInput("email is required")
	}
	addr, err := mail.ParseAddress(trimmed)
	if err != nil || addr.Address != trimmed {
		return "", queue.InvalidInput("invalid email address")
	}
	return strings.ToLower(addr.Address), nil
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
