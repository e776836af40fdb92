package queue

import (
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle status of a queue entry.
type Status string

const (
	StatusPendingPayment Status = "pending_payment"
	StatusPaid           Status = "paid"
	StatusActive         Status = "active"
	StatusContacted      Status = "contacted"
	StatusConfirmed      Status = "confirmed"
	StatusShipped        Status = "shipped"
	StatusCancelled      Status = "cancelled"
)

var allStatuses = []Status{
	StatusPendingPayment,
	StatusPaid,
	StatusActive,
	StatusContacted,
	StatusConfirmed,
	StatusShipped,
	StatusCancelled,
}

// Statuses returns every known queue status in lifecycle order.
func Statuses() []Status {
	out := make([]Status, len(allStatuses))
	copy(out, allStatuses)
	return out
}

// OpenStatuses lists the statuses that block a second join for the same email.
func OpenStatuses() []Status {
	return []Status{StatusPendingPayment, StatusPaid, StatusActive, StatusContacted, StatusConfirmed}
}

// ParseStatus validates a status string.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.TrimSpace(strings.ToLower(s)))
	for _, known := range allStatuses {
		if st == known {
			return st, nil
		}
	}
	return "", InvalidInput("unknown queue status %q", s)
}

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusShipped || s == StatusCancelled
}

// IsOpen reports whether the entry still holds a place in the queue.
func (s Status) IsOpen() bool {
	for _, open := range OpenStatuses() {
		if s == open {
			return true
		}
	}
	return false
}

// Rank orders statuses along the transition graph. paid and active share a rank.
func (s Status) Rank() int {
	switch s {
	case StatusPendingPayment:
		return 0
	case StatusPaid, StatusActive:
		return 1
	case StatusContacted:
		return 2
	case StatusConfirmed:
		return 3
	case StatusShipped:
		return 4
	case StatusCancelled:
		return 5
	default:
		return -1
	}
}

// Entry is a single customer's reservation in the queue-based purchase flow.
type Entry struct {
	ID                     string     `json:"id"`
	QueueNumber            int64      `json:"queueNumber"`
	Email                  string     `json:"email"`
	UserID                 *string    `json:"userId,omitempty"`
	Status                 Status     `json:"status"`
	DepositAmount          int64      `json:"depositAmount"`
	RemainingAmount        int64      `json:"remainingAmount"`
	Currency               string     `json:"currency"`
	StripeSessionID        *string    `json:"stripeSessionId,omitempty"`
	StripeIntentID         *string    `json:"stripeIntentId,omitempty"`
	TelegramInviteSent     bool       `json:"telegramInviteSent"`
	ContactedAt            *time.Time `json:"contactedAt,omitempty"`
	ConfirmedAt            *time.Time `json:"confirmedAt,omitempty"`
	ShippedAt              *time.Time `json:"shippedAt,omitempty"`
	TrackingNumber         *string    `json:"trackingNumber,omitempty"`
	RemainingPaymentLinkID *string    `json:"remainingPaymentLinkId,omitempty"`
	RemainingPaymentURL    *string    `json:"remainingPaymentUrl,omitempty"`
	Notes                  string     `json:"notes,omitempty"`
	CreatedAt              time.Time  `json:"createdAt"`
	UpdatedAt              time.Time  `json:"updatedAt"`
}

// Total returns the full product price fixed at creation time.
func (e Entry) Total() int64 {
	return e.DepositAmount + e.RemainingAmount
}

// TrackingNumber derives the shipment tracking identifier from the queue number.
func TrackingNumber(queueNumber int64) string {
	return fmt.Sprintf("SS%06d", queueNumber)
}
