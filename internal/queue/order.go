package queue

import (
	"strings"
	"time"
)

// OrderType distinguishes direct pre-orders from donations.
type OrderType string

const (
	OrderTypePreorder OrderType = "preorder"
	OrderTypeDonation OrderType = "donation"
)

// OrderStatus tracks a direct order through the payment gateway.
type OrderStatus string

const (
	OrderPending    OrderStatus = "pending"
	OrderAuthorized OrderStatus = "authorized"
	OrderCaptured   OrderStatus = "captured"
	OrderCancelled  OrderStatus = "cancelled"
	OrderRefunded   OrderStatus = "refunded"
)

// PickupFormats are the pickup shapes accepted on a pre-order.
var PickupFormats = []string{"s-style", "tele-neck", "p90"}

// ValidPickupFormat reports whether format is one of PickupFormats.
func ValidPickupFormat(format string) bool {
	for _, f := range PickupFormats {
		if strings.EqualFold(f, format) {
			return true
		}
	}
	return false
}

// Order is a direct pre-order or donation, outside the queue flow.
type Order struct {
	ID              string            `json:"id"`
	Type            OrderType         `json:"type"`
	Status          OrderStatus       `json:"status"`
	Amount          int64             `json:"amount"`
	Currency        string            `json:"currency"`
	Quantity        int               `json:"quantity"`
	PickupFormat    string            `json:"pickupFormat,omitempty"`
	Email           string            `json:"email,omitempty"`
	Name            string            `json:"name,omitempty"`
	Message         string            `json:"message,omitempty"`
	StripeSessionID *string           `json:"stripeSessionId,omitempty"`
	StripeIntentID  *string           `json:"stripeIntentId,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	CreatedAt       time.Time         `json:"createdAt"`
	UpdatedAt       time.Time         `json:"updatedAt"`
}

var orderNext = map[OrderStatus][]OrderStatus{
	OrderPending:    {OrderAuthorized, OrderCaptured, OrderCancelled},
	OrderAuthorized: {OrderCaptured, OrderCancelled},
	OrderCaptured:   {OrderRefunded},
}

// AdvanceOrder returns the status an order moves to when the gateway reports next.
// The bool is false when nothing changes, either because next equals current or
// because the move would go backwards.
func AdvanceOrder(current, next OrderStatus) (OrderStatus, bool) {
	for _, allowed := range orderNext[current] {
		if allowed == next {
			return next, true
		}
	}
	return current, false
}
