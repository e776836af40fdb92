package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"unicode/utf8"

	"sirius-sound/internal/metrics"
	"sirius-sound/internal/pay"
	"sirius-sound/internal/queue"
	"sirius-sound/internal/repo"
)

const (
	maxPreorderQuantity = 4
	maxDonorName        = 100
	maxDonorMessage     = 450
)

// OrderService opens pre-order and donation checkouts.
type OrderService struct {
	repo    repo.Repository
	gateway Gateway
	pricing Pricing
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewOrderService wires the direct checkout flows.
func NewOrderService(r repo.Repository, gw Gateway, pricing Pricing, logger *slog.Logger, m *metrics.Metrics) *OrderService {
	return &OrderService{
		repo:    r,
		gateway: gw,
		pricing: pricing,
		logger:  logger.With("component", "orders"),
		metrics: m,
	}
}

// PreorderRequest is the pre-order checkout payload.
type PreorderRequest struct {
	Email        string `json:"email"`
	Quantity     int    `json:"quantity"`
	PickupFormat string `json:"pickupFormat"`
}

// DonationRequest is the donation checkout payload. Amount is in minor units.
type DonationRequest struct {
	Email   string `json:"email"`
	Name    string `json:"name"`
	Message string `json:"message"`
	Amount  int64  `json:"amount"`
}

// CheckoutResult carries the checkout redirect for a new order.
type CheckoutResult struct {
	URL     string `json:"url"`
	OrderID string `json:"orderId"`
}

// Preorder authorizes a pre-order deposit; the card is captured later.
func (s *OrderService) Preorder(ctx context.Context, req PreorderRequest) (*CheckoutResult, error) {
	quantity := req.Quantity
	if quantity == 0 {
		quantity = 1
	}
	if quantity < 1 || quantity > maxPreorderQuantity {
		return nil, queue.InvalidInput("quantity must be between 1 and %d", maxPreorderQuantity)
	}
	format := strings.TrimSpace(req.PickupFormat)
	if !queue.ValidPickupFormat(format) {
		return nil, queue.InvalidInput("unknown pickup format %q", req.PickupFormat)
	}
	var email string
	if strings.TrimSpace(req.Email) != "" {
		var err error
		if email, err = NormalizeEmail(req.Email); err != nil {
			return nil, err
		}
	}

	session, err := s.gateway.CreateOrderCheckout(ctx, pay.OrderCheckout{
		Type:         queue.OrderTypePreorder,
		Email:        email,
		Quantity:     quantity,
		PickupFormat: format,
		UnitAmount:   s.pricing.PreorderUnitAmount,
		Currency:     s.pricing.Currency,
	})
	if err != nil {
		return nil, err
	}

	return s.record(ctx, session, queue.Order{
		Type:         queue.OrderTypePreorder,
		Amount:       s.pricing.PreorderUnitAmount * int64(quantity),
		Currency:     s.pricing.Currency,
		Quantity:     quantity,
		PickupFormat: format,
		Email:        email,
		Metadata: map[string]string{
			"pickupFormat": format,
			"quantity":     strconv.Itoa(quantity),
		},
	})
}

// Donate opens an immediate-capture donation checkout.
func (s *OrderService) Donate(ctx context.Context, req DonationRequest) (*CheckoutResult, error) {
	if req.Amount < s.pricing.DonationMinAmount {
		return nil, queue.InvalidInput("minimum donation is %s", pay.FormatAmount(s.pricing.DonationMinAmount))
	}
	var email string
	if strings.TrimSpace(req.Email) != "" {
		var err error
		if email, err = NormalizeEmail(req.Email); err != nil {
			return nil, err
		}
	}
	name := clip(strings.TrimSpace(req.Name), maxDonorName)
	message := clip(strings.TrimSpace(req.Message), maxDonorMessage)

	session, err := s.gateway.CreateOrderCheckout(ctx, pay.OrderCheckout{
		Type:       queue.OrderTypeDonation,
		Email:      email,
		Name:       name,
		Message:    message,
		Quantity:   1,
		UnitAmount: req.Amount,
		Currency:   s.pricing.Currency,
	})
	if err != nil {
		return nil, err
	}

	return s.record(ctx, session, queue.Order{
		Type:     queue.OrderTypeDonation,
		Amount:   req.Amount,
		Currency: s.pricing.Currency,
		Quantity: 1,
		Email:    email,
		Name:     name,
		Message:  message,
	})
}

func (s *OrderService) record(ctx context.Context, session *pay.CheckoutSession, order queue.Order) (*CheckoutResult, error) {
	order.Status = queue.OrderPending
	order.StripeSessionID = strPtr(session.ID)
	saved, err := s.repo.InsertOrder(ctx, order)
	if err != nil {
		// The session exists at the gateway but has no row; its webhook will
		// be recorded as unmatched.
		s.logger.Error("failed to store order", "session_id", session.ID, "type", order.Type, "error", err)
		return nil, fmt.Errorf("store order: %w", err)
	}
	if s.metrics != nil {
		s.metrics.OrderTransitions.WithLabelValues(string(saved.Status)).Inc()
	}
	s.logger.Info("order checkout created", "order_id", saved.ID, "type", saved.Type, "amount", saved.Amount)
	return &CheckoutResult{URL: session.URL, OrderID: saved.ID}, nil
}

// clip cuts s to at most n runes.
func clip(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
