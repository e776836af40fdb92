package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"sirius-sound/internal/metrics"
	"sirius-sound/internal/pay"
	"sirius-sound/internal/queue"
	"sirius-sound/internal/repo"
)

// QueueService handles public queue joins and status lookups.
type QueueService struct {
	repo    repo.Repository
	gateway Gateway
	pricing Pricing
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewQueueService wires the join flow.
func NewQueueService(r repo.Repository, gw Gateway, pricing Pricing, logger *slog.Logger, m *metrics.Metrics) *QueueService {
	return &QueueService{
		repo:    r,
		gateway: gw,
		pricing: pricing,
		logger:  logger.With("component", "queue"),
		metrics: m,
	}
}

// JoinRequest is the public join payload.
type JoinRequest struct {
	Email  string  `json:"email"`
	UserID *string `json:"userId,omitempty"`
}

// JoinResult carries the checkout redirect.
type JoinResult struct {
	URL         string `json:"url"`
	QueueNumber int64  `json:"queueNumber"`
	EntryID     string `json:"entryId"`
}

// Join reserves the next queue number and opens the deposit checkout.
// The number, the checkout and the row are committed together or not at all.
func (s *QueueService) Join(ctx context.Context, req JoinRequest) (*JoinResult, error) {
	email, err := NormalizeEmail(req.Email)
	if err != nil {
		s.count("invalid")
		return nil, err
	}

	var checkoutURL string
	entry, err := s.repo.JoinQueue(ctx, repo.JoinParams{
		Email:           email,
		UserID:          req.UserID,
		DepositAmount:   s.pricing.DepositAmount,
		RemainingAmount: s.pricing.RemainingAmount,
		Currency:        s.pricing.Currency,
	}, func(ctx context.Context, number int64) (string, error) {
		session, err := s.gateway.CreateDepositCheckout(ctx, pay.DepositCheckout{
			Email:       email,
			QueueNumber: number,
			Amount:      s.pricing.DepositAmount,
			Currency:    s.pricing.Currency,
		})
		if err != nil {
			return "", err
		}
		checkoutURL = session.URL
		return session.ID, nil
	})
	switch {
	case errors.Is(err, queue.ErrAlreadyQueued):
		s.count("already_queued")
		return nil, err
	case errors.Is(err, queue.ErrGatewayUnavailable):
		s.count("gateway_unavailable")
		return nil, err
	case err != nil:
		s.count("error")
		return nil, fmt.Errorf("join queue: %w", err)
	}

	s.count("ok")
	s.logger.Info("queue entry created", "entry_id", entry.ID, "queue_number", entry.QueueNumber)
	return &JoinResult{URL: checkoutURL, QueueNumber: entry.QueueNumber, EntryID: entry.ID}, nil
}

// Status returns the open entry for an email, backing the queue-status page.
func (s *QueueService) Status(ctx context.Context, rawEmail string) (*queue.Entry, error) {
	email, err := NormalizeEmail(rawEmail)
	if err != nil {
		return nil, err
	}
	return s.repo.FindOpenQueueEntryByEmail(ctx, email)
}

func (s *QueueService) count(outcome string) {
	if s.metrics != nil {
		s.metrics.QueueJoins.WithLabelValues(outcome).Inc()
	}
}
