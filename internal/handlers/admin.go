package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"sirius-sound/internal/auth"
	"sirius-sound/internal/cache"
	"sirius-sound/internal/metrics"
	"sirius-sound/internal/notify"
	"sirius-sound/internal/pay"
	"sirius-sound/internal/queue"
	"sirius-sound/internal/repo"
)

// ActionRequest is the admin action payload.
type ActionRequest struct {
	Action  string `json:"action"`
	EntryID string `json:"entryId"`
	Email   string `json:"email"`
}

// ActionResult reports the entry after the action and whether the customer was emailed.
type ActionResult struct {
	Entry      *queue.Entry `json:"entry"`
	PaymentURL string       `json:"paymentUrl,omitempty"`
	Notified   bool         `json:"notified"`
}

// AdminDispatcher applies operator actions to queue entries.
type AdminDispatcher struct {
	repo      repo.Repository
	gateway   Gateway
	locker    cache.Locker
	mailer    Mailer
	templates *notify.Templates
	logger    *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

// NewAdminDispatcher wires the admin action surface.
func NewAdminDispatcher(r repo.Repository, gw Gateway, locker cache.Locker, mailer Mailer, templates *notify.Templates, logger *slog.Logger, m *metrics.Metrics) *AdminDispatcher {
	return &AdminDispatcher{
		repo:      r,
		gateway:   gw,
		locker:    locker,
		mailer:    mailer,
		templates: templates,
		logger:    logger.With("component", "admin"),
		metrics:   m,
		now:       time.Now,
	}
}

// Dispatch runs one admin action. The status change commits before any email
// goes out, and a failed email never undoes it.
func (d *AdminDispatcher) Dispatch(ctx context.Context, session auth.AdminSession, req ActionRequest) (*ActionResult, error) {
	if !session.Valid() {
		return nil, queue.ErrUnauthorized
	}
	action, err := queue.ParseAdminAction(req.Action)
	if err != nil {
		return nil, err
	}
	id := strings.TrimSpace(req.EntryID)
	if id == "" {
		return nil, queue.InvalidInput("entryId is required")
	}

	unlock, err := d.locker.Lock(ctx, entryLockKey(id))
	if err != nil {
		return nil, fmt.Errorf("lock queue entry: %w", err)
	}
	defer unlock()

	var result *ActionResult
	if action == queue.ActionChargeRemaining {
		result, err = d.chargeRemaining(ctx, id)
	} else {
		result, err = d.transition(ctx, id, action)
	}
	if err != nil {
		d.count(action, outcomeOf(err))
		return nil, err
	}
	d.count(action, "applied")
	d.logger.Info("admin action applied",
		"action", action, "entry_id", id, "admin", session.Email, "status", result.Entry.Status)

	msg, ok := d.message(action, result)
	if ok {
		msg.To = d.recipient(result.Entry, req.Email)
		if msg.To != "" {
			result.Notified = d.mailer.Notify(ctx, msg)
		}
	}
	return result, nil
}

func (d *AdminDispatcher) transition(ctx context.Context, id string, action queue.Action) (*ActionResult, error) {
	now := d.now()
	entry, err := d.repo.MutateQueueEntry(ctx, id, nil, func(e *queue.Entry) error {
		return queue.Apply(e, action, now)
	})
	if err != nil {
		return nil, err
	}
	return &ActionResult{Entry: entry}, nil
}

// chargeRemaining issues the balance payment link. A link already stored for
// the entry is re-sent instead of creating another one; creation carries an
// idempotency key so a timed-out call can simply be repeated.
func (d *AdminDispatcher) chargeRemaining(ctx context.Context, id string) (*ActionResult, error) {
	entry, err := d.repo.GetQueueEntry(ctx, id)
	if err != nil {
		return nil, err
	}
	if !queue.ActionChargeRemaining.Allowed(entry.Status) {
		return nil, &queue.TransitionError{Action: queue.ActionChargeRemaining, From: entry.Status}
	}
	if entry.RemainingPaymentLinkID != nil && entry.RemainingPaymentURL != nil {
		d.logger.Info("reusing remaining payment link", "entry_id", id, "link_id", *entry.RemainingPaymentLinkID)
		return &ActionResult{Entry: entry, PaymentURL: *entry.RemainingPaymentURL}, nil
	}

	link, err := d.gateway.CreateRemainingPaymentLink(ctx, pay.RemainingPayment{
		EntryID:     entry.ID,
		QueueNumber: entry.QueueNumber,
		Amount:      entry.RemainingAmount,
		Currency:    entry.Currency,
	})
	if err != nil {
		return nil, err
	}

	now := d.now()
	updated, err := d.repo.MutateQueueEntry(ctx, id, nil, func(e *queue.Entry) error {
		if err := queue.Apply(e, queue.ActionChargeRemaining, now); err != nil {
			return err
		}
		e.RemainingPaymentLinkID = strPtr(link.ID)
		e.RemainingPaymentURL = strPtr(link.URL)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &ActionResult{Entry: updated, PaymentURL: link.URL}, nil
}

func (d *AdminDispatcher) message(action queue.Action, result *ActionResult) (notify.Message, bool) {
	e := result.Entry
	var (
		msg notify.Message
		err error
	)
	switch action {
	case queue.ActionSendTelegram:
		msg, err = d.templates.QueueConfirmation(e.Email, e.QueueNumber)
	case queue.ActionContact:
		msg, err = d.templates.ContactCustomer(e.Email, e.QueueNumber, "")
	case queue.ActionChargeRemaining:
		msg, err = d.templates.RemainingPayment(e.Email, e.QueueNumber, result.PaymentURL, e.RemainingAmount, e.DepositAmount)
	case queue.ActionMarkShipped:
		tracking := queue.TrackingNumber(e.QueueNumber)
		if e.TrackingNumber != nil {
			tracking = *e.TrackingNumber
		}
		msg, err = d.templates.Shipped(e.Email, e.QueueNumber, tracking)
	case queue.ActionCancel:
		msg, err = d.templates.Cancelled(e.Email, e.QueueNumber)
	default:
		return notify.Message{}, false
	}
	if err != nil {
		d.logger.Error("failed to render notification", "action", action, "error", err)
		return notify.Message{}, false
	}
	return msg, true
}

// recipient prefers the stored address; the request email is a fallback only.
func (d *AdminDispatcher) recipient(e *queue.Entry, requested string) string {
	requested = strings.TrimSpace(requested)
	if e.Email == "" {
		return requested
	}
	if requested != "" && !strings.EqualFold(requested, e.Email) {
		d.logger.Warn("admin request email differs from entry, using stored address", "entry_id", e.ID)
	}
	return e.Email
}

func (d *AdminDispatcher) count(action queue.Action, outcome string) {
	if d.metrics != nil {
		d.metrics.QueueTransitions.WithLabelValues(string(action), outcome).Inc()
	}
}

func outcomeOf(err error) string {
	switch {
	case errors.Is(err, queue.ErrInvalidTransition):
		return "invalid"
	case errors.Is(err, queue.ErrNotFound):
		return "not_found"
	case errors.Is(err, queue.ErrGatewayUnavailable):
		return "gateway_unavailable"
	default:
		return "error"
	}
}
