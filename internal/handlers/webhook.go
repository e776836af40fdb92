package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"sirius-sound/internal/cache"
	"sirius-sound/internal/metrics"
	"sirius-sound/internal/notify"
	"sirius-sound/internal/pay"
	"sirius-sound/internal/queue"
	"sirius-sound/internal/repo"
)

const (
	targetQueueEntry = "queue_entry"
	targetOrder      = "order"
)

// StripeWebhookProcessor turns verified gateway events into state transitions.
type StripeWebhookProcessor struct {
	repo      repo.Repository
	locker    cache.Locker
	mailer    Mailer
	templates *notify.Templates
	alerter   Alerter
	logger    *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

// NewStripeWebhookProcessor builds the reconciler. alerter may be nil.
func NewStripeWebhookProcessor(r repo.Repository, locker cache.Locker, mailer Mailer, templates *notify.Templates, alerter Alerter, logger *slog.Logger, m *metrics.Metrics) *StripeWebhookProcessor {
	return &StripeWebhookProcessor{
		repo:      r,
		locker:    locker,
		mailer:    mailer,
		templates: templates,
		alerter:   alerter,
		logger:    logger.With("component", "webhook"),
		metrics:   m,
		now:       time.Now,
	}
}

type target struct {
	kind string
	id   string
	// remaining marks a queue entry reached through a balance payment link.
	remaining bool
}

// HandleStripeEvent applies one verified event. It returns an error only when
// storage failed, so the gateway redelivers; everything else is acknowledged.
func (p *StripeWebhookProcessor) HandleStripeEvent(ctx context.Context, ev pay.Event) error {
	logger := p.logger.With("event_id", ev.ID, "type", ev.Type)
	if ev.Kind == pay.KindIgnored {
		return p.ignore(ctx, ev, target{}, "unhandled event type")
	}

	t, err := p.resolve(ctx, ev)
	if errors.Is(err, queue.ErrNotFound) {
		logger.Warn("webhook event has no matching record", "session_id", ev.SessionID, "intent_id", ev.IntentID)
		return p.ignore(ctx, ev, target{}, "no matching record")
	}
	if err != nil {
		return fmt.Errorf("resolve webhook target: %w", err)
	}

	switch t.kind {
	case targetQueueEntry:
		return p.applyToEntry(ctx, ev, t)
	default:
		return p.applyToOrder(ctx, ev, t)
	}
}

// resolve finds the aggregate an event belongs to: session id against queue
// entries then orders, then remaining-payment metadata, then intent id.
func (p *StripeWebhookProcessor) resolve(ctx context.Context, ev pay.Event) (target, error) {
	if ev.SessionID != "" {
		entry, err := p.repo.GetQueueEntryBySession(ctx, ev.SessionID)
		if err == nil {
			return target{kind: targetQueueEntry, id: entry.ID}, nil
		}
		if !errors.Is(err, queue.ErrNotFound) {
			return target{}, err
		}
		order, err := p.repo.GetOrderBySession(ctx, ev.SessionID)
		if err == nil {
			return target{kind: targetOrder, id: order.ID}, nil
		}
		if !errors.Is(err, queue.ErrNotFound) {
			return target{}, err
		}
	}

	if ev.Metadata["type"] == pay.MetaTypeRemainingPayment {
		if id := ev.Metadata["queueEntryId"]; id != "" {
			entry, err := p.repo.GetQueueEntry(ctx, id)
			if err == nil {
				return target{kind: targetQueueEntry, id: entry.ID, remaining: true}, nil
			}
			if !errors.Is(err, queue.ErrNotFound) {
				return target{}, err
			}
		}
	}

	if ev.IntentID != "" {
		entry, err := p.repo.GetQueueEntryByIntent(ctx, ev.IntentID)
		if err == nil {
			return target{kind: targetQueueEntry, id: entry.ID}, nil
		}
		if !errors.Is(err, queue.ErrNotFound) {
			return target{}, err
		}
		order, err := p.repo.GetOrderByIntent(ctx, ev.IntentID)
		if err == nil {
			return target{kind: targetOrder, id: order.ID}, nil
		}
		if !errors.Is(err, queue.ErrNotFound) {
			return target{}, err
		}
	}
	return target{}, queue.ErrNotFound
}

// entryAction maps an event to the queue action it drives, if any.
func entryAction(ev pay.Event, t target) (queue.Action, bool) {
	switch ev.Kind {
	case pay.KindCheckoutCompleted:
		if !sessionPaid(ev.PaymentStatus) {
			return "", false
		}
		if t.remaining {
			return queue.ActionRemainingPaid, true
		}
		return queue.ActionDepositPaid, true
	case pay.KindPaymentSucceeded:
		if t.remaining {
			return queue.ActionRemainingPaid, true
		}
		return queue.ActionDepositPaid, true
	}
	return "", false
}

func sessionPaid(status string) bool {
	return status == "" || status == "paid" || status == "no_payment_required"
}

func (p *StripeWebhookProcessor) applyToEntry(ctx context.Context, ev pay.Event, t target) error {
	logger := p.logger.With("event_id", ev.ID, "entry_id", t.id)
	action, ok := entryAction(ev, t)
	if !ok {
		return p.ignore(ctx, ev, t, "no queue transition for event")
	}

	unlock, err := p.locker.Lock(ctx, entryLockKey(t.id))
	if err != nil {
		return fmt.Errorf("lock queue entry: %w", err)
	}
	defer unlock()

	now := p.now()
	entry, err := p.repo.MutateQueueEntry(ctx, t.id, p.ledger(ev, t, repo.OutcomeApplied), func(e *queue.Entry) error {
		if err := queue.Apply(e, action, now); err != nil {
			return err
		}
		if e.StripeIntentID == nil && action == queue.ActionDepositPaid {
			e.StripeIntentID = strPtr(ev.IntentID)
		}
		return nil
	})
	switch {
	case errors.Is(err, queue.ErrDuplicateEvent):
		logger.Info("duplicate webhook event skipped")
		p.countTransition(action, "duplicate")
		return p.resumeInvite(ctx, action, t.id)
	case errors.Is(err, queue.ErrNoop):
		logger.Info("webhook transition already applied", "action", action)
		p.countTransition(action, "noop")
		return p.resumeInvite(ctx, action, t.id)
	case errors.Is(err, queue.ErrInvalidTransition):
		logger.Warn("webhook event does not apply to entry", "action", action, "error", err)
		p.countTransition(action, "invalid")
		return p.ignore(ctx, ev, t, err.Error())
	case err != nil:
		p.countTransition(action, "error")
		return fmt.Errorf("apply %s: %w", action, err)
	}

	p.countTransition(action, "applied")
	logger.Info("queue entry updated", "action", action, "status", entry.Status, "queue_number", entry.QueueNumber)

	switch action {
	case queue.ActionDepositPaid:
		p.alert(ctx, fmt.Sprintf("Deposit paid: queue #%d (%s)", entry.QueueNumber, entry.Email))
		if err := p.sendInvite(ctx, entry); err != nil {
			return err
		}
	case queue.ActionRemainingPaid:
		p.alert(ctx, fmt.Sprintf("Balance paid: queue #%d (%s) is ready to build", entry.QueueNumber, entry.Email))
	}
	return nil
}

// sendInvite emails the Telegram invite at most once per entry. A failed send
// keeps the claim; the outbox owns the retry. A failed claim is returned so the
// gateway redelivers and resumeInvite picks it up.
func (p *StripeWebhookProcessor) sendInvite(ctx context.Context, entry *queue.Entry) error {
	claimed, err := p.repo.ClaimInvite(ctx, entry.ID)
	if err != nil {
		p.logger.Error("failed to claim invite", "entry_id", entry.ID, "error", err)
		if p.metrics != nil {
			p.metrics.Errors.WithLabelValues("webhook_invite").Inc()
		}
		return fmt.Errorf("claim invite: %w", err)
	}
	if !claimed {
		return nil
	}
	msg, err := p.templates.QueueConfirmation(entry.Email, entry.QueueNumber)
	if err != nil {
		p.logger.Error("failed to render invite", "entry_id", entry.ID, "error", err)
		return nil
	}
	p.mailer.Notify(ctx, msg)
	return nil
}

// resumeInvite finishes an invite that an earlier delivery paid for but never
// claimed.
func (p *StripeWebhookProcessor) resumeInvite(ctx context.Context, action queue.Action, id string) error {
	if action != queue.ActionDepositPaid {
		return nil
	}
	entry, err := p.repo.GetQueueEntry(ctx, id)
	if err != nil {
		return fmt.Errorf("reload queue entry: %w", err)
	}
	if entry.TelegramInviteSent || entry.Status != queue.StatusPaid {
		return nil
	}
	p.logger.Info("resuming unsent invite", "entry_id", id)
	return p.sendInvite(ctx, entry)
}

func (p *StripeWebhookProcessor) applyToOrder(ctx context.Context, ev pay.Event, t target) error {
	logger := p.logger.With("event_id", ev.ID, "order_id", t.id)

	unlock, err := p.locker.Lock(ctx, orderLockKey(t.id))
	if err != nil {
		return fmt.Errorf("lock order: %w", err)
	}
	defer unlock()

	order, err := p.repo.MutateOrder(ctx, t.id, p.ledger(ev, t, repo.OutcomeApplied), func(o *queue.Order) error {
		desired, ok := orderTarget(ev, o)
		if !ok {
			return queue.ErrNoop
		}
		next, moved := queue.AdvanceOrder(o.Status, desired)
		if o.StripeIntentID == nil && ev.IntentID != "" {
			o.StripeIntentID = strPtr(ev.IntentID)
			moved = true
		}
		if !moved {
			return queue.ErrNoop
		}
		o.Status = next
		return nil
	})
	switch {
	case errors.Is(err, queue.ErrDuplicateEvent):
		logger.Info("duplicate webhook event skipped")
		return nil
	case errors.Is(err, queue.ErrNoop):
		logger.Info("order already up to date")
		return nil
	case err != nil:
		return fmt.Errorf("update order: %w", err)
	}

	if p.metrics != nil {
		p.metrics.OrderTransitions.WithLabelValues(string(order.Status)).Inc()
	}
	logger.Info("order updated", "status", order.Status, "order_type", order.Type)
	return nil
}

// orderTarget maps an event to the status it reports for an order.
func orderTarget(ev pay.Event, o *queue.Order) (queue.OrderStatus, bool) {
	switch ev.Kind {
	case pay.KindCheckoutCompleted:
		switch {
		case ev.PaymentStatus == "paid":
			return queue.OrderCaptured, true
		case o.Type == queue.OrderTypePreorder && ev.PaymentStatus == "unpaid":
			return queue.OrderAuthorized, true
		default:
			return queue.OrderPending, true
		}
	case pay.KindPaymentCapturable:
		return queue.OrderAuthorized, true
	case pay.KindPaymentSucceeded:
		return queue.OrderCaptured, true
	case pay.KindPaymentCanceled:
		return queue.OrderCancelled, true
	case pay.KindPaymentRefunded:
		return queue.OrderRefunded, true
	}
	return "", false
}

func (p *StripeWebhookProcessor) ledger(ev pay.Event, t target, outcome string) *repo.WebhookEvent {
	return &repo.WebhookEvent{
		ID:         ev.ID,
		Type:       ev.Type,
		TargetType: t.kind,
		TargetID:   t.id,
		Outcome:    outcome,
		CreatedAt:  p.now().UTC(),
	}
}

// ignore records an event that caused no transition so replays stay cheap.
func (p *StripeWebhookProcessor) ignore(ctx context.Context, ev pay.Event, t target, reason string) error {
	p.logger.Debug("webhook event ignored", "event_id", ev.ID, "type", ev.Type, "reason", reason)
	if _, err := p.repo.RecordWebhookEvent(ctx, *p.ledger(ev, t, repo.OutcomeIgnored)); err != nil {
		return fmt.Errorf("record ignored event: %w", err)
	}
	return nil
}

func (p *StripeWebhookProcessor) alert(ctx context.Context, text string) {
	if p.alerter == nil {
		return
	}
	if err := p.alerter.Alert(ctx, text); err != nil {
		p.logger.Warn("operator alert failed", "error", err)
	}
}

func (p *StripeWebhookProcessor) countTransition(action queue.Action, outcome string) {
	if p.metrics != nil {
		p.metrics.QueueTransitions.WithLabelValues(string(action), outcome).Inc()
	}
}
