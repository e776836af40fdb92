package pay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"

	"sirius-sound/internal/metrics"
	"sirius-sound/internal/queue"
)

const maxWebhookBody = 1 << 16

// EventKind is the gateway-neutral classification of a webhook event.
type EventKind string

const (
	KindCheckoutCompleted EventKind = "checkout_completed"
	KindPaymentCanceled   EventKind = "payment_canceled"
	KindPaymentCapturable EventKind = "payment_capturable"
	KindPaymentSucceeded  EventKind = "payment_succeeded"
	KindPaymentRefunded   EventKind = "payment_refunded"
	KindIgnored           EventKind = "ignored"
)

var kinds = map[stripe.EventType]EventKind{
	"checkout.session.completed":                KindCheckoutCompleted,
	"payment_intent.canceled":                   KindPaymentCanceled,
	"payment_intent.amount_capturable_updated": KindPaymentCapturable,
	"payment_intent.succeeded":                  KindPaymentSucceeded,
	"charge.refunded":                           KindPaymentRefunded,
}

// Event is a verified and classified webhook delivery.
type Event struct {
	ID            string
	Type          string
	Kind          EventKind
	SessionID     string
	IntentID      string
	PaymentStatus string
	PaymentLinkID string
	Metadata      map[string]string
	Created       time.Time
}

// WebhookProcessor defines handler interface for verified Stripe events.
type WebhookProcessor interface {
	HandleStripeEvent(ctx context.Context, event Event) error
}

// WebhookHandler verifies Stripe webhook signatures and forwards events.
// It fails closed: without a configured secret nothing is processed.
type WebhookHandler struct {
	logger    *slog.Logger
	metrics   *metrics.Metrics
	secret    string
	processor WebhookProcessor
}

// NewWebhookHandler creates a new webhook handler.
func NewWebhookHandler(logger *slog.Logger, m *metrics.Metrics, secret string, processor WebhookProcessor) *WebhookHandler {
	return &WebhookHandler{
		logger:    logger.With("component", "stripe_webhook"),
		metrics:   m,
		secret:    secret,
		processor: processor,
	}
}

// ServeHTTP satisfies http.Handler.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if h.secret == "" {
		h.logger.Error("webhook secret not configured, refusing event")
		h.count("unknown", "unconfigured")
		http.Error(w, "webhook not configured", http.StatusServiceUnavailable)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		h.countError("stripe_webhook")
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	signature := r.Header.Get("Stripe-Signature")
	if signature == "" {
		h.logger.Warn("webhook rejected", "reason", "missing signature", "remote", r.RemoteAddr)
		h.count("unknown", "rejected")
		http.Error(w, "missing signature", http.StatusBadRequest)
		return
	}

	event, err := Verify(body, signature, h.secret)
	if err != nil {
		h.logger.Warn("webhook rejected", "reason", err.Error(), "remote", r.RemoteAddr)
		h.count("unknown", "rejected")
		http.Error(w, "invalid signature", http.StatusBadRequest)
		return
	}

	if h.processor != nil {
		if err := h.processor.HandleStripeEvent(r.Context(), *event); err != nil {
			h.logger.Error("failed processing webhook", "error", err, "event_id", event.ID, "type", event.Type)
			h.countError("stripe_webhook_process")
			h.count(event.Type, "error")
			http.Error(w, "failed to process", http.StatusInternalServerError)
			return
		}
	}

	h.count(event.Type, "ok")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"received":true}`))
}

func (h *WebhookHandler) count(eventType, outcome string) {
	if h.metrics != nil {
		h.metrics.WebhookEvents.WithLabelValues(eventType, outcome).Inc()
	}
}

func (h *WebhookHandler) countError(source string) {
	if h.metrics != nil {
		h.metrics.Errors.WithLabelValues(source).Inc()
	}
}

// Verify checks the Stripe-Signature header and classifies the event.
func Verify(payload []byte, signature, secret string) (*Event, error) {
	raw, err := webhook.ConstructEventWithOptions(payload, signature, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", queue.ErrSignatureInvalid, err)
	}
	return classify(raw)
}

func classify(raw stripe.Event) (*Event, error) {
	event := &Event{
		ID:      raw.ID,
		Type:    string(raw.Type),
		Kind:    KindIgnored,
		Created: time.Unix(raw.Created, 0).UTC(),
	}
	kind, ok := kinds[raw.Type]
	if !ok || raw.Data == nil {
		return event, nil
	}
	event.Kind = kind

	switch kind {
	case KindCheckoutCompleted:
		var s stripe.CheckoutSession
		if err := json.Unmarshal(raw.Data.Raw, &s); err != nil {
			return nil, fmt.Errorf("decode checkout session: %w", err)
		}
		event.SessionID = s.ID
		event.PaymentStatus = string(s.PaymentStatus)
		event.Metadata = s.Metadata
		if s.PaymentIntent != nil {
			event.IntentID = s.PaymentIntent.ID
		}
		if s.PaymentLink != nil {
			event.PaymentLinkID = s.PaymentLink.ID
		}
	case KindPaymentCanceled, KindPaymentCapturable, KindPaymentSucceeded:
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(raw.Data.Raw, &pi); err != nil {
			return nil, fmt.Errorf("decode payment intent: %w", err)
		}
		event.IntentID = pi.ID
		event.PaymentStatus = string(pi.Status)
		event.Metadata = pi.Metadata
	case KindPaymentRefunded:
		var ch stripe.Charge
		if err := json.Unmarshal(raw.Data.Raw, &ch); err != nil {
			return nil, fmt.Errorf("decode charge: %w", err)
		}
		if ch.PaymentIntent != nil {
			event.IntentID = ch.PaymentIntent.ID
		}
		event.Metadata = ch.Metadata
	}
	if event.Metadata == nil {
		event.Metadata = map[string]string{}
	}
	return event, nil
}
