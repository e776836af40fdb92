package notify

import (
	"context"
	"log/slog"
	"time"

	"sirius-sound/internal/metrics"
)

const (
	sendTimeout    = 20 * time.Second
	publishTimeout = 5 * time.Second
)

// Notifier delivers customer emails on a best-effort basis. A failed send is
// logged, counted and handed to the outbox; it never fails the caller.
type Notifier struct {
	sender  Sender
	outbox  Outbox
	logger  *slog.Logger
	metrics *metrics.Metrics

	sendTimeout    time.Duration
	publishTimeout time.Duration
}

// NewNotifier wires a sender with an optional outbox.
func NewNotifier(sender Sender, outbox Outbox, logger *slog.Logger, m *metrics.Metrics) *Notifier {
	return &Notifier{
		sender:  sender,
		outbox:  outbox,
		logger:  logger.With("component", "notify"),
		metrics: m,

		sendTimeout:    sendTimeout,
		publishTimeout: publishTimeout,
	}
}

// Notify sends msg and reports whether delivery succeeded.
func (n *Notifier) Notify(ctx context.Context, msg Message) bool {
	// Detach from the request so a client hanging up does not abort the send.
	detached := context.WithoutCancel(ctx)
	sendCtx, cancel := context.WithTimeout(detached, n.sendTimeout)
	defer cancel()

	err := n.sender.Send(sendCtx, msg)
	if err == nil {
		n.count(msg.Template, "sent")
		n.logger.Info("notification sent", "template", msg.Template, "to", msg.To)
		return true
	}

	n.count(msg.Template, "failed")
	n.logger.Error("notification failed", "template", msg.Template, "to", msg.To, "error", err)
	if n.outbox == nil {
		return false
	}
	// A send that hit its deadline must still reach the outbox.
	pubCtx, pubCancel := context.WithTimeout(detached, n.publishTimeout)
	defer pubCancel()
	if perr := n.outbox.Publish(pubCtx, msg, err); perr != nil {
		n.count(msg.Template, "dropped")
		n.logger.Error("failed to queue notification for retry", "template", msg.Template, "error", perr)
		return false
	}
	n.count(msg.Template, "queued")
	return false
}

// Close releases the outbox.
func (n *Notifier) Close() {
	if n.outbox != nil {
		n.outbox.Close()
	}
}

func (n *Notifier) count(template, status string) {
	if n.metrics != nil {
		n.metrics.Notifications.WithLabelValues("email", template, status).Inc()
	}
}
