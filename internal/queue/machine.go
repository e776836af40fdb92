package queue

import (
	"strings"
	"time"
)

// Action is a state machine input, issued either by an admin or by the payment gateway.
type Action string

const (
	ActionSendTelegram    Action = "send_telegram"
	ActionContact         Action = "contact"
	ActionChargeRemaining Action = "charge_remaining"
	ActionMarkShipped     Action = "mark_shipped"
	ActionCancel          Action = "cancel"

	ActionDepositPaid   Action = "deposit_paid"
	ActionRemainingPaid Action = "remaining_paid"
)

var adminActions = []Action{
	ActionSendTelegram,
	ActionContact,
	ActionChargeRemaining,
	ActionMarkShipped,
	ActionCancel,
}

// sources lists the statuses each action may be applied from.
var sources = map[Action][]Status{
	ActionDepositPaid:     {StatusPendingPayment},
	ActionSendTelegram:    {StatusPaid},
	ActionContact:         {StatusPaid, StatusActive},
	ActionChargeRemaining: {StatusContacted},
	ActionRemainingPaid:   {StatusContacted},
	ActionMarkShipped:     {StatusConfirmed},
	ActionCancel:          {StatusPaid, StatusActive, StatusContacted},
}

// ParseAdminAction validates an action name received on the admin surface.
func ParseAdminAction(s string) (Action, error) {
	a := Action(strings.TrimSpace(s))
	for _, known := range adminActions {
		if a == known {
			return a, nil
		}
	}
	return "", InvalidInput("unknown action %q", s)
}

// Allowed reports whether the action may be applied to an entry in status s.
func (a Action) Allowed(s Status) bool {
	for _, src := range sources[a] {
		if src == s {
			return true
		}
	}
	return false
}

// Apply runs a single state machine step against entry, mutating it in place.
//
// Gateway replays of a step that already happened return ErrNoop and leave the
// entry untouched. Any other source mismatch returns a *TransitionError.
// Amounts, queue number and email are never touched.
func Apply(entry *Entry, action Action, now time.Time) error {
	if isReplay(entry.Status, action) {
		return ErrNoop
	}
	if !action.Allowed(entry.Status) {
		return &TransitionError{Action: action, From: entry.Status}
	}

	switch action {
	case ActionDepositPaid:
		entry.Status = StatusPaid
	case ActionSendTelegram:
		entry.TelegramInviteSent = true
	case ActionContact:
		entry.Status = StatusContacted
		if entry.ContactedAt == nil {
			entry.ContactedAt = stamp(now, entry.CreatedAt)
		}
	case ActionChargeRemaining:
		// precondition only; link bookkeeping happens in the dispatcher
	case ActionRemainingPaid:
		entry.Status = StatusConfirmed
		if entry.ConfirmedAt == nil {
			entry.ConfirmedAt = stamp(now, deref(entry.ContactedAt, entry.CreatedAt))
		}
	case ActionMarkShipped:
		entry.Status = StatusShipped
		if entry.ShippedAt == nil {
			entry.ShippedAt = stamp(now, deref(entry.ConfirmedAt, entry.CreatedAt))
		}
		tracking := TrackingNumber(entry.QueueNumber)
		entry.TrackingNumber = &tracking
		entry.Notes = appendNote(entry.Notes, "Shipped with tracking: "+tracking)
	case ActionCancel:
		entry.Status = StatusCancelled
	}

	if now.After(entry.UpdatedAt) {
		entry.UpdatedAt = now
	}
	return nil
}

func isReplay(s Status, action Action) bool {
	switch action {
	case ActionDepositPaid:
		return s != StatusPendingPayment
	case ActionRemainingPaid:
		return s == StatusConfirmed || s == StatusShipped
	}
	return false
}

// stamp never lets a lifecycle timestamp precede the one before it.
func stamp(now, floor time.Time) *time.Time {
	t := now
	if t.Before(floor) {
		t = floor
	}
	return &t
}

func deref(t *time.Time, fallback time.Time) time.Time {
	if t == nil {
		return fallback
	}
	return *t
}

func appendNote(notes, line string) string {
	if strings.TrimSpace(notes) == "" {
		return line
	}
	return notes + "\n" + line
}
