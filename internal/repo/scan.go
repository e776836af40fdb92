package repo

import (
	"encoding/json"
	"errors"
	"fmt"

	"sirius-sound/internal/queue"
)

// rowScanner is satisfied by pgx.Row, pgx.Rows, *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

const queueEntryColumns = `id, queue_number, email, user_id, status, deposit_amount, remaining_amount, currency,
       stripe_session_id, stripe_intent_id, telegram_invite_sent, contacted_at, confirmed_at, shipped_at,
       tracking_number, remaining_payment_link_id, remaining_payment_url, notes, created_at, updated_at`

func scanQueueEntry(row rowScanner) (*queue.Entry, error) {
	var e queue.Entry
	if err := row.Scan(
		&e.ID, &e.QueueNumber, &e.Email, &e.UserID, &e.Status, &e.DepositAmount, &e.RemainingAmount, &e.Currency,
		&e.StripeSessionID, &e.StripeIntentID, &e.TelegramInviteSent, &e.ContactedAt, &e.ConfirmedAt, &e.ShippedAt,
		&e.TrackingNumber, &e.RemainingPaymentLinkID, &e.RemainingPaymentURL, &e.Notes, &e.CreatedAt, &e.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &e, nil
}

const orderColumns = `id, type, status, amount, currency, quantity, pickup_format, email, name, message,
       stripe_session_id, stripe_intent_id, metadata, created_at, updated_at`

func scanOrder(row rowScanner) (*queue.Order, error) {
	var o queue.Order
	var metaJSON []byte
	if err := row.Scan(
		&o.ID, &o.Type, &o.Status, &o.Amount, &o.Currency, &o.Quantity, &o.PickupFormat, &o.Email, &o.Name, &o.Message,
		&o.StripeSessionID, &o.StripeIntentID, &metaJSON, &o.CreatedAt, &o.UpdatedAt,
	); err != nil {
		return nil, err
	}
	o.Metadata = fromJSON(metaJSON)
	return &o, nil
}

const waitlistColumns = `id, email, role, consent, status, token, confirmed_at, created_at, updated_at`

func scanWaitlistEntry(row rowScanner) (*WaitlistEntry, error) {
	var w WaitlistEntry
	if err := row.Scan(&w.ID, &w.Email, &w.Role, &w.Consent, &w.Status, &w.Token, &w.ConfirmedAt, &w.CreatedAt, &w.UpdatedAt); err != nil {
		return nil, err
	}
	return &w, nil
}

const sampleColumns = `id, name, guitar, position, description, audio_file, is_sirius`

func scanSample(row rowScanner) (*PickupSample, error) {
	var s PickupSample
	if err := row.Scan(&s.ID, &s.Name, &s.Guitar, &s.Position, &s.Description, &s.AudioFile, &s.IsSirius); err != nil {
		return nil, err
	}
	return &s, nil
}

const toneTestColumns = `id, session_id, user_id, completed, completed_at, created_at`

func scanToneTest(row rowScanner) (*ToneTest, error) {
	var t ToneTest
	if err := row.Scan(&t.ID, &t.SessionID, &t.UserID, &t.Completed, &t.CompletedAt, &t.CreatedAt); err != nil {
		return nil, err
	}
	return &t, nil
}

const ratingColumns = `id, test_id, sample_id, rating, guessed_name, play_count, created_at, updated_at`

func scanRating(row rowScanner) (*SampleRating, error) {
	var r SampleRating
	if err := row.Scan(&r.ID, &r.TestID, &r.SampleID, &r.Rating, &r.GuessedName, &r.PlayCount, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

// checkForward refuses any write that would move a queue entry backwards.
func checkForward(before, after *queue.Entry) error {
	if before.Status == after.Status {
		return nil
	}
	if before.Status.IsTerminal() || after.Status.Rank() < before.Status.Rank() {
		return &queue.TransitionError{Action: "write", From: before.Status}
	}
	return nil
}

// immutableChanged reports whether fn touched a field fixed at creation.
func immutableChanged(before, after *queue.Entry) bool {
	return before.ID != after.ID ||
		before.QueueNumber != after.QueueNumber ||
		before.Email != after.Email ||
		before.DepositAmount != after.DepositAmount ||
		before.RemainingAmount != after.RemainingAmount ||
		before.Currency != after.Currency
}

func validateEntryWrite(before, after *queue.Entry) error {
	if immutableChanged(before, after) {
		return errors.New("queue entry identity and amounts are immutable")
	}
	return checkForward(before, after)
}

func toJSON(val map[string]string) ([]byte, error) {
	if val == nil {
		return nil, nil
	}
	data, err := json.Marshal(val)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return data, nil
}

func fromJSON(data []byte) map[string]string {
	if len(data) == 0 {
		return nil
	}
	var m map[string]string
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]string{"_raw": string(data)}
	}
	return m
}

func jsonParam(data []byte) any {
	if data == nil {
		return nil
	}
	return string(data)
}

const webhookEventColumns = `id, type, target_type, target_id, outcome, created_at`

func scanWebhookEvent(row rowScanner) (*WebhookEvent, error) {
	var ev WebhookEvent
	if err := row.Scan(&ev.ID, &ev.Type, &ev.TargetType, &ev.TargetID, &ev.Outcome, &ev.CreatedAt); err != nil {
		return nil, err
	}
	return &ev, nil
}
