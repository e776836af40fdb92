package repo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"sirius-sound/internal/queue"
)

// JoinQueue reserves the next queue number and inserts a pending_payment entry
// in a single transaction. The counter row stays locked until commit, so
// concurrent joins serialize and a failed checkout leaves no gap.
func (r *PostgresRepository) JoinQueue(ctx context.Context, params JoinParams, checkout CheckoutFunc) (*queue.Entry, error) {
	var entry *queue.Entry
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		var number int64
		if err := tx.QueryRow(ctx, `UPDATE queue_counter SET value = value + 1 WHERE id = 1 RETURNING value;`).Scan(&number); err != nil {
			return fmt.Errorf("allocate queue number: %w", err)
		}

		var open int
		if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM queue_entries WHERE email = $1 AND status = ANY($2);`,
			params.Email, statusStrings(queue.OpenStatuses())).Scan(&open); err != nil {
			return fmt.Errorf("check open entry: %w", err)
		}
		if open > 0 {
			return queue.ErrAlreadyQueued
		}

		sessionID, err := checkout(ctx, number)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		const q = `
INSERT INTO queue_entries (id, queue_number, email, user_id, status, deposit_amount, remaining_amount, currency,
                           stripe_session_id, notes, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, '', $10, $10)
RETURNING ` + queueEntryColumns + `;`
		entry, err = scanQueueEntry(tx.QueryRow(ctx, q,
			uuid.NewString(), number, params.Email, params.UserID, queue.StatusPendingPayment,
			params.DepositAmount, params.RemainingAmount, params.Currency, nullable(sessionID), now,
		))
		if err != nil {
			if pgUniqueViolation(err) {
				return queue.ErrAlreadyQueued
			}
			return fmt.Errorf("insert queue entry: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (r *PostgresRepository) getQueueEntryWhere(ctx context.Context, where string, arg any) (*queue.Entry, error) {
	q := `SELECT ` + queueEntryColumns + ` FROM queue_entries WHERE ` + where + ` LIMIT 1;`
	entry, err := scanQueueEntry(r.pool.QueryRow(ctx, q, arg))
	if err != nil {
		return nil, pgNotFound(err, "get queue entry")
	}
	return entry, nil
}

// GetQueueEntry retrieves an entry by id.
func (r *PostgresRepository) GetQueueEntry(ctx context.Context, id string) (*queue.Entry, error) {
	return r.getQueueEntryWhere(ctx, "id = $1", id)
}

// GetQueueEntryBySession retrieves an entry by its deposit checkout session.
func (r *PostgresRepository) GetQueueEntryBySession(ctx context.Context, sessionID string) (*queue.Entry, error) {
	return r.getQueueEntryWhere(ctx, "stripe_session_id = $1", sessionID)
}

// GetQueueEntryByIntent retrieves an entry by its payment intent.
func (r *PostgresRepository) GetQueueEntryByIntent(ctx context.Context, intentID string) (*queue.Entry, error) {
	return r.getQueueEntryWhere(ctx, "stripe_intent_id = $1", intentID)
}

// FindOpenQueueEntryByEmail returns the email's entry that still holds a place.
func (r *PostgresRepository) FindOpenQueueEntryByEmail(ctx context.Context, email string) (*queue.Entry, error) {
	q := `SELECT ` + queueEntryColumns + ` FROM queue_entries WHERE email = $1 AND status = ANY($2) ORDER BY queue_number LIMIT 1;`
	entry, err := scanQueueEntry(r.pool.QueryRow(ctx, q, email, statusStrings(queue.OpenStatuses())))
	if err != nil {
		return nil, pgNotFound(err, "find open queue entry")
	}
	return entry, nil
}

// ListQueueEntries returns entries in queue order.
func (r *PostgresRepository) ListQueueEntries(ctx context.Context, filter QueueFilter) ([]queue.Entry, error) {
	var (
		conds []string
		args  []any
	)
	if filter.Status != "" {
		args = append(args, filter.Status)
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.Email != "" {
		args = append(args, "%"+strings.ToLower(filter.Email)+"%")
		conds = append(conds, fmt.Sprintf("email LIKE $%d", len(args)))
	}
	q := `SELECT ` + queueEntryColumns + ` FROM queue_entries`
	if len(conds) > 0 {
		q += ` WHERE ` + strings.Join(conds, " AND ")
	}
	args = append(args, clampLimit(filter.Limit), max(filter.Offset, 0))
	q += fmt.Sprintf(` ORDER BY queue_number ASC LIMIT $%d OFFSET $%d;`, len(args)-1, len(args))

	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list queue entries: %w", err)
	}
	defer rows.Close()

	var entries []queue.Entry
	for rows.Next() {
		entry, err := scanQueueEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queue entry: %w", err)
		}
		entries = append(entries, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queue entries: %w", err)
	}
	return entries, nil
}

// QueueSummary counts entries per status.
func (r *PostgresRepository) QueueSummary(ctx context.Context) (map[queue.Status]int64, error) {
	rows, err := r.pool.Query(ctx, `SELECT status, COUNT(*) FROM queue_entries GROUP BY status;`)
	if err != nil {
		return nil, fmt.Errorf("queue summary: %w", err)
	}
	defer rows.Close()

	summary := make(map[queue.Status]int64, len(queue.Statuses()))
	for _, st := range queue.Statuses() {
		summary[st] = 0
	}
	for rows.Next() {
		var (
			st    queue.Status
			count int64
		)
		if err := rows.Scan(&st, &count); err != nil {
			return nil, fmt.Errorf("scan queue summary: %w", err)
		}
		summary[st] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queue summary: %w", err)
	}
	return summary, nil
}

// MutateQueueEntry locks the row, hands a copy to fn and persists the result.
// A non-nil event is recorded in the same transaction; a replayed event id
// returns ErrDuplicateEvent without calling fn. When fn returns ErrNoop the
// ledger row is kept and the entry is returned unchanged alongside ErrNoop.
func (r *PostgresRepository) MutateQueueEntry(ctx context.Context, id string, event *WebhookEvent, fn func(*queue.Entry) error) (*queue.Entry, error) {
	var (
		result *queue.Entry
		noop   bool
	)
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		if event != nil {
			fresh, err := recordEventTx(ctx, tx, event)
			if err != nil {
				return err
			}
			if !fresh {
				return queue.ErrDuplicateEvent
			}
		}

		current, err := scanQueueEntry(tx.QueryRow(ctx, `SELECT `+queueEntryColumns+` FROM queue_entries WHERE id = $1 FOR UPDATE;`, id))
		if err != nil {
			return pgNotFound(err, "lock queue entry")
		}

		next := *current
		if err := fn(&next); err != nil {
			if errors.Is(err, queue.ErrNoop) {
				noop = true
				result = current
				return markNoopPG(ctx, tx, event)
			}
			return err
		}
		if err := validateEntryWrite(current, &next); err != nil {
			return err
		}

		const q = `
UPDATE queue_entries
SET status = $2,
    user_id = $3,
    stripe_session_id = $4,
    stripe_intent_id = $5,
    telegram_invite_sent = $6,
    contacted_at = $7,
    confirmed_at = $8,
    shipped_at = $9,
    tracking_number = $10,
    remaining_payment_link_id = $11,
    remaining_payment_url = $12,
    notes = $13,
    updated_at = $14
WHERE id = $1
RETURNING ` + queueEntryColumns + `;`
		result, err = scanQueueEntry(tx.QueryRow(ctx, q,
			id, next.Status, next.UserID, next.StripeSessionID, next.StripeIntentID, next.TelegramInviteSent,
			next.ContactedAt, next.ConfirmedAt, next.ShippedAt, next.TrackingNumber,
			next.RemainingPaymentLinkID, next.RemainingPaymentURL, next.Notes, laterOf(next.UpdatedAt, time.Now().UTC()),
		))
		if err != nil {
			return fmt.Errorf("update queue entry: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if noop {
		return result, queue.ErrNoop
	}
	return result, nil
}

// ClaimInvite flips telegram_invite_sent from false to true; true means this caller won.
func (r *PostgresRepository) ClaimInvite(ctx context.Context, id string) (bool, error) {
	const q = `
UPDATE queue_entries
SET telegram_invite_sent = TRUE, updated_at = $2
WHERE id = $1 AND telegram_invite_sent = FALSE;
`
	tag, err := r.pool.Exec(ctx, q, id, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("claim invite: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func statusStrings(statuses []queue.Status) []string {
	out := make([]string, len(statuses))
	for i, st := range statuses {
		out[i] = string(st)
	}
	return out
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func laterOf(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
