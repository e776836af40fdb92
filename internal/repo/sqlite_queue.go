package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"sirius-sound/internal/queue"
)

func (r *SQLiteRepository) JoinQueue(ctx context.Context, params JoinParams, checkout CheckoutFunc) (*queue.Entry, error) {
	var entry *queue.Entry
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		var number int64
		if err := tx.QueryRowContext(ctx, `UPDATE queue_counter SET value = value + 1 WHERE id = 1 RETURNING value;`).Scan(&number); err != nil {
			return fmt.Errorf("allocate queue number: %w", err)
		}

		open := queue.OpenStatuses()
		args := append([]any{params.Email}, statusArgs(open)...)
		var count int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_entries WHERE email = ? AND status IN (`+placeholders(len(open))+`);`, args...).Scan(&count); err != nil {
			return fmt.Errorf("check open entry: %w", err)
		}
		if count > 0 {
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
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, '', ?, ?)
RETURNING ` + queueEntryColumns + `;`
		entry, err = scanQueueEntry(tx.QueryRowContext(ctx, q,
			uuid.NewString(), number, params.Email, params.UserID, string(queue.StatusPendingPayment),
			params.DepositAmount, params.RemainingAmount, params.Currency, nullable(sessionID), now, now,
		))
		if err != nil {
			if sqliteUniqueViolation(err) {
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

func (r *SQLiteRepository) getQueueEntryWhere(ctx context.Context, where string, args ...any) (*queue.Entry, error) {
	q := `SELECT ` + queueEntryColumns + ` FROM queue_entries WHERE ` + where + ` LIMIT 1;`
	entry, err := scanQueueEntry(r.db.QueryRowContext(ctx, q, args...))
	if err != nil {
		return nil, sqliteNotFound(err, "get queue entry")
	}
	return entry, nil
}

func (r *SQLiteRepository) GetQueueEntry(ctx context.Context, id string) (*queue.Entry, error) {
	return r.getQueueEntryWhere(ctx, "id = ?", id)
}

func (r *SQLiteRepository) GetQueueEntryBySession(ctx context.Context, sessionID string) (*queue.Entry, error) {
	return r.getQueueEntryWhere(ctx, "stripe_session_id = ?", sessionID)
}

func (r *SQLiteRepository) GetQueueEntryByIntent(ctx context.Context, intentID string) (*queue.Entry, error) {
	return r.getQueueEntryWhere(ctx, "stripe_intent_id = ?", intentID)
}

func (r *SQLiteRepository) FindOpenQueueEntryByEmail(ctx context.Context, email string) (*queue.Entry, error) {
	open := queue.OpenStatuses()
	args := append([]any{email}, statusArgs(open)...)
	return r.getQueueEntryWhere(ctx, "email = ? AND status IN ("+placeholders(len(open))+") ORDER BY queue_number", args...)
}

func (r *SQLiteRepository) ListQueueEntries(ctx context.Context, filter QueueFilter) ([]queue.Entry, error) {
	var (
		conds []string
		args  []any
	)
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Email != "" {
		conds = append(conds, "email LIKE ?")
		args = append(args, "%"+strings.ToLower(filter.Email)+"%")
	}
	q := `SELECT ` + queueEntryColumns + ` FROM queue_entries`
	if len(conds) > 0 {
		q += ` WHERE ` + strings.Join(conds, " AND ")
	}
	q += ` ORDER BY queue_number ASC LIMIT ? OFFSET ?;`
	args = append(args, clampLimit(filter.Limit), max(filter.Offset, 0))

	rows, err := r.db.QueryContext(ctx, q, args...)
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

func (r *SQLiteRepository) QueueSummary(ctx context.Context) (map[queue.Status]int64, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM queue_entries GROUP BY status;`)
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
			st    string
			count int64
		)
		if err := rows.Scan(&st, &count); err != nil {
			return nil, fmt.Errorf("scan queue summary: %w", err)
		}
		summary[queue.Status(st)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queue summary: %w", err)
	}
	return summary, nil
}

func (r *SQLiteRepository) MutateQueueEntry(ctx context.Context, id string, event *WebhookEvent, fn func(*queue.Entry) error) (*queue.Entry, error) {
	var (
		result *queue.Entry
		noop   bool
	)
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		if event != nil {
			fresh, err := sqliteRecordEvent(ctx, tx, event)
			if err != nil {
				return err
			}
			if !fresh {
				return queue.ErrDuplicateEvent
			}
		}

		current, err := scanQueueEntry(tx.QueryRowContext(ctx, `SELECT `+queueEntryColumns+` FROM queue_entries WHERE id = ?;`, id))
		if err != nil {
			return sqliteNotFound(err, "load queue entry")
		}

		next := *current
		if err := fn(&next); err != nil {
			if errors.Is(err, queue.ErrNoop) {
				noop = true
				result = current
				return markNoopSQLite(ctx, tx, event)
			}
			return err
		}
		if err := validateEntryWrite(current, &next); err != nil {
			return err
		}

		const q = `
UPDATE queue_entries
SET status = ?,
    user_id = ?,
    stripe_session_id = ?,
    stripe_intent_id = ?,
    telegram_invite_sent = ?,
    contacted_at = ?,
    confirmed_at = ?,
    shipped_at = ?,
    tracking_number = ?,
    remaining_payment_link_id = ?,
    remaining_payment_url = ?,
    notes = ?,
    updated_at = ?
WHERE id = ?
RETURNING ` + queueEntryColumns + `;`
		result, err = scanQueueEntry(tx.QueryRowContext(ctx, q,
			string(next.Status), next.UserID, next.StripeSessionID, next.StripeIntentID, next.TelegramInviteSent,
			utcPtr(next.ContactedAt), utcPtr(next.ConfirmedAt), utcPtr(next.ShippedAt), next.TrackingNumber,
			next.RemainingPaymentLinkID, next.RemainingPaymentURL, next.Notes, laterOf(next.UpdatedAt, time.Now()).UTC(), id,
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

func (r *SQLiteRepository) ClaimInvite(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE queue_entries SET telegram_invite_sent = 1, updated_at = ? WHERE id = ? AND telegram_invite_sent = 0;`, time.Now().UTC(), id)
	if err != nil {
		return false, fmt.Errorf("claim invite: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim invite: %w", err)
	}
	return n == 1, nil
}

// utcPtr normalises nullable timestamps so text comparisons in sqlite stay ordered.
func utcPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
