package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"sirius-sound/internal/queue"
)

func (r *SQLiteRepository) InsertWaitlistEntry(ctx context.Context, entry WaitlistEntry) (*WaitlistEntry, error) {
	now := time.Now().UTC()
	q := `
INSERT INTO waitlist_entries (id, email, role, consent, status, token, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
RETURNING ` + waitlistColumns + `;`
	inserted, err := scanWaitlistEntry(r.db.QueryRowContext(ctx, q, uuid.NewString(), entry.Email, entry.Role, entry.Consent, string(WaitlistPending), entry.Token, now, now))
	if err != nil {
		if sqliteUniqueViolation(err) {
			return nil, fmt.Errorf("insert waitlist entry: %w", queue.ErrAlreadyExists)
		}
		return nil, fmt.Errorf("insert waitlist entry: %w", err)
	}
	return inserted, nil
}

func (r *SQLiteRepository) ConfirmWaitlistEntry(ctx context.Context, token string) (*WaitlistEntry, int64, error) {
	var (
		entry    *WaitlistEntry
		position int64
	)
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		q := `
UPDATE waitlist_entries
SET status = ?,
    confirmed_at = COALESCE(confirmed_at, ?),
    updated_at = ?
WHERE token = ? AND status <> ?
RETURNING ` + waitlistColumns + `;`
		var err error
		entry, err = scanWaitlistEntry(tx.QueryRowContext(ctx, q, string(WaitlistConfirmed), now, now, token, string(WaitlistRejected)))
		if err != nil {
			return sqliteNotFound(err, "confirm waitlist entry")
		}
		return tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM waitlist_entries WHERE status = ? AND created_at <= ?;`,
			string(WaitlistConfirmed), entry.CreatedAt.UTC()).Scan(&position)
	})
	if err != nil {
		return nil, 0, err
	}
	return entry, position, nil
}

func (r *SQLiteRepository) SetWaitlistStatus(ctx context.Context, id string, status WaitlistStatus) (*WaitlistEntry, error) {
	now := time.Now().UTC()
	var confirmedAt any
	if status == WaitlistConfirmed {
		confirmedAt = now
	}
	q := `
UPDATE waitlist_entries
SET status = ?,
    confirmed_at = COALESCE(confirmed_at, ?),
    updated_at = ?
WHERE id = ?
RETURNING ` + waitlistColumns + `;`
	entry, err := scanWaitlistEntry(r.db.QueryRowContext(ctx, q, string(status), confirmedAt, now, id))
	if err != nil {
		return nil, sqliteNotFound(err, "set waitlist status")
	}
	return entry, nil
}

func (r *SQLiteRepository) ListWaitlist(ctx context.Context, filter WaitlistFilter) ([]WaitlistEntry, error) {
	q := `SELECT ` + waitlistColumns + ` FROM waitlist_entries WHERE (? = '' OR status = ?) ORDER BY created_at DESC LIMIT ? OFFSET ?;`
	rows, err := r.db.QueryContext(ctx, q, string(filter.Status), string(filter.Status), clampLimit(filter.Limit), max(filter.Offset, 0))
	if err != nil {
		return nil, fmt.Errorf("list waitlist: %w", err)
	}
	defer rows.Close()

	var entries []WaitlistEntry
	for rows.Next() {
		entry, err := scanWaitlistEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan waitlist entry: %w", err)
		}
		entries = append(entries, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate waitlist: %w", err)
	}
	return entries, nil
}
