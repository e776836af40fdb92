package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"sirius-sound/internal/queue"
)

// InsertWaitlistEntry stores a pending waitlist signup.
func (r *PostgresRepository) InsertWaitlistEntry(ctx context.Context, entry WaitlistEntry) (*WaitlistEntry, error) {
	now := time.Now().UTC()
	q := `
INSERT INTO waitlist_entries (id, email, role, consent, status, token, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
RETURNING ` + waitlistColumns + `;`
	inserted, err := scanWaitlistEntry(r.pool.QueryRow(ctx, q, uuid.NewString(), entry.Email, entry.Role, entry.Consent, WaitlistPending, entry.Token, now))
	if err != nil {
		if pgUniqueViolation(err) {
			return nil, fmt.Errorf("insert waitlist entry: %w", queue.ErrAlreadyExists)
		}
		return nil, fmt.Errorf("insert waitlist entry: %w", err)
	}
	return inserted, nil
}

// ConfirmWaitlistEntry marks the token's entry confirmed and returns its position
// among confirmed entries.
func (r *PostgresRepository) ConfirmWaitlistEntry(ctx context.Context, token string) (*WaitlistEntry, int64, error) {
	var (
		entry    *WaitlistEntry
		position int64
	)
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		q := `
UPDATE waitlist_entries
SET status = $2,
    confirmed_at = COALESCE(confirmed_at, $3),
    updated_at = $3
WHERE token = $1 AND status <> $4
RETURNING ` + waitlistColumns + `;`
		var err error
		entry, err = scanWaitlistEntry(tx.QueryRow(ctx, q, token, WaitlistConfirmed, time.Now().UTC(), WaitlistRejected))
		if err != nil {
			return pgNotFound(err, "confirm waitlist entry")
		}
		return tx.QueryRow(ctx, `SELECT COUNT(*) FROM waitlist_entries WHERE status = $1 AND created_at <= $2;`,
			WaitlistConfirmed, entry.CreatedAt).Scan(&position)
	})
	if err != nil {
		return nil, 0, err
	}
	return entry, position, nil
}

// SetWaitlistStatus is the admin moderation write.
func (r *PostgresRepository) SetWaitlistStatus(ctx context.Context, id string, status WaitlistStatus) (*WaitlistEntry, error) {
	now := time.Now().UTC()
	var confirmedAt *time.Time
	if status == WaitlistConfirmed {
		confirmedAt = &now
	}
	q := `
UPDATE waitlist_entries
SET status = $2,
    confirmed_at = COALESCE(confirmed_at, $3),
    updated_at = $4
WHERE id = $1
RETURNING ` + waitlistColumns + `;`
	entry, err := scanWaitlistEntry(r.pool.QueryRow(ctx, q, id, string(status), confirmedAt, now))
	if err != nil {
		return nil, pgNotFound(err, "set waitlist status")
	}
	return entry, nil
}

// ListWaitlist returns signups newest first.
func (r *PostgresRepository) ListWaitlist(ctx context.Context, filter WaitlistFilter) ([]WaitlistEntry, error) {
	q := `SELECT ` + waitlistColumns + ` FROM waitlist_entries WHERE ($1 = '' OR status = $1) ORDER BY created_at DESC LIMIT $2 OFFSET $3;`
	rows, err := r.pool.Query(ctx, q, string(filter.Status), clampLimit(filter.Limit), max(filter.Offset, 0))
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
