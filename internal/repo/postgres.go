package repo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"sirius-sound/internal/queue"
)

// PostgresRepository provides typed access to the Postgres store.
type PostgresRepository struct {
	pool        *pgxpool.Pool
	logger      *slog.Logger
	databaseURL string
}

var _ Repository = (*PostgresRepository)(nil)

// NewPostgres opens a new connection pool to the database.
func NewPostgres(ctx context.Context, databaseURL string, logger *slog.Logger) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	r := &PostgresRepository{
		pool:        pool,
		logger:      logger.With("component", "repo"),
		databaseURL: databaseURL,
	}

	if err := r.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

// Close releases the connection pool.
func (r *PostgresRepository) Close() {
	if r.pool != nil {
		r.pool.Close()
	}
}

// Ping ensures the database is reachable.
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// Migrate applies the embedded postgres migrations.
func (r *PostgresRepository) Migrate(ctx context.Context) error {
	return MigratePostgres(ctx, r.databaseURL, r.logger)
}

// WithTx executes fn within a database transaction.
func (r *PostgresRepository) WithTx(ctx context.Context, fn func(pgx.Tx) error) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(tx)
	})
}

func pgNotFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, queue.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", what, err)
}

func pgUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// recordEventTx inserts the ledger row; false means the event id was seen before.
func recordEventTx(ctx context.Context, tx pgx.Tx, event *WebhookEvent) (bool, error) {
	const q = `
INSERT INTO webhook_events (id, type, target_type, target_id, outcome, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO NOTHING;
`
	tag, err := tx.Exec(ctx, q, event.ID, event.Type, event.TargetType, event.TargetID, event.Outcome, eventTime(event))
	if err != nil {
		return false, fmt.Errorf("record webhook event: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func markNoopPG(ctx context.Context, tx pgx.Tx, event *WebhookEvent) error {
	if event == nil {
		return nil
	}
	if _, err := tx.Exec(ctx, `UPDATE webhook_events SET outcome = $2 WHERE id = $1;`, event.ID, OutcomeNoop); err != nil {
		return fmt.Errorf("mark webhook event noop: %w", err)
	}
	return nil
}
