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

// InsertOrder stores a new order record.
func (r *PostgresRepository) InsertOrder(ctx context.Context, order queue.Order) (*queue.Order, error) {
	meta, err := toJSON(order.Metadata)
	if err != nil {
		return nil, err
	}
	if order.ID == "" {
		order.ID = uuid.NewString()
	}
	if order.Status == "" {
		order.Status = queue.OrderPending
	}
	now := time.Now().UTC()

	q := `
INSERT INTO orders (id, type, status, amount, currency, quantity, pickup_format, email, name, message,
                    stripe_session_id, stripe_intent_id, metadata, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $14)
RETURNING ` + orderColumns + `;`
	inserted, err := scanOrder(r.pool.QueryRow(ctx, q,
		order.ID, order.Type, order.Status, order.Amount, order.Currency, order.Quantity, order.PickupFormat,
		order.Email, order.Name, order.Message, order.StripeSessionID, order.StripeIntentID, jsonParam(meta), now,
	))
	if err != nil {
		return nil, fmt.Errorf("insert order: %w", err)
	}
	return inserted, nil
}

func (r *PostgresRepository) getOrderWhere(ctx context.Context, where string, arg any) (*queue.Order, error) {
	q := `SELECT ` + orderColumns + ` FROM orders WHERE ` + where + ` LIMIT 1;`
	order, err := scanOrder(r.pool.QueryRow(ctx, q, arg))
	if err != nil {
		return nil, pgNotFound(err, "get order")
	}
	return order, nil
}

// GetOrder retrieves an order by id.
func (r *PostgresRepository) GetOrder(ctx context.Context, id string) (*queue.Order, error) {
	return r.getOrderWhere(ctx, "id = $1", id)
}

// GetOrderBySession retrieves an order by checkout session.
func (r *PostgresRepository) GetOrderBySession(ctx context.Context, sessionID string) (*queue.Order, error) {
	return r.getOrderWhere(ctx, "stripe_session_id = $1", sessionID)
}

// GetOrderByIntent retrieves an order by payment intent.
func (r *PostgresRepository) GetOrderByIntent(ctx context.Context, intentID string) (*queue.Order, error) {
	return r.getOrderWhere(ctx, "stripe_intent_id = $1", intentID)
}

// MutateOrder is the order counterpart of MutateQueueEntry. Only status,
// intent id and metadata are written back.
func (r *PostgresRepository) MutateOrder(ctx context.Context, id string, event *WebhookEvent, fn func(*queue.Order) error) (*queue.Order, error) {
	var (
		result *queue.Order
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

		current, err := scanOrder(tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE;`, id))
		if err != nil {
			return pgNotFound(err, "lock order")
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

		meta, err := toJSON(next.Metadata)
		if err != nil {
			return err
		}
		q := `
UPDATE orders
SET status = $2, stripe_intent_id = $3, metadata = $4, updated_at = $5
WHERE id = $1
RETURNING ` + orderColumns + `;`
		result, err = scanOrder(tx.QueryRow(ctx, q, id, next.Status, next.StripeIntentID, jsonParam(meta), time.Now().UTC()))
		if err != nil {
			return fmt.Errorf("update order: %w", err)
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

// ListOrders returns orders newest first.
func (r *PostgresRepository) ListOrders(ctx context.Context, filter OrderFilter) ([]queue.Order, error) {
	var (
		conds []string
		args  []any
	)
	if filter.Type != "" {
		args = append(args, filter.Type)
		conds = append(conds, fmt.Sprintf("type = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	q := `SELECT ` + orderColumns + ` FROM orders`
	if len(conds) > 0 {
		q += ` WHERE ` + strings.Join(conds, " AND ")
	}
	args = append(args, clampLimit(filter.Limit), max(filter.Offset, 0))
	q += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d;`, len(args)-1, len(args))

	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var orders []queue.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, *order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate orders: %w", err)
	}
	return orders, nil
}

// RecordWebhookEvent stores a ledger row for events that touch no aggregate.
func (r *PostgresRepository) RecordWebhookEvent(ctx context.Context, event WebhookEvent) (bool, error) {
	var fresh bool
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		var err error
		fresh, err = recordEventTx(ctx, tx, &event)
		return err
	})
	return fresh, err
}

// GetWebhookEvent reads one ledger row.
func (r *PostgresRepository) GetWebhookEvent(ctx context.Context, id string) (*WebhookEvent, error) {
	ev, err := scanWebhookEvent(r.pool.QueryRow(ctx, `SELECT `+webhookEventColumns+` FROM webhook_events WHERE id = $1;`, id))
	if err != nil {
		return nil, pgNotFound(err, "get webhook event")
	}
	return ev, nil
}
