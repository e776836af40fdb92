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

func (r *SQLiteRepository) InsertOrder(ctx context.Context, order queue.Order) (*queue.Order, error) {
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
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
RETURNING ` + orderColumns + `;`
	inserted, err := scanOrder(r.db.QueryRowContext(ctx, q,
		order.ID, string(order.Type), string(order.Status), order.Amount, order.Currency, order.Quantity, order.PickupFormat,
		order.Email, order.Name, order.Message, order.StripeSessionID, order.StripeIntentID, jsonParam(meta), now, now,
	))
	if err != nil {
		return nil, fmt.Errorf("insert order: %w", err)
	}
	return inserted, nil
}

func (r *SQLiteRepository) getOrderWhere(ctx context.Context, where string, arg any) (*queue.Order, error) {
	q := `SELECT ` + orderColumns + ` FROM orders WHERE ` + where + ` LIMIT 1;`
	order, err := scanOrder(r.db.QueryRowContext(ctx, q, arg))
	if err != nil {
		return nil, sqliteNotFound(err, "get order")
	}
	return order, nil
}

func (r *SQLiteRepository) GetOrder(ctx context.Context, id string) (*queue.Order, error) {
	return r.getOrderWhere(ctx, "id = ?", id)
}

func (r *SQLiteRepository) GetOrderBySession(ctx context.Context, sessionID string) (*queue.Order, error) {
	return r.getOrderWhere(ctx, "stripe_session_id = ?", sessionID)
}

func (r *SQLiteRepository) GetOrderByIntent(ctx context.Context, intentID string) (*queue.Order, error) {
	return r.getOrderWhere(ctx, "stripe_intent_id = ?", intentID)
}

func (r *SQLiteRepository) MutateOrder(ctx context.Context, id string, event *WebhookEvent, fn func(*queue.Order) error) (*queue.Order, error) {
	var (
		result *queue.Order
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

		current, err := scanOrder(tx.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?;`, id))
		if err != nil {
			return sqliteNotFound(err, "load order")
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

		meta, err := toJSON(next.Metadata)
		if err != nil {
			return err
		}
		q := `
UPDATE orders
SET status = ?, stripe_intent_id = ?, metadata = ?, updated_at = ?
WHERE id = ?
RETURNING ` + orderColumns + `;`
		result, err = scanOrder(tx.QueryRowContext(ctx, q, string(next.Status), next.StripeIntentID, jsonParam(meta), time.Now().UTC(), id))
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

func (r *SQLiteRepository) ListOrders(ctx context.Context, filter OrderFilter) ([]queue.Order, error) {
	var (
		conds []string
		args  []any
	)
	if filter.Type != "" {
		conds = append(conds, "type = ?")
		args = append(args, string(filter.Type))
	}
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(filter.Status))
	}
	q := `SELECT ` + orderColumns + ` FROM orders`
	if len(conds) > 0 {
		q += ` WHERE ` + strings.Join(conds, " AND ")
	}
	q += ` ORDER BY created_at DESC LIMIT ? OFFSET ?;`
	args = append(args, clampLimit(filter.Limit), max(filter.Offset, 0))

	rows, err := r.db.QueryContext(ctx, q, args...)
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

func (r *SQLiteRepository) RecordWebhookEvent(ctx context.Context, event WebhookEvent) (bool, error) {
	var fresh bool
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		fresh, err = sqliteRecordEvent(ctx, tx, &event)
		return err
	})
	return fresh, err
}

func (r *SQLiteRepository) GetWebhookEvent(ctx context.Context, id string) (*WebhookEvent, error) {
	ev, err := scanWebhookEvent(r.db.QueryRowContext(ctx, `SELECT `+webhookEventColumns+` FROM webhook_events WHERE id = ?;`, id))
	if err != nil {
		return nil, sqliteNotFound(err, "get webhook event")
	}
	return ev, nil
}
