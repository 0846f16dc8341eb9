package orders

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/md-rashed-zaman/eventpipe/libs/db"
	"github.com/md-rashed-zaman/eventpipe/libs/envelope"
	"github.com/md-rashed-zaman/eventpipe/libs/events"
)

// Appender writes an envelope to the outbox inside tx.
type Appender interface {
	Append(ctx context.Context, tx pgx.Tx, env *envelope.Envelope) error
}

// Repository writes orders and their events in one transaction, so an event
// exists exactly when the state change that produced it committed.
type Repository struct {
	pool     *db.Pool
	outbox   Appender
	producer string
}

func NewRepository(pool *db.Pool, outbox Appender, producer string) *Repository {
	return &Repository{pool: pool, outbox: outbox, producer: producer}
}

func (r *Repository) Create(ctx context.Context, in CreateOrder) (Order, error) {
	o := Order{
		ID:          uuid.NewString(),
		CustomerID:  in.CustomerID,
		AmountCents: in.AmountCents,
		Currency:    in.Currency,
		Status:      StatusCreated,
	}
	env, err := envelope.New(events.TypeOrderCreated, events.OrderSchemaVersion, o.CustomerID, events.OrderCreated{
		OrderID:     o.ID,
		CustomerID:  o.CustomerID,
		AmountCents: o.AmountCents,
		Currency:    o.Currency,
	}, envelope.WithProducer(r.producer))
	if err != nil {
		return Order{}, err
	}
	o.EventID = env.EventID

	err = r.pool.WithTx(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			INSERT INTO orders (id, customer_id, amount_cents, currency, status, event_id)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING created_at
		`, o.ID, o.CustomerID, o.AmountCents, o.Currency, o.Status, o.EventID).Scan(&o.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert order: %w", err)
		}
		return r.outbox.Append(ctx, tx, env)
	})
	if err != nil {
		return Order{}, err
	}
	return o, nil
}

// Cancel marks the order cancelled and emits order.cancelled caused by the
// order's creation event.
func (r *Repository) Cancel(ctx context.Context, id, reason string) (Order, error) {
	var o Order
	err := r.pool.WithTx(ctx, func(tx pgx.Tx) error {
		var err error
		o, err = scanOrder(tx.QueryRow(ctx, selectOrder+` WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return err
		}
		if o.Status == StatusCancelled {
			return ErrAlreadyCancelled
		}

		if err := tx.QueryRow(ctx, `
			UPDATE orders SET status = $2, cancelled_at = now()
			WHERE id = $1
			RETURNING cancelled_at
		`, id, StatusCancelled).Scan(&o.CancelledAt); err != nil {
			return fmt.Errorf("cancel order: %w", err)
		}
		o.Status = StatusCancelled

		env, err := envelope.New(events.TypeOrderCancelled, events.OrderSchemaVersion, o.CustomerID, events.OrderCancelled{
			OrderID:     o.ID,
			CustomerID:  o.CustomerID,
			AmountCents: o.AmountCents,
			Reason:      reason,
		}, envelope.WithProducer(r.producer), envelope.CausedBy(&envelope.Envelope{EventID: o.EventID}))
		if err != nil {
			return err
		}
		return r.outbox.Append(ctx, tx, env)
	})
	if err != nil {
		return Order{}, err
	}
	return o, nil
}

func (r *Repository) Get(ctx context.Context, id string) (Order, error) {
	return scanOrder(r.pool.QueryRow(ctx, selectOrder+` WHERE id = $1`, id))
}

const selectOrder = `
	SELECT id::text, customer_id, amount_cents, currency, status, event_id, created_at, cancelled_at
	FROM orders`

func scanOrder(row pgx.Row) (Order, error) {
	var o Order
	err := row.Scan(&o.ID, &o.CustomerID, &o.AmountCents, &o.Currency, &o.Status, &o.EventID, &o.CreatedAt, &o.CancelledAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Order{}, ErrNotFound
	}
	if err != nil {
		return Order{}, fmt.Errorf("get order: %w", err)
	}
	return o, nil
}
