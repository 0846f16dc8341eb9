package projection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/md-rashed-zaman/eventpipe/libs/db"
	"github.com/md-rashed-zaman/eventpipe/libs/events"
)

var ErrNotFound = errors.New("customer totals not found")

type Totals struct {
	CustomerID  string
	OpenOrders  int
	Cancelled   int
	TotalCents  int64
	LastEventID string
	UpdatedAt   time.Time
}

// Repository maintains customer_order_totals. Each apply is a single
// statement, so a failed attempt leaves no partial state behind.
type Repository struct {
	pool *db.Pool
}

func NewRepository(pool *db.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) ApplyCreated(ctx context.Context, eventID string, ev events.OrderCreated) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO customer_order_totals (customer_id, open_orders, total_cents, last_event_id)
		VALUES ($1, 1, $2, $3)
		ON CONFLICT (customer_id) DO UPDATE
		SET open_orders   = customer_order_totals.open_orders + 1,
		    total_cents   = customer_order_totals.total_cents + EXCLUDED.total_cents,
		    last_event_id = EXCLUDED.last_event_id,
		    updated_at    = now()
	`, ev.CustomerID, ev.AmountCents, eventID)
	if err != nil {
		return fmt.Errorf("apply order.created: %w", err)
	}
	return nil
}

func (r *Repository) ApplyCancelled(ctx context.Context, eventID string, ev events.OrderCancelled) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO customer_order_totals (customer_id, open_orders, cancelled, total_cents, last_event_id)
		VALUES ($1, 0, 1, 0, $3)
		ON CONFLICT (customer_id) DO UPDATE
		SET open_orders   = GREATEST(customer_order_totals.open_orders - 1, 0),
		    cancelled     = customer_order_totals.cancelled + 1,
		    total_cents   = customer_order_totals.total_cents - $2,
		    last_event_id = EXCLUDED.last_event_id,
		    updated_at    = now()
	`, ev.CustomerID, ev.AmountCents, eventID)
	if err != nil {
		return fmt.Errorf("apply order.cancelled: %w", err)
	}
	return nil
}

func (r *Repository) Totals(ctx context.Context, customerID string) (Totals, error) {
	var t Totals
	err := r.pool.QueryRow(ctx, `
		SELECT customer_id, open_orders, cancelled, total_cents, last_event_id, updated_at
		FROM customer_order_totals WHERE customer_id = $1
	`, customerID).Scan(&t.CustomerID, &t.OpenOrders, &t.Cancelled, &t.TotalCents, &t.LastEventID, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Totals{}, ErrNotFound
	}
	if err != nil {
		return Totals{}, fmt.Errorf("get totals: %w", err)
	}
	return t, nil
}
