// Package projection keeps per-customer order totals from order events.
package projection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/md-rashed-zaman/eventpipe/libs/consumer"
	"github.com/md-rashed-zaman/eventpipe/libs/envelope"
	"github.com/md-rashed-zaman/eventpipe/libs/events"
	"github.com/md-rashed-zaman/eventpipe/libs/httpx"
	"github.com/md-rashed-zaman/eventpipe/libs/runtime"
)

type Projector interface {
	ApplyCreated(ctx context.Context, eventID string, ev events.OrderCreated) error
	ApplyCancelled(ctx context.Context, eventID string, ev events.OrderCancelled) error
}

// Register wires the order event handlers into reg.
func Register(reg *consumer.Registry, p Projector) error {
	if err := reg.HandleFunc(events.TypeOrderCreated, func(ctx context.Context, env *envelope.Envelope) error {
		var ev events.OrderCreated
		if err := bind(env, &ev, &ev.CustomerID); err != nil {
			return err
		}
		if ev.AmountCents <= 0 {
			return consumer.Permanent(fmt.Errorf("order %s: non-positive amount %d", ev.OrderID, ev.AmountCents))
		}
		return p.ApplyCreated(ctx, env.EventID, ev)
	}); err != nil {
		return err
	}
	return reg.HandleFunc(events.TypeOrderCancelled, func(ctx context.Context, env *envelope.Envelope) error {
		var ev events.OrderCancelled
		if err := bind(env, &ev, &ev.CustomerID); err != nil {
			return err
		}
		return p.ApplyCancelled(ctx, env.EventID, ev)
	})
}

// bind decodes the payload; a payload that cannot be decoded never will be.
func bind(env *envelope.Envelope, dst any, customerID *string) error {
	if err := env.Bind(dst); err != nil {
		return consumer.Permanent(err)
	}
	if strings.TrimSpace(*customerID) == "" {
		return consumer.Permanent(errors.New("customer_id is required"))
	}
	return nil
}

type TotalsReader interface {
	Totals(ctx context.Context, customerID string) (Totals, error)
}

// TotalsHandler serves GET /customers/{id}/totals.
func TotalsHandler(r TotalsReader, logger *slog.Logger) http.HandlerFunc {
	logger = runtime.OrDiscard(logger)
	return func(w http.ResponseWriter, req *http.Request) {
		t, err := r.Totals(req.Context(), req.PathValue("id"))
		switch {
		case errors.Is(err, ErrNotFound):
			httpx.WriteError(w, req, http.StatusNotFound, err.Error())
		case err != nil:
			logger.ErrorContext(req.Context(), "read totals failed", "err", err)
			httpx.WriteError(w, req, http.StatusInternalServerError, "db error")
		default:
			httpx.WriteJSON(w, http.StatusOK, map[string]any{
				"customer_id":   t.CustomerID,
				"open_orders":   t.OpenOrders,
				"cancelled":     t.Cancelled,
				"total_cents":   t.TotalCents,
				"last_event_id": t.LastEventID,
				"updated_at":    t.UpdatedAt.UTC().Format(time.RFC3339),
			})
		}
	}
}
