//go:build integration

package orders

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/md-rashed-zaman/eventpipe/libs/db/dbtest"
	"github.com/md-rashed-zaman/eventpipe/libs/envelope"
	"github.com/md-rashed-zaman/eventpipe/libs/events"
	"github.com/md-rashed-zaman/eventpipe/libs/outbox"
)

type failingAppender struct{}

func (failingAppender) Append(context.Context, pgx.Tx, *envelope.Envelope) error {
	return errors.New("outbox unavailable")
}

func TestOrderAndEventCommitTogether(t *testing.T) {
	pool := dbtest.Start(t)
	ctx := context.Background()
	codec := envelope.Codec{}
	repo := NewRepository(pool, outbox.NewRepository(pool, codec), envelope.ProducerID("orders-service", "1.0.0"))

	o, err := repo.Create(ctx, CreateOrder{CustomerID: "cust-7", AmountCents: 990, Currency: "EUR"})
	require.NoError(t, err)

	var eventType, key string
	var raw []byte
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT event_type, partition_key, envelope FROM outbox_events WHERE event_id = $1`, o.EventID,
	).Scan(&eventType, &key, &raw))
	assert.Equal(t, events.TypeOrderCreated, eventType)
	assert.Equal(t, "cust-7", key)

	env, err := codec.Decode(raw)
	require.NoError(t, err)
	var payload events.OrderCreated
	require.NoError(t, env.Bind(&payload))
	assert.Equal(t, o.ID, payload.OrderID)
	assert.Equal(t, "orders-service:1.0.0", env.Producer)

	cancelled, err := repo.Cancel(ctx, o.ID, "duplicate order")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)
	require.NotNil(t, cancelled.CancelledAt)

	require.NoError(t, pool.QueryRow(ctx,
		`SELECT envelope FROM outbox_events WHERE event_type = $1`, events.TypeOrderCancelled,
	).Scan(&raw))
	env, err = codec.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, o.EventID, env.CausationID)
	assert.Equal(t, o.EventID, env.CorrelationID)

	_, err = repo.Cancel(ctx, o.ID, "")
	assert.ErrorIs(t, err, ErrAlreadyCancelled)
}

func TestFailedAppendRollsBackOrder(t *testing.T) {
	pool := dbtest.Start(t)
	ctx := context.Background()
	repo := NewRepository(pool, failingAppender{}, "orders-service")

	_, err := repo.Create(ctx, CreateOrder{CustomerID: "cust-8", AmountCents: 100, Currency: "USD"})
	require.Error(t, err)

	var n int
	require.NoError(t, pool.QueryRow(ctx, `SELECT count(*) FROM orders WHERE customer_id = 'cust-8'`).Scan(&n))
	assert.Zero(t, n)
}
