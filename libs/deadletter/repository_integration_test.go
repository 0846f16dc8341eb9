//go:build integration

package deadletter_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/md-rashed-zaman/eventpipe/libs/db/dbtest"
	"github.com/md-rashed-zaman/eventpipe/libs/deadletter"
	"github.com/md-rashed-zaman/eventpipe/libs/envelope"
	"github.com/md-rashed-zaman/eventpipe/libs/outbox"
)

func TestIntegrationPutListGet(t *testing.T) {
	pool := dbtest.Start(t)
	repo := deadletter.NewRepository(pool)
	ctx := context.Background()

	for _, src := range []string{deadletter.SourceRelay, deadletter.SourceConsumer} {
		require.NoError(t, repo.Put(ctx, deadletter.Record{
			Source:        src,
			EventID:       "e-" + src,
			EventType:     "order.created",
			Envelope:      []byte(`{}`),
			Reason:        "max attempts reached",
			AttemptCount:  8,
			LastAttemptAt: time.Now().UTC(),
			Partition:     -1,
			Offset:        -1,
		}))
	}

	all, err := repo.List(ctx, deadletter.ListFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "e-consumer", all[0].EventID, "newest first")

	relayOnly, err := repo.List(ctx, deadletter.ListFilter{Source: deadletter.SourceRelay})
	require.NoError(t, err)
	require.Len(t, relayOnly, 1)

	got, err := repo.Get(ctx, relayOnly[0].ID)
	require.NoError(t, err)
	assert.Equal(t, 8, got.AttemptCount)

	_, err = repo.Get(ctx, 9999)
	assert.ErrorIs(t, err, deadletter.ErrNotFound)
}

func TestIntegrationReplayReappendsOnce(t *testing.T) {
	pool := dbtest.Start(t)
	codec := envelope.Codec{}
	repo := deadletter.NewRepository(pool)
	ob := outbox.NewRepository(pool, codec)
	replayer := deadletter.NewReplayer(pool, repo, ob, codec, nil)
	ctx := context.Background()

	env, err := envelope.New("order.created", "1.0.0", "cust-42", map[string]int{"amount_cents": 100})
	require.NoError(t, err)
	raw, err := codec.Encode(env)
	require.NoError(t, err)

	require.NoError(t, repo.Put(ctx, deadletter.Record{
		Source: deadletter.SourceConsumer, ConsumerGroup: "projection", EventID: env.EventID,
		EventType: env.EventType, Envelope: raw, Reason: "handler failed", AttemptCount: 8,
		LastAttemptAt: time.Now().UTC(), Topic: "domain.events.v1", Partition: 3, Offset: 42,
	}))
	recs, err := repo.List(ctx, deadletter.ListFilter{})
	require.NoError(t, err)
	require.Len(t, recs, 1)

	_, err = replayer.Replay(ctx, recs[0].ID)
	require.NoError(t, err)

	batch, err := ob.FetchPending(ctx, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, batch.Rows, 1)
	assert.Equal(t, env.EventID, batch.Rows[0].EventID, "replay keeps the original event id")

	_, err = replayer.Replay(ctx, recs[0].ID)
	assert.ErrorIs(t, err, deadletter.ErrAlreadyReplayed)

	pending, err := repo.List(ctx, deadletter.ListFilter{OnlyPending: true})
	require.NoError(t, err)
	assert.Empty(t, pending)
}
