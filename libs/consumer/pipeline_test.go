package consumer_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/md-rashed-zaman/eventpipe/libs/backoff"
	"github.com/md-rashed-zaman/eventpipe/libs/broker"
	"github.com/md-rashed-zaman/eventpipe/libs/consumer"
	"github.com/md-rashed-zaman/eventpipe/libs/deadletter"
	"github.com/md-rashed-zaman/eventpipe/libs/dedup"
	"github.com/md-rashed-zaman/eventpipe/libs/envelope"
	"github.com/md-rashed-zaman/eventpipe/libs/outbox"
	"github.com/md-rashed-zaman/eventpipe/libs/outbox/outboxtest"
	"github.com/md-rashed-zaman/eventpipe/libs/partition"
	"github.com/md-rashed-zaman/eventpipe/libs/relay"
)

const pipelineTopic = "domain.events.v1"

type seqEvent struct {
	Seq int `json:"seq"`
}

// projection records every applied event per key and counts repeats.
type projection struct {
	mu      sync.Mutex
	applied map[string][]int
	repeats atomic.Int32
	seen    sync.Map
}

func (p *projection) handle(_ context.Context, env *envelope.Envelope) error {
	if _, dup := p.seen.LoadOrStore(env.EventID, true); dup {
		p.repeats.Add(1)
	}
	var ev seqEvent
	if err := env.Bind(&ev); err != nil {
		return consumer.Permanent(err)
	}
	p.mu.Lock()
	p.applied[env.Key()] = append(p.applied[env.Key()], ev.Seq)
	p.mu.Unlock()
	return nil
}

func runDispatcher(t *testing.T, src consumer.Source, store dedup.Store, h consumer.HandlerFunc) (stop func()) {
	t.Helper()
	reg := consumer.NewRegistry()
	require.NoError(t, reg.HandleFunc("order.created", h))
	d, err := consumer.New(src, reg, store, &deadletter.Memory{}, envelope.Codec{},
		consumer.Config{Group: "projection", Backoff: backoff.Policy{Base: time.Millisecond, Cap: 5 * time.Millisecond}},
		nil, nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = d.Run(ctx)
	}()
	var once sync.Once
	stop = func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
	t.Cleanup(stop)
	return stop
}

func drained(b *broker.Memory, src *broker.MemorySource, partitions int) bool {
	for p := range partitions {
		if src.Committed(p) < int64(len(b.Messages(pipelineTopic, p))) {
			return false
		}
	}
	return true
}

func TestPipelineDeliversEachEventOnceInKeyOrder(t *testing.T) {
	const partitions = 4
	ctx := context.Background()

	store := outboxtest.New(envelope.Codec{})
	keys := []string{"cust-a", "cust-b", "cust-c"}
	for seq := range 5 {
		for _, key := range keys {
			env, err := envelope.New("order.created", "1.0.0", key, seqEvent{Seq: seq})
			require.NoError(t, err)
			_, err = store.Append(ctx, env)
			require.NoError(t, err)
		}
	}

	// The first ack is never recorded, so at least one event is published twice.
	var markSentCalls atomic.Int32
	store.SetHook(outboxtest.OpMarkSent, func() error {
		if markSentCalls.Add(1) == 1 {
			return errors.New("connection reset by peer")
		}
		return nil
	})

	b := broker.NewMemory(partitions)
	router, err := partition.NewRouter(partitions)
	require.NoError(t, err)
	r := relay.New(store, b, router, envelope.Codec{}, &deadletter.Memory{}, relay.Config{
		Topic:         pipelineTopic,
		BatchSize:     100,
		LeaseDuration: time.Minute,
		Concurrency:   4,
	}, nil, nil, nil)
	require.NoError(t, r.VerifyPartitions(ctx))

	for range 10 {
		_, err := r.RunOnce(ctx)
		require.NoError(t, err)
		pending := 0
		for _, row := range store.Rows() {
			if row.Status != outbox.StatusSent {
				pending++
			}
		}
		if pending == 0 {
			break
		}
		store.Advance(2 * time.Minute)
	}
	for _, row := range store.Rows() {
		require.Equal(t, outbox.StatusSent, row.Status, "row %d", row.ID)
	}
	require.Greater(t, len(b.All(pipelineTopic)), 15, "expected a redelivered publish")

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	claims := dedup.NewRedis(rdb, dedup.Config{})

	proj := &projection{applied: map[string][]int{}}
	src := b.Subscribe(pipelineTopic)
	stop := runDispatcher(t, src, claims, proj.handle)
	require.Eventually(t, func() bool { return drained(b, src, partitions) }, 5*time.Second, 5*time.Millisecond)
	stop()

	// A fresh group offset replays the whole topic against the same claims.
	replay := b.Subscribe(pipelineTopic)
	runDispatcher(t, replay, claims, proj.handle)
	require.Eventually(t, func() bool { return drained(b, replay, partitions) }, 5*time.Second, 5*time.Millisecond)

	proj.mu.Lock()
	defer proj.mu.Unlock()
	assert.Zero(t, proj.repeats.Load())
	for _, key := range keys {
		assert.Equal(t, []int{0, 1, 2, 3, 4}, proj.applied[key], key)
	}
}
