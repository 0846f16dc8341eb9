package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/md-rashed-zaman/eventpipe/libs/backoff"
	"github.com/md-rashed-zaman/eventpipe/libs/broker"
	"github.com/md-rashed-zaman/eventpipe/libs/deadletter"
	"github.com/md-rashed-zaman/eventpipe/libs/envelope"
	"github.com/md-rashed-zaman/eventpipe/libs/obs"
	"github.com/md-rashed-zaman/eventpipe/libs/outbox"
	"github.com/md-rashed-zaman/eventpipe/libs/outbox/outboxtest"
	"github.com/md-rashed-zaman/eventpipe/libs/partition"
)

const topic = "domain.events.v1"

type fixture struct {
	store   *outboxtest.Store
	broker  *broker.Memory
	sink    *deadletter.Memory
	router  *partition.Router
	metrics *obs.Metrics
	relay   *Relay
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	router, err := partition.NewRouter(4)
	require.NoError(t, err)

	f := &fixture{
		store:   outboxtest.New(envelope.Codec{}),
		broker:  broker.NewMemory(4),
		sink:    &deadletter.Memory{},
		router:  router,
		metrics: obs.NewMetrics(prometheus.NewRegistry(), "relay-test"),
	}
	cfg.Topic = topic
	if cfg.Backoff.Base == 0 {
		cfg.Backoff = backoff.Policy{Base: time.Second, Cap: time.Minute}
	}
	f.relay = f.newRelay(cfg)
	return f
}

func (f *fixture) newRelay(cfg Config) *Relay {
	return New(f.store, f.broker, f.router, envelope.Codec{}, f.sink, cfg, nil, f.metrics, obs.NewAlerter(nil, f.metrics))
}

func (f *fixture) append(t *testing.T, key string) *envelope.Envelope {
	t.Helper()
	env, err := envelope.New("order.created", "1.0.0", key, map[string]string{"customer_id": key})
	require.NoError(t, err)
	_, err = f.store.Append(context.Background(), env)
	require.NoError(t, err)
	return env
}

func (f *fixture) row(t *testing.T, eventID string) outbox.Row {
	t.Helper()
	for _, r := range f.store.Rows() {
		if r.EventID == eventID {
			return r
		}
	}
	t.Fatalf("no outbox row for %s", eventID)
	return outbox.Row{}
}

func publishedIDs(msgs []broker.Message) []string {
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.Header(broker.HeaderEventID)
	}
	return ids
}

func TestRunOncePublishesAndMarksSent(t *testing.T) {
	f := newFixture(t, Config{})
	e1 := f.append(t, "cust-1")
	e2 := f.append(t, "cust-2")

	res, err := f.relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Leased: 2, Published: 2}, res)

	for _, env := range []*envelope.Envelope{e1, e2} {
		assert.Equal(t, outbox.StatusSent, f.row(t, env.EventID).Status)
		msgs := f.broker.Messages(topic, f.router.Partition(env.Key()))
		assert.Contains(t, publishedIDs(msgs), env.EventID)
	}

	msg := f.broker.All(topic)[0]
	assert.Equal(t, "order.created", msg.Header(broker.HeaderEventType))
	assert.Equal(t, "1.0.0", msg.Header(broker.HeaderSchemaVersion))

	decoded, err := envelope.Codec{}.Decode(msg.Value)
	require.NoError(t, err)
	assert.Equal(t, msg.Header(broker.HeaderEventID), decoded.EventID)
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.RelayPublished))
}

func TestSameKeyKeepsAppendOrder(t *testing.T) {
	f := newFixture(t, Config{Concurrency: 8})
	var want []string
	for i := range 20 {
		want = append(want, f.append(t, "cust-42").EventID)
		f.append(t, fmt.Sprintf("noise-%d", i))
	}

	_, err := f.relay.RunOnce(context.Background())
	require.NoError(t, err)

	var got []string
	for _, m := range f.broker.Messages(topic, f.router.Partition("cust-42")) {
		if string(m.Key) == "cust-42" {
			got = append(got, m.Header(broker.HeaderEventID))
		}
	}
	assert.Equal(t, want, got)
}

func TestFailureHoldsBackLaterRowsOfSameKey(t *testing.T) {
	f := newFixture(t, Config{})
	e1 := f.append(t, "cust-42")
	e2 := f.append(t, "cust-42")
	other := f.append(t, "cust-7")

	var failOnce atomic.Bool
	failOnce.Store(true)
	f.broker.SetBeforePublish(func(m broker.Message) error {
		if m.Header(broker.HeaderEventID) == e1.EventID && failOnce.CompareAndSwap(true, false) {
			return errors.New("leader not available")
		}
		return nil
	})

	res, err := f.relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Published)
	assert.Equal(t, 1, res.Retried)
	assert.Equal(t, 1, res.Released)
	assert.Equal(t, []string{other.EventID}, publishedIDs(f.broker.All(topic)))

	r1 := f.row(t, e1.EventID)
	assert.Equal(t, 1, r1.AttemptCount)
	assert.Equal(t, outbox.StatusPending, r1.Status)
	assert.Contains(t, r1.LastError, "leader not available")
	assert.Equal(t, 0, f.row(t, e2.EventID).AttemptCount, "released rows are not charged an attempt")

	// e2 stays blocked while e1 backs off.
	res, err = f.relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Leased)

	f.store.Advance(2 * time.Second)
	_, err = f.relay.RunOnce(context.Background())
	require.NoError(t, err)

	keyed := f.broker.Messages(topic, f.router.Partition("cust-42"))
	var order []string
	for _, m := range keyed {
		if string(m.Key) == "cust-42" {
			order = append(order, m.Header(broker.HeaderEventID))
		}
	}
	assert.Equal(t, []string{e1.EventID, e2.EventID}, order)
}

func TestDeadLetterAfterMaxAttempts(t *testing.T) {
	f := newFixture(t, Config{MaxAttempts: 3})
	doomed := f.append(t, "cust-42")
	next := f.append(t, "cust-42")

	f.broker.SetBeforePublish(func(m broker.Message) error {
		if m.Header(broker.HeaderEventID) == doomed.EventID {
			return errors.New("message too large")
		}
		return nil
	})

	ctx := context.Background()
	for range 3 {
		_, err := f.relay.RunOnce(ctx)
		require.NoError(t, err)
		f.store.Advance(time.Minute)
	}

	row := f.row(t, doomed.EventID)
	assert.Equal(t, outbox.StatusFailed, row.Status)
	assert.Equal(t, 3, row.AttemptCount)

	recs := f.sink.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, deadletter.SourceRelay, recs[0].Source)
	assert.Equal(t, doomed.EventID, recs[0].EventID)
	assert.Equal(t, 3, recs[0].AttemptCount)
	assert.Contains(t, recs[0].Reason, "message too large")

	assert.Equal(t, outbox.StatusSent, f.row(t, next.EventID).Status, "a dead row does not block its key")
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Alerts.WithLabelValues(obs.AlertOutboxDeadLetter)))
}

func TestUndecodableRowIsDeadLetteredWithoutPublishing(t *testing.T) {
	f := newFixture(t, Config{})
	id := f.store.AppendRaw("broken-1", "order.created", "cust-1", []byte(`{"event_id":"broken-1"}`))

	res, err := f.relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.DeadLettered)
	assert.Empty(t, f.broker.All(topic))

	row, _ := f.store.Row(id)
	assert.Equal(t, outbox.StatusFailed, row.Status)
	require.Len(t, f.sink.Records(), 1)
	assert.Contains(t, f.sink.Records()[0].Reason, "undecodable")
}

func TestUnavailableSinkKeepsRowPending(t *testing.T) {
	f := newFixture(t, Config{MaxAttempts: 1})
	env := f.append(t, "cust-1")
	f.broker.SetBeforePublish(func(broker.Message) error { return errors.New("broker down") })
	f.sink.FailNext(1, errors.New("sink down"))

	_, err := f.relay.RunOnce(context.Background())
	require.NoError(t, err)

	row := f.row(t, env.EventID)
	assert.Equal(t, outbox.StatusPending, row.Status)
	assert.Empty(t, f.sink.Records())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Alerts.WithLabelValues(obs.AlertSinkUnavailable)))

	f.store.Advance(time.Minute)
	_, err = f.relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusFailed, f.row(t, env.EventID).Status)
	assert.Len(t, f.sink.Records(), 1)
}

func TestUnrecordedAckIsRedeliveredAfterLeaseExpiry(t *testing.T) {
	f := newFixture(t, Config{LeaseDuration: 10 * time.Second})
	env := f.append(t, "cust-1")

	// The relay dies between the broker ack and MarkSent.
	f.store.SetHook(outboxtest.OpMarkSent, func() error { return errors.New("connection lost") })
	_, err := f.relay.RunOnce(context.Background())
	require.NoError(t, err)
	f.store.SetHook(outboxtest.OpMarkSent, nil)

	assert.Equal(t, outbox.StatusPending, f.row(t, env.EventID).Status)

	res, err := f.relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Leased, "lease still held")

	f.store.Advance(11 * time.Second)
	_, err = f.relay.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, outbox.StatusSent, f.row(t, env.EventID).Status)
	assert.Equal(t, []string{env.EventID, env.EventID}, publishedIDs(f.broker.All(topic)))
}

func TestConcurrentRelaysPublishEachRowOnce(t *testing.T) {
	f := newFixture(t, Config{BatchSize: 7})
	second := f.newRelay(Config{Topic: topic, BatchSize: 7, Backoff: backoff.Policy{Base: time.Second}})

	for i := range 60 {
		f.append(t, fmt.Sprintf("cust-%d", i%9))
	}

	var wg sync.WaitGroup
	for _, r := range []*Relay{f.relay, second} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 30 {
				if _, err := r.RunOnce(context.Background()); !assert.NoError(t, err) {
					return
				}
			}
		}()
	}
	wg.Wait()

	counts := map[string]int{}
	for _, id := range publishedIDs(f.broker.All(topic)) {
		counts[id]++
	}
	assert.Len(t, counts, 60)
	for id, n := range counts {
		assert.Equal(t, 1, n, "event %s published %d times", id, n)
	}
}

type stallingPublisher struct{}

func (stallingPublisher) Publish(ctx context.Context, _ broker.Message) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestPublishTimeoutCountsAsFailure(t *testing.T) {
	f := newFixture(t, Config{})
	env := f.append(t, "cust-1")
	r := New(f.store, stallingPublisher{}, f.router, envelope.Codec{}, f.sink,
		Config{Topic: topic, PublishTimeout: 20 * time.Millisecond, Backoff: backoff.Policy{Base: time.Second}},
		nil, nil, nil)

	res, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Retried)

	row := f.row(t, env.EventID)
	assert.Equal(t, 1, row.AttemptCount)
	assert.Contains(t, row.LastError, ErrBrokerAckTimeout.Error())
}

func TestCancelledCycleReleasesWithoutCharging(t *testing.T) {
	f := newFixture(t, Config{})
	env := f.append(t, "cust-1")

	ctx, cancel := context.WithCancel(context.Background())
	f.broker.SetBeforePublish(func(broker.Message) error {
		cancel()
		return context.Canceled
	})

	_, err := f.relay.RunOnce(ctx)
	require.NoError(t, err)

	row := f.row(t, env.EventID)
	assert.Equal(t, 0, row.AttemptCount)
	assert.Equal(t, outbox.StatusPending, row.Status)
	assert.False(t, f.store.Leased(row.ID))
}

func TestStoreOutageRaisesAlertAtThreshold(t *testing.T) {
	f := newFixture(t, Config{StoreAlertThreshold: 2})
	f.store.SetHook(outboxtest.OpFetch, func() error { return errors.New("db down") })

	for range 3 {
		_, err := f.relay.RunOnce(context.Background())
		var storeErr *outbox.StoreError
		require.ErrorAs(t, err, &storeErr)
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Alerts.WithLabelValues(obs.AlertStoreUnavailable)))
}

func TestVerifyPartitions(t *testing.T) {
	f := newFixture(t, Config{})
	require.NoError(t, f.relay.VerifyPartitions(context.Background()))

	wrong, err := partition.NewRouter(6)
	require.NoError(t, err)
	r := New(f.store, f.broker, wrong, envelope.Codec{}, f.sink, Config{Topic: topic}, nil, f.metrics, obs.NewAlerter(nil, f.metrics))

	err = r.VerifyPartitions(context.Background())
	assert.ErrorIs(t, err, partition.ErrRepartitioned)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Alerts.WithLabelValues(obs.AlertRepartition)))
}

func TestRunWakesAndStops(t *testing.T) {
	f := newFixture(t, Config{PollInterval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- f.relay.Run(ctx) }()

	env := f.append(t, "cust-1")
	f.relay.Wake()

	require.Eventually(t, func() bool {
		return f.row(t, env.EventID).Status == outbox.StatusSent
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not stop")
	}
}

func TestGroupByKeyKeepsOrder(t *testing.T) {
	rows := []outbox.Row{
		{ID: 1, PartitionKey: "a"},
		{ID: 2, PartitionKey: "b"},
		{ID: 3, PartitionKey: "a"},
		{ID: 4, PartitionKey: "c"},
		{ID: 5, PartitionKey: "b"},
	}
	groups := groupByKey(rows)
	require.Len(t, groups, 3)
	assert.Equal(t, []int64{1, 3}, []int64{groups[0][0].ID, groups[0][1].ID})
	assert.Equal(t, []int64{2, 5}, []int64{groups[1][0].ID, groups[1][1].ID})
	assert.Equal(t, int64(4), groups[2][0].ID)
}
