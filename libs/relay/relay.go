// Package relay moves committed outbox rows onto the broker.
//
// Rows are leased in batches and grouped by partition key. Groups publish
// concurrently; rows inside a group publish one at a time in lease order, and
// a failed row releases the rest of its group so nothing overtakes it.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/md-rashed-zaman/eventpipe/libs/backoff"
	"github.com/md-rashed-zaman/eventpipe/libs/broker"
	"github.com/md-rashed-zaman/eventpipe/libs/config"
	"github.com/md-rashed-zaman/eventpipe/libs/deadletter"
	"github.com/md-rashed-zaman/eventpipe/libs/envelope"
	"github.com/md-rashed-zaman/eventpipe/libs/obs"
	otelx "github.com/md-rashed-zaman/eventpipe/libs/otel"
	"github.com/md-rashed-zaman/eventpipe/libs/outbox"
	"github.com/md-rashed-zaman/eventpipe/libs/partition"
	"github.com/md-rashed-zaman/eventpipe/libs/runtime"
)

// ErrBrokerAckTimeout is a publish that got no acknowledgement within PublishTimeout.
var ErrBrokerAckTimeout = errors.New("relay: broker ack timeout")

type BrokerPublishError struct {
	EventID   string
	Partition int
	Err       error
}

func (e *BrokerPublishError) Error() string {
	return fmt.Sprintf("publish event %s to partition %d: %v", e.EventID, e.Partition, e.Err)
}

func (e *BrokerPublishError) Unwrap() error { return e.Err }

type Store interface {
	FetchPending(ctx context.Context, limit int, leaseFor time.Duration) (outbox.Batch, error)
	MarkSent(ctx context.Context, token uuid.UUID, ids []int64) error
	MarkFailed(ctx context.Context, token uuid.UUID, id int64, retryIn time.Duration, reason string) error
	MarkDead(ctx context.Context, token uuid.UUID, id int64, reason string) error
	Release(ctx context.Context, token uuid.UUID, ids []int64) error
}

// Publisher returns only after the broker has acknowledged msg.
type Publisher interface {
	Publish(ctx context.Context, msg broker.Message) error
}

// PartitionCounter is implemented by publishers that can report the live
// partition count of a topic.
type PartitionCounter interface {
	Partitions(ctx context.Context, topic string) (int, error)
}

type Config struct {
	Topic          string
	BatchSize      int
	LeaseDuration  time.Duration
	PollInterval   time.Duration
	PublishTimeout time.Duration
	StoreTimeout   time.Duration
	Concurrency    int
	MaxAttempts    int
	Backoff        backoff.Policy
	// StoreAlertThreshold is the number of consecutive failed fetches that
	// raises a store_unavailable alert.
	StoreAlertThreshold int
}

func ConfigFromPipeline(p config.Pipeline) Config {
	return Config{
		Topic:          p.Topic,
		BatchSize:      p.RelayBatchSize,
		LeaseDuration:  p.LeaseDuration,
		PollInterval:   p.RelayPollInterval,
		PublishTimeout: p.PublishTimeout,
		StoreTimeout:   p.StoreTimeout,
		Concurrency:    p.RelayConcurrency,
		MaxAttempts:    p.MaxAttemptCount,
		Backoff:        backoff.Policy{Base: p.BackoffBase, Cap: p.BackoffCap, Jitter: true},
	}
}

func (c Config) withDefaults() Config {
	d := ConfigFromPipeline(config.DefaultPipeline())
	if c.Topic == "" {
		c.Topic = d.Topic
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = d.LeaseDuration
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = d.PublishTimeout
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = d.StoreTimeout
	}
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.Backoff.Base <= 0 {
		c.Backoff = d.Backoff
	}
	if c.StoreAlertThreshold <= 0 {
		c.StoreAlertThreshold = 5
	}
	return c
}

// Result counts what one cycle did.
type Result struct {
	Leased       int
	Published    int
	Retried      int
	DeadLettered int
	Released     int
}

type Relay struct {
	store   Store
	pub     Publisher
	router  *partition.Router
	codec   envelope.Codec
	sink    deadletter.Sink
	cfg     Config
	logger  *slog.Logger
	metrics *obs.Metrics
	alerter *obs.Alerter
	tracer  trace.Tracer

	wake          chan struct{}
	storeFailures int
}

func New(store Store, pub Publisher, router *partition.Router, codec envelope.Codec, sink deadletter.Sink,
	cfg Config, logger *slog.Logger, metrics *obs.Metrics, alerter *obs.Alerter) *Relay {
	return &Relay{
		store:   store,
		pub:     pub,
		router:  router,
		codec:   codec,
		sink:    sink,
		cfg:     cfg.withDefaults(),
		logger:  runtime.OrDiscard(logger),
		metrics: metrics,
		alerter: alerter,
		tracer:  otelx.Tracer(),
		wake:    make(chan struct{}, 1),
	}
}

// Wake asks a sleeping Run loop to start a cycle now. It never blocks.
func (r *Relay) Wake() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// VerifyPartitions fails with partition.ErrRepartitioned when the topic's
// live partition count differs from the router's.
func (r *Relay) VerifyPartitions(ctx context.Context) error {
	pc, ok := r.pub.(PartitionCounter)
	if !ok {
		r.logger.Warn("publisher cannot report partition count; skipping verification")
		return nil
	}
	n, err := pc.Partitions(ctx, r.cfg.Topic)
	if err != nil {
		return fmt.Errorf("read partition count of %s: %w", r.cfg.Topic, err)
	}
	if err := r.router.Check(n); err != nil {
		r.alerter.Raise(ctx, obs.AlertRepartition, "topic partition count changed",
			"topic", r.cfg.Topic, "configured", r.router.Count(), "actual", n)
		return err
	}
	return nil
}

// Run cycles until ctx is done. A full batch starts the next cycle at once;
// otherwise the relay sleeps for PollInterval or until Wake.
func (r *Relay) Run(ctx context.Context) error {
	r.logger.Info("relay started", "topic", r.cfg.Topic, "batch_size", r.cfg.BatchSize,
		"concurrency", r.cfg.Concurrency, "partitions", r.router.Count())
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		res, err := r.RunOnce(ctx)
		if ctx.Err() != nil {
			r.logger.Info("relay stopped")
			return nil
		}
		if err != nil {
			r.logger.Error("relay cycle failed", "err", err)
		}
		if err == nil && res.Leased >= r.cfg.BatchSize {
			continue
		}
		select {
		case <-ctx.Done():
			r.logger.Info("relay stopped")
			return nil
		case <-ticker.C:
		case <-r.wake:
		}
	}
}

// RunOnce leases one batch and drives every row to sent, retry or dead letter.
func (r *Relay) RunOnce(ctx context.Context) (Result, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, r.cfg.StoreTimeout)
	batch, err := r.store.FetchPending(fetchCtx, r.cfg.BatchSize, r.cfg.LeaseDuration)
	cancel()
	if err != nil {
		r.storeFailures++
		if r.storeFailures == r.cfg.StoreAlertThreshold {
			r.alerter.Raise(ctx, obs.AlertStoreUnavailable, "outbox store unavailable",
				"consecutive_failures", r.storeFailures, "err", err)
		}
		return Result{}, err
	}
	r.storeFailures = 0
	r.metrics.ObserveBatch(len(batch.Rows))
	if len(batch.Rows) == 0 {
		return Result{}, nil
	}

	var (
		mu  sync.Mutex
		res = Result{Leased: len(batch.Rows)}
		g   errgroup.Group
	)
	g.SetLimit(r.cfg.Concurrency)
	for _, rows := range groupByKey(batch.Rows) {
		g.Go(func() error {
			gr := r.processGroup(ctx, batch.Token, rows)
			mu.Lock()
			res.Published += gr.Published
			res.Retried += gr.Retried
			res.DeadLettered += gr.DeadLettered
			res.Released += gr.Released
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	r.logger.Debug("relay cycle done", "leased", res.Leased, "published", res.Published,
		"retried", res.Retried, "dead_lettered", res.DeadLettered, "released", res.Released)
	return res, nil
}

// groupByKey splits rows by partition key, keeping lease order inside and
// across groups.
func groupByKey(rows []outbox.Row) [][]outbox.Row {
	index := make(map[string]int)
	var groups [][]outbox.Row
	for _, row := range rows {
		i, ok := index[row.PartitionKey]
		if !ok {
			i = len(groups)
			index[row.PartitionKey] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], row)
	}
	return groups
}

type outcome int

const (
	outcomeSent outcome = iota
	outcomeDead
	// outcomeStop ends the group: the row was not sent and may not be overtaken.
	outcomeStop
)

func (r *Relay) processGroup(ctx context.Context, token uuid.UUID, rows []outbox.Row) Result {
	var res Result
	for i, row := range rows {
		if ctx.Err() != nil {
			res.Released += r.release(ctx, token, rows[i:])
			return res
		}
		switch r.processRow(ctx, token, row, &res) {
		case outcomeSent, outcomeDead:
			continue
		case outcomeStop:
			res.Released += r.release(ctx, token, rows[i+1:])
			return res
		}
	}
	return res
}

// storeCtx outlives shutdown so an acknowledged publish is still recorded.
func (r *Relay) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), r.cfg.StoreTimeout)
}

func (r *Relay) release(ctx context.Context, token uuid.UUID, rows []outbox.Row) int {
	if len(rows) == 0 {
		return 0
	}
	ids := make([]int64, len(rows))
	for i, row := range rows {
		ids[i] = row.ID
	}
	sctx, cancel := r.storeCtx(ctx)
	defer cancel()
	if err := r.store.Release(sctx, token, ids); err != nil {
		// The lease expires on its own; the rows are only delayed.
		r.logger.Warn("release leased rows", "err", err, "rows", len(ids))
	}
	return len(ids)
}

func (r *Relay) processRow(ctx context.Context, token uuid.UUID, row outbox.Row, res *Result) outcome {
	attempt := row.AttemptCount + 1
	log := r.logger.With("event_id", row.EventID, "outbox_id", row.ID, "attempt", attempt)

	env, err := r.codec.Decode(row.Envelope)
	if err != nil {
		// Never publishable, retrying cannot help.
		return r.deadLetter(ctx, token, row, attempt, fmt.Sprintf("undecodable envelope: %v", err), log, res)
	}

	p := r.router.Partition(env.Key())
	msg := broker.Message{
		Topic:     r.cfg.Topic,
		Partition: p,
		Key:       []byte(env.Key()),
		Value:     row.Envelope,
		Headers: []broker.Header{
			{Key: broker.HeaderEventID, Value: []byte(env.EventID)},
			{Key: broker.HeaderEventType, Value: []byte(env.EventType)},
			{Key: broker.HeaderSchemaVersion, Value: []byte(env.SchemaVersion)},
		},
	}

	spanCtx := otelx.ContextWithTraceContext(ctx, row.Traceparent, row.Tracestate)
	spanCtx, span := r.tracer.Start(spanCtx, "outbox.relay",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", r.cfg.Topic),
			attribute.Int("messaging.destination.partition.id", p),
			attribute.String("messaging.message.id", env.EventID),
			attribute.String("event.type", env.EventType),
		))
	defer span.End()
	msg.Headers = broker.InjectTrace(spanCtx, msg.Headers)

	err = r.publish(spanCtx, msg, env.EventID)
	if err == nil {
		sctx, cancel := r.storeCtx(ctx)
		defer cancel()
		if err := r.store.MarkSent(sctx, token, []int64{row.ID}); err != nil {
			if errors.Is(err, outbox.ErrLeaseLost) {
				r.metrics.LeaseLost()
			}
			// Published but not recorded; the row is delivered again once the lease lapses.
			log.Warn("mark sent failed after broker ack", "err", err)
			return outcomeStop
		}
		r.metrics.Published()
		res.Published++
		return outcomeSent
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, "publish failed")
	if ctx.Err() != nil {
		// Shutting down mid-publish: hand the row back without counting the attempt.
		res.Released += r.release(ctx, token, []outbox.Row{row})
		return outcomeStop
	}
	r.metrics.PublishFailed()

	if attempt >= r.cfg.MaxAttempts {
		return r.deadLetter(ctx, token, row, attempt, err.Error(), log, res)
	}

	delay := r.cfg.Backoff.Delay(attempt)
	sctx, cancel := r.storeCtx(ctx)
	defer cancel()
	if mErr := r.store.MarkFailed(sctx, token, row.ID, delay, err.Error()); mErr != nil {
		if errors.Is(mErr, outbox.ErrLeaseLost) {
			r.metrics.LeaseLost()
		}
		log.Warn("mark failed", "err", mErr)
	}
	log.Warn("publish failed; retry scheduled", "err", err, "retry_in", delay.String())
	res.Retried++
	return outcomeStop
}

func (r *Relay) publish(ctx context.Context, msg broker.Message, eventID string) error {
	pctx, cancel := context.WithTimeout(ctx, r.cfg.PublishTimeout)
	defer cancel()

	err := r.pub.Publish(pctx, msg)
	if err == nil {
		return nil
	}
	if errors.Is(pctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		err = fmt.Errorf("%w: %w", ErrBrokerAckTimeout, err)
	}
	return &BrokerPublishError{EventID: eventID, Partition: msg.Partition, Err: err}
}

func (r *Relay) deadLetter(ctx context.Context, token uuid.UUID, row outbox.Row, attempt int, reason string,
	log *slog.Logger, res *Result) outcome {
	sctx, cancel := r.storeCtx(ctx)
	defer cancel()

	rec := deadletter.Record{
		Source:        deadletter.SourceRelay,
		EventID:       row.EventID,
		EventType:     row.EventType,
		Envelope:      row.Envelope,
		Reason:        reason,
		AttemptCount:  attempt,
		LastAttemptAt: time.Now().UTC(),
		Topic:         r.cfg.Topic,
		Partition:     -1,
		Offset:        -1,
	}
	if err := r.sink.Put(sctx, rec); err != nil {
		// Keep the row PENDING; it comes back after backoff and tries the sink again.
		r.alerter.Raise(ctx, obs.AlertSinkUnavailable, "dead-letter sink unavailable",
			"event_id", row.EventID, "err", err)
		if mErr := r.store.MarkFailed(sctx, token, row.ID, r.cfg.Backoff.Delay(attempt), reason); mErr != nil {
			log.Warn("mark failed", "err", mErr)
		}
		res.Retried++
		return outcomeStop
	}

	if err := r.store.MarkDead(sctx, token, row.ID, reason); err != nil {
		if errors.Is(err, outbox.ErrLeaseLost) {
			r.metrics.LeaseLost()
		}
		log.Warn("mark dead failed", "err", err)
	}
	r.metrics.RowDeadLettered()
	r.alerter.Raise(ctx, obs.AlertOutboxDeadLetter, "outbox event dead-lettered",
		"event_id", row.EventID, "event_type", row.EventType, "attempts", attempt, "reason", reason)
	res.DeadLettered++
	return outcomeDead
}
