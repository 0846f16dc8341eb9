// Package consumer delivers broker messages to registered handlers with
// per-partition ordering, dedup and dead-lettering.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/md-rashed-zaman/eventpipe/libs/backoff"
	"github.com/md-rashed-zaman/eventpipe/libs/broker"
	"github.com/md-rashed-zaman/eventpipe/libs/config"
	"github.com/md-rashed-zaman/eventpipe/libs/dedup"
	"github.com/md-rashed-zaman/eventpipe/libs/deadletter"
	"github.com/md-rashed-zaman/eventpipe/libs/envelope"
	"github.com/md-rashed-zaman/eventpipe/libs/obs"
	otelx "github.com/md-rashed-zaman/eventpipe/libs/otel"
	"github.com/md-rashed-zaman/eventpipe/libs/runtime"
)

// Source is a consumer-group view of a partitioned topic. Commit marks msg
// and everything before it on the same partition as consumed.
type Source interface {
	Fetch(ctx context.Context) (broker.Message, error)
	Commit(ctx context.Context, msg broker.Message) error
}

type State int

const (
	StateIdle State = iota
	StateFetching
	StateProcessing
	StateRetrying
	StateCommitting
	StateDeadLettered
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateFetching:
		return "FETCHING"
	case StateProcessing:
		return "PROCESSING"
	case StateRetrying:
		return "RETRYING"
	case StateCommitting:
		return "COMMITTING"
	case StateDeadLettered:
		return "DEAD_LETTERED"
	default:
		return "UNKNOWN"
	}
}

type Config struct {
	Group       string
	MaxAttempts int
	Backoff     backoff.Policy
	// StoreTimeout bounds each dedup store call; CommitTimeout each commit.
	StoreTimeout  time.Duration
	CommitTimeout time.Duration
	// HandlerTimeout bounds one handler attempt. Zero means no limit.
	HandlerTimeout time.Duration
	// ClaimTimeout is the dedup store's pending claim lifetime. When both are
	// set, HandlerTimeout must be shorter. The claim is extended before every
	// retry, so only a single attempt has to fit.
	ClaimTimeout time.Duration
	// StoreAlertThreshold is the number of consecutive dedup store failures
	// that raises a store_unavailable alert.
	StoreAlertThreshold int
	// QueueSize is the per-partition buffer between the fetch loop and the worker.
	QueueSize int
	// SkipUnregistered commits events no handler is registered for instead of
	// dead-lettering them. All event types share a topic, so most groups want this.
	SkipUnregistered bool
}

func ConfigFromPipeline(group string, p config.Pipeline) Config {
	return Config{
		Group:            group,
		MaxAttempts:      p.MaxAttemptCount,
		Backoff:          backoff.Policy{Base: p.BackoffBase, Cap: p.BackoffCap, Jitter: true},
		StoreTimeout:     p.StoreTimeout,
		CommitTimeout:    p.StoreTimeout,
		SkipUnregistered: true,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 8
	}
	if c.Backoff.Base <= 0 {
		c.Backoff = backoff.Policy{Base: 500 * time.Millisecond, Cap: 5 * time.Minute, Jitter: true}
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 5 * time.Second
	}
	if c.CommitTimeout <= 0 {
		c.CommitTimeout = 5 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.StoreAlertThreshold <= 0 {
		c.StoreAlertThreshold = 5
	}
	return c
}

type Dispatcher struct {
	src      Source
	registry *Registry
	store    dedup.Store
	sink     deadletter.Sink
	codec    envelope.Codec
	cfg      Config
	logger   *slog.Logger
	metrics  *obs.Metrics
	alerter  *obs.Alerter
	tracer   trace.Tracer

	mu     sync.Mutex
	states map[int]State

	// storeFailures counts consecutive dedup store failures across workers.
	storeFailures atomic.Int64
}

func New(src Source, registry *Registry, store dedup.Store, sink deadletter.Sink, codec envelope.Codec,
	cfg Config, logger *slog.Logger, metrics *obs.Metrics, alerter *obs.Alerter) (*Dispatcher, error) {
	if cfg.Group == "" {
		return nil, errors.New("consumer: group is required")
	}
	if src == nil || registry == nil || store == nil || sink == nil {
		return nil, errors.New("consumer: source, registry, dedup store and dead-letter sink are required")
	}
	if cfg.ClaimTimeout > 0 && cfg.HandlerTimeout >= cfg.ClaimTimeout {
		return nil, fmt.Errorf("consumer: handler timeout %s must be shorter than dedup claim timeout %s",
			cfg.HandlerTimeout, cfg.ClaimTimeout)
	}
	return &Dispatcher{
		src:      src,
		registry: registry,
		store:    store,
		sink:     sink,
		codec:    codec,
		cfg:      cfg.withDefaults(),
		logger:   runtime.OrDiscard(logger).With("group", cfg.Group),
		metrics:  metrics,
		alerter:  alerter,
		tracer:   otelx.Tracer(),
		states:   make(map[int]State),
	}, nil
}

// States returns the current state of every partition seen so far.
func (d *Dispatcher) States() map[int]State {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[int]State, len(d.states))
	for p, s := range d.states {
		out[p] = s
	}
	return out
}

func (d *Dispatcher) setState(partition int, s State) {
	d.mu.Lock()
	d.states[partition] = s
	d.mu.Unlock()
	d.metrics.SetPartitionState(d.cfg.Group, strconv.Itoa(partition), float64(s))
}

// Run fetches until ctx is done. Each partition gets one worker that handles
// its messages strictly one at a time.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("dispatcher started", "event_types", d.registry.Types())

	var wg sync.WaitGroup
	queues := make(map[int]chan broker.Message)
	defer func() {
		for _, q := range queues {
			close(q)
		}
		wg.Wait()
		d.logger.Info("dispatcher stopped")
	}()

	fetchFailures := 0
	for {
		msg, err := d.src.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			fetchFailures++
			delay := d.cfg.Backoff.Delay(fetchFailures)
			d.logger.Error("fetch failed", "err", err, "retry_in", delay.String())
			if backoff.Sleep(ctx, delay) != nil {
				return nil
			}
			continue
		}
		fetchFailures = 0

		q, ok := queues[msg.Partition]
		if !ok {
			q = make(chan broker.Message, d.cfg.QueueSize)
			queues[msg.Partition] = q
			wg.Add(1)
			go d.worker(ctx, msg.Partition, q, &wg)
		}
		select {
		case q <- msg:
			continue
		default:
		}
		// A full queue pauses fetching for every partition until this one drains.
		d.logger.Warn("partition queue full; fetch paused", "partition", msg.Partition, "queue_size", d.cfg.QueueSize)
		select {
		case q <- msg:
		case <-ctx.Done():
			return nil
		}
	}
}

func (d *Dispatcher) worker(ctx context.Context, partition int, q <-chan broker.Message, wg *sync.WaitGroup) {
	defer wg.Done()
	defer d.setState(partition, StateIdle)
	for {
		d.setState(partition, StateFetching)
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-q:
			if !ok {
				return
			}
			if ctx.Err() != nil {
				// Not started; left uncommitted for redelivery.
				return
			}
			d.process(ctx, msg)
			d.setState(partition, StateIdle)
		}
	}
}

// process drives one message to a commit, or leaves it uncommitted on shutdown.
func (d *Dispatcher) process(ctx context.Context, msg broker.Message) {
	d.setState(msg.Partition, StateProcessing)
	log := d.logger.With("partition", msg.Partition, "offset", msg.Offset)

	ctx = broker.ExtractTrace(ctx, msg)
	ctx, span := d.tracer.Start(ctx, "consumer.dispatch",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination.name", msg.Topic),
			attribute.Int("messaging.destination.partition.id", msg.Partition),
			attribute.String("messaging.consumer.group.name", d.cfg.Group),
		))
	defer span.End()

	env, err := d.codec.Decode(msg.Value)
	if err != nil {
		span.RecordError(err)
		log.Warn("undecodable event", "err", err, "event_id", msg.Header(broker.HeaderEventID))
		if d.deadLetter(ctx, msg, nil, 1, fmt.Sprintf("undecodable envelope: %v", err)) {
			d.commit(ctx, msg, log)
		}
		return
	}
	span.SetAttributes(attribute.String("messaging.message.id", env.EventID), attribute.String("event.type", env.EventType))
	log = log.With("event_id", env.EventID, "event_type", env.EventType)

	handler, err := d.registry.Lookup(env.EventType)
	if err != nil {
		if d.cfg.SkipUnregistered {
			log.Debug("no handler; skipping")
			d.commit(ctx, msg, log)
			return
		}
		if d.deadLetter(ctx, msg, env, 1, err.Error()) {
			d.commit(ctx, msg, log)
		}
		return
	}

	claim, claimed, ok := d.claim(ctx, env, log)
	if !ok {
		return
	}
	if !claimed {
		d.duplicate(ctx, msg, log)
		return
	}

	for attempt := 1; ; attempt++ {
		if attempt > 1 {
			claim, claimed, ok = d.extend(ctx, claim, env, log)
			if !ok {
				return
			}
			if !claimed {
				d.duplicate(ctx, msg, log)
				return
			}
		}
		err := d.invoke(ctx, handler, env)
		if err == nil {
			break
		}
		herr := &HandlerError{EventID: env.EventID, EventType: env.EventType, Attempt: attempt, Err: err}
		span.RecordError(herr)

		if ctx.Err() != nil {
			// Interrupted by shutdown; another delivery will redo it.
			d.release(ctx, claim, log)
			return
		}
		if IsPermanent(err) || attempt >= d.cfg.MaxAttempts {
			span.SetStatus(codes.Error, "dead-lettered")
			d.release(ctx, claim, log)
			if d.deadLetter(ctx, msg, env, attempt, herr.Error()) {
				d.commit(ctx, msg, log)
			}
			return
		}

		delay := d.cfg.Backoff.Delay(attempt)
		log.Warn("handler failed; retrying", "err", err, "attempt", attempt, "retry_in", delay.String())
		d.metrics.Retried(d.cfg.Group, env.EventType)
		d.setState(msg.Partition, StateRetrying)
		if backoff.Sleep(ctx, delay) != nil {
			d.release(ctx, claim, log)
			return
		}
		d.setState(msg.Partition, StateProcessing)
	}

	err = d.retryStore(ctx, log, "complete claim", func(sctx context.Context) error {
		return d.store.Complete(sctx, claim)
	})
	switch {
	case errors.Is(err, dedup.ErrClaimLost):
		// The handler's effect is applied; a concurrent delivery may apply it again.
		log.Warn("claim lapsed before complete; event may be applied twice")
	case err != nil:
		return
	}
	d.metrics.Processed(d.cfg.Group, env.EventType)
	d.commit(ctx, msg, log)
}

func (d *Dispatcher) duplicate(ctx context.Context, msg broker.Message, log *slog.Logger) {
	log.Info("duplicate event ignored")
	d.metrics.Duplicate(d.cfg.Group)
	d.commit(ctx, msg, log)
}

func (d *Dispatcher) invoke(ctx context.Context, h Handler, env *envelope.Envelope) error {
	if d.cfg.HandlerTimeout <= 0 {
		return h.Handle(ctx, env)
	}
	hctx, cancel := context.WithTimeout(ctx, d.cfg.HandlerTimeout)
	defer cancel()
	return h.Handle(hctx, env)
}

// claim retries store failures and in-progress claims until it gets an
// answer. ok is false only when ctx ends first.
func (d *Dispatcher) claim(ctx context.Context, env *envelope.Envelope, log *slog.Logger) (dedup.Claim, bool, bool) {
	for attempt := 1; ; attempt++ {
		sctx, cancel := context.WithTimeout(ctx, d.cfg.StoreTimeout)
		c, got, err := d.store.TryClaim(sctx, d.cfg.Group, env.EventID)
		cancel()
		if err == nil {
			d.storeRecovered()
			return c, got, true
		}
		if ctx.Err() != nil {
			return dedup.Claim{}, false, false
		}
		delay := d.cfg.Backoff.Delay(attempt)
		if errors.Is(err, dedup.ErrClaimInProgress) {
			d.storeRecovered()
			log.Info("event claimed by another delivery; waiting", "retry_in", delay.String())
		} else {
			d.storeFailed(ctx, "claim", err)
			log.Warn("dedup claim failed", "err", err, "retry_in", delay.String())
		}
		if backoff.Sleep(ctx, delay) != nil {
			return dedup.Claim{}, false, false
		}
	}
}

// extend keeps c alive before another handler attempt. A lapsed claim is
// taken again through claim, which may report the event as done by now.
func (d *Dispatcher) extend(ctx context.Context, c dedup.Claim, env *envelope.Envelope, log *slog.Logger) (dedup.Claim, bool, bool) {
	err := d.retryStore(ctx, log, "extend claim", func(sctx context.Context) error {
		return d.store.Extend(sctx, c)
	})
	switch {
	case err == nil:
		return c, true, true
	case errors.Is(err, dedup.ErrClaimLost):
		log.Warn("claim lapsed between attempts; reclaiming")
		return d.claim(ctx, env, log)
	default:
		d.release(ctx, c, log)
		return dedup.Claim{}, false, false
	}
}

// retryStore runs fn until it succeeds, ctx ends or the claim is lost. It
// returns nil, dedup.ErrClaimLost or the context error.
func (d *Dispatcher) retryStore(ctx context.Context, log *slog.Logger, op string, fn func(context.Context) error) error {
	for attempt := 1; ; attempt++ {
		sctx, cancel := context.WithTimeout(ctx, d.cfg.StoreTimeout)
		err := fn(sctx)
		cancel()
		if err == nil || errors.Is(err, dedup.ErrClaimLost) {
			d.storeRecovered()
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		d.storeFailed(ctx, op, err)
		delay := d.cfg.Backoff.Delay(attempt)
		log.Warn(op+" failed", "err", err, "retry_in", delay.String())
		if err := backoff.Sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func (d *Dispatcher) storeFailed(ctx context.Context, op string, err error) {
	if n := d.storeFailures.Add(1); n == int64(d.cfg.StoreAlertThreshold) {
		d.alerter.Raise(ctx, obs.AlertStoreUnavailable, "dedup store unavailable",
			"group", d.cfg.Group, "op", op, "consecutive_failures", n, "err", err)
	}
}

func (d *Dispatcher) storeRecovered() {
	d.storeFailures.Store(0)
}

// release drops the pending claim so the next delivery is processed. It
// runs on a detached context because it usually follows cancellation.
func (d *Dispatcher) release(ctx context.Context, c dedup.Claim, log *slog.Logger) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.StoreTimeout)
	defer cancel()
	err := d.store.Release(sctx, c)
	switch {
	case err == nil:
		d.storeRecovered()
	case errors.Is(err, dedup.ErrClaimLost):
		d.storeRecovered()
		log.Debug("claim already lapsed; nothing to release")
	default:
		d.storeFailed(ctx, "release", err)
		// The pending claim still expires after its timeout.
		log.Warn("release claim failed", "err", err)
	}
}

// deadLetter writes msg to the sink, retrying until it is stored. It returns
// false only when ctx ends first, in which case the message must not be committed.
func (d *Dispatcher) deadLetter(ctx context.Context, msg broker.Message, env *envelope.Envelope, attempts int, reason string) bool {
	d.setState(msg.Partition, StateDeadLettered)
	rec := deadletter.Record{
		Source:        deadletter.SourceConsumer,
		ConsumerGroup: d.cfg.Group,
		EventID:       msg.Header(broker.HeaderEventID),
		EventType:     msg.Header(broker.HeaderEventType),
		Envelope:      msg.Value,
		Reason:        reason,
		AttemptCount:  attempts,
		LastAttemptAt: time.Now().UTC(),
		Topic:         msg.Topic,
		Partition:     msg.Partition,
		Offset:        msg.Offset,
	}
	if env != nil {
		rec.EventID, rec.EventType = env.EventID, env.EventType
	}

	for attempt := 1; ; attempt++ {
		sctx, cancel := context.WithTimeout(ctx, d.cfg.StoreTimeout)
		err := d.sink.Put(sctx, rec)
		cancel()
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return false
		}
		if attempt == 1 {
			d.alerter.Raise(ctx, obs.AlertSinkUnavailable, "dead-letter sink unavailable",
				"event_id", rec.EventID, "err", err)
		}
		if backoff.Sleep(ctx, d.cfg.Backoff.Delay(attempt)) != nil {
			return false
		}
	}

	d.metrics.DeadLettered(d.cfg.Group, deadLetterReason(env, attempts, d.cfg.MaxAttempts))
	d.alerter.Raise(ctx, obs.AlertConsumerDeadLetter, "consumer event dead-lettered",
		"event_id", rec.EventID, "event_type", rec.EventType, "attempts", attempts, "reason", reason,
		"partition", msg.Partition, "offset", msg.Offset)
	return true
}

func deadLetterReason(env *envelope.Envelope, attempts, maxAttempts int) string {
	switch {
	case env == nil:
		return "undecodable"
	case attempts >= maxAttempts:
		return "max_attempts"
	default:
		return "permanent"
	}
}

func (d *Dispatcher) commit(ctx context.Context, msg broker.Message, log *slog.Logger) {
	d.setState(msg.Partition, StateCommitting)
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.CommitTimeout)
	defer cancel()
	if err := d.src.Commit(cctx, msg); err != nil {
		// Redelivery after a failed commit is absorbed by dedup.
		log.Warn("commit failed", "err", err)
	}
}
