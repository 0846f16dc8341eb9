package outbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/md-rashed-zaman/eventpipe/libs/backoff"
	"github.com/md-rashed-zaman/eventpipe/libs/db"
	"github.com/md-rashed-zaman/eventpipe/libs/runtime"
)

// Listener holds a dedicated connection LISTENing on NotifyChannel and calls
// wake for every notification. Notifications are a latency hint only: the
// relay still polls, so a lost notification delays an event but never drops it.
type Listener struct {
	pool   *db.Pool
	logger *slog.Logger
	retry  backoff.Policy
}

func NewListener(pool *db.Pool, logger *slog.Logger) *Listener {
	return &Listener{
		pool:   pool,
		logger: runtime.OrDiscard(logger),
		retry:  backoff.Policy{Base: 500 * time.Millisecond, Cap: 30 * time.Second, Jitter: true},
	}
}

// Run blocks until ctx is done, reconnecting after connection failures.
func (l *Listener) Run(ctx context.Context, wake func()) error {
	attempt := 0
	for {
		err := l.listen(ctx, wake, func() { attempt = 0 })
		if ctx.Err() != nil {
			return ctx.Err()
		}
		attempt++
		delay := l.retry.Delay(attempt)
		l.logger.Warn("outbox listener disconnected", "err", err, "retry_in", delay.String())
		if err := backoff.Sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func (l *Listener) listen(ctx context.Context, wake func(), connected func()) error {
	pooled, err := l.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	// The connection carries LISTEN state; never hand it back to the pool.
	conn := pooled.Hijack()
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{NotifyChannel}.Sanitize()); err != nil {
		return err
	}
	connected()
	l.logger.Info("outbox listener started", "channel", NotifyChannel)
	// Rows may have been appended while disconnected.
	wake()

	for {
		if _, err := conn.WaitForNotification(ctx); err != nil {
			return err
		}
		wake()
	}
}
