package deadletter

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"github.com/md-rashed-zaman/eventpipe/libs/db"
	"github.com/md-rashed-zaman/eventpipe/libs/envelope"
	"github.com/md-rashed-zaman/eventpipe/libs/runtime"
)

// Appender writes an envelope to the outbox inside tx.
type Appender interface {
	Append(ctx context.Context, tx pgx.Tx, env *envelope.Envelope) error
}

// Replayer puts a dead-lettered event back on the outbox under its original
// event_id. Consumers that already applied it skip it through dedup.
type Replayer struct {
	pool   *db.Pool
	repo   *Repository
	outbox Appender
	codec  envelope.Codec
	logger *slog.Logger
}

func NewReplayer(pool *db.Pool, repo *Repository, outbox Appender, codec envelope.Codec, logger *slog.Logger) *Replayer {
	return &Replayer{pool: pool, repo: repo, outbox: outbox, codec: codec, logger: runtime.OrDiscard(logger)}
}

func (rp *Replayer) Replay(ctx context.Context, id int64) (Record, error) {
	var rec Record
	err := rp.pool.WithTx(ctx, func(tx pgx.Tx) error {
		var err error
		rec, err = rp.repo.lockForReplay(ctx, tx, id)
		if err != nil {
			return err
		}
		env, err := rp.codec.Decode(rec.Envelope)
		if err != nil {
			return fmt.Errorf("dead letter %d cannot be replayed: %w", id, err)
		}
		if err := rp.outbox.Append(ctx, tx, env); err != nil {
			return err
		}
		return rp.repo.markReplayed(ctx, tx, id)
	})
	if err != nil {
		return Record{}, err
	}
	rp.logger.InfoContext(ctx, "dead letter replayed", "dead_letter_id", id, "event_id", rec.EventID, "source", rec.Source)
	return rec, nil
}
