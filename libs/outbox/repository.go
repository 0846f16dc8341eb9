package outbox

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/md-rashed-zaman/eventpipe/libs/db"
	"github.com/md-rashed-zaman/eventpipe/libs/envelope"
	otelx "github.com/md-rashed-zaman/eventpipe/libs/otel"
)

// NotifyChannel is signalled on every append so an idle relay can wake early.
const NotifyChannel = "outbox_events"

// fetchLockKey serializes lease acquisition so the same-key blocking check
// sees every committed lease.
const fetchLockKey = 0x6f7574626f78

type Repository struct {
	pool  *db.Pool
	codec envelope.Codec
}

func NewRepository(pool *db.Pool, codec envelope.Codec) *Repository {
	return &Repository{pool: pool, codec: codec}
}

// Append encodes env and records it as PENDING inside tx. The row becomes
// visible to the relay only when tx commits.
func (r *Repository) Append(ctx context.Context, tx pgx.Tx, env *envelope.Envelope) error {
	if tx == nil {
		return storeErr("append", ErrTxNotActive)
	}
	raw, err := r.codec.Encode(env)
	if err != nil {
		return err
	}

	traceparent, tracestate := otelx.TraceContextStrings(ctx)
	_, err = tx.Exec(ctx, `
		INSERT INTO outbox_events (event_id, event_type, partition_key, envelope, traceparent, tracestate)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, env.EventID, env.EventType, env.Key(), raw, traceparent, tracestate)
	if err != nil {
		if errors.Is(err, pgx.ErrTxClosed) {
			return storeErr("append", ErrTxNotActive)
		}
		return storeErr("append", err)
	}

	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, '')`, NotifyChannel); err != nil {
		return storeErr("append notify", err)
	}
	return nil
}

// FetchPending leases up to limit publishable rows for leaseFor. A row is
// publishable when it is PENDING, not under a live lease, due, and no earlier
// PENDING row with the same partition key is leased or backing off.
func (r *Repository) FetchPending(ctx context.Context, limit int, leaseFor time.Duration) (Batch, error) {
	if limit <= 0 {
		return Batch{}, fmt.Errorf("outbox: fetch limit must be positive, got %d", limit)
	}
	token := uuid.New()
	var rows []Row

	err := r.pool.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, fetchLockKey); err != nil {
			return err
		}

		res, err := tx.Query(ctx, `
			WITH candidates AS (
				SELECT o.id
				FROM outbox_events o
				WHERE o.status = 'PENDING'
				  AND (o.lease_expires_at IS NULL OR o.lease_expires_at <= now())
				  AND o.next_attempt_at <= now()
				  AND NOT EXISTS (
					SELECT 1 FROM outbox_events p
					WHERE p.partition_key = o.partition_key
					  AND p.status = 'PENDING'
					  AND (p.created_at, p.id) < (o.created_at, o.id)
					  AND ((p.lease_expires_at IS NOT NULL AND p.lease_expires_at > now())
					       OR p.next_attempt_at > now())
				  )
				ORDER BY o.created_at, o.id
				LIMIT $1
				FOR UPDATE SKIP LOCKED
			)
			UPDATE outbox_events e
			SET lease_token = $2,
			    lease_expires_at = now() + $3::float8 * interval '1 millisecond'
			FROM candidates c
			WHERE e.id = c.id
			RETURNING e.id, e.event_id, e.event_type, e.partition_key, e.envelope, e.status,
			          e.attempt_count, e.created_at, e.sent_at, e.next_attempt_at,
			          COALESCE(e.last_error, ''), COALESCE(e.traceparent, ''), COALESCE(e.tracestate, '')
		`, limit, token, leaseFor.Milliseconds())
		if err != nil {
			return err
		}
		defer res.Close()

		for res.Next() {
			var row Row
			var status string
			if err := res.Scan(&row.ID, &row.EventID, &row.EventType, &row.PartitionKey, &row.Envelope, &status,
				&row.AttemptCount, &row.CreatedAt, &row.SentAt, &row.NextAttemptAt,
				&row.LastError, &row.Traceparent, &row.Tracestate); err != nil {
				return err
			}
			row.Status = Status(status)
			rows = append(rows, row)
		}
		return res.Err()
	})
	if err != nil {
		return Batch{}, storeErr("fetch pending", err)
	}

	// RETURNING does not keep the CTE order.
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].CreatedAt.Equal(rows[j].CreatedAt) {
			return rows[i].CreatedAt.Before(rows[j].CreatedAt)
		}
		return rows[i].ID < rows[j].ID
	})
	return Batch{Token: token, Rows: rows}, nil
}

func (r *Repository) MarkSent(ctx context.Context, token uuid.UUID, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE outbox_events
		SET status = 'SENT', sent_at = now(), lease_token = NULL, lease_expires_at = NULL, last_error = NULL
		WHERE id = ANY($1) AND lease_token = $2 AND status = 'PENDING'
	`, ids, token)
	if err != nil {
		return storeErr("mark sent", err)
	}
	if tag.RowsAffected() != int64(len(ids)) {
		return ErrLeaseLost
	}
	return nil
}

// MarkFailed counts a failed attempt and schedules the next one retryIn from now.
func (r *Repository) MarkFailed(ctx context.Context, token uuid.UUID, id int64, retryIn time.Duration, reason string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE outbox_events
		SET attempt_count = attempt_count + 1,
		    next_attempt_at = now() + $3::float8 * interval '1 millisecond',
		    last_error = $4,
		    lease_token = NULL, lease_expires_at = NULL
		WHERE id = $1 AND lease_token = $2 AND status = 'PENDING'
	`, id, token, retryIn.Milliseconds(), truncate(reason))
	if err != nil {
		return storeErr("mark failed", err)
	}
	if tag.RowsAffected() != 1 {
		return ErrLeaseLost
	}
	return nil
}

// MarkDead counts the final attempt and moves the row to FAILED.
func (r *Repository) MarkDead(ctx context.Context, token uuid.UUID, id int64, reason string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE outbox_events
		SET status = 'FAILED', attempt_count = attempt_count + 1, last_error = $3,
		    lease_token = NULL, lease_expires_at = NULL
		WHERE id = $1 AND lease_token = $2 AND status = 'PENDING'
	`, id, token, truncate(reason))
	if err != nil {
		return storeErr("mark dead", err)
	}
	if tag.RowsAffected() != 1 {
		return ErrLeaseLost
	}
	return nil
}

// Release returns leased rows to the pool without counting an attempt.
// Rows no longer held by token are skipped.
func (r *Repository) Release(ctx context.Context, token uuid.UUID, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.pool.Exec(ctx, `
		UPDATE outbox_events
		SET lease_token = NULL, lease_expires_at = NULL
		WHERE id = ANY($1) AND lease_token = $2
	`, ids, token)
	return storeErr("release", err)
}

// PurgeSent deletes SENT rows older than the retention window.
func (r *Repository) PurgeSent(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM outbox_events
		WHERE status = 'SENT' AND sent_at < now() - $1::float8 * interval '1 millisecond'
	`, olderThan.Milliseconds())
	if err != nil {
		return 0, storeErr("purge sent", err)
	}
	return tag.RowsAffected(), nil
}

// Get loads one row by id.
func (r *Repository) Get(ctx context.Context, id int64) (Row, error) {
	var row Row
	var status string
	err := r.pool.QueryRow(ctx, `
		SELECT id, event_id, event_type, partition_key, envelope, status, attempt_count,
		       created_at, sent_at, next_attempt_at,
		       COALESCE(last_error, ''), COALESCE(traceparent, ''), COALESCE(tracestate, '')
		FROM outbox_events WHERE id = $1
	`, id).Scan(&row.ID, &row.EventID, &row.EventType, &row.PartitionKey, &row.Envelope, &status,
		&row.AttemptCount, &row.CreatedAt, &row.SentAt, &row.NextAttemptAt,
		&row.LastError, &row.Traceparent, &row.Tracestate)
	if err != nil {
		return Row{}, storeErr("get", err)
	}
	row.Status = Status(status)
	return row, nil
}

func truncate(reason string) string {
	const max = 1024
	if len(reason) > max {
		return reason[:max]
	}
	return reason
}
