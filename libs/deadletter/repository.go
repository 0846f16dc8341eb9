package deadletter

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/md-rashed-zaman/eventpipe/libs/db"
)

// Repository is the PostgreSQL dead-letter sink and its read side.
type Repository struct {
	pool *db.Pool
}

func NewRepository(pool *db.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Put(ctx context.Context, rec Record) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO dead_letters (source, consumer_group, event_id, event_type, envelope, reason,
		                          attempt_count, last_attempt_at, topic, kafka_partition, kafka_offset)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, rec.Source, rec.ConsumerGroup, rec.EventID, rec.EventType, rec.Envelope, rec.Reason,
		rec.AttemptCount, rec.LastAttemptAt, rec.Topic, rec.Partition, rec.Offset)
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	return nil
}

const selectColumns = `
	SELECT id, source, consumer_group, event_id, event_type, envelope, reason, attempt_count,
	       last_attempt_at, topic, kafka_partition, kafka_offset, created_at, replayed_at
	FROM dead_letters`

func scanRecord(row pgx.Row) (Record, error) {
	var rec Record
	err := row.Scan(&rec.ID, &rec.Source, &rec.ConsumerGroup, &rec.EventID, &rec.EventType, &rec.Envelope,
		&rec.Reason, &rec.AttemptCount, &rec.LastAttemptAt, &rec.Topic, &rec.Partition, &rec.Offset,
		&rec.CreatedAt, &rec.ReplayedAt)
	return rec, err
}

type ListFilter struct {
	Source      string
	OnlyPending bool
	BeforeID    int64
	Limit       int
}

// List returns records newest first. BeforeID pages backwards.
func (r *Repository) List(ctx context.Context, f ListFilter) ([]Record, error) {
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 50
	}
	rows, err := r.pool.Query(ctx, selectColumns+`
		WHERE ($1::text = '' OR source = $1)
		  AND (NOT $2::bool OR replayed_at IS NULL)
		  AND ($3::bigint = 0 OR id < $3)
		ORDER BY id DESC
		LIMIT $4
	`, f.Source, f.OnlyPending, f.BeforeID, f.Limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *Repository) Get(ctx context.Context, id int64) (Record, error) {
	rec, err := scanRecord(r.pool.QueryRow(ctx, selectColumns+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("get dead letter: %w", err)
	}
	return rec, nil
}

func (r *Repository) lockForReplay(ctx context.Context, tx pgx.Tx, id int64) (Record, error) {
	rec, err := scanRecord(tx.QueryRow(ctx, selectColumns+` WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("lock dead letter: %w", err)
	}
	if rec.ReplayedAt != nil {
		return Record{}, ErrAlreadyReplayed
	}
	return rec, nil
}

func (r *Repository) markReplayed(ctx context.Context, tx pgx.Tx, id int64) error {
	_, err := tx.Exec(ctx, `UPDATE dead_letters SET replayed_at = now() WHERE id = $1`, id)
	return err
}
