package dedup

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/md-rashed-zaman/eventpipe/libs/db"
)

// Postgres stores claims in dedup_records. Expired rows are overwritten by
// the next claim and removed in bulk by Purge.
type Postgres struct {
	pool *db.Pool
	cfg  Config
}

func NewPostgres(pool *db.Pool, cfg Config) *Postgres {
	return &Postgres{pool: pool, cfg: cfg.withDefaults()}
}

func (s *Postgres) TryClaim(ctx context.Context, group, eventID string) (Claim, bool, error) {
	c := newClaim(group, eventID)
	var claimed bool
	err := s.pool.QueryRow(ctx, `
		INSERT INTO dedup_records (consumer_group, event_id, state, owner_token, claimed_at, ttl_expiry)
		VALUES ($1, $2, 'pending', $4, now(), now() + $3::float8 * interval '1 millisecond')
		ON CONFLICT (consumer_group, event_id) DO UPDATE
		SET state = 'pending', owner_token = EXCLUDED.owner_token, claimed_at = now(), ttl_expiry = EXCLUDED.ttl_expiry
		WHERE dedup_records.ttl_expiry <= now()
		RETURNING true
	`, group, eventID, s.cfg.ClaimTimeout.Milliseconds(), c.Token).Scan(&claimed)
	if err == nil {
		return c, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Claim{}, false, &StoreError{Op: "claim", Err: err}
	}

	var state string
	err = s.pool.QueryRow(ctx, `
		SELECT state FROM dedup_records
		WHERE consumer_group = $1 AND event_id = $2 AND ttl_expiry > now()
	`, group, eventID).Scan(&state)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		// Expired between the two statements; let the caller retry.
		return Claim{}, false, ErrClaimInProgress
	case err != nil:
		return Claim{}, false, &StoreError{Op: "claim", Err: err}
	case state == stateDone:
		return Claim{}, false, nil
	default:
		return Claim{}, false, ErrClaimInProgress
	}
}

// Extend, Complete and Release match on the owner token. An expired pending
// row nobody has reclaimed yet still belongs to its owner.
func (s *Postgres) Extend(ctx context.Context, c Claim) error {
	return s.owned(ctx, "extend", `
		UPDATE dedup_records SET ttl_expiry = now() + $4::float8 * interval '1 millisecond'
		WHERE consumer_group = $1 AND event_id = $2 AND state = 'pending' AND owner_token = $3
	`, c, s.cfg.ClaimTimeout.Milliseconds())
}

func (s *Postgres) Complete(ctx context.Context, c Claim) error {
	return s.owned(ctx, "complete", `
		UPDATE dedup_records
		SET state = 'done', owner_token = NULL, ttl_expiry = now() + $4::float8 * interval '1 millisecond'
		WHERE consumer_group = $1 AND event_id = $2 AND state = 'pending' AND owner_token = $3
	`, c, s.cfg.TTL.Milliseconds())
}

func (s *Postgres) Release(ctx context.Context, c Claim) error {
	return s.owned(ctx, "release", `
		DELETE FROM dedup_records
		WHERE consumer_group = $1 AND event_id = $2 AND state = 'pending' AND owner_token = $3
	`, c)
}

func (s *Postgres) owned(ctx context.Context, op, sql string, c Claim, args ...any) error {
	tag, err := s.pool.Exec(ctx, sql, append([]any{c.Group, c.EventID, c.Token}, args...)...)
	if err != nil {
		return &StoreError{Op: op, Err: err}
	}
	if tag.RowsAffected() == 0 {
		return ErrClaimLost
	}
	return nil
}

// Purge deletes every expired record and returns how many were removed.
func (s *Postgres) Purge(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM dedup_records WHERE ttl_expiry <= now()`)
	if err != nil {
		return 0, &StoreError{Op: "purge", Err: err}
	}
	return tag.RowsAffected(), nil
}
