// Package outboxtest provides an in-memory outbox store with the same lease,
// ordering and status rules as the PostgreSQL repository.
package outboxtest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/md-rashed-zaman/eventpipe/libs/envelope"
	"github.com/md-rashed-zaman/eventpipe/libs/outbox"
)

// Op names a store operation for fault injection.
type Op string

const (
	OpFetch      Op = "fetch"
	OpMarkSent   Op = "mark_sent"
	OpMarkFailed Op = "mark_failed"
	OpMarkDead   Op = "mark_dead"
	OpRelease    Op = "release"
)

type lease struct {
	token   uuid.UUID
	expires time.Time
}

type Store struct {
	codec envelope.Codec

	mu     sync.Mutex
	rows   []*outbox.Row
	leases map[int64]lease
	nextID int64
	base   time.Time
	offset time.Duration
	hooks  map[Op]func() error
}

func New(codec envelope.Codec) *Store {
	return &Store{
		codec:  codec,
		leases: make(map[int64]lease),
		base:   time.Now().UTC(),
		hooks:  make(map[Op]func() error),
	}
}

func (s *Store) now() time.Time { return s.base.Add(s.offset) }

// Advance moves the store clock forward, expiring leases and backoffs.
func (s *Store) Advance(d time.Duration) {
	s.mu.Lock()
	s.offset += d
	s.mu.Unlock()
}

// SetHook makes op return fn's error before doing any work. A nil fn clears it.
func (s *Store) SetHook(op Op, fn func() error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fn == nil {
		delete(s.hooks, op)
		return
	}
	s.hooks[op] = fn
}

func (s *Store) hook(op Op) error {
	if fn := s.hooks[op]; fn != nil {
		if err := fn(); err != nil {
			return &outbox.StoreError{Op: string(op), Err: err}
		}
	}
	return nil
}

// Append records env as PENDING, as a committed producer transaction would.
func (s *Store) Append(_ context.Context, env *envelope.Envelope) (int64, error) {
	raw, err := s.codec.Encode(env)
	if err != nil {
		return 0, err
	}
	return s.AppendRaw(env.EventID, env.EventType, env.Key(), raw), nil
}

// AppendRaw stores an arbitrary payload, including ones that will not decode.
func (s *Store) AppendRaw(eventID, eventType, key string, raw []byte) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	now := s.now()
	s.rows = append(s.rows, &outbox.Row{
		ID:            s.nextID,
		EventID:       eventID,
		EventType:     eventType,
		PartitionKey:  key,
		Envelope:      append([]byte(nil), raw...),
		Status:        outbox.StatusPending,
		CreatedAt:     now,
		NextAttemptAt: now,
	})
	return s.nextID
}

func (s *Store) leased(id int64, now time.Time) bool {
	l, ok := s.leases[id]
	return ok && l.expires.After(now)
}

func (s *Store) FetchPending(_ context.Context, limit int, leaseFor time.Duration) (outbox.Batch, error) {
	if limit <= 0 {
		return outbox.Batch{}, fmt.Errorf("outbox: fetch limit must be positive, got %d", limit)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.hook(OpFetch); err != nil {
		return outbox.Batch{}, err
	}

	now := s.now()
	token := uuid.New()
	blocked := make(map[string]bool)
	batch := outbox.Batch{Token: token}

	for _, r := range s.rows {
		if r.Status != outbox.StatusPending {
			continue
		}
		if s.leased(r.ID, now) || r.NextAttemptAt.After(now) {
			blocked[r.PartitionKey] = true
			continue
		}
		if blocked[r.PartitionKey] || len(batch.Rows) >= limit {
			continue
		}
		s.leases[r.ID] = lease{token: token, expires: now.Add(leaseFor)}
		batch.Rows = append(batch.Rows, *r)
	}
	return batch, nil
}

func (s *Store) owned(token uuid.UUID, id int64) (*outbox.Row, bool) {
	l, ok := s.leases[id]
	if !ok || l.token != token {
		return nil, false
	}
	for _, r := range s.rows {
		if r.ID == id && r.Status == outbox.StatusPending {
			return r, true
		}
	}
	return nil, false
}

func (s *Store) MarkSent(_ context.Context, token uuid.UUID, ids []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.hook(OpMarkSent); err != nil {
		return err
	}
	lost := false
	for _, id := range ids {
		r, ok := s.owned(token, id)
		if !ok {
			lost = true
			continue
		}
		sent := s.now()
		r.Status = outbox.StatusSent
		r.SentAt = &sent
		r.LastError = ""
		delete(s.leases, id)
	}
	if lost {
		return outbox.ErrLeaseLost
	}
	return nil
}

func (s *Store) MarkFailed(_ context.Context, token uuid.UUID, id int64, retryIn time.Duration, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.hook(OpMarkFailed); err != nil {
		return err
	}
	r, ok := s.owned(token, id)
	if !ok {
		return outbox.ErrLeaseLost
	}
	r.AttemptCount++
	r.NextAttemptAt = s.now().Add(retryIn)
	r.LastError = reason
	delete(s.leases, id)
	return nil
}

func (s *Store) MarkDead(_ context.Context, token uuid.UUID, id int64, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.hook(OpMarkDead); err != nil {
		return err
	}
	r, ok := s.owned(token, id)
	if !ok {
		return outbox.ErrLeaseLost
	}
	r.AttemptCount++
	r.Status = outbox.StatusFailed
	r.LastError = reason
	delete(s.leases, id)
	return nil
}

func (s *Store) Release(_ context.Context, token uuid.UUID, ids []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.hook(OpRelease); err != nil {
		return err
	}
	for _, id := range ids {
		if l, ok := s.leases[id]; ok && l.token == token {
			delete(s.leases, id)
		}
	}
	return nil
}

func (s *Store) PurgeSent(_ context.Context, olderThan time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-olderThan)
	kept := s.rows[:0]
	var purged int64
	for _, r := range s.rows {
		if r.Status == outbox.StatusSent && r.SentAt.Before(cutoff) {
			purged++
			continue
		}
		kept = append(kept, r)
	}
	s.rows = kept
	return purged, nil
}

// Rows returns a snapshot of every stored row in append order.
func (s *Store) Rows() []outbox.Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]outbox.Row, len(s.rows))
	for i, r := range s.rows {
		out[i] = *r
	}
	return out
}

func (s *Store) Row(id int64) (outbox.Row, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rows {
		if r.ID == id {
			return *r, true
		}
	}
	return outbox.Row{}, false
}

// Leased reports whether id is currently under a live lease.
func (s *Store) Leased(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leased(id, s.now())
}
