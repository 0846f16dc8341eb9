// Package dedup records which events a consumer group has already applied.
//
// A claim moves through two states. TryClaim creates a pending record that
// lives for ClaimTimeout, so a consumer that dies mid-handler does not block
// the event forever. Complete turns it into a done record that lives for TTL;
// redeliveries inside that window are skipped. Release drops a pending record
// so the next delivery or a manual replay processes the event again.
//
// Every pending record carries the owner token handed out by TryClaim.
// Extend, Complete and Release only act on a record that still carries the
// caller's token and return ErrClaimLost otherwise.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrClaimInProgress means another delivery holds a live pending claim.
// The caller retries; it must not treat the event as a duplicate.
var ErrClaimInProgress = errors.New("dedup: claim in progress")

// ErrClaimLost means the pending claim expired and may now belong to another
// delivery.
var ErrClaimLost = errors.New("dedup: claim lost")

// Claim is one delivery's ownership of an event.
type Claim struct {
	Group   string
	EventID string
	Token   string
}

func newClaim(group, eventID string) Claim {
	return Claim{Group: group, EventID: eventID, Token: uuid.NewString()}
}

type Store interface {
	// TryClaim reports true when the caller now owns the event and false
	// when the event was already completed within the TTL.
	TryClaim(ctx context.Context, group, eventID string) (Claim, bool, error)
	// Extend restarts the pending timeout of a claim the caller still owns.
	Extend(ctx context.Context, c Claim) error
	Complete(ctx context.Context, c Claim) error
	Release(ctx context.Context, c Claim) error
}

type Config struct {
	TTL          time.Duration
	ClaimTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.TTL <= 0 {
		c.TTL = 7 * 24 * time.Hour
	}
	if c.ClaimTimeout <= 0 {
		c.ClaimTimeout = 5 * time.Minute
	}
	return c
}

// StoreError wraps a backend failure. It is transient: callers retry and
// never proceed as if the claim had been granted.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("dedup %s: %v", e.Op, e.Err) }

func (e *StoreError) Unwrap() error { return e.Err }
