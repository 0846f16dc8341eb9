// Package outbox stores events in the producer's database inside the same
// transaction as the business write, and hands them to the relay under a lease.
package outbox

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending Status = "PENDING"
	StatusSent    Status = "SENT"
	// StatusFailed is the dead-letter status: attempts are exhausted or the
	// stored envelope can never be published.
	StatusFailed Status = "FAILED"
)

var (
	ErrTxNotActive = errors.New("outbox: transaction not active")
	// ErrLeaseLost means the row is no longer held by the caller's lease token.
	ErrLeaseLost = errors.New("outbox: lease lost")
)

// StoreError wraps a failure of the underlying database. It is transient.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("outbox %s: %v", e.Op, e.Err) }

func (e *StoreError) Unwrap() error { return e.Err }

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}

type Row struct {
	ID            int64
	EventID       string
	EventType     string
	PartitionKey  string
	Envelope      []byte
	Status        Status
	AttemptCount  int
	CreatedAt     time.Time
	SentAt        *time.Time
	NextAttemptAt time.Time
	LastError     string
	Traceparent   string
	Tracestate    string
}

// Batch is a set of rows leased together under one token, in lease order.
type Batch struct {
	Token uuid.UUID
	Rows  []Row
}

func (b Batch) IDs() []int64 {
	ids := make([]int64, len(b.Rows))
	for i, r := range b.Rows {
		ids[i] = r.ID
	}
	return ids
}
