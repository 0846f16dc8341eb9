// Package deadletter parks events that exhausted their attempts or can never
// be processed, together with enough context for an operator to replay them.
package deadletter

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Record sources.
const (
	SourceRelay    = "relay"
	SourceConsumer = "consumer"
)

var (
	ErrNotFound        = errors.New("deadletter: record not found")
	ErrAlreadyReplayed = errors.New("deadletter: record already replayed")
)

type Record struct {
	ID            int64
	Source        string
	ConsumerGroup string
	EventID       string
	EventType     string
	// Envelope is the raw encoded envelope as stored or received.
	Envelope      []byte
	Reason        string
	AttemptCount  int
	LastAttemptAt time.Time
	Topic         string
	Partition     int
	Offset        int64
	CreatedAt     time.Time
	ReplayedAt    *time.Time
}

type Sink interface {
	Put(ctx context.Context, rec Record) error
}

// Memory is an in-process Sink. FailNext makes the next n Puts fail with err.
type Memory struct {
	mu       sync.Mutex
	records  []Record
	failures int
	err      error
}

func (m *Memory) Put(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failures > 0 {
		m.failures--
		return m.err
	}
	rec.ID = int64(len(m.records) + 1)
	m.records = append(m.records, rec)
	return nil
}

func (m *Memory) FailNext(n int, err error) {
	m.mu.Lock()
	m.failures, m.err = n, err
	m.mu.Unlock()
}

func (m *Memory) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Record(nil), m.records...)
}
