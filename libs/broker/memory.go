package broker

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Memory is an in-process partitioned log with one consumer group per
// Subscribe call. It backs tests and local demos; it is not durable.
type Memory struct {
	partitions int

	mu     sync.Mutex
	logs   map[string][][]Message
	notify chan struct{}

	// BeforePublish, when set, can fail a publish before it is appended.
	BeforePublish func(Message) error
}

func NewMemory(partitions int) *Memory {
	if partitions <= 0 {
		partitions = 1
	}
	return &Memory{
		partitions: partitions,
		logs:       make(map[string][][]Message),
		notify:     make(chan struct{}),
	}
}

func (m *Memory) Partitions(_ context.Context, _ string) (int, error) {
	return m.partitions, nil
}

func (m *Memory) Publish(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if msg.Partition < 0 || msg.Partition >= m.partitions {
		return fmt.Errorf("topic %s has no partition %d", msg.Topic, msg.Partition)
	}

	m.mu.Lock()
	hook := m.BeforePublish
	m.mu.Unlock()
	if hook != nil {
		if err := hook(msg); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	log := m.topic(msg.Topic)
	msg.Offset = int64(len(log[msg.Partition]))
	msg.Time = time.Now().UTC()
	log[msg.Partition] = append(log[msg.Partition], msg)

	close(m.notify)
	m.notify = make(chan struct{})
	return nil
}

// SetBeforePublish swaps the publish hook under the broker lock.
func (m *Memory) SetBeforePublish(fn func(Message) error) {
	m.mu.Lock()
	m.BeforePublish = fn
	m.mu.Unlock()
}

// Messages returns a copy of one partition's log.
func (m *Memory) Messages(topic string, partition int) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.topic(topic)[partition]...)
}

// All returns every message of topic, partition by partition.
func (m *Memory) All(topic string) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Message
	for _, p := range m.topic(topic) {
		out = append(out, p...)
	}
	return out
}

func (m *Memory) topic(name string) [][]Message {
	log, ok := m.logs[name]
	if !ok {
		log = make([][]Message, m.partitions)
		m.logs[name] = log
	}
	return log
}

// Subscribe starts a consumer group on topic reading from the beginning.
func (m *Memory) Subscribe(topic string) *MemorySource {
	return &MemorySource{
		broker:    m,
		topic:     topic,
		cursor:    make([]int64, m.partitions),
		committed: make([]int64, m.partitions),
	}
}

// MemorySource is a consumer group over one topic of a Memory broker.
// Uncommitted messages come back after Redeliver, as they would after a
// group rebalance.
type MemorySource struct {
	broker *Memory
	topic  string

	mu        sync.Mutex
	cursor    []int64
	committed []int64
	next      int
}

func (s *MemorySource) Fetch(ctx context.Context) (Message, error) {
	for {
		s.broker.mu.Lock()
		log := s.broker.topic(s.topic)
		wait := s.broker.notify

		s.mu.Lock()
		for i := range len(log) {
			p := (s.next + i) % len(log)
			if s.cursor[p] < int64(len(log[p])) {
				msg := log[p][s.cursor[p]]
				s.cursor[p]++
				s.next = p + 1
				s.mu.Unlock()
				s.broker.mu.Unlock()
				return msg, nil
			}
		}
		s.mu.Unlock()
		s.broker.mu.Unlock()

		select {
		case <-ctx.Done():
			return Message{}, ctx.Err()
		case <-wait:
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (s *MemorySource) Commit(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.Offset+1 > s.committed[msg.Partition] {
		s.committed[msg.Partition] = msg.Offset + 1
	}
	return nil
}

// Committed returns the next offset to read for partition.
func (s *MemorySource) Committed(partition int) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.committed[partition]
}

// Redeliver rewinds every partition to its committed offset.
func (s *MemorySource) Redeliver() {
	s.mu.Lock()
	defer s.mu.Unlock()
	copy(s.cursor, s.committed)
}

func (s *MemorySource) Close() error { return nil }
