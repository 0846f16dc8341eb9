// Package kafkax adapts segmentio/kafka-go to the broker-neutral interfaces
// used by the relay and the consumers.
package kafkax

import (
	"context"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/md-rashed-zaman/eventpipe/libs/broker"
)

// ExplicitPartition routes every message to the partition already set on it.
// The relay picks partitions itself, so the writer must not rebalance.
type ExplicitPartition struct{}

func (ExplicitPartition) Balance(msg kafka.Message, partitions ...int) int {
	for _, p := range partitions {
		if p == msg.Partition {
			return p
		}
	}
	// Unknown partition: the write fails instead of landing elsewhere.
	return msg.Partition
}

type PublisherConfig struct {
	Brokers      string
	WriteTimeout time.Duration
	BatchTimeout time.Duration
}

// Publisher writes one message at a time and returns after every in-sync
// replica has acknowledged it.
type Publisher struct {
	writer  *kafka.Writer
	brokers []string
	dialer  *kafka.Dialer
}

func NewPublisher(cfg PublisherConfig) (*Publisher, error) {
	brokers := SplitBrokers(cfg.Brokers)
	if len(brokers) == 0 {
		return nil, errors.New("kafka brokers not configured")
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 5 * time.Millisecond
	}
	return &Publisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Balancer:     ExplicitPartition{},
			RequiredAcks: kafka.RequireAll,
			MaxAttempts:  1,
			BatchSize:    1,
			BatchTimeout: cfg.BatchTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		brokers: brokers,
		dialer:  &kafka.Dialer{Timeout: cfg.WriteTimeout},
	}, nil
}

func (p *Publisher) Publish(ctx context.Context, msg broker.Message) error {
	return p.writer.WriteMessages(ctx, toKafka(msg))
}

// Partitions reads the live partition count of topic from the cluster.
func (p *Publisher) Partitions(ctx context.Context, topic string) (int, error) {
	return readPartitions(ctx, p.dialer, p.brokers, topic)
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}
