package kafkax

import (
	"context"
	"errors"

	"github.com/segmentio/kafka-go"

	"github.com/md-rashed-zaman/eventpipe/libs/broker"
)

type SourceConfig struct {
	Brokers string
	GroupID string
	Topic   string
}

// GroupSource reads a topic as a member of a consumer group. Offsets are
// committed only through Commit.
type GroupSource struct {
	reader *kafka.Reader
}

func NewGroupSource(cfg SourceConfig) (*GroupSource, error) {
	brokers := SplitBrokers(cfg.Brokers)
	if len(brokers) == 0 {
		return nil, errors.New("kafka brokers not configured")
	}
	if cfg.GroupID == "" || cfg.Topic == "" {
		return nil, errors.New("kafka group id and topic are required")
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		GroupID:        cfg.GroupID,
		Topic:          cfg.Topic,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0,
		StartOffset:    kafka.FirstOffset,
	})
	return &GroupSource{reader: reader}, nil
}

func (s *GroupSource) Fetch(ctx context.Context) (broker.Message, error) {
	msg, err := s.reader.FetchMessage(ctx)
	if err != nil {
		return broker.Message{}, err
	}
	return fromKafka(msg), nil
}

func (s *GroupSource) Commit(ctx context.Context, msg broker.Message) error {
	return s.reader.CommitMessages(ctx, kafka.Message{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
	})
}

func (s *GroupSource) Close() error {
	return s.reader.Close()
}
