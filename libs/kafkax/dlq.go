package kafkax

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/md-rashed-zaman/eventpipe/libs/broker"
	"github.com/md-rashed-zaman/eventpipe/libs/deadletter"
)

// Dead-letter headers, on top of the event id and type.
const (
	HeaderSource            = "dlq_source"
	HeaderConsumerGroup     = "dlq_consumer_group"
	HeaderReason            = "dlq_reason"
	HeaderAttemptCount      = "dlq_attempt_count"
	HeaderLastAttemptAt     = "dlq_last_attempt_at"
	HeaderOriginalTopic     = "dlq_original_topic"
	HeaderOriginalPartition = "dlq_original_partition"
	HeaderOriginalOffset    = "dlq_original_offset"
)

// DLQSink writes dead-letter records to a Kafka topic. It implements
// deadletter.Sink.
type DLQSink struct {
	writer *kafka.Writer
}

func NewDLQSink(brokers, topic string) (*DLQSink, error) {
	list := SplitBrokers(brokers)
	if len(list) == 0 {
		return nil, errors.New("kafka brokers not configured")
	}
	if topic == "" {
		return nil, errors.New("dead-letter topic is required")
	}
	return &DLQSink{writer: &kafka.Writer{
		Addr:         kafka.TCP(list...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 5 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
	}}, nil
}

func (s *DLQSink) Put(ctx context.Context, rec deadletter.Record) error {
	return s.writer.WriteMessages(ctx, dlqMessage(rec))
}

func (s *DLQSink) Close() error {
	return s.writer.Close()
}

func dlqMessage(rec deadletter.Record) kafka.Message {
	headers := []kafka.Header{
		{Key: broker.HeaderEventID, Value: []byte(rec.EventID)},
		{Key: broker.HeaderEventType, Value: []byte(rec.EventType)},
		{Key: HeaderSource, Value: []byte(rec.Source)},
		{Key: HeaderReason, Value: []byte(rec.Reason)},
		{Key: HeaderAttemptCount, Value: []byte(strconv.Itoa(rec.AttemptCount))},
		{Key: HeaderLastAttemptAt, Value: []byte(rec.LastAttemptAt.UTC().Format(time.RFC3339Nano))},
	}
	if rec.ConsumerGroup != "" {
		headers = append(headers, kafka.Header{Key: HeaderConsumerGroup, Value: []byte(rec.ConsumerGroup)})
	}
	if rec.Topic != "" {
		headers = append(headers,
			kafka.Header{Key: HeaderOriginalTopic, Value: []byte(rec.Topic)},
			kafka.Header{Key: HeaderOriginalPartition, Value: []byte(strconv.Itoa(rec.Partition))},
			kafka.Header{Key: HeaderOriginalOffset, Value: []byte(strconv.FormatInt(rec.Offset, 10))},
		)
	}
	return kafka.Message{
		Key:     []byte(rec.EventID),
		Value:   rec.Envelope,
		Headers: headers,
	}
}
