package kafkax

import (
	"strings"

	"github.com/segmentio/kafka-go"

	"github.com/md-rashed-zaman/eventpipe/libs/broker"
)

func SplitBrokers(raw string) []string {
	var brokers []string
	for _, b := range strings.Split(raw, ",") {
		b = strings.TrimSpace(b)
		if b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

func toKafka(msg broker.Message) kafka.Message {
	headers := make([]kafka.Header, 0, len(msg.Headers))
	for _, h := range msg.Headers {
		headers = append(headers, kafka.Header{Key: h.Key, Value: h.Value})
	}
	return kafka.Message{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Key:       msg.Key,
		Value:     msg.Value,
		Headers:   headers,
	}
}

func fromKafka(msg kafka.Message) broker.Message {
	headers := make([]broker.Header, 0, len(msg.Headers))
	for _, h := range msg.Headers {
		headers = append(headers, broker.Header{Key: h.Key, Value: h.Value})
	}
	return broker.Message{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Key:       msg.Key,
		Value:     msg.Value,
		Headers:   headers,
		Time:      msg.Time,
	}
}
