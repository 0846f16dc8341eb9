package kafkax

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/md-rashed-zaman/eventpipe/libs/partition"
)

// ReadyCheck reports ready once a broker answers and topic exists. When
// partitions is positive the topic must also still have that many
// partitions, the same condition the relay verifies at start.
func ReadyCheck(brokers, topic string, partitions int) func(context.Context) error {
	list := SplitBrokers(brokers)
	dialer := &kafka.Dialer{Timeout: 2 * time.Second}
	return func(ctx context.Context) error {
		if len(list) == 0 {
			return errors.New("kafka brokers not configured")
		}
		n, err := readPartitions(ctx, dialer, list, topic)
		if err != nil {
			return err
		}
		return checkTopic(topic, n, partitions)
	}
}

// readPartitions asks each broker in turn for the partitions of topic.
func readPartitions(ctx context.Context, dialer *kafka.Dialer, brokers []string, topic string) (int, error) {
	var errs []error
	for _, addr := range brokers {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		parts, err := conn.ReadPartitions(topic)
		_ = conn.Close()
		if err != nil {
			return 0, fmt.Errorf("read partitions of %s: %w", topic, err)
		}
		return len(parts), nil
	}
	return 0, fmt.Errorf("no kafka broker reachable: %w", errors.Join(errs...))
}

func checkTopic(topic string, got, want int) error {
	if got == 0 {
		return fmt.Errorf("topic %s has no partitions", topic)
	}
	if want > 0 && got != want {
		return fmt.Errorf("topic %s: %w: broker has %d, configured %d", topic, partition.ErrRepartitioned, got, want)
	}
	return nil
}
