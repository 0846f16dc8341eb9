// Package broker holds the broker-neutral message shape exchanged between the
// relay, the consumers and the Kafka adapters.
package broker

import "time"

// Header names written on every published event.
const (
	HeaderEventID       = "event_id"
	HeaderEventType     = "event_type"
	HeaderSchemaVersion = "schema_version"
)

type Header struct {
	Key   string
	Value []byte
}

// Message is one record on a partitioned log. Offset and Time are assigned by
// the broker; Partition is chosen by the producer.
type Message struct {
	Topic     string
	Partition int
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   []Header
	Time      time.Time
}

func (m Message) Header(key string) string {
	for _, h := range m.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}
