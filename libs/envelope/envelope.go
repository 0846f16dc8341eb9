// Package envelope defines the event envelope carried from the outbox to
// consumers, and the codec that validates and versions it.
package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
)

const maxEventIDLen = 128

var eventTypePattern = regexp.MustCompile(`^[a-z0-9_-]+(\.[a-z0-9_-]+)+$`)

// Envelope is a domain event plus its routing and versioning metadata.
// Treat it as immutable once built: retries must reuse the same EventID.
type Envelope struct {
	EventID       string
	EventType     string
	SchemaVersion string
	ProducedAt    time.Time
	Producer      string
	CorrelationID string
	CausationID   string
	PartitionKey  string
	Data          json.RawMessage

	// Extra holds top-level fields this code does not know about. They are
	// written back unchanged by Encode.
	Extra map[string]json.RawMessage
}

type Option func(*Envelope)

func WithEventID(id string) Option {
	return func(e *Envelope) { e.EventID = id }
}

func WithProducer(producer string) Option {
	return func(e *Envelope) { e.Producer = producer }
}

// ProducerID formats the producer field as <service-name>:<version>.
func ProducerID(service, version string) string {
	if version == "" {
		version = "unknown"
	}
	return service + ":" + version
}

func WithCorrelationID(id string) Option {
	return func(e *Envelope) { e.CorrelationID = id }
}

func WithCausationID(id string) Option {
	return func(e *Envelope) { e.CausationID = id }
}

// CausedBy links the new event to parent: the parent becomes the cause and
// the correlation id is inherited (or started from the parent id).
func CausedBy(parent *Envelope) Option {
	return func(e *Envelope) {
		if parent == nil {
			return
		}
		e.CausationID = parent.EventID
		e.CorrelationID = parent.CorrelationID
		if e.CorrelationID == "" {
			e.CorrelationID = parent.EventID
		}
	}
}

// New builds a validated envelope with a fresh event id.
// data may be a json.RawMessage, a []byte holding JSON, or any value json.Marshal accepts.
func New(eventType, schemaVersion, partitionKey string, data any, opts ...Option) (*Envelope, error) {
	raw, err := marshalData(data)
	if err != nil {
		return nil, err
	}

	env := &Envelope{
		EventID:       uuid.NewString(),
		EventType:     strings.TrimSpace(eventType),
		SchemaVersion: strings.TrimSpace(schemaVersion),
		ProducedAt:    time.Now().UTC(),
		PartitionKey:  partitionKey,
		Data:          raw,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(env)
		}
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return env, nil
}

func marshalData(data any) (json.RawMessage, error) {
	switch v := data.(type) {
	case nil:
		return nil, &ValidationError{Field: "data", Reason: "is required"}
	case json.RawMessage:
		return v, nil
	case []byte:
		return json.RawMessage(v), nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, &ValidationError{Field: "data", Reason: err.Error()}
		}
		return b, nil
	}
}

// Key is the value the partition router hashes. Events without a partition
// key are spread by event id.
func (e *Envelope) Key() string {
	if e.PartitionKey != "" {
		return e.PartitionKey
	}
	return e.EventID
}

// Bind decodes the payload into dst.
func (e *Envelope) Bind(dst any) error {
	if err := json.Unmarshal(e.Data, dst); err != nil {
		return fmt.Errorf("bind %s payload: %w", e.EventType, err)
	}
	return nil
}

// Validate checks the fields every envelope must carry.
func (e *Envelope) Validate() error {
	switch {
	case e.EventID == "":
		return &ValidationError{Field: "event_id", Reason: "is required"}
	case len(e.EventID) > maxEventIDLen:
		return &ValidationError{Field: "event_id", Reason: fmt.Sprintf("exceeds %d bytes", maxEventIDLen)}
	case strings.IndexFunc(e.EventID, unicode.IsSpace) >= 0:
		return &ValidationError{Field: "event_id", Reason: "must not contain whitespace"}
	}

	if e.EventType == "" {
		return &ValidationError{Field: "event_type", Reason: "is required"}
	}
	if !eventTypePattern.MatchString(e.EventType) {
		return &ValidationError{Field: "event_type", Reason: "must be a dotted lowercase name like order.created"}
	}

	if e.SchemaVersion == "" {
		return &ValidationError{Field: "schema_version", Reason: "is required"}
	}
	if _, err := Major(e.SchemaVersion); err != nil {
		return err
	}

	trimmed := bytes.TrimSpace(e.Data)
	switch {
	case len(trimmed) == 0:
		return &ValidationError{Field: "data", Reason: "is required"}
	case bytes.Equal(trimmed, []byte("null")):
		return &ValidationError{Field: "data", Reason: "must not be null"}
	case !json.Valid(trimmed):
		return &ValidationError{Field: "data", Reason: "must be valid JSON"}
	}
	return nil
}
