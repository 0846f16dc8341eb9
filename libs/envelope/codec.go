package envelope

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"golang.org/x/mod/semver"
)

const (
	fieldEventID       = "event_id"
	fieldEventType     = "event_type"
	fieldSchemaVersion = "schema_version"
	fieldProducedAt    = "produced_at"
	fieldProducer      = "producer"
	fieldCorrelationID = "correlation_id"
	fieldCausationID   = "causation_id"
	fieldPartitionKey  = "partition_key"
	fieldData          = "data"
)

var knownFields = map[string]struct{}{
	fieldEventID:       {},
	fieldEventType:     {},
	fieldSchemaVersion: {},
	fieldProducedAt:    {},
	fieldProducer:      {},
	fieldCorrelationID: {},
	fieldCausationID:   {},
	fieldPartitionKey:  {},
	fieldData:          {},
}

// Codec converts envelopes to and from their JSON wire form.
// MaxMajor is the newest schema major version the caller understands; the
// zero value accepts major version 1.
type Codec struct {
	MaxMajor int
}

func (c Codec) maxMajor() int {
	if c.MaxMajor <= 0 {
		return 1
	}
	return c.MaxMajor
}

// Encode validates env and renders it as a JSON object. Unknown fields kept
// in env.Extra are emitted alongside the known ones.
func (c Codec) Encode(env *Envelope) ([]byte, error) {
	if env == nil {
		return nil, &ValidationError{Field: "envelope", Reason: "is nil"}
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}

	out := make(map[string]json.RawMessage, len(env.Extra)+len(knownFields))
	for k, v := range env.Extra {
		if _, known := knownFields[k]; !known {
			out[k] = v
		}
	}

	putString := func(key, value string) {
		if value == "" {
			return
		}
		b, _ := json.Marshal(value)
		out[key] = b
	}
	putString(fieldEventID, env.EventID)
	putString(fieldEventType, env.EventType)
	putString(fieldSchemaVersion, env.SchemaVersion)
	if !env.ProducedAt.IsZero() {
		putString(fieldProducedAt, env.ProducedAt.UTC().Format(time.RFC3339Nano))
	}
	putString(fieldProducer, env.Producer)
	putString(fieldCorrelationID, env.CorrelationID)
	putString(fieldCausationID, env.CausationID)
	putString(fieldPartitionKey, env.PartitionKey)
	out[fieldData] = env.Data

	return json.Marshal(out)
}

// Decode parses and validates raw. It returns *MalformedEnvelopeError for
// anything that is not a well-formed envelope and *UnsupportedSchemaError when
// the schema major version is newer than MaxMajor. Newer minor or patch
// versions are accepted and their unknown fields land in Extra.
func (c Codec) Decode(raw []byte) (*Envelope, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, &MalformedEnvelopeError{Err: err}
	}
	if fields == nil {
		return nil, &MalformedEnvelopeError{Err: errors.New("envelope is not a JSON object")}
	}

	version, err := stringField(fields, fieldSchemaVersion)
	if err != nil {
		return nil, &MalformedEnvelopeError{Err: err}
	}
	if version == "" {
		return nil, &MalformedEnvelopeError{Err: &ValidationError{Field: fieldSchemaVersion, Reason: "is required"}}
	}
	major, err := Major(version)
	if err != nil {
		return nil, &MalformedEnvelopeError{Err: err}
	}
	if major > c.maxMajor() {
		return nil, &UnsupportedSchemaError{Version: version, MaxMajor: c.maxMajor()}
	}

	env := &Envelope{SchemaVersion: version}
	for key, dst := range map[string]*string{
		fieldEventID:       &env.EventID,
		fieldEventType:     &env.EventType,
		fieldProducer:      &env.Producer,
		fieldCorrelationID: &env.CorrelationID,
		fieldCausationID:   &env.CausationID,
		fieldPartitionKey:  &env.PartitionKey,
	} {
		v, err := stringField(fields, key)
		if err != nil {
			return nil, &MalformedEnvelopeError{Err: err}
		}
		*dst = v
	}

	producedAt, err := stringField(fields, fieldProducedAt)
	if err != nil {
		return nil, &MalformedEnvelopeError{Err: err}
	}
	if producedAt != "" {
		ts, err := time.Parse(time.RFC3339Nano, producedAt)
		if err != nil {
			return nil, &MalformedEnvelopeError{Err: &ValidationError{Field: fieldProducedAt, Reason: "must be an RFC 3339 timestamp"}}
		}
		env.ProducedAt = ts.UTC()
	}

	if data, ok := fields[fieldData]; ok {
		env.Data = append(json.RawMessage(nil), data...)
	}

	for k, v := range fields {
		if _, known := knownFields[k]; known {
			continue
		}
		if env.Extra == nil {
			env.Extra = make(map[string]json.RawMessage)
		}
		env.Extra[k] = v
	}

	if err := env.Validate(); err != nil {
		return nil, &MalformedEnvelopeError{Err: err}
	}
	return env, nil
}

func stringField(fields map[string]json.RawMessage, key string) (string, error) {
	raw, ok := fields[key]
	if !ok || string(raw) == "null" {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", &ValidationError{Field: key, Reason: "must be a string"}
	}
	return s, nil
}

// Major returns the major component of a major.minor.patch version string.
func Major(version string) (int, error) {
	v := "v" + strings.TrimPrefix(version, "v")
	if !semver.IsValid(v) || semver.Canonical(v) != v {
		return 0, &ValidationError{Field: fieldSchemaVersion, Reason: "must be major.minor.patch"}
	}
	major, err := strconv.Atoi(strings.TrimPrefix(semver.Major(v), "v"))
	if err != nil {
		return 0, &ValidationError{Field: fieldSchemaVersion, Reason: "must be major.minor.patch"}
	}
	return major, nil
}
