package envelope

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleEnvelope(t *testing.T) *Envelope {
	t.Helper()
	env, err := New("order.created", "1.2.0", "cust-42", map[string]any{"order_id": "o-1", "total_cents": 1250},
		WithProducer("orders-service:1.4.2"),
		WithCorrelationID("corr-1"),
	)
	require.NoError(t, err)
	return env
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	codec := Codec{MaxMajor: 1}
	env := sampleEnvelope(t)

	raw, err := codec.Encode(env)
	require.NoError(t, err)

	got, err := codec.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, env.EventID, got.EventID)
	assert.Equal(t, "order.created", got.EventType)
	assert.Equal(t, "1.2.0", got.SchemaVersion)
	assert.Equal(t, "orders-service:1.4.2", got.Producer)
	assert.Equal(t, "corr-1", got.CorrelationID)
	assert.Equal(t, "cust-42", got.PartitionKey)
	assert.True(t, env.ProducedAt.Equal(got.ProducedAt))
	assert.JSONEq(t, `{"order_id":"o-1","total_cents":1250}`, string(got.Data))
	assert.Empty(t, got.Extra)
}

func TestDecodePreservesUnknownFieldsWithinMajor(t *testing.T) {
	raw := []byte(`{
		"event_id": "e1",
		"event_type": "order.created",
		"schema_version": "1.7.3",
		"produced_at": "2026-03-01T10:00:00Z",
		"partition_key": "cust-42",
		"tenant": "acme",
		"routing": {"region": "eu"},
		"data": {"order_id": "o-1", "coupon": "SPRING"}
	}`)

	codec := Codec{MaxMajor: 1}
	env, err := codec.Decode(raw)
	require.NoError(t, err)
	require.Len(t, env.Extra, 2)
	assert.JSONEq(t, `"acme"`, string(env.Extra["tenant"]))
	assert.JSONEq(t, `{"region":"eu"}`, string(env.Extra["routing"]))

	again, err := codec.Encode(env)
	require.NoError(t, err)

	var fields map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(again, &fields))
	assert.JSONEq(t, `"acme"`, string(fields["tenant"]))
	assert.JSONEq(t, `{"region":"eu"}`, string(fields["routing"]))
	assert.JSONEq(t, `{"order_id":"o-1","coupon":"SPRING"}`, string(fields["data"]))
}

func TestDecodeRejectsNewerMajor(t *testing.T) {
	raw := []byte(`{"event_id":"e1","event_type":"order.created","schema_version":"2.0.0","data":{}}`)

	_, err := Codec{MaxMajor: 1}.Decode(raw)
	var unsupported *UnsupportedSchemaError
	require.True(t, errors.As(err, &unsupported), "got %v", err)
	assert.Equal(t, "2.0.0", unsupported.Version)
	assert.True(t, IsPermanent(err))

	_, err = Codec{MaxMajor: 2}.Decode(raw)
	require.NoError(t, err)
}

func TestDecodeMalformed(t *testing.T) {
	cases := map[string]string{
		"not json":         `{"event_id":`,
		"array":            `[1,2,3]`,
		"null":             `null`,
		"missing version":  `{"event_id":"e1","event_type":"order.created","data":{}}`,
		"bad version":      `{"event_id":"e1","event_type":"order.created","schema_version":"1.0","data":{}}`,
		"numeric event id": `{"event_id":7,"event_type":"order.created","schema_version":"1.0.0","data":{}}`,
		"missing id":       `{"event_type":"order.created","schema_version":"1.0.0","data":{}}`,
		"missing data":     `{"event_id":"e1","event_type":"order.created","schema_version":"1.0.0"}`,
		"null data":        `{"event_id":"e1","event_type":"order.created","schema_version":"1.0.0","data":null}`,
		"bad time":         `{"event_id":"e1","event_type":"order.created","schema_version":"1.0.0","produced_at":"yesterday","data":{}}`,
	}

	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Codec{}.Decode([]byte(raw))
			var malformed *MalformedEnvelopeError
			require.True(t, errors.As(err, &malformed), "got %v", err)
			assert.True(t, IsPermanent(err))
		})
	}
}

func TestEncodeValidation(t *testing.T) {
	base := func() *Envelope {
		return &Envelope{EventID: "e1", EventType: "order.created", SchemaVersion: "1.0.0", Data: json.RawMessage(`{}`)}
	}

	cases := map[string]struct {
		mutate func(*Envelope)
		field  string
	}{
		"missing id":       {func(e *Envelope) { e.EventID = "" }, "event_id"},
		"id with space":    {func(e *Envelope) { e.EventID = "e 1" }, "event_id"},
		"undotted type":    {func(e *Envelope) { e.EventType = "created" }, "event_type"},
		"upper type":       {func(e *Envelope) { e.EventType = "Order.Created" }, "event_type"},
		"missing version":  {func(e *Envelope) { e.SchemaVersion = "" }, "schema_version"},
		"short version":    {func(e *Envelope) { e.SchemaVersion = "1" }, "schema_version"},
		"missing data":     {func(e *Envelope) { e.Data = nil }, "data"},
		"invalid data":     {func(e *Envelope) { e.Data = json.RawMessage(`{oops}`) }, "data"},
		"null data":        {func(e *Envelope) { e.Data = json.RawMessage(`null`) }, "data"},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			env := base()
			tc.mutate(env)
			_, err := Codec{}.Encode(env)
			var validation *ValidationError
			require.True(t, errors.As(err, &validation), "got %v", err)
			assert.Equal(t, tc.field, validation.Field)
		})
	}

	_, err := Codec{}.Encode(nil)
	require.Error(t, err)
}

func TestEncodeKnownFieldsWinOverExtra(t *testing.T) {
	env := sampleEnvelope(t)
	env.Extra = map[string]json.RawMessage{"event_id": json.RawMessage(`"spoofed"`)}

	raw, err := Codec{}.Encode(env)
	require.NoError(t, err)
	got, err := Codec{}.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, env.EventID, got.EventID)
}

func TestNewAssignsIdentity(t *testing.T) {
	before := time.Now().UTC()
	a := sampleEnvelope(t)
	b := sampleEnvelope(t)

	assert.NotEmpty(t, a.EventID)
	assert.NotEqual(t, a.EventID, b.EventID)
	assert.False(t, a.ProducedAt.Before(before))

	fixed, err := New("order.paid", "1.0.0", "cust-1", json.RawMessage(`{"x":1}`), WithEventID("e-fixed"))
	require.NoError(t, err)
	assert.Equal(t, "e-fixed", fixed.EventID)
}

func TestCausedBy(t *testing.T) {
	parent := sampleEnvelope(t)
	parent.CorrelationID = ""

	child, err := New("order.cancelled", "1.0.0", parent.PartitionKey, map[string]string{"order_id": "o-1"}, CausedBy(parent))
	require.NoError(t, err)
	assert.Equal(t, parent.EventID, child.CausationID)
	assert.Equal(t, parent.EventID, child.CorrelationID)

	grandchild, err := New("order.refunded", "1.0.0", parent.PartitionKey, map[string]string{"order_id": "o-1"}, CausedBy(child))
	require.NoError(t, err)
	assert.Equal(t, child.EventID, grandchild.CausationID)
	assert.Equal(t, parent.EventID, grandchild.CorrelationID)
}

func TestKeyFallsBackToEventID(t *testing.T) {
	env := sampleEnvelope(t)
	assert.Equal(t, "cust-42", env.Key())
	env.PartitionKey = ""
	assert.Equal(t, env.EventID, env.Key())
}

func TestBind(t *testing.T) {
	env := sampleEnvelope(t)
	var payload struct {
		OrderID    string `json:"order_id"`
		TotalCents int    `json:"total_cents"`
	}
	require.NoError(t, env.Bind(&payload))
	assert.Equal(t, "o-1", payload.OrderID)
	assert.Equal(t, 1250, payload.TotalCents)
}

func TestMajor(t *testing.T) {
	m, err := Major("3.1.4")
	require.NoError(t, err)
	assert.Equal(t, 3, m)

	m, err = Major("v1.0.0-rc.1")
	require.NoError(t, err)
	assert.Equal(t, 1, m)

	_, err = Major("1.x.0")
	require.Error(t, err)
}

func TestProducerID(t *testing.T) {
	assert.Equal(t, "orders-service:1.4.2", ProducerID("orders-service", "1.4.2"))
	assert.Equal(t, "orders-service:unknown", ProducerID("orders-service", ""))
}
