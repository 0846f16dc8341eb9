package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipelineFromEnvDefaults(t *testing.T) {
	p, err := PipelineFromEnv()
	require.NoError(t, err)
	assert.Equal(t, DefaultPipeline(), p)
}

func TestPipelineFromEnvOverrides(t *testing.T) {
	t.Setenv("PARTITION_COUNT", "3")
	t.Setenv("LEASE_DURATION", "45")
	t.Setenv("BACKOFF_BASE", "250ms")
	t.Setenv("BACKOFF_CAP", "2m")
	t.Setenv("EVENTS_TOPIC", "orders.v1")

	p, err := PipelineFromEnv()
	require.NoError(t, err)
	assert.Equal(t, 3, p.PartitionCount)
	assert.Equal(t, 45*time.Second, p.LeaseDuration)
	assert.Equal(t, 250*time.Millisecond, p.BackoffBase)
	assert.Equal(t, 2*time.Minute, p.BackoffCap)
	assert.Equal(t, "orders.v1", p.Topic)
}

func TestPipelineFromEnvRejectsGarbage(t *testing.T) {
	t.Setenv("PARTITION_COUNT", "many")
	t.Setenv("DEDUP_TTL", "soon")

	_, err := PipelineFromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PARTITION_COUNT")
	assert.Contains(t, err.Error(), "DEDUP_TTL")
}

func TestPipelineValidateCapBelowBase(t *testing.T) {
	p := DefaultPipeline()
	p.BackoffBase = time.Minute
	p.BackoffCap = time.Second

	err := p.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BACKOFF_CAP")
}

func TestPortValidation(t *testing.T) {
	t.Setenv("PORT", "70000")
	_, err := Port("PORT", "8080")
	require.Error(t, err)

	t.Setenv("PORT", "8081")
	port, err := Port("PORT", "8080")
	require.NoError(t, err)
	assert.Equal(t, "8081", port)
}

func TestBool(t *testing.T) {
	assert.True(t, Bool("UNSET_FLAG_FOR_TEST", true))
	t.Setenv("FLAG", "yes")
	assert.True(t, Bool("FLAG", false))
	t.Setenv("FLAG", "off")
	assert.False(t, Bool("FLAG", true))
}

func TestServiceVersion(t *testing.T) {
	t.Setenv("SERVICE_VERSION", "")
	assert.Equal(t, Version, ServiceVersion())
	t.Setenv("SERVICE_VERSION", "2.3.0")
	assert.Equal(t, "2.3.0", ServiceVersion())
}
