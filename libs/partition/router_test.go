package partition

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPartitionIsStableAndInRange(t *testing.T) {
	r, err := NewRouter(12)
	require.NoError(t, err)

	for i := range 1000 {
		key := fmt.Sprintf("cust-%d", i)
		p := r.Partition(key)
		require.GreaterOrEqual(t, p, 0)
		require.Less(t, p, 12)
		require.Equal(t, p, r.Partition(key), "key %s moved", key)
	}
}

func TestPartitionSameKeySamePartitionAcrossRouters(t *testing.T) {
	a, err := NewRouter(8)
	require.NoError(t, err)
	b, err := NewRouter(8)
	require.NoError(t, err)
	assert.Equal(t, a.Partition("cust-42"), b.Partition("cust-42"))
}

func TestPartitionSpreadsKeys(t *testing.T) {
	r, err := NewRouter(4)
	require.NoError(t, err)

	counts := make([]int, 4)
	for i := range 4000 {
		counts[r.Partition(fmt.Sprintf("key-%d", i))]++
	}
	for p, c := range counts {
		assert.Greater(t, c, 700, "partition %d is starved: %v", p, counts)
	}
}

func TestGrowingPartitionsMovesFewKeys(t *testing.T) {
	small, err := NewRouter(10)
	require.NoError(t, err)
	large, err := NewRouter(11)
	require.NoError(t, err)

	moved := 0
	for i := range 10000 {
		key := fmt.Sprintf("key-%d", i)
		if small.Partition(key) != large.Partition(key) {
			moved++
		}
	}
	// Jump hashing moves roughly 1/11 of keys when adding an 11th bucket.
	assert.Less(t, moved, 1500)
	assert.Greater(t, moved, 0)
}

func TestSinglePartition(t *testing.T) {
	r, err := NewRouter(1)
	require.NoError(t, err)
	assert.Equal(t, 0, r.Partition("anything"))
}

func TestCheck(t *testing.T) {
	r, err := NewRouter(6)
	require.NoError(t, err)
	require.NoError(t, r.Check(6))

	err = r.Check(12)
	assert.True(t, errors.Is(err, ErrRepartitioned))
}

func TestNewRouterRejectsZero(t *testing.T) {
	_, err := NewRouter(0)
	require.Error(t, err)
}
