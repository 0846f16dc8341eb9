// Package partition maps partition keys onto broker partitions.
package partition

import (
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// ErrRepartitioned means the broker no longer has the partition count the
// key mapping was built for. Existing keys would move partitions, so this is
// an operator-coordinated migration, never something to paper over.
var ErrRepartitioned = errors.New("partition count changed")

// Router assigns keys to partitions with jump consistent hashing over xxhash.
// The mapping is stable for a fixed partition count.
type Router struct {
	count int
}

func NewRouter(count int) (*Router, error) {
	if count <= 0 {
		return nil, fmt.Errorf("partition count must be > 0 (got %d)", count)
	}
	return &Router{count: count}, nil
}

func (r *Router) Count() int { return r.count }

// Partition returns the index in [0, Count()) for key.
func (r *Router) Partition(key string) int {
	return int(jump(xxhash.Sum64String(key), int32(r.count)))
}

// Check compares the configured count with what the broker reports.
func (r *Router) Check(actual int) error {
	if actual != r.count {
		return fmt.Errorf("%w: configured %d, broker has %d", ErrRepartitioned, r.count, actual)
	}
	return nil
}

// jump is Lamping and Veach, "A Fast, Minimal Memory, Consistent Hash Algorithm".
func jump(key uint64, buckets int32) int32 {
	var b, j int64 = -1, 0
	for j < int64(buckets) {
		b = j
		key = key*2862933555777941757 + 1
		j = int64(float64(b+1) * (float64(int64(1)<<31) / float64((key>>33)+1)))
	}
	return int32(b)
}
