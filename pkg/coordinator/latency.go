package coordinator

import (
	"sync/atomic"
	"time"
)

// op represents a coordinated operation type.
type op int

const (
	opPut op = iota
	opGet
	opDelete
	opCount
)

func (o op) String() string {
	switch o {
	case opPut:
		return "put"
	case opGet:
		return "get"
	case opDelete:
		return "delete"
	case opCount:
		return "unknown"
	}

	return "unknown"
}

// latencyBuckets defines fixed bucket upper bounds in nanoseconds (roughly exponential).
//
//nolint:gochecknoglobals,mnd
var latencyBuckets = [...]int64{
	int64(50 * time.Microsecond),
	int64(100 * time.Microsecond),
	int64(250 * time.Microsecond),
	int64(500 * time.Microsecond),
	int64(1 * time.Millisecond),
	int64(2 * time.Millisecond),
	int64(5 * time.Millisecond),
	int64(10 * time.Millisecond),
	int64(25 * time.Millisecond),
	int64(50 * time.Millisecond),
	int64(100 * time.Millisecond),
	int64(250 * time.Millisecond),
	int64(500 * time.Millisecond),
	int64(1 * time.Second),
}

// LatencyBounds returns the bucket upper bounds; the extra last bucket is +Inf.
func LatencyBounds() []time.Duration {
	out := make([]time.Duration, len(latencyBuckets))
	for i, b := range latencyBuckets {
		out[i] = time.Duration(b)
	}

	return out
}

// latencyCollector is a lock free fixed-bucket histogram per operation.
type latencyCollector struct {
	// buckets[op][bucket]
	buckets [opCount][len(latencyBuckets) + 1]atomic.Uint64 // last bucket is +Inf
}

// observe records a duration for the given operation.
func (c *latencyCollector) observe(o op, d time.Duration) {
	ns := d.Nanoseconds()
	for i, ub := range latencyBuckets {
		if ns <= ub {
			c.buckets[o][i].Add(1)

			return
		}
	}

	c.buckets[o][len(latencyBuckets)].Add(1)
}

// snapshot returns a copy of bucket counts keyed by operation name.
func (c *latencyCollector) snapshot() map[string][]uint64 {
	out := make(map[string][]uint64, opCount)

	for o := range opCount {
		counts := make([]uint64, len(latencyBuckets)+1)
		for b := range counts {
			counts[b] = c.buckets[o][b].Load()
		}

		out[o.String()] = counts
	}

	return out
}
