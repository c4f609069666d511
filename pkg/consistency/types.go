// Package consistency implements a per-node versioned store: every key carries a
// monotonically increasing version, a causal context and an optional tombstone.
// Concurrent writes are reconciled with a deterministic total order so that every
// replica converges on the same winner.
package consistency

import (
	"context"
	"iter"
	"time"

	"github.com/hyp3rd/ewrap"
)

// VersionedValue is a value together with its version metadata.
type VersionedValue struct {
	Key     string `json:"key"`
	Value   []byte `json:"value"`
	Version uint64 `json:"version"`
	Context Clock  `json:"context,omitempty"`
	Deleted bool   `json:"deleted,omitempty"`
	Origin  string `json:"origin,omitempty"`
}

// Clone returns a deep copy of v.
func (v VersionedValue) Clone() VersionedValue {
	cp := v
	if v.Value != nil {
		cp.Value = append([]byte(nil), v.Value...)
	}

	cp.Context = v.Context.Clone()

	return cp
}

// Write is the input of Put. A zero Version asks the store to assign last+1.
type Write struct {
	Value   []byte `json:"value"`
	Version uint64 `json:"version,omitempty"`
	Context Clock  `json:"context,omitempty"`
	Deleted bool   `json:"deleted,omitempty"`
	Origin  string `json:"origin,omitempty"`
}

// Outcome tells whether a Put was stored or rejected as a conflict.
type Outcome int

// Put outcomes.
const (
	Stored Outcome = iota
	Conflict
)

func (o Outcome) String() string {
	if o == Conflict {
		return "conflict"
	}

	return "stored"
}

// Result is the outcome of Put. Value is set when Stored; Candidates holds the
// current and the incoming value when Conflict.
type Result struct {
	Outcome    Outcome          `json:"outcome"`
	Value      VersionedValue   `json:"value"`
	Candidates []VersionedValue `json:"candidates,omitempty"`
}

// IsStored reports whether the write was accepted.
func (r Result) IsStored() bool { return r.Outcome == Stored }

// EventKind classifies consistency events.
type EventKind int

// Consistency event kinds.
const (
	WriteCommitted EventKind = iota
	WriteConflict
	ReadRepaired
)

func (k EventKind) String() string {
	switch k {
	case WriteCommitted:
		return "write_committed"
	case WriteConflict:
		return "write_conflict"
	case ReadRepaired:
		return "read_repair"
	}

	return "unknown"
}

// MarshalText encodes the kind by name.
func (k EventKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// UnmarshalText decodes a kind name.
func (k *EventKind) UnmarshalText(b []byte) error {
	for _, c := range []EventKind{WriteCommitted, WriteConflict, ReadRepaired} {
		if c.String() == string(b) {
			*k = c

			return nil
		}
	}

	return ewrap.Newf("unknown event kind %q", string(b))
}

// Event describes a committed write, a resolved conflict or a repair.
type Event struct {
	Kind       EventKind        `json:"kind"`
	Key        string           `json:"key"`
	Value      VersionedValue   `json:"value"`
	Candidates []VersionedValue `json:"candidates,omitempty"`
	Node       string           `json:"node"`
	At         time.Time        `json:"at"`
}

// Metrics is a snapshot of store counters.
type Metrics struct {
	Puts          int64 `json:"puts"`
	Deletes       int64 `json:"deletes"`
	Conflicts     int64 `json:"conflicts"`
	Resolutions   int64 `json:"resolutions"`
	Repairs       int64 `json:"repairs"`
	EventsDropped int64 `json:"events_dropped"`
}

// Manager is the versioned key-value contract served by every replica.
type Manager interface {
	Get(ctx context.Context, key string) (VersionedValue, bool, error)
	Put(ctx context.Context, key string, w Write) (Result, error)
	Delete(ctx context.Context, key string) (Result, error)
	ResolveConflict(ctx context.Context, key string, candidates []VersionedValue) (VersionedValue, error)
	ReadRepair(ctx context.Context, key string, authoritative VersionedValue) error
	Watch(ctx context.Context) <-chan Event
}

// Scanner is implemented by managers that can enumerate their records.
type Scanner interface {
	Scan(ctx context.Context, start, end string, limit int) iter.Seq2[VersionedValue, error]
}
