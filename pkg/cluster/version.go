package cluster

import "sync/atomic"

// Epoch tracks a monotonically increasing version for ring or membership changes.
// Used to expose a cheap cluster epoch for clients and the management API.
type Epoch struct {
	v atomic.Uint64
}

// Next increments and returns the next epoch.
func (e *Epoch) Next() uint64 { return e.v.Add(1) }

// Get returns the current epoch.
func (e *Epoch) Get() uint64 { return e.v.Load() }
