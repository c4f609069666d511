package coretex

import (
	"context"

	"github.com/hyp3rd/coretex/pkg/cluster"
	"github.com/hyp3rd/coretex/pkg/consistency"
	"github.com/hyp3rd/coretex/pkg/coordinator"
)

// Stats is a point-in-time view of a node's counters.
type Stats struct {
	Node        string              `json:"node"`
	Coordinator coordinator.Metrics `json:"coordinator"`
	Store       consistency.Metrics `json:"store"`
	Membership  MembershipStats     `json:"membership"`
	Ring        RingStats           `json:"ring"`
}

// MembershipStats describes the registry.
type MembershipStats struct {
	Members       int    `json:"members"`
	Epoch         uint64 `json:"epoch"`
	EventsDropped uint64 `json:"events_dropped"`
}

// RingStats describes the placement ring.
type RingStats struct {
	Nodes   int    `json:"nodes"`
	Points  int    `json:"points"`
	Version uint64 `json:"version"`
}

// Stats returns the node counters.
func (inst *Instance) Stats() Stats {
	return Stats{
		Node:        inst.cfg.Node.ID,
		Coordinator: inst.coord.Metrics(),
		Store:       inst.store.Metrics(),
		Membership: MembershipStats{
			Members:       len(inst.registry.Nodes()),
			Epoch:         inst.registry.Version(),
			EventsDropped: inst.registry.Dropped(),
		},
		Ring: RingStats{
			Nodes:   inst.ring.Len(),
			Points:  len(inst.ring.Points()),
			Version: inst.ring.Version(),
		},
	}
}

// Members returns the registered nodes.
func (inst *Instance) Members() []*cluster.Node { return inst.registry.Nodes() }

// RingPoints returns the ring points in hash order.
func (inst *Instance) RingPoints() []string { return inst.ring.Points() }

// Owners returns the preference list of key.
func (inst *Instance) Owners(key string) []cluster.NodeID { return inst.coord.Owners(key) }

// SetNodeState moves a member to state; the ring follows.
func (inst *Instance) SetNodeState(id cluster.NodeID, state cluster.NodeState) error {
	return inst.registry.UpdateState(id, state)
}

// ReplayHints delivers queued hints once.
func (inst *Instance) ReplayHints(ctx context.Context) { inst.coord.ReplayHints(ctx) }

// Scan lists up to limit local records in [start, end).
func (inst *Instance) Scan(ctx context.Context, start, end string, limit int) ([]consistency.VersionedValue, error) {
	var out []consistency.VersionedValue

	for v, err := range inst.store.Scan(ctx, start, end, limit) {
		if err != nil {
			return nil, err
		}

		out = append(out, v)
	}

	return out, nil
}
