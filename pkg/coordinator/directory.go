package coordinator

import (
	"context"
	"sync"

	"github.com/hyp3rd/ewrap"

	"github.com/hyp3rd/coretex/internal/sentinel"
	"github.com/hyp3rd/coretex/pkg/cluster"
	"github.com/hyp3rd/coretex/pkg/consistency"
)

// Replica is the subset of the consistency contract the coordinator calls on
// each member of a preference list.
type Replica interface {
	Get(ctx context.Context, key string) (consistency.VersionedValue, bool, error)
	Put(ctx context.Context, key string, w consistency.Write) (consistency.Result, error)
	ResolveConflict(ctx context.Context, key string, candidates []consistency.VersionedValue) (consistency.VersionedValue, error)
	ReadRepair(ctx context.Context, key string, authoritative consistency.VersionedValue) error
}

// Directory resolves node ids to callable replicas.
type Directory interface {
	Replica(id cluster.NodeID) (Replica, error)
}

// LocalDirectory maps node ids to in-process replicas.
type LocalDirectory struct {
	mu       sync.RWMutex
	replicas map[cluster.NodeID]Replica
}

// NewLocalDirectory creates an empty directory.
func NewLocalDirectory() *LocalDirectory {
	return &LocalDirectory{replicas: map[cluster.NodeID]Replica{}}
}

// Register adds or replaces the replica served for id.
func (d *LocalDirectory) Register(id cluster.NodeID, r Replica) {
	d.mu.Lock()
	d.replicas[id] = r
	d.mu.Unlock()
}

// Unregister removes a replica (simulates failure in tests).
func (d *LocalDirectory) Unregister(id cluster.NodeID) {
	d.mu.Lock()
	delete(d.replicas, id)
	d.mu.Unlock()
}

// Replica implements Directory.
func (d *LocalDirectory) Replica(id cluster.NodeID) (Replica, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	r, ok := d.replicas[id]
	if !ok {
		return nil, ewrap.Wrapf(sentinel.ErrReplicaNotFound, "node %s", id)
	}

	return r, nil
}
