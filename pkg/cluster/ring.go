package cluster

import (
	"context"
	"encoding/binary"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/hyp3rd/ewrap"

	"github.com/hyp3rd/coretex/internal/sentinel"
)

const (
	defaultVirtualNodes = 64
	pointIndexBytes     = 4
)

// Placement maps keys to the ordered list of nodes responsible for them.
type Placement interface {
	AddNode(node *Node) error
	RemoveNode(id NodeID) error
	Primary(key string) (*Node, bool)
	Replicas(key string, n int) []*Node
	Nodes() []*Node
}

// Ring implements a weighted consistent hashing ring with virtual nodes.
// Lookups are lock-free against an immutable snapshot; mutators are serialized and
// publish a rebuilt snapshot with an atomic swap.
type Ring struct {
	mu            sync.Mutex
	snap          atomic.Pointer[ringSnapshot]
	defaultWeight int
	epoch         Epoch
}

type point struct {
	hash uint64
	nid  NodeID
}

type ringSnapshot struct {
	points []point
	nodes  map[NodeID]*Node
}

// RingOption configures ring.
type RingOption func(*Ring)

// WithVirtualNodes sets the number of virtual points used for nodes with a non-positive weight.
func WithVirtualNodes(n int) RingOption {
	return func(r *Ring) {
		if n > 0 {
			r.defaultWeight = n
		}
	}
}

// NewRing constructs a new empty Ring applying provided options.
func NewRing(opts ...RingOption) *Ring {
	r := &Ring{defaultWeight: defaultVirtualNodes}
	for _, o := range opts {
		o(r)
	}

	r.snap.Store(&ringSnapshot{nodes: map[NodeID]*Node{}})

	return r
}

// AddNode inserts a node and its weighted virtual points.
func (r *Ring) AddNode(node *Node) error {
	if node == nil || node.ID == "" {
		return ewrap.Wrap(sentinel.ErrMembership, "node id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snap.Load()
	if _, ok := cur.nodes[node.ID]; ok {
		return ewrap.Wrapf(sentinel.ErrDuplicateNode, "node %s", node.ID)
	}

	next := make(map[NodeID]*Node, len(cur.nodes)+1)
	for id, n := range cur.nodes {
		next[id] = n
	}

	next[node.ID] = node.Clone()

	r.publish(next)

	return nil
}

// RemoveNode removes a node and all of its points.
func (r *Ring) RemoveNode(id NodeID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snap.Load()
	if _, ok := cur.nodes[id]; !ok {
		return ewrap.Wrapf(sentinel.ErrUnknownNode, "node %s", id)
	}

	next := make(map[NodeID]*Node, len(cur.nodes))
	for nid, n := range cur.nodes {
		if nid != id {
			next[nid] = n
		}
	}

	r.publish(next)

	return nil
}

// Sync replaces the whole node set with a single rebuild.
func (r *Ring) Sync(nodes []*Node) {
	next := make(map[NodeID]*Node, len(nodes))
	for _, n := range nodes {
		if n == nil || n.ID == "" {
			continue
		}

		next[n.ID] = n.Clone()
	}

	r.mu.Lock()
	r.publish(next)
	r.mu.Unlock()
}

// publish builds the point table for nodes and swaps it in. Caller holds r.mu.
func (r *Ring) publish(nodes map[NodeID]*Node) {
	owners := make(map[uint64]NodeID, len(nodes)*r.defaultWeight)

	for id, n := range nodes {
		weight := n.Weight
		if weight <= 0 {
			weight = r.defaultWeight
		}

		buf := make([]byte, len(id)+pointIndexBytes)
		copy(buf, id)

		for i := range weight {
			binary.BigEndian.PutUint32(buf[len(id):], uint32(i)) //nolint:gosec

			hv := xxhash.Sum64(buf)
			if prev, ok := owners[hv]; ok && prev < id {
				continue
			}

			owners[hv] = id
		}
	}

	points := make([]point, 0, len(owners))
	for hv, id := range owners {
		points = append(points, point{hash: hv, nid: id})
	}

	sort.Slice(points, func(i, j int) bool { return points[i].hash < points[j].hash })

	r.snap.Store(&ringSnapshot{points: points, nodes: nodes})
	r.epoch.Next()
}

// Primary returns the owner of the first point at or after the key hash.
func (r *Ring) Primary(key string) (*Node, bool) {
	s := r.snap.Load()
	if len(s.points) == 0 {
		return nil, false
	}

	idx := s.search(xxhash.Sum64String(key))

	return s.nodes[s.points[idx].nid].Clone(), true
}

// Replicas walks the ring clockwise from the key and returns up to n distinct nodes.
func (r *Ring) Replicas(key string, n int) []*Node {
	s := r.snap.Load()
	if n <= 0 || len(s.points) == 0 {
		return []*Node{}
	}

	n = min(n, len(s.nodes))

	res := make([]*Node, 0, n)
	seen := make(map[NodeID]struct{}, n)

	idx := s.search(xxhash.Sum64String(key))
	for i := 0; len(res) < n && i < len(s.points); i++ {
		p := s.points[(idx+i)%len(s.points)]
		if _, ok := seen[p.nid]; ok {
			continue
		}

		seen[p.nid] = struct{}{}
		res = append(res, s.nodes[p.nid].Clone())
	}

	return res
}

// Nodes returns the nodes currently on the ring ordered by id.
func (r *Ring) Nodes() []*Node {
	s := r.snap.Load()

	out := make([]*Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, n.Clone())
	}

	slices.SortFunc(out, func(a, b *Node) int { return strings.Compare(string(a.ID), string(b.ID)) })

	return out
}

// Len returns the number of physical nodes on the ring.
func (r *Ring) Len() int { return len(r.snap.Load().nodes) }

// Version returns the snapshot epoch; it grows with every rebuild.
func (r *Ring) Version() uint64 { return r.epoch.Get() }

// Points returns the virtual points as "hash:node" strings in ring order (debug only).
func (r *Ring) Points() []string {
	s := r.snap.Load()

	out := make([]string, 0, len(s.points))
	for _, p := range s.points {
		out = append(out, fmt.Sprintf("%016x:%s", p.hash, p.nid))
	}

	return out
}

// Follow keeps the ring in sync with a registry until ctx is done. Only nodes in an
// owning state (active or leaving) are placed.
func (r *Ring) Follow(ctx context.Context, reg *Registry) error {
	events := reg.Watch(ctx)

	r.Sync(owningNodes(reg.Nodes()))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-events:
			if !ok {
				return ctx.Err()
			}

			r.Sync(owningNodes(reg.Nodes()))
		}
	}
}

func owningNodes(nodes []*Node) []*Node {
	out := nodes[:0]
	for _, n := range nodes {
		if n.State.Owning() {
			out = append(out, n)
		}
	}

	return out
}

// search returns the index of the first point with hash >= h, wrapping to zero.
func (s *ringSnapshot) search(h uint64) int {
	idx := sort.Search(len(s.points), func(i int) bool { return s.points[i].hash >= h })
	if idx == len(s.points) {
		return 0
	}

	return idx
}
