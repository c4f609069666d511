package cluster

import (
	"context"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hyp3rd/ewrap"
	"github.com/rs/zerolog"

	"github.com/hyp3rd/coretex/internal/broadcast"
	"github.com/hyp3rd/coretex/internal/sentinel"
)

// EventKind classifies membership events.
type EventKind int

// Membership event kinds.
const (
	NodeJoined EventKind = iota
	NodeStateChanged
	NodeLeft
)

func (k EventKind) String() string {
	switch k {
	case NodeJoined:
		return "node_joined"
	case NodeStateChanged:
		return "node_state_changed"
	case NodeLeft:
		return "node_left"
	}

	return "unknown"
}

// Event describes a membership change. Node is a snapshot taken when the event fired.
type Event struct {
	Kind  EventKind `json:"kind"`
	Node  *Node     `json:"node"`
	Epoch uint64    `json:"epoch"`
}

// Registry tracks the nodes of the cluster and notifies watchers of changes.
type Registry struct {
	mu     sync.RWMutex
	nodes  map[NodeID]*Node
	epoch  Epoch
	events *broadcast.Hub[Event]
	logger zerolog.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets the logger used by the registry.
func WithRegistryLogger(l zerolog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// WithRegistryQueue sets the per-watcher event buffer.
func WithRegistryQueue(n int) RegistryOption {
	return func(r *Registry) {
		if n > 0 {
			r.events = broadcast.New[Event](n)
		}
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		nodes:  map[NodeID]*Node{},
		events: broadcast.New[Event](broadcast.DefaultQueueSize),
		logger: zerolog.Nop(),
	}

	for _, o := range opts {
		o(r)
	}

	return r
}

// Register adds a new node with a generated id in state joining.
func (r *Registry) Register(address string, weight int, metadata map[string]string) (*Node, error) {
	n := &Node{
		ID:          NodeID(uuid.NewString()),
		Address:     address,
		Weight:      weight,
		State:       NodeJoining,
		Metadata:    maps.Clone(metadata),
		Incarnation: 1,
		LastSeen:    time.Now(),
	}

	err := n.Validate()
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.nodes[n.ID] = n
	r.emitLocked(NodeJoined, n)
	r.mu.Unlock()

	return n.Clone(), nil
}

// Join inserts or refreshes a node whose id is already known (static seeds, peers).
func (r *Registry) Join(node *Node) error {
	if node == nil || node.ID == "" {
		return ewrap.Wrap(sentinel.ErrMembership, "node id is required")
	}

	err := node.Validate()
	if err != nil {
		return err
	}

	r.mu.Lock()

	kind := NodeJoined

	n := node.Clone()
	if prev, ok := r.nodes[n.ID]; ok {
		kind = NodeStateChanged
		n.Incarnation = prev.Incarnation + 1
	}

	n.LastSeen = time.Now()
	r.nodes[n.ID] = n
	r.emitLocked(kind, n)
	r.mu.Unlock()

	return nil
}

// UpdateState moves a node to state.
func (r *Registry) UpdateState(id NodeID, state NodeState) error {
	r.mu.Lock()

	n, ok := r.nodes[id]
	if !ok {
		r.mu.Unlock()

		return ewrap.Wrapf(sentinel.ErrUnknownNode, "node %s", id)
	}

	n.State = state
	n.Incarnation++
	n.LastSeen = time.Now()
	r.emitLocked(NodeStateChanged, n)
	r.mu.Unlock()

	return nil
}

// Unregister removes a node.
func (r *Registry) Unregister(id NodeID) error {
	r.mu.Lock()

	n, ok := r.nodes[id]
	if !ok {
		r.mu.Unlock()

		return ewrap.Wrapf(sentinel.ErrUnknownNode, "node %s", id)
	}

	delete(r.nodes, id)
	r.emitLocked(NodeLeft, n)
	r.mu.Unlock()

	return nil
}

// Nodes returns a snapshot of all nodes ordered by id.
func (r *Registry) Nodes() []*Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Node, 0, len(r.nodes))
	for _, v := range r.nodes {
		out = append(out, v.Clone())
	}

	slices.SortFunc(out, func(a, b *Node) int { return strings.Compare(string(a.ID), string(b.ID)) })

	return out
}

// Node returns a copy of the node with id.
func (r *Registry) Node(id NodeID) (*Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n, ok := r.nodes[id]
	if !ok {
		return nil, ewrap.Wrapf(sentinel.ErrUnknownNode, "node %s", id)
	}

	return n.Clone(), nil
}

// Watch streams membership events until ctx is done or the registry is closed.
func (r *Registry) Watch(ctx context.Context) <-chan Event { return r.events.Subscribe(ctx) }

// Version returns current membership epoch.
func (r *Registry) Version() uint64 { return r.epoch.Get() }

// Dropped returns the number of events lost to slow watchers.
func (r *Registry) Dropped() uint64 { return r.events.Dropped() }

// Close ends every watch stream.
func (r *Registry) Close() { r.events.Close() }

// emitLocked publishes under r.mu so watchers observe epochs in order.
func (r *Registry) emitLocked(kind EventKind, n *Node) {
	ev := Event{Kind: kind, Node: n.Clone(), Epoch: r.epoch.Next()}

	r.logger.Debug().
		Str("event", ev.Kind.String()).
		Str("node", string(ev.Node.ID)).
		Str("state", ev.Node.State.String()).
		Uint64("epoch", ev.Epoch).
		Msg("membership change")

	if missed := r.events.Publish(ev); missed > 0 {
		r.logger.Warn().Int("missed", missed).Msg("membership watchers lagging, events dropped")
	}
}

// MarshalText encodes the kind by name.
func (k EventKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }
