package transport

import (
	"strings"
	"sync"
	"time"

	"github.com/hyp3rd/ewrap"

	"github.com/hyp3rd/coretex/internal/sentinel"
	"github.com/hyp3rd/coretex/pkg/cluster"
	"github.com/hyp3rd/coretex/pkg/coordinator"
)

// NodeLookup resolves node ids to members; *cluster.Registry satisfies it.
type NodeLookup interface {
	Node(id cluster.NodeID) (*cluster.Node, error)
}

// HTTPDirectory resolves node ids to HTTP clients through the membership
// registry. Locally hosted replicas are called in-process.
type HTTPDirectory struct {
	nodes   NodeLookup
	timeout time.Duration

	mu      sync.Mutex
	clients map[string]*Client // by address
	local   map[cluster.NodeID]coordinator.Replica
}

// DirectoryOption configures an HTTPDirectory.
type DirectoryOption func(*HTTPDirectory)

// WithCallTimeout sets the HTTP client timeout.
func WithCallTimeout(d time.Duration) DirectoryOption {
	return func(d2 *HTTPDirectory) { d2.timeout = d }
}

// WithLocalReplica serves id from an in-process replica instead of HTTP.
func WithLocalReplica(id cluster.NodeID, r coordinator.Replica) DirectoryOption {
	return func(d *HTTPDirectory) { d.local[id] = r }
}

// NewHTTPDirectory creates a directory over nodes.
func NewHTTPDirectory(nodes NodeLookup, opts ...DirectoryOption) *HTTPDirectory {
	d := &HTTPDirectory{
		nodes:   nodes,
		timeout: defaultClientTimeout,
		clients: map[string]*Client{},
		local:   map[cluster.NodeID]coordinator.Replica{},
	}

	for _, o := range opts {
		o(d)
	}

	return d
}

// Replica implements coordinator.Directory. Down nodes are reported as not found.
func (d *HTTPDirectory) Replica(id cluster.NodeID) (coordinator.Replica, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if r, ok := d.local[id]; ok {
		return r, nil
	}

	n, err := d.nodes.Node(id)
	if err != nil {
		return nil, sentinel.Classify(sentinel.ErrReplicaNotFound, err, string(id))
	}

	if n.State == cluster.NodeDown {
		return nil, ewrap.Wrapf(sentinel.ErrReplicaNotFound, "node %s is down", id)
	}

	if c, ok := d.clients[n.Address]; ok {
		return c, nil
	}

	c := NewClient(baseURL(n.Address), d.timeout)
	d.clients[n.Address] = c

	return c, nil
}

func baseURL(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/")
	}

	return "http://" + addr
}
