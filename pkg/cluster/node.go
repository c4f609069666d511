// Package cluster contains primitives for node identity, membership tracking and
// the weighted consistent-hash ring used to place keys on replicas.
package cluster

import (
	"encoding/hex"
	"maps"
	"net"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/hyp3rd/ewrap"

	"github.com/hyp3rd/coretex/internal/sentinel"
)

// NodeState represents membership state of a node.
type NodeState int

// Node state enumeration.
const (
	NodeJoining NodeState = iota
	NodeActive
	NodeLeaving
	NodeDown
)

// internal constants.
const (
	nodeIDBytes = 8
	byteShift   = 8 // bits per byte for id derivation
)

func (s NodeState) String() string {
	switch s {
	case NodeJoining:
		return "joining"
	case NodeActive:
		return "active"
	case NodeLeaving:
		return "leaving"
	case NodeDown:
		return "down"
	}

	return "unknown"
}

// ParseNodeState converts the textual form produced by String back into a NodeState.
func ParseNodeState(s string) (NodeState, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "joining":
		return NodeJoining, nil
	case "active":
		return NodeActive, nil
	case "leaving":
		return NodeLeaving, nil
	case "down":
		return NodeDown, nil
	}

	return NodeDown, ewrap.Wrapf(sentinel.ErrMembership, "unknown node state %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (s NodeState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *NodeState) UnmarshalText(b []byte) error {
	st, err := ParseNodeState(string(b))
	if err != nil {
		return err
	}

	*s = st

	return nil
}

// Owning reports whether a node in this state takes part in key placement.
func (s NodeState) Owning() bool { return s == NodeActive || s == NodeLeaving }

// NodeID is a stable identifier for a node.
type NodeID string

// Node holds identity & state.
type Node struct {
	ID          NodeID            `json:"id"`
	Address     string            `json:"address"` // host:port for intra-cluster RPC
	Weight      int               `json:"weight"`
	State       NodeState         `json:"state"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Incarnation uint64            `json:"incarnation"`
	LastSeen    time.Time         `json:"last_seen"`
}

// NewNode creates a node from address (host:port). If id empty, derive a short hex id using xxhash64.
func NewNode(id, addr string, weight int) *Node {
	if id == "" {
		id = DeriveID(addr)
	}

	return &Node{
		ID:          NodeID(id),
		Address:     addr,
		Weight:      weight,
		State:       NodeActive,
		Incarnation: 1,
		LastSeen:    time.Now(),
	}
}

// DeriveID returns the 16 hex characters id derived from an address.
func DeriveID(addr string) string {
	hv := xxhash.Sum64String(addr)

	b := make([]byte, nodeIDBytes)
	for i := range nodeIDBytes {
		b[i] = byte(hv >> (byteShift * i))
	}

	return hex.EncodeToString(b)
}

// Validate basic fields.
func (n *Node) Validate() error {
	if n.Address == "" {
		return sentinel.ErrInvalidAddress
	}

	_, _, err := net.SplitHostPort(n.Address)
	if err != nil {
		return ewrap.Wrap(sentinel.ErrInvalidAddress, err.Error())
	}

	return nil
}

// Clone returns a deep copy of the node.
func (n *Node) Clone() *Node {
	cp := *n
	cp.Metadata = maps.Clone(n.Metadata)

	return &cp
}
