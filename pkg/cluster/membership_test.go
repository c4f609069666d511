package cluster

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/longbridgeapp/assert"

	"github.com/hyp3rd/coretex/internal/sentinel"
)

func TestRegistryRegister(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := reg.Watch(ctx)

	n, err := reg.Register("10.0.0.1:7000", 0, map[string]string{"zone": "a"})
	assert.NoError(t, err)
	assert.Equal(t, NodeJoining, n.State)

	_, err = uuid.Parse(string(n.ID))
	assert.NoError(t, err)

	ev := <-events
	assert.Equal(t, NodeJoined, ev.Kind)
	assert.Equal(t, n.ID, ev.Node.ID)
	assert.Equal(t, uint64(1), ev.Epoch)

	got, err := reg.Node(n.ID)
	assert.NoError(t, err)
	assert.Equal(t, "a", got.Metadata["zone"])
}

func TestRegistryInvalidAddress(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()

	_, err := reg.Register("not-an-address", 0, nil)
	assert.True(t, errors.Is(err, sentinel.ErrInvalidAddress))
	assert.Equal(t, 0, len(reg.Nodes()))
}

func TestRegistryLifecycle(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := reg.Watch(ctx)

	assert.NoError(t, reg.Join(NewNode("n1", "10.0.0.1:7000", 0)))
	assert.NoError(t, reg.UpdateState("n1", NodeLeaving))
	assert.NoError(t, reg.Unregister("n1"))

	kinds := []EventKind{(<-events).Kind, (<-events).Kind, (<-events).Kind}
	assert.Equal(t, []EventKind{NodeJoined, NodeStateChanged, NodeLeft}, kinds)
	assert.Equal(t, uint64(3), reg.Version())

	err := reg.UpdateState("n1", NodeActive)
	assert.True(t, errors.Is(err, sentinel.ErrUnknownNode))

	err = reg.Unregister("n1")
	assert.True(t, errors.Is(err, sentinel.ErrMembership))

	_, err = reg.Node("n1")
	assert.True(t, errors.Is(err, sentinel.ErrUnknownNode))
}

func TestRegistryJoinUpsert(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()

	assert.NoError(t, reg.Join(NewNode("n1", "10.0.0.1:7000", 0)))
	assert.NoError(t, reg.Join(NewNode("n1", "10.0.0.2:7000", 0)))

	nodes := reg.Nodes()
	assert.Equal(t, 1, len(nodes))
	assert.Equal(t, "10.0.0.2:7000", nodes[0].Address)
	assert.Equal(t, uint64(2), nodes[0].Incarnation)
}

func TestRegistrySnapshotsAreCopies(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	assert.NoError(t, reg.Join(NewNode("n1", "10.0.0.1:7000", 0)))

	nodes := reg.Nodes()
	nodes[0].State = NodeDown

	again, _ := reg.Node("n1")
	assert.Equal(t, NodeActive, again.State)
}

func TestNodeStateText(t *testing.T) {
	t.Parallel()

	for _, s := range []NodeState{NodeJoining, NodeActive, NodeLeaving, NodeDown} {
		b, err := s.MarshalText()
		assert.NoError(t, err)

		var back NodeState
		assert.NoError(t, back.UnmarshalText(b))
		assert.Equal(t, s, back)
	}

	_, err := ParseNodeState("zombie")
	assert.True(t, errors.Is(err, sentinel.ErrMembership))
}

func TestDeriveID(t *testing.T) {
	t.Parallel()

	a := NewNode("", "10.0.0.1:7000", 0)
	b := NewNode("", "10.0.0.1:7000", 0)

	assert.Equal(t, a.ID, b.ID)
	assert.Equal(t, 16, len(a.ID))
}
