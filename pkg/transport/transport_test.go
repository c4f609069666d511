package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/longbridgeapp/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyp3rd/coretex/internal/sentinel"
	"github.com/hyp3rd/coretex/pkg/cluster"
	"github.com/hyp3rd/coretex/pkg/consistency"
	"github.com/hyp3rd/coretex/pkg/coordinator"
	"github.com/hyp3rd/coretex/pkg/storage"
)

func startReplica(t *testing.T, node string) (*Server, *consistency.Store) {
	t.Helper()

	store, err := consistency.NewStore(node, storage.NewMemory())
	require.NoError(t, err)

	srv := NewServer("127.0.0.1:0", store)
	require.NoError(t, srv.Start(context.Background()))

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		_ = srv.Stop(ctx)
		_ = store.Close()
	})

	return srv, store
}

func TestClientRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	srv, store := startReplica(t, "n1")
	client := NewClient(baseURL(srv.Addr()), time.Second)

	require.NoError(t, client.Health(ctx))

	res, err := client.Put(ctx, "a/b c", consistency.Write{Value: []byte("v1")})
	require.NoError(t, err)
	assert.True(t, res.IsStored())
	assert.Equal(t, uint64(1), res.Value.Version)

	got, found, err := client.Get(ctx, "a/b c")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("v1"), got.Value)
	assert.Equal(t, uint64(1), got.Context["n1"])

	_, found, err = client.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found)

	// explicit stale version comes back as a conflict
	res, err = client.Put(ctx, "a/b c", consistency.Write{Value: []byte("other"), Version: 1})
	require.NoError(t, err)
	assert.False(t, res.IsStored())
	assert.Equal(t, 2, len(res.Candidates))

	winner, err := client.ResolveConflict(ctx, "a/b c", res.Candidates)
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), winner.Value)

	require.NoError(t, client.ReadRepair(ctx, "a/b c", consistency.VersionedValue{Value: []byte("v9"), Version: 9}))

	local, _, err := store.Get(ctx, "a/b c")
	require.NoError(t, err)
	assert.Equal(t, uint64(9), local.Version)
	assert.Equal(t, []byte("v9"), local.Value)
}

func TestClientErrorMapping(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	srv, store := startReplica(t, "n1")
	client := NewClient(baseURL(srv.Addr()), time.Second)

	_, err := client.ResolveConflict(ctx, "k", nil)
	assert.True(t, errors.Is(err, sentinel.ErrEmptyCandidates))

	_, _, err = client.Get(ctx, "  ")
	assert.True(t, errors.Is(err, sentinel.ErrInvalidKey))

	require.NoError(t, store.Close())

	_, err = client.Put(ctx, "k", consistency.Write{Value: []byte("v")})
	assert.True(t, errors.Is(err, sentinel.ErrManagerClosed))

	unreachable := NewClient("http://127.0.0.1:1", 200*time.Millisecond)
	_, _, err = unreachable.Get(ctx, "k")
	assert.True(t, errors.Is(err, sentinel.ErrCommunication))
}

func TestHTTPDirectory(t *testing.T) {
	t.Parallel()

	reg := cluster.NewRegistry()
	t.Cleanup(reg.Close)

	local, err := consistency.NewStore("local", storage.NewMemory())
	require.NoError(t, err)

	dir := NewHTTPDirectory(reg, WithLocalReplica("local", local))

	r, err := dir.Replica("local")
	require.NoError(t, err)
	assert.Equal(t, coordinator.Replica(local), r)

	_, err = dir.Replica("ghost")
	assert.True(t, errors.Is(err, sentinel.ErrReplicaNotFound))
	assert.True(t, errors.Is(err, sentinel.ErrUnknownNode))

	require.NoError(t, reg.Join(cluster.NewNode("peer", "127.0.0.1:9999", 0)))

	r, err = dir.Replica("peer")
	require.NoError(t, err)

	c, ok := r.(*Client)
	assert.True(t, ok)
	assert.Equal(t, "http://127.0.0.1:9999", c.Base())

	again, err := dir.Replica("peer")
	require.NoError(t, err)
	assert.True(t, again == r)

	require.NoError(t, reg.UpdateState("peer", cluster.NodeDown))

	_, err = dir.Replica("peer")
	assert.True(t, errors.Is(err, sentinel.ErrReplicaNotFound))
}

func TestCoordinatorOverHTTP(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	reg := cluster.NewRegistry()
	t.Cleanup(reg.Close)

	ring := cluster.NewRing()
	stores := map[cluster.NodeID]*consistency.Store{}
	servers := map[cluster.NodeID]*Server{}

	for _, id := range []cluster.NodeID{"n1", "n2", "n3"} {
		srv, store := startReplica(t, string(id))
		stores[id] = store
		servers[id] = srv

		node := cluster.NewNode(string(id), srv.Addr(), 0)
		require.NoError(t, reg.Join(node))
		require.NoError(t, ring.AddNode(node))
	}

	coord, err := coordinator.New(coordinator.Defaults(), ring, NewHTTPDirectory(reg, WithCallTimeout(time.Second)))
	require.NoError(t, err)
	t.Cleanup(coord.Stop)

	v, err := coord.Put(ctx, "user:42", []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v.Version)

	got, ok, err := coord.Get(ctx, "user:42")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("hello"), got.Value)

	// one replica goes away, quorum still holds
	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	require.NoError(t, servers["n3"].Stop(stopCtx))

	_, err = coord.Put(ctx, "user:42", []byte("again"))
	require.NoError(t, err)

	got, ok, err = coord.Get(ctx, "user:42")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("again"), got.Value)
	assert.Equal(t, uint64(2), got.Version)
}
