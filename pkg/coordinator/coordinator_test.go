package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/longbridgeapp/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyp3rd/coretex/internal/sentinel"
	"github.com/hyp3rd/coretex/pkg/cluster"
	"github.com/hyp3rd/coretex/pkg/consistency"
	"github.com/hyp3rd/coretex/pkg/storage"
)

// countingReplica records how often a replica was contacted.
type countingReplica struct {
	Replica

	gets atomic.Int64
	puts atomic.Int64
}

func (r *countingReplica) Get(ctx context.Context, key string) (consistency.VersionedValue, bool, error) {
	r.gets.Add(1)

	return r.Replica.Get(ctx, key)
}

func (r *countingReplica) Put(ctx context.Context, key string, w consistency.Write) (consistency.Result, error) {
	r.puts.Add(1)

	return r.Replica.Put(ctx, key, w)
}

// blockingReplica holds every call until release is closed or the call times out.
type blockingReplica struct {
	Replica

	release chan struct{}
}

func (r *blockingReplica) Get(ctx context.Context, key string) (consistency.VersionedValue, bool, error) {
	select {
	case <-r.release:
		return r.Replica.Get(ctx, key)
	case <-ctx.Done():
		return consistency.VersionedValue{}, false, ctx.Err()
	}
}

// downReplica counts calls and fails every one of them like an unreachable node.
type downReplica struct {
	Replica

	gets atomic.Int64
	puts atomic.Int64
}

func (r *downReplica) Get(context.Context, string) (consistency.VersionedValue, bool, error) {
	r.gets.Add(1)

	return consistency.VersionedValue{}, false, sentinel.ErrCommunication
}

func (r *downReplica) Put(context.Context, string, consistency.Write) (consistency.Result, error) {
	r.puts.Add(1)

	return consistency.Result{}, sentinel.ErrCommunication
}

type testCluster struct {
	ring     *cluster.Ring
	dir      *LocalDirectory
	stores   map[cluster.NodeID]*consistency.Store
	counting map[cluster.NodeID]*countingReplica
	coord    *Coordinator
}

func newTestCluster(t *testing.T, cfg Config, ids ...string) *testCluster {
	t.Helper()

	tc := &testCluster{
		ring:     cluster.NewRing(),
		dir:      NewLocalDirectory(),
		stores:   map[cluster.NodeID]*consistency.Store{},
		counting: map[cluster.NodeID]*countingReplica{},
	}

	for i, id := range ids {
		require.NoError(t, tc.ring.AddNode(cluster.NewNode(id, fmt.Sprintf("127.0.0.1:%d", 7000+i), 0)))

		s, err := consistency.NewStore(id, storage.NewMemory())
		require.NoError(t, err)

		t.Cleanup(func() { _ = s.Close() })

		nid := cluster.NodeID(id)
		tc.stores[nid] = s
		tc.counting[nid] = &countingReplica{Replica: s}
		tc.dir.Register(nid, tc.counting[nid])
	}

	c, err := New(cfg, tc.ring, tc.dir, WithNodeID("test"))
	require.NoError(t, err)

	t.Cleanup(c.Stop)

	tc.coord = c

	return tc
}

// keyWithOwnerAt finds a key whose preference list has id at position pos.
func (tc *testCluster) keyWithOwnerAt(t *testing.T, id cluster.NodeID, pos int) string {
	t.Helper()

	for i := range 10000 {
		key := fmt.Sprintf("key-%d", i)
		if owners := tc.coord.Owners(key); len(owners) > pos && owners[pos] == id {
			return key
		}
	}

	t.Fatalf("no key found with %s at position %d", id, pos)

	return ""
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}

		time.Sleep(5 * time.Millisecond)
	}

	t.Fatalf("condition not met before deadline")
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	assert.NoError(t, Defaults().Validate())

	cases := []struct {
		name string
		cfg  Config
		want error
	}{
		{"no intersection", Config{ReplicationFactor: 3, WriteQuorum: 1, ReadQuorum: 2}, sentinel.ErrInvalidQuorum},
		{"zero replication", Config{ReplicationFactor: 0, WriteQuorum: 1, ReadQuorum: 1}, sentinel.ErrInvalidReplication},
		{"write above n", Config{ReplicationFactor: 2, WriteQuorum: 3, ReadQuorum: 1}, sentinel.ErrConfiguration},
		{"zero read", Config{ReplicationFactor: 1, WriteQuorum: 1, ReadQuorum: 0}, sentinel.ErrConfiguration},
	}

	for _, tc := range cases {
		err := tc.cfg.Validate()
		if !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}

		assert.True(t, errors.Is(err, sentinel.ErrConfiguration))

		_, err = New(tc.cfg, cluster.NewRing(), NewLocalDirectory())
		assert.True(t, errors.Is(err, sentinel.ErrConfiguration))
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tc := newTestCluster(t, Defaults(), "n1", "n2", "n3")

	v1, err := tc.coord.Put(ctx, "user:1", []byte("alice"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v1.Version)
	assert.Equal(t, "test", v1.Origin)

	v2, err := tc.coord.Put(ctx, "user:1", []byte("bob"))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), v2.Version)

	got, ok, err := tc.coord.Get(ctx, "user:1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("bob"), got.Value)
	assert.Equal(t, uint64(2), got.Version)

	_, ok, err = tc.coord.Get(ctx, "user:missing")
	require.NoError(t, err)
	assert.False(t, ok)

	m := tc.coord.Metrics()
	assert.Equal(t, int64(2), m.Puts)
	assert.Equal(t, int64(2), m.Gets)
}

func TestUnreachableReplica(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tc := newTestCluster(t, Config{ReplicationFactor: 3, WriteQuorum: 2, ReadQuorum: 2}, "n1", "n2", "n3")

	key := tc.keyWithOwnerAt(t, "n3", 2)

	down := &downReplica{Replica: tc.stores["n3"]}
	tc.dir.Register("n3", down)

	v, err := tc.coord.Put(ctx, key, []byte("v"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v.Version)

	waitFor(t, func() bool { return tc.coord.HintQueueSize("n3") == 1 })
	assert.True(t, down.puts.Load() > 0)

	got, ok, err := tc.coord.Get(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v"), got.Value)

	// the first two replicas answered both reads, the third was never asked
	assert.Equal(t, int64(0), down.gets.Load())

	// the replica comes back and receives the missed write
	tc.dir.Register("n3", tc.counting["n3"])
	tc.coord.ReplayHints(ctx)

	local, ok, err := tc.stores["n3"].Get(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v"), local.Value)
	assert.Equal(t, 0, tc.coord.HintQueueSize("n3"))
	assert.Equal(t, int64(1), tc.coord.Metrics().HintsReplayed)
}

func TestWriteWithReadQuorumAboveRingSize(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tc := newTestCluster(t, Config{ReplicationFactor: 3, WriteQuorum: 1, ReadQuorum: 3}, "n1", "n2")

	v, err := tc.coord.Put(ctx, "k", []byte("v"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v.Version)

	v, err = tc.coord.Delete(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), v.Version)

	// reads still need R answers
	_, _, err = tc.coord.Get(ctx, "k")
	assert.True(t, errors.Is(err, sentinel.ErrQuorumFailed))
}

func TestWriteNeedsOnlyWriteQuorum(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tc := newTestCluster(t, Config{ReplicationFactor: 3, WriteQuorum: 1, ReadQuorum: 3}, "n1", "n2", "n3")

	v, err := tc.coord.Put(ctx, "k", []byte("a"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v.Version)

	// a single ack returns early; let the other replicas catch up
	for _, id := range []cluster.NodeID{"n1", "n2", "n3"} {
		waitFor(t, func() bool {
			local, ok, err := tc.stores[id].Get(ctx, "k")

			return err == nil && ok && local.Version == 1
		})
	}

	tc.dir.Unregister("n3")

	v, err = tc.coord.Put(ctx, "k", []byte("b"))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), v.Version)

	waitFor(t, func() bool { return tc.coord.HintQueueSize("n3") == 1 })

	for _, id := range []cluster.NodeID{"n1", "n2"} {
		waitFor(t, func() bool {
			local, ok, err := tc.stores[id].Get(ctx, "k")

			return err == nil && ok && local.Version == 2
		})
	}

	_, _, err = tc.coord.Get(ctx, "k")
	assert.True(t, errors.Is(err, sentinel.ErrQuorumFailed))
}

func TestReadPromotesNextReplica(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tc := newTestCluster(t, Config{ReplicationFactor: 3, WriteQuorum: 2, ReadQuorum: 2}, "n1", "n2", "n3")

	key := tc.keyWithOwnerAt(t, "n1", 0)

	_, err := tc.coord.Put(ctx, key, []byte("v"))
	require.NoError(t, err)

	tc.dir.Unregister("n1")

	got, ok, err := tc.coord.Get(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v"), got.Value)
}

func TestQuorumFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tc := newTestCluster(t, Config{ReplicationFactor: 3, WriteQuorum: 2, ReadQuorum: 2}, "n1", "n2", "n3")

	tc.dir.Unregister("n1")
	tc.dir.Unregister("n2")

	_, err := tc.coord.Put(ctx, "k", []byte("v"))
	assert.True(t, errors.Is(err, sentinel.ErrQuorumFailed))
	assert.True(t, errors.Is(err, sentinel.ErrConsistency))
	assert.True(t, errors.Is(err, sentinel.ErrReplicaNotFound))

	_, _, err = tc.coord.Get(ctx, "k")
	assert.True(t, errors.Is(err, sentinel.ErrQuorumFailed))
}

func TestEmptyRing(t *testing.T) {
	t.Parallel()

	c, err := New(Defaults(), cluster.NewRing(), NewLocalDirectory())
	require.NoError(t, err)

	_, err = c.Put(context.Background(), "k", []byte("v"))
	assert.True(t, errors.Is(err, sentinel.ErrConsistency))

	_, _, err = c.Get(context.Background(), "k")
	assert.True(t, errors.Is(err, sentinel.ErrConsistency))
	assert.Equal(t, 0, len(c.Owners("k")))
}

func TestConcurrentTieResolvesEverywhere(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tc := newTestCluster(t, Config{ReplicationFactor: 3, WriteQuorum: 2, ReadQuorum: 3}, "n1", "n2", "n3")

	const key = "tie"

	// two writers raced and each reached a different subset of replicas with version 5
	_, err := tc.stores["n1"].Put(ctx, key, consistency.Write{Value: []byte("A"), Version: 5, Origin: "w1"})
	require.NoError(t, err)
	_, err = tc.stores["n2"].Put(ctx, key, consistency.Write{Value: []byte("B"), Version: 5, Origin: "w2"})
	require.NoError(t, err)
	_, err = tc.stores["n3"].Put(ctx, key, consistency.Write{Value: []byte("A"), Version: 5, Origin: "w1"})
	require.NoError(t, err)

	got, ok, err := tc.coord.Get(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("B"), got.Value)

	for id, s := range tc.stores {
		waitFor(t, func() bool {
			v, _, err := s.Get(ctx, key)

			return err == nil && string(v.Value) == "B"
		})

		v, _, _ := s.Get(ctx, key)
		if v.Version != 5 {
			t.Fatalf("%s converged on version %d", id, v.Version)
		}
	}

	// the next write supersedes the tie everywhere
	next, err := tc.coord.Put(ctx, key, []byte("C"))
	require.NoError(t, err)
	assert.Equal(t, uint64(6), next.Version)
}

func TestWriteConflictAckedOnlyForWinner(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tc := newTestCluster(t, Config{ReplicationFactor: 1, WriteQuorum: 1, ReadQuorum: 1}, "n1", "n2")

	// version 1 "Z" is already held, so a concurrent version 1 "A" loses
	_, err := tc.stores["n1"].Put(ctx, "lose", consistency.Write{Value: []byte("Z"), Version: 1})
	require.NoError(t, err)

	lost := consistency.VersionedValue{Key: "lose", Value: []byte("A"), Version: 1, Origin: "test"}
	err = tc.coord.writeOne(ctx, "n1", "lose", consistency.Write{Value: lost.Value, Version: 1, Origin: "test"}, lost)
	assert.True(t, errors.Is(err, sentinel.ErrConsistency))
	assert.Equal(t, 0, tc.coord.HintQueueSize("n1"))

	// version 1 "A" is held, a concurrent version 1 "Z" wins and is acknowledged
	_, err = tc.stores["n2"].Put(ctx, "win", consistency.Write{Value: []byte("A"), Version: 1})
	require.NoError(t, err)

	won := consistency.VersionedValue{Key: "win", Value: []byte("Z"), Version: 1, Origin: "test"}
	err = tc.coord.writeOne(ctx, "n2", "win", consistency.Write{Value: won.Value, Version: 1, Origin: "test"}, won)
	assert.NoError(t, err)

	got, _, err := tc.stores["n2"].Get(ctx, "win")
	require.NoError(t, err)
	assert.Equal(t, []byte("Z"), got.Value)

	assert.Equal(t, int64(2), tc.coord.Metrics().Conflicts)
}

func TestDeleteReadsAbsent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tc := newTestCluster(t, Defaults(), "n1", "n2", "n3")

	_, err := tc.coord.Put(ctx, "k", []byte("v"))
	require.NoError(t, err)

	tomb, err := tc.coord.Delete(ctx, "k")
	require.NoError(t, err)
	assert.True(t, tomb.Deleted)
	assert.Equal(t, uint64(2), tomb.Version)

	_, ok, err := tc.coord.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	v, err := tc.coord.Put(ctx, "k", []byte("again"))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), v.Version)
}

func TestReadRepairsLaggingReplica(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tc := newTestCluster(t, Config{ReplicationFactor: 3, WriteQuorum: 2, ReadQuorum: 3}, "n1", "n2", "n3")

	_, err := tc.stores["n1"].Put(ctx, "k", consistency.Write{Value: []byte("new"), Version: 2})
	require.NoError(t, err)
	_, err = tc.stores["n2"].Put(ctx, "k", consistency.Write{Value: []byte("new"), Version: 2})
	require.NoError(t, err)
	_, err = tc.stores["n3"].Put(ctx, "k", consistency.Write{Value: []byte("old"), Version: 1})
	require.NoError(t, err)

	got, ok, err := tc.coord.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("new"), got.Value)

	waitFor(t, func() bool {
		v, _, _ := tc.stores["n3"].Get(ctx, "k")

		return v.Version == 2
	})

	assert.Equal(t, int64(1), tc.coord.Metrics().DivergentReads)
}

func TestCallerCancellation(t *testing.T) {
	t.Parallel()

	tc := newTestCluster(t, Config{ReplicationFactor: 1, WriteQuorum: 1, ReadQuorum: 1, CallTimeout: 500 * time.Millisecond}, "n1")

	release := make(chan struct{})
	tc.dir.Register("n1", &blockingReplica{Replica: tc.stores["n1"], release: release})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()

	_, _, err := tc.coord.Get(ctx, "k")
	assert.True(t, errors.Is(err, sentinel.ErrTimeoutOrCanceled))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	if time.Since(start) > 400*time.Millisecond {
		t.Fatalf("get did not return promptly after cancellation")
	}

	close(release)
}

func TestHintCapAndExpiry(t *testing.T) {
	t.Parallel()

	now := time.Now()
	clock := func() time.Time { return now }

	ring := cluster.NewRing()
	require.NoError(t, ring.AddNode(cluster.NewNode("n1", "127.0.0.1:1", 0)))

	c, err := New(Config{ReplicationFactor: 1, WriteQuorum: 1, ReadQuorum: 1, HintMaxPerNode: 2, HintTTL: time.Minute},
		ring, NewLocalDirectory(), WithClock(clock))
	require.NoError(t, err)

	for i := range 3 {
		c.failed("n1", consistency.VersionedValue{Key: fmt.Sprintf("k%d", i), Version: 1}, sentinel.ErrReplicaNotFound)
	}

	assert.Equal(t, 2, c.HintQueueSize("n1"))
	assert.Equal(t, int64(1), c.Metrics().HintsDropped)

	// same key replaces instead of growing
	c.failed("n1", consistency.VersionedValue{Key: "k0", Version: 2}, sentinel.ErrReplicaNotFound)
	assert.Equal(t, 2, c.HintQueueSize("n1"))

	// still unreachable: requeued
	c.ReplayHints(context.Background())
	assert.Equal(t, 2, c.HintQueueSize("n1"))

	now = now.Add(2 * time.Minute)

	c.ReplayHints(context.Background())
	assert.Equal(t, 0, c.HintQueueSize("n1"))
	assert.Equal(t, int64(2), c.Metrics().HintsExpired)
}

func TestLatencySnapshot(t *testing.T) {
	t.Parallel()

	var lc latencyCollector

	lc.observe(opPut, 10*time.Microsecond)
	lc.observe(opGet, 2*time.Second)

	snap := lc.snapshot()
	assert.Equal(t, uint64(1), snap["put"][0])
	assert.Equal(t, uint64(1), snap["get"][len(latencyBuckets)])
	assert.Equal(t, len(latencyBuckets)+1, len(snap["delete"]))
}
