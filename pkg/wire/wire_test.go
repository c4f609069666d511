package wire

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
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

// failingService rejects every call.
type failingService struct{}

func (failingService) Put(context.Context, string, []byte) (consistency.VersionedValue, error) {
	return consistency.VersionedValue{}, sentinel.ErrQuorumFailed
}

func (failingService) Get(context.Context, string) (consistency.VersionedValue, bool, error) {
	return consistency.VersionedValue{}, false, sentinel.ErrQuorumFailed
}

func (failingService) Delete(context.Context, string) (consistency.VersionedValue, error) {
	return consistency.VersionedValue{}, sentinel.ErrQuorumFailed
}

// blockingService holds Get until the request context ends.
type blockingService struct {
	failingService

	once    sync.Once
	entered chan struct{}
}

func (b *blockingService) Get(ctx context.Context, _ string) (consistency.VersionedValue, bool, error) {
	b.once.Do(func() { close(b.entered) })
	<-ctx.Done()

	return consistency.VersionedValue{}, false, ctx.Err()
}

func newCoordinator(t *testing.T) *coordinator.Coordinator {
	t.Helper()

	ring := cluster.NewRing()
	require.NoError(t, ring.AddNode(cluster.NewNode("n1", "127.0.0.1:1", 0)))

	store, err := consistency.NewStore("n1", storage.NewMemory())
	require.NoError(t, err)

	dir := coordinator.NewLocalDirectory()
	dir.Register("n1", store)

	c, err := coordinator.New(coordinator.Config{ReplicationFactor: 1, WriteQuorum: 1, ReadQuorum: 1}, ring, dir)
	require.NoError(t, err)

	t.Cleanup(c.Stop)

	return c
}

func startServer(t *testing.T, svc coordinator.Service, opts ...ServerOption) *Server {
	t.Helper()

	srv := NewServer("127.0.0.1:0", svc, opts...)
	require.NoError(t, srv.Start(context.Background()))

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		_ = srv.Stop(ctx)
	})

	return srv
}

func TestPutGetDelete(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	srv := startServer(t, newCoordinator(t))

	client := NewClient(srv.Addr())
	t.Cleanup(func() { _ = client.Close() })

	require.NoError(t, client.Put(ctx, []byte("alpha"), []byte("one")))

	v, ok, err := client.Get(ctx, []byte("alpha"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("one"), v)

	// the same connection serves several requests
	require.NoError(t, client.Put(ctx, []byte("alpha"), []byte("two")))

	v, _, err = client.Get(ctx, []byte("alpha"))
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), v)

	require.NoError(t, client.Delete(ctx, []byte("alpha")))

	v, ok, err = client.Get(ctx, []byte("alpha"))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, len(v))

	_, ok, err = client.Get(ctx, []byte("never"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRawFraming(t *testing.T) {
	t.Parallel()

	srv := startServer(t, newCoordinator(t))

	conn, err := net.Dial("tcp", srv.Addr())
	require.NoError(t, err)

	defer conn.Close()

	_, err = conn.Write([]byte("PUT \x00\x00\x00\x01\x00\x00\x00\x02kvv"))
	require.NoError(t, err)

	ack := make([]byte, 2)
	_, err = io.ReadFull(conn, ack)
	require.NoError(t, err)
	assert.Equal(t, "OK", string(ack))

	_, err = conn.Write([]byte("GET \x00\x00\x00\x01k"))
	require.NoError(t, err)

	resp := make([]byte, 6)
	_, err = io.ReadFull(conn, resp)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 2, 'v', 'v'}, resp)

	// unknown commands end the connection
	_, err = conn.Write([]byte("NOPE"))
	require.NoError(t, err)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	_, err = conn.Read(ack)
	assert.True(t, errors.Is(err, io.EOF))
}

func TestServiceFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	srv := startServer(t, failingService{})
	client := NewClient(srv.Addr())

	t.Cleanup(func() { _ = client.Close() })

	err := client.Put(ctx, []byte("k"), []byte("v"))
	assert.True(t, errors.Is(err, sentinel.ErrCommunication))

	err = client.Delete(ctx, []byte("k"))
	assert.True(t, errors.Is(err, sentinel.ErrCommunication))

	_, _, err = client.Get(ctx, []byte("k"))
	assert.True(t, errors.Is(err, sentinel.ErrCommunication))
}

func TestClientCancellation(t *testing.T) {
	t.Parallel()

	svc := &blockingService{entered: make(chan struct{})}
	srv := startServer(t, svc, WithRequestTimeout(200*time.Millisecond))
	client := NewClient(srv.Addr())

	t.Cleanup(func() { _ = client.Close() })

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		<-svc.entered
		cancel()
	}()

	_, _, err := client.Get(ctx, []byte("k"))
	assert.True(t, errors.Is(err, sentinel.ErrTimeoutOrCanceled))
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestFrameLimit(t *testing.T) {
	t.Parallel()

	client := NewClient("127.0.0.1:1")

	err := client.Put(context.Background(), []byte("k"), make([]byte, MaxFrame+1))
	assert.True(t, errors.Is(err, sentinel.ErrProtocol))
}

func TestDialFailure(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	_, _, err = NewClient(addr).Get(context.Background(), []byte("k"))
	assert.True(t, errors.Is(err, sentinel.ErrCommunication))
}
