package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/longbridgeapp/assert"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/hyp3rd/coretex/internal/sentinel"
)

type backendFactory struct {
	name string
	open func(t *testing.T) Backend
}

func factories(t *testing.T) []backendFactory {
	t.Helper()

	out := []backendFactory{
		{name: EngineMemory, open: func(*testing.T) Backend { return NewMemory() }},
		{name: EngineBadger, open: func(t *testing.T) Backend {
			b, err := OpenBadger("")
			require.NoError(t, err)

			return b
		}},
	}

	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		out = append(out, backendFactory{name: EngineRedis, open: func(t *testing.T) Backend {
			cli := redis.NewClient(&redis.Options{Addr: addr})
			b, err := NewRedis(cli, WithNamespace(fmt.Sprintf("coretex-test-%s", t.Name())))
			require.NoError(t, err)

			return b
		}})
	}

	return out
}

func TestBackendContract(t *testing.T) {
	t.Parallel()

	for _, f := range factories(t) {
		t.Run(f.name, func(t *testing.T) {
			t.Parallel()

			ctx := context.Background()
			b := f.open(t)

			defer func() { _ = b.Close() }()

			assert.Equal(t, f.name, b.Name())

			_, ok, err := b.Get(ctx, "missing")
			assert.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, b.Put(ctx, "a", []byte("1")))

			v, ok, err := b.Get(ctx, "a")
			assert.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, []byte("1"), v)

			require.NoError(t, b.Put(ctx, "a", []byte("2")))

			v, _, _ = b.Get(ctx, "a")
			assert.Equal(t, []byte("2"), v)

			require.NoError(t, b.Delete(ctx, "a"))
			require.NoError(t, b.Delete(ctx, "a"))

			_, ok, _ = b.Get(ctx, "a")
			assert.False(t, ok)
		})
	}
}

func TestBackendScan(t *testing.T) {
	t.Parallel()

	for _, f := range factories(t) {
		t.Run(f.name, func(t *testing.T) {
			t.Parallel()

			ctx := context.Background()
			b := f.open(t)

			defer func() { _ = b.Close() }()

			ops := make([]Op, 0, 10)
			for i := range 10 {
				ops = append(ops, PutOp(fmt.Sprintf("k%02d", i), fmt.Appendf(nil, "v%d", i)))
			}

			require.NoError(t, b.BatchWrite(ctx, ops))

			all, err := Collect(b.Scan(ctx, "", "", 0))
			require.NoError(t, err)
			assert.Equal(t, 10, len(all))
			assert.Equal(t, "k00", all[0].Key)
			assert.Equal(t, "k09", all[9].Key)

			part, err := Collect(b.Scan(ctx, "k03", "k06", 0))
			require.NoError(t, err)
			assert.Equal(t, []string{"k03", "k04", "k05"}, keysOf(part))

			limited, err := Collect(b.Scan(ctx, "k05", "", 2))
			require.NoError(t, err)
			assert.Equal(t, []string{"k05", "k06"}, keysOf(limited))

			// early break must not leak or panic
			for kv, err := range b.Scan(ctx, "", "", 0) {
				require.NoError(t, err)
				assert.Equal(t, "k00", kv.Key)

				break
			}

			require.NoError(t, b.BatchWrite(ctx, []Op{DeleteOp("k00"), DeleteOp("k01"), PutOp("k10", []byte("x"))}))

			all, err = Collect(b.Scan(ctx, "", "", 0))
			require.NoError(t, err)
			assert.Equal(t, 9, len(all))
			assert.Equal(t, "k02", all[0].Key)
		})
	}
}

func TestBackendInvalidKeys(t *testing.T) {
	t.Parallel()

	for _, f := range factories(t) {
		t.Run(f.name, func(t *testing.T) {
			t.Parallel()

			ctx := context.Background()
			b := f.open(t)

			defer func() { _ = b.Close() }()

			err := b.Put(ctx, " ", []byte("x"))
			assert.True(t, errors.Is(err, sentinel.ErrInvalidKey))
			assert.True(t, errors.Is(err, sentinel.ErrStorage))

			_, _, err = b.Get(ctx, "")
			assert.True(t, errors.Is(err, sentinel.ErrInvalidKey))

			err = b.BatchWrite(ctx, []Op{PutOp("ok", nil), PutOp("", nil)})
			assert.True(t, errors.Is(err, sentinel.ErrInvalidKey))

			_, ok, _ := b.Get(ctx, "ok")
			assert.False(t, ok)
		})
	}
}

func TestBackendClosed(t *testing.T) {
	t.Parallel()

	for _, f := range factories(t) {
		t.Run(f.name, func(t *testing.T) {
			t.Parallel()

			b := f.open(t)
			require.NoError(t, b.Close())

			err := b.Put(context.Background(), "k", []byte("v"))
			assert.True(t, errors.Is(err, sentinel.ErrStorageClosed))

			_, err = Collect(b.Scan(context.Background(), "", "", 0))
			assert.True(t, errors.Is(err, sentinel.ErrStorageClosed))
		})
	}
}

func TestMemoryScanSnapshot(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.Put(ctx, "a", []byte("1")))
	require.NoError(t, m.Put(ctx, "b", []byte("2")))

	var seen []string

	for kv, err := range m.Scan(ctx, "", "", 0) {
		require.NoError(t, err)

		seen = append(seen, kv.Key)
		// writes during iteration do not affect the running scan
		require.NoError(t, m.Put(ctx, "c", []byte("3")))
	}

	assert.Equal(t, []string{"a", "b"}, seen)
	assert.Equal(t, 3, m.Len())
}

func TestMemoryScanCanceled(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	require.NoError(t, m.Put(context.Background(), "a", []byte("1")))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Collect(m.Scan(ctx, "", "", 0))
	assert.True(t, errors.Is(err, context.Canceled))
	assert.True(t, errors.Is(err, sentinel.ErrStorage))
}

func TestOpen(t *testing.T) {
	t.Parallel()

	b, err := Open(OpenOptions{})
	require.NoError(t, err)
	assert.Equal(t, EngineMemory, b.Name())

	_, err = Open(OpenOptions{Engine: "rocks"})
	assert.True(t, errors.Is(err, sentinel.ErrUnknownEngine))

	_, err = Open(OpenOptions{Engine: EngineRedis})
	assert.True(t, errors.Is(err, sentinel.ErrNilClient))
}

func keysOf(kvs []KeyValue) []string {
	out := make([]string, 0, len(kvs))
	for _, kv := range kvs {
		out = append(out, kv.Key)
	}

	return out
}
