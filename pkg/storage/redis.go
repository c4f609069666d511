package storage

import (
	"context"
	"errors"
	"iter"
	"sync/atomic"

	"github.com/redis/go-redis/v9"

	"github.com/hyp3rd/coretex/internal/sentinel"
)

const (
	defaultRedisNamespace = "coretex"
	redisScanPage         = 256
)

// Redis stores values as plain strings under "<namespace>:kv:<key>" and keeps a
// lexicographic sorted set "<namespace>:index" so scans can walk keys in order.
type Redis struct {
	rdb       redis.UniversalClient
	namespace string
	closed    atomic.Bool
}

// RedisOption configures the Redis backend.
type RedisOption func(*Redis)

// WithNamespace sets the key prefix shared by all entries and the index.
func WithNamespace(ns string) RedisOption {
	return func(r *Redis) {
		if ns != "" {
			r.namespace = ns
		}
	}
}

// NewRedis wraps a go-redis client (single node, sentinel or cluster).
func NewRedis(client redis.UniversalClient, opts ...RedisOption) (*Redis, error) {
	if client == nil {
		return nil, sentinel.ErrNilClient
	}

	r := &Redis{rdb: client, namespace: defaultRedisNamespace}
	for _, o := range opts {
		o(r)
	}

	return r, nil
}

// Name returns the engine name.
func (*Redis) Name() string { return EngineRedis }

// Get reads the value of key.
func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	err := r.precheck(key)
	if err != nil {
		return nil, false, err
	}

	data, err := r.rdb.Get(ctx, r.dataKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}

	if err != nil {
		return nil, false, wrap(err, "redis get")
	}

	return data, true, nil
}

// Put writes the value and indexes the key.
func (r *Redis) Put(ctx context.Context, key string, value []byte) error {
	return r.BatchWrite(ctx, []Op{PutOp(key, value)})
}

// Delete removes the value and its index entry.
func (r *Redis) Delete(ctx context.Context, key string) error {
	return r.BatchWrite(ctx, []Op{DeleteOp(key)})
}

// BatchWrite pipelines every op in a single round trip.
func (r *Redis) BatchWrite(ctx context.Context, ops []Op) error {
	if r.closed.Load() {
		return sentinel.ErrStorageClosed
	}

	err := validateOps(ops)
	if err != nil {
		return err
	}

	_, err = r.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, op := range ops {
			switch op.Kind {
			case OpPut:
				pipe.Set(ctx, r.dataKey(op.Key), op.Value, 0)
				pipe.ZAdd(ctx, r.indexKey(), redis.Z{Score: 0, Member: op.Key})
			case OpDelete:
				pipe.Del(ctx, r.dataKey(op.Key))
				pipe.ZRem(ctx, r.indexKey(), op.Key)
			}
		}

		return nil
	})

	return wrap(err, "redis batch")
}

// Scan walks the lexicographic index page by page and fetches values per page.
// Index entries whose value has vanished are skipped.
func (r *Redis) Scan(ctx context.Context, start, end string, limit int) iter.Seq2[KeyValue, error] {
	if r.closed.Load() {
		return scanError(sentinel.ErrStorageClosed)
	}

	return func(yield func(KeyValue, error) bool) {
		lo := "-"
		if start != "" {
			lo = "[" + start
		}

		hi := "+"
		if end != "" {
			hi = "(" + end
		}

		n := 0

		for {
			page := int64(redisScanPage)
			if limit > 0 {
				page = int64(min(redisScanPage, limit-n))
			}

			keys, err := r.rdb.ZRangeByLex(ctx, r.indexKey(), &redis.ZRangeBy{Min: lo, Max: hi, Count: page}).Result()
			if err != nil {
				yield(KeyValue{}, wrap(err, "redis scan index"))

				return
			}

			if len(keys) == 0 {
				return
			}

			cmds := make([]*redis.StringCmd, len(keys))

			_, err = r.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
				for i, k := range keys {
					cmds[i] = pipe.Get(ctx, r.dataKey(k))
				}

				return nil
			})
			if err != nil && !errors.Is(err, redis.Nil) {
				yield(KeyValue{}, wrap(err, "redis scan values"))

				return
			}

			for i, k := range keys {
				v, err := cmds[i].Bytes()
				if errors.Is(err, redis.Nil) {
					continue
				}

				if err != nil {
					yield(KeyValue{}, wrap(err, "redis scan value"))

					return
				}

				n++

				if !yield(KeyValue{Key: k, Value: v}, nil) {
					return
				}

				if limit > 0 && n >= limit {
					return
				}
			}

			if int64(len(keys)) < page {
				return
			}

			lo = "(" + keys[len(keys)-1]
		}
	}
}

// Close closes the underlying client.
func (r *Redis) Close() error {
	if r.closed.Swap(true) {
		return nil
	}

	return wrap(r.rdb.Close(), "close redis")
}

func (r *Redis) dataKey(key string) string { return r.namespace + ":kv:" + key }

func (r *Redis) indexKey() string { return r.namespace + ":index" }

func (r *Redis) precheck(key string) error {
	if r.closed.Load() {
		return sentinel.ErrStorageClosed
	}

	return ValidateKey(key)
}
