package storage

import (
	"bytes"
	"context"
	"iter"
	"sync"

	"github.com/google/btree"

	"github.com/hyp3rd/coretex/internal/sentinel"
)

const memoryBTreeDegree = 32

// Memory is an ordered in-process Backend on a copy-on-write B-tree.
// Scans iterate a lazy clone, so writers are never blocked by a slow consumer.
type Memory struct {
	mu     sync.RWMutex
	tree   *btree.BTreeG[KeyValue]
	closed bool
}

// NewMemory returns an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{tree: btree.NewG(memoryBTreeDegree, func(a, b KeyValue) bool { return a.Key < b.Key })}
}

// Name returns the engine name.
func (*Memory) Name() string { return EngineMemory }

// Get returns a copy of the stored value.
func (m *Memory) Get(ctx context.Context, key string) ([]byte, bool, error) {
	err := m.precheck(ctx, key)
	if err != nil {
		return nil, false, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, false, sentinel.ErrStorageClosed
	}

	kv, ok := m.tree.Get(KeyValue{Key: key})
	if !ok {
		return nil, false, nil
	}

	return bytes.Clone(kv.Value), true, nil
}

// Put stores a copy of value under key.
func (m *Memory) Put(ctx context.Context, key string, value []byte) error {
	return m.BatchWrite(ctx, []Op{PutOp(key, value)})
}

// Delete removes key.
func (m *Memory) Delete(ctx context.Context, key string) error {
	return m.BatchWrite(ctx, []Op{DeleteOp(key)})
}

// BatchWrite applies ops atomically with respect to readers.
func (m *Memory) BatchWrite(ctx context.Context, ops []Op) error {
	if err := ctx.Err(); err != nil {
		return wrap(err, "memory batch")
	}

	err := validateOps(ops)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return sentinel.ErrStorageClosed
	}

	for _, op := range ops {
		switch op.Kind {
		case OpPut:
			v := bytes.Clone(op.Value)
			if v == nil {
				v = []byte{}
			}

			m.tree.ReplaceOrInsert(KeyValue{Key: op.Key, Value: v})
		case OpDelete:
			m.tree.Delete(KeyValue{Key: op.Key})
		}
	}

	return nil
}

// Scan iterates [start, end) over a snapshot taken when iteration begins.
func (m *Memory) Scan(ctx context.Context, start, end string, limit int) iter.Seq2[KeyValue, error] {
	return func(yield func(KeyValue, error) bool) {
		m.mu.Lock()

		if m.closed {
			m.mu.Unlock()
			yield(KeyValue{}, sentinel.ErrStorageClosed)

			return
		}

		snap := m.tree.Clone()
		m.mu.Unlock()

		var (
			n       int
			stopErr error
		)

		visit := func(kv KeyValue) bool {
			if err := ctx.Err(); err != nil {
				stopErr = err

				return false
			}

			if !inRange(kv.Key, end) || (limit > 0 && n >= limit) {
				return false
			}

			n++

			return yield(KeyValue{Key: kv.Key, Value: bytes.Clone(kv.Value)}, nil)
		}

		snap.AscendGreaterOrEqual(KeyValue{Key: start}, visit)

		if stopErr != nil {
			yield(KeyValue{}, wrap(stopErr, "memory scan"))
		}
	}
}

// Len returns the number of stored keys.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.tree.Len()
}

// Close releases the tree. Later calls fail with ErrStorageClosed.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.tree.Clear(false)

	return nil
}

func (m *Memory) precheck(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return wrap(err, "memory")
	}

	return ValidateKey(key)
}
