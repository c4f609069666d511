package storage

import (
	"context"
	"errors"
	"iter"
	"sync/atomic"

	"github.com/dgraph-io/badger/v3"

	"github.com/hyp3rd/coretex/internal/sentinel"
)

// Badger adapts a dgraph-io/badger database to the Backend interface.
type Badger struct {
	db     *badger.DB
	closed atomic.Bool
}

// OpenBadger opens a badger database at dir. An empty dir opens an in-memory store.
func OpenBadger(dir string) (*Badger, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}

	return OpenBadgerWithOptions(opts)
}

// OpenBadgerWithOptions opens a badger database with explicit options.
func OpenBadgerWithOptions(opts badger.Options) (*Badger, error) {
	db, err := badger.Open(opts)
	if err != nil {
		return nil, wrap(err, "open badger")
	}

	return &Badger{db: db}, nil
}

// Name returns the engine name.
func (*Badger) Name() string { return EngineBadger }

// Get reads a key inside a read-only transaction.
func (b *Badger) Get(ctx context.Context, key string) ([]byte, bool, error) {
	err := b.precheck(ctx, key)
	if err != nil {
		return nil, false, err
	}

	var (
		value []byte
		found bool
	)

	err = b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}

		if err != nil {
			return err
		}

		found = true
		value, err = item.ValueCopy(nil)

		return err
	})
	if err != nil {
		return nil, false, wrap(err, "badger get")
	}

	return value, found, nil
}

// Put writes a single key.
func (b *Badger) Put(ctx context.Context, key string, value []byte) error {
	return b.BatchWrite(ctx, []Op{PutOp(key, value)})
}

// Delete removes a single key.
func (b *Badger) Delete(ctx context.Context, key string) error {
	return b.BatchWrite(ctx, []Op{DeleteOp(key)})
}

// BatchWrite applies every op in one read-write transaction.
func (b *Badger) BatchWrite(ctx context.Context, ops []Op) error {
	if b.closed.Load() {
		return sentinel.ErrStorageClosed
	}

	if err := ctx.Err(); err != nil {
		return wrap(err, "badger batch")
	}

	err := validateOps(ops)
	if err != nil {
		return err
	}

	err = b.db.Update(func(txn *badger.Txn) error {
		for _, op := range ops {
			var err error

			switch op.Kind {
			case OpPut:
				err = txn.Set([]byte(op.Key), op.Value)
			case OpDelete:
				err = txn.Delete([]byte(op.Key))
			}

			if err != nil {
				return err
			}
		}

		return nil
	})

	return wrap(err, "badger batch")
}

// Scan iterates [start, end) inside one read-only transaction held for the
// lifetime of the iteration.
func (b *Badger) Scan(ctx context.Context, start, end string, limit int) iter.Seq2[KeyValue, error] {
	if b.closed.Load() {
		return scanError(sentinel.ErrStorageClosed)
	}

	return func(yield func(KeyValue, error) bool) {
		txn := b.db.NewTransaction(false)
		defer txn.Discard()

		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		n := 0
		for it.Seek([]byte(start)); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				yield(KeyValue{}, wrap(err, "badger scan"))

				return
			}

			item := it.Item()

			key := string(item.KeyCopy(nil))
			if !inRange(key, end) || (limit > 0 && n >= limit) {
				return
			}

			value, err := item.ValueCopy(nil)
			if err != nil {
				yield(KeyValue{}, wrap(err, "badger scan value"))

				return
			}

			n++

			if !yield(KeyValue{Key: key, Value: value}, nil) {
				return
			}
		}
	}
}

// Close closes the database.
func (b *Badger) Close() error {
	if b.closed.Swap(true) {
		return nil
	}

	return wrap(b.db.Close(), "close badger")
}

func (b *Badger) precheck(ctx context.Context, key string) error {
	if b.closed.Load() {
		return sentinel.ErrStorageClosed
	}

	if err := ctx.Err(); err != nil {
		return wrap(err, "badger")
	}

	return ValidateKey(key)
}
