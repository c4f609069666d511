// Package storage defines the ordered key-value Backend used by the consistency
// layer and ships in-memory, Badger and Redis implementations.
package storage

import (
	"context"
	"iter"
	"strings"

	"github.com/hyp3rd/coretex/internal/sentinel"
)

// Engine names accepted by Open and the configuration file.
const (
	EngineMemory = "memory"
	EngineBadger = "badger"
	EngineRedis  = "redis"
)

// KeyValue is a single entry returned by Scan.
type KeyValue struct {
	Key   string
	Value []byte
}

// OpKind is the kind of a batched mutation.
type OpKind int

// Batch operation kinds.
const (
	OpPut OpKind = iota
	OpDelete
)

// Op is one mutation inside a BatchWrite.
type Op struct {
	Kind  OpKind
	Key   string
	Value []byte
}

// PutOp returns a put mutation.
func PutOp(key string, value []byte) Op { return Op{Kind: OpPut, Key: key, Value: value} }

// DeleteOp returns a delete mutation.
func DeleteOp(key string) Op { return Op{Kind: OpDelete, Key: key} }

// Backend is an ordered byte store. Keys compare byte-wise.
//
// Get reports found=false for absent keys without an error. Delete of an absent
// key is not an error. Scan yields entries in ascending key order over [start, end);
// an empty end means unbounded and limit <= 0 means unlimited. The sequence is
// lazy: iteration stops as soon as the consumer stops or ctx is done.
type Backend interface {
	Name() string
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	BatchWrite(ctx context.Context, ops []Op) error
	Scan(ctx context.Context, start, end string, limit int) iter.Seq2[KeyValue, error]
	Close() error
}

// ValidateKey rejects empty and whitespace-only keys.
func ValidateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return sentinel.ErrInvalidKey
	}

	return nil
}

func validateOps(ops []Op) error {
	for _, op := range ops {
		err := ValidateKey(op.Key)
		if err != nil {
			return err
		}
	}

	return nil
}

// wrap classifies a backend error as a storage failure.
func wrap(err error, msg string) error { return sentinel.Classify(sentinel.ErrStorage, err, msg) }

// Collect drains a Scan sequence into a slice.
func Collect(seq iter.Seq2[KeyValue, error]) ([]KeyValue, error) {
	var out []KeyValue

	for kv, err := range seq {
		if err != nil {
			return out, err
		}

		out = append(out, kv)
	}

	return out, nil
}

func scanError(err error) iter.Seq2[KeyValue, error] {
	return func(yield func(KeyValue, error) bool) {
		yield(KeyValue{}, err)
	}
}

func inRange(key, end string) bool { return end == "" || key < end }
