package consistency

import "sync"

const (
	lockShardCount        = 32
	prime32        uint32 = 16777619
	offset32       uint32 = 2166136261
)

// keyLocks serializes operations per key. Entries are reference counted and
// removed when the last holder releases them, so the table only holds keys with
// in-flight operations.
type keyLocks struct {
	shards [lockShardCount]lockShard
}

type lockShard struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyLocks() *keyLocks {
	kl := &keyLocks{}
	for i := range kl.shards {
		kl.shards[i].locks = make(map[string]*keyLock)
	}

	return kl
}

// lock acquires the lock for key and returns its release function.
func (kl *keyLocks) lock(key string) func() {
	shard := &kl.shards[fnv32(key)%lockShardCount]

	shard.mu.Lock()

	l, ok := shard.locks[key]
	if !ok {
		l = &keyLock{}
		shard.locks[key] = l
	}

	l.refs++
	shard.mu.Unlock()

	l.mu.Lock()

	return func() {
		l.mu.Unlock()

		shard.mu.Lock()

		l.refs--
		if l.refs == 0 {
			delete(shard.locks, key)
		}

		shard.mu.Unlock()
	}
}

// held returns the number of keys with in-flight operations.
func (kl *keyLocks) held() int {
	n := 0

	for i := range kl.shards {
		kl.shards[i].mu.Lock()
		n += len(kl.shards[i].locks)
		kl.shards[i].mu.Unlock()
	}

	return n
}

func fnv32(key string) uint32 {
	hash := offset32

	keyLength := len(key)
	for i := range keyLength {
		hash *= prime32

		hash ^= uint32(key[i])
	}

	return hash
}
