package consistency

import (
	"context"
	"iter"
	"sync/atomic"
	"time"

	"github.com/hyp3rd/ewrap"
	"github.com/rs/zerolog"

	"github.com/hyp3rd/coretex/internal/broadcast"
	"github.com/hyp3rd/coretex/internal/libs/serializer"
	"github.com/hyp3rd/coretex/internal/sentinel"
	"github.com/hyp3rd/coretex/pkg/storage"
)

// Store is the Manager of a single node, persisting through a storage.Backend.
type Store struct {
	node       string
	backend    storage.Backend
	codec      serializer.ISerializer
	codecName  string
	locks      *keyLocks
	events     *broadcast.Hub[Event]
	eventQueue int
	logger     zerolog.Logger
	now        func() time.Time
	closed     atomic.Bool

	puts        atomic.Int64
	deletes     atomic.Int64
	conflicts   atomic.Int64
	resolutions atomic.Int64
	repairs     atomic.Int64
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithSerializer selects the record encoding by registry name.
func WithSerializer(name string) Option {
	return func(s *Store) {
		if name != "" {
			s.codecName = name
		}
	}
}

// WithEventQueue sets the per-watcher event buffer.
func WithEventQueue(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.eventQueue = n
		}
	}
}

// WithClock overrides the time source used for event timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStore creates the manager of node on top of backend.
func NewStore(node string, backend storage.Backend, opts ...Option) (*Store, error) {
	if node == "" {
		return nil, ewrap.Wrap(sentinel.ErrParamCannotBeEmpty, "node")
	}

	if backend == nil {
		return nil, ewrap.Wrap(sentinel.ErrParamCannotBeEmpty, "backend")
	}

	s := &Store{
		node:       node,
		backend:    backend,
		codecName:  serializer.Default,
		locks:      newKeyLocks(),
		eventQueue: broadcast.DefaultQueueSize,
		logger:     zerolog.Nop(),
		now:        time.Now,
	}

	for _, o := range opts {
		o(s)
	}

	codec, err := serializer.New(s.codecName)
	if err != nil {
		return nil, err
	}

	s.codec = codec
	s.events = broadcast.New[Event](s.eventQueue)

	return s, nil
}

// Node returns the id of the node owning this store.
func (s *Store) Node() string { return s.node }

// Get returns the local record for key, tombstones included.
func (s *Store) Get(ctx context.Context, key string) (VersionedValue, bool, error) {
	err := s.precheck(key)
	if err != nil {
		return VersionedValue{}, false, err
	}

	return s.load(ctx, key)
}

// Put applies w under the versioning rules: a zero version is assigned last+1,
// an explicit version must exceed the current one, and an identical re-delivery
// is acknowledged without rewriting. Anything else is returned as a Conflict.
func (s *Store) Put(ctx context.Context, key string, w Write) (Result, error) {
	err := s.precheck(key)
	if err != nil {
		return Result{}, err
	}

	unlock := s.locks.lock(key)
	defer unlock()

	cur, found, err := s.load(ctx, key)
	if err != nil {
		return Result{}, err
	}

	incoming := VersionedValue{
		Key:     key,
		Value:   w.Value,
		Version: w.Version,
		Context: w.Context.Clone(),
		Deleted: w.Deleted,
		Origin:  w.Origin,
	}
	if incoming.Origin == "" {
		incoming.Origin = s.node
	}

	if incoming.Deleted {
		incoming.Value = nil
	}

	switch {
	case incoming.Version == 0:
		incoming.Version = cur.Version + 1
	case !found || incoming.Version > cur.Version:
	case incoming.Version == cur.Version && sameValue(incoming, cur):
		return Result{Outcome: Stored, Value: cur}, nil
	default:
		s.conflicts.Add(1)

		s.logger.Debug().
			Str("key", key).
			Uint64("current", cur.Version).
			Uint64("incoming", incoming.Version).
			Msg("write conflict")

		return Result{Outcome: Conflict, Candidates: []VersionedValue{cur, incoming}}, nil
	}

	incoming.Context = Merge(cur.Context, incoming.Context).Bump(s.node)

	err = s.persist(ctx, incoming)
	if err != nil {
		return Result{}, err
	}

	if incoming.Deleted {
		s.deletes.Add(1)
	} else {
		s.puts.Add(1)
	}

	s.emit(Event{Kind: WriteCommitted, Key: key, Value: incoming})

	return Result{Outcome: Stored, Value: incoming.Clone()}, nil
}

// Delete writes a tombstone with version last+1.
func (s *Store) Delete(ctx context.Context, key string) (Result, error) {
	return s.Put(ctx, key, Write{Deleted: true})
}

// ResolveConflict returns the deterministic winner among candidates with the merged
// causal context. The winner is persisted unless the local record already ranks
// higher; a WriteConflict event is always emitted and WriteCommitted only when the
// winner was stored.
func (s *Store) ResolveConflict(ctx context.Context, key string, candidates []VersionedValue) (VersionedValue, error) {
	err := s.precheck(key)
	if err != nil {
		return VersionedValue{}, err
	}

	winner, err := Resolve(candidates)
	if err != nil {
		return VersionedValue{}, err
	}

	winner.Key = key

	unlock := s.locks.lock(key)
	defer unlock()

	cur, found, err := s.load(ctx, key)
	if err != nil {
		return VersionedValue{}, err
	}

	s.resolutions.Add(1)

	s.emit(Event{Kind: WriteConflict, Key: key, Value: winner, Candidates: cloneAll(candidates)})

	if found {
		d := Compare(winner, cur)
		if d < 0 {
			return winner, nil
		}

		winner.Context = Merge(winner.Context, cur.Context)
		if d == 0 && winner.Context.Equal(cur.Context) {
			return winner, nil
		}
	}

	err = s.persist(ctx, winner)
	if err != nil {
		return VersionedValue{}, err
	}

	s.emit(Event{Kind: WriteCommitted, Key: key, Value: winner})

	return winner.Clone(), nil
}

// ReadRepair overwrites the local record with authoritative when it ranks higher.
// It never lowers the stored version.
func (s *Store) ReadRepair(ctx context.Context, key string, authoritative VersionedValue) error {
	err := s.precheck(key)
	if err != nil {
		return err
	}

	unlock := s.locks.lock(key)
	defer unlock()

	cur, found, err := s.load(ctx, key)
	if err != nil {
		return err
	}

	if found && Compare(authoritative, cur) <= 0 {
		return nil
	}

	repaired := authoritative.Clone()
	repaired.Key = key
	repaired.Context = Merge(repaired.Context, cur.Context)

	err = s.persist(ctx, repaired)
	if err != nil {
		return err
	}

	s.repairs.Add(1)

	s.logger.Debug().
		Str("key", key).
		Uint64("from", cur.Version).
		Uint64("to", repaired.Version).
		Msg("read repair applied")

	s.emit(Event{Kind: ReadRepaired, Key: key, Value: repaired})

	return nil
}

// Watch streams live events until ctx is done or the store is closed. Events for a
// watcher whose queue is full are dropped.
func (s *Store) Watch(ctx context.Context) <-chan Event { return s.events.Subscribe(ctx) }

// Scan decodes the records in [start, end). Tombstones are included.
func (s *Store) Scan(ctx context.Context, start, end string, limit int) iter.Seq2[VersionedValue, error] {
	return func(yield func(VersionedValue, error) bool) {
		for kv, err := range s.backend.Scan(ctx, start, end, limit) {
			if err != nil {
				yield(VersionedValue{}, err)

				return
			}

			v, err := decodeRecord(s.codec, kv.Key, kv.Value)
			if !yield(v, err) || err != nil {
				return
			}
		}
	}
}

// Metrics returns a snapshot of the store counters.
func (s *Store) Metrics() Metrics {
	return Metrics{
		Puts:          s.puts.Load(),
		Deletes:       s.deletes.Load(),
		Conflicts:     s.conflicts.Load(),
		Resolutions:   s.resolutions.Load(),
		Repairs:       s.repairs.Load(),
		EventsDropped: int64(s.events.Dropped()), //nolint:gosec
	}
}

// Close ends all watch streams and rejects further operations. The backend is
// owned by the caller and stays open.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}

	s.events.Close()

	return nil
}

func (s *Store) precheck(key string) error {
	if s.closed.Load() {
		return sentinel.ErrManagerClosed
	}

	return storage.ValidateKey(key)
}

func (s *Store) load(ctx context.Context, key string) (VersionedValue, bool, error) {
	data, ok, err := s.backend.Get(ctx, key)
	if err != nil {
		return VersionedValue{}, false, sentinel.Classify(sentinel.ErrStorage, err, "load "+key)
	}

	if !ok {
		return VersionedValue{Key: key}, false, nil
	}

	v, err := decodeRecord(s.codec, key, data)
	if err != nil {
		return VersionedValue{}, false, err
	}

	return v, true, nil
}

func (s *Store) persist(ctx context.Context, v VersionedValue) error {
	data, err := encodeRecord(s.codec, v)
	if err != nil {
		return err
	}

	err = s.backend.Put(ctx, v.Key, data)
	if err != nil {
		return sentinel.Classify(sentinel.ErrStorage, err, "persist "+v.Key)
	}

	return nil
}

func (s *Store) emit(ev Event) {
	ev.Node = s.node
	ev.At = s.now()
	ev.Value = ev.Value.Clone()

	if missed := s.events.Publish(ev); missed > 0 {
		s.logger.Warn().
			Str("event", ev.Kind.String()).
			Str("key", ev.Key).
			Int("missed", missed).
			Msg("event watchers lagging, events dropped")
	}
}

func cloneAll(vs []VersionedValue) []VersionedValue {
	out := make([]VersionedValue, len(vs))
	for i, v := range vs {
		out[i] = v.Clone()
	}

	return out
}
