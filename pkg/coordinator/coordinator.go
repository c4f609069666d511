// Package coordinator implements quorum replication on top of the placement ring
// and per-node consistency managers. Writes are acknowledged by W replicas and
// reads consult R replicas; W+R>N guarantees every read quorum overlaps the last
// successful write quorum.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hyp3rd/ewrap"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/hyp3rd/coretex/internal/sentinel"
	"github.com/hyp3rd/coretex/pkg/cluster"
	"github.com/hyp3rd/coretex/pkg/consistency"
	"github.com/hyp3rd/coretex/pkg/storage"
)

// Service is the client-facing replicated key-value contract.
type Service interface {
	Put(ctx context.Context, key string, value []byte) (consistency.VersionedValue, error)
	Get(ctx context.Context, key string) (consistency.VersionedValue, bool, error)
	Delete(ctx context.Context, key string) (consistency.VersionedValue, error)
}

// Coordinator drives quorum reads and writes for keys placed on a ring.
type Coordinator struct {
	cfg    Config
	ring   cluster.Placement
	dir    Directory
	node   string
	logger zerolog.Logger
	now    func() time.Time

	hints     *hintQueue
	repairSem *semaphore.Weighted
	latency   latencyCollector
	metrics   counters

	bg      sync.WaitGroup
	mu      sync.Mutex
	stopCh  chan struct{}
	started bool
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithNodeID sets the origin recorded on coordinated writes.
func WithNodeID(id string) Option {
	return func(c *Coordinator) {
		if id != "" {
			c.node = id
		}
	}
}

// WithClock overrides the time source used for hint expiry.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// New validates cfg and returns a coordinator over ring and dir.
func New(cfg Config, ring cluster.Placement, dir Directory, opts ...Option) (*Coordinator, error) {
	err := cfg.Validate()
	if err != nil {
		return nil, err
	}

	if ring == nil || dir == nil {
		return nil, ewrap.Wrap(sentinel.ErrParamCannotBeEmpty, "ring and directory are required")
	}

	cfg = cfg.withDefaults()

	c := &Coordinator{
		cfg:       cfg,
		ring:      ring,
		dir:       dir,
		node:      "coordinator",
		logger:    zerolog.Nop(),
		now:       time.Now,
		hints:     newHintQueue(cfg.HintMaxPerNode, cfg.HintTTL),
		repairSem: semaphore.NewWeighted(int64(cfg.RepairConcurrency)),
	}

	for _, o := range opts {
		o(c)
	}

	return c, nil
}

// Config returns the effective configuration.
func (c *Coordinator) Config() Config { return c.cfg }

// Owners returns the preference list of key.
func (c *Coordinator) Owners(key string) []cluster.NodeID {
	nodes := c.ring.Replicas(key, c.cfg.ReplicationFactor)

	out := make([]cluster.NodeID, len(nodes))
	for i, n := range nodes {
		out[i] = n.ID
	}

	return out
}

// Put writes value to the replicas of key and returns once W of them stored it.
func (c *Coordinator) Put(ctx context.Context, key string, value []byte) (consistency.VersionedValue, error) {
	start := time.Now()
	defer func() { c.latency.observe(opPut, time.Since(start)) }()

	c.metrics.puts.Add(1)

	return c.write(ctx, key, consistency.Write{Value: value})
}

// Delete writes a tombstone for key with the same quorum rules as Put.
func (c *Coordinator) Delete(ctx context.Context, key string) (consistency.VersionedValue, error) {
	start := time.Now()
	defer func() { c.latency.observe(opDelete, time.Since(start)) }()

	c.metrics.deletes.Add(1)

	return c.write(ctx, key, consistency.Write{Deleted: true})
}

type answer struct {
	node  cluster.NodeID
	rep   Replica
	value consistency.VersionedValue
	found bool
	err   error
}

func (c *Coordinator) write(ctx context.Context, key string, w consistency.Write) (consistency.VersionedValue, error) {
	err := storage.ValidateKey(key)
	if err != nil {
		return consistency.VersionedValue{}, err
	}

	replicas := c.ring.Replicas(key, c.cfg.ReplicationFactor)
	if len(replicas) < c.cfg.WriteQuorum {
		c.metrics.quorumFailures.Add(1)

		return consistency.VersionedValue{}, ewrap.Wrapf(sentinel.ErrQuorumFailed,
			"key %q has %d replicas, write quorum is %d", key, len(replicas), c.cfg.WriteQuorum)
	}

	// the version probe wants R answers for an overlap with the last write quorum
	// but settles for W when fewer replicas are reachable
	answers, err := c.probe(ctx, key, replicas, c.cfg.ReadQuorum, c.cfg.WriteQuorum)
	if err != nil {
		return consistency.VersionedValue{}, err
	}

	var (
		maxVersion uint64
		clocks     = make([]consistency.Clock, 0, len(answers))
	)

	for _, a := range answers {
		maxVersion = max(maxVersion, a.value.Version)
		clocks = append(clocks, a.value.Context)
	}

	w.Version = maxVersion + 1
	w.Context = consistency.Merge(clocks...)
	w.Origin = c.node

	ours := consistency.VersionedValue{
		Key:     key,
		Value:   w.Value,
		Version: w.Version,
		Context: w.Context,
		Deleted: w.Deleted,
		Origin:  w.Origin,
	}

	return c.fanout(ctx, key, replicas, w, ours)
}

// fanout sends w to every replica and waits for W acks. Calls run on a context
// detached from the caller so late replicas still complete and queue hints.
func (c *Coordinator) fanout(
	ctx context.Context,
	key string,
	replicas []*cluster.Node,
	w consistency.Write,
	ours consistency.VersionedValue,
) (consistency.VersionedValue, error) {
	results := make(chan error, len(replicas))
	detached := context.WithoutCancel(ctx)

	for _, n := range replicas {
		c.bg.Go(func() {
			results <- c.writeOne(detached, n.ID, key, w, ours)
		})
	}

	acks, failures := 0, 0

	var errs []error

	for acks < c.cfg.WriteQuorum {
		if failures > len(replicas)-c.cfg.WriteQuorum {
			c.metrics.quorumFailures.Add(1)

			return consistency.VersionedValue{}, quorumError(key, acks, c.cfg.WriteQuorum, errs)
		}

		select {
		case <-ctx.Done():
			return consistency.VersionedValue{}, sentinel.Classify(sentinel.ErrTimeoutOrCanceled, ctx.Err(), "write "+key)
		case err := <-results:
			if err != nil {
				failures++

				errs = append(errs, err)

				continue
			}

			acks++
		}
	}

	return ours.Clone(), nil
}

// writeOne performs the write on a single replica. A Conflict reply is settled by
// asking the replica to resolve; it acks only when our write is the winner.
// Transport failures queue a hint.
func (c *Coordinator) writeOne(ctx context.Context, id cluster.NodeID, key string, w consistency.Write, ours consistency.VersionedValue) error {
	rep, err := c.dir.Replica(id)
	if err != nil {
		c.failed(id, ours, err)

		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	res, err := rep.Put(callCtx, key, w)
	if err != nil {
		c.failed(id, ours, err)

		return sentinel.Classify(sentinel.ErrCommunication, err, fmt.Sprintf("put %s on %s", key, id))
	}

	if res.IsStored() {
		return nil
	}

	winner, err := rep.ResolveConflict(callCtx, key, res.Candidates)
	if err != nil {
		c.failed(id, ours, err)

		return sentinel.Classify(sentinel.ErrCommunication, err, fmt.Sprintf("resolve %s on %s", key, id))
	}

	c.metrics.conflicts.Add(1)

	if consistency.Compare(winner, ours) == 0 {
		return nil
	}

	c.logger.Debug().
		Str("key", key).
		Str("node", string(id)).
		Uint64("winner", winner.Version).
		Uint64("ours", ours.Version).
		Msg("write superseded by concurrent writer")

	return ewrap.Wrapf(sentinel.ErrConsistency, "write to %s superseded on %s", key, id)
}

func (c *Coordinator) failed(id cluster.NodeID, v consistency.VersionedValue, err error) {
	c.metrics.replicaFailures.Add(1)

	c.logger.Warn().Err(err).Str("node", string(id)).Str("key", v.Key).Msg("replica write failed")

	if c.hints.add(id, v.Clone(), c.now()) {
		c.metrics.hintsQueued.Add(1)

		return
	}

	c.metrics.hintsDropped.Add(1)
}

// Get reads key from R replicas, resolving and repairing divergent answers.
// Tombstones read as absent.
func (c *Coordinator) Get(ctx context.Context, key string) (consistency.VersionedValue, bool, error) {
	start := time.Now()
	defer func() { c.latency.observe(opGet, time.Since(start)) }()

	c.metrics.gets.Add(1)

	err := storage.ValidateKey(key)
	if err != nil {
		return consistency.VersionedValue{}, false, err
	}

	replicas := c.ring.Replicas(key, c.cfg.ReplicationFactor)
	if len(replicas) < c.cfg.ReadQuorum {
		c.metrics.quorumFailures.Add(1)

		return consistency.VersionedValue{}, false, ewrap.Wrapf(sentinel.ErrQuorumFailed,
			"key %q has %d replicas, read quorum is %d", key, len(replicas), c.cfg.ReadQuorum)
	}

	answers, err := c.probe(ctx, key, replicas, c.cfg.ReadQuorum, c.cfg.ReadQuorum)
	if err != nil {
		return consistency.VersionedValue{}, false, err
	}

	winner, found := c.reconcile(ctx, key, answers)
	if !found || winner.Deleted {
		return consistency.VersionedValue{}, false, nil
	}

	return winner, true, nil
}

// probe reads the first want replicas concurrently; each failure promotes the next
// untried replica of the preference list. It returns up to want answers in arrival
// order once want arrived or the list is exhausted, and a quorum error when fewer
// than need answered.
func (c *Coordinator) probe(ctx context.Context, key string, replicas []*cluster.Node, want, need int) ([]answer, error) {
	results := make(chan answer, len(replicas))
	detached := context.WithoutCancel(ctx)

	launch := func(n *cluster.Node) {
		c.bg.Go(func() {
			results <- c.readOne(detached, n.ID, key)
		})
	}

	next := 0
	for ; next < min(want, len(replicas)); next++ {
		launch(replicas[next])
	}

	inflight := next
	answers := make([]answer, 0, want)

	var errs []error

	for len(answers) < want && inflight > 0 {
		select {
		case <-ctx.Done():
			return nil, sentinel.Classify(sentinel.ErrTimeoutOrCanceled, ctx.Err(), "read "+key)
		case a := <-results:
			inflight--

			if a.err != nil {
				c.metrics.replicaFailures.Add(1)

				errs = append(errs, a.err)

				c.logger.Warn().Err(a.err).Str("node", string(a.node)).Str("key", key).Msg("replica read failed")

				if next < len(replicas) {
					launch(replicas[next])
					next++
					inflight++
				}

				continue
			}

			answers = append(answers, a)
		}
	}

	if len(answers) < need {
		c.metrics.quorumFailures.Add(1)

		return nil, quorumError(key, len(answers), need, errs)
	}

	return answers, nil
}

func (c *Coordinator) readOne(ctx context.Context, id cluster.NodeID, key string) answer {
	rep, err := c.dir.Replica(id)
	if err != nil {
		return answer{node: id, err: err}
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	v, found, err := rep.Get(callCtx, key)
	if err != nil {
		return answer{node: id, err: sentinel.Classify(sentinel.ErrCommunication, err, fmt.Sprintf("get %s on %s", key, id))}
	}

	return answer{node: id, rep: rep, value: v, found: found}
}

// reconcile returns the winner among answers. Divergent answers are resolved on the
// first answering replica (falling back to local resolution) and lagging replicas
// are repaired in the background.
func (c *Coordinator) reconcile(ctx context.Context, key string, answers []answer) (consistency.VersionedValue, bool) {
	candidates := make([]consistency.VersionedValue, 0, len(answers))
	for _, a := range answers {
		if a.found {
			candidates = append(candidates, a.value)
		}
	}

	if len(candidates) == 0 {
		return consistency.VersionedValue{}, false
	}

	if len(candidates) == len(answers) && agree(candidates) {
		return candidates[0], true
	}

	c.metrics.divergentReads.Add(1)

	winner, err := c.resolveOn(ctx, answers[0], key, candidates)
	if err != nil {
		c.logger.Warn().Err(err).Str("node", string(answers[0].node)).Str("key", key).Msg("remote resolve failed, resolving locally")

		winner, _ = consistency.Resolve(candidates)
	}

	for _, a := range answers {
		if a.found && consistency.Compare(a.value, winner) >= 0 {
			continue
		}

		c.repair(ctx, a, key, winner)
	}

	return winner, true
}

func (c *Coordinator) resolveOn(ctx context.Context, a answer, key string, candidates []consistency.VersionedValue) (consistency.VersionedValue, error) {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.CallTimeout)
	defer cancel()

	return a.rep.ResolveConflict(callCtx, key, candidates)
}

// repair pushes winner to a lagging replica in the background. Repairs beyond the
// concurrency bound are skipped; the next read or hint replay catches them.
func (c *Coordinator) repair(ctx context.Context, a answer, key string, winner consistency.VersionedValue) {
	if !c.repairSem.TryAcquire(1) {
		c.metrics.repairsSkipped.Add(1)

		return
	}

	detached := context.WithoutCancel(ctx)
	v := winner.Clone()

	c.bg.Go(func() {
		defer c.repairSem.Release(1)

		callCtx, cancel := context.WithTimeout(detached, c.cfg.CallTimeout)
		defer cancel()

		err := a.rep.ReadRepair(callCtx, key, v)
		if err != nil {
			c.logger.Warn().Err(err).Str("node", string(a.node)).Str("key", key).Msg("read repair failed")

			return
		}

		c.metrics.readRepairs.Add(1)
	})
}

// Start launches the hint replay loop when a replay interval is configured.
func (c *Coordinator) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started || c.cfg.HintReplayInterval <= 0 {
		return
	}

	c.started = true
	c.stopCh = make(chan struct{})

	stop := c.stopCh

	c.bg.Go(func() {
		ticker := time.NewTicker(c.cfg.HintReplayInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				c.ReplayHints(ctx)
			}
		}
	})
}

// ReplayHints delivers queued hints once.
func (c *Coordinator) ReplayHints(ctx context.Context) {
	delivered, expired, requeued := c.replay(ctx)

	c.metrics.hintsReplayed.Add(int64(delivered))
	c.metrics.hintsExpired.Add(int64(expired))

	if delivered+expired > 0 {
		c.logger.Debug().
			Int("delivered", delivered).
			Int("expired", expired).
			Int("pending", requeued).
			Msg("hint replay")
	}
}

// HintQueueSize returns the number of hints queued for node.
func (c *Coordinator) HintQueueSize(node cluster.NodeID) int { return c.hints.size(node) }

// Stop ends the replay loop and waits for background calls to finish.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if c.started {
		close(c.stopCh)
		c.started = false
	}
	c.mu.Unlock()

	c.bg.Wait()
}

func agree(values []consistency.VersionedValue) bool {
	for _, v := range values[1:] {
		if consistency.Compare(v, values[0]) != 0 {
			return false
		}
	}

	return true
}

func quorumError(key string, got, need int, errs []error) error {
	msg := fmt.Sprintf("key %q: %d of %d required replicas answered", key, got, need)

	if joined := errors.Join(errs...); joined != nil {
		return sentinel.Classify(sentinel.ErrQuorumFailed, joined, msg)
	}

	return ewrap.Wrap(sentinel.ErrQuorumFailed, msg)
}

// counters holds internal counters (best-effort, not snapshot consistent).
type counters struct {
	puts            atomic.Int64
	gets            atomic.Int64
	deletes         atomic.Int64
	quorumFailures  atomic.Int64
	replicaFailures atomic.Int64
	conflicts       atomic.Int64
	divergentReads  atomic.Int64
	readRepairs     atomic.Int64
	repairsSkipped  atomic.Int64
	hintsQueued     atomic.Int64
	hintsReplayed   atomic.Int64
	hintsExpired    atomic.Int64
	hintsDropped    atomic.Int64
}

// Metrics snapshot.
type Metrics struct {
	Puts            int64               `json:"puts"`
	Gets            int64               `json:"gets"`
	Deletes         int64               `json:"deletes"`
	QuorumFailures  int64               `json:"quorum_failures"`
	ReplicaFailures int64               `json:"replica_failures"`
	Conflicts       int64               `json:"conflicts"`
	DivergentReads  int64               `json:"divergent_reads"`
	ReadRepairs     int64               `json:"read_repairs"`
	RepairsSkipped  int64               `json:"repairs_skipped"`
	HintsQueued     int64               `json:"hints_queued"`
	HintsReplayed   int64               `json:"hints_replayed"`
	HintsExpired    int64               `json:"hints_expired"`
	HintsDropped    int64               `json:"hints_dropped"`
	HintsPending    int                 `json:"hints_pending"`
	Latency         map[string][]uint64 `json:"latency"`
}

// Metrics returns a snapshot of coordinator metrics.
func (c *Coordinator) Metrics() Metrics {
	return Metrics{
		Puts:            c.metrics.puts.Load(),
		Gets:            c.metrics.gets.Load(),
		Deletes:         c.metrics.deletes.Load(),
		QuorumFailures:  c.metrics.quorumFailures.Load(),
		ReplicaFailures: c.metrics.replicaFailures.Load(),
		Conflicts:       c.metrics.conflicts.Load(),
		DivergentReads:  c.metrics.divergentReads.Load(),
		ReadRepairs:     c.metrics.readRepairs.Load(),
		RepairsSkipped:  c.metrics.repairsSkipped.Load(),
		HintsQueued:     c.metrics.hintsQueued.Load(),
		HintsReplayed:   c.metrics.hintsReplayed.Load(),
		HintsExpired:    c.metrics.hintsExpired.Load(),
		HintsDropped:    c.metrics.hintsDropped.Load(),
		HintsPending:    c.hints.total(),
		Latency:         c.latency.snapshot(),
	}
}
