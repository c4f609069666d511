package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/hyp3rd/coretex/pkg/cluster"
	"github.com/hyp3rd/coretex/pkg/consistency"
)

// hint is a write a replica missed, kept for later delivery.
type hint struct {
	value   consistency.VersionedValue
	expires time.Time
}

// hintQueue holds missed writes per node (hinted handoff). Newer hints for the
// same key replace older ones.
type hintQueue struct {
	mu      sync.Mutex
	byNode  map[cluster.NodeID][]hint
	maxNode int
	ttl     time.Duration
}

func newHintQueue(maxPerNode int, ttl time.Duration) *hintQueue {
	return &hintQueue{byNode: map[cluster.NodeID][]hint{}, maxNode: maxPerNode, ttl: ttl}
}

// add queues v for node and reports false when the per node cap is reached.
func (q *hintQueue) add(node cluster.NodeID, v consistency.VersionedValue, now time.Time) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	list := q.byNode[node]
	for i := range list {
		if list[i].value.Key == v.Key {
			if consistency.Compare(v, list[i].value) > 0 {
				list[i] = hint{value: v, expires: now.Add(q.ttl)}
			}

			return true
		}
	}

	if len(list) >= q.maxNode {
		return false
	}

	q.byNode[node] = append(list, hint{value: v, expires: now.Add(q.ttl)})

	return true
}

// size returns the number of hints queued for node.
func (q *hintQueue) size(node cluster.NodeID) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.byNode[node])
}

// total returns the number of queued hints across nodes.
func (q *hintQueue) total() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for _, l := range q.byNode {
		n += len(l)
	}

	return n
}

// drain removes and returns every hint of every node, split into live and expired.
func (q *hintQueue) drain(now time.Time) (map[cluster.NodeID][]hint, int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	live := make(map[cluster.NodeID][]hint, len(q.byNode))
	expired := 0

	for node, list := range q.byNode {
		for _, h := range list {
			if now.After(h.expires) {
				expired++

				continue
			}

			live[node] = append(live[node], h)
		}
	}

	q.byNode = map[cluster.NodeID][]hint{}

	return live, expired
}

// requeue puts back hints that could not be delivered. Hints queued meanwhile for
// the same key are kept if newer.
func (q *hintQueue) requeue(node cluster.NodeID, hints []hint) {
	q.mu.Lock()
	defer q.mu.Unlock()

	list := q.byNode[node]

next:
	for _, h := range hints {
		for i := range list {
			if list[i].value.Key == h.value.Key {
				if consistency.Compare(h.value, list[i].value) > 0 {
					list[i] = h
				}

				continue next
			}
		}

		if len(list) < q.maxNode {
			list = append(list, h)
		}
	}

	if len(list) > 0 {
		q.byNode[node] = list
	}
}

// replay delivers queued hints through ReadRepair, which only ever moves a replica
// forward. Returns delivered, expired and requeued counts.
func (c *Coordinator) replay(ctx context.Context) (int, int, int) {
	now := c.now()
	live, expired := c.hints.drain(now)

	delivered, requeued := 0, 0

	for node, hints := range live {
		rep, err := c.dir.Replica(node)
		if err != nil {
			c.hints.requeue(node, hints)
			requeued += len(hints)

			continue
		}

		var failed []hint

		for _, h := range hints {
			callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
			err := rep.ReadRepair(callCtx, h.value.Key, h.value)

			cancel()

			if err != nil {
				failed = append(failed, h)

				continue
			}

			delivered++
		}

		if len(failed) > 0 {
			c.logger.Debug().Str("node", string(node)).Int("pending", len(failed)).Msg("hint replay incomplete")
			c.hints.requeue(node, failed)
			requeued += len(failed)
		}
	}

	return delivered, expired, requeued
}
