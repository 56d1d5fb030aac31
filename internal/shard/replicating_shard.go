package shard

import (
	"context"
	"math/rand"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/pippio/timelines/internal/retryqueue"
)

// Replica is one member of a timeline's replica set: a Shard plus the
// weight governing its selection as a read source (§3's data model).
type Replica struct {
	Host   string
	Shard  *Shard
	Weight int
}

// ReplicatingShard fans writes out across every replica (success iff at
// least one succeeds, per-replica failures retried out of band), does
// weighted random read-replica selection with failover, and drives the
// atomic bulk-replace / live-copy protocols identically against every
// replica (§4.4).
type ReplicatingShard struct {
	Replicas []Replica
	Retry    *retryqueue.Queue

	// Rand is injectable for deterministic tests; defaults to
	// math/rand's package-level source.
	Rand *rand.Rand
}

// New constructs a ReplicatingShard backed by the given retry queue.
func New(replicas []Replica, retry *retryqueue.Queue) *ReplicatingShard {
	return &ReplicatingShard{Replicas: replicas, Retry: retry}
}

// Shutdown tears down every replica's read/write pools and the retry
// queue behind this ReplicatingShard.
func (rs *ReplicatingShard) Shutdown() {
	var seen = make(map[*Shard]bool, len(rs.Replicas))
	for _, replica := range rs.Replicas {
		if seen[replica.Shard] {
			continue
		}
		seen[replica.Shard] = true
		replica.Shard.Shutdown()
	}
	if rs.Retry != nil {
		rs.Retry.Shutdown()
	}
}

func (rs *ReplicatingShard) intn(n int) int {
	if rs.Rand != nil {
		return rs.Rand.Intn(n)
	}
	return rand.Intn(n)
}

// fanOut applies op to every replica concurrently. It returns nil iff at
// least one replica succeeded; otherwise it returns the last error
// observed. Individual replica failures are enqueued onto Retry for
// out-of-band convergence, keyed by (timeline, op, entry) per §4.4.
//
// Replicas are independent backing connections, so there is no reason to
// serialize the fan-out: an errgroup.Group runs every replica's call in
// its own goroutine and waits for all of them, the same shape the rest of
// the pack uses for independent concurrent I/O.
func (rs *ReplicatingShard) fanOut(ctx context.Context, op, timeline, entry string, class retryqueue.Class, call func(*Shard) error) error {
	var mu sync.Mutex
	var anySuccess bool
	var lastErr error

	var g errgroup.Group
	for _, replica := range rs.Replicas {
		var replica = replica // local copy for the goroutine and retry closure, pre-Go-1.22 semantics
		g.Go(func() error {
			var err = call(replica.Shard)
			if err == nil {
				mu.Lock()
				anySuccess = true
				mu.Unlock()
				return nil
			}

			mu.Lock()
			lastErr = err
			mu.Unlock()
			log.WithFields(log.Fields{
				"host":     replica.Host,
				"timeline": timeline,
				"op":       op,
				"error":    err,
			}).Warn("replica write failed; enqueueing retry")

			if rs.Retry != nil {
				rs.Retry.Enqueue(class, retryqueue.Key{Timeline: timeline, Op: op, Entry: entry}, func(ctx context.Context) error {
					return call(replica.Shard)
				})
			}
			return nil
		})
	}
	_ = g.Wait() // errors are tracked via anySuccess/lastErr above, never returned by the goroutines

	if !anySuccess {
		return errors.WithMessagef(lastErr, "all replicas failed op %s on %s", op, timeline)
	}
	return nil
}

// Push is naturally idempotent: push-if-exists means a retried push
// against an already-deleted or already-pushed-to timeline is a no-op or
// harmless repeat.
func (rs *ReplicatingShard) Push(ctx context.Context, timeline string, entry []byte) error {
	return rs.fanOut(ctx, "push", timeline, string(entry), retryqueue.ClassWrite, func(s *Shard) error {
		return s.Push(ctx, timeline, entry)
	})
}

// Pop removes all matches, so repeats are idempotent.
func (rs *ReplicatingShard) Pop(ctx context.Context, timeline string, entry []byte) error {
	return rs.fanOut(ctx, "pop", timeline, string(entry), retryqueue.ClassWrite, func(s *Shard) error {
		return s.Pop(ctx, timeline, entry)
	})
}

// PushAfter is idempotent because a missing oldEntry silently skips the
// insert rather than erroring.
func (rs *ReplicatingShard) PushAfter(ctx context.Context, timeline string, oldEntry, newEntry []byte) error {
	return rs.fanOut(ctx, "pushAfter", timeline, string(oldEntry), retryqueue.ClassWrite, func(s *Shard) error {
		return s.PushAfter(ctx, timeline, oldEntry, newEntry)
	})
}

// Delete is idempotent.
func (rs *ReplicatingShard) Delete(ctx context.Context, timeline string) error {
	return rs.fanOut(ctx, "delete", timeline, "", retryqueue.ClassWrite, func(s *Shard) error {
		return s.Delete(ctx, timeline)
	})
}

// SetAtomically drives the unique-temp-name-then-rename bulk replace
// (§4.4) identically against every replica; each replica generates and
// swaps its own independent temp name.
func (rs *ReplicatingShard) SetAtomically(ctx context.Context, timeline string, entries [][]byte) error {
	return rs.fanOut(ctx, "setAtomically", timeline, "", retryqueue.ClassCopy, func(s *Shard) error {
		return s.SetAtomically(ctx, timeline, entries)
	})
}

// SetLiveStart begins the live-copy protocol against every replica.
func (rs *ReplicatingShard) SetLiveStart(ctx context.Context, timeline string) error {
	return rs.fanOut(ctx, "setLiveStart", timeline, "", retryqueue.ClassCopy, func(s *Shard) error {
		return s.SetLiveStart(ctx, timeline)
	})
}

// SetLive backfills entries onto every replica's copy of timeline.
func (rs *ReplicatingShard) SetLive(ctx context.Context, timeline string, entries [][]byte) error {
	return rs.fanOut(ctx, "setLive", timeline, "", retryqueue.ClassCopy, func(s *Shard) error {
		return s.SetLive(ctx, timeline, entries)
	})
}

// Get performs weight-proportional random selection among alive replicas,
// retrying the next candidate on failure and surfacing an error only when
// every replica has failed (§4.4's read replica selection).
func (rs *ReplicatingShard) Get(ctx context.Context, timeline string, offset, length int64) ([][]byte, error) {
	var order = rs.weightedOrder()
	var lastErr error
	for _, idx := range order {
		var entries, err = rs.Replicas[idx].Shard.Get(ctx, timeline, offset, length)
		if err == nil {
			return entries, nil
		}
		lastErr = err
		log.WithFields(log.Fields{
			"host":     rs.Replicas[idx].Host,
			"timeline": timeline,
			"error":    err,
		}).Warn("read replica failed; trying next")
	}
	return nil, errors.WithMessage(lastErr, "all read replicas failed")
}

// Size mirrors Get's replica-selection and failover policy.
func (rs *ReplicatingShard) Size(ctx context.Context, timeline string) (int64, error) {
	var order = rs.weightedOrder()
	var lastErr error
	for _, idx := range order {
		var n, err = rs.Replicas[idx].Shard.Size(ctx, timeline)
		if err == nil {
			return n, nil
		}
		lastErr = err
	}
	return 0, errors.WithMessage(lastErr, "all read replicas failed")
}

// weightedOrder returns a permutation of replica indices, weight-biased
// toward the front, that failover walks in order: draw without
// replacement from the weighted distribution over what remains.
func (rs *ReplicatingShard) weightedOrder() []int {
	var remaining = make([]int, len(rs.Replicas))
	for i := range remaining {
		remaining[i] = i
	}

	var order = make([]int, 0, len(remaining))
	for len(remaining) > 0 {
		var total int
		for _, idx := range remaining {
			total += rs.Replicas[idx].Weight
		}
		if total <= 0 {
			// No positive weight left (eg all zero): fall back to
			// uniform choice among what remains.
			var pick = rs.intn(len(remaining))
			order = append(order, remaining[pick])
			remaining = append(remaining[:pick], remaining[pick+1:]...)
			continue
		}

		var r = rs.intn(total)
		var cumulative int
		for i, idx := range remaining {
			cumulative += rs.Replicas[idx].Weight
			if r < cumulative {
				order = append(order, idx)
				remaining = append(remaining[:i], remaining[i+1:]...)
				break
			}
		}
	}
	return order
}
