// Package shard implements the single-replica façade (§4.3) on top of a
// Connection Pool, and the Trim Policy (§4.5) it applies to append-style
// writes.
package shard

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/pippio/timelines/internal/pool"
)

// TrimBounds is a per-timeline-class pair (lower, upper) per §3's data
// model: 0 < lower <= upper.
type TrimBounds struct {
	Lower int64
	Upper int64
}

// DefaultTrimBounds is the spec's default timeline class.
var DefaultTrimBounds = TrimBounds{Lower: 800, Upper: 850}

// Shard exposes the logical timeline operations of §4.1 against one
// replica, routing reads through a read pool and writes through a
// (typically distinct) write pool, and applying the Trim Policy to
// append-style writes whose returned length crosses Bounds.Upper.
type Shard struct {
	Host      string
	ReadPool  *pool.Pool
	WritePool *pool.Pool
	Bounds    TrimBounds
}

// New constructs a Shard. readPool and writePool may be the same Pool for
// a replica with no read/write separation.
func New(host string, readPool, writePool *pool.Pool, bounds TrimBounds) *Shard {
	return &Shard{Host: host, ReadPool: readPool, WritePool: writePool, Bounds: bounds}
}

// Shutdown tears down this shard's read and write pools.
func (s *Shard) Shutdown() {
	s.WritePool.Shutdown()
	if s.ReadPool != s.WritePool {
		s.ReadPool.Shutdown()
	}
}

// Push appends entry to timeline (iff it exists), then applies the Trim
// Policy (§4.5) if the resulting length crosses Bounds.Upper.
func (s *Shard) Push(ctx context.Context, timeline string, entry []byte) error {
	var c, err = s.WritePool.Checkout(ctx)
	if err != nil {
		return err
	}

	var resultCh = make(chan int64, 1)
	var errCh = make(chan error, 1)
	if err = c.Push(timeline, entry, func(n int64) { resultCh <- n }, func(e error) { errCh <- e }); err != nil {
		return err
	}

	select {
	case n := <-resultCh:
		s.maybeTrim(ctx, timeline, n)
		return nil
	case e := <-errCh:
		return e
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pop removes all occurrences of entry from timeline.
func (s *Shard) Pop(ctx context.Context, timeline string, entry []byte) error {
	var c, err = s.WritePool.Checkout(ctx)
	if err != nil {
		return err
	}
	return syncVoid(ctx, func(cb func(int64), eb func(error)) error {
		return c.Pop(timeline, entry, cb, eb)
	})
}

// PushAfter inserts newEntry immediately before oldEntry. A no-op if
// oldEntry is absent.
func (s *Shard) PushAfter(ctx context.Context, timeline string, oldEntry, newEntry []byte) error {
	var c, err = s.WritePool.Checkout(ctx)
	if err != nil {
		return err
	}
	return syncVoid(ctx, func(cb func(int64), eb func(error)) error {
		return c.PushAfter(timeline, oldEntry, newEntry, cb, eb)
	})
}

// maybeTrim runs a best-effort trim to Bounds.Lower, waiting for its
// result, when the write's returned length crossed Bounds.Upper; a trim
// failure is logged and never fails the originating write.
func (s *Shard) maybeTrim(ctx context.Context, timeline string, length int64) {
	if length <= s.Bounds.Upper {
		return
	}
	var c, err = s.WritePool.Checkout(ctx)
	if err != nil {
		return
	}
	if err = c.Trim(ctx, timeline, s.Bounds.Lower); err != nil {
		log.WithFields(log.Fields{
			"host":     s.Host,
			"timeline": timeline,
			"op":       "trim",
			"error":    err,
		}).Warn("best-effort trim failed")
	}
}

// Get returns up to length entries from timeline, newest-first.
func (s *Shard) Get(ctx context.Context, timeline string, offset, length int64) ([][]byte, error) {
	var c, err = s.ReadPool.Checkout(ctx)
	if err != nil {
		return nil, err
	}
	return c.Get(ctx, timeline, offset, length)
}

// Size returns timeline's length.
func (s *Shard) Size(ctx context.Context, timeline string) (int64, error) {
	var c, err = s.ReadPool.Checkout(ctx)
	if err != nil {
		return 0, err
	}
	return c.Size(ctx, timeline)
}

// Delete removes timeline.
func (s *Shard) Delete(ctx context.Context, timeline string) error {
	var c, err = s.WritePool.Checkout(ctx)
	if err != nil {
		return err
	}
	return c.Delete(ctx, timeline)
}

// Trim keeps the last size entries of timeline.
func (s *Shard) Trim(ctx context.Context, timeline string, size int64) error {
	var c, err = s.WritePool.Checkout(ctx)
	if err != nil {
		return err
	}
	return c.Trim(ctx, timeline, size)
}

// SetAtomically installs entries as timeline's entire contents via this
// replica's unique-temp-name-then-rename swap (§4.4).
func (s *Shard) SetAtomically(ctx context.Context, timeline string, entries [][]byte) error {
	var c, err = s.WritePool.Checkout(ctx)
	if err != nil {
		return err
	}
	return c.SetAtomically(ctx, timeline, entries)
}

// SetLiveStart begins the live-copy protocol (§4.4) on this replica.
func (s *Shard) SetLiveStart(ctx context.Context, timeline string) error {
	var c, err = s.WritePool.Checkout(ctx)
	if err != nil {
		return err
	}
	return c.SetLiveStart(ctx, timeline)
}

// SetLive backfills entries onto timeline's head (§4.4).
func (s *Shard) SetLive(ctx context.Context, timeline string, entries [][]byte) error {
	var c, err = s.WritePool.Checkout(ctx)
	if err != nil {
		return err
	}
	return c.SetLive(ctx, timeline, entries)
}

// MakeKeyList captures the current timeline names into %keys (§4.6).
func (s *Shard) MakeKeyList(ctx context.Context) error {
	var c, err = s.WritePool.Checkout(ctx)
	if err != nil {
		return err
	}
	return c.MakeKeyList(ctx)
}

// GetKeys returns a slice of the %keys snapshot.
func (s *Shard) GetKeys(ctx context.Context, offset, count int64) ([]string, error) {
	var c, err = s.ReadPool.Checkout(ctx)
	if err != nil {
		return nil, err
	}
	return c.GetKeys(ctx, offset, count)
}

// DeleteKeyList removes %keys.
func (s *Shard) DeleteKeyList(ctx context.Context) error {
	var c, err = s.WritePool.Checkout(ctx)
	if err != nil {
		return err
	}
	return c.DeleteKeyList(ctx)
}

// syncVoid adapts an async-callback Client call into a blocking call that
// discards the numeric result, for operations where the Shard façade has
// no use for the returned count.
func syncVoid(ctx context.Context, call func(cb func(int64), eb func(error)) error) error {
	var doneCh = make(chan error, 1)
	if err := call(func(int64) { doneCh <- nil }, func(e error) { doneCh <- e }); err != nil {
		return err
	}
	select {
	case err := <-doneCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
