package client

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pippio/timelines/internal/store"
)

// decodeFunc extracts a typed result from a command queued by queueFunc,
// once the owning batch has been submitted and has returned.
type decodeFunc func() (interface{}, error)

// queueFunc enqueues one logical call's underlying store command(s) onto a
// batch, and returns the decodeFunc that recovers its result afterwards.
type queueFunc func(ctx context.Context, pipe store.PipelineOps) decodeFunc

// element is a queued call. It starts life as a Batch Element (queue is
// set, decode/done are nil) and becomes a Pipeline Element once its batch
// is flushed (decode/done populated, queue no longer used).
type element struct {
	queue    queueFunc
	callback func(interface{})
	onError  func(error)
	arrival  time.Time

	decode decodeFunc
	done   <-chan struct{}
}

func intCmdDecoder(cmd *redis.IntCmd) decodeFunc {
	return func() (interface{}, error) {
		if err := cmd.Err(); err != nil && err != redis.Nil {
			return nil, err
		}
		return cmd.Val(), nil
	}
}

func statusCmdDecoder(cmd *redis.StatusCmd) decodeFunc {
	return func() (interface{}, error) {
		if err := cmd.Err(); err != nil && err != redis.Nil {
			return nil, err
		}
		return cmd.Val(), nil
	}
}

func stringSliceCmdDecoder(cmd *redis.StringSliceCmd) decodeFunc {
	return func() (interface{}, error) {
		if err := cmd.Err(); err != nil && err != redis.Nil {
			return nil, err
		}
		return cmd.Val(), nil
	}
}

// queuePush appends entry to timeline iff timeline already exists
// (push-if-exists). If the timeline is absent, entry is silently dropped:
// timelines are created only via live-copy or atomic replace.
func queuePush(timeline string, entry []byte) queueFunc {
	return func(ctx context.Context, pipe store.PipelineOps) decodeFunc {
		return intCmdDecoder(pipe.RPushX(ctx, timeline, entry))
	}
}

// queuePop removes all occurrences of the exact-match entry from timeline.
func queuePop(timeline string, entry []byte) queueFunc {
	return func(ctx context.Context, pipe store.PipelineOps) decodeFunc {
		return intCmdDecoder(pipe.LRem(ctx, timeline, 0, entry))
	}
}

// queuePushAfter inserts newEntry immediately before oldEntry (LINSERT
// BEFORE matches the first occurrence counted from the head, ie the oldest
// one when oldEntry is duplicated). If oldEntry is absent, no insertion
// occurs.
func queuePushAfter(timeline string, oldEntry, newEntry []byte) queueFunc {
	return func(ctx context.Context, pipe store.PipelineOps) decodeFunc {
		return intCmdDecoder(pipe.LInsertBefore(ctx, timeline, oldEntry, newEntry))
	}
}

// queueGet returns up to length entries starting offset from the tail
// (newest), in newest-first order. length <= 0 means "to the beginning".
func queueGet(timeline string, offset, length int64) queueFunc {
	return func(ctx context.Context, pipe store.PipelineOps) decodeFunc {
		var start, stop = store.RangeIndices(offset, length)
		var cmd = pipe.LRange(ctx, timeline, start, stop)
		return func() (interface{}, error) {
			if err := cmd.Err(); err != nil && err != redis.Nil {
				return nil, err
			}
			return store.ReverseStrings(cmd.Val()), nil
		}
	}
}

func queueSize(timeline string) queueFunc {
	return func(ctx context.Context, pipe store.PipelineOps) decodeFunc {
		return intCmdDecoder(pipe.LLen(ctx, timeline))
	}
}

func queueDelete(timeline string) queueFunc {
	return func(ctx context.Context, pipe store.PipelineOps) decodeFunc {
		return intCmdDecoder(pipe.Del(ctx, timeline))
	}
}

// queueTrim keeps the last size entries (the tail side, ie the newest).
// A size <= 0 empties the timeline.
func queueTrim(timeline string, size int64) queueFunc {
	return func(ctx context.Context, pipe store.PipelineOps) decodeFunc {
		if size <= 0 {
			// LTRIM with start > stop leaves an empty list.
			return statusCmdDecoder(pipe.LTrim(ctx, timeline, 1, 0))
		}
		return statusCmdDecoder(pipe.LTrim(ctx, timeline, -size, -1))
	}
}

func queueExists(timeline string) queueFunc {
	return func(ctx context.Context, pipe store.PipelineOps) decodeFunc {
		return intCmdDecoder(pipe.Exists(ctx, timeline))
	}
}

func queueRename(oldName, newName string) queueFunc {
	return func(ctx context.Context, pipe store.PipelineOps) decodeFunc {
		return statusCmdDecoder(pipe.Rename(ctx, oldName, newName))
	}
}

// queueRPushCreate unconditionally right-pushes entry, creating timeline if
// it does not already exist. Used only to seed a freshly generated,
// guaranteed-new temporary timeline name (setAtomically) or to materialize
// the live-copy sentinel (setLiveStart).
func queueRPushCreate(timeline string, entry []byte) queueFunc {
	return func(ctx context.Context, pipe store.PipelineOps) decodeFunc {
		return intCmdDecoder(pipe.RPush(ctx, timeline, entry))
	}
}

// queueRPushXMany right-pushes entries (already in the correct wire order)
// iff timeline exists.
func queueRPushXMany(timeline string, entries ...[]byte) queueFunc {
	return func(ctx context.Context, pipe store.PipelineOps) decodeFunc {
		var vals = make([]interface{}, len(entries))
		for i, e := range entries {
			vals[i] = e
		}
		return intCmdDecoder(pipe.RPushX(ctx, timeline, vals...))
	}
}

// queueSetLive left-pushes entries (in caller order) iff timeline exists.
// If setLiveStart has not yet run, this is a deliberate, silent no-op.
func queueSetLive(timeline string, entries ...[]byte) queueFunc {
	return func(ctx context.Context, pipe store.PipelineOps) decodeFunc {
		var vals = make([]interface{}, len(entries))
		for i, e := range entries {
			vals[i] = e
		}
		return intCmdDecoder(pipe.LPushX(ctx, timeline, vals...))
	}
}

func queueKeys(pattern string) queueFunc {
	return func(ctx context.Context, pipe store.PipelineOps) decodeFunc {
		return stringSliceCmdDecoder(pipe.Keys(ctx, pattern))
	}
}
