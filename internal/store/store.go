// Package store wraps the downstream in-memory list-store protocol this
// system depends on: exists, rpush, rpushx, lpushx, lrem, linsertBefore,
// lrange, llen, ltrim, del, rename, and keys. It does not interpret entry
// contents; entries are opaque byte strings end to end.
package store

// KeysListName is the reserved list holding a snapshot of every known
// timeline name, built by the key-list snapshot protocol.
const KeysListName = "%keys"

// EmptySentinel is the reserved entry value used to mark a timeline that a
// live copy has started but not yet backfilled.
var EmptySentinel = []byte("\x00live-copy-pending\x00")

// RangeIndices translates a (offset, length) window — counted from the tail
// (newest entry), as the timeline read API specifies — into the [start,
// stop] arguments LRANGE expects, which count from the head. length <= 0
// means "from offset to the beginning of the timeline".
//
// LRANGE returns elements head-to-tail (oldest first); callers must reverse
// the result to recover the newest-first order timeline reads promise.
func RangeIndices(offset, length int64) (start, stop int64) {
	stop = -(offset + 1)
	if length <= 0 {
		return 0, stop
	}
	return -(offset + length), stop
}

// ReverseStrings reverses s in place and returns it, for converting an
// oldest-first LRANGE result into the newest-first order timeline reads
// promise.
func ReverseStrings(s []string) []string {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
	return s
}
