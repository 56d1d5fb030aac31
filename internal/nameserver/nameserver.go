// Package nameserver is the in-memory forwarding-lookup stand-in spec.md
// §6 names as the variant "used in development": a (tableID, lowerBound)
// -> replicatingShardID mapping, plus the replica set registered for each
// shard ID. The production system's etcd-backed tree is out of scope.
package nameserver

import (
	"math/bits"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// ErrUnknownTable is returned by Resolve when no range has been
// registered for a table ID.
var ErrUnknownTable = errors.New("no ranges registered for table")

// ErrUnknownShard is returned when a range points at a shard ID with no
// registered replica set.
var ErrUnknownShard = errors.New("no replicas registered for shard")

// Replica is one (host, weight) member of a replicating shard's replica
// set, exactly the unit §3's data model describes.
type Replica struct {
	Host   string
	Weight int
}

// HashTableID applies the byte-swapping hash the forwarding scheme keys
// ranges by, so two differently-typed callers (uint32 table ids vs. raw
// wire ids) land on the same bucket.
func HashTableID(tableID uint32) uint32 {
	return bits.ReverseBytes32(tableID)
}

type table struct {
	// bounds is kept sorted ascending; shardIDs[i] is the replicating
	// shard responsible for [bounds[i], bounds[i+1]).
	bounds   []int64
	shardIDs []string
}

// NameServer is a forwarding lookup: tableID -> sorted lowerBound ranges
// -> replicatingShardID -> replica set. Safe for concurrent use.
type NameServer struct {
	mu     sync.RWMutex
	tables map[string]*table
	shards map[string][]Replica
}

// New constructs an empty NameServer.
func New() *NameServer {
	return &NameServer{
		tables: make(map[string]*table),
		shards: make(map[string][]Replica),
	}
}

// RegisterShard sets (overwriting) the replica set for shardID.
func (n *NameServer) RegisterShard(shardID string, replicas []Replica) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.shards[shardID] = append([]Replica(nil), replicas...)
}

// AddRange asserts that, on tableID, every lowerBound >= lowerBound (up to
// the next registered range) forwards to shardID.
func (n *NameServer) AddRange(tableID string, lowerBound int64, shardID string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	var t = n.tables[tableID]
	if t == nil {
		t = &table{}
		n.tables[tableID] = t
	}

	var i = sort.Search(len(t.bounds), func(i int) bool { return t.bounds[i] >= lowerBound })
	if i < len(t.bounds) && t.bounds[i] == lowerBound {
		t.shardIDs[i] = shardID
		return
	}
	t.bounds = append(t.bounds, 0)
	copy(t.bounds[i+1:], t.bounds[i:])
	t.bounds[i] = lowerBound

	t.shardIDs = append(t.shardIDs, "")
	copy(t.shardIDs[i+1:], t.shardIDs[i:])
	t.shardIDs[i] = shardID
}

// Resolve returns the replica set forwarding (tableID, lowerBound) should
// use: the replicas registered for the shard covering the greatest
// registered range boundary <= lowerBound.
func (n *NameServer) Resolve(tableID string, lowerBound int64) ([]Replica, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	var t = n.tables[tableID]
	if t == nil || len(t.bounds) == 0 {
		return nil, ErrUnknownTable
	}

	var i = sort.Search(len(t.bounds), func(i int) bool { return t.bounds[i] > lowerBound }) - 1
	if i < 0 {
		return nil, ErrUnknownTable
	}

	var replicas, ok = n.shards[t.shardIDs[i]]
	if !ok {
		return nil, ErrUnknownShard
	}
	return replicas, nil
}
