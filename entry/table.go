package entry

import (
	"hash/fnv"
	"sync"
)

const defaultShardCount = 32

// Table is the sharded entry map of spec.md §9 ("re-use a sharded map
// of monitors rather than per-entry heap overhead"), generalized from
// the teacher's single Scope.instances map (scope.go) into a
// lock-striped map keyed by (cache_id, key) so unrelated keys never
// contend on the same mutex.
type Table struct {
	shards []*shard
	mask   uint32
}

type shard struct {
	mu      sync.Mutex
	entries map[Key]*Entry
}

// NewTable builds a Table with shardCount shards, rounded up to the
// next power of two. shardCount <= 0 uses a sensible default.
func NewTable(shardCount int) *Table {
	if shardCount <= 0 {
		shardCount = defaultShardCount
	}
	n := 1
	for n < shardCount {
		n <<= 1
	}
	shards := make([]*shard, n)
	for i := range shards {
		shards[i] = &shard{entries: make(map[Key]*Entry)}
	}
	return &Table{shards: shards, mask: uint32(n - 1)}
}

func (t *Table) shardFor(key Key) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key.CacheID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(key.Key))
	return t.shards[h.Sum32()&t.mask]
}

// GetOrCreate returns the entry for key, creating it (with IsNew set)
// on first access. partitionID is only used at creation time.
func (t *Table) GetOrCreate(key Key, partitionID uint32) *Entry {
	s := t.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		e = New(key, partitionID)
		s.entries[key] = e
	}
	return e
}

// Get returns the entry for key if it already exists.
func (t *Table) Get(key Key) (*Entry, bool) {
	s := t.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	return e, ok
}

// Remove drops an obsolete entry from the table. Callers must have
// already marked it obsolete so racing GetOrCreate callers are
// signalled to re-resolve (spec.md §4.2 "EntryRemoved").
func (t *Table) Remove(key Key) {
	s := t.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
}

// Len reports the total number of live entries, for tests/diagnostics.
func (t *Table) Len() int {
	n := 0
	for _, s := range t.shards {
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}

// CanonicalOrder sorts keys by key hash then cache id so multi-entry
// operations acquire entries in a deadlock-free canonical order
// (spec.md §5: "multi-entry operations acquire in a canonical order
// (by key hash then by cache id)").
func CanonicalOrder(keys []Key) []Key {
	out := make([]Key, len(keys))
	copy(out, keys)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && less(out[j], out[j-1]); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

func keyHash(k Key) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(k.Key))
	return h.Sum32()
}

func less(a, b Key) bool {
	ha, hb := keyHash(a), keyHash(b)
	if ha != hb {
		return ha < hb
	}
	return a.CacheID < b.CacheID
}
