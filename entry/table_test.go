package entry

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTableGetOrCreateIsIdempotent(t *testing.T) {
	tbl := NewTable(4)
	k := Key{CacheID: "c", Key: "a"}
	e1 := tbl.GetOrCreate(k, 3)
	e2 := tbl.GetOrCreate(k, 3)
	assert.Same(t, e1, e2)
	assert.Equal(t, uint32(3), e1.PartitionID())
}

func TestTableRemoveThenGetOrCreateMakesFreshEntry(t *testing.T) {
	tbl := NewTable(4)
	k := Key{CacheID: "c", Key: "a"}
	e1 := tbl.GetOrCreate(k, 0)
	tbl.Remove(k)
	_, ok := tbl.Get(k)
	assert.False(t, ok)

	e2 := tbl.GetOrCreate(k, 0)
	assert.NotSame(t, e1, e2)
}

func TestTableLenTracksLiveEntries(t *testing.T) {
	tbl := NewTable(4)
	tbl.GetOrCreate(Key{CacheID: "c", Key: "a"}, 0)
	tbl.GetOrCreate(Key{CacheID: "c", Key: "b"}, 0)
	assert.Equal(t, 2, tbl.Len())
}

func TestCanonicalOrderIsDeterministicAndStableAcrossPermutations(t *testing.T) {
	keys := []Key{
		{CacheID: "c", Key: "a"},
		{CacheID: "c", Key: "b"},
		{CacheID: "c", Key: "c"},
		{CacheID: "d", Key: "d"},
	}
	reversed := make([]Key, len(keys))
	for i, k := range keys {
		reversed[len(keys)-1-i] = k
	}

	o1 := CanonicalOrder(keys)
	o2 := CanonicalOrder(reversed)
	require.Equal(t, o1, o2)

	sorted := sort.SliceIsSorted(o1, func(i, j int) bool { return less(o1[i], o1[j]) })
	assert.True(t, sorted)
}
