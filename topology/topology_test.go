package topology

import (
	"sync"
	"testing"
	"time"

	"github.com/bdeggleston/gridtx/node"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashPartitionerIsStable(t *testing.T) {
	p := NewHashPartitioner(16)
	a := p.Partition("foo")
	b := p.Partition("foo")
	assert.Equal(t, a, b)
	assert.Less(t, a, uint32(16))
}

func TestRingRebalanceIgnoresStaleVersion(t *testing.T) {
	local := node.NewNodeId()
	r := NewRing(local, NewHashPartitioner(4), nil)

	r.Rebalance(2, map[uint32]Assignment{0: {local}})
	assert.EqualValues(t, 2, r.Version())

	r.Rebalance(1, map[uint32]Assignment{0: {"other"}})
	assert.EqualValues(t, 2, r.Version(), "stale rebalance must not regress version")

	primary, ok := r.Primary(0)
	require.True(t, ok)
	assert.Equal(t, local, primary)
}

func TestRingAliveDelegatesToLiveness(t *testing.T) {
	live := fakeLiveness{alive: map[node.NodeId]bool{"a": true, "b": false}}
	r := NewRing("self", NewHashPartitioner(4), live)
	assert.True(t, r.Alive("a"))
	assert.False(t, r.Alive("b"))
}

type fakeLiveness struct {
	alive map[node.NodeId]bool
}

func (f fakeLiveness) Alive(id node.NodeId) bool  { return f.alive[id] }
func (f fakeLiveness) LocalNodeID() node.NodeId   { return "self" }

func TestBarrierReleaseWaitsForAllEntries(t *testing.T) {
	b := NewBarrier()
	require.True(t, b.Enter(0))
	require.True(t, b.Enter(0))
	assert.Equal(t, 2, b.Pending(0))

	released := make(chan struct{})
	go func() {
		b.Release(0)
		close(released)
	}()

	time.Sleep(10 * time.Millisecond)
	select {
	case <-released:
		t.Fatal("release should not complete while operations are pending")
	default:
	}

	b.Leave(0)
	b.Leave(0)

	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("release should complete once all operations left")
	}
}

func TestBarrierRejectsEntryWhileDraining(t *testing.T) {
	b := NewBarrier()
	require.True(t, b.Enter(1))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		b.Release(1)
	}()
	time.Sleep(10 * time.Millisecond)

	assert.False(t, b.Enter(1), "entry during drain must be rejected")
	b.Leave(1)
	wg.Wait()

	b.Reopen(1)
	assert.True(t, b.Enter(1), "entry after reopen must succeed")
}
