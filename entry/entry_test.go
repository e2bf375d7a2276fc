package entry

import (
	"testing"
	"time"

	"github.com/bdeggleston/gridtx/node"
	"github.com/bdeggleston/gridtx/version"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func v(order uint64) version.Version {
	return version.Version{Order: order, NodeOrder: 1, Topology: 1}
}

func TestAddLocalThenReadyPromotesOwner(t *testing.T) {
	e := New(Key{CacheID: "c", Key: "k"}, 0)

	c1, err := e.AddLocal(v(1), v(1), 1, 0, false, true, nil, nil)
	require.NoError(t, err)
	assert.Nil(t, e.Owner())

	owner, err := e.Ready(v(1))
	require.NoError(t, err)
	require.NotNil(t, owner)
	assert.Same(t, c1, owner)
	assert.Same(t, c1, e.Owner())
}

func TestAtMostOneOwnerAtATime(t *testing.T) {
	// I1: for every entry, at most one candidate is the owner.
	e := New(Key{CacheID: "c", Key: "k"}, 0)

	c1, _ := e.AddLocal(v(1), v(1), 1, 0, false, true, nil, nil)
	c2, _ := e.AddLocal(v(2), v(2), 2, 0, false, true, nil, nil)

	e.Ready(v(1))
	e.Ready(v(2))

	owner := e.Owner()
	require.NotNil(t, owner)
	assert.True(t, owner == c1 || owner == c2)

	// releasing the owner promotes exactly the other one
	e.Release(owner.Version)
	newOwner := e.Owner()
	require.NotNil(t, newOwner)
	assert.NotSame(t, owner, newOwner)
}

func TestRemovedVersionNeverReappearsInQueue(t *testing.T) {
	// I2: a version in the removed-set never appears in the active
	// candidate list.
	e := New(Key{CacheID: "c", Key: "k"}, 0)
	e.AddLocal(v(1), v(1), 1, 0, false, true, nil, nil)
	e.Ready(v(1))
	require.NoError(t, e.Release(v(1)))

	_, err := e.AddLocal(v(1), v(1), 1, 0, false, true, nil, nil)
	var cancelled Cancelled
	assert.ErrorAs(t, err, &cancelled)

	for _, c := range e.Candidates() {
		assert.False(t, c.Version.Equal(v(1)))
	}
}

func TestObsoleteEntryReportsRemoved(t *testing.T) {
	e := New(Key{CacheID: "c", Key: "k"}, 0)
	e.MarkObsolete()
	_, err := e.AddLocal(v(1), v(1), 1, 0, false, true, nil, nil)
	var removed Removed
	assert.ErrorAs(t, err, &removed)
}

func TestReentrantCandidateSharesOwnerVersion(t *testing.T) {
	e := New(Key{CacheID: "c", Key: "k"}, 0)
	xid := v(7)
	owner, err := e.AddLocal(v(1), xid, 1, 0, false, true, nil, nil)
	require.NoError(t, err)
	e.Ready(v(1))

	reentrant, err := e.AddLocal(version.Version{}, xid, 1, 0, true, true, nil, nil)
	require.NoError(t, err)
	assert.True(t, reentrant.Version.Equal(owner.Version))
	assert.True(t, reentrant.Reentry)

	// reentrant candidates never surface as owner themselves
	assert.Same(t, owner, e.Owner())
}

func TestLockTimeoutRemovesCandidateAndUnblocksOthers(t *testing.T) {
	// S4: thread A holds the lock indefinitely; thread B times out.
	e := New(Key{CacheID: "c", Key: "k"}, 0)

	a, err := e.AddLocal(v(1), v(1), 1, 0, false, true, nil, nil)
	require.NoError(t, err)
	e.Ready(v(1))
	require.Same(t, a, e.Owner())

	b, err := e.AddLocal(v(2), v(2), 2, 20*time.Millisecond, false, true, nil, nil)
	require.NoError(t, err)
	e.Ready(v(2))

	select {
	case <-b.OwnerNotify():
		t.Fatal("b should never become owner while a holds the lock")
	case <-time.After(100 * time.Millisecond):
	}

	assert.True(t, b.TimedOut())
	for _, c := range e.Candidates() {
		assert.NotSame(t, b, c)
	}
	// A is unaffected
	assert.Same(t, a, e.Owner())
}

func TestAddRemoteRejectsLateMessage(t *testing.T) {
	e := New(Key{CacheID: "c", Key: "k"}, 0)
	e.AddLocal(v(1), v(1), 1, 0, false, true, nil, nil)
	e.Ready(v(1))
	require.NoError(t, e.Release(v(1)))

	_, err := e.AddRemote(v(1), v(1), 1, 0, true, nil)
	var cancelled Cancelled
	assert.ErrorAs(t, err, &cancelled)
}

func TestReaderRegistryExcludesAffinityOwners(t *testing.T) {
	// I3: reader-list membership excludes affinity owners.
	r := newReaderRegistry()
	self := node.NewNodeId()
	reader := node.NewNodeId()

	affinity := func(id node.NodeId, _ uint32) bool { return id == reader }

	added, _, err := r.AddReader(reader, 1, 1, self, nil, func(node.NodeId) bool { return true }, affinity, nil)
	assert.False(t, added)
	assert.Error(t, err)
	assert.Empty(t, r.Snapshot())
}

func TestReaderRegistryBumpsMessageIDMonotonically(t *testing.T) {
	r := newReaderRegistry()
	self := node.NewNodeId()
	reader := node.NewNodeId()
	noAffinity := func(node.NodeId, uint32) bool { return false }
	hasNear := func(node.NodeId) bool { return true }

	added, _, err := r.AddReader(reader, 5, 1, self, nil, hasNear, noAffinity, nil)
	require.NoError(t, err)
	assert.True(t, added)

	added, _, err = r.AddReader(reader, 3, 1, self, nil, hasNear, noAffinity, nil)
	require.NoError(t, err)
	assert.False(t, added)

	snap := r.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, uint64(5), snap[0].MessageID) // lower msg id ignored
}

func TestRemoveReaderIgnoresStaleMessage(t *testing.T) {
	r := newReaderRegistry()
	self := node.NewNodeId()
	reader := node.NewNodeId()
	noAffinity := func(node.NodeId, uint32) bool { return false }
	hasNear := func(node.NodeId) bool { return true }
	r.AddReader(reader, 10, 1, self, nil, hasNear, noAffinity, nil)

	assert.False(t, r.RemoveReader(reader, 5))
	assert.Len(t, r.Snapshot(), 1)

	assert.True(t, r.RemoveReader(reader, 10))
	assert.Empty(t, r.Snapshot())
}

func TestDecidePolicyEvictsNewAffinityOwners(t *testing.T) {
	reader := node.NewNodeId()
	assert.Equal(t, PolicyEvict, DecidePolicy(reader, 2, func(node.NodeId, uint32) bool { return true }))
	assert.Equal(t, PolicyInvalidate, DecidePolicy(reader, 2, func(node.NodeId, uint32) bool { return false }))
}
