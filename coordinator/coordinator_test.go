package coordinator

import (
	"sync"
	"testing"
	"time"

	"github.com/bdeggleston/gridtx/entry"
	"github.com/bdeggleston/gridtx/message"
	"github.com/bdeggleston/gridtx/node"
	"github.com/bdeggleston/gridtx/store"
	"github.com/bdeggleston/gridtx/topology"
	"github.com/bdeggleston/gridtx/txn"
	"github.com/bdeggleston/gridtx/version"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeLiveness treats every node as alive, for topology fixtures that
// don't exercise liveness directly.
type fakeLiveness struct {
	local node.NodeId
}

func (f fakeLiveness) Alive(node.NodeId) bool      { return true }
func (f fakeLiveness) LocalNodeID() node.NodeId    { return f.local }

// fakePeer is a direct-dispatch stand-in for a wire Peer: Send runs the
// handler synchronously, mimicking a remote node that always replies.
type fakePeer struct {
	id      node.NodeId
	handler func(message.Message) (message.Message, error)
}

func (p *fakePeer) ID() node.NodeId { return p.id }
func (p *fakePeer) Send(msg message.Message) (message.Message, error) {
	return p.handler(msg)
}

// fakeRegistry is a PeerLookup backed by a plain map, with an
// unreachable set for simulating TopologyLeft/timeouts.
type fakeRegistry struct {
	mu          sync.Mutex
	peers       map[node.NodeId]*fakePeer
	unreachable map[node.NodeId]bool
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{peers: make(map[node.NodeId]*fakePeer), unreachable: make(map[node.NodeId]bool)}
}

func (r *fakeRegistry) lookup(id node.NodeId) (Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.unreachable[id] {
		return nil, false
	}
	p, ok := r.peers[id]
	if !ok {
		return nil, false
	}
	return p, true
}

func (r *fakeRegistry) add(p *fakePeer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[p.id] = p
}

func (r *fakeRegistry) markUnreachable(id node.NodeId) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unreachable[id] = true
}

func newTestCoordinator(t *testing.T, local node.NodeId, assignment map[uint32]topology.Assignment, reg *fakeRegistry) *Coordinator {
	t.Helper()
	part := topology.NewHashPartitioner(4)
	ring := topology.NewRing(local, part, fakeLiveness{local: local})
	ring.Rebalance(1, assignment)

	cfg := DefaultConfig()
	cfg.PrepareTimeout = 200 * time.Millisecond
	cfg.FinishTimeout = 200 * time.Millisecond
	cfg.CheckPreparedTimeout = 200 * time.Millisecond

	return New(cfg, entry.NewTable(4), ring, version.NewVendor(1),
		store.NewMemory(), reg.lookup, topology.NewBarrier(), nil)
}

func singleOwnerAssignment(local node.NodeId, partitioner topology.Partitioner, key string) map[uint32]topology.Assignment {
	p := partitioner.Partition(key)
	out := make(map[uint32]topology.Assignment)
	for i := uint32(0); i < partitioner.Partitions(); i++ {
		if i == p {
			out[i] = topology.Assignment{local}
		} else {
			out[i] = topology.Assignment{local}
		}
	}
	return out
}

func TestPrepareCommitHappyPathAppliesValueAndStore(t *testing.T) {
	local := node.NewNodeId()
	reg := newFakeRegistry()
	part := topology.NewHashPartitioner(4)
	assignment := singleOwnerAssignment(local, part, "k1")
	c := newTestCoordinator(t, local, assignment, reg)

	tx := txn.New(version.Version{Order: 1, NodeOrder: 1}, local, txn.Pessimistic, txn.RepeatableRead, time.Second, 1)
	key := entry.Key{CacheID: "c", Key: "k1"}

	result, err := c.Prepare(&PrepareRequest{Tx: tx, WriteKeys: []entry.Key{key}})
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, txn.StatePrepared, tx.State())

	require.NoError(t, tx.BeginCommit())
	err = c.Finish(&FinishRequest{
		Tx:     tx,
		Result: result,
		Commit: true,
		Values: map[entry.Key]store.Value{key: store.NewBytesValue([]byte("v1"))},
	})
	require.NoError(t, err)
	assert.Equal(t, txn.StateCommitted, tx.State())

	e, ok := c.table.Get(key)
	require.True(t, ok)
	val, present, ver := e.Value()
	assert.True(t, present)
	assert.Equal(t, result.WriteVersion, ver)

	decoded, _, err := store.DecodeValue(val)
	require.NoError(t, err)
	bv, ok := decoded.(*store.BytesValue)
	require.True(t, ok)
	assert.Equal(t, []byte("v1"), bv.Data)

	loaded, found, err := c.store.Load(store.Key{CacheID: "c", Key: "k1"})
	require.NoError(t, err)
	assert.True(t, found)
	assert.True(t, loaded.Equal(store.NewBytesValue([]byte("v1"))))
}

func TestPrepareRollbackReleasesLockForNextWaiter(t *testing.T) {
	local := node.NewNodeId()
	reg := newFakeRegistry()
	part := topology.NewHashPartitioner(4)
	assignment := singleOwnerAssignment(local, part, "k1")
	c := newTestCoordinator(t, local, assignment, reg)
	key := entry.Key{CacheID: "c", Key: "k1"}

	tx1 := txn.New(version.Version{Order: 1, NodeOrder: 1}, local, txn.Pessimistic, txn.RepeatableRead, time.Second, 1)
	result, err := c.Prepare(&PrepareRequest{Tx: tx1, WriteKeys: []entry.Key{key}})
	require.NoError(t, err)

	require.NoError(t, tx1.BeginRollback())
	err = c.Finish(&FinishRequest{Tx: tx1, Result: result, Commit: false})
	require.NoError(t, err)
	assert.Equal(t, txn.StateRolledBack, tx1.State())

	tx2 := txn.New(version.Version{Order: 2, NodeOrder: 1}, local, txn.Pessimistic, txn.RepeatableRead, time.Second, 1)
	result2, err := c.Prepare(&PrepareRequest{Tx: tx2, WriteKeys: []entry.Key{key}})
	require.NoError(t, err)
	require.NotNil(t, result2)
}

func TestPrepareLockTimeoutReturnsError(t *testing.T) {
	local := node.NewNodeId()
	reg := newFakeRegistry()
	part := topology.NewHashPartitioner(4)
	assignment := singleOwnerAssignment(local, part, "k1")
	c := newTestCoordinator(t, local, assignment, reg)
	key := entry.Key{CacheID: "c", Key: "k1"}

	tx1 := txn.New(version.Version{Order: 1, NodeOrder: 1}, local, txn.Pessimistic, txn.RepeatableRead, time.Hour, 1)
	_, err := c.Prepare(&PrepareRequest{Tx: tx1, WriteKeys: []entry.Key{key}})
	require.NoError(t, err)

	tx2 := txn.New(version.Version{Order: 2, NodeOrder: 1}, local, txn.Pessimistic, txn.RepeatableRead, 20*time.Millisecond, 1)
	_, err = c.Prepare(&PrepareRequest{Tx: tx2, WriteKeys: []entry.Key{key}})
	require.Error(t, err)
	assert.Equal(t, txn.StateRollingBack, tx2.State())
}

func TestFinishFanOutDetectsPartialUpdate(t *testing.T) {
	local := node.NewNodeId()
	remote := node.NewNodeId()
	reg := newFakeRegistry()
	part := topology.NewHashPartitioner(4)

	assignment := make(map[uint32]topology.Assignment)
	for i := uint32(0); i < part.Partitions(); i++ {
		assignment[i] = topology.Assignment{local, remote}
	}
	c := newTestCoordinator(t, local, assignment, reg)
	reg.markUnreachable(remote)

	key := entry.Key{CacheID: "c", Key: "k1"}
	tx := txn.New(version.Version{Order: 1, NodeOrder: 1}, local, txn.Pessimistic, txn.RepeatableRead, time.Second, 1)
	tx.SyncCommit = true

	result, err := c.Prepare(&PrepareRequest{Tx: tx, WriteKeys: []entry.Key{key}})
	require.NoError(t, err)

	require.NoError(t, tx.BeginCommit())
	err = c.Finish(&FinishRequest{
		Tx:     tx,
		Result: result,
		Commit: true,
		Values: map[entry.Key]store.Value{key: store.NewBytesValue([]byte("v1"))},
	})
	var perr PartialUpdateError
	require.ErrorAs(t, err, &perr)
	assert.Contains(t, perr.FailedNodes, remote)
}

func TestRecoverCommitsWhenAnyParticipantCommitted(t *testing.T) {
	local := node.NewNodeId()
	p1 := node.NewNodeId()
	p2 := node.NewNodeId()
	reg := newFakeRegistry()
	part := topology.NewHashPartitioner(4)
	assignment := singleOwnerAssignment(local, part, "k1")
	c := newTestCoordinator(t, local, assignment, reg)

	reg.add(&fakePeer{id: p1, handler: func(m message.Message) (message.Message, error) {
		return &message.CheckPreparedTxResponse{Status: message.CheckPreparedCommitted}, nil
	}})
	reg.add(&fakePeer{id: p2, handler: func(m message.Message) (message.Message, error) {
		return &message.CheckPreparedTxResponse{Status: message.CheckPreparedPrepared}, nil
	}})

	key := entry.Key{CacheID: "c", Key: "k1"}
	tx := txn.New(version.Version{Order: 1, NodeOrder: 1}, local, txn.Pessimistic, txn.RepeatableRead, time.Second, 1)
	result, err := c.Prepare(&PrepareRequest{Tx: tx, WriteKeys: []entry.Key{key}})
	require.NoError(t, err)

	decision, err := c.Recover(&RecoverRequest{Tx: tx, Result: result, Participants: []node.NodeId{p1, p2}})
	require.NoError(t, err)
	assert.Equal(t, DecisionCommit, decision)
	assert.Equal(t, txn.StateCommitted, tx.State())
}

func TestRecoverRollsBackWhenAllParticipantsNotPrepared(t *testing.T) {
	local := node.NewNodeId()
	p1 := node.NewNodeId()
	reg := newFakeRegistry()
	part := topology.NewHashPartitioner(4)
	assignment := singleOwnerAssignment(local, part, "k1")
	c := newTestCoordinator(t, local, assignment, reg)

	reg.add(&fakePeer{id: p1, handler: func(m message.Message) (message.Message, error) {
		return &message.CheckPreparedTxResponse{Status: message.CheckPreparedUnknown}, nil
	}})

	key := entry.Key{CacheID: "c", Key: "k1"}
	tx := txn.New(version.Version{Order: 1, NodeOrder: 1}, local, txn.Pessimistic, txn.RepeatableRead, time.Second, 1)
	result, err := c.Prepare(&PrepareRequest{Tx: tx, WriteKeys: []entry.Key{key}})
	require.NoError(t, err)

	decision, err := c.Recover(&RecoverRequest{Tx: tx, Result: result, Participants: []node.NodeId{p1}})
	require.NoError(t, err)
	assert.Equal(t, DecisionRollback, decision)
	assert.Equal(t, txn.StateRolledBack, tx.State())
}

func TestRecoverTimesOutToUnknown(t *testing.T) {
	local := node.NewNodeId()
	p1 := node.NewNodeId()
	reg := newFakeRegistry()
	part := topology.NewHashPartitioner(4)
	assignment := singleOwnerAssignment(local, part, "k1")
	c := newTestCoordinator(t, local, assignment, reg)
	reg.markUnreachable(p1)

	key := entry.Key{CacheID: "c", Key: "k1"}
	tx := txn.New(version.Version{Order: 1, NodeOrder: 1}, local, txn.Pessimistic, txn.RepeatableRead, time.Second, 1)
	result, err := c.Prepare(&PrepareRequest{Tx: tx, WriteKeys: []entry.Key{key}})
	require.NoError(t, err)

	decision, err := c.Recover(&RecoverRequest{Tx: tx, Result: result, Participants: []node.NodeId{p1}})
	require.NoError(t, err)
	assert.Equal(t, DecisionUnknown, decision)
}

func TestInterceptorVetoStopsCommitLocally(t *testing.T) {
	local := node.NewNodeId()
	reg := newFakeRegistry()
	part := topology.NewHashPartitioner(4)
	assignment := singleOwnerAssignment(local, part, "k1")
	c := newTestCoordinator(t, local, assignment, reg)
	c.WithInterceptor(vetoingInterceptor{})

	key := entry.Key{CacheID: "c", Key: "k1"}
	tx := txn.New(version.Version{Order: 1, NodeOrder: 1}, local, txn.Pessimistic, txn.RepeatableRead, time.Second, 1)
	result, err := c.Prepare(&PrepareRequest{Tx: tx, WriteKeys: []entry.Key{key}})
	require.NoError(t, err)

	require.NoError(t, tx.BeginCommit())
	err = c.Finish(&FinishRequest{
		Tx:     tx,
		Result: result,
		Commit: true,
		Values: map[entry.Key]store.Value{key: store.NewBytesValue([]byte("v1"))},
	})
	require.Error(t, err)
}

type vetoingInterceptor struct{ store.NoopInterceptor }

func (vetoingInterceptor) BeforePut(store.Key, store.Value, store.Value) (store.Value, error) {
	return nil, assertVetoErr
}

var assertVetoErr = vetoErr{}

type vetoErr struct{}

func (vetoErr) Error() string { return "veto" }
