package cluster

import (
	"fmt"
	"sync"
	"time"

	"github.com/bdeggleston/gridtx/coordinator"
	"github.com/bdeggleston/gridtx/entry"
	"github.com/bdeggleston/gridtx/message"
	"github.com/bdeggleston/gridtx/node"
	"github.com/bdeggleston/gridtx/store"
	"github.com/bdeggleston/gridtx/topology"
	"github.com/bdeggleston/gridtx/txn"
	"github.com/bdeggleston/gridtx/version"

	"github.com/op/go-logging"
)

var logger = logging.MustGetLogger("cluster")

// Registry is the cluster's membership table: every known peer keyed by
// NodeId, guarded by a mutex the way the teacher's Cluster guards its
// node list (src/cluster/cluster.go's localNode/RemoteNode bookkeeping).
// It doubles as the coordinator.PeerLookup the Coordinator calls
// through.
type Registry struct {
	mu    sync.RWMutex
	peers map[node.NodeId]coordinator.Peer
}

func NewRegistry() *Registry {
	return &Registry{peers: make(map[node.NodeId]coordinator.Peer)}
}

func (r *Registry) Add(p coordinator.Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[p.ID()] = p
}

func (r *Registry) Remove(id node.NodeId) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, id)
}

// Lookup satisfies coordinator.PeerLookup.
func (r *Registry) Lookup(id node.NodeId) (coordinator.Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[id]
	return p, ok
}

// Config bundles what NewCluster needs to stand up a member, mirroring
// the teacher's NewCluster's positional-argument surface (name, token,
// nodeId, dcId, replicationFactor, partitioner, seeds) collected into a
// struct per the ambient configuration convention.
type Config struct {
	LocalNodeID     node.NodeId
	Partitioner     topology.Partitioner
	Liveness        node.Liveness
	Store           store.Adapter
	Coordinator     coordinator.Config
	EntryShardCount int
}

// Cluster is the addressable local member: it owns the entry table
// (C2/C3), the topology ring and partition-release barrier (C8), the
// version vendor (C1), and a Coordinator (C5/C6/C7) wired to this
// node's Registry, grounded on the teacher's Cluster struct combining
// store+localNode+topology+partitioner into one handle
// (src/cluster/cluster.go).
type Cluster struct {
	local       *LocalNode
	registry    *Registry
	topo        *topology.Ring
	table       *entry.Table
	barrier     *topology.Barrier
	vendor      *version.Vendor
	store       store.Adapter
	coordinator *coordinator.Coordinator
}

func NewCluster(cfg Config) (*Cluster, error) {
	if cfg.LocalNodeID == "" {
		return nil, fmt.Errorf("cluster: local node id is required")
	}
	if cfg.Partitioner == nil {
		return nil, fmt.Errorf("cluster: partitioner cannot be nil")
	}
	if cfg.Store == nil {
		cfg.Store = store.NewMemory()
	}

	registry := NewRegistry()
	ring := topology.NewRing(cfg.LocalNodeID, cfg.Partitioner, cfg.Liveness)
	table := entry.NewTable(cfg.EntryShardCount)
	barrier := topology.NewBarrier()
	vendor := version.NewVendor(stableNodeOrder(cfg.LocalNodeID))

	c := &Cluster{
		local:    NewLocalNode(cfg.LocalNodeID),
		registry: registry,
		topo:     ring,
		table:    table,
		barrier:  barrier,
		vendor:   vendor,
		store:    cfg.Store,
	}
	c.coordinator = coordinator.New(cfg.Coordinator, table, ring, vendor, cfg.Store, registry.Lookup, barrier, nil)
	return c, nil
}

// stableNodeOrder derives a small numeric tie-break from a node id for
// the version vendor's NodeOrder field. Any deterministic hash works
// here; full-cluster ordinal assignment is a discovery/membership
// concern out of this module's scope (spec.md §1).
func stableNodeOrder(id node.NodeId) uint32 {
	var h uint32 = 2166136261
	for i := 0; i < len(id); i++ {
		h ^= uint32(id[i])
		h *= 16777619
	}
	return h
}

// AddPeer registers a remote cluster member in the peer registry,
// mirroring the teacher's Cluster tracking RemoteNode membership
// (src/cluster/node.go). It does not change the topology assignment.
func (c *Cluster) AddPeer(p coordinator.Peer) { c.registry.Add(p) }

// RemovePeer deregisters a member that has left the cluster.
func (c *Cluster) RemovePeer(id node.NodeId) { c.registry.Remove(id) }

// Rebalance installs a new partition assignment, per C8: callers must
// drain each affected partition (topology.Barrier.Release) before
// calling this with the assignment that moves its ownership.
func (c *Cluster) Rebalance(version uint32, assignment map[uint32]topology.Assignment) {
	c.topo.Rebalance(version, assignment)
}

func (c *Cluster) LocalNodeID() node.NodeId { return c.local.ID() }

func (c *Cluster) Topology() topology.Topology { return c.topo }

func (c *Cluster) Barrier() *topology.Barrier { return c.barrier }

// Begin starts a new local transaction with this cluster's vendor and
// topology version stamped in, the way NewCluster's embedding
// application is expected to mint a txn.Tx per spec.md §4.1.
func (c *Cluster) Begin(concurrency txn.Concurrency, isolation txn.Isolation, timeout time.Duration) *txn.Tx {
	xid := c.vendor.Next(c.topo.Version(), time.Now().UnixNano())
	return txn.New(xid, c.LocalNodeID(), concurrency, isolation, timeout, c.topo.Version())
}

// Prepare runs C5 for tx against this cluster's coordinator.
func (c *Cluster) Prepare(req *coordinator.PrepareRequest) (*coordinator.PrepareResult, error) {
	return c.coordinator.Prepare(req)
}

// Finish runs C6 for tx against this cluster's coordinator.
func (c *Cluster) Finish(req *coordinator.FinishRequest) error {
	return c.coordinator.Finish(req)
}

// Recover runs C7 for tx against this cluster's coordinator.
func (c *Cluster) Recover(req *coordinator.RecoverRequest) (coordinator.RecoverDecision, error) {
	return c.coordinator.Recover(req)
}

// Dispatch is the participant-side entry point a Transport calls when
// this node receives a message addressed to it by a peer's coordinator
// (DhtTxPrepareRequest, DhtTxFinishRequest, NearTxFinishRequest,
// CheckPreparedTxRequest). It is the receiving half of RemoteNode.Send:
// one cluster's RemoteNode.Send forwards to a Transport, and the
// Transport is expected to hand the message to the target cluster's
// Dispatch and return whatever it answers.
func (c *Cluster) Dispatch(msg message.Message) (message.Message, error) {
	return c.coordinator.Dispatch(msg)
}
