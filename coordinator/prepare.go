package coordinator

import (
	"fmt"
	"time"

	"github.com/bdeggleston/gridtx/entry"
	"github.com/bdeggleston/gridtx/message"
	"github.com/bdeggleston/gridtx/node"
	"github.com/bdeggleston/gridtx/store"
	"github.com/bdeggleston/gridtx/topology"
	"github.com/bdeggleston/gridtx/txn"
	"github.com/bdeggleston/gridtx/version"
)

// PrepareRequest bundles the inputs to Prepare (spec.md §4.4 "Inputs").
type PrepareRequest struct {
	Tx        *txn.Tx
	ReadKeys  []entry.Key
	WriteKeys []entry.Key
	GroupLock bool
	Last      bool
}

// PrepareResult is what the coordinator hands back once every
// mini-future has resolved (spec.md §4.4 step 8). Finish consumes
// Owners/Partitions to release the locks and the partition-release
// barrier entries acquired during Prepare.
type PrepareResult struct {
	WriteVersion version.Version
	Owners       map[entry.Key]*entry.Candidate
	Partitions   []uint32
}

// errCancelledLock reports that a candidate never reached ownership
// because its entry cancelled it (late message / obsolete entry).
type errCancelledLock struct {
	key entry.Key
	err error
}

func (e errCancelledLock) Error() string {
	return fmt.Sprintf("coordinator: lock on %v cancelled: %v", e.key, e.err)
}

// LockTimeoutErr is returned when a candidate never became owner
// within its timeout (spec.md §4.2 "Lock timeout" / §7 LockTimeout).
type LockTimeoutErr struct {
	Key entry.Key
}

func (e LockTimeoutErr) Error() string {
	return fmt.Sprintf("coordinator: lock timeout acquiring %v", e.Key)
}

// readyLocks is step 1-2 of spec.md §4.4: mark every write's MVCC
// candidate ready via C2, and wait for each to become owner (or fail on
// cancellation/timeout). Only req.WriteKeys are locked here; ReadKeys
// are not enlisted. On failure the owners acquired so far are returned
// with the error so the caller can release them.
func (c *Coordinator) readyLocks(req *PrepareRequest, enteredPartitions map[uint32]bool) (map[entry.Key]*entry.Candidate, error) {
	owners := make(map[entry.Key]*entry.Candidate, len(req.WriteKeys))
	ordered := entry.CanonicalOrder(req.WriteKeys)

	for _, key := range ordered {
		partition := partitionFor(c.topo, key)
		if !enteredPartitions[partition] {
			if !c.barrier.Enter(partition) {
				return owners, fmt.Errorf("coordinator: partition %d draining, retry at newer topology", partition)
			}
			enteredPartitions[partition] = true
		}

		e := c.table.GetOrCreate(key, partition)
		xid := req.Tx.XID
		timeout := req.Tx.Timeout

		cand, err := e.AddLocal(xid, xid, req.Tx.ThreadID, timeout, false, true, nil, nil)
		if err != nil {
			return owners, errCancelledLock{key: key, err: err}
		}

		owner, err := e.Ready(xid)
		if err != nil {
			return owners, errCancelledLock{key: key, err: err}
		}
		if owner == nil {
			owner = cand
		}

		if owner != cand {
			if err := c.awaitOwnership(cand, timeout); err != nil {
				return owners, err
			}
		}
		owners[key] = cand
	}
	return owners, nil
}

func (c *Coordinator) awaitOwnership(cand *entry.Candidate, timeout time.Duration) error {
	if timeout <= 0 {
		<-cand.OwnerNotify()
		return nil
	}
	select {
	case <-cand.OwnerNotify():
		return nil
	case <-time.After(timeout + 10*time.Millisecond):
		if cand.TimedOut() {
			return LockTimeoutErr{}
		}
		// entry already resolved it as owner in the race window
		return nil
	}
}

func partitionFor(topo topology.Topology, key entry.Key) uint32 {
	return topo.Partitioner().Partition(key.Key)
}

// miniResponse pairs a peer's response (or failure) with the node it
// came from, mirroring the teacher's PrepareResponse channel item in
// managerSendPrepare.
type miniResponse struct {
	node node.NodeId
	resp message.Message
	err  error
}

// fanOutPrepare spawns one goroutine per peer (mirroring
// managerSendPrepare's `go sendMsg(replica)` loop) and collects
// responses until every peer has answered or the coordinator's
// PrepareTimeout elapses. A peer that fails or is unreachable
// contributes a miniResponse with a non-nil err (TopologyLeft),
// mirroring "a mini-future races with a node-left notification" — here
// modeled as the single Send call itself failing, since discovery's
// on_node_left subscription is an external collaborator out of scope.
func (c *Coordinator) fanOutPrepare(peers map[node.NodeId]*message.DhtTxPrepareRequest) []miniResponse {
	start := time.Now()
	defer c.stats.timing("prepare.message.send.time", start)
	c.stats.inc("prepare.message.send.count", int64(len(peers)))

	recvChan := make(chan miniResponse, len(peers))
	for n, req := range peers {
		go func(n node.NodeId, req *message.DhtTxPrepareRequest) {
			peer, ok := c.peers(n)
			if !ok {
				recvChan <- miniResponse{node: n, err: fmt.Errorf("coordinator: node %v unreachable", n)}
				return
			}
			resp, err := peer.Send(req)
			recvChan <- miniResponse{node: n, resp: resp, err: err}
		}(n, req)
	}

	timeoutEvent := time.After(c.cfg.PrepareTimeout)
	responses := make([]miniResponse, 0, len(peers))
	seen := make(map[node.NodeId]bool, len(peers))
collect:
	for len(seen) < len(peers) {
		select {
		case r := <-recvChan:
			if seen[r.node] {
				continue // duplicate mini-future response, first applied wins
			}
			seen[r.node] = true
			responses = append(responses, r)
			if r.err != nil {
				c.stats.inc("prepare.message.receive.error.count", 1)
			} else {
				c.stats.inc("prepare.message.receive.success.count", 1)
			}
		case <-timeoutEvent:
			c.stats.inc("prepare.message.receive.timeout.count", 1)
			break collect
		}
	}
	return responses
}

// BuildPeerRequests maps writes/reads to DHT and Near peers per
// spec.md §4.4 step 5 ("Map keys to peers"). DHT gets primary+backups
// excluding the local node; Near gets readers excluding DHT
// participants and the originating near node. Each EntryWrite carries
// the tentative value from req.Tx.Writes so a backup can apply it
// immediately on commit rather than waiting on a second round trip.
func (c *Coordinator) BuildPeerRequests(req *PrepareRequest, owners map[entry.Key]*entry.Candidate, writeVersion version.Version) (map[node.NodeId]*message.DhtTxPrepareRequest, error) {
	out := make(map[node.NodeId]*message.DhtTxPrepareRequest)
	local := c.topo.LocalNodeID()

	pending := make(map[store.Key]txn.WriteEntry, req.Tx.Writes.Len())
	for _, we := range req.Tx.Writes.Entries() {
		pending[we.Key] = we
	}

	for _, key := range req.WriteKeys {
		sk := store.Key{CacheID: key.CacheID, Key: key.Key}
		write, err := entryWriteFor(sk, pending, writeVersion)
		if err != nil {
			return nil, err
		}

		partition := partitionFor(c.topo, key)
		assignment := c.topo.Nodes(partition)
		for _, n := range assignment {
			if n == local {
				continue
			}
			r, ok := out[n]
			if !ok {
				r = &message.DhtTxPrepareRequest{OnePhase: req.Tx.OnePhase, Last: req.Last}
				out[n] = r
			}
			r.DhtWrites = append(r.DhtWrites, write)
			req.Tx.MapDht(n, sk, true)
		}

		e, ok := c.table.Get(key)
		if !ok {
			continue
		}
		for _, reader := range e.Readers().Snapshot() {
			if assignment.Contains(reader.NodeID) || reader.NodeID == req.Tx.NearNodeID {
				continue
			}
			r, ok := out[reader.NodeID]
			if !ok {
				r = &message.DhtTxPrepareRequest{OnePhase: req.Tx.OnePhase, InvalidateNear: true}
				out[reader.NodeID] = r
			}
			r.NearWrites = append(r.NearWrites, write)
			req.Tx.MapNear(reader.NodeID, sk)
		}
	}
	return out, nil
}

// entryWriteFor looks up a key's pending value in the tx's write set and
// encodes it for the wire, mirroring the way commitLocally later encodes
// the same value for the store adapter (store.EncodeValue). A key absent
// from the write set, or present with Present=false, carries no value:
// the peer is being told to delete rather than apply.
func entryWriteFor(key store.Key, pending map[store.Key]txn.WriteEntry, ver version.Version) (message.EntryWrite, error) {
	we, ok := pending[key]
	if !ok || !we.Present {
		return message.EntryWrite{Key: key, Present: false, Version: ver}, nil
	}
	raw, err := store.EncodeValue(we.Value)
	if err != nil {
		return message.EntryWrite{}, err
	}
	return message.EntryWrite{Key: key, Value: raw, Present: true, Version: ver}, nil
}

// ApplyResponses folds mini-future responses into the tx per spec.md
// §4.4 step 7: evicted readers are pruned from the near map, and the
// first response for a given node wins (idempotent by construction
// since fanOutPrepare already de-dupes by node). InvalidPartitions is
// not read: the DHT mapping is kept unchanged whatever it lists.
func (c *Coordinator) ApplyResponses(req *PrepareRequest, responses []miniResponse) error {
	for _, r := range responses {
		if r.err != nil {
			// TopologyLeft: not fatal. The failed peer is skipped;
			// nothing is marked invalid and its DHT mapping is kept.
			continue
		}
		resp, ok := r.resp.(*message.DhtTxPrepareResponse)
		if !ok || resp == nil {
			continue
		}
		for _, k := range resp.NearEvicted {
			req.Tx.PruneNear(r.node, entryKeyOf(k))
		}
	}
	return nil
}

func entryKeyOf(k store.Key) entry.Key {
	return entry.Key{CacheID: k.CacheID, Key: k.Key}
}

// Prepare runs the full C5 state machine for a write transaction and
// transitions tx to prepared on success. If tx.OnePhase is set, the
// caller is expected to immediately invoke Finish with commit=true, per
// spec.md §4.4 step 8. On any failure after the tx has entered
// preparing, the locks entered so far are released and the tx is moved
// to rolling_back before the error is returned.
func (c *Coordinator) Prepare(req *PrepareRequest) (*PrepareResult, error) {
	start := time.Now()
	defer c.stats.timing("prepare.instance.time", start)
	c.stats.inc("prepare.instance.count", 1)

	if req.Tx.MarkedRollbackOnly() {
		return nil, fmt.Errorf("coordinator: tx %v is marked rollback-only", req.Tx.XID)
	}
	if err := req.Tx.BeginPrepare(); err != nil {
		return nil, err
	}

	entered := make(map[uint32]bool)
	owners, err := c.readyLocks(req, entered)
	if err != nil {
		c.releaseOwned(req.Tx.XID, owners)
		c.leaveBarrier(entered)
		_ = req.Tx.BeginRollback()
		return nil, err
	}

	writeVersion := c.vendor.Next(req.Tx.Topology, time.Now().UnixNano())

	peerReqs, err := c.BuildPeerRequests(req, owners, writeVersion)
	if err != nil {
		c.releaseOwned(req.Tx.XID, owners)
		c.leaveBarrier(entered)
		_ = req.Tx.BeginRollback()
		return nil, err
	}
	for _, m := range peerReqs {
		m.XID = req.Tx.XID
		m.Topology = req.Tx.Topology
	}

	responses := c.fanOutPrepare(peerReqs)
	if err := c.ApplyResponses(req, responses); err != nil {
		c.releaseOwned(req.Tx.XID, owners)
		c.leaveBarrier(entered)
		_ = req.Tx.BeginRollback()
		return nil, err
	}

	if err := req.Tx.MarkPrepared(); err != nil {
		c.releaseOwned(req.Tx.XID, owners)
		c.leaveBarrier(entered)
		_ = req.Tx.BeginRollback()
		return nil, err
	}

	partitions := make([]uint32, 0, len(entered))
	for p := range entered {
		partitions = append(partitions, p)
	}
	return &PrepareResult{WriteVersion: writeVersion, Owners: owners, Partitions: partitions}, nil
}

func (c *Coordinator) releaseOwned(xid version.Version, owners map[entry.Key]*entry.Candidate) {
	for key := range owners {
		if e, ok := c.table.Get(key); ok {
			_ = e.Release(xid)
		}
	}
}

func (c *Coordinator) leaveBarrier(entered map[uint32]bool) {
	for p := range entered {
		c.barrier.Leave(p)
	}
}
