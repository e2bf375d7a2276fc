package coordinator

import (
	"fmt"

	"github.com/bdeggleston/gridtx/entry"
	"github.com/bdeggleston/gridtx/message"
	"github.com/bdeggleston/gridtx/store"
	"github.com/bdeggleston/gridtx/version"
)

// replica is what this node, acting as a DHT backup rather than a tx's
// coordinator, knows about one in-flight transaction: the candidates it
// enlisted via entry.AddRemote while handling a DhtTxPrepareRequest (so
// a later finish or rollback can release them) and the status to answer
// a CheckPreparedTxRequest with.
type replica struct {
	candidates map[entry.Key]*entry.Candidate
	status     message.CheckPreparedStatus
}

// Dispatch is the participant-side counterpart to BuildPeerRequests/
// fanOutFinish: it decodes a message a peer coordinator addressed to
// this node and applies it to the local entry table and store adapter,
// the way the teacher's cluster dispatches an inbound wire message to
// the matching Manager/Scope handler. A Transport implementation calls
// this on message receipt.
func (c *Coordinator) Dispatch(msg message.Message) (message.Message, error) {
	switch m := msg.(type) {
	case *message.DhtTxPrepareRequest:
		return c.handleDhtPrepare(m)
	case *message.DhtTxFinishRequest:
		return c.handleDhtFinish(m)
	case *message.NearTxFinishRequest:
		return c.handleNearFinish(m)
	case *message.CheckPreparedTxRequest:
		return c.handleCheckPrepared(m)
	default:
		return nil, fmt.Errorf("coordinator: no participant handler for message type %T", msg)
	}
}

func (c *Coordinator) replicaFor(xid version.Version) *replica {
	c.replicaMu.Lock()
	defer c.replicaMu.Unlock()
	r, ok := c.replicas[xid]
	if !ok {
		r = &replica{candidates: make(map[entry.Key]*entry.Candidate), status: message.CheckPreparedUnknown}
		c.replicas[xid] = r
	}
	return r
}

// handleDhtPrepare is the participant side of C5's "map keys to DHT
// peers" step (spec.md §4.4 step 5-6): for every write the coordinator
// asked this node to back, enlist a remote candidate via
// entry.AddRemote and wait for it to become owner the same way
// readyLocks does on the coordinator itself, since a backup must hold
// the same exclusive lock before it can apply the eventual commit.
// NearWrites carry no local effect here: this node has no near-cache
// store of its own to invalidate proactively, only the reader registry
// kept on whichever node is the key's DHT owner.
func (c *Coordinator) handleDhtPrepare(req *message.DhtTxPrepareRequest) (*message.DhtTxPrepareResponse, error) {
	r := c.replicaFor(req.XID)

	for _, w := range req.DhtWrites {
		key := entryKeyOf(w.Key)
		partition := partitionFor(c.topo, key)
		e := c.table.GetOrCreate(key, partition)

		cand, err := e.AddRemote(req.XID, req.XID, 0, c.cfg.PrepareTimeout, true, nil)
		if err != nil {
			return &message.DhtTxPrepareResponse{Error: err.Error()}, nil
		}
		owner, err := e.Ready(req.XID)
		if err != nil {
			return &message.DhtTxPrepareResponse{Error: err.Error()}, nil
		}
		if owner == nil {
			owner = cand
		}
		if owner != cand {
			if err := c.awaitOwnership(cand, c.cfg.PrepareTimeout); err != nil {
				return &message.DhtTxPrepareResponse{Error: err.Error()}, nil
			}
		}
		r.candidates[key] = cand
	}

	r.status = message.CheckPreparedPrepared
	return &message.DhtTxPrepareResponse{}, nil
}

// handleDhtFinish is the participant side of C6: on commit, it applies
// every EntryWrite/delete this node was sent directly to its entry
// table and store adapter, mirroring commitLocally's apply logic but
// for a backup role reading the value off the wire instead of from
// FinishRequest.Values. Either way the candidates enlisted during
// handleDhtPrepare are released and the replica record forgotten.
func (c *Coordinator) handleDhtFinish(req *message.DhtTxFinishRequest) (*message.DhtTxFinishResponse, error) {
	c.replicaMu.Lock()
	r, ok := c.replicas[req.XID]
	c.replicaMu.Unlock()

	var applyErr error
	if req.Commit {
		applyErr = c.applyReplicaWrites(req)
	} else {
		_ = c.store.TxEnd(false)
	}

	// Release the backup's candidates regardless of apply outcome: a
	// failed apply still means the coordinator has moved on from this
	// xid, and holding the lock forever would wedge every future
	// writer of the same keys.
	if ok {
		c.releaseReplica(req.XID, r)
	}

	if applyErr != nil {
		return &message.DhtTxFinishResponse{Error: applyErr.Error()}, nil
	}
	return &message.DhtTxFinishResponse{}, nil
}

func (c *Coordinator) applyReplicaWrites(req *message.DhtTxFinishRequest) error {
	for _, w := range req.Writes {
		key := entryKeyOf(w.Key)
		e := c.table.GetOrCreate(key, partitionFor(c.topo, key))
		val, _, err := store.DecodeValue(w.Value)
		if err != nil {
			return err
		}
		e.SetValue(w.Value, true, w.Version, c.expiry.ForUpdate())
		if err := c.store.Put(w.Key, val, w.Version); err != nil {
			return err
		}
	}
	for _, dk := range req.Deletes {
		key := entryKeyOf(dk)
		if e, ok := c.table.Get(key); ok {
			e.SetValue(nil, false, req.XID, 0)
		}
		if err := c.store.Delete(dk); err != nil {
			return err
		}
	}
	return c.store.TxEnd(true)
}

func (c *Coordinator) releaseReplica(xid version.Version, r *replica) {
	for key := range r.candidates {
		if e, ok := c.table.Get(key); ok {
			_ = e.Release(xid)
		}
	}
	c.replicaMu.Lock()
	delete(c.replicas, xid)
	c.replicaMu.Unlock()
}

// handleNearFinish acknowledges a near-invalidation instruction (C9).
// This node's own near-side cache storage is an external collaborator
// out of scope (spec.md §1); there is nothing local left to mutate
// beyond the reader-registry bookkeeping the DHT owner already applied
// before sending this message.
func (c *Coordinator) handleNearFinish(req *message.NearTxFinishRequest) (*message.NearTxFinishResponse, error) {
	return &message.NearTxFinishResponse{}, nil
}

// handleCheckPrepared answers a C7 recovery poll about a tx this node
// holds a backup replica of (as opposed to LocalCheckPrepared, which
// answers from a full txn.Tx for the node that was the tx's own
// coordinator).
func (c *Coordinator) handleCheckPrepared(req *message.CheckPreparedTxRequest) (*message.CheckPreparedTxResponse, error) {
	c.replicaMu.Lock()
	r, ok := c.replicas[req.XID]
	c.replicaMu.Unlock()
	if !ok {
		return &message.CheckPreparedTxResponse{Status: message.CheckPreparedUnknown}, nil
	}
	return &message.CheckPreparedTxResponse{Status: r.status}, nil
}
