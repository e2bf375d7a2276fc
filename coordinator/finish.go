package coordinator

import (
	"fmt"
	"time"

	"github.com/bdeggleston/gridtx/entry"
	"github.com/bdeggleston/gridtx/message"
	"github.com/bdeggleston/gridtx/node"
	"github.com/bdeggleston/gridtx/store"
	"github.com/bdeggleston/gridtx/txn"
)

// PartialUpdateError is returned when a commit's backup replication
// reached some but not all DHT peers (spec.md §7 PartialUpdate).
type PartialUpdateError struct {
	FailedNodes []node.NodeId
}

func (e PartialUpdateError) Error() string {
	return fmt.Sprintf("coordinator: partial update, %d peer(s) did not acknowledge finish", len(e.FailedNodes))
}

// FinishRequest is the input to Finish (spec.md §4.5).
type FinishRequest struct {
	Tx      *txn.Tx
	Result  *PrepareResult
	Commit  bool
	Values  map[entry.Key]store.Value // new values for committed writes, keyed by entry key
}

// Finish runs the C6 state machine: on commit, applies new values
// locally, bumps the value version to the prepare write-version,
// replicates to DHT peers, invalidates/evicts Near readers (C9), then
// releases every candidate acquired during Prepare and the
// partition-release barrier entries that guarded them. On rollback, it
// skips local apply, releases the owned candidates, marks the tx rolled
// back and sends rollback finish requests to the mapped peers.
func (c *Coordinator) Finish(req *FinishRequest) error {
	start := time.Now()
	defer c.stats.timing("finish.instance.time", start)
	c.stats.inc("finish.instance.count", 1)

	defer c.releaseAfterFinish(req)

	if req.Commit {
		actions, err := c.commitLocally(req)
		if err != nil {
			return err
		}
		return c.commitRemote(req, actions)
	}

	return c.rollbackRemote(req)
}

// nearAction accumulates the per-reader outcome of C9's invalidate/evict
// decision across every key a commit touches, so fanOutFinish can carry
// it to each Near peer instead of re-deriving it from scratch.
type nearAction struct {
	Invalidated []store.Key
	Evicted     []store.Key
}

func (c *Coordinator) releaseAfterFinish(req *FinishRequest) {
	if req.Result == nil {
		return
	}
	c.releaseOwned(req.Tx.XID, req.Result.Owners)
	entered := make(map[uint32]bool, len(req.Result.Partitions))
	for _, p := range req.Result.Partitions {
		entered[p] = true
	}
	c.leaveBarrier(entered)
}

// commitLocally applies each owned write to the entry table and the
// store adapter, bumping the value version to the prepare's
// write-version (spec.md §4.5 "for each local owned entry"). It returns
// the near-invalidation actions C9 decided for each reader, keyed by
// node, for fanOutFinish to forward.
func (c *Coordinator) commitLocally(req *FinishRequest) (map[node.NodeId]*nearAction, error) {
	// Run every key through its interceptor veto before applying any of
	// them: a multi-key commit must not leave some owned keys durably
	// applied while a later key fails its BeforePut/BeforeRemove check,
	// since Finish releases every owned candidate unconditionally once
	// commitLocally returns.
	type approvedWrite struct {
		key     entry.Key
		sk      store.Key
		val     store.Value
		present bool
		raw     []byte
	}
	approved := make([]approvedWrite, 0, len(req.Result.Owners))
	for key := range req.Result.Owners {
		if _, ok := c.table.Get(key); !ok {
			continue
		}
		val, present := req.Values[key], true
		if val == nil {
			present = false
		}
		sk := store.Key{CacheID: key.CacheID, Key: key.Key}

		if present {
			v, err := c.interceptor.BeforePut(sk, nil, val)
			if err != nil {
				return nil, err
			}
			val = v
			raw, err := store.EncodeValue(val)
			if err != nil {
				return nil, err
			}
			approved = append(approved, approvedWrite{key: key, sk: sk, val: val, present: true, raw: raw})
		} else {
			if err := c.interceptor.BeforeRemove(sk, nil); err != nil {
				return nil, err
			}
			approved = append(approved, approvedWrite{key: key, sk: sk, present: false})
		}
	}

	actions := make(map[node.NodeId]*nearAction)
	for _, w := range approved {
		e, ok := c.table.Get(w.key)
		if !ok {
			continue
		}
		e.SetValue(w.raw, w.present, req.Result.WriteVersion, c.expiry.ForUpdate())

		if w.present {
			if err := c.store.Put(w.sk, w.val, req.Result.WriteVersion); err != nil {
				return nil, err
			}
			c.interceptor.AfterPut(w.sk, nil, w.val)
		} else {
			if err := c.store.Delete(w.sk); err != nil {
				return nil, err
			}
			c.interceptor.AfterRemove(w.sk, nil)
		}
		c.events.Record(store.Event{Kind: store.EventObjectPut, Key: w.sk, XID: req.Tx.XID, At: time.Now()})

		c.invalidateReaders(e, w.key, req.Tx.Topology, actions)
	}
	if err := c.store.TxEnd(true); err != nil {
		return nil, err
	}
	if err := req.Tx.MarkCommitted(); err != nil {
		return nil, err
	}
	return actions, nil
}

// invalidateReaders implements C9: for each reader of the committed
// entry, invalidate (force re-fetch) or evict, based on whether the
// reader remains in the affinity set at the current topology. The
// decision is recorded per node in actions so fanOutFinish can carry it
// to that Near peer's NearTxFinishRequest.
func (c *Coordinator) invalidateReaders(e *entry.Entry, key entry.Key, topology uint32, actions map[node.NodeId]*nearAction) {
	partition := e.PartitionID()
	affinity := func(id node.NodeId, top uint32) bool {
		return c.topo.Nodes(partition).Contains(id)
	}
	sk := store.Key{CacheID: key.CacheID, Key: key.Key}
	for _, reader := range e.Readers().Snapshot() {
		policy := entry.DecidePolicy(reader.NodeID, topology, affinity)
		a, ok := actions[reader.NodeID]
		if !ok {
			a = &nearAction{}
			actions[reader.NodeID] = a
		}
		if policy == entry.PolicyEvict {
			e.Readers().RemoveReader(reader.NodeID, reader.MessageID)
			a.Evicted = append(a.Evicted, sk)
		} else {
			// PolicyInvalidate: the reader stays registered; the finish
			// fan-out carries the touched key so it re-fetches on next
			// access. The entry's own value/version already changed.
			a.Invalidated = append(a.Invalidated, sk)
		}
	}
}

// commitRemote replicates the committed write-set to DHT peers and
// sends near-invalidation to Near peers, mirroring sendCommit's
// fire-and-forget fan-out (scope_commit.go) generalized to a
// reply-counted finish when req.Tx.SyncCommit is set.
func (c *Coordinator) commitRemote(req *FinishRequest, actions map[node.NodeId]*nearAction) error {
	return c.fanOutFinish(req, true, actions)
}

func (c *Coordinator) rollbackRemote(req *FinishRequest) error {
	for key := range req.Result.Owners {
		if e, ok := c.table.Get(key); ok {
			_ = e.Release(req.Tx.XID)
		}
	}
	if err := req.Tx.MarkRolledBack(); err != nil {
		return err
	}
	return c.fanOutFinish(req, false, nil)
}

// fanOutFinish builds the per-peer finish messages and sends them. On
// commit, each DHT peer's DhtTxFinishRequest carries the actual write
// payload (encoded the same way commitLocally encodes it for the local
// store adapter) so a backup can apply the value directly instead of
// fetching it separately, and each Near peer's NearTxFinishRequest
// carries the C9 decision actions already computed for it.
func (c *Coordinator) fanOutFinish(req *FinishRequest, commit bool, actions map[node.NodeId]*nearAction) error {
	if req.Result == nil {
		return nil
	}
	peers := make(map[node.NodeId]message.Message, len(req.Tx.DhtMap)+len(req.Tx.NearMap))
	for n, mapping := range req.Tx.DhtMap {
		msg := &message.DhtTxFinishRequest{
			Commit:           commit,
			SyncCommit:       req.Tx.SyncCommit,
			SyncRollback:     req.Tx.SyncRollback,
			Invalidate:       req.Tx.Invalidate,
			SystemInvalidate: req.Tx.SystemInvalidate,
		}
		msg.XID = req.Tx.XID
		msg.Topology = req.Tx.Topology
		if commit {
			for _, sk := range mapping.Writes {
				val, ok := req.Values[entryKeyOf(sk)]
				if !ok || val == nil {
					msg.Deletes = append(msg.Deletes, sk)
					continue
				}
				raw, err := store.EncodeValue(val)
				if err != nil {
					return err
				}
				msg.Writes = append(msg.Writes, message.EntryWrite{
					Key:     sk,
					Value:   raw,
					Present: true,
					Version: req.Result.WriteVersion,
				})
			}
		}
		peers[n] = msg
	}
	for n := range req.Tx.NearMap {
		msg := &message.NearTxFinishRequest{Commit: commit}
		msg.XID = req.Tx.XID
		msg.Topology = req.Tx.Topology
		if a, ok := actions[n]; ok {
			msg.Invalidated = a.Invalidated
			msg.Evicted = a.Evicted
		}
		peers[n] = msg
	}

	if len(peers) == 0 {
		return nil
	}

	waitForReply := (commit && req.Tx.SyncCommit) || (!commit && req.Tx.SyncRollback)

	recvChan := make(chan miniResponse, len(peers))
	for n, msg := range peers {
		go func(n node.NodeId, msg message.Message) {
			peer, ok := c.peers(n)
			if !ok {
				recvChan <- miniResponse{node: n, err: fmt.Errorf("coordinator: node %v unreachable", n)}
				return
			}
			resp, err := peer.Send(msg)
			recvChan <- miniResponse{node: n, resp: resp, err: err}
		}(n, msg)
	}

	if !waitForReply {
		return nil
	}

	var failed []node.NodeId
	answered := make(map[node.NodeId]bool, len(peers))
	timeoutEvent := time.After(c.cfg.FinishTimeout)
collect:
	for len(answered) < len(peers) {
		select {
		case r := <-recvChan:
			answered[r.node] = true
			if r.err != nil {
				failed = append(failed, r.node)
			}
		case <-timeoutEvent:
			break collect
		}
	}
	for n := range peers {
		if !answered[n] {
			failed = append(failed, n)
		}
	}
	if len(failed) > 0 {
		return PartialUpdateError{FailedNodes: failed}
	}
	return nil
}
