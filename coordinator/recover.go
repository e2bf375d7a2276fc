package coordinator

import (
	"fmt"
	"time"

	"github.com/bdeggleston/gridtx/message"
	"github.com/bdeggleston/gridtx/node"
	"github.com/bdeggleston/gridtx/txn"
)

// RecoverRequest is the input to Recover (spec.md §4.6): a surviving
// peer holding a prepared replica polls the rest of the participant set
// after the original coordinator is believed lost.
type RecoverRequest struct {
	Tx           *txn.Tx
	Result       *PrepareResult
	Participants []node.NodeId
}

// RecoverDecision is what Recover concluded, for callers that want to
// log/report it separately from acting on it.
type RecoverDecision string

const (
	DecisionCommit   = RecoverDecision("commit")
	DecisionRollback = RecoverDecision("rollback")
	DecisionUnknown  = RecoverDecision("unknown")
)

// Recover implements C7: poll every other participant's check-prepared
// status and decide the tx's fate per spec.md §4.6 -
//
//   - any participant answers committed           -> commit
//   - all participants answer not-prepared (UNKNOWN) -> rollback
//   - mixed prepared/not-prepared, none committed  -> commit (prepared
//     implies the original coordinator intended to commit)
//   - any participant times out / is unreachable   -> unknown
//
// On commit/rollback the tx is moved to committing/rolling_back and the
// decision is applied locally via Finish. On unknown, the tx is moved
// to the terminal unknown state without calling Finish, so the
// candidates and barrier entries it holds are not released here.
func (c *Coordinator) Recover(req *RecoverRequest) (RecoverDecision, error) {
	responses := c.fanOutCheckPrepared(req)

	decision := decideFromResponses(req.Participants, responses)

	switch decision {
	case DecisionCommit:
		if err := req.Tx.BeginCommit(); err != nil {
			return decision, err
		}
		if err := c.Finish(&FinishRequest{Tx: req.Tx, Result: req.Result, Commit: true}); err != nil {
			return decision, err
		}
	case DecisionRollback:
		if err := req.Tx.BeginRollback(); err != nil {
			return decision, err
		}
		if err := c.Finish(&FinishRequest{Tx: req.Tx, Result: req.Result, Commit: false}); err != nil {
			return decision, err
		}
	default:
		if err := req.Tx.MarkUnknown(); err != nil {
			return decision, err
		}
	}
	return decision, nil
}

// decideFromResponses applies spec.md §4.6's rule. A participant that
// never answered (absent from responses, or answered with an error) is
// treated as indeterminate and forces DecisionUnknown unless an earlier
// committed answer already settled it. An UNKNOWN answer counts as
// not-prepared.
func decideFromResponses(participants []node.NodeId, responses []miniResponse) RecoverDecision {
	byNode := make(map[node.NodeId]*message.CheckPreparedTxResponse, len(responses))
	indeterminate := false
	for _, r := range responses {
		if r.err != nil {
			indeterminate = true
			continue
		}
		resp, ok := r.resp.(*message.CheckPreparedTxResponse)
		if !ok || resp == nil {
			indeterminate = true
			continue
		}
		byNode[r.node] = resp
	}

	anyCommitted := false
	anyPrepared := false
	allNotPrepared := true
	for _, p := range participants {
		resp, ok := byNode[p]
		if !ok {
			indeterminate = true
			continue
		}
		switch resp.Status {
		case message.CheckPreparedCommitted:
			anyCommitted = true
			allNotPrepared = false
		case message.CheckPreparedPrepared:
			anyPrepared = true
			allNotPrepared = false
		case message.CheckPreparedUnknown:
			// not prepared: leaves allNotPrepared as it is
		}
	}

	if anyCommitted {
		return DecisionCommit
	}
	if indeterminate {
		return DecisionUnknown
	}
	if allNotPrepared {
		return DecisionRollback
	}
	if anyPrepared {
		return DecisionCommit
	}
	return DecisionUnknown
}

// fanOutCheckPrepared polls every participant, mirroring the teacher's
// managerDeferToSuccessor/HandlePrepareSuccessor hand-off: the surviving
// peer takes over the coordinator role and asks the rest of the
// replica set to settle the outcome rather than waiting for the
// original coordinator to come back.
func (c *Coordinator) fanOutCheckPrepared(req *RecoverRequest) []miniResponse {
	start := time.Now()
	defer c.stats.timing("recover.check_prepared.time", start)
	c.stats.inc("recover.check_prepared.count", int64(len(req.Participants)))

	recvChan := make(chan miniResponse, len(req.Participants))
	for _, n := range req.Participants {
		go func(n node.NodeId) {
			peer, ok := c.peers(n)
			if !ok {
				recvChan <- miniResponse{node: n, err: fmt.Errorf("coordinator: node %v unreachable", n)}
				return
			}
			m := &message.CheckPreparedTxRequest{}
			m.XID = req.Tx.XID
			m.Topology = req.Tx.Topology
			resp, err := peer.Send(m)
			recvChan <- miniResponse{node: n, resp: resp, err: err}
		}(n)
	}

	timeoutEvent := time.After(c.cfg.CheckPreparedTimeout)
	responses := make([]miniResponse, 0, len(req.Participants))
	seen := make(map[node.NodeId]bool, len(req.Participants))
collect:
	for len(seen) < len(req.Participants) {
		select {
		case r := <-recvChan:
			if seen[r.node] {
				continue
			}
			seen[r.node] = true
			responses = append(responses, r)
		case <-timeoutEvent:
			break collect
		}
	}
	return responses
}

// LocalCheckPrepared answers a peer's check-prepared poll about a tx
// this node holds a replica of, per spec.md §4.6.
func LocalCheckPrepared(tx *txn.Tx) *message.CheckPreparedTxResponse {
	status := message.CheckPreparedUnknown
	switch tx.State() {
	case txn.StateCommitted:
		status = message.CheckPreparedCommitted
	case txn.StatePrepared, txn.StateCommitting:
		status = message.CheckPreparedPrepared
	case txn.StateActive, txn.StatePreparing, txn.StateMarkedRollback,
		txn.StateRollingBack, txn.StateRolledBack:
		status = message.CheckPreparedUnknown
	}
	return &message.CheckPreparedTxResponse{Status: status}
}
