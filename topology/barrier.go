package topology

import "sync"

// Barrier implements the partition-release barrier of spec.md §4.7: an
// in-flight operation registers itself against a partition before
// touching any entry in it, and a rebalance that wants to evict or
// reassign that partition blocks until every registered operation has
// left. New registrations are refused once a release is pending, so the
// drain is guaranteed to finish. Grounded on the teacher's per-instance
// commitNotify/executeNotify map[InstanceID]*sync.Cond (consensus/
// scope.go), generalized from one sync.Cond per consensus instance to
// one per partition.
type Barrier struct {
	mu    sync.Mutex
	gates map[uint32]*gate
}

type gate struct {
	cond     *sync.Cond
	pending  int
	draining bool
}

func NewBarrier() *Barrier {
	return &Barrier{gates: make(map[uint32]*gate)}
}

func (b *Barrier) gateFor(partition uint32) *gate {
	b.mu.Lock()
	defer b.mu.Unlock()
	g, ok := b.gates[partition]
	if !ok {
		g = &gate{cond: sync.NewCond(&sync.Mutex{})}
		b.gates[partition] = g
	}
	return g
}

// Enter registers an in-flight operation against partition. It returns
// false, and does not register, if the partition is currently draining
// for release — the caller should treat that as a retriable rejection
// (spec.md §4.7: operations against a releasing partition are retried
// elsewhere).
func (b *Barrier) Enter(partition uint32) bool {
	g := b.gateFor(partition)
	g.cond.L.Lock()
	defer g.cond.L.Unlock()
	if g.draining {
		return false
	}
	g.pending++
	return true
}

// Leave deregisters a previously-entered operation, waking any
// in-progress Release wait if the partition has drained to zero.
func (b *Barrier) Leave(partition uint32) {
	g := b.gateFor(partition)
	g.cond.L.Lock()
	defer g.cond.L.Unlock()
	if g.pending > 0 {
		g.pending--
	}
	if g.draining && g.pending == 0 {
		g.cond.Broadcast()
	}
}

// Release blocks until every operation registered against partition has
// called Leave, then leaves the partition in a draining state where
// further Enter calls fail. Callers that abandon a rebalance should
// call Reopen to accept new entries again.
func (b *Barrier) Release(partition uint32) {
	g := b.gateFor(partition)
	g.cond.L.Lock()
	defer g.cond.L.Unlock()
	g.draining = true
	for g.pending > 0 {
		g.cond.Wait()
	}
}

// Reopen clears the draining flag set by Release, allowing Enter to
// succeed again — used when a partition is reassigned back to this
// node after a rebalance completes.
func (b *Barrier) Reopen(partition uint32) {
	g := b.gateFor(partition)
	g.cond.L.Lock()
	defer g.cond.L.Unlock()
	g.draining = false
	g.cond.Broadcast()
}

// Pending reports the number of currently registered operations, for
// tests and diagnostics.
func (b *Barrier) Pending(partition uint32) int {
	g := b.gateFor(partition)
	g.cond.L.Lock()
	defer g.cond.L.Unlock()
	return g.pending
}
