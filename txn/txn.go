// Package txn holds the transaction record of spec.md §3/§4.9 (C4).
// Grounded on the teacher's consensus.Instance (referenced throughout
// manager_prepare.go/scope_accept.go/scope_commit.go as
// instance.Status/instance.getStatus(), compared ordinally with `>`),
// generalized from a single-shot EPaxos command to a multi-key
// read/write transaction.
package txn

import (
	"fmt"
	"sync"
	"time"

	"github.com/bdeggleston/gridtx/entry"
	"github.com/bdeggleston/gridtx/node"
	"github.com/bdeggleston/gridtx/store"
	"github.com/bdeggleston/gridtx/version"
)

// State is the tx state machine of spec.md §4.9. Values are ordered so
// callers can compare progress the way the teacher compares
// InstanceStatus with `>` (manager_prepare.go's maxStatus tracking).
type State int

const (
	StateActive State = iota
	StatePreparing
	StatePrepared
	StateCommitting
	StateCommitted
	StateMarkedRollback
	StateRollingBack
	StateRolledBack
	StateUnknown
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StatePreparing:
		return "preparing"
	case StatePrepared:
		return "prepared"
	case StateCommitting:
		return "committing"
	case StateCommitted:
		return "committed"
	case StateMarkedRollback:
		return "marked_rollback"
	case StateRollingBack:
		return "rolling_back"
	case StateRolledBack:
		return "rolled_back"
	case StateUnknown:
		return "unknown"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal reports whether no further transition is valid.
func (s State) Terminal() bool {
	return s == StateCommitted || s == StateRolledBack || s == StateUnknown
}

type Concurrency string

const (
	Optimistic  = Concurrency("OPTIMISTIC")
	Pessimistic = Concurrency("PESSIMISTIC")
)

type Isolation string

const (
	ReadCommitted  = Isolation("READ_COMMITTED")
	RepeatableRead = Isolation("REPEATABLE_READ")
	Serializable   = Isolation("SERIALIZABLE")
)

type Finalization string

const (
	FinalizationNone           = Finalization("NONE")
	FinalizationUserFinish     = Finalization("USER_FINISH")
	FinalizationRecoveryFinish = Finalization("RECOVERY_FINISH")
	FinalizationInvalidate     = Finalization("INVALIDATE_FINISH")
)

// PeerMapping is the per-peer grouping of spec.md §3 ("Tx mapping"),
// used for both the DHT (backup replication) and Near (reader
// invalidation) peer sets.
type PeerMapping struct {
	Node    node.NodeId
	Entries []store.Key
	Reads   []store.Key
	Writes  []store.Key
}

func (m PeerMapping) Empty() bool {
	return len(m.Entries) == 0 && len(m.Reads) == 0 && len(m.Writes) == 0
}

// WriteSet is the append-only buffer of pending writes, kept separate
// from OpResult per spec.md §9 ("separate these into WriteSet
// (append-only) and OpResult (per-op outcome) to avoid aliasing").
type WriteSet struct {
	mu      sync.Mutex
	entries map[store.Key]WriteEntry
	order   []store.Key
}

type WriteEntry struct {
	Key     store.Key
	Value   store.Value
	Present bool
}

func NewWriteSet() *WriteSet {
	return &WriteSet{entries: make(map[store.Key]WriteEntry)}
}

func (w *WriteSet) Put(key store.Key, val store.Value) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, exists := w.entries[key]; !exists {
		w.order = append(w.order, key)
	}
	w.entries[key] = WriteEntry{Key: key, Value: val, Present: true}
}

func (w *WriteSet) Delete(key store.Key) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, exists := w.entries[key]; !exists {
		w.order = append(w.order, key)
	}
	w.entries[key] = WriteEntry{Key: key, Present: false}
}

func (w *WriteSet) Entries() []WriteEntry {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]WriteEntry, 0, len(w.order))
	for _, k := range w.order {
		out = append(out, w.entries[k])
	}
	return out
}

func (w *WriteSet) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.order)
}

// OpResult is a single operation's outcome, kept distinct from
// WriteSet so the return value of an entry-processor can't alias the
// buffered write it was computed from.
type OpResult struct {
	Key         store.Key
	ReturnValue []byte
	FilterFailed bool
	Err         error
}

// Tx is the full transaction record of spec.md §3.
type Tx struct {
	mu sync.Mutex

	XID             version.Version
	NearXID         version.Version
	NearNodeID      node.NodeId
	CoordinatorNode node.NodeId
	ThreadID        uint64

	Concurrency Concurrency
	Isolation   Isolation
	Timeout     time.Duration
	Topology    uint32

	state State

	ReadKeys []store.Key
	Writes   *WriteSet

	DhtMap  map[node.NodeId]*PeerMapping
	NearMap map[node.NodeId]*PeerMapping

	OnePhase         bool
	SyncCommit       bool
	SyncRollback     bool
	Invalidate       bool
	SystemInvalidate bool

	finalization Finalization

	results []OpResult

	startedAt time.Time
}

// New constructs an active transaction record.
func New(xid version.Version, coordinator node.NodeId, concurrency Concurrency, isolation Isolation, timeout time.Duration, topology uint32) *Tx {
	return &Tx{
		XID:             xid,
		CoordinatorNode: coordinator,
		Concurrency:     concurrency,
		Isolation:       isolation,
		Timeout:         timeout,
		Topology:        topology,
		state:           StateActive,
		Writes:          NewWriteSet(),
		DhtMap:          make(map[node.NodeId]*PeerMapping),
		NearMap:         make(map[node.NodeId]*PeerMapping),
		finalization:    FinalizationNone,
		startedAt:       time.Now(),
	}
}

func (t *Tx) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Tx) Finalization() Finalization {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finalization
}

// transitions maps every legal source state to its legal destinations,
// per the diagram in spec.md §4.9.
var transitions = map[State]map[State]bool{
	StateActive:         {StatePreparing: true, StateMarkedRollback: true, StateUnknown: true},
	StatePreparing:      {StatePrepared: true, StateRollingBack: true, StateMarkedRollback: true, StateUnknown: true},
	StatePrepared:       {StateCommitting: true, StateRollingBack: true, StateUnknown: true},
	StateCommitting:     {StateCommitted: true, StateUnknown: true},
	StateMarkedRollback: {StateRolledBack: true, StateRollingBack: true, StateUnknown: true},
	StateRollingBack:    {StateRolledBack: true, StateUnknown: true},
}

// TransitionError reports an illegal state transition attempt.
type TransitionError struct {
	From, To State
}

func (e TransitionError) Error() string {
	return fmt.Sprintf("txn: illegal transition from %v to %v", e.From, e.To)
}

func (t *Tx) transition(to State) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == to {
		return nil
	}
	if t.state.Terminal() {
		return TransitionError{From: t.state, To: to}
	}
	if allowed, ok := transitions[t.state]; !ok || !allowed[to] {
		return TransitionError{From: t.state, To: to}
	}
	t.state = to
	return nil
}

func (t *Tx) BeginPrepare() error { return t.transition(StatePreparing) }

func (t *Tx) MarkPrepared() error { return t.transition(StatePrepared) }

func (t *Tx) BeginCommit() error { return t.transition(StateCommitting) }

func (t *Tx) MarkCommitted() error {
	t.mu.Lock()
	if t.finalization == FinalizationNone {
		t.finalization = FinalizationUserFinish
	}
	t.mu.Unlock()
	return t.transition(StateCommitted)
}

func (t *Tx) BeginRollback() error { return t.transition(StateRollingBack) }

func (t *Tx) MarkRolledBack() error {
	t.mu.Lock()
	if t.finalization == FinalizationNone {
		t.finalization = FinalizationUserFinish
	}
	t.mu.Unlock()
	return t.transition(StateRolledBack)
}

// MarkRollbackOnly puts the tx into marked_rollback. The write set still
// accepts writes, and BeginCommit from marked_rollback returns a
// TransitionError rather than moving to rollback; Prepare refuses a
// rollback-only tx (spec.md §7 propagation policy).
func (t *Tx) MarkRollbackOnly() error { return t.transition(StateMarkedRollback) }

// MarkUnknown is used by recovery when check-prepared responses are
// indeterminate (spec.md §4.6).
func (t *Tx) MarkUnknown() error {
	t.mu.Lock()
	t.finalization = FinalizationRecoveryFinish
	t.mu.Unlock()
	return t.transition(StateUnknown)
}

// MarkedRollbackOnly reports whether writes should be rejected and any
// commit attempt redirected to rollback.
func (t *Tx) MarkedRollbackOnly() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == StateMarkedRollback
}

// EnlistRead records a key in the transaction's read set.
func (t *Tx) EnlistRead(key store.Key) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ReadKeys = append(t.ReadKeys, key)
}

// RecordResult appends a per-operation outcome, kept apart from the
// WriteSet buffer it may have been computed from.
func (t *Tx) RecordResult(r OpResult) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.results = append(t.results, r)
}

func (t *Tx) Results() []OpResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]OpResult, len(t.results))
	copy(out, t.results)
	return out
}

// MapDht attaches entries to a peer's DHT mapping (backup replication
// target), creating the mapping on first use.
func (t *Tx) MapDht(n node.NodeId, key store.Key, isWrite bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.DhtMap[n]
	if !ok {
		m = &PeerMapping{Node: n}
		t.DhtMap[n] = m
	}
	m.Entries = append(m.Entries, key)
	if isWrite {
		m.Writes = append(m.Writes, key)
	} else {
		m.Reads = append(m.Reads, key)
	}
}

// MapNear attaches a key to a peer's Near mapping (reader invalidation
// target).
func (t *Tx) MapNear(n node.NodeId, key store.Key) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.NearMap[n]
	if !ok {
		m = &PeerMapping{Node: n}
		t.NearMap[n] = m
	}
	m.Entries = append(m.Entries, key)
}

// PruneNear removes a key from a peer's Near mapping, used when a
// prepare response reports the reader as evicted (spec.md §4.4 step 7).
func (t *Tx) PruneNear(n node.NodeId, key store.Key) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.NearMap[n]
	if !ok {
		return
	}
	m.Entries = removeKey(m.Entries, key)
	if m.Empty() {
		delete(t.NearMap, n)
	}
}

func removeKey(keys []store.Key, target store.Key) []store.Key {
	out := keys[:0]
	for _, k := range keys {
		if k != target {
			out = append(out, k)
		}
	}
	return out
}

// Elapsed reports how long the tx has been open. No finalization queue
// exists in this module, and nothing here orders orphaned transactions
// by it.
func (t *Tx) Elapsed() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return time.Since(t.startedAt)
}

// capabilities over entry.Candidate the tx record consults, recast per
// spec.md §9 as a capability set rather than an adapter hierarchy. Only
// the subset the coordinator needs (lockable/versioned) is named here;
// Readable/Writable/NearCapable/Expiring live on entry.Entry itself.
type Lockable interface {
	Ready(v version.Version) (*entry.Candidate, error)
	Release(v version.Version) error
}

var _ Lockable = (*entry.Entry)(nil)
