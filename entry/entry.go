// Package entry implements the per-entry MVCC candidate queue (C2), the
// reader registry (C3), and the near-invalidation policy (C9) of
// spec.md §3/§4.2-§4.3/§4.8. Grounded on the teacher's ordered
// InstanceMap/commit-notify bookkeeping (consensus/scope.go) and, for
// version/visibility field shape, on the retrieval pack's
// internal-storage-mvcc-version.go (KilimcininKorOglu-oba): RWMutex-
// guarded fields with small getter/setter pairs rather than exposing
// mutable state directly.
package entry

import (
	"sync"
	"time"

	"github.com/bdeggleston/gridtx/node"
	"github.com/bdeggleston/gridtx/version"
)

// Entry is the in-memory record for one (cache id, key) pair: current
// value, value-version, ttl/expiry, the MVCC candidate queue, the
// removed-version set, and (primary-role only) the reader list.
type Entry struct {
	Key Key

	mu sync.Mutex

	value        []byte
	hasValue     bool
	valueVersion version.Version
	ttl          time.Duration
	expireTime   time.Time

	candidates []*Candidate
	removed    *removedSet
	readers    *ReaderRegistry

	obsolete bool
	isNew    bool
	deleted  bool

	partitionID uint32
}

// New creates a brand new, not-yet-populated entry for the given key and
// partition.
func New(key Key, partitionID uint32) *Entry {
	return &Entry{
		Key:         key,
		removed:     newRemovedSet(defaultRemovedSetCap),
		readers:     newReaderRegistry(),
		isNew:       true,
		partitionID: partitionID,
	}
}

// PartitionID returns the partition this entry's key hashes to.
func (e *Entry) PartitionID() uint32 { return e.partitionID }

// Value returns the current value, whether it is present (false means
// null/absent/deleted per spec.md §3), and the value-version.
func (e *Entry) Value() ([]byte, bool, version.Version) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.value, e.hasValue, e.valueVersion
}

// SetValue installs a new value (or, if present=false, records a
// deletion/absence) at the given value-version. Called by the finish
// coordinator (C6) on commit.
func (e *Entry) SetValue(value []byte, present bool, ver version.Version, ttl time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.value = value
	e.hasValue = present
	e.valueVersion = ver
	e.ttl = ttl
	if ttl > 0 {
		e.expireTime = time.Now().Add(ttl)
	} else {
		e.expireTime = time.Time{}
	}
	e.isNew = false
	e.deleted = !present
}

// Obsolete reports whether the entry has been evicted/replaced and
// callers must re-resolve it (spec.md §4.2 "late-arrival policy").
func (e *Entry) Obsolete() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.obsolete
}

// MarkObsolete flags the entry as obsolete; subsequent add_local/
// add_remote calls return Removed.
func (e *Entry) MarkObsolete() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.obsolete = true
}

// Deleted reports whether the entry's current state is a (possibly
// deferred) tombstone.
func (e *Entry) Deleted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.deleted
}

// IsNew reports whether this entry has never had a value installed.
func (e *Entry) IsNew() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.isNew
}

// Readers exposes the entry's reader registry (C3). Only meaningful on
// the partition's primary.
func (e *Entry) Readers() *ReaderRegistry { return e.readers }

// ---- MVCC candidate queue (C2) ----

// AddLocal enlists a local lock request (the client path — "near_local"
// originates on a non-owning node's near cache, "dht_local" on the
// owning primary). Returns Cancelled if txVer is already in the
// removed-version set (a late message).
func (e *Entry) AddLocal(
	txVer version.Version,
	xid version.Version,
	thread uint64,
	timeout time.Duration,
	reentry bool,
	dhtLocal bool,
	nearNode *node.NodeId,
	nearVer *version.Version,
) (*Candidate, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.obsolete {
		return nil, Removed{Key: e.Key}
	}
	if e.removed.contains(txVer) {
		return nil, Cancelled{Key: e.Key, Version: txVer}
	}

	if reentry {
		if owner := e.findByXIDLocked(xid); owner != nil {
			c := newCandidate(owner.Version, xid, thread, owner.Topology, 0, true, dhtLocal)
			c.OwnerVersion = &owner.Version
			c.NearLocal = nearNode
			c.NearVersion = nearVer
			e.candidates = append(e.candidates, c)
			return c, nil
		}
	}

	c := newCandidate(txVer, xid, thread, txVer.Topology, timeout, reentry, dhtLocal)
	c.NearLocal = nearNode
	c.NearVersion = nearVer
	e.candidates = append(e.candidates, c)
	e.armTimeoutLocked(c)
	e.recomputeOwnerLocked()
	return c, nil
}

// AddRemote enlists a candidate arriving from a peer on behalf of a
// remote transaction coordinator (the DHT replica path). other is the
// paired near version when this remote enlist originates from a near
// read, nil otherwise.
func (e *Entry) AddRemote(
	txVer version.Version,
	xid version.Version,
	thread uint64,
	timeout time.Duration,
	owner bool,
	other *version.Version,
) (*Candidate, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.obsolete {
		return nil, Removed{Key: e.Key}
	}
	if e.removed.contains(txVer) {
		return nil, Cancelled{Key: e.Key, Version: txVer}
	}

	c := newCandidate(txVer, xid, thread, txVer.Topology, timeout, false, owner)
	c.OtherVersion = other
	e.candidates = append(e.candidates, c)
	e.armTimeoutLocked(c)
	e.recomputeOwnerLocked()
	return c, nil
}

// Ready marks the candidate for txVer as ready to compete for ownership,
// recomputes the owner, and returns the current owner candidate, whether
// or not it changed (nil if no candidate qualifies yet).
func (e *Entry) Ready(txVer version.Version) (*Candidate, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	c := e.findByVersionLocked(txVer)
	if c == nil {
		return nil, NotFound{Key: e.Key}
	}
	c.setReady(true)
	return e.recomputeOwnerLocked(), nil
}

// Release removes the candidate for txVer from the queue, moves its
// version into the removed-version set, and recomputes the owner so a
// waiting candidate can be promoted.
func (e *Entry) Release(txVer version.Version) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	idx := -1
	for i, c := range e.candidates {
		if c.Version.Equal(txVer) && !c.Reentry {
			idx = i
			break
		}
	}
	if idx == -1 {
		return NotFound{Key: e.Key}
	}

	c := e.candidates[idx]
	c.markUsed()
	e.removeAtLocked(idx)
	e.removed.add(txVer)

	// drop any reentrant candidates riding on this version too
	filtered := e.candidates[:0]
	for _, rc := range e.candidates {
		if rc.Reentry && rc.Version.Equal(txVer) {
			rc.markUsed()
			continue
		}
		filtered = append(filtered, rc)
	}
	e.candidates = filtered

	e.recomputeOwnerLocked()
	return nil
}

// Candidates returns a point-in-time snapshot of the queue, in insertion
// order.
func (e *Entry) Candidates() []*Candidate {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Candidate, len(e.candidates))
	copy(out, e.candidates)
	return out
}

// Owner returns the current owner candidate, if any.
func (e *Entry) Owner() *Candidate {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ownerLocked()
}

// CandidateByNearVersion looks up a candidate enlisted on behalf of the
// given near-cache version.
func (e *Entry) CandidateByNearVersion(v version.Version) *Candidate {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, c := range e.candidates {
		if c.NearVersion != nil && c.NearVersion.Equal(v) {
			return c
		}
	}
	return nil
}

func (e *Entry) findByVersionLocked(v version.Version) *Candidate {
	for _, c := range e.candidates {
		if c.Version.Equal(v) {
			return c
		}
	}
	return nil
}

func (e *Entry) findByXIDLocked(xid version.Version) *Candidate {
	for _, c := range e.candidates {
		if !c.Reentry && c.XID.Equal(xid) {
			return c
		}
	}
	return nil
}

func (e *Entry) removeAtLocked(idx int) {
	e.candidates = append(e.candidates[:idx], e.candidates[idx+1:]...)
}

// ownerLocked implements the owner-selection rule of spec.md §4.2: the
// first non-reentrant, ready, non-used candidate whose version is not in
// the removed set. I1 ("at most one candidate is owner at a time")
// follows because this always returns (at most) a single candidate.
func (e *Entry) ownerLocked() *Candidate {
	for _, c := range e.candidates {
		if c.Reentry || c.Used() {
			continue
		}
		if !c.Ready() {
			continue
		}
		if e.removed.contains(c.Version) {
			continue
		}
		return c
	}
	return nil
}

func (e *Entry) recomputeOwnerLocked() *Candidate {
	owner := e.ownerLocked()
	if owner != nil {
		owner.notifyOwner()
	}
	return owner
}

func (e *Entry) armTimeoutLocked(c *Candidate) {
	if c.timeout <= 0 {
		return
	}
	c.deadline = time.Now().Add(c.timeout)
	c.timer = time.AfterFunc(c.timeout, func() {
		e.expireCandidate(c)
	})
}

// expireCandidate runs on the timer goroutine: if the candidate never
// became owner, it is removed from the queue and its version recorded in
// the removed set so late messages are dropped (spec.md §4.2 "lock
// timeout").
func (e *Entry) expireCandidate(c *Candidate) {
	if !c.markTimedOut() {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, cand := range e.candidates {
		if cand == c {
			e.removeAtLocked(i)
			break
		}
	}
	e.removed.add(c.Version)
	e.recomputeOwnerLocked()
}
