package entry

import (
	"sync"

	"github.com/bdeggleston/gridtx/node"
	"github.com/bdeggleston/gridtx/version"
)

// Reader records the last observed message id for a near-cache node
// tracked by a primary entry (spec.md §3/§4.3).
type Reader struct {
	NodeID    node.NodeId
	MessageID uint64
}

// ReaderRegistry is the per-entry set of near-cache readers. Membership
// is guarded by the registry's own mutex, not the entry's monitor; the
// map is updated in place and Snapshot returns a copy, mirroring the teacher's DatacenterContainer.AllNodes snapshotting
// pattern (topology/datacenter.go).
type ReaderRegistry struct {
	mu      sync.Mutex
	readers map[node.NodeId]*Reader
}

func newReaderRegistry() *ReaderRegistry {
	return &ReaderRegistry{readers: make(map[node.NodeId]*Reader)}
}

// AffinityCheck reports whether a node is a primary or backup owner of
// the entry's partition at the given topology version — such nodes are
// never tracked as readers (spec.md §3 invariant I3).
type AffinityCheck func(id node.NodeId, topology uint32) bool

// AddReader registers node id as a near-cache reader, or bumps its
// message id if already registered. Returns added=true the first time a
// node is registered, along with a snapshot of in-flight local candidate
// versions the caller should gate subsequent invalidations on (so
// invalidations observe the effects of transactions already touching
// this entry, per spec.md §4.3).
func (r *ReaderRegistry) AddReader(
	id node.NodeId,
	msgID uint64,
	topology uint32,
	self node.NodeId,
	alive node.Liveness,
	hasNearCache func(node.NodeId) bool,
	affinity AffinityCheck,
	inFlight func() []version.Version,
) (added bool, snapshot []version.Version, err error) {
	if id == self {
		return false, nil, errRejectedSelf
	}
	if alive != nil && !alive.Alive(id) {
		return false, nil, errRejectedOffline
	}
	if hasNearCache != nil && !hasNearCache(id) {
		return false, nil, errRejectedNoNearCache
	}
	if affinity != nil && affinity(id, topology) {
		return false, nil, errRejectedAffinityOwner
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.readers[id]; ok {
		if msgID > existing.MessageID {
			existing.MessageID = msgID
		}
		return false, nil, nil
	}

	r.readers[id] = &Reader{NodeID: id, MessageID: msgID}
	if inFlight != nil {
		snapshot = inFlight()
	}
	return true, snapshot, nil
}

// RemoveReader deregisters a reader, ignoring stale (out-of-order)
// removal messages whose msgID is older than what is on file.
func (r *ReaderRegistry) RemoveReader(id node.NodeId, msgID uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.readers[id]
	if !ok {
		return false
	}
	if msgID < existing.MessageID {
		return false
	}
	delete(r.readers, id)
	return true
}

// Snapshot returns a copy-on-write point-in-time list of readers.
func (r *ReaderRegistry) Snapshot() []Reader {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Reader, 0, len(r.readers))
	for _, rd := range r.readers {
		out = append(out, *rd)
	}
	return out
}

// PurgeDead drops any reader whose node is no longer alive, per the
// "eagerly purged on any traversal" rule of spec.md §4.3.
func (r *ReaderRegistry) PurgeDead(alive node.Liveness) {
	if alive == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for id := range r.readers {
		if !alive.Alive(id) {
			delete(r.readers, id)
		}
	}
}

type readerRejection string

func (e readerRejection) Error() string { return string(e) }

const (
	errRejectedSelf          = readerRejection("reader registration rejected: self")
	errRejectedOffline       = readerRejection("reader registration rejected: node offline")
	errRejectedNoNearCache   = readerRejection("reader registration rejected: no near cache")
	errRejectedAffinityOwner = readerRejection("reader registration rejected: affinity owner")
)
