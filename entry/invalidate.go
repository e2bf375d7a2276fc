package entry

import "github.com/bdeggleston/gridtx/node"

// Policy is the decision C9 near invalidation makes for a single reader
// on commit of a write at the primary (spec.md §4.8).
type Policy int

const (
	// PolicyInvalidate marks the reader's near entry with the new DHT
	// version but no value, forcing a re-fetch on next read.
	PolicyInvalidate Policy = iota
	// PolicyEvict removes the reader outright; the coordinator reports
	// this back as near_evicted so it can prune its near-map.
	PolicyEvict
)

func (p Policy) String() string {
	if p == PolicyEvict {
		return "evict"
	}
	return "invalidate"
}

// DecidePolicy implements spec.md §4.8's rule: a reader that has become
// an affinity owner (primary or backup) at the new topology is evicted
// rather than invalidated, since it is no longer acting as a near-cache
// client for this partition.
func DecidePolicy(readerID node.NodeId, newTopology uint32, affinity AffinityCheck) Policy {
	if affinity != nil && affinity(readerID, newTopology) {
		return PolicyEvict
	}
	return PolicyInvalidate
}
