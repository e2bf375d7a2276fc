// Package version implements the cluster's monotone version vendor (C1):
// totally ordered version stamps used both as MVCC lock versions and as
// transaction ids (XID). Grounded on the teacher's ballot counter
// (consensus.Instance.incrementBallot in manager_prepare.go), generalized
// from a single per-instance ballot to the 4-field Version of spec.md §3.
package version

import (
	"fmt"
	"sync"
)

// Version is a totally ordered identifier. Ordering is first by Order,
// then by NodeOrder; Topology and GlobalTime are carried for
// observability and compared by Equal, but Less never consults them
// (spec.md §3).
type Version struct {
	Order      uint64
	NodeOrder  uint32
	Topology   uint32
	GlobalTime int64
}

// Zero is the smallest possible version, used as a sentinel for "no
// version yet" (e.g. a brand new entry with no owner).
var Zero = Version{}

func (v Version) String() string {
	return fmt.Sprintf("%d:%d@top%d", v.Order, v.NodeOrder, v.Topology)
}

// Equal reports whether two versions are structurally identical across
// all four fields, per spec.md §3.
func (v Version) Equal(o Version) bool {
	return v.Order == o.Order && v.NodeOrder == o.NodeOrder &&
		v.Topology == o.Topology && v.GlobalTime == o.GlobalTime
}

// Less orders versions first by Order, then by NodeOrder. This is the
// total order used for owner-selection tie-breaks (spec.md §4.2) and for
// removed-version-set membership checks.
func (v Version) Less(o Version) bool {
	if v.Order != o.Order {
		return v.Order < o.Order
	}
	return v.NodeOrder < o.NodeOrder
}

// Compare returns -1, 0 or 1 the way sort.Interface-adjacent helpers
// expect.
func (v Version) Compare(o Version) int {
	switch {
	case v.Equal(o):
		return 0
	case v.Less(o):
		return -1
	default:
		return 1
	}
}

// IsZero reports whether this is the sentinel Zero version.
func (v Version) IsZero() bool {
	return v.Equal(Zero)
}

// Vendor mints fresh versions for the local node, and bumps the local
// sequence past any remote version observed, Lamport-style. NodeOrder is
// fixed for the vendor's lifetime; Topology is supplied by the caller
// (the current topology version of the requesting transaction).
type Vendor struct {
	mu        sync.Mutex
	order     uint64
	nodeOrder uint32
}

// NewVendor creates a version vendor for a node. nodeOrder must be
// unique and stable for this process's lifetime (the teacher's node ids
// play the same role for ballots).
func NewVendor(nodeOrder uint32) *Vendor {
	return &Vendor{nodeOrder: nodeOrder}
}

// Next mints a new version at the given topology and wall-clock time.
func (v *Vendor) Next(topology uint32, globalTime int64) Version {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.order++
	return Version{
		Order:      v.order,
		NodeOrder:  v.nodeOrder,
		Topology:   topology,
		GlobalTime: globalTime,
	}
}

// Observe bumps the local sequence past a version seen from a remote
// peer, so that any subsequently minted version orders after it. This is
// the Lamport-clock discipline called out in spec.md §4.1.
func (v *Vendor) Observe(remote Version) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if remote.Order > v.order {
		v.order = remote.Order
	}
}

// Current returns the highest Order minted or observed so far, without
// incrementing it. Useful for diagnostics and tests.
func (v *Vendor) Current() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.order
}
