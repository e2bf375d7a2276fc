// Package topology is the collaborator that answers "which nodes own
// this partition, at which topology version" (spec.md §6: nodes,
// owners, primary, local_node_id, alive). The core never computes
// partition ownership itself; it asks a Topology. Grounded on the
// teacher's topology.DatacenterContainer (src/topology/datacenter.go)
// and its Ring/partitioner split, generalized down to a single ring
// since the spec's scope is a single cluster rather than a
// multi-datacenter federation.
package topology

import (
	"fmt"
	"hash/fnv"
	"sort"
	"sync"

	"github.com/bdeggleston/gridtx/node"
)

// Partitioner maps a cache key to one of Partitions() partitions. The
// default Hash partitioner is grounded on the teacher's partitioner
// package (referenced from datacenter.go but never retrieved) — FNV-1a
// over the key stands in for whatever consistent-hash ring the
// teacher's partitioner.Token implied.
type Partitioner interface {
	Partitions() uint32
	Partition(key string) uint32
}

type hashPartitioner struct {
	partitions uint32
}

func NewHashPartitioner(partitions uint32) Partitioner {
	if partitions == 0 {
		partitions = 1
	}
	return hashPartitioner{partitions: partitions}
}

func (p hashPartitioner) Partitions() uint32 { return p.partitions }

func (p hashPartitioner) Partition(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % p.partitions
}

// Assignment is the ordered owner list for one partition at one
// topology version: index 0 is primary, the rest are backups.
type Assignment []node.NodeId

func (a Assignment) Primary() (node.NodeId, bool) {
	if len(a) == 0 {
		return "", false
	}
	return a[0], true
}

func (a Assignment) Contains(id node.NodeId) bool {
	for _, n := range a {
		if n == id {
			return true
		}
	}
	return false
}

// Topology is the external collaborator of spec.md §6: nodes/owners/
// primary/local_node_id/alive. Ring, the default implementation, is
// updated in place by Rebalance under its write lock; each accessor
// reads one field under the read lock, so a version read and a later
// assignment read are not guaranteed to come from the same rebalance.
type Topology interface {
	Version() uint32
	Partitioner() Partitioner
	Nodes(partition uint32) Assignment
	Owners(partition uint32) Assignment
	Primary(partition uint32) (node.NodeId, bool)
	LocalNodeID() node.NodeId
	Alive(id node.NodeId) bool
}

// Ring is the default Topology: a fixed partition count with an
// explicit owner assignment per partition, versioned as a whole.
// Mirrors the teacher's Ring/DatacenterContainer pairing, minus the
// multi-datacenter indirection.
type Ring struct {
	mu          sync.RWMutex
	version     uint32
	partitioner Partitioner
	assignment  map[uint32]Assignment
	local       node.NodeId
	liveness    node.Liveness
}

func NewRing(local node.NodeId, partitioner Partitioner, liveness node.Liveness) *Ring {
	return &Ring{
		partitioner: partitioner,
		assignment:  make(map[uint32]Assignment),
		local:       local,
		liveness:    liveness,
	}
}

// Rebalance installs a new version/assignment atomically. Partitions
// absent from assignment keep no owners (callers should supply a
// complete map).
func (r *Ring) Rebalance(version uint32, assignment map[uint32]Assignment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if version <= r.version {
		return
	}
	r.version = version
	cp := make(map[uint32]Assignment, len(assignment))
	for p, a := range assignment {
		owners := make(Assignment, len(a))
		copy(owners, a)
		cp[p] = owners
	}
	r.assignment = cp
}

func (r *Ring) Version() uint32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

func (r *Ring) Partitioner() Partitioner { return r.partitioner }

func (r *Ring) Nodes(partition uint32) Assignment {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a := r.assignment[partition]
	out := make(Assignment, len(a))
	copy(out, a)
	return out
}

// Owners is an alias for Nodes: the spec's external interface names
// both "nodes(partition, topology)" and "owners" for the same query.
func (r *Ring) Owners(partition uint32) Assignment { return r.Nodes(partition) }

func (r *Ring) Primary(partition uint32) (node.NodeId, bool) {
	return r.Nodes(partition).Primary()
}

func (r *Ring) LocalNodeID() node.NodeId { return r.local }

func (r *Ring) Alive(id node.NodeId) bool {
	if r.liveness == nil {
		return true
	}
	return r.liveness.Alive(id)
}

var _ Topology = (*Ring)(nil)

// DescribeAssignment is a debugging helper producing a deterministic,
// sorted rendering of a partition assignment map.
func DescribeAssignment(assignment map[uint32]Assignment) string {
	parts := make([]uint32, 0, len(assignment))
	for p := range assignment {
		parts = append(parts, p)
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i] < parts[j] })
	out := ""
	for _, p := range parts {
		out += fmt.Sprintf("%d:%v ", p, assignment[p])
	}
	return out
}
