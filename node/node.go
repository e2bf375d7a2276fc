// Package node defines cluster node identity. The discovery/membership
// service itself (liveness detection, gossip, topology version vending)
// is an external collaborator and lives outside this module; this
// package only fixes the identifiers and the liveness query surface the
// core needs to talk about nodes.
package node

import (
	"github.com/google/uuid"
)

// NodeId uniquely identifies a node for the lifetime of the cluster.
type NodeId string

// NewNodeId generates a fresh, cluster-unique node identifier.
func NewNodeId() NodeId {
	return NodeId(uuid.NewString())
}

func (n NodeId) String() string { return string(n) }

// Status is the liveness state of a node as seen by the local
// membership view.
type Status string

const (
	StatusUp          = Status("UP")
	StatusDown        = Status("DOWN")
	StatusLeft        = Status("LEFT")
	StatusInitalizing = Status("INITIALIZING")
)

// Liveness is the subset of the discovery/membership SPI the core
// consults: whether a given node is currently reachable. The full SPI
// (join/leave events, gossip state, topology version vending) is an
// external collaborator out of this module's scope.
type Liveness interface {
	Alive(id NodeId) bool
	LocalNodeID() NodeId
}
