// Package cluster is the composition root: it wires version.Vendor,
// entry.Table, topology.Ring/Barrier, store.Adapter and
// coordinator.Coordinator together into a single addressable member of
// the cluster, grounded on the teacher's cluster.Cluster/LocalNode/
// RemoteNode split (src/cluster/cluster.go, src/cluster/node.go). The
// wire transport itself stays an external collaborator (spec.md §1):
// RemoteNode delegates to an injected Transport rather than owning a
// socket/connection pool.
package cluster

import (
	"fmt"

	"github.com/bdeggleston/gridtx/coordinator"
	"github.com/bdeggleston/gridtx/message"
	"github.com/bdeggleston/gridtx/node"
)

// Transport sends a request message to a remote node and
// returns its response, the seam the teacher's RemoteNode.SendMessage
// fills with a ConnectionPool+handshake. Left as an interface: the wire
// codec and connection management are out of scope (spec.md §1).
type Transport interface {
	Send(id node.NodeId, msg message.Message) (message.Message, error)
}

// LocalNode represents this process's own membership identity. It is
// never dialed as a Peer — like the teacher's LocalNode.SendMessage,
// routing a message to yourself is a caller bug, not a network op.
type LocalNode struct {
	id node.NodeId
}

func NewLocalNode(id node.NodeId) *LocalNode { return &LocalNode{id: id} }

func (n *LocalNode) ID() node.NodeId { return n.id }

func (n *LocalNode) Send(message.Message) (message.Message, error) {
	panic("cluster: cannot send a message to the local node")
}

// RemoteNode adapts a cluster peer to coordinator.Peer by forwarding
// through Transport, mirroring the teacher's RemoteNode.SendMessage
// (get connection, write, read, update status on failure) minus the
// concrete socket handling.
type RemoteNode struct {
	id        node.NodeId
	transport Transport
}

func NewRemoteNode(id node.NodeId, transport Transport) *RemoteNode {
	return &RemoteNode{id: id, transport: transport}
}

func (n *RemoteNode) ID() node.NodeId { return n.id }

func (n *RemoteNode) Send(msg message.Message) (message.Message, error) {
	if n.transport == nil {
		return nil, fmt.Errorf("cluster: node %v has no transport configured", n.id)
	}
	return n.transport.Send(n.id, msg)
}

var (
	_ coordinator.Peer = (*LocalNode)(nil)
	_ coordinator.Peer = (*RemoteNode)(nil)
)
