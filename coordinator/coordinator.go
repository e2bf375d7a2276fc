// Package coordinator implements the prepare coordinator (C5), finish
// coordinator (C6), and recovery/check-prepared (C7) of spec.md §4.4-
// §4.6. Grounded on the teacher's manager_prepare.go (fan-out/quorum
// mini-future pattern, successor-based recovery) and scope_commit.go
// (unsafe-locked-mutator-then-fan-out commit pattern).
package coordinator

import (
	"sync"
	"time"

	"github.com/bdeggleston/gridtx/entry"
	"github.com/bdeggleston/gridtx/message"
	"github.com/bdeggleston/gridtx/node"
	"github.com/bdeggleston/gridtx/store"
	"github.com/bdeggleston/gridtx/topology"
	"github.com/bdeggleston/gridtx/version"

	"github.com/cactus/go-statsd-client/statsd"
	"github.com/op/go-logging"
)

var logger = logging.MustGetLogger("coordinator")

// Peer is the wire-send collaborator the coordinator uses to reach
// another cluster member, grounded on the teacher's node.Node.
// SendMessage (cluster/node.go, referenced from manager_prepare.go's
// managerSendPrepare). The actual transport is out of scope (spec.md
// §1); this is the seam a real implementation plugs a codec+socket
// into.
type Peer interface {
	ID() node.NodeId
	Send(msg message.Message) (message.Message, error)
}

// Config bundles the tunables of the coordinator the way the teacher's
// package-level PREPARE_TIMEOUT/ACCEPT_TIMEOUT vars do, collected into
// a struct per the ambient-stack configuration convention instead of
// package vars, since coordinator instances are constructed
// programmatically per spec.md §1 (public client API out of scope).
type Config struct {
	PrepareTimeout       time.Duration
	FinishTimeout        time.Duration
	CheckPreparedTimeout time.Duration
	MaxEntryRetries      int
}

func DefaultConfig() Config {
	return Config{
		PrepareTimeout:       500 * time.Millisecond,
		FinishTimeout:        500 * time.Millisecond,
		CheckPreparedTimeout: 500 * time.Millisecond,
		MaxEntryRetries:      3,
	}
}

// Stats is the subset of statsd.Statter the coordinator calls through,
// mirroring the teacher's Manager.statsInc/statsTiming pair
// (manager_prepare.go). A nil Stats is a valid no-op.
type Stats struct {
	client statsd.Statter
}

func NewStats(client statsd.Statter) *Stats { return &Stats{client: client} }

func (s *Stats) inc(stat string, value int64) {
	if s == nil || s.client == nil {
		return
	}
	if err := s.client.Inc(stat, value, 1.0); err != nil {
		logger.Warning("stats inc failed for %v: %v", stat, err)
	}
}

func (s *Stats) timing(stat string, start time.Time) {
	if s == nil || s.client == nil {
		return
	}
	elapsed := time.Since(start).Nanoseconds() / int64(time.Millisecond)
	if err := s.client.Timing(stat, elapsed, 1.0); err != nil {
		logger.Warning("stats timing failed for %v: %v", stat, err)
	}
}

// PeerLookup resolves a node id to a Peer the coordinator can send
// messages to. Returns ok=false if the node is not currently reachable
// (spec.md §7 TopologyLeft).
type PeerLookup func(id node.NodeId) (Peer, bool)

// Coordinator wires together the collaborators C5/C6/C7 need: the
// entry table (C2), topology (for partition ownership and the release
// barrier, C8), the version vendor (C1), and the store adapter (C6's
// commit apply).
type Coordinator struct {
	cfg      Config
	table    *entry.Table
	topo     topology.Topology
	vendor   *version.Vendor
	store    store.Adapter
	peers    PeerLookup
	barrier  *topology.Barrier
	stats    *Stats
	expiry   store.ExpiryPolicy
	interceptor store.Interceptor
	events   store.EventBus

	replicaMu sync.Mutex
	replicas  map[version.Version]*replica
}

// New constructs a Coordinator with fixed-forever expiry, a no-op
// interceptor and a no-op event bus; the With* methods replace them.
func New(cfg Config, table *entry.Table, topo topology.Topology, vendor *version.Vendor, adapter store.Adapter, peers PeerLookup, barrier *topology.Barrier, stats *Stats) *Coordinator {
	return &Coordinator{
		cfg:         cfg,
		table:       table,
		topo:        topo,
		vendor:      vendor,
		store:       adapter,
		peers:       peers,
		barrier:     barrier,
		stats:       stats,
		expiry:      store.NewFixedExpiry(0, 0, 0),
		interceptor: store.NoopInterceptor{},
		events:      store.NoopEventBus{},
		replicas:    make(map[version.Version]*replica),
	}
}

func (c *Coordinator) WithExpiry(p store.ExpiryPolicy) *Coordinator      { c.expiry = p; return c }
func (c *Coordinator) WithInterceptor(i store.Interceptor) *Coordinator  { c.interceptor = i; return c }
func (c *Coordinator) WithEventBus(b store.EventBus) *Coordinator        { c.events = b; return c }
