package entry

import (
	"sync"
	"time"

	"github.com/bdeggleston/gridtx/node"
	"github.com/bdeggleston/gridtx/version"
)

// Candidate is a pending or granted lock intent on an entry, carrying a
// version (spec.md §3 "MVCC candidate"). Lifecycle: created on
// add_local/add_remote, ready when prepare readies the entry, owner when
// first-in-line, released by explicit remove or tx commit/rollback.
type Candidate struct {
	Version  version.Version
	XID      version.Version
	ThreadID uint64
	Topology uint32

	// NearLocal/NearVersion are set when this candidate originated from
	// a near-cache read on a non-owning node.
	NearLocal   *node.NodeId
	NearVersion *version.Version

	// DhtLocal marks a candidate enlisted directly against the DHT
	// primary, as opposed to arriving over the wire from a remote peer.
	DhtLocal bool

	// OtherVersion/OwnerVersion mirror the optional fields of spec.md §3
	// ("MVCC candidate"): OtherVersion records a paired version from the
	// opposite side of a near/dht pairing, OwnerVersion is populated on
	// reentrant candidates to point at the version they share.
	OtherVersion *version.Version
	OwnerVersion *version.Version

	Reentry bool

	mu       sync.Mutex
	ready    bool
	used     bool
	ownerCh  chan struct{}
	timeout  time.Duration
	deadline time.Time
	timer    *time.Timer
	timedOut bool
	released bool
}

func newCandidate(txVer, xid version.Version, thread uint64, topology uint32, timeout time.Duration, reentry, dhtLocal bool) *Candidate {
	return &Candidate{
		Version:  txVer,
		XID:      xid,
		ThreadID: thread,
		Topology: topology,
		DhtLocal: dhtLocal,
		Reentry:  reentry,
		timeout:  timeout,
		ownerCh:  make(chan struct{}),
	}
}

// Ready reports whether prepare has readied this candidate yet.
func (c *Candidate) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// Used reports whether this candidate has already been consumed
// (released or superseded) and should be skipped by owner selection.
func (c *Candidate) Used() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.used
}

// TimedOut reports whether the candidate's lock timeout elapsed before
// it reached ownership.
func (c *Candidate) TimedOut() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timedOut
}

// OwnerNotify returns a channel closed exactly once, the moment this
// candidate becomes the entry's owner. Callers (the prepare coordinator,
// C5) select on this alongside a timeout/cancellation channel.
func (c *Candidate) OwnerNotify() <-chan struct{} {
	return c.ownerCh
}

func (c *Candidate) notifyOwner() {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.ownerCh:
		// already notified
	default:
		close(c.ownerCh)
	}
	if c.timer != nil {
		c.timer.Stop()
	}
}

func (c *Candidate) setReady(ready bool) {
	c.mu.Lock()
	c.ready = ready
	c.mu.Unlock()
}

func (c *Candidate) markUsed() {
	c.mu.Lock()
	c.used = true
	if c.timer != nil {
		c.timer.Stop()
	}
	c.mu.Unlock()
}

func (c *Candidate) markTimedOut() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.ownerCh:
		// already became owner, timeout is moot
		return false
	default:
	}
	if c.used {
		return false
	}
	c.used = true
	c.timedOut = true
	return true
}
