// Package message defines the wire message kinds of spec.md §6 as
// concrete Go structs satisfying a single Message interface, plus a
// default Codec used for round-trip tests. The wire codec itself is an
// external collaborator (spec.md §1 Out of scope) — this package gives
// it a concrete shape to exercise rather than reimplementing a
// production transport. Grounded on the teacher's (retrieved-as-
// referenced-but-missing) message.Message interface, inferred from its
// call sites in consensus/manager_prepare.go and cluster/node.go, and
// on serializer/serializer.go's length-prefixed framing style.
package message

import (
	"github.com/bdeggleston/gridtx/store"
	"github.com/bdeggleston/gridtx/version"
)

// MessageKind tags the eleven wire message kinds of spec.md §6.
type MessageKind string

const (
	KindNearTxPrepareRequest   = MessageKind("NEAR_TX_PREPARE_REQUEST")
	KindNearTxPrepareResponse  = MessageKind("NEAR_TX_PREPARE_RESPONSE")
	KindDhtTxPrepareRequest    = MessageKind("DHT_TX_PREPARE_REQUEST")
	KindDhtTxPrepareResponse   = MessageKind("DHT_TX_PREPARE_RESPONSE")
	KindNearTxFinishRequest    = MessageKind("NEAR_TX_FINISH_REQUEST")
	KindNearTxFinishResponse   = MessageKind("NEAR_TX_FINISH_RESPONSE")
	KindDhtTxFinishRequest     = MessageKind("DHT_TX_FINISH_REQUEST")
	KindDhtTxFinishResponse    = MessageKind("DHT_TX_FINISH_RESPONSE")
	KindCheckPreparedRequest   = MessageKind("CHECK_PREPARED_TX_REQUEST")
	KindCheckPreparedResponse  = MessageKind("CHECK_PREPARED_TX_RESPONSE")
	KindPartitionsSingleReq    = MessageKind("PARTITIONS_SINGLE_REQUEST")
)

// PoolKind names the four scheduling pools of spec.md §5. An Envelope
// pairs a message with one of them for an external dispatcher; the
// coordinator's own sends pass bare messages to Peer.Send and attach no
// pool. The core never owns or blocks on these pools itself.
type PoolKind string

const (
	SystemPool  = PoolKind("SYSTEM_POOL")
	PublicPool  = PoolKind("PUBLIC_POOL")
	StorePool   = PoolKind("STORE_POOL")
	UtilityPool = PoolKind("UTILITY_CACHE_POOL")
)

// Message is implemented by every concrete wire message. The header
// carries FutureID/MiniID; the participant handlers in coordinator do
// not copy them from a request into its response.
type Message interface {
	Kind() MessageKind
	GetFutureID() uint64
	GetMiniID() uint64
	GetXID() version.Version
	GetTopology() uint32
}

// Envelope pairs a Message with the pool it should be dispatched on.
type Envelope struct {
	Pool PoolKind
	Msg  Message
}

// header is embedded in every concrete message to carry the fields
// common to all eleven kinds (spec.md §6: "Each message carries...").
type header struct {
	FutureID uint64
	MiniID   uint64
	XID      version.Version
	NearXID  version.Version
	Topology uint32
}

func (h header) GetFutureID() uint64        { return h.FutureID }
func (h header) GetMiniID() uint64          { return h.MiniID }
func (h header) GetXID() version.Version    { return h.XID }
func (h header) GetTopology() uint32        { return h.Topology }

// EntryWrite is a single key/value/version write carried in a prepare
// or finish request.
type EntryWrite struct {
	Key     store.Key
	Value   []byte
	Present bool
	Version version.Version
	TTLNano int64
}

// PreloadEntry warms a peer that became an owner mid-transaction
// (GLOSSARY: "Preload entry").
type PreloadEntry struct {
	Key     store.Key
	Value   []byte
	Version version.Version
}

// NearTxPrepareRequest is the client→coordinator-primary prepare
// request (spec.md §6).
type NearTxPrepareRequest struct {
	header
	ThreadID       uint64
	Concurrency    string
	Isolation      string
	Timeout        int64
	OnePhase       bool
	SyncCommit     bool
	Invalidate     bool
	SystemInvalidate bool
	ReadKeys       []store.Key
	Writes         []EntryWrite
	ParticipantIDs []string
}

func (m *NearTxPrepareRequest) Kind() MessageKind { return KindNearTxPrepareRequest }

// NearTxPrepareResponse carries the prepare response fields of spec.md
// §3 ("Prepare response").
type NearTxPrepareResponse struct {
	header
	InvalidPartitions []uint32
	OwnedValues       map[store.Key]EntryWrite
	PendingVersions   []version.Version
	CommittedVersions []version.Version
	RolledbackVersions []version.Version
	ReturnValue       []byte
	FilterFailedKeys  []store.Key
	NearEvicted       []store.Key
	PreloadEntries    []PreloadEntry
	Error             string
}

func (m *NearTxPrepareResponse) Kind() MessageKind { return KindNearTxPrepareResponse }

// DhtTxPrepareRequest is the coordinator→participant prepare request
// built by the prepare coordinator's mini-future fan-out (spec.md
// §4.4 step 6).
type DhtTxPrepareRequest struct {
	header
	DhtWrites      []EntryWrite
	NearWrites     []EntryWrite
	GroupLock      bool
	GroupLockKey   *store.Key
	ParticipantIDs []string
	OnePhase       bool
	InvalidateNear bool
	PreloadHint    bool
	Last           bool
	LastBackups    []string
}

func (m *DhtTxPrepareRequest) Kind() MessageKind { return KindDhtTxPrepareRequest }

// DhtTxPrepareResponse mirrors NearTxPrepareResponse's payload shape
// for the coordinator→participant leg.
type DhtTxPrepareResponse struct {
	header
	InvalidPartitions  []uint32
	PendingVersions    []version.Version
	CommittedVersions  []version.Version
	RolledbackVersions []version.Version
	NearEvicted        []store.Key
	PreloadEntries     []PreloadEntry
	Error              string
}

func (m *DhtTxPrepareResponse) Kind() MessageKind { return KindDhtTxPrepareResponse }

// NearTxFinishRequest invalidates or evicts near readers on commit
// (C9).
type NearTxFinishRequest struct {
	header
	Commit      bool
	Invalidated []store.Key
	Evicted     []store.Key
}

func (m *NearTxFinishRequest) Kind() MessageKind { return KindNearTxFinishRequest }

type NearTxFinishResponse struct {
	header
	Error string
}

func (m *NearTxFinishResponse) Kind() MessageKind { return KindNearTxFinishResponse }

// DhtTxFinishRequest replicates a committed write-set to backups, or
// instructs a rollback (C6).
type DhtTxFinishRequest struct {
	header
	Commit           bool
	Writes           []EntryWrite
	Deletes          []store.Key
	SyncCommit       bool
	SyncRollback     bool
	Invalidate       bool
	SystemInvalidate bool
}

func (m *DhtTxFinishRequest) Kind() MessageKind { return KindDhtTxFinishRequest }

type DhtTxFinishResponse struct {
	header
	PartialUpdate bool
	FailedKeys    []store.Key
	Error         string
}

func (m *DhtTxFinishResponse) Kind() MessageKind { return KindDhtTxFinishResponse }

// CheckPreparedTxRequest is C7's "have you prepared xid?" poll.
type CheckPreparedTxRequest struct {
	header
}

func (m *CheckPreparedTxRequest) Kind() MessageKind { return KindCheckPreparedRequest }

// CheckPreparedStatus is the three-way answer to check-prepared.
type CheckPreparedStatus string

const (
	CheckPreparedCommitted = CheckPreparedStatus("COMMITTED")
	CheckPreparedPrepared  = CheckPreparedStatus("PREPARED")
	CheckPreparedUnknown   = CheckPreparedStatus("UNKNOWN")
)

type CheckPreparedTxResponse struct {
	header
	Status CheckPreparedStatus
}

func (m *CheckPreparedTxResponse) Kind() MessageKind { return KindCheckPreparedResponse }

// PartitionsSingleRequest lists the sender's partitions. It is defined
// for the wire only: the participant Dispatch has no handler for it and
// answers it with an error, and the partition-release barrier (C8) does
// not consult it.
type PartitionsSingleRequest struct {
	header
	Partitions []uint32
}

func (m *PartitionsSingleRequest) Kind() MessageKind { return KindPartitionsSingleReq }

var (
	_ Message = (*NearTxPrepareRequest)(nil)
	_ Message = (*NearTxPrepareResponse)(nil)
	_ Message = (*DhtTxPrepareRequest)(nil)
	_ Message = (*DhtTxPrepareResponse)(nil)
	_ Message = (*NearTxFinishRequest)(nil)
	_ Message = (*NearTxFinishResponse)(nil)
	_ Message = (*DhtTxFinishRequest)(nil)
	_ Message = (*DhtTxFinishResponse)(nil)
	_ Message = (*CheckPreparedTxRequest)(nil)
	_ Message = (*CheckPreparedTxResponse)(nil)
	_ Message = (*PartitionsSingleRequest)(nil)
)
