// Package store defines the persistent-store adapter and the other
// per-entry collaborator interfaces of spec.md §6 (expiry policy,
// interceptor, event bus). These are external collaborators — the core
// only calls through them; the read-through/write-through/write-behind
// behavior itself, and any on-disk format, belongs to whatever adapter
// is plugged in. Value/serialization shape is grounded on the teacher's
// store.Value interface (store/store.go) and its Redis adapter
// (store/redis.go).
package store

import (
	"bufio"
	"time"

	"github.com/bdeggleston/gridtx/version"
)

// ValueType tags the concrete encoding of a Value, the way the teacher's
// store.ValueType does.
type ValueType string

// Value is a stored payload. The core never inspects a Value's
// contents; it only carries it between the MVCC layer and the adapter.
type Value interface {
	GetValueType() ValueType
	Serialize(buf *bufio.Writer) error
	Deserialize(buf *bufio.Reader) error
	Equal(v Value) bool
}

// Key identifies a stored entry by cache id and key, mirroring
// entry.Key without importing the entry package (store is a leaf
// collaborator interface, entry is core).
type Key struct {
	CacheID string
	Key     string
}

// Adapter is the persistent store collaborator of spec.md §6: load/put/
// delete plus an explicit tx boundary hook. Read-through, write-through
// and write-behind are all valid Adapter implementations; the core is
// agnostic to which.
type Adapter interface {
	Load(key Key) (Value, bool, error)
	LoadAll(keys []Key) (map[Key]Value, error)
	Put(key Key, val Value, ver version.Version) error
	PutAll(values map[Key]Value, ver version.Version) error
	Delete(key Key) error
	DeleteAll(keys []Key) error
	// TxEnd notifies the adapter that a transaction touching entries
	// loaded/stored through it has concluded, so write-behind adapters
	// can flush or discard buffered mutations.
	TxEnd(commit bool) error
}

// ExpiryPolicy computes entry TTLs for create/access/update events.
type ExpiryPolicy interface {
	ForCreate() time.Duration
	ForAccess() time.Duration
	ForUpdate() time.Duration
}

// Interceptor may observe or veto put/remove operations. Returning a
// non-nil error from a Before* hook vetoes the operation.
type Interceptor interface {
	BeforePut(key Key, oldVal, newVal Value) (Value, error)
	AfterPut(key Key, oldVal, newVal Value)
	BeforeRemove(key Key, oldVal Value) error
	AfterRemove(key Key, oldVal Value)
}

// EventKind enumerates the recordable event bus events of spec.md §6.
type EventKind string

const (
	EventObjectRead       = EventKind("OBJECT_READ")
	EventObjectPut        = EventKind("OBJECT_PUT")
	EventObjectRemoved    = EventKind("OBJECT_REMOVED")
	EventPreloadLoaded    = EventKind("PRELOAD_OBJECT_LOADED")
	EventTxStarted        = EventKind("TX_STARTED")
	EventTxCommitted      = EventKind("TX_COMMITTED")
	EventTxRolledBack     = EventKind("TX_ROLLED_BACK")
)

// Event is a single recordable occurrence handed to the EventBus.
type Event struct {
	Kind EventKind
	Key  Key
	XID  version.Version
	At   time.Time
}

// EventBus is the collaborator that records the events of spec.md §6.
type EventBus interface {
	Record(e Event)
}

// NoopEventBus discards every event; useful as a default when no bus is
// wired in.
type NoopEventBus struct{}

func (NoopEventBus) Record(Event) {}

// NoopInterceptor passes every operation through unmodified.
type NoopInterceptor struct{}

func (NoopInterceptor) BeforePut(_ Key, _, newVal Value) (Value, error) { return newVal, nil }
func (NoopInterceptor) AfterPut(Key, Value, Value)                     {}
func (NoopInterceptor) BeforeRemove(Key, Value) error                  { return nil }
func (NoopInterceptor) AfterRemove(Key, Value)                         {}
