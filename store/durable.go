package store

import (
	"sync"
	"time"

	"github.com/bdeggleston/gridtx/version"
)

// Durable is a write-behind Adapter: Put/Delete buffer into a single
// pending set shared by all callers, and TxEnd either
// flushes the buffer into the committed snapshot or discards it.
// Values round-trip through EncodeValue/DecodeValue, so whatever is
// held in committed is exactly what a real append-log or remote
// replica would see on the wire. Grounded on the teacher's store.Redis
// (src/store/redis.go), generalized from its single global map into
// the buffered commit/rollback shape spec.md's Adapter.TxEnd implies.
type Durable struct {
	mu        sync.Mutex
	committed map[Key][]byte
	pending   map[Key][]byte
	deletes   map[Key]bool
}

func NewDurable() *Durable {
	return &Durable{
		committed: make(map[Key][]byte),
		pending:   make(map[Key][]byte),
		deletes:   make(map[Key]bool),
	}
}

func (d *Durable) Load(key Key) (Value, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.loadLocked(key)
}

func (d *Durable) loadLocked(key Key) (Value, bool, error) {
	if d.deletes[key] {
		return nil, false, nil
	}
	raw, ok := d.pending[key]
	if !ok {
		raw, ok = d.committed[key]
	}
	if !ok {
		return nil, false, nil
	}
	val, _, err := DecodeValue(raw)
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (d *Durable) LoadAll(keys []Key) (map[Key]Value, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[Key]Value, len(keys))
	for _, k := range keys {
		v, ok, err := d.loadLocked(k)
		if err != nil {
			return nil, err
		}
		if ok {
			out[k] = v
		}
	}
	return out, nil
}

func (d *Durable) Put(key Key, val Value, _ version.Version) error {
	raw, err := EncodeValue(val)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.deletes, key)
	d.pending[key] = raw
	return nil
}

func (d *Durable) PutAll(values map[Key]Value, ver version.Version) error {
	for k, v := range values {
		if err := d.Put(k, v, ver); err != nil {
			return err
		}
	}
	return nil
}

func (d *Durable) Delete(key Key) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.pending, key)
	d.deletes[key] = true
	return nil
}

func (d *Durable) DeleteAll(keys []Key) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, k := range keys {
		delete(d.pending, k)
		d.deletes[k] = true
	}
	return nil
}

// TxEnd flushes pending writes/deletes into the committed snapshot on
// commit, or discards them on rollback.
func (d *Durable) TxEnd(commit bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if commit {
		for k, raw := range d.pending {
			d.committed[k] = raw
		}
		for k := range d.deletes {
			delete(d.committed, k)
		}
	}
	d.pending = make(map[Key][]byte)
	d.deletes = make(map[Key]bool)
	return nil
}

var _ Adapter = (*Durable)(nil)

// fixedExpiry is a tiny helper ExpiryPolicy used by tests and by any
// caller that wants a fixed TTL rather than wiring a real policy.
type fixedExpiry struct {
	create, access, update time.Duration
}

func NewFixedExpiry(create, access, update time.Duration) ExpiryPolicy {
	return fixedExpiry{create, access, update}
}

func (f fixedExpiry) ForCreate() time.Duration { return f.create }
func (f fixedExpiry) ForAccess() time.Duration { return f.access }
func (f fixedExpiry) ForUpdate() time.Duration { return f.update }
