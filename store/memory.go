package store

import (
	"bufio"
	"sync"

	"github.com/bdeggleston/gridtx/serializer"
	"github.com/bdeggleston/gridtx/version"
)

const BytesValueType = ValueType("BYTES")

// BytesValue is the simplest possible Value: an opaque byte slice. Used
// by Memory and by tests.
type BytesValue struct {
	Data []byte
}

func NewBytesValue(data []byte) *BytesValue {
	cp := make([]byte, len(data))
	copy(cp, data)
	return &BytesValue{Data: cp}
}

func (v *BytesValue) GetValueType() ValueType { return BytesValueType }

func (v *BytesValue) Serialize(buf *bufio.Writer) error {
	return serializer.WriteFieldBytes(buf, v.Data)
}

func (v *BytesValue) Deserialize(buf *bufio.Reader) error {
	data, err := serializer.ReadFieldBytes(buf)
	if err != nil {
		return err
	}
	v.Data = data
	return nil
}

func (v *BytesValue) Equal(o Value) bool {
	other, ok := o.(*BytesValue)
	if !ok {
		return false
	}
	if len(v.Data) != len(other.Data) {
		return false
	}
	for i := range v.Data {
		if v.Data[i] != other.Data[i] {
			return false
		}
	}
	return true
}

// Memory is a trivial read-through/write-through Adapter backed by an
// in-memory map — the default used by tests and by any embedder that
// doesn't need durability.
type Memory struct {
	mu     sync.RWMutex
	values map[Key]Value
}

func NewMemory() *Memory {
	return &Memory{values: make(map[Key]Value)}
}

func (m *Memory) Load(key Key) (Value, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *Memory) LoadAll(keys []Key) (map[Key]Value, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[Key]Value, len(keys))
	for _, k := range keys {
		if v, ok := m.values[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

func (m *Memory) Put(key Key, val Value, _ version.Version) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = val
	return nil
}

func (m *Memory) PutAll(values map[Key]Value, ver version.Version) error {
	for k, v := range values {
		if err := m.Put(k, v, ver); err != nil {
			return err
		}
	}
	return nil
}

func (m *Memory) Delete(key Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

func (m *Memory) DeleteAll(keys []Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.values, k)
	}
	return nil
}

func (m *Memory) TxEnd(bool) error { return nil }

var _ Adapter = (*Memory)(nil)
