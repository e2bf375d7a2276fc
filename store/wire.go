package store

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/bdeggleston/gridtx/serializer"
)

const StringValueType = ValueType("STRING")

// StringValue is a UTF-8 payload carrying its own write timestamp,
// adapted from the teacher's singleValue (store/redis.go). Adapters
// that snapshot to a byte-oriented store (append log, on-disk file,
// wire transfer to a remote replica) serialize through WriteValue/
// ReadValue rather than a Go-specific encoding.
type StringValue struct {
	Data string
	At   time.Time
}

func NewStringValue(data string, at time.Time) *StringValue {
	return &StringValue{Data: data, At: at}
}

func (v *StringValue) GetValueType() ValueType { return StringValueType }

func (v *StringValue) Serialize(buf *bufio.Writer) error {
	if err := serializer.WriteFieldBytes(buf, []byte(v.Data)); err != nil {
		return err
	}
	return serializer.WriteTime(buf, v.At)
}

func (v *StringValue) Deserialize(buf *bufio.Reader) error {
	data, err := serializer.ReadFieldBytes(buf)
	if err != nil {
		return err
	}
	at, err := serializer.ReadTime(buf)
	if err != nil {
		return err
	}
	v.Data = string(data)
	v.At = at
	return nil
}

func (v *StringValue) Equal(o Value) bool {
	other, ok := o.(*StringValue)
	if !ok {
		return false
	}
	return v.Data == other.Data && v.At.Equal(other.At)
}

// WriteValue tags a Value with its type and writes it to w, mirroring
// the teacher's WriteRedisValue framing (type tag, then payload).
func WriteValue(w io.Writer, v Value) error {
	writer := bufio.NewWriter(w)
	if err := serializer.WriteFieldBytes(writer, []byte(v.GetValueType())); err != nil {
		return err
	}
	if err := v.Serialize(writer); err != nil {
		return err
	}
	return writer.Flush()
}

// ReadValue reads a value previously framed by WriteValue. Callers
// that need a custom ValueType must register it via RegisterValueType
// before calling ReadValue.
func ReadValue(r io.Reader) (Value, ValueType, error) {
	reader := bufio.NewReader(r)
	tag, err := serializer.ReadFieldBytes(reader)
	if err != nil {
		return nil, "", err
	}
	vtype := ValueType(tag)

	var value Value
	switch vtype {
	case StringValueType:
		value = &StringValue{}
	case BytesValueType:
		value = &BytesValue{}
	default:
		if ctor, ok := valueTypeRegistry[vtype]; ok {
			value = ctor()
		} else {
			return nil, "", fmt.Errorf("unrecognized value type: %v", vtype)
		}
	}

	if err := value.Deserialize(reader); err != nil {
		return nil, "", err
	}
	return value, vtype, nil
}

var valueTypeRegistry = map[ValueType]func() Value{}

// RegisterValueType lets an embedder extend ReadValue with an
// application-defined Value implementation.
func RegisterValueType(t ValueType, ctor func() Value) {
	valueTypeRegistry[t] = ctor
}

// EncodeValue is a convenience wrapper returning the framed bytes
// directly, used by durable adapters that snapshot to a byte-oriented
// backing store.
func EncodeValue(v Value) ([]byte, error) {
	buf := &bytes.Buffer{}
	if err := WriteValue(buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeValue is the inverse of EncodeValue.
func DecodeValue(b []byte) (Value, ValueType, error) {
	return ReadValue(bytes.NewReader(b))
}
