// Package serializer holds the common length-prefixed binary encoding
// helpers shared by the store adapters and the message codec. Grounded
// on the teacher's serializer/serializer.go, extended with the
// time.Time helpers its Redis adapter already assumed existed.
package serializer

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"time"
)

// WriteFieldBytes writes the field length, then the field, to the
// writer.
func WriteFieldBytes(buf *bufio.Writer, bytes []byte) error {
	size := uint32(len(bytes))
	if err := binary.Write(buf, binary.LittleEndian, &size); err != nil {
		return err
	}
	n, err := buf.Write(bytes)
	if err != nil {
		return err
	}
	if uint32(n) != size {
		return fmt.Errorf("unexpected num bytes written. Expected %v, got %v", size, n)
	}
	return nil
}

// ReadFieldBytes reads a length-prefixed field.
func ReadFieldBytes(buf *bufio.Reader) ([]byte, error) {
	var size uint32
	if err := binary.Read(buf, binary.LittleEndian, &size); err != nil {
		return nil, err
	}

	bytes := make([]byte, size)
	if size > 0 {
		if _, err := readFull(buf, bytes); err != nil {
			return nil, err
		}
	}
	return bytes, nil
}

func readFull(buf *bufio.Reader, dst []byte) (int, error) {
	read := 0
	for read < len(dst) {
		n, err := buf.Read(dst[read:])
		read += n
		if err != nil {
			return read, err
		}
		if n == 0 {
			return read, fmt.Errorf("short read")
		}
	}
	return read, nil
}

// WriteTime writes a time.Time as its UnixNano representation.
func WriteTime(buf *bufio.Writer, t time.Time) error {
	nanos := t.UnixNano()
	return binary.Write(buf, binary.LittleEndian, &nanos)
}

// ReadTime reads a time.Time previously written with WriteTime.
func ReadTime(buf *bufio.Reader) (time.Time, error) {
	var nanos int64
	if err := binary.Read(buf, binary.LittleEndian, &nanos); err != nil {
		return time.Time{}, err
	}
	if nanos == 0 {
		return time.Time{}, nil
	}
	return time.Unix(0, nanos).UTC(), nil
}

// WriteUint32 writes a uint32 field.
func WriteUint32(buf *bufio.Writer, v uint32) error {
	return binary.Write(buf, binary.LittleEndian, &v)
}

// ReadUint32 reads a uint32 field.
func ReadUint32(buf *bufio.Reader) (uint32, error) {
	var v uint32
	err := binary.Read(buf, binary.LittleEndian, &v)
	return v, err
}

// WriteUint64 writes a uint64 field.
func WriteUint64(buf *bufio.Writer, v uint64) error {
	return binary.Write(buf, binary.LittleEndian, &v)
}

// ReadUint64 reads a uint64 field.
func ReadUint64(buf *bufio.Reader) (uint64, error) {
	var v uint64
	err := binary.Read(buf, binary.LittleEndian, &v)
	return v, err
}
