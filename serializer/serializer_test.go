package serializer

import (
	"bufio"
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFieldBytesRoundTrip(t *testing.T) {
	buf := &bytes.Buffer{}
	w := bufio.NewWriter(buf)
	require.NoError(t, WriteFieldBytes(w, []byte("hello world")))
	require.NoError(t, w.Flush())

	r := bufio.NewReader(buf)
	got, err := ReadFieldBytes(r)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(got))
}

func TestFieldBytesRoundTripEmpty(t *testing.T) {
	buf := &bytes.Buffer{}
	w := bufio.NewWriter(buf)
	require.NoError(t, WriteFieldBytes(w, []byte{}))
	require.NoError(t, w.Flush())

	r := bufio.NewReader(buf)
	got, err := ReadFieldBytes(r)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestTimeRoundTrip(t *testing.T) {
	buf := &bytes.Buffer{}
	w := bufio.NewWriter(buf)
	ts := time.Now().UTC()
	require.NoError(t, WriteTime(w, ts))
	require.NoError(t, w.Flush())

	r := bufio.NewReader(buf)
	got, err := ReadTime(r)
	require.NoError(t, err)
	assert.True(t, ts.Equal(got))
}

func TestUint32RoundTrip(t *testing.T) {
	buf := &bytes.Buffer{}
	w := bufio.NewWriter(buf)
	require.NoError(t, WriteUint32(w, 123456))
	require.NoError(t, w.Flush())

	r := bufio.NewReader(buf)
	got, err := ReadUint32(r)
	require.NoError(t, err)
	assert.Equal(t, uint32(123456), got)
}
