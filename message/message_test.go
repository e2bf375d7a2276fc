package message

import (
	"testing"

	"github.com/bdeggleston/gridtx/store"
	"github.com/bdeggleston/gridtx/version"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGobCodecRoundTripsEveryMessageKind(t *testing.T) {
	// L3: marshal(unmarshal(bytes)) == bytes, exercised here as
	// decode(encode(msg)) deep-equals msg for every wire kind.
	codec := NewGobCodec()
	xid := version.Version{Order: 1, NodeOrder: 2, Topology: 3, GlobalTime: 4}

	msgs := []Message{
		&NearTxPrepareRequest{
			header: header{FutureID: 1, MiniID: 0, XID: xid, Topology: 3},
			Writes: []EntryWrite{{Key: store.Key{CacheID: "c", Key: "k"}, Value: []byte("v"), Present: true}},
		},
		&NearTxPrepareResponse{
			header:      header{FutureID: 1, MiniID: 0, XID: xid},
			OwnedValues: map[store.Key]EntryWrite{{CacheID: "c", Key: "k"}: {Value: []byte("v")}},
		},
		&DhtTxPrepareRequest{
			header:      header{FutureID: 1, MiniID: 2, XID: xid},
			DhtWrites:   []EntryWrite{{Key: store.Key{CacheID: "c", Key: "k"}}},
			Last:        true,
			LastBackups: []string{"n2"},
		},
		&DhtTxPrepareResponse{header: header{FutureID: 1, MiniID: 2, XID: xid}, InvalidPartitions: []uint32{4}},
		&NearTxFinishRequest{header: header{FutureID: 1, XID: xid}, Commit: true},
		&NearTxFinishResponse{header: header{FutureID: 1, XID: xid}},
		&DhtTxFinishRequest{header: header{FutureID: 1, XID: xid}, Commit: true},
		&DhtTxFinishResponse{header: header{FutureID: 1, XID: xid}, PartialUpdate: true},
		&CheckPreparedTxRequest{header: header{FutureID: 1, XID: xid}},
		&CheckPreparedTxResponse{header: header{FutureID: 1, XID: xid}, Status: CheckPreparedPrepared},
		&PartitionsSingleRequest{header: header{Topology: 7}, Partitions: []uint32{1, 2, 3}},
	}

	for _, m := range msgs {
		encoded, err := codec.Marshal(m)
		require.NoError(t, err)

		decoded, err := codec.Unmarshal(encoded)
		require.NoError(t, err)
		assert.Equal(t, m, decoded)

		reencoded, err := codec.Marshal(decoded)
		require.NoError(t, err)
		assert.Equal(t, encoded, reencoded, "re-encoding a decoded message must reproduce the same bytes")
	}
}

func TestFutureAndMiniIDEchoedFromHeader(t *testing.T) {
	req := &DhtTxPrepareRequest{header: header{FutureID: 9, MiniID: 4}}
	assert.Equal(t, uint64(9), req.GetFutureID())
	assert.Equal(t, uint64(4), req.GetMiniID())
}

func TestEnvelopeCarriesPoolKind(t *testing.T) {
	env := Envelope{Pool: SystemPool, Msg: &CheckPreparedTxRequest{}}
	assert.Equal(t, SystemPool, env.Pool)
	assert.Equal(t, KindCheckPreparedRequest, env.Msg.Kind())
}
