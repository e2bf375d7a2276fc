package message

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

func init() {
	gob.Register(&NearTxPrepareRequest{})
	gob.Register(&NearTxPrepareResponse{})
	gob.Register(&DhtTxPrepareRequest{})
	gob.Register(&DhtTxPrepareResponse{})
	gob.Register(&NearTxFinishRequest{})
	gob.Register(&NearTxFinishResponse{})
	gob.Register(&DhtTxFinishRequest{})
	gob.Register(&DhtTxFinishResponse{})
	gob.Register(&CheckPreparedTxRequest{})
	gob.Register(&CheckPreparedTxResponse{})
	gob.Register(&PartitionsSingleRequest{})
}

// Codec is the marshal/unmarshal collaborator of spec.md §6. The core
// never marshals bytes itself — this default implementation exists so
// law L3 (round-trip) has something concrete to test against.
type Codec interface {
	Marshal(msg Message) ([]byte, error)
	Unmarshal(data []byte) (Message, error)
}

// GobCodec wraps a Message in an interface-typed envelope so gob can
// recover the concrete type on decode, the way the teacher's
// serializer.WriteFieldBytes/ReadFieldBytes frame a typed payload
// rather than a bare struct.
type GobCodec struct{}

func NewGobCodec() *GobCodec { return &GobCodec{} }

type wireEnvelope struct {
	Kind MessageKind
	Msg  Message
}

func (GobCodec) Marshal(msg Message) ([]byte, error) {
	buf := &bytes.Buffer{}
	enc := gob.NewEncoder(buf)
	if err := enc.Encode(&wireEnvelope{Kind: msg.Kind(), Msg: msg}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (GobCodec) Unmarshal(data []byte) (Message, error) {
	dec := gob.NewDecoder(bytes.NewReader(data))
	var env wireEnvelope
	if err := dec.Decode(&env); err != nil {
		return nil, err
	}
	if env.Msg == nil {
		return nil, fmt.Errorf("message: decoded nil payload for kind %v", env.Kind)
	}
	return env.Msg, nil
}

var _ Codec = GobCodec{}
