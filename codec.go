package msgsock

import (
	"bytes"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// MsgpackCodec encodes messages as MessagePack maps.
// Integers decode as int64 or uint64, floats as float64, nested maps as
// map[string]any and arrays as []any.
type MsgpackCodec struct{}

// Encode implements Codec.
func (MsgpackCodec) Encode(m Message) ([]byte, error) {
	if m == nil {
		m = Message{}
	}

	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.UseCompactInts(true)
	if err := enc.Encode(map[string]any(m)); err != nil {
		return nil, errors.Wrap(err, "msgpack encode")
	}
	return buf.Bytes(), nil
}

// Decode implements Codec.
func (MsgpackCodec) Decode(payload []byte) (Message, error) {
	// Skip walks the structure without allocating and rejects array or map
	// headers that claim more elements than the payload holds.
	if err := msgpack.NewDecoder(bytes.NewReader(payload)).Skip(); err != nil {
		return nil, errors.Wrap(err, "msgpack decode")
	}

	r := bytes.NewReader(payload)
	dec := msgpack.NewDecoder(r)
	dec.UseLooseInterfaceDecoding(true)

	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, errors.Wrap(err, "msgpack decode")
	}
	if r.Len() > 0 {
		return nil, errors.Errorf("msgpack decode: %d trailing bytes", r.Len())
	}
	if m == nil {
		return Message{}, nil
	}
	return Message(m), nil
}

// StructCodec encodes messages as protobuf google.protobuf.Struct values.
// Every number decodes as float64, and an empty message encodes to zero bytes.
type StructCodec struct{}

// Encode implements Codec.
func (StructCodec) Encode(m Message) ([]byte, error) {
	s, err := structpb.NewStruct(plainMap(m))
	if err != nil {
		return nil, errors.Wrap(err, "struct encode")
	}
	data, err := proto.Marshal(s)
	if err != nil {
		return nil, errors.Wrap(err, "struct encode")
	}
	return data, nil
}

// Decode implements Codec.
func (StructCodec) Decode(payload []byte) (Message, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(payload, &s); err != nil {
		return nil, errors.Wrap(err, "struct decode")
	}
	m := s.AsMap()
	if m == nil {
		return Message{}, nil
	}
	return Message(m), nil
}

// plainMap strips the Message type from nested values; structpb only
// understands the unnamed map and slice types.
func plainMap(m Message) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = plainValue(v)
	}
	return out
}

func plainValue(v any) any {
	switch t := v.(type) {
	case Message:
		return plainMap(t)
	case map[string]any:
		return plainMap(Message(t))
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = plainValue(e)
		}
		return out
	case []string:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = e
		}
		return out
	default:
		return v
	}
}
