package msgsock

import "fmt"

// Message is the decoded payload carried by one frame.
// The framing layer never inspects its contents.
type Message map[string]any

// Codec is the interface for message serialization.
// Frames are delimited by the channel before the codec sees them, so
// Decode always receives exactly one complete payload.
type Codec interface {
	// Encode serializes a Message into a frame payload.
	Encode(Message) ([]byte, error)
	// Decode deserializes one frame payload.
	Decode(payload []byte) (Message, error)
}

// Entry is one item handed from a receive loop to the consumer.
// A nil Message is the sentinel meaning the peer's connection has terminated.
type Entry struct {
	Peer    PeerID
	Message Message
}

// Closed reports whether the entry is a disconnect sentinel.
func (e Entry) Closed() bool {
	return e.Message == nil
}

// DecodeError is returned when a correctly framed payload cannot be deserialized.
// It is distinct from transport errors: the stream is still aligned on a frame boundary.
type DecodeError struct {
	Length int
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %d byte payload: %v", e.Length, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
