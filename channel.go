package msgsock

import (
	"encoding/binary"
	"io"
	"math"
	"sync"

	"github.com/pkg/errors"
)

// HeaderSize is the width of the big-endian length prefix that precedes every payload.
const HeaderSize = 4

// ErrMessageTooLarge is returned when a payload exceeds the configured maximum size.
var ErrMessageTooLarge = errors.New("message too large")

// Channel encodes and decodes length-prefixed messages on a byte stream.
//
// A Channel allows one concurrent receiver and any number of concurrent senders;
// sends are serialized so frames never interleave on the wire.
type Channel struct {
	rw         io.ReadWriter
	codec      Codec
	maxPayload int

	wmu    sync.Mutex
	header [HeaderSize]byte
}

// NewChannel returns a Channel over rw. A maxPayload of zero or less selects
// defaultMaxPackageLength.
func NewChannel(rw io.ReadWriter, codec Codec, maxPayload int) *Channel {
	if maxPayload <= 0 {
		maxPayload = defaultMaxPackageLength
	}
	return &Channel{rw: rw, codec: codec, maxPayload: maxPayload}
}

// Send serializes m and writes one frame. It either writes the whole frame or
// returns an error.
func (c *Channel) Send(m Message) error {
	frame, err := c.encode(m)
	if err != nil {
		return err
	}
	return c.write(frame)
}

// encode builds a complete frame for m without touching the stream.
func (c *Channel) encode(m Message) ([]byte, error) {
	payload, err := c.codec.Encode(m)
	if err != nil {
		return nil, err
	}
	if len(payload) > c.maxPayload || uint64(len(payload)) > math.MaxUint32 {
		return nil, errors.Wrapf(ErrMessageTooLarge, "payload of %d bytes", len(payload))
	}

	frame := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[HeaderSize:], payload)
	return frame, nil
}

func (c *Channel) write(frame []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	n, err := c.rw.Write(frame)
	if err == nil && n < len(frame) {
		err = io.ErrShortWrite
	}
	if err != nil {
		return errors.Wrap(err, "write frame")
	}
	return nil
}

// Receive reads one frame and decodes its payload.
//
// It returns io.EOF when the peer closed the stream before a complete header
// arrived; that is orderly closure, not a failure. A stream that ends inside a
// payload returns io.ErrUnexpectedEOF. A payload the codec rejects returns a
// *DecodeError and leaves the stream aligned on the next frame.
func (c *Channel) Receive() (Message, error) {
	m, _, err := c.receive()
	return m, err
}

// receive returns the number of bytes consumed from the stream.
func (c *Channel) receive() (Message, int, error) {
	if _, err := io.ReadFull(c.rw, c.header[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, 0, io.EOF
		}
		return nil, 0, errors.Wrap(err, "read frame header")
	}

	length := binary.BigEndian.Uint32(c.header[:])
	if uint64(length) > uint64(c.maxPayload) {
		return nil, HeaderSize, errors.Wrapf(ErrMessageTooLarge, "frame announces %d bytes", length)
	}
	if length == 0 {
		return Message{}, HeaderSize, nil
	}

	payload := make([]byte, length)
	if n, err := io.ReadFull(c.rw, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, HeaderSize + n, errors.Wrap(err, "read frame payload")
	}

	m, err := c.codec.Decode(payload)
	if err != nil {
		return nil, HeaderSize + int(length), &DecodeError{Length: int(length), Err: err}
	}
	if m == nil {
		m = Message{}
	}
	return m, HeaderSize + int(length), nil
}
