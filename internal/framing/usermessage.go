package framing

import (
	"encoding/binary"
	"fmt"
)

// ProtocolID is a fixed 3-byte ASCII tag, e.g. "p2p", "dof", "fwd".
type ProtocolID [3]byte

func (p ProtocolID) String() string { return string(p[:]) }

// NewProtocolID validates and wraps a 3-byte protocol tag.
func NewProtocolID(s string) (ProtocolID, error) {
	var p ProtocolID
	if len(s) != 3 {
		return p, fmt.Errorf("framing: protocol id %q must be exactly 3 bytes", s)
	}
	copy(p[:], s)
	return p, nil
}

// UserMessage is the only payload shape carried on an opened custom-protocol
// substream: an opaque blob scoped to a protocol id.
type UserMessage struct {
	ProtocolID ProtocolID
	Payload    []byte
}

// EncodeUserMessage serializes a UserMessage with the structural layout the
// wire format requires: 3-byte protocol id, then a 4-byte big-endian length,
// then the payload bytes. This is the "configured structural serializer
// using big-endian integer ordering" referenced by the wire format section;
// it is intentionally not a general-purpose object serializer.
func EncodeUserMessage(m UserMessage) []byte {
	out := make([]byte, 3+4+len(m.Payload))
	copy(out[:3], m.ProtocolID[:])
	binary.BigEndian.PutUint32(out[3:7], uint32(len(m.Payload)))
	copy(out[7:], m.Payload)
	return out
}

// DecodeUserMessage is the inverse of EncodeUserMessage. It expects the
// entirety of buf to be one serialized UserMessage (callers first strip the
// outer frame with Decode).
func DecodeUserMessage(buf []byte) (UserMessage, error) {
	if len(buf) < 7 {
		return UserMessage{}, &CodecError{Err: fmt.Errorf("user message shorter than header (%d bytes)", len(buf))}
	}
	var m UserMessage
	copy(m.ProtocolID[:], buf[:3])
	n := binary.BigEndian.Uint32(buf[3:7])
	if len(buf[7:]) != int(n) {
		return UserMessage{}, &CodecError{Err: fmt.Errorf("user message length mismatch: header says %d, got %d", n, len(buf[7:]))}
	}
	m.Payload = append([]byte(nil), buf[7:]...)
	return m, nil
}
