// Package framing implements the length-prefixed wire codec shared by every
// custom-protocol substream: a 4-byte big-endian length header followed by
// the opaque payload.
package framing

import (
	"encoding/binary"
	"fmt"
)

const headerLen = 4

// ErrIncomplete is returned by Decode when buf does not yet hold a full
// frame. Callers should buffer more bytes and retry; no bytes are consumed.
var ErrIncomplete = fmt.Errorf("framing: incomplete frame")

// CodecError wraps a failure to deserialize a frame's payload.
type CodecError struct {
	Err error
}

func (e *CodecError) Error() string { return fmt.Sprintf("framing: codec error: %v", e.Err) }
func (e *CodecError) Unwrap() error { return e.Err }

// Encode prepends a 4-byte big-endian length to payload, yielding len||payload.
func Encode(payload []byte) []byte {
	out := make([]byte, headerLen+len(payload))
	binary.BigEndian.PutUint32(out, uint32(len(payload)))
	copy(out[headerLen:], payload)
	return out
}

// Decode reads one frame from the front of buf. On success it returns the
// frame's payload and the number of bytes consumed from buf (header + body).
// If buf does not yet contain a complete frame, it returns ErrIncomplete and
// consumes nothing.
func Decode(buf []byte) (payload []byte, consumed int, err error) {
	if len(buf) < headerLen {
		return nil, 0, ErrIncomplete
	}
	n := binary.BigEndian.Uint32(buf)
	total := headerLen + int(n)
	if len(buf) < total {
		return nil, 0, ErrIncomplete
	}
	payload = make([]byte, n)
	copy(payload, buf[headerLen:total])
	return payload, total, nil
}
