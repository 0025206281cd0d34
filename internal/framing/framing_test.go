package framing

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	payloads := [][]byte{
		{},
		{0x01},
		[]byte("a slightly longer payload used across several frames"),
	}
	for _, p := range payloads {
		enc := Encode(p)
		require.Equal(t, 4+len(p), len(enc))

		got, consumed, err := Decode(enc)
		require.NoError(t, err)
		require.Equal(t, len(enc), consumed)
		require.Equal(t, p, got)
	}
}

func TestDecodeIncompletePrefix(t *testing.T) {
	enc := Encode([]byte("hello world"))
	for n := 0; n < len(enc); n++ {
		_, consumed, err := Decode(enc[:n])
		require.ErrorIs(t, err, ErrIncomplete)
		require.Equal(t, 0, consumed)
	}
}

func TestUserMessageRoundTrip(t *testing.T) {
	pid, err := NewProtocolID("p2p")
	require.NoError(t, err)
	m := UserMessage{ProtocolID: pid, Payload: []byte{0x01, 0x02}}

	wire := Encode(EncodeUserMessage(m))
	require.Equal(t, []byte{0x00, 0x00, 0x00, byte(3 + 4 + len(m.Payload))}, wire[:4])

	body, consumed, err := Decode(wire)
	require.NoError(t, err)
	require.Equal(t, len(wire), consumed)

	got, err := DecodeUserMessage(body)
	require.NoError(t, err)
	require.Equal(t, m, got)
}

func TestNewProtocolIDRejectsWrongLength(t *testing.T) {
	_, err := NewProtocolID("toolong")
	require.Error(t, err)
}
