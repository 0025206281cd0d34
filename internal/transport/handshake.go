// Handshake implements the "identity-bearing handshake yielding PublicKey"
// contract of spec §6. A full Noise implementation is explicitly out of
// scope (spec §1); this exchanges each side's self-describing public key
// over the raw connection so the core has a real PeerID/PublicKey to drive
// the rest of the state machine with end to end.
package transport

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"

	"github.com/golemfactory/golemnet/internal/peerid"
	"github.com/golemfactory/golemnet/internal/pubkey"
)

// UpgradeTimeout bounds the secure handshake and, separately, muxer
// selection, per spec §4.5/§6.
const UpgradeTimeout = 20 * time.Second

// SecureHandshake exchanges local's public key with the remote end of conn
// and returns the remote's derived PeerID and PublicKey. Both sides run the
// same exchange regardless of dial direction.
func SecureHandshake(conn net.Conn, local libp2pcrypto.PrivKey) (peerid.PeerID, pubkey.PublicKey, error) {
	deadline := time.Now().Add(UpgradeTimeout)
	if err := conn.SetDeadline(deadline); err != nil {
		return peerid.PeerID{}, pubkey.PublicKey{}, fmt.Errorf("transport: set handshake deadline: %w", err)
	}
	defer conn.SetDeadline(time.Time{})

	localPub := local.GetPublic()
	localBytes, err := libp2pcrypto.MarshalPublicKey(localPub)
	if err != nil {
		return peerid.PeerID{}, pubkey.PublicKey{}, fmt.Errorf("transport: marshal local public key: %w", err)
	}

	writeErrCh := make(chan error, 1)
	go func() { writeErrCh <- writeFramed(conn, localBytes) }()

	remoteBytes, readErr := readFramed(conn)
	writeErr := <-writeErrCh
	if writeErr != nil {
		return peerid.PeerID{}, pubkey.PublicKey{}, fmt.Errorf("transport: send handshake: %w", writeErr)
	}
	if readErr != nil {
		return peerid.PeerID{}, pubkey.PublicKey{}, fmt.Errorf("transport: receive handshake: %w", readErr)
	}

	remotePub, err := libp2pcrypto.UnmarshalPublicKey(remoteBytes)
	if err != nil {
		return peerid.PeerID{}, pubkey.PublicKey{}, fmt.Errorf("transport: unmarshal remote public key: %w", err)
	}
	remoteID, err := peerid.FromPublicKey(remotePub)
	if err != nil {
		return peerid.PeerID{}, pubkey.PublicKey{}, err
	}
	remoteWrapped, err := pubkey.FromLibp2p(remotePub)
	if err != nil {
		return peerid.PeerID{}, pubkey.PublicKey{}, err
	}
	return remoteID, remoteWrapped, nil
}

func writeFramed(w io.Writer, b []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(b)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readFramed(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
