// Package peerid provides the opaque, equality-comparable peer identity
// derived from a peer's long-term public key.
package peerid

import (
	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	libp2ppeer "github.com/libp2p/go-libp2p/core/peer"
)

// PeerID wraps libp2p's peer.ID, a multihash of the peer's public key. Two
// distinct identities never collide within one process lifetime because the
// underlying multihash is collision-resistant.
type PeerID struct {
	id libp2ppeer.ID
}

// FromPublicKey derives a PeerID from a public key, matching the libp2p
// "identity hash of the public key" scheme.
func FromPublicKey(pub libp2pcrypto.PubKey) (PeerID, error) {
	id, err := libp2ppeer.IDFromPublicKey(pub)
	if err != nil {
		return PeerID{}, err
	}
	return PeerID{id: id}, nil
}

// FromString parses the base58 text form produced by String.
func FromString(s string) (PeerID, error) {
	id, err := libp2ppeer.Decode(s)
	if err != nil {
		return PeerID{}, err
	}
	return PeerID{id: id}, nil
}

// String returns the base58 printable form.
func (p PeerID) String() string { return p.id.String() }

// Empty reports whether p is the zero value (no identity).
func (p PeerID) Empty() bool { return p.id == "" }

// Equal reports whether p and other denote the same identity.
func (p PeerID) Equal(other PeerID) bool { return p.id == other.id }

// Raw exposes the underlying libp2p peer.ID for interop with transport code.
func (p PeerID) Raw() libp2ppeer.ID { return p.id }
