// Package pubkey implements the PublicKey variant over
// {Ed25519, RSA, Secp256k1}, each serializable to bytes.
package pubkey

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
)

// Kind tags which concrete key type a PublicKey holds.
type Kind int

const (
	Ed25519 Kind = iota
	RSA
	Secp256k1
)

func (k Kind) String() string {
	switch k {
	case Ed25519:
		return "Ed25519"
	case RSA:
		return "Rsa"
	case Secp256k1:
		return "Secp256k1"
	default:
		return "Unknown"
	}
}

// PublicKey is a variant over the three supported key schemes.
type PublicKey struct {
	kind  Kind
	inner libp2pcrypto.PubKey
}

// FromLibp2p wraps a libp2p public key, inferring its Kind.
func FromLibp2p(pub libp2pcrypto.PubKey) (PublicKey, error) {
	var k Kind
	switch pub.Type() {
	case libp2pcrypto.Ed25519:
		k = Ed25519
	case libp2pcrypto.RSA:
		k = RSA
	case libp2pcrypto.Secp256k1:
		k = Secp256k1
	default:
		return PublicKey{}, fmt.Errorf("pubkey: unsupported key type %v", pub.Type())
	}
	return PublicKey{kind: k, inner: pub}, nil
}

// Kind reports which variant this key holds.
func (p PublicKey) Kind() Kind { return p.kind }

// Raw returns the underlying libp2p key for handshake/peer-id derivation.
func (p PublicKey) Raw() libp2pcrypto.PubKey { return p.inner }

// Bytes serializes the key using each scheme's canonical encoding. Secp256k1
// is emitted in the spec's uncompressed X||Y form (64 bytes, leading tag
// byte stripped) rather than libp2p's default compressed encoding.
func (p PublicKey) Bytes() ([]byte, error) {
	switch p.kind {
	case Secp256k1:
		raw, err := p.inner.Raw()
		if err != nil {
			return nil, err
		}
		pk, err := btcec.ParsePubKey(raw)
		if err != nil {
			return nil, fmt.Errorf("pubkey: parse secp256k1: %w", err)
		}
		uncompressed := pk.SerializeUncompressed() // 0x04 || X || Y
		return uncompressed[1:], nil
	default:
		return libp2pcrypto.MarshalPublicKey(p.inner)
	}
}

// UnmarshalSecp256k1Uncompressed rebuilds a PublicKey from the spec's 64-byte
// X||Y encoding (the inverse of the Secp256k1 branch of Bytes).
func UnmarshalSecp256k1Uncompressed(xy []byte) (PublicKey, error) {
	if len(xy) != 64 {
		return PublicKey{}, fmt.Errorf("pubkey: secp256k1 uncompressed key must be 64 bytes, got %d", len(xy))
	}
	tagged := make([]byte, 65)
	tagged[0] = 0x04
	copy(tagged[1:], xy)
	pk, err := btcec.ParsePubKey(tagged)
	if err != nil {
		return PublicKey{}, fmt.Errorf("pubkey: parse uncompressed secp256k1: %w", err)
	}
	inner, err := libp2pcrypto.UnmarshalSecp256k1PublicKey(pk.SerializeCompressed())
	if err != nil {
		return PublicKey{}, err
	}
	return PublicKey{kind: Secp256k1, inner: inner}, nil
}
