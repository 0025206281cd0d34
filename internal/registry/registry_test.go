package registry_test

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/stretchr/testify/require"

	"github.com/golemfactory/golemnet/internal/peerid"
	"github.com/golemfactory/golemnet/internal/pubkey"
	"github.com/golemfactory/golemnet/internal/registry"
)

func newTestPeer(t *testing.T) (peerid.PeerID, pubkey.PublicKey) {
	t.Helper()
	priv, pub, err := libp2pcrypto.GenerateEd25519Key(nil)
	require.NoError(t, err)
	_ = priv
	id, err := peerid.FromPublicKey(pub)
	require.NoError(t, err)
	wrapped, err := pubkey.FromLibp2p(pub)
	require.NoError(t, err)
	return id, wrapped
}

func TestAddGetRemoveKey(t *testing.T) {
	r := registry.New(clockwork.NewFakeClock())
	id, pk := newTestPeer(t)

	_, ok := r.GetKey(id)
	require.False(t, ok)

	r.AddKey(id, pk)
	got, ok := r.GetKey(id)
	require.True(t, ok)
	require.Equal(t, pk.Kind(), got.Kind())

	removed, ok := r.RemoveKey(id)
	require.True(t, ok)
	require.Equal(t, pk.Kind(), removed.Kind())
	_, ok = r.GetKey(id)
	require.False(t, ok)
}

func TestBlockTimeoutExpires(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r := registry.New(clock)
	id, _ := newTestPeer(t)

	ttl := 50 * time.Millisecond
	r.Block(id, &ttl)
	require.False(t, r.Allowed(id))

	clock.Advance(51 * time.Millisecond)
	require.True(t, r.Allowed(id))
	// Allowed() removes the expired entry as a side effect: unblocking
	// afterwards reports no block existed.
	require.False(t, r.Unblock(id))
}

func TestBlockIndefinite(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r := registry.New(clock)
	id, _ := newTestPeer(t)

	r.Block(id, nil)
	clock.Advance(365 * 24 * time.Hour)
	require.False(t, r.Allowed(id))
	require.True(t, r.Unblock(id))
	require.True(t, r.Allowed(id))
}
