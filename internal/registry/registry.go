// Package registry implements the peer registry: PeerId -> PublicKey, plus
// a block/unblock policy with TTL (spec §4.2).
package registry

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/golemfactory/golemnet/internal/peerid"
	"github.com/golemfactory/golemnet/internal/pubkey"
)

// blockedState is Timeout(instant) or Indefinite.
type blockedState struct {
	indefinite bool
	until      time.Time
}

func (b blockedState) expired(now time.Time) bool {
	return !b.indefinite && !now.Before(b.until)
}

// Registry is a hash map PeerId -> PublicKey, plus a map PeerId ->
// BlockedState. It is safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	clock   clockwork.Clock
	keys    map[peerid.PeerID]pubkey.PublicKey
	blocked map[peerid.PeerID]blockedState
}

// New builds an empty registry driven by the given clock. Pass
// clockwork.NewRealClock() in production.
func New(clock clockwork.Clock) *Registry {
	return &Registry{
		clock:   clock,
		keys:    make(map[peerid.PeerID]pubkey.PublicKey),
		blocked: make(map[peerid.PeerID]blockedState),
	}
}

// AddKey idempotently inserts or replaces the key on record for peer.
func (r *Registry) AddKey(peer peerid.PeerID, pk pubkey.PublicKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys[peer] = pk
}

// GetKey looks up the key on record for peer.
func (r *Registry) GetKey(peer peerid.PeerID) (pubkey.PublicKey, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pk, ok := r.keys[peer]
	return pk, ok
}

// RemoveKey removes and returns the key on record for peer, if any.
func (r *Registry) RemoveKey(peer peerid.PeerID) (pubkey.PublicKey, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pk, ok := r.keys[peer]
	if ok {
		delete(r.keys, peer)
	}
	return pk, ok
}

// Allowed reports whether peer is not blocked. An expired Timeout entry is
// removed as a side effect of the check.
func (r *Registry) Allowed(peer peerid.PeerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.blocked[peer]
	if !ok {
		return true
	}
	if st.expired(r.clock.Now()) {
		delete(r.blocked, peer)
		return true
	}
	return false
}

// Block sets a Timeout(now+ms) block, or an Indefinite block when ms is nil.
func (r *Registry) Block(peer peerid.PeerID, ttl *time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ttl == nil {
		r.blocked[peer] = blockedState{indefinite: true}
		return
	}
	r.blocked[peer] = blockedState{until: r.clock.Now().Add(*ttl)}
}

// Unblock removes any block on peer, reporting whether one existed.
func (r *Registry) Unblock(peer peerid.PeerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.blocked[peer]
	delete(r.blocked, peer)
	return ok
}
