// Package discovery implements the discovery behaviour (spec §4.4): a set
// of user-defined addresses that never expire, plus a periodic random
// identity query against an injected Kademlia-shaped collaborator with
// doubling backoff.
package discovery

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/golemfactory/golemnet/internal/multiaddr"
	"github.com/golemfactory/golemnet/internal/peerid"
)

const (
	initialQueryInterval = time.Second
	maxQueryInterval     = 60 * time.Second
)

// Kademlia is the fixed external contract this behaviour consumes; a real
// Kademlia implementation is out of scope (spec §1).
type Kademlia interface {
	// FindRandomPeer launches a random-identity find-node query.
	FindRandomPeer(ctx context.Context) error
	// AddressesOf returns the subsystem's current knowledge of peer's
	// addresses.
	AddressesOf(peer peerid.PeerID) []multiaddr.Multiaddr
}

type userAddr struct {
	peer peerid.PeerID
	addr multiaddr.Multiaddr
}

// Behaviour tracks user-defined addresses and the random-query timer.
type Behaviour struct {
	kad   Kademlia
	clock clockwork.Clock
	log   *logrus.Entry

	userDefined []userAddr

	nextQueryAt  time.Time
	nextInterval time.Duration
}

// New builds a discovery behaviour whose first query timer fires
// immediately, per spec.
func New(kad Kademlia, clock clockwork.Clock, log *logrus.Entry) *Behaviour {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Behaviour{
		kad:          kad,
		clock:        clock,
		log:          log.WithField("component", "discovery"),
		nextQueryAt:  clock.Now(),
		nextInterval: initialQueryInterval,
	}
}

// AddUserDefined registers a user-defined (peer, address) pair,
// deduplicated. User-defined addresses never expire.
func (b *Behaviour) AddUserDefined(peer peerid.PeerID, addr multiaddr.Multiaddr) {
	for _, ua := range b.userDefined {
		if ua.peer.Equal(peer) && ua.addr.String() == addr.String() {
			return
		}
	}
	b.userDefined = append(b.userDefined, userAddr{peer: peer, addr: addr})
}

// AddressesOf returns the union of user-defined addresses for peer and the
// discovery subsystem's current knowledge.
func (b *Behaviour) AddressesOf(peer peerid.PeerID) []multiaddr.Multiaddr {
	var out []multiaddr.Multiaddr
	for _, ua := range b.userDefined {
		if ua.peer.Equal(peer) {
			out = append(out, ua.addr)
		}
	}
	if b.kad != nil {
		out = append(out, b.kad.AddressesOf(peer)...)
	}
	return out
}

// Poll drains the ready query timer, if any, launching a random-identity
// find-node query and rearming the timer with doubling backoff saturating
// at maxQueryInterval.
func (b *Behaviour) Poll(ctx context.Context) {
	now := b.clock.Now()
	if now.Before(b.nextQueryAt) {
		return
	}
	if b.kad != nil {
		if err := b.kad.FindRandomPeer(ctx); err != nil {
			b.log.WithError(err).Debug("random kademlia query failed")
		}
	}
	b.nextQueryAt = now.Add(b.nextInterval)
	b.nextInterval *= 2
	if b.nextInterval > maxQueryInterval {
		b.nextInterval = maxQueryInterval
	}
}
