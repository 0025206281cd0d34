package customproto

import (
	"time"

	"github.com/golemfactory/golemnet/internal/netevent"
)

// Kind enumerates the per-peer states of spec §3's Peer state table. The
// zero value, kindAbsent, is never stored explicitly: absence of an entry in
// the table *is* the Disconnected state.
type Kind int

const (
	kindAbsent Kind = iota
	Requested
	PendingRequest
	Banned
	Disabled
	DisabledPendingEnable
	Enabled
	Poisoned
)

func (k Kind) String() string {
	switch k {
	case kindAbsent:
		return "Disconnected"
	case Requested:
		return "Requested"
	case PendingRequest:
		return "PendingRequest"
	case Banned:
		return "Banned"
	case Disabled:
		return "Disabled"
	case DisabledPendingEnable:
		return "DisabledPendingEnable"
	case Enabled:
		return "Enabled"
	case Poisoned:
		return "Poisoned"
	default:
		return "Unknown"
	}
}

// PeerState is the single entry a peer may have in the table at any time.
// Only the fields relevant to Kind are meaningful; this mirrors the
// teacher's habit of one struct per table row with a handful of optional
// fields rather than a deep interface hierarchy, which would make the
// poll()-driven in-place mutation in customproto.go awkward.
type PeerState struct {
	Kind Kind

	// Banned
	BannedUntil     time.Time
	BannedInitiator bool

	// PendingRequest / DisabledPendingEnable: fires a timer-driven
	// transition when clock.Now() reaches Deadline.
	Deadline time.Time

	// Disabled / DisabledPendingEnable / Enabled
	Point netevent.ConnectedPoint
	Open  bool

	// Disabled / DisabledPendingEnable: carries forward a ban that should
	// apply once the connection actually drops.
	HasBannedUntil bool
	DisabledBanned time.Time
}
