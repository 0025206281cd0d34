// Package behaviour fans events from discovery, identify, and one-or-more
// custom-protocol state machines into a single stream (spec §4.5, §9).
package behaviour

import (
	"context"

	"github.com/golemfactory/golemnet/internal/customproto"
	"github.com/golemfactory/golemnet/internal/discovery"
	"github.com/golemfactory/golemnet/internal/framing"
	"github.com/golemfactory/golemnet/internal/multiaddr"
	"github.com/golemfactory/golemnet/internal/netevent"
	"github.com/golemfactory/golemnet/internal/peerid"
)

// Identify is the fixed external contract for the identify/ping
// collaborator the spec excludes from the core (spec §1). The composite
// stores it but does not call any of its methods.
type Identify interface {
	AgentVersion(peer peerid.PeerID) string
	SupportedProtocols(peer peerid.PeerID) []framing.ProtocolID
}

// Composite is the mechanical fan-out over N CustomProto instances (one per
// registered protocol id) plus discovery and identify. send_message
// dispatches by matching the message's protocol id against each inner
// CustomProto.ProtocolID(); disconnect_peer carries no protocol id and is
// applied to every inner CustomProto; everything else is a union/extend
// across inner behaviours.
type Composite struct {
	protocols []*customproto.CustomProto
	discovery *discovery.Behaviour
	identify  Identify
}

// New builds a composite over the given protocol instances.
func New(discovery *discovery.Behaviour, identify Identify, protocols ...*customproto.CustomProto) *Composite {
	return &Composite{protocols: protocols, discovery: discovery, identify: identify}
}

// ProtocolIDs returns every protocol id registered across all inner
// CustomProto instances.
func (c *Composite) ProtocolIDs() []framing.ProtocolID {
	out := make([]framing.ProtocolID, 0, len(c.protocols))
	for _, p := range c.protocols {
		out = append(out, p.ProtocolID())
	}
	return out
}

func (c *Composite) find(id framing.ProtocolID) (*customproto.CustomProto, bool) {
	for _, p := range c.protocols {
		if p.ProtocolID() == id {
			return p, true
		}
	}
	return nil, false
}

// SendMessage dispatches msg to the CustomProto owning msg.ProtocolID.
func (c *Composite) SendMessage(peer peerid.PeerID, msg framing.UserMessage) {
	p, ok := c.find(msg.ProtocolID)
	if !ok {
		return
	}
	p.SendMessage(peer, msg)
}

// DisconnectPeer disconnects peer on every inner CustomProto it is present
// in.
func (c *Composite) DisconnectPeer(peer peerid.PeerID) {
	for _, p := range c.protocols {
		p.DisconnectPeer(peer)
	}
}

// ConnectToPeer requests a connection to peer on every inner CustomProto.
func (c *Composite) ConnectToPeer(peer peerid.PeerID) {
	for _, p := range c.protocols {
		p.ConnectToPeer(peer)
	}
}

// InjectConnected fans a transport connection event to every inner
// CustomProto.
func (c *Composite) InjectConnected(peer peerid.PeerID, point netevent.ConnectedPoint) {
	for _, p := range c.protocols {
		p.InjectConnected(peer, point)
	}
}

// InjectDisconnected fans a transport disconnection event to every inner
// CustomProto.
func (c *Composite) InjectDisconnected(peer peerid.PeerID) {
	for _, p := range c.protocols {
		p.InjectDisconnected(peer)
	}
}

// InjectDialFailure fans a failed outbound dial to every inner CustomProto.
func (c *Composite) InjectDialFailure(peer peerid.PeerID) {
	for _, p := range c.protocols {
		p.InjectDialFailure(peer)
	}
}

// InjectNodeEvent routes a per-connection handler event to the CustomProto
// owning id.
func (c *Composite) InjectNodeEvent(id framing.ProtocolID, peer peerid.PeerID, ev customproto.HandlerEvent) {
	p, ok := c.find(id)
	if !ok {
		return
	}
	p.InjectNodeEvent(peer, ev)
}

// PreferredVersion returns the highest wire version CustomProto id accepts,
// used to fill in HandlerEvent.Version when simulating a successful open.
func (c *Composite) PreferredVersion(id framing.ProtocolID) uint8 {
	p, ok := c.find(id)
	if !ok {
		return 0
	}
	var best uint8
	for _, v := range p.Versions() {
		if v > best {
			best = v
		}
	}
	return best
}

// AddressesOf unions discovery's knowledge for peer.
func (c *Composite) AddressesOf(peer peerid.PeerID) []multiaddr.Multiaddr {
	if c.discovery == nil {
		return nil
	}
	return c.discovery.AddressesOf(peer)
}

// PollDiscovery drives the discovery behaviour's timer once.
func (c *Composite) PollDiscovery(ctx context.Context) {
	if c.discovery != nil {
		c.discovery.Poll(ctx)
	}
}

// PollProtocols drains exactly one queued action across the inner
// CustomProto instances. It scans them in registration order on every call
// and returns the first queued action it finds, so an earlier protocol's
// actions are always drained before a later one's.
func (c *Composite) PollProtocols() (framing.ProtocolID, customproto.Action, bool) {
	for _, p := range c.protocols {
		if a, ok := p.Poll(); ok {
			return p.ProtocolID(), a, true
		}
	}
	return framing.ProtocolID{}, customproto.Action{}, false
}
