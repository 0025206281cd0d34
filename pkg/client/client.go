// Package client is the thin request/event API an embedder links against
// (spec §6 "Client API"): it starts a controller, exposes typed methods for
// the five request shapes, and returns the lossy event channel, hiding the
// ClientRequest/NetworkEvent plumbing the controller deals in.
package client

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/golemfactory/golemnet/internal/behaviour"
	"github.com/golemfactory/golemnet/internal/config"
	"github.com/golemfactory/golemnet/internal/controller"
	"github.com/golemfactory/golemnet/internal/discovery"
	"github.com/golemfactory/golemnet/internal/framing"
	"github.com/golemfactory/golemnet/internal/multiaddr"
	"github.com/golemfactory/golemnet/internal/netevent"
	"github.com/golemfactory/golemnet/internal/peerid"
)

// Event and its Kind constants re-export the controller's external event
// taxonomy so callers of this package never import internal/netevent
// directly.
type Event = netevent.NetworkEvent
type EventKind = netevent.NetworkEventKind

const (
	Listening    = netevent.EventListening
	Terminated   = netevent.EventTerminated
	Connected    = netevent.EventConnected
	Disconnected = netevent.EventDisconnected
	Message      = netevent.EventMessage
	Clogged      = netevent.EventClogged
)

// UserMessage is the opaque, protocol-scoped payload exchanged over an
// opened custom-protocol substream (spec §3 "User message").
type UserMessage = framing.UserMessage

// PeerID is the opaque, base58-printable peer identity (spec §3).
type PeerID = peerid.PeerID

// Options configures a Node beyond what lives in the on-disk config keys:
// the protocol ids to register and the discovery/identify collaborators
// (nil accepts the zero-value behaviour: no random queries, no identify
// metadata).
type Options struct {
	ProtocolIDs []string
	Versions    []uint8
	Discovery   discovery.Kademlia
	Identify    behaviour.Identify
	Log         *logrus.Entry
}

// Node is a running instance of the networking core.
type Node struct {
	ctrl *controller.Controller
}

// Start loads cfg (already populated by config.Load or constructed
// directly) and opts, and returns a running Node plus its event channel.
// The first event delivered is always Listening (spec §8 property 7).
func Start(cfg config.Config, opts Options) (*Node, <-chan Event, error) {
	versions := opts.Versions
	if len(versions) == 0 {
		versions = []uint8{1}
	}
	ctrl, events, err := controller.New(cfg.Service, opts.ProtocolIDs, versions, opts.Discovery, opts.Identify, opts.Log)
	if err != nil {
		return nil, nil, err
	}
	return &Node{ctrl: ctrl}, events, nil
}

// Connect dials addr directly, with no peer identity requested yet (spec
// §6 Connect(multiaddr)).
func (n *Node) Connect(addr multiaddr.Multiaddr) {
	n.ctrl.Submit(netevent.ClientRequest{Kind: netevent.ReqConnect, Address: addr})
}

// ConnectToPeer requests a connection to peer, resolved through discovery
// and user-defined addresses (spec §6 ConnectToPeer(peer_id)).
func (n *Node) ConnectToPeer(peer PeerID) {
	n.ctrl.Submit(netevent.ClientRequest{Kind: netevent.ReqConnectToPeer, Peer: peer})
}

// DisconnectPeer disables peer's protocol handlers without forbidding a
// future reconnect (spec §6 DisconnectPeer(peer_id)).
func (n *Node) DisconnectPeer(peer PeerID) {
	n.ctrl.Submit(netevent.ClientRequest{Kind: netevent.ReqDisconnectPeer, Peer: peer})
}

// SendMessage enqueues delivery of msg to peer (spec §6
// SendMessage(peer_id, UserMessage)). If the peer's protocol substream is
// not open the message is dropped with a logged warning; no event reports
// the drop.
func (n *Node) SendMessage(peer PeerID, msg UserMessage) {
	n.ctrl.Submit(netevent.ClientRequest{Kind: netevent.ReqSendMessage, Peer: peer, Message: msg})
}

// Stop requests shutdown; Terminated is the last event delivered on the
// node's event channel (spec §6 Stop, §8 scenario S6).
func (n *Node) Stop() {
	n.ctrl.Submit(netevent.ClientRequest{Kind: netevent.ReqStop})
}

// Close is Stop followed by a wait for the dispatcher to fully exit,
// convenient for deferred cleanup in embedders that don't otherwise drain
// the event channel to Terminated.
func (n *Node) Close(_ context.Context) error {
	n.ctrl.Stop()
	n.ctrl.Wait()
	return nil
}
