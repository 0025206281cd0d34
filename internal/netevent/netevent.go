// Package netevent defines the types shared across the service, controller
// and client boundary: connected points, user messages, and the two event
// taxonomies (ServiceEvent internally, NetworkEvent externally).
package netevent

import (
	"github.com/golemfactory/golemnet/internal/framing"
	"github.com/golemfactory/golemnet/internal/multiaddr"
	"github.com/golemfactory/golemnet/internal/peerid"
	"github.com/golemfactory/golemnet/internal/pubkey"
)

// PointKind tags a ConnectedPoint as dialer- or listener-originated.
type PointKind int

const (
	Dialer PointKind = iota
	Listener
)

// ConnectedPoint records who initiated a transport connection, attached to
// every open-peer record and event.
type ConnectedPoint struct {
	Kind PointKind

	// Dialer
	Address multiaddr.Multiaddr

	// Listener
	ListenAddr   multiaddr.Multiaddr
	SendBackAddr multiaddr.Multiaddr
}

func NewDialerPoint(addr multiaddr.Multiaddr) ConnectedPoint {
	return ConnectedPoint{Kind: Dialer, Address: addr}
}

func NewListenerPoint(listenAddr, sendBackAddr multiaddr.Multiaddr) ConnectedPoint {
	return ConnectedPoint{Kind: Listener, ListenAddr: listenAddr, SendBackAddr: sendBackAddr}
}

// ServiceEvent is produced by the service's poll loop, lifted from swarm
// activity, before the controller translates it into a NetworkEvent.
type ServiceEvent struct {
	Kind ServiceEventKind

	Peer           peerid.PeerID
	ConnectedPoint ConnectedPoint
	Version        uint8
	Message        framing.UserMessage
	CloggedSamples []framing.UserMessage
}

type ServiceEventKind int

const (
	OpenedCustomProtocol ServiceEventKind = iota
	ClosedCustomProtocol
	CustomMessage
	Clogged
)

// NetworkEventKind tags the six events of the external taxonomy (spec §4.7).
type NetworkEventKind int

const (
	EventListening NetworkEventKind = iota
	EventTerminated
	EventConnected
	EventDisconnected
	EventMessage
	EventClogged
)

// NetworkEvent is delivered to the client over the lossy, unbounded event
// channel.
type NetworkEvent struct {
	Kind NetworkEventKind

	ListenAddrs []multiaddr.Multiaddr

	Peer           peerid.PeerID
	PublicKey      pubkey.PublicKey
	ConnectedPoint ConnectedPoint
	Message        framing.UserMessage
	CloggedSample  *framing.UserMessage
}

// CloggedForwardCap bounds how many UserMessage samples a single Clogged
// report carries. CustomProto applies it when forwarding a handler's
// Clogged report and the service applies it again when lifting the event;
// the controller does not re-cap (spec §9 open question).
const CloggedForwardCap = 5

// ClientRequestKind tags the five request shapes the dispatcher accepts.
type ClientRequestKind int

const (
	ReqConnect ClientRequestKind = iota
	ReqConnectToPeer
	ReqDisconnectPeer
	ReqSendMessage
	ReqStop
)

// ClientRequest is one value submitted on the bounded request queue.
type ClientRequest struct {
	Kind ClientRequestKind

	Address multiaddr.Multiaddr
	Peer    peerid.PeerID
	Message framing.UserMessage
}
