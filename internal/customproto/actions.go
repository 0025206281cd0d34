package customproto

import (
	"github.com/golemfactory/golemnet/internal/framing"
	"github.com/golemfactory/golemnet/internal/multiaddr"
	"github.com/golemfactory/golemnet/internal/netevent"
	"github.com/golemfactory/golemnet/internal/peerid"
)

// ActionKind tags the NetworkBehaviourAction variants the state machine
// emits for the service/swarm layer to act on.
type ActionKind int

const (
	ActionDialPeer ActionKind = iota
	ActionDialAddress
	ActionEnable
	ActionDisable
	ActionSendCustomMessage
	ActionGenerateEvent
)

// Action is one queued side effect of a transition, drained by Poll.
type Action struct {
	Kind    ActionKind
	Peer    peerid.PeerID
	Point   netevent.ConnectedPoint
	Address multiaddr.Multiaddr
	Message framing.UserMessage
	Event   ExternalEvent
}

// ExternalEventKind tags the events the state machine surfaces to its
// owner (the behaviour composite / service), which lifts them into
// ServiceEvents.
type ExternalEventKind int

const (
	EventCustomProtocolOpen ExternalEventKind = iota
	EventCustomProtocolClosed
	EventCustomMessage
	EventClogged
)

// ExternalEvent is the payload of ActionGenerateEvent.
type ExternalEvent struct {
	Kind           ExternalEventKind
	Peer           peerid.PeerID
	Point          netevent.ConnectedPoint
	Version        uint8
	Message        framing.UserMessage
	CloggedSamples []framing.UserMessage
}

// HandlerEventKind tags the per-connection handler callbacks inject_node_event
// delivers (spec §4.3 transition table).
type HandlerEventKind int

const (
	HandlerCustomProtocolOpen HandlerEventKind = iota
	HandlerCustomProtocolClosed
	HandlerCustomMessage
	HandlerClogged
	HandlerProtocolError
)

// HandlerEvent is the payload passed to InjectNodeEvent.
type HandlerEvent struct {
	Kind HandlerEventKind

	Version uint8   // CustomProtocolOpen
	Reason  string  // CustomProtocolClosed / log context

	Message  framing.UserMessage   // CustomMessage
	Messages []framing.UserMessage // Clogged

	Severe bool // ProtocolError
}
