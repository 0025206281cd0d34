package customproto_test

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/stretchr/testify/require"

	"github.com/golemfactory/golemnet/internal/customproto"
	"github.com/golemfactory/golemnet/internal/framing"
	"github.com/golemfactory/golemnet/internal/multiaddr"
	"github.com/golemfactory/golemnet/internal/netevent"
	"github.com/golemfactory/golemnet/internal/peerid"
)

func newPeer(t *testing.T) peerid.PeerID {
	t.Helper()
	_, pub, err := libp2pcrypto.GenerateEd25519Key(nil)
	require.NoError(t, err)
	id, err := peerid.FromPublicKey(pub)
	require.NoError(t, err)
	return id
}

func newProto(t *testing.T, clock clockwork.Clock) *customproto.CustomProto {
	t.Helper()
	pid, err := framing.NewProtocolID("p2p")
	require.NoError(t, err)
	return customproto.New(pid, []uint8{1}, clock, nil)
}

func drain(c *customproto.CustomProto) []customproto.Action {
	var out []customproto.Action
	for {
		a, ok := c.Poll()
		if !ok {
			return out
		}
		out = append(out, a)
	}
}

func TestConnectToPeerAbsentDials(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := newProto(t, clock)
	p := newPeer(t)

	c.ConnectToPeer(p)
	actions := drain(c)
	require.Len(t, actions, 1)
	require.Equal(t, customproto.ActionDialPeer, actions[0].Kind)
	require.True(t, actions[0].Peer.Equal(p))
}

func TestDialFailureBansThenExpires(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := newProto(t, clock)
	p := newPeer(t)

	c.ConnectToPeer(p)
	drain(c)
	c.InjectDialFailure(p)

	// Property 4: ban honoured — no DialPeer emitted while banned.
	c.ConnectToPeer(p)
	actions := drain(c)
	require.Empty(t, actions)

	clock.Advance(customproto.Ban + time.Millisecond)
	actions = drain(c) // timer-driven PendingRequest -> Requested
	require.Len(t, actions, 1)
	require.Equal(t, customproto.ActionDialPeer, actions[0].Kind)
}

func TestInboundWinsOverBan(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := newProto(t, clock)
	p := newPeer(t)

	c.ConnectToPeer(p)
	drain(c)
	c.InjectDialFailure(p)
	require.False(t, c.IsEnabled(p))

	addr, err := multiaddr.Parse("/ip4/127.0.0.1/tcp/4001")
	require.NoError(t, err)
	point := netevent.NewListenerPoint(addr, addr)
	c.InjectConnected(p, point)

	actions := drain(c)
	require.Len(t, actions, 1)
	require.Equal(t, customproto.ActionEnable, actions[0].Kind)
	require.True(t, c.IsEnabled(p))
}

func TestOpenCloseLifecycle(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := newProto(t, clock)
	p := newPeer(t)
	addr, _ := multiaddr.Parse("/ip4/127.0.0.1/tcp/4001")
	point := netevent.NewDialerPoint(addr)

	c.ConnectToPeer(p)
	drain(c)
	c.InjectConnected(p, point)
	drain(c)
	require.False(t, c.IsOpen(p))

	c.InjectNodeEvent(p, customproto.HandlerEvent{Kind: customproto.HandlerCustomProtocolOpen, Version: 1})
	actions := drain(c)
	require.Len(t, actions, 1)
	require.Equal(t, customproto.ActionGenerateEvent, actions[0].Kind)
	require.Equal(t, customproto.EventCustomProtocolOpen, actions[0].Event.Kind)
	require.True(t, c.IsOpen(p))

	msg := framing.UserMessage{Payload: []byte("hi")}
	c.SendMessage(p, msg)
	actions = drain(c)
	require.Len(t, actions, 1)
	require.Equal(t, customproto.ActionSendCustomMessage, actions[0].Kind)

	c.InjectNodeEvent(p, customproto.HandlerEvent{Kind: customproto.HandlerCustomProtocolClosed})
	actions = drain(c)
	require.Len(t, actions, 2)
	require.Equal(t, customproto.ActionDisable, actions[0].Kind)
	require.Equal(t, customproto.EventCustomProtocolClosed, actions[1].Event.Kind)
	require.False(t, c.IsOpen(p))
	require.False(t, c.IsEnabled(p))
}

func TestCloggedCapsAtFive(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := newProto(t, clock)
	p := newPeer(t)
	addr, _ := multiaddr.Parse("/ip4/127.0.0.1/tcp/4001")
	c.ConnectToPeer(p)
	drain(c)
	c.InjectConnected(p, netevent.NewDialerPoint(addr))
	drain(c)
	c.InjectNodeEvent(p, customproto.HandlerEvent{Kind: customproto.HandlerCustomProtocolOpen, Version: 1})
	drain(c)

	var msgs []framing.UserMessage
	for i := 0; i < 9; i++ {
		msgs = append(msgs, framing.UserMessage{Payload: []byte{byte(i)}})
	}
	c.InjectNodeEvent(p, customproto.HandlerEvent{Kind: customproto.HandlerClogged, Messages: msgs})
	actions := drain(c)
	require.Len(t, actions, 1)
	require.Len(t, actions[0].Event.CloggedSamples, netevent.CloggedForwardCap)
}

func TestSevereProtocolErrorDisconnectsAndBans(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := newProto(t, clock)
	p := newPeer(t)
	addr, _ := multiaddr.Parse("/ip4/127.0.0.1/tcp/4001")
	c.ConnectToPeer(p)
	drain(c)
	c.InjectConnected(p, netevent.NewDialerPoint(addr))
	drain(c)
	c.InjectNodeEvent(p, customproto.HandlerEvent{Kind: customproto.HandlerCustomProtocolOpen, Version: 1})
	drain(c)

	c.InjectNodeEvent(p, customproto.HandlerEvent{Kind: customproto.HandlerProtocolError, Severe: true})
	actions := drain(c)
	require.Len(t, actions, 1)
	require.Equal(t, customproto.ActionDisable, actions[0].Kind)
	require.False(t, c.IsEnabled(p))

	// Once the connection drops, the still-open substream is reported
	// closed, and the carried ban promotes to Banned and inhibits a
	// reconnect attempt until it expires.
	c.InjectDisconnected(p)
	actions = drain(c)
	require.Len(t, actions, 1)
	require.Equal(t, customproto.EventCustomProtocolClosed, actions[0].Event.Kind)

	c.ConnectToPeer(p)
	require.Empty(t, drain(c))

	clock.Advance(customproto.Ban + time.Millisecond)
	actions = drain(c)
	require.Len(t, actions, 1)
	require.Equal(t, customproto.ActionDialPeer, actions[0].Kind)
}

func TestSendMessageDropsWhenNotOpen(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := newProto(t, clock)
	p := newPeer(t)
	c.SendMessage(p, framing.UserMessage{Payload: []byte("x")})
	require.Empty(t, drain(c))
}

func TestDisconnectPeerDuringPendingRequestCarriesDeadlineForward(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := newProto(t, clock)
	p := newPeer(t)

	c.ConnectToPeer(p)
	drain(c)
	c.InjectDialFailure(p)

	// connect_to_peer against the live Banned entry demotes it to
	// PendingRequest, carrying the original deadline.
	c.ConnectToPeer(p)
	require.Empty(t, drain(c))

	// disconnect_peer against PendingRequest must re-promote to Banned
	// without discarding that deadline.
	c.DisconnectPeer(p)
	require.Empty(t, drain(c))

	c.ConnectToPeer(p)
	require.Empty(t, drain(c))

	clock.Advance(customproto.Ban + time.Millisecond)
	actions := drain(c)
	require.Len(t, actions, 1)
	require.Equal(t, customproto.ActionDialPeer, actions[0].Kind)
}

func TestDisconnectPeerDuringDisabledPendingEnableCarriesDeadlineForward(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := newProto(t, clock)
	p := newPeer(t)
	addr, err := multiaddr.Parse("/ip4/127.0.0.1/tcp/4001")
	require.NoError(t, err)

	c.ConnectToPeer(p)
	drain(c)
	c.InjectConnected(p, netevent.NewDialerPoint(addr))
	drain(c)
	c.InjectNodeEvent(p, customproto.HandlerEvent{Kind: customproto.HandlerCustomProtocolOpen, Version: 1})
	drain(c)

	c.InjectNodeEvent(p, customproto.HandlerEvent{Kind: customproto.HandlerProtocolError, Severe: true})
	drain(c)

	// connect_to_peer against the live Disabled+banned entry demotes it to
	// DisabledPendingEnable, carrying the ban deadline.
	c.ConnectToPeer(p)
	require.Empty(t, drain(c))

	// disconnect_peer against DisabledPendingEnable must re-promote to
	// Disabled+banned without discarding that deadline.
	c.DisconnectPeer(p)
	require.Empty(t, drain(c))

	c.ConnectToPeer(p)
	require.Empty(t, drain(c))

	clock.Advance(customproto.Ban + time.Millisecond)
	actions := drain(c)
	require.Len(t, actions, 1)
	require.Equal(t, customproto.ActionEnable, actions[0].Kind)
}
