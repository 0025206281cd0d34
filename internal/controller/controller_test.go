package controller_test

import (
	"testing"
	"time"

	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/stretchr/testify/require"

	"github.com/golemfactory/golemnet/internal/controller"
	"github.com/golemfactory/golemnet/internal/framing"
	"github.com/golemfactory/golemnet/internal/multiaddr"
	"github.com/golemfactory/golemnet/internal/netevent"
	"github.com/golemfactory/golemnet/internal/service"
)

func newNodeKey(t *testing.T) libp2pcrypto.PrivKey {
	t.Helper()
	priv, _, err := libp2pcrypto.GenerateEd25519Key(nil)
	require.NoError(t, err)
	return priv
}

func startNode(t *testing.T) (*controller.Controller, <-chan netevent.NetworkEvent) {
	t.Helper()
	loopback, err := multiaddr.Parse("/ip4/127.0.0.1/tcp/0")
	require.NoError(t, err)

	cfg := service.Config{
		NodeKey:         newNodeKey(t),
		ListenAddresses: []multiaddr.Multiaddr{loopback},
	}
	c, events, err := controller.New(cfg, []string{"p2p"}, []uint8{1}, nil, nil, nil)
	require.NoError(t, err)
	return c, events
}

// S1: starting with a loopback listen address surfaces a Listening event
// naming a bound address with a non-zero TCP port, and it is the first
// event delivered (spec §8 properties 7, scenario S1).
func TestListeningIsFirstEvent(t *testing.T) {
	c, events := startNode(t)
	defer c.Stop()

	select {
	case ev := <-events:
		require.Equal(t, netevent.EventListening, ev.Kind)
		require.Len(t, ev.ListenAddrs, 1)
		ip, port, err := multiaddr.ToIPPort(ev.ListenAddrs[0])
		require.NoError(t, err)
		require.Equal(t, "127.0.0.1", ip)
		require.NotZero(t, port)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Listening event")
	}
}

// S2/S3: two controllers connect over loopback and exchange one message;
// both sides observe Connected, and the sender's Blob is observed as a
// Message on the receiving side (spec §8 scenarios S2, S3).
func TestConnectAndExchangeMessage(t *testing.T) {
	a, aEvents := startNode(t)
	defer a.Stop()
	b, bEvents := startNode(t)
	defer b.Stop()

	aAddr := requireListening(t, aEvents)
	_ = requireListening(t, bEvents)

	b.Submit(netevent.ClientRequest{Kind: netevent.ReqConnect, Address: aAddr})

	bConnected := requireEventKind(t, bEvents, netevent.EventConnected)
	aConnected := requireEventKind(t, aEvents, netevent.EventConnected)
	require.Equal(t, netevent.Dialer, bConnected.ConnectedPoint.Kind)
	require.Equal(t, netevent.Listener, aConnected.ConnectedPoint.Kind)

	protoID, err := framing.NewProtocolID("p2p")
	require.NoError(t, err)
	msg := framing.UserMessage{ProtocolID: protoID, Payload: []byte{0x01, 0x02}}
	a.Submit(netevent.ClientRequest{Kind: netevent.ReqSendMessage, Peer: aConnected.Peer, Message: msg})

	got := requireEventKind(t, bEvents, netevent.EventMessage)
	require.Equal(t, msg.Payload, got.Message.Payload)
	require.Equal(t, msg.ProtocolID, got.Message.ProtocolID)
}

// S4: DisconnectPeer eventually surfaces Disconnected on both ends.
func TestDisconnectPeer(t *testing.T) {
	a, aEvents := startNode(t)
	defer a.Stop()
	b, bEvents := startNode(t)
	defer b.Stop()

	aAddr := requireListening(t, aEvents)
	_ = requireListening(t, bEvents)

	b.Submit(netevent.ClientRequest{Kind: netevent.ReqConnect, Address: aAddr})
	bConnected := requireEventKind(t, bEvents, netevent.EventConnected)
	_ = requireEventKind(t, aEvents, netevent.EventConnected)

	a.Submit(netevent.ClientRequest{Kind: netevent.ReqDisconnectPeer, Peer: bConnected.Peer})

	requireEventKind(t, aEvents, netevent.EventDisconnected)
	requireEventKind(t, bEvents, netevent.EventDisconnected)
}

// S6: Stop delivers Terminated as the last event.
func TestStopTerminates(t *testing.T) {
	c, events := startNode(t)
	requireListening(t, events)

	c.Submit(netevent.ClientRequest{Kind: netevent.ReqStop})

	select {
	case ev := <-events:
		require.Equal(t, netevent.EventTerminated, ev.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Terminated event")
	}
	c.Wait()
}

func requireListening(t *testing.T, events <-chan netevent.NetworkEvent) multiaddr.Multiaddr {
	t.Helper()
	select {
	case ev := <-events:
		require.Equal(t, netevent.EventListening, ev.Kind)
		require.Len(t, ev.ListenAddrs, 1)
		return ev.ListenAddrs[0]
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Listening event")
		return multiaddr.Multiaddr{}
	}
}

func requireEventKind(t *testing.T, events <-chan netevent.NetworkEvent, kind netevent.NetworkEventKind) netevent.NetworkEvent {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event kind %v", kind)
			return netevent.NetworkEvent{}
		}
	}
}
