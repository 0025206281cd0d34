// Package service owns the swarm, listen addresses, bandwidth meter, and
// peer registry (spec §4.5). It drives the behaviour composite and the
// transport layer, lifting swarm activity into ServiceEvents.
package service

import (
	"context"
	"fmt"
	"net"
	"sync"

	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/sirupsen/logrus"

	"github.com/golemfactory/golemnet/internal/behaviour"
	"github.com/golemfactory/golemnet/internal/customproto"
	"github.com/golemfactory/golemnet/internal/framing"
	"github.com/golemfactory/golemnet/internal/multiaddr"
	"github.com/golemfactory/golemnet/internal/netevent"
	"github.com/golemfactory/golemnet/internal/peerid"
	"github.com/golemfactory/golemnet/internal/pubkey"
	"github.com/golemfactory/golemnet/internal/registry"
	"github.com/golemfactory/golemnet/internal/transport"
)

// Config mirrors the recognized configuration keys of spec §6.
type Config struct {
	NodeKey          libp2pcrypto.PrivKey
	ListenAddresses  []multiaddr.Multiaddr
	PublicAddresses  []multiaddr.Multiaddr
	BootNodes        []multiaddr.Multiaddr
	ReservedNodes    []multiaddr.Multiaddr
	NonReservedDeny  bool
	InPeers          int
	OutPeers         int
	EnableMDNS       bool
	ClientVersion    string
	NodeName         string
}

// peerConn tracks one live transport connection: its muxer session, the
// point it was established through, and a per-protocol substream.
type peerConn struct {
	point   netevent.ConnectedPoint
	mux     transport.Session
	streams map[framing.ProtocolID]net.Conn
}

// Service owns the swarm: the local identity, listen addresses, registry,
// bandwidth meter, and the behaviour composite that drives per-peer state.
type Service struct {
	cfg       Config
	localID   peerid.PeerID
	behaviour *behaviour.Composite
	registry  *registry.Registry
	meter     *transport.Meter
	log       *logrus.Entry

	listeners   []net.Listener
	boundAddrs  []multiaddr.Multiaddr

	mu    sync.Mutex
	conns map[peerid.PeerID]*peerConn

	events chan netevent.ServiceEvent
	quit   chan struct{}
}

// Start validates the key material, derives the local peer id, binds every
// listen address (failing if none succeed), and returns the running
// service along with the addresses it bound.
func Start(cfg Config, comp *behaviour.Composite, reg *registry.Registry, log *logrus.Entry) (*Service, []multiaddr.Multiaddr, error) {
	if cfg.NodeKey == nil {
		return nil, nil, fmt.Errorf("service: node_key must be set")
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	localID, err := peerid.FromPublicKey(cfg.NodeKey.GetPublic())
	if err != nil {
		return nil, nil, fmt.Errorf("service: derive local peer id: %w", err)
	}

	s := &Service{
		cfg:       cfg,
		localID:   localID,
		behaviour: comp,
		registry:  reg,
		meter:     transport.NewMeter(),
		log:       log.WithField("component", "service"),
		conns:     make(map[peerid.PeerID]*peerConn),
		events:    make(chan netevent.ServiceEvent, 256),
		quit:      make(chan struct{}),
	}

	for _, addr := range cfg.ListenAddresses {
		ln, bound, err := transport.Listen(addr)
		if err != nil {
			s.log.WithError(err).WithField("addr", addr).Warn("failed to bind listen address")
			continue
		}
		s.listeners = append(s.listeners, ln)
		s.boundAddrs = append(s.boundAddrs, bound)
		go s.acceptLoop(ln)
	}
	if len(cfg.ListenAddresses) > 0 && len(s.listeners) == 0 {
		return nil, nil, fmt.Errorf("service: AddrNotAvailable: no listen address could be bound")
	}

	s.boundAddrs = append(s.boundAddrs, cfg.PublicAddresses...)

	return s, s.boundAddrs, nil
}

// LocalID returns the locally-derived peer identity.
func (s *Service) LocalID() peerid.PeerID { return s.localID }

// Meter exposes the service's bandwidth counters.
func (s *Service) Meter() *transport.Meter { return s.meter }

func (s *Service) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
				s.log.WithError(err).Warn("accept failed")
				return
			}
		}
		go s.handleInbound(conn, ln.Addr())
	}
}

func (s *Service) handleInbound(conn net.Conn, listenAddr net.Addr) {
	remoteID, pk, err := transport.SecureHandshake(conn, s.cfg.NodeKey)
	if err != nil {
		s.log.WithError(err).Debug("inbound handshake failed")
		conn.Close()
		return
	}
	mux, err := transport.SelectMuxer(conn, false)
	if err != nil {
		s.log.WithError(err).Debug("inbound muxer negotiation failed")
		conn.Close()
		return
	}
	s.registry.AddKey(remoteID, pk)

	listenMA, _ := multiaddr.FromIPPort(tcpIP(listenAddr), tcpPort(listenAddr), false)
	sendBackMA, _ := multiaddr.FromIPPort(tcpIP(conn.RemoteAddr()), tcpPort(conn.RemoteAddr()), false)
	point := netevent.NewListenerPoint(listenMA, sendBackMA)

	s.registerConn(remoteID, point, mux)
	s.behaviour.InjectConnected(remoteID, point)
	go s.acceptSubstreams(remoteID, mux)
}

// Connect dials addr directly (spec's Connect(multiaddr), no identity
// requested yet).
func (s *Service) Connect(ctx context.Context, addr multiaddr.Multiaddr) error {
	conn, err := transport.Dial(ctx, addr)
	if err != nil {
		return err
	}
	remoteID, pk, err := transport.SecureHandshake(conn, s.cfg.NodeKey)
	if err != nil {
		conn.Close()
		return err
	}
	mux, err := transport.SelectMuxer(conn, true)
	if err != nil {
		conn.Close()
		return err
	}
	s.registry.AddKey(remoteID, pk)
	point := netevent.NewDialerPoint(addr)
	s.registerConn(remoteID, point, mux)
	s.behaviour.InjectConnected(remoteID, point)
	go s.acceptSubstreams(remoteID, mux)
	return nil
}

// ConnectToPeer hands the request to the behaviour composite's
// connect_to_peer. It does not dial itself: the actual connection attempt
// is driven by the queued DialPeer action, which DrainBehaviourActions
// executes through dialPeer.
func (s *Service) ConnectToPeer(peer peerid.PeerID) {
	s.behaviour.ConnectToPeer(peer)
}

// DisconnectPeer disables peer's protocol handlers without closing the
// underlying transport connection immediately.
func (s *Service) DisconnectPeer(peer peerid.PeerID) {
	s.behaviour.DisconnectPeer(peer)
}

// SendMessage enqueues delivery of msg to peer.
func (s *Service) SendMessage(peer peerid.PeerID, msg framing.UserMessage) {
	s.behaviour.SendMessage(peer, msg)
}

// PollTimers drives the behaviour composite's discovery timer once; the
// per-protocol ban/enable deadline timers are driven implicitly, inside
// CustomProto.Poll, whenever DrainBehaviourActions next runs (spec §4.4,
// §4.3).
func (s *Service) PollTimers(ctx context.Context) {
	s.behaviour.PollDiscovery(ctx)
}

// DrainBehaviourActions executes every action currently queued by the
// behaviour composite's inner CustomProto instances (spec §4.3's
// NetworkBehaviourAction outputs: DialPeer, DialAddress, Enable, Disable,
// SendCustomMessage, GenerateEvent). It runs to quiescence: each dispatcher
// tick calls this once after polling the swarm and timers, matching the
// "state-machine methods never suspend, actions are enqueued for the next
// poll" contract of spec §5.
func (s *Service) DrainBehaviourActions() {
	for {
		protoID, action, ok := s.behaviour.PollProtocols()
		if !ok {
			return
		}
		s.applyAction(protoID, action)
	}
}

func (s *Service) applyAction(protoID framing.ProtocolID, action customproto.Action) {
	switch action.Kind {
	case customproto.ActionDialAddress:
		go s.dialAddress(action.Address)
	case customproto.ActionDialPeer:
		go s.dialPeer(action.Peer)
	case customproto.ActionEnable:
		go s.openProtocolStream(protoID, action.Peer)
	case customproto.ActionDisable:
		s.closeProtocolStream(protoID, action.Peer)
	case customproto.ActionSendCustomMessage:
		go s.writeProtocolMessage(protoID, action.Peer, action.Message)
	case customproto.ActionGenerateEvent:
		s.EmitCustomProtoAction(action)
	}
}

func (s *Service) dialAddress(addr multiaddr.Multiaddr) {
	if err := s.Connect(context.Background(), addr); err != nil {
		s.log.WithError(err).WithField("addr", addr).Warn("dial address failed")
	}
}

// dialPeer resolves peer's known addresses through the behaviour composite
// (discovery plus user-defined) and dials the first reachable one. Success
// is reconciled by calling InjectConnected here, as Connect does; failure
// reports inject_dial_failure so the state machine applies its 5s ban
// (spec §4.3, §8 property 4).
func (s *Service) dialPeer(peer peerid.PeerID) {
	addrs := s.behaviour.AddressesOf(peer)
	if len(addrs) == 0 {
		s.behaviour.InjectDialFailure(peer)
		return
	}
	for _, addr := range addrs {
		conn, err := transport.Dial(context.Background(), addr)
		if err != nil {
			continue
		}
		remoteID, pk, err := transport.SecureHandshake(conn, s.cfg.NodeKey)
		if err != nil || remoteID != peer {
			conn.Close()
			continue
		}
		mux, err := transport.SelectMuxer(conn, true)
		if err != nil {
			conn.Close()
			continue
		}
		s.registry.AddKey(remoteID, pk)
		point := netevent.NewDialerPoint(addr)
		s.registerConn(remoteID, point, mux)
		s.behaviour.InjectConnected(remoteID, point)
		go s.acceptSubstreams(remoteID, mux)
		return
	}
	s.behaviour.InjectDialFailure(peer)
}

// openProtocolStream opens the outbound substream for protoID once the
// state machine has emitted Enable, then synthesizes the handler's
// CustomProtocolOpen callback the way a real protocol handler would upon
// successfully negotiating the substream.
func (s *Service) openProtocolStream(protoID framing.ProtocolID, peer peerid.PeerID) {
	s.mu.Lock()
	c, ok := s.conns[peer]
	s.mu.Unlock()
	if !ok {
		return
	}
	stream, err := c.mux.OpenStream()
	if err != nil {
		s.log.WithError(err).WithField("peer", peer).Warn("failed to open protocol substream")
		return
	}
	s.mu.Lock()
	c.streams[protoID] = s.meter.Wrap(stream)
	s.mu.Unlock()

	version := s.behaviour.PreferredVersion(protoID)
	s.behaviour.InjectNodeEvent(protoID, peer, customproto.HandlerEvent{Kind: customproto.HandlerCustomProtocolOpen, Version: version})
}

func (s *Service) closeProtocolStream(protoID framing.ProtocolID, peer peerid.PeerID) {
	s.mu.Lock()
	c, ok := s.conns[peer]
	if !ok {
		s.mu.Unlock()
		return
	}
	stream, ok := c.streams[protoID]
	if ok {
		delete(c.streams, protoID)
	}
	s.mu.Unlock()
	if ok {
		stream.Close()
	}
}

func (s *Service) writeProtocolMessage(protoID framing.ProtocolID, peer peerid.PeerID, msg framing.UserMessage) {
	s.mu.Lock()
	c, ok := s.conns[peer]
	var stream net.Conn
	if ok {
		stream, ok = c.streams[protoID]
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	frame := framing.Encode(framing.EncodeUserMessage(msg))
	if _, err := stream.Write(frame); err != nil {
		s.log.WithError(err).WithField("peer", peer).Warn("failed to write outbound frame")
	}
}

func (s *Service) registerConn(peer peerid.PeerID, point netevent.ConnectedPoint, mux transport.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[peer] = &peerConn{point: point, mux: mux, streams: make(map[framing.ProtocolID]net.Conn)}
}

func (s *Service) removeConn(peer peerid.PeerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, peer)
}

func (s *Service) acceptSubstreams(peer peerid.PeerID, mux transport.Session) {
	defer func() {
		s.removeConn(peer)
		s.behaviour.InjectDisconnected(peer)
	}()
	for {
		stream, err := mux.AcceptStream()
		if err != nil {
			return
		}
		go s.readSubstream(peer, stream)
	}
}

func (s *Service) readSubstream(peer peerid.PeerID, stream net.Conn) {
	defer stream.Close()
	buf := make([]byte, 0, 4096)
	tmp := make([]byte, 4096)
	for {
		n, err := stream.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
		}
		for {
			payload, consumed, derr := framing.Decode(buf)
			if derr != nil {
				break
			}
			buf = buf[consumed:]
			msg, merr := framing.DecodeUserMessage(payload)
			if merr != nil {
				s.log.WithError(merr).Warn("dropping malformed frame")
				continue
			}
			s.behaviour.InjectNodeEvent(msg.ProtocolID, peer, customproto.HandlerEvent{
				Kind:    customproto.HandlerCustomMessage,
				Message: msg,
			})
		}
		if err != nil {
			return
		}
	}
}

// PollOnce drains one ready ServiceEvent. It never blocks: it reports false
// when no event is ready. The dispatcher selects on Events instead.
func (s *Service) PollOnce() (netevent.ServiceEvent, bool) {
	select {
	case ev := <-s.events:
		return ev, true
	default:
		return netevent.ServiceEvent{}, false
	}
}

// Events exposes the raw channel for callers that want to select on it
// directly instead of polling.
func (s *Service) Events() <-chan netevent.ServiceEvent { return s.events }

// Stop tears down every listener and open connection.
func (s *Service) Stop() {
	close(s.quit)
	for _, ln := range s.listeners {
		ln.Close()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.mux.Close()
	}
}

func tcpIP(addr net.Addr) string {
	if a, ok := addr.(*net.TCPAddr); ok {
		return a.IP.String()
	}
	return "0.0.0.0"
}

func tcpPort(addr net.Addr) uint16 {
	if a, ok := addr.(*net.TCPAddr); ok {
		return uint16(a.Port)
	}
	return 0
}

// Registry exposes the peer registry for lookups when lifting an
// OpenedCustomProtocol action into a ServiceEvent (spec §4.5: "looks up the
// peer's public key in the registry; if absent, logs an error and yields
// without emitting").
func (s *Service) Registry() *registry.Registry { return s.registry }

// EmitCustomProtoAction lifts one customproto.Action into a ServiceEvent
// where applicable (ActionGenerateEvent only; dial/enable/disable/send
// actions are handled by the service's own connection management and do
// not themselves produce a ServiceEvent).
func (s *Service) EmitCustomProtoAction(a customproto.Action) {
	if a.Kind != customproto.ActionGenerateEvent {
		return
	}
	switch a.Event.Kind {
	case customproto.EventCustomProtocolOpen:
		if _, ok := s.registry.GetKey(a.Peer); !ok {
			s.log.WithField("peer", a.Peer).Error("missing public key at OpenedCustomProtocol, suppressing event")
			return
		}
		s.events <- netevent.ServiceEvent{Kind: netevent.OpenedCustomProtocol, Peer: a.Peer, ConnectedPoint: a.Event.Point, Version: a.Event.Version}
	case customproto.EventCustomProtocolClosed:
		s.events <- netevent.ServiceEvent{Kind: netevent.ClosedCustomProtocol, Peer: a.Peer, ConnectedPoint: a.Event.Point}
	case customproto.EventCustomMessage:
		s.events <- netevent.ServiceEvent{Kind: netevent.CustomMessage, Peer: a.Peer, ConnectedPoint: a.Event.Point, Message: a.Event.Message}
	case customproto.EventClogged:
		samples := a.Event.CloggedSamples
		if len(samples) > netevent.CloggedForwardCap {
			samples = samples[:netevent.CloggedForwardCap]
		}
		s.events <- netevent.ServiceEvent{Kind: netevent.Clogged, Peer: a.Peer, ConnectedPoint: a.Event.Point, CloggedSamples: samples}
	}
}
