// Package controller implements the controller/dispatcher (spec §4.6): it
// owns the service on a dedicated dispatcher goroutine running a
// cooperative event loop, multiplexes client requests and swarm events onto
// that loop, and fans observable events out to the client over a lossy,
// unbounded channel.
package controller

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/golemfactory/golemnet/internal/behaviour"
	"github.com/golemfactory/golemnet/internal/customproto"
	"github.com/golemfactory/golemnet/internal/discovery"
	"github.com/golemfactory/golemnet/internal/framing"
	"github.com/golemfactory/golemnet/internal/multiaddr"
	"github.com/golemfactory/golemnet/internal/netevent"
	"github.com/golemfactory/golemnet/internal/registry"
	"github.com/golemfactory/golemnet/internal/service"
)

// requestQueueSize is the bounded request channel's capacity (spec §5:
// "a bounded request channel (128 slots; backpressure via blocking send)").
const requestQueueSize = 128

// timerPollInterval drives the behaviour composite's timer-based
// transitions (customproto ban/enable deadlines, discovery's random-query
// backoff) when no channel activity would otherwise wake the dispatcher.
const timerPollInterval = 50 * time.Millisecond

// Controller is the client-facing handle: a bounded request sink and an
// unbounded event source, backed by a dispatcher running on its own
// goroutine. Go exposes no thread-pinning primitive, so this stands in for
// spec §5's dedicated OS thread: the dispatcher goroutine never hands its
// single-threaded cooperative loop to any other work, which is the
// property that actually matters (no two state-machine operations run
// concurrently).
type Controller struct {
	log *logrus.Entry

	requests chan netevent.ClientRequest
	feed     *unboundedFeed
	events   chan netevent.NetworkEvent

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New constructs the service, starts the dispatcher goroutine, and returns
// a handle plus the receiving end of the event channel (spec §4.6: "On
// new, it constructs the service, stores listen addresses, creates an
// unbounded event channel, and returns a handle plus the receiving end").
func New(cfg service.Config, protocolIDs []string, versions []uint8, kad discovery.Kademlia, ident behaviour.Identify, log *logrus.Entry) (*Controller, <-chan netevent.NetworkEvent, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("component", "controller")

	clock := clockwork.NewRealClock()
	reg := registry.New(clock)
	disc := discovery.New(kad, clock, log)

	protos, err := buildProtocols(protocolIDs, versions, clock, log)
	if err != nil {
		return nil, nil, err
	}
	comp := behaviour.New(disc, ident, protos...)

	svc, boundAddrs, err := service.Start(cfg, comp, reg, log)
	if err != nil {
		return nil, nil, err
	}

	c := &Controller{
		log:      log,
		requests: make(chan netevent.ClientRequest, requestQueueSize),
		feed:     newUnboundedFeed(),
		events:   make(chan netevent.NetworkEvent),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}

	go c.pumpFeed()
	go c.dispatch(svc, boundAddrs)

	return c, c.events, nil
}

// Submit enqueues req on the bounded request channel, blocking if the
// dispatcher is backed up (spec §5: "backpressure via blocking send").
func (c *Controller) Submit(req netevent.ClientRequest) {
	c.requests <- req
}

// Stop requests dispatcher shutdown. It is idempotent: repeated calls, and
// a call after the dispatcher has already exited, are no-ops (spec §4.6:
// "Drop performs stop idempotently").
func (c *Controller) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
}

// Wait blocks until the dispatcher goroutine has fully exited.
func (c *Controller) Wait() { <-c.doneCh }

// pumpFeed relays buffered events from the internal unbounded feed onto the
// exported channel, one at a time, so callers get a plain receive-only
// channel instead of the feed's push/pop/wait shape.
//
// A wakeup and doneCh closing can become ready at the same time once Stop
// has pushed Terminated and then closed both the feed and doneCh, so this
// never treats doneCh as a reason to abandon a drain in progress: every
// wakeup (whether from Wait or doneCh) drains the feed completely with a
// blocking send before doneCh is checked again. Since feed.Close always
// happens before doneCh is closed (both run, in that order, in dispatch's
// deferred cleanup), observing doneCh closed guarantees no further push is
// coming, so draining once more and then returning never misses an event
// (spec §8 property 7 / scenario S6: Terminated is always the last event).
func (c *Controller) pumpFeed() {
	for {
		select {
		case <-c.feed.Wait():
		case <-c.doneCh:
		}
		for {
			v, ok := c.feed.Pop()
			if !ok {
				break
			}
			c.events <- v.(netevent.NetworkEvent)
		}
		select {
		case <-c.doneCh:
			return
		default:
		}
	}
}

// dispatch is the dispatcher's single-threaded cooperative loop (spec
// §4.6): it joins the request task and the event task into one select,
// the idiomatic Go equivalent of joining two cooperative futures on a
// single executor.
func (c *Controller) dispatch(svc *service.Service, boundAddrs []multiaddr.Multiaddr) {
	defer close(c.doneCh)
	defer c.feed.Close()
	defer svc.Stop()

	// Event task: Listening precedes any other event (spec §8 property 7).
	c.feed.Push(netevent.NetworkEvent{Kind: netevent.EventListening, ListenAddrs: boundAddrs})

	ticker := time.NewTicker(timerPollInterval)
	defer ticker.Stop()

	svcEvents := svc.Events()
	ctx := context.Background()

	for {
		select {
		case <-c.stopCh:
			// Request task: Stop terminates the select, dropping the
			// runtime (spec §4.6); Terminated is the last event (spec §8
			// property 7 / scenario S6).
			c.feed.Push(netevent.NetworkEvent{Kind: netevent.EventTerminated})
			return

		case req, ok := <-c.requests:
			if !ok {
				return
			}
			if c.handleRequest(ctx, svc, req) {
				c.feed.Push(netevent.NetworkEvent{Kind: netevent.EventTerminated})
				return
			}

		case ev := <-svcEvents:
			c.publishServiceEvent(svc, ev)

		case <-ticker.C:
			svc.PollTimers(ctx)
		}
		svc.DrainBehaviourActions()
	}
}

// handleRequest dispatches one ClientRequest to the matching service
// operation (spec §4.6's request task). It reports whether req was Stop.
func (c *Controller) handleRequest(ctx context.Context, svc *service.Service, req netevent.ClientRequest) bool {
	switch req.Kind {
	case netevent.ReqConnect:
		if err := svc.Connect(ctx, req.Address); err != nil {
			c.log.WithError(err).WithField("addr", req.Address).Warn("connect failed")
		}
	case netevent.ReqConnectToPeer:
		svc.ConnectToPeer(req.Peer)
	case netevent.ReqDisconnectPeer:
		svc.DisconnectPeer(req.Peer)
	case netevent.ReqSendMessage:
		svc.SendMessage(req.Peer, req.Message)
	case netevent.ReqStop:
		return true
	}
	return false
}

// publishServiceEvent translates one ServiceEvent into the external
// NetworkEvent taxonomy (spec §4.7). For OpenedCustomProtocol it looks up
// the peer's public key; the service has already suppressed the event
// entirely if that lookup would fail (spec §4.5, §7). Clogged samples pass
// through already capped by the service (spec §9 open question: one cap
// suffices, the controller does not re-cap); the external taxonomy carries
// at most one representative sample, so only the first is forwarded.
func (c *Controller) publishServiceEvent(svc *service.Service, ev netevent.ServiceEvent) {
	switch ev.Kind {
	case netevent.OpenedCustomProtocol:
		pk, _ := svc.Registry().GetKey(ev.Peer)
		c.feed.Push(netevent.NetworkEvent{
			Kind:           netevent.EventConnected,
			Peer:           ev.Peer,
			PublicKey:      pk,
			ConnectedPoint: ev.ConnectedPoint,
		})
	case netevent.ClosedCustomProtocol:
		c.feed.Push(netevent.NetworkEvent{
			Kind:           netevent.EventDisconnected,
			Peer:           ev.Peer,
			ConnectedPoint: ev.ConnectedPoint,
		})
	case netevent.CustomMessage:
		c.feed.Push(netevent.NetworkEvent{
			Kind:           netevent.EventMessage,
			Peer:           ev.Peer,
			ConnectedPoint: ev.ConnectedPoint,
			Message:        ev.Message,
		})
	case netevent.Clogged:
		out := netevent.NetworkEvent{
			Kind:           netevent.EventClogged,
			Peer:           ev.Peer,
			ConnectedPoint: ev.ConnectedPoint,
		}
		if len(ev.CloggedSamples) > 0 {
			sample := ev.CloggedSamples[0]
			out.CloggedSample = &sample
		}
		c.feed.Push(out)
	}
}

// buildProtocols constructs one CustomProto per requested protocol id,
// sharing the same wire versions and clock, matching the behaviour
// composite's "one CustomProto instance per registered protocol id" model
// (spec §9).
func buildProtocols(protocolIDs []string, versions []uint8, clock clockwork.Clock, log *logrus.Entry) ([]*customproto.CustomProto, error) {
	out := make([]*customproto.CustomProto, 0, len(protocolIDs))
	for _, s := range protocolIDs {
		id, err := framing.NewProtocolID(s)
		if err != nil {
			return nil, err
		}
		out = append(out, customproto.New(id, versions, clock, log))
	}
	return out, nil
}
