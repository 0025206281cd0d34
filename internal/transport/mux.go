// Muxer selection implements spec §6's Select(yamux, mplex): yamux is
// preferred, mplex is the fallback, negotiated with a minimal
// multistream-select-shaped exchange (a newline-terminated protocol name
// from the dialer, answered with "ok" by the listener if supported).
package transport

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"time"

	"github.com/libp2p/go-mplex"
	yamux "github.com/libp2p/go-yamux/v4"
)

const (
	protoYamux = "/yamux/1.0.0"
	protoMplex = "/mplex/6.7.0"
)

// Session is the minimal stream-multiplexer surface the service needs:
// opening outbound substreams and accepting inbound ones.
type Session interface {
	OpenStream() (net.Conn, error)
	AcceptStream() (net.Conn, error)
	Close() error
}

type yamuxSession struct{ sess *yamux.Session }

func (y *yamuxSession) OpenStream() (net.Conn, error) {
	s, err := y.sess.OpenStream(context.Background())
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (y *yamuxSession) AcceptStream() (net.Conn, error) { return y.sess.AcceptStream() }
func (y *yamuxSession) Close() error                    { return y.sess.Close() }

type mplexSession struct{ mp *mplex.Multiplex }

func (m *mplexSession) OpenStream() (net.Conn, error) {
	s, err := m.mp.NewStream(context.Background())
	if err != nil {
		return nil, err
	}
	return &streamConn{Stream: s}, nil
}

func (m *mplexSession) AcceptStream() (net.Conn, error) {
	s, err := m.mp.Accept()
	if err != nil {
		return nil, err
	}
	return &streamConn{Stream: s}, nil
}
func (m *mplexSession) Close() error { return m.mp.Close() }

// streamConn adapts an mplex.Stream (Read/Write/Close only) to net.Conn so
// it can flow through the same framing/handler code as a yamux stream.
type streamConn struct {
	*mplex.Stream
}

func (s *streamConn) LocalAddr() net.Addr                { return nopAddr{} }
func (s *streamConn) RemoteAddr() net.Addr               { return nopAddr{} }
func (s *streamConn) SetDeadline(t time.Time) error       { return s.Stream.SetDeadline(t) }
func (s *streamConn) SetReadDeadline(t time.Time) error   { return s.Stream.SetDeadline(t) }
func (s *streamConn) SetWriteDeadline(t time.Time) error  { return s.Stream.SetDeadline(t) }

type nopAddr struct{}

func (nopAddr) Network() string { return "mplex" }
func (nopAddr) String() string  { return "mplex-stream" }

// newMplexUnbounded builds an mplex session configured for blocking
// backpressure and unbounded buffers, matching spec §4.5.
func newMplexUnbounded(conn net.Conn, initiator bool) (*mplex.Multiplex, error) {
	return mplex.NewMultiplex(conn, initiator, nil), nil
}

// SelectMuxer negotiates yamux-preferred/mplex-fallback over conn and
// returns the resulting multiplexed Session. mplex is configured with
// blocking backpressure and unbounded buffers, matching spec §4.5.
func SelectMuxer(conn net.Conn, isDialer bool) (Session, error) {
	// Negotiation is bounded by UpgradeTimeout; the deadline is cleared
	// before the chosen muxer takes over conn.
	if err := conn.SetDeadline(time.Now().Add(UpgradeTimeout)); err != nil {
		return nil, err
	}
	if isDialer {
		reader := bufio.NewReader(conn)
		if _, err := fmt.Fprintf(conn, "%s\n", protoYamux); err != nil {
			return nil, err
		}
		line, err := reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		if trimNL(line) == "ok" {
			conn.SetDeadline(time.Time{})
			cfg := yamux.DefaultConfig()
			sess, err := yamux.Client(conn, cfg)
			if err != nil {
				return nil, err
			}
			return &yamuxSession{sess: sess}, nil
		}

		if _, err := fmt.Fprintf(conn, "%s\n", protoMplex); err != nil {
			return nil, err
		}
		line, err = reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		if trimNL(line) != "ok" {
			return nil, fmt.Errorf("transport: listener rejected both yamux and mplex")
		}
		conn.SetDeadline(time.Time{})
		mp, err := newMplexUnbounded(conn, true)
		if err != nil {
			return nil, err
		}
		return &mplexSession{mp: mp}, nil
	}

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		return nil, err
	}
	switch trimNL(line) {
	case protoYamux:
		if _, err := fmt.Fprintf(conn, "ok\n"); err != nil {
			return nil, err
		}
		conn.SetDeadline(time.Time{})
		cfg := yamux.DefaultConfig()
		sess, err := yamux.Server(conn, cfg)
		if err != nil {
			return nil, err
		}
		return &yamuxSession{sess: sess}, nil
	case protoMplex:
		if _, err := fmt.Fprintf(conn, "ok\n"); err != nil {
			return nil, err
		}
		conn.SetDeadline(time.Time{})
		mp, err := newMplexUnbounded(conn, false)
		if err != nil {
			return nil, err
		}
		return &mplexSession{mp: mp}, nil
	default:
		return nil, fmt.Errorf("transport: unsupported muxer proposal %q", line)
	}
}

func trimNL(s string) string {
	if len(s) > 0 && s[len(s)-1] == '\n' {
		s = s[:len(s)-1]
	}
	return s
}
