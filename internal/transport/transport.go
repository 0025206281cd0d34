// Package transport supplies the base TCP(+WebSocket)+muxer "swarm"
// machinery the spec treats as a fixed external collaborator (spec §1) but
// which the service needs wired up to run end to end (spec §8 scenarios
// S1-S6).
package transport

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	golemaddr "github.com/golemfactory/golemnet/internal/multiaddr"
)

// DialTimeout bounds a single outbound dial attempt.
const DialTimeout = 15 * time.Second

// Listen binds addr (ip4|ip6 + tcp, optionally + /ws) and returns a
// net.Listener plus the concrete bound address (with the OS-assigned port
// filled in when addr requested port 0).
func Listen(addr golemaddr.Multiaddr) (net.Listener, golemaddr.Multiaddr, error) {
	ip, port, err := golemaddr.ToIPPort(addr)
	if err != nil {
		return nil, golemaddr.Multiaddr{}, fmt.Errorf("transport: %w", err)
	}
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", ip, port))
	if err != nil {
		return nil, golemaddr.Multiaddr{}, fmt.Errorf("transport: listen %s: %w", addr, err)
	}
	tcpAddr := ln.Addr().(*net.TCPAddr)
	bound, err := golemaddr.FromIPPort(tcpAddr.IP.String(), uint16(tcpAddr.Port), tcpAddr.IP.To4() == nil)
	if err != nil {
		ln.Close()
		return nil, golemaddr.Multiaddr{}, err
	}
	if addr.HasWebsocket() {
		return newWSListener(ln), bound, nil
	}
	return ln, bound, nil
}

// Dial connects to addr, tunneling through WebSocket when the address
// carries a /ws component.
func Dial(ctx context.Context, addr golemaddr.Multiaddr) (net.Conn, error) {
	ip, port, err := golemaddr.ToIPPort(addr)
	if err != nil {
		return nil, fmt.Errorf("transport: %w", err)
	}
	hostport := fmt.Sprintf("%s:%d", ip, port)

	ctx, cancel := context.WithTimeout(ctx, DialTimeout)
	defer cancel()

	if addr.HasWebsocket() {
		u := url.URL{Scheme: "ws", Host: hostport, Path: "/"}
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
		if err != nil {
			return nil, fmt.Errorf("transport: ws dial %s: %w", addr, err)
		}
		return wsConnToNetConn(conn), nil
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", hostport)
	if err != nil {
		return nil, fmt.Errorf("transport: tcp dial %s: %w", addr, err)
	}
	return conn, nil
}
