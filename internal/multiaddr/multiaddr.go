// Package multiaddr wraps multiformats/go-multiaddr with the bidirectional
// (ip_string, port) projection the core needs for dialing and listening.
package multiaddr

import (
	"fmt"
	"strconv"

	ma "github.com/multiformats/go-multiaddr"
)

// Multiaddr is a composable network address: ip4|ip6, exactly one of
// {tcp,udp,sctp,dccp,onion} for the port layer, optionally followed by
// /ws and/or /p2p/<peer-id>.
type Multiaddr struct {
	inner ma.Multiaddr
}

// Parse validates and wraps a multiaddr string.
func Parse(s string) (Multiaddr, error) {
	m, err := ma.NewMultiaddr(s)
	if err != nil {
		return Multiaddr{}, fmt.Errorf("multiaddr: %w", err)
	}
	return Multiaddr{inner: m}, nil
}

func (m Multiaddr) String() string { return m.inner.String() }

// HasWebsocket reports whether the address carries a /ws component.
func (m Multiaddr) HasWebsocket() bool {
	_, err := m.inner.ValueForProtocol(ma.P_WS)
	return err == nil
}

// ToIPPort converts the address to (ip_string, port) using its first two
// components, provided the lower (port-layer) component is tcp. Any other
// port-layer protocol (udp, sctp, dccp, onion) fails the conversion, per
// spec.
func ToIPPort(m Multiaddr) (ip string, port uint16, err error) {
	comps := ma.Split(m.inner)
	if len(comps) < 2 {
		return "", 0, fmt.Errorf("multiaddr: need at least two components, got %d", len(comps))
	}
	ipProto := comps[0].Protocols()
	if len(ipProto) != 1 || (ipProto[0].Code != ma.P_IP4 && ipProto[0].Code != ma.P_IP6) {
		return "", 0, fmt.Errorf("multiaddr: first component must be ip4 or ip6")
	}
	ipStr, err := comps[0].ValueForProtocol(ipProto[0].Code)
	if err != nil {
		return "", 0, err
	}
	portProto := comps[1].Protocols()
	if len(portProto) != 1 || portProto[0].Code != ma.P_TCP {
		return "", 0, fmt.Errorf("multiaddr: lower port-layer component must be tcp")
	}
	portStr, err := comps[1].ValueForProtocol(ma.P_TCP)
	if err != nil {
		return "", 0, err
	}
	p, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return "", 0, fmt.Errorf("multiaddr: invalid port %q: %w", portStr, err)
	}
	return ipStr, uint16(p), nil
}

// FromIPPort is the inverse of ToIPPort for the common /ip4/.../tcp/... case.
func FromIPPort(ip string, port uint16, ipv6 bool) (Multiaddr, error) {
	proto := "ip4"
	if ipv6 {
		proto = "ip6"
	}
	return Parse(fmt.Sprintf("/%s/%s/tcp/%d", proto, ip, port))
}
