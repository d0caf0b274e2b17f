// Package flow holds the 4-tuple flow model shared by the ACL engine and
// the NAT translator, plus helpers to pull a Flow out of an IPv4 packet and
// stamp one back in.
package flow

import (
	"fmt"
	"net/netip"
	"strconv"
)

// Flow is a directional IPv4 4-tuple. The L4 protocol is implicit.
type Flow struct {
	SrcIP   uint32
	DstIP   uint32
	SrcPort uint16
	DstPort uint16
}

// Reverse returns the flow as seen from the other end.
func (f Flow) Reverse() Flow {
	return Flow{
		SrcIP:   f.DstIP,
		DstIP:   f.SrcIP,
		SrcPort: f.DstPort,
		DstPort: f.SrcPort,
	}
}

// Src returns the source endpoint.
func (f Flow) Src() Endpoint {
	return Endpoint{IP: f.SrcIP, Port: f.SrcPort}
}

// Dst returns the destination endpoint.
func (f Flow) Dst() Endpoint {
	return Endpoint{IP: f.DstIP, Port: f.DstPort}
}

func (f Flow) String() string {
	return fmt.Sprintf("%s -> %s", f.Src(), f.Dst())
}

// Endpoint is an IPv4 address and port.
type Endpoint struct {
	IP   uint32
	Port uint16
}

func (e Endpoint) String() string {
	return FormatIP(e.IP) + ":" + strconv.Itoa(int(e.Port))
}

// ParseEndpoint parses "a.b.c.d:port".
func ParseEndpoint(s string) (Endpoint, error) {
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		return Endpoint{}, fmt.Errorf("parsing endpoint %q: %w", s, err)
	}
	if !ap.Addr().Is4() {
		return Endpoint{}, fmt.Errorf("endpoint %q is not IPv4", s)
	}
	return Endpoint{IP: fromAddr(ap.Addr()), Port: ap.Port()}, nil
}

// IPv4 builds the uint32 form of a.b.c.d.
func IPv4(a, b, c, d byte) uint32 {
	return uint32(a)<<24 | uint32(b)<<16 | uint32(c)<<8 | uint32(d)
}

// ParseIP parses a dotted-quad IPv4 address.
func ParseIP(s string) (uint32, error) {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return 0, fmt.Errorf("parsing IP %q: %w", s, err)
	}
	if !addr.Is4() {
		return 0, fmt.Errorf("%q is not an IPv4 address", s)
	}
	return fromAddr(addr), nil
}

// FormatIP renders ip as a dotted quad.
func FormatIP(ip uint32) string {
	return toAddr(ip).String()
}

func fromAddr(addr netip.Addr) uint32 {
	b := addr.As4()
	return IPv4(b[0], b[1], b[2], b[3])
}

func toAddr(ip uint32) netip.Addr {
	return netip.AddrFrom4([4]byte{byte(ip >> 24), byte(ip >> 16), byte(ip >> 8), byte(ip)})
}
