package flow

import (
	"fmt"
	"net/netip"
	"strings"
)

// Prefix is an IPv4 network in address/length form.
type Prefix struct {
	Address uint32
	Len     uint8
}

// InRange reports whether the top Len bits of ip match the prefix.
func (p Prefix) InRange(ip uint32) bool {
	if p.Len == 0 {
		return true
	}
	mask := ^uint32(0) << (32 - uint32(p.Len))
	return ip&mask == p.Address&mask
}

func (p Prefix) String() string {
	return fmt.Sprintf("%s/%d", FormatIP(p.Address), p.Len)
}

// ParsePrefix accepts CIDR notation or a bare address, which is taken as /32.
func ParsePrefix(s string) (Prefix, error) {
	if !strings.Contains(s, "/") {
		ip, err := ParseIP(s)
		if err != nil {
			return Prefix{}, err
		}
		return Prefix{Address: ip, Len: 32}, nil
	}
	p, err := netip.ParsePrefix(s)
	if err != nil {
		return Prefix{}, fmt.Errorf("parsing prefix %q: %w", s, err)
	}
	if !p.Addr().Is4() {
		return Prefix{}, fmt.Errorf("prefix %q is not IPv4", s)
	}
	return Prefix{Address: fromAddr(p.Addr()), Len: uint8(p.Bits())}, nil
}
