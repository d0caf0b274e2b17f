package flow

import (
	"encoding/binary"
	"errors"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// ErrNoFlow is returned by Stamp for packets Extract would reject.
var ErrNoFlow = errors.New("packet carries no TCP/UDP over IPv4 flow")

// Extract returns the flow of an IPv4 TCP or UDP packet. ok is false for
// anything else, including non-first fragments and truncated headers.
func Extract(payload []byte) (f Flow, ok bool) {
	var ip layers.IPv4
	if err := ip.DecodeFromBytes(payload, gopacket.NilDecodeFeedback); err != nil {
		return Flow{}, false
	}
	if ip.Version != 4 || ip.FragOffset != 0 {
		return Flow{}, false
	}

	f.SrcIP = binary.BigEndian.Uint32(ip.SrcIP.To4())
	f.DstIP = binary.BigEndian.Uint32(ip.DstIP.To4())

	switch ip.Protocol {
	case layers.IPProtocolTCP:
		var tcp layers.TCP
		if err := tcp.DecodeFromBytes(ip.Payload, gopacket.NilDecodeFeedback); err != nil {
			return Flow{}, false
		}
		f.SrcPort, f.DstPort = uint16(tcp.SrcPort), uint16(tcp.DstPort)
	case layers.IPProtocolUDP:
		var udp layers.UDP
		if err := udp.DecodeFromBytes(ip.Payload, gopacket.NilDecodeFeedback); err != nil {
			return Flow{}, false
		}
		f.SrcPort, f.DstPort = uint16(udp.SrcPort), uint16(udp.DstPort)
	default:
		return Flow{}, false
	}
	return f, true
}

// Stamp rewrites the addresses and ports of payload in place to match f and
// fixes up the IPv4 and L4 checksums. The L4 checksum is patched for the
// rewritten words rather than recomputed, so first fragments, which carry
// only part of the datagram it covers, stay correct.
func Stamp(payload []byte, f Flow) error {
	if _, ok := Extract(payload); !ok {
		return ErrNoFlow
	}
	p := packet(payload)

	old := p.flowWords()
	binary.BigEndian.PutUint32(p[12:16], f.SrcIP)
	binary.BigEndian.PutUint32(p[16:20], f.DstIP)
	l4 := p.l4()
	binary.BigEndian.PutUint16(l4[0:2], f.SrcPort)
	binary.BigEndian.PutUint16(l4[2:4], f.DstPort)

	p.adjustL4Checksum(old, p.flowWords())
	p.recomputeChecksum()
	return nil
}

// packet is an IPv4 packet already validated by Extract.
type packet []byte

func (p packet) ipHdrLen() int {
	return int(p[0]&0xF) * 4
}

func (p packet) proto() layers.IPProtocol {
	return layers.IPProtocol(p[9])
}

// l4 returns the transport segment, bounded by the IPv4 total length.
func (p packet) l4() []byte {
	end := int(binary.BigEndian.Uint16(p[2:4]))
	if end == 0 || end > len(p) {
		end = len(p)
	}
	return p[p.ipHdrLen():end]
}

func (p packet) recomputeChecksum() {
	var sum uint32

	for i := 0; i < p.ipHdrLen(); i += 2 {
		if i == 10 {
			// Skip the checksum field
			continue
		}
		sum += uint32(binary.BigEndian.Uint16(p[i : i+2]))
	}
	binary.BigEndian.PutUint16(p[10:12], ^fold(sum))
}

// flowWords returns the 16-bit words Stamp rewrites: both addresses, then
// both ports.
func (p packet) flowWords() [6]uint16 {
	l4 := p.l4()
	return [6]uint16{
		binary.BigEndian.Uint16(p[12:14]),
		binary.BigEndian.Uint16(p[14:16]),
		binary.BigEndian.Uint16(p[16:18]),
		binary.BigEndian.Uint16(p[18:20]),
		binary.BigEndian.Uint16(l4[0:2]),
		binary.BigEndian.Uint16(l4[2:4]),
	}
}

// adjustL4Checksum updates the TCP or UDP checksum for words changed from
// "from" to "to", as HC' = ~(~HC + ~m + m') (RFC 1624).
func (p packet) adjustL4Checksum(from, to [6]uint16) {
	l4 := p.l4()
	var off int
	switch p.proto() {
	case layers.IPProtocolTCP:
		off = 16
	case layers.IPProtocolUDP:
		off = 6
		// A zero UDP checksum means "not computed"; keep it that way.
		if binary.BigEndian.Uint16(l4[off:off+2]) == 0 {
			return
		}
	default:
		return
	}

	sum := uint32(^binary.BigEndian.Uint16(l4[off : off+2]))
	for i := range from {
		sum += uint32(^from[i]) + uint32(to[i])
	}

	csum := ^fold(sum)
	if csum == 0 && p.proto() == layers.IPProtocolUDP {
		csum = 0xFFFF
	}
	binary.BigEndian.PutUint16(l4[off:off+2], csum)
}

// fold reduces a 32-bit one's complement sum to 16 bits.
func fold(sum uint32) uint16 {
	// In one's complement, each carry should increment the sum.
	sum = (sum & 0xFFFF) + (sum >> 16)
	// ... and in some cases, carry increments cause another carry.
	sum = (sum & 0xFFFF) + (sum >> 16)
	return uint16(sum)
}
