// Package nf is the packet-processing boundary: an ordered pipeline of
// filters and transforms, and the ACL + NAT network function that plugs
// into it.
package nf

// Packet is one packet on its way through a pipeline.
type Packet struct {
	// L2 is the link-layer header, empty when the packet source only
	// delivers L3 (NFQUEUE).
	L2 []byte
	// Payload is the IPv4 packet.
	Payload []byte
	// Modified is set by operations that rewrote L2 or Payload.
	Modified bool
}

// Verdict is the fate of a processed packet.
type Verdict int

const (
	VerdictAccept Verdict = iota
	VerdictMangle
	VerdictDrop
)

func (v Verdict) String() string {
	switch v {
	case VerdictAccept:
		return "accept"
	case VerdictMangle:
		return "mangle"
	default:
		return "drop"
	}
}

type operation struct {
	filter    func(*Packet) bool
	transform func(*Packet)
}

// Pipeline runs operations in the order they were added. A filter that
// returns false drops the packet and stops the pipeline.
type Pipeline struct {
	ops []operation
}

func NewPipeline() *Pipeline {
	return &Pipeline{}
}

// Filter appends a filter operation.
func (p *Pipeline) Filter(fn func(*Packet) bool) *Pipeline {
	p.ops = append(p.ops, operation{filter: fn})
	return p
}

// Transform appends a transform operation.
func (p *Pipeline) Transform(fn func(*Packet)) *Pipeline {
	p.ops = append(p.ops, operation{transform: fn})
	return p
}

// Len is the number of operations.
func (p *Pipeline) Len() int { return len(p.ops) }

// Process runs pkt through the pipeline.
func (p *Pipeline) Process(pkt *Packet) Verdict {
	for _, op := range p.ops {
		if op.filter != nil {
			if !op.filter(pkt) {
				return VerdictDrop
			}
			continue
		}
		op.transform(pkt)
	}
	if pkt.Modified {
		return VerdictMangle
	}
	return VerdictAccept
}

// SwapMAC exchanges the source and destination MAC addresses so the frame
// goes back out where it came from. Packets without an Ethernet header are
// left untouched.
func SwapMAC(pkt *Packet) {
	if len(pkt.L2) < 12 {
		return
	}
	var dst [6]byte
	copy(dst[:], pkt.L2[0:6])
	copy(pkt.L2[0:6], pkt.L2[6:12])
	copy(pkt.L2[6:12], dst[:])
	pkt.Modified = true
}
