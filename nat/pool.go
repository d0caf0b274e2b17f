package nat

import (
	log "github.com/sirupsen/logrus"
)

const (
	// MinPort and MaxPort bound the translatable source ports: [MinPort, MaxPort).
	MinPort uint16 = 1024
	MaxPort uint16 = 65535
)

type slotState uint8

const (
	slotFree slotState = iota
	// slotLocal is held by a translation entry of this instance.
	slotLocal
	// slotForeign is bound in the shared store by someone else.
	slotForeign
)

// PortPool hands out ports from [min, max). Ports come off the free-list
// first; the cursor only advances over never-used slots while the free-list
// is empty. Every free slot below the cursor is on the free-list (possibly
// more than once; stale copies are skipped on pop).
type PortPool struct {
	min    uint16
	state  []slotState
	cursor int
	free   []int

	local, foreign int
}

func NewPortPool(min, max uint16) *PortPool {
	if max <= min {
		log.Panicf("empty port range [%d, %d)", min, max)
	}
	n := int(max - min)
	return &PortPool{
		min:   min,
		state: make([]slotState, n),
		free:  make([]int, 0, 1024),
	}
}

// Allocate returns a free port, or false when none is left.
func (p *PortPool) Allocate() (uint16, bool) {
	for len(p.free) > 0 {
		i := p.free[len(p.free)-1]
		p.free = p.free[:len(p.free)-1]
		if p.state[i] == slotFree {
			p.take(i)
			return p.port(i), true
		}
	}
	for p.cursor < len(p.state) {
		i := p.cursor
		p.cursor++
		if p.state[i] == slotFree {
			p.take(i)
			return p.port(i), true
		}
	}
	return 0, false
}

// Release returns a locally held port to the pool.
func (p *PortPool) Release(port uint16) {
	i, ok := p.index(port)
	if !ok || p.state[i] != slotLocal {
		return
	}
	p.state[i] = slotFree
	p.local--
	p.pushFree(i)
}

// Reserve marks port as owned elsewhere. A port held locally is moved to
// the foreign state too; the caller is responsible for its entry.
func (p *PortPool) Reserve(port uint16) {
	i, ok := p.index(port)
	if !ok {
		return
	}
	switch p.state[i] {
	case slotForeign:
		return
	case slotLocal:
		p.local--
	}
	p.state[i] = slotForeign
	p.foreign++
}

// Unreserve makes a foreign port allocatable again.
func (p *PortPool) Unreserve(port uint16) {
	i, ok := p.index(port)
	if !ok || p.state[i] != slotForeign {
		return
	}
	p.state[i] = slotFree
	p.foreign--
	p.pushFree(i)
}

// Adopt takes a specific foreign or free port for local use.
func (p *PortPool) Adopt(port uint16) bool {
	i, ok := p.index(port)
	if !ok {
		return false
	}
	switch p.state[i] {
	case slotLocal:
		return false
	case slotForeign:
		p.foreign--
	}
	p.take(i)
	return true
}

// Foreign lists the ports currently reserved for other owners.
func (p *PortPool) Foreign() []uint16 {
	ret := make([]uint16, 0, p.foreign)
	for i, s := range p.state {
		if s == slotForeign {
			ret = append(ret, p.port(i))
		}
	}
	return ret
}

func (p *PortPool) IsForeign(port uint16) bool {
	i, ok := p.index(port)
	return ok && p.state[i] == slotForeign
}

// Size is the number of ports in the range.
func (p *PortPool) Size() int { return len(p.state) }

// InUse is the number of locally held ports.
func (p *PortPool) InUse() int { return p.local }

// Available is the number of ports Allocate can still return.
func (p *PortPool) Available() int { return len(p.state) - p.local - p.foreign }

func (p *PortPool) take(i int) {
	p.state[i] = slotLocal
	p.local++
}

func (p *PortPool) pushFree(i int) {
	if i < p.cursor {
		p.free = append(p.free, i)
	}
}

func (p *PortPool) port(i int) uint16 {
	return p.min + uint16(i)
}

func (p *PortPool) index(port uint16) (int, bool) {
	if port < p.min {
		return 0, false
	}
	i := int(port - p.min)
	return i, i < len(p.state)
}
