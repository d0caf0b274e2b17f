// Package nat implements the per-instance symmetric NAT: a port pool, a
// bidirectional translation table and the Translator that ties them to the
// distributed port coordinator.
package nat

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"go.universe.tf/distnat/flow"
	"go.universe.tf/distnat/metrics"
)

var logger = log.WithField("subsys", "nat")

// Claimer confirms and releases port ownership out of band. Neither call
// may block.
type Claimer interface {
	RequestClaim(natIP uint32, port uint16, original flow.Flow)
	RequestRelease(natIP uint32, port uint16)
}

// Config parameterizes a Translator. Zero fields take the defaults below.
type Config struct {
	// Instance names this NAT instance in the shared store.
	Instance string
	NATIP    uint32
	MinPort uint16
	MaxPort uint16

	// IdleTimeout is how long an entry survives without packets.
	IdleTimeout time.Duration
	// UnconfirmedTimeout replaces IdleTimeout for entries whose binding
	// could not be confirmed.
	UnconfirmedTimeout time.Duration
	// MaxConflicts is how many claim conflicts in a row a flow may hit
	// before its packets are dropped until a port frees up.
	MaxConflicts int
}

const (
	DefaultIdleTimeout        = 5 * time.Minute
	DefaultUnconfirmedTimeout = 30 * time.Second
	DefaultMaxConflicts       = 3
)

func (c *Config) setDefaults() {
	if c.MinPort == 0 {
		c.MinPort = MinPort
	}
	if c.MaxPort == 0 {
		c.MaxPort = MaxPort
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.UnconfirmedTimeout == 0 {
		c.UnconfirmedTimeout = DefaultUnconfirmedTimeout
	}
	if c.MaxConflicts == 0 {
		c.MaxConflicts = DefaultMaxConflicts
	}
}

// Reservation is a port of this NAT IP bound in the shared store, by
// Instance on behalf of Owner.
type Reservation struct {
	Port     uint16
	Owner    flow.Endpoint
	Instance string
}

// Translator maps original flows to translated flows and back. All state
// sits behind one mutex that is only held for table and pool operations.
type Translator struct {
	mu      sync.Mutex
	cfg     Config
	table   *Table
	pool    *PortPool
	claimer Claimer

	// conflicts counts consecutive claim conflicts per original flow.
	conflicts map[flow.Flow]int
	// adoptable remembers ports this instance bound to an original
	// endpoint before it restarted, so the same endpoint gets its old port
	// back.
	adoptable map[flow.Endpoint]uint16

	// Now defaults to time.Now and can be overridden in tests.
	Now func() time.Time
}

func NewTranslator(cfg Config, claimer Claimer) *Translator {
	cfg.setDefaults()
	t := &Translator{
		cfg:       cfg,
		table:     NewTable(cfg.MinPort, cfg.MaxPort),
		pool:      NewPortPool(cfg.MinPort, cfg.MaxPort),
		claimer:   claimer,
		conflicts: map[flow.Flow]int{},
		adoptable: map[flow.Endpoint]uint16{},
		Now:       time.Now,
	}
	t.updateGauges()
	return t
}

// NATIP is the public address flows are translated to.
func (t *Translator) NATIP() uint32 {
	return t.cfg.NATIP
}

// Translate returns the rewritten form of f. A hit refreshes the entry; a
// miss allocates a port and asks the coordinator to confirm it, without
// waiting for the answer. ok is false when the packet must be dropped.
func (t *Translator) Translate(f flow.Flow) (out flow.Flow, ok bool) {
	now := t.Now()

	t.mu.Lock()
	if e, forward := t.table.Lookup(f); e != nil {
		e.LastUsed = now
		if forward {
			out = e.Translated
		} else {
			out = e.Original.Reverse()
		}
		t.mu.Unlock()
		metrics.NATTranslations.WithLabelValues("hit").Inc()
		return out, true
	}

	if t.conflicts[f] >= t.cfg.MaxConflicts {
		t.mu.Unlock()
		metrics.NATTranslations.WithLabelValues("blocked").Inc()
		return flow.Flow{}, false
	}

	port, ok := t.allocate(f.Src())
	if !ok {
		t.mu.Unlock()
		metrics.NATTranslations.WithLabelValues("exhausted").Inc()
		return flow.Flow{}, false
	}

	out = f
	out.SrcIP = t.cfg.NATIP
	out.SrcPort = port
	_, err := t.table.Insert(Entry{
		Original:   f,
		Translated: out,
		Port:       port,
		LastUsed:   now,
		State:      StateProvisional,
	})
	if err != nil {
		t.pool.Release(port)
		t.mu.Unlock()
		logger.WithError(err).Debug("Translation collides with an existing entry")
		metrics.NATTranslations.WithLabelValues("collision").Inc()
		return flow.Flow{}, false
	}
	t.mu.Unlock()

	t.claimer.RequestClaim(t.cfg.NATIP, port, f)
	metrics.NATTranslations.WithLabelValues("new").Inc()
	return out, true
}

// allocate prefers a port this endpoint owned before a restart.
func (t *Translator) allocate(src flow.Endpoint) (uint16, bool) {
	if port, ok := t.adoptable[src]; ok {
		delete(t.adoptable, src)
		if t.table.Get(port) == nil && t.pool.Adopt(port) {
			return port, true
		}
	}
	return t.pool.Allocate()
}

// Lookup returns a copy of the entry f maps to.
func (t *Translator) Lookup(f flow.Flow) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, _ := t.table.Lookup(f)
	if e == nil {
		return Entry{}, false
	}
	return *e, true
}

// matching returns the live entry on port if it still translates original.
func (t *Translator) matching(port uint16, original flow.Flow) *Entry {
	e := t.table.Get(port)
	if e == nil || e.Original != original {
		return nil
	}
	return e
}

// Confirmed marks the entry as holding its binding.
func (t *Translator) Confirmed(natIP uint32, port uint16, original flow.Flow) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e := t.matching(port, original); e != nil {
		e.State = StateClaimed
	}
	delete(t.conflicts, original)
}

// Conflicted invalidates the entry because another instance owns the
// port. The port is kept out of local allocation and the next packet of
// the flow is translated afresh.
func (t *Translator) Conflicted(natIP uint32, port uint16, original flow.Flow) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e := t.matching(port, original); e != nil {
		t.table.Remove(port)
		t.pool.Reserve(port)
	} else if t.table.Get(port) == nil {
		t.pool.Reserve(port)
	}

	t.conflicts[original]++
	n := t.conflicts[original]
	fields := log.Fields{"flow": original, "port": port, "conflicts": n}
	if n >= t.cfg.MaxConflicts {
		logger.WithFields(fields).Warn("Flow keeps colliding with peer bindings, dropping it until a port frees up")
	} else {
		logger.WithFields(fields).Info("Port owned by another instance, retranslating flow")
	}
	metrics.NATReclaimed.WithLabelValues("conflict").Inc()
	t.updateGauges()
}

// Unconfirmed records that confirmation attempts ran out. The entry keeps
// working but is reclaimed after UnconfirmedTimeout of idleness, and the
// next sweep asks for confirmation again.
func (t *Translator) Unconfirmed(natIP uint32, port uint16, original flow.Flow) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e := t.matching(port, original); e != nil && e.State != StateClaimed {
		e.State = StateUnconfirmed
		logger.WithFields(log.Fields{"flow": original, "port": port}).Warn("Binding unconfirmed, entry is subject to forced reclamation")
	}
}

// Sweep reclaims idle entries, returning their ports to the pool and their
// bindings to the store, and resubmits unconfirmed entries for
// confirmation. It returns the number of reclaimed entries.
func (t *Translator) Sweep(now time.Time) int {
	type reclaim struct {
		port   uint16
		reason string
	}
	var (
		expired []reclaim
		retry   []Entry
	)

	t.mu.Lock()
	t.table.Range(func(e *Entry) bool {
		idle := now.Sub(e.LastUsed)
		switch {
		case idle > t.cfg.IdleTimeout:
			expired = append(expired, reclaim{e.Port, "idle"})
		case e.State == StateUnconfirmed && idle > t.cfg.UnconfirmedTimeout:
			expired = append(expired, reclaim{e.Port, "unconfirmed"})
		case e.State == StateUnconfirmed:
			e.State = StateProvisional
			retry = append(retry, *e)
		}
		return true
	})
	for _, r := range expired {
		t.table.Remove(r.port)
		t.pool.Release(r.port)
		metrics.NATReclaimed.WithLabelValues(r.reason).Inc()
	}
	if len(expired) > 0 && len(t.conflicts) > 0 {
		// Ports freed up; blocked flows may try again.
		t.conflicts = map[flow.Flow]int{}
	}
	live := t.table.Len()
	t.updateGauges()
	t.mu.Unlock()

	for _, r := range expired {
		t.claimer.RequestRelease(t.cfg.NATIP, r.port)
	}
	for _, e := range retry {
		t.claimer.RequestClaim(t.cfg.NATIP, e.Port, e.Original)
	}

	if len(expired) > 0 || len(retry) > 0 {
		logger.WithFields(log.Fields{
			"reclaimed": len(expired),
			"reconfirm": len(retry),
			"live":      live,
		}).Debug("NAT sweep")
	}
	return len(expired)
}

// Reconcile aligns foreign reservations with the bindings currently in the
// shared store for this NAT IP. Ports bound there and not used locally are
// reserved; reserved ports no longer bound are returned to the pool. A
// claimed entry whose binding now names another endpoint or another
// instance lost its port and is dropped. With adopt set, reserved ports
// this instance bound are remembered per owner endpoint so a flow from
// that endpoint reuses its old port.
func (t *Translator) Reconcile(bound []Reservation, adopt bool) (reserved, freed int) {
	var lost []uint16

	t.mu.Lock()
	inStore := make(map[uint16]bool, len(bound))
	for _, r := range bound {
		inStore[r.Port] = true
		ours := r.Instance == t.cfg.Instance
		if e := t.table.Get(r.Port); e != nil {
			if e.State != StateClaimed || (ours && e.Original.Src() == r.Owner) {
				continue
			}
			logger.WithFields(log.Fields{"flow": e.Original, "port": r.Port, "owner": r.Owner, "instance": r.Instance}).Warn("Binding taken over by another instance, dropping translation")
			t.table.Remove(r.Port)
			lost = append(lost, r.Port)
			metrics.NATReclaimed.WithLabelValues("conflict").Inc()
		} else if t.pool.IsForeign(r.Port) {
			continue
		}
		t.pool.Reserve(r.Port)
		reserved++
		if adopt && ours && t.cfg.Instance != "" {
			t.adoptable[r.Owner] = r.Port
		}
	}

	for _, port := range t.pool.Foreign() {
		if inStore[port] {
			continue
		}
		t.pool.Unreserve(port)
		freed++
	}
	for owner, port := range t.adoptable {
		if !inStore[port] {
			delete(t.adoptable, owner)
		}
	}
	if freed > 0 && len(t.conflicts) > 0 {
		t.conflicts = map[flow.Flow]int{}
	}
	t.updateGauges()
	t.mu.Unlock()

	// Only drops our claim; the binding names its new holder.
	for _, port := range lost {
		t.claimer.RequestRelease(t.cfg.NATIP, port)
	}
	return reserved, freed
}

// Stats is a point-in-time view of the translator.
type Stats struct {
	Entries   int
	PortsUsed int
	PortsFree int
	Foreign   int
	Blocked   int
}

func (t *Translator) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	blocked := 0
	for _, n := range t.conflicts {
		if n >= t.cfg.MaxConflicts {
			blocked++
		}
	}
	return Stats{
		Entries:   t.table.Len(),
		PortsUsed: t.pool.InUse(),
		PortsFree: t.pool.Available(),
		Foreign:   t.pool.foreign,
		Blocked:   blocked,
	}
}

// updateGauges must be called with t.mu held.
func (t *Translator) updateGauges() {
	metrics.NATEntries.Set(float64(t.table.Len()))
	metrics.NATFreePorts.Set(float64(t.pool.Available()))
	metrics.NATForeignPorts.Set(float64(t.pool.foreign))
}
