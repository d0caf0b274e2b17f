package acl

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"go.universe.tf/distnat/flow"
	"go.universe.tf/distnat/metrics"
)

// Engine owns a rule list and the connection cache it consults. It is safe
// for use by one packet goroutine plus the periodic expiry sweep.
type Engine struct {
	mu    sync.Mutex
	rules []Rule
	cache *ConnectionCache
}

// NewEngine copies rules; later changes to the caller's slice have no
// effect.
func NewEngine(rules []Rule) *Engine {
	return &Engine{
		rules: append([]Rule(nil), rules...),
		cache: NewConnectionCache(),
	}
}

// Evaluate applies the rule list to f.
func (e *Engine) Evaluate(f flow.Flow) Verdict {
	e.mu.Lock()
	v := Evaluate(f, e.rules, e.cache)
	e.mu.Unlock()

	metrics.ACLVerdicts.WithLabelValues(v.String()).Inc()
	return v
}

// Filter is the per-packet entry point. Packets with no extractable flow
// (non-IPv4, non TCP/UDP, malformed) are admitted without evaluation.
func (e *Engine) Filter(payload []byte) bool {
	f, ok := flow.Extract(payload)
	if !ok {
		metrics.ACLVerdicts.WithLabelValues("bypass").Inc()
		return true
	}
	return e.Evaluate(f) == VerdictAdmit
}

// Record marks f as seen without evaluating the rules. The NAT stage uses
// it for translated flows, so replies addressed to the NAT IP count as
// established.
func (e *Engine) Record(f flow.Flow) {
	e.mu.Lock()
	e.cache.Insert(f)
	e.mu.Unlock()
}

// Established reports whether f or its reverse is in the cache.
func (e *Engine) Established(f flow.Flow) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cache.Established(f)
}

// SetClock overrides the cache clock.
func (e *Engine) SetClock(now func() time.Time) {
	e.mu.Lock()
	e.cache.Now = now
	e.mu.Unlock()
}

// Expire removes cached flows idle for longer than idle.
func (e *Engine) Expire(now time.Time, idle time.Duration) int {
	e.mu.Lock()
	removed := e.cache.Expire(now, idle)
	size := e.cache.Len()
	e.mu.Unlock()

	metrics.ACLCacheFlows.Set(float64(size))
	if removed > 0 {
		log.WithFields(log.Fields{"expired": removed, "remaining": size}).Debug("ACL cache sweep")
	}
	return removed
}
