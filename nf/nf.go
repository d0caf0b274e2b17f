package nf

import (
	"time"

	log "github.com/sirupsen/logrus"

	"go.universe.tf/distnat/acl"
	"go.universe.tf/distnat/flow"
	"go.universe.tf/distnat/metrics"
	"go.universe.tf/distnat/nat"
)

var logger = log.WithField("subsys", "nf")

// NF is the ACL-then-NAT network function. The engine and translator are
// owned by the caller, which also runs their background maintenance.
type NF struct {
	acl *acl.Engine
	nat *nat.Translator
}

func New(engine *acl.Engine, translator *nat.Translator) *NF {
	return &NF{acl: engine, nat: translator}
}

// Pipeline returns the standard processing order: MAC swap, ACL, NAT.
func (n *NF) Pipeline() *Pipeline {
	return NewPipeline().
		Transform(SwapMAC).
		Filter(n.Filter).
		Filter(n.Translate)
}

// Filter applies the ACL.
func (n *NF) Filter(pkt *Packet) bool {
	return n.acl.Filter(pkt.Payload)
}

// Translate rewrites the packet through the NAT and records the rewritten
// flow with the ACL. Packets without an extractable flow pass
// untranslated. It returns false when the packet must be dropped.
func (n *NF) Translate(pkt *Packet) bool {
	f, ok := flow.Extract(pkt.Payload)
	if !ok {
		metrics.NATTranslations.WithLabelValues("passthrough").Inc()
		return true
	}
	out, ok := n.nat.Translate(f)
	if !ok {
		return false
	}
	if out == f {
		return true
	}
	if err := flow.Stamp(pkt.Payload, out); err != nil {
		logger.WithError(err).WithField("flow", f).Debug("Rewriting packet failed")
		return false
	}
	pkt.Modified = true
	n.acl.Record(out)
	return true
}

// Sweep expires idle ACL state. NAT reclamation is driven by nat.GC, which
// calls this through its OnSweep hook.
func (n *NF) Sweep(now time.Time, aclIdle time.Duration) {
	n.acl.Expire(now, aclIdle)
}
