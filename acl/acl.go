// Package acl implements ordered, first-match access control over flows
// with optional stateful "established" matching.
package acl

import (
	"fmt"
	"strings"

	"go.universe.tf/distnat/flow"
)

// Verdict is the outcome of evaluating a flow against a rule list.
type Verdict int

const (
	VerdictDrop Verdict = iota
	VerdictAdmit
)

func (v Verdict) String() string {
	switch v {
	case VerdictAdmit:
		return "admit"
	case VerdictDrop:
		return "drop"
	default:
		return fmt.Sprintf("Verdict(%d)", int(v))
	}
}

// Rule is one ACL entry. Nil matchers match anything, so a zero Rule is a
// catch-all admit.
type Rule struct {
	SrcIP       *flow.Prefix
	DstIP       *flow.Prefix
	SrcPort     *uint16
	DstPort     *uint16
	Established *bool
	Drop        bool
}

// Matches reports whether every matcher set on r accepts f.
func (r *Rule) Matches(f flow.Flow, cache *ConnectionCache) bool {
	if r.SrcIP != nil && !r.SrcIP.InRange(f.SrcIP) {
		return false
	}
	if r.DstIP != nil && !r.DstIP.InRange(f.DstIP) {
		return false
	}
	if r.SrcPort != nil && *r.SrcPort != f.SrcPort {
		return false
	}
	if r.DstPort != nil && *r.DstPort != f.DstPort {
		return false
	}
	if r.Established != nil {
		return cache.Established(f) == *r.Established
	}
	return true
}

func (r Rule) String() string {
	var parts []string
	if r.SrcIP != nil {
		parts = append(parts, "src "+r.SrcIP.String())
	}
	if r.DstIP != nil {
		parts = append(parts, "dst "+r.DstIP.String())
	}
	if r.SrcPort != nil {
		parts = append(parts, fmt.Sprintf("sport %d", *r.SrcPort))
	}
	if r.DstPort != nil {
		parts = append(parts, fmt.Sprintf("dport %d", *r.DstPort))
	}
	if r.Established != nil {
		parts = append(parts, fmt.Sprintf("established=%t", *r.Established))
	}
	if len(parts) == 0 {
		parts = append(parts, "any")
	}
	action := "admit"
	if r.Drop {
		action = "drop"
	}
	return strings.Join(parts, " ") + " => " + action
}

// Evaluate runs f through rules in order and returns the verdict of the
// first matching rule. An admitting match records f in cache. If nothing
// matches the flow is dropped.
func Evaluate(f flow.Flow, rules []Rule, cache *ConnectionCache) Verdict {
	for i := range rules {
		r := &rules[i]
		if !r.Matches(f, cache) {
			continue
		}
		if r.Drop {
			return VerdictDrop
		}
		cache.Insert(f)
		return VerdictAdmit
	}
	return VerdictDrop
}
