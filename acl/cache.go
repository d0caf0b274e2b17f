package acl

import (
	"time"

	"go.universe.tf/distnat/flow"
)

// ConnectionCache is the set of flows admitted by a non-drop rule. Each
// member remembers when it was last admitted so idle members can be expired.
type ConnectionCache struct {
	seen map[flow.Flow]time.Time
	// Now defaults to time.Now and can be overridden in tests.
	Now func() time.Time
}

func NewConnectionCache() *ConnectionCache {
	return &ConnectionCache{
		seen: map[flow.Flow]time.Time{},
		Now:  time.Now,
	}
}

// Insert adds f, or refreshes it if already present.
func (c *ConnectionCache) Insert(f flow.Flow) {
	c.seen[f] = c.Now()
}

// Contains reports whether f itself was admitted.
func (c *ConnectionCache) Contains(f flow.Flow) bool {
	_, ok := c.seen[f]
	return ok
}

// Established reports whether f or its reverse was admitted.
func (c *ConnectionCache) Established(f flow.Flow) bool {
	return c.Contains(f) || c.Contains(f.Reverse())
}

func (c *ConnectionCache) Len() int {
	return len(c.seen)
}

// Expire drops members not admitted since before now-idle and returns how
// many were removed.
func (c *ConnectionCache) Expire(now time.Time, idle time.Duration) int {
	removed := 0
	for f, last := range c.seen {
		if now.Sub(last) > idle {
			delete(c.seen, f)
			removed++
		}
	}
	return removed
}
