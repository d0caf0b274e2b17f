package nat

import (
	"context"
	"time"
)

// GC periodically sweeps a Translator.
type GC struct {
	t        *Translator
	interval time.Duration

	// OnSweep, if set, runs after every translator sweep with the same
	// timestamp.
	OnSweep func(now time.Time)
}

// NewGC creates a new idle-entry collector.
func NewGC(t *Translator, interval time.Duration) *GC {
	return &GC{t: t, interval: interval}
}

// Run starts the GC loop. It blocks until ctx is cancelled.
func (gc *GC) Run(ctx context.Context) {
	logger.WithField("interval", gc.interval).Info("NAT GC started")
	ticker := time.NewTicker(gc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("NAT GC stopped")
			return
		case <-ticker.C:
			gc.sweep()
		}
	}
}

func (gc *GC) sweep() {
	now := gc.t.Now()
	if n := gc.t.Sweep(now); n > 0 {
		st := gc.t.Stats()
		logger.WithField("reclaimed", n).
			WithField("entries", st.Entries).
			WithField("free", st.PortsFree).
			Info("NAT GC sweep")
	}
	if gc.OnSweep != nil {
		gc.OnSweep(now)
	}
}
