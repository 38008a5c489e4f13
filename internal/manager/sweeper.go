package manager

import (
	"context"
	"time"
)

const (
	// SweepInterval is how often RunSweeper runs.
	SweepInterval = 5 * time.Second
	// SweepPurgeLimit caps the event records one sweep removes.
	SweepPurgeLimit = 1000
)

// Sweep destroys HTTP sessions idle past their expiry and not in use, then
// purges up to SweepPurgeLimit event records no cursor pins. It returns
// both counts.
func (m *Manager) Sweep(now time.Time) (expired, purged int) {
	for _, s := range m.sessions.snapshot() {
		if s.transport != TransportHTTP {
			continue
		}
		s.mu.Lock()
		idle := s.inuse <= 0 && !s.expiry.IsZero() && s.expiry.Before(now)
		s.mu.Unlock()
		if idle {
			m.destroySession(s, "expired")
			expired++
		}
	}
	purged = m.events.Purge(SweepPurgeLimit)
	if expired > 0 || purged > 0 {
		m.logger.Trace("amid.manager.sweep", "expired", expired, "purged", purged, "eventq", m.events.Len())
	}
	return expired, purged
}

// RunSweeper calls Sweep every SweepInterval until ctx ends.
func (m *Manager) RunSweeper(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-m.clock.After(SweepInterval):
			m.Sweep(now)
		}
	}
}
