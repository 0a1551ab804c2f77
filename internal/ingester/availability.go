package ingester

import (
	"sync"
	"time"
)

// AvailabilityGate is the process-wide circuit state for the upstream
// package index. The download worker trips it on an outage and suspends
// outbound load; after the cooldown it auto-resets so the next batch probes
// the upstream again. All methods are safe under parallel access.
type AvailabilityGate struct {
	mu               sync.Mutex
	available        bool
	unavailableSince time.Time
	cooldown         time.Duration

	now func() time.Time // injected in tests
}

func NewAvailabilityGate(cooldown time.Duration) *AvailabilityGate {
	return &AvailabilityGate{
		available: true,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// MarkUnavailable trips the gate. Only the first call after a reset records
// the timestamp; later calls while tripped are no-ops so the cooldown window
// is anchored to the start of the outage.
func (g *AvailabilityGate) MarkUnavailable() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.available {
		return
	}
	g.available = false
	g.unavailableSince = g.now()
}

// MarkAvailable resets the gate.
func (g *AvailabilityGate) MarkAvailable() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.available = true
	g.unavailableSince = time.Time{}
}

// IsAvailable reports whether outbound load may proceed: true while the gate
// is untripped, and true again once the cooldown has elapsed (the probe that
// follows either confirms recovery or trips the gate again).
func (g *AvailabilityGate) IsAvailable() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.available {
		return true
	}
	return g.now().Sub(g.unavailableSince) >= g.cooldown
}

// UnavailableSince returns the outage start, or false while untripped.
func (g *AvailabilityGate) UnavailableSince() (time.Time, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.available {
		return time.Time{}, false
	}
	return g.unavailableSince, true
}
