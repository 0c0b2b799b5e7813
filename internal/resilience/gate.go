// Package resilience provides the retry, transient-error and upstream-gate
// primitives used by the nutrient source clients.
package resilience

import (
	"sync"

	"github.com/rotisserie/eris"
)

// ErrUpstreamGated is returned when a lookup is rejected because the
// upstream was rate limited earlier in the run.
var ErrUpstreamGated = eris.New("upstream gated for the remainder of the run")

// UpstreamGate is a run-scoped sticky short-circuit. Once an upstream
// reports a sustained rate limit, every later call to it is rejected
// immediately instead of hammering the API. Unlike a circuit breaker there
// is no half-open probe: the gate only resets with the next run.
type UpstreamGate struct {
	mu      sync.RWMutex
	tripped map[string]string
}

// NewUpstreamGate creates an empty gate.
func NewUpstreamGate() *UpstreamGate {
	return &UpstreamGate{tripped: make(map[string]string)}
}

// Allow reports whether calls to the named upstream may proceed.
func (g *UpstreamGate) Allow(upstream string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, blocked := g.tripped[upstream]
	return !blocked
}

// Trip blocks the named upstream for the remainder of the run. The reason is
// kept for the run summary. Re-tripping keeps the first reason.
func (g *UpstreamGate) Trip(upstream, reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.tripped[upstream]; !ok {
		g.tripped[upstream] = reason
	}
}

// Reason returns the recorded trip reason, or "" when the upstream is open.
func (g *UpstreamGate) Reason(upstream string) string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.tripped[upstream]
}

// Tripped returns a snapshot of every gated upstream and its reason.
func (g *UpstreamGate) Tripped() map[string]string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string]string, len(g.tripped))
	for k, v := range g.tripped {
		out[k] = v
	}
	return out
}
