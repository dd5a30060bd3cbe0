// Package circuitbreaker implements a per-origin three-state circuit
// breaker (closed/open/half-open) guarding the origin fetcher from hammering
// a failing upstream.
package circuitbreaker

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/edgecache-io/screaming-eagle/configurationtypes"
	"github.com/edgecache-io/screaming-eagle/pkg/clock"
	"github.com/edgecache-io/screaming-eagle/pkg/metrics"
)

// State is one of the three breaker states.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Breaker guards a single origin. should_allow/record_success/record_failure
// mirror the original CDN's per-origin breaker one-to-one, with
// instant.Now() replaced by an injected clock so tests can drive state
// transitions deterministically.
type Breaker struct {
	cfg   configurationtypes.CircuitBreakerConfig
	clock clock.Clock

	mu       sync.RWMutex
	state    State
	openedAt time.Time

	failureCount atomic.Uint32
	successCount atomic.Uint32

	// probesInFlight bounds concurrent HalfOpen traffic to half_open_max_probes:
	// claimed by ShouldAllow, released by whichever of RecordSuccess/
	// RecordFailure reports the probe's outcome.
	probesInFlight atomic.Uint32
}

// New constructs a Breaker in the closed state.
func New(cfg configurationtypes.CircuitBreakerConfig, clk clock.Clock) *Breaker {
	return &Breaker{cfg: cfg, clock: clk, state: Closed}
}

// ShouldAllow reports whether a request may proceed to the origin. Open
// transitions to HalfOpen once reset_timeout_secs has elapsed, and
// HalfOpen allows up to half_open_max_probes requests through concurrently
// so the breaker can test recovery without letting a burst of callers all
// hit a still-recovering origin at once.
func (b *Breaker) ShouldAllow() bool {
	b.mu.RLock()
	state := b.state
	openedAt := b.openedAt
	b.mu.RUnlock()

	switch state {
	case Closed:
		return true
	case HalfOpen:
		return b.claimProbe()
	case Open:
		if b.clock.Now().Sub(openedAt) >= time.Duration(b.cfg.ResetTimeoutSecs)*time.Second {
			b.transitionToHalfOpen()
			return b.claimProbe()
		}
		return false
	default:
		return false
	}
}

func (b *Breaker) halfOpenMaxProbes() uint32 {
	if b.cfg.HalfOpenMaxProbes > 0 {
		return uint32(b.cfg.HalfOpenMaxProbes)
	}
	return 1
}

// claimProbe reserves one of the limited HalfOpen probe slots, failing
// closed (disallowing the request) once half_open_max_probes are already
// in flight.
func (b *Breaker) claimProbe() bool {
	max := b.halfOpenMaxProbes()
	for {
		cur := b.probesInFlight.Load()
		if cur >= max {
			return false
		}
		if b.probesInFlight.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

// releaseProbe frees a previously claimed HalfOpen probe slot.
func (b *Breaker) releaseProbe() {
	for {
		cur := b.probesInFlight.Load()
		if cur == 0 {
			return
		}
		if b.probesInFlight.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

// RecordSuccess reports a successful origin response.
func (b *Breaker) RecordSuccess() {
	b.mu.RLock()
	state := b.state
	b.mu.RUnlock()

	switch state {
	case Closed:
		b.failureCount.Store(0)
	case HalfOpen:
		b.releaseProbe()
		count := b.successCount.Add(1)
		if count >= uint32(b.cfg.SuccessThreshold) {
			b.transitionToClosed()
		}
	case Open:
		// Shouldn't happen: Open rejects before a request is even sent.
	}
}

// RecordFailure reports a failed origin response or transport error.
func (b *Breaker) RecordFailure() {
	b.mu.RLock()
	state := b.state
	b.mu.RUnlock()

	switch state {
	case Closed:
		count := b.failureCount.Add(1)
		if count >= uint32(b.cfg.FailureThreshold) {
			b.transitionToOpen()
		}
	case HalfOpen:
		b.releaseProbe()
		b.transitionToOpen()
	case Open:
		// Already open.
	}
}

// State returns the breaker's current state.
func (b *Breaker) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

func (b *Breaker) transitionToOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != Open {
		b.state = Open
		b.openedAt = b.clock.Now()
		b.successCount.Store(0)
		b.probesInFlight.Store(0)
	}
}

func (b *Breaker) transitionToHalfOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open {
		b.state = HalfOpen
		b.successCount.Store(0)
		b.failureCount.Store(0)
		b.probesInFlight.Store(0)
	}
}

func (b *Breaker) transitionToClosed() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.openedAt = time.Time{}
	b.failureCount.Store(0)
	b.successCount.Store(0)
	b.probesInFlight.Store(0)
}

// Manager owns one Breaker per origin, created lazily on first use.
type Manager struct {
	cfg   configurationtypes.CircuitBreakerConfig
	clock clock.Clock
	mtr   *metrics.Metrics

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewManager constructs a Manager sharing cfg across every origin.
func NewManager(cfg configurationtypes.CircuitBreakerConfig, clk clock.Clock, mtr *metrics.Metrics) *Manager {
	return &Manager{cfg: cfg, clock: clk, mtr: mtr, breakers: make(map[string]*Breaker)}
}

func (m *Manager) get(origin string) *Breaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.breakers[origin]
	if !ok {
		b = New(m.cfg, m.clock)
		m.breakers[origin] = b
	}
	return b
}

// ShouldAllow reports whether a request to origin should proceed.
func (m *Manager) ShouldAllow(origin string) bool {
	return m.get(origin).ShouldAllow()
}

// RecordSuccess reports a successful response from origin.
func (m *Manager) RecordSuccess(origin string) {
	m.get(origin).RecordSuccess()
	m.reportState(origin)
}

// RecordFailure reports a failed response or transport error from origin.
func (m *Manager) RecordFailure(origin string) {
	before := m.get(origin).State()
	m.get(origin).RecordFailure()
	after := m.get(origin).State()
	if before != Open && after == Open && m.mtr != nil {
		m.mtr.BreakerTrips.WithLabelValues(origin).Inc()
	}
	m.reportState(origin)
}

func (m *Manager) reportState(origin string) {
	if m.mtr == nil {
		return
	}
	var v float64
	switch m.get(origin).State() {
	case Closed:
		v = 0
	case HalfOpen:
		v = 1
	case Open:
		v = 2
	}
	m.mtr.BreakerState.WithLabelValues(origin).Set(v)
}

// State returns the current state of origin's breaker.
func (m *Manager) State(origin string) State {
	return m.get(origin).State()
}

// AllStates snapshots every known origin's breaker state, for the admin
// /circuit-breakers endpoint.
func (m *Manager) AllStates() map[string]State {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]State, len(m.breakers))
	for origin, b := range m.breakers {
		out[origin] = b.State()
	}
	return out
}
