// Package breaker implements the per-instance Circuit Breaker (spec §4.4):
// closed/open/half-open with a time-pruned rolling outcome window. The
// window-pruning idiom is grounded in muster's AuthRateLimiter
// (internal/aggregator/auth_rate_limiter.go), which keeps a per-key slice
// of timestamps and filters out everything older than the window on every
// inspection; this breaker keeps a slice of outcomes instead of bare
// timestamps so it can also compute an error rate.
package breaker

import (
	"sync"
	"time"
)

// State is a breaker's position in the closed/open/half-open cycle.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

const (
	DefaultVolumeThreshold   = 10
	DefaultErrorThresholdPct = 50.0
	DefaultSleepWindow       = 30 * time.Second
	DefaultSuccessThreshold  = 3
	DefaultRollingWindow     = 10 * time.Second
)

// Config tunes one Breaker's thresholds. Zero values fall back to the
// spec's defaults.
type Config struct {
	VolumeThreshold   int
	ErrorThresholdPct float64
	SleepWindow       time.Duration
	SuccessThreshold  int
	RollingWindow     time.Duration
}

func (c Config) withDefaults() Config {
	if c.VolumeThreshold <= 0 {
		c.VolumeThreshold = DefaultVolumeThreshold
	}
	if c.ErrorThresholdPct <= 0 {
		c.ErrorThresholdPct = DefaultErrorThresholdPct
	}
	if c.SleepWindow <= 0 {
		c.SleepWindow = DefaultSleepWindow
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = DefaultSuccessThreshold
	}
	if c.RollingWindow <= 0 {
		c.RollingWindow = DefaultRollingWindow
	}
	return c
}

type outcome struct {
	timestamp time.Time
	success   bool
}

// Breaker is the per-instance BreakerState: current state, the rolling
// outcome window, and half-open trial bookkeeping.
type Breaker struct {
	mu sync.Mutex

	cfg Config

	state             State
	lastTransition    time.Time
	halfOpenSuccesses int
	outcomes          []outcome
}

// New constructs a Breaker in the closed state.
func New(cfg Config) *Breaker {
	return &Breaker{
		cfg:            cfg.withDefaults(),
		state:          StateClosed,
		lastTransition: time.Now(),
	}
}

// prune drops outcomes older than RollingWindow. Caller must hold mu.
func (b *Breaker) prune(now time.Time) {
	cutoff := now.Add(-b.cfg.RollingWindow)
	i := 0
	for ; i < len(b.outcomes); i++ {
		if b.outcomes[i].timestamp.After(cutoff) {
			break
		}
	}
	if i > 0 {
		b.outcomes = b.outcomes[i:]
	}
}

// Allow reports whether a request may proceed, advancing open->half-open
// once sleepWindow has elapsed. Must be called before every attempt.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	switch b.state {
	case StateOpen:
		if now.Sub(b.lastTransition) >= b.cfg.SleepWindow {
			b.transitionLocked(StateHalfOpen, now)
			return true
		}
		return false
	case StateHalfOpen:
		return true
	default: // closed
		return true
	}
}

// RecordSuccess records a successful outcome.
func (b *Breaker) RecordSuccess() {
	b.record(true)
}

// RecordFailure records a failed outcome.
func (b *Breaker) RecordFailure() {
	b.record(false)
}

func (b *Breaker) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.prune(now)

	switch b.state {
	case StateHalfOpen:
		if success {
			b.halfOpenSuccesses++
			if b.halfOpenSuccesses >= b.cfg.SuccessThreshold {
				b.transitionLocked(StateClosed, now)
				b.outcomes = nil
			}
		} else {
			b.transitionLocked(StateOpen, now)
			b.outcomes = nil
		}
		return
	case StateOpen:
		// Outcomes recorded while open (e.g. a straggling in-flight call)
		// don't affect state; the sleep window is the sole gate.
		return
	}

	b.outcomes = append(b.outcomes, outcome{timestamp: now, success: success})
	if len(b.outcomes) < b.cfg.VolumeThreshold {
		return
	}

	var failures int
	for _, o := range b.outcomes {
		if !o.success {
			failures++
		}
	}
	errorRate := float64(failures) / float64(len(b.outcomes)) * 100
	if errorRate >= b.cfg.ErrorThresholdPct {
		b.transitionLocked(StateOpen, now)
		b.outcomes = nil
	}
}

func (b *Breaker) transitionLocked(to State, now time.Time) {
	b.state = to
	b.lastTransition = now
	b.halfOpenSuccesses = 0
}

// State returns the breaker's current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// ForceState sets the breaker's state directly, for admin paths.
func (b *Breaker) ForceState(s State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionLocked(s, time.Now())
	b.outcomes = nil
}

// Reset returns the breaker to closed with a clean window.
func (b *Breaker) Reset() {
	b.ForceState(StateClosed)
}

// Snapshot is a read-only view of a Breaker's state for admin/status
// surfaces.
type Snapshot struct {
	State             State
	LastTransition    time.Time
	HalfOpenSuccesses int
	SampleCount       int
}

// Snapshot returns the breaker's current state for read-only consumers.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prune(time.Now())
	return Snapshot{
		State:             b.state,
		LastTransition:    b.lastTransition,
		HalfOpenSuccesses: b.halfOpenSuccesses,
		SampleCount:       len(b.outcomes),
	}
}

// Registry owns one Breaker per instance ID, created lazily on first use.
type Registry struct {
	mu       sync.Mutex
	cfg      Config
	breakers map[string]*Breaker
}

// NewRegistry constructs a Registry where every Breaker shares cfg.
func NewRegistry(cfg Config) *Registry {
	return &Registry{cfg: cfg, breakers: make(map[string]*Breaker)}
}

// Get returns the Breaker for instanceID, creating one if necessary.
func (r *Registry) Get(instanceID string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[instanceID]
	if !ok {
		b = New(r.cfg)
		r.breakers[instanceID] = b
	}
	return b
}

// Remove drops the Breaker for instanceID, e.g. on instance removal.
func (r *Registry) Remove(instanceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.breakers, instanceID)
}
