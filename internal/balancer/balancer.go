// Package balancer implements the Load Balancer (spec §4.5): pick one
// instance from a candidate set under a configurable strategy, tracking
// per-instance EWMA latency and failure metrics that also drive a
// lazily-created cooldown. The round-robin cursor and circuit-aware
// eligibility filter are grounded in the sidecar proxy's LoadBalancer.Next
// (other_examples/.../proxy.go), which advances an atomic index and skips
// any upstream its breaker currently rejects.
package balancer

import (
	"math"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/giantswarm/tool-gateway/internal/gwerrors"
)

// Strategy selects which selection algorithm Select uses.
type Strategy string

const (
	StrategyRoundRobin   Strategy = "round-robin"
	StrategyLeastConn    Strategy = "least-conn"
	StrategyWeighted     Strategy = "weighted"
	StrategyLeastLatency Strategy = "least-latency"
	StrategyFailover     Strategy = "failover"
)

const (
	DefaultEWMAWindow           = 10
	DefaultCooldown             = 5 * time.Second
	DefaultErrorRateThreshold   = 0.5
	DefaultConsecutiveFailures  = 3
)

// Candidate is one instance's eligibility-relevant facts, supplied by the
// router from the registry's instance/health/breaker views.
type Candidate struct {
	ID          string
	Running     bool // instance.State == running
	BreakerOpen bool
	Healthy     bool // last-known health is healthy or unknown-but-not-failing
	Weight      int  // metadata.weight; 0 means "use default of 1"
}

// Metrics is the per-instance BalancerMetrics: EWMA latency, counters, and
// cooldown state. Lazily created on first observation, reset by MarkHealthy.
type Metrics struct {
	mu                  sync.Mutex
	ewmaLatencyMs       float64
	initialized         bool
	requests            uint64
	errors              uint64
	consecutiveFailures int
	cooldownUntil       time.Time
	healthy             bool
}

func newMetrics() *Metrics {
	return &Metrics{healthy: true}
}

// MetricsSnapshot is a read-only copy of Metrics for status surfaces.
type MetricsSnapshot struct {
	EWMALatencyMs       float64
	Initialized         bool
	Requests            uint64
	Errors              uint64
	ConsecutiveFailures int
	InCooldown          bool
	Healthy             bool
}

func (m *Metrics) snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return MetricsSnapshot{
		EWMALatencyMs:       m.ewmaLatencyMs,
		Initialized:         m.initialized,
		Requests:            m.requests,
		Errors:              m.errors,
		ConsecutiveFailures: m.consecutiveFailures,
		InCooldown:          time.Now().Before(m.cooldownUntil),
		Healthy:             m.healthy,
	}
}

// Option configures a Balancer at construction.
type Option func(*Balancer)

func WithEWMAWindow(n int) Option             { return func(b *Balancer) { b.ewmaWindow = n } }
func WithCooldown(d time.Duration) Option     { return func(b *Balancer) { b.cooldown = d } }
func WithErrorRateThreshold(f float64) Option { return func(b *Balancer) { b.errorRateThreshold = f } }
func WithConsecutiveFailureThreshold(n int) Option {
	return func(b *Balancer) { b.consecutiveFailureThreshold = n }
}

// Balancer selects an instance from a candidate set and tracks per-instance
// outcome metrics across calls.
type Balancer struct {
	strategy Strategy

	ewmaWindow                  int
	cooldown                    time.Duration
	errorRateThreshold          float64
	consecutiveFailureThreshold int

	mu       sync.Mutex
	cursors  map[string]*uint64
	inFlight map[string]*int64
	metrics  map[string]*Metrics

	rng *rand.Rand
}

// New constructs a Balancer using strategy.
func New(strategy Strategy, opts ...Option) *Balancer {
	b := &Balancer{
		strategy:                    strategy,
		ewmaWindow:                  DefaultEWMAWindow,
		cooldown:                    DefaultCooldown,
		errorRateThreshold:          DefaultErrorRateThreshold,
		consecutiveFailureThreshold: DefaultConsecutiveFailures,
		cursors:                     make(map[string]*uint64),
		inFlight:                    make(map[string]*int64),
		metrics:                     make(map[string]*Metrics),
		rng:                         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Balancer) metricsFor(id string) *Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.metrics[id]
	if !ok {
		m = newMetrics()
		b.metrics[id] = m
	}
	return m
}

func (b *Balancer) inFlightCounter(id string) *int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.inFlight[id]
	if !ok {
		var zero int64
		c = &zero
		b.inFlight[id] = c
	}
	return c
}

// BeginRequest marks a request as in-flight against id, for least-conn
// accounting.
func (b *Balancer) BeginRequest(id string) {
	atomic.AddInt64(b.inFlightCounter(id), 1)
}

// EndRequest marks an in-flight request against id as finished.
func (b *Balancer) EndRequest(id string) {
	atomic.AddInt64(b.inFlightCounter(id), -1)
}

// eligible filters candidates to ones the balancer may select: running,
// breaker not open, healthy (or unknown-but-not-failing), not cooling
// down. If this empties the set, the raw set is returned — a brownout is
// preferred over hard-down (spec §4.5).
func (b *Balancer) eligible(candidates []Candidate) []Candidate {
	out := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if !c.Running || c.BreakerOpen || !c.Healthy {
			continue
		}
		if b.metricsFor(c.ID).snapshot().InCooldown {
			continue
		}
		out = append(out, c)
	}
	if len(out) == 0 {
		return candidates
	}
	return out
}

// Select picks one candidate's ID under the balancer's configured
// strategy. group scopes the round-robin cursor to a routing group.
func (b *Balancer) Select(group string, candidates []Candidate) (string, error) {
	return b.SelectWithStrategy(group, candidates, b.strategy)
}

// SelectWithStrategy is Select with a one-off strategy override, for
// callers (e.g. selectBestInstance) that need a strategy other than the
// balancer's default while still sharing its metrics and eligibility
// state.
func (b *Balancer) SelectWithStrategy(group string, candidates []Candidate, strategy Strategy) (string, error) {
	if len(candidates) == 0 {
		return "", gwerrors.New(gwerrors.CodeNoServiceAvailable, "no candidates supplied")
	}
	pool := b.eligible(candidates)
	if len(pool) == 0 {
		return "", gwerrors.New(gwerrors.CodeNoServiceAvailable, "no eligible candidates")
	}

	switch strategy {
	case StrategyLeastConn:
		return b.selectLeastConn(pool), nil
	case StrategyWeighted:
		return b.selectWeighted(pool), nil
	case StrategyLeastLatency:
		return b.selectLeastLatency(pool), nil
	case StrategyFailover:
		return pool[0].ID, nil
	default:
		return b.selectRoundRobin(group, pool), nil
	}
}

func (b *Balancer) cursorFor(group string) *uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.cursors[group]
	if !ok {
		var zero uint64
		c = &zero
		b.cursors[group] = c
	}
	return c
}

func (b *Balancer) selectRoundRobin(group string, pool []Candidate) string {
	cursor := b.cursorFor(group)
	idx := atomic.AddUint64(cursor, 1) - 1
	return pool[idx%uint64(len(pool))].ID
}

func (b *Balancer) selectLeastConn(pool []Candidate) string {
	sorted := append([]Candidate(nil), pool...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	best := sorted[0].ID
	bestCount := atomic.LoadInt64(b.inFlightCounter(best))
	for _, c := range sorted[1:] {
		count := atomic.LoadInt64(b.inFlightCounter(c.ID))
		if count < bestCount {
			best = c.ID
			bestCount = count
		}
	}
	return best
}

func (b *Balancer) selectWeighted(pool []Candidate) string {
	total := 0
	for _, c := range pool {
		w := c.Weight
		if w <= 0 {
			w = 1
		}
		total += w
	}
	pick := b.rng.Intn(total)
	for _, c := range pool {
		w := c.Weight
		if w <= 0 {
			w = 1
		}
		if pick < w {
			return c.ID
		}
		pick -= w
	}
	return pool[len(pool)-1].ID
}

func (b *Balancer) selectLeastLatency(pool []Candidate) string {
	sorted := append([]Candidate(nil), pool...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	best := sorted[0].ID
	bestLatency := b.latencyOrInf(best)
	for _, c := range sorted[1:] {
		latency := b.latencyOrInf(c.ID)
		if latency < bestLatency {
			best = c.ID
			bestLatency = latency
		}
	}
	return best
}

func (b *Balancer) latencyOrInf(id string) float64 {
	snap := b.metricsFor(id).snapshot()
	if !snap.Initialized {
		return math.Inf(1)
	}
	return snap.EWMALatencyMs
}

// RecordOutcome updates id's EWMA latency and counters, flipping it
// unhealthy (with a cooldown) once its error rate exceeds the configured
// threshold or it accrues enough consecutive failures.
func (b *Balancer) RecordOutcome(id string, latency time.Duration, success bool) {
	m := b.metricsFor(id)
	m.mu.Lock()
	defer m.mu.Unlock()

	alpha := 2.0 / (float64(b.ewmaWindow) + 1)
	latencyMs := float64(latency.Milliseconds())
	if !m.initialized {
		m.ewmaLatencyMs = latencyMs
		m.initialized = true
	} else {
		m.ewmaLatencyMs = alpha*latencyMs + (1-alpha)*m.ewmaLatencyMs
	}

	m.requests++
	if success {
		m.consecutiveFailures = 0
	} else {
		m.errors++
		m.consecutiveFailures++
	}

	errorRate := float64(m.errors) / float64(m.requests)
	if errorRate > b.errorRateThreshold || m.consecutiveFailures >= b.consecutiveFailureThreshold {
		m.healthy = false
		m.cooldownUntil = time.Now().Add(b.cooldown)
	}
}

// MarkHealthy clears id's unhealthy flag and cooldown, resetting its
// failure counters, request counter and EWMA latency.
func (b *Balancer) MarkHealthy(id string) {
	m := b.metricsFor(id)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.healthy = true
	m.consecutiveFailures = 0
	m.cooldownUntil = time.Time{}
	m.errors = 0
	m.requests = 0
	m.ewmaLatencyMs = 0
	m.initialized = false
}

// Snapshot returns id's current metrics.
func (b *Balancer) Snapshot(id string) MetricsSnapshot {
	return b.metricsFor(id).snapshot()
}

// Remove drops id's tracked metrics and in-flight counter, e.g. on
// instance removal.
func (b *Balancer) Remove(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.metrics, id)
	delete(b.inFlight, id)
}
