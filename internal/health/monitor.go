// Package health implements the Health Monitor (spec §4.3): per-instance
// probing on a timer, rolling latency/error statistics, and the
// running<->degraded state transitions those statistics drive. Grounded in
// muster's MCP server service, which tracks consecutive connection
// failures and exponential backoff for unreachable remote servers
// (internal/services/mcpserver/service.go) — this monitor generalizes that
// per-service failure tracking into a standalone, instance-agnostic
// component with a rolling window instead of a single failure counter.
package health

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/giantswarm/tool-gateway/internal/instance"
	"github.com/giantswarm/tool-gateway/pkg/logging"
)

const (
	DefaultProbeInterval    = 30 * time.Second
	DefaultProbeTimeout     = 5 * time.Second
	DefaultFailureThreshold = 3
)

// Prober performs the actual liveness check against a backend instance,
// normally a tools/list-equivalent JSON-RPC call issued over the
// instance's transport adapter.
type Prober interface {
	Probe(ctx context.Context, instanceID string) (healthy bool, latency time.Duration, err error)
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context, instanceID string) (bool, time.Duration, error)

func (f ProberFunc) Probe(ctx context.Context, instanceID string) (bool, time.Duration, error) {
	return f(ctx, instanceID)
}

// OnHealthChanged is invoked whenever an instance's probed health flips,
// normally wired to the event bus's serviceHealthChanged publication.
type OnHealthChanged func(instanceID string, healthy bool, snapshot Snapshot)

type watch struct {
	stop chan struct{}
}

// Monitor is the Health Monitor. It owns one Record per watched instance
// and, for keep-alive instances, a per-instance ticker goroutine driving
// periodic probes. Managed-mode instances are never probed; their Record
// is updated only via ReportHeartbeat.
type Monitor struct {
	mgr    *instance.Manager
	prober Prober

	interval         time.Duration
	timeout          time.Duration
	failureThreshold int
	windowSize       int
	onHealthChanged  OnHealthChanged

	mu      sync.RWMutex
	records map[string]*Record
	watches map[string]*watch
}

// Option configures a Monitor at construction.
type Option func(*Monitor)

func WithInterval(d time.Duration) Option         { return func(m *Monitor) { m.interval = d } }
func WithTimeout(d time.Duration) Option          { return func(m *Monitor) { m.timeout = d } }
func WithFailureThreshold(n int) Option           { return func(m *Monitor) { m.failureThreshold = n } }
func WithWindowSize(n int) Option                 { return func(m *Monitor) { m.windowSize = n } }
func WithOnHealthChanged(f OnHealthChanged) Option { return func(m *Monitor) { m.onHealthChanged = f } }

// NewMonitor constructs a Monitor over mgr, probing via prober.
func NewMonitor(mgr *instance.Manager, prober Prober, opts ...Option) *Monitor {
	m := &Monitor{
		mgr:              mgr,
		prober:           prober,
		interval:         DefaultProbeInterval,
		timeout:          DefaultProbeTimeout,
		failureThreshold: DefaultFailureThreshold,
		windowSize:       DefaultWindowSize,
		records:          make(map[string]*Record),
		watches:          make(map[string]*watch),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Watch starts monitoring instanceID. For instance.ModeManaged instances
// no probe timer is started: health is only ever updated by
// ReportHeartbeat. Calling Watch twice for the same id is a no-op.
func (m *Monitor) Watch(instanceID string, mode instance.Mode, interval time.Duration) {
	m.mu.Lock()
	if _, exists := m.watches[instanceID]; exists {
		m.mu.Unlock()
		return
	}
	if _, ok := m.records[instanceID]; !ok {
		m.records[instanceID] = NewRecord(m.windowSize)
	}
	w := &watch{stop: make(chan struct{})}
	m.watches[instanceID] = w
	m.mu.Unlock()

	if mode == instance.ModeManaged {
		return
	}
	if interval <= 0 {
		interval = m.interval
	}
	go m.runLoop(instanceID, interval, w.stop)
}

// Unwatch stops probing instanceID and clears its Record, per the
// HealthRecord lifecycle: "cleared when the instance is removed."
func (m *Monitor) Unwatch(instanceID string) {
	m.mu.Lock()
	w, ok := m.watches[instanceID]
	delete(m.watches, instanceID)
	delete(m.records, instanceID)
	m.mu.Unlock()
	if ok {
		close(w.stop)
	}
}

func (m *Monitor) runLoop(instanceID string, interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.probeOnce(instanceID)
		}
	}
}

func (m *Monitor) probeOnce(instanceID string) {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	start := time.Now()
	healthy, latency, err := m.prober.Probe(ctx, instanceID)
	if latency == 0 {
		latency = time.Since(start)
	}
	m.observe(instanceID, healthy, latency, err)
}

// ProbeNow forces an immediate out-of-band probe of a single watched
// instance, for an explicit checkHealth(id) call.
func (m *Monitor) ProbeNow(ctx context.Context, instanceID string) error {
	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	start := time.Now()
	healthy, latency, err := m.prober.Probe(probeCtx, instanceID)
	if latency == 0 {
		latency = time.Since(start)
	}
	m.observe(instanceID, healthy, latency, err)
	return err
}

// ProbeAllNow forces an immediate out-of-band probe of every watched
// keep-alive instance concurrently, fanning the probes out with errgroup
// the way muster's orchestrator fans out static-service startup.
func (m *Monitor) ProbeAllNow(ctx context.Context) error {
	m.mu.RLock()
	ids := make([]string, 0, len(m.watches))
	for id := range m.watches {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	keepAlive := ids[:0]
	for _, id := range ids {
		if inst, err := m.mgr.Get(id); err == nil && inst.Metadata()["mode"] == string(instance.ModeManaged) {
			continue
		}
		keepAlive = append(keepAlive, id)
	}
	ids = keepAlive

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			probeCtx, cancel := context.WithTimeout(gctx, m.timeout)
			defer cancel()
			start := time.Now()
			healthy, latency, err := m.prober.Probe(probeCtx, id)
			if latency == 0 {
				latency = time.Since(start)
			}
			m.observe(id, healthy, latency, err)
			return nil
		})
	}
	return g.Wait()
}

// ReportHeartbeat injects an externally observed health sample without
// probing, the only way managed-mode instances' health is ever updated.
func (m *Monitor) ReportHeartbeat(instanceID string, healthy bool, latency time.Duration, err error) {
	m.observe(instanceID, healthy, latency, err)
}

func (m *Monitor) observe(instanceID string, healthy bool, latency time.Duration, err error) {
	m.mu.Lock()
	rec, ok := m.records[instanceID]
	if !ok {
		rec = NewRecord(m.windowSize)
		m.records[instanceID] = rec
	}
	m.mu.Unlock()

	t := rec.observe(healthy, latency, err, m.failureThreshold)

	inst, getErr := m.mgr.Get(instanceID)
	if getErr == nil {
		if err != nil {
			inst.SetMetadata("lastProbeError", err.Error())
		} else {
			inst.SetMetadata("lastProbeError", "")
		}
	}

	if t == transitionNone {
		return
	}
	if getErr != nil {
		logging.Debug("health", "cannot apply transition for unknown instance %s: %v", instanceID, getErr)
		return
	}

	var target instance.State
	switch t {
	case transitionDegraded:
		target = instance.StateDegraded
	case transitionRecovered:
		target = instance.StateRunning
	}
	if target == "" {
		return
	}
	if updateErr := inst.UpdateState(target); updateErr != nil {
		// Not every current state admits running<->degraded (e.g. still
		// starting, or already stopping); that's expected, not an error.
		logging.Debug("health", "state transition for %s: %v", instanceID, updateErr)
		return
	}

	if m.onHealthChanged != nil {
		m.onHealthChanged(instanceID, healthy, rec.Snapshot())
	}
}

// Snapshot returns the current Record snapshot for instanceID, or false if
// the instance is not watched.
func (m *Monitor) Snapshot(instanceID string) (Snapshot, bool) {
	m.mu.RLock()
	rec, ok := m.records[instanceID]
	m.mu.RUnlock()
	if !ok {
		return Snapshot{}, false
	}
	return rec.Snapshot(), true
}

// Aggregate is the Health Monitor's global rollup: monitoring count,
// healthy count, and blended latency/error statistics across every
// watched instance.
type Aggregate struct {
	MonitoringCount int
	HealthyCount    int
	AvgLatencyMs    float64
	P95LatencyMs    int64
	P99LatencyMs    int64
	ErrorRate       float64
}

// Aggregate computes the global rollup across all watched instances.
func (m *Monitor) Aggregate() Aggregate {
	m.mu.RLock()
	recs := make([]*Record, 0, len(m.records))
	for _, r := range m.records {
		recs = append(recs, r)
	}
	m.mu.RUnlock()

	agg := Aggregate{MonitoringCount: len(recs)}
	if len(recs) == 0 {
		return agg
	}

	var latencySum float64
	var p95Sum, p99Sum int64
	var errSum float64
	for _, r := range recs {
		snap := r.Snapshot()
		if snap.Healthy {
			agg.HealthyCount++
		}
		latencySum += snap.AvgLatencyMs
		p95Sum += snap.P95LatencyMs
		p99Sum += snap.P99LatencyMs
		errSum += snap.ErrorRate
	}
	n := float64(len(recs))
	agg.AvgLatencyMs = latencySum / n
	agg.P95LatencyMs = p95Sum / int64(len(recs))
	agg.P99LatencyMs = p99Sum / int64(len(recs))
	agg.ErrorRate = errSum / n
	return agg
}
