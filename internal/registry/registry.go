// Package registry implements the Service Registry (spec §4.6): it
// composes the Template Registry, Instance Manager, Health Monitor,
// Circuit Breaker registry, and Load Balancer into the gateway's single
// public surface for creating, inspecting, and removing running service
// instances. The compose-six-subsystems-behind-one-facade shape mirrors
// muster's aggregator.ServerRegistry (internal/aggregator/registry.go),
// which layers an update-notification channel and name-conflict tracking
// on top of a plain id->info map; this registry layers health/breaker/
// balancer state on top of the instance map instead.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/giantswarm/tool-gateway/internal/balancer"
	"github.com/giantswarm/tool-gateway/internal/breaker"
	"github.com/giantswarm/tool-gateway/internal/events"
	"github.com/giantswarm/tool-gateway/internal/gwerrors"
	"github.com/giantswarm/tool-gateway/internal/health"
	"github.com/giantswarm/tool-gateway/internal/instance"
	"github.com/giantswarm/tool-gateway/internal/sandbox"
	"github.com/giantswarm/tool-gateway/internal/template"
	"github.com/giantswarm/tool-gateway/internal/transport"
	"github.com/giantswarm/tool-gateway/pkg/logging"
)

// DefaultConnectTimeout bounds how long createInstance waits for a fresh
// adapter's connect+initialize handshake.
const DefaultConnectTimeout = 5 * time.Second

// DefaultDisconnectTimeout bounds removeInstance's adapter teardown.
const DefaultDisconnectTimeout = 5 * time.Second

// Option configures a Registry at construction.
type Option func(*Registry)

func WithConnectTimeout(d time.Duration) Option    { return func(r *Registry) { r.connectTimeout = d } }
func WithDisconnectTimeout(d time.Duration) Option { return func(r *Registry) { r.disconnectTimeout = d } }
func WithHealthOptions(opts ...health.Option) Option {
	return func(r *Registry) { r.healthOpts = append(r.healthOpts, opts...) }
}
func WithBreakerConfig(cfg breaker.Config) Option { return func(r *Registry) { r.breakerCfg = cfg } }
func WithDefaultStrategy(s balancer.Strategy) Option {
	return func(r *Registry) { r.defaultStrategy = s }
}

// Registry is the Service Registry. One instance is constructed at
// startup and shared by the router and the HTTP surface.
type Registry struct {
	templates *template.Registry
	instances *instance.Manager
	health    *health.Monitor
	breakers  *breaker.Registry
	sandbox   sandbox.Policy
	bus       *events.Bus

	connectTimeout    time.Duration
	disconnectTimeout time.Duration
	healthOpts        []health.Option
	breakerCfg        breaker.Config
	defaultStrategy   balancer.Strategy

	adaptersMu sync.RWMutex
	adapters   map[string]transport.Adapter

	balancersMu sync.Mutex
	balancers   map[string]*balancer.Balancer

	createGroup singleflight.Group
}

// New constructs a Service Registry over templates, sharing bus for
// lifecycle event publication.
func New(templates *template.Registry, policy sandbox.Policy, bus *events.Bus, opts ...Option) *Registry {
	r := &Registry{
		templates:         templates,
		instances:         instance.NewManager(),
		breakers:          nil,
		sandbox:           policy,
		bus:               bus,
		connectTimeout:    DefaultConnectTimeout,
		disconnectTimeout: DefaultDisconnectTimeout,
		defaultStrategy:   balancer.StrategyRoundRobin,
		adapters:          make(map[string]transport.Adapter),
		balancers:         make(map[string]*balancer.Balancer),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.breakers = breaker.NewRegistry(r.breakerCfg)

	healthOpts := append([]health.Option{
		health.WithOnHealthChanged(r.onHealthChanged),
	}, r.healthOpts...)
	r.health = health.NewMonitor(r.instances, health.ProberFunc(r.probe), healthOpts...)
	return r
}

func (r *Registry) onHealthChanged(instanceID string, healthy bool, snap health.Snapshot) {
	r.bus.Publish(events.Event{
		Type:    "serviceHealthChanged",
		ID:      fmt.Sprintf("health-%s-%d", instanceID, snap.Timestamp.UnixNano()),
		Payload: map[string]interface{}{"instanceId": instanceID, "healthy": healthy, "errorRate": snap.ErrorRate},
	})
	if !healthy {
		r.bus.Publish(events.Event{
			Type:    "probeFailed",
			Payload: map[string]interface{}{"instanceId": instanceID, "lastError": snap.LastError},
		})
	}
}

// probe implements health.Prober by issuing a tools/list-equivalent
// envelope over the instance's current adapter.
func (r *Registry) probe(ctx context.Context, instanceID string) (bool, time.Duration, error) {
	r.adaptersMu.RLock()
	adapter, ok := r.adapters[instanceID]
	r.adaptersMu.RUnlock()
	if !ok {
		return false, 0, gwerrors.New(gwerrors.CodeNotFound, "no adapter for instance %q", instanceID)
	}

	id, _ := json.Marshal(uuid.NewString())
	envelope := &transport.Envelope{JSONRPC: "2.0", ID: id, Method: "tools/list"}

	start := time.Now()
	reply, err := adapter.SendAndReceive(ctx, envelope)
	latency := time.Since(start)
	if err != nil {
		return false, latency, err
	}
	if reply.Error != nil {
		return false, latency, gwerrors.New(gwerrors.CodeBackendError, "probe failed: %s", reply.Error.Message)
	}
	return true, latency, nil
}

func (r *Registry) balancerFor(templateName string) *balancer.Balancer {
	r.balancersMu.Lock()
	defer r.balancersMu.Unlock()
	b, ok := r.balancers[templateName]
	if !ok {
		b = balancer.New(r.defaultStrategy)
		r.balancers[templateName] = b
	}
	return b
}

// RegisterTemplate registers (or replaces, if replace is true) a template.
func (r *Registry) RegisterTemplate(tmpl template.Template, replace bool) error {
	return r.templates.Register(tmpl, replace)
}

// GetTemplate returns the named template.
func (r *Registry) GetTemplate(name string) (*template.Template, error) {
	return r.templates.Get(name)
}

// ListTemplates returns every registered template.
func (r *Registry) ListTemplates() []*template.Template {
	return r.templates.List()
}

// RemoveTemplate deletes a template definition. Existing instances created
// from it are left running; they are not evicted.
func (r *Registry) RemoveTemplate(name string) (bool, error) {
	return r.templates.Remove(name)
}

// resolveEnv merges overrides into the template's env and resolves
// ${NAME} references against the process environment. Unresolved
// references are left as literal text rather than failing, since a
// template may intentionally pass them through to the backend.
func resolveEnv(base, overrides map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(overrides))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	for k, v := range out {
		if strings.HasPrefix(v, "${") && strings.HasSuffix(v, "}") {
			name := strings.TrimSuffix(strings.TrimPrefix(v, "${"), "}")
			if resolved, ok := os.LookupEnv(name); ok {
				out[k] = resolved
			}
		}
	}
	return out
}

// CreateInstance resolves env references, applies the sandbox policy,
// freezes the resulting config, launches an adapter, and — unless mode is
// managed — starts health monitoring. On any failure past instance
// creation the instance is transitioned to error and the partial instance
// is left for inspection rather than silently discarded.
//
// Concurrent calls for the same templateName+overrides+mode collapse onto
// a single createInstanceOnce via singleflight, so a burst of identical
// requests (e.g. a client retrying a create it never got a response for)
// launches one instance, not several.
func (r *Registry) CreateInstance(templateName string, overrides map[string]string, mode instance.Mode) (instance.View, error) {
	key := createInstanceKey(templateName, overrides, mode)
	v, err, _ := r.createGroup.Do(key, func() (interface{}, error) {
		view, err := r.createInstanceOnce(templateName, overrides, mode)
		return view, err
	})
	return v.(instance.View), err
}

// createInstanceKey builds a deterministic singleflight key from a
// template name, an override map (sorted by key so map iteration order
// never splits an otherwise-identical request into two keys), and a mode.
func createInstanceKey(templateName string, overrides map[string]string, mode instance.Mode) string {
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(templateName)
	b.WriteByte('|')
	b.WriteString(string(mode))
	for _, k := range keys {
		b.WriteByte('|')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(overrides[k])
	}
	return b.String()
}

func (r *Registry) createInstanceOnce(templateName string, overrides map[string]string, mode instance.Mode) (instance.View, error) {
	tmpl, err := r.templates.Get(templateName)
	if err != nil {
		return instance.View{}, err
	}

	r.sandbox.ApplyTrustTier(tmpl)
	tmpl.Env = resolveEnv(tmpl.Env, overrides)

	resolvedCommand, err := r.sandbox.Validate(tmpl)
	if err != nil {
		return instance.View{}, gwerrors.Wrap(err, gwerrors.CodeForbidden, "sandbox rejected template %q: %v", templateName, err)
	}
	if resolvedCommand != "" {
		tmpl.Command = resolvedCommand
	}

	inst := r.instances.Create(templateName, tmpl, mode)
	if err := inst.UpdateState(instance.StateStarting); err != nil {
		return instance.View{}, err
	}

	adapter := r.buildAdapter(inst.ID, tmpl)
	ctx, cancel := context.WithTimeout(context.Background(), r.connectTimeout)
	defer cancel()
	if err := adapter.Connect(ctx); err != nil {
		_ = inst.UpdateState(instance.StateError)
		r.bus.Publish(events.Event{Type: "probeFailed", Payload: map[string]interface{}{"instanceId": inst.ID, "error": err.Error()}})
		return inst.View(), gwerrors.Wrap(err, gwerrors.CodeTransportFailure, "connect instance %q: %v", inst.ID, err)
	}

	r.adaptersMu.Lock()
	r.adapters[inst.ID] = adapter
	r.adaptersMu.Unlock()

	if err := inst.UpdateState(instance.StateRunning); err != nil {
		return inst.View(), err
	}

	r.health.Watch(inst.ID, mode, 0)
	r.balancerFor(templateName) // lazily create the template's balancer group

	r.bus.Publish(events.Event{
		Type:    "serviceCreated",
		ID:      "create-" + inst.ID,
		Payload: map[string]interface{}{"instanceId": inst.ID, "templateName": templateName},
	})
	logging.Audit(logging.AuditEvent{Action: "instance_create", Outcome: "success", Target: inst.ID})
	return inst.View(), nil
}

func (r *Registry) buildAdapter(instanceID string, tmpl *template.Template) transport.Adapter {
	timeout := time.Duration(tmpl.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	onStderr := func(ev transport.StderrEvent) {
		r.bus.Publish(events.Event{
			Type:      "stderr",
			Timestamp: ev.Timestamp,
			Payload:   map[string]interface{}{"instanceId": ev.InstanceID, "line": ev.Line},
		})
	}

	switch tmpl.Transport {
	case template.TransportHTTP:
		return transport.NewHTTPAdapter(tmpl.URL, tmpl.Headers, timeout)
	case template.TransportSSE:
		return transport.NewSSEAdapter(tmpl.URL, tmpl.Headers, timeout)
	case template.TransportContainer:
		adapter := transport.NewContainerAdapter(instanceID, tmpl.Container, tmpl.Command, tmpl.Args, tmpl.Env, timeout)
		adapter.OnStderr = onStderr
		return adapter
	default:
		adapter := transport.NewStdioAdapter(instanceID, tmpl.Command, tmpl.Args, tmpl.Env, timeout)
		adapter.OnStderr = onStderr
		return adapter
	}
}

// RemoveInstance stops monitoring, removes the instance from its
// template's balancer group, disconnects its adapter, and deletes it.
func (r *Registry) RemoveInstance(id string) error {
	inst, err := r.instances.Get(id)
	if err != nil {
		return err
	}
	templateName := inst.TemplateName

	r.health.Unwatch(id)
	r.breakers.Remove(id)
	r.balancerFor(templateName).Remove(id)

	r.adaptersMu.Lock()
	adapter, ok := r.adapters[id]
	delete(r.adapters, id)
	r.adaptersMu.Unlock()

	if ok {
		ctx, cancel := context.WithTimeout(context.Background(), r.disconnectTimeout)
		if err := adapter.Disconnect(ctx); err != nil {
			logging.Warn("ServiceRegistry", "error disconnecting instance %s: %v", id, err)
		}
		cancel()
	}

	if err := inst.UpdateState(instance.StateStopping); err != nil {
		logging.Debug("ServiceRegistry", "instance %s stopping transition: %v", id, err)
	}
	if err := inst.UpdateState(instance.StateStopped); err != nil {
		logging.Debug("ServiceRegistry", "instance %s stopped transition: %v", id, err)
	}

	if err := r.instances.Remove(id); err != nil {
		return err
	}

	r.bus.Publish(events.Event{
		Type:    "serviceStopped",
		ID:      "stop-" + id,
		Payload: map[string]interface{}{"instanceId": id, "templateName": templateName},
	})
	logging.Audit(logging.AuditEvent{Action: "instance_remove", Outcome: "success", Target: id})
	return nil
}

// ListInstances returns a view of every tracked instance.
func (r *Registry) ListInstances() []instance.View {
	insts := r.instances.List()
	out := make([]instance.View, 0, len(insts))
	for _, inst := range insts {
		out = append(out, inst.View())
	}
	return out
}

// GetInstance returns a view of the named instance.
func (r *Registry) GetInstance(id string) (instance.View, error) {
	inst, err := r.instances.Get(id)
	if err != nil {
		return instance.View{}, err
	}
	return inst.View(), nil
}

// GetInstancesByTemplate returns views of every instance of templateName.
func (r *Registry) GetInstancesByTemplate(templateName string) []instance.View {
	insts := r.instances.ListByTemplate(templateName)
	out := make([]instance.View, 0, len(insts))
	for _, inst := range insts {
		out = append(out, inst.View())
	}
	return out
}

// GetHealthyInstances returns views of instances in the running state
// whose most recent health sample (if any) reports healthy. templateName
// empty means across all templates.
func (r *Registry) GetHealthyInstances(templateName string) []instance.View {
	var insts []*instance.Instance
	if templateName == "" {
		insts = r.instances.List()
	} else {
		insts = r.instances.ListByTemplate(templateName)
	}

	out := make([]instance.View, 0, len(insts))
	for _, inst := range insts {
		if inst.State() != instance.StateRunning {
			continue
		}
		if snap, ok := r.health.Snapshot(inst.ID); ok && !snap.Healthy {
			continue
		}
		out = append(out, inst.View())
	}
	return out
}

// ScaleTemplate creates or removes instances of templateName until exactly
// targetCount remain.
func (r *Registry) ScaleTemplate(templateName string, targetCount int) error {
	if targetCount < 0 {
		return gwerrors.New(gwerrors.CodeValidation, "targetCount must be non-negative")
	}
	current := r.instances.ListByTemplate(templateName)

	if len(current) < targetCount {
		for i := len(current); i < targetCount; i++ {
			if _, err := r.CreateInstance(templateName, nil, instance.ModeKeepAlive); err != nil {
				return err
			}
		}
		return nil
	}

	for i := targetCount; i < len(current); i++ {
		if err := r.RemoveInstance(current[i].ID); err != nil {
			return err
		}
	}
	return nil
}

// CandidatesForTemplate builds the balancer.Candidate list for every
// instance of templateName, reflecting current running/breaker/health
// facts. Exposed so the router can apply rule-set filtering/rewriting to
// the same candidate set SelectBestInstance would otherwise build and
// consume internally.
func (r *Registry) CandidatesForTemplate(templateName string) ([]balancer.Candidate, error) {
	insts := r.instances.ListByTemplate(templateName)
	if len(insts) == 0 {
		return nil, gwerrors.New(gwerrors.CodeNoServiceAvailable, "no instances for template %q", templateName)
	}

	candidates := make([]balancer.Candidate, 0, len(insts))
	for _, inst := range insts {
		healthy := true
		if snap, ok := r.health.Snapshot(inst.ID); ok {
			healthy = snap.Healthy
		}
		weight := 0
		if w, ok := inst.Metadata()["weight"].(int); ok {
			weight = w
		}
		candidates = append(candidates, balancer.Candidate{
			ID:          inst.ID,
			Running:     inst.State() == instance.StateRunning,
			BreakerOpen: r.breakers.Get(inst.ID).State() == breaker.StateOpen,
			Healthy:     healthy,
			Weight:      weight,
		})
	}
	return candidates, nil
}

// SelectBestInstance picks an instance ID among templateName's instances
// under strategy, sharing the template's balancer group so metrics persist
// across calls regardless of which strategy any individual call asks for.
func (r *Registry) SelectBestInstance(templateName string, strategy balancer.Strategy) (string, error) {
	candidates, err := r.CandidatesForTemplate(templateName)
	if err != nil {
		return "", err
	}
	return r.SelectFromCandidates(templateName, candidates, strategy)
}

// SelectFromCandidates runs templateName's shared balancer over an
// explicit candidate list (as the router produces after rule-set
// filtering) instead of rebuilding candidates from current instance
// state.
func (r *Registry) SelectFromCandidates(templateName string, candidates []balancer.Candidate, strategy balancer.Strategy) (string, error) {
	return r.balancerFor(templateName).SelectWithStrategy(templateName, candidates, strategy)
}

// CheckHealth forces an immediate out-of-band probe of id.
func (r *Registry) CheckHealth(id string) error {
	return r.health.ProbeNow(context.Background(), id)
}

// ReportHeartbeat injects an externally observed health sample for id,
// the sole health-update path for managed-mode instances.
func (r *Registry) ReportHeartbeat(id string, healthy bool, latency time.Duration, err error) {
	r.health.ReportHeartbeat(id, healthy, latency, err)
}

// GetHealthAggregates returns the global health rollup.
func (r *Registry) GetHealthAggregates() health.Aggregate {
	return r.health.Aggregate()
}

// Stats is the registry-wide snapshot returned by GetRegistryStats.
type Stats struct {
	TemplateCount int
	InstanceCount int
	ByState       map[instance.State]int
}

// GetRegistryStats returns a point-in-time rollup of templates and
// instances by state.
func (r *Registry) GetRegistryStats() Stats {
	insts := r.instances.List()
	stats := Stats{
		TemplateCount: len(r.templates.List()),
		InstanceCount: len(insts),
		ByState:       make(map[instance.State]int),
	}
	for _, inst := range insts {
		stats.ByState[inst.State()]++
	}
	return stats
}

// Breaker returns the circuit breaker for instance id, creating it lazily.
func (r *Registry) Breaker(id string) *breaker.Breaker {
	return r.breakers.Get(id)
}

// RecordOutcome feeds a completed call's latency/success back into the
// instance's balancer metrics, for the load-balancer middleware.
func (r *Registry) RecordOutcome(templateName, instanceID string, latency time.Duration, success bool) {
	r.balancerFor(templateName).RecordOutcome(instanceID, latency, success)
}

// Bus returns the shared event bus, for components that need to subscribe
// directly (e.g. the SSE hub).
func (r *Registry) Bus() *events.Bus {
	return r.bus
}

// SandboxPolicy returns the registry's sandbox policy, for callers that
// need to dry-run command/volume resolution without creating an
// instance (e.g. the HTTP surface's template diagnose endpoint).
func (r *Registry) SandboxPolicy() sandbox.Policy {
	return r.sandbox
}

// Adapter borrows the pooled transport adapter for a running instance, for
// the router's proxy path. Every instance's adapter is created and kept
// connected for the instance's lifetime (see CreateInstance), so this is
// always a borrow, never an open — the router never owns adapter
// lifecycle itself.
func (r *Registry) Adapter(instanceID string) (transport.Adapter, bool) {
	r.adaptersMu.RLock()
	defer r.adaptersMu.RUnlock()
	a, ok := r.adapters[instanceID]
	return a, ok
}
