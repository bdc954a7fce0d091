// Package router implements the Router (spec §4.8): rule-priority
// matching over a registry-supplied candidate list, a bounded
// request-history ring, and the proxy path that actually sends an
// envelope over a chosen instance's adapter. Grounded on the
// other_examples LLM-gateway proxy (CirtusX-ctrl-ai: internal/proxy's
// engine.Evaluate → Decision{Action, Rule, Message} shape), generalized
// from a single guardrail-engine lookup into an ordered rule set with
// filter/rewrite/pin actions, and on internal/health.Record's bounded
// ring-buffer-with-mutex idiom for the request-history ring.
package router

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/giantswarm/tool-gateway/internal/balancer"
	"github.com/giantswarm/tool-gateway/internal/breaker"
	"github.com/giantswarm/tool-gateway/internal/events"
	"github.com/giantswarm/tool-gateway/internal/gwerrors"
	"github.com/giantswarm/tool-gateway/internal/registry"
	"github.com/giantswarm/tool-gateway/internal/transport"
)

// DefaultHistorySize is the number of most recent routing decisions kept
// in the request-history ring.
const DefaultHistorySize = 256

// Request is what route() matches rules against and forwards to the
// load balancer.
type Request struct {
	Method       string
	ServiceGroup string
	Candidates   []balancer.Candidate
	Strategy     balancer.Strategy
}

// Action mutates the request's candidate set or pins a specific
// instance, returning the (possibly narrowed/reordered) candidates to
// continue matching with.
type Action func(req *Request) []balancer.Candidate

// Rule is one entry in the router's rule set: a numeric priority (higher
// runs first), a predicate over request attributes, and an action that
// may filter, rewrite, or pin the candidate set.
type Rule struct {
	Name      string
	Priority  int
	Predicate func(req *Request) bool
	Action    Action
}

// Decision is the structured result of route(): the chosen instance,
// which strategy selected it, which rule filters applied, and a
// human-readable reason.
type Decision struct {
	InstanceID     string
	Strategy       balancer.Strategy
	FiltersApplied []string
	Reason         string
	Timestamp      time.Time
	Success        bool
}

type historyEntry struct {
	decision Decision
}

// Aggregate is the router's rolled-up metrics: total requests, overall
// success rate, and a per-strategy request tally.
type Aggregate struct {
	TotalRequests int
	SuccessRate   float64
	ByStrategy    map[balancer.Strategy]int
}

// Router applies the rule set, delegates selection to the registry's
// load balancer, and proxies to the chosen instance's adapter.
type Router struct {
	reg *registry.Registry

	rulesMu sync.RWMutex
	rules   []Rule

	historyMu   sync.Mutex
	history     []historyEntry
	historyNext int
	historyLen  int
	historySize int

	metrics *Metrics
}

// New constructs a Router over reg.
func New(reg *registry.Registry, historySize int) *Router {
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	return &Router{
		reg:         reg,
		history:     make([]historyEntry, historySize),
		historySize: historySize,
		metrics:     newMetrics(),
	}
}

// Metrics returns the Router's Prometheus registry, for mounting a
// /metrics HTTP handler.
func (rt *Router) Metrics() *Metrics {
	return rt.metrics
}

// AddRule registers rule. Rules run in descending priority order;
// RemoveRule and repeated AddRule calls re-sort the set.
func (rt *Router) AddRule(rule Rule) {
	rt.rulesMu.Lock()
	defer rt.rulesMu.Unlock()
	rt.rules = append(rt.rules, rule)
	sort.SliceStable(rt.rules, func(i, j int) bool { return rt.rules[i].Priority > rt.rules[j].Priority })
}

// RemoveRule drops the named rule, if present.
func (rt *Router) RemoveRule(name string) {
	rt.rulesMu.Lock()
	defer rt.rulesMu.Unlock()
	for i, r := range rt.rules {
		if r.Name == name {
			rt.rules = append(rt.rules[:i], rt.rules[i+1:]...)
			return
		}
	}
}

// Route applies the rule set to req's candidates in priority order, then
// selects a final instance via the registry's load balancer.
func (rt *Router) Route(req *Request) (Decision, error) {
	start := time.Now()
	strategy := req.Strategy
	var filtersApplied []string

	rt.rulesMu.RLock()
	rules := make([]Rule, len(rt.rules))
	copy(rules, rt.rules)
	rt.rulesMu.RUnlock()

	if req.Candidates == nil {
		candidates, err := rt.reg.CandidatesForTemplate(req.ServiceGroup)
		if err != nil {
			decision := Decision{Strategy: strategy, Reason: err.Error(), Timestamp: time.Now()}
			rt.record(decision)
			rt.metrics.observe(strategy, false, time.Since(start))
			return decision, err
		}
		req.Candidates = candidates
	}

	for _, rule := range rules {
		if rule.Predicate == nil || !rule.Predicate(req) {
			continue
		}
		req.Candidates = rule.Action(req)
		filtersApplied = append(filtersApplied, rule.Name)
	}

	if len(req.Candidates) == 0 {
		decision := Decision{Strategy: strategy, FiltersApplied: filtersApplied, Reason: "no candidates after rule evaluation", Timestamp: time.Now()}
		rt.record(decision)
		rt.metrics.observe(strategy, false, time.Since(start))
		return decision, gwerrors.New(gwerrors.CodeNoServiceAvailable, "no candidates remain for service group %q", req.ServiceGroup)
	}

	instanceID, err := rt.selectInstance(req, strategy)
	if err != nil {
		decision := Decision{Strategy: strategy, FiltersApplied: filtersApplied, Reason: err.Error(), Timestamp: time.Now()}
		rt.record(decision)
		rt.metrics.observe(strategy, false, time.Since(start))
		return decision, err
	}

	decision := Decision{
		InstanceID:     instanceID,
		Strategy:       strategy,
		FiltersApplied: filtersApplied,
		Reason:         "matched",
		Timestamp:      time.Now(),
		Success:        true,
	}
	rt.record(decision)
	rt.metrics.observe(strategy, true, time.Since(start))
	rt.metrics.setBreakerOpen(instanceID, rt.reg.Breaker(instanceID).State() == breaker.StateOpen)
	return decision, nil
}

// selectInstance runs the load balancer over req's (possibly rule-
// narrowed) candidate set via the registry, using req.ServiceGroup as
// the template name. The registry's balancer state (round-robin cursor,
// breaker, latency history) is keyed by template name, so rule-narrowed
// candidates still share the same balancer group as an unfiltered call.
func (rt *Router) selectInstance(req *Request, strategy balancer.Strategy) (string, error) {
	return rt.reg.SelectFromCandidates(req.ServiceGroup, req.Candidates, strategy)
}

func (rt *Router) record(d Decision) {
	rt.historyMu.Lock()
	defer rt.historyMu.Unlock()
	rt.history[rt.historyNext] = historyEntry{decision: d}
	rt.historyNext = (rt.historyNext + 1) % rt.historySize
	if rt.historyLen < rt.historySize {
		rt.historyLen++
	}
}

// History returns the most recent routing decisions, oldest first.
func (rt *Router) History() []Decision {
	rt.historyMu.Lock()
	defer rt.historyMu.Unlock()

	out := make([]Decision, 0, rt.historyLen)
	if rt.historyLen < rt.historySize {
		for i := 0; i < rt.historyLen; i++ {
			out = append(out, rt.history[i].decision)
		}
		return out
	}
	for i := 0; i < rt.historySize; i++ {
		idx := (rt.historyNext + i) % rt.historySize
		out = append(out, rt.history[idx].decision)
	}
	return out
}

// Aggregate computes the router's rolled-up metrics over its retained
// history.
func (rt *Router) Aggregate() Aggregate {
	entries := rt.History()
	agg := Aggregate{TotalRequests: len(entries), ByStrategy: make(map[balancer.Strategy]int)}
	if len(entries) == 0 {
		return agg
	}

	var successes int
	for _, d := range entries {
		if d.Success {
			successes++
		}
		agg.ByStrategy[d.Strategy]++
	}
	agg.SuccessRate = float64(successes) / float64(len(entries))
	return agg
}

// Proxy borrows the adapter for instanceId, emits sent/message lifecycle
// events to the event bus, and performs a correlated send-and-receive.
// Every adapter in this gateway is pooled for its instance's entire
// lifetime by the registry, so Proxy never owns connect/disconnect
// itself — "open or borrow" collapses to "borrow".
func (rt *Router) Proxy(ctx context.Context, instanceID string, envelope *transport.Envelope) (*transport.Envelope, error) {
	adapter, ok := rt.reg.Adapter(instanceID)
	if !ok {
		return nil, gwerrors.New(gwerrors.CodeNotFound, "no adapter pooled for instance %q", instanceID)
	}

	rt.reg.Bus().Publish(events.Event{
		Type:    "sent",
		Payload: map[string]interface{}{"instanceId": instanceID, "method": envelope.Method},
	})

	reply, err := adapter.SendAndReceive(ctx, envelope)
	if err != nil {
		return nil, gwerrors.Wrap(err, gwerrors.CodeTransportFailure, "proxy call to instance %q failed", instanceID)
	}

	rt.reg.Bus().Publish(events.Event{
		Type:    "message",
		Payload: map[string]interface{}{"instanceId": instanceID, "method": envelope.Method},
	})

	return reply, nil
}
