package middleware

import (
	"context"
	"time"

	"github.com/giantswarm/tool-gateway/internal/balancer"
	"github.com/giantswarm/tool-gateway/internal/gwerrors"
	"github.com/giantswarm/tool-gateway/internal/registry"
)

// LoadBalancerMiddleware selects the backend instance for a request
// before the tool stage runs, and records the outcome (latency,
// success) against that instance's balancer metrics after.
type LoadBalancerMiddleware struct {
	reg      *registry.Registry
	strategy balancer.Strategy
}

// NewLoadBalancerMiddleware constructs a LoadBalancerMiddleware selecting
// instances of a request's template with strategy.
func NewLoadBalancerMiddleware(reg *registry.Registry, strategy balancer.Strategy) *LoadBalancerMiddleware {
	return &LoadBalancerMiddleware{reg: reg, strategy: strategy}
}

func (m *LoadBalancerMiddleware) Name() string { return "load-balancer" }

// BeforeTool reads state.Values["templateName"] (set by the router once
// it has resolved a serviceGroup to a template), selects an instance,
// and stores both the instance ID and the selection start time for
// AfterTool's outcome recording.
func (m *LoadBalancerMiddleware) BeforeTool(ctx context.Context, state *State) error {
	templateRaw, _ := state.Get("templateName")
	templateName, _ := templateRaw.(string)
	if templateName == "" {
		return gwerrors.New(gwerrors.CodeValidation, "no templateName set before load-balancer stage")
	}

	strategy := m.strategy
	if overrideRaw, ok := state.Get("strategy"); ok {
		if override, ok := overrideRaw.(balancer.Strategy); ok && override != "" {
			strategy = override
		}
	}

	instanceID, err := m.reg.SelectBestInstance(templateName, strategy)
	if err != nil {
		return err
	}

	state.Set("instanceId", instanceID)
	state.Set("selectionStart", time.Now())
	return nil
}

// AfterTool records the outcome of the tool call against the selected
// instance's balancer metrics: latency since selection, and success
// unless state carries a "toolError" value.
func (m *LoadBalancerMiddleware) AfterTool(ctx context.Context, state *State) error {
	templateRaw, _ := state.Get("templateName")
	templateName, _ := templateRaw.(string)
	instanceRaw, _ := state.Get("instanceId")
	instanceID, _ := instanceRaw.(string)
	if templateName == "" || instanceID == "" {
		return nil
	}

	startRaw, _ := state.Get("selectionStart")
	start, _ := startRaw.(time.Time)
	var latency time.Duration
	if !start.IsZero() {
		latency = time.Since(start)
	}

	_, toolErrPresent := state.Get("toolError")
	m.reg.RecordOutcome(templateName, instanceID, latency, !toolErrPresent)
	return nil
}
