// Package app is the gateway's composition root: it wires the Template
// Registry, Sandbox Policy, Event Bus, Service Registry, Router,
// Authenticator, Middleware Chain, and HTTP Surface into one running
// process, and owns the signal-driven startup/shutdown sequence. Grounded
// on muster's internal/app (bootstrap.go's two-phase NewApplication/Run
// split and modes.go's SIGINT/SIGTERM graceful-shutdown idiom), generalized
// from "start an orchestrator with many service kinds" to "start one
// gateway daemon behind a single HTTP Surface."
package app

import (
	"fmt"
	"os"

	"github.com/giantswarm/tool-gateway/internal/authn"
	"github.com/giantswarm/tool-gateway/internal/balancer"
	"github.com/giantswarm/tool-gateway/internal/events"
	"github.com/giantswarm/tool-gateway/internal/gwconfig"
	"github.com/giantswarm/tool-gateway/internal/httpapi"
	"github.com/giantswarm/tool-gateway/internal/middleware"
	"github.com/giantswarm/tool-gateway/internal/registry"
	"github.com/giantswarm/tool-gateway/internal/router"
	"github.com/giantswarm/tool-gateway/internal/sandbox"
	"github.com/giantswarm/tool-gateway/internal/template"
	"github.com/giantswarm/tool-gateway/pkg/logging"
)

// Application holds every initialized component. It is the single place
// that knows how the gateway's pieces fit together; everything else only
// knows its own package.
type Application struct {
	cfg *Config

	store    *gwconfig.Store
	bus      *events.Bus
	registry *registry.Registry
	router   *router.Router
	server   *httpapi.Server
	watcher  *gwconfig.Watcher
}

// NewApplication performs the gateway's full initialization sequence:
//
//  1. Store + persisted documents (config, templates) when ConfigDir is set
//  2. Sandbox Policy, derived from the resolved GatewayConfig
//  3. Event Bus
//  4. Service Registry (templates, sandbox, bus)
//  5. Router over the registry
//  6. Authenticator, wired per AuthMode
//  7. Middleware Chain (load-balancer, rate-limit, security-guard,
//     authentication)
//  8. HTTP Surface
//  9. Config Watcher, when ConfigDir is set (hot reload)
//
// This mirrors the teacher's own InitializeServices ordering — storage
// first, adapters before the APIs that use them, concrete services last —
// generalized from "many service kinds sharing one storage and registry"
// to "one registry and one router sharing one store."
func NewApplication(cfg *Config) (*Application, error) {
	logging.InitServer(cfg.logLevel(), os.Stderr)

	var store *gwconfig.Store
	var tmplRegistry *template.Registry
	if cfg.ConfigDir != "" {
		store = gwconfig.NewStore(cfg.ConfigDir)
		reg, err := template.NewRegistryWithStore(store)
		if err != nil {
			return nil, fmt.Errorf("app: load template registry: %w", err)
		}
		tmplRegistry = reg
	} else {
		tmplRegistry = template.NewRegistry()
	}

	policy := sandboxPolicyFromConfig(cfg.GatewayConf.Sandbox)

	bus := events.New(0)

	reg := registry.New(tmplRegistry, policy, bus)

	rt := router.New(reg, 0)

	authenticator := authenticatorFromConfig(cfg.GatewayConf)

	chain := middleware.NewChain()
	chain.Use(middleware.NewLoadBalancerMiddleware(reg, balancerStrategy(cfg.GatewayConf.RoutingStrategy)))
	if cfg.GatewayConf.RateLimit.Enabled {
		chain.Use(middleware.NewRateLimitMiddleware(cfg.GatewayConf.RateLimit.RequestsPerWindow, rateLimitRefillRate(cfg.GatewayConf.RateLimit)))
	}
	chain.Use(middleware.NewSecurityGuardMiddleware(policy))
	if authenticator != nil {
		chain.Use(middleware.NewAuthenticationMiddleware(authenticator))
	}

	server := httpapi.NewServer(reg, rt, store, authenticator, chain, cfg.GatewayConf)

	var watcher *gwconfig.Watcher
	if store != nil {
		w, err := gwconfig.NewWatcher(store, 0)
		if err != nil {
			logging.Warn("App", "config watcher unavailable, hot reload disabled: %v", err)
		} else {
			watcher = w
		}
	}

	return &Application{
		cfg:      cfg,
		store:    store,
		bus:      bus,
		registry: reg,
		router:   rt,
		server:   server,
		watcher:  watcher,
	}, nil
}

// sandboxPolicyFromConfig builds a sandbox.Policy seeded with the
// persisted allow-list on top of the process PATH, the same "PATH plus
// configured extra roots" shape DefaultPolicy already expects.
func sandboxPolicyFromConfig(cfg gwconfig.SandboxConfig) sandbox.Policy {
	extraRoots := append([]string(nil), cfg.AllowedExecutables...)
	if cfg.AllowListRoot != "" {
		extraRoots = append(extraRoots, cfg.AllowListRoot)
	}
	policy := sandbox.DefaultPolicy(extraRoots...)
	policy.AllowedVolumeRoots = cfg.AllowedVolumes
	return policy
}

// authenticatorFromConfig wires an authn.Authenticator per AuthMode.
// AuthModeNone returns nil, matching httpapi.Server's documented contract
// that a nil authenticator disables the auth-gating middleware entirely.
func authenticatorFromConfig(cfg gwconfig.GatewayConfig) *authn.Authenticator {
	switch cfg.AuthMode {
	case gwconfig.AuthModeNone:
		return nil
	case gwconfig.AuthModeHandshake:
		secret := []byte(os.Getenv("GATEWAY_HANDSHAKE_SECRET"))
		return authn.New(authn.NewHandshakeValidator(secret))
	default:
		return authn.New(nil)
	}
}

func balancerStrategy(s gwconfig.RoutingStrategy) balancer.Strategy {
	switch s {
	case gwconfig.RoutingLeastConn:
		return balancer.StrategyLeastConn
	case gwconfig.RoutingWeighted:
		return balancer.StrategyWeighted
	case gwconfig.RoutingLeastLatency:
		return balancer.StrategyLeastLatency
	case gwconfig.RoutingFailover:
		return balancer.StrategyFailover
	default:
		return balancer.StrategyRoundRobin
	}
}

// rateLimitRefillRate derives a per-second token refill rate from the
// configured window so a bucket of RequestsPerWindow tokens refills over
// exactly WindowSeconds, matching the sliding-window semantics the
// persisted config describes.
func rateLimitRefillRate(cfg gwconfig.RateLimitConfig) float64 {
	if cfg.WindowSeconds <= 0 {
		return float64(cfg.RequestsPerWindow)
	}
	return float64(cfg.RequestsPerWindow) / float64(cfg.WindowSeconds)
}
