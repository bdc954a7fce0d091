// Package gwconfig owns the gateway's two persisted JSON documents: the
// gateway config (listener, auth mode, routing strategy, rate limiting,
// CORS, sandbox policy) and the template registry (one JSON file per
// template under a templates/ subfolder). Both are written atomically via
// temp-file-plus-rename, and the gateway config directory can optionally be
// watched with fsnotify for hot reload.
package gwconfig

import (
	"os"
	"strconv"
	"strings"
)

// AuthMode selects which authentication scheme the HTTP Surface enforces.
type AuthMode string

const (
	AuthModeNone      AuthMode = "none"
	AuthModeBearer    AuthMode = "bearer"
	AuthModeAPIKey    AuthMode = "apikey"
	AuthModeHandshake AuthMode = "handshake"
)

// RoutingStrategy selects the Load Balancer's default candidate-selection
// algorithm when a template doesn't override it.
type RoutingStrategy string

const (
	RoutingRoundRobin   RoutingStrategy = "round-robin"
	RoutingLeastConn    RoutingStrategy = "least-conn"
	RoutingWeighted     RoutingStrategy = "weighted"
	RoutingLeastLatency RoutingStrategy = "least-latency"
	RoutingFailover     RoutingStrategy = "failover"
)

// RateLimitConfig bounds admitted requests per principal within a sliding
// window, enforced by the rate-limit middleware.
type RateLimitConfig struct {
	Enabled           bool `json:"enabled"`
	RequestsPerWindow int  `json:"requestsPerWindow"`
	WindowSeconds     int  `json:"windowSeconds"`
}

// CORSConfig controls the HTTP Surface's CORS headers.
type CORSConfig struct {
	Enabled        bool     `json:"enabled"`
	AllowedOrigins []string `json:"allowedOrigins"`
}

// SandboxConfig bounds what the sandbox package will allow stdio/container
// transports to launch.
type SandboxConfig struct {
	AllowListRoot      string   `json:"allowListRoot"`
	AllowedExecutables []string `json:"allowedExecutables"`
	AllowedVolumes     []string `json:"allowedVolumes"`
}

// GatewayConfig is the top-level persisted gateway configuration document.
type GatewayConfig struct {
	Host            string          `json:"host"`
	Port            int             `json:"port"`
	AuthMode        AuthMode        `json:"authMode"`
	RoutingStrategy RoutingStrategy `json:"routingStrategy"`
	RateLimit       RateLimitConfig `json:"rateLimit"`
	CORS            CORSConfig      `json:"cors"`
	Sandbox         SandboxConfig   `json:"sandbox"`
}

// Default returns the gateway config used when no config.json exists yet.
func Default() GatewayConfig {
	return GatewayConfig{
		Host:            "0.0.0.0",
		Port:            8080,
		AuthMode:        AuthModeNone,
		RoutingStrategy: RoutingRoundRobin,
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerWindow: 100,
			WindowSeconds:     60,
		},
		CORS: CORSConfig{Enabled: false},
	}
}

// Environment variable names read at startup. ApplyEnvOverrides reads
// EnvHost, EnvPort, EnvAuthMode and EnvSandboxRoot; internal/app reads
// EnvLogLevel. EnvConfigPath is not read by any package.
const (
	EnvHost        = "GATEWAY_HOST"
	EnvPort        = "GATEWAY_PORT"
	EnvAuthMode    = "GATEWAY_AUTH_MODE"
	EnvLogLevel    = "GATEWAY_LOG_LEVEL"
	EnvConfigPath  = "GATEWAY_CONFIG_PATH"
	EnvSandboxRoot = "GATEWAY_SANDBOX_ROOT"
)

// ApplyEnvOverrides overlays process environment variables onto a loaded
// config, matching the core env vars named in the external interfaces.
func ApplyEnvOverrides(cfg *GatewayConfig) {
	if v := os.Getenv(EnvHost); v != "" {
		cfg.Host = v
	}
	if v := os.Getenv(EnvPort); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Port = port
		}
	}
	if v := os.Getenv(EnvAuthMode); v != "" {
		cfg.AuthMode = AuthMode(v)
	}
	if v := os.Getenv(EnvSandboxRoot); v != "" {
		cfg.Sandbox.AllowListRoot = v
	}
}

// ResolveEnvRefs replaces ${NAME} occurrences in s with the value of the
// process environment variable NAME. A reference to an unset variable is
// left as the literal ${NAME} text, per the env-ref resolution scenario.
func ResolveEnvRefs(s string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	var out strings.Builder
	for i := 0; i < len(s); {
		start := strings.Index(s[i:], "${")
		if start == -1 {
			out.WriteString(s[i:])
			break
		}
		start += i
		out.WriteString(s[i:start])
		end := strings.IndexByte(s[start:], '}')
		if end == -1 {
			out.WriteString(s[start:])
			break
		}
		end += start
		name := s[start+2 : end]
		if val, ok := os.LookupEnv(name); ok {
			out.WriteString(val)
		} else {
			out.WriteString(s[start : end+1])
		}
		i = end + 1
	}
	return out.String()
}

// ResolveEnvMap applies ResolveEnvRefs to every value in an env map,
// returning a new map (the input is left unmodified).
func ResolveEnvMap(env map[string]string) map[string]string {
	resolved := make(map[string]string, len(env))
	for k, v := range env {
		resolved[k] = ResolveEnvRefs(v)
	}
	return resolved
}

// ResolveEnvSlice applies ResolveEnvRefs to every element of a string slice.
func ResolveEnvSlice(values []string) []string {
	resolved := make([]string, len(values))
	for i, v := range values {
		resolved[i] = ResolveEnvRefs(v)
	}
	return resolved
}
