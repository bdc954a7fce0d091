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

	"github.com/giantswarm/tool-gateway/internal/gwconfig"
	"github.com/giantswarm/tool-gateway/pkg/logging"
)

// Config is the gateway's process-level configuration: where it persists
// its documents, whether debug logging is on, and the resolved
// gwconfig.GatewayConfig document.
type Config struct {
	Debug       bool
	ConfigDir   string
	GatewayConf gwconfig.GatewayConfig
}

// NewConfig builds a Config by starting from gwconfig.Default(), loading
// any persisted config.json under configDir (if non-empty), and then
// applying process environment overrides — the same load-then-override
// order the teacher's own layered config loading follows.
func NewConfig(debug bool, configDir string) (*Config, error) {
	cfg := gwconfig.Default()

	if configDir != "" {
		store := gwconfig.NewStore(configDir)
		loaded, err := store.LoadConfig()
		if err != nil {
			return nil, fmt.Errorf("app: load persisted config: %w", err)
		}
		cfg = loaded
	}

	gwconfig.ApplyEnvOverrides(&cfg)

	return &Config{
		Debug:       debug,
		ConfigDir:   configDir,
		GatewayConf: cfg,
	}, nil
}

// logLevel resolves the effective logging.LogLevel: Debug always wins,
// otherwise GATEWAY_LOG_LEVEL is consulted directly since GatewayConfig
// itself carries no log-level field.
func (c *Config) logLevel() logging.LogLevel {
	if c.Debug {
		return logging.LevelDebug
	}
	switch os.Getenv(gwconfig.EnvLogLevel) {
	case "debug":
		return logging.LevelDebug
	case "warn":
		return logging.LevelWarn
	case "error":
		return logging.LevelError
	default:
		return logging.LevelInfo
	}
}
