package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/giantswarm/tool-gateway/internal/app"
)

// serveDebug enables verbose logging across the gateway.
var serveDebug bool

// serveConfigPath specifies a directory for persisted config.json and
// templates/. When unset, the gateway runs with an in-memory,
// unpersisted template registry and default config.
var serveConfigPath string

// serveAddr overrides the listen address derived from the resolved config.
var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway's HTTP Surface",
	Long: `Starts the gateway: builds the Template Registry, Sandbox Policy, Event
Bus, Service Registry, Router, and Middleware Chain, then serves the
gateway's REST API until SIGINT/SIGTERM.

Configuration:
  Without --config-path the gateway starts with gwconfig.Default() and an
  unpersisted template registry. With --config-path it loads config.json
  and templates/*.json from that directory and watches it for changes.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := app.NewConfig(serveDebug, serveConfigPath)
	if err != nil {
		return fmt.Errorf("failed to build config: %w", err)
	}

	application, err := app.NewApplication(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	addr := serveAddr
	if addr == "" {
		addr = fmt.Sprintf("%s:%d", cfg.GatewayConf.Host, cfg.GatewayConf.Port)
	}
	return application.Run(ctx, addr)
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().BoolVar(&serveDebug, "debug", false, "Enable debug logging")
	serveCmd.Flags().StringVar(&serveConfigPath, "config-path", "", "Directory for persisted config.json and templates/")
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address override (default: config host:port)")
}
