package cmd

import (
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/giantswarm/tool-gateway/internal/gwconfig"
)

// versionCheckTimeout bounds the liveness probe against a possibly-running
// gateway.
const versionCheckTimeout = 2 * time.Second

// newVersionCmd creates the Cobra command for displaying the application
// version, and reports whether a gateway is reachable at the configured
// listen address.
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number of gatewayd",
		Long: `Displays the gatewayd build version and, if a gateway is reachable at the
configured listen address, confirms its /health endpoint is responding.`,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "gatewayd version %s\n", rootCmd.Version)

			cfg := gwconfig.Default()
			gwconfig.ApplyEnvOverrides(&cfg)
			addr := fmt.Sprintf("http://%s:%d/health", cfg.Host, cfg.Port)

			if err := probeHealth(addr); err != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "\nGateway at %s: (not reachable)\n", addr)
				return
			}
			fmt.Fprintf(cmd.OutOrStdout(), "\nGateway at %s: healthy\n", addr)
		},
	}
}

func probeHealth(addr string) error {
	client := http.Client{Timeout: versionCheckTimeout}
	resp, err := client.Get(addr)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}
