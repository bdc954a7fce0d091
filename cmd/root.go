package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// Exit codes for the gatewayd CLI.
const (
	// ExitCodeSuccess indicates successful execution.
	ExitCodeSuccess = 0
	// ExitCodeError indicates a general error (command failed, invalid arguments).
	ExitCodeError = 1
)

// rootCmd represents the base command for the gateway daemon. The CLI
// surface itself is deliberately minimal: serve and version, since the
// gateway is a single long-running process, not a multi-verb cluster-ops
// tool.
var rootCmd = &cobra.Command{
	Use:   "gatewayd",
	Short: "A JSON-RPC tool-invocation protocol gateway",
	Long: `gatewayd runs the gateway's HTTP Surface: it launches and pools
stdio/container adapters for registered tool templates, routes and load
balances JSON-RPC calls across instances, and exposes a REST API for
template/service management, routing, events, and configuration.`,
	SilenceUsage: true,
}

// SetVersion sets the version for the root command.
func SetVersion(v string) {
	rootCmd.Version = v
}

// GetVersion returns the current version of the application.
func GetVersion() string {
	return rootCmd.Version
}

// Execute is the entry point for the CLI application, called by main.main().
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "gatewayd version %s\n" .Version}}`)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(ExitCodeError)
	}
}

func init() {
	rootCmd.AddCommand(newVersionCmd())
}
