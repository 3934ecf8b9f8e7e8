package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd is the base command for the mcprelay application.
var rootCmd = &cobra.Command{
	Use:   "mcprelay",
	Short: "Relay authenticated MCP sessions for browser and agent clients",
	Long: `mcprelay maintains durable, authenticated connections to remote MCP
servers on behalf of end users. Clients open a per-identity event stream
and drive their sessions through a small RPC surface; mcprelay handles
transport negotiation, OAuth, reconnection, and tool aggregation.`,
	SilenceUsage: true,
}

// SetVersion sets the version for the root command. Called from the
// main package to inject the build version.
func SetVersion(v string) {
	rootCmd.Version = v
}

// Execute is the main entry point for the CLI.
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "mcprelay version %s\n" .Version}}`)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(newVersionCmd())
}
