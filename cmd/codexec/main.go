// codexec runs generated Starlark code against discovered tools inside a
// policy-enforced sandbox.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/jkaninda/codexec/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "codexec",
	Short: "Sandboxed code execution and tool discovery engine.",
	Long: `codexec discovers tools from MCP and REST providers, publishes them as a
browsable catalog, and runs generated Starlark programs against them inside
a sandbox that enforces network, filesystem and resource policies.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultConfigPath(), "path to config file")
	rootCmd.AddCommand(serveCmd, mcpCmd, catalogCmd, validateCmd, execCmd, runCmd, versionCmd, workerCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
