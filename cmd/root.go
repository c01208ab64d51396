// Package cmd implements the code-context-agent command line.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is reported to MCP clients and by --version.
var Version = "1.0.0"

var (
	cfgFile     string
	verbose     bool
	backendFlag string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "code-context-agent",
	Short: "Structural code retrieval for LLM agents",
	Long: `code-context-agent finds code by structure rather than text. Named
templates such as "function definition named X" are rendered into ast-grep
patterns and run against a codebase.

The templates are served as MCP tools over stdio (code-context-agent serve)
or run one at a time from the command line (code-context-agent run).`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is <codebase>/.code-context/config.yaml, then the user config dir)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging on stderr")
	rootCmd.PersistentFlags().StringVar(&backendFlag, "backend", "", "ast-grep backend: local, docker or mcp (overrides config)")
}
