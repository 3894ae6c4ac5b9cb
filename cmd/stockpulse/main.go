// Package main is the entry point for the stockpulse CLI.
//
// stockpulse can be run either as a library (SDK) or as a standalone binary
// with YAML configuration. This CLI provides the standalone binary approach.
//
// Usage:
//
//	stockpulse serve -c config.yaml                   # Start scanning and the API
//	stockpulse scan -c config.yaml --query "etb 151"  # Run one scan and print it
//	stockpulse validate -c config.yaml                # Validate configuration
//	stockpulse version                                # Show version info
package main

import (
	"fmt"
	"os"
	_ "time/tzdata"

	"github.com/spf13/cobra"
)

// Version information, set at build time via ldflags.
// Example: go build -ldflags "-X main.version=1.0.0"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// rootCmd is the base command when called without subcommands.
var rootCmd = &cobra.Command{
	Use:   "stockpulse",
	Short: "A product availability monitor",
	Long: `stockpulse watches retailers for product restocks.

It scans configured (retailer, query) targets on a priority schedule,
verifies availability across several indicators, and emits stock_found,
stock_lost and price_changed signals to webhooks, Postgres and an SSE
stream.

Quick start:
  1. Create a config file (stockpulse.yaml)
  2. Run: stockpulse serve -c stockpulse.yaml
  3. Follow signals: curl -N http://localhost:8080/api/sse

Example config:
  retailers:
    - id: demo
      type: mock
      catalog:
        etb:
          - {sku: sku-1, name: Elite Trainer Box, price: 49.99, in_stock: true}
  targets:
    - "demo:etb"`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		// cobra already printed the error
		os.Exit(1)
	}
}

func main() {
	Execute()
}

// versionCmd prints version information.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Print the version, commit hash, and build date of this stockpulse binary.`,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("stockpulse %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
