package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jpalmerr/stockpulse/config"
)

// validateCmd validates a config file without starting the engine.
var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a config file",
	Long: `Validate a stockpulse configuration file without starting the engine.

This command parses the YAML, expands environment variables, validates
all fields, builds every retailer adapter and expands every target grid.
It's useful for CI/CD pipelines or pre-deployment checks.

Exit codes:
  0 - Config is valid
  1 - Config is invalid (error details printed to stderr)

Example:
  stockpulse validate -c config.yaml
  stockpulse validate --config /etc/stockpulse/config.yaml`,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().StringP("config", "c", "", "path to config file (required)")
	_ = validateCmd.MarkFlagRequired("config")
}

func runValidate(cmd *cobra.Command, args []string) error {
	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// selectors and templates are only checked when built
	if _, err := config.BuildAdapters(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	targets, err := config.BuildTargets(cfg)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	watched := 0
	for _, t := range targets {
		if t.Watch {
			watched++
		}
	}

	storage := "memory"
	if cfg.Storage.SQLite != "" {
		storage = "sqlite " + cfg.Storage.SQLite
	}

	fmt.Printf("Config is valid!\n")
	fmt.Printf("  Port:      %d\n", cfg.Port)
	fmt.Printf("  Retailers: %d\n", len(cfg.Retailers))
	fmt.Printf("  Targets:   %d (%d watched)\n", len(targets), watched)
	fmt.Printf("  Storage:   %s\n", storage)
	fmt.Printf("  Webhooks:  %d\n", len(cfg.Webhooks))

	return nil
}
