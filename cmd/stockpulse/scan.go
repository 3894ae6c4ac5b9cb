package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jpalmerr/stockpulse"
	"github.com/jpalmerr/stockpulse/retail"
)

// scanCmd runs a single on-demand scan.
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run one scan and print the result",
	Long: `Run a single scan cycle for a query and print the result as JSON.

The scan uses the retailers, tuning and storage of the config file, but
does not start the scheduler or the HTTP API. Signals produced by the scan
are still delivered to the configured webhooks and sinks.

Exit codes:
  0 - Scan completed (possibly partial; see "errors" and "skipped")
  1 - Invalid config or request

Example:
  stockpulse scan -c config.yaml --query "elite trainer box"
  stockpulse scan -c config.yaml -q "booster bundle" -r target -r walmart`,
	RunE: runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)

	scanCmd.Flags().StringP("config", "c", "", "path to config file (required)")
	scanCmd.Flags().StringP("query", "q", "", "product query (required)")
	scanCmd.Flags().StringSliceP("retailer", "r", nil, "restrict the scan to these retailers")
	scanCmd.Flags().BoolP("verbose", "v", false, "enable debug logging")
	_ = scanCmd.MarkFlagRequired("config")
	_ = scanCmd.MarkFlagRequired("query")
}

func runScan(cmd *cobra.Command, args []string) error {
	verbose, _ := cmd.Flags().GetBool("verbose")
	logger := newLogger(verbose)

	configFile, _ := cmd.Flags().GetString("config")
	e, _, err := loadEngine(configFile, logger, stockpulse.WithoutServer())
	if err != nil {
		return err
	}
	defer func() { _ = e.Close() }()

	query, _ := cmd.Flags().GetString("query")
	retailers, _ := cmd.Flags().GetStringSlice("retailer")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res, err := e.Scan(ctx, retail.ScanRequest{Query: query, Retailers: retailers})
	if err != nil {
		return fmt.Errorf("scan failed: %w", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}
