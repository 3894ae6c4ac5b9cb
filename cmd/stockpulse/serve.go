package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jpalmerr/stockpulse"
	"github.com/jpalmerr/stockpulse/config"
)

const (
	shutdownTimeout = 10 * time.Second
)

// newLogger creates a JSON logger for CLI use.
func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}

// loadEngine loads the config file and builds an engine from it.
func loadEngine(configFile string, logger *slog.Logger, extra ...stockpulse.Option) (*stockpulse.Engine, *config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	opts, err := config.BuildOptions(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build engine options: %w", err)
	}
	opts = append(opts, stockpulse.WithLogger(logger))
	opts = append(opts, extra...)

	e, err := stockpulse.New(opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create engine: %w", err)
	}
	return e, cfg, nil
}

// serveCmd starts scanning and the HTTP API.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start scanning and the HTTP API",
	Long: `Start the stockpulse engine.

The engine will:
  - Load configuration from the specified YAML file
  - Scan all configured targets on their priority schedule
  - Serve the HTTP API and signal stream on the configured port

The engine runs until interrupted (Ctrl+C) or receives SIGTERM.

Example:
  stockpulse serve -c config.yaml
  stockpulse serve --config /etc/stockpulse/config.yaml --port 9090`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringP("config", "c", "", "path to config file (required)")
	serveCmd.Flags().Int("port", 0, "override the configured HTTP port")
	serveCmd.Flags().BoolP("verbose", "v", false, "enable debug logging")
	_ = serveCmd.MarkFlagRequired("config")
}

func runServe(cmd *cobra.Command, args []string) error {
	verbose, _ := cmd.Flags().GetBool("verbose")
	logger := newLogger(verbose)

	var extra []stockpulse.Option
	if port, _ := cmd.Flags().GetInt("port"); port != 0 {
		extra = append(extra, stockpulse.WithPort(port))
	}

	configFile, _ := cmd.Flags().GetString("config")
	e, cfg, err := loadEngine(configFile, logger, extra...)
	if err != nil {
		return err
	}
	defer func() {
		if err := e.Close(); err != nil {
			logger.Error("failed to close engine", "error", err)
		}
	}()

	logger.Info("config loaded",
		"retailers", len(cfg.Retailers),
		"targets", len(e.Targets()),
		"webhooks", len(cfg.Webhooks),
	)
	logger.Info("starting engine", "port", e.Port())

	// cancel on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Start blocks until ctx is cancelled
	errChan := make(chan error, 1)
	go func() {
		errChan <- e.Start(ctx)
	}()

	select {
	case err := <-errChan:
		if err != nil {
			return fmt.Errorf("engine error: %w", err)
		}
		logger.Info("shutdown complete")
		return nil

	case <-ctx.Done():
		select {
		case err := <-errChan:
			if err != nil {
				return fmt.Errorf("engine error: %w", err)
			}
			logger.Info("shutdown complete")
			return nil
		case <-time.After(shutdownTimeout):
			logger.Warn("shutdown timed out",
				"timeout", shutdownTimeout.String(),
				"action", "forcing exit",
			)
			return nil
		}
	}
}
