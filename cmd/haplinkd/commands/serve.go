package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nexhaptics/haplink/internal/logger"
	"github.com/nexhaptics/haplink/internal/tracing"
	"github.com/nexhaptics/haplink/pkg/metrics"
	"github.com/nexhaptics/haplink/pkg/server"

	// Register prometheus metric constructors.
	_ "github.com/nexhaptics/haplink/pkg/metrics/prometheus"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway server",
	Long: `Run the Haplink gateway in the foreground until interrupted.

The server loads its configuration from --config (or the default location),
restores persisted device records, and serves the websocket endpoint.

Examples:
  # Serve with the default config
  haplinkd serve

  # Serve with a custom config file
  haplinkd serve --config /etc/haplink/config.yaml

  # Override a setting from the environment
  HAPLINK_LOGGING_LEVEL=DEBUG haplinkd serve`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := initLogger(cfg); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tracingCfg := cfg.Tracing
	if tracingCfg.ServiceVersion == "" {
		tracingCfg.ServiceVersion = Version
	}
	tracingShutdown, err := tracing.Init(ctx, tracingCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		if err := tracingShutdown(ctx); err != nil {
			logger.Error("tracing shutdown error", logger.KeyError, err.Error())
		}
	}()

	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
		logger.Info("metrics enabled", "port", cfg.Metrics.Port)
	}

	srv, err := server.New(cfg)
	if err != nil {
		return err
	}

	logger.Info("starting haplinkd",
		"version", Version,
		"addr", cfg.Server.Addr(),
		"path", cfg.Server.Path,
		"store", cfg.Store.Backend,
	)

	serverDone := make(chan error, 1)
	go func() { serverDone <- srv.Serve(ctx) }()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigChan:
		signal.Stop(sigChan)
		logger.Info("shutdown signal received")
		cancel()
		if err := <-serverDone; err != nil {
			return err
		}
	case err := <-serverDone:
		signal.Stop(sigChan)
		if err != nil {
			return err
		}
	}
	return nil
}
