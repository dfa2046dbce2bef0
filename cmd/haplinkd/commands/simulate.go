package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nexhaptics/haplink/internal/logger"
	"github.com/nexhaptics/haplink/pkg/metrics"
	"github.com/nexhaptics/haplink/pkg/server"
	"github.com/nexhaptics/haplink/pkg/simulator"
)

var simulateCount int

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run against simulated devices",
}

var simulateStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Serve with a fleet of simulated devices",
	Long: `Run the gateway with N simulated devices registered and connected.

The simulated devices accept every command with a small artificial
latency; use them to exercise clients without hardware.

Examples:
  haplinkd simulate start
  haplinkd simulate start --count 10`,
	Args: cobra.NoArgs,
	RunE: runSimulateStart,
}

func init() {
	simulateStartCmd.Flags().IntVarP(&simulateCount, "count", "n", 3, "Number of simulated devices")
	simulateCmd.AddCommand(simulateStartCmd)
}

func runSimulateStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	// Simulated fleets are development setups; keep them off the real
	// data directory.
	cfg.Store.Backend = "memory"

	if err := initLogger(cfg); err != nil {
		return err
	}
	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv, err := server.New(cfg)
	if err != nil {
		return err
	}

	serverDone := make(chan error, 1)
	go func() { serverDone <- srv.Serve(ctx) }()

	fleet, err := simulator.StartFleet(ctx, srv.Registry(), simulateCount)
	if err != nil {
		cancel()
		<-serverDone
		return fmt.Errorf("failed to start simulated fleet: %w", err)
	}
	logger.Info("simulation running",
		"addr", cfg.Server.Addr(),
		"devices", simulateCount,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigChan:
		signal.Stop(sigChan)
		fleet.Stop(context.Background())
		cancel()
		return <-serverDone
	case err := <-serverDone:
		signal.Stop(sigChan)
		return err
	}
}
