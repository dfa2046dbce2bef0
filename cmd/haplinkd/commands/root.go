// Package commands implements the haplinkd CLI.
package commands

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nexhaptics/haplink/internal/cli/credentials"
	"github.com/nexhaptics/haplink/internal/cli/output"
	"github.com/nexhaptics/haplink/internal/logger"
	"github.com/nexhaptics/haplink/pkg/client"
	"github.com/nexhaptics/haplink/pkg/config"
)

// Version information injected at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// UsageError marks errors that should exit with status 2.
type UsageError struct {
	Err error
}

func (e *UsageError) Error() string { return e.Err.Error() }
func (e *UsageError) Unwrap() error { return e.Err }

var rootCmd = &cobra.Command{
	Use:   "haplinkd",
	Short: "Haplink - haptic device control gateway",
	Long: `haplinkd runs and manages the Haplink gateway: a websocket server that
authenticates client sessions and routes commands, patterns, and telemetry
to haptic devices over pluggable protocol adapters.

Use "haplinkd [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the CLI.
func Execute() error {
	err := rootCmd.Execute()
	if err != nil && isUsage(err) {
		return &UsageError{Err: err}
	}
	return err
}

// isUsage classifies cobra's own parse failures, which should exit 2
// rather than 1.
func isUsage(err error) bool {
	msg := err.Error()
	return strings.HasPrefix(msg, "unknown command") ||
		strings.HasPrefix(msg, "unknown flag") ||
		strings.HasPrefix(msg, "unknown shorthand flag") ||
		strings.HasPrefix(msg, "invalid argument") ||
		strings.Contains(msg, "arg(s)") ||
		strings.HasPrefix(msg, "flag needs an argument") ||
		strings.HasPrefix(msg, "required flag")
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Path to configuration file (default: $XDG_CONFIG_HOME/haplink/config.yaml)")
	rootCmd.PersistentFlags().String("url", "", "Gateway websocket URL (overrides saved credential)")
	rootCmd.PersistentFlags().String("token", "", "Bearer token (overrides saved credential)")
	rootCmd.PersistentFlags().StringP("output", "o", "table", "Output format (table|json|yaml)")
	rootCmd.PersistentFlags().Bool("no-color", false, "Disable colored output")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(connectCmd)
	rootCmd.AddCommand(disconnectCmd)
	rootCmd.AddCommand(patternCmd)
	rootCmd.AddCommand(simulateCmd)
	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(monitorCmd)
	rootCmd.AddCommand(tokenCmd)
}

// configFile returns the --config flag value.
func configFile(cmd *cobra.Command) string {
	path, _ := cmd.Flags().GetString("config")
	return path
}

// loadConfig loads the server configuration with helpful errors.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	return config.MustLoad(configFile(cmd))
}

// initLogger configures the process logger from config.
func initLogger(cfg *config.Config) error {
	return logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
}

// printer builds the output printer from the global flags.
func printer(cmd *cobra.Command) (*output.Printer, error) {
	raw, _ := cmd.Flags().GetString("output")
	format, err := output.ParseFormat(raw)
	if err != nil {
		return nil, &UsageError{Err: err}
	}
	noColor, _ := cmd.Flags().GetBool("no-color")
	return output.NewPrinter(os.Stdout, format, !noColor), nil
}

// dialGateway connects to a gateway using --url/--token or the saved
// credential.
func dialGateway(ctx context.Context, cmd *cobra.Command) (*client.Client, error) {
	url, _ := cmd.Flags().GetString("url")
	token, _ := cmd.Flags().GetString("token")

	if url == "" || token == "" {
		cred, err := credentials.Load()
		if err != nil {
			return nil, err
		}
		if cred.Expired() {
			return nil, fmt.Errorf("saved credential has expired - run 'haplinkd token issue --save'")
		}
		if url == "" {
			url = cred.GatewayURL
		}
		if token == "" {
			token = cred.Token
		}
	}

	return client.Dial(ctx, url, token)
}
