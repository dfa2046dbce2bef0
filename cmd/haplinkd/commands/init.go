package commands

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nexhaptics/haplink/internal/cli/prompt"
	"github.com/nexhaptics/haplink/pkg/config"
)

var (
	initForce  bool
	initSecret string
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter configuration file",
	Long: `Write a configuration file with production defaults.

The token secret is taken from --secret, prompted for interactively, or
generated randomly when stdin is not a terminal.

Examples:
  # Initialize the default config location
  haplinkd init

  # Initialize a specific path with a known secret
  haplinkd init --config /etc/haplink/config.yaml --secret "$HAPLINK_SECRET"`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVarP(&initForce, "force", "f", false, "Overwrite an existing configuration file")
	initCmd.Flags().StringVar(&initSecret, "secret", "", "Token secret (at least 32 characters)")
}

func runInit(cmd *cobra.Command, args []string) error {
	path := configFile(cmd)
	if path == "" {
		path = config.GetDefaultConfigPath()
	}

	if _, err := os.Stat(path); err == nil && !initForce {
		ok, err := prompt.Confirm(fmt.Sprintf("Configuration file %s exists, overwrite?", path), false)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Println("Aborted.")
			return nil
		}
	}

	secret, generated, err := resolveSecret()
	if err != nil {
		return err
	}

	cfg := config.GetDefaultConfig()
	cfg.Token.Secret = secret

	if err := config.SaveConfig(cfg, path); err != nil {
		return err
	}

	fmt.Printf("Configuration written to %s\n", path)
	if generated {
		fmt.Println("A random token secret was generated and stored in the file.")
	}
	fmt.Println("\nNext steps:")
	fmt.Println("  haplinkd serve")
	fmt.Println("  haplinkd token issue --user <id> --save")
	return nil
}

// resolveSecret picks the token secret: flag, interactive prompt, or a
// random 32-byte hex string when there is no terminal to ask.
func resolveSecret() (secret string, generated bool, err error) {
	if initSecret != "" {
		if len(initSecret) < 32 {
			return "", false, fmt.Errorf("token secret must be at least 32 characters")
		}
		return initSecret, false, nil
	}

	if fi, statErr := os.Stdin.Stat(); statErr == nil && fi.Mode()&os.ModeCharDevice != 0 {
		s, promptErr := prompt.Secret("Token secret (empty to generate)", 0)
		if promptErr != nil {
			return "", false, promptErr
		}
		if s != "" {
			if len(s) < 32 {
				return "", false, fmt.Errorf("token secret must be at least 32 characters")
			}
			return s, false, nil
		}
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", false, fmt.Errorf("failed to generate secret: %w", err)
	}
	return hex.EncodeToString(buf), true, nil
}
