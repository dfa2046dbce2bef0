package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/nexhaptics/haplink/internal/cli/credentials"
	"github.com/nexhaptics/haplink/pkg/security"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage session tokens",
}

var (
	tokenUser      string
	tokenControl   bool
	tokenConfigure bool
	tokenMonitor   bool
	tokenPatterns  []string
	tokenMaxLevel  float64
	tokenSave      bool
)

var tokenIssueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Issue a session token",
	Long: `Issue a signed session token using the token secret from the server
configuration. The token carries the principal's permission set.

Examples:
  # Full-permission token for local development
  haplinkd token issue --user dev --control --configure --monitor

  # Monitoring-only token, saved as the CLI's credential
  haplinkd token issue --user ops --monitor --save

  # Control token capped at intensity 60, wave patterns only
  haplinkd token issue --user alice --control --max-intensity 60 --patterns wave`,
	Args: cobra.NoArgs,
	RunE: runTokenIssue,
}

func init() {
	tokenIssueCmd.Flags().StringVarP(&tokenUser, "user", "u", "", "Principal user id (required)")
	tokenIssueCmd.Flags().BoolVar(&tokenControl, "control", false, "Grant device control")
	tokenIssueCmd.Flags().BoolVar(&tokenConfigure, "configure", false, "Grant device configuration")
	tokenIssueCmd.Flags().BoolVar(&tokenMonitor, "monitor", true, "Grant monitoring")
	tokenIssueCmd.Flags().StringSliceVar(&tokenPatterns, "patterns", nil, "Allowed pattern types (empty: all)")
	tokenIssueCmd.Flags().Float64Var(&tokenMaxLevel, "max-intensity", 0, "Per-user intensity cap (0: none)")
	tokenIssueCmd.Flags().BoolVar(&tokenSave, "save", false, "Save as the CLI's credential")
	_ = tokenIssueCmd.MarkFlagRequired("user")

	tokenCmd.AddCommand(tokenIssueCmd)
}

func runTokenIssue(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	svc, err := security.NewTokenService(cfg.Token)
	if err != nil {
		return err
	}

	token, err := svc.Issue(tokenUser, security.Permissions{
		CanControl:      tokenControl,
		CanConfigure:    tokenConfigure,
		CanMonitor:      tokenMonitor,
		AllowedPatterns: tokenPatterns,
		MaxIntensity:    tokenMaxLevel,
	})
	if err != nil {
		return err
	}

	if tokenSave {
		cred := &credentials.Credential{
			GatewayURL: fmt.Sprintf("ws://%s%s", cfg.Server.Addr(), cfg.Server.Path),
			Token:      token,
			UserID:     tokenUser,
			ExpiresAt:  time.Now().Add(cfg.Token.TokenDuration).UTC(),
		}
		if err := credentials.Save(cred); err != nil {
			return err
		}
		fmt.Printf("Token for %s saved (gateway %s)\n", tokenUser, cred.GatewayURL)
		return nil
	}

	fmt.Println(token)
	return nil
}
