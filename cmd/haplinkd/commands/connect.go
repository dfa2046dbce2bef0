package commands

import (
	"context"

	"github.com/spf13/cobra"
)

var connectCmd = &cobra.Command{
	Use:   "connect <id>",
	Short: "Open a device's wire",
	Long: `Ask the gateway to connect the named device.

Requires a credential with the configure permission.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return deviceLifecycle(cmd, args[0], true)
	},
}

var disconnectCmd = &cobra.Command{
	Use:   "disconnect <id>",
	Short: "Tear a device's wire down",
	Long: `Ask the gateway to disconnect the named device.

Requires a credential with the configure permission.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return deviceLifecycle(cmd, args[0], false)
	},
}

func deviceLifecycle(cmd *cobra.Command, deviceID string, connect bool) error {
	p, err := printer(cmd)
	if err != nil {
		return err
	}

	ctx := context.Background()
	c, err := dialGateway(ctx, cmd)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	if connect {
		if err := c.ConnectDevice(ctx, deviceID); err != nil {
			return err
		}
		p.Success("Device " + deviceID + " connected")
		return nil
	}
	if err := c.DisconnectDevice(ctx, deviceID); err != nil {
		return err
	}
	p.Success("Device " + deviceID + " disconnected")
	return nil
}
