package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nexhaptics/haplink/internal/cli/output"
	"github.com/nexhaptics/haplink/internal/cli/timeutil"
	"github.com/nexhaptics/haplink/pkg/device"
)

var devicesCmd = &cobra.Command{
	Use:   "devices [id]",
	Short: "List devices or show one device",
	Long: `List every device the gateway knows, or show one device's record.

Requires a credential with the monitor permission.

Examples:
  haplinkd devices
  haplinkd devices wand-01
  haplinkd devices -o json`,
	Args: cobra.MaximumNArgs(1),
	RunE: runDevices,
}

func runDevices(cmd *cobra.Command, args []string) error {
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

	if len(args) == 1 {
		rec, err := c.DeviceStatus(ctx, args[0])
		if err != nil {
			return err
		}
		if p.Format() != output.FormatTable {
			return p.Print(rec)
		}
		return output.Pairs(p.Writer(), [][2]string{
			{"ID", rec.Info.ID},
			{"Kind", string(rec.Info.Kind)},
			{"Protocol", rec.Info.Protocol},
			{"Address", rec.Info.Address},
			{"Status", string(rec.Status)},
			{"Firmware", rec.Info.Firmware.String()},
			{"Last seen", timeutil.Ago(rec.LastSeen)},
			{"Last connected", timeutil.Local(rec.LastConnected)},
			{"Errors", fmt.Sprintf("%d", rec.ErrorCount)},
		})
	}

	devices, err := c.ListDevices(ctx)
	if err != nil {
		return err
	}
	if p.Format() != output.FormatTable {
		return p.Print(devices)
	}
	return p.Print(deviceTable(devices))
}

func deviceTable(devices []device.Record) *output.Rows {
	rows := &output.Rows{Header: []string{"ID", "Kind", "Protocol", "Status", "Last Seen"}}
	for _, d := range devices {
		rows.Add(d.Info.ID, string(d.Info.Kind), d.Info.Protocol,
			string(d.Status), timeutil.Ago(d.LastSeen))
	}
	return rows
}
