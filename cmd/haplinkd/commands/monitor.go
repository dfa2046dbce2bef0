package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nexhaptics/haplink/internal/cli/output"
	"github.com/nexhaptics/haplink/internal/cli/timeutil"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Live gateway monitoring",
}

var monitorStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Stream device events and print a summary on exit",
	Long: `Subscribe to every device and print events as they arrive. On
interrupt, print per-device event totals.

Requires a credential with the monitor permission.

Examples:
  haplinkd monitor stats`,
	Args: cobra.NoArgs,
	RunE: runMonitorStats,
}

func init() {
	monitorCmd.AddCommand(monitorStatsCmd)
}

func runMonitorStats(cmd *cobra.Command, args []string) error {
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

	if err := c.Subscribe(ctx, "*"); err != nil {
		return err
	}
	p.Printf("Monitoring %s as %s. Press Ctrl+C to stop.\n",
		c.Welcome().ConnectionID, c.Welcome().UserID)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	started := time.Now()
	counts := make(map[string]map[string]int) // device id -> event -> count

	for {
		select {
		case ev, ok := <-c.Events():
			if !ok {
				return fmt.Errorf("connection lost")
			}
			byEvent, okc := counts[ev.DeviceID]
			if !okc {
				byEvent = make(map[string]int)
				counts[ev.DeviceID] = byEvent
			}
			byEvent[ev.Event]++

			line := fmt.Sprintf("%s  %-22s %s", time.Now().Format("15:04:05"), ev.Event, ev.DeviceID)
			if ev.Status != "" {
				line += "  status=" + ev.Status
			}
			if ev.Pattern != "" {
				line += "  pattern=" + ev.Pattern
			}
			if ev.Reason != "" {
				line += "  reason=" + ev.Reason
			}
			p.Println(line)
		case <-sigChan:
			p.Printf("\nMonitored for %s\n", timeutil.Compact(time.Since(started)))
			return printEventSummary(p, counts)
		case <-c.Done():
			return fmt.Errorf("connection lost")
		}
	}
}

func printEventSummary(p *output.Printer, counts map[string]map[string]int) error {
	if len(counts) == 0 {
		p.Println("No events observed.")
		return nil
	}
	rows := &output.Rows{Header: []string{"Device", "Event", "Count"}}
	for deviceID, byEvent := range counts {
		for event, n := range byEvent {
			rows.Add(deviceID, event, fmt.Sprintf("%d", n))
		}
	}
	return p.Print(rows)
}
