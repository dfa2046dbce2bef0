package commands

import (
	"bufio"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/nexhaptics/haplink/internal/cli/output"
	"github.com/nexhaptics/haplink/pkg/telemetry"
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Offline analysis of telemetry captures",
}

var analyzeCaptureCmd = &cobra.Command{
	Use:   "capture <file>",
	Short: "Summarize a telemetry capture file",
	Long: `Read a capture file of telemetry points (one JSON point per line, the
pipeline's persisted encoding) and print per-kind statistics: point
count, sources, and min/mean/max for every numeric value.

Examples:
  haplinkd analyze capture points.jsonl
  haplinkd analyze capture points.jsonl -o json`,
	Args: cobra.ExactArgs(1),
	RunE: runAnalyzeCapture,
}

func init() {
	analyzeCmd.AddCommand(analyzeCaptureCmd)
}

// valueStat accumulates one numeric field of one point kind.
type valueStat struct {
	Count int     `json:"count"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Mean  float64 `json:"mean"`
	sum   float64
}

// kindSummary aggregates every point of one kind.
type kindSummary struct {
	Kind    string                `json:"kind"`
	Points  int                   `json:"points"`
	Sources map[string]int        `json:"sources"`
	Values  map[string]*valueStat `json:"values"`
}

func runAnalyzeCapture(cmd *cobra.Command, args []string) error {
	p, err := printer(cmd)
	if err != nil {
		return err
	}

	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("failed to open capture: %w", err)
	}
	defer func() { _ = f.Close() }()

	summaries := make(map[string]*kindSummary)
	var total, malformed int

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var pt telemetry.Point
		if err := json.Unmarshal(line, &pt); err != nil || pt.Kind == "" {
			malformed++
			continue
		}
		total++

		s, ok := summaries[pt.Kind]
		if !ok {
			s = &kindSummary{
				Kind:    pt.Kind,
				Sources: make(map[string]int),
				Values:  make(map[string]*valueStat),
			}
			summaries[pt.Kind] = s
		}
		s.Points++
		if pt.Source != "" {
			s.Sources[pt.Source]++
		}
		for name, v := range pt.Values {
			vs, ok := s.Values[name]
			if !ok {
				vs = &valueStat{Min: math.Inf(1), Max: math.Inf(-1)}
				s.Values[name] = vs
			}
			vs.Count++
			vs.sum += v
			vs.Min = math.Min(vs.Min, v)
			vs.Max = math.Max(vs.Max, v)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read capture: %w", err)
	}
	if total == 0 {
		return fmt.Errorf("no telemetry points in %s", args[0])
	}

	ordered := make([]*kindSummary, 0, len(summaries))
	for _, s := range summaries {
		for _, vs := range s.Values {
			vs.Mean = vs.sum / float64(vs.Count)
		}
		ordered = append(ordered, s)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Kind < ordered[j].Kind })

	if p.Format() != output.FormatTable {
		return p.Print(ordered)
	}

	rows := &output.Rows{Header: []string{"Kind", "Points", "Sources", "Value", "Min", "Mean", "Max"}}
	for _, s := range ordered {
		names := make([]string, 0, len(s.Values))
		for name := range s.Values {
			names = append(names, name)
		}
		sort.Strings(names)
		if len(names) == 0 {
			rows.Add(s.Kind, fmt.Sprintf("%d", s.Points), fmt.Sprintf("%d", len(s.Sources)), "-", "-", "-", "-")
			continue
		}
		for i, name := range names {
			vs := s.Values[name]
			kind, points, sources := "", "", ""
			if i == 0 {
				kind = s.Kind
				points = fmt.Sprintf("%d", s.Points)
				sources = fmt.Sprintf("%d", len(s.Sources))
			}
			rows.Add(kind, points, sources, name,
				fmt.Sprintf("%.2f", vs.Min),
				fmt.Sprintf("%.2f", vs.Mean),
				fmt.Sprintf("%.2f", vs.Max))
		}
	}
	if err := p.Print(rows); err != nil {
		return err
	}
	if malformed > 0 {
		p.Warning(fmt.Sprintf("%d malformed line(s) skipped", malformed))
	}
	return nil
}
