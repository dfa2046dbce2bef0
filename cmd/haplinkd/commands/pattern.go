package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/nexhaptics/haplink/internal/cli/timeutil"
	"github.com/nexhaptics/haplink/pkg/pattern"
)

var patternCmd = &cobra.Command{
	Use:   "pattern",
	Short: "Create and validate pattern spec files",
}

var patternType string

var patternCreateCmd = &cobra.Command{
	Use:   "create <file>",
	Short: "Write a pattern spec template",
	Long: `Write a starter pattern spec of the given type to a JSON file.

Supported types: constant, wave, ramp, pulse, escalation, segments,
parametric.

Examples:
  haplinkd pattern create --type wave wave.json
  haplinkd pattern create --type segments warmup.json`,
	Args: cobra.ExactArgs(1),
	RunE: runPatternCreate,
}

var patternValidateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Validate a pattern spec file",
	Long: `Parse and build a pattern spec file, reporting any errors.

A valid spec prints its type and natural duration.`,
	Args: cobra.ExactArgs(1),
	RunE: runPatternValidate,
}

func init() {
	patternCreateCmd.Flags().StringVarP(&patternType, "type", "t", pattern.TypeWave, "Pattern type")
	patternCmd.AddCommand(patternCreateCmd)
	patternCmd.AddCommand(patternValidateCmd)
}

// patternTemplates are valid starter specs per type, kept buildable so
// "create" output always passes "validate".
var patternTemplates = map[string]pattern.Spec{
	pattern.TypeConstant: {Type: pattern.TypeConstant, Level: 50},
	pattern.TypeWave:     {Type: pattern.TypeWave, Min: 10, Max: 80, PeriodMs: 2000},
	pattern.TypeRamp:     {Type: pattern.TypeRamp, From: 0, To: 70, RampMs: 5000},
	pattern.TypePulse:    {Type: pattern.TypePulse, Level: 60, OnMs: 300, OffMs: 700},
	pattern.TypeEscalation: {
		Type: pattern.TypeEscalation, From: 20, To: 90, Step: 10, StepMs: 3000,
	},
	pattern.TypeSegments: {
		Type: pattern.TypeSegments,
		Segments: []pattern.Segment{
			{Intensity: 30, DurationMs: 1000},
			{Intensity: 60, DurationMs: 2000},
			{Intensity: 0, DurationMs: 500},
		},
	},
	pattern.TypeParametric: {
		Type:      pattern.TypeParametric,
		Intensity: &pattern.Spec{Type: pattern.TypeWave, Min: 10, Max: 70, PeriodMs: 1500},
		AxisSpecs: map[string]*pattern.Spec{
			"position": {Type: pattern.TypeRamp, From: 0, To: 100, RampMs: 4000},
		},
	},
}

func runPatternCreate(cmd *cobra.Command, args []string) error {
	spec, ok := patternTemplates[patternType]
	if !ok {
		return &UsageError{Err: fmt.Errorf("unknown pattern type %q", patternType)}
	}

	data, err := json.MarshalIndent(&spec, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')

	path := args[0]
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	fmt.Printf("Wrote %s spec to %s\n", patternType, path)
	return nil
}

func runPatternValidate(cmd *cobra.Command, args []string) error {
	path := args[0]
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	var spec pattern.Spec
	if err := json.Unmarshal(data, &spec); err != nil {
		return fmt.Errorf("%s is not a valid spec file: %w", path, err)
	}

	p, err := spec.Build()
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	dur := "unbounded"
	if d := p.Duration(); d > 0 {
		dur = timeutil.Compact(d.Round(time.Millisecond))
	}
	fmt.Printf("%s: valid %s pattern, duration %s\n", path, spec.Type, dur)
	return nil
}
