// Package pattern implements time-varying intensity generators and the
// engine that streams them to devices as commands.
//
// A pattern is either a closed-form generator (constant, wave, ramp,
// pulse, escalation), a segment sequence, or a parametric multi-dim
// composition. Patterns serialize as a tagged Spec; rebuilding from a
// Spec reproduces identical samples.
package pattern

import (
	"encoding/json"
	"time"

	"github.com/nexhaptics/haplink/pkg/fault"
)

// Pattern produces an intensity for every elapsed time.
//
// Duration returns 0 for unbounded patterns. Every sample stays within
// the declared envelope.
type Pattern interface {
	// Duration is the pattern's natural length, 0 when unbounded.
	Duration() time.Duration

	// IntensityAt samples the pattern at elapsed time t. Sampling past
	// Duration holds the final value.
	IntensityAt(t time.Duration) float64

	// Envelope is the declared [min, max] intensity range.
	Envelope() (min, max float64)

	// Dimensions is 1 for plain intensity patterns, higher for
	// parametric compositions with positional axes.
	Dimensions() int
}

// Positional is implemented by patterns that also drive positional axes.
type Positional interface {
	// AxisAt samples the named axis at elapsed time t; ok is false for
	// unknown axes.
	AxisAt(axis string, t time.Duration) (v float64, ok bool)

	// Axes lists the positional axis names.
	Axes() []string
}

// Spec is the serialized, tagged form of a pattern. Exactly the fields
// for the named type are honored; Build rejects unknown types and
// out-of-range parameters.
type Spec struct {
	Type string `json:"type"`

	// Closed-form generator parameters.
	Level     float64 `json:"level,omitempty"`
	Min       float64 `json:"min,omitempty"`
	Max       float64 `json:"max,omitempty"`
	PeriodMs  int64   `json:"period_ms,omitempty"`
	PhaseMs   int64   `json:"phase_ms,omitempty"`
	From      float64 `json:"from,omitempty"`
	To        float64 `json:"to,omitempty"`
	RampMs    int64   `json:"ramp_ms,omitempty"`
	OnMs      int64   `json:"on_ms,omitempty"`
	OffMs     int64   `json:"off_ms,omitempty"`
	Step      float64 `json:"step,omitempty"`
	StepMs    int64   `json:"step_ms,omitempty"`

	// Segment sequence.
	Segments []Segment `json:"segments,omitempty"`

	// Parametric composition: an intensity spec plus named axes.
	Intensity *Spec            `json:"intensity,omitempty"`
	AxisSpecs map[string]*Spec `json:"axes,omitempty"`
}

// Spec type tags.
const (
	TypeConstant   = "constant"
	TypeWave       = "wave"
	TypeRamp       = "ramp"
	TypePulse      = "pulse"
	TypeEscalation = "escalation"
	TypeSegments   = "segments"
	TypeParametric = "parametric"
)

// Build constructs the pattern the spec describes.
func (s *Spec) Build() (Pattern, error) {
	switch s.Type {
	case TypeConstant:
		if err := checkIntensity("level", s.Level); err != nil {
			return nil, err
		}
		return &Constant{Level: s.Level}, nil
	case TypeWave:
		if err := checkIntensity("min", s.Min); err != nil {
			return nil, err
		}
		if err := checkIntensity("max", s.Max); err != nil {
			return nil, err
		}
		if s.Max < s.Min {
			return nil, fault.New(fault.KindValidation, "wave max below min")
		}
		if s.PeriodMs <= 0 {
			return nil, fault.New(fault.KindValidation, "wave period must be positive")
		}
		return &Wave{
			Min:    s.Min,
			Max:    s.Max,
			Period: time.Duration(s.PeriodMs) * time.Millisecond,
			Phase:  time.Duration(s.PhaseMs) * time.Millisecond,
		}, nil
	case TypeRamp:
		if err := checkIntensity("from", s.From); err != nil {
			return nil, err
		}
		if err := checkIntensity("to", s.To); err != nil {
			return nil, err
		}
		if s.RampMs <= 0 {
			return nil, fault.New(fault.KindValidation, "ramp duration must be positive")
		}
		return &Ramp{From: s.From, To: s.To, Length: time.Duration(s.RampMs) * time.Millisecond}, nil
	case TypePulse:
		if err := checkIntensity("level", s.Level); err != nil {
			return nil, err
		}
		if s.OnMs <= 0 || s.OffMs <= 0 {
			return nil, fault.New(fault.KindValidation, "pulse on/off must be positive")
		}
		return &Pulse{
			Level: s.Level,
			On:    time.Duration(s.OnMs) * time.Millisecond,
			Off:   time.Duration(s.OffMs) * time.Millisecond,
		}, nil
	case TypeEscalation:
		if err := checkIntensity("from", s.From); err != nil {
			return nil, err
		}
		if err := checkIntensity("to", s.To); err != nil {
			return nil, err
		}
		if s.Step <= 0 || s.StepMs <= 0 {
			return nil, fault.New(fault.KindValidation, "escalation step and interval must be positive")
		}
		if s.To < s.From {
			return nil, fault.New(fault.KindValidation, "escalation target below start")
		}
		return &Escalation{
			From:     s.From,
			To:       s.To,
			Step:     s.Step,
			StepEach: time.Duration(s.StepMs) * time.Millisecond,
		}, nil
	case TypeSegments:
		if len(s.Segments) == 0 {
			return nil, fault.New(fault.KindValidation, "segment pattern needs at least one segment")
		}
		for i, seg := range s.Segments {
			if seg.DurationMs <= 0 {
				return nil, fault.Newf(fault.KindValidation, "segment %d has non-positive duration", i)
			}
			if err := checkIntensity("segment intensity", seg.Intensity); err != nil {
				return nil, err
			}
		}
		return NewSequence(s.Segments), nil
	case TypeParametric:
		if s.Intensity == nil {
			return nil, fault.New(fault.KindValidation, "parametric pattern needs an intensity spec")
		}
		in, err := s.Intensity.Build()
		if err != nil {
			return nil, err
		}
		axes := make(map[string]Pattern, len(s.AxisSpecs))
		for name, as := range s.AxisSpecs {
			p, err := as.Build()
			if err != nil {
				return nil, fault.Wrap(fault.KindValidation, "axis "+name, err)
			}
			axes[name] = p
		}
		return &Parametric{In: in, AxisMap: axes}, nil
	default:
		return nil, fault.Newf(fault.KindValidation, "unknown pattern type %q", s.Type)
	}
}

// Validate builds the spec and discards the result.
func (s *Spec) Validate() error {
	_, err := s.Build()
	return err
}

// MarshalSpec encodes a spec for storage or the wire.
func MarshalSpec(s *Spec) ([]byte, error) {
	return json.Marshal(s)
}

// UnmarshalSpec decodes and validates a stored spec.
func UnmarshalSpec(data []byte) (*Spec, error) {
	var s Spec
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fault.Wrap(fault.KindValidation, "malformed pattern spec", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func checkIntensity(field string, v float64) error {
	if v < 0 || v > 100 {
		return fault.Newf(fault.KindValidation, "%s %.2f outside [0,100]", field, v)
	}
	return nil
}
