package pattern

import (
	"math"
	"time"
)

// Constant holds one level forever.
type Constant struct {
	Level float64
}

func (c *Constant) Duration() time.Duration { return 0 }

func (c *Constant) IntensityAt(time.Duration) float64 { return c.Level }

func (c *Constant) Envelope() (float64, float64) { return c.Level, c.Level }

func (c *Constant) Dimensions() int { return 1 }

// Wave is a sinusoid between Min and Max with the given period. Phase
// shifts the waveform forward in time.
type Wave struct {
	Min    float64
	Max    float64
	Period time.Duration
	Phase  time.Duration
}

func (w *Wave) Duration() time.Duration { return 0 }

func (w *Wave) IntensityAt(t time.Duration) float64 {
	mid := (w.Max + w.Min) / 2
	amp := (w.Max - w.Min) / 2
	phase := 2 * math.Pi * float64(t+w.Phase) / float64(w.Period)
	return mid + amp*math.Sin(phase)
}

func (w *Wave) Envelope() (float64, float64) { return w.Min, w.Max }
func (w *Wave) Dimensions() int { return 1 }

// Ramp moves linearly From → To over Length, then holds To.
type Ramp struct {
	From   float64
	To     float64
	Length time.Duration
}

func (r *Ramp) Duration() time.Duration { return r.Length }

func (r *Ramp) IntensityAt(t time.Duration) float64 {
	if t <= 0 {
		return r.From
	}
	if t >= r.Length {
		return r.To
	}
	frac := float64(t) / float64(r.Length)
	return r.From + (r.To-r.From)*frac
}

func (r *Ramp) Envelope() (float64, float64) {
	if r.From <= r.To {
		return r.From, r.To
	}
	return r.To, r.From
}

func (r *Ramp) Dimensions() int { return 1 }

// Pulse alternates Level for On and zero for Off, forever.
type Pulse struct {
	Level float64
	On    time.Duration
	Off   time.Duration
}

func (p *Pulse) Duration() time.Duration { return 0 }

func (p *Pulse) IntensityAt(t time.Duration) float64 {
	if t < 0 {
		return 0
	}
	cycle := p.On + p.Off
	if t%cycle < p.On {
		return p.Level
	}
	return 0
}

func (p *Pulse) Envelope() (float64, float64) { return 0, p.Level }
func (p *Pulse) Dimensions() int { return 1 }

// Escalation steps From → To by Step every StepEach, then holds To.
type Escalation struct {
	From     float64
	To       float64
	Step     float64
	StepEach time.Duration
}

func (e *Escalation) Duration() time.Duration {
	if e.Step <= 0 {
		return 0
	}
	steps := math.Ceil((e.To - e.From) / e.Step)
	return time.Duration(steps) * e.StepEach
}

func (e *Escalation) IntensityAt(t time.Duration) float64 {
	if t < 0 {
		return e.From
	}
	v := e.From + float64(t/e.StepEach)*e.Step
	if v > e.To {
		return e.To
	}
	return v
}

func (e *Escalation) Envelope() (float64, float64) { return e.From, e.To }
func (e *Escalation) Dimensions() int { return 1 }

// Segment is one step of a sequence pattern.
type Segment struct {
	DurationMs int64   `json:"duration_ms"`
	Intensity  float64 `json:"intensity"`
}

// Sequence plays segments back to back and holds the final intensity.
type Sequence struct {
	segments []Segment
	total    time.Duration
	min, max float64
}

// NewSequence builds a sequence pattern; segments must be non-empty.
func NewSequence(segments []Segment) *Sequence {
	s := &Sequence{segments: segments}
	s.min = segments[0].Intensity
	s.max = segments[0].Intensity
	for _, seg := range segments {
		s.total += time.Duration(seg.DurationMs) * time.Millisecond
		if seg.Intensity < s.min {
			s.min = seg.Intensity
		}
		if seg.Intensity > s.max {
			s.max = seg.Intensity
		}
	}
	return s
}

func (s *Sequence) Duration() time.Duration { return s.total }

func (s *Sequence) IntensityAt(t time.Duration) float64 {
	if t < 0 {
		return s.segments[0].Intensity
	}
	var elapsed time.Duration
	for _, seg := range s.segments {
		elapsed += time.Duration(seg.DurationMs) * time.Millisecond
		if t < elapsed {
			return seg.Intensity
		}
	}
	return s.segments[len(s.segments)-1].Intensity
}

func (s *Sequence) Envelope() (float64, float64) { return s.min, s.max }
func (s *Sequence) Dimensions() int { return 1 }

// Parametric combines an intensity pattern with named positional axes.
type Parametric struct {
	In      Pattern
	AxisMap map[string]Pattern
}

func (p *Parametric) Duration() time.Duration {
	d := p.In.Duration()
	for _, ap := range p.AxisMap {
		if ad := ap.Duration(); ad > d {
			d = ad
		}
	}
	return d
}

func (p *Parametric) IntensityAt(t time.Duration) float64 { return p.In.IntensityAt(t) }
func (p *Parametric) Envelope() (float64, float64) { return p.In.Envelope() }
func (p *Parametric) Dimensions() int { return 1 + len(p.AxisMap) }

func (p *Parametric) AxisAt(axis string, t time.Duration) (float64, bool) {
	ap, ok := p.AxisMap[axis]
	if !ok {
		return 0, false
	}
	return ap.IntensityAt(t), true
}

func (p *Parametric) Axes() []string {
	names := make([]string, 0, len(p.AxisMap))
	for name := range p.AxisMap {
		names = append(names, name)
	}
	return names
}
