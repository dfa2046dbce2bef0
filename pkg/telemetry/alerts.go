package telemetry

import (
	"fmt"
	"time"

	"github.com/nexhaptics/haplink/pkg/fault"
)

// Op is a typed comparison operator for alert predicates. Rules compare a
// named numeric field against a fixed threshold; there is no expression
// evaluation.
type Op string

const (
	OpGreater      Op = "gt"
	OpGreaterEqual Op = "ge"
	OpLess         Op = "lt"
	OpLessEqual    Op = "le"
	OpEqual        Op = "eq"
	OpNotEqual     Op = "ne"
)

// eval applies the operator. Equality uses a small tolerance because the
// compared values come through float arithmetic.
func (o Op) eval(v, threshold float64) bool {
	const eps = 1e-9
	switch o {
	case OpGreater:
		return v > threshold
	case OpGreaterEqual:
		return v >= threshold
	case OpLess:
		return v < threshold
	case OpLessEqual:
		return v <= threshold
	case OpEqual:
		return v-threshold < eps && threshold-v < eps
	case OpNotEqual:
		return v-threshold >= eps || threshold-v >= eps
	}
	return false
}

func (o Op) valid() bool {
	switch o {
	case OpGreater, OpGreaterEqual, OpLess, OpLessEqual, OpEqual, OpNotEqual:
		return true
	}
	return false
}

// Rule declares an alert on a point series. Inline evaluation fires on any
// single point whose field trips the predicate; windowed evaluation fires
// on the mean of the field over each alert interval. Identical alerts
// within Cooldown are suppressed.
type Rule struct {
	Kind      string         `json:"kind"`
	Field     string         `json:"field"`
	Op        Op             `json:"op"`
	Threshold float64        `json:"threshold"`
	Severity  fault.Severity `json:"severity"`
	Message   string         `json:"message"`
	Cooldown  time.Duration  `json:"cooldown"`
}

func (r Rule) validate() error {
	if r.Kind == "" {
		return fault.New(fault.KindValidation, "alert rule requires a point kind")
	}
	if r.Field == "" {
		return fault.New(fault.KindValidation, "alert rule requires a field name")
	}
	if !r.Op.valid() {
		return fault.Newf(fault.KindValidation, "unknown alert operator %q", r.Op)
	}
	return nil
}

// key identifies a rule for cooldown and window accumulation.
func (r Rule) key() string {
	return fmt.Sprintf("%s/%s/%s/%g", r.Kind, r.Field, r.Op, r.Threshold)
}

// Alert is a triggered rule, persisted and handed to the pipeline listener.
type Alert struct {
	Rule      Rule      `json:"rule"`
	Value     float64   `json:"value"`
	Source    string    `json:"source"`
	Windowed  bool      `json:"windowed"`
	Timestamp time.Time `json:"timestamp"`
}

// window accumulates a field for one rule between alert intervals.
type window struct {
	sum   float64
	count int
}

func (w *window) add(v float64) {
	w.sum += v
	w.count++
}

func (w *window) mean() (float64, bool) {
	if w.count == 0 {
		return 0, false
	}
	return w.sum / float64(w.count), true
}
