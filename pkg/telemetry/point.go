// Package telemetry is the gateway's measurement pipeline: components call
// Track with a point, a bounded ring absorbs bursts, and a flusher task
// persists batches, maintains per-minute aggregates, evaluates alert rules,
// and trims everything past the retention horizon.
package telemetry

import (
	"encoding/json"
	"time"
)

// Well-known point kinds. Components are free to use their own kinds; these
// are the ones the gateway itself emits.
const (
	KindCommand   = "command"
	KindSession   = "session"
	KindDevice    = "device"
	KindPattern   = "pattern"
	KindSecurity  = "security"
	KindHeartbeat = "heartbeat"
	KindPipeline  = "telemetry"
)

// Point is a single measurement. Values carries the numeric fields alert
// rules evaluate against; Context carries free-form labels.
type Point struct {
	Kind      string             `json:"kind"`
	Source    string             `json:"source"`
	Timestamp time.Time          `json:"-"`
	Values    map[string]float64 `json:"values,omitempty"`
	Context   map[string]string  `json:"context,omitempty"`
}

type pointJSON struct {
	Kind        string             `json:"kind"`
	Source      string             `json:"source"`
	TimestampMs int64              `json:"timestamp_ms"`
	Values      map[string]float64 `json:"values,omitempty"`
	Context     map[string]string  `json:"context,omitempty"`
}

// MarshalJSON encodes the timestamp as epoch milliseconds.
func (p Point) MarshalJSON() ([]byte, error) {
	return json.Marshal(pointJSON{
		Kind:        p.Kind,
		Source:      p.Source,
		TimestampMs: p.Timestamp.UnixMilli(),
		Values:      p.Values,
		Context:     p.Context,
	})
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (p *Point) UnmarshalJSON(data []byte) error {
	var raw pointJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	p.Kind = raw.Kind
	p.Source = raw.Source
	p.Timestamp = time.UnixMilli(raw.TimestampMs).UTC()
	p.Values = raw.Values
	p.Context = raw.Context
	return nil
}
