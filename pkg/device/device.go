// Package device defines the device record: the registry-owned description
// of one physical device, its capabilities, configuration, and status.
//
// Records are plain data. Behavior lives in the registry (lifecycle) and in
// protocol adapters (wire I/O); neither is reachable from this package, so
// records can be serialized, stored, and compared freely.
package device

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is the lifecycle state of a device.
type Status string

const (
	StatusUnknown     Status = "unknown"
	StatusOffline     Status = "offline"
	StatusOnline      Status = "online"
	StatusError       Status = "error"
	StatusDisabled    Status = "disabled"
	StatusMaintenance Status = "maintenance"
)

// Kind identifies the device family.
type Kind string

const (
	KindStrokeController Kind = "stroke-controller"
	KindHapticController Kind = "haptic-controller"
	KindGenericVibrator  Kind = "generic-vibrator"
)

// Capability tokens advertised by a device.
const (
	CapVibrate  = "vibrate"
	CapRotate   = "rotate"
	CapPattern  = "pattern"
	CapPosition = "position"
	CapSync     = "sync"
)

// Firmware is a semantic version triple.
type Firmware struct {
	Major int `json:"major"`
	Minor int `json:"minor"`
	Patch int `json:"patch"`
}

func (f Firmware) String() string {
	return fmt.Sprintf("%d.%d.%d", f.Major, f.Minor, f.Patch)
}

// Config holds per-device policy applied by the command processor and the
// pattern engine before anything reaches the wire.
type Config struct {
	// IntensityCap is the maximum intensity [0,100] this device accepts.
	IntensityCap float64 `json:"intensity_cap"`

	// AllowedPatterns lists pattern types permitted on this device.
	// The constant pattern is always allowed.
	AllowedPatterns []string `json:"allowed_patterns,omitempty"`

	// Cooldown is the minimum gap between two pattern runs.
	Cooldown time.Duration `json:"cooldown"`

	// MaxSessionDuration bounds how long one session may hold control.
	// Zero means unbounded.
	MaxSessionDuration time.Duration `json:"max_session_duration"`
}

// DefaultConfig returns the policy applied when a device is admitted
// without an explicit configuration.
func DefaultConfig() Config {
	return Config{
		IntensityCap:    100,
		AllowedPatterns: nil,
		Cooldown:        0,
	}
}

// PatternAllowed reports whether the named pattern type may run on a
// device with this config. Constant is always allowed.
func (c Config) PatternAllowed(pattern string) bool {
	if pattern == "" || pattern == "constant" {
		return true
	}
	for _, p := range c.AllowedPatterns {
		if p == pattern {
			return true
		}
	}
	return len(c.AllowedPatterns) == 0
}

// Info is the immutable-ish identity of a device presented at admission.
type Info struct {
	ID           string   `json:"id"`
	Kind         Kind     `json:"kind"`
	Protocol     string   `json:"protocol"`
	Address      string   `json:"address"`
	Capabilities []string `json:"capabilities,omitempty"`
	Firmware     Firmware `json:"firmware"`
}

// Record is the registry-owned state of one device.
type Record struct {
	Info

	Status        Status    `json:"status"`
	LastSeen      time.Time `json:"last_seen"`
	LastConnected time.Time `json:"last_connected"`
	LastError     string    `json:"last_error,omitempty"`
	ErrorCount    int       `json:"error_count"`
	Enabled       bool      `json:"enabled"`
	Config        Config    `json:"config"`
}

// NewRecord creates a record for a freshly admitted device.
func NewRecord(info Info, cfg Config) *Record {
	return &Record{
		Info:    info,
		Status:  StatusUnknown,
		Enabled: true,
		Config:  cfg,
	}
}

// HasCapability reports whether the device advertises the token.
func (r *Record) HasCapability(cap string) bool {
	for _, c := range r.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the record. The registry hands clones to
// readers so record mutation stays single-owner.
func (r *Record) Clone() *Record {
	clone := *r
	if r.Capabilities != nil {
		clone.Capabilities = append([]string(nil), r.Capabilities...)
	}
	if r.Config.AllowedPatterns != nil {
		clone.Config.AllowedPatterns = append([]string(nil), r.Config.AllowedPatterns...)
	}
	return &clone
}

// Marshal serializes the record to its persisted JSON form.
func (r *Record) Marshal() ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal device record %q: %w", r.ID, err)
	}
	return data, nil
}

// Unmarshal restores a record from its persisted JSON form.
func Unmarshal(data []byte) (*Record, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to unmarshal device record: %w", err)
	}
	return &r, nil
}
