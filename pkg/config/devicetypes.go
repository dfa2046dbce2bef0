package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// DeviceType describes one entry of the device-type catalog: a JSON file
// named <type>.json in the catalog directory.
type DeviceType struct {
	// Type is the catalog key; it must match the file name.
	Type string `json:"type"`

	Name        string `json:"name"`
	Description string `json:"description"`

	// Version is a semantic version triple, e.g. "1.2.0".
	Version string `json:"version"`

	// Features lists capability tokens devices of this type advertise.
	Features []string `json:"features"`

	Pricing Pricing `json:"pricing"`

	// Requirements optionally names firmware or host constraints.
	Requirements *Requirements `json:"requirements,omitempty"`
}

// Pricing describes how access to a device type is billed.
type Pricing struct {
	// Model is one of "free", "one-time", "subscription".
	Model    string  `json:"model"`
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
}

// Requirements names optional constraints for a device type.
type Requirements struct {
	MinFirmware string   `json:"min_firmware,omitempty"`
	Protocols   []string `json:"protocols,omitempty"`
}

var semverRe = regexp.MustCompile(`^\d+\.\d+\.\d+$`)

var pricingModels = map[string]bool{
	"free":         true,
	"one-time":     true,
	"subscription": true,
}

// LoadDeviceTypes loads every *.json file in dir as a catalog entry,
// sorted by type. Files that fail validation abort the load; a missing
// directory is an error, an empty one is not.
func LoadDeviceTypes(dir string) ([]DeviceType, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read device type directory %s: %w", dir, err)
	}

	var types []DeviceType
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read device type file %s: %w", path, err)
		}

		var dt DeviceType
		if err := json.Unmarshal(data, &dt); err != nil {
			return nil, fmt.Errorf("malformed device type file %s: %w", path, err)
		}

		base := strings.TrimSuffix(entry.Name(), ".json")
		if err := dt.validate(base); err != nil {
			return nil, fmt.Errorf("invalid device type file %s: %w", path, err)
		}

		types = append(types, dt)
	}

	sort.Slice(types, func(i, j int) bool { return types[i].Type < types[j].Type })
	return types, nil
}

// validate applies the catalog schema rules. fileBase is the file name
// without extension; it must equal the declared type.
func (dt DeviceType) validate(fileBase string) error {
	if dt.Type == "" {
		return fmt.Errorf("type is required")
	}
	if dt.Type != fileBase {
		return fmt.Errorf("type %q does not match file name %q", dt.Type, fileBase)
	}
	if dt.Name == "" {
		return fmt.Errorf("name is required")
	}
	if !semverRe.MatchString(dt.Version) {
		return fmt.Errorf("version %q is not a semantic version", dt.Version)
	}
	if len(dt.Features) == 0 {
		return fmt.Errorf("at least one feature is required")
	}
	if !pricingModels[dt.Pricing.Model] {
		return fmt.Errorf("pricing model %q is not one of free, one-time, subscription", dt.Pricing.Model)
	}
	if dt.Pricing.Model != "free" {
		if dt.Pricing.Amount <= 0 {
			return fmt.Errorf("pricing amount must be positive for model %q", dt.Pricing.Model)
		}
		if dt.Pricing.Currency == "" {
			return fmt.Errorf("pricing currency is required for model %q", dt.Pricing.Model)
		}
	}
	return nil
}
