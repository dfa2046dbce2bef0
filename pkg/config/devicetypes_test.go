package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeDeviceType(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
		t.Fatalf("write device type: %v", err)
	}
}

const validWand = `{
	"type": "wand",
	"name": "Wand Massager",
	"description": "Mains-powered wand",
	"version": "1.2.0",
	"features": ["vibrate", "pattern"],
	"pricing": {"model": "free"}
}`

func TestLoadDeviceTypes(t *testing.T) {
	dir := t.TempDir()
	writeDeviceType(t, dir, "wand.json", validWand)
	writeDeviceType(t, dir, "stroker.json", `{
		"type": "stroker",
		"name": "Stroker",
		"description": "Linear actuator",
		"version": "0.9.1",
		"features": ["position"],
		"pricing": {"model": "subscription", "amount": 4.99, "currency": "USD"},
		"requirements": {"min_firmware": "2.0.0", "protocols": ["duplex"]}
	}`)
	writeDeviceType(t, dir, "notes.txt", "ignored")

	types, err := LoadDeviceTypes(dir)
	if err != nil {
		t.Fatalf("LoadDeviceTypes: %v", err)
	}
	if len(types) != 2 {
		t.Fatalf("expected 2 types, got %d", len(types))
	}
	// Sorted by type.
	if types[0].Type != "stroker" || types[1].Type != "wand" {
		t.Errorf("unexpected order: %s, %s", types[0].Type, types[1].Type)
	}
	if types[0].Requirements == nil || types[0].Requirements.MinFirmware != "2.0.0" {
		t.Error("requirements not loaded")
	}
}

func TestLoadDeviceTypes_EmptyDir(t *testing.T) {
	types, err := LoadDeviceTypes(t.TempDir())
	if err != nil {
		t.Fatalf("LoadDeviceTypes: %v", err)
	}
	if len(types) != 0 {
		t.Errorf("expected no types, got %d", len(types))
	}
}

func TestLoadDeviceTypes_MissingDir(t *testing.T) {
	if _, err := LoadDeviceTypes(filepath.Join(t.TempDir(), "absent")); err == nil {
		t.Fatal("expected error for missing directory")
	}
}

func TestLoadDeviceTypes_Invalid(t *testing.T) {
	cases := []struct {
		name    string
		file    string
		content string
	}{
		{"type mismatch", "other.json", validWand},
		{"bad semver", "wand.json", `{
			"type": "wand", "name": "W", "version": "1.2",
			"features": ["vibrate"], "pricing": {"model": "free"}
		}`},
		{"no features", "wand.json", `{
			"type": "wand", "name": "W", "version": "1.2.0",
			"features": [], "pricing": {"model": "free"}
		}`},
		{"bad pricing model", "wand.json", `{
			"type": "wand", "name": "W", "version": "1.2.0",
			"features": ["vibrate"], "pricing": {"model": "rental"}
		}`},
		{"paid without amount", "wand.json", `{
			"type": "wand", "name": "W", "version": "1.2.0",
			"features": ["vibrate"], "pricing": {"model": "one-time", "currency": "USD"}
		}`},
		{"malformed json", "wand.json", `{"type": "wand"`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			writeDeviceType(t, dir, tc.file, tc.content)
			if _, err := LoadDeviceTypes(dir); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
