package credentials

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	return dir
}

func TestLoadWithoutSave(t *testing.T) {
	isolate(t)
	if _, err := Load(); !errors.Is(err, ErrNotSaved) {
		t.Fatalf("expected ErrNotSaved, got %v", err)
	}
}

func TestSaveLoadClear(t *testing.T) {
	dir := isolate(t)

	saved := &Credential{
		GatewayURL: "ws://localhost:8750/ws",
		Token:      "tok",
		UserID:     "alice",
		ExpiresAt:  time.Now().Add(time.Hour).UTC(),
	}
	if err := Save(saved); err != nil {
		t.Fatalf("Save: %v", err)
	}

	info, err := os.Stat(filepath.Join(dir, "haplink", "credentials.json"))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("expected 0600 permissions, got %v", info.Mode().Perm())
	}

	got, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.GatewayURL != saved.GatewayURL || got.Token != saved.Token || got.UserID != saved.UserID {
		t.Errorf("round trip mismatch: %+v", got)
	}

	if err := Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if _, err := Load(); !errors.Is(err, ErrNotSaved) {
		t.Fatalf("expected ErrNotSaved after clear, got %v", err)
	}
	// Clearing twice is fine.
	if err := Clear(); err != nil {
		t.Fatalf("second Clear: %v", err)
	}
}

func TestExpired(t *testing.T) {
	c := &Credential{}
	if c.Expired() {
		t.Error("zero expiry must never expire")
	}
	c.ExpiresAt = time.Now().Add(-time.Hour)
	if !c.Expired() {
		t.Error("past expiry must report expired")
	}
	c.ExpiresAt = time.Now().Add(30 * time.Second)
	if !c.Expired() {
		t.Error("expiry inside the one-minute margin must report expired")
	}
}
