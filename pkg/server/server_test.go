package server

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexhaptics/haplink/pkg/config"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.GetDefaultConfig()
	cfg.Store.Backend = "memory"
	cfg.Token.Secret = testSecret
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0 // ephemeral
	cfg.Metrics.Enabled = false
	cfg.ShutdownTimeout = 5 * time.Second
	return cfg
}

func TestNewAssemblesComponents(t *testing.T) {
	s, err := New(testConfig(t))
	require.NoError(t, err)
	require.NotNil(t, s.Registry())
	assert.Empty(t, s.DeviceTypes())
	require.NoError(t, s.shutdown())
}

func TestNewRejectsShortSecret(t *testing.T) {
	cfg := testConfig(t)
	cfg.Token.Secret = "too-short"
	_, err := New(cfg)
	require.Error(t, err)
}

func TestNewRejectsUnknownBackend(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Backend = "etcd"
	_, err := New(cfg)
	require.Error(t, err)
}

func TestServeStopsOnContextCancel(t *testing.T) {
	s, err := New(testConfig(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestDeviceTypeCatalogLoaded(t *testing.T) {
	dir := t.TempDir()
	writeCatalogEntry(t, dir)

	cfg := testConfig(t)
	cfg.DeviceTypesDir = dir

	s, err := New(cfg)
	require.NoError(t, err)
	defer func() { _ = s.shutdown() }()

	require.Len(t, s.DeviceTypes(), 1)
	assert.Equal(t, "wand", s.DeviceTypes()[0].Type)
}

func writeCatalogEntry(t *testing.T, dir string) {
	t.Helper()
	entry := `{
		"type": "wand",
		"name": "Wand Massager",
		"description": "Mains-powered wand",
		"version": "1.0.0",
		"features": ["vibrate"],
		"pricing": {"model": "free"}
	}`
	if err := os.WriteFile(filepath.Join(dir, "wand.json"), []byte(entry), 0644); err != nil {
		t.Fatalf("write catalog entry: %v", err)
	}
}
