// Package credentials stores the CLI's saved gateway credential: the
// websocket URL plus a bearer token, written to the user's config
// directory with owner-only permissions.
package credentials

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	fileName = "credentials.json"

	filePerm = 0600
	dirPerm  = 0700
)

// ErrNotSaved indicates no credential has been stored yet.
var ErrNotSaved = errors.New("no saved credential - run 'haplinkd token issue --save' or pass --url and --token")

// Credential is one saved gateway login.
type Credential struct {
	GatewayURL string    `json:"gateway_url"`
	Token      string    `json:"token"`
	UserID     string    `json:"user_id,omitempty"`
	ExpiresAt  time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the token is past (or within a minute of) its
// expiry. A zero expiry never expires.
func (c *Credential) Expired() bool {
	if c.ExpiresAt.IsZero() {
		return false
	}
	return time.Now().Add(time.Minute).After(c.ExpiresAt)
}

// Load reads the saved credential.
func Load() (*Credential, error) {
	path, err := credentialPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotSaved
		}
		return nil, fmt.Errorf("failed to read credential: %w", err)
	}
	var c Credential
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("malformed credential file %s: %w", path, err)
	}
	return &c, nil
}

// Save writes the credential, creating the config directory as needed.
func Save(c *Credential) error {
	path, err := credentialPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode credential: %w", err)
	}
	if err := os.WriteFile(path, data, filePerm); err != nil {
		return fmt.Errorf("failed to write credential: %w", err)
	}
	return nil
}

// Clear removes the saved credential. Clearing an absent credential is
// not an error.
func Clear() error {
	path, err := credentialPath()
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove credential: %w", err)
	}
	return nil
}

func credentialPath() (string, error) {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "haplink", fileName), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, ".config", "haplink", fileName), nil
}
