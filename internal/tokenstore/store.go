// Copyright Copilot Gateway Authors
// SPDX-License-Identifier: Apache-2.0

// Package tokenstore persists the long-lived GitHub bearer token as a single
// file under the user data directory, owner-readable only.
package tokenstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// tokenFileMode keeps the token readable by the owner only.
const tokenFileMode = 0o600

// ErrNotPresent is returned by Read when no token has been stored yet.
var ErrNotPresent = errors.New("token not present")

// Store reads and writes the token file. The zero value is not usable; use
// New or NewAt.
type Store struct {
	path string
}

// New creates a Store rooted at the default location,
// $XDG_DATA_HOME/copilot-gateway/github_token falling back to
// ~/.local/share/copilot-gateway/github_token.
// See https://specifications.freedesktop.org/basedir-spec/latest/
func New() (*Store, error) {
	dataHome := os.Getenv("XDG_DATA_HOME")
	if dataHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve home directory: %w", err)
		}
		dataHome = filepath.Join(home, ".local", "share")
	}
	return NewAt(filepath.Join(dataHome, "copilot-gateway", "github_token")), nil
}

// NewAt creates a Store for an explicit token file path. Mainly for testing.
func NewAt(path string) *Store {
	return &Store{path: path}
}

// Path returns the token file location.
func (s *Store) Path() string {
	return s.path
}

// ensure creates the parent directory and an empty token file if absent, and
// tightens permissions on an existing file.
func (s *Store) ensure() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("failed to create token directory: %w", err)
	}
	info, err := os.Stat(s.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if err := os.WriteFile(s.path, nil, tokenFileMode); err != nil {
			return fmt.Errorf("failed to create token file: %w", err)
		}
	case err != nil:
		return err
	case info.Mode().Perm() != tokenFileMode:
		if err := os.Chmod(s.path, tokenFileMode); err != nil {
			return fmt.Errorf("failed to set token file mode: %w", err)
		}
	}
	return nil
}

// Read returns the stored token, or ErrNotPresent when the file is missing or
// empty. Surrounding whitespace is trimmed.
func (s *Store) Read() (string, error) {
	if err := s.ensure(); err != nil {
		return "", err
	}
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return "", fmt.Errorf("failed to read token file: %w", err)
	}
	token := strings.TrimSpace(string(raw))
	if token == "" {
		return "", ErrNotPresent
	}
	return token, nil
}

// Write replaces the stored token.
func (s *Store) Write(token string) error {
	if err := s.ensure(); err != nil {
		return err
	}
	if err := os.WriteFile(s.path, []byte(token), tokenFileMode); err != nil {
		return fmt.Errorf("failed to write token file: %w", err)
	}
	return nil
}

// Erase removes the token file. It is a no-op when the file is already gone.
func (s *Store) Erase() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove token file: %w", err)
	}
	return nil
}
