// Package identity persists the relay-issued user code (UID) across sessions.
//
// The relay assigns a fresh UID on first login and returns the same one when a
// client logs in presenting a previously issued UID. The client therefore
// stores the UID on disk and presents it verbatim on every reconnect.
package identity

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// uidLength is fixed by the relay's UID generator.
const uidLength = 6

// uidAlphabet is the relay's UID alphabet: uppercase letters and digits with
// the easily confused I, O, 0 and 1 removed.
const uidAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

var ErrInvalidUID = errors.New("invalid uid")

// Validate checks that uid is a well-formed relay-issued user code.
func Validate(uid string) error {
	if len(uid) != uidLength {
		return fmt.Errorf("%w: %q has length %d, want %d", ErrInvalidUID, uid, len(uid), uidLength)
	}
	for _, r := range uid {
		if !strings.ContainsRune(uidAlphabet, r) {
			return fmt.Errorf("%w: %q contains %q", ErrInvalidUID, uid, r)
		}
	}
	return nil
}

// Store reads and writes the persisted UID.
//
// The zero value is not usable; construct with NewStore.
type Store struct {
	path string
}

// NewStore returns a Store backed by path. When path is empty, the per-user
// default location (os.UserConfigDir()/peerlink/uid) is used.
func NewStore(path string) (*Store, error) {
	if path == "" {
		configDir, err := os.UserConfigDir()
		if err != nil {
			return nil, fmt.Errorf("resolve user config dir: %w", err)
		}
		path = filepath.Join(configDir, "peerlink", "uid")
	}
	return &Store{path: path}, nil
}

func (s *Store) Path() string { return s.path }

// Load returns the persisted UID, or "" when none has been stored yet.
// A stored value that fails validation is treated as absent (the relay will
// issue a fresh UID on the next login).
func (s *Store) Load() string {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return ""
	}
	uid := strings.TrimSpace(string(data))
	if Validate(uid) != nil {
		return ""
	}
	return uid
}

// Save persists uid for future sessions.
func (s *Store) Save(uid string) error {
	if err := Validate(uid); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create identity dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(uid+"\n"), 0o600); err != nil {
		return fmt.Errorf("write identity file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace identity file: %w", err)
	}
	return nil
}
