// Package profile remembers the operator's name between runs.
package profile

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
)

// FileName is the profile's name inside the data directory.
const FileName = "profile.toml"

// Profile is the persisted operator profile.
type Profile struct {
	UserName string `toml:"user_name"`
}

// Store reads and writes the profile file.
type Store struct {
	path string
	mu   sync.Mutex
}

// NewStore creates a store for the profile at path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load returns the stored profile. A missing file is an empty profile.
func (s *Store) Load() (Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

// Save writes p to disk.
func (s *Store) Save(p Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(p)
}

// UserName returns the stored user name, or "" when none is set.
func (s *Store) UserName() (string, error) {
	p, err := s.Load()
	if err != nil {
		return "", err
	}
	return p.UserName, nil
}

// Ensure returns the stored user name, asking for one and saving it when
// none is stored yet. A blank answer is returned as "" and not saved.
func (s *Store) Ensure(ctx context.Context, ask func(context.Context) (string, error)) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.load()
	if err != nil {
		return "", err
	}
	if name := strings.TrimSpace(p.UserName); name != "" {
		return name, nil
	}

	name, err := ask(ctx)
	if err != nil {
		return "", err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", nil
	}

	p.UserName = name
	if err := s.save(p); err != nil {
		return "", err
	}
	return name, nil
}

func (s *Store) load() (Profile, error) {
	var p Profile
	if _, err := toml.DecodeFile(s.path, &p); err != nil {
		if os.IsNotExist(err) {
			return Profile{}, nil
		}
		return Profile{}, fmt.Errorf("read profile: %w", err)
	}
	return p, nil
}

func (s *Store) save(p Profile) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("write profile: %w", err)
	}
	f, err := os.OpenFile(s.path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("write profile: %w", err)
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(p); err != nil {
		return fmt.Errorf("write profile: %w", err)
	}
	return nil
}
