package store

import (
	"path/filepath"
	"sync"

	"e2ee/internal/domain"
)

const profileFilename = "profile.json"

// ProfileFileStore persists the local account profile as plain JSON.
type ProfileFileStore struct {
	path string
	mu   sync.Mutex
}

// NewProfileFileStore returns a ProfileFileStore rooted at dir.
func NewProfileFileStore(dir string) *ProfileFileStore {
	return &ProfileFileStore{path: filepath.Join(dir, profileFilename)}
}

// SaveProfile writes the profile.
func (s *ProfileFileStore) SaveProfile(p domain.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSON(s.path, p, 0o600)
}

// LoadProfile reads the profile, if one was saved.
func (s *ProfileFileStore) LoadProfile() (domain.Profile, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var p domain.Profile
	found, err := readJSON(s.path, &p)
	if err != nil || !found {
		return domain.Profile{}, false, err
	}
	return p, true, nil
}

// Compile-time assertion that ProfileFileStore implements domain.ProfileStore.
var _ domain.ProfileStore = (*ProfileFileStore)(nil)
