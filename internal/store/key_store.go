package store

import (
	"encoding/json"
	"path/filepath"
	"sync"

	"e2ee/internal/crypto"
	"e2ee/internal/domain"
)

const keysFilename = "keys.json.enc"

var keyMaterialLabel = []byte("e2ee key material")

// KeyFileStore persists the device's key material as one sealed file.
type KeyFileStore struct {
	path   string
	mu     sync.Mutex
	sealer *sealer
}

// NewKeyFileStore returns a KeyFileStore rooted at dir, sealed under passphrase.
func NewKeyFileStore(dir, passphrase string, params ScryptParams) *KeyFileStore {
	return &KeyFileStore{
		path:   filepath.Join(dir, keysFilename),
		sealer: newSealer(passphrase, params),
	}
}

// LoadKeyMaterial reads and decrypts the key material, if any.
func (s *KeyFileStore) LoadKeyMaterial() (domain.KeyMaterial, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := readFile(s.path)
	if err != nil || b == nil {
		return domain.KeyMaterial{}, false, err
	}
	raw, err := s.sealer.open(b, keyMaterialLabel)
	if err != nil {
		return domain.KeyMaterial{}, false, err
	}
	defer crypto.Wipe(raw)

	var m domain.KeyMaterial
	if err := json.Unmarshal(raw, &m); err != nil {
		return domain.KeyMaterial{}, false, err
	}
	return m, true, nil
}

// SaveKeyMaterial encrypts and atomically replaces the key material.
func (s *KeyFileStore) SaveKeyMaterial(m domain.KeyMaterial) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	defer crypto.Wipe(raw)

	ct, err := s.sealer.seal(raw, keyMaterialLabel)
	if err != nil {
		return err
	}
	return writeFile(s.path, ct, 0o600)
}

// Compile-time assertion that KeyFileStore implements domain.KeyStore.
var _ domain.KeyStore = (*KeyFileStore)(nil)
