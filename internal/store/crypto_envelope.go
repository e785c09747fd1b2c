package store

import (
	"bytes"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"

	"e2ee/internal/crypto"
)

// The current version of the sealed blob format stored on disk.
const sealedFormatVersion = 2

var (
	// ErrWrongPassphrase is returned when the passphrase is incorrect or the
	// ciphertext has been modified / corrupted.
	ErrWrongPassphrase = errors.New("wrong passphrase or corrupted key store")
	// ErrPassphraseRequired is returned when a sealed store is used without one.
	ErrPassphraseRequired = errors.New("passphrase required")
)

// ScryptParams tunes passphrase stretching for sealed files.
type ScryptParams struct {
	N, R, P int
}

// DefaultScryptParams are the parameters written to new files.
func DefaultScryptParams() ScryptParams { return ScryptParams{N: 1 << 15, R: 8, P: 1} }

// sealedBlob is the on‑disk JSON structure holding the ciphertext and KDF parameters.
type sealedBlob struct {
	V      int    `json:"v"`
	Salt   []byte `json:"salt"`
	N      int    `json:"scrypt_N"`
	R      int    `json:"scrypt_r"`
	P      int    `json:"scrypt_p"`
	Nonce  []byte `json:"nonce"`
	Cipher []byte `json:"cipher"`
}

// sealer encrypts records under a passphrase with XChaCha20-Poly1305. The
// scrypt output is cached per salt since records are rewritten often.
type sealer struct {
	passphrase []byte
	params     ScryptParams

	mu   sync.Mutex
	salt []byte
	kek  []byte
}

func newSealer(passphrase string, params ScryptParams) *sealer {
	return &sealer{passphrase: []byte(passphrase), params: params}
}

func (s *sealer) keyFor(salt []byte, p ScryptParams) ([]byte, error) {
	if s.kek != nil && bytes.Equal(s.salt, salt) {
		return s.kek, nil
	}
	kek, err := scrypt.Key(s.passphrase, salt, p.N, p.R, p.P, chacha20poly1305.KeySize)
	if err != nil {
		return nil, err
	}
	return kek, nil
}

func (s *sealer) remember(salt, kek []byte) {
	if s.kek != nil && !bytes.Equal(s.kek, kek) {
		crypto.Wipe(s.kek)
	}
	s.salt, s.kek = salt, kek
}

// seal encrypts raw, binding it to label.
func (s *sealer) seal(raw, label []byte) ([]byte, error) {
	if len(s.passphrase) == 0 {
		return nil, ErrPassphraseRequired
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	salt := s.salt
	if salt == nil {
		salt = make([]byte, 16)
		if _, err := rand.Read(salt); err != nil {
			return nil, err
		}
	}
	kek, err := s.keyFor(salt, s.params)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(kek)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	ct := aead.Seal(nil, nonce, raw, label)
	s.remember(salt, kek)

	return json.Marshal(sealedBlob{
		V:      sealedFormatVersion,
		Salt:   salt,
		N:      s.params.N,
		R:      s.params.R,
		P:      s.params.P,
		Nonce:  nonce,
		Cipher: ct,
	})
}

// open decrypts a blob produced by seal with the same label.
func (s *sealer) open(b, label []byte) ([]byte, error) {
	if len(s.passphrase) == 0 {
		return nil, ErrPassphraseRequired
	}
	var bl sealedBlob
	if err := json.Unmarshal(b, &bl); err != nil {
		return nil, fmt.Errorf("sealed blob: %w", err)
	}
	if bl.V != sealedFormatVersion {
		return nil, fmt.Errorf("unsupported sealed blob version %d", bl.V)
	}
	if len(bl.Nonce) != chacha20poly1305.NonceSizeX {
		return nil, ErrWrongPassphrase
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	kek, err := s.keyFor(bl.Salt, ScryptParams{N: bl.N, R: bl.R, P: bl.P})
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(kek)
	if err != nil {
		return nil, err
	}
	pt, err := aead.Open(nil, bl.Nonce, bl.Cipher, label)
	if err != nil {
		return nil, ErrWrongPassphrase
	}
	s.remember(bl.Salt, kek)
	return pt, nil
}
