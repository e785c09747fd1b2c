package crypto

import (
	"crypto/sha256"
	"encoding/hex"

	"e2ee/internal/domain"
)

// Fingerprint returns a short hex fingerprint of a public key.
//
// It hashes with SHA-256 and truncates to 10 bytes (20 hex chars).
func Fingerprint(pub []byte) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:10])
}

// IdentityFingerprint covers both identity keys so that a swapped signing
// key changes the displayed value.
func IdentityFingerprint(id domain.IdentityPublic) domain.Fingerprint {
	b := make([]byte, 0, 64)
	b = append(b, id.IdentityKey[:]...)
	b = append(b, id.SigningKey[:]...)
	return domain.Fingerprint(Fingerprint(b))
}
