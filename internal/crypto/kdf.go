package crypto

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
)

// KeyBytes is the size of every symmetric key in the module.
const KeyBytes = 32

// HKDF expands ikm into len(outs) keys of KeyBytes each, using HKDF-SHA256
// with the given salt and info. A nil salt means a zero-filled salt.
func HKDF(ikm, salt, info []byte, outs ...*[]byte) error {
	if salt == nil {
		salt = make([]byte, sha256.Size)
	}
	r := hkdf.New(sha256.New, ikm, salt, info)
	for _, o := range outs {
		*o = make([]byte, KeyBytes)
		if _, err := io.ReadFull(r, *o); err != nil {
			return err
		}
	}
	return nil
}

// DeriveKEK derives a key-encryption key from a passphrase and salt using Argon2id.
func DeriveKEK(passphrase, salt []byte) []byte {
	return argon2.IDKey(passphrase, salt, 1, 64*1024, 4, KeyBytes)
}
