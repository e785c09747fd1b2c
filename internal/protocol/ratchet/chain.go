package ratchet

import (
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"e2ee/internal/crypto"
	"e2ee/internal/domain"
)

var (
	rootInfo    = []byte("e2ee-ratchet-root")
	messageInfo = []byte("e2ee-ratchet-message")
)

const (
	messageKeySeed = 0x01
	chainKeySeed   = 0x02
)

// kdfRK mixes a DH output into the root key, yielding a new root key and a
// chain key.
func kdfRK(rk, dh []byte) (newRK, ck []byte, err error) {
	if err := crypto.HKDF(dh, rk, rootInfo, &newRK, &ck); err != nil {
		return nil, nil, fmt.Errorf("ratchet: root kdf: %w", err)
	}
	return newRK, ck, nil
}

// kdfCK steps a chain: HMAC(ck, 0x02) is the next chain key and
// HMAC(ck, 0x01) the message key. The step cannot be reversed.
func kdfCK(ck []byte) (nextCK, mk []byte) {
	m := hmac.New(sha256.New, ck)
	m.Write([]byte{chainKeySeed})
	nextCK = m.Sum(nil)

	m = hmac.New(sha256.New, ck)
	m.Write([]byte{messageKeySeed})
	mk = m.Sum(nil)
	return nextCK, mk
}

// messageAEAD expands a message key into the AEAD key and nonce.
func messageAEAD(mk []byte) (cipher.AEAD, []byte, error) {
	var key, iv []byte
	if err := crypto.HKDF(mk, nil, messageInfo, &key, &iv); err != nil {
		return nil, nil, err
	}
	defer crypto.Wipe(key)
	a, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, nil, err
	}
	return a, iv[:chacha20poly1305.NonceSize], nil
}

func seal(mk, ad []byte, h domain.RatchetHeader, plaintext []byte) (ct, tag []byte, err error) {
	aead, nonce, err := messageAEAD(mk)
	if err != nil {
		return nil, nil, err
	}
	out := aead.Seal(nil, nonce, plaintext, append(append([]byte(nil), ad...), headerBytes(h)...))
	split := len(out) - tagSize
	return out[:split], out[split:], nil
}

func open(mk, ad []byte, h domain.RatchetHeader, ct, tag []byte) ([]byte, error) {
	aead, nonce, err := messageAEAD(mk)
	if err != nil {
		return nil, err
	}
	sealed := make([]byte, 0, len(ct)+len(tag))
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)
	pt, err := aead.Open(nil, nonce, sealed, append(append([]byte(nil), ad...), headerBytes(h)...))
	if err != nil {
		return nil, domain.ErrDecryptionFailed
	}
	return pt, nil
}

// headerBytes is the authenticated encoding of a header:
// ratchet key || pn || n, big endian.
func headerBytes(h domain.RatchetHeader) []byte {
	out := make([]byte, 0, 32+8)
	out = append(out, h.RatchetKey[:]...)
	out = binary.BigEndian.AppendUint32(out, h.PreviousChainLength)
	out = binary.BigEndian.AppendUint32(out, h.MessageIndex)
	return out
}
