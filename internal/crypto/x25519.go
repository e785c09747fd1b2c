package crypto

import (
	"crypto/rand"
	"errors"

	"golang.org/x/crypto/curve25519"

	"e2ee/internal/domain"
)

var errLowOrderPoint = errors.New("x25519: low order point")

// GenerateX25519 returns a fresh Curve25519 key pair with a clamped
// (RFC 7748) private half.
func GenerateX25519() (priv domain.X25519Private, pub domain.X25519Public, err error) {
	if _, err = rand.Read(priv[:]); err != nil {
		return priv, pub, err
	}
	clamp(&priv)
	if pub, err = PublicX25519(priv); err != nil {
		Wipe(priv[:])
	}
	return priv, pub, err
}

// PublicX25519 recomputes the public key of priv.
func PublicX25519(priv domain.X25519Private) (domain.X25519Public, error) {
	out, err := scalarMult(priv, curve25519.Basepoint)
	return domain.X25519Public(out), err
}

// DH computes the X25519 shared secret of priv and a peer's pub. The zero
// key and other low order points are refused.
func DH(priv domain.X25519Private, pub domain.X25519Public) ([32]byte, error) {
	if pub.IsZero() {
		return [32]byte{}, errLowOrderPoint
	}
	return scalarMult(priv, pub[:])
}

func scalarMult(priv domain.X25519Private, point []byte) (out [32]byte, err error) {
	b, err := curve25519.X25519(priv[:], point)
	if err != nil {
		return out, err
	}
	copy(out[:], b)
	Wipe(b)
	return out, nil
}

func clamp(k *domain.X25519Private) {
	k[0] &= 248
	k[31] &= 127
	k[31] |= 64
}
