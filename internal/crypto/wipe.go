package crypto

import (
	"e2ee/internal/domain"
	"e2ee/internal/util/memzero"
)

// Wipe zeroes every given buffer.
func Wipe(bufs ...[]byte) {
	memzero.ZeroAll(bufs...)
}

// WipeIdentity zeroes both private halves of id.
func WipeIdentity(id *domain.Identity) {
	memzero.Zero(id.XPriv[:])
	memzero.Zero(id.EdPriv[:])
}
