package domain

import (
	interfaces "e2ee/internal/domain/interfaces"
	types "e2ee/internal/domain/types"
)

// Type aliases expose domain types from the types subpackage for compact imports.
type (
	UserID              = types.UserID
	DeviceID            = types.DeviceID
	Fingerprint         = types.Fingerprint
	SignedPreKeyID      = types.SignedPreKeyID
	OneTimePreKeyID     = types.OneTimePreKeyID
	Address             = types.Address
	SessionKey          = types.SessionKey
	Identity            = types.Identity
	IdentityPublic      = types.IdentityPublic
	SignedPreKey        = types.SignedPreKey
	SignedPreKeyPublic  = types.SignedPreKeyPublic
	OneTimePreKey       = types.OneTimePreKey
	OneTimePreKeyPublic = types.OneTimePreKeyPublic
	KeyMaterial         = types.KeyMaterial
	PublishedKeys       = types.PublishedKeys
	KeyBundle           = types.KeyBundle
	PreKeyMessage       = types.PreKeyMessage
	Envelope            = types.Envelope
	RecipientResult     = types.RecipientResult
	RatchetHeader       = types.RatchetHeader
	RatchetState        = types.RatchetState
	SkippedKey          = types.SkippedKey
	Profile             = types.Profile
	X25519Public        = types.X25519Public
	X25519Private       = types.X25519Private
	Ed25519Public       = types.Ed25519Public
	Ed25519Private      = types.Ed25519Private
)

// Interface aliases expose domain interfaces from the interfaces subpackage.
type (
	KeyService     = interfaces.KeyService
	SessionService = interfaces.SessionService
	MessageService = interfaces.MessageService
	KeyDirectory   = interfaces.KeyDirectory
	KeyStore       = interfaces.KeyStore
	SessionStore   = interfaces.SessionStore
	ProfileStore   = interfaces.ProfileStore
)

// NewSessionKey builds the key for the session between local and peer.
func NewSessionKey(local DeviceID, peer Address) SessionKey { return types.NewSessionKey(local, peer) }

// SkippedKeyID is the map key of a skipped message key.
func SkippedKeyID(ratchetKey X25519Public, index uint32) string {
	return types.SkippedKeyID(ratchetKey, index)
}
