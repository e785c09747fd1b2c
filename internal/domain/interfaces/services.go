package interfaces

import (
	"context"
	"time"

	domaintypes "e2ee/internal/domain/types"
)

// KeyService owns a device's private key material. Generation returns public
// halves only; private halves are lent to callbacks and wiped afterwards.
type KeyService interface {
	DeviceID() (domaintypes.DeviceID, error)
	GenerateIdentity(device domaintypes.DeviceID) (domaintypes.IdentityPublic, error)
	GenerateSignedPreKey() (domaintypes.SignedPreKeyPublic, error)
	GenerateOneTimePreKeys(n int) ([]domaintypes.OneTimePreKeyPublic, error)
	MarkOneTimePreKeyUsed(id domaintypes.OneTimePreKeyID) error
	PublishedKeys() (domaintypes.PublishedKeys, error)
	Fingerprint() (domaintypes.Fingerprint, error)

	WithIdentity(fn func(id *domaintypes.Identity) error) error
	WithSignedPreKey(id domaintypes.SignedPreKeyID, fn func(spk *domaintypes.SignedPreKey) error) error
	WithOneTimePreKey(id domaintypes.OneTimePreKeyID, fn func(opk *domaintypes.OneTimePreKey) error) error
}

// SessionService runs pairwise Double Ratchet sessions, creating them via
// X3DH on demand.
type SessionService interface {
	Encrypt(ctx context.Context, peer domaintypes.Address, plaintext []byte) (domaintypes.Envelope, error)
	Decrypt(ctx context.Context, peer domaintypes.Address, env domaintypes.Envelope) ([]byte, error)
	DeleteSession(ctx context.Context, peer domaintypes.Address) error
	HasSession(peer domaintypes.Address) (bool, error)
	PruneIdle(ctx context.Context, idle time.Duration) (int, error)
}

// MessageService is the surface handed to the transport layer.
type MessageService interface {
	EncryptForRecipients(
		ctx context.Context,
		plaintext []byte,
		recipients []domaintypes.Address,
	) []domaintypes.RecipientResult
	DecryptIncoming(
		ctx context.Context,
		env domaintypes.Envelope,
		senderUser domaintypes.UserID,
		senderDevice domaintypes.DeviceID,
	) ([]byte, error)
	ResolveRecipients(ctx context.Context, users []domaintypes.UserID) ([]domaintypes.Address, error)
}
