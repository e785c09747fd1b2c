package interfaces

import (
	"time"

	domaintypes "e2ee/internal/domain/types"
)

// KeyStore persists a device's own key material as a single record.
type KeyStore interface {
	LoadKeyMaterial() (domaintypes.KeyMaterial, bool, error)
	SaveKeyMaterial(material domaintypes.KeyMaterial) error
}

// SessionStore persists one ratchet state per session key. SaveSession must
// be atomic: a reader sees the old state or the new one, never a mix.
type SessionStore interface {
	LoadSession(key domaintypes.SessionKey) (domaintypes.RatchetState, bool, error)
	SaveSession(key domaintypes.SessionKey, state domaintypes.RatchetState) error
	DeleteSession(key domaintypes.SessionKey) error
	ListSessions(local domaintypes.DeviceID) ([]domaintypes.SessionKey, error)
	// PruneSessions deletes sessions last updated before the cutoff.
	PruneSessions(before time.Time) (int, error)
}

// ProfileStore persists the local account profile.
type ProfileStore interface {
	SaveProfile(profile domaintypes.Profile) error
	LoadProfile() (domaintypes.Profile, bool, error)
}
