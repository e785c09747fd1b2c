package types

import "fmt"

// UserID identifies an account on the platform.
type UserID string

// String returns the string form of the user identifier.
func (u UserID) String() string { return string(u) }

// DeviceID identifies one device of a user. Every device owns its own keys.
type DeviceID string

// String returns the string form of the device identifier.
func (d DeviceID) String() string { return string(d) }

// Fingerprint is a short identifier for public keys presented to users.
type Fingerprint string

// String returns the string form of the fingerprint.
func (f Fingerprint) String() string { return string(f) }

// SignedPreKeyID identifies a signed pre-key. Assigned monotonically per device.
type SignedPreKeyID uint32

// OneTimePreKeyID identifies a one-time pre-key. Assigned monotonically per device.
type OneTimePreKeyID uint32

// Address names one device of one user.
type Address struct {
	User   UserID   `json:"user"`
	Device DeviceID `json:"device"`
}

// String returns "user/device".
func (a Address) String() string { return fmt.Sprintf("%s/%s", a.User, a.Device) }

// Valid reports whether both halves of the address are set.
func (a Address) Valid() bool { return a.User != "" && a.Device != "" }

// SessionKey identifies the pairwise session between a local device and one
// peer device.
type SessionKey struct {
	LocalDevice DeviceID `json:"local_device"`
	PeerUser    UserID   `json:"peer_user"`
	PeerDevice  DeviceID `json:"peer_device"`
}

// NewSessionKey builds the key for the session between local and peer.
func NewSessionKey(local DeviceID, peer Address) SessionKey {
	return SessionKey{LocalDevice: local, PeerUser: peer.User, PeerDevice: peer.Device}
}

// Peer returns the remote half of the key.
func (k SessionKey) Peer() Address { return Address{User: k.PeerUser, Device: k.PeerDevice} }

// String returns "local->user/device".
func (k SessionKey) String() string {
	return fmt.Sprintf("%s->%s/%s", k.LocalDevice, k.PeerUser, k.PeerDevice)
}
