package types

// Identity holds a device's long-term X25519 and Ed25519 keys.
// X25519 is used for agreement, Ed25519 signs the signed pre-keys.
type Identity struct {
	XPub   X25519Public   `json:"xpub"`
	XPriv  X25519Private  `json:"xpriv"`
	EdPub  Ed25519Public  `json:"edpub"`
	EdPriv Ed25519Private `json:"edpriv"`
}

// Public strips the private halves.
func (id Identity) Public() IdentityPublic {
	return IdentityPublic{IdentityKey: id.XPub, SigningKey: id.EdPub}
}

// IdentityPublic is the shareable half of an Identity.
type IdentityPublic struct {
	IdentityKey X25519Public  `json:"identity_key"`
	SigningKey  Ed25519Public `json:"signing_key"`
}
