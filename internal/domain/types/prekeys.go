package types

import "time"

// SignedPreKey is a medium-term agreement key signed by the identity key.
type SignedPreKey struct {
	ID           SignedPreKeyID `json:"id"`
	Pub          X25519Public   `json:"pub"`
	Priv         X25519Private  `json:"priv"`
	Signature    []byte         `json:"signature"`
	CreatedAt    time.Time      `json:"created_at"`
	SupersededAt *time.Time     `json:"superseded_at,omitempty"`
}

// Public returns the part of the key that is published.
func (k SignedPreKey) Public() SignedPreKeyPublic {
	return SignedPreKeyPublic{ID: k.ID, Pub: k.Pub, Signature: append([]byte(nil), k.Signature...)}
}

// SignedPreKeyPublic is the published half of a signed pre-key.
type SignedPreKeyPublic struct {
	ID        SignedPreKeyID `json:"id"`
	Pub       X25519Public   `json:"pub"`
	Signature []byte         `json:"signature"`
}

// OneTimePreKey is a single-use agreement key. Priv is wiped once Used.
type OneTimePreKey struct {
	ID        OneTimePreKeyID `json:"id"`
	Pub       X25519Public    `json:"pub"`
	Priv      X25519Private   `json:"priv"`
	Used      bool            `json:"used"`
	CreatedAt time.Time       `json:"created_at"`
	UsedAt    *time.Time      `json:"used_at,omitempty"`
}

// Public returns the part of the key that is published.
func (k OneTimePreKey) Public() OneTimePreKeyPublic {
	return OneTimePreKeyPublic{ID: k.ID, Pub: k.Pub}
}

// OneTimePreKeyPublic is the published half of a one-time pre-key.
type OneTimePreKeyPublic struct {
	ID  OneTimePreKeyID `json:"id"`
	Pub X25519Public    `json:"pub"`
}

// KeyMaterial is everything a device keeps about its own keys. It is
// persisted as one record so that id counters and key pools never diverge.
type KeyMaterial struct {
	Device              DeviceID                          `json:"device"`
	Identity            *Identity                         `json:"identity,omitempty"`
	SignedPreKeys       []SignedPreKey                    `json:"signed_pre_keys,omitempty"`
	CurrentSignedPreKey SignedPreKeyID                    `json:"current_signed_pre_key"`
	NextSignedPreKeyID  SignedPreKeyID                    `json:"next_signed_pre_key_id"`
	OneTimePreKeys      map[OneTimePreKeyID]OneTimePreKey `json:"one_time_pre_keys,omitempty"`
	NextOneTimePreKeyID OneTimePreKeyID                   `json:"next_one_time_pre_key_id"`
	CreatedAt           time.Time                         `json:"created_at"`
}

// PublishedKeys is what a device uploads to the key directory.
type PublishedKeys struct {
	IdentityKey    X25519Public          `json:"identity_key"`
	SigningKey     Ed25519Public         `json:"signing_key"`
	SignedPreKey   SignedPreKeyPublic    `json:"signed_pre_key"`
	OneTimePreKeys []OneTimePreKeyPublic `json:"one_time_pre_keys,omitempty"`
}

// KeyBundle is what an initiator fetches for one peer device. It carries at
// most one one-time pre-key, handed out to this fetch only.
type KeyBundle struct {
	Address       Address              `json:"address"`
	IdentityKey   X25519Public         `json:"identity_key"`
	SigningKey    Ed25519Public        `json:"signing_key"`
	SignedPreKey  SignedPreKeyPublic   `json:"signed_pre_key"`
	OneTimePreKey *OneTimePreKeyPublic `json:"one_time_pre_key,omitempty"`
}
