package types

import (
	"encoding/hex"
	"strconv"
	"time"
)

// RatchetHeader is sent alongside every ciphertext.
type RatchetHeader struct {
	RatchetKey          X25519Public `json:"ratchet_key"`
	PreviousChainLength uint32       `json:"pn"`
	MessageIndex        uint32       `json:"n"`
}

// SkippedKey is a cached message key for a message that has not arrived yet.
type SkippedKey struct {
	RatchetKey X25519Public `json:"ratchet_key"`
	Index      uint32       `json:"index"`
	MessageKey []byte       `json:"message_key"`
	CreatedAt  time.Time    `json:"created_at"`
}

// SkippedKeyID is the map key of a skipped message key: the sender ratchet
// key in hex and the message index.
func SkippedKeyID(ratchetKey X25519Public, index uint32) string {
	return hex.EncodeToString(ratchetKey[:]) + ":" + strconv.FormatUint(uint64(index), 10)
}

// RatchetState is the Double Ratchet state of one pairwise session.
type RatchetState struct {
	RootKey           []byte        `json:"root_key"`
	SendingChainKey   []byte        `json:"send_ck,omitempty"`
	ReceivingChainKey []byte        `json:"recv_ck,omitempty"`
	DHPrivate         X25519Private `json:"dh_priv"`
	DHPublic          X25519Public  `json:"dh_pub"`
	PeerRatchetKey    X25519Public  `json:"peer_dh_pub"`
	SendCount         uint32        `json:"ns"`
	ReceiveCount      uint32        `json:"nr"`
	PreviousSendCount uint32        `json:"pn"`

	// RetiredPeerKeys are recent superseded peer ratchet keys, oldest first.
	RetiredPeerKeys []X25519Public `json:"retired_peer_keys,omitempty"`

	Skipped map[string]SkippedKey `json:"skipped,omitempty"`

	AssociatedData  []byte       `json:"ad"`
	PeerIdentityKey X25519Public `json:"peer_identity_key"`
	// BaseKey is the X3DH ephemeral key that created the session.
	BaseKey       X25519Public   `json:"base_key"`
	PendingPreKey *PreKeyMessage `json:"pending_pre_key,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
