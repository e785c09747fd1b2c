package types

// PreKeyMessage carries the X3DH parameters the responder needs. It rides on
// every message of a new session until the initiator sees a reply.
type PreKeyMessage struct {
	IdentityKey     X25519Public     `json:"identity_key"`
	EphemeralKey    X25519Public     `json:"ephemeral_key"`
	SignedPreKeyID  SignedPreKeyID   `json:"signed_pre_key_id"`
	OneTimePreKeyID *OneTimePreKeyID `json:"one_time_pre_key_id,omitempty"`
}

// Envelope is the opaque blob handed to the transport.
type Envelope struct {
	Header     RatchetHeader  `json:"header"`
	Ciphertext []byte         `json:"ciphertext"`
	Tag        []byte         `json:"tag"`
	PreKey     *PreKeyMessage `json:"pre_key,omitempty"`
}

// RecipientResult is the outcome of encrypting for one recipient device.
type RecipientResult struct {
	Recipient Address   `json:"recipient"`
	Envelope  *Envelope `json:"envelope,omitempty"`
	Err       error     `json:"-"`
}

// OK reports whether an envelope was produced.
func (r RecipientResult) OK() bool { return r.Err == nil && r.Envelope != nil }
