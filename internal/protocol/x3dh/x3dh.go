package x3dh

import (
	"bytes"
	"fmt"

	"e2ee/internal/crypto"
	"e2ee/internal/domain"
)

// info binds derived keys to this protocol.
var info = []byte("e2ee-x3dh-v1")

// Agreement is the result of one X3DH run, as seen by either side.
type Agreement struct {
	SharedKey       []byte
	AssociatedData  []byte
	EphemeralKey    domain.X25519Public
	SignedPreKeyID  domain.SignedPreKeyID
	OneTimePreKeyID *domain.OneTimePreKeyID
	PeerIdentityKey domain.X25519Public

	// PeerSignedPreKey is the responder's signed pre-key; the initiator uses
	// it as the first peer ratchet key. Zero on the responder side.
	PeerSignedPreKey domain.X25519Public
}

// PreKeyMessage returns the header the initiator attaches to its first messages.
func (a Agreement) PreKeyMessage(ourIdentity domain.X25519Public) domain.PreKeyMessage {
	return domain.PreKeyMessage{
		IdentityKey:     ourIdentity,
		EphemeralKey:    a.EphemeralKey,
		SignedPreKeyID:  a.SignedPreKeyID,
		OneTimePreKeyID: a.OneTimePreKeyID,
	}
}

// Wipe clears the shared key.
func (a *Agreement) Wipe() { crypto.Wipe(a.SharedKey) }

// Initiate runs X3DH as the initiator against a fetched bundle.
//
// A bundle without a one-time pre-key yields the three-DH variant. A bad
// signed pre-key signature fails with domain.ErrInvalidSignature.
func Initiate(id domain.Identity, bundle domain.KeyBundle) (Agreement, error) {
	if !crypto.VerifyPreKey(bundle.SigningKey, bundle.SignedPreKey) {
		return Agreement{}, fmt.Errorf("x3dh: bundle for %s: %w", bundle.Address, domain.ErrInvalidSignature)
	}

	ekPriv, ekPub, err := crypto.GenerateX25519()
	if err != nil {
		return Agreement{}, err
	}
	defer crypto.Wipe(ekPriv[:])

	spk := bundle.SignedPreKey.Pub
	dh1, err := crypto.DH(id.XPriv, spk) // DH(IKa, SPKb)
	if err != nil {
		return Agreement{}, fmt.Errorf("x3dh: dh1: %w", err)
	}
	dh2, err := crypto.DH(ekPriv, bundle.IdentityKey) // DH(EKa, IKb)
	if err != nil {
		return Agreement{}, fmt.Errorf("x3dh: dh2: %w", err)
	}
	dh3, err := crypto.DH(ekPriv, spk) // DH(EKa, SPKb)
	if err != nil {
		return Agreement{}, fmt.Errorf("x3dh: dh3: %w", err)
	}
	dhs := [][32]byte{dh1, dh2, dh3}

	var opkID *domain.OneTimePreKeyID
	if bundle.OneTimePreKey != nil {
		dh4, err := crypto.DH(ekPriv, bundle.OneTimePreKey.Pub) // DH(EKa, OPKb)
		if err != nil {
			return Agreement{}, fmt.Errorf("x3dh: dh4: %w", err)
		}
		dhs = append(dhs, dh4)
		id := bundle.OneTimePreKey.ID
		opkID = &id
	}

	sk, err := deriveSharedKey(dhs)
	if err != nil {
		return Agreement{}, err
	}
	return Agreement{
		SharedKey:        sk,
		AssociatedData:   AssociatedData(id.XPub, bundle.IdentityKey),
		EphemeralKey:     ekPub,
		SignedPreKeyID:   bundle.SignedPreKey.ID,
		OneTimePreKeyID:  opkID,
		PeerIdentityKey:  bundle.IdentityKey,
		PeerSignedPreKey: spk,
	}, nil
}

// Respond recomputes the initiator's shared key from its pre-key message.
//
// opkPriv must be supplied when msg names a one-time pre-key; otherwise the
// call fails with domain.ErrPreKeyUnavailable.
func Respond(
	id domain.Identity,
	spkPriv domain.X25519Private,
	opkPriv *domain.X25519Private,
	msg domain.PreKeyMessage,
) (Agreement, error) {
	if msg.OneTimePreKeyID != nil && opkPriv == nil {
		return Agreement{}, fmt.Errorf("x3dh: one-time pre-key %d: %w", *msg.OneTimePreKeyID, domain.ErrPreKeyUnavailable)
	}

	dh1, err := crypto.DH(spkPriv, msg.IdentityKey) // DH(SPKb, IKa)
	if err != nil {
		return Agreement{}, fmt.Errorf("x3dh: dh1: %w", err)
	}
	dh2, err := crypto.DH(id.XPriv, msg.EphemeralKey) // DH(IKb, EKa)
	if err != nil {
		return Agreement{}, fmt.Errorf("x3dh: dh2: %w", err)
	}
	dh3, err := crypto.DH(spkPriv, msg.EphemeralKey) // DH(SPKb, EKa)
	if err != nil {
		return Agreement{}, fmt.Errorf("x3dh: dh3: %w", err)
	}
	dhs := [][32]byte{dh1, dh2, dh3}

	if msg.OneTimePreKeyID != nil {
		dh4, err := crypto.DH(*opkPriv, msg.EphemeralKey) // DH(OPKb, EKa)
		if err != nil {
			return Agreement{}, fmt.Errorf("x3dh: dh4: %w", err)
		}
		dhs = append(dhs, dh4)
	}

	sk, err := deriveSharedKey(dhs)
	if err != nil {
		return Agreement{}, err
	}
	return Agreement{
		SharedKey:       sk,
		AssociatedData:  AssociatedData(msg.IdentityKey, id.XPub),
		EphemeralKey:    msg.EphemeralKey,
		SignedPreKeyID:  msg.SignedPreKeyID,
		OneTimePreKeyID: msg.OneTimePreKeyID,
		PeerIdentityKey: msg.IdentityKey,
	}, nil
}

// AssociatedData is IKa || IKb, initiator first.
func AssociatedData(initiator, responder domain.X25519Public) []byte {
	ad := make([]byte, 0, 64)
	ad = append(ad, initiator[:]...)
	ad = append(ad, responder[:]...)
	return ad
}

// deriveSharedKey computes HKDF(F || DH1 || ... || DHn) with F = 32 0xFF bytes.
func deriveSharedKey(dhs [][32]byte) ([]byte, error) {
	ikm := make([]byte, 0, 32*(len(dhs)+1))
	ikm = append(ikm, bytes.Repeat([]byte{0xFF}, 32)...)
	for i := range dhs {
		ikm = append(ikm, dhs[i][:]...)
		crypto.Wipe(dhs[i][:])
	}
	defer crypto.Wipe(ikm)

	var sk []byte
	if err := crypto.HKDF(ikm, nil, info, &sk); err != nil {
		return nil, fmt.Errorf("x3dh: kdf: %w", err)
	}
	return sk, nil
}
