package ratchet

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/chacha20poly1305"

	"e2ee/internal/crypto"
	"e2ee/internal/domain"
)

const (
	tagSize = chacha20poly1305.Overhead

	// DefaultMaxSkip bounds how far one chain may jump ahead in one message.
	DefaultMaxSkip = 1000
	// DefaultMaxSkippedKeys bounds the skipped-key cache of one session.
	DefaultMaxSkippedKeys = 2000
	// DefaultMaxSkippedAge is how long a skipped key waits for its message.
	DefaultMaxSkippedAge = 14 * 24 * time.Hour

	// retiredPeerKeys is how many superseded peer ratchet keys are remembered
	// to tell late duplicates from new chains.
	retiredPeerKeys = 8
)

var errChainUninitialised = errors.New("ratchet: sending chain is uninitialised")

// Config tunes the skipped-message bounds. The zero value is not usable;
// start from DefaultConfig.
type Config struct {
	MaxSkip        uint32
	MaxSkippedKeys int
	MaxSkippedAge  time.Duration
	Now            func() time.Time
}

// DefaultConfig returns the production limits.
func DefaultConfig() Config {
	return Config{
		MaxSkip:        DefaultMaxSkip,
		MaxSkippedKeys: DefaultMaxSkippedKeys,
		MaxSkippedAge:  DefaultMaxSkippedAge,
		Now:            time.Now,
	}
}

func (c Config) now() time.Time {
	if c.Now == nil {
		return time.Now().UTC()
	}
	return c.Now().UTC()
}

// InitInitiator seeds a session for the X3DH initiator. The responder's
// signed pre-key acts as its first ratchet key, so the sending chain exists
// immediately.
func InitInitiator(cfg Config, sharedKey, ad []byte, peerSignedPreKey domain.X25519Public) (domain.RatchetState, error) {
	priv, pub, err := crypto.GenerateX25519()
	if err != nil {
		return domain.RatchetState{}, err
	}
	dh, err := crypto.DH(priv, peerSignedPreKey)
	if err != nil {
		return domain.RatchetState{}, fmt.Errorf("ratchet: init: %w", err)
	}
	rk, cks, err := kdfRK(sharedKey, dh[:])
	crypto.Wipe(dh[:])
	if err != nil {
		return domain.RatchetState{}, err
	}

	now := cfg.now()
	return domain.RatchetState{
		RootKey:         rk,
		SendingChainKey: cks,
		DHPrivate:       priv,
		DHPublic:        pub,
		PeerRatchetKey:  peerSignedPreKey,
		Skipped:         make(map[string]domain.SkippedKey),
		AssociatedData:  append([]byte(nil), ad...),
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

// InitResponder seeds a session for the X3DH responder. Its signed pre-key
// pair is the first ratchet pair; the chains appear on the first Decrypt.
func InitResponder(
	cfg Config,
	sharedKey, ad []byte,
	spkPriv domain.X25519Private,
	spkPub domain.X25519Public,
) domain.RatchetState {
	now := cfg.now()
	return domain.RatchetState{
		RootKey:        append([]byte(nil), sharedKey...),
		DHPrivate:      spkPriv,
		DHPublic:       spkPub,
		Skipped:        make(map[string]domain.SkippedKey),
		AssociatedData: append([]byte(nil), ad...),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Encrypt seals plaintext with the next sending message key.
//
// st is not modified. The returned state must replace st only once it has
// been persisted.
func Encrypt(cfg Config, st domain.RatchetState, plaintext []byte) (domain.RatchetState, domain.Envelope, error) {
	if len(st.SendingChainKey) == 0 {
		return domain.RatchetState{}, domain.Envelope{}, errChainUninitialised
	}
	next := Clone(st)

	ck, mk := kdfCK(next.SendingChainKey)
	crypto.Wipe(next.SendingChainKey)
	next.SendingChainKey = ck

	header := domain.RatchetHeader{
		RatchetKey:          next.DHPublic,
		PreviousChainLength: next.PreviousSendCount,
		MessageIndex:        next.SendCount,
	}
	ct, tag, err := seal(mk, next.AssociatedData, header, plaintext)
	crypto.Wipe(mk)
	if err != nil {
		Wipe(&next)
		return domain.RatchetState{}, domain.Envelope{}, err
	}

	next.SendCount++
	next.UpdatedAt = cfg.now()
	env := domain.Envelope{
		Header:     header,
		Ciphertext: ct,
		Tag:        tag,
		PreKey:     clonePreKey(next.PendingPreKey),
	}
	return next, env, nil
}

// Decrypt opens env against st.
//
// st is not modified. On error the returned state is zero and st remains the
// valid session state. Errors are domain.ErrDuplicateOrTooOld,
// domain.ErrTooManySkipped or domain.ErrDecryptionFailed.
func Decrypt(cfg Config, st domain.RatchetState, env domain.Envelope) (domain.RatchetState, []byte, error) {
	if len(env.Tag) != tagSize {
		return domain.RatchetState{}, nil, fmt.Errorf("%w: tag length %d", domain.ErrDecryptionFailed, len(env.Tag))
	}
	now := cfg.now()
	next := Clone(st)
	h := env.Header

	expireSkipped(cfg, &next, now)

	// A message we skipped over earlier.
	id := domain.SkippedKeyID(h.RatchetKey, h.MessageIndex)
	if sk, ok := next.Skipped[id]; ok {
		pt, err := open(sk.MessageKey, next.AssociatedData, h, env.Ciphertext, env.Tag)
		if err != nil {
			Wipe(&next)
			return domain.RatchetState{}, nil, err
		}
		crypto.Wipe(sk.MessageKey)
		delete(next.Skipped, id)
		next.PendingPreKey = nil
		next.UpdatedAt = now
		return next, pt, nil
	}

	if h.RatchetKey != next.PeerRatchetKey {
		if isRetired(next, h.RatchetKey) {
			Wipe(&next)
			return domain.RatchetState{}, nil, domain.ErrDuplicateOrTooOld
		}
		// Finish the old receiving chain, then turn the ratchet.
		if err := skip(cfg, &next, h.PreviousChainLength, now); err != nil {
			Wipe(&next)
			return domain.RatchetState{}, nil, err
		}
		if err := dhRatchet(&next, h.RatchetKey); err != nil {
			Wipe(&next)
			return domain.RatchetState{}, nil, fmt.Errorf("%w: %v", domain.ErrDecryptionFailed, err)
		}
	}

	if h.MessageIndex < next.ReceiveCount {
		Wipe(&next)
		return domain.RatchetState{}, nil, domain.ErrDuplicateOrTooOld
	}
	if err := skip(cfg, &next, h.MessageIndex, now); err != nil {
		Wipe(&next)
		return domain.RatchetState{}, nil, err
	}

	ck, mk := kdfCK(next.ReceivingChainKey)
	pt, err := open(mk, next.AssociatedData, h, env.Ciphertext, env.Tag)
	crypto.Wipe(mk)
	if err != nil {
		crypto.Wipe(ck)
		Wipe(&next)
		return domain.RatchetState{}, nil, err
	}
	crypto.Wipe(next.ReceivingChainKey)
	next.ReceivingChainKey = ck
	next.ReceiveCount++

	capSkipped(cfg, &next)
	next.PendingPreKey = nil
	next.UpdatedAt = now
	return next, pt, nil
}

// dhRatchet derives a new receiving chain from the peer's new ratchet key,
// then a new sending chain from a fresh local ratchet pair.
func dhRatchet(st *domain.RatchetState, peer domain.X25519Public) error {
	dh, err := crypto.DH(st.DHPrivate, peer)
	if err != nil {
		return err
	}
	rk, ckr, err := kdfRK(st.RootKey, dh[:])
	crypto.Wipe(dh[:])
	if err != nil {
		return err
	}

	priv, pub, err := crypto.GenerateX25519()
	if err != nil {
		return err
	}
	dh2, err := crypto.DH(priv, peer)
	if err != nil {
		return err
	}
	rk2, cks, err := kdfRK(rk, dh2[:])
	crypto.Wipe(dh2[:], rk)
	if err != nil {
		return err
	}

	if !st.PeerRatchetKey.IsZero() {
		st.RetiredPeerKeys = append(st.RetiredPeerKeys, st.PeerRatchetKey)
		if n := len(st.RetiredPeerKeys); n > retiredPeerKeys {
			st.RetiredPeerKeys = st.RetiredPeerKeys[n-retiredPeerKeys:]
		}
	}
	crypto.Wipe(st.RootKey, st.ReceivingChainKey, st.SendingChainKey, st.DHPrivate[:])

	st.PreviousSendCount = st.SendCount
	st.SendCount, st.ReceiveCount = 0, 0
	st.PeerRatchetKey = peer
	st.RootKey = rk2
	st.ReceivingChainKey = ckr
	st.SendingChainKey = cks
	st.DHPrivate, st.DHPublic = priv, pub
	return nil
}

func isRetired(st domain.RatchetState, key domain.X25519Public) bool {
	for _, k := range st.RetiredPeerKeys {
		if k == key {
			return true
		}
	}
	return false
}
