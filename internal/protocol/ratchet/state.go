package ratchet

import (
	"sort"
	"time"

	"e2ee/internal/crypto"
	"e2ee/internal/domain"
)

// Clone deep-copies st so the copy can be advanced and discarded freely.
func Clone(st domain.RatchetState) domain.RatchetState {
	out := st
	out.RootKey = cloneBytes(st.RootKey)
	out.SendingChainKey = cloneBytes(st.SendingChainKey)
	out.ReceivingChainKey = cloneBytes(st.ReceivingChainKey)
	out.AssociatedData = cloneBytes(st.AssociatedData)
	out.PendingPreKey = clonePreKey(st.PendingPreKey)
	if st.RetiredPeerKeys != nil {
		out.RetiredPeerKeys = append([]domain.X25519Public(nil), st.RetiredPeerKeys...)
	}
	out.Skipped = make(map[string]domain.SkippedKey, len(st.Skipped))
	for k, v := range st.Skipped {
		v.MessageKey = cloneBytes(v.MessageKey)
		out.Skipped[k] = v
	}
	return out
}

// Wipe zeroes every secret held by st.
func Wipe(st *domain.RatchetState) {
	crypto.Wipe(st.RootKey, st.SendingChainKey, st.ReceivingChainKey, st.DHPrivate[:])
	for _, v := range st.Skipped {
		crypto.Wipe(v.MessageKey)
	}
}

// skip caches the receiving chain's message keys up to, not including, until.
func skip(cfg Config, st *domain.RatchetState, until uint32, now time.Time) error {
	if len(st.ReceivingChainKey) == 0 || until <= st.ReceiveCount {
		return nil
	}
	if until-st.ReceiveCount > cfg.MaxSkip {
		return domain.ErrTooManySkipped
	}
	if st.Skipped == nil {
		st.Skipped = make(map[string]domain.SkippedKey)
	}
	for st.ReceiveCount < until {
		ck, mk := kdfCK(st.ReceivingChainKey)
		crypto.Wipe(st.ReceivingChainKey)
		st.ReceivingChainKey = ck
		st.Skipped[domain.SkippedKeyID(st.PeerRatchetKey, st.ReceiveCount)] = domain.SkippedKey{
			RatchetKey: st.PeerRatchetKey,
			Index:      st.ReceiveCount,
			MessageKey: mk,
			CreatedAt:  now,
		}
		st.ReceiveCount++
	}
	return nil
}

// expireSkipped drops skipped keys older than the configured age.
func expireSkipped(cfg Config, st *domain.RatchetState, now time.Time) {
	if cfg.MaxSkippedAge <= 0 {
		return
	}
	cutoff := now.Add(-cfg.MaxSkippedAge)
	for id, sk := range st.Skipped {
		if sk.CreatedAt.Before(cutoff) {
			crypto.Wipe(sk.MessageKey)
			delete(st.Skipped, id)
		}
	}
}

// capSkipped evicts the oldest skipped keys beyond the configured total.
func capSkipped(cfg Config, st *domain.RatchetState) {
	excess := len(st.Skipped) - cfg.MaxSkippedKeys
	if cfg.MaxSkippedKeys <= 0 || excess <= 0 {
		return
	}
	ids := make([]string, 0, len(st.Skipped))
	for id := range st.Skipped {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := st.Skipped[ids[i]], st.Skipped[ids[j]]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.Index < b.Index
	})
	for _, id := range ids[:excess] {
		crypto.Wipe(st.Skipped[id].MessageKey)
		delete(st.Skipped, id)
	}
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

func clonePreKey(p *domain.PreKeyMessage) *domain.PreKeyMessage {
	if p == nil {
		return nil
	}
	out := *p
	if p.OneTimePreKeyID != nil {
		id := *p.OneTimePreKeyID
		out.OneTimePreKeyID = &id
	}
	return &out
}
