package store

import (
	"sort"
	"sync"
	"time"

	"e2ee/internal/domain"
)

// MemorySessionStore keeps encoded ratchet states in memory. Values go
// through the same codec as the bolt store so both behave identically.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[domain.SessionKey][]byte
}

// NewMemorySessionStore returns an empty MemorySessionStore.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[domain.SessionKey][]byte)}
}

func (s *MemorySessionStore) LoadSession(key domain.SessionKey) (domain.RatchetState, bool, error) {
	s.mu.RLock()
	raw, ok := s.sessions[key]
	s.mu.RUnlock()
	if !ok {
		return domain.RatchetState{}, false, nil
	}
	st, err := DecodeRatchetState(raw)
	if err != nil {
		return domain.RatchetState{}, false, err
	}
	return st, true, nil
}

func (s *MemorySessionStore) SaveSession(key domain.SessionKey, st domain.RatchetState) error {
	raw, err := EncodeRatchetState(st)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.sessions[key] = raw
	s.mu.Unlock()
	return nil
}

func (s *MemorySessionStore) DeleteSession(key domain.SessionKey) error {
	s.mu.Lock()
	delete(s.sessions, key)
	s.mu.Unlock()
	return nil
}

func (s *MemorySessionStore) ListSessions(local domain.DeviceID) ([]domain.SessionKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.SessionKey
	for k := range s.sessions {
		if k.LocalDevice == local {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}

func (s *MemorySessionStore) PruneSessions(before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, raw := range s.sessions {
		st, err := DecodeRatchetState(raw)
		if err != nil {
			return n, err
		}
		if st.UpdatedAt.Before(before) {
			delete(s.sessions, k)
			n++
		}
	}
	return n, nil
}

// Compile-time assertion that MemorySessionStore implements domain.SessionStore.
var _ domain.SessionStore = (*MemorySessionStore)(nil)
