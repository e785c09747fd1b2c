package store_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"e2ee/internal/domain"
	"e2ee/internal/store"
)

// sessionStores runs fn against every SessionStore implementation.
func sessionStores(t *testing.T, fn func(t *testing.T, s domain.SessionStore)) {
	t.Run("memory", func(t *testing.T) { fn(t, store.NewMemorySessionStore()) })
	t.Run("bolt", func(t *testing.T) {
		s, err := store.OpenBoltSessionStore(filepath.Join(t.TempDir(), "sessions.db"), nil)
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		fn(t, s)
	})
	t.Run("bolt sealed", func(t *testing.T) {
		s, err := store.OpenBoltSessionStore(filepath.Join(t.TempDir(), "sessions.db"), []byte("pass"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		fn(t, s)
	})
}

func TestSessionStore_SaveLoadDelete(t *testing.T) {
	sessionStores(t, func(t *testing.T, s domain.SessionStore) {
		key := domain.SessionKey{LocalDevice: "laptop", PeerUser: "bob", PeerDevice: "phone"}

		_, ok, err := s.LoadSession(key)
		require.NoError(t, err)
		require.False(t, ok)

		want := sampleState(epoch)
		require.NoError(t, s.SaveSession(key, want))
		got, ok, err := s.LoadSession(key)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, want, got)

		// Save replaces wholesale.
		replaced := sampleState(epoch.Add(time.Hour))
		replaced.Skipped = map[string]domain.SkippedKey{}
		replaced.SendCount = 99
		require.NoError(t, s.SaveSession(key, replaced))
		got, _, err = s.LoadSession(key)
		require.NoError(t, err)
		require.Equal(t, uint32(99), got.SendCount)
		require.Empty(t, got.Skipped)

		require.NoError(t, s.DeleteSession(key))
		_, ok, err = s.LoadSession(key)
		require.NoError(t, err)
		require.False(t, ok)
		require.NoError(t, s.DeleteSession(key))
	})
}

func TestSessionStore_ListAndPrune(t *testing.T) {
	sessionStores(t, func(t *testing.T, s domain.SessionStore) {
		fresh := domain.SessionKey{LocalDevice: "laptop", PeerUser: "bob", PeerDevice: "phone"}
		stale := domain.SessionKey{LocalDevice: "laptop", PeerUser: "carol", PeerDevice: "tablet"}
		other := domain.SessionKey{LocalDevice: "laptop2", PeerUser: "bob", PeerDevice: "phone"}

		require.NoError(t, s.SaveSession(fresh, sampleState(epoch.Add(48*time.Hour))))
		require.NoError(t, s.SaveSession(stale, sampleState(epoch)))
		require.NoError(t, s.SaveSession(other, sampleState(epoch)))

		keys, err := s.ListSessions("laptop")
		require.NoError(t, err)
		require.ElementsMatch(t, []domain.SessionKey{fresh, stale}, keys)

		n, err := s.PruneSessions(epoch.Add(24 * time.Hour))
		require.NoError(t, err)
		require.Equal(t, 2, n)

		keys, err = s.ListSessions("laptop")
		require.NoError(t, err)
		require.Equal(t, []domain.SessionKey{fresh}, keys)
	})
}

func TestBoltSessionStore_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.db")
	key := domain.SessionKey{LocalDevice: "laptop", PeerUser: "bob", PeerDevice: "phone"}

	s, err := store.OpenBoltSessionStore(path, []byte("correct"))
	require.NoError(t, err)
	require.NoError(t, s.SaveSession(key, sampleState(epoch)))
	require.NoError(t, s.Close())

	_, err = store.OpenBoltSessionStore(path, []byte("wrong"))
	require.ErrorIs(t, err, store.ErrWrongPassphrase)

	_, err = store.OpenBoltSessionStore(path, nil)
	require.ErrorIs(t, err, store.ErrPassphraseRequired)

	s, err = store.OpenBoltSessionStore(path, []byte("correct"))
	require.NoError(t, err)
	defer s.Close()
	got, ok, err := s.LoadSession(key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, sampleState(epoch), got)
}
