package session_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"e2ee/internal/directory"
	"e2ee/internal/domain"
	"e2ee/internal/services/keys"
	"e2ee/internal/services/session"
	"e2ee/internal/store"
)

// memKeyStore keeps key material as JSON so saved records never alias the
// service's cached copy.
type memKeyStore struct {
	mu  sync.Mutex
	raw []byte
}

func (s *memKeyStore) LoadKeyMaterial() (domain.KeyMaterial, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.raw == nil {
		return domain.KeyMaterial{}, false, nil
	}
	var m domain.KeyMaterial
	return m, true, json.Unmarshal(s.raw, &m)
}

func (s *memKeyStore) SaveKeyMaterial(m domain.KeyMaterial) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.raw = b
	s.mu.Unlock()
	return nil
}

// flakyStore fails saves while failing is set.
type flakyStore struct {
	*store.MemorySessionStore
	mu      sync.Mutex
	failing bool
}

var errDiskFull = errors.New("disk full")

func (s *flakyStore) SaveSession(key domain.SessionKey, st domain.RatchetState) error {
	s.mu.Lock()
	failing := s.failing
	s.mu.Unlock()
	if failing {
		return errDiskFull
	}
	return s.MemorySessionStore.SaveSession(key, st)
}

func (s *flakyStore) fail(on bool) {
	s.mu.Lock()
	s.failing = on
	s.mu.Unlock()
}

type device struct {
	addr     domain.Address
	keys     *keys.Service
	store    *flakyStore
	sessions *session.Service
}

func newDevice(t *testing.T, dir domain.KeyDirectory, addr domain.Address, oneTime int, cfg session.Config) *device {
	t.Helper()
	ks := keys.New(&memKeyStore{}, keys.Config{})
	_, err := ks.GenerateIdentity(addr.Device)
	require.NoError(t, err)

	pub := keys.NewPublisher(ks, dir, addr, keys.PublishConfig{InitialOneTimePreKeys: oneTime})
	require.NoError(t, pub.Publish(context.Background()))

	st := &flakyStore{MemorySessionStore: store.NewMemorySessionStore()}
	return &device{addr: addr, keys: ks, store: st, sessions: session.New(ks, st, dir, cfg)}
}

var (
	aliceLaptop = domain.Address{User: "alice", Device: "laptop"}
	bobPhone    = domain.Address{User: "bob", Device: "phone"}
	carolTablet = domain.Address{User: "carol", Device: "tablet"}
)

func pair(t *testing.T) (alice, bob *device) {
	t.Helper()
	dir := directory.NewMemory()
	alice = newDevice(t, dir, aliceLaptop, 5, session.DefaultConfig())
	bob = newDevice(t, dir, bobPhone, 5, session.DefaultConfig())
	return alice, bob
}

func TestHiBetweenTwoDevices(t *testing.T) {
	ctx := context.Background()
	alice, bob := pair(t)

	env, err := alice.sessions.Encrypt(ctx, bob.addr, []byte("hi"))
	require.NoError(t, err)
	require.NotNil(t, env.PreKey, "first message carries the pre-key header")
	require.NotNil(t, env.PreKey.OneTimePreKeyID)

	pt, err := bob.sessions.Decrypt(ctx, alice.addr, env)
	require.NoError(t, err)
	require.Equal(t, "hi", string(pt))

	unused, err := bob.keys.UnusedOneTimePreKeys()
	require.NoError(t, err)
	require.Len(t, unused, 4, "consumed one-time pre-key is marked used")

	reply, err := bob.sessions.Encrypt(ctx, alice.addr, []byte("hi yourself"))
	require.NoError(t, err)
	require.Nil(t, reply.PreKey)
	pt, err = alice.sessions.Decrypt(ctx, bob.addr, reply)
	require.NoError(t, err)
	require.Equal(t, "hi yourself", string(pt))

	next, err := alice.sessions.Encrypt(ctx, bob.addr, []byte("again"))
	require.NoError(t, err)
	require.Nil(t, next.PreKey, "pre-key header stops once a reply was read")

	for _, d := range []struct {
		self *device
		peer domain.Address
	}{{alice, bob.addr}, {bob, alice.addr}} {
		ok, err := d.self.sessions.HasSession(d.peer)
		require.NoError(t, err)
		require.True(t, ok)
	}
}

func TestPreKeyMessagesOutOfOrder(t *testing.T) {
	ctx := context.Background()
	alice, bob := pair(t)

	var envs []domain.Envelope
	for _, m := range []string{"one", "two", "three"} {
		env, err := alice.sessions.Encrypt(ctx, bob.addr, []byte(m))
		require.NoError(t, err)
		require.NotNil(t, env.PreKey)
		envs = append(envs, env)
	}

	for _, i := range []int{1, 0, 2} {
		pt, err := bob.sessions.Decrypt(ctx, alice.addr, envs[i])
		require.NoError(t, err, "message %d", i)
		require.Equal(t, []string{"one", "two", "three"}[i], string(pt))
	}
}

func TestDecryptWithoutSession(t *testing.T) {
	ctx := context.Background()
	alice, bob := pair(t)

	_, err := alice.sessions.Encrypt(ctx, bob.addr, []byte("x"))
	require.NoError(t, err)
	reply := domain.Envelope{
		Header:     domain.RatchetHeader{RatchetKey: domain.X25519Public{9}},
		Ciphertext: []byte("zz"),
		Tag:        make([]byte, 16),
	}
	_, err = bob.sessions.Decrypt(ctx, alice.addr, reply)
	require.ErrorIs(t, err, domain.ErrNoSession)
}

func TestTamperedPreKeyMessageCreatesNothing(t *testing.T) {
	ctx := context.Background()
	alice, bob := pair(t)

	env, err := alice.sessions.Encrypt(ctx, bob.addr, []byte("hi"))
	require.NoError(t, err)

	bad := env
	bad.Ciphertext = append([]byte(nil), env.Ciphertext...)
	bad.Ciphertext[0] ^= 0x80
	_, err = bob.sessions.Decrypt(ctx, alice.addr, bad)
	require.ErrorIs(t, err, domain.ErrDecryptionFailed)

	ok, err := bob.sessions.HasSession(alice.addr)
	require.NoError(t, err)
	require.False(t, ok)
	unused, err := bob.keys.UnusedOneTimePreKeys()
	require.NoError(t, err)
	require.Len(t, unused, 5)

	pt, err := bob.sessions.Decrypt(ctx, alice.addr, env)
	require.NoError(t, err)
	require.Equal(t, "hi", string(pt))
}

func TestSaveFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	alice, bob := pair(t)

	first, err := alice.sessions.Encrypt(ctx, bob.addr, []byte("first"))
	require.NoError(t, err)
	_, err = bob.sessions.Decrypt(ctx, alice.addr, first)
	require.NoError(t, err)

	alice.store.fail(true)
	_, err = alice.sessions.Encrypt(ctx, bob.addr, []byte("lost"))
	require.ErrorIs(t, err, domain.ErrStatePersistence)
	alice.store.fail(false)

	env, err := alice.sessions.Encrypt(ctx, bob.addr, []byte("second"))
	require.NoError(t, err)
	require.Equal(t, uint32(1), env.Header.MessageIndex, "failed send did not advance the chain")

	bob.store.fail(true)
	_, err = bob.sessions.Decrypt(ctx, alice.addr, env)
	require.ErrorIs(t, err, domain.ErrStatePersistence)
	bob.store.fail(false)

	pt, err := bob.sessions.Decrypt(ctx, alice.addr, env)
	require.NoError(t, err, "the same envelope decrypts once saving works")
	require.Equal(t, "second", string(pt))
}

func TestCancelledContextLeavesStateUntouched(t *testing.T) {
	alice, bob := pair(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := alice.sessions.Encrypt(ctx, bob.addr, []byte("never"))
	require.ErrorIs(t, err, context.Canceled)
	ok, err := alice.sessions.HasSession(bob.addr)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRenegotiationReplacesSession(t *testing.T) {
	ctx := context.Background()
	alice, bob := pair(t)

	env, err := alice.sessions.Encrypt(ctx, bob.addr, []byte("old"))
	require.NoError(t, err)
	_, err = bob.sessions.Decrypt(ctx, alice.addr, env)
	require.NoError(t, err)

	require.NoError(t, alice.sessions.DeleteSession(ctx, bob.addr))
	env, err = alice.sessions.Encrypt(ctx, bob.addr, []byte("new"))
	require.NoError(t, err)
	require.NotNil(t, env.PreKey)

	pt, err := bob.sessions.Decrypt(ctx, alice.addr, env)
	require.NoError(t, err)
	require.Equal(t, "new", string(pt))

	reply, err := bob.sessions.Encrypt(ctx, alice.addr, []byte("ack"))
	require.NoError(t, err)
	pt, err = alice.sessions.Decrypt(ctx, bob.addr, reply)
	require.NoError(t, err)
	require.Equal(t, "ack", string(pt))
}

func TestRequireOneTimePreKey(t *testing.T) {
	ctx := context.Background()
	dir := directory.NewMemory()
	strict := session.DefaultConfig()
	strict.RequireOneTimePreKey = true

	alice := newDevice(t, dir, aliceLaptop, 0, strict)
	bob := newDevice(t, dir, bobPhone, 0, session.DefaultConfig())

	_, err := alice.sessions.Encrypt(ctx, bob.addr, []byte("hi"))
	require.ErrorIs(t, err, domain.ErrPreKeyUnavailable)

	relaxed := newDevice(t, dir, domain.Address{User: "alice", Device: "tablet"}, 0, session.DefaultConfig())
	env, err := relaxed.sessions.Encrypt(ctx, bob.addr, []byte("hi"))
	require.NoError(t, err)
	require.Nil(t, env.PreKey.OneTimePreKeyID)
	pt, err := bob.sessions.Decrypt(ctx, relaxed.addr, env)
	require.NoError(t, err)
	require.Equal(t, "hi", string(pt))
}

func TestConsumedOneTimePreKeyIsUnavailable(t *testing.T) {
	ctx := context.Background()
	alice, bob := pair(t)

	env, err := alice.sessions.Encrypt(ctx, bob.addr, []byte("hi"))
	require.NoError(t, err)
	_, err = bob.sessions.Decrypt(ctx, alice.addr, env)
	require.NoError(t, err)

	// A second device of alice reusing the same header must not get the key.
	impostor := domain.Address{User: "alice", Device: "other"}
	_, err = bob.sessions.Decrypt(ctx, impostor, env)
	require.ErrorIs(t, err, domain.ErrPreKeyUnavailable)
}

func TestConcurrentEncryptsShareOneSession(t *testing.T) {
	ctx := context.Background()
	alice, bob := pair(t)

	const n = 16
	envs := make([]domain.Envelope, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			env, err := alice.sessions.Encrypt(ctx, bob.addr, []byte{byte(i)})
			if err != nil {
				t.Errorf("encrypt %d: %v", i, err)
				return
			}
			envs[i] = env
		}(i)
	}
	wg.Wait()

	seen := map[uint32]bool{}
	for i, env := range envs {
		if seen[env.Header.MessageIndex] {
			t.Fatalf("message index %d used twice", env.Header.MessageIndex)
		}
		seen[env.Header.MessageIndex] = true
		pt, err := bob.sessions.Decrypt(ctx, alice.addr, env)
		require.NoError(t, err)
		require.Equal(t, []byte{byte(i)}, pt)
	}
}

func TestPruneIdle(t *testing.T) {
	ctx := context.Background()
	dir := directory.NewMemory()
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	cfg := session.DefaultConfig()
	cfg.Ratchet.Now = func() time.Time { return now }

	alice := newDevice(t, dir, aliceLaptop, 1, cfg)
	bob := newDevice(t, dir, bobPhone, 1, cfg)
	_, err := alice.sessions.Encrypt(ctx, bob.addr, []byte("hi"))
	require.NoError(t, err)

	n, err := alice.sessions.PruneIdle(ctx, 24*time.Hour)
	require.NoError(t, err)
	require.Zero(t, n)

	now = now.Add(48 * time.Hour)
	n, err = alice.sessions.PruneIdle(ctx, 24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	ok, err := alice.sessions.HasSession(bob.addr)
	require.NoError(t, err)
	require.False(t, ok)
}

// replayingDirectory serves the first bundle fetched for a device to every
// later fetch, one-time pre-key included.
type replayingDirectory struct {
	*directory.Memory
	mu      sync.Mutex
	bundles map[domain.Address]domain.KeyBundle
}

func (d *replayingDirectory) FetchKeyBundle(ctx context.Context, user domain.UserID, device domain.DeviceID) (domain.KeyBundle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	addr := domain.Address{User: user, Device: device}
	if b, ok := d.bundles[addr]; ok {
		return b, nil
	}
	b, err := d.Memory.FetchKeyBundle(ctx, user, device)
	if err == nil {
		d.bundles[addr] = b
	}
	return b, err
}

func TestOneTimePreKeySeedsOnlyOneSession(t *testing.T) {
	ctx := context.Background()
	dir := &replayingDirectory{Memory: directory.NewMemory(), bundles: make(map[domain.Address]domain.KeyBundle)}
	bob := newDevice(t, dir, bobPhone, 5, session.DefaultConfig())
	alice := newDevice(t, dir, aliceLaptop, 5, session.DefaultConfig())
	carol := newDevice(t, dir, carolTablet, 5, session.DefaultConfig())

	fromAlice, err := alice.sessions.Encrypt(ctx, bob.addr, []byte("from alice"))
	require.NoError(t, err)
	fromCarol, err := carol.sessions.Encrypt(ctx, bob.addr, []byte("from carol"))
	require.NoError(t, err)
	require.Equal(t, *fromAlice.PreKey.OneTimePreKeyID, *fromCarol.PreKey.OneTimePreKeyID)

	msgs := []struct {
		from domain.Address
		env  domain.Envelope
	}{{alice.addr, fromAlice}, {carol.addr, fromCarol}}
	errs := make([]error, len(msgs))
	var wg sync.WaitGroup
	for i, m := range msgs {
		i, m := i, m
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = bob.sessions.Decrypt(ctx, m.from, m.env)
		}()
	}
	wg.Wait()

	accepted := 0
	for _, err := range errs {
		if err == nil {
			accepted++
			continue
		}
		require.ErrorIs(t, err, domain.ErrPreKeyUnavailable)
	}
	require.Equal(t, 1, accepted)
}

// gatedStore parks LoadSession until open is closed and records prunes.
type gatedStore struct {
	*store.MemorySessionStore
	loading chan struct{}
	open    chan struct{}
	pruned  atomic.Bool
}

func (s *gatedStore) LoadSession(key domain.SessionKey) (domain.RatchetState, bool, error) {
	select {
	case s.loading <- struct{}{}:
	default:
	}
	<-s.open
	return s.MemorySessionStore.LoadSession(key)
}

func (s *gatedStore) PruneSessions(before time.Time) (int, error) {
	s.pruned.Store(true)
	return s.MemorySessionStore.PruneSessions(before)
}

func TestPruneIdleWaitsForInFlightOperations(t *testing.T) {
	ctx := context.Background()
	alice, bob := pair(t)
	env, err := alice.sessions.Encrypt(ctx, bob.addr, []byte("hi"))
	require.NoError(t, err)
	_, err = bob.sessions.Decrypt(ctx, alice.addr, env)
	require.NoError(t, err)

	gated := &gatedStore{
		MemorySessionStore: bob.store.MemorySessionStore,
		loading:            make(chan struct{}, 1),
		open:               make(chan struct{}),
	}
	svc := session.New(bob.keys, gated, directory.NewMemory(), session.DefaultConfig())

	encrypted := make(chan error, 1)
	go func() {
		_, err := svc.Encrypt(ctx, alice.addr, []byte("later"))
		encrypted <- err
	}()
	<-gated.loading

	pruned := make(chan error, 1)
	go func() {
		_, err := svc.PruneIdle(ctx, time.Hour)
		pruned <- err
	}()
	select {
	case err := <-pruned:
		t.Fatalf("PruneIdle returned (%v) while an encrypt was in flight", err)
	case <-time.After(50 * time.Millisecond):
	}
	require.False(t, gated.pruned.Load())

	close(gated.open)
	require.NoError(t, <-encrypted)
	require.NoError(t, <-pruned)
	require.True(t, gated.pruned.Load())

	ok, err := svc.HasSession(alice.addr)
	require.NoError(t, err)
	require.True(t, ok, "a session in use is not idle")
}
