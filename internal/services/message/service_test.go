package message_test

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
	"e2ee/internal/services/message"
	"e2ee/internal/services/session"
	"e2ee/internal/store"
)

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

func newDevice(t *testing.T, dir domain.KeyDirectory, addr domain.Address) *message.Service {
	t.Helper()
	ks := keys.New(&memKeyStore{}, keys.Config{})
	_, err := ks.GenerateIdentity(addr.Device)
	require.NoError(t, err)
	require.NoError(t, keys.NewPublisher(ks, dir, addr, keys.PublishConfig{InitialOneTimePreKeys: 3}).Publish(context.Background()))
	sessions := session.New(ks, store.NewMemorySessionStore(), dir, session.DefaultConfig())
	return message.New(sessions, dir, addr, message.DefaultConfig())
}

var (
	aliceLaptop = domain.Address{User: "alice", Device: "laptop"}
	alicePhone  = domain.Address{User: "alice", Device: "phone"}
	bobPhone    = domain.Address{User: "bob", Device: "phone"}
	bobTablet   = domain.Address{User: "bob", Device: "tablet"}
)

func TestFanOutIsPerDevice(t *testing.T) {
	ctx := context.Background()
	dir := directory.NewMemory()
	alice := newDevice(t, dir, aliceLaptop)
	phone := newDevice(t, dir, bobPhone)
	tablet := newDevice(t, dir, bobTablet)
	ghost := domain.Address{User: "bob", Device: "ghost"}

	results := alice.EncryptForRecipients(ctx, []byte("hello bob"),
		[]domain.Address{bobPhone, bobTablet, bobPhone, aliceLaptop, ghost})
	require.Len(t, results, 4, "duplicates collapse")

	byAddr := map[domain.Address]domain.RecipientResult{}
	for _, r := range results {
		byAddr[r.Recipient] = r
	}
	require.True(t, byAddr[bobPhone].OK())
	require.True(t, byAddr[bobTablet].OK())
	require.ErrorIs(t, byAddr[aliceLaptop].Err, message.ErrSelfRecipient)
	require.ErrorIs(t, byAddr[ghost].Err, domain.ErrNotFound)

	p, q := byAddr[bobPhone].Envelope, byAddr[bobTablet].Envelope
	require.NotEqual(t, p.Ciphertext, q.Ciphertext, "each device gets its own ciphertext")

	pt, err := phone.DecryptIncoming(ctx, *p, "alice", "laptop")
	require.NoError(t, err)
	require.Equal(t, "hello bob", string(pt))
	pt, err = tablet.DecryptIncoming(ctx, *q, "alice", "laptop")
	require.NoError(t, err)
	require.Equal(t, "hello bob", string(pt))

	// The phone's envelope means nothing to the tablet.
	_, err = tablet.DecryptIncoming(ctx, *p, "alice", "laptop")
	require.Error(t, err)
}

func TestMessageTooLarge(t *testing.T) {
	dir := directory.NewMemory()
	alice := newDevice(t, dir, aliceLaptop)
	newDevice(t, dir, bobPhone)

	big := make([]byte, message.DefaultMaxPlaintextSize+1)
	results := alice.EncryptForRecipients(context.Background(), big, []domain.Address{bobPhone})
	require.Len(t, results, 1)
	require.ErrorIs(t, results[0].Err, message.ErrMessageTooLarge)
	require.Nil(t, results[0].Envelope)
}

func TestDecryptErrorHidesCause(t *testing.T) {
	ctx := context.Background()
	dir := directory.NewMemory()
	bob := newDevice(t, dir, bobPhone)

	env := domain.Envelope{Tag: make([]byte, 16)}
	_, err := bob.DecryptIncoming(ctx, env, "alice", "laptop")
	require.EqualError(t, err, "message could not be decrypted")
	require.ErrorIs(t, err, domain.ErrNoSession)

	var de *message.DecryptError
	require.True(t, errors.As(err, &de))
	require.Equal(t, aliceLaptop, de.Sender)
}

func TestResolveRecipientsSkipsSelf(t *testing.T) {
	ctx := context.Background()
	dir := directory.NewMemory()
	alice := newDevice(t, dir, aliceLaptop)
	newDevice(t, dir, alicePhone)
	newDevice(t, dir, bobPhone)
	newDevice(t, dir, bobTablet)

	got, err := alice.ResolveRecipients(ctx, []domain.UserID{"bob", "alice", "bob"})
	require.NoError(t, err)
	require.Equal(t, []domain.Address{bobPhone, bobTablet, alicePhone}, got)

	_, err = alice.ResolveRecipients(ctx, []domain.UserID{"carol"})
	require.ErrorIs(t, err, domain.ErrNotFound)
}

// slowSessions records how many encrypts run at once.
type slowSessions struct {
	domain.SessionService
	running, peak atomic.Int32
}

func (s *slowSessions) Encrypt(ctx context.Context, peer domain.Address, pt []byte) (domain.Envelope, error) {
	n := s.running.Add(1)
	defer s.running.Add(-1)
	for {
		p := s.peak.Load()
		if n <= p || s.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	return domain.Envelope{Ciphertext: pt}, nil
}

func TestFanOutBoundsWorkers(t *testing.T) {
	fake := &slowSessions{}
	svc := message.New(fake, directory.NewMemory(), aliceLaptop, message.Config{Workers: 3})

	var rs []domain.Address
	for _, d := range []domain.DeviceID{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j"} {
		rs = append(rs, domain.Address{User: "bob", Device: d})
	}
	results := svc.EncryptForRecipients(context.Background(), []byte("x"), rs)
	for _, r := range results {
		require.True(t, r.OK(), r.Recipient.String())
	}
	if peak := fake.peak.Load(); peak > 3 {
		t.Fatalf("peak concurrency %d exceeds 3 workers", peak)
	}
}
