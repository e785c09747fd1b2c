package ratchet_test

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"e2ee/internal/crypto"
	"e2ee/internal/domain"
	"e2ee/internal/protocol/ratchet"
)

type clock struct{ t time.Time }

func (c *clock) Now() time.Time { return c.t }

func testConfig(c *clock) ratchet.Config {
	cfg := ratchet.DefaultConfig()
	cfg.Now = c.Now
	return cfg
}

// newPair returns initiator and responder states sharing a random root key.
func newPair(t *testing.T, cfg ratchet.Config) (alice, bob domain.RatchetState) {
	t.Helper()
	sk := make([]byte, 32)
	if _, err := rand.Read(sk); err != nil {
		t.Fatalf("rand: %v", err)
	}
	ad := bytes.Repeat([]byte{0xAD}, 64)
	spkPriv, spkPub, err := crypto.GenerateX25519()
	if err != nil {
		t.Fatalf("GenerateX25519: %v", err)
	}
	alice, err = ratchet.InitInitiator(cfg, sk, ad, spkPub)
	if err != nil {
		t.Fatalf("InitInitiator: %v", err)
	}
	bob = ratchet.InitResponder(cfg, sk, ad, spkPriv, spkPub)
	return alice, bob
}

func encrypt(t *testing.T, cfg ratchet.Config, st *domain.RatchetState, msg string) domain.Envelope {
	t.Helper()
	next, env, err := ratchet.Encrypt(cfg, *st, []byte(msg))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	*st = next
	return env
}

func decrypt(t *testing.T, cfg ratchet.Config, st *domain.RatchetState, env domain.Envelope) string {
	t.Helper()
	next, pt, err := ratchet.Decrypt(cfg, *st, env)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	*st = next
	return string(pt)
}

func TestDoubleRatchet_OneRoundTrip(t *testing.T) {
	cfg := testConfig(&clock{t: time.Unix(1_700_000_000, 0)})
	alice, bob := newPair(t, cfg)

	env := encrypt(t, cfg, &alice, "hi")
	if got := decrypt(t, cfg, &bob, env); got != "hi" {
		t.Fatalf("got %q, want %q", got, "hi")
	}
	reply := encrypt(t, cfg, &bob, "hello back")
	if got := decrypt(t, cfg, &alice, reply); got != "hello back" {
		t.Fatalf("got %q, want %q", got, "hello back")
	}
}

func TestDoubleRatchet_PingPongTurnsRatchet(t *testing.T) {
	cfg := testConfig(&clock{t: time.Unix(1_700_000_000, 0)})
	alice, bob := newPair(t, cfg)

	seen := map[domain.X25519Public]bool{}
	for i := 0; i < 5; i++ {
		env := encrypt(t, cfg, &alice, fmt.Sprintf("a%d", i))
		seen[env.Header.RatchetKey] = true
		require.Equal(t, fmt.Sprintf("a%d", i), decrypt(t, cfg, &bob, env))

		env = encrypt(t, cfg, &bob, fmt.Sprintf("b%d", i))
		seen[env.Header.RatchetKey] = true
		require.Equal(t, fmt.Sprintf("b%d", i), decrypt(t, cfg, &alice, env))
	}
	require.Len(t, seen, 10, "every turn should use a fresh ratchet key")
}

func TestDecrypt_OutOfOrder(t *testing.T) {
	cfg := testConfig(&clock{t: time.Unix(1_700_000_000, 0)})
	alice, bob := newPair(t, cfg)

	envs := make([]domain.Envelope, 4)
	for i := range envs {
		envs[i] = encrypt(t, cfg, &alice, fmt.Sprintf("m%d", i))
	}
	for _, i := range []int{0, 2, 3, 1} {
		require.Equal(t, fmt.Sprintf("m%d", i), decrypt(t, cfg, &bob, envs[i]))
	}
	require.Empty(t, bob.Skipped)
}

func TestDecrypt_DelayedAcrossRatchetStep(t *testing.T) {
	cfg := testConfig(&clock{t: time.Unix(1_700_000_000, 0)})
	alice, bob := newPair(t, cfg)

	first := encrypt(t, cfg, &alice, "first")
	late := encrypt(t, cfg, &alice, "late")
	require.Equal(t, "first", decrypt(t, cfg, &bob, first))

	require.Equal(t, "reply", decrypt(t, cfg, &alice, encrypt(t, cfg, &bob, "reply")))
	next := encrypt(t, cfg, &alice, "next chain")
	require.Equal(t, "next chain", decrypt(t, cfg, &bob, next))

	// The late message belongs to a retired chain but was cached on the step.
	require.Equal(t, "late", decrypt(t, cfg, &bob, late))
}

func TestDecrypt_DuplicateRejected(t *testing.T) {
	cfg := testConfig(&clock{t: time.Unix(1_700_000_000, 0)})
	alice, bob := newPair(t, cfg)

	env := encrypt(t, cfg, &alice, "once")
	decrypt(t, cfg, &bob, env)

	_, _, err := ratchet.Decrypt(cfg, bob, env)
	require.ErrorIs(t, err, domain.ErrDuplicateOrTooOld)

	// Same for a duplicate from a chain that has since been retired.
	require.Equal(t, "r", decrypt(t, cfg, &alice, encrypt(t, cfg, &bob, "r")))
	decrypt(t, cfg, &bob, encrypt(t, cfg, &alice, "new chain"))
	_, _, err = ratchet.Decrypt(cfg, bob, env)
	require.ErrorIs(t, err, domain.ErrDuplicateOrTooOld)
}

func TestDecrypt_TooManySkipped(t *testing.T) {
	cfg := testConfig(&clock{t: time.Unix(1_700_000_000, 0)})
	cfg.MaxSkip = 3
	alice, bob := newPair(t, cfg)

	var last domain.Envelope
	for i := 0; i < 5; i++ {
		last = encrypt(t, cfg, &alice, "x")
	}
	_, _, err := ratchet.Decrypt(cfg, bob, last)
	require.ErrorIs(t, err, domain.ErrTooManySkipped)
}

func TestDecrypt_TamperingFailsWithoutDamage(t *testing.T) {
	cfg := testConfig(&clock{t: time.Unix(1_700_000_000, 0)})
	alice, bob := newPair(t, cfg)
	env := encrypt(t, cfg, &alice, "payload")

	cases := map[string]func(e *domain.Envelope){
		"ciphertext": func(e *domain.Envelope) { e.Ciphertext[0] ^= 0x01 },
		"tag":        func(e *domain.Envelope) { e.Tag[len(e.Tag)-1] ^= 0x80 },
		"short tag":  func(e *domain.Envelope) { e.Tag = e.Tag[:8] },
		"header":     func(e *domain.Envelope) { e.Header.PreviousChainLength++ },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			bad := env
			bad.Ciphertext = append([]byte(nil), env.Ciphertext...)
			bad.Tag = append([]byte(nil), env.Tag...)
			mutate(&bad)

			_, _, err := ratchet.Decrypt(cfg, bob, bad)
			if !errors.Is(err, domain.ErrDecryptionFailed) {
				t.Fatalf("want ErrDecryptionFailed, got %v", err)
			}
		})
	}

	// Bob's state survived all of the above.
	require.Equal(t, "payload", decrypt(t, cfg, &bob, env))
}

func TestEncrypt_DoesNotModifyInput(t *testing.T) {
	cfg := testConfig(&clock{t: time.Unix(1_700_000_000, 0)})
	alice, _ := newPair(t, cfg)
	before := ratchet.Clone(alice)

	next, _, err := ratchet.Encrypt(cfg, alice, []byte("m"))
	require.NoError(t, err)
	require.Equal(t, before.SendingChainKey, alice.SendingChainKey)
	require.Equal(t, before.SendCount, alice.SendCount)
	require.NotEqual(t, alice.SendingChainKey, next.SendingChainKey)
	require.Equal(t, uint32(1), next.SendCount)
}

func TestWipe_ClearsSecrets(t *testing.T) {
	cfg := testConfig(&clock{t: time.Unix(1_700_000_000, 0)})
	alice, bob := newPair(t, cfg)
	e0 := encrypt(t, cfg, &alice, "0")
	e1 := encrypt(t, cfg, &alice, "1")
	_ = e0
	decrypt(t, cfg, &bob, e1)
	require.Len(t, bob.Skipped, 1)

	var mk []byte
	for _, sk := range bob.Skipped {
		mk = sk.MessageKey
	}
	root := bob.RootKey
	ratchet.Wipe(&bob)
	require.Equal(t, make([]byte, len(root)), root)
	require.Equal(t, make([]byte, len(mk)), mk)
	require.Equal(t, domain.X25519Private{}, bob.DHPrivate)
}

func TestSkipped_TotalCapEvictsOldest(t *testing.T) {
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	cfg := testConfig(c)
	cfg.MaxSkippedKeys = 3
	alice, bob := newPair(t, cfg)

	envs := make([]domain.Envelope, 6)
	for i := range envs {
		envs[i] = encrypt(t, cfg, &alice, fmt.Sprintf("m%d", i))
	}
	// Skips 0..2 first, then 3..4 later; the cap keeps the newest three.
	decrypt(t, cfg, &bob, envs[3])
	c.t = c.t.Add(time.Minute)
	decrypt(t, cfg, &bob, envs[5])
	require.Len(t, bob.Skipped, 3)

	_, _, err := ratchet.Decrypt(cfg, bob, envs[0])
	require.ErrorIs(t, err, domain.ErrDuplicateOrTooOld)
	require.Equal(t, "m4", decrypt(t, cfg, &bob, envs[4]))
	require.Equal(t, "m2", decrypt(t, cfg, &bob, envs[2]))
}

func TestSkipped_ExpireByAge(t *testing.T) {
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	cfg := testConfig(c)
	alice, bob := newPair(t, cfg)

	e0 := encrypt(t, cfg, &alice, "0")
	e1 := encrypt(t, cfg, &alice, "1")
	e2 := encrypt(t, cfg, &alice, "2")
	decrypt(t, cfg, &bob, e1)
	require.Len(t, bob.Skipped, 1)

	c.t = c.t.Add(cfg.MaxSkippedAge + time.Hour)
	decrypt(t, cfg, &bob, e2)
	require.Empty(t, bob.Skipped)

	_, _, err := ratchet.Decrypt(cfg, bob, e0)
	require.ErrorIs(t, err, domain.ErrDuplicateOrTooOld)
}

func TestPendingPreKey_ClearedByReply(t *testing.T) {
	cfg := testConfig(&clock{t: time.Unix(1_700_000_000, 0)})
	alice, bob := newPair(t, cfg)
	opk := domain.OneTimePreKeyID(9)
	alice.PendingPreKey = &domain.PreKeyMessage{SignedPreKeyID: 1, OneTimePreKeyID: &opk}

	e0 := encrypt(t, cfg, &alice, "0")
	e1 := encrypt(t, cfg, &alice, "1")
	require.NotNil(t, e0.PreKey)
	require.NotNil(t, e1.PreKey)
	require.Equal(t, opk, *e1.PreKey.OneTimePreKeyID)

	decrypt(t, cfg, &bob, e0)
	decrypt(t, cfg, &alice, encrypt(t, cfg, &bob, "ack"))
	require.Nil(t, alice.PendingPreKey)
	require.Nil(t, encrypt(t, cfg, &alice, "2").PreKey)
}

func TestEncrypt_ResponderBeforeReceive(t *testing.T) {
	cfg := testConfig(&clock{t: time.Unix(1_700_000_000, 0)})
	_, bob := newPair(t, cfg)
	_, _, err := ratchet.Encrypt(cfg, bob, []byte("too early"))
	require.Error(t, err)
}
