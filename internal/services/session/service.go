package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"e2ee/internal/domain"
	"e2ee/internal/logging"
	"e2ee/internal/protocol/ratchet"
	"e2ee/internal/protocol/x3dh"
)

// Config tunes session establishment and the ratchet.
type Config struct {
	Ratchet ratchet.Config
	// RequireOneTimePreKey refuses to initiate against a bundle that carries
	// no one-time pre-key.
	RequireOneTimePreKey bool
}

// DefaultConfig returns the default session configuration.
func DefaultConfig() Config {
	return Config{Ratchet: ratchet.DefaultConfig()}
}

// Service runs pairwise sessions for the local device.
//
// Session state lives only in the store. Each operation loads the state,
// advances a copy, saves it and wipes every in-memory copy, so a failed save
// leaves the previous state in force. Operations on one session are
// serialised by a per-session mutex; different sessions run in parallel.
// Accepting a pre-key message also holds the mutex of the one-time pre-key
// it names until that key is marked used, so one key can never seed two
// sessions. PruneIdle excludes every other operation while it runs.
type Service struct {
	keys  domain.KeyService
	store domain.SessionStore
	dir   domain.KeyDirectory
	cfg   Config
	log   *logrus.Entry

	prune    sync.RWMutex
	sessions keyedMutex[domain.SessionKey]
	preKeys  keyedMutex[domain.OneTimePreKeyID]
}

// keyedMutex hands out one mutex per key, dropping it once unused.
type keyedMutex[K comparable] struct {
	mu    sync.Mutex
	locks map[K]*refMutex
}

type refMutex struct {
	mu   sync.Mutex
	refs int
}

// lock acquires the mutex of key and returns its release.
func (m *keyedMutex[K]) lock(key K) func() {
	m.mu.Lock()
	if m.locks == nil {
		m.locks = make(map[K]*refMutex)
	}
	l := m.locks[key]
	if l == nil {
		l = &refMutex{}
		m.locks[key] = l
	}
	l.refs++
	m.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		m.mu.Lock()
		if l.refs--; l.refs == 0 {
			delete(m.locks, key)
		}
		m.mu.Unlock()
	}
}

// New returns a session service.
func New(keys domain.KeyService, store domain.SessionStore, dir domain.KeyDirectory, cfg Config) *Service {
	if cfg.Ratchet.Now == nil {
		cfg.Ratchet.Now = time.Now
	}
	return &Service{
		keys:  keys,
		store: store,
		dir:   dir,
		cfg:   cfg,
		log:   logging.For("session"),
	}
}

// lock takes the shared prune gate and the mutex of key.
func (s *Service) lock(key domain.SessionKey) func() {
	s.prune.RLock()
	unlock := s.sessions.lock(key)
	return func() {
		unlock()
		s.prune.RUnlock()
	}
}

func (s *Service) sessionKey(peer domain.Address) (domain.SessionKey, error) {
	if !peer.Valid() {
		return domain.SessionKey{}, fmt.Errorf("peer %q: %w", peer.String(), domain.ErrMalformedMessage)
	}
	local, err := s.keys.DeviceID()
	if err != nil {
		return domain.SessionKey{}, err
	}
	return domain.NewSessionKey(local, peer), nil
}

// Encrypt seals plaintext for peer, running X3DH against the directory when
// no session exists yet.
func (s *Service) Encrypt(ctx context.Context, peer domain.Address, plaintext []byte) (domain.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return domain.Envelope{}, err
	}
	key, err := s.sessionKey(peer)
	if err != nil {
		return domain.Envelope{}, err
	}
	unlock := s.lock(key)
	defer unlock()

	st, ok, err := s.store.LoadSession(key)
	if err != nil {
		return domain.Envelope{}, fmt.Errorf("load session %s: %w", key, err)
	}
	if !ok {
		if st, err = s.initiate(ctx, peer); err != nil {
			return domain.Envelope{}, err
		}
	}
	defer ratchet.Wipe(&st)

	next, env, err := ratchet.Encrypt(s.cfg.Ratchet, st, plaintext)
	if err != nil {
		return domain.Envelope{}, fmt.Errorf("encrypt for %s: %w", peer, err)
	}
	if err := s.commit(ctx, key, &next); err != nil {
		return domain.Envelope{}, err
	}
	return env, nil
}

// initiate fetches peer's bundle and seeds an initiator state.
func (s *Service) initiate(ctx context.Context, peer domain.Address) (domain.RatchetState, error) {
	bundle, err := s.dir.FetchKeyBundle(ctx, peer.User, peer.Device)
	if err != nil {
		return domain.RatchetState{}, fmt.Errorf("fetch bundle for %s: %w", peer, err)
	}
	if bundle.OneTimePreKey == nil {
		if s.cfg.RequireOneTimePreKey {
			return domain.RatchetState{}, fmt.Errorf("bundle for %s has no one-time pre-key: %w", peer, domain.ErrPreKeyUnavailable)
		}
		s.log.WithField("peer", peer.String()).Warn("no one-time pre-key available, using signed pre-key only")
	}

	var st domain.RatchetState
	err = s.keys.WithIdentity(func(id *domain.Identity) error {
		ag, err := x3dh.Initiate(*id, bundle)
		if err != nil {
			return err
		}
		defer ag.Wipe()
		st, err = ratchet.InitInitiator(s.cfg.Ratchet, ag.SharedKey, ag.AssociatedData, ag.PeerSignedPreKey)
		if err != nil {
			return err
		}
		pk := ag.PreKeyMessage(id.XPub)
		st.PendingPreKey = &pk
		st.BaseKey = ag.EphemeralKey
		st.PeerIdentityKey = ag.PeerIdentityKey
		return nil
	})
	if err != nil {
		return domain.RatchetState{}, fmt.Errorf("initiate session with %s: %w", peer, err)
	}
	s.log.WithFields(logrus.Fields{
		"peer":     peer.String(),
		"spk_id":   bundle.SignedPreKey.ID,
		"one_time": bundle.OneTimePreKey != nil,
	}).Info("session initiated")
	return st, nil
}

// Decrypt opens env from peer. An envelope carrying a pre-key header that
// does not belong to the current session starts a new responder session,
// which replaces the current one only if the envelope decrypts.
func (s *Service) Decrypt(ctx context.Context, peer domain.Address, env domain.Envelope) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key, err := s.sessionKey(peer)
	if err != nil {
		return nil, err
	}
	unlock := s.lock(key)
	defer unlock()

	st, ok, err := s.store.LoadSession(key)
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", key, err)
	}

	var (
		consumed *domain.OneTimePreKeyID
		accepted bool
	)
	if pk := env.PreKey; pk != nil && (!ok || pk.EphemeralKey != st.BaseKey) {
		if pk.OneTimePreKeyID != nil {
			release := s.preKeys.lock(*pk.OneTimePreKeyID)
			defer release()
		}
		fresh, err := s.respond(*pk)
		if err != nil {
			if ok {
				ratchet.Wipe(&st)
			}
			return nil, fmt.Errorf("accept session from %s: %w", peer, err)
		}
		if ok {
			if st.PeerIdentityKey != pk.IdentityKey {
				s.log.WithFields(logrus.Fields{
					"peer":     peer.String(),
					"identity": logging.KeyID(pk.IdentityKey[:]),
				}).Warn("peer identity key changed")
			}
			ratchet.Wipe(&st)
		}
		st, ok, accepted = fresh, true, true
		consumed = pk.OneTimePreKeyID
	}
	if !ok {
		return nil, fmt.Errorf("decrypt from %s: %w", peer, domain.ErrNoSession)
	}
	defer ratchet.Wipe(&st)

	next, pt, err := ratchet.Decrypt(s.cfg.Ratchet, st, env)
	if err != nil {
		return nil, fmt.Errorf("decrypt from %s: %w", peer, err)
	}
	if err := s.commit(ctx, key, &next); err != nil {
		return nil, err
	}

	// The one-time pre-key mutex is still held here.
	if consumed != nil {
		if err := s.keys.MarkOneTimePreKeyUsed(*consumed); err != nil && !errors.Is(err, domain.ErrAlreadyUsed) {
			s.log.WithError(err).WithField("opk_id", *consumed).Error("could not mark one-time pre-key used")
		}
	}
	if accepted {
		s.log.WithField("peer", peer.String()).Info("session accepted")
	}
	return pt, nil
}

// respond recomputes the initiator's shared key and seeds a responder state.
func (s *Service) respond(pk domain.PreKeyMessage) (domain.RatchetState, error) {
	var st domain.RatchetState
	err := s.keys.WithIdentity(func(id *domain.Identity) error {
		return s.keys.WithSignedPreKey(pk.SignedPreKeyID, func(spk *domain.SignedPreKey) error {
			agree := func(opkPriv *domain.X25519Private) error {
				ag, err := x3dh.Respond(*id, spk.Priv, opkPriv, pk)
				if err != nil {
					return err
				}
				defer ag.Wipe()
				st = ratchet.InitResponder(s.cfg.Ratchet, ag.SharedKey, ag.AssociatedData, spk.Priv, spk.Pub)
				st.BaseKey = pk.EphemeralKey
				st.PeerIdentityKey = pk.IdentityKey
				return nil
			}
			if pk.OneTimePreKeyID == nil {
				return agree(nil)
			}
			return s.keys.WithOneTimePreKey(*pk.OneTimePreKeyID, func(opk *domain.OneTimePreKey) error {
				return agree(&opk.Priv)
			})
		})
	})
	switch {
	case err == nil:
		return st, nil
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrAlreadyUsed):
		return domain.RatchetState{}, fmt.Errorf("%w: %v", domain.ErrPreKeyUnavailable, err)
	default:
		return domain.RatchetState{}, err
	}
}

// commit persists next and wipes it. A cancelled context or a failed save
// leaves the stored state as it was.
func (s *Service) commit(ctx context.Context, key domain.SessionKey, next *domain.RatchetState) error {
	defer ratchet.Wipe(next)
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.store.SaveSession(key, *next); err != nil {
		s.log.WithError(err).WithField("session", key.String()).Error("session state not saved")
		return fmt.Errorf("%w: %s: %v", domain.ErrStatePersistence, key, err)
	}
	return nil
}

// DeleteSession forgets the session with peer. The next Encrypt starts over.
func (s *Service) DeleteSession(ctx context.Context, peer domain.Address) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key, err := s.sessionKey(peer)
	if err != nil {
		return err
	}
	unlock := s.lock(key)
	defer unlock()
	if err := s.store.DeleteSession(key); err != nil {
		return fmt.Errorf("delete session %s: %w", key, err)
	}
	s.log.WithField("peer", peer.String()).Info("session deleted")
	return nil
}

// HasSession reports whether a session with peer is stored.
func (s *Service) HasSession(peer domain.Address) (bool, error) {
	key, err := s.sessionKey(peer)
	if err != nil {
		return false, err
	}
	unlock := s.lock(key)
	defer unlock()
	st, ok, err := s.store.LoadSession(key)
	if err != nil {
		return false, err
	}
	ratchet.Wipe(&st)
	return ok, nil
}

// PruneIdle deletes sessions not used for idle or longer. It waits for
// in-flight operations, so none can save back a state it removed.
func (s *Service) PruneIdle(ctx context.Context, idle time.Duration) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.prune.Lock()
	defer s.prune.Unlock()
	return s.store.PruneSessions(s.cfg.Ratchet.Now().UTC().Add(-idle))
}

var _ domain.SessionService = (*Service)(nil)
