package keys

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"e2ee/internal/crypto"
	"e2ee/internal/domain"
	"e2ee/internal/logging"
)

// DefaultSignedPreKeyGrace is how long a superseded signed pre-key stays
// usable for late pre-key messages.
const DefaultSignedPreKeyGrace = 7 * 24 * time.Hour

// DefaultUsedOneTimePreKeyRetention is how long a consumed one-time pre-key
// is remembered so that a replayed pre-key message reports it as used.
const DefaultUsedOneTimePreKeyRetention = 7 * 24 * time.Hour

// Config tunes the key service.
type Config struct {
	SignedPreKeyGrace          time.Duration
	UsedOneTimePreKeyRetention time.Duration
	Now                        func() time.Time
}

// Service owns the local device's key material.
//
// The whole record is loaded once and cached. Every change is applied to a
// copy, persisted, and only then swapped in, so a failed save leaves both
// disk and memory unchanged.
type Service struct {
	store domain.KeyStore
	cfg   Config
	log   *logrus.Entry

	mu       sync.Mutex
	material *domain.KeyMaterial
}

// New returns a key service backed by the given store.
func New(store domain.KeyStore, cfg Config) *Service {
	if cfg.SignedPreKeyGrace <= 0 {
		cfg.SignedPreKeyGrace = DefaultSignedPreKeyGrace
	}
	if cfg.UsedOneTimePreKeyRetention <= 0 {
		cfg.UsedOneTimePreKeyRetention = DefaultUsedOneTimePreKeyRetention
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Service{store: store, cfg: cfg, log: logging.For("keys")}
}

func (s *Service) now() time.Time { return s.cfg.Now().UTC() }

// loadLocked returns the cached material, reading it on first use.
func (s *Service) loadLocked() (*domain.KeyMaterial, error) {
	if s.material != nil {
		return s.material, nil
	}
	m, ok, err := s.store.LoadKeyMaterial()
	if err != nil {
		return nil, fmt.Errorf("load key material: %w", err)
	}
	if !ok || m.Identity == nil {
		return nil, domain.ErrNotInitialized
	}
	s.material = &m
	return s.material, nil
}

// commitLocked persists next and makes it current. The replaced record is
// wiped; next never shares memory with it.
func (s *Service) commitLocked(next domain.KeyMaterial) error {
	if err := s.store.SaveKeyMaterial(next); err != nil {
		return fmt.Errorf("save key material: %w", err)
	}
	old := s.material
	s.material = &next
	if old != nil {
		wipeMaterial(old)
	}
	return nil
}

// GenerateIdentity creates the device identity. It fails with
// domain.ErrAlreadyInitialized if one exists; identities are never rotated.
// An empty device id is replaced by a random UUID.
func (s *Service) GenerateIdentity(device domain.DeviceID) (domain.IdentityPublic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.loadLocked(); err == nil {
		return domain.IdentityPublic{}, domain.ErrAlreadyInitialized
	} else if !errors.Is(err, domain.ErrNotInitialized) {
		return domain.IdentityPublic{}, err
	}

	if device == "" {
		device = domain.DeviceID(uuid.NewString())
	}
	id, err := crypto.NewIdentity()
	if err != nil {
		return domain.IdentityPublic{}, err
	}
	next := domain.KeyMaterial{
		Device:              device,
		Identity:            &id,
		NextSignedPreKeyID:  1,
		OneTimePreKeys:      make(map[domain.OneTimePreKeyID]domain.OneTimePreKey),
		NextOneTimePreKeyID: 1,
		CreatedAt:           s.now(),
	}
	if err := s.commitLocked(next); err != nil {
		crypto.WipeIdentity(&id)
		return domain.IdentityPublic{}, err
	}
	pub := id.Public()
	s.log.WithFields(logrus.Fields{
		"device":      device,
		"fingerprint": crypto.IdentityFingerprint(pub),
	}).Info("identity created")
	return pub, nil
}

// DeviceID returns the local device id.
func (s *Service) DeviceID() (domain.DeviceID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.loadLocked()
	if err != nil {
		return "", err
	}
	return m.Device, nil
}

// Identity returns the public identity keys.
func (s *Service) Identity() (domain.IdentityPublic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.loadLocked()
	if err != nil {
		return domain.IdentityPublic{}, err
	}
	return m.Identity.Public(), nil
}

// Fingerprint returns a short fingerprint of the identity keys.
func (s *Service) Fingerprint() (domain.Fingerprint, error) {
	pub, err := s.Identity()
	if err != nil {
		return "", err
	}
	return crypto.IdentityFingerprint(pub), nil
}

// GenerateSignedPreKey creates the next signed pre-key and makes it current.
// The previous one is kept for the grace period, then pruned.
func (s *Service) GenerateSignedPreKey() (domain.SignedPreKeyPublic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.loadLocked()
	if err != nil {
		return domain.SignedPreKeyPublic{}, err
	}
	priv, pub, err := crypto.GenerateX25519()
	if err != nil {
		return domain.SignedPreKeyPublic{}, err
	}

	now := s.now()
	next := cloneMaterial(*m)
	spk := domain.SignedPreKey{
		ID:        next.NextSignedPreKeyID,
		Pub:       pub,
		Priv:      priv,
		Signature: crypto.SignPreKey(*next.Identity, pub),
		CreatedAt: now,
	}
	for i := range next.SignedPreKeys {
		if next.SignedPreKeys[i].SupersededAt == nil {
			t := now
			next.SignedPreKeys[i].SupersededAt = &t
		}
	}
	next.SignedPreKeys = append(next.SignedPreKeys, spk)
	next.CurrentSignedPreKey = spk.ID
	next.NextSignedPreKeyID++
	pruned := pruneSignedPreKeys(&next, now.Add(-s.cfg.SignedPreKeyGrace))

	if err := s.commitLocked(next); err != nil {
		return domain.SignedPreKeyPublic{}, err
	}
	s.log.WithFields(logrus.Fields{
		"spk_id": spk.ID,
		"pruned": pruned,
	}).Info("signed pre-key generated")
	return spk.Public(), nil
}

// CurrentSignedPreKey returns the public half of the current signed pre-key.
func (s *Service) CurrentSignedPreKey() (domain.SignedPreKeyPublic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.loadLocked()
	if err != nil {
		return domain.SignedPreKeyPublic{}, err
	}
	spk, ok := currentSignedPreKey(m)
	if !ok {
		return domain.SignedPreKeyPublic{}, fmt.Errorf("signed pre-key: %w", domain.ErrNotFound)
	}
	return spk.Public(), nil
}

// SignedPreKeyAge reports how long the current signed pre-key has been in
// use. ok is false when there is none yet.
func (s *Service) SignedPreKeyAge() (age time.Duration, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.loadLocked()
	if err != nil {
		return 0, false, err
	}
	spk, ok := currentSignedPreKey(m)
	if !ok {
		return 0, false, nil
	}
	return s.now().Sub(spk.CreatedAt), true, nil
}

// PruneSignedPreKeys drops signed pre-keys superseded for longer than the
// grace period.
func (s *Service) PruneSignedPreKeys() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.loadLocked()
	if err != nil {
		return 0, err
	}
	next := cloneMaterial(*m)
	n := pruneSignedPreKeys(&next, s.now().Add(-s.cfg.SignedPreKeyGrace))
	if n == 0 {
		return 0, nil
	}
	return n, s.commitLocked(next)
}

// GenerateOneTimePreKeys adds n one-time pre-keys and returns their publics.
func (s *Service) GenerateOneTimePreKeys(n int) ([]domain.OneTimePreKeyPublic, error) {
	if n <= 0 {
		return nil, fmt.Errorf("one-time pre-key count must be positive, got %d", n)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.loadLocked()
	if err != nil {
		return nil, err
	}
	now := s.now()
	next := cloneMaterial(*m)
	out := make([]domain.OneTimePreKeyPublic, 0, n)
	for i := 0; i < n; i++ {
		priv, pub, err := crypto.GenerateX25519()
		if err != nil {
			return nil, err
		}
		k := domain.OneTimePreKey{ID: next.NextOneTimePreKeyID, Pub: pub, Priv: priv, CreatedAt: now}
		next.OneTimePreKeys[k.ID] = k
		next.NextOneTimePreKeyID++
		out = append(out, k.Public())
	}
	if err := s.commitLocked(next); err != nil {
		return nil, err
	}
	s.log.WithField("count", n).Debug("one-time pre-keys generated")
	return out, nil
}

// UnusedOneTimePreKeys lists the publics of every unused one-time pre-key.
func (s *Service) UnusedOneTimePreKeys() ([]domain.OneTimePreKeyPublic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.loadLocked()
	if err != nil {
		return nil, err
	}
	return unusedOneTimePreKeys(m), nil
}

// MarkOneTimePreKeyUsed consumes a one-time pre-key and wipes its private
// half. A second call fails with domain.ErrAlreadyUsed, an unknown id with
// domain.ErrNotFound.
func (s *Service) MarkOneTimePreKeyUsed(id domain.OneTimePreKeyID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.loadLocked()
	if err != nil {
		return err
	}
	k, ok := m.OneTimePreKeys[id]
	if !ok {
		return fmt.Errorf("one-time pre-key %d: %w", id, domain.ErrNotFound)
	}
	if k.Used {
		return fmt.Errorf("one-time pre-key %d: %w", id, domain.ErrAlreadyUsed)
	}

	next := cloneMaterial(*m)
	now := s.now()
	k.Used = true
	k.UsedAt = &now
	k.Priv = domain.X25519Private{}
	next.OneTimePreKeys[id] = k
	if err := s.commitLocked(next); err != nil {
		return err
	}
	s.log.WithField("opk_id", id).Debug("one-time pre-key consumed")
	return nil
}

// PruneUsedOneTimePreKeys forgets one-time pre-keys consumed longer ago
// than the retention window. Afterwards their ids report domain.ErrNotFound.
func (s *Service) PruneUsedOneTimePreKeys() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.loadLocked()
	if err != nil {
		return 0, err
	}
	cutoff := s.now().Add(-s.cfg.UsedOneTimePreKeyRetention)
	next := cloneMaterial(*m)
	n := 0
	for id, k := range next.OneTimePreKeys {
		if k.Used && k.UsedAt != nil && k.UsedAt.Before(cutoff) {
			delete(next.OneTimePreKeys, id)
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	if err := s.commitLocked(next); err != nil {
		return 0, err
	}
	s.log.WithField("count", n).Debug("used one-time pre-keys pruned")
	return n, nil
}

// PublishedKeys assembles what the directory should hold for this device.
func (s *Service) PublishedKeys() (domain.PublishedKeys, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.loadLocked()
	if err != nil {
		return domain.PublishedKeys{}, err
	}
	spk, ok := currentSignedPreKey(m)
	if !ok {
		return domain.PublishedKeys{}, fmt.Errorf("signed pre-key: %w", domain.ErrNotFound)
	}
	return domain.PublishedKeys{
		IdentityKey:    m.Identity.XPub,
		SigningKey:     m.Identity.EdPub,
		SignedPreKey:   spk.Public(),
		OneTimePreKeys: unusedOneTimePreKeys(m),
	}, nil
}

// WithIdentity lends the identity private keys to fn. The copy is wiped
// when fn returns.
func (s *Service) WithIdentity(fn func(id *domain.Identity) error) error {
	s.mu.Lock()
	m, err := s.loadLocked()
	var id domain.Identity
	if err == nil {
		id = *m.Identity
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}
	defer crypto.WipeIdentity(&id)
	return fn(&id)
}

// WithSignedPreKey lends a signed pre-key, current or still within its grace
// period, to fn. The copy is wiped when fn returns.
func (s *Service) WithSignedPreKey(id domain.SignedPreKeyID, fn func(spk *domain.SignedPreKey) error) error {
	s.mu.Lock()
	m, err := s.loadLocked()
	var (
		spk   domain.SignedPreKey
		found bool
	)
	if err == nil {
		for _, k := range m.SignedPreKeys {
			if k.ID == id {
				spk, found = k, true
				spk.Signature = append([]byte(nil), k.Signature...)
				break
			}
		}
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("signed pre-key %d: %w", id, domain.ErrNotFound)
	}
	defer crypto.Wipe(spk.Priv[:])
	return fn(&spk)
}

// WithOneTimePreKey lends an unused one-time pre-key to fn without consuming
// it. The copy is wiped when fn returns.
func (s *Service) WithOneTimePreKey(id domain.OneTimePreKeyID, fn func(opk *domain.OneTimePreKey) error) error {
	s.mu.Lock()
	m, err := s.loadLocked()
	var (
		opk   domain.OneTimePreKey
		found bool
	)
	if err == nil {
		opk, found = m.OneTimePreKeys[id]
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("one-time pre-key %d: %w", id, domain.ErrNotFound)
	}
	if opk.Used {
		return fmt.Errorf("one-time pre-key %d: %w", id, domain.ErrAlreadyUsed)
	}
	defer crypto.Wipe(opk.Priv[:])
	return fn(&opk)
}

func currentSignedPreKey(m *domain.KeyMaterial) (domain.SignedPreKey, bool) {
	for _, k := range m.SignedPreKeys {
		if k.ID == m.CurrentSignedPreKey && k.SupersededAt == nil {
			return k, true
		}
	}
	return domain.SignedPreKey{}, false
}

func unusedOneTimePreKeys(m *domain.KeyMaterial) []domain.OneTimePreKeyPublic {
	out := make([]domain.OneTimePreKeyPublic, 0, len(m.OneTimePreKeys))
	for _, k := range m.OneTimePreKeys {
		if !k.Used {
			out = append(out, k.Public())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// pruneSignedPreKeys removes keys superseded before cutoff.
func pruneSignedPreKeys(m *domain.KeyMaterial, cutoff time.Time) int {
	kept := m.SignedPreKeys[:0]
	n := 0
	for _, k := range m.SignedPreKeys {
		if k.SupersededAt != nil && k.SupersededAt.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, k)
	}
	m.SignedPreKeys = kept
	return n
}

// cloneMaterial deep-copies m so it can be changed before commit.
func cloneMaterial(m domain.KeyMaterial) domain.KeyMaterial {
	out := m
	if m.Identity != nil {
		id := *m.Identity
		out.Identity = &id
	}
	out.SignedPreKeys = make([]domain.SignedPreKey, len(m.SignedPreKeys))
	for i, k := range m.SignedPreKeys {
		k.Signature = append([]byte(nil), k.Signature...)
		if k.SupersededAt != nil {
			t := *k.SupersededAt
			k.SupersededAt = &t
		}
		out.SignedPreKeys[i] = k
	}
	out.OneTimePreKeys = make(map[domain.OneTimePreKeyID]domain.OneTimePreKey, len(m.OneTimePreKeys))
	for id, k := range m.OneTimePreKeys {
		out.OneTimePreKeys[id] = k
	}
	return out
}

// wipeMaterial zeroes every private key held by m.
func wipeMaterial(m *domain.KeyMaterial) {
	if m.Identity != nil {
		crypto.WipeIdentity(m.Identity)
	}
	for i := range m.SignedPreKeys {
		crypto.Wipe(m.SignedPreKeys[i].Priv[:])
	}
	for id, k := range m.OneTimePreKeys {
		crypto.Wipe(k.Priv[:])
		m.OneTimePreKeys[id] = k
	}
}

// Compile-time assertion that Service implements domain.KeyService.
var _ domain.KeyService = (*Service)(nil)
