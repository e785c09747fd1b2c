package directory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"e2ee/internal/crypto"
	"e2ee/internal/domain"
	"e2ee/internal/logging"
)

// ErrStaleSignedPreKey is returned when a rotation does not advance the
// signed pre-key id.
var ErrStaleSignedPreKey = errors.New("signed pre-key id does not advance")

// errBadAddress is returned for an address with an empty user or device.
var errBadAddress = errors.New("directory: user and device are required")

type deviceRecord struct {
	identity domain.X25519Public
	signing  domain.Ed25519Public
	spk      domain.SignedPreKeyPublic
	oneTime  []domain.OneTimePreKeyPublic
	// seen holds every one-time pre-key id ever accepted, so a re-upload of
	// an id that was already handed out is ignored.
	seen map[domain.OneTimePreKeyID]struct{}
}

// Memory is an in-memory key directory. A single mutex serialises all
// access, which makes one-time pre-key hand-out exactly-once.
type Memory struct {
	mu    sync.Mutex
	users map[domain.UserID]map[domain.DeviceID]*deviceRecord
	log   *logrus.Entry
}

// NewMemory returns an empty directory.
func NewMemory() *Memory {
	return &Memory{
		users: make(map[domain.UserID]map[domain.DeviceID]*deviceRecord),
		log:   logging.For("directory"),
	}
}

// PublishKeyBundle registers or replaces a device's keys. The signed
// pre-key signature is checked against the published signing key.
func (m *Memory) PublishKeyBundle(ctx context.Context, device domain.Address, keys domain.PublishedKeys) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !device.Valid() {
		return errBadAddress
	}
	if !crypto.VerifyPreKey(keys.SigningKey, keys.SignedPreKey) {
		return fmt.Errorf("publish %s: %w", device, domain.ErrInvalidSignature)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	devices := m.users[device.User]
	if devices == nil {
		devices = make(map[domain.DeviceID]*deviceRecord)
		m.users[device.User] = devices
	}
	rec := devices[device.Device]
	if rec == nil || rec.identity != keys.IdentityKey || rec.signing != keys.SigningKey {
		if rec != nil {
			m.log.WithField("device", device.String()).Warn("device re-registered with a new identity")
		}
		rec = &deviceRecord{seen: make(map[domain.OneTimePreKeyID]struct{})}
		devices[device.Device] = rec
	}
	rec.identity = keys.IdentityKey
	rec.signing = keys.SigningKey
	rec.spk = cloneSPK(keys.SignedPreKey)
	accepted := rec.replace(keys.OneTimePreKeys)

	m.log.WithFields(logrus.Fields{
		"device":   device.String(),
		"spk_id":   keys.SignedPreKey.ID,
		"one_time": accepted,
	}).Info("keys published")
	return nil
}

// FetchKeyBundle returns the device's bundle with at most one one-time
// pre-key, removing that key so that no other fetch can return it.
func (m *Memory) FetchKeyBundle(ctx context.Context, user domain.UserID, device domain.DeviceID) (domain.KeyBundle, error) {
	if err := ctx.Err(); err != nil {
		return domain.KeyBundle{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.lookupLocked(domain.Address{User: user, Device: device})
	if err != nil {
		return domain.KeyBundle{}, err
	}
	b := domain.KeyBundle{
		Address:      domain.Address{User: user, Device: device},
		IdentityKey:  rec.identity,
		SigningKey:   rec.signing,
		SignedPreKey: cloneSPK(rec.spk),
	}
	if len(rec.oneTime) > 0 {
		opk := rec.oneTime[0]
		rec.oneTime = rec.oneTime[1:]
		b.OneTimePreKey = &opk
	} else {
		m.log.WithField("device", b.Address.String()).Warn("one-time pre-keys exhausted")
	}
	return b, nil
}

// ReplenishOneTimePreKeys appends keys to the device's pool. Ids seen
// before are skipped.
func (m *Memory) ReplenishOneTimePreKeys(ctx context.Context, device domain.Address, keys []domain.OneTimePreKeyPublic) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.lookupLocked(device)
	if err != nil {
		return err
	}
	n := rec.add(keys)
	m.log.WithFields(logrus.Fields{"device": device.String(), "added": n}).Debug("one-time pre-keys replenished")
	return nil
}

// RotateSignedPreKey replaces the device's signed pre-key. The id must
// advance and the signature must verify against the registered signing key.
func (m *Memory) RotateSignedPreKey(ctx context.Context, device domain.Address, spk domain.SignedPreKeyPublic) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.lookupLocked(device)
	if err != nil {
		return err
	}
	if !crypto.VerifyPreKey(rec.signing, spk) {
		return fmt.Errorf("rotate %s: %w", device, domain.ErrInvalidSignature)
	}
	if spk.ID <= rec.spk.ID {
		return fmt.Errorf("rotate %s to %d (current %d): %w", device, spk.ID, rec.spk.ID, ErrStaleSignedPreKey)
	}
	rec.spk = cloneSPK(spk)
	return nil
}

// ListDevices returns the user's registered devices, sorted.
func (m *Memory) ListDevices(ctx context.Context, user domain.UserID) ([]domain.DeviceID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	devices := m.users[user]
	if len(devices) == 0 {
		return nil, fmt.Errorf("user %s: %w", user, domain.ErrNotFound)
	}
	out := make([]domain.DeviceID, 0, len(devices))
	for d := range devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// OneTimePreKeyCount reports how many one-time pre-keys remain for device.
func (m *Memory) OneTimePreKeyCount(ctx context.Context, device domain.Address) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.lookupLocked(device)
	if err != nil {
		return 0, err
	}
	return len(rec.oneTime), nil
}

func (m *Memory) lookupLocked(device domain.Address) (*deviceRecord, error) {
	rec := m.users[device.User][device.Device]
	if rec == nil {
		return nil, fmt.Errorf("device %s: %w", device, domain.ErrNotFound)
	}
	return rec, nil
}

// add queues keys whose ids were never seen and reports how many.
func (r *deviceRecord) add(keys []domain.OneTimePreKeyPublic) int {
	n := 0
	for _, k := range keys {
		if _, dup := r.seen[k.ID]; dup {
			continue
		}
		r.seen[k.ID] = struct{}{}
		r.oneTime = append(r.oneTime, k)
		n++
	}
	return n
}

// replace makes keys the device's queue, minus any id already handed out.
// Queued keys the device no longer lists are dropped. It reports the new
// queue length.
func (r *deviceRecord) replace(keys []domain.OneTimePreKeyPublic) int {
	queued := make(map[domain.OneTimePreKeyID]struct{}, len(r.oneTime))
	for _, k := range r.oneTime {
		queued[k.ID] = struct{}{}
	}
	next := make([]domain.OneTimePreKeyPublic, 0, len(keys))
	for _, k := range keys {
		_, inQueue := queued[k.ID]
		_, seen := r.seen[k.ID]
		if seen && !inQueue {
			continue
		}
		delete(queued, k.ID)
		r.seen[k.ID] = struct{}{}
		next = append(next, k)
	}
	r.oneTime = next
	return len(next)
}

func cloneSPK(spk domain.SignedPreKeyPublic) domain.SignedPreKeyPublic {
	spk.Signature = append([]byte(nil), spk.Signature...)
	return spk
}

// Compile-time assertion that Memory implements domain.KeyDirectory.
var _ domain.KeyDirectory = (*Memory)(nil)
