package store

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
	"golang.org/x/crypto/nacl/secretbox"

	"e2ee/internal/crypto"
	"e2ee/internal/domain"
)

const (
	// dbTimeout is how long Open waits for the file lock.
	dbTimeout = time.Second

	// nonceSize is the size of the nonce (in bytes) used by secretbox.
	nonceSize = 24

	// saltLength is the length of the salt used to stretch the passphrase.
	saltLength = 32

	// latestStoreVersion is the current layout of the database.
	latestStoreVersion = 0x01
)

// Buckets and keys used in the database.
var (
	sessionsBucket = []byte("sessions")
	metaBucket     = []byte("meta")

	saltKey      = []byte("salt")
	masterKeyKey = []byte("masterKey")
	versionKey   = []byte("version")
)

// BoltSessionStore keeps ratchet states in a bbolt database, one record per
// session key, each write in its own transaction. With a passphrase, values
// are sealed with a random master key which is itself sealed under the
// passphrase.
type BoltSessionStore struct {
	db        *bolt.DB
	masterKey *[crypto.KeyBytes]byte
}

// OpenBoltSessionStore opens or creates the database at path. A nil
// passphrase stores values unsealed; a database created with a passphrase
// cannot be opened without one.
func OpenBoltSessionStore(path string, passphrase []byte) (*BoltSessionStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: dbTimeout})
	if err != nil {
		return nil, err
	}
	s := &BoltSessionStore{db: db}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(sessionsBucket); err != nil {
			return err
		}
		meta, err := tx.CreateBucketIfNotExists(metaBucket)
		if err != nil {
			return err
		}
		if v := meta.Get(versionKey); v == nil {
			if err := meta.Put(versionKey, []byte{latestStoreVersion}); err != nil {
				return err
			}
		} else if len(v) != 1 || v[0] > latestStoreVersion {
			return fmt.Errorf("session store: unsupported version %x", v)
		}
		return s.unlock(meta, passphrase)
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// unlock loads or creates the master key.
func (s *BoltSessionStore) unlock(meta *bolt.Bucket, passphrase []byte) error {
	sealed := meta.Get(masterKeyKey)
	if sealed == nil {
		if len(passphrase) == 0 {
			return nil
		}
		if s.hasSessions(meta.Tx()) {
			return errors.New("session store: cannot add a passphrase to an unsealed store")
		}
		var mk [crypto.KeyBytes]byte
		if _, err := rand.Read(mk[:]); err != nil {
			return err
		}
		salt := make([]byte, saltLength)
		if _, err := rand.Read(salt); err != nil {
			return err
		}
		kek := deriveKey(passphrase, salt)
		defer crypto.Wipe(kek[:])
		enc, err := sealBox(mk[:], kek)
		if err != nil {
			return err
		}
		if err := meta.Put(saltKey, salt); err != nil {
			return err
		}
		if err := meta.Put(masterKeyKey, enc); err != nil {
			return err
		}
		s.masterKey = &mk
		return nil
	}

	if len(passphrase) == 0 {
		return ErrPassphraseRequired
	}
	if len(sealed) < nonceSize+crypto.KeyBytes+secretbox.Overhead {
		return errors.New("session store: sealed master key too short")
	}
	kek := deriveKey(passphrase, meta.Get(saltKey))
	defer crypto.Wipe(kek[:])
	mk, ok := openBox(sealed, kek)
	if !ok {
		return ErrWrongPassphrase
	}
	var key [crypto.KeyBytes]byte
	copy(key[:], mk)
	crypto.Wipe(mk)
	s.masterKey = &key
	return nil
}

func (s *BoltSessionStore) hasSessions(tx *bolt.Tx) bool {
	k, _ := tx.Bucket(sessionsBucket).Cursor().First()
	return k != nil
}

// Close wipes the master key and closes the database.
func (s *BoltSessionStore) Close() error {
	if s.masterKey != nil {
		crypto.Wipe(s.masterKey[:])
	}
	return s.db.Close()
}

// LoadSession returns the state stored under key.
func (s *BoltSessionStore) LoadSession(key domain.SessionKey) (domain.RatchetState, bool, error) {
	var raw []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(sessionsBucket).Get(encodeSessionKey(key)); v != nil {
			raw = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil || raw == nil {
		return domain.RatchetState{}, false, err
	}
	st, err := s.decodeValue(raw)
	if err != nil {
		return domain.RatchetState{}, false, fmt.Errorf("session %s: %w", key, err)
	}
	return st, true, nil
}

// SaveSession replaces the state stored under key in one transaction.
func (s *BoltSessionStore) SaveSession(key domain.SessionKey, st domain.RatchetState) error {
	v, err := s.encodeValue(st)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionsBucket).Put(encodeSessionKey(key), v)
	})
}

// DeleteSession removes the state stored under key. Missing keys are ignored.
func (s *BoltSessionStore) DeleteSession(key domain.SessionKey) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionsBucket).Delete(encodeSessionKey(key))
	})
}

// ListSessions returns the keys of every session held by local.
func (s *BoltSessionStore) ListSessions(local domain.DeviceID) ([]domain.SessionKey, error) {
	prefix := appendPart(nil, string(local))
	var out []domain.SessionKey
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(sessionsBucket).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			key, err := decodeSessionKey(k)
			if err != nil {
				return err
			}
			out = append(out, key)
		}
		return nil
	})
	return out, err
}

// PruneSessions deletes every session last updated before the cutoff.
func (s *BoltSessionStore) PruneSessions(before time.Time) (int, error) {
	var n int
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(sessionsBucket)
		var stale [][]byte
		err := b.ForEach(func(k, v []byte) error {
			st, err := s.decodeValue(v)
			if err != nil {
				return err
			}
			if st.UpdatedAt.Before(before) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		n = len(stale)
		return nil
	})
	return n, err
}

func (s *BoltSessionStore) encodeValue(st domain.RatchetState) ([]byte, error) {
	raw, err := EncodeRatchetState(st)
	if err != nil {
		return nil, err
	}
	if s.masterKey == nil {
		return raw, nil
	}
	defer crypto.Wipe(raw)
	return sealBox(raw, s.masterKey)
}

func (s *BoltSessionStore) decodeValue(v []byte) (domain.RatchetState, error) {
	if s.masterKey == nil {
		return DecodeRatchetState(v)
	}
	raw, ok := openBox(v, s.masterKey)
	if !ok {
		return domain.RatchetState{}, ErrWrongPassphrase
	}
	defer crypto.Wipe(raw)
	return DecodeRatchetState(raw)
}

// deriveKey stretches the passphrase into a secretbox key.
func deriveKey(pass, salt []byte) *[crypto.KeyBytes]byte {
	out := crypto.DeriveKEK(pass, salt)
	var key [crypto.KeyBytes]byte
	copy(key[:], out)
	crypto.Wipe(out)
	return &key
}

// sealBox encrypts data with secretbox under key and prepends a random nonce.
func sealBox(data []byte, key *[crypto.KeyBytes]byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, err
	}
	enc := make([]byte, nonceSize, nonceSize+len(data)+secretbox.Overhead)
	copy(enc, nonce[:])
	return secretbox.Seal(enc, data, &nonce, key), nil
}

// openBox undoes sealBox.
func openBox(data []byte, key *[crypto.KeyBytes]byte) ([]byte, bool) {
	if len(data) < nonceSize+secretbox.Overhead {
		return nil, false
	}
	var nonce [nonceSize]byte
	copy(nonce[:], data[:nonceSize])
	return secretbox.Open(nil, data[nonceSize:], &nonce, key)
}

// encodeSessionKey writes each part length-prefixed so that keys of one
// local device share a prefix.
func encodeSessionKey(k domain.SessionKey) []byte {
	b := appendPart(nil, string(k.LocalDevice))
	b = appendPart(b, string(k.PeerUser))
	return appendPart(b, string(k.PeerDevice))
}

func appendPart(b []byte, s string) []byte {
	b = binary.AppendUvarint(b, uint64(len(s)))
	return append(b, s...)
}

func decodeSessionKey(b []byte) (domain.SessionKey, error) {
	parts := make([]string, 0, 3)
	for len(b) > 0 {
		n, w := binary.Uvarint(b)
		if w <= 0 || uint64(len(b)-w) < n {
			return domain.SessionKey{}, fmt.Errorf("session store: corrupt key")
		}
		parts = append(parts, string(b[w:w+int(n)]))
		b = b[w+int(n):]
	}
	if len(parts) != 3 {
		return domain.SessionKey{}, fmt.Errorf("session store: corrupt key")
	}
	return domain.SessionKey{
		LocalDevice: domain.DeviceID(parts[0]),
		PeerUser:    domain.UserID(parts[1]),
		PeerDevice:  domain.DeviceID(parts[2]),
	}, nil
}

// Compile-time assertion that BoltSessionStore implements domain.SessionStore.
var _ domain.SessionStore = (*BoltSessionStore)(nil)
