package app

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/sirupsen/logrus"

	"e2ee/internal/directory"
	"e2ee/internal/domain"
	"e2ee/internal/logging"
	"e2ee/internal/services/keys"
	"e2ee/internal/services/message"
	"e2ee/internal/services/session"
	"e2ee/internal/store"
)

const (
	sessionsFilename = "sessions.db"
	lockFilename     = "e2ee.lock"
)

// ErrHomeLocked is returned when another process holds the home directory.
var ErrHomeLocked = errors.New("home directory is in use by another process")

// Wire bundles all stores, services, and clients for the CLI.
type Wire struct {
	Config    Config
	Keys      *keys.Service
	Profiles  domain.ProfileStore
	Sessions  *session.Service
	Directory domain.KeyDirectory
	HTTP      *http.Client

	sessionStore *store.BoltSessionStore
	lock         *flock.Flock
	log          *logrus.Entry
}

// NewWire constructs the dependency graph from cfg and takes an exclusive
// lock on the home directory until Close.
func NewWire(cfg Config) (*Wire, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Home, 0o700); err != nil {
		return nil, err
	}

	lock := flock.New(filepath.Join(cfg.Home, lockFilename))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", cfg.Home, err)
	}
	if !locked {
		return nil, fmt.Errorf("%s: %w", cfg.Home, ErrHomeLocked)
	}

	w := &Wire{
		Config:   cfg,
		Profiles: store.NewProfileFileStore(cfg.Home),
		HTTP:     cfg.httpClient(),
		lock:     lock,
		log:      logging.For("app"),
	}

	profile, _, err := w.Profiles.LoadProfile()
	if err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("load profile: %w", err)
	}
	w.Directory = offline{}
	url := cfg.DirectoryURL
	if url == "" {
		url = profile.DirectoryURL
	}
	if url != "" {
		w.Directory = directory.NewHTTP(url, w.HTTP)
	}

	w.Keys = keys.New(store.NewKeyFileStore(cfg.Home, cfg.Passphrase, cfg.Scrypt), cfg.Keys)

	w.sessionStore, err = store.OpenBoltSessionStore(filepath.Join(cfg.Home, sessionsFilename), []byte(cfg.Passphrase))
	if err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("open session store: %w", err)
	}
	w.Sessions = session.New(w.Keys, w.sessionStore, w.Directory, cfg.Session)

	w.log.WithFields(logrus.Fields{"home": cfg.Home, "directory": url}).Debug("wired")
	return w, nil
}

// Close releases the session database and the home lock.
func (w *Wire) Close() error {
	err := w.sessionStore.Close()
	if uerr := w.lock.Unlock(); err == nil {
		err = uerr
	}
	return err
}

// Profile returns the local profile, or domain.ErrNotInitialized.
func (w *Wire) Profile() (domain.Profile, error) {
	p, ok, err := w.Profiles.LoadProfile()
	if err != nil {
		return domain.Profile{}, err
	}
	if !ok {
		return domain.Profile{}, fmt.Errorf("no profile in %s (run init): %w", w.Config.Home, domain.ErrNotInitialized)
	}
	return p, nil
}

// Messages returns the fan-out service for the local device.
func (w *Wire) Messages() (*message.Service, error) {
	p, err := w.Profile()
	if err != nil {
		return nil, err
	}
	return message.New(w.Sessions, w.Directory, p.Address(), w.Config.Message), nil
}

// Publisher returns the directory publisher for the local device.
func (w *Wire) Publisher() (*keys.Publisher, error) {
	p, err := w.Profile()
	if err != nil {
		return nil, err
	}
	return keys.NewPublisher(w.Keys, w.Directory, p.Address(), w.Config.Publish), nil
}

// Rotator returns the maintenance scheduler for the local device.
func (w *Wire) Rotator() (*keys.Rotator, error) {
	pub, err := w.Publisher()
	if err != nil {
		return nil, err
	}
	return keys.NewRotator(pub, w.Sessions, w.Config.Rotation), nil
}
