package app

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"e2ee/internal/services/keys"
	"e2ee/internal/services/message"
	"e2ee/internal/services/session"
	"e2ee/internal/store"
)

// DefaultHomeDir is the directory under the user's home used when no home
// is given.
const DefaultHomeDir = ".e2ee"

// DefaultHTTPTimeout bounds one call to the key directory.
const DefaultHTTPTimeout = 15 * time.Second

// Config holds runtime wiring options for building the app.
type Config struct {
	Home         string       // data directory, e.g. $HOME/.e2ee
	Passphrase   string       // unlocks key material and session records
	DirectoryURL string       // overrides the profile's directory URL
	HTTP         *http.Client // optional; defaults to a client with DefaultHTTPTimeout

	LogLevel  string
	LogFormat string

	Scrypt   store.ScryptParams
	Keys     keys.Config
	Publish  keys.PublishConfig
	Rotation keys.RotationConfig
	Session  session.Config
	Message  message.Config
}

// DefaultConfig returns production settings with an empty Home.
func DefaultConfig() Config {
	return Config{
		LogLevel:  "warn",
		LogFormat: "text",
		Scrypt:    store.DefaultScryptParams(),
		Keys: keys.Config{
			SignedPreKeyGrace:          keys.DefaultSignedPreKeyGrace,
			UsedOneTimePreKeyRetention: keys.DefaultUsedOneTimePreKeyRetention,
		},
		Publish:  keys.DefaultPublishConfig(),
		Rotation: keys.DefaultRotationConfig(),
		Session:  session.DefaultConfig(),
		Message:  message.DefaultConfig(),
	}
}

// DefaultHome returns $HOME/.e2ee.
func DefaultHome() (string, error) {
	dir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, DefaultHomeDir), nil
}

var errPassphraseMissing = errors.New("passphrase required (-p)")

// Validate reports the first setting that cannot work.
func (c Config) Validate() error {
	switch {
	case c.Home == "":
		return errors.New("config: home directory is empty")
	case c.Passphrase == "":
		return errPassphraseMissing
	case c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json":
		return fmt.Errorf("config: unknown log format %q", c.LogFormat)
	case c.Scrypt.N < 2 || c.Scrypt.N&(c.Scrypt.N-1) != 0:
		return fmt.Errorf("config: scrypt N must be a power of two > 1, got %d", c.Scrypt.N)
	case c.Publish.InitialOneTimePreKeys < 0 || c.Publish.ReplenishThreshold < 0:
		return errors.New("config: one-time pre-key counts must not be negative")
	case c.Publish.ReplenishBatch <= 0:
		return errors.New("config: replenish batch must be positive")
	case c.Rotation.SignedPreKeyInterval <= c.Keys.SignedPreKeyGrace:
		return fmt.Errorf("config: signed pre-key interval %s must exceed the grace period %s",
			c.Rotation.SignedPreKeyInterval, c.Keys.SignedPreKeyGrace)
	case c.Session.Ratchet.MaxSkip == 0 || c.Session.Ratchet.MaxSkippedKeys < int(c.Session.Ratchet.MaxSkip):
		return errors.New("config: skipped-key cache must hold at least one chain's worth of keys")
	case c.Message.Workers <= 0:
		return errors.New("config: fan-out needs at least one worker")
	}
	return nil
}

func (c Config) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return &http.Client{Timeout: DefaultHTTPTimeout}
}
