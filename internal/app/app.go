package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"e2ee/internal/domain"
	"e2ee/internal/services/keys"
)

// Init creates the local identity and profile for user. An empty device
// gets a generated id. With a directory configured the new keys are
// published straight away.
func (w *Wire) Init(ctx context.Context, user domain.UserID, device domain.DeviceID) (domain.Profile, domain.Fingerprint, error) {
	if user == "" {
		return domain.Profile{}, "", errors.New("user is required")
	}
	if err := keys.ValidatePassphrase(w.Config.Passphrase); err != nil {
		return domain.Profile{}, "", err
	}
	if _, ok, err := w.Profiles.LoadProfile(); err != nil {
		return domain.Profile{}, "", err
	} else if ok {
		return domain.Profile{}, "", fmt.Errorf("profile in %s: %w", w.Config.Home, domain.ErrAlreadyInitialized)
	}

	if _, err := w.Keys.GenerateIdentity(device); err != nil {
		return domain.Profile{}, "", err
	}
	dev, err := w.Keys.DeviceID()
	if err != nil {
		return domain.Profile{}, "", err
	}
	p := domain.Profile{
		User:         user,
		Device:       dev,
		DirectoryURL: w.Config.DirectoryURL,
		CreatedAt:    time.Now().UTC(),
	}
	if err := w.Profiles.SaveProfile(p); err != nil {
		return domain.Profile{}, "", err
	}
	fp, err := w.Keys.Fingerprint()
	if err != nil {
		return domain.Profile{}, "", err
	}

	if _, isOffline := w.Directory.(offline); !isOffline {
		if err := w.Publish(ctx); err != nil {
			return p, fp, err
		}
	}
	return p, fp, nil
}

// Publish uploads the local keys to the directory.
func (w *Wire) Publish(ctx context.Context) error {
	pub, err := w.Publisher()
	if err != nil {
		return err
	}
	return pub.Publish(ctx)
}
