package app

import (
	"context"
	"errors"

	"e2ee/internal/domain"
)

// ErrNoDirectory is returned by operations that need the key directory when
// none is configured.
var ErrNoDirectory = errors.New("no key directory configured (use --directory)")

// offline stands in for the directory when no URL is configured, so that
// local operations keep working and remote ones fail clearly.
type offline struct{}

func (offline) PublishKeyBundle(context.Context, domain.Address, domain.PublishedKeys) error {
	return ErrNoDirectory
}

func (offline) FetchKeyBundle(context.Context, domain.UserID, domain.DeviceID) (domain.KeyBundle, error) {
	return domain.KeyBundle{}, ErrNoDirectory
}

func (offline) ReplenishOneTimePreKeys(context.Context, domain.Address, []domain.OneTimePreKeyPublic) error {
	return ErrNoDirectory
}

func (offline) RotateSignedPreKey(context.Context, domain.Address, domain.SignedPreKeyPublic) error {
	return ErrNoDirectory
}

func (offline) ListDevices(context.Context, domain.UserID) ([]domain.DeviceID, error) {
	return nil, ErrNoDirectory
}

func (offline) OneTimePreKeyCount(context.Context, domain.Address) (int, error) {
	return 0, ErrNoDirectory
}

var _ domain.KeyDirectory = offline{}
