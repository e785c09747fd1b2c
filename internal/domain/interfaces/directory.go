package interfaces

import (
	"context"

	domaintypes "e2ee/internal/domain/types"
)

// KeyDirectory is the server-side registry of published device keys.
//
// FetchKeyBundle hands each one-time pre-key to at most one caller.
type KeyDirectory interface {
	PublishKeyBundle(ctx context.Context, device domaintypes.Address, keys domaintypes.PublishedKeys) error
	FetchKeyBundle(
		ctx context.Context,
		user domaintypes.UserID,
		device domaintypes.DeviceID,
	) (domaintypes.KeyBundle, error)
	ReplenishOneTimePreKeys(
		ctx context.Context,
		device domaintypes.Address,
		keys []domaintypes.OneTimePreKeyPublic,
	) error
	RotateSignedPreKey(
		ctx context.Context,
		device domaintypes.Address,
		spk domaintypes.SignedPreKeyPublic,
	) error
	ListDevices(ctx context.Context, user domaintypes.UserID) ([]domaintypes.DeviceID, error)
	OneTimePreKeyCount(ctx context.Context, device domaintypes.Address) (int, error)
}
