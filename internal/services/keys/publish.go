package keys

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"e2ee/internal/domain"
	"e2ee/internal/logging"
)

// Defaults for the one-time pre-key pool kept on the directory.
const (
	DefaultInitialOneTimePreKeys = 100
	DefaultReplenishThreshold    = 20
	DefaultReplenishBatch        = 50
)

// PublishConfig sizes the one-time pre-key pool.
type PublishConfig struct {
	InitialOneTimePreKeys int
	ReplenishThreshold    int
	ReplenishBatch        int
}

// DefaultPublishConfig returns the default pool sizes.
func DefaultPublishConfig() PublishConfig {
	return PublishConfig{
		InitialOneTimePreKeys: DefaultInitialOneTimePreKeys,
		ReplenishThreshold:    DefaultReplenishThreshold,
		ReplenishBatch:        DefaultReplenishBatch,
	}
}

// Publisher keeps the directory in step with the local key material.
type Publisher struct {
	keys *Service
	dir  domain.KeyDirectory
	self domain.Address
	cfg  PublishConfig
	log  *logrus.Entry
}

// NewPublisher returns a Publisher for the device at self.
func NewPublisher(keys *Service, dir domain.KeyDirectory, self domain.Address, cfg PublishConfig) *Publisher {
	return &Publisher{
		keys: keys,
		dir:  dir,
		self: self,
		cfg:  cfg,
		log:  logging.For("publisher").WithField("device", self.String()),
	}
}

// Publish uploads identity, signed pre-key and one-time pre-keys, creating
// a signed pre-key and the initial one-time pool when missing.
func (p *Publisher) Publish(ctx context.Context) error {
	if _, ok, err := p.keys.SignedPreKeyAge(); err != nil {
		return err
	} else if !ok {
		if _, err := p.keys.GenerateSignedPreKey(); err != nil {
			return err
		}
	}
	unused, err := p.keys.UnusedOneTimePreKeys()
	if err != nil {
		return err
	}
	if missing := p.cfg.InitialOneTimePreKeys - len(unused); missing > 0 {
		if _, err := p.keys.GenerateOneTimePreKeys(missing); err != nil {
			return err
		}
	}

	pk, err := p.keys.PublishedKeys()
	if err != nil {
		return err
	}
	if err := p.dir.PublishKeyBundle(ctx, p.self, pk); err != nil {
		return fmt.Errorf("publish keys: %w", err)
	}
	p.log.WithFields(logrus.Fields{
		"spk_id":         pk.SignedPreKey.ID,
		"one_time_count": len(pk.OneTimePreKeys),
	}).Info("keys published")
	return nil
}

// Rotate creates a new signed pre-key and uploads it.
func (p *Publisher) Rotate(ctx context.Context) (domain.SignedPreKeyPublic, error) {
	spk, err := p.keys.GenerateSignedPreKey()
	if err != nil {
		return domain.SignedPreKeyPublic{}, err
	}
	if err := p.dir.RotateSignedPreKey(ctx, p.self, spk); err != nil {
		return domain.SignedPreKeyPublic{}, fmt.Errorf("rotate signed pre-key: %w", err)
	}
	p.log.WithField("spk_id", spk.ID).Info("signed pre-key rotated")
	return spk, nil
}

// Replenish tops up the directory's one-time pre-keys once they fall below
// the threshold. It returns how many keys were uploaded.
func (p *Publisher) Replenish(ctx context.Context) (int, error) {
	remaining, err := p.dir.OneTimePreKeyCount(ctx, p.self)
	if err != nil {
		return 0, fmt.Errorf("count one-time pre-keys: %w", err)
	}
	if remaining >= p.cfg.ReplenishThreshold {
		return 0, nil
	}
	fresh, err := p.keys.GenerateOneTimePreKeys(p.cfg.ReplenishBatch)
	if err != nil {
		return 0, err
	}
	if err := p.dir.ReplenishOneTimePreKeys(ctx, p.self, fresh); err != nil {
		return 0, fmt.Errorf("replenish one-time pre-keys: %w", err)
	}
	p.log.WithFields(logrus.Fields{
		"remaining": remaining,
		"uploaded":  len(fresh),
	}).Info("one-time pre-keys replenished")
	return len(fresh), nil
}
