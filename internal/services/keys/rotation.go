package keys

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"e2ee/internal/logging"
)

// Defaults for scheduled maintenance.
const (
	DefaultSignedPreKeyInterval = 30 * 24 * time.Hour
	DefaultCheckInterval        = time.Hour
	DefaultSessionIdleTTL       = 90 * 24 * time.Hour
)

// IdlePruner drops sessions that have been idle for longer than idle.
type IdlePruner interface {
	PruneIdle(ctx context.Context, idle time.Duration) (int, error)
}

// RotationConfig schedules maintenance.
type RotationConfig struct {
	SignedPreKeyInterval time.Duration
	CheckInterval        time.Duration
	SessionIdleTTL       time.Duration
}

// DefaultRotationConfig returns the default schedule.
func DefaultRotationConfig() RotationConfig {
	return RotationConfig{
		SignedPreKeyInterval: DefaultSignedPreKeyInterval,
		CheckInterval:        DefaultCheckInterval,
		SessionIdleTTL:       DefaultSessionIdleTTL,
	}
}

// Rotator runs periodic key maintenance: signed pre-key rotation, one-time
// pre-key replenishment, pruning of expired signed pre-keys and of used
// one-time pre-keys, and idle-session pruning when a pruner is set.
type Rotator struct {
	pub      *Publisher
	sessions IdlePruner
	cfg      RotationConfig
	log      *logrus.Entry
}

// NewRotator returns a Rotator. sessions may be nil.
func NewRotator(pub *Publisher, sessions IdlePruner, cfg RotationConfig) *Rotator {
	return &Rotator{pub: pub, sessions: sessions, cfg: cfg, log: logging.For("rotator")}
}

// Tick performs one maintenance pass.
func (r *Rotator) Tick(ctx context.Context) error {
	age, ok, err := r.pub.keys.SignedPreKeyAge()
	if err != nil {
		return err
	}
	if !ok || age >= r.cfg.SignedPreKeyInterval {
		if _, err := r.pub.Rotate(ctx); err != nil {
			return err
		}
	}
	if _, err := r.pub.Replenish(ctx); err != nil {
		return err
	}
	if _, err := r.pub.keys.PruneSignedPreKeys(); err != nil {
		return err
	}
	if _, err := r.pub.keys.PruneUsedOneTimePreKeys(); err != nil {
		return err
	}
	if r.sessions != nil && r.cfg.SessionIdleTTL > 0 {
		n, err := r.sessions.PruneIdle(ctx, r.cfg.SessionIdleTTL)
		if err != nil {
			return err
		}
		if n > 0 {
			r.log.WithField("sessions", n).Info("idle sessions pruned")
		}
	}
	return nil
}

// Run calls Tick immediately and then every CheckInterval until ctx ends.
// Tick failures are logged and retried on the next interval.
func (r *Rotator) Run(ctx context.Context) error {
	interval := r.cfg.CheckInterval
	if interval <= 0 {
		interval = DefaultCheckInterval
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		if err := r.Tick(ctx); err != nil && ctx.Err() == nil {
			r.log.WithError(err).Warn("maintenance pass failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}
