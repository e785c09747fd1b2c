package message

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"e2ee/internal/domain"
	"e2ee/internal/logging"
)

// Defaults for the fan-out.
const (
	DefaultWorkers          = 8
	DefaultMaxPlaintextSize = 64 << 10
)

var (
	// ErrSelfRecipient is returned for the local device in a recipient list.
	ErrSelfRecipient = errors.New("cannot encrypt to the local device")
	// ErrMessageTooLarge is returned for plaintexts above MaxPlaintextSize.
	ErrMessageTooLarge = errors.New("message too large")
)

// DecryptError hides the reason a message could not be opened behind one
// user-facing text. errors.Is and errors.As still reach the cause.
type DecryptError struct {
	Sender domain.Address
	Err    error
}

func (e *DecryptError) Error() string { return "message could not be decrypted" }
func (e *DecryptError) Unwrap() error { return e.Err }

// Config tunes the fan-out.
type Config struct {
	Workers          int
	MaxPlaintextSize int
}

// DefaultConfig returns the default fan-out configuration.
func DefaultConfig() Config {
	return Config{Workers: DefaultWorkers, MaxPlaintextSize: DefaultMaxPlaintextSize}
}

// Service fans one plaintext out to many recipient devices and opens
// incoming envelopes.
type Service struct {
	sessions domain.SessionService
	dir      domain.KeyDirectory
	self     domain.Address
	cfg      Config
	log      *logrus.Entry
}

// New returns a message service for the local device self.
func New(sessions domain.SessionService, dir domain.KeyDirectory, self domain.Address, cfg Config) *Service {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.MaxPlaintextSize <= 0 {
		cfg.MaxPlaintextSize = DefaultMaxPlaintextSize
	}
	return &Service{
		sessions: sessions,
		dir:      dir,
		self:     self,
		cfg:      cfg,
		log:      logging.For("message").WithField("device", self.String()),
	}
}

// EncryptForRecipients encrypts plaintext separately for every recipient
// device. Duplicate recipients collapse into one result; results keep the
// order of first appearance. A failure for one device never affects another.
func (s *Service) EncryptForRecipients(
	ctx context.Context,
	plaintext []byte,
	recipients []domain.Address,
) []domain.RecipientResult {
	results := make([]domain.RecipientResult, 0, len(recipients))
	seen := make(map[domain.Address]struct{}, len(recipients))
	for _, r := range recipients {
		if _, dup := seen[r]; dup {
			continue
		}
		seen[r] = struct{}{}
		results = append(results, domain.RecipientResult{Recipient: r})
	}

	if len(plaintext) > s.cfg.MaxPlaintextSize {
		err := fmt.Errorf("%w: %d bytes, limit %d", ErrMessageTooLarge, len(plaintext), s.cfg.MaxPlaintextSize)
		for i := range results {
			results[i].Err = err
		}
		return results
	}

	sem := make(chan struct{}, s.cfg.Workers)
	var wg sync.WaitGroup
	for i := range results {
		r := &results[i]
		if r.Recipient == s.self {
			r.Err = ErrSelfRecipient
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				r.Err = ctx.Err()
				return
			}
			defer func() { <-sem }()

			env, err := s.sessions.Encrypt(ctx, r.Recipient, plaintext)
			if err != nil {
				r.Err = err
				return
			}
			r.Envelope = &env
		}()
	}
	wg.Wait()

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
			s.log.WithError(r.Err).WithField("recipient", r.Recipient.String()).Warn("encrypt for recipient failed")
		}
	}
	s.log.WithFields(logrus.Fields{
		"recipients": len(results),
		"failed":     failed,
		"bytes":      len(plaintext),
	}).Debug("fan-out complete")
	return results
}

// DecryptIncoming opens an envelope from the given sender device. Every
// failure is returned as a *DecryptError.
func (s *Service) DecryptIncoming(
	ctx context.Context,
	env domain.Envelope,
	senderUser domain.UserID,
	senderDevice domain.DeviceID,
) ([]byte, error) {
	sender := domain.Address{User: senderUser, Device: senderDevice}
	pt, err := s.sessions.Decrypt(ctx, sender, env)
	if err != nil {
		entry := s.log.WithError(err).WithField("sender", sender.String())
		if errors.Is(err, domain.ErrDecryptionFailed) {
			entry.Warn("message failed authentication")
		} else {
			entry.Info("message dropped")
		}
		return nil, &DecryptError{Sender: sender, Err: err}
	}
	return pt, nil
}

// ResolveRecipients expands users into their registered devices, leaving
// out the local device. An unknown user is an error.
func (s *Service) ResolveRecipients(ctx context.Context, users []domain.UserID) ([]domain.Address, error) {
	var out []domain.Address
	seen := make(map[domain.UserID]struct{}, len(users))
	for _, u := range users {
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		devices, err := s.dir.ListDevices(ctx, u)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", u, err)
		}
		for _, d := range devices {
			a := domain.Address{User: u, Device: d}
			if a == s.self {
				continue
			}
			out = append(out, a)
		}
	}
	return out, nil
}

var _ domain.MessageService = (*Service)(nil)
