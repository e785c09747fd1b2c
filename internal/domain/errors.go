package domain

import "errors"

// Key management.
var (
	ErrAlreadyInitialized = errors.New("identity already initialised")
	ErrNotInitialized     = errors.New("identity not initialised")
	ErrNotFound           = errors.New("not found")
	ErrAlreadyUsed        = errors.New("one-time pre-key already used")
)

// Session establishment.
var (
	ErrInvalidSignature  = errors.New("invalid signed pre-key signature")
	ErrPreKeyUnavailable = errors.New("pre-key unavailable")
	ErrNoSession         = errors.New("no session with peer")
)

// Message processing. None of these damage the session they occur in.
var (
	ErrDuplicateOrTooOld = errors.New("duplicate or too old message")
	ErrTooManySkipped    = errors.New("too many skipped messages")
	ErrDecryptionFailed  = errors.New("decryption failed")
	ErrMalformedMessage  = errors.New("malformed message")
)

// ErrStatePersistence means the new session state could not be saved. The
// in-memory state was rolled back; the operation did not take effect.
var ErrStatePersistence = errors.New("session state persistence failed")
