// Package store provides persistence for device keys and session state.
//
// It contains concrete implementations of the domain storage interfaces:
//   - KeyFileStore: the device's key material as one JSON record, sealed with
//     XChaCha20-Poly1305 under a scrypt-stretched passphrase.
//   - ProfileFileStore: the local account profile as plain JSON.
//   - BoltSessionStore: ratchet states in a bbolt database, optionally sealed
//     with secretbox under a passphrase-protected master key.
//   - MemorySessionStore: the same contract in memory, for tests and
//     short-lived processes.
//
// Files are replaced atomically via a temp file and rename. Ratchet states
// are encoded as versioned CBOR (EncodeRatchetState). All stores are safe
// for concurrent use.
package store
