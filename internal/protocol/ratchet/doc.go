// Package ratchet implements the Double Ratchet algorithm following Signal's design.
//
// The algorithm maintains a root key and two message chains (send and receive).
// Each message advances a KDF chain so that keys are forward secure. When a party
// changes its DH ratchet public key, both sides derive new chain keys from a new
// root derived via DH.
//
// Encrypt and Decrypt never modify the state they are given. They return a
// new state which the caller commits after persisting it, so a failed
// message or a failed save leaves the session exactly as it was.
//
// Out-of-order delivery is handled with a cache of skipped message keys,
// bounded per chain (Config.MaxSkip), in total (Config.MaxSkippedKeys, oldest
// evicted first) and by age (Config.MaxSkippedAge).
//
// Concurrency: RatchetState is NOT safe for concurrent use. Callers must
// serialise access per session.
package ratchet
