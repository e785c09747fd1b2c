// Package crypto exposes the primitives used by the protocol packages.
//
// Contents
//
//   - X25519 key generation, clamping and Diffie–Hellman (GenerateX25519,
//     PublicX25519, DH)
//   - Ed25519 key generation, signing and verification, including the
//     signed pre-key helpers (SignPreKey, VerifyPreKey)
//   - HKDF-SHA256 expansion and Argon2id passphrase stretching (HKDF,
//     DeriveKEK)
//   - Best-effort memory wiping for sensitive byte slices (Wipe)
//   - Short public-key fingerprints for display/logging (Fingerprint)
//
// # Notes
//
// All functions return fixed-size array types defined in internal/domain to
// avoid accidental reallocations. Callers should treat returned secrets as
// sensitive and rely on Wipe when practical to reduce lifetime in memory.
package crypto
