// Package x3dh implements the X3DH key-agreement used to bootstrap a Double Ratchet
// session between two devices.
//
// # Overview
//
// X3DH lets an initiator derive a shared 32-byte key with a responder who has
// published a key bundle. The bundle contains:
//   - Identity key (X25519) and signing key (Ed25519)
//   - Signed pre-key (X25519) and its Ed25519 signature
//   - At most one one-time pre-key (X25519), handed out once by the directory
//
// # Flows
//
// Initiator (Initiate):
//  1. Verify the signed pre-key signature.
//  2. Generate an ephemeral X25519 key pair.
//  3. Compute DH values (IKa·SPKb, EKa·IKb, EKa·SPKb[, EKa·OPKb]).
//  4. HKDF-SHA256 over 0xFF*32 || DH1 || DH2 || DH3 [|| DH4].
//  5. Return the key, AD = IKa || IKb, the pre-key ids used and the ephemeral public.
//
// Responder (Respond):
//  1. Receive the PreKeyMessage (initiator IK, EK, SPK id[, OPK id]).
//  2. Look up SPK and the OPK private halves.
//  3. Compute the symmetric DH set (SPKb·IKa, IKb·EKa, SPKb·EKa[, OPKb·EKa]).
//  4. HKDF the same transcript to the identical key.
//
// # Errors
//
// domain.ErrInvalidSignature is returned when the signed pre-key signature
// fails verification. domain.ErrPreKeyUnavailable is returned when a message
// names a one-time pre-key the responder cannot supply.
package x3dh
