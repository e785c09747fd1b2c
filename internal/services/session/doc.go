// Package session manages pairwise Double Ratchet sessions for the local
// device, running X3DH as initiator or responder when a session is missing
// or renegotiated, and persisting every state change before it takes effect.
package session
