// Package keys manages a device's long-term, signed and one-time pre-keys.
//
// Service is the only holder of private key material. Generation methods
// return public halves; protocol code borrows private halves through the
// With* callbacks, which wipe their copy afterwards. Publisher and Rotator
// keep the key directory supplied: initial publication, scheduled signed
// pre-key rotation with a grace period, and one-time pre-key replenishment.
package keys
