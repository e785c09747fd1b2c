// Package logging holds the shared logrus logger.
//
// Log lines never carry key material; public keys appear as KeyID hashes.
package logging
