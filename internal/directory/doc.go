// Package directory holds the public key directory: an in-memory store
// that hands out each one-time pre-key at most once, an HTTP server that
// exposes it through gin, and the matching HTTP client.
package directory
