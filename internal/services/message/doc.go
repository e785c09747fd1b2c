// Package message is the surface handed to the transport: it encrypts one
// plaintext for many recipient devices in parallel and opens incoming
// envelopes.
package message
