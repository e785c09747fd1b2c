// Package wire encodes envelopes for the transport as versioned CBOR, with
// a base64url token form for text channels.
package wire
