// Package memzero clears sensitive buffers.
package memzero

import "runtime"

// Zero overwrites b with zeros. The KeepAlive stops the compiler from
// treating the writes as dead when b is not read again.
func Zero(b []byte) {
	clear(b)
	runtime.KeepAlive(b)
}

// ZeroAll overwrites every buffer in bufs.
func ZeroAll(bufs ...[]byte) {
	for _, b := range bufs {
		Zero(b)
	}
}
