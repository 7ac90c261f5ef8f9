// Package transport defines the byte-level link the rest of the stack is
// built on: something that can deliver and accept a stream of bytes, with no
// notion of frames, sequencing, or channels. Everything above this layer
// treats a Transport as an opaque serial wire.
package transport

import "errors"

// ErrUnknownTransport is returned by New when no transport has been
// registered under the requested name.
var ErrUnknownTransport = errors.New("psilink: unknown transport")

// Transport is the byte-level link a Stack drives on every poll tick. It
// does not block: RxByte/TxByte are called from inside the cooperative poll
// loop and must return immediately.
type Transport interface {
	// Open prepares the transport for use, e.g. opening a device file or
	// establishing a loopback connection.
	Open() error

	// Close releases any underlying resource.
	Close() error

	// RxByte returns the next received byte, if one is available.
	RxByte() (b byte, ok bool)

	// TxByte attempts to hand b to the transport for transmission. It
	// reports false if the transport's local output buffer is full and the
	// byte was not accepted; the caller must retry on a later tick.
	TxByte(b byte) bool

	// SetBaud changes the nominal line rate, where meaningful. Transports
	// that have no such notion (e.g. a loopback) may treat this as a no-op.
	SetBaud(baud int) error
}

// NewFunc constructs a Transport from a device name and baud rate. Device
// interpretation is transport-specific: a serial transport treats it as a
// path, a virtual transport as a loopback endpoint name.
type NewFunc func(device string, baud int) (Transport, error)

var registry = map[string]NewFunc{}

// Register adds a transport constructor under name, for later lookup by New.
// It is called from the init function of each transport implementation
// package, mirroring the Bus registry the multiplexor's transport layer was
// adapted from.
func Register(name string, fn NewFunc) {
	registry[name] = fn
}

// New looks up the constructor registered under name and invokes it.
func New(name, device string, baud int) (Transport, error) {
	fn, ok := registry[name]
	if !ok {
		return nil, ErrUnknownTransport
	}
	return fn(device, baud)
}
