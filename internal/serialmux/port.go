package serialmux

import "io"

// SerialPorter is the minimal surface of a serial port. It lets the mux run
// against replayed or in-memory ports in tests and dev mode.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}
