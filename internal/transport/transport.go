// Package transport provides byte streams for an XL-320 bus: a serial port
// and an in-memory simulation of a chain of servos.
package transport

import (
	"errors"
	"io"
)

// Port is a reconnectable byte stream carrying bus frames.
type Port interface {
	io.ReadWriteCloser
	// Name returns a human-readable description of the port.
	Name() string
	// Connect opens the underlying device. It may be called again after a
	// failure to reopen it.
	Connect() error
	// IsConnected reports whether the port is open.
	IsConnected() bool
}

// ErrNotConnected is returned by I/O on a port that is not open.
var ErrNotConnected = errors.New("transport: not connected")
