// Package devices provides the host-side backends bound to client-interface
// instances: character streams for consoles and read-only block devices for
// boot media, plus the registry resolving device-tree paths to them.
package devices

import (
	"io"
	"sync"
)

// Vty is a character-stream backend bridging an instance to host I/O, the
// virtual terminal the guest firmware prints its boot messages to.
type Vty struct {
	mu  sync.Mutex
	in  io.Reader
	out io.Writer
}

// NewVty creates a terminal stream. Either side may be nil: a nil input
// reads as empty, a nil output discards writes.
func NewVty(in io.Reader, out io.Writer) *Vty {
	return &Vty{in: in, out: out}
}

// Read drains pending input. With no input attached it reports zero bytes,
// never an error: the client interface polls rather than blocks.
func (v *Vty) Read(p []byte) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.in == nil {
		return 0, nil
	}
	n, err := v.in.Read(p)
	if err == io.EOF {
		return n, nil
	}
	return n, err
}

// Write forwards guest output to the host side.
func (v *Vty) Write(p []byte) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.out == nil {
		return len(p), nil
	}
	return v.out.Write(p)
}
