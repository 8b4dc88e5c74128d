// Package guestmem provides bounds-checked access to guest physical memory.
//
// Every transfer between the firmware services layer and the guest goes
// through an Accessor; nothing else in the module touches guest memory
// directly.
package guestmem

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrBadAddress signals a read or write outside guest memory bounds.
	ErrBadAddress = errors.New("guestmem: address out of range")
	// ErrNoTerminator signals a string read that ran out of room before a NUL.
	ErrNoTerminator = errors.New("guestmem: no string terminator found")
)

// Memory is the raw guest physical memory surface. Hypervisor guest-memory
// handles expose the same read/write contract, so a live VM can back an
// Accessor directly.
type Memory interface {
	io.ReaderAt
	io.WriterAt
}

// Accessor wraps a Memory with an explicit size bound.
type Accessor struct {
	mem  Memory
	size uint64
}

// New creates an accessor over size bytes of guest physical memory.
func New(mem Memory, size uint64) *Accessor {
	return &Accessor{mem: mem, size: size}
}

// Size returns the guest memory size in bytes.
func (a *Accessor) Size() uint64 { return a.size }

func (a *Accessor) check(addr uint64, n int) error {
	if n < 0 || addr >= a.size || uint64(n) > a.size-addr {
		return fmt.Errorf("%w: 0x%x+0x%x (memory size 0x%x)", ErrBadAddress, addr, n, a.size)
	}
	return nil
}

// ReadBytes reads n bytes of guest memory starting at addr.
func (a *Accessor) ReadBytes(addr uint64, n int) ([]byte, error) {
	if err := a.check(addr, n); err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := a.mem.ReadAt(buf, int64(addr)); err != nil {
		return nil, fmt.Errorf("%w: read 0x%x: %v", ErrBadAddress, addr, err)
	}
	return buf, nil
}

// ReadInto reads len(buf) bytes of guest memory starting at addr.
func (a *Accessor) ReadInto(addr uint64, buf []byte) error {
	if err := a.check(addr, len(buf)); err != nil {
		return err
	}
	if _, err := a.mem.ReadAt(buf, int64(addr)); err != nil {
		return fmt.Errorf("%w: read 0x%x: %v", ErrBadAddress, addr, err)
	}
	return nil
}

// WriteBytes writes buf into guest memory at addr.
func (a *Accessor) WriteBytes(addr uint64, buf []byte) error {
	if err := a.check(addr, len(buf)); err != nil {
		return err
	}
	if _, err := a.mem.WriteAt(buf, int64(addr)); err != nil {
		return fmt.Errorf("%w: write 0x%x: %v", ErrBadAddress, addr, err)
	}
	return nil
}

// ReadCString reads a NUL-terminated string of at most max bytes (terminator
// included). It never returns an unterminated buffer: a missing terminator
// within max bytes is ErrNoTerminator.
func (a *Accessor) ReadCString(addr uint64, max int) (string, error) {
	n := max
	if rem := a.size - min(addr, a.size); uint64(n) > rem {
		n = int(rem)
	}
	if n <= 0 {
		return "", fmt.Errorf("%w: 0x%x", ErrBadAddress, addr)
	}
	buf, err := a.ReadBytes(addr, n)
	if err != nil {
		return "", err
	}
	for i, b := range buf {
		if b == 0 {
			return string(buf[:i]), nil
		}
	}
	if n < max {
		// Memory ended before the limit did.
		return "", fmt.Errorf("%w: 0x%x+0x%x", ErrBadAddress, addr, max)
	}
	return "", fmt.Errorf("%w: at 0x%x within %d bytes", ErrNoTerminator, addr, max)
}

// ReadUint32 reads a big-endian 32-bit scalar, the OF1275 cell encoding.
func (a *Accessor) ReadUint32(addr uint64) (uint32, error) {
	buf, err := a.ReadBytes(addr, 4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf), nil
}

// ReadUint64 reads a big-endian 64-bit scalar.
func (a *Accessor) ReadUint64(addr uint64) (uint64, error) {
	buf, err := a.ReadBytes(addr, 8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(buf), nil
}

// WriteUint32 writes a big-endian 32-bit scalar.
func (a *Accessor) WriteUint32(addr uint64, v uint32) error {
	return a.WriteBytes(addr, binary.BigEndian.AppendUint32(nil, v))
}

// RAM is guest physical memory backed by a host slice.
type RAM []byte

// NewRAM allocates size bytes of zeroed guest memory.
func NewRAM(size uint64) RAM { return make(RAM, size) }

// ReadAt implements io.ReaderAt.
func (r RAM) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(r)) {
		return 0, io.EOF
	}
	n := copy(p, r[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements io.WriterAt.
func (r RAM) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(r)) {
		return 0, io.ErrShortWrite
	}
	n := copy(r[off:], p)
	if n < len(p) {
		return n, io.ErrShortWrite
	}
	return n, nil
}
