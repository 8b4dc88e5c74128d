//go:build linux

package guestmem

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// MmapRAM is guest physical memory backed by an anonymous private mapping,
// the same backing a hardware-accelerated VM hands to the kernel.
type MmapRAM struct {
	RAM
}

// NewMmapRAM maps size bytes of anonymous zeroed guest memory.
func NewMmapRAM(size uint64) (*MmapRAM, error) {
	buf, err := unix.Mmap(-1, 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return nil, fmt.Errorf("guestmem: mmap %d bytes: %w", size, err)
	}
	return &MmapRAM{RAM: RAM(buf)}, nil
}

// Close unmaps the guest memory. The RAM slice must not be used afterwards.
func (m *MmapRAM) Close() error {
	if m.RAM == nil {
		return nil
	}
	err := unix.Munmap([]byte(m.RAM))
	m.RAM = nil
	return err
}
