//go:build !linux

package guestmem

import "errors"

// MmapRAM is only available on Linux; other hosts fall back to slice-backed
// RAM.
type MmapRAM struct {
	RAM
}

func NewMmapRAM(size uint64) (*MmapRAM, error) {
	return nil, errors.New("guestmem: mapped guest memory requires linux")
}

func (m *MmapRAM) Close() error { return nil }
