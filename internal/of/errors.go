// Package of implements an Open-Firmware-style client interface for a
// hosted guest: device-tree queries, memory claims and instance I/O served
// by the virtualization host so the guest only needs a minimal firmware
// shim.
package of

import "errors"

var (
	// ErrOverlap signals a claim that intersects an existing claimed range.
	ErrOverlap = errors.New("of: claim overlaps an existing range")
	// ErrOutOfMemory signals auto-placement running past the top address.
	ErrOutOfMemory = errors.New("of: out of client memory")
	// ErrNotFound signals a lookup miss (node, property or claimed range).
	ErrNotFound = errors.New("of: not found")
	// ErrUnknownHandle signals an ihandle with no live binding.
	ErrUnknownHandle = errors.New("of: unknown instance handle")
	// ErrUnknownPath signals an open of a path absent from the device tree.
	ErrUnknownPath = errors.New("of: unknown device path")
	// ErrExhausted signals instance handle space saturation.
	ErrExhausted = errors.New("of: instance handles exhausted")

	// ErrFirmwareSequence signals a client call that only a full firmware
	// stack could satisfy; reaching it means the boot sequence is broken
	// and the session cannot continue.
	ErrFirmwareSequence = errors.New("of: firmware boot sequencing violation")
)
