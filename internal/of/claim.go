package of

import (
	"fmt"
	"sort"
)

// ClaimedRange is one guest-claimed span of physical memory.
type ClaimedRange struct {
	Start uint64
	Size  uint64
}

// End returns the first address past the range.
func (r ClaimedRange) End() uint64 { return r.Start + r.Size }

// ClaimTable tracks the non-overlapping physical memory ranges claimed by
// the guest. It is a deliberately simple first-fit allocator: boot firmware
// makes a small number of claims and predictability beats packing.
type ClaimTable struct {
	claims []ClaimedRange

	// base is the rolling auto-placement cursor; it only moves forward.
	base uint64
	// top is the first address auto-placement may not reach.
	top uint64
}

// NewClaimTable creates an empty table allocating below top.
func NewClaimTable(top uint64) *ClaimTable {
	return &ClaimTable{top: top}
}

// Ranges returns a copy of the current claims in insertion order.
func (t *ClaimTable) Ranges() []ClaimedRange {
	out := make([]ClaimedRange, len(t.claims))
	copy(out, t.claims)
	return out
}

func (t *ClaimTable) available(start, size uint64) bool {
	for _, c := range t.claims {
		if c.Start < start+size && start < c.End() {
			return false
		}
	}
	return true
}

// Claim reserves size bytes. Per OF1275, exactly one of virt and align is
// expected non-zero: with align zero the range starts at virt and fails on
// any overlap; otherwise virt is ignored and an aligned address is chosen by
// probing forward from the rolling cursor in size-sized steps.
func (t *ClaimTable) Claim(virt, size, align uint64) (uint64, error) {
	if size == 0 {
		return 0, fmt.Errorf("%w: zero-size claim", ErrOverlap)
	}

	var addr uint64
	if align == 0 {
		if virt+size < virt {
			return 0, fmt.Errorf("%w: claim [0x%x, +0x%x) wraps", ErrOverlap, virt, size)
		}
		if !t.available(virt, size) {
			return 0, fmt.Errorf("%w: [0x%x, 0x%x)", ErrOverlap, virt, virt+size)
		}
		addr = virt
	} else {
		t.base = alignUp(t.base, align)
		for {
			if t.base >= t.top {
				return 0, fmt.Errorf("%w: cursor 0x%x reached top 0x%x", ErrOutOfMemory, t.base, t.top)
			}
			if t.available(t.base, size) {
				break
			}
			t.base += size
		}
		addr = t.base
	}

	if addr+size > t.base {
		t.base = addr + size
	}
	t.claims = append(t.claims, ClaimedRange{Start: addr, Size: size})

	return addr, nil
}

// Release removes the range with exactly matching start and size; releasing
// part of a claim is not supported and fails.
func (t *ClaimTable) Release(virt, size uint64) error {
	for i, c := range t.claims {
		if c.Start == virt && c.Size == size {
			t.claims = append(t.claims[:i], t.claims[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: no claim [0x%x, +0x%x)", ErrNotFound, virt, size)
}

// Available recomputes the unclaimed gaps up to memTop, the view exported
// through the device tree as the "available" property of the memory node.
// The firmware's own claim occupies address zero, so there is never a gap
// before the first claim; any other state is a corrupted table.
func (t *ClaimTable) Available(memTop uint64) ([]ClaimedRange, error) {
	if len(t.claims) == 0 || t.lowestStart() != 0 {
		return nil, fmt.Errorf("of: claim table lost the firmware claim at address 0")
	}

	sorted := t.Ranges()
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	var avail []ClaimedRange
	for i, c := range sorted {
		start := c.End()
		if start >= memTop {
			continue
		}
		end := memTop
		if i < len(sorted)-1 && sorted[i+1].Start < end {
			end = sorted[i+1].Start
		}
		size := end - start
		if size > 0 {
			avail = append(avail, ClaimedRange{Start: start, Size: size})
		}
	}
	return avail, nil
}

func (t *ClaimTable) lowestStart() uint64 {
	low := t.claims[0].Start
	for _, c := range t.claims[1:] {
		if c.Start < low {
			low = c.Start
		}
	}
	return low
}

func alignUp(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	mask := align - 1
	return (value + mask) &^ mask
}
