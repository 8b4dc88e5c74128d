package of

import (
	"fmt"
	"strings"
)

// Instance is one open binding of an ihandle to a device-tree node,
// optionally carrying an I/O backend and a cursor for seekable backends.
type Instance struct {
	// Path is the path the instance was opened with, parameters included.
	Path string
	// Params is the trailing ":arguments" component of the open path.
	Params  string
	Phandle uint32

	Stream CharStream
	Block  BlockDevice
	// pos is the byte cursor of a block-bound instance.
	pos uint64
}

// InstanceTable maps ihandles to live instances. Handles are issued from a
// monotonically increasing counter and never recycled: exhaustion is a hard
// failure, reuse would reintroduce use-after-close ambiguity.
type InstanceTable struct {
	instances map[uint32]*Instance
	last      uint32
}

// NewInstanceTable creates an empty table. The first issued handle is 1;
// zero stays reserved as the invalid ihandle.
func NewInstanceTable() *InstanceTable {
	return &InstanceTable{instances: make(map[uint32]*Instance)}
}

// Add registers an instance and returns its new handle. A failed open must
// not call Add: the counter only advances for issued handles.
func (t *InstanceTable) Add(inst *Instance) (uint32, error) {
	if t.last == 0xFFFFFFFF {
		return 0, fmt.Errorf("%w: counter saturated", ErrExhausted)
	}
	t.last++
	t.instances[t.last] = inst
	return t.last, nil
}

// Get returns the instance bound to the handle.
func (t *InstanceTable) Get(ihandle uint32) (*Instance, bool) {
	inst, ok := t.instances[ihandle]
	return inst, ok
}

// Remove drops the binding immediately. The backing device is unaffected
// beyond losing the reference.
func (t *InstanceTable) Remove(ihandle uint32) error {
	if _, ok := t.instances[ihandle]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownHandle, ihandle)
	}
	delete(t.instances, ihandle)
	return nil
}

// Len returns the number of live instances.
func (t *InstanceTable) Len() int { return len(t.instances) }

// Last returns the most recently issued handle.
func (t *InstanceTable) Last() uint32 { return t.last }

// splitDevicePath splits a full open path into the node path, an optional
// @unit suffix of the last component and optional :arguments.
//
// "/vdevice/vty@71000001:9600" -> ("/vdevice/vty", "71000001", "9600")
func splitDevicePath(fullpath string) (node, unit, params string) {
	if fullpath == "" {
		return "", "", ""
	}

	// Unit and params only apply to the last path component.
	last := strings.LastIndexByte(fullpath, '/') + 1

	var punit, pparams = -1, -1
	for i := len(fullpath) - 1; i >= last && i > 0; i-- {
		switch fullpath[i] {
		case ':':
			pparams = i
		case '@':
			punit = i
		}
	}

	// A ':' before the '@' belongs to the unit address, not to parameters.
	if pparams >= 0 && punit >= 0 && pparams < punit {
		pparams = -1
	}

	switch {
	case punit >= 0 && pparams >= 0:
		return fullpath[:punit], fullpath[punit+1 : pparams], fullpath[pparams+1:]
	case pparams >= 0:
		return fullpath[:pparams], "", fullpath[pparams+1:]
	case punit >= 0:
		return fullpath[:punit], fullpath[punit+1:], ""
	default:
		return fullpath, "", ""
	}
}

// joinUnit re-appends a unit address to a node path.
func joinUnit(node, unit string) string {
	if unit == "" {
		return node
	}
	var sb strings.Builder
	sb.WriteString(node)
	sb.WriteByte('@')
	sb.WriteString(unit)
	return sb.String()
}
