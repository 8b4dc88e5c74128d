package of

import (
	"encoding/binary"
)

// Outer return codes of the client-interface hypercall itself, distinct
// from the per-service return cells.
const (
	HypercallSuccess   = uint64(0)
	HypercallParameter = ^uint64(0) - 3 // -4, malformed argument structure
)

// Client argument structure, big-endian in guest memory:
//
//	u32 service  -- guest address of the service name string
//	u32 nargs
//	u32 nret     -- includes the primary return cell
//	u32 args[10] -- arguments, then return cells at args[nargs...]
const (
	promArgsHeaderLen = 12
	promArgsLen       = promArgsHeaderLen + 4*MaxArgs
	maxServiceNameLen = 64
)

// HandleHypercall services one trap from the guest firmware shim: decode
// the argument structure at argsAddr, dispatch the call and write the
// return cells back in place. Malformed structures yield a parameter error
// with no side effects; a non-nil error is fatal to the session.
func (c *Context) HandleHypercall(argsAddr uint64) (uint64, error) {
	raw, err := c.mem.ReadBytes(argsAddr, promArgsLen)
	if err != nil {
		return HypercallParameter, nil
	}

	serviceAddr := binary.BigEndian.Uint32(raw[0:])
	nargs := binary.BigEndian.Uint32(raw[4:])
	nret := binary.BigEndian.Uint32(raw[8:])

	if nargs >= MaxArgs || nret > MaxArgs || nargs+nret > MaxArgs {
		return HypercallParameter, nil
	}

	service, err := c.mem.ReadCString(uint64(serviceAddr), maxServiceNameLen)
	if err != nil {
		return HypercallParameter, nil
	}

	var args, rets [MaxArgs]uint32
	for i := range args {
		args[i] = binary.BigEndian.Uint32(raw[promArgsHeaderLen+4*i:])
	}

	ret, err := c.Call(service, nargs, nret, args[:], rets[:])
	if err != nil {
		return HypercallParameter, err
	}
	if nret == 0 {
		return HypercallSuccess, nil
	}

	cells := make([]byte, 0, 4*nret)
	cells = binary.BigEndian.AppendUint32(cells, ret)
	for i := uint32(1); i < nret; i++ {
		cells = binary.BigEndian.AppendUint32(cells, rets[i-1])
	}
	if err := c.mem.WriteBytes(argsAddr+promArgsHeaderLen+4*uint64(nargs), cells); err != nil {
		return HypercallParameter, nil
	}

	return HypercallSuccess, nil
}
