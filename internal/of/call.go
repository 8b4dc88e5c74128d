package of

import (
	"encoding/binary"
	"fmt"
)

// PromError is the sentinel failure cell returned to the client.
const PromError = uint32(0xFFFFFFFF)

// MaxArgs is the size of the client argument vector; nargs plus nret cells
// must fit in it.
const MaxArgs = 10

// serviceSpec pins the expected arity of a known service. Zero means the
// count is not checked; nret includes the primary return cell.
type serviceSpec struct {
	nargs, nret uint32
	fn          func(c *Context, args, rets []uint32) (uint32, error)
}

var services = map[string]serviceSpec{
	"finddevice":          {1, 1, (*Context).callFindDevice},
	"getprop":             {4, 1, (*Context).callGetProp},
	"getproplen":          {2, 1, (*Context).callGetPropLen},
	"setprop":             {4, 1, (*Context).callSetProp},
	"nextprop":            {3, 1, (*Context).callNextProp},
	"peer":                {1, 1, (*Context).callPeer},
	"child":               {1, 1, (*Context).callChild},
	"parent":              {1, 1, (*Context).callParent},
	"open":                {1, 1, (*Context).callOpen},
	"close":               {1, 0, (*Context).callClose},
	"instance-to-package": {1, 1, (*Context).callInstanceToPackage},
	"package-to-path":     {3, 1, (*Context).callPackageToPath},
	"instance-to-path":    {3, 1, (*Context).callInstanceToPath},
	"write":               {3, 1, (*Context).callWrite},
	"read":                {3, 1, (*Context).callRead},
	"seek":                {3, 1, (*Context).callSeek},
	"claim":               {3, 1, (*Context).callClaim},
	"release":             {2, 0, (*Context).callRelease},
	"call-method":         {0, 0, (*Context).callMethod},
	"interpret":           {0, 0, (*Context).callInterpret},
	"milliseconds":        {0, 1, (*Context).callMilliseconds},
	"quiesce":             {0, 0, (*Context).callQuiesce},
	"exit":                {0, 0, (*Context).callExit},
}

// Call dispatches one client-interface service call. args holds the full
// argument vector (handlers for arity-unchecked services index past nargs),
// rets receives the return cells beyond the primary one. The primary return
// cell is the first result; a non-nil error is fatal to the session.
func (c *Context) Call(service string, nargs, nret uint32, args, rets []uint32) (uint32, error) {
	// Calls after quiesce are serviced, but further mutation of firmware
	// state at that point is suspicious.
	if c.quiesced {
		c.log.Warn("client interface called after quiesce", "service", service)
	}

	spec, ok := services[service]
	if !ok {
		c.log.Debug("unknown service", "service", service, "nargs", nargs, "nret", nret)
		return PromError, nil
	}
	if (spec.nargs != 0 && nargs != spec.nargs) || (spec.nret != 0 && nret != spec.nret) {
		c.log.Debug("service arity mismatch", "service", service,
			"nargs", nargs, "nret", nret, "want_nargs", spec.nargs, "want_nret", spec.nret)
		return PromError, nil
	}

	return spec.fn(c, args, rets)
}

func (c *Context) callFindDevice(args, rets []uint32) (uint32, error) {
	fullpath, err := c.mem.ReadCString(uint64(args[0]), maxPathLen)
	if err != nil {
		return PromError, nil
	}
	n := c.findNode(fullpath)
	if n == nil {
		c.log.Debug("finddevice", "path", fullpath, "phandle", "not found")
		return PromError, nil
	}
	c.log.Debug("finddevice", "path", fullpath, "phandle", n.Phandle())
	return n.Phandle(), nil
}

// propValue resolves a property the way clients see it: the synthetic
// "name" property is derived from the node name with any @unit suffix
// stripped and a terminator appended.
func (c *Context) propValue(phandle uint32, name string) ([]byte, bool) {
	n := c.tree.ByPhandle(phandle)
	if n == nil {
		return nil, false
	}
	if name == "name" {
		return append([]byte(n.BaseName()), 0), true
	}
	return n.Property(name)
}

func (c *Context) callGetProp(args, rets []uint32) (uint32, error) {
	name, err := c.mem.ReadCString(uint64(args[1]), MaxPropertyNameLen+1)
	if err != nil {
		return PromError, nil
	}
	val, ok := c.propValue(args[0], name)
	if !ok {
		c.log.Debug("getprop", "phandle", args[0], "name", name, "len", -1)
		return PromError, nil
	}

	// The client may get a truncated copy, but per OF1275 the returned
	// size is the true property size.
	cb := min(len(val), int(args[3]))
	if err := c.mem.WriteBytes(uint64(args[2]), val[:cb]); err != nil {
		return PromError, nil
	}
	c.log.Debug("getprop", "phandle", args[0], "name", name, "len", len(val), "copied", cb)
	return uint32(len(val)), nil
}

func (c *Context) callGetPropLen(args, rets []uint32) (uint32, error) {
	name, err := c.mem.ReadCString(uint64(args[1]), MaxPropertyNameLen+1)
	if err != nil {
		return PromError, nil
	}
	val, ok := c.propValue(args[0], name)
	if !ok {
		c.log.Debug("getproplen", "phandle", args[0], "name", name, "len", -1)
		return PromError, nil
	}
	c.log.Debug("getproplen", "phandle", args[0], "name", name, "len", len(val))
	return uint32(len(val)), nil
}

func (c *Context) callSetProp(args, rets []uint32) (uint32, error) {
	vallen := args[3]
	if vallen > maxPropLen {
		return PromError, nil
	}
	name, err := c.mem.ReadCString(uint64(args[1]), MaxPropertyNameLen+1)
	if err != nil {
		return PromError, nil
	}
	n := c.tree.ByPhandle(args[0])
	if n == nil {
		return PromError, nil
	}
	path := n.Path()

	value, err := c.mem.ReadBytes(uint64(args[2]), int(vallen))
	if err != nil {
		return PromError, nil
	}

	// The boot-argument string is re-measured from guest memory so the
	// stored property is exactly one terminated string.
	if path == "/chosen" && name == "bootargs" {
		s, err := c.mem.ReadCString(uint64(args[2]), 1024)
		if err != nil {
			return PromError, nil
		}
		value = append([]byte(s), 0)
	}

	if !c.setPropAllowed(path, name, value) {
		c.log.Debug("setprop rejected", "path", path, "name", name, "len", vallen)
		return PromError, nil
	}

	c.trackSetProp(path, name, value)
	c.tree.SetProperty(n, name, value)
	c.log.Debug("setprop", "path", path, "name", name, "len", len(value))
	return uint32(len(value)), nil
}

func (c *Context) callNextProp(args, rets []uint32) (uint32, error) {
	prev, err := c.mem.ReadCString(uint64(args[1]), MaxPropertyNameLen+1)
	if err != nil {
		return PromError, nil
	}
	n := c.tree.ByPhandle(args[0])
	if n == nil {
		return 0, nil
	}
	name, ok := n.NextPropertyName(prev)
	if !ok {
		return 0, nil
	}
	if err := c.mem.WriteBytes(uint64(args[2]), append([]byte(name), 0)); err != nil {
		return PromError, nil
	}
	return 1, nil
}

func (c *Context) callPeer(args, rets []uint32) (uint32, error) {
	if args[0] == 0 {
		return c.tree.Root().Phandle(), nil
	}
	n := c.tree.ByPhandle(args[0])
	if n == nil {
		return 0, nil
	}
	if sib := n.NextSibling(); sib != nil {
		return sib.Phandle(), nil
	}
	return 0, nil
}

func (c *Context) callChild(args, rets []uint32) (uint32, error) {
	n := c.tree.ByPhandle(args[0])
	if n == nil {
		return 0, nil
	}
	if child := n.FirstChild(); child != nil {
		return child.Phandle(), nil
	}
	return 0, nil
}

func (c *Context) callParent(args, rets []uint32) (uint32, error) {
	n := c.tree.ByPhandle(args[0])
	if n == nil {
		return 0, nil
	}
	if p := n.Parent(); p != nil {
		return p.Phandle(), nil
	}
	return 0, nil
}

// doOpen binds a new instance to the node at path. It returns ihandle 0 on
// failure; valid handles start at 1.
func (c *Context) doOpen(fullpath string) uint32 {
	n := c.findNode(fullpath)
	if n == nil {
		c.log.Debug("open: unknown path", "path", fullpath)
		return 0
	}
	if n.Phandle() == 0 {
		c.log.Error("open: node has no phandle, tree not finalized", "path", fullpath)
		return 0
	}

	_, _, params := splitDevicePath(fullpath)
	inst := &Instance{
		Path:    fullpath,
		Params:  params,
		Phandle: n.Phandle(),
	}
	if c.resolver != nil {
		if backend, ok := c.resolver.ResolveBackend(n.Path()); ok {
			inst.Stream = backend.Stream
			inst.Block = backend.Block
		}
	}

	ihandle, err := c.instances.Add(inst)
	if err != nil {
		c.log.Debug("open", "path", fullpath, "err", err)
		return 0
	}
	c.log.Debug("open", "path", fullpath, "phandle", inst.Phandle, "ihandle", ihandle)
	return ihandle
}

func (c *Context) callOpen(args, rets []uint32) (uint32, error) {
	fullpath, err := c.mem.ReadCString(uint64(args[0]), maxPathLen)
	if err != nil {
		return PromError, nil
	}
	return c.doOpen(fullpath), nil
}

func (c *Context) callClose(args, rets []uint32) (uint32, error) {
	if err := c.instances.Remove(args[0]); err != nil {
		c.log.Debug("close", "ihandle", args[0], "err", err)
		return PromError, nil
	}
	return 0, nil
}

func (c *Context) callInstanceToPackage(args, rets []uint32) (uint32, error) {
	inst, ok := c.instances.Get(args[0])
	if !ok {
		return PromError, nil
	}
	return inst.Phandle, nil
}

// pathToClient copies a NUL-terminated node path into the client buffer,
// truncating the copy to the buffer length but returning the true length.
func (c *Context) pathToClient(path string, buf uint64, buflen uint32) uint32 {
	val := append([]byte(path), 0)
	cb := min(len(val), int(buflen))
	if err := c.mem.WriteBytes(buf, val[:cb]); err != nil {
		return PromError
	}
	return uint32(len(val))
}

func (c *Context) callPackageToPath(args, rets []uint32) (uint32, error) {
	n := c.tree.ByPhandle(args[0])
	if n == nil {
		return PromError, nil
	}
	return c.pathToClient(n.Path(), uint64(args[1]), args[2]), nil
}

func (c *Context) callInstanceToPath(args, rets []uint32) (uint32, error) {
	inst, ok := c.instances.Get(args[0])
	if !ok {
		return PromError, nil
	}
	n := c.tree.ByPhandle(inst.Phandle)
	if n == nil {
		return PromError, nil
	}
	return c.pathToClient(n.Path(), uint64(args[1]), args[2]), nil
}

func (c *Context) callWrite(args, rets []uint32) (uint32, error) {
	inst, ok := c.instances.Get(args[0])
	if !ok {
		c.log.Debug("write: unknown ihandle", "ihandle", args[0])
		return PromError, nil
	}
	// Boot firmware must never write to its boot media through this path.
	if inst.Block != nil {
		c.log.Debug("write: rejected on block device", "ihandle", args[0])
		return PromError, nil
	}

	addr, remaining := uint64(args[1]), int(args[2])
	var chunk [ioChunkLen]byte
	for remaining > 0 {
		cb := min(remaining, len(chunk))
		if err := c.mem.ReadInto(addr, chunk[:cb]); err != nil {
			return PromError, nil
		}
		if inst.Stream != nil {
			if _, err := inst.Stream.Write(chunk[:cb]); err != nil {
				return PromError, nil
			}
		}
		addr += uint64(cb)
		remaining -= cb
	}
	return args[2], nil
}

func (c *Context) callRead(args, rets []uint32) (uint32, error) {
	inst, ok := c.instances.Get(args[0])
	if !ok {
		return PromError, nil
	}

	addr, want := uint64(args[1]), int(args[2])
	var chunk [ioChunkLen]byte
	done := 0

	switch {
	case inst.Stream != nil:
		for done < want {
			cb := min(want-done, len(chunk))
			n, err := inst.Stream.Read(chunk[:cb])
			if err != nil || n == 0 {
				break
			}
			if err := c.mem.WriteBytes(addr, chunk[:n]); err != nil {
				return PromError, nil
			}
			addr += uint64(n)
			done += n
		}

	case inst.Block != nil:
		size := uint64(inst.Block.Size())
		if inst.pos >= size {
			return 0, nil
		}
		if rem := size - inst.pos; uint64(want) > rem {
			want = int(rem)
		}
		for done < want {
			cb := min(want-done, len(chunk))
			n, err := inst.Block.ReadAt(chunk[:cb], int64(inst.pos))
			if n == 0 {
				if err != nil {
					return PromError, nil
				}
				break
			}
			if err := c.mem.WriteBytes(addr, chunk[:n]); err != nil {
				return PromError, nil
			}
			inst.pos += uint64(n)
			addr += uint64(n)
			done += n
		}
	}

	return uint32(done), nil
}

func (c *Context) callSeek(args, rets []uint32) (uint32, error) {
	inst, ok := c.instances.Get(args[0])
	if !ok || inst.Block == nil {
		// Only block-bound instances are seekable.
		return PromError, nil
	}
	inst.pos = uint64(args[1])<<32 | uint64(args[2])
	return 0, nil
}

func (c *Context) callClaim(args, rets []uint32) (uint32, error) {
	addr, err := c.claims.Claim(uint64(args[0]), uint64(args[1]), uint64(args[2]))
	if err != nil {
		c.log.Debug("claim", "virt", args[0], "size", args[1], "align", args[2], "err", err)
		return PromError, nil
	}
	c.log.Debug("claim", "virt", args[0], "size", args[1], "align", args[2], "addr", addr)
	if err := c.UpdateMemoryAvailable(); err != nil {
		return 0, fmt.Errorf("of: claim bookkeeping: %w", err)
	}
	return uint32(addr), nil
}

func (c *Context) callRelease(args, rets []uint32) (uint32, error) {
	if err := c.claims.Release(uint64(args[0]), uint64(args[1])); err != nil {
		c.log.Debug("release", "virt", args[0], "size", args[1], "err", err)
		return PromError, nil
	}
	c.log.Debug("release", "virt", args[0], "size", args[1])
	if err := c.UpdateMemoryAvailable(); err != nil {
		return 0, fmt.Errorf("of: release bookkeeping: %w", err)
	}
	return 0, nil
}

func (c *Context) callMethod(args, rets []uint32) (uint32, error) {
	ihandle := args[1]
	if ihandle == 0 {
		return PromError, nil
	}
	inst, ok := c.instances.Get(ihandle)
	if !ok {
		return PromError, nil
	}
	method, err := c.mem.ReadCString(uint64(args[0]), maxMethodLen)
	if err != nil {
		return PromError, nil
	}

	node, _, _ := splitDevicePath(inst.Path)
	switch node {
	case "/":
		if method == "ibm,client-architecture-support" {
			ret := PromError
			if c.hooks.ClientArchitectureSupport != nil {
				ret = c.hooks.ClientArchitectureSupport(args[2])
			}
			if len(rets) > 0 {
				rets[0] = 0
			}
			c.log.Debug("call-method", "ihandle", ihandle, "method", method, "ret", ret)
			return ret, nil
		}
	case "/rtas":
		if method == "instantiate-rtas" {
			// The firmware shim instantiates RTAS itself before this
			// path is reachable; getting here means the boot sequence
			// is broken and the session cannot continue.
			return PromError, fmt.Errorf("%w: the firmware should have instantiated RTAS",
				ErrFirmwareSequence)
		}
	}

	c.log.Debug("call-method: unknown method", "ihandle", ihandle, "path", inst.Path, "method", method)
	return PromError, nil
}

func (c *Context) callInterpret(args, rets []uint32) (uint32, error) {
	// Deliberately not a Forth interpreter.
	code, _ := c.mem.ReadCString(uint64(args[0]), maxForthLen)
	c.log.Debug("interpret refused", "code", code)
	return PromError, nil
}

func (c *Context) callMilliseconds(args, rets []uint32) (uint32, error) {
	return c.milliseconds(), nil
}

func (c *Context) callQuiesce(args, rets []uint32) (uint32, error) {
	// After quiesce no change is expected to the tree; pack it now so the
	// blob handed over to the kernel is final.
	c.packed = c.tree.Pack()
	c.log.Debug("device tree packed", "bytes", len(c.packed))

	if c.hooks.Quiesce != nil {
		c.hooks.Quiesce()
	}

	for _, r := range c.claims.Ranges() {
		c.log.Debug("claimed at quiesce", "start", r.Start, "end", r.End(), "size", r.Size)
	}
	c.quiesced = true
	return 0, nil
}

func (c *Context) callExit(args, rets []uint32) (uint32, error) {
	c.log.Info("guest requested exit through the client interface")
	if c.hooks.Exit != nil {
		c.hooks.Exit()
	}
	return 0, nil
}

// UpdateMemoryAvailable rewrites the "available" property of the memory
// node from the current claim table, the view the guest reads back after
// claim and release calls.
func (c *Context) UpdateMemoryAvailable() error {
	n := c.tree.FindDevice("/memory@0")
	if n == nil {
		return fmt.Errorf("%w: /memory@0", ErrNotFound)
	}
	reg, ok := n.Property("reg")
	if !ok || len(reg) != 16 {
		// Nothing to recompute against.
		return nil
	}
	memTop := binary.BigEndian.Uint64(reg[8:])

	avail, err := c.claims.Available(memTop)
	if err != nil {
		return err
	}

	val := make([]byte, 0, len(avail)*16)
	for _, r := range avail {
		val = binary.BigEndian.AppendUint64(val, r.Start)
		val = binary.BigEndian.AppendUint64(val, r.Size)
	}
	c.tree.SetProperty(n, "available", val)
	return nil
}
