package of

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"

	"github.com/tinyrange/vof/internal/fdt"
	"github.com/tinyrange/vof/internal/guestmem"
)

const (
	// MaxPropertyNameLen caps client-supplied property names. They
	// nominally stop at 32 bytes but LoPAPR defines longer ones.
	MaxPropertyNameLen = 64

	maxPropLen   = 2048
	maxPathLen   = 256
	maxMethodLen = 256
	maxForthLen  = 256
	// Transfer buffer for instance reads and writes.
	ioChunkLen = 256

	// Auto-placed claims stay below 4GiB so addresses fit client cells.
	maxTopAddr = 4 << 30
)

// Hooks are the external collaborators of a client-interface session,
// injected explicitly rather than discovered through a global machine
// object.
type Hooks struct {
	// ClientArchitectureSupport performs boot-time CPU/feature negotiation
	// for the "ibm,client-architecture-support" method on the root node.
	ClientArchitectureSupport func(vec uint32) uint32

	// Quiesce runs when the guest signals it is done calling back into
	// firmware.
	Quiesce func()

	// SetPropPolicy may veto a guest property write. Nil means the default
	// allow-list policy.
	SetPropPolicy func(nodePath, propName string, value []byte) bool

	// Exit stops the guest when it calls the "exit" service.
	Exit func()

	// Milliseconds reads the guest-visible clock. Nil means monotonic time
	// since the context was created.
	Milliseconds func() uint32
}

// Config assembles a client-interface session.
type Config struct {
	// Tree is the device-tree model served to the guest.
	Tree *fdt.Tree
	// Memory accesses guest physical memory.
	Memory *guestmem.Accessor
	// TopAddr bounds auto-placed claims, typically the RMA size. It is
	// capped at 4GiB to keep claimed addresses in 32 bits.
	TopAddr uint64
	// FirmwareSize is the footprint of the in-guest firmware shim, claimed
	// at address zero as soon as the session starts.
	FirmwareSize uint64
	// Resolver binds opened device paths to backends. Nil means no
	// instance ever gets a backend.
	Resolver BackendResolver
	Hooks    Hooks
	Logger   *slog.Logger
}

// Context is the per-guest-session client-interface state: the claim table,
// the instance table and the boot bookkeeping. It is owned by a single
// virtual CPU at a time (the host serializes firmware calls) and needs no
// internal locking.
type Context struct {
	tree *fdt.Tree
	mem  *guestmem.Accessor

	claims    *ClaimTable
	instances *InstanceTable

	topAddr      uint64
	firmwareSize uint64
	bootargs     string
	initrdBase   uint64
	initrdSize   uint64
	quiesced     bool
	packed       []byte

	resolver BackendResolver
	hooks    Hooks
	log      *slog.Logger
	start    time.Time
}

// NewContext initializes a session and immediately claims the firmware's
// own footprint at address zero.
func NewContext(cfg Config) (*Context, error) {
	if cfg.Tree == nil {
		return nil, fmt.Errorf("of: config needs a device tree")
	}
	if cfg.Memory == nil {
		return nil, fmt.Errorf("of: config needs a guest memory accessor")
	}
	if cfg.FirmwareSize == 0 {
		return nil, fmt.Errorf("of: config needs a firmware footprint size")
	}

	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	c := &Context{
		tree:         cfg.Tree,
		mem:          cfg.Memory,
		topAddr:      min(cfg.TopAddr, maxTopAddr),
		firmwareSize: cfg.FirmwareSize,
		resolver:     cfg.Resolver,
		hooks:        cfg.Hooks,
		log:          log,
	}
	if err := c.Reset(); err != nil {
		return nil, err
	}
	return c, nil
}

// Reset tears down all session state and starts over: empty instance table,
// a fresh claim table holding only the firmware self-claim, quiesced flag
// cleared.
func (c *Context) Reset() error {
	c.claims = NewClaimTable(c.topAddr)
	c.instances = NewInstanceTable()
	c.bootargs = ""
	c.initrdBase = 0
	c.initrdSize = 0
	c.quiesced = false
	c.packed = nil
	c.start = time.Now()

	if _, err := c.claims.Claim(0, c.firmwareSize, 0); err != nil {
		return fmt.Errorf("of: firmware self-claim: %w", err)
	}
	return nil
}

// Tree returns the device-tree model.
func (c *Context) Tree() *fdt.Tree { return c.tree }

// Claims returns the claim table.
func (c *Context) Claims() *ClaimTable { return c.claims }

// Instances returns the instance table.
func (c *Context) Instances() *InstanceTable { return c.instances }

// Bootargs returns the boot-argument string last written by the guest.
func (c *Context) Bootargs() string { return c.bootargs }

// Initrd returns the initrd extent tracked from guest property writes.
func (c *Context) Initrd() (base, size uint64) { return c.initrdBase, c.initrdSize }

// Quiesced reports whether the guest has signalled the end of device-tree
// mutation.
func (c *Context) Quiesced() bool { return c.quiesced }

// PackedTree returns the device-tree blob packed at quiesce, nil before the
// guest quiesces. The blob is the exact image handed over to the kernel.
func (c *Context) PackedTree() []byte { return c.packed }

// PackedSize returns the size of the device-tree blob packed at quiesce,
// zero before the guest quiesces.
func (c *Context) PackedSize() int { return len(c.packed) }

// Claim reserves guest memory on behalf of the host itself (stack, kernel,
// initrd extents claimed before the guest starts calling).
func (c *Context) Claim(virt, size, align uint64) (uint64, error) {
	return c.claims.Claim(virt, size, align)
}

func (c *Context) milliseconds() uint32 {
	if c.hooks.Milliseconds != nil {
		return c.hooks.Milliseconds()
	}
	return uint32(time.Since(c.start).Milliseconds())
}

// findNode resolves a full device path (unit address and :arguments
// allowed) against the tree: exact node path first, then with the unit
// address re-appended. Both lookup strategies are kept deliberately.
func (c *Context) findNode(fullpath string) *fdt.DeviceNode {
	node, unit, _ := splitDevicePath(fullpath)
	if n := c.tree.FindDevice(node); n != nil {
		return n
	}
	if unit != "" {
		return c.tree.FindDevice(joinUnit(node, unit))
	}
	return nil
}

// DefaultSetPropPolicy is the allow-list applied to guest property writes
// when no policy hook is injected: only the RTAS linkage addresses and the
// boot/initrd parameters under /chosen may change. Everything else is a
// guest trying to mutate firmware state it does not own.
func DefaultSetPropPolicy(nodePath, propName string, value []byte) bool {
	switch nodePath {
	case "/rtas":
		return propName == "linux,rtas-base" || propName == "linux,rtas-entry"
	case "/chosen":
		switch propName {
		case "bootargs":
			return true
		case "linux,initrd-start", "linux,initrd-end":
			return len(value) == 4 || len(value) == 8
		}
	}
	return false
}

func (c *Context) setPropAllowed(nodePath, propName string, value []byte) bool {
	if c.hooks.SetPropPolicy != nil {
		return c.hooks.SetPropPolicy(nodePath, propName, value)
	}
	return DefaultSetPropPolicy(nodePath, propName, value)
}

// trackSetProp records the side effects of allowed property writes: the
// boot-argument string and the initrd extent.
func (c *Context) trackSetProp(nodePath, propName string, value []byte) {
	if nodePath != "/chosen" {
		return
	}
	switch propName {
	case "bootargs":
		s := value
		if len(s) > 0 && s[len(s)-1] == 0 {
			s = s[:len(s)-1]
		}
		c.bootargs = string(s)
	case "linux,initrd-start":
		c.initrdBase = beScalar(value)
	case "linux,initrd-end":
		c.initrdSize = beScalar(value) - c.initrdBase
	}
}

func beScalar(value []byte) uint64 {
	switch len(value) {
	case 4:
		return uint64(binary.BigEndian.Uint32(value))
	case 8:
		return binary.BigEndian.Uint64(value)
	}
	return 0
}
