package machine

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/tinyrange/vof/internal/devices"
	"github.com/tinyrange/vof/internal/fdt"
	"github.com/tinyrange/vof/internal/guestmem"
	"github.com/tinyrange/vof/internal/of"
)

const (
	// Default firmware shim footprint claimed at address zero.
	defaultFirmwareSize = 0x1000
	// Client stack; 4K is not enough for GRUB.
	stackSize = 0x8000

	consolePath = "/vdevice/vty@71000000"
	vdevicePath = "/vdevice"
)

// Options carries host-side bindings that are not part of the declarative
// description.
type Options struct {
	Logger *slog.Logger

	// ConsoleIn/ConsoleOut back the vty when the config enables a console.
	ConsoleIn  io.Reader
	ConsoleOut io.Writer

	// Memory overrides the default slice-backed guest RAM.
	Memory guestmem.Memory

	Hooks of.Hooks
}

// Machine is an assembled client-interface session: tree, guest memory,
// device registry and the live context.
type Machine struct {
	Config  Config
	Tree    *fdt.Tree
	Memory  *guestmem.Accessor
	Context *of.Context

	// StackPtr is the initial client stack pointer, set by Reset.
	StackPtr uint64

	registry *devices.Registry
	disks    []*devices.Disk
	bootPath string
}

// New assembles a machine from its description and resets it, leaving the
// tree finalized and ready for client calls.
func New(cfg Config, opts Options) (*Machine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	tree, err := fdt.FromNode(buildTreeSpec(cfg))
	if err != nil {
		return nil, fmt.Errorf("machine: build device tree: %w", err)
	}

	memSize := cfg.MemoryMB << 20
	mem := opts.Memory
	if mem == nil {
		mem = guestmem.NewRAM(memSize)
	}
	accessor := guestmem.New(mem, memSize)

	m := &Machine{
		Config:   cfg,
		Tree:     tree,
		Memory:   accessor,
		registry: devices.NewRegistry(),
	}

	if cfg.Console {
		m.registry.RegisterStream(consolePath, devices.NewVty(opts.ConsoleIn, opts.ConsoleOut))
	}
	for i, dcfg := range cfg.Disks {
		disk, err := devices.OpenDisk(dcfg.Image)
		if err != nil {
			m.Close()
			return nil, err
		}
		m.disks = append(m.disks, disk)
		path := diskPath(i)
		m.registry.RegisterBlock(path, disk)
		if m.bootPath == "" {
			m.bootPath = path
		}
	}

	fwSize := cfg.FirmwareSize
	if fwSize == 0 {
		fwSize = defaultFirmwareSize
	}

	ctx, err := of.NewContext(of.Config{
		Tree:         tree,
		Memory:       accessor,
		TopAddr:      memSize,
		FirmwareSize: fwSize,
		Resolver:     m.registry,
		Hooks:        opts.Hooks,
		Logger:       opts.Logger,
	})
	if err != nil {
		m.Close()
		return nil, err
	}
	m.Context = ctx

	if err := m.Reset(); err != nil {
		m.Close()
		return nil, err
	}
	return m, nil
}

// Reset rebuilds the session state: firmware self-claim, client stack,
// kernel and initrd claims, then the boot-time tree finalization.
func (m *Machine) Reset() error {
	if err := m.Context.Reset(); err != nil {
		return err
	}

	stack, err := m.Context.Claim(0, stackSize, stackSize)
	if err != nil {
		return fmt.Errorf("machine: claim client stack: %w", err)
	}
	// The stack grows downwards; leave room for a minimum stack frame.
	m.StackPtr = stack + stackSize - 0x20

	if m.Config.Kernel.Size > 0 {
		if _, err := m.Context.Claim(m.Config.Kernel.Addr, m.Config.Kernel.Size, 0); err != nil {
			return fmt.Errorf("machine: kernel extent in use: %w", err)
		}
	}
	if m.Config.Initrd.Size > 0 {
		if _, err := m.Context.Claim(m.Config.Initrd.Addr, m.Config.Initrd.Size, 0); err != nil {
			return fmt.Errorf("machine: initrd extent in use: %w", err)
		}
	}

	var cons string
	if m.Config.Console {
		cons = consolePath
	}
	if err := m.Context.FinalizeTree(of.FinalizeConfig{
		ConsolePath: cons,
		BootPath:    m.bootPath,
		Bootargs:    m.Config.Bootargs,
	}); err != nil {
		return err
	}

	// A pre-loaded kernel is advertised so the shim can boot from memory.
	if m.Config.Kernel.Size > 0 {
		chosen := m.Tree.FindDevice("/chosen")
		m.Tree.SetProperty(chosen, "qemu,boot-kernel", fdt.Property{
			U64: []uint64{m.Config.Kernel.Addr, m.Config.Kernel.Size},
		}.Encode())
	}

	return nil
}

// Close releases host resources held by the machine.
func (m *Machine) Close() error {
	var firstErr error
	for _, d := range m.disks {
		if err := d.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.disks = nil
	return firstErr
}

func diskPath(i int) string {
	return fmt.Sprintf("%s/disk@%x", vdevicePath, i)
}

// buildTreeSpec synthesizes the base device tree: memory, chosen, rtas and
// options nodes, the console vty and one disk node per configured image,
// followed by any extra nodes from the description.
func buildTreeSpec(cfg Config) fdt.Node {
	memSize := cfg.MemoryMB << 20

	vdevice := fdt.Node{Name: "vdevice"}
	if cfg.Console {
		vdevice.Children = append(vdevice.Children, fdt.Node{
			Name: "vty@71000000",
			Properties: map[string]fdt.Property{
				"device_type": {Strings: []string{"serial"}},
				"compatible":  {Strings: []string{"hvterm1"}},
			},
		})
	}
	for i := range cfg.Disks {
		vdevice.Children = append(vdevice.Children, fdt.Node{
			Name: fmt.Sprintf("disk@%x", i),
			Properties: map[string]fdt.Property{
				"device_type": {Strings: []string{"block"}},
				"compatible":  {Strings: []string{"tinyrange,vof-disk"}},
				"block-size":  {U32: []uint32{devices.DiskBlockSize}},
			},
		})
	}

	root := fdt.Node{
		Name: "",
		Properties: map[string]fdt.Property{
			"compatible":     {Strings: []string{"tinyrange,vof"}},
			"#address-cells": {U32: []uint32{2}},
			"#size-cells":    {U32: []uint32{2}},
			"system-id":      {Strings: []string{cfg.Name}},
		},
		Children: []fdt.Node{
			{Name: "chosen"},
			{
				Name: "memory@0",
				Properties: map[string]fdt.Property{
					"device_type": {Strings: []string{"memory"}},
					"reg":         {U64: []uint64{0, memSize}},
				},
			},
			{Name: "rtas"},
			{Name: "options"},
			vdevice,
		},
	}

	root.Children = append(root.Children, cfg.Nodes...)
	return root
}
