// Package machine assembles a client-interface session from a declarative
// YAML description: guest memory, the device tree, console and boot media.
package machine

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/vof/internal/fdt"
)

// Extent is a fixed guest physical range, e.g. a pre-loaded kernel image.
type Extent struct {
	Addr uint64 `yaml:"addr"`
	Size uint64 `yaml:"size"`
}

// DiskConfig describes one read-only boot disk.
type DiskConfig struct {
	// Image is the path of the backing image file on the host.
	Image string `yaml:"image"`
}

// Config is the YAML machine description.
type Config struct {
	Name     string `yaml:"name,omitempty"`
	MemoryMB uint64 `yaml:"memoryMB"`
	Bootargs string `yaml:"bootargs,omitempty"`

	// Console attaches a vty node served by the host console.
	Console bool `yaml:"console,omitempty"`

	// FirmwareSize is the guest firmware shim footprint claimed at address
	// zero. Zero selects the default.
	FirmwareSize uint64 `yaml:"firmwareSize,omitempty"`

	// Kernel and Initrd extents are claimed before the guest boots.
	Kernel Extent `yaml:"kernel,omitempty"`
	Initrd Extent `yaml:"initrd,omitempty"`

	Disks []DiskConfig `yaml:"disks,omitempty"`

	// Nodes are extra device-tree nodes appended under the root.
	Nodes []fdt.Node `yaml:"nodes,omitempty"`
}

// LoadConfig reads and validates a YAML machine description.
func LoadConfig(path string) (Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("machine: read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("machine: parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the description for obvious mistakes.
func (cfg Config) Validate() error {
	if cfg.MemoryMB == 0 {
		return fmt.Errorf("machine: memoryMB must be set")
	}
	memSize := cfg.MemoryMB << 20
	if cfg.Kernel.Size > 0 && cfg.Kernel.Addr+cfg.Kernel.Size > memSize {
		return fmt.Errorf("machine: kernel extent exceeds guest memory")
	}
	if cfg.Initrd.Size > 0 && cfg.Initrd.Addr+cfg.Initrd.Size > memSize {
		return fmt.Errorf("machine: initrd extent exceeds guest memory")
	}
	return nil
}
