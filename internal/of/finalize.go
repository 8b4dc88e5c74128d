package of

import (
	"fmt"
)

// FinalizeConfig drives the one-shot device-tree augmentation run before
// the guest starts calling the client interface.
type FinalizeConfig struct {
	// ConsolePath, when set, is opened as the default console and stored
	// as the stdout/stdin instances under /chosen so the guest kernel has
	// a working early console without a full firmware stack.
	ConsolePath string
	// BootPath, when set, becomes the bootpath property under /chosen.
	BootPath string
	// Bootargs seeds the boot-argument string when the guest has not
	// written one itself.
	Bootargs string
}

// FinalizeTree runs the boot-time tree augmentation: phandle assignment for
// every node lacking one, the available-memory view, boot arguments and the
// pre-opened console instances. It runs strictly before the interactive
// call sequence, never interleaved with it.
func (c *Context) FinalizeTree(cfg FinalizeConfig) error {
	c.tree.AssignPhandles()

	if err := c.UpdateMemoryAvailable(); err != nil {
		return fmt.Errorf("of: finalize: %w", err)
	}

	chosen := c.tree.FindDevice("/chosen")
	if chosen == nil {
		return fmt.Errorf("%w: /chosen", ErrNotFound)
	}
	if c.bootargs == "" {
		c.bootargs = cfg.Bootargs
	}
	c.tree.SetPropertyString(chosen, "bootargs", c.bootargs)

	// By now all phandles are settled so the console can be opened.
	if cfg.ConsolePath != "" {
		if err := c.ClientOpenStore("/chosen", "stdout", cfg.ConsolePath); err != nil {
			return err
		}
		if err := c.ClientOpenStore("/chosen", "stdin", cfg.ConsolePath); err != nil {
			return err
		}
	}

	if cfg.BootPath != "" {
		c.tree.SetPropertyString(chosen, "bootpath", cfg.BootPath)
	}

	return nil
}

// ClientOpenStore opens an instance of path and stores its ihandle as a
// cell property on the node at nodePath.
func (c *Context) ClientOpenStore(nodePath, prop, path string) error {
	n := c.tree.FindDevice(nodePath)
	if n == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, nodePath)
	}
	ihandle := c.doOpen(path)
	if ihandle == 0 {
		return fmt.Errorf("%w: open %s for %s/%s", ErrUnknownPath, path, nodePath, prop)
	}
	c.tree.SetPropertyU32(n, prop, ihandle)
	return nil
}
