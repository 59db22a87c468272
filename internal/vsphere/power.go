package vsphere

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/vmware/govmomi/object"
	"github.com/vmware/govmomi/property"
	"github.com/vmware/govmomi/vim25/mo"
	"github.com/vmware/govmomi/vim25/types"

	"github.com/vmlab/lmunit/internal/logging"
)

// Start powers the machine on. Already powered-on machines converge silently.
func (c *Client) Start(ctx context.Context, uuid string) error {
	vm, err := c.findByUUID(ctx, uuid)
	if err != nil {
		return err
	}
	return c.withRetry(ctx, "start", c.cfg.Retries.Default, func() error {
		state, err := vm.PowerState(ctx)
		if err != nil {
			return err
		}
		if state == types.VirtualMachinePowerStatePoweredOn {
			return nil
		}
		task, err := vm.PowerOn(ctx)
		if err != nil {
			return err
		}
		return task.Wait(ctx)
	})
}

// Stop powers the machine off.
func (c *Client) Stop(ctx context.Context, uuid string) error {
	vm, err := c.findByUUID(ctx, uuid)
	if err != nil {
		return err
	}
	return c.withRetry(ctx, "stop", c.cfg.Retries.Default, func() error {
		state, err := vm.PowerState(ctx)
		if err != nil {
			return err
		}
		if state == types.VirtualMachinePowerStatePoweredOff {
			return nil
		}
		task, err := vm.PowerOff(ctx)
		if err != nil {
			return err
		}
		return task.Wait(ctx)
	})
}

// Reset hard-resets a running machine.
func (c *Client) Reset(ctx context.Context, uuid string) error {
	vm, err := c.findByUUID(ctx, uuid)
	if err != nil {
		return err
	}
	return c.withRetry(ctx, "reset", c.cfg.Retries.Default, func() error {
		task, err := vm.Reset(ctx)
		if err != nil {
			return err
		}
		return task.Wait(ctx)
	})
}

// Undeploy powers the machine off and destroys it, then removes its inventory
// folder when it was the last occupant. A machine that is already gone counts
// as undeployed.
func (c *Client) Undeploy(ctx context.Context, uuid string) error {
	vm, err := c.findByUUID(ctx, uuid)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}

	var parent *types.ManagedObjectReference
	var props mo.VirtualMachine
	pc := property.DefaultCollector(c.vim)
	if err := pc.RetrieveOne(ctx, vm.Reference(), []string{"parent"}, &props); err == nil {
		parent = props.Parent
	}

	err = c.withRetry(ctx, "undeploy", c.cfg.Retries.Delete, func() error {
		state, err := vm.PowerState(ctx)
		if err != nil {
			return err
		}
		if state == types.VirtualMachinePowerStatePoweredOn {
			if task, err := vm.PowerOff(ctx); err == nil {
				_ = task.Wait(ctx)
			}
		}
		task, err := vm.Destroy(ctx)
		if err != nil {
			return err
		}
		return task.Wait(ctx)
	})
	if err != nil {
		return err
	}

	if parent != nil {
		c.removeEmptyFolder(ctx, *parent)
	}
	return nil
}

// removeEmptyFolder deletes a VM's parent folder when the undeploy left it
// empty. Only folders strictly below the configured base folder qualify.
func (c *Client) removeEmptyFolder(ctx context.Context, ref types.ManagedObjectReference) {
	if ref.Type != "Folder" {
		return
	}
	base, _, _ := c.placement()
	if ref == base.Reference() {
		return
	}

	folder := object.NewFolder(c.vim, ref)
	var props mo.Folder
	pc := property.DefaultCollector(c.vim)
	if err := pc.RetrieveOne(ctx, ref, []string{"childEntity", "parent", "name"}, &props); err != nil {
		return
	}
	if len(props.ChildEntity) > 0 {
		return
	}
	if !c.belowBaseFolder(ctx, props.Parent) {
		return
	}

	task, err := folder.Destroy(ctx)
	if err != nil {
		logging.Op().Warn("empty folder destroy failed", "folder", props.Name, "error", err)
		return
	}
	_ = task.Wait(ctx)
}

// belowBaseFolder walks parents until it hits the base folder or leaves the
// folder tree.
func (c *Client) belowBaseFolder(ctx context.Context, ref *types.ManagedObjectReference) bool {
	base, _, _ := c.placement()
	pc := property.DefaultCollector(c.vim)
	for ref != nil && ref.Type == "Folder" {
		if *ref == base.Reference() {
			return true
		}
		var props mo.Folder
		if err := pc.RetrieveOne(ctx, *ref, []string{"parent"}, &props); err != nil {
			return false
		}
		ref = props.Parent
	}
	return false
}

// ConfigNetwork rebinds the machine's first network adapter to the named
// network and connects it.
func (c *Client) ConfigNetwork(ctx context.Context, uuid, networkName string) error {
	vm, err := c.findByUUID(ctx, uuid)
	if err != nil {
		return err
	}
	net, err := c.finder.Network(ctx, networkName)
	if err != nil {
		return fmt.Errorf("vsphere: network %q: %w", networkName, err)
	}
	backing, err := net.EthernetCardBackingInfo(ctx)
	if err != nil {
		return fmt.Errorf("vsphere: network backing %q: %w", networkName, err)
	}

	return c.withRetry(ctx, "config_network", c.cfg.Retries.ConfigNetwork, func() error {
		devices, err := vm.Device(ctx)
		if err != nil {
			return err
		}
		nics := devices.SelectByType((*types.VirtualEthernetCard)(nil))
		if len(nics) == 0 {
			return fmt.Errorf("machine %s has no network adapter", uuid)
		}
		nic := nics[0].(types.BaseVirtualEthernetCard).GetVirtualEthernetCard()
		nic.Backing = backing
		nic.Connectable = &types.VirtualDeviceConnectInfo{
			Connected:         true,
			StartConnected:    true,
			AllowGuestControl: true,
		}
		return vm.EditDevice(ctx, nics[0])
	})
}

// powerStateString renders a power state the way the entity model stores it.
func powerStateString(state types.VirtualMachinePowerState) string {
	return strings.TrimSpace(string(state))
}
