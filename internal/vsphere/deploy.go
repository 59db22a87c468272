package vsphere

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/vmware/govmomi/object"
	"github.com/vmware/govmomi/property"
	"github.com/vmware/govmomi/vim25/methods"
	"github.com/vmware/govmomi/vim25/mo"
	"github.com/vmware/govmomi/vim25/types"

	"github.com/vmlab/lmunit/internal/logging"
)

// Deploy clones the named template into a new machine and returns its instance
// uuid. The clone strategy comes from configuration: linked clones branch off
// the template's current snapshot, instant clones require the template frozen
// and powered on. A non-empty inventoryFolder places the clone below the base
// folder, creating intermediate folders on demand.
func (c *Client) Deploy(ctx context.Context, template, name string, running bool, inventoryFolder string) (string, error) {
	tpl, err := c.findTemplate(ctx, template)
	if err != nil {
		return "", err
	}
	folder, err := c.resolveInventoryFolder(ctx, inventoryFolder)
	if err != nil {
		return "", err
	}

	var vm *object.VirtualMachine
	err = c.withRetry(ctx, "deploy", c.cfg.Retries.Deploy, func() error {
		var cloneErr error
		if c.cfg.CloneStrategy == "instant" {
			vm, cloneErr = c.instantClone(ctx, tpl, name, nil)
		} else {
			vm, cloneErr = c.linkedClone(ctx, tpl, folder, name, running)
		}
		if cloneErr != nil {
			c.destroyJunkClone(ctx, name)
		}
		return cloneErr
	})
	if err != nil {
		return "", fmt.Errorf("%w: %s: %s", ErrCloneFailed, template, err)
	}

	if c.cfg.CloneStrategy == "instant" && folder != nil {
		if _, mvErr := folder.MoveInto(ctx, []types.ManagedObjectReference{vm.Reference()}); mvErr != nil {
			logging.Op().Warn("move into inventory folder failed", "vm", name, "error", mvErr)
		}
	}
	return c.instanceUUID(ctx, vm)
}

// DeployViaTicket instant-clones the template pinned to the ticket's host and
// returns the instance uuid and mo_ref of the produced machine.
func (c *Client) DeployViaTicket(ctx context.Context, template, name, hostMoRef string) (string, string, error) {
	tpl, err := c.findTemplate(ctx, template)
	if err != nil {
		return "", "", err
	}
	hostRef := types.ManagedObjectReference{Type: "HostSystem", Value: hostMoRef}

	var vm *object.VirtualMachine
	err = c.withRetry(ctx, "deploy_via_ticket", c.cfg.Retries.Deploy, func() error {
		var cloneErr error
		vm, cloneErr = c.instantClone(ctx, tpl, name, &hostRef)
		if cloneErr != nil {
			c.destroyJunkClone(ctx, name)
		}
		return cloneErr
	})
	if err != nil {
		return "", "", fmt.Errorf("%w: %s on %s: %s", ErrCloneFailed, template, hostMoRef, err)
	}

	uuid, err := c.instanceUUID(ctx, vm)
	if err != nil {
		return "", "", err
	}
	return uuid, vm.Reference().Value, nil
}

func (c *Client) findTemplate(ctx context.Context, name string) (*object.VirtualMachine, error) {
	vm, err := c.finder.VirtualMachine(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %s", ErrTemplateMissing, name, err)
	}
	return vm, nil
}

func (c *Client) linkedClone(ctx context.Context, tpl *object.VirtualMachine, folder *object.Folder, name string, running bool) (*object.VirtualMachine, error) {
	var tplProps mo.VirtualMachine
	pc := property.DefaultCollector(c.vim)
	if err := pc.RetrieveOne(ctx, tpl.Reference(), []string{"snapshot"}, &tplProps); err != nil {
		return nil, fmt.Errorf("template snapshot: %w", err)
	}
	if tplProps.Snapshot == nil || tplProps.Snapshot.CurrentSnapshot == nil {
		return nil, fmt.Errorf("template %s has no snapshot to link against", tpl.Name())
	}

	_, pool, ds := c.placement()
	poolRef := pool.Reference()
	dsRef := ds.Reference()
	spec := types.VirtualMachineCloneSpec{
		Location: types.VirtualMachineRelocateSpec{
			DiskMoveType: string(types.VirtualMachineRelocateDiskMoveOptionsCreateNewChildDiskBacking),
			Pool:         &poolRef,
			Datastore:    &dsRef,
		},
		Snapshot: tplProps.Snapshot.CurrentSnapshot,
		PowerOn:  running,
	}
	if folder == nil {
		folder, _, _ = c.placement()
	}

	task, err := tpl.Clone(ctx, folder, name, spec)
	if err != nil {
		return nil, fmt.Errorf("clone: %w", err)
	}
	info, err := task.WaitForResult(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("clone task: %w", err)
	}
	return object.NewVirtualMachine(c.vim, info.Result.(types.ManagedObjectReference)), nil
}

// instantClone forks the template, optionally pinned to a host. The source
// must be powered on and frozen.
func (c *Client) instantClone(ctx context.Context, tpl *object.VirtualMachine, name string, host *types.ManagedObjectReference) (*object.VirtualMachine, error) {
	var tplProps mo.VirtualMachine
	pc := property.DefaultCollector(c.vim)
	if err := pc.RetrieveOne(ctx, tpl.Reference(), []string{"runtime.instantCloneFrozen"}, &tplProps); err != nil {
		return nil, fmt.Errorf("template runtime: %w", err)
	}
	if tplProps.Runtime.InstantCloneFrozen == nil || !*tplProps.Runtime.InstantCloneFrozen {
		return nil, fmt.Errorf("%w: %s", ErrNotFrozen, tpl.Name())
	}

	_, pool, ds := c.placement()
	poolRef := pool.Reference()
	dsRef := ds.Reference()
	location := types.VirtualMachineRelocateSpec{
		Pool:      &poolRef,
		Datastore: &dsRef,
		Host:      host,
	}
	req := types.InstantClone_Task{
		This: tpl.Reference(),
		Spec: types.VirtualMachineInstantCloneSpec{
			Name:     name,
			Location: location,
		},
	}
	res, err := methods.InstantClone_Task(ctx, c.vim, &req)
	if err != nil {
		return nil, fmt.Errorf("instant clone: %w", err)
	}
	info, err := object.NewTask(c.vim, res.Returnval).WaitForResult(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("instant clone task: %w", err)
	}
	return object.NewVirtualMachine(c.vim, info.Result.(types.ManagedObjectReference)), nil
}

// destroyJunkClone removes the half-created VM a failed clone task may have
// left behind, so the next retry does not collide on the name.
func (c *Client) destroyJunkClone(ctx context.Context, name string) {
	vm, err := c.finder.VirtualMachine(ctx, name)
	if err != nil {
		return
	}
	logging.Op().Warn("destroying junk clone", "vm", name)
	if state, err := vm.PowerState(ctx); err == nil && state == types.VirtualMachinePowerStatePoweredOn {
		if task, err := vm.PowerOff(ctx); err == nil {
			_ = task.Wait(ctx)
		}
	}
	task, err := vm.Destroy(ctx)
	if err != nil {
		logging.Op().Warn("junk clone destroy failed", "vm", name, "error", err)
		return
	}
	if err := task.Wait(ctx); err != nil {
		logging.Op().Warn("junk clone destroy failed", "vm", name, "error", err)
	}
}

func (c *Client) instanceUUID(ctx context.Context, vm *object.VirtualMachine) (string, error) {
	var props mo.VirtualMachine
	pc := property.DefaultCollector(c.vim)
	if err := pc.RetrieveOne(ctx, vm.Reference(), []string{"config.instanceUuid"}, &props); err != nil {
		return "", fmt.Errorf("vsphere: read instance uuid: %w", err)
	}
	if props.Config == nil || props.Config.InstanceUuid == "" {
		return "", fmt.Errorf("vsphere: clone %s has no instance uuid", vm.Reference().Value)
	}
	return props.Config.InstanceUuid, nil
}

// resolveInventoryFolder walks rel below the base folder, creating folders on
// demand. An empty rel returns nil and the caller falls back to the base
// folder.
func (c *Client) resolveInventoryFolder(ctx context.Context, rel string) (*object.Folder, error) {
	if rel == "" {
		return nil, nil
	}
	base, _, _ := c.placement()
	folder := base
	for _, part := range strings.Split(path.Clean(rel), "/") {
		if part == "" || part == "." {
			continue
		}
		child, err := c.finder.Folder(ctx, path.Join(folder.InventoryPath, part))
		if err == nil {
			folder = child
			continue
		}
		created, err := folder.CreateFolder(ctx, part)
		if err != nil {
			return nil, fmt.Errorf("vsphere: create folder %s: %w", part, err)
		}
		created.SetInventoryPath(path.Join(folder.InventoryPath, part))
		folder = created
	}
	return folder, nil
}
