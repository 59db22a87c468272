package vsphere

import (
	"context"
)

// TakeSnapshot creates a named snapshot without memory or quiescing.
func (c *Client) TakeSnapshot(ctx context.Context, uuid, name string) (bool, error) {
	vm, err := c.findByUUID(ctx, uuid)
	if err != nil {
		return false, err
	}
	err = c.withRetry(ctx, "take_snapshot", c.cfg.Retries.Default, func() error {
		task, err := vm.CreateSnapshot(ctx, name, "", false, false)
		if err != nil {
			return err
		}
		return task.Wait(ctx)
	})
	return err == nil, err
}

// RevertSnapshot reverts the machine to the named snapshot; with an empty name
// the configured default snapshot is used.
func (c *Client) RevertSnapshot(ctx context.Context, uuid, name string) (bool, error) {
	vm, err := c.findByUUID(ctx, uuid)
	if err != nil {
		return false, err
	}
	if name == "" {
		name = c.cfg.DefaultSnapshotName
	}
	err = c.withRetry(ctx, "revert_snapshot", c.cfg.Retries.Default, func() error {
		task, err := vm.RevertToSnapshot(ctx, name, true)
		if err != nil {
			return err
		}
		return task.Wait(ctx)
	})
	return err == nil, err
}

// RemoveSnapshot deletes the named snapshot, keeping its children.
func (c *Client) RemoveSnapshot(ctx context.Context, uuid, name string) (bool, error) {
	vm, err := c.findByUUID(ctx, uuid)
	if err != nil {
		return false, err
	}
	err = c.withRetry(ctx, "remove_snapshot", c.cfg.Retries.Delete, func() error {
		consolidate := true
		task, err := vm.RemoveSnapshot(ctx, name, false, &consolidate)
		if err != nil {
			return err
		}
		return task.Wait(ctx)
	})
	return err == nil, err
}
