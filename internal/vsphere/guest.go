package vsphere

import (
	"context"
	"fmt"

	"github.com/vmware/govmomi/guest"
	"github.com/vmware/govmomi/vim25/types"
)

// GuestExec starts a program inside the guest through VMware Tools and
// returns its pid. Used by operator tooling, not by the worker loops.
func (c *Client) GuestExec(ctx context.Context, uuid, user, password, program string, args string) (int64, error) {
	vm, err := c.findByUUID(ctx, uuid)
	if err != nil {
		return 0, err
	}
	ops := guest.NewOperationsManager(c.vim, vm.Reference())
	pm, err := ops.ProcessManager(ctx)
	if err != nil {
		return 0, fmt.Errorf("vsphere: guest process manager: %w", err)
	}

	auth := &types.NamePasswordAuthentication{
		Username: user,
		Password: password,
	}
	spec := &types.GuestProgramSpec{
		ProgramPath: program,
		Arguments:   args,
	}
	pid, err := pm.StartProgram(ctx, auth, spec)
	if err != nil {
		return 0, fmt.Errorf("vsphere: guest exec %s: %w", program, err)
	}
	return pid, nil
}
