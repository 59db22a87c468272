package vsphere

import (
	"context"
	"fmt"

	"github.com/vmware/govmomi/property"
	"github.com/vmware/govmomi/view"
	"github.com/vmware/govmomi/vim25/mo"
	"github.com/vmware/govmomi/vim25/types"

	"github.com/vmlab/lmunit/internal/logging"
)

// HostView is one hypervisor host as the host-info obtainer sees it.
type HostView struct {
	Name            string
	MoRef           string
	Maintenance     bool
	ConnectionState string
	StandbyMode     string
	VMsCount        int
	VMsRunningCount int
	LocalTemplates  []string
	LocalDatastores []string
}

// GetHostsInFolder enumerates hosts under the named inventory folder. Each
// host is mapped defensively: one unreadable host is logged and skipped, it
// never drops the batch.
func (c *Client) GetHostsInFolder(ctx context.Context, folderName string) ([]HostView, error) {
	folder, err := c.finder.Folder(ctx, folderName)
	if err != nil {
		return nil, fmt.Errorf("vsphere: hosts folder %q: %w", folderName, err)
	}

	m := view.NewManager(c.vim)
	v, err := m.CreateContainerView(ctx, folder.Reference(), []string{"HostSystem"}, true)
	if err != nil {
		return nil, fmt.Errorf("vsphere: host view: %w", err)
	}
	defer func() { _ = v.Destroy(ctx) }()

	var hosts []mo.HostSystem
	err = v.Retrieve(ctx, []string{"HostSystem"},
		[]string{"name", "runtime", "vm", "datastore"}, &hosts)
	if err != nil {
		return nil, fmt.Errorf("vsphere: retrieve hosts: %w", err)
	}

	out := make([]HostView, 0, len(hosts))
	for _, h := range hosts {
		hv, err := c.mapHost(ctx, h)
		if err != nil {
			logging.Op().Warn("skipping unreadable host", "host", h.Name, "error", err)
			continue
		}
		out = append(out, hv)
	}
	return out, nil
}

func (c *Client) mapHost(ctx context.Context, h mo.HostSystem) (HostView, error) {
	hv := HostView{
		Name:            h.Name,
		MoRef:           h.Reference().Value,
		Maintenance:     h.Runtime.InMaintenanceMode,
		ConnectionState: string(h.Runtime.ConnectionState),
		StandbyMode:     h.Runtime.StandbyMode,
		VMsCount:        len(h.Vm),
	}

	pc := property.DefaultCollector(c.vim)

	if len(h.Vm) > 0 {
		var vms []mo.VirtualMachine
		err := pc.Retrieve(ctx, h.Vm,
			[]string{"name", "config.template", "runtime.powerState"}, &vms)
		if err != nil {
			return HostView{}, fmt.Errorf("host vms: %w", err)
		}
		for _, vm := range vms {
			if vm.Config != nil && vm.Config.Template {
				hv.LocalTemplates = append(hv.LocalTemplates, vm.Name)
				continue
			}
			if vm.Runtime.PowerState == types.VirtualMachinePowerStatePoweredOn {
				hv.VMsRunningCount++
			}
		}
	}

	if len(h.Datastore) > 0 {
		var stores []mo.Datastore
		if err := pc.Retrieve(ctx, h.Datastore, []string{"name"}, &stores); err != nil {
			return HostView{}, fmt.Errorf("host datastores: %w", err)
		}
		for _, ds := range stores {
			hv.LocalDatastores = append(hv.LocalDatastores, ds.Name)
		}
	}

	return hv, nil
}
