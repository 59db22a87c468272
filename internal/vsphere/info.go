package vsphere

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/vmware/govmomi/property"
	"github.com/vmware/govmomi/vim25/mo"
	"github.com/vmware/govmomi/vim25/types"
)

// MachineInfo is what the workers learn about a deployed machine.
type MachineInfo struct {
	UUID        string
	Name        string
	MoRef       string
	PowerState  string
	NosID       string
	SearchLink  string
	IPAddresses []string
}

// GetMachineInfo reads the machine's guest and config state: addresses, the
// derived nos_id, the display name with its UI search link, mo_ref and power
// state. IP addresses stay empty until the guest reports them; callers retry
// through the delayed-action machinery rather than in here.
func (c *Client) GetMachineInfo(ctx context.Context, uuid string) (*MachineInfo, error) {
	vm, err := c.findByUUID(ctx, uuid)
	if err != nil {
		return nil, err
	}

	var props mo.VirtualMachine
	pc := property.DefaultCollector(c.vim)
	err = c.withRetry(ctx, "get_machine_info", c.cfg.Retries.Default, func() error {
		return pc.RetrieveOne(ctx, vm.Reference(),
			[]string{"name", "guest.net", "config.hardware.device", "runtime.powerState"},
			&props)
	})
	if err != nil {
		return nil, fmt.Errorf("vsphere: machine info %s: %w", uuid, err)
	}

	info := &MachineInfo{
		UUID:       uuid,
		Name:       props.Name,
		MoRef:      vm.Reference().Value,
		PowerState: powerStateString(props.Runtime.PowerState),
		SearchLink: SearchLink(c.cfg.Host, props.Name),
	}

	if props.Guest != nil {
		for _, nic := range props.Guest.Net {
			for _, addr := range nic.IpAddress {
				if usableAddress(addr) {
					info.IPAddresses = append(info.IPAddresses, addr)
				}
			}
		}
	}

	if mac := firstMacAddress(props.Config); mac != "" {
		info.NosID = NosID(c.cfg.NosIDPrefix, mac)
	}
	return info, nil
}

func firstMacAddress(cfg *types.VirtualMachineConfigInfo) string {
	if cfg == nil {
		return ""
	}
	for _, dev := range cfg.Hardware.Device {
		if nic, ok := dev.(types.BaseVirtualEthernetCard); ok {
			return nic.GetVirtualEthernetCard().MacAddress
		}
	}
	return ""
}

// usableAddress drops link-local noise the guest tools report before the real
// addresses come up.
func usableAddress(addr string) bool {
	if addr == "" {
		return false
	}
	if strings.HasPrefix(addr, "fe80:") || strings.HasPrefix(addr, "169.254.") {
		return false
	}
	return true
}

// NosID derives the machine identity from its first MAC address: uppercase,
// colons stripped, prefixed.
func NosID(prefix, mac string) string {
	if mac == "" {
		return ""
	}
	return prefix + strings.ToUpper(strings.ReplaceAll(mac, ":", ""))
}

// SearchLink builds the vSphere UI deep-link that finds the machine by name.
func SearchLink(vcenterHost, machineName string) string {
	return fmt.Sprintf(
		"https://%s/ui/#?extensionId=vsphere.core.search.domainView&query=%s&searchType=simple",
		vcenterHost, url.QueryEscape(machineName))
}
