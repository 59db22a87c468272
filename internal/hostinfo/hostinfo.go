// Package hostinfo mirrors the hypervisor's host inventory into the document
// store. The ticket scheduler and the capabilities service read only this
// mirror, never the hypervisor, so one slow vCenter call cannot stall them.
package hostinfo

import (
	"context"
	"time"

	"github.com/vmlab/lmunit/internal/docstore"
	"github.com/vmlab/lmunit/internal/logging"
	"github.com/vmlab/lmunit/internal/model"
	"github.com/vmlab/lmunit/internal/vsphere"
)

// HostSource enumerates hosts; *vsphere.Client implements it.
type HostSource interface {
	GetHostsInFolder(ctx context.Context, folderName string) ([]vsphere.HostView, error)
}

type Obtainer struct {
	store      docstore.Store
	source     HostSource
	folderName string
	sleep      time.Duration
}

func New(store docstore.Store, source HostSource, folderName string, sleep time.Duration) *Obtainer {
	return &Obtainer{store: store, source: source, folderName: folderName, sleep: sleep}
}

// Run cycles until the context is cancelled.
func (o *Obtainer) Run(ctx context.Context) error {
	logging.Op().Info("host-info obtainer started", "folder", o.folderName, "sleep", o.sleep)
	for {
		select {
		case <-ctx.Done():
			logging.Op().Info("host-info obtainer stopping")
			return ctx.Err()
		case <-time.After(o.sleep):
		}
		if err := o.Cycle(ctx); err != nil {
			logging.Op().Error("host-info cycle failed", "error", err)
		}
	}
}

// Cycle reads the hypervisor's host list and reconciles the mirror: upsert by
// name, drop rows whose host disappeared. The operator-set
// to_be_in_maintenance flag survives upserts; everything else is overwritten
// with what the hypervisor reports.
func (o *Obtainer) Cycle(ctx context.Context) error {
	views, err := o.source.GetHostsInFolder(ctx, o.folderName)
	if err != nil {
		return err
	}

	return o.store.WithTx(ctx, func(tx docstore.Tx) error {
		seen := make(map[string]bool, len(views))
		for _, v := range views {
			seen[v.Name] = true
			host, err := tx.HostByName(v.Name)
			if err != nil {
				return err
			}
			if host == nil {
				host = &model.HostRuntimeInfo{Name: v.Name}
			}
			host.MoRef = v.MoRef
			host.Maintenance = v.Maintenance
			host.ConnectionState = v.ConnectionState
			host.StandbyMode = v.StandbyMode
			host.VMsCount = v.VMsCount
			host.VMsRunningCount = v.VMsRunningCount
			host.LocalTemplates = v.LocalTemplates
			host.LocalDatastores = v.LocalDatastores
			if err := tx.Save(host); err != nil {
				return err
			}
		}

		known, err := tx.ListHosts()
		if err != nil {
			return err
		}
		for _, h := range known {
			if !seen[h.Name] {
				logging.Op().Info("host disappeared from inventory", "host", h.Name)
				if err := tx.Delete(h.DocType(), h.ID); err != nil {
					return err
				}
			}
		}
		return nil
	})
}
