package hostinfo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vmlab/lmunit/internal/docstore"
	"github.com/vmlab/lmunit/internal/model"
	"github.com/vmlab/lmunit/internal/vsphere"
)

type fakeSource struct {
	views []vsphere.HostView
	err   error
}

func (f *fakeSource) GetHostsInFolder(context.Context, string) ([]vsphere.HostView, error) {
	return f.views, f.err
}

func listHosts(t *testing.T, store *docstore.MemStore) []*model.HostRuntimeInfo {
	t.Helper()
	var out []*model.HostRuntimeInfo
	err := store.WithTx(context.Background(), func(tx docstore.Tx) error {
		var err error
		out, err = tx.ListHosts()
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func TestCycleUpsertsAndDeletes(t *testing.T) {
	store := docstore.NewMemStore()
	stale := &model.HostRuntimeInfo{Name: "esx-gone", MoRef: "host-9"}
	if err := store.Seed(stale); err != nil {
		t.Fatal(err)
	}

	src := &fakeSource{views: []vsphere.HostView{
		{
			Name:            "esx1",
			MoRef:           "host-1",
			ConnectionState: model.HostConnected,
			VMsCount:        4,
			VMsRunningCount: 2,
			LocalTemplates:  []string{"win10-base"},
			LocalDatastores: []string{"ds-local-1"},
		},
		{Name: "esx2", MoRef: "host-2", Maintenance: true},
	}}
	o := New(store, src, "lab-hosts", time.Second)
	if err := o.Cycle(context.Background()); err != nil {
		t.Fatal(err)
	}

	hosts := listHosts(t, store)
	if len(hosts) != 2 {
		t.Fatalf("hosts = %d, want 2 (stale one deleted)", len(hosts))
	}
	byName := map[string]*model.HostRuntimeInfo{}
	for _, h := range hosts {
		byName[h.Name] = h
	}
	if byName["esx-gone"] != nil {
		t.Error("disappeared host survived")
	}
	h1 := byName["esx1"]
	if h1 == nil || h1.VMsRunningCount != 2 || len(h1.LocalTemplates) != 1 {
		t.Errorf("esx1 = %+v", h1)
	}
	if h2 := byName["esx2"]; h2 == nil || !h2.Maintenance {
		t.Errorf("esx2 = %+v", byName["esx2"])
	}
}

func TestCyclePreservesMaintenanceFlag(t *testing.T) {
	store := docstore.NewMemStore()
	existing := &model.HostRuntimeInfo{Name: "esx1", MoRef: "host-1", ToBeInMaintenance: true}
	if err := store.Seed(existing); err != nil {
		t.Fatal(err)
	}

	src := &fakeSource{views: []vsphere.HostView{{Name: "esx1", MoRef: "host-1", VMsCount: 7}}}
	o := New(store, src, "lab-hosts", time.Second)
	if err := o.Cycle(context.Background()); err != nil {
		t.Fatal(err)
	}

	hosts := listHosts(t, store)
	if len(hosts) != 1 {
		t.Fatalf("hosts = %d", len(hosts))
	}
	if !hosts[0].ToBeInMaintenance {
		t.Error("operator maintenance flag must survive the upsert")
	}
	if hosts[0].VMsCount != 7 {
		t.Errorf("vms_count = %d, want refreshed value", hosts[0].VMsCount)
	}
}

func TestCycleKeepsMirrorOnSourceError(t *testing.T) {
	store := docstore.NewMemStore()
	if err := store.Seed(&model.HostRuntimeInfo{Name: "esx1", MoRef: "host-1"}); err != nil {
		t.Fatal(err)
	}

	src := &fakeSource{err: errors.New("vcenter unreachable")}
	o := New(store, src, "lab-hosts", time.Second)
	if err := o.Cycle(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if got := listHosts(t, store); len(got) != 1 {
		t.Errorf("hosts = %d, a failed read must not wipe the mirror", len(got))
	}
}
