package worker

import (
	"context"
	"errors"
	"testing"

	"github.com/vmlab/lmunit/internal/config"
	"github.com/vmlab/lmunit/internal/docstore"
	"github.com/vmlab/lmunit/internal/model"
	"github.com/vmlab/lmunit/internal/vsphere"
)

// fakeHV records calls and serves canned answers.
type fakeHV struct {
	calls []string

	deployUUID  string
	deployMoRef string
	deployErr   error
	info        *vsphere.MachineInfo
	infoErr     error
	opErr       error
}

func newFakeHV() *fakeHV {
	return &fakeHV{
		deployUUID:  "4237f-ab12",
		deployMoRef: "vm-101",
		info: &vsphere.MachineInfo{
			UUID:        "4237f-ab12",
			Name:        "lab-m1",
			MoRef:       "vm-101",
			PowerState:  "poweredOn",
			NosID:       "v0050569ABCDE",
			SearchLink:  "https://vc/ui/#?query=lab-m1",
			IPAddresses: []string{"10.0.0.7"},
		},
	}
}

func (f *fakeHV) record(c string) { f.calls = append(f.calls, c) }

func (f *fakeHV) called(c string) bool {
	for _, got := range f.calls {
		if got == c {
			return true
		}
	}
	return false
}

func (f *fakeHV) Deploy(_ context.Context, template, name string, _ bool, _ string) (string, error) {
	f.record("deploy " + template + " " + name)
	return f.deployUUID, f.deployErr
}

func (f *fakeHV) DeployViaTicket(_ context.Context, template, _, hostMoRef string) (string, string, error) {
	f.record("deploy_via_ticket " + template + " " + hostMoRef)
	return f.deployUUID, f.deployMoRef, f.deployErr
}

func (f *fakeHV) GetMachineInfo(_ context.Context, uuid string) (*vsphere.MachineInfo, error) {
	f.record("get_machine_info " + uuid)
	if f.infoErr != nil {
		return nil, f.infoErr
	}
	cp := *f.info
	return &cp, nil
}

func (f *fakeHV) Start(_ context.Context, uuid string) error {
	f.record("start " + uuid)
	return f.opErr
}

func (f *fakeHV) Stop(_ context.Context, uuid string) error {
	f.record("stop " + uuid)
	return f.opErr
}

func (f *fakeHV) Reset(_ context.Context, uuid string) error {
	f.record("reset " + uuid)
	return f.opErr
}

func (f *fakeHV) Undeploy(_ context.Context, uuid string) error {
	f.record("undeploy " + uuid)
	return f.opErr
}

func (f *fakeHV) ConfigNetwork(_ context.Context, uuid, network string) error {
	f.record("config_network " + uuid + " " + network)
	return f.opErr
}

func (f *fakeHV) TakeSnapshot(_ context.Context, uuid, name string) (bool, error) {
	f.record("take_snapshot " + uuid + " " + name)
	return f.opErr == nil, f.opErr
}

func (f *fakeHV) RevertSnapshot(_ context.Context, uuid, name string) (bool, error) {
	f.record("revert_snapshot " + uuid + " " + name)
	return f.opErr == nil, f.opErr
}

func (f *fakeHV) RemoveSnapshot(_ context.Context, uuid, name string) (bool, error) {
	f.record("remove_snapshot " + uuid + " " + name)
	return f.opErr == nil, f.opErr
}

func (f *fakeHV) TakeScreenshot(_ context.Context, uuid string) (string, error) {
	f.record("take_screenshot " + uuid)
	if f.opErr != nil {
		return "", f.opErr
	}
	return "aGVsbG8=", nil
}

func (f *fakeHV) RefreshPlacement(context.Context) error { f.record("refresh_placement"); return nil }
func (f *fakeHV) Idle(context.Context) error             { f.record("idle"); return nil }

func testConfig() Config {
	return Config{
		WorkerConfig: config.WorkerConfig{
			IdleCounter:           3,
			LoopInitialSleep:      0.01,
			LoopIdleSleep:         0.01,
			TicketPollSleep:       0.01,
			EnqueueGetMachineInfo: true,
			GetInfoRepetitions:    5,
			GetInfoDelay:          2,
		},
		UnitName:            "lab",
		DefaultSnapshotName: "base",
	}
}

// seedMachineRequest seeds a machine, a request against it and the free
// action, wired by reference.
func seedMachineRequest(t *testing.T, store *docstore.MemStore, reqType model.RequestType, machState model.MachineState, actType model.ActionType) (*model.Machine, *model.Request, *model.Action) {
	t.Helper()
	mach := &model.Machine{
		State:        machState,
		ProviderID:   "4237f-ab12",
		MachineMoRef: "vm-101",
		Labels:       []string{"template:win10"},
	}
	mach.ID = 1
	req := model.NewRequest(reqType, "1")
	req.ID = 2
	mach.Requests = []string{"2"}
	act := model.NewAction(actType, "2")
	act.ID = 3
	if err := store.Seed(mach, req, act); err != nil {
		t.Fatal(err)
	}
	return mach, req, act
}

func reload[T any, E interface {
	*T
	model.Entity
}](t *testing.T, store *docstore.MemStore, get func(tx docstore.Tx) (E, error)) E {
	t.Helper()
	var out E
	err := store.WithTx(context.Background(), func(tx docstore.Tx) error {
		var err error
		out, err = get(tx)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func TestDeployHappyPath(t *testing.T) {
	store := docstore.NewMemStore()
	seedMachineRequest(t, store, model.RequestDeploy, model.MachineStateCreated, model.ActionDeploy)
	hv := newFakeHV()
	w := New(store, hv, nil, testConfig(), model.ActionDeploy)

	handled, err := w.RunOnce(context.Background())
	if err != nil || !handled {
		t.Fatalf("RunOnce = %v, %v", handled, err)
	}

	mach := reload(t, store, func(tx docstore.Tx) (*model.Machine, error) { return tx.Machine(1) })
	if mach.State != model.MachineStateRunning {
		t.Errorf("machine state = %s, want running", mach.State)
	}
	if mach.ProviderID != "4237f-ab12" || mach.NosID != "v0050569ABCDE" || mach.MachineMoRef != "vm-101" {
		t.Errorf("machine identity not persisted: %+v", mach)
	}
	if len(mach.IPAddresses) != 1 || mach.IPAddresses[0] != "10.0.0.7" {
		t.Errorf("ips = %v", mach.IPAddresses)
	}

	req := reload(t, store, func(tx docstore.Tx) (*model.Request, error) { return tx.Request(2) })
	if req.State != model.RequestStateSuccess {
		t.Errorf("request state = %s, want success", req.State)
	}

	act := reload(t, store, func(tx docstore.Tx) (*model.Action, error) {
		acts, err := tx.ListActions(docstore.Filter{"_id": 3})
		if err != nil || len(acts) == 0 {
			return nil, err
		}
		return acts[0], nil
	})
	if act.Lock != model.LockFinished {
		t.Errorf("action lock = %d, want -1", act.Lock)
	}

	// A running machine with enqueue_get_machine_info gets a follow-up.
	err = store.WithTx(context.Background(), func(tx docstore.Tx) error {
		acts, err := tx.ListActions(docstore.Filter{"type": "other", "lock": 0})
		if err != nil {
			return err
		}
		if len(acts) != 1 {
			t.Errorf("follow-up actions = %d, want 1", len(acts))
			return nil
		}
		if acts[0].Repetitions != 5 || acts[0].Delay != 2 {
			t.Errorf("follow-up budget = %d/%d", acts[0].Repetitions, acts[0].Delay)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestDeployWithoutTemplateFails(t *testing.T) {
	store := docstore.NewMemStore()
	mach, _, _ := seedMachineRequest(t, store, model.RequestDeploy, model.MachineStateCreated, model.ActionDeploy)
	mach.Labels = nil
	if err := store.Seed(mach); err != nil {
		t.Fatal(err)
	}
	hv := newFakeHV()
	w := New(store, hv, nil, testConfig(), model.ActionDeploy)

	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	req := reload(t, store, func(tx docstore.Tx) (*model.Request, error) { return tx.Request(2) })
	if req.State != model.RequestStateFailed {
		t.Errorf("request state = %s, want failed", req.State)
	}
	m := reload(t, store, func(tx docstore.Tx) (*model.Machine, error) { return tx.Machine(1) })
	if m.State != model.MachineStateFailed {
		t.Errorf("machine state = %s, want failed", m.State)
	}
	if len(hv.calls) != 0 {
		t.Errorf("hypervisor calls = %v, want none without a template", hv.calls)
	}
}

func TestDeployRefusesUndeployedMachine(t *testing.T) {
	store := docstore.NewMemStore()
	seedMachineRequest(t, store, model.RequestDeploy, model.MachineStateUndeployed, model.ActionDeploy)
	hv := newFakeHV()
	w := New(store, hv, nil, testConfig(), model.ActionDeploy)

	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	req := reload(t, store, func(tx docstore.Tx) (*model.Request, error) { return tx.Request(2) })
	if req.State != model.RequestStateFailed {
		t.Errorf("request state = %s, want failed", req.State)
	}
	mach := reload(t, store, func(tx docstore.Tx) (*model.Machine, error) { return tx.Machine(1) })
	if mach.State != model.MachineStateUndeployed {
		t.Errorf("machine state = %s, must stay undeployed", mach.State)
	}
	if len(hv.calls) != 0 {
		t.Errorf("hypervisor calls = %v, want none", hv.calls)
	}
}

func TestDeployMissingNosIDTearsDown(t *testing.T) {
	store := docstore.NewMemStore()
	seedMachineRequest(t, store, model.RequestDeploy, model.MachineStateCreated, model.ActionDeploy)
	hv := newFakeHV()
	hv.info.NosID = ""
	w := New(store, hv, nil, testConfig(), model.ActionDeploy)

	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !hv.called("stop 4237f-ab12") || !hv.called("undeploy 4237f-ab12") {
		t.Errorf("identity-less clone must be torn down, calls = %v", hv.calls)
	}
	req := reload(t, store, func(tx docstore.Tx) (*model.Request, error) { return tx.Request(2) })
	if req.State != model.RequestStateFailed {
		t.Errorf("request state = %s, want failed", req.State)
	}
}

func TestDeployViaTicket(t *testing.T) {
	store := docstore.NewMemStore()
	seedMachineRequest(t, store, model.RequestDeploy, model.MachineStateCreated, model.ActionDeploy)
	ticket := &model.DeployTicket{HostMoRef: "host-7", Enabled: true}
	ticket.ID = 10
	if err := store.Seed(ticket); err != nil {
		t.Fatal(err)
	}

	hv := newFakeHV()
	cfg := testConfig()
	cfg.HostSlotted = true
	w := New(store, hv, nil, cfg, model.ActionDeploy)

	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !hv.called("deploy_via_ticket win10 host-7") {
		t.Errorf("calls = %v", hv.calls)
	}
	tk := reload(t, store, func(tx docstore.Tx) (*model.DeployTicket, error) { return tx.TicketForUpdate(10) })
	if tk.Taken != 1 || tk.AssignedVMMoRef != "vm-101" {
		t.Errorf("ticket = %+v, want taken and bound", tk)
	}
}

func TestDeployViaTicketReleasedOnFailure(t *testing.T) {
	store := docstore.NewMemStore()
	seedMachineRequest(t, store, model.RequestDeploy, model.MachineStateCreated, model.ActionDeploy)
	ticket := &model.DeployTicket{HostMoRef: "host-7", Enabled: true}
	ticket.ID = 10
	if err := store.Seed(ticket); err != nil {
		t.Fatal(err)
	}

	hv := newFakeHV()
	hv.deployErr = errors.New("clone failed")
	cfg := testConfig()
	cfg.HostSlotted = true
	w := New(store, hv, nil, cfg, model.ActionDeploy)

	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	tk := reload(t, store, func(tx docstore.Tx) (*model.DeployTicket, error) { return tx.TicketForUpdate(10) })
	if tk.Taken != 0 || tk.AssignedVMMoRef != "" {
		t.Errorf("ticket = %+v, want released", tk)
	}
	req := reload(t, store, func(tx docstore.Tx) (*model.Request, error) { return tx.Request(2) })
	if req.State != model.RequestStateFailed {
		t.Errorf("request state = %s, want failed", req.State)
	}
}

func TestConcurrentClaimExclusivity(t *testing.T) {
	store := docstore.NewMemStore()
	seedMachineRequest(t, store, model.RequestDeploy, model.MachineStateCreated, model.ActionDeploy)
	hv := newFakeHV()
	a := New(store, hv, nil, testConfig(), model.ActionDeploy)
	b := New(store, hv, nil, testConfig(), model.ActionDeploy)

	h1, err := a.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	h2, err := b.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !h1 || h2 {
		t.Errorf("claims = %v/%v, exactly one worker must win", h1, h2)
	}
}
