package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/vmlab/lmunit/internal/capabilities"
	"github.com/vmlab/lmunit/internal/docstore"
	"github.com/vmlab/lmunit/internal/model"
)

func newTestServer(t *testing.T, store *docstore.MemStore, cfg Config, slotLimit int) *httptest.Server {
	t.Helper()
	caps := capabilities.New(store, capabilities.Config{
		SlotLimit: slotLimit,
		Labels:    cfg.Labels,
	})
	s := NewServer(store, caps, nil, cfg)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func call(t *testing.T, ts *httptest.Server, method, path, user string, body any) (int, envelope) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, ts.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	if user != "" {
		req.Header.Set("Authorization", user)
	}
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	return resp.StatusCode, env
}

func TestDeployIntakeCreatesTuple(t *testing.T) {
	store := docstore.NewMemStore()
	ts := newTestServer(t, store, Config{Labels: []string{"template:win10"}}, 2)

	status, env := call(t, ts, http.MethodPost, "/api/v4/machines", "",
		map[string]any{"labels": []string{"template:win10", "config:network_interface=lab-net"}})
	if status != http.StatusCreated {
		t.Fatalf("status = %d, env = %+v", status, env)
	}
	if len(env.Responses) != 1 || env.Responses[0].Type != typeRequestID || !env.Responses[0].IsLast {
		t.Fatalf("envelope = %+v", env)
	}
	if env.Responses[0].RequestID == "" {
		t.Fatal("request_id missing")
	}

	err := store.WithTx(t.Context(), func(tx docstore.Tx) error {
		machines, err := tx.ListMachines(nil)
		if err != nil {
			return err
		}
		if len(machines) != 1 || machines[0].State != model.MachineStateCreated {
			t.Errorf("machines = %+v", machines)
		}
		acts, err := tx.ListActions(docstore.Filter{"type": "deploy", "lock": 0})
		if err != nil {
			return err
		}
		if len(acts) != 1 {
			t.Errorf("deploy actions = %d, want 1", len(acts))
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestDeployRejectedWhenFullPersistsNothing(t *testing.T) {
	store := docstore.NewMemStore()
	if err := store.Seed(
		&model.Machine{State: model.MachineStateRunning},
		&model.Machine{State: model.MachineStateRunning},
	); err != nil {
		t.Fatal(err)
	}
	ts := newTestServer(t, store, Config{Labels: []string{"template:win10"}}, 2)

	status, env := call(t, ts, http.MethodPost, "/api/v4/machines", "",
		map[string]any{"labels": []string{"template:win10"}})
	if status != http.StatusConflict {
		t.Fatalf("status = %d", status)
	}
	if len(env.Responses) != 1 || env.Responses[0].Type != typeException {
		t.Fatalf("envelope = %+v", env)
	}

	err := store.WithTx(t.Context(), func(tx docstore.Tx) error {
		machines, err := tx.ListMachines(nil)
		if err != nil {
			return err
		}
		if len(machines) != 2 {
			t.Errorf("machines = %d, rejection must persist nothing", len(machines))
		}
		acts, err := tx.ListActions(nil)
		if err != nil {
			return err
		}
		if len(acts) != 0 {
			t.Errorf("actions = %d, want 0", len(acts))
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestDeployRejectsUnknownTemplate(t *testing.T) {
	store := docstore.NewMemStore()
	ts := newTestServer(t, store, Config{Labels: []string{"template:win10", "template:*-gold"}}, 2)

	status, _ := call(t, ts, http.MethodPost, "/api/v4/machines", "",
		map[string]any{"labels": []string{"template:debian13"}})
	if status != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", status)
	}

	// Suffix wildcard admits matching templates.
	status, _ = call(t, ts, http.MethodPost, "/api/v4/machines", "",
		map[string]any{"labels": []string{"template:debian13-gold"}})
	if status != http.StatusCreated {
		t.Fatalf("status = %d, want wildcard match", status)
	}
}

func TestPersonalisedOwnership(t *testing.T) {
	store := docstore.NewMemStore()
	mine := &model.Machine{State: model.MachineStateRunning, Owner: "alice"}
	mine.ID = 1
	other := &model.Machine{State: model.MachineStateRunning, Owner: "bob"}
	other.ID = 2
	if err := store.Seed(mine, other); err != nil {
		t.Fatal(err)
	}
	cfg := Config{Personalised: true, Admins: []string{"root"}}
	ts := newTestServer(t, store, cfg, 5)

	if status, _ := call(t, ts, http.MethodGet, "/api/v4/machines/1", "", nil); status != http.StatusUnauthorized {
		t.Errorf("anonymous status = %d, want 401", status)
	}
	if status, _ := call(t, ts, http.MethodGet, "/api/v4/machines/2", "alice", nil); status != http.StatusForbidden {
		t.Errorf("foreign machine status = %d, want 403", status)
	}
	if status, _ := call(t, ts, http.MethodGet, "/api/v4/machines/2", "root", nil); status != http.StatusOK {
		t.Errorf("admin status = %d, want 200", status)
	}

	_, env := call(t, ts, http.MethodGet, "/api/v4/machines", "alice", nil)
	list, ok := env.Responses[0].ReturnValue.([]any)
	if !ok || len(list) != 1 {
		t.Fatalf("alice sees %v, want exactly her machine", env.Responses[0].ReturnValue)
	}
	view := list[0].(map[string]any)
	if _, leaked := view["owner"]; leaked {
		t.Error("owner attribute leaked to non-admin")
	}
}

func TestRestartRequiresRunning(t *testing.T) {
	store := docstore.NewMemStore()
	mach := &model.Machine{State: model.MachineStateStopped}
	mach.ID = 1
	if err := store.Seed(mach); err != nil {
		t.Fatal(err)
	}
	ts := newTestServer(t, store, Config{}, 5)

	status, _ := call(t, ts, http.MethodPut, "/api/v4/machines/1", "",
		map[string]any{"action": "restart"})
	if status != http.StatusConflict {
		t.Errorf("status = %d, want 409", status)
	}

	status, env := call(t, ts, http.MethodPut, "/api/v4/machines/1", "",
		map[string]any{"action": "start"})
	if status != http.StatusOK || env.Responses[0].Type != typeRequestID {
		t.Errorf("start: status = %d, env = %+v", status, env)
	}
}

func TestDeleteMachineEnqueuesUndeploy(t *testing.T) {
	store := docstore.NewMemStore()
	mach := &model.Machine{State: model.MachineStateRunning}
	mach.ID = 1
	if err := store.Seed(mach); err != nil {
		t.Fatal(err)
	}
	ts := newTestServer(t, store, Config{}, 5)

	status, env := call(t, ts, http.MethodDelete, "/api/v4/machines/1", "", nil)
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	reqID := env.Responses[0].RequestID

	err := store.WithTx(t.Context(), func(tx docstore.Tx) error {
		id, _ := model.ParseRef(reqID)
		req, err := tx.Request(id)
		if err != nil {
			return err
		}
		if req == nil || req.Type != model.RequestUndeploy {
			t.Errorf("request = %+v, want undeploy", req)
		}
		acts, err := tx.ListActions(docstore.Filter{"type": "other", "lock": 0})
		if err != nil {
			return err
		}
		if len(acts) != 1 {
			t.Errorf("other actions = %d, want 1", len(acts))
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestRequestStatusContract(t *testing.T) {
	store := docstore.NewMemStore()
	pending := model.NewRequest(model.RequestStart, "1")
	pending.ID = 2
	pending.State = model.RequestStateDelayed
	failed := model.NewRequest(model.RequestStop, "1")
	failed.ID = 3
	failed.State = model.RequestStateFailed
	if err := store.Seed(pending, failed); err != nil {
		t.Fatal(err)
	}
	ts := newTestServer(t, store, Config{}, 5)

	_, env := call(t, ts, http.MethodGet, "/api/v4/requests/2", "", nil)
	if env.Responses[0].Type != typeRetryUntilLast || env.Responses[0].IsLast {
		t.Errorf("pending envelope = %+v", env.Responses[0])
	}

	_, env = call(t, ts, http.MethodGet, "/api/v4/requests/3", "", nil)
	if len(env.Responses) != 2 {
		t.Fatalf("terminal error envelope = %+v", env)
	}
	if env.Responses[0].Type != typeReturnValue || !env.Responses[0].IsLast {
		t.Errorf("first element = %+v", env.Responses[0])
	}
	if env.Responses[1].Type != typeException {
		t.Errorf("second element = %+v", env.Responses[1])
	}
}

func TestRequestStatusIncludesCapabilitiesForDeploy(t *testing.T) {
	store := docstore.NewMemStore()
	dep := model.NewRequest(model.RequestDeploy, "1")
	dep.ID = 2
	dep.State = model.RequestStateSuccess
	if err := store.Seed(dep); err != nil {
		t.Fatal(err)
	}
	ts := newTestServer(t, store, Config{}, 5)

	_, env := call(t, ts, http.MethodGet, "/api/v4/requests/2", "", nil)
	rv, ok := env.Responses[0].ReturnValue.(map[string]any)
	if !ok {
		t.Fatalf("return_value = %v", env.Responses[0].ReturnValue)
	}
	caps, ok := rv["capabilities"].(map[string]any)
	if !ok {
		t.Fatalf("capabilities missing: %v", rv)
	}
	if caps["slot_limit"] != float64(5) {
		t.Errorf("slot_limit = %v", caps["slot_limit"])
	}
}

func TestHostMaintenanceToggle(t *testing.T) {
	store := docstore.NewMemStore()
	host := &model.HostRuntimeInfo{Name: "esx1", MoRef: "host-1"}
	host.ID = 1
	if err := store.Seed(host); err != nil {
		t.Fatal(err)
	}
	ts := newTestServer(t, store, Config{}, 5)

	status, _ := call(t, ts, http.MethodPut, "/api/v4/hosts/1", "",
		map[string]any{"action": "enter_maintenance"})
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	err := store.WithTx(t.Context(), func(tx docstore.Tx) error {
		h, err := tx.Host(1)
		if err != nil {
			return err
		}
		if !h.ToBeInMaintenance {
			t.Error("flag not set")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	if status, _ := call(t, ts, http.MethodPut, "/api/v4/hosts/1", "",
		map[string]any{"action": "leave_maintenance"}); status != http.StatusOK {
		t.Fatalf("leave status = %d", status)
	}
}

func TestScreenshotLifecycleEnvelope(t *testing.T) {
	store := docstore.NewMemStore()
	mach := &model.Machine{State: model.MachineStateRunning}
	mach.ID = 1
	if err := store.Seed(mach); err != nil {
		t.Fatal(err)
	}
	ts := newTestServer(t, store, Config{}, 5)

	status, env := call(t, ts, http.MethodPost, "/api/v4/machines/1/screenshots", "", map[string]any{})
	if status != http.StatusCreated || len(env.Responses) != 2 {
		t.Fatalf("status = %d, env = %+v", status, env)
	}
	rv := env.Responses[1].ReturnValue.(map[string]any)
	sid := rv["screenshot_id"].(string)

	// Not obtained yet: the client keeps polling.
	path := fmt.Sprintf("/api/v4/machines/1/screenshots/%s", sid)
	_, env = call(t, ts, http.MethodGet, path, "", nil)
	if env.Responses[0].Type != typeRetryUntilLast {
		t.Errorf("pending screenshot envelope = %+v", env.Responses[0])
	}

	// Worker fills it in; now the payload comes back terminal.
	err := store.WithTx(t.Context(), func(tx docstore.Tx) error {
		id, _ := model.ParseRef(sid)
		shot, err := tx.ScreenshotForUpdate(id)
		if err != nil {
			return err
		}
		shot.Status = model.ScreenshotObtained
		shot.ImageBase64 = "aGVsbG8="
		shot.FileType = "png"
		return tx.Save(shot)
	})
	if err != nil {
		t.Fatal(err)
	}
	_, env = call(t, ts, http.MethodGet, path, "", nil)
	if env.Responses[0].Type != typeReturnValue || !env.Responses[0].IsLast {
		t.Fatalf("obtained envelope = %+v", env.Responses[0])
	}
	view := env.Responses[0].ReturnValue.(map[string]any)
	if view["image_base64"] != "aGVsbG8=" {
		t.Errorf("payload = %v", view["image_base64"])
	}
}

func TestCapabilitiesEndpoint(t *testing.T) {
	store := docstore.NewMemStore()
	if err := store.Seed(&model.Machine{State: model.MachineStateRunning}); err != nil {
		t.Fatal(err)
	}
	ts := newTestServer(t, store, Config{Labels: []string{"template:win10"}}, 3)

	_, env := call(t, ts, http.MethodGet, "/api/v4/capabilities", "", nil)
	rv := env.Responses[0].ReturnValue.(map[string]any)
	if rv["slot_limit"] != float64(3) || rv["free_slots"] != float64(2) {
		t.Errorf("capabilities = %v", rv)
	}
}

func TestUptimeProbe(t *testing.T) {
	ts := newTestServer(t, docstore.NewMemStore(), Config{}, 1)
	status, env := call(t, ts, http.MethodGet, "/api/v4/uptime", "", nil)
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	rv, ok := env.Responses[0].ReturnValue.(map[string]any)
	if !ok || rv["uptime"] == nil {
		t.Errorf("uptime payload = %v", env.Responses[0].ReturnValue)
	}
}
