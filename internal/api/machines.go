package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/vmlab/lmunit/internal/docstore"
	"github.com/vmlab/lmunit/internal/logging"
	"github.com/vmlab/lmunit/internal/model"
)

type createMachineBody struct {
	Labels []string `json:"labels"`
}

// createMachine is the deploy intake: capacity is checked with a forced
// capabilities refresh, and the whole (Machine, Request, Action) tuple is
// persisted in one transaction or not at all.
func (s *Server) createMachine(w http.ResponseWriter, r *http.Request) {
	var body createMachineBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeException(w, http.StatusBadRequest, "bad request body")
		return
	}

	template := labelValue(body.Labels, "template:")
	if template == "" {
		writeException(w, http.StatusBadRequest, "a template: label is required")
		return
	}
	if !s.templateAllowed(template) {
		writeException(w, http.StatusBadRequest,
			fmt.Sprintf("template %q is not served by this unit", template))
		return
	}

	snap, err := s.caps.Get(r.Context(), true)
	if err != nil {
		writeException(w, http.StatusInternalServerError, "capacity check failed")
		return
	}
	if snap.FreeSlots < 1 {
		writeException(w, http.StatusConflict, "no free slots")
		return
	}

	var req *model.Request
	err = s.store.WithTx(r.Context(), func(tx docstore.Tx) error {
		mach := &model.Machine{
			State:     model.MachineStateCreated,
			Labels:    body.Labels,
			CreatedAt: model.Now(),
		}
		if s.cfg.Personalised {
			mach.Owner = userFrom(r.Context())
		}
		if err := tx.Save(mach); err != nil {
			return err
		}

		req = model.NewRequest(model.RequestDeploy, mach.Ref())
		if err := tx.Save(req); err != nil {
			return err
		}
		mach.Requests = []string{req.Ref()}
		if err := tx.Save(mach); err != nil {
			return err
		}
		return tx.Save(model.NewAction(model.ActionDeploy, req.Ref()))
	})
	if err != nil {
		logging.Op().Error("deploy intake", "error", err)
		writeException(w, http.StatusInternalServerError, "store error")
		return
	}

	if nerr := s.notifier.Notify(r.Context(), model.ActionDeploy); nerr != nil {
		logging.Op().Warn("notify deploy queue", "error", nerr)
	}
	writeElements(w, http.StatusCreated, requestIDElement(req.Ref()))
}

// templateAllowed checks the requested template against the unit's label set.
// A configured label "template:*-gold" admits any template with that suffix.
func (s *Server) templateAllowed(template string) bool {
	for _, l := range s.cfg.Labels {
		name := strings.TrimPrefix(l, "template:")
		if name == l {
			continue
		}
		if name == template {
			return true
		}
		if strings.HasPrefix(name, "*") && strings.HasSuffix(template, name[1:]) {
			return true
		}
	}
	return false
}

func (s *Server) listMachines(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	admin := s.isAdmin(user)

	filter := docstore.Filter{}
	if state := r.URL.Query().Get("state"); state != "" {
		filter["state"] = state
	}

	var machines []*model.Machine
	err := s.store.WithTx(r.Context(), func(tx docstore.Tx) error {
		var err error
		machines, err = tx.ListMachines(filter)
		return err
	})
	if err != nil {
		writeException(w, http.StatusInternalServerError, "store error")
		return
	}

	views := make([]map[string]any, 0, len(machines))
	for _, m := range machines {
		if s.cfg.Personalised && !admin && m.Owner != user {
			continue
		}
		v, err := model.View(m, true, admin)
		if err != nil {
			writeException(w, http.StatusInternalServerError, "render error")
			return
		}
		views = append(views, v)
	}
	writeOK(w, returnElement(views, true))
}

func (s *Server) getMachine(w http.ResponseWriter, r *http.Request) {
	mach, done := s.loadOwnedMachine(w, r)
	if done {
		return
	}
	v, err := model.View(mach, false, s.isAdmin(userFrom(r.Context())))
	if err != nil {
		writeException(w, http.StatusInternalServerError, "render error")
		return
	}
	writeOK(w, returnElement(v, true))
}

type machineActionBody struct {
	Action string `json:"action"`
}

func (s *Server) machineAction(w http.ResponseWriter, r *http.Request) {
	mach, done := s.loadOwnedMachine(w, r)
	if done {
		return
	}
	var body machineActionBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeException(w, http.StatusBadRequest, "bad request body")
		return
	}

	var reqType model.RequestType
	switch body.Action {
	case "start":
		reqType = model.RequestStart
	case "stop":
		reqType = model.RequestStop
	case "restart":
		if mach.State != model.MachineStateRunning {
			writeException(w, http.StatusConflict,
				fmt.Sprintf("machine is %s, restart needs running", mach.State))
			return
		}
		reqType = model.RequestRestart
	default:
		writeException(w, http.StatusBadRequest, fmt.Sprintf("unknown action %q", body.Action))
		return
	}

	req, err := s.enqueue(r.Context(), mach.ID, reqType, model.ActionOther, "")
	if err != nil {
		writeException(w, http.StatusInternalServerError, "store error")
		return
	}
	writeOK(w, requestIDElement(req.Ref()))
}

func (s *Server) deleteMachine(w http.ResponseWriter, r *http.Request) {
	mach, done := s.loadOwnedMachine(w, r)
	if done {
		return
	}
	req, err := s.enqueue(r.Context(), mach.ID, model.RequestUndeploy, model.ActionOther, "")
	if err != nil {
		writeException(w, http.StatusInternalServerError, "store error")
		return
	}
	writeOK(w, requestIDElement(req.Ref()))
}

func (s *Server) createScreenshot(w http.ResponseWriter, r *http.Request) {
	mach, done := s.loadOwnedMachine(w, r)
	if done {
		return
	}

	shot := &model.Screenshot{
		Machine:   mach.Ref(),
		Status:    model.ScreenshotNotObtained,
		CreatedAt: model.Now(),
	}
	err := s.store.WithTx(r.Context(), func(tx docstore.Tx) error {
		if err := tx.Save(shot); err != nil {
			return err
		}
		m, err := tx.MachineForUpdate(mach.ID)
		if err != nil || m == nil {
			return err
		}
		m.Screenshots = append(m.Screenshots, shot.Ref())
		return tx.Save(m)
	})
	if err != nil {
		writeException(w, http.StatusInternalServerError, "store error")
		return
	}

	req, err := s.enqueue(r.Context(), mach.ID, model.RequestTakeScreenshot, model.ActionOther, shot.Ref())
	if err != nil {
		writeException(w, http.StatusInternalServerError, "store error")
		return
	}
	writeElements(w, http.StatusCreated,
		requestIDElement(req.Ref()),
		returnElement(map[string]any{"screenshot_id": shot.Ref()}, true))
}

func (s *Server) getScreenshot(w http.ResponseWriter, r *http.Request) {
	mach, done := s.loadOwnedMachine(w, r)
	if done {
		return
	}
	sid, err := pathID(r, "sid")
	if err != nil {
		writeException(w, http.StatusBadRequest, err.Error())
		return
	}

	var shot *model.Screenshot
	err = s.store.WithTx(r.Context(), func(tx docstore.Tx) error {
		shot, err = tx.Screenshot(sid)
		return err
	})
	if err != nil {
		writeException(w, http.StatusInternalServerError, "store error")
		return
	}
	if shot == nil || shot.Machine != mach.Ref() {
		writeException(w, http.StatusNotFound, "screenshot not found")
		return
	}

	if shot.Status == model.ScreenshotNotObtained {
		writeOK(w, returnElement(map[string]any{"status": shot.Status}, false))
		return
	}
	v, err := model.View(shot, false, true)
	if err != nil {
		writeException(w, http.StatusInternalServerError, "render error")
		return
	}
	writeOK(w, returnElement(v, true))
}

type createSnapshotBody struct {
	Name string `json:"name"`
}

func (s *Server) createSnapshot(w http.ResponseWriter, r *http.Request) {
	mach, done := s.loadOwnedMachine(w, r)
	if done {
		return
	}
	var body createSnapshotBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeException(w, http.StatusBadRequest, "bad request body")
		return
	}

	snap := &model.Snapshot{
		Name:      body.Name,
		Machine:   mach.Ref(),
		Status:    model.SnapshotNotCreated,
		CreatedAt: model.Now(),
	}
	err := s.store.WithTx(r.Context(), func(tx docstore.Tx) error {
		return tx.Save(snap)
	})
	if err != nil {
		writeException(w, http.StatusInternalServerError, "store error")
		return
	}

	req, err := s.enqueue(r.Context(), mach.ID, model.RequestTakeSnapshot, model.ActionOther, snap.Ref())
	if err != nil {
		writeException(w, http.StatusInternalServerError, "store error")
		return
	}
	writeElements(w, http.StatusCreated,
		requestIDElement(req.Ref()),
		returnElement(map[string]any{"snapshot_id": snap.Ref()}, true))
}

// loadMachineSnapshot resolves the {sid} path value against the machine.
func (s *Server) loadMachineSnapshot(w http.ResponseWriter, r *http.Request, mach *model.Machine) (*model.Snapshot, bool) {
	sid, err := pathID(r, "sid")
	if err != nil {
		writeException(w, http.StatusBadRequest, err.Error())
		return nil, true
	}
	var snap *model.Snapshot
	err = s.store.WithTx(r.Context(), func(tx docstore.Tx) error {
		snap, err = tx.Snapshot(sid)
		return err
	})
	if err != nil {
		writeException(w, http.StatusInternalServerError, "store error")
		return nil, true
	}
	if snap == nil || snap.Machine != mach.Ref() {
		writeException(w, http.StatusNotFound, "snapshot not found")
		return nil, true
	}
	return snap, false
}

func (s *Server) snapshotAction(w http.ResponseWriter, r *http.Request) {
	mach, done := s.loadOwnedMachine(w, r)
	if done {
		return
	}
	snap, done := s.loadMachineSnapshot(w, r, mach)
	if done {
		return
	}
	var body machineActionBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeException(w, http.StatusBadRequest, "bad request body")
		return
	}
	if body.Action != "restore" {
		writeException(w, http.StatusBadRequest, fmt.Sprintf("unknown action %q", body.Action))
		return
	}

	req, err := s.enqueue(r.Context(), mach.ID, model.RequestRestoreSnapshot, model.ActionOther, snap.Ref())
	if err != nil {
		writeException(w, http.StatusInternalServerError, "store error")
		return
	}
	writeOK(w, requestIDElement(req.Ref()))
}

func (s *Server) deleteSnapshot(w http.ResponseWriter, r *http.Request) {
	mach, done := s.loadOwnedMachine(w, r)
	if done {
		return
	}
	snap, done := s.loadMachineSnapshot(w, r, mach)
	if done {
		return
	}

	req, err := s.enqueue(r.Context(), mach.ID, model.RequestDeleteSnapshot, model.ActionOther, snap.Ref())
	if err != nil {
		writeException(w, http.StatusInternalServerError, "store error")
		return
	}
	writeOK(w, requestIDElement(req.Ref()))
}

// labelValue extracts the value of a prefixed label like "template:win10".
func labelValue(labels []string, prefix string) string {
	for _, l := range labels {
		if strings.HasPrefix(l, prefix) && len(l) > len(prefix) {
			return l[len(prefix):]
		}
	}
	return ""
}
