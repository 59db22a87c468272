package api

import (
	"fmt"
	"net/http"

	"golang.org/x/sys/unix"

	"github.com/vmlab/lmunit/internal/docstore"
	"github.com/vmlab/lmunit/internal/model"
)

// getRequest is the polling endpoint: clients repeat the call until an
// element arrives with is_last=true. Deploy requests carry the current
// capacity alongside so dashboards get both in one round trip.
func (s *Server) getRequest(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeException(w, http.StatusBadRequest, err.Error())
		return
	}

	var req *model.Request
	err = s.store.WithTx(r.Context(), func(tx docstore.Tx) error {
		req, err = tx.Request(id)
		return err
	})
	if err != nil {
		writeException(w, http.StatusInternalServerError, "store error")
		return
	}
	if req == nil {
		writeException(w, http.StatusNotFound, fmt.Sprintf("request %d not found", id))
		return
	}

	status := map[string]any{
		"machine_id":   req.Machine,
		"state":        req.State,
		"request_type": req.Type,
		"modified_at":  req.ModifiedAt.String(),
	}
	if req.Type == model.RequestDeploy {
		if snap, cerr := s.caps.Get(r.Context(), false); cerr == nil {
			status["capabilities"] = snap
		}
	}

	elems := []element{returnElement(status, req.State.HasFinished())}
	if req.State.IsError() {
		elems = append(elems, exceptionElement(
			fmt.Sprintf("request %d ended %s", req.ID, req.State)))
	}
	writeOK(w, elems...)
}

func (s *Server) getCapabilities(w http.ResponseWriter, r *http.Request) {
	snap, err := s.caps.Get(r.Context(), false)
	if err != nil {
		writeException(w, http.StatusInternalServerError, "capacity check failed")
		return
	}
	writeOK(w, returnElement(snap, true))
}

func (s *Server) listHosts(w http.ResponseWriter, r *http.Request) {
	var hosts []*model.HostRuntimeInfo
	err := s.store.WithTx(r.Context(), func(tx docstore.Tx) error {
		var err error
		hosts, err = tx.ListHosts()
		return err
	})
	if err != nil {
		writeException(w, http.StatusInternalServerError, "store error")
		return
	}
	views := make([]map[string]any, 0, len(hosts))
	for _, h := range hosts {
		v, verr := model.View(h, true, false)
		if verr != nil {
			writeException(w, http.StatusInternalServerError, "render error")
			return
		}
		views = append(views, v)
	}
	writeOK(w, returnElement(views, true))
}

func (s *Server) getHost(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeException(w, http.StatusBadRequest, err.Error())
		return
	}
	var host *model.HostRuntimeInfo
	err = s.store.WithTx(r.Context(), func(tx docstore.Tx) error {
		host, err = tx.Host(id)
		return err
	})
	if err != nil {
		writeException(w, http.StatusInternalServerError, "store error")
		return
	}
	if host == nil {
		writeException(w, http.StatusNotFound, fmt.Sprintf("host %d not found", id))
		return
	}
	v, err := model.View(host, false, false)
	if err != nil {
		writeException(w, http.StatusInternalServerError, "render error")
		return
	}
	writeOK(w, returnElement(v, true))
}

// hostAction toggles the operator maintenance intent. Only admins may drain
// hosts on a personalised unit.
func (s *Server) hostAction(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Personalised && !s.isAdmin(userFrom(r.Context())) {
		writeException(w, http.StatusForbidden, "admin only")
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		writeException(w, http.StatusBadRequest, err.Error())
		return
	}

	var body machineActionBody
	if derr := decodeBody(r, &body); derr != nil {
		writeException(w, http.StatusBadRequest, "bad request body")
		return
	}
	var intent bool
	switch body.Action {
	case "enter_maintenance":
		intent = true
	case "leave_maintenance":
		intent = false
	default:
		writeException(w, http.StatusBadRequest, fmt.Sprintf("unknown action %q", body.Action))
		return
	}

	var host *model.HostRuntimeInfo
	err = s.store.WithTx(r.Context(), func(tx docstore.Tx) error {
		host, err = tx.HostForUpdate(id)
		if err != nil || host == nil {
			return err
		}
		host.ToBeInMaintenance = intent
		return tx.Save(host)
	})
	if err != nil {
		writeException(w, http.StatusInternalServerError, "store error")
		return
	}
	if host == nil {
		writeException(w, http.StatusNotFound, fmt.Sprintf("host %d not found", id))
		return
	}
	writeOK(w, returnElement(map[string]any{
		"name":                 host.Name,
		"to_be_in_maintenance": host.ToBeInMaintenance,
	}, true))
}

// getUptime is the liveness probe: system uptime in seconds.
func (s *Server) getUptime(w http.ResponseWriter, _ *http.Request) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		writeException(w, http.StatusInternalServerError, "sysinfo failed")
		return
	}
	writeOK(w, returnElement(map[string]any{"uptime": info.Uptime}, true))
}
