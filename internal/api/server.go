// Package api is the HTTP intake of the unit. Handlers never talk to the
// hypervisor; they persist durable (Request, Action) tuples that the workers
// pick up, and read whatever state the loops have mirrored into the store.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/vmlab/lmunit/internal/capabilities"
	"github.com/vmlab/lmunit/internal/docstore"
	"github.com/vmlab/lmunit/internal/logging"
	"github.com/vmlab/lmunit/internal/metrics"
	"github.com/vmlab/lmunit/internal/model"
	"github.com/vmlab/lmunit/internal/observability"
	"github.com/vmlab/lmunit/internal/queue"
)

// Config carries the unit settings the HTTP surface needs.
type Config struct {
	Labels       []string
	Personalised bool
	Admins       []string

	GetInfoRepetitions int
	GetInfoDelay       int
}

type Server struct {
	store    docstore.Store
	caps     *capabilities.Service
	notifier queue.Notifier
	cfg      Config
	mux      *http.ServeMux
}

func NewServer(store docstore.Store, caps *capabilities.Service, notifier queue.Notifier, cfg Config) *Server {
	if notifier == nil {
		notifier = queue.NewNoopNotifier()
	}
	s := &Server{store: store, caps: caps, notifier: notifier, cfg: cfg, mux: http.NewServeMux()}
	s.routes()
	return s
}

func (s *Server) routes() {
	v4 := http.NewServeMux()
	v4.HandleFunc("POST /machines", s.createMachine)
	v4.HandleFunc("GET /machines", s.listMachines)
	v4.HandleFunc("GET /machines/{id}", s.getMachine)
	v4.HandleFunc("PUT /machines/{id}", s.machineAction)
	v4.HandleFunc("DELETE /machines/{id}", s.deleteMachine)
	v4.HandleFunc("POST /machines/{id}/screenshots", s.createScreenshot)
	v4.HandleFunc("GET /machines/{id}/screenshots/{sid}", s.getScreenshot)
	v4.HandleFunc("POST /machines/{id}/snapshots", s.createSnapshot)
	v4.HandleFunc("PUT /machines/{id}/snapshots/{sid}", s.snapshotAction)
	v4.HandleFunc("DELETE /machines/{id}/snapshots/{sid}", s.deleteSnapshot)
	v4.HandleFunc("GET /requests/{id}", s.getRequest)
	v4.HandleFunc("GET /capabilities", s.getCapabilities)
	v4.HandleFunc("GET /hosts", s.listHosts)
	v4.HandleFunc("GET /hosts/{id}", s.getHost)
	v4.HandleFunc("PUT /hosts/{id}", s.hostAction)
	v4.HandleFunc("GET /uptime", s.getUptime)

	s.mux.Handle("/api/v4/", s.identity(http.StripPrefix("/api/v4", v4)))
	s.mux.Handle("GET /metrics", metrics.PrometheusHandler())
}

// Handler returns the full middleware chain.
func (s *Server) Handler() http.Handler {
	return observability.HTTPMiddleware(s.instrument(s.mux))
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.RecordHTTPRequest(r.Method, r.URL.Path,
			strconv.Itoa(rec.status), time.Since(started))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Serve runs the HTTP server until the context is cancelled.
func (s *Server) Serve(ctx context.Context, listen string) error {
	srv := &http.Server{
		Addr:              listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logging.Op().Info("http server listening", "addr", listen)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// pathID parses a numeric path value of the current route.
func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("bad %s %q", name, r.PathValue(name))
	}
	return id, nil
}

// loadOwnedMachine fetches a machine and enforces ownership for the caller.
// The bool reports whether a response has already been written.
func (s *Server) loadOwnedMachine(w http.ResponseWriter, r *http.Request) (*model.Machine, bool) {
	id, err := pathID(r, "id")
	if err != nil {
		writeException(w, http.StatusBadRequest, err.Error())
		return nil, true
	}
	var mach *model.Machine
	err = s.store.WithTx(r.Context(), func(tx docstore.Tx) error {
		mach, err = tx.Machine(id)
		return err
	})
	if err != nil {
		writeException(w, http.StatusInternalServerError, "store error")
		return nil, true
	}
	if mach == nil {
		writeException(w, http.StatusNotFound, fmt.Sprintf("machine %d not found", id))
		return nil, true
	}
	if !s.mayTouch(userFrom(r.Context()), mach) {
		writeException(w, http.StatusForbidden, "not your machine")
		return nil, true
	}
	return mach, false
}

// enqueue persists one request plus its action against an existing machine
// and pokes the matching worker queue. subjectRef is empty for plain ops.
func (s *Server) enqueue(ctx context.Context, machID int64, reqType model.RequestType, actType model.ActionType, subjectRef string) (*model.Request, error) {
	var req *model.Request
	err := s.store.WithTx(ctx, func(tx docstore.Tx) error {
		m, err := tx.MachineForUpdate(machID)
		if err != nil {
			return err
		}
		if m == nil {
			return fmt.Errorf("machine %d vanished", machID)
		}
		req = model.NewRequest(reqType, m.Ref())
		req.SubjectID = subjectRef
		if err := tx.Save(req); err != nil {
			return err
		}
		m.Requests = append(m.Requests, req.Ref())
		if err := tx.Save(m); err != nil {
			return err
		}
		act := model.NewAction(actType, req.Ref())
		if reqType == model.RequestGetInfo {
			act.Repetitions = s.cfg.GetInfoRepetitions
			act.Delay = s.cfg.GetInfoDelay
		}
		return tx.Save(act)
	})
	if err != nil {
		return nil, err
	}
	if nerr := s.notifier.Notify(ctx, actType); nerr != nil {
		logging.Op().Warn("notify", "queue", actType, "error", nerr)
	}
	return req, nil
}
