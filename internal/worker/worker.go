// Package worker runs the action-claiming loops. A deploy worker claims
// deploy actions, an ops worker claims everything else; both poll the
// documents table through skip-locked claims and use the queue notifier only
// to cut the poll sleep short.
package worker

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	guuid "github.com/google/uuid"

	"github.com/vmlab/lmunit/internal/config"
	"github.com/vmlab/lmunit/internal/docstore"
	"github.com/vmlab/lmunit/internal/logging"
	"github.com/vmlab/lmunit/internal/metrics"
	"github.com/vmlab/lmunit/internal/model"
	"github.com/vmlab/lmunit/internal/observability"
	"github.com/vmlab/lmunit/internal/queue"
	"github.com/vmlab/lmunit/internal/vsphere"
)

// Hypervisor is the adapter surface the workers drive. *vsphere.Client
// implements it; tests substitute a fake.
type Hypervisor interface {
	Deploy(ctx context.Context, template, name string, running bool, inventoryFolder string) (string, error)
	DeployViaTicket(ctx context.Context, template, name, hostMoRef string) (string, string, error)
	GetMachineInfo(ctx context.Context, uuid string) (*vsphere.MachineInfo, error)
	Start(ctx context.Context, uuid string) error
	Stop(ctx context.Context, uuid string) error
	Reset(ctx context.Context, uuid string) error
	Undeploy(ctx context.Context, uuid string) error
	ConfigNetwork(ctx context.Context, uuid, networkName string) error
	TakeSnapshot(ctx context.Context, uuid, name string) (bool, error)
	RevertSnapshot(ctx context.Context, uuid, name string) (bool, error)
	RemoveSnapshot(ctx context.Context, uuid, name string) (bool, error)
	TakeScreenshot(ctx context.Context, uuid string) (string, error)
	RefreshPlacement(ctx context.Context) error
	Idle(ctx context.Context) error
}

// Config carries the unit settings one worker process needs.
type Config struct {
	config.WorkerConfig

	UnitName            string
	HostSlotted         bool
	DefaultSnapshotName string
}

// Worker claims and handles actions of one type.
type Worker struct {
	store    docstore.Store
	hv       Hypervisor
	notifier queue.Notifier
	cfg      Config
	mode     model.ActionType

	claimed int
}

func New(store docstore.Store, hv Hypervisor, notifier queue.Notifier, cfg Config, mode model.ActionType) *Worker {
	if notifier == nil {
		notifier = queue.NewNoopNotifier()
	}
	return &Worker{store: store, hv: hv, notifier: notifier, cfg: cfg, mode: mode}
}

// Run loops until the context is cancelled. Claim misses accumulate into an
// idle counter; once it fills the worker pings the hypervisor session so it
// does not expire between bursts of work.
func (w *Worker) Run(ctx context.Context) error {
	logging.Op().Info("worker started", "mode", w.mode)
	wake := w.notifier.Subscribe(ctx, w.mode)

	idle := 0
	for {
		if err := ctx.Err(); err != nil {
			logging.Op().Info("worker stopping", "mode", w.mode)
			return err
		}

		handled, err := w.RunOnce(ctx)
		if err != nil {
			logging.Op().Error("worker iteration failed", "mode", w.mode, "error", err)
		}
		if handled {
			idle = 0
			w.claimed++
			if w.cfg.LoadRefreshInterval > 0 && w.claimed%w.cfg.LoadRefreshInterval == 0 {
				if err := w.hv.RefreshPlacement(ctx); err != nil {
					logging.Op().Warn("placement refresh failed", "error", err)
				}
			}
			w.sleep(ctx, w.cfg.LoopInitialSleep, wake)
			continue
		}

		idle++
		if idle >= w.cfg.IdleCounter {
			idle = 0
			if err := w.hv.Idle(ctx); err != nil {
				logging.Op().Warn("hypervisor keepalive failed", "error", err)
			}
			w.sleep(ctx, w.cfg.LoopIdleSleep, wake)
		} else {
			w.sleep(ctx, w.cfg.LoopInitialSleep, wake)
		}
	}
}

// RunOnce claims at most one action and handles it. The claim commits
// immediately (lock 0 -> 1) so a crash mid-handling leaves the action to the
// reaper instead of another worker.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	var act *model.Action
	err := w.store.WithTx(ctx, func(tx docstore.Tx) error {
		a, err := tx.ClaimAction(w.mode)
		if err != nil {
			return err
		}
		act = a
		return nil
	})
	if err != nil {
		return false, err
	}
	if act == nil {
		return false, nil
	}

	metrics.RecordActionClaimed(string(w.mode))
	ctx, span := observability.StartActionSpan(ctx, string(act.Type), act.ID)
	defer span.End()

	if w.mode == model.ActionDeploy {
		w.handleDeploy(ctx, act)
	} else {
		w.handleOther(ctx, act)
	}
	return true, nil
}

func (w *Worker) sleep(ctx context.Context, seconds float64, wake <-chan struct{}) {
	d := time.Duration(seconds * float64(time.Second))
	select {
	case <-ctx.Done():
	case <-wake:
	case <-time.After(d):
	}
}

// loadSubjects reads the request and machine an action points at, without
// locking either.
func (w *Worker) loadSubjects(ctx context.Context, act *model.Action) (*model.Request, *model.Machine, error) {
	reqID, err := model.ParseRef(act.Request)
	if err != nil {
		return nil, nil, err
	}
	var req *model.Request
	var mach *model.Machine
	err = w.store.WithTx(ctx, func(tx docstore.Tx) error {
		req, err = tx.Request(reqID)
		if err != nil || req == nil {
			return err
		}
		machID, perr := model.ParseRef(req.Machine)
		if perr != nil {
			return perr
		}
		mach, err = tx.Machine(machID)
		return err
	})
	return req, mach, err
}

// finishOrphan terminates an action whose request or machine no longer
// exists.
func (w *Worker) finishOrphan(ctx context.Context, act *model.Action) {
	logging.Op().Warn("action without live subject", "action", act.ID, "request", act.Request)
	err := w.store.WithTx(ctx, func(tx docstore.Tx) error {
		act.Lock = model.LockFinished
		return tx.Save(act)
	})
	if err != nil {
		logging.Op().Error("finish orphan action", "action", act.ID, "error", err)
	}
}

// finalize commits the outcome of one handled action: subject-record updates,
// the machine-state transition when permitted, the request verdict, and the
// terminal action lock. A request that already reached a terminal state is
// left untouched.
func (w *Worker) finalize(ctx context.Context, act *model.Action, reqID int64, newState model.MachineState, opErr error, mutate func(tx docstore.Tx, mach *model.Machine) error) error {
	return w.store.WithTx(ctx, func(tx docstore.Tx) error {
		req, err := tx.RequestForUpdate(reqID)
		if err != nil {
			return err
		}
		if req == nil {
			act.Lock = model.LockFinished
			return tx.Save(act)
		}

		var mach *model.Machine
		if req.Machine != "" {
			machID, perr := model.ParseRef(req.Machine)
			if perr == nil {
				mach, err = tx.MachineForUpdate(machID)
				if err != nil {
					return err
				}
			}
		}

		if mutate != nil {
			if err := mutate(tx, mach); err != nil {
				return err
			}
		}

		if mach != nil {
			if req.Type.CanChangeMachineState() && newState != "" && mach.State.CanBeChanged() {
				mach.State = newState
			}
			if err := tx.Save(mach); err != nil {
				return err
			}
		}

		if !req.State.HasFinished() {
			if opErr != nil || newState == model.MachineStateFailed {
				req.State = model.RequestStateFailed
			} else {
				req.State = model.RequestStateSuccess
			}
			if err := tx.Save(req); err != nil {
				return err
			}
		}

		act.Lock = model.LockFinished
		if err := tx.Save(act); err != nil {
			return err
		}

		outcome := "success"
		if opErr != nil || newState == model.MachineStateFailed {
			outcome = "failed"
		}
		metrics.RecordActionCompleted(string(req.Type), outcome)
		return nil
	})
}

// enqueueGetInfo creates the follow-up info request and action for a machine
// inside the caller's transaction. The caller notifies after commit.
func (w *Worker) enqueueGetInfo(tx docstore.Tx, mach *model.Machine) error {
	req := model.NewRequest(model.RequestGetInfo, mach.Ref())
	if err := tx.Save(req); err != nil {
		return err
	}
	mach.Requests = append(mach.Requests, req.Ref())

	act := model.NewAction(model.ActionOther, req.Ref())
	act.Repetitions = w.cfg.GetInfoRepetitions
	act.Delay = w.cfg.GetInfoDelay
	return tx.Save(act)
}

// nextTryIn schedules delay seconds plus up to three seconds of jitter so
// rearmed actions do not wake in lockstep.
func nextTryIn(delay int) model.Timestamp {
	jitter := time.Duration(rand.Int63n(int64(3 * time.Second)))
	return model.At(time.Now().Add(time.Duration(delay)*time.Second + jitter))
}

// outputName derives the hypervisor-side clone name: the unit prefix plus a
// short random suffix, unique across the fleet without coordination.
func outputName(unit string) string {
	return fmt.Sprintf("%s-%s", unit, guuid.NewString()[:8])
}

// labelValue extracts the value of a `prefix<value>` label, e.g.
// "template:win10" or "config:network_interface=lab-net".
func labelValue(labels []string, prefix string) string {
	for _, l := range labels {
		if len(l) > len(prefix) && l[:len(prefix)] == prefix {
			return l[len(prefix):]
		}
	}
	return ""
}
