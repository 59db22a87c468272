package worker

import (
	"context"
	"fmt"

	"github.com/vmlab/lmunit/internal/docstore"
	"github.com/vmlab/lmunit/internal/logging"
	"github.com/vmlab/lmunit/internal/metrics"
	"github.com/vmlab/lmunit/internal/model"
)

// handleOther dispatches one non-deploy action by request type.
func (w *Worker) handleOther(ctx context.Context, act *model.Action) {
	req, mach, err := w.loadSubjects(ctx, act)
	if err != nil {
		logging.Op().Error("load action subjects", "action", act.ID, "error", err)
		return
	}
	if req == nil || mach == nil {
		w.finishOrphan(ctx, act)
		return
	}

	// Frozen machines accept nothing but an undeploy.
	if !mach.State.CanBeChanged() && req.Type != model.RequestUndeploy {
		w.abort(ctx, act, req)
		return
	}

	if req.Type == model.RequestGetInfo {
		w.handleGetInfo(ctx, act, req, mach)
		return
	}

	var newState model.MachineState
	var opErr error
	var mutate func(tx docstore.Tx, m *model.Machine) error
	notifyFollowUp := false

	switch req.Type {
	case model.RequestUndeploy:
		if serr := w.hv.Stop(ctx, mach.ProviderID); serr != nil {
			logging.Op().Warn("stop before undeploy failed", "machine", mach.Ref(), "error", serr)
		}
		opErr = w.hv.Undeploy(ctx, mach.ProviderID)
		if opErr == nil {
			w.releaseTicketByVM(ctx, mach.MachineMoRef)
			newState = model.MachineStateUndeployed
		} else {
			newState = model.MachineStateFailed
		}

	case model.RequestStart:
		opErr = w.hv.Start(ctx, mach.ProviderID)
		if opErr == nil {
			newState = model.MachineStateRunning
			if w.cfg.EnqueueGetMachineInfo {
				notifyFollowUp = true
				mutate = func(tx docstore.Tx, m *model.Machine) error {
					return w.enqueueGetInfo(tx, m)
				}
			}
		} else {
			newState = model.MachineStateFailed
		}

	case model.RequestStop:
		opErr = w.hv.Stop(ctx, mach.ProviderID)
		if opErr == nil {
			w.releaseTicketByVM(ctx, mach.MachineMoRef)
			newState = model.MachineStateStopped
		} else {
			newState = model.MachineStateFailed
		}

	case model.RequestRestart:
		opErr = w.hv.Reset(ctx, mach.ProviderID)

	case model.RequestTakeScreenshot:
		mutate, opErr = w.takeScreenshot(ctx, req, mach)

	case model.RequestTakeSnapshot, model.RequestRestoreSnapshot, model.RequestDeleteSnapshot:
		mutate, opErr = w.snapshotOp(ctx, req, mach)

	default:
		opErr = fmt.Errorf("unknown request type %q", req.Type)
	}

	if opErr != nil {
		logging.Op().Error("action failed",
			"action", act.ID, "request", req.Ref(), "type", req.Type, "error", opErr)
	}
	if err := w.finalize(ctx, act, req.ID, newState, opErr, mutate); err != nil {
		logging.Op().Error("finalize action", "action", act.ID, "error", err)
		return
	}
	if notifyFollowUp && opErr == nil {
		if err := w.notifier.Notify(ctx, model.ActionOther); err != nil {
			logging.Op().Warn("notify follow-up", "error", err)
		}
	}
}

// handleGetInfo asks the hypervisor for guest state. Until the guest reports
// addresses the action is rearmed: repetitions spent, next_try pushed out,
// lock back to sleeping for the reaper to wake.
func (w *Worker) handleGetInfo(ctx context.Context, act *model.Action, req *model.Request, mach *model.Machine) {
	info, err := w.hv.GetMachineInfo(ctx, mach.ProviderID)
	if err != nil {
		w.failOp(ctx, act, req, err)
		return
	}

	if len(info.IPAddresses) > 0 {
		err = w.finalize(ctx, act, req.ID, "", nil, func(tx docstore.Tx, m *model.Machine) error {
			if m == nil {
				return nil
			}
			m.IPAddresses = info.IPAddresses
			m.MachineName = info.Name
			m.MachineSearchLink = info.SearchLink
			return nil
		})
		if err != nil {
			logging.Op().Error("finalize get_info", "action", act.ID, "error", err)
		}
		return
	}

	// No addresses yet: persist what was learned and go back to sleep.
	err = w.store.WithTx(ctx, func(tx docstore.Tx) error {
		m, err := tx.MachineForUpdate(mach.ID)
		if err != nil {
			return err
		}
		if m != nil {
			if info.Name != "" {
				m.MachineName = info.Name
				m.MachineSearchLink = info.SearchLink
			}
			if err := tx.Save(m); err != nil {
				return err
			}
		}

		r, err := tx.RequestForUpdate(req.ID)
		if err != nil {
			return err
		}
		if r != nil && !r.State.HasFinished() {
			r.State = model.RequestStateDelayed
			if err := tx.Save(r); err != nil {
				return err
			}
		}

		act.Repetitions--
		act.NextTry = nextTryIn(act.Delay)
		act.Lock = model.LockSleeping
		return tx.Save(act)
	})
	if err != nil {
		logging.Op().Error("rearm get_info", "action", act.ID, "error", err)
	}
}

// takeScreenshot captures the console image and fills the subject record.
func (w *Worker) takeScreenshot(ctx context.Context, req *model.Request, mach *model.Machine) (func(tx docstore.Tx, m *model.Machine) error, error) {
	subjectID, err := model.ParseRef(req.SubjectID)
	if err != nil {
		return nil, fmt.Errorf("screenshot subject %q: %w", req.SubjectID, err)
	}

	payload, opErr := w.hv.TakeScreenshot(ctx, mach.ProviderID)

	mutate := func(tx docstore.Tx, _ *model.Machine) error {
		shot, err := tx.ScreenshotForUpdate(subjectID)
		if err != nil || shot == nil {
			return err
		}
		if opErr != nil {
			shot.Status = model.ScreenshotFailed
		} else {
			shot.Status = model.ScreenshotObtained
			shot.FileType = "png"
			shot.ImageBase64 = payload
		}
		return tx.Save(shot)
	}
	return mutate, opErr
}

// snapshotOp runs one snapshot verb against the hypervisor and updates the
// subject record; a successful take attaches the snapshot to the machine, a
// successful delete detaches it.
func (w *Worker) snapshotOp(ctx context.Context, req *model.Request, mach *model.Machine) (func(tx docstore.Tx, m *model.Machine) error, error) {
	subjectID, err := model.ParseRef(req.SubjectID)
	if err != nil {
		return nil, fmt.Errorf("snapshot subject %q: %w", req.SubjectID, err)
	}

	var snap *model.Snapshot
	err = w.store.WithTx(ctx, func(tx docstore.Tx) error {
		snap, err = tx.Snapshot(subjectID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, fmt.Errorf("snapshot %d not found", subjectID)
	}

	name := snap.Name
	if name == "" {
		name = w.cfg.DefaultSnapshotName
	}

	var opErr error
	var status string
	switch req.Type {
	case model.RequestTakeSnapshot:
		_, opErr = w.hv.TakeSnapshot(ctx, mach.ProviderID, name)
		status = model.SnapshotCreated
	case model.RequestRestoreSnapshot:
		_, opErr = w.hv.RevertSnapshot(ctx, mach.ProviderID, name)
		status = model.SnapshotRestored
	case model.RequestDeleteSnapshot:
		_, opErr = w.hv.RemoveSnapshot(ctx, mach.ProviderID, name)
		status = model.SnapshotDeleted
	}

	reqType := req.Type
	mutate := func(tx docstore.Tx, m *model.Machine) error {
		s, err := tx.SnapshotForUpdate(subjectID)
		if err != nil || s == nil {
			return err
		}
		if opErr != nil {
			s.Status = model.SnapshotFailed
		} else {
			s.Status = status
		}
		if err := tx.Save(s); err != nil {
			return err
		}
		if m == nil || opErr != nil {
			return nil
		}
		switch reqType {
		case model.RequestTakeSnapshot:
			m.Snapshots = append(m.Snapshots, s.Ref())
		case model.RequestDeleteSnapshot:
			m.Snapshots = removeRef(m.Snapshots, s.Ref())
		}
		return nil
	}
	return mutate, opErr
}

// abort terminates an action against a frozen machine without touching it.
func (w *Worker) abort(ctx context.Context, act *model.Action, req *model.Request) {
	logging.Op().Warn("action aborted, machine is frozen",
		"action", act.ID, "request", req.Ref(), "type", req.Type)
	err := w.store.WithTx(ctx, func(tx docstore.Tx) error {
		r, err := tx.RequestForUpdate(req.ID)
		if err != nil {
			return err
		}
		if r != nil && !r.State.HasFinished() {
			r.State = model.RequestStateAborted
			if err := tx.Save(r); err != nil {
				return err
			}
		}
		act.Lock = model.LockFinished
		return tx.Save(act)
	})
	if err != nil {
		logging.Op().Error("abort action", "action", act.ID, "error", err)
		return
	}
	metrics.RecordActionCompleted(string(req.Type), "aborted")
}

// failOp marks the request failed without a machine state change.
func (w *Worker) failOp(ctx context.Context, act *model.Action, req *model.Request, cause error) {
	logging.Op().Error("action failed", "action", act.ID, "request", req.Ref(), "error", cause)
	if err := w.finalize(ctx, act, req.ID, "", cause, nil); err != nil {
		logging.Op().Error("finalize failed action", "action", act.ID, "error", err)
	}
}

func removeRef(refs []string, ref string) []string {
	out := refs[:0]
	for _, r := range refs {
		if r != ref {
			out = append(out, r)
		}
	}
	return out
}
