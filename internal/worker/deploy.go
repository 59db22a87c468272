package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vmlab/lmunit/internal/docstore"
	"github.com/vmlab/lmunit/internal/logging"
	"github.com/vmlab/lmunit/internal/metrics"
	"github.com/vmlab/lmunit/internal/model"
)

// errNoNosID fails a deploy whose clone came up without a derivable identity.
// Such a machine cannot be matched to its network presence and is
// non-operational; the worker tears it down instead of handing it out.
var errNoNosID = errors.New("deployed machine has no nos_id")

func (w *Worker) handleDeploy(ctx context.Context, act *model.Action) {
	started := time.Now()

	req, mach, err := w.loadSubjects(ctx, act)
	if err != nil {
		logging.Op().Error("load deploy subjects", "action", act.ID, "error", err)
		return
	}
	if req == nil || mach == nil {
		w.finishOrphan(ctx, act)
		return
	}
	if mach.State == model.MachineStateUndeployed {
		w.failDeploy(ctx, act, req, fmt.Errorf("machine %s is undeployed", mach.Ref()))
		return
	}

	template := labelValue(mach.Labels, "template:")
	if template == "" {
		w.failDeploy(ctx, act, req, fmt.Errorf("machine %s has no template label", mach.Ref()))
		return
	}
	networkName := w.cfg.NetworkInterface
	if v := labelValue(mach.Labels, "config:network_interface="); v != "" {
		networkName = v
	}
	inventoryFolder := labelValue(mach.Labels, "config:inventory_path=")
	name := outputName(w.cfg.UnitName)

	var uuid string
	var ticketID int64
	if w.cfg.HostSlotted {
		uuid, ticketID, err = w.deployViaTicket(ctx, template, name)
	} else {
		uuid, err = w.hv.Deploy(ctx, template, name, true, inventoryFolder)
	}
	if err != nil {
		w.failDeploy(ctx, act, req, err)
		return
	}

	if networkName != "" {
		if err := w.hv.ConfigNetwork(ctx, uuid, networkName); err != nil {
			w.releaseTicket(ctx, ticketID)
			w.failDeploy(ctx, act, req, err)
			return
		}
	}

	info, err := w.hv.GetMachineInfo(ctx, uuid)
	if err != nil {
		w.releaseTicket(ctx, ticketID)
		w.failDeploy(ctx, act, req, err)
		return
	}
	if info.NosID == "" {
		// Non-operational clone: tear it down rather than hand it out.
		if serr := w.hv.Stop(ctx, uuid); serr != nil {
			logging.Op().Warn("stop of identity-less machine failed", "uuid", uuid, "error", serr)
		}
		if uerr := w.hv.Undeploy(ctx, uuid); uerr != nil {
			logging.Op().Warn("undeploy of identity-less machine failed", "uuid", uuid, "error", uerr)
		}
		w.releaseTicket(ctx, ticketID)
		w.failDeploy(ctx, act, req, errNoNosID)
		return
	}

	newState := model.MachineStateDeployed
	if info.PowerState == "poweredOn" {
		newState = model.MachineStateRunning
	}

	followUp := newState == model.MachineStateRunning && w.cfg.EnqueueGetMachineInfo
	err = w.finalize(ctx, act, req.ID, newState, nil, func(tx docstore.Tx, m *model.Machine) error {
		if m == nil {
			return fmt.Errorf("machine %s vanished", req.Machine)
		}
		m.ProviderID = uuid
		m.NosID = info.NosID
		m.MachineName = info.Name
		m.MachineSearchLink = info.SearchLink
		m.MachineMoRef = info.MoRef
		if len(info.IPAddresses) > 0 {
			m.IPAddresses = info.IPAddresses
		}
		if followUp {
			return w.enqueueGetInfo(tx, m)
		}
		return nil
	})
	if err != nil {
		logging.Op().Error("finalize deploy", "action", act.ID, "error", err)
		return
	}
	if followUp {
		if err := w.notifier.Notify(ctx, model.ActionOther); err != nil {
			logging.Op().Warn("notify follow-up", "error", err)
		}
	}

	metrics.ObserveDeployDuration(time.Since(started))
	logging.Op().Info("machine deployed",
		"machine", mach.Ref(), "uuid", uuid, "name", info.Name, "state", newState)
}

// deployViaTicket acquires one deploy slot, clones onto its host and binds
// the ticket to the produced machine. The ticket is released on any failure.
func (w *Worker) deployViaTicket(ctx context.Context, template, outputName string) (string, int64, error) {
	waitStart := time.Now()
	ticket, err := w.acquireTicket(ctx)
	if err != nil {
		return "", 0, err
	}
	metrics.ObserveTicketWait(time.Since(waitStart))

	uuid, moRef, err := w.hv.DeployViaTicket(ctx, template, outputName, ticket.HostMoRef)
	if err != nil {
		w.releaseTicket(ctx, ticket.ID)
		return "", 0, err
	}

	err = w.store.WithTx(ctx, func(tx docstore.Tx) error {
		tk, err := tx.TicketForUpdate(ticket.ID)
		if err != nil || tk == nil {
			return err
		}
		tk.AssignedVMMoRef = moRef
		return tx.Save(tk)
	})
	if err != nil {
		logging.Op().Error("bind ticket", "ticket", ticket.ID, "error", err)
	}
	return uuid, ticket.ID, nil
}

// acquireTicket polls the pool until a free enabled ticket can be taken.
func (w *Worker) acquireTicket(ctx context.Context) (*model.DeployTicket, error) {
	for {
		var ticket *model.DeployTicket
		err := w.store.WithTx(ctx, func(tx docstore.Tx) error {
			tk, err := tx.ClaimFreeTicket()
			if err != nil || tk == nil {
				return err
			}
			tk.Taken = 1
			if err := tx.Save(tk); err != nil {
				return err
			}
			ticket = tk
			return nil
		})
		if err != nil {
			return nil, err
		}
		if ticket != nil {
			return ticket, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(w.cfg.TicketPollSleep * float64(time.Second))):
		}
	}
}

// releaseTicket frees a ticket after a failed or undone deploy. A zero id is
// a no-op so non-slotted paths can call it unconditionally.
func (w *Worker) releaseTicket(ctx context.Context, ticketID int64) {
	if ticketID == 0 {
		return
	}
	err := w.store.WithTx(ctx, func(tx docstore.Tx) error {
		tk, err := tx.TicketForUpdate(ticketID)
		if err != nil || tk == nil {
			return err
		}
		tk.Taken = 0
		tk.AssignedVMMoRef = ""
		return tx.Save(tk)
	})
	if err != nil {
		logging.Op().Error("release ticket", "ticket", ticketID, "error", err)
	}
}

// releaseTicketByVM frees the ticket bound to a machine mo_ref, if any.
func (w *Worker) releaseTicketByVM(ctx context.Context, moRef string) {
	if moRef == "" {
		return
	}
	err := w.store.WithTx(ctx, func(tx docstore.Tx) error {
		tk, err := tx.TicketByAssignedVM(moRef)
		if err != nil || tk == nil {
			return err
		}
		tk.Taken = 0
		tk.AssignedVMMoRef = ""
		return tx.Save(tk)
	})
	if err != nil {
		logging.Op().Error("release ticket by vm", "mo_ref", moRef, "error", err)
	}
}

// failDeploy marks the request and machine failed and terminates the action.
func (w *Worker) failDeploy(ctx context.Context, act *model.Action, req *model.Request, cause error) {
	logging.Op().Error("deploy failed", "request", req.Ref(), "error", cause)
	err := w.finalize(ctx, act, req.ID, model.MachineStateFailed, cause, nil)
	if err != nil {
		logging.Op().Error("finalize failed deploy", "action", act.ID, "error", err)
	}
}
