// Package reaper wakes sleeping actions. Workers park an action with lock=1
// and a future next_try; the reaper is the only component that moves it back
// to lock=0, or retires it as timeouted once its retry budget is spent.
package reaper

import (
	"context"
	"time"

	"github.com/vmlab/lmunit/internal/docstore"
	"github.com/vmlab/lmunit/internal/logging"
	"github.com/vmlab/lmunit/internal/metrics"
	"github.com/vmlab/lmunit/internal/model"
)

type Reaper struct {
	store docstore.Store
	sleep time.Duration
	now   func() time.Time
}

func New(store docstore.Store, sleep time.Duration) *Reaper {
	return &Reaper{store: store, sleep: sleep, now: time.Now}
}

// Run sweeps until the context is cancelled.
func (r *Reaper) Run(ctx context.Context) error {
	logging.Op().Info("reaper started", "sleep", r.sleep)
	for {
		select {
		case <-ctx.Done():
			logging.Op().Info("reaper stopping")
			return ctx.Err()
		case <-time.After(r.sleep):
		}
		if err := r.Sweep(ctx); err != nil {
			logging.Op().Error("reaper sweep failed", "error", err)
		}
	}
}

// Sweep lists sleeping actions and handles each due one in its own
// transaction. The re-claim under the row lock is what arbitrates against a
// worker that is still finishing the same action: whoever locks first wins,
// and a lost claim simply skips the action this round.
func (r *Reaper) Sweep(ctx context.Context) error {
	var sleeping []*model.Action
	err := r.store.WithTx(ctx, func(tx docstore.Tx) error {
		var err error
		sleeping, err = tx.ListActions(docstore.Filter{"lock": int(model.LockSleeping)})
		return err
	})
	if err != nil {
		return err
	}

	now := r.now()
	for _, candidate := range sleeping {
		if !candidate.NextTry.Time.Before(now) {
			continue
		}
		if err := r.wake(ctx, candidate.ID); err != nil {
			logging.Op().Error("wake action", "action", candidate.ID, "error", err)
		}
	}
	return nil
}

func (r *Reaper) wake(ctx context.Context, actionID int64) error {
	return r.store.WithTx(ctx, func(tx docstore.Tx) error {
		act, err := tx.ClaimSleepingAction(actionID)
		if err != nil || act == nil {
			return err
		}
		// Re-check under the lock: the list read may be stale.
		if !act.NextTry.Time.Before(r.now()) {
			return nil
		}

		if act.Repetitions <= 0 {
			reqID, perr := model.ParseRef(act.Request)
			if perr == nil {
				req, err := tx.RequestForUpdate(reqID)
				if err != nil {
					return err
				}
				if req != nil && !req.State.HasFinished() {
					req.State = model.RequestStateTimeouted
					if err := tx.Save(req); err != nil {
						return err
					}
				}
			}
			act.Lock = model.LockFinished
			if err := tx.Save(act); err != nil {
				return err
			}
			metrics.RecordReaperTimeout()
			logging.Op().Warn("action timeouted", "action", act.ID, "request", act.Request)
			return nil
		}

		act.Lock = model.LockFree
		act.NextTry = model.FarFuture()
		if err := tx.Save(act); err != nil {
			return err
		}
		metrics.RecordReaperWake()
		logging.Op().Debug("action woken",
			"action", act.ID, "repetitions_left", act.Repetitions)
		return nil
	})
}
