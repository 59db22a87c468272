package reaper

import (
	"context"
	"testing"
	"time"

	"github.com/vmlab/lmunit/internal/docstore"
	"github.com/vmlab/lmunit/internal/model"
)

func seedSleeping(t *testing.T, store *docstore.MemStore, repetitions int, nextTry model.Timestamp) (*model.Request, *model.Action) {
	t.Helper()
	req := model.NewRequest(model.RequestGetInfo, "1")
	req.ID = 2
	req.State = model.RequestStateDelayed
	act := model.NewAction(model.ActionOther, "2")
	act.ID = 3
	act.Lock = model.LockSleeping
	act.Repetitions = repetitions
	act.NextTry = nextTry
	if err := store.Seed(req, act); err != nil {
		t.Fatal(err)
	}
	return req, act
}

func getAction(t *testing.T, store *docstore.MemStore, id int64) *model.Action {
	t.Helper()
	var out *model.Action
	err := store.WithTx(context.Background(), func(tx docstore.Tx) error {
		acts, err := tx.ListActions(docstore.Filter{"_id": id})
		if err != nil {
			return err
		}
		if len(acts) > 0 {
			out = acts[0]
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func getRequest(t *testing.T, store *docstore.MemStore, id int64) *model.Request {
	t.Helper()
	var out *model.Request
	err := store.WithTx(context.Background(), func(tx docstore.Tx) error {
		var err error
		out, err = tx.Request(id)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func TestSweepWakesDueAction(t *testing.T) {
	store := docstore.NewMemStore()
	seedSleeping(t, store, 3, model.At(time.Now().Add(-time.Minute)))

	r := New(store, time.Second)
	if err := r.Sweep(context.Background()); err != nil {
		t.Fatal(err)
	}

	act := getAction(t, store, 3)
	if act.Lock != model.LockFree {
		t.Errorf("lock = %d, want 0", act.Lock)
	}
	if !act.NextTry.IsFarFuture() {
		t.Errorf("next_try = %s, want far-future sentinel", act.NextTry)
	}
	if act.Repetitions != 3 {
		t.Errorf("repetitions = %d, waking must not consume the budget", act.Repetitions)
	}
}

func TestSweepSkipsNotDueAction(t *testing.T) {
	store := docstore.NewMemStore()
	seedSleeping(t, store, 3, model.At(time.Now().Add(time.Hour)))

	r := New(store, time.Second)
	if err := r.Sweep(context.Background()); err != nil {
		t.Fatal(err)
	}

	act := getAction(t, store, 3)
	if act.Lock != model.LockSleeping {
		t.Errorf("lock = %d, want still sleeping", act.Lock)
	}
}

func TestSweepIgnoresFarFutureSentinel(t *testing.T) {
	store := docstore.NewMemStore()
	seedSleeping(t, store, 3, model.FarFuture())

	r := New(store, time.Second)
	if err := r.Sweep(context.Background()); err != nil {
		t.Fatal(err)
	}

	act := getAction(t, store, 3)
	if act.Lock != model.LockSleeping {
		t.Errorf("lock = %d, a worker-owned action must stay untouched", act.Lock)
	}
}

func TestSweepTimeoutsExhaustedAction(t *testing.T) {
	store := docstore.NewMemStore()
	seedSleeping(t, store, 0, model.At(time.Now().Add(-time.Minute)))

	r := New(store, time.Second)
	if err := r.Sweep(context.Background()); err != nil {
		t.Fatal(err)
	}

	act := getAction(t, store, 3)
	if act.Lock != model.LockFinished {
		t.Errorf("lock = %d, want -1", act.Lock)
	}
	req := getRequest(t, store, 2)
	if req.State != model.RequestStateTimeouted {
		t.Errorf("request state = %s, want timeouted", req.State)
	}
}

func TestSweepLeavesTerminalRequestAlone(t *testing.T) {
	store := docstore.NewMemStore()
	req, _ := seedSleeping(t, store, 0, model.At(time.Now().Add(-time.Minute)))
	req.State = model.RequestStateSuccess
	if err := store.Seed(req); err != nil {
		t.Fatal(err)
	}

	r := New(store, time.Second)
	if err := r.Sweep(context.Background()); err != nil {
		t.Fatal(err)
	}

	got := getRequest(t, store, 2)
	if got.State != model.RequestStateSuccess {
		t.Errorf("request state = %s, terminal state must never change", got.State)
	}
}

func TestSweepSkipsFreeAndFinished(t *testing.T) {
	store := docstore.NewMemStore()
	free := model.NewAction(model.ActionOther, "2")
	free.ID = 4
	done := model.NewAction(model.ActionOther, "2")
	done.ID = 5
	done.Lock = model.LockFinished
	if err := store.Seed(free, done); err != nil {
		t.Fatal(err)
	}

	r := New(store, time.Second)
	if err := r.Sweep(context.Background()); err != nil {
		t.Fatal(err)
	}
	if getAction(t, store, 4).Lock != model.LockFree {
		t.Error("free action changed")
	}
	if getAction(t, store, 5).Lock != model.LockFinished {
		t.Error("finished action changed")
	}
}
