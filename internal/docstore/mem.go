package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/vmlab/lmunit/internal/model"
)

// MemStore is an in-memory Store used by tests and by development setups
// without a database. Scopes serialize on one mutex; mutations apply
// immediately (no rollback).
type MemStore struct {
	mu   sync.Mutex
	seq  int64
	docs map[int64]memDoc
}

type memDoc struct {
	docType string
	data    []byte
}

func NewMemStore() *MemStore {
	return &MemStore{docs: make(map[int64]memDoc)}
}

func (s *MemStore) WithTx(_ context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&memTx{s: s})
}

// Seed inserts entities outside a scope, for test setup.
func (s *MemStore) Seed(entities ...model.Entity) error {
	return s.WithTx(context.Background(), func(tx Tx) error {
		for _, e := range entities {
			if err := tx.Save(e); err != nil {
				return err
			}
		}
		return nil
	})
}

type memTx struct {
	s *MemStore
}

func (t *memTx) Save(e model.Entity) error {
	e.Touch(model.Now())
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if e.GetID() == 0 {
		t.s.seq++
		e.SetID(t.s.seq)
	} else if e.GetID() > t.s.seq {
		t.s.seq = e.GetID()
	}
	t.s.docs[e.GetID()] = memDoc{docType: e.DocType(), data: data}
	return nil
}

func (t *memTx) Delete(docType string, id int64) error {
	if d, ok := t.s.docs[id]; ok && d.docType == docType {
		delete(t.s.docs, id)
	}
	return nil
}

// memList decodes every document of the type in ascending id order and
// keeps the ones the match function accepts.
func memList[T any, P doc[T]](t *memTx, match func(P) bool) []P {
	docType := P(new(T)).DocType()
	ids := make([]int64, 0)
	for id, d := range t.s.docs {
		if d.docType == docType {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var out []P
	for _, id := range ids {
		e := P(new(T))
		if err := json.Unmarshal(t.s.docs[id].data, e); err != nil {
			panic(fmt.Sprintf("memstore: corrupt %s %d: %v", docType, id, err))
		}
		e.SetID(id)
		if match == nil || match(e) {
			out = append(out, e)
		}
	}
	return out
}

func memOne[T any, P doc[T]](t *memTx, match func(P) bool) P {
	all := memList[T, P](t, match)
	if len(all) == 0 {
		return nil
	}
	return all[0]
}

func (t *memTx) Request(id int64) (*model.Request, error) {
	return memOne[model.Request](t, func(r *model.Request) bool { return r.ID == id }), nil
}

func (t *memTx) RequestForUpdate(id int64) (*model.Request, error) { return t.Request(id) }

func (t *memTx) Machine(id int64) (*model.Machine, error) {
	return memOne[model.Machine](t, func(m *model.Machine) bool { return m.ID == id }), nil
}

func (t *memTx) MachineForUpdate(id int64) (*model.Machine, error) { return t.Machine(id) }

func (t *memTx) Snapshot(id int64) (*model.Snapshot, error) {
	return memOne[model.Snapshot](t, func(s *model.Snapshot) bool { return s.ID == id }), nil
}

func (t *memTx) SnapshotForUpdate(id int64) (*model.Snapshot, error) { return t.Snapshot(id) }

func (t *memTx) Screenshot(id int64) (*model.Screenshot, error) {
	return memOne[model.Screenshot](t, func(s *model.Screenshot) bool { return s.ID == id }), nil
}

func (t *memTx) ScreenshotForUpdate(id int64) (*model.Screenshot, error) { return t.Screenshot(id) }

func (t *memTx) Host(id int64) (*model.HostRuntimeInfo, error) {
	return memOne[model.HostRuntimeInfo](t, func(h *model.HostRuntimeInfo) bool { return h.ID == id }), nil
}

func (t *memTx) HostForUpdate(id int64) (*model.HostRuntimeInfo, error) { return t.Host(id) }

func (t *memTx) HostByName(name string) (*model.HostRuntimeInfo, error) {
	return memOne[model.HostRuntimeInfo](t, func(h *model.HostRuntimeInfo) bool { return h.Name == name }), nil
}

func (t *memTx) ListMachines(f Filter) ([]*model.Machine, error) {
	return memList[model.Machine](t, func(m *model.Machine) bool {
		return matchFilter(m, f)
	}), nil
}

func (t *memTx) ListHosts() ([]*model.HostRuntimeInfo, error) {
	return memList[model.HostRuntimeInfo](t, nil), nil
}

func (t *memTx) ListTickets(f Filter) ([]*model.DeployTicket, error) {
	return memList[model.DeployTicket](t, func(tk *model.DeployTicket) bool {
		return matchFilter(tk, f)
	}), nil
}

func (t *memTx) ListActions(f Filter) ([]*model.Action, error) {
	return memList[model.Action](t, func(a *model.Action) bool {
		return matchFilter(a, f)
	}), nil
}

func (t *memTx) ClaimAction(at model.ActionType) (*model.Action, error) {
	a := memOne[model.Action](t, func(a *model.Action) bool {
		return a.Type == at && a.Lock == model.LockFree
	})
	if a == nil {
		return nil, nil
	}
	a.Lock++
	if err := t.Save(a); err != nil {
		return nil, err
	}
	return a, nil
}

func (t *memTx) ClaimSleepingAction(id int64) (*model.Action, error) {
	return memOne[model.Action](t, func(a *model.Action) bool {
		return a.ID == id && a.Lock == model.LockSleeping
	}), nil
}

func (t *memTx) ClaimFreeTicket() (*model.DeployTicket, error) {
	return memOne[model.DeployTicket](t, func(tk *model.DeployTicket) bool {
		return tk.Enabled && tk.Taken == 0
	}), nil
}

func (t *memTx) TicketForUpdate(id int64) (*model.DeployTicket, error) {
	return memOne[model.DeployTicket](t, func(tk *model.DeployTicket) bool { return tk.ID == id }), nil
}

func (t *memTx) TicketByAssignedVM(moRef string) (*model.DeployTicket, error) {
	return memOne[model.DeployTicket](t, func(tk *model.DeployTicket) bool {
		return tk.AssignedVMMoRef == moRef
	}), nil
}

// matchFilter applies the filter the way the SQL translation does: compare
// the JSON rendering of each attribute as text; "_id" hits the id.
func matchFilter(e model.Entity, f Filter) bool {
	if len(f) == 0 {
		return true
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return false
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return false
	}
	for k, v := range f {
		if k == "_id" {
			id, err := toID(v)
			if err != nil || id != e.GetID() {
				return false
			}
			continue
		}
		got, ok := m[k]
		if !ok {
			return false
		}
		if jsonText(got) != fmt.Sprint(v) {
			return false
		}
	}
	return true
}

func jsonText(v any) string {
	switch v := v.(type) {
	case string:
		return v
	case float64:
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprint(v)
	case bool:
		if v {
			return "true"
		}
		return "false"
	default:
		return fmt.Sprint(v)
	}
}
