package docstore

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/vmlab/lmunit/internal/db"
	"github.com/vmlab/lmunit/internal/model"
)

// Tx is the typed view of one transaction scope. Getters return nil when
// nothing matches; ForUpdate variants hold the row lock until the scope ends.
// Components consume this interface so tests can substitute in-memory fakes.
type Tx interface {
	Request(id int64) (*model.Request, error)
	RequestForUpdate(id int64) (*model.Request, error)
	Machine(id int64) (*model.Machine, error)
	MachineForUpdate(id int64) (*model.Machine, error)
	Snapshot(id int64) (*model.Snapshot, error)
	SnapshotForUpdate(id int64) (*model.Snapshot, error)
	Screenshot(id int64) (*model.Screenshot, error)
	ScreenshotForUpdate(id int64) (*model.Screenshot, error)
	Host(id int64) (*model.HostRuntimeInfo, error)
	HostForUpdate(id int64) (*model.HostRuntimeInfo, error)
	HostByName(name string) (*model.HostRuntimeInfo, error)

	ListMachines(f Filter) ([]*model.Machine, error)
	ListHosts() ([]*model.HostRuntimeInfo, error)
	ListTickets(f Filter) ([]*model.DeployTicket, error)
	ListActions(f Filter) ([]*model.Action, error)

	// ClaimAction takes ownership of the eldest free action of one type:
	// the row is locked, the lock field moves 0 -> 1 and is persisted.
	// Returns nil when no free action exists or all are contended.
	ClaimAction(t model.ActionType) (*model.Action, error)
	// ClaimSleepingAction re-locks one sleeping action by id; nil when a
	// contending worker holds it or the lock state moved on.
	ClaimSleepingAction(id int64) (*model.Action, error)
	// ClaimFreeTicket row-locks the eldest enabled non-taken ticket without
	// mutating it; the caller marks it taken within the same scope.
	ClaimFreeTicket() (*model.DeployTicket, error)
	TicketForUpdate(id int64) (*model.DeployTicket, error)
	TicketByAssignedVM(moRef string) (*model.DeployTicket, error)

	Save(e model.Entity) error
	Delete(docType string, id int64) error
}

// Store runs functions inside transaction scopes.
type Store interface {
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}

// New returns a Store backed by a named database connection.
func New(conn *db.Conn) Store {
	return &pgStore{conn: conn}
}

type pgStore struct {
	conn *db.Conn
}

func (s *pgStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	return s.conn.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		return fn(&pgTx{ctx: ctx, tx: tx})
	})
}

type pgTx struct {
	ctx context.Context
	tx  pgx.Tx
}

func (t *pgTx) Request(id int64) (*model.Request, error) {
	return GetOne[model.Request](t.ctx, t.tx, Filter{"_id": id})
}

func (t *pgTx) RequestForUpdate(id int64) (*model.Request, error) {
	return GetOneForUpdate[model.Request](t.ctx, t.tx, Filter{"_id": id})
}

func (t *pgTx) Machine(id int64) (*model.Machine, error) {
	return GetOne[model.Machine](t.ctx, t.tx, Filter{"_id": id})
}

func (t *pgTx) MachineForUpdate(id int64) (*model.Machine, error) {
	return GetOneForUpdate[model.Machine](t.ctx, t.tx, Filter{"_id": id})
}

func (t *pgTx) Snapshot(id int64) (*model.Snapshot, error) {
	return GetOne[model.Snapshot](t.ctx, t.tx, Filter{"_id": id})
}

func (t *pgTx) SnapshotForUpdate(id int64) (*model.Snapshot, error) {
	return GetOneForUpdate[model.Snapshot](t.ctx, t.tx, Filter{"_id": id})
}

func (t *pgTx) Screenshot(id int64) (*model.Screenshot, error) {
	return GetOne[model.Screenshot](t.ctx, t.tx, Filter{"_id": id})
}

func (t *pgTx) ScreenshotForUpdate(id int64) (*model.Screenshot, error) {
	return GetOneForUpdate[model.Screenshot](t.ctx, t.tx, Filter{"_id": id})
}

func (t *pgTx) Host(id int64) (*model.HostRuntimeInfo, error) {
	return GetOne[model.HostRuntimeInfo](t.ctx, t.tx, Filter{"_id": id})
}

func (t *pgTx) HostForUpdate(id int64) (*model.HostRuntimeInfo, error) {
	return GetOneForUpdate[model.HostRuntimeInfo](t.ctx, t.tx, Filter{"_id": id})
}

func (t *pgTx) HostByName(name string) (*model.HostRuntimeInfo, error) {
	return GetOne[model.HostRuntimeInfo](t.ctx, t.tx, Filter{"name": name})
}

func (t *pgTx) ListMachines(f Filter) ([]*model.Machine, error) {
	return List[model.Machine](t.ctx, t.tx, f)
}

func (t *pgTx) ListHosts() ([]*model.HostRuntimeInfo, error) {
	return List[model.HostRuntimeInfo](t.ctx, t.tx, nil)
}

func (t *pgTx) ListTickets(f Filter) ([]*model.DeployTicket, error) {
	return List[model.DeployTicket](t.ctx, t.tx, f)
}

func (t *pgTx) ListActions(f Filter) ([]*model.Action, error) {
	return List[model.Action](t.ctx, t.tx, f)
}

func (t *pgTx) ClaimAction(at model.ActionType) (*model.Action, error) {
	a, err := GetOneForUpdateSkipLocked[model.Action](t.ctx, t.tx, Filter{
		"type": at,
		"lock": int(model.LockFree),
	})
	if err != nil || a == nil {
		return nil, err
	}
	a.Lock++
	if err := Save(t.ctx, t.tx, a); err != nil {
		return nil, err
	}
	return a, nil
}

func (t *pgTx) ClaimSleepingAction(id int64) (*model.Action, error) {
	return GetOneForUpdateSkipLocked[model.Action](t.ctx, t.tx, Filter{
		"_id":  id,
		"lock": int(model.LockSleeping),
	})
}

func (t *pgTx) ClaimFreeTicket() (*model.DeployTicket, error) {
	return GetOneForUpdateSkipLocked[model.DeployTicket](t.ctx, t.tx, Filter{
		"taken":   0,
		"enabled": true,
	})
}

func (t *pgTx) TicketForUpdate(id int64) (*model.DeployTicket, error) {
	return GetOneForUpdate[model.DeployTicket](t.ctx, t.tx, Filter{"_id": id})
}

func (t *pgTx) TicketByAssignedVM(moRef string) (*model.DeployTicket, error) {
	return GetOneForUpdate[model.DeployTicket](t.ctx, t.tx, Filter{"assigned_vm_moref": moRef})
}

func (t *pgTx) Save(e model.Entity) error {
	return Save(t.ctx, t.tx, e)
}

func (t *pgTx) Delete(docType string, id int64) error {
	return Delete(t.ctx, t.tx, docType, id)
}
