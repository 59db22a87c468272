// Package capabilities computes the unit's deploy capacity advertised on the
// API and consulted at deploy intake. The snapshot is cached for a short
// period; once utilization crosses the configured threshold the cache is
// bypassed so admission decisions near the limit always see fresh numbers.
package capabilities

import (
	"context"
	"sync"
	"time"

	"github.com/vmlab/lmunit/internal/docstore"
	"github.com/vmlab/lmunit/internal/metrics"
	"github.com/vmlab/lmunit/internal/model"
)

// Snapshot is the externally visible capacity of the unit.
type Snapshot struct {
	SlotLimit int      `json:"slot_limit"`
	FreeSlots int      `json:"free_slots"`
	Labels    []string `json:"labels"`

	computedAt time.Time
}

// Config carries the knobs the service needs from the unit configuration.
type Config struct {
	SlotLimit        int
	Labels           []string
	HostSlotted      bool
	CachingPeriod    time.Duration
	EnabledThreshold int // percent of slot_limit in use
}

// Service computes and caches capacity snapshots.
type Service struct {
	store docstore.Store
	cfg   Config

	mu     sync.Mutex
	cached *Snapshot
	now    func() time.Time
}

func New(store docstore.Store, cfg Config) *Service {
	return &Service{store: store, cfg: cfg, now: time.Now}
}

// Get returns the current snapshot, recomputing when forced, when the cached
// one expired, or when utilization is at or above the threshold.
func (s *Service) Get(ctx context.Context, forced bool) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !forced && s.fresh() {
		metrics.RecordCapabilitiesCache(true)
		return *s.cached, nil
	}
	metrics.RecordCapabilitiesCache(false)

	snap, err := s.compute(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	s.cached = &snap
	metrics.SetFreeSlots(snap.FreeSlots)
	return snap, nil
}

func (s *Service) fresh() bool {
	if s.cached == nil {
		return false
	}
	if s.now().Sub(s.cached.computedAt) >= s.cfg.CachingPeriod {
		return false
	}
	return s.utilization(s.cached) < s.cfg.EnabledThreshold
}

// utilization is the in-use percentage of the slot limit. A zero limit counts
// as fully utilized so the cache never serves it.
func (s *Service) utilization(snap *Snapshot) int {
	if snap.SlotLimit <= 0 {
		return 100
	}
	return (snap.SlotLimit - snap.FreeSlots) * 100 / snap.SlotLimit
}

func (s *Service) compute(ctx context.Context) (Snapshot, error) {
	snap := Snapshot{Labels: s.cfg.Labels, computedAt: s.now()}
	err := s.store.WithTx(ctx, func(tx docstore.Tx) error {
		if s.cfg.HostSlotted {
			return s.computeSlotted(tx, &snap)
		}
		return s.computeCounted(tx, &snap)
	})
	if err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// computeSlotted derives capacity from the ticket pool: the limit is the
// per-host quota times the number of ready hosts, free slots are the enabled
// untaken tickets capped by that limit.
func (s *Service) computeSlotted(tx docstore.Tx, snap *Snapshot) error {
	hosts, err := tx.ListHosts()
	if err != nil {
		return err
	}
	ready := 0
	for _, h := range hosts {
		if h.Ready() {
			ready++
		}
	}
	perHost := 0
	if len(hosts) > 0 {
		perHost = s.cfg.SlotLimit / len(hosts)
	}
	snap.SlotLimit = perHost * ready

	free, err := tx.ListTickets(docstore.Filter{"taken": 0, "enabled": true})
	if err != nil {
		return err
	}
	snap.FreeSlots = min(len(free), snap.SlotLimit)
	return nil
}

// computeCounted derives capacity from machine states: every machine that is
// created, deployed or running occupies one slot.
func (s *Service) computeCounted(tx docstore.Tx, snap *Snapshot) error {
	snap.SlotLimit = s.cfg.SlotLimit
	occupied := 0
	for _, state := range []model.MachineState{
		model.MachineStateRunning,
		model.MachineStateDeployed,
		model.MachineStateCreated,
	} {
		machines, err := tx.ListMachines(docstore.Filter{"state": string(state)})
		if err != nil {
			return err
		}
		occupied += len(machines)
	}
	snap.FreeSlots = max(snap.SlotLimit-occupied, 0)
	return nil
}
