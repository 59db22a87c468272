// Package ticketeer maintains the deploy-ticket pool: one ticket is one
// deploy slot pinned to a hypervisor host. Each revolution divides the unit's
// slot limit across the known hosts and enables tickets only on hosts that
// are ready to take clones.
//
// Generations are separated by a sentinel ticket (SEPARATOR host). Tickets
// with ids above the newest sentinel form the active generation; everything
// below it is garbage collected a few rows per revolution.
package ticketeer

import (
	"context"
	"time"

	"github.com/vmlab/lmunit/internal/docstore"
	"github.com/vmlab/lmunit/internal/logging"
	"github.com/vmlab/lmunit/internal/model"
)

// cleanupBatch bounds how many stale tickets one revolution deletes so a
// large backlog cannot stall the scheduling work.
const cleanupBatch = 25

type Ticketeer struct {
	store     docstore.Store
	slotLimit int
	sleep     time.Duration
}

func New(store docstore.Store, slotLimit int, sleep time.Duration) *Ticketeer {
	return &Ticketeer{store: store, slotLimit: slotLimit, sleep: sleep}
}

// Run revolves until the context is cancelled.
func (t *Ticketeer) Run(ctx context.Context) error {
	logging.Op().Info("ticketeer started", "slot_limit", t.slotLimit, "sleep", t.sleep)
	for {
		select {
		case <-ctx.Done():
			logging.Op().Info("ticketeer stopping")
			return ctx.Err()
		case <-time.After(t.sleep):
		}
		if err := t.Revolution(ctx); err != nil {
			logging.Op().Error("ticketeer revolution failed", "error", err)
		}
	}
}

// Revolution runs one full scheduling pass in a single transaction.
func (t *Ticketeer) Revolution(ctx context.Context) error {
	return t.store.WithTx(ctx, func(tx docstore.Tx) error {
		hosts, err := tx.ListHosts()
		if err != nil {
			return err
		}
		if len(hosts) == 0 {
			logging.Op().Warn("no hosts known, skipping revolution")
			return nil
		}

		perHost := t.slotLimit / len(hosts)
		morefs := make([]string, 0, len(hosts))
		ready := make(map[string]bool, len(hosts))
		for _, h := range hosts {
			morefs = append(morefs, h.MoRef)
			ready[h.MoRef] = h.Ready()
		}

		tickets, err := tx.ListTickets(nil)
		if err != nil {
			return err
		}

		// Hosts that dropped into maintenance lose their enabled tickets
		// right away; taken ones stay bound until their machine goes away.
		for _, tk := range tickets {
			if tk.IsSeparator() || !tk.Enabled {
				continue
			}
			if !ready[tk.HostMoRef] {
				tk.Enabled = false
				if err := tx.Save(tk); err != nil {
					return err
				}
			}
		}

		var fakeID int64
		for _, tk := range tickets {
			if tk.IsSeparator() && tk.ID > fakeID {
				fakeID = tk.ID
			}
		}
		var active []*model.DeployTicket
		for _, tk := range tickets {
			if tk.ID > fakeID && !tk.IsSeparator() {
				active = append(active, tk)
			}
		}

		if len(active) != perHost*len(hosts) {
			if err := t.rebalance(tx, tickets, morefs, perHost); err != nil {
				return err
			}
		} else {
			if err := t.fill(tx, tickets, fakeID, ready, perHost); err != nil {
				return err
			}
		}

		return t.cleanup(tx, tickets, fakeID)
	})
}

// rebalance starts a new generation: a fresh sentinel, everything enabled so
// far disabled, and slot_limit worth of tickets laid round-robin across all
// hosts. The new tickets start disabled; the next revolutions enable them on
// ready hosts through fill.
func (t *Ticketeer) rebalance(tx docstore.Tx, tickets []*model.DeployTicket, morefs []string, perHost int) error {
	logging.Op().Info("rebalancing ticket pool",
		"hosts", len(morefs), "per_host", perHost)

	sep := &model.DeployTicket{HostMoRef: model.SeparatorHostMoRef, CreatedAt: model.Now()}
	if err := tx.Save(sep); err != nil {
		return err
	}

	for _, tk := range tickets {
		if tk.Enabled {
			tk.Enabled = false
			if err := tx.Save(tk); err != nil {
				return err
			}
		}
	}

	for i := 0; i < perHost*len(morefs); i++ {
		tk := &model.DeployTicket{
			HostMoRef: morefs[i%len(morefs)],
			CreatedAt: model.Now(),
		}
		if err := tx.Save(tk); err != nil {
			return err
		}
	}
	return nil
}

// fill tops ready hosts up to the per-host quota. Taken tickets count against
// the quota whatever generation they belong to: an old-generation booked
// ticket still pins a live machine to its host slot until release. Only
// current-generation tickets are eligible for enabling.
func (t *Ticketeer) fill(tx docstore.Tx, tickets []*model.DeployTicket, fakeID int64, ready map[string]bool, perHost int) error {
	counts := make(map[string]int)
	for _, tk := range tickets {
		if tk.IsSeparator() {
			continue
		}
		if tk.Taken == 1 || (tk.ID > fakeID && tk.Enabled) {
			counts[tk.HostMoRef]++
		}
	}

	for _, tk := range tickets {
		if tk.ID <= fakeID || tk.IsSeparator() || tk.Enabled || tk.Taken == 1 {
			continue
		}
		if !ready[tk.HostMoRef] || counts[tk.HostMoRef] >= perHost {
			continue
		}
		tk.Enabled = true
		counts[tk.HostMoRef]++
		if err := tx.Save(tk); err != nil {
			return err
		}
	}
	return nil
}

// cleanup deletes a bounded batch of previous-generation tickets. Taken ones
// survive: they still bind a live machine to a host slot.
func (t *Ticketeer) cleanup(tx docstore.Tx, tickets []*model.DeployTicket, fakeID int64) error {
	deleted := 0
	for _, tk := range tickets {
		if deleted >= cleanupBatch {
			break
		}
		if tk.ID >= fakeID || tk.Enabled || tk.Taken == 1 {
			continue
		}
		if err := tx.Delete(tk.DocType(), tk.ID); err != nil {
			return err
		}
		deleted++
	}
	return nil
}
