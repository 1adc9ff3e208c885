package reconciler

import (
	"context"
	"fmt"

	"github.com/italolelis/arroyo/internal/dc"
	"github.com/italolelis/arroyo/internal/logctx"
	"github.com/italolelis/arroyo/internal/source"
	"github.com/italolelis/arroyo/internal/storage"
)

// Synchronize reconciles the ledger with a fresh snapshot of the download
// agent. State-observing operations run it themselves.
func (r *Reconciler) Synchronize(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.synchronize(ctx)
}

// synchronize adopts items the agent lists but the ledger does not know,
// resolves items that dropped out of the snapshot and refreshes the state of
// the rest. All changes are applied as one batch. A failed dump changes
// nothing. Callers hold r.mu.
func (r *Reconciler) synchronize(ctx context.Context) error {
	return r.telemetry.InstrumentSync(ctx, func(ctx context.Context) error {
		logger := logctx.LoggerFromContext(ctx).With("adapter", r.adapter.Name())

		var reports []dc.Report

		err := r.call(ctx, "dump", "", func(ctx context.Context) error {
			var err error

			reports, err = r.adapter.Dump(ctx)

			return err
		})
		if err != nil {
			logger.ErrorContext(ctx, "failed to dump download agent", "err", err)

			return err
		}

		entries, err := r.ledger.ListAll(ctx)
		if err != nil {
			return fmt.Errorf("failed to list ledger entries: %w", err)
		}

		p := r.plan(entries, reports)
		if p.batch.Empty() {
			r.recordActive(ctx, entries)

			return nil
		}

		if err := r.ledger.Apply(ctx, p.batch); err != nil {
			return fmt.Errorf("failed to apply synchronization: %w", err)
		}

		for _, change := range p.changes {
			r.telemetry.RecordSyncChange(ctx, change)
		}

		logger.InfoContext(ctx, "ledger synchronized",
			"reported", len(reports), "puts", len(p.batch.Puts), "deletes", len(p.batch.Deletes))

		r.publish(ctx, p.events...)

		if r.telemetry != nil {
			if active, err := r.ledger.ListActive(ctx); err == nil {
				r.recordActive(ctx, active)
			}
		}

		return nil
	})
}

type syncPlan struct {
	batch   storage.Batch
	events  []Event
	changes []string
}

func (p *syncPlan) put(e storage.Entry, kind EventKind) {
	p.batch.Put(e)
	p.events = append(p.events, Event{Kind: kind, Entry: e})
	p.changes = append(p.changes, string(kind))
}

// plan computes the changes that bring entries in line with reports.
func (r *Reconciler) plan(entries []storage.Entry, reports []dc.Report) *syncPlan {
	now := r.now().UTC()
	p := &syncPlan{}

	reported := make(map[string]dc.Report, len(reports))
	known := make(map[string]bool, len(entries))
	ids := make(map[source.ID]bool, len(entries))

	for _, rep := range reports {
		if rep.ExternalID != "" {
			reported[rep.ExternalID] = rep
		}
	}

	for _, e := range entries {
		ids[e.ID] = true

		if e.ExternalID != "" {
			known[e.ExternalID] = true
		}
	}

	for _, rep := range reports {
		if rep.ExternalID == "" || known[rep.ExternalID] {
			continue
		}

		src := source.Adopted(r.adapter.Name(), rep.ExternalID, rep.Name, rep.Size)

		id := src.ID()
		if ids[id] {
			continue
		}

		known[rep.ExternalID] = true
		ids[id] = true

		p.put(storage.Entry{
			ID:         id,
			Source:     src,
			State:      stateOf(rep.State),
			ExternalID: rep.ExternalID,
			UpdatedAt:  now,
		}, EventAdopted)
	}

	for _, e := range entries {
		if !e.State.IsActive() || e.ExternalID == "" {
			continue
		}

		rep, ok := reported[e.ExternalID]
		if !ok {
			if e.State == storage.StateSharing {
				e.State = storage.StateArchived
				e.UpdatedAt = now
				p.put(e, EventRetired)

				continue
			}

			p.batch.Delete(e.ID)
			p.events = append(p.events, Event{Kind: EventVanished, Entry: e})
			p.changes = append(p.changes, string(EventVanished))

			continue
		}

		state := stateOf(rep.State)
		if state == e.State {
			continue
		}

		e.State = state
		e.UpdatedAt = now

		if state == storage.StateSharing {
			p.put(e, EventCompleted)

			continue
		}

		p.batch.Put(e)
		p.changes = append(p.changes, "refreshed")
	}

	return p
}

// stateOf maps a reported agent state onto a ledger state. Anything not yet
// sharing counts as downloading.
func stateOf(s dc.State) storage.State {
	if s == dc.StateSharing {
		return storage.StateSharing
	}

	return storage.StateDownloading
}

func (r *Reconciler) recordActive(ctx context.Context, entries []storage.Entry) {
	if r.telemetry == nil {
		return
	}

	counts := map[storage.State]int{storage.StateDownloading: 0, storage.StateSharing: 0}

	for _, e := range entries {
		if e.State.IsActive() {
			counts[e.State]++
		}
	}

	for state, n := range counts {
		r.telemetry.RecordActiveEntries(ctx, state.String(), n)
	}
}
