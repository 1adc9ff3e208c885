// Package reconciler keeps the ledger of tracked items consistent with a
// download agent that changes state on its own.
//
// Every public operation runs under one mutex, together with the
// synchronization pass it triggers, so a snapshot of the agent is never
// reconciled against a ledger that another operation is changing.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/italolelis/arroyo/internal/dc"
	"github.com/italolelis/arroyo/internal/logctx"
	"github.com/italolelis/arroyo/internal/source"
	"github.com/italolelis/arroyo/internal/storage"
	"github.com/italolelis/arroyo/internal/telemetry"
)

const defaultAdapterTimeout = 30 * time.Second

type Reconciler struct {
	mu sync.Mutex

	ledger         storage.Ledger
	adapter        dc.Adapter
	adapterTimeout time.Duration
	now            func() time.Time
	telemetry      *telemetry.Telemetry
	eventBuffer    int
	events         chan Event
}

type Option func(*Reconciler)

// WithAdapterTimeout bounds every download agent call.
func WithAdapterTimeout(d time.Duration) Option {
	return func(r *Reconciler) {
		if d > 0 {
			r.adapterTimeout = d
		}
	}
}

// WithClock sets the clock used for entry timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) {
		r.now = now
	}
}

func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(r *Reconciler) {
		r.telemetry = tel
	}
}

// WithEventBuffer sets the capacity of the events channel.
func WithEventBuffer(n int) Option {
	return func(r *Reconciler) {
		if n >= 0 {
			r.eventBuffer = n
		}
	}
}

func New(ledger storage.Ledger, adapter dc.Adapter, opts ...Option) *Reconciler {
	r := &Reconciler{
		ledger:         ledger,
		adapter:        adapter,
		adapterTimeout: defaultAdapterTimeout,
		now:            time.Now,
		eventBuffer:    defaultEventBuffer,
	}

	for _, opt := range opts {
		opt(r)
	}

	r.events = make(chan Event, r.eventBuffer)

	return r
}

// Add tracks src and hands it to the download agent. Adding an item that is
// already downloading or sharing returns its entry without calling the agent.
// Adding an archived item starts it again.
func (r *Reconciler) Add(ctx context.Context, src source.Source) (storage.Entry, error) {
	entry, _, err := r.Submit(ctx, src)

	return entry, err
}

// Submit is Add that also reports whether the call started tracking an item.
// It is false when the item, or the agent item it maps to, was already active.
func (r *Reconciler) Submit(ctx context.Context, src source.Source) (storage.Entry, bool, error) {
	if err := src.Validate(); err != nil {
		return storage.Entry{}, false, err
	}

	var (
		entry   storage.Entry
		created bool
	)

	err := r.telemetry.InstrumentReconcilerOperation(ctx, "add", func(ctx context.Context) error {
		r.mu.Lock()
		defer r.mu.Unlock()

		var err error

		entry, created, err = r.add(ctx, src)

		return err
	})

	return entry, created, err
}

func (r *Reconciler) add(ctx context.Context, src source.Source) (storage.Entry, bool, error) {
	id := src.ID()
	logger := logctx.LoggerFromContext(ctx).With("id", id.Short(), "source", src.DisplayName())

	existing, err := r.ledger.Get(ctx, id)

	switch {
	case err == nil && existing.State.IsActive():
		logger.DebugContext(ctx, "item already tracked", "state", existing.State)

		return existing, false, nil
	case err != nil && !errors.Is(err, storage.ErrNotFound):
		return storage.Entry{}, false, fmt.Errorf("failed to read ledger entry: %w", err)
	}

	reactivated := err == nil

	var externalID string

	err = r.call(ctx, "add", "", func(ctx context.Context) error {
		var err error

		externalID, err = r.adapter.Add(ctx, src)

		return err
	})
	if err != nil {
		logger.ErrorContext(ctx, "download agent rejected item", "err", err)

		return storage.Entry{}, false, err
	}

	// the agent may hand back an item that another entry already holds
	owners, err := r.holders(ctx, externalID, id)
	if err != nil {
		return storage.Entry{}, false, err
	}

	var batch storage.Batch

	for _, owner := range owners {
		switch {
		case !owner.State.IsActive():
			// archived entries stay as history
		case owner.Source.IsAdopted():
			logger.InfoContext(ctx, "replacing adopted entry", "adopted_id", owner.ID.Short())
			batch.Delete(owner.ID)
		default:
			logger.InfoContext(ctx, "agent item already tracked under another source",
				"external_id", externalID, "owner_id", owner.ID.Short())

			return owner, false, nil
		}
	}

	src.Metainfo = nil

	entry := storage.Entry{
		ID:         id,
		Source:     src,
		State:      storage.StateDownloading,
		ExternalID: externalID,
		UpdatedAt:  r.now().UTC(),
	}

	batch.Put(entry)

	if err := r.ledger.Apply(ctx, batch); err != nil {
		if len(batch.Deletes) > 0 {
			// the agent item still belongs to the adopted entry
			logger.ErrorContext(ctx, "failed to record item", "external_id", externalID, "err", err)

			return storage.Entry{}, false, fmt.Errorf("failed to write ledger entry: %w", err)
		}

		logger.ErrorContext(ctx, "failed to record item, cancelling it on the agent", "external_id", externalID, "err", err)

		cancelErr := r.call(ctx, "cancel", externalID, func(ctx context.Context) error {
			return r.adapter.Cancel(ctx, externalID)
		})
		if cancelErr != nil && !errors.Is(cancelErr, dc.ErrNotFound) {
			logger.ErrorContext(ctx, "failed to cancel unrecorded item", "external_id", externalID, "err", cancelErr)
		}

		return storage.Entry{}, false, fmt.Errorf("failed to write ledger entry: %w", err)
	}

	logger.InfoContext(ctx, "item added", "external_id", externalID, "reactivated", reactivated)

	r.publish(ctx, Event{Kind: EventAdded, Entry: entry})

	return entry, true, nil
}

// holders returns the entries other than id that hold externalID.
func (r *Reconciler) holders(ctx context.Context, externalID string, id source.ID) ([]storage.Entry, error) {
	if externalID == "" {
		return nil, nil
	}

	all, err := r.ledger.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger entries: %w", err)
	}

	var holders []storage.Entry

	for _, e := range all {
		if e.ExternalID == externalID && e.ID != id {
			holders = append(holders, e)
		}
	}

	return holders, nil
}

// Cancel stops src on the download agent, discards its data and forgets it.
func (r *Reconciler) Cancel(ctx context.Context, src source.Source) error {
	return r.CancelByID(ctx, src.ID())
}

func (r *Reconciler) CancelByID(ctx context.Context, id source.ID) error {
	return r.telemetry.InstrumentReconcilerOperation(ctx, "cancel", func(ctx context.Context) error {
		r.mu.Lock()
		defer r.mu.Unlock()

		return r.cancel(ctx, id)
	})
}

func (r *Reconciler) cancel(ctx context.Context, id source.ID) error {
	logger := logctx.LoggerFromContext(ctx).With("id", id.Short())

	entry, err := r.get(ctx, id)
	if err != nil {
		return err
	}

	shared, err := r.sharedWithActive(ctx, entry)
	if err != nil {
		return err
	}

	switch {
	case entry.ExternalID == "":
	case shared:
		logger.InfoContext(ctx, "agent item belongs to an active entry, keeping it", "external_id", entry.ExternalID)
	default:
		err := r.call(ctx, "cancel", entry.ExternalID, func(ctx context.Context) error {
			return r.adapter.Cancel(ctx, entry.ExternalID)
		})

		switch {
		case errors.Is(err, dc.ErrNotFound):
			logger.InfoContext(ctx, "item already gone from the agent", "external_id", entry.ExternalID)
		case err != nil:
			return err
		}
	}

	if err := r.ledger.Delete(ctx, id); err != nil {
		return fmt.Errorf("failed to delete ledger entry: %w", err)
	}

	logger.InfoContext(ctx, "item cancelled", "external_id", entry.ExternalID)

	r.publish(ctx, Event{Kind: EventCancelled, Entry: entry})

	return nil
}

// sharedWithActive reports whether an active entry other than e holds the
// agent item of e.
func (r *Reconciler) sharedWithActive(ctx context.Context, e storage.Entry) (bool, error) {
	holders, err := r.holders(ctx, e.ExternalID, e.ID)
	if err != nil {
		return false, err
	}

	for _, h := range holders {
		if h.State.IsActive() {
			return true, nil
		}
	}

	return false, nil
}

// Archive stops tracking src on the download agent, keeps its data and keeps
// the entry as history. Archiving an archived item does nothing.
func (r *Reconciler) Archive(ctx context.Context, src source.Source) (storage.Entry, error) {
	return r.ArchiveByID(ctx, src.ID())
}

func (r *Reconciler) ArchiveByID(ctx context.Context, id source.ID) (storage.Entry, error) {
	var entry storage.Entry

	err := r.telemetry.InstrumentReconcilerOperation(ctx, "archive", func(ctx context.Context) error {
		r.mu.Lock()
		defer r.mu.Unlock()

		var err error

		entry, err = r.archive(ctx, id)

		return err
	})

	return entry, err
}

func (r *Reconciler) archive(ctx context.Context, id source.ID) (storage.Entry, error) {
	logger := logctx.LoggerFromContext(ctx).With("id", id.Short())

	entry, err := r.get(ctx, id)
	if err != nil {
		return storage.Entry{}, err
	}

	if entry.State == storage.StateArchived {
		return entry, nil
	}

	if entry.ExternalID != "" {
		err := r.call(ctx, "archive", entry.ExternalID, func(ctx context.Context) error {
			return r.adapter.Archive(ctx, entry.ExternalID)
		})

		switch {
		case errors.Is(err, dc.ErrNotFound):
			logger.InfoContext(ctx, "item already gone from the agent", "external_id", entry.ExternalID)
		case err != nil:
			return storage.Entry{}, err
		}
	}

	entry.State = storage.StateArchived
	entry.UpdatedAt = r.now().UTC()

	if err := r.ledger.Put(ctx, entry); err != nil {
		return storage.Entry{}, fmt.Errorf("failed to write ledger entry: %w", err)
	}

	logger.InfoContext(ctx, "item archived", "external_id", entry.ExternalID)

	r.publish(ctx, Event{Kind: EventArchived, Entry: entry})

	return entry, nil
}

// State synchronizes and returns the state of src.
func (r *Reconciler) State(ctx context.Context, src source.Source) (storage.State, error) {
	entry, err := r.Lookup(ctx, src.ID())
	if err != nil {
		return "", err
	}

	return entry.State, nil
}

// Lookup synchronizes and returns the entry for id, archived or not.
func (r *Reconciler) Lookup(ctx context.Context, id source.ID) (storage.Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.synchronize(ctx); err != nil {
		return storage.Entry{}, err
	}

	return r.get(ctx, id)
}

// List synchronizes and returns the sources of every active entry.
func (r *Reconciler) List(ctx context.Context) ([]source.Source, error) {
	entries, err := r.Entries(ctx)
	if err != nil {
		return nil, err
	}

	sources := make([]source.Source, 0, len(entries))
	for _, e := range entries {
		sources = append(sources, e.Source)
	}

	return sources, nil
}

// Entries synchronizes and returns every active entry, ordered by id.
func (r *Reconciler) Entries(ctx context.Context) ([]storage.Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.synchronize(ctx); err != nil {
		return nil, err
	}

	entries, err := r.ledger.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger entries: %w", err)
	}

	return entries, nil
}

// History synchronizes and returns every archived entry, ordered by id.
func (r *Reconciler) History(ctx context.Context) ([]storage.Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.synchronize(ctx); err != nil {
		return nil, err
	}

	all, err := r.ledger.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger entries: %w", err)
	}

	archived := make([]storage.Entry, 0, len(all))

	for _, e := range all {
		if e.State == storage.StateArchived {
			archived = append(archived, e)
		}
	}

	return archived, nil
}

func (r *Reconciler) get(ctx context.Context, id source.ID) (storage.Entry, error) {
	entry, err := r.ledger.Get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Entry{}, ErrNotFound
	}

	if err != nil {
		return storage.Entry{}, fmt.Errorf("failed to read ledger entry: %w", err)
	}

	return entry, nil
}

// call runs one download agent call bounded by the adapter timeout.
func (r *Reconciler) call(ctx context.Context, op, externalID string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, r.adapterTimeout)
	defer cancel()

	if err := fn(ctx); err != nil {
		return &AdapterError{Adapter: r.adapter.Name(), Operation: op, ExternalID: externalID, Err: err}
	}

	return nil
}
