package reconciler

import (
	"context"

	"github.com/italolelis/arroyo/internal/logctx"
	"github.com/italolelis/arroyo/internal/storage"
)

// EventKind names a committed ledger change.
type EventKind string

const (
	EventAdded     EventKind = "added"
	EventCancelled EventKind = "cancelled"
	EventArchived  EventKind = "archived"
	// EventAdopted is an item found on the agent that was never added through us.
	EventAdopted EventKind = "adopted"
	// EventCompleted is an item the agent reported as sharing for the first time.
	EventCompleted EventKind = "completed"
	// EventVanished is an unfinished item the agent no longer lists.
	EventVanished EventKind = "vanished"
	// EventRetired is a finished item the agent no longer lists.
	EventRetired EventKind = "retired"
)

// Event describes a change after it was written to the ledger. Entry holds
// the entry as written or, for removals, as it was before.
type Event struct {
	Kind  EventKind
	Entry storage.Entry
}

const defaultEventBuffer = 64

// Events returns the channel events are published on. Events are dropped when
// nobody drains it fast enough.
func (r *Reconciler) Events() <-chan Event {
	return r.events
}

func (r *Reconciler) publish(ctx context.Context, events ...Event) {
	for _, ev := range events {
		select {
		case r.events <- ev:
		default:
			logctx.LoggerFromContext(ctx).WarnContext(ctx, "event buffer full, dropping event",
				"kind", ev.Kind, "id", ev.Entry.ID.Short())

			r.telemetry.RecordEventDropped(ctx, string(ev.Kind))
		}
	}
}
