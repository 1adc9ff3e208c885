package notifier

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/arroyo/internal/logctx"
	"github.com/italolelis/arroyo/internal/reconciler"
)

// Format renders an event as a chat message. Events nobody needs to hear
// about return false.
func Format(ev reconciler.Event) (string, bool) {
	name := ev.Entry.Source.DisplayName()

	if size := ev.Entry.Source.Size; size > 0 {
		name = fmt.Sprintf("%s (%s)", name, humanize.Bytes(uint64(size)))
	}

	switch ev.Kind {
	case reconciler.EventAdded:
		return "📥 Download started: " + name, true
	case reconciler.EventCompleted:
		return "✅ Download finished: " + name, true
	case reconciler.EventVanished:
		return "❌ Download cancelled on the download client: " + name, true
	case reconciler.EventAdopted:
		return "🔎 Found untracked download: " + name, true
	case reconciler.EventArchived, reconciler.EventRetired:
		return "📦 Download archived: " + name, true
	default:
		return "", false
	}
}

// Forward sends every event received on events to n until ctx is done or
// the channel is closed. Notification failures are logged and skipped.
func Forward(ctx context.Context, events <-chan reconciler.Event, n Notifier) {
	logger := logctx.LoggerFromContext(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}

			logger.InfoContext(ctx, "ledger changed", "kind", ev.Kind, "id", ev.Entry.ID.Short(), "name", ev.Entry.Source.DisplayName())

			content, ok := Format(ev)
			if !ok {
				continue
			}

			if err := n.Notify(ctx, content); err != nil {
				logger.ErrorContext(ctx, "failed to send notification", "kind", ev.Kind, "id", ev.Entry.ID.Short(), "err", err)
			}
		}
	}
}
