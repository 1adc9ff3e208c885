package reconciler

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/italolelis/arroyo/internal/logctx"
	"github.com/italolelis/arroyo/internal/storage"
)

// ImportChecker reports whether a media manager imported a download.
type ImportChecker interface {
	CheckImported(ctx context.Context, downloadID string) (bool, error)
}

// Watch synchronizes right away and then on every tick until ctx is done.
func (r *Reconciler) Watch(ctx context.Context, interval time.Duration) {
	logger := logctx.LoggerFromContext(ctx)

	logger.InfoContext(ctx, "watching download agent", "adapter", r.adapter.Name(), "interval", interval.String())

	r.tick(ctx, "synchronize", func(ctx context.Context) error {
		return r.Synchronize(ctx)
	})

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.InfoContext(ctx, "stopped watching download agent")

			return
		case <-ticker.C:
			r.tick(ctx, "synchronize", func(ctx context.Context) error {
				return r.Synchronize(ctx)
			})
		}
	}
}

// WatchImports archives sharing items once any checker reports them imported.
func (r *Reconciler) WatchImports(ctx context.Context, interval time.Duration, checkers ...ImportChecker) {
	logger := logctx.LoggerFromContext(ctx)

	if len(checkers) == 0 {
		logger.InfoContext(ctx, "no import checkers configured, not watching imports")

		return
	}

	logger.InfoContext(ctx, "watching for imported items", "checkers", len(checkers), "interval", interval.String())

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.InfoContext(ctx, "stopped watching for imported items")

			return
		case <-ticker.C:
			r.tick(ctx, "archive_imported", func(ctx context.Context) error {
				_, err := r.ArchiveImported(ctx, checkers...)

				return err
			})
		}
	}
}

// ArchiveImported archives every sharing entry whose id or external id a
// checker reports as imported, and returns how many were archived.
func (r *Reconciler) ArchiveImported(ctx context.Context, checkers ...ImportChecker) (int, error) {
	logger := logctx.LoggerFromContext(ctx)

	entries, err := r.Entries(ctx)
	if err != nil {
		return 0, err
	}

	archived := 0

	for _, e := range entries {
		if e.State != storage.StateSharing {
			continue
		}

		imported, err := importedBy(ctx, checkers, e)
		if err != nil {
			logger.WarnContext(ctx, "failed to check import", "id", e.ID.Short(), "err", err)

			continue
		}

		if !imported {
			continue
		}

		if _, err := r.ArchiveByID(ctx, e.ID); err != nil {
			logger.ErrorContext(ctx, "failed to archive imported item", "id", e.ID.Short(), "err", err)

			continue
		}

		logger.InfoContext(ctx, "imported item archived", "id", e.ID.Short(), "name", e.Source.DisplayName())

		archived++
	}

	return archived, nil
}

func importedBy(ctx context.Context, checkers []ImportChecker, e storage.Entry) (bool, error) {
	ids := []string{e.ID.String()}
	if e.ExternalID != "" && e.ExternalID != e.ID.String() {
		ids = append(ids, e.ExternalID)
	}

	for _, checker := range checkers {
		for _, id := range ids {
			imported, err := checker.CheckImported(ctx, id)
			if err != nil {
				return false, fmt.Errorf("failed to check %s: %w", id, err)
			}

			if imported {
				return true, nil
			}
		}
	}

	return false, nil
}

// tick runs one iteration of a watch loop and keeps a panic from taking the
// loop down.
func (r *Reconciler) tick(ctx context.Context, name string, fn func(ctx context.Context) error) {
	logger := logctx.LoggerFromContext(ctx).With("task", name)

	defer func() {
		if rec := recover(); rec != nil {
			logger.ErrorContext(ctx, "watch iteration panicked", "panic", rec, "stack", string(debug.Stack()))

			r.telemetry.RecordSystemError(ctx, "reconciler", "panic")
		}
	}()

	if err := fn(ctx); err != nil {
		logger.ErrorContext(ctx, "watch iteration failed", "err", err)

		r.telemetry.RecordSystemError(ctx, "reconciler", name)
	}
}
