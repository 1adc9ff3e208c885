package reconciler

import (
	"context"
	"testing"
	"time"

	"github.com/italolelis/arroyo/internal/dc"
	"github.com/italolelis/arroyo/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChecker struct {
	imported map[string]bool
	err      error
}

func (c fakeChecker) CheckImported(_ context.Context, downloadID string) (bool, error) {
	return c.imported[downloadID], c.err
}

func TestArchiveImported(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	fooEntry := f.add(t, foo)
	barEntry := f.add(t, bar)
	require.NoError(t, f.agent.SetState(fooEntry.ExternalID, dc.StateSharing))

	checker := fakeChecker{imported: map[string]bool{
		fooEntry.ExternalID: true,
		barEntry.ID.String(): true,
	}}

	n, err := f.r.ArchiveImported(ctx, fakeChecker{}, checker)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	state, err := f.state(t, foo)
	require.NoError(t, err)
	assert.Equal(t, storage.StateArchived, state)

	state, err = f.state(t, bar)
	require.NoError(t, err)
	assert.Equal(t, storage.StateDownloading, state, "unfinished items are never archived")
}

func TestArchiveImported_CheckerFailureSkipsEntry(t *testing.T) {
	f := newFixture(t)

	entry := f.add(t, foo)
	require.NoError(t, f.agent.SetState(entry.ExternalID, dc.StateSharing))

	n, err := f.r.ArchiveImported(context.Background(), fakeChecker{err: errBoom})
	require.NoError(t, err)
	assert.Zero(t, n)

	state, err := f.state(t, foo)
	require.NoError(t, err)
	assert.Equal(t, storage.StateSharing, state)
}

func TestWatch_SynchronizesUntilCancelled(t *testing.T) {
	f := newFixture(t)
	ext := f.agent.Inject("stray", 1, dc.StateDownloading)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)

		f.r.Watch(ctx, 10*time.Millisecond)
	}()

	require.Eventually(t, func() bool {
		_, err := f.ledger.FindByExternal(context.Background(), ext)

		return err == nil
	}, time.Second, 5*time.Millisecond)

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watch did not stop after cancellation")
	}
}

func TestWatchImports_NoCheckersReturns(t *testing.T) {
	f := newFixture(t)

	done := make(chan struct{})

	go func() {
		defer close(done)

		f.r.WatchImports(context.Background(), time.Millisecond)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watch imports without checkers should return")
	}
}

func TestTick_RecoversPanic(t *testing.T) {
	f := newFixture(t)

	assert.NotPanics(t, func() {
		f.r.tick(context.Background(), "test", func(context.Context) error {
			panic("boom")
		})
	})

	assert.NotPanics(t, func() {
		f.r.tick(context.Background(), "test", func(context.Context) error {
			return errBoom
		})
	})
}
