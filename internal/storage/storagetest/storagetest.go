// Package storagetest holds the behaviour every storage.Ledger must share.
package storagetest

import (
	"context"
	"testing"
	"time"

	"github.com/italolelis/arroyo/internal/source"
	"github.com/italolelis/arroyo/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns a ledger for a test. Calling it twice within the same test
// must return ledgers backed by the same medium.
type Factory func(t *testing.T) storage.Ledger

var updatedAt = time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)

// NewEntry builds an entry for name in the given state.
func NewEntry(name string, state storage.State, externalID string) storage.Entry {
	src := source.Source{
		URI:      "https://example.org/" + name + ".torrent",
		Name:     name,
		Size:     1024,
		Kind:     "episode",
		Provider: "dummy",
		Language: "en",
	}

	return storage.Entry{
		ID:         src.ID(),
		Source:     src,
		State:      state,
		ExternalID: externalID,
		UpdatedAt:  updatedAt,
	}
}

// Run exercises the ledger contract.
func Run(t *testing.T, open Factory) {
	t.Run("get missing", func(t *testing.T) {
		l := open(t)

		_, err := l.Get(context.Background(), "missing")
		require.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("put and get", func(t *testing.T) {
		ctx := context.Background()
		l := open(t)
		e := NewEntry("foo", storage.StateDownloading, "ext-foo")

		require.NoError(t, l.Put(ctx, e))

		got, err := l.Get(ctx, e.ID)
		require.NoError(t, err)
		RequireEntryEqual(t, e, got)
	})

	t.Run("put upserts", func(t *testing.T) {
		ctx := context.Background()
		l := open(t)
		e := NewEntry("foo", storage.StateDownloading, "ext-foo")

		require.NoError(t, l.Put(ctx, e))

		e.State = storage.StateSharing
		e.ExternalID = "ext-foo-2"
		require.NoError(t, l.Put(ctx, e))

		all, err := l.ListAll(ctx)
		require.NoError(t, err)
		require.Len(t, all, 1)
		RequireEntryEqual(t, e, all[0])
	})

	t.Run("metainfo is not stored", func(t *testing.T) {
		ctx := context.Background()
		l := open(t)
		e := NewEntry("foo", storage.StateDownloading, "ext-foo")
		e.Source.Metainfo = []byte("d4:infodee")

		require.NoError(t, l.Put(ctx, e))

		got, err := l.Get(ctx, e.ID)
		require.NoError(t, err)
		assert.Nil(t, got.Source.Metainfo)
	})

	t.Run("delete", func(t *testing.T) {
		ctx := context.Background()
		l := open(t)
		e := NewEntry("foo", storage.StateDownloading, "ext-foo")

		require.NoError(t, l.Put(ctx, e))
		require.NoError(t, l.Delete(ctx, e.ID))
		require.NoError(t, l.Delete(ctx, e.ID), "deleting an absent id is not an error")

		_, err := l.Get(ctx, e.ID)
		require.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("list active excludes archived", func(t *testing.T) {
		ctx := context.Background()
		l := open(t)
		foo := NewEntry("foo", storage.StateDownloading, "ext-foo")
		bar := NewEntry("bar", storage.StateSharing, "ext-bar")
		baz := NewEntry("baz", storage.StateArchived, "ext-baz")

		for _, e := range []storage.Entry{foo, bar, baz} {
			require.NoError(t, l.Put(ctx, e))
		}

		all, err := l.ListAll(ctx)
		require.NoError(t, err)
		assert.Equal(t, sortedIDs(foo.ID, bar.ID, baz.ID), ids(all))

		active, err := l.ListActive(ctx)
		require.NoError(t, err)
		assert.Equal(t, sortedIDs(foo.ID, bar.ID), ids(active))
	})

	t.Run("find by external", func(t *testing.T) {
		ctx := context.Background()
		l := open(t)
		foo := NewEntry("foo", storage.StateDownloading, "ext-foo")
		bar := NewEntry("bar", storage.StateDownloading, "")

		require.NoError(t, l.Put(ctx, foo))
		require.NoError(t, l.Put(ctx, bar))

		id, err := l.FindByExternal(ctx, "ext-foo")
		require.NoError(t, err)
		assert.Equal(t, foo.ID, id)

		_, err = l.FindByExternal(ctx, "ext-unknown")
		require.ErrorIs(t, err, storage.ErrNotFound)

		_, err = l.FindByExternal(ctx, "")
		require.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("apply batch", func(t *testing.T) {
		ctx := context.Background()
		l := open(t)
		foo := NewEntry("foo", storage.StateDownloading, "ext-foo")
		bar := NewEntry("bar", storage.StateSharing, "ext-bar")
		baz := NewEntry("baz", storage.StateDownloading, "ext-baz")

		require.NoError(t, l.Put(ctx, foo))
		require.NoError(t, l.Put(ctx, bar))

		var b storage.Batch
		bar.State = storage.StateArchived
		b.Put(bar)
		b.Put(baz)
		b.Delete(foo.ID)
		require.False(t, b.Empty())

		require.NoError(t, l.Apply(ctx, b))

		all, err := l.ListAll(ctx)
		require.NoError(t, err)
		require.Equal(t, sortedIDs(bar.ID, baz.ID), ids(all))

		got, err := l.Get(ctx, bar.ID)
		require.NoError(t, err)
		assert.Equal(t, storage.StateArchived, got.State)

		require.NoError(t, l.Apply(ctx, storage.Batch{}))
	})
}

// RunRoundTrip checks that a reopened ledger reproduces the same active and
// archived sets.
func RunRoundTrip(t *testing.T, open Factory) {
	ctx := context.Background()

	first := open(t)
	entries := []storage.Entry{
		NewEntry("foo", storage.StateDownloading, "ext-foo"),
		NewEntry("bar", storage.StateSharing, "ext-bar"),
		NewEntry("baz", storage.StateArchived, "ext-baz"),
		NewEntry("qux", storage.StateDownloading, ""),
	}

	var b storage.Batch
	for _, e := range entries {
		b.Put(e)
	}

	require.NoError(t, first.Apply(ctx, b))

	wantActive, err := first.ListActive(ctx)
	require.NoError(t, err)

	wantAll, err := first.ListAll(ctx)
	require.NoError(t, err)

	require.NoError(t, first.Close())

	second := open(t)

	gotActive, err := second.ListActive(ctx)
	require.NoError(t, err)

	gotAll, err := second.ListAll(ctx)
	require.NoError(t, err)

	require.Len(t, gotActive, len(wantActive))
	require.Len(t, gotAll, len(wantAll))

	for i := range wantAll {
		RequireEntryEqual(t, wantAll[i], gotAll[i])
	}

	for i := range wantActive {
		RequireEntryEqual(t, wantActive[i], gotActive[i])
	}

	id, err := second.FindByExternal(ctx, "ext-baz")
	require.NoError(t, err)
	assert.Equal(t, entries[2].ID, id)
}

// RequireEntryEqual compares entries, using time.Equal for timestamps.
func RequireEntryEqual(t *testing.T, want, got storage.Entry) {
	t.Helper()

	require.Equal(t, want.ID, got.ID)
	require.Equal(t, want.State, got.State)
	require.Equal(t, want.ExternalID, got.ExternalID)
	require.True(t, want.UpdatedAt.Equal(got.UpdatedAt), "updated_at: want %s, got %s", want.UpdatedAt, got.UpdatedAt)

	want.Source.Metainfo = nil
	require.Equal(t, want.Source, got.Source)
}

func ids(entries []storage.Entry) []source.ID {
	out := make([]source.ID, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.ID)
	}

	return out
}

func sortedIDs(in ...source.ID) []source.ID {
	out := append([]source.ID(nil), in...)

	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j] < out[j-1]; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}

	return out
}
