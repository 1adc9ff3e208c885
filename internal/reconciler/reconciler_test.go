package reconciler

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/italolelis/arroyo/internal/dc"
	dcmemory "github.com/italolelis/arroyo/internal/dc/memory"
	"github.com/italolelis/arroyo/internal/source"
	"github.com/italolelis/arroyo/internal/storage"
	"github.com/italolelis/arroyo/internal/storage/filestore"
	"github.com/italolelis/arroyo/internal/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	errBoom = errors.New("boom")
	fixedAt = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	foo     = source.Source{URI: "https://example.org/foo.torrent", Name: "foo", Size: 100}
	bar     = source.Source{URI: "https://example.org/bar.torrent", Name: "bar", Size: 200}
)

type fixture struct {
	r      *Reconciler
	ledger storage.Ledger
	agent  *dcmemory.Agent
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()

	ledger := memory.NewLedger()
	agent := dcmemory.New()
	opts = append([]Option{WithClock(func() time.Time { return fixedAt })}, opts...)

	return &fixture{r: New(ledger, agent, opts...), ledger: ledger, agent: agent}
}

func (f *fixture) add(t *testing.T, src source.Source) storage.Entry {
	t.Helper()

	entry, err := f.r.Add(context.Background(), src)
	require.NoError(t, err)

	return entry
}

func (f *fixture) names(t *testing.T) []string {
	t.Helper()

	sources, err := f.r.List(context.Background())
	require.NoError(t, err)

	names := make([]string, 0, len(sources))
	for _, s := range sources {
		names = append(names, s.Name)
	}

	return names
}

func (f *fixture) state(t *testing.T, src source.Source) (storage.State, error) {
	t.Helper()

	return f.r.State(context.Background(), src)
}

func kinds(r *Reconciler) []EventKind {
	var out []EventKind

	for {
		select {
		case ev := <-r.Events():
			out = append(out, ev.Kind)
		default:
			return out
		}
	}
}

func TestAdd_ListsItem(t *testing.T) {
	f := newFixture(t)

	entry := f.add(t, foo)

	assert.Equal(t, foo.ID(), entry.ID)
	assert.Equal(t, storage.StateDownloading, entry.State)
	assert.NotEmpty(t, entry.ExternalID)
	assert.Equal(t, fixedAt, entry.UpdatedAt)
	assert.Equal(t, []string{"foo"}, f.names(t))
}

func TestAdd_Idempotent(t *testing.T) {
	f := newFixture(t)

	first := f.add(t, foo)
	second := f.add(t, foo)

	assert.Equal(t, first, second)
	assert.Equal(t, []string{"foo"}, f.names(t))
	assert.Equal(t, 1, f.agent.Calls(dcmemory.OpAdd))
	assert.Equal(t, 1, f.agent.Len())
}

func TestAdd_SameMagnetDifferentTrackers(t *testing.T) {
	f := newFixture(t)

	f.add(t, source.Source{URI: "magnet:?xt=urn:btih:c12fe1c06bba254a9dc9f519b335aa7c1367a88a&tr=udp://a"})
	f.add(t, source.Source{URI: "magnet:?xt=urn:btih:C12FE1C06BBA254A9DC9F519B335AA7C1367A88A&dn=other"})

	assert.Equal(t, 1, f.agent.Calls(dcmemory.OpAdd))
}

func TestAdd_ReactivatesArchived(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.add(t, foo)

	_, err := f.r.Archive(ctx, foo)
	require.NoError(t, err)

	second := f.add(t, foo)

	state, err := f.state(t, foo)
	require.NoError(t, err)
	assert.Equal(t, storage.StateDownloading, state)
	assert.Equal(t, []string{"foo"}, f.names(t))
	assert.Equal(t, 2, f.agent.Calls(dcmemory.OpAdd))
	assert.NotEqual(t, first.ExternalID, second.ExternalID)
}

func TestAdd_InvalidSource(t *testing.T) {
	f := newFixture(t)

	_, err := f.r.Add(context.Background(), source.Source{URI: "  "})

	require.ErrorIs(t, err, source.ErrMissingURI)
	assert.Zero(t, f.agent.Calls(dcmemory.OpAdd))
}

func TestAdd_DropsMetainfo(t *testing.T) {
	f := newFixture(t)

	src := foo
	src.Metainfo = []byte("d4:infod4:name3:fooee")

	entry := f.add(t, src)
	assert.Nil(t, entry.Source.Metainfo)

	stored, err := f.ledger.Get(context.Background(), foo.ID())
	require.NoError(t, err)
	assert.Nil(t, stored.Source.Metainfo)
}

func TestAdd_AdapterFailureWritesNothing(t *testing.T) {
	f := newFixture(t)
	f.agent.Fail(dcmemory.OpAdd, errBoom)

	_, err := f.r.Add(context.Background(), foo)

	var adapterErr *AdapterError
	require.ErrorAs(t, err, &adapterErr)
	assert.Equal(t, "memory", adapterErr.Adapter)
	assert.Equal(t, "add", adapterErr.Operation)
	require.ErrorIs(t, err, errBoom)

	all, err := f.ledger.ListAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all)
	assert.Empty(t, kinds(f.r))
}

type failingLedger struct {
	storage.Ledger
	applyErr error
}

func (l *failingLedger) Apply(ctx context.Context, b storage.Batch) error {
	if l.applyErr != nil {
		return l.applyErr
	}

	return l.Ledger.Apply(ctx, b)
}

func TestAdd_LedgerFailureCancelsOnAgent(t *testing.T) {
	agent := dcmemory.New()
	ledger := &failingLedger{Ledger: memory.NewLedger(), applyErr: errBoom}
	r := New(ledger, agent)

	_, err := r.Add(context.Background(), foo)
	require.ErrorIs(t, err, errBoom)

	assert.Equal(t, 1, agent.Calls(dcmemory.OpAdd))
	assert.Equal(t, 1, agent.Calls(dcmemory.OpCancel))
	assert.Zero(t, agent.Len())

	_, err = ledger.Get(context.Background(), foo.ID())
	require.ErrorIs(t, err, storage.ErrNotFound)
}

// sameIDAdapter hands back an id the agent already lists.
type sameIDAdapter struct {
	*dcmemory.Agent
	externalID string
}

func (a *sameIDAdapter) Add(context.Context, source.Source) (string, error) {
	return a.externalID, nil
}

func TestAdd_ReplacesAdoptedEntry(t *testing.T) {
	ctx := context.Background()
	agent := dcmemory.New()
	ledger := memory.NewLedger()
	ext := agent.Inject("foo", 100, dc.StateDownloading)

	r := New(ledger, &sameIDAdapter{Agent: agent, externalID: ext})
	require.NoError(t, r.Synchronize(ctx))

	adopted, err := ledger.FindByExternal(ctx, ext)
	require.NoError(t, err)
	require.NotEqual(t, foo.ID(), adopted)

	_, err = r.Add(ctx, foo)
	require.NoError(t, err)

	entries, err := r.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, foo.ID(), entries[0].ID)
	assert.Equal(t, ext, entries[0].ExternalID)
}

// sharedItemAdapter maps every source onto one agent item that it always
// reports as downloading.
type sharedItemAdapter struct {
	*dcmemory.Agent
	externalID string
}

func (a *sharedItemAdapter) Add(context.Context, source.Source) (string, error) {
	return a.externalID, nil
}

func (a *sharedItemAdapter) Dump(context.Context) ([]dc.Report, error) {
	return []dc.Report{{ExternalID: a.externalID, State: dc.StateDownloading, Name: "show"}}, nil
}

func TestAdd_LedgerFailureKeepsAdoptedAgentItem(t *testing.T) {
	ctx := context.Background()
	agent := dcmemory.New()
	ledger := &failingLedger{Ledger: memory.NewLedger()}
	ext := agent.Inject("foo", 100, dc.StateDownloading)

	r := New(ledger, &sameIDAdapter{Agent: agent, externalID: ext})
	require.NoError(t, r.Synchronize(ctx))

	ledger.applyErr = errBoom

	_, err := r.Add(ctx, foo)
	require.ErrorIs(t, err, errBoom)
	assert.Zero(t, agent.Calls(dcmemory.OpCancel))
	assert.True(t, agent.Has(ext))
}

func TestAdd_KeepsArchivedHolderOfAgentItem(t *testing.T) {
	ctx := context.Background()
	agent := dcmemory.New()
	ledger := memory.NewLedger()
	r := New(ledger, &sharedItemAdapter{Agent: agent, externalID: "H"}, WithClock(func() time.Time { return fixedAt }))

	viaURL := source.Source{URI: "https://example.org/show.torrent", Name: "show"}
	viaMagnet := source.Source{URI: "magnet:?xt=urn:btih:0123456789abcdef0123456789abcdef01234567", Name: "show"}

	_, err := r.Add(ctx, viaURL)
	require.NoError(t, err)
	_, err = r.Archive(ctx, viaURL)
	require.NoError(t, err)

	entry, created, err := r.Submit(ctx, viaMagnet)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, viaMagnet.ID(), entry.ID)

	history, err := r.History(ctx)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, viaURL.ID(), history[0].ID)
	assert.Equal(t, "H", history[0].ExternalID)

	entries, err := r.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, viaMagnet.ID(), entries[0].ID)

	// dropping the archived entry leaves the agent item to the active one
	require.NoError(t, r.Cancel(ctx, viaURL))
	assert.Zero(t, agent.Calls(dcmemory.OpCancel))

	state, err := r.State(ctx, viaMagnet)
	require.NoError(t, err)
	assert.Equal(t, storage.StateDownloading, state)
}

func TestAdd_ActiveHolderOfAgentItemIsReturned(t *testing.T) {
	ctx := context.Background()
	agent := dcmemory.New()
	ledger := memory.NewLedger()
	r := New(ledger, &sharedItemAdapter{Agent: agent, externalID: "H"}, WithClock(func() time.Time { return fixedAt }))

	first, created, err := r.Submit(ctx, foo)
	require.NoError(t, err)
	require.True(t, created)

	got, created, err := r.Submit(ctx, bar)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, got.ID)

	entries, err := r.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, foo.ID(), entries[0].ID)

	_, err = ledger.Get(ctx, bar.ID())
	require.ErrorIs(t, err, storage.ErrNotFound)
	assert.Zero(t, agent.Calls(dcmemory.OpCancel))
}

func TestSubmit_ReportsCreation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, created, err := f.r.Submit(ctx, foo)
	require.NoError(t, err)
	assert.True(t, created)

	_, created, err = f.r.Submit(ctx, foo)
	require.NoError(t, err)
	assert.False(t, created)

	_, err = f.r.Archive(ctx, foo)
	require.NoError(t, err)

	_, created, err = f.r.Submit(ctx, foo)
	require.NoError(t, err)
	assert.True(t, created)
}

func TestArchive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	added := f.add(t, foo)

	entry, err := f.r.Archive(ctx, foo)
	require.NoError(t, err)
	assert.Equal(t, storage.StateArchived, entry.State)

	assert.Empty(t, f.names(t))

	state, err := f.state(t, foo)
	require.NoError(t, err)
	assert.Equal(t, storage.StateArchived, state)
	assert.False(t, f.agent.Has(added.ExternalID))

	history, err := f.r.History(ctx)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, foo.ID(), history[0].ID)
}

func TestArchive_AlreadyArchivedIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.add(t, foo)

	_, err := f.r.Archive(ctx, foo)
	require.NoError(t, err)

	_, err = f.r.Archive(ctx, foo)
	require.NoError(t, err)

	assert.Equal(t, 1, f.agent.Calls(dcmemory.OpArchive))
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	added := f.add(t, foo)

	require.NoError(t, f.r.Cancel(ctx, foo))

	assert.Empty(t, f.names(t))

	_, err := f.state(t, foo)
	require.ErrorIs(t, err, ErrNotFound)
	assert.False(t, f.agent.Has(added.ExternalID))
}

func TestCancel_Archived(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.add(t, foo)

	_, err := f.r.Archive(ctx, foo)
	require.NoError(t, err)
	require.NoError(t, f.r.Cancel(ctx, foo))

	_, err = f.state(t, foo)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUnknownIDs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		call func() error
	}{
		{name: "cancel", call: func() error { return f.r.Cancel(ctx, foo) }},
		{name: "archive", call: func() error { _, err := f.r.Archive(ctx, foo); return err }},
		{name: "state", call: func() error { _, err := f.r.State(ctx, foo); return err }},
		{name: "lookup", call: func() error { _, err := f.r.Lookup(ctx, foo.ID()); return err }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()

			require.ErrorIs(t, err, ErrNotFound)
			require.ErrorIs(t, err, storage.ErrNotFound)
		})
	}

	assert.Zero(t, f.agent.Calls(dcmemory.OpCancel))
	assert.Zero(t, f.agent.Calls(dcmemory.OpArchive))
}

func TestAdapterFailureLeavesEntryUntouched(t *testing.T) {
	tests := []struct {
		name string
		op   dcmemory.Op
		call func(r *Reconciler) error
		want storage.State
	}{
		{
			name: "cancel",
			op:   dcmemory.OpCancel,
			call: func(r *Reconciler) error { return r.Cancel(context.Background(), foo) },
		},
		{
			name: "archive",
			op:   dcmemory.OpArchive,
			call: func(r *Reconciler) error { _, err := r.Archive(context.Background(), foo); return err },
			want: storage.StateArchived,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			added := f.add(t, foo)
			kinds(f.r)

			f.agent.Fail(tt.op, errBoom)

			var adapterErr *AdapterError
			require.ErrorAs(t, tt.call(f.r), &adapterErr)
			assert.Equal(t, added.ExternalID, adapterErr.ExternalID)

			stored, err := f.ledger.Get(context.Background(), foo.ID())
			require.NoError(t, err)
			assert.Equal(t, added, stored)
			assert.Empty(t, kinds(f.r))

			f.agent.Fail(tt.op, nil)
			require.NoError(t, tt.call(f.r))

			stored, err = f.ledger.Get(context.Background(), foo.ID())
			if tt.want == "" {
				require.ErrorIs(t, err, storage.ErrNotFound)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, stored.State)
		})
	}
}

func TestAgentAlreadyForgotCountsAsDone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	fooEntry := f.add(t, foo)
	barEntry := f.add(t, bar)

	f.agent.Forget(fooEntry.ExternalID)
	f.agent.Forget(barEntry.ExternalID)

	require.NoError(t, f.r.Cancel(ctx, foo))

	entry, err := f.r.Archive(ctx, bar)
	require.NoError(t, err)
	assert.Equal(t, storage.StateArchived, entry.State)
}

func TestSynchronize_DownloadingVanishes(t *testing.T) {
	f := newFixture(t)

	f.add(t, foo)
	barEntry := f.add(t, bar)
	kinds(f.r)

	f.agent.Forget(barEntry.ExternalID)

	assert.Equal(t, []string{"foo"}, f.names(t))

	_, err := f.state(t, bar)
	require.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, []EventKind{EventVanished}, kinds(f.r))
}

func TestSynchronize_SharingRetires(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.add(t, foo)
	barEntry := f.add(t, bar)
	kinds(f.r)

	barEntry.State = storage.StateSharing
	require.NoError(t, f.ledger.Put(ctx, barEntry))

	f.agent.Forget(barEntry.ExternalID)

	state, err := f.state(t, bar)
	require.NoError(t, err)
	assert.Equal(t, storage.StateArchived, state)
	assert.Equal(t, []string{"foo"}, f.names(t))
	assert.Equal(t, []EventKind{EventRetired}, kinds(f.r))
}

func TestSynchronize_Adoption(t *testing.T) {
	f := newFixture(t)

	shared := f.agent.Inject("ubuntu.iso", 4096, dc.StateSharing)
	paused := f.agent.Inject("debian.iso", 2048, dc.StatePaused)

	sources, err := f.r.List(context.Background())
	require.NoError(t, err)
	require.Len(t, sources, 2)

	state, err := f.state(t, source.Adopted("memory", shared, "ubuntu.iso", 4096))
	require.NoError(t, err)
	assert.Equal(t, storage.StateSharing, state)

	state, err = f.state(t, source.Adopted("memory", paused, "debian.iso", 2048))
	require.NoError(t, err)
	assert.Equal(t, storage.StateDownloading, state)

	id, err := f.ledger.FindByExternal(context.Background(), shared)
	require.NoError(t, err)

	entry, err := f.ledger.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "ubuntu.iso", entry.Source.Name)
	assert.Equal(t, int64(4096), entry.Source.Size)
	assert.Equal(t, "memory", entry.Source.Provider)

	assert.Equal(t, []EventKind{EventAdopted, EventAdopted}, kinds(f.r))
	assert.Zero(t, f.agent.Calls(dcmemory.OpAdd))
}

func TestSynchronize_Refresh(t *testing.T) {
	f := newFixture(t)

	entry := f.add(t, foo)
	kinds(f.r)

	require.NoError(t, f.agent.SetState(entry.ExternalID, dc.StateSharing))

	state, err := f.state(t, foo)
	require.NoError(t, err)
	assert.Equal(t, storage.StateSharing, state)
	assert.Equal(t, []EventKind{EventCompleted}, kinds(f.r))

	require.NoError(t, f.agent.SetState(entry.ExternalID, dc.StateError))

	state, err = f.state(t, foo)
	require.NoError(t, err)
	assert.Equal(t, storage.StateDownloading, state)
	assert.Empty(t, kinds(f.r))
}

func TestSynchronize_ArchivedUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	entry := f.add(t, foo)
	require.NoError(t, f.agent.SetState(entry.ExternalID, dc.StateSharing))

	entry.State = storage.StateArchived
	require.NoError(t, f.ledger.Put(ctx, entry))

	require.NoError(t, f.r.Synchronize(ctx))

	all, err := f.ledger.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, storage.StateArchived, all[0].State)
}

func TestSynchronize_DumpFailureChangesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.add(t, foo)
	barEntry := f.add(t, bar)
	f.agent.Inject("stray", 1, dc.StateSharing)
	f.agent.Forget(barEntry.ExternalID)
	f.agent.Fail(dcmemory.OpDump, errBoom)

	before, err := f.ledger.ListAll(ctx)
	require.NoError(t, err)

	_, err = f.r.List(ctx)

	var adapterErr *AdapterError
	require.ErrorAs(t, err, &adapterErr)
	assert.Equal(t, "dump", adapterErr.Operation)

	after, err := f.ledger.ListAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestSynchronize_ApplyFailureChangesNothing(t *testing.T) {
	ctx := context.Background()
	agent := dcmemory.New()
	ledger := &failingLedger{Ledger: memory.NewLedger()}
	r := New(ledger, agent)

	_, err := r.Add(ctx, foo)
	require.NoError(t, err)

	agent.Inject("stray", 1, dc.StateSharing)
	ledger.applyErr = errBoom

	require.ErrorIs(t, r.Synchronize(ctx), errBoom)

	all, err := ledger.ListAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
	assert.Equal(t, []EventKind{EventAdded}, kinds(r))
}

func TestPlan_Deterministic(t *testing.T) {
	r := New(memory.NewLedger(), dcmemory.New(), WithClock(func() time.Time { return fixedAt }))

	downloading := storage.Entry{ID: foo.ID(), Source: foo, State: storage.StateDownloading, ExternalID: "a"}
	sharing := storage.Entry{ID: bar.ID(), Source: bar, State: storage.StateSharing, ExternalID: "b"}
	archived := storage.Entry{ID: "c0ffee", Source: source.Source{URI: "x"}, State: storage.StateArchived, ExternalID: "c"}

	reports := []dc.Report{
		{ExternalID: "c", State: dc.StateDownloading},
		{ExternalID: "d", State: dc.StateSharing, Name: "new", Size: 5},
		{ExternalID: "d", State: dc.StateSharing, Name: "new", Size: 5},
		{ExternalID: "", State: dc.StateSharing},
	}

	p := r.plan([]storage.Entry{downloading, sharing, archived}, reports)

	adopted := source.Adopted("memory", "d", "new", 5)

	require.Len(t, p.batch.Puts, 2)
	assert.Equal(t, adopted.ID(), p.batch.Puts[0].ID)
	assert.Equal(t, storage.StateSharing, p.batch.Puts[0].State)
	assert.Equal(t, fixedAt, p.batch.Puts[0].UpdatedAt)
	assert.Equal(t, bar.ID(), p.batch.Puts[1].ID)
	assert.Equal(t, storage.StateArchived, p.batch.Puts[1].State)
	assert.Equal(t, []source.ID{foo.ID()}, p.batch.Deletes)
	assert.Equal(t, []string{"adopted", "vanished", "retired"}, p.changes)
}

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.yaml")
	agent := dcmemory.New()

	ledger, err := filestore.Open(path)
	require.NoError(t, err)

	r := New(ledger, agent)

	for _, src := range []source.Source{foo, bar} {
		_, err := r.Add(ctx, src)
		require.NoError(t, err)
	}

	_, err = r.Archive(ctx, bar)
	require.NoError(t, err)

	agent.Inject("adopted", 1, dc.StateSharing)

	wantActive, err := r.Entries(ctx)
	require.NoError(t, err)
	wantHistory, err := r.History(ctx)
	require.NoError(t, err)
	require.NoError(t, ledger.Close())

	reopened, err := filestore.Open(path)
	require.NoError(t, err)

	r = New(reopened, agent)

	gotActive, err := r.Entries(ctx)
	require.NoError(t, err)
	gotHistory, err := r.History(ctx)
	require.NoError(t, err)

	require.Len(t, gotActive, len(wantActive))
	require.Len(t, gotHistory, len(wantHistory))

	for i := range wantActive {
		assert.Equal(t, wantActive[i].ID, gotActive[i].ID)
		assert.Equal(t, wantActive[i].State, gotActive[i].State)
		assert.Equal(t, wantActive[i].Source, gotActive[i].Source)
	}

	state, err := r.State(ctx, bar)
	require.NoError(t, err)
	assert.Equal(t, storage.StateArchived, state)

	state, err = r.State(ctx, foo)
	require.NoError(t, err)
	assert.Equal(t, storage.StateDownloading, state)
}

func TestEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.add(t, foo)
	f.add(t, bar)

	_, err := f.r.Archive(ctx, foo)
	require.NoError(t, err)
	require.NoError(t, f.r.Cancel(ctx, bar))

	assert.Equal(t, []EventKind{EventAdded, EventAdded, EventArchived, EventCancelled}, kinds(f.r))
}

func TestEvents_DroppedWhenFull(t *testing.T) {
	f := newFixture(t, WithEventBuffer(1))

	f.add(t, foo)
	f.add(t, bar)

	assert.Equal(t, []EventKind{EventAdded}, kinds(f.r))
	assert.ElementsMatch(t, []string{"bar", "foo"}, f.names(t))
}

func TestConcurrentOperations(t *testing.T) {
	f := newFixture(t, WithEventBuffer(0))
	ctx := context.Background()

	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(3)

		go func() {
			defer wg.Done()

			_, err := f.r.Add(ctx, foo)
			assert.NoError(t, err)
		}()

		go func(i int) {
			defer wg.Done()

			_, err := f.r.Add(ctx, source.Source{URI: fmt.Sprintf("https://example.org/%d.torrent", i)})
			assert.NoError(t, err)
		}(i)

		go func() {
			defer wg.Done()

			assert.NoError(t, f.r.Synchronize(ctx))
		}()
	}

	wg.Wait()

	assert.Equal(t, 21, f.agent.Calls(dcmemory.OpAdd))
	assert.Len(t, f.names(t), 21)
}

// stuckAdapter never answers a dump.
type stuckAdapter struct {
	*dcmemory.Agent
}

func (a stuckAdapter) Dump(ctx context.Context) ([]dc.Report, error) {
	<-ctx.Done()

	return nil, ctx.Err()
}

func TestAdapterTimeout(t *testing.T) {
	r := New(memory.NewLedger(), stuckAdapter{dcmemory.New()}, WithAdapterTimeout(20*time.Millisecond))

	err := r.Synchronize(context.Background())

	var adapterErr *AdapterError
	require.ErrorAs(t, err, &adapterErr)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAdapterError_Error(t *testing.T) {
	err := &AdapterError{Adapter: "deluge", Operation: "cancel", ExternalID: "abc", Err: errBoom}
	assert.Equal(t, "deluge cancel failed for abc: boom", err.Error())

	err = &AdapterError{Adapter: "deluge", Operation: "dump", Err: errBoom}
	assert.Equal(t, "deluge dump failed: boom", err.Error())
}
