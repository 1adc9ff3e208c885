// Package memory provides an in-process ledger with the same semantics as
// the durable implementations. It does not survive restarts.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/italolelis/arroyo/internal/source"
	"github.com/italolelis/arroyo/internal/storage"
)

type Ledger struct {
	mu      sync.RWMutex
	entries map[source.ID]storage.Entry
}

var _ storage.Ledger = (*Ledger)(nil)

func NewLedger() *Ledger {
	return &Ledger{entries: make(map[source.ID]storage.Entry)}
}

func (l *Ledger) Get(_ context.Context, id source.ID) (storage.Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	e, ok := l.entries[id]
	if !ok {
		return storage.Entry{}, storage.ErrNotFound
	}

	return clone(e), nil
}

func (l *Ledger) ListAll(_ context.Context) ([]storage.Entry, error) {
	return l.list(func(storage.Entry) bool { return true }), nil
}

func (l *Ledger) ListActive(_ context.Context) ([]storage.Entry, error) {
	return l.list(func(e storage.Entry) bool { return e.State != storage.StateArchived }), nil
}

func (l *Ledger) FindByExternal(_ context.Context, externalID string) (source.ID, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if externalID == "" {
		return "", storage.ErrNotFound
	}

	for id, e := range l.entries {
		if e.ExternalID == externalID {
			return id, nil
		}
	}

	return "", storage.ErrNotFound
}

func (l *Ledger) Put(_ context.Context, e storage.Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries[e.ID] = clone(e)

	return nil
}

func (l *Ledger) Delete(_ context.Context, id source.ID) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.entries, id)

	return nil
}

func (l *Ledger) Apply(_ context.Context, b storage.Batch) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, e := range b.Puts {
		l.entries[e.ID] = clone(e)
	}

	for _, id := range b.Deletes {
		delete(l.entries, id)
	}

	return nil
}

func (l *Ledger) Close() error {
	return nil
}

func (l *Ledger) list(keep func(storage.Entry) bool) []storage.Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	entries := make([]storage.Entry, 0, len(l.entries))

	for _, e := range l.entries {
		if keep(e) {
			entries = append(entries, clone(e))
		}
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })

	return entries
}

// clone drops the transient metainfo so stored entries never alias caller memory.
func clone(e storage.Entry) storage.Entry {
	e.Source.Metainfo = nil

	return e
}
