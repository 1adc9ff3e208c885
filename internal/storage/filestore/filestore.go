// Package filestore keeps the whole ledger in a single YAML document.
//
// Every mutation rewrites <path>.wip and renames it over <path>, so a crash
// leaves either the previous or the new document on disk.
package filestore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/italolelis/arroyo/internal/source"
	"github.com/italolelis/arroyo/internal/storage"
	"gopkg.in/yaml.v3"
)

const documentVersion = 1

type document struct {
	Version int               `yaml:"version"`
	Entries map[string]record `yaml:"entries"`
}

type record struct {
	URI        string    `yaml:"uri"`
	Name       string    `yaml:"name,omitempty"`
	Size       int64     `yaml:"size,omitempty"`
	Kind       string    `yaml:"kind,omitempty"`
	Provider   string    `yaml:"provider,omitempty"`
	Language   string    `yaml:"language,omitempty"`
	State      string    `yaml:"state"`
	ExternalID string    `yaml:"external_id,omitempty"`
	UpdatedAt  time.Time `yaml:"updated_at"`
}

type Ledger struct {
	path string

	mu      sync.RWMutex
	entries map[source.ID]storage.Entry
}

var _ storage.Ledger = (*Ledger)(nil)

// Open loads the ledger document at path. A missing file is an empty ledger.
func Open(path string) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create ledger directory: %w", err)
	}

	entries, err := load(path)
	if err != nil {
		return nil, err
	}

	return &Ledger{path: path, entries: entries}, nil
}

func (l *Ledger) Get(_ context.Context, id source.ID) (storage.Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	e, ok := l.entries[id]
	if !ok {
		return storage.Entry{}, storage.ErrNotFound
	}

	return e, nil
}

func (l *Ledger) ListAll(_ context.Context) ([]storage.Entry, error) {
	return l.list(func(storage.Entry) bool { return true }), nil
}

func (l *Ledger) ListActive(_ context.Context) ([]storage.Entry, error) {
	return l.list(func(e storage.Entry) bool { return e.State != storage.StateArchived }), nil
}

func (l *Ledger) FindByExternal(_ context.Context, externalID string) (source.ID, error) {
	if externalID == "" {
		return "", storage.ErrNotFound
	}

	for _, e := range l.list(func(e storage.Entry) bool { return e.ExternalID == externalID }) {
		return e.ID, nil
	}

	return "", storage.ErrNotFound
}

func (l *Ledger) Put(ctx context.Context, e storage.Entry) error {
	var b storage.Batch
	b.Put(e)

	return l.Apply(ctx, b)
}

func (l *Ledger) Delete(ctx context.Context, id source.ID) error {
	var b storage.Batch
	b.Delete(id)

	return l.Apply(ctx, b)
}

// Apply writes the document with the batch applied. The in-memory view only
// changes once the new document is on disk.
func (l *Ledger) Apply(_ context.Context, b storage.Batch) error {
	if b.Empty() {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	next := make(map[source.ID]storage.Entry, len(l.entries)+len(b.Puts))
	for id, e := range l.entries {
		next[id] = e
	}

	for _, e := range b.Puts {
		e.Source.Metainfo = nil
		next[e.ID] = e
	}

	for _, id := range b.Deletes {
		delete(next, id)
	}

	if err := write(l.path, next); err != nil {
		return err
	}

	l.entries = next

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
			entries = append(entries, e)
		}
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })

	return entries
}

func load(path string) (map[source.ID]storage.Entry, error) {
	entries := make(map[source.ID]storage.Entry)

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return entries, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to read ledger file: %w", err)
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode ledger file %s: %w", path, err)
	}

	if doc.Version > documentVersion {
		return nil, fmt.Errorf("unsupported ledger file version %d", doc.Version)
	}

	for id, r := range doc.Entries {
		state := storage.State(r.State)
		if !state.Valid() {
			return nil, fmt.Errorf("failed to decode ledger file %s: entry %s has unknown state %q", path, id, r.State)
		}

		entries[source.ID(id)] = storage.Entry{
			ID: source.ID(id),
			Source: source.Source{
				URI:      r.URI,
				Name:     r.Name,
				Size:     r.Size,
				Kind:     r.Kind,
				Provider: r.Provider,
				Language: r.Language,
			},
			State:      state,
			ExternalID: r.ExternalID,
			UpdatedAt:  r.UpdatedAt,
		}
	}

	return entries, nil
}

func write(path string, entries map[source.ID]storage.Entry) error {
	doc := document{
		Version: documentVersion,
		Entries: make(map[string]record, len(entries)),
	}

	for id, e := range entries {
		doc.Entries[string(id)] = record{
			URI:        e.Source.URI,
			Name:       e.Source.Name,
			Size:       e.Source.Size,
			Kind:       e.Source.Kind,
			Provider:   e.Source.Provider,
			Language:   e.Source.Language,
			State:      string(e.State),
			ExternalID: e.ExternalID,
			UpdatedAt:  e.UpdatedAt.UTC(),
		}
	}

	data, err := yaml.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("failed to encode ledger: %w", err)
	}

	wip := path + ".wip"

	f, err := os.OpenFile(wip, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", wip, err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()

		return fmt.Errorf("failed to write %s: %w", wip, err)
	}

	if err := f.Sync(); err != nil {
		f.Close()

		return fmt.Errorf("failed to sync %s: %w", wip, err)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", wip, err)
	}

	if err := os.Rename(wip, path); err != nil {
		return fmt.Errorf("failed to replace ledger file: %w", err)
	}

	return nil
}
