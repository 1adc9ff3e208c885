// Package memory is an in-process download agent. Items change state only
// when told to, which makes it the adapter of choice for tests and dry runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/italolelis/arroyo/internal/dc"
	"github.com/italolelis/arroyo/internal/source"
)

// Op names an adapter call.
type Op string

const (
	OpAdd     Op = "add"
	OpCancel  Op = "cancel"
	OpArchive Op = "archive"
	OpRemove  Op = "remove"
	OpList    Op = "list"
	OpDump    Op = "dump"
)

type item struct {
	externalID string
	src        source.Source
	state      dc.State
}

// Agent implements dc.Adapter in memory.
type Agent struct {
	mu       sync.Mutex
	items    map[string]*item
	seq      int
	calls    map[Op]int
	failures map[Op]error
}

var _ dc.Adapter = (*Agent)(nil)

func New() *Agent {
	return &Agent{
		items:    make(map[string]*item),
		calls:    make(map[Op]int),
		failures: make(map[Op]error),
	}
}

func (a *Agent) Name() string {
	return "memory"
}

func (a *Agent) Add(_ context.Context, src source.Source) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.enter(OpAdd); err != nil {
		return "", err
	}

	src.Metainfo = nil

	return a.insert(src, dc.StateDownloading), nil
}

func (a *Agent) Cancel(ctx context.Context, externalID string) error {
	return a.drop(OpCancel, externalID)
}

func (a *Agent) Archive(ctx context.Context, externalID string) error {
	return a.drop(OpArchive, externalID)
}

func (a *Agent) Remove(_ context.Context, externalID string, _ bool) error {
	return a.drop(OpRemove, externalID)
}

func (a *Agent) List(_ context.Context) ([]*dc.Transfer, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.enter(OpList); err != nil {
		return nil, err
	}

	return a.transfers(), nil
}

func (a *Agent) Dump(_ context.Context) ([]dc.Report, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.enter(OpDump); err != nil {
		return nil, err
	}

	return dc.Reports(a.transfers()), nil
}

// SetState changes the state of an item as if the agent had progressed it.
func (a *Agent) SetState(externalID string, state dc.State) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	it, ok := a.items[externalID]
	if !ok {
		return dc.ErrNotFound
	}

	it.state = state

	return nil
}

// Forget drops an item as if it was removed by someone else.
func (a *Agent) Forget(externalID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	delete(a.items, externalID)
}

// Inject adds an item as if it was added by someone else and returns its id.
func (a *Agent) Inject(name string, size int64, state dc.State) string {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.insert(source.Source{Name: name, Size: size}, state)
}

// Fail makes every call of op return err until Fail(op, nil).
func (a *Agent) Fail(op Op, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err == nil {
		delete(a.failures, op)

		return
	}

	a.failures[op] = err
}

// Calls returns how many times op was invoked, failed calls included.
func (a *Agent) Calls(op Op) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.calls[op]
}

// Has reports whether the agent knows externalID.
func (a *Agent) Has(externalID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	_, ok := a.items[externalID]

	return ok
}

// Len returns the number of items on the agent.
func (a *Agent) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return len(a.items)
}

// Source returns the source an item was added with.
func (a *Agent) Source(externalID string) (source.Source, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	it, ok := a.items[externalID]
	if !ok {
		return source.Source{}, false
	}

	return it.src, true
}

func (a *Agent) drop(op Op, externalID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.enter(op); err != nil {
		return err
	}

	if _, ok := a.items[externalID]; !ok {
		return dc.ErrNotFound
	}

	delete(a.items, externalID)

	return nil
}

// enter counts the call and returns the injected failure, if any.
func (a *Agent) enter(op Op) error {
	a.calls[op]++

	return a.failures[op]
}

func (a *Agent) insert(src source.Source, state dc.State) string {
	a.seq++
	externalID := fmt.Sprintf("mem-%04d", a.seq)

	a.items[externalID] = &item{externalID: externalID, src: src, state: state}

	return externalID
}

func (a *Agent) transfers() []*dc.Transfer {
	out := make([]*dc.Transfer, 0, len(a.items))

	for _, it := range a.items {
		progress := 0.0
		if it.state == dc.StateSharing {
			progress = 100
		}

		out = append(out, &dc.Transfer{
			ExternalID: it.externalID,
			Name:       it.src.DisplayName(),
			Status:     strings.ToLower(string(it.state)),
			Progress:   progress,
			Size:       it.src.Size,
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ExternalID < out[j].ExternalID })

	return out
}
