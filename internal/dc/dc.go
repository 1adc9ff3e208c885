// Package dc describes the download agent adapters the reconciler drives.
package dc

import (
	"context"
	"strings"

	"github.com/italolelis/arroyo/internal/source"
)

// State is the state an agent reports for one of its items.
type State string

const (
	StateDownloading State = "downloading"
	StateSharing     State = "sharing"
	StatePaused      State = "paused"
	StateError       State = "error"
)

// Report is one item of an adapter dump.
type Report struct {
	ExternalID string
	State      State
	Name       string
	Size       int64
}

// Transfer is the rich view of an agent item used for listings.
type Transfer struct {
	ExternalID     string
	Label          string
	Name           string
	SavePath       string
	Status         string
	Progress       float64
	Size           int64
	Downloaded     int64
	DownloadSpeed  int64
	UploadSpeed    int64
	EstimatedTime  int64
	SecondsSeeding int64
	PeersConnected int64
	ErrorMessage   string
}

// IsSharing reports whether the agent finished fetching the item.
func (t *Transfer) IsSharing() bool {
	switch strings.ToLower(t.Status) {
	case "seeding", "seedingwait", "completed", "finished":
		return true
	}

	return t.Progress >= 100
}

// State maps the transfer status onto the states the reconciler understands.
func (t *Transfer) State() State {
	switch {
	case t.IsSharing():
		return StateSharing
	case strings.EqualFold(t.Status, "error"):
		return StateError
	case strings.EqualFold(t.Status, "paused"):
		return StatePaused
	default:
		return StateDownloading
	}
}

// Report returns the dump view of the transfer.
func (t *Transfer) Report() Report {
	return Report{
		ExternalID: t.ExternalID,
		State:      t.State(),
		Name:       t.Name,
		Size:       t.Size,
	}
}

// Adapter drives one download agent.
type Adapter interface {
	Name() string

	// Add hands the source to the agent and returns the agent's id for it.
	Add(ctx context.Context, src source.Source) (string, error)
	// Cancel stops the item and discards its data.
	Cancel(ctx context.Context, externalID string) error
	// Archive stops tracking the item on the agent and keeps its data.
	Archive(ctx context.Context, externalID string) error
	Remove(ctx context.Context, externalID string, deleteData bool) error

	List(ctx context.Context) ([]*Transfer, error)
	// Dump returns a snapshot of every item the agent currently knows.
	Dump(ctx context.Context) ([]Report, error)
}

// Authenticator is implemented by adapters that need a session before use.
type Authenticator interface {
	Authenticate(ctx context.Context) error
}

// Reports builds a dump from a listing.
func Reports(transfers []*Transfer) []Report {
	reports := make([]Report, 0, len(transfers))
	for _, t := range transfers {
		reports = append(reports, t.Report())
	}

	return reports
}
