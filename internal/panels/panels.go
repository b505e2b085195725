// Package panels holds the refreshable dashboard panels: the file tree and
// the opaque document collections (notes, agent conversations, tasks).
// Every panel satisfies refresh.Consumer and records its own errors.
package panels

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/dashboard/internal/lazytree"
	"github.com/fruitsalade/dashboard/internal/logging"
	"github.com/fruitsalade/dashboard/internal/metrics"
	"github.com/fruitsalade/dashboard/pkg/protocol"
)

// TreeName is the registration name of the tree panel.
const TreeName = "tree"

// Tree exposes a lazy tree manager as a panel.
type Tree struct {
	manager *lazytree.Manager
	logger  *zap.Logger
}

// NewTree wraps m.
func NewTree(m *lazytree.Manager, logger *zap.Logger) *Tree {
	if logger == nil {
		logger = logging.Named("panel")
	}
	return &Tree{manager: m, logger: logger.With(zap.String("panel", TreeName))}
}

// Refresh reloads the top level and every expanded directory.
func (p *Tree) Refresh(ctx context.Context) {
	err := p.manager.Refresh(ctx)
	metrics.SetPanelHealthy(TreeName, err == nil)
	if err != nil {
		p.logger.Warn("tree refresh failed", zap.Error(err))
	}
}

// Snapshot returns the visible rows and the top-level error, if any.
func (p *Tree) Snapshot() protocol.TreeResponse {
	resp := protocol.TreeResponse{Rows: Rows(p.manager.Visible())}
	if err := p.manager.RootErr(); err != nil {
		resp.Error = err.Error()
	}
	return resp
}

// Rows converts manager rows to their wire form.
func Rows(rows []lazytree.Row) []protocol.TreeRow {
	out := make([]protocol.TreeRow, len(rows))
	for i, r := range rows {
		out[i] = protocol.TreeRow{
			Name:     r.Name,
			Path:     r.Path,
			Kind:     r.Kind,
			Depth:    r.Depth,
			Expanded: r.Expanded,
			State:    r.State.String(),
		}
		if r.Err != nil {
			out[i].Error = r.Err.Error()
		}
	}
	return out
}

// FetchFunc loads the documents of one collection.
type FetchFunc func(ctx context.Context) ([]json.RawMessage, error)

// Notifier receives a panel_updated event after each applied refresh.
// *events.Broadcaster satisfies it.
type Notifier interface {
	Publish(event protocol.Event)
}

// Collection is a panel listing opaque documents. A failed refresh keeps
// the previous items and records the error until the next success.
type Collection struct {
	name     string
	fetch    FetchFunc
	notifier Notifier
	logger   *zap.Logger

	mu         sync.Mutex
	items      []json.RawMessage
	err        error
	updatedAt  time.Time
	refreshing int
	issued     uint64
	applied    uint64
}

// NewCollection creates a collection panel named name. notifier may be nil.
func NewCollection(name string, fetch FetchFunc, notifier Notifier, logger *zap.Logger) *Collection {
	if logger == nil {
		logger = logging.Named("panel")
	}
	return &Collection{
		name:     name,
		fetch:    fetch,
		notifier: notifier,
		logger:   logger.With(zap.String("panel", name)),
	}
}

// Name returns the panel name.
func (p *Collection) Name() string {
	return p.name
}

// Refresh fetches the collection. When refreshes overlap, a result older
// than one already applied is discarded.
func (p *Collection) Refresh(ctx context.Context) {
	p.mu.Lock()
	p.issued++
	id := p.issued
	p.refreshing++
	p.mu.Unlock()

	items, err := p.fetch(ctx)
	if p.apply(id, items, err) && p.notifier != nil {
		p.notifier.Publish(protocol.Event{Type: protocol.EventPanelUpdated, ID: p.name})
	}
}

func (p *Collection) apply(id uint64, items []json.RawMessage, err error) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refreshing--
	if id < p.applied {
		p.logger.Debug("dropping stale collection response")
		return false
	}
	p.applied = id

	metrics.SetPanelHealthy(p.name, err == nil)
	if err != nil {
		p.err = err
		p.logger.Warn("collection refresh failed", zap.Error(err))
		return true
	}
	if items == nil {
		items = []json.RawMessage{}
	}
	p.items = items
	p.err = nil
	p.updatedAt = time.Now()
	p.logger.Debug("collection refreshed", zap.Int("items", len(items)))
	return true
}

// Err returns the error of the latest refresh, or nil.
func (p *Collection) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Snapshot returns the panel's current state.
func (p *Collection) Snapshot() protocol.PanelStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	status := protocol.PanelStatus{
		Name:       p.name,
		Items:      p.items,
		UpdatedAt:  p.updatedAt,
		Refreshing: p.refreshing > 0,
	}
	if status.Items == nil {
		status.Items = []json.RawMessage{}
	}
	if p.err != nil {
		status.Error = p.err.Error()
	}
	return status
}
