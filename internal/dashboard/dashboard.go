// Package dashboard wires the upstream client, the lazy tree, the
// collection panels and the refresh orchestrator into one running
// dashboard, and feeds upstream events into the orchestrator.
package dashboard

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/dashboard/internal/events"
	"github.com/fruitsalade/dashboard/internal/lazytree"
	"github.com/fruitsalade/dashboard/internal/logging"
	"github.com/fruitsalade/dashboard/internal/panels"
	"github.com/fruitsalade/dashboard/internal/refresh"
	"github.com/fruitsalade/dashboard/pkg/client"
	"github.com/fruitsalade/dashboard/pkg/protocol"
)

// Collections lists the collection panels, in registration order. Each
// name is also the upstream resource it is fetched from.
var Collections = []string{"notes", "agents", "tasks"}

// Config holds dashboard configuration.
type Config struct {
	Client client.Config

	// WatchEvents subscribes to the upstream event stream and triggers a
	// refresh for every relevant event.
	WatchEvents bool

	// HealthCheckPeriod pings the upstream service and triggers a refresh
	// when it comes back online. 0 disables.
	HealthCheckPeriod time.Duration

	// RefreshInterval triggers a refresh periodically. 0 disables.
	RefreshInterval time.Duration

	MaxConcurrentFetches int
	Refresh              refresh.Options
	Logger               *zap.Logger
}

// Dashboard owns the running panels.
type Dashboard struct {
	cfg         Config
	logger      *zap.Logger
	client      *client.Client
	sseClient   *client.SSEClient
	broadcaster *events.Broadcaster
	manager     *lazytree.Manager
	tree        *panels.Tree
	collections []*panels.Collection
	orch        *refresh.Orchestrator

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a dashboard. Nothing is fetched until Start.
func New(cfg Config) *Dashboard {
	if cfg.Logger == nil {
		cfg.Logger = logging.Named("dashboard")
	}
	if cfg.Client.Logger == nil {
		cfg.Client.Logger = cfg.Logger.Named("client")
	}
	if cfg.Refresh.Logger == nil {
		cfg.Refresh.Logger = cfg.Logger.Named("refresh")
	}

	d := &Dashboard{
		cfg:         cfg,
		logger:      cfg.Logger,
		client:      client.New(cfg.Client),
		broadcaster: events.NewBroadcaster(),
		orch:        refresh.New(cfg.Refresh),
	}

	d.manager = lazytree.New(d.client, lazytree.Options{
		Logger:               cfg.Logger.Named("lazytree"),
		MaxConcurrentFetches: cfg.MaxConcurrentFetches,
		OnChange: func(path string) {
			d.broadcaster.Publish(protocol.Event{Type: protocol.EventTreeUpdated, Path: path})
		},
	})
	d.tree = panels.NewTree(d.manager, cfg.Logger.Named("panel"))
	d.orch.Register(panels.TreeName, d.tree)

	for _, name := range Collections {
		resource := name
		p := panels.NewCollection(name, func(ctx context.Context) ([]json.RawMessage, error) {
			return d.client.FetchCollection(ctx, resource)
		}, d.broadcaster, cfg.Logger.Named("panel"))
		d.collections = append(d.collections, p)
		d.orch.Register(name, p)
	}

	if cfg.WatchEvents {
		d.sseClient = client.NewSSEClient(cfg.Client.BaseURL, cfg.Logger.Named("sse"))
		d.sseClient.SetAuthToken(cfg.Client.AuthToken)
	}
	return d
}

// Start runs the initial refresh pass, then starts the event watch, the
// health check and the periodic refresh loop as configured. Failures of
// individual panels do not fail Start; they are visible in the snapshots.
func (d *Dashboard) Start(ctx context.Context) error {
	if err := d.orch.RefreshNow(ctx); err != nil {
		return err
	}

	bg, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.startEventWatch(bg)
	d.startHealthCheck(bg)
	d.startRefreshLoop(bg)

	d.logger.Info("dashboard started",
		zap.String("upstream", d.cfg.Client.BaseURL),
		zap.Bool("watch_events", d.sseClient != nil),
		zap.Stringer("refresh_mode", d.cfg.Refresh.Mode))
	return nil
}

// Stop shuts down background loops, pending refreshes and tree loads.
func (d *Dashboard) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	d.orch.Close()
	d.manager.Close()
	d.logger.Info("dashboard stopped")
}

// Trigger requests a throttled refresh of every panel.
func (d *Dashboard) Trigger() {
	d.orch.Trigger()
}

// RefreshNow refreshes every panel immediately and waits for them.
func (d *Dashboard) RefreshNow(ctx context.Context) error {
	return d.orch.RefreshNow(ctx)
}

// ToggleExpand toggles a tree directory.
func (d *Dashboard) ToggleExpand(path string) (bool, error) {
	return d.manager.ToggleExpand(path)
}

// Tree returns the tree snapshot.
func (d *Dashboard) Tree() protocol.TreeResponse {
	return d.tree.Snapshot()
}

// Panels returns a snapshot of every collection panel.
func (d *Dashboard) Panels() []protocol.PanelStatus {
	out := make([]protocol.PanelStatus, len(d.collections))
	for i, p := range d.collections {
		out[i] = p.Snapshot()
	}
	return out
}

// Events returns the broadcaster that carries view notifications.
func (d *Dashboard) Events() *events.Broadcaster {
	return d.broadcaster
}

// startEventWatch triggers a refresh for each relevant upstream event.
func (d *Dashboard) startEventWatch(ctx context.Context) {
	if d.sseClient == nil {
		return
	}
	stream := d.sseClient.Subscribe(ctx)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for event := range stream {
			if !relevant(event) {
				d.logger.Debug("ignoring upstream event", zap.String("type", event.Type))
				continue
			}
			d.logger.Debug("upstream event",
				zap.String("type", event.Type),
				zap.String("id", event.ID),
				zap.String("path", event.Path))
			d.orch.Trigger()
		}
	}()

	d.logger.Info("event watch enabled")
}

func relevant(event protocol.Event) bool {
	switch event.Type {
	case protocol.EventConversationUpdated,
		protocol.EventAgentUpdated,
		protocol.EventTaskUpdated,
		protocol.EventFileChanged:
		return true
	}
	return false
}

// startHealthCheck pings the upstream service and triggers a refresh when
// it comes back online.
func (d *Dashboard) startHealthCheck(ctx context.Context) {
	if d.cfg.HealthCheckPeriod <= 0 {
		return
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(d.cfg.HealthCheckPeriod)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				wasOnline := d.client.IsOnline()
				err := d.client.Ping(ctx)
				if err == nil && !wasOnline {
					d.logger.Info("upstream is back online, refreshing")
					d.orch.Trigger()
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	d.logger.Info("health check enabled", zap.Duration("period", d.cfg.HealthCheckPeriod))
}

// startRefreshLoop triggers a refresh on a fixed interval.
func (d *Dashboard) startRefreshLoop(ctx context.Context) {
	if d.cfg.RefreshInterval <= 0 {
		return
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(d.cfg.RefreshInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				d.orch.Trigger()
			case <-ctx.Done():
				return
			}
		}
	}()

	d.logger.Info("periodic refresh enabled", zap.Duration("interval", d.cfg.RefreshInterval))
}
