// Package protocol defines the JSON types exchanged with the upstream
// automation service and with dashboard API clients.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/fruitsalade/dashboard/pkg/models"
)

// ErrorResponse is the error payload used by the upstream service and by
// the dashboard API. Upstream may omit the error field.
type ErrorResponse struct {
	Error string `json:"error,omitempty"`
	Code  int    `json:"code,omitempty"`
}

// NodesResponse is the wrapped form of a directory listing. Bare JSON
// arrays are accepted as well.
type NodesResponse struct {
	Nodes []*models.TreeNode `json:"nodes"`
}

// ItemsResponse is the wrapped form of a collection listing (notes, agent
// conversations, tasks). Items are opaque to the dashboard core.
type ItemsResponse struct {
	Items []json.RawMessage `json:"items"`
}

// Upstream event types that invalidate dashboard panels.
const (
	EventConversationUpdated = "conversation_updated"
	EventAgentUpdated        = "agent_updated"
	EventTaskUpdated         = "task_updated"
	EventFileChanged         = "file_changed"
)

// Notifications published to views on GET /api/v1/events. ID carries the
// panel name, Path the directory whose listing changed.
const (
	EventTreeUpdated  = "tree_updated"
	EventPanelUpdated = "panel_updated"
)

// Event is a server-sent event, read from the upstream /api/events stream
// or published to views.
type Event struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	Path      string `json:"path,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// TreeRow is one rendered row of the lazily loaded file tree.
type TreeRow struct {
	Name     string      `json:"name"`
	Path     string      `json:"path"`
	Kind     models.Kind `json:"kind"`
	Depth    int         `json:"depth"`
	Expanded bool        `json:"expanded"`
	State    string      `json:"state"`
	Error    string      `json:"error,omitempty"`
}

// TreeResponse is returned by GET /api/v1/tree.
type TreeResponse struct {
	Rows  []TreeRow `json:"rows"`
	Error string    `json:"error,omitempty"`
}

// ToggleRequest is the body for POST /api/v1/tree/toggle.
type ToggleRequest struct {
	Path string `json:"path"`
}

// ToggleResponse reports the expansion state after a toggle.
type ToggleResponse struct {
	Path     string `json:"path"`
	Expanded bool   `json:"expanded"`
}

// PanelStatus describes one collection panel.
type PanelStatus struct {
	Name       string            `json:"name"`
	Items      []json.RawMessage `json:"items"`
	Error      string            `json:"error,omitempty"`
	UpdatedAt  time.Time         `json:"updated_at,omitempty"`
	Refreshing bool              `json:"refreshing"`
}

// PanelsResponse is returned by GET /api/v1/panels.
type PanelsResponse struct {
	Panels []PanelStatus `json:"panels"`
}
