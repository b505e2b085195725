package dashboard

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fruitsalade/dashboard/internal/refresh"
	"github.com/fruitsalade/dashboard/pkg/client"
	"github.com/fruitsalade/dashboard/pkg/protocol"
	"github.com/fruitsalade/dashboard/pkg/retry"
)

// upstream fakes the automation service.
type upstream struct {
	mu     sync.Mutex
	hits   map[string]int
	events chan string
}

func newUpstream(t *testing.T) (*upstream, *httptest.Server) {
	t.Helper()
	u := &upstream{hits: make(map[string]int), events: make(chan string, 4)}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/files", func(w http.ResponseWriter, r *http.Request) {
		u.hit("files:" + r.URL.Query().Get("path"))
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Query().Get("path") {
		case "":
			fmt.Fprint(w, `[{"name":"src","path":"src","kind":"directory"},{"name":"README.md","kind":"file"}]`)
		case "src":
			fmt.Fprint(w, `{"nodes":[{"name":"main.go","kind":"file"}]}`)
		default:
			http.Error(w, `{"error":"no such directory"}`, http.StatusNotFound)
		}
	})
	mux.HandleFunc("GET /api/notes", func(w http.ResponseWriter, r *http.Request) {
		u.hit("notes")
		fmt.Fprint(w, `[{"id":"n1"}]`)
	})
	mux.HandleFunc("GET /api/agents", func(w http.ResponseWriter, r *http.Request) {
		u.hit("agents")
		fmt.Fprint(w, `{"items":[{"id":"a1"},{"id":"a2"}]}`)
	})
	mux.HandleFunc("GET /api/tasks", func(w http.ResponseWriter, r *http.Request) {
		u.hit("tasks")
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	mux.HandleFunc("GET /api/events", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		for {
			select {
			case <-r.Context().Done():
				return
			case typ := <-u.events:
				fmt.Fprintf(w, "event: %s\ndata: {}\n\n", typ)
				w.(http.Flusher).Flush()
			}
		}
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return u, srv
}

func (u *upstream) hit(key string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.hits[key]++
}

func (u *upstream) count(key string) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.hits[key]
}

func start(t *testing.T, baseURL string, watch bool) *Dashboard {
	t.Helper()
	d := New(Config{
		Client: client.Config{
			BaseURL:     baseURL,
			Timeout:     5 * time.Second,
			RetryPolicy: retry.Policy{MaxRetries: 0, InitialDelay: time.Millisecond},
		},
		WatchEvents: watch,
		Refresh:     refresh.Options{Mode: refresh.ModeImmediate},
		Logger:      zap.NewNop(),
	})
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(d.Stop)
	return d
}

func TestStartLoadsEveryPanel(t *testing.T) {
	u, srv := newUpstream(t)
	d := start(t, srv.URL, false)

	tree := d.Tree()
	assert.Empty(t, tree.Error)
	var rows []string
	for _, r := range tree.Rows {
		rows = append(rows, r.Path)
	}
	assert.Equal(t, []string{"src", "src/main.go", "README.md"}, rows)
	assert.Equal(t, 1, u.count("files:src"))

	byName := map[string]protocol.PanelStatus{}
	for _, p := range d.Panels() {
		byName[p.Name] = p
	}
	require.Len(t, byName, 3)
	assert.Len(t, byName["notes"].Items, 1)
	assert.Len(t, byName["agents"].Items, 2)
	assert.Empty(t, byName["tasks"].Items)
	assert.Contains(t, byName["tasks"].Error, "HTTP 500")
}

func TestToggleAndRefresh(t *testing.T) {
	u, srv := newUpstream(t)
	d := start(t, srv.URL, false)

	expanded, err := d.ToggleExpand("src")
	require.NoError(t, err)
	assert.False(t, expanded)
	assert.Len(t, d.Tree().Rows, 2)

	require.NoError(t, d.RefreshNow(context.Background()))
	assert.Equal(t, 2, u.count("files:"))
	assert.Equal(t, 1, u.count("files:src"), "collapsed directories are not refetched")
	assert.Equal(t, 2, u.count("notes"))
}

func TestUpstreamEventTriggersRefresh(t *testing.T) {
	u, srv := newUpstream(t)
	d := start(t, srv.URL, true)

	views := d.Events().Subscribe()
	defer d.Events().Unsubscribe(views)

	u.events <- "heartbeat"
	u.events <- protocol.EventConversationUpdated

	require.Eventually(t, func() bool {
		return u.count("notes") == 2 && u.count("files:") == 2
	}, 5*time.Second, 5*time.Millisecond)

	select {
	case ev := <-views:
		assert.Contains(t, []string{protocol.EventTreeUpdated, protocol.EventPanelUpdated}, ev.Type)
	case <-time.After(5 * time.Second):
		t.Fatal("no view notification")
	}
}
