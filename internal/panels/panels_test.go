package panels

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fruitsalade/dashboard/internal/lazytree"
	"github.com/fruitsalade/dashboard/internal/refresh"
	"github.com/fruitsalade/dashboard/pkg/models"
	"github.com/fruitsalade/dashboard/pkg/protocol"
)

func docs(raw ...string) []json.RawMessage {
	out := make([]json.RawMessage, len(raw))
	for i, r := range raw {
		out[i] = json.RawMessage(r)
	}
	return out
}

func TestCollectionKeepsItemsOnFailure(t *testing.T) {
	var fail error
	p := NewCollection("tasks", func(context.Context) ([]json.RawMessage, error) {
		if fail != nil {
			return nil, fail
		}
		return docs(`{"id":"t1"}`, `{"id":"t2"}`), nil
	}, nil, zap.NewNop())

	empty := p.Snapshot()
	assert.Equal(t, "tasks", empty.Name)
	assert.NotNil(t, empty.Items)
	assert.Empty(t, empty.Items)
	assert.True(t, empty.UpdatedAt.IsZero())

	p.Refresh(context.Background())
	ok := p.Snapshot()
	require.Len(t, ok.Items, 2)
	assert.Empty(t, ok.Error)
	assert.False(t, ok.UpdatedAt.IsZero())

	fail = errors.New("upstream unavailable")
	p.Refresh(context.Background())
	failed := p.Snapshot()
	assert.Len(t, failed.Items, 2)
	assert.Equal(t, "upstream unavailable", failed.Error)
	assert.Equal(t, ok.UpdatedAt, failed.UpdatedAt)
	assert.Error(t, p.Err())

	fail = nil
	p.Refresh(context.Background())
	assert.NoError(t, p.Err())
	assert.Empty(t, p.Snapshot().Error)
}

func TestCollectionDropsStaleResult(t *testing.T) {
	gates := []chan []json.RawMessage{make(chan []json.RawMessage), make(chan []json.RawMessage)}
	var mu sync.Mutex
	calls := 0
	p := NewCollection("notes", func(context.Context) ([]json.RawMessage, error) {
		mu.Lock()
		gate := gates[calls]
		calls++
		mu.Unlock()
		return <-gate, nil
	}, nil, zap.NewNop())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.Refresh(context.Background())
	}()
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 1
	}, time.Second, time.Millisecond)

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.Refresh(context.Background())
	}()
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 2
	}, time.Second, time.Millisecond)
	assert.True(t, p.Snapshot().Refreshing)

	gates[1] <- docs(`"newer"`)
	gates[0] <- docs(`"older"`)
	wg.Wait()

	snap := p.Snapshot()
	require.Len(t, snap.Items, 1)
	assert.JSONEq(t, `"newer"`, string(snap.Items[0]))
	assert.False(t, snap.Refreshing)
}

type staticFetcher struct {
	mu      sync.Mutex
	rootErr error
}

func (f *staticFetcher) FetchTopLevel(context.Context) ([]*models.TreeNode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rootErr != nil {
		return nil, f.rootErr
	}
	return []*models.TreeNode{
		{Name: "src", Path: "src", Kind: models.KindDirectory},
		{Name: "go.mod", Path: "go.mod", Kind: models.KindFile, Loaded: true},
	}, nil
}

func (f *staticFetcher) FetchChildren(_ context.Context, path string) ([]*models.TreeNode, error) {
	if path != "src" {
		return nil, errors.New("not found")
	}
	return []*models.TreeNode{
		{Name: "lib", Path: "src/lib", Kind: models.KindDirectory},
	}, nil
}

func TestTreePanelSnapshot(t *testing.T) {
	f := &staticFetcher{}
	m := lazytree.New(f, lazytree.Options{Logger: zap.NewNop()})
	t.Cleanup(m.Close)
	p := NewTree(m, zap.NewNop())

	p.Refresh(context.Background())
	snap := p.Snapshot()
	require.Len(t, snap.Rows, 3)
	assert.Empty(t, snap.Error)

	assert.Equal(t, "src", snap.Rows[0].Path)
	assert.True(t, snap.Rows[0].Expanded)
	assert.Equal(t, "loaded", snap.Rows[0].State)
	assert.Equal(t, "src/lib", snap.Rows[1].Path)
	assert.Equal(t, 1, snap.Rows[1].Depth)
	assert.Equal(t, "unloaded", snap.Rows[1].State)
	assert.Equal(t, models.KindFile, snap.Rows[2].Kind)

	f.mu.Lock()
	f.rootErr = errors.New("no such host")
	f.mu.Unlock()
	p.Refresh(context.Background())

	snap = p.Snapshot()
	assert.Equal(t, "no such host", snap.Error)
	assert.Len(t, snap.Rows, 3, "previous tree stays visible")
}

// hangingFetcher blocks directory fetches until their context ends once
// hang is set.
type hangingFetcher struct {
	staticFetcher
	hang    atomic.Bool
	blocked chan struct{}
}

func (f *hangingFetcher) FetchChildren(ctx context.Context, path string) ([]*models.TreeNode, error) {
	if !f.hang.Load() {
		return f.staticFetcher.FetchChildren(ctx, path)
	}
	select {
	case f.blocked <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestOrchestratorCloseCancelsTreeFetches(t *testing.T) {
	f := &hangingFetcher{blocked: make(chan struct{}, 1)}
	m := lazytree.New(f, lazytree.Options{Logger: zap.NewNop()})
	t.Cleanup(m.Close)
	p := NewTree(m, zap.NewNop())
	p.Refresh(context.Background())

	o := refresh.New(refresh.Options{Logger: zap.NewNop()})
	o.Register(TreeName, p)
	f.hang.Store(true)
	o.Trigger()

	select {
	case <-f.blocked:
	case <-time.After(2 * time.Second):
		t.Fatal("directory fetch never started")
	}

	closed := make(chan struct{})
	go func() {
		o.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked on a directory fetch")
	}
	assert.ErrorIs(t, m.Err("src"), context.Canceled)
}

type recorder struct {
	mu     sync.Mutex
	events []protocol.Event
}

func (r *recorder) Publish(e protocol.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func TestCollectionNotifiesOnApply(t *testing.T) {
	rec := &recorder{}
	p := NewCollection("agents", func(context.Context) ([]json.RawMessage, error) {
		return docs(`{}`), nil
	}, rec, zap.NewNop())

	p.Refresh(context.Background())
	p.Refresh(context.Background())

	require.Len(t, rec.events, 2)
	assert.Equal(t, protocol.EventPanelUpdated, rec.events[0].Type)
	assert.Equal(t, "agents", rec.events[0].ID)
}
