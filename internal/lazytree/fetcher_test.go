package lazytree

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/dashboard/pkg/models"
	"github.com/fruitsalade/dashboard/pkg/tree"
)

type result struct {
	nodes []*models.TreeNode
	err   error
}

// fakeFetcher serves listings from an in-memory directory map. Entries
// ending in "/" are directories. Gated paths block until the test responds.
type fakeFetcher struct {
	mu      sync.Mutex
	entries map[string][]string // parent path ("" = top level) -> entries
	fail    map[string]error
	gated   map[string]bool
	gates   map[string][]chan result
	calls   map[string]int
}

func newFakeFetcher(entries map[string][]string) *fakeFetcher {
	return &fakeFetcher{
		entries: entries,
		fail:    make(map[string]error),
		gated:   make(map[string]bool),
		gates:   make(map[string][]chan result),
		calls:   make(map[string]int),
	}
}

func (f *fakeFetcher) FetchTopLevel(ctx context.Context) ([]*models.TreeNode, error) {
	return f.fetch(ctx, "")
}

func (f *fakeFetcher) FetchChildren(ctx context.Context, path string) ([]*models.TreeNode, error) {
	return f.fetch(ctx, path)
}

func (f *fakeFetcher) fetch(ctx context.Context, path string) ([]*models.TreeNode, error) {
	f.mu.Lock()
	f.calls[path]++
	if f.gated[path] {
		ch := make(chan result, 1)
		f.gates[path] = append(f.gates[path], ch)
		f.mu.Unlock()
		select {
		case r := <-ch:
			return r.nodes, r.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	defer f.mu.Unlock()
	return f.listLocked(path)
}

func (f *fakeFetcher) listLocked(path string) ([]*models.TreeNode, error) {
	if err := f.fail[path]; err != nil {
		return nil, err
	}
	entries, ok := f.entries[path]
	if !ok {
		return nil, errors.New("not found: " + path)
	}
	nodes := make([]*models.TreeNode, 0, len(entries))
	for _, e := range entries {
		nodes = append(nodes, node(path, e))
	}
	return nodes, nil
}

func node(parent, entry string) *models.TreeNode {
	kind := models.KindFile
	name := entry
	if strings.HasSuffix(entry, "/") {
		kind = models.KindDirectory
		name = strings.TrimSuffix(entry, "/")
	}
	return &models.TreeNode{
		Name:   name,
		Path:   tree.BuildChildPath(parent, name),
		Kind:   kind,
		Loaded: kind == models.KindFile,
	}
}

func (f *fakeFetcher) setFail(path string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.fail, path)
		return
	}
	f.fail[path] = err
}

func (f *fakeFetcher) gate(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gated[path] = true
}

func (f *fakeFetcher) callCount(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[path]
}

func (f *fakeFetcher) resetCalls() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = make(map[string]int)
}

// waitBlocked waits until n requests for path are parked on the gate.
func (f *fakeFetcher) waitBlocked(t *testing.T, path string, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return len(f.gates[path]) >= n
	}, 2*time.Second, time.Millisecond)
}

// respond answers the i-th parked request for path.
func (f *fakeFetcher) respond(path string, i int, r result) {
	f.mu.Lock()
	ch := f.gates[path][i]
	f.mu.Unlock()
	ch <- r
}

// release answers every parked request for path from the directory map
// and stops gating it.
func (f *fakeFetcher) release(path string) {
	f.mu.Lock()
	gates := f.gates[path]
	f.gates[path] = nil
	f.gated[path] = false
	r := result{}
	r.nodes, r.err = f.listLocked(path)
	f.mu.Unlock()
	for _, ch := range gates {
		ch <- r
	}
}
