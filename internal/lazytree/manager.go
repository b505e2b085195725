// Package lazytree owns the expansion state of the working-directory tree
// and loads directory contents one level at a time, on demand.
//
// Nodes are addressed by path. The expanded set survives refreshes: a
// refresh re-fetches the top level and every expanded directory, grafting
// previously loaded subtrees onto the new nodes so nothing the user opened
// collapses. Every refresh issues its own requests. Fetch results are
// applied in the order they resolve; a response for a path is dropped if a
// newer request for that path has already been applied.
package lazytree

import (
	"context"
	"errors"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fruitsalade/dashboard/internal/logging"
	"github.com/fruitsalade/dashboard/internal/metrics"
	"github.com/fruitsalade/dashboard/pkg/models"
	"github.com/fruitsalade/dashboard/pkg/tree"
)

var (
	// ErrNotFound is returned when a path is not part of the loaded tree.
	ErrNotFound = errors.New("lazytree: path not found")

	// ErrNotDirectory is returned when expanding a file.
	ErrNotDirectory = errors.New("lazytree: not a directory")
)

// Fetcher lists the hierarchical working directory. FetchChildren returns
// the immediate children of a directory only.
type Fetcher interface {
	FetchTopLevel(ctx context.Context) ([]*models.TreeNode, error)
	FetchChildren(ctx context.Context, path string) ([]*models.TreeNode, error)
}

// State is the load state of a node.
type State int

const (
	StateUnloaded State = iota
	StateLoading
	StateLoaded
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateLoaded:
		return "loaded"
	default:
		return "unloaded"
	}
}

// Row is one visible line of the tree.
type Row struct {
	Name     string
	Path     string
	Kind     models.Kind
	Depth    int
	Expanded bool
	State    State
	Err      error
}

// Options configures a Manager.
type Options struct {
	Logger *zap.Logger

	// MaxConcurrentFetches bounds the directory fetches issued by one
	// refresh. Defaults to 8.
	MaxConcurrentFetches int

	// OnChange, if set, is called after fetched data is applied, with the
	// directory path or "" for the top level. It runs without the
	// manager's lock held.
	OnChange func(path string)
}

// rootKey is the request-sequence key for the top-level listing. Real
// paths are never empty.
const rootKey = ""

// Manager is the lazy tree state manager. It is safe for concurrent use.
type Manager struct {
	fetcher     Fetcher
	logger      *zap.Logger
	concurrency int
	onChange    func(path string)

	// ctx scopes every fetch; cancelled by Close.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	mounted  bool
	roots    []*models.TreeNode
	index    map[string]*models.TreeNode
	expanded map[string]bool
	loading  map[string]int
	errs     map[string]error
	rootErr  error
	issued   map[string]uint64 // last request id issued per path
	applied  map[string]uint64 // last request id applied per path
}

// New creates a Manager. Call Mount to load the top level.
func New(fetcher Fetcher, opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = logging.Named("lazytree")
	}
	if opts.MaxConcurrentFetches <= 0 {
		opts.MaxConcurrentFetches = 8
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		fetcher:     fetcher,
		logger:      opts.Logger,
		concurrency: opts.MaxConcurrentFetches,
		onChange:    opts.OnChange,
		ctx:         ctx,
		cancel:      cancel,
		index:       make(map[string]*models.TreeNode),
		expanded:    make(map[string]bool),
		loading:     make(map[string]int),
		errs:        make(map[string]error),
		issued:      make(map[string]uint64),
		applied:     make(map[string]uint64),
	}
}

// Mount fetches the top level and expands every top-level directory,
// loading their children before it returns. Deeper directories stay
// collapsed. Child load failures are recorded per path and do not fail
// Mount.
func (m *Manager) Mount(ctx context.Context) error {
	ctx, cancel := m.scoped(ctx)
	defer cancel()

	if err := m.loadRoot(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	topLevel := len(m.roots)
	var toLoad []string
	var ids []uint64
	if !m.mounted {
		m.mounted = true
		for _, n := range m.roots {
			if !n.IsDir() {
				continue
			}
			m.expanded[n.Path] = true
			if n.Children == nil && m.loading[n.Path] == 0 {
				toLoad = append(toLoad, n.Path)
				ids = append(ids, m.beginFetchLocked(n.Path))
			}
		}
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for i, p := range toLoad {
		wg.Add(1)
		go func(p string, id uint64) {
			defer wg.Done()
			m.fetchChildren(ctx, p, id)
		}(p, ids[i])
	}
	wg.Wait()

	m.logger.Info("tree mounted",
		zap.Int("top_level", topLevel),
		zap.Int("expanded", len(toLoad)))
	return nil
}

// Refresh re-fetches the top level and every expanded directory while
// leaving the expanded set untouched. Only a top-level failure is
// returned; directory failures are recorded per path. A Manager that was
// never mounted is mounted instead.
func (m *Manager) Refresh(ctx context.Context) error {
	m.mu.Lock()
	mounted := m.mounted
	m.mu.Unlock()
	if !mounted {
		return m.Mount(ctx)
	}

	ctx, cancel := m.scoped(ctx)
	defer cancel()

	if err := m.loadRoot(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	paths := make([]string, 0, len(m.expanded))
	for p := range m.expanded {
		if n := m.index[p]; n != nil && n.IsDir() {
			paths = append(paths, p)
		}
	}
	sort.Slice(paths, func(i, j int) bool {
		di, dj := tree.Depth(paths[i]), tree.Depth(paths[j])
		if di != dj {
			return di < dj
		}
		return paths[i] < paths[j]
	})
	ids := make([]uint64, len(paths))
	for i, p := range paths {
		ids[i] = m.beginFetchLocked(p)
	}
	m.mu.Unlock()

	var g errgroup.Group
	g.SetLimit(m.concurrency)
	for i, p := range paths {
		id := ids[i]
		g.Go(func() error {
			m.fetchChildren(ctx, p, id)
			return nil
		})
	}
	g.Wait()

	m.logger.Debug("tree refreshed", zap.Int("directories", len(paths)))
	return nil
}

// ToggleExpand collapses an expanded path or expands a collapsed one and
// returns the new state. Expanding a directory whose children were never
// loaded starts a background fetch for that path alone, unless one is
// already in flight. Collapsing keeps cached children.
func (m *Manager) ToggleExpand(path string) (bool, error) {
	m.mu.Lock()
	if m.expanded[path] {
		delete(m.expanded, path)
		m.mu.Unlock()
		return false, nil
	}
	id, err := m.expandLocked(path)
	m.mu.Unlock()
	if err != nil {
		return false, err
	}
	m.loadInBackground(path, id)
	return true, nil
}

// Expand marks a directory expanded, loading its children if needed.
// Expanding an expanded directory is a no-op.
func (m *Manager) Expand(path string) error {
	m.mu.Lock()
	id, err := m.expandLocked(path)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	m.loadInBackground(path, id)
	return nil
}

// expandLocked adds path to the expanded set. It returns a non-zero request
// id when the caller must load the children: the directory was never
// loaded and no load for it is in flight.
func (m *Manager) expandLocked(path string) (uint64, error) {
	node := m.index[path]
	if node == nil {
		return 0, ErrNotFound
	}
	if !node.IsDir() {
		return 0, ErrNotDirectory
	}
	m.expanded[path] = true

	if node.Children != nil || m.loading[path] > 0 {
		return 0, nil
	}
	return m.beginFetchLocked(path), nil
}

func (m *Manager) loadInBackground(path string, id uint64) {
	if id == 0 {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.fetchChildren(m.ctx, path, id)
	}()
}

// Collapse removes a path from the expanded set. Collapsing a path that is
// not expanded is a no-op.
func (m *Manager) Collapse(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.expanded, path)
}

// IsExpanded reports whether path is in the expanded set.
func (m *Manager) IsExpanded(path string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.expanded[path]
}

// Expanded returns the expanded paths in sorted order.
func (m *Manager) Expanded() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.expanded))
	for p := range m.expanded {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// State returns the load state of the node at path.
func (m *Manager) State(path string) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	node := m.index[path]
	if node == nil {
		return StateUnloaded, ErrNotFound
	}
	return m.stateLocked(node), nil
}

// Err returns the last fetch error recorded for path, if any.
func (m *Manager) Err(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.errs[path]
}

// RootErr returns the error from the last failed top-level fetch, cleared
// by the next successful one.
func (m *Manager) RootErr() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rootErr
}

// Roots returns a deep copy of the materialized tree.
func (m *Manager) Roots() []*models.TreeNode {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.TreeNode, len(m.roots))
	for i, n := range m.roots {
		out[i] = n.Clone()
	}
	return out
}

// Visible returns the rows a view would render: the top level plus the
// children of every expanded, loaded directory, depth first.
func (m *Manager) Visible() []Row {
	m.mu.Lock()
	defer m.mu.Unlock()
	var rows []Row
	m.appendRowsLocked(&rows, m.roots, 0)
	return rows
}

func (m *Manager) appendRowsLocked(rows *[]Row, nodes []*models.TreeNode, depth int) {
	for _, n := range nodes {
		expanded := m.expanded[n.Path]
		*rows = append(*rows, Row{
			Name:     n.Name,
			Path:     n.Path,
			Kind:     n.Kind,
			Depth:    depth,
			Expanded: expanded,
			State:    m.stateLocked(n),
			Err:      m.errs[n.Path],
		})
		if expanded && n.IsDir() {
			m.appendRowsLocked(rows, n.Children, depth+1)
		}
	}
}

// Wait blocks until background loads started by Expand have settled.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Close cancels background loads and waits for them to return.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
}

func (m *Manager) stateLocked(n *models.TreeNode) State {
	switch {
	case !n.IsDir() || n.Children != nil:
		return StateLoaded
	case m.loading[n.Path] > 0:
		return StateLoading
	default:
		return StateUnloaded
	}
}

// beginFetchLocked issues a request id for key and marks it loading.
func (m *Manager) beginFetchLocked(key string) uint64 {
	m.issued[key]++
	m.loading[key]++
	return m.issued[key]
}

// endFetchLocked clears the loading mark and reports whether the response
// with the given id is still current.
func (m *Manager) endFetchLocked(key string, id uint64) bool {
	if m.loading[key]--; m.loading[key] <= 0 {
		delete(m.loading, key)
	}
	if id < m.applied[key] {
		return false
	}
	m.applied[key] = id
	return true
}

// scoped returns a context that ends with ctx or with the manager.
func (m *Manager) scoped(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(m.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (m *Manager) loadRoot(ctx context.Context) error {
	m.mu.Lock()
	id := m.beginFetchLocked(rootKey)
	m.mu.Unlock()

	src, err := m.fetcher.FetchTopLevel(ctx)
	metrics.RecordTreeFetch("root", err == nil)

	m.mu.Lock()
	if !m.endFetchLocked(rootKey, id) {
		m.mu.Unlock()
		m.logger.Debug("dropping stale top-level response")
		return err
	}
	if err != nil {
		m.rootErr = err
		m.mu.Unlock()
		m.logger.Warn("top-level fetch failed", zap.Error(err))
		return err
	}

	m.rootErr = nil
	nodes := make([]*models.TreeNode, len(src))
	for i, n := range src {
		nodes[i] = n.Clone()
		graft(nodes[i], m.index[n.Path])
	}
	m.roots = nodes
	m.index = tree.Flatten(nodes)
	metrics.SetTreeNodesLoaded(tree.CountNodes(m.roots))
	m.mu.Unlock()

	m.changed(rootKey)
	return nil
}

// fetchChildren loads one directory level and applies it to the node that
// currently holds path.
func (m *Manager) fetchChildren(ctx context.Context, path string, id uint64) {
	children, err := m.fetcher.FetchChildren(ctx, path)
	metrics.RecordTreeFetch("children", err == nil)

	if m.applyChildren(path, id, children, err) {
		m.changed(path)
	}
}

// applyChildren records the outcome of a directory fetch and reports
// whether the visible tree may have changed.
func (m *Manager) applyChildren(path string, id uint64, src []*models.TreeNode, err error) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.endFetchLocked(path, id) {
		m.logger.Debug("dropping stale directory response", zap.String("path", path))
		return false
	}
	if err != nil {
		m.errs[path] = err
		m.logger.Warn("directory fetch failed", zap.String("path", path), zap.Error(err))
		return true
	}
	delete(m.errs, path)

	node := m.index[path]
	if node == nil {
		m.logger.Debug("directory no longer in tree", zap.String("path", path))
		return false
	}

	// The fetcher may hand out shared nodes; copy before attaching.
	children := make([]*models.TreeNode, len(src))
	for i, c := range src {
		children[i] = c.Clone()
	}
	m.attachLocked(node, children)
	return true
}

func (m *Manager) changed(path string) {
	if m.onChange != nil {
		m.onChange(path)
	}
}

// attachLocked replaces node's children, keeping loaded grandchildren of
// directories that are still present.
func (m *Manager) attachLocked(node *models.TreeNode, children []*models.TreeNode) {
	previous := make(map[string]*models.TreeNode, len(node.Children))
	for _, c := range node.Children {
		previous[c.Path] = c
		m.unindexLocked(c)
	}
	for _, c := range children {
		graft(c, previous[c.Path])
		m.indexLocked(c)
	}
	node.Children = children
	node.Loaded = true
	metrics.SetTreeNodesLoaded(tree.CountNodes(m.roots))
}

func (m *Manager) indexLocked(n *models.TreeNode) {
	m.index[n.Path] = n
	for _, c := range n.Children {
		m.indexLocked(c)
	}
}

func (m *Manager) unindexLocked(n *models.TreeNode) {
	if m.index[n.Path] == n {
		delete(m.index, n.Path)
	}
	for _, c := range n.Children {
		m.unindexLocked(c)
	}
}

// graft carries a previously loaded subtree over to a freshly fetched
// directory node with the same path.
func graft(fresh, previous *models.TreeNode) {
	if previous == nil || !fresh.IsDir() || !previous.IsDir() {
		return
	}
	if fresh.Children == nil && previous.Children != nil {
		fresh.Children = previous.Children
		fresh.Loaded = previous.Loaded
	}
}
