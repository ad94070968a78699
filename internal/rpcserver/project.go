package rpcserver

import (
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/ianremillard/fleet/internal/agent"
	"github.com/ianremillard/fleet/internal/ferr"
	"github.com/ianremillard/fleet/internal/gitutil"
	"github.com/ianremillard/fleet/internal/layout"
	"github.com/ianremillard/fleet/internal/registry"
	"github.com/ianremillard/fleet/internal/task"
	"github.com/ianremillard/fleet/internal/taskwatch"
)

// Project bundles everything the handlers need for one project root:
// canonical paths, the task store, the git repo wrapper, and the agent
// catalog. ProjectKey (spec.md §3) is Paths.Root().
type Project struct {
	Paths   *layout.Paths
	Store   *task.Store
	Repo    *gitutil.Repo
	Catalog agent.Catalog
	Watcher *taskwatch.Watcher
}

// OpenProject resolves root and loads everything a Project needs to serve
// RPCs for it. The agent catalog lives at <root>/.agency/agents.yaml.
func OpenProject(root string) (*Project, error) {
	paths, err := layout.New(root)
	if err != nil {
		return nil, ferr.Wrap(ferr.KindConfiguration, "resolve project root", err).WithIdent(root)
	}
	catalog, err := agent.LoadCatalog(filepath.Join(paths.AgencyDir(), "agents.yaml"))
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(paths.TasksDir(), 0o755); err != nil {
		return nil, ferr.Wrap(ferr.KindIO, "create tasks directory", err).WithIdent(paths.TasksDir())
	}
	watcher, err := taskwatch.New(paths.TasksDir())
	if err != nil {
		return nil, ferr.Wrap(ferr.KindIO, "watch tasks directory", err).WithIdent(paths.TasksDir())
	}
	return &Project{
		Paths:   paths,
		Store:   task.NewStore(paths.TasksDir()),
		Repo:    gitutil.NewRepo(paths.Root()),
		Catalog: catalog,
		Watcher: watcher,
	}, nil
}

// Projects resolves and caches Project bundles by canonical root, so a
// single daemon can serve multiple project directories (spec.md §3's
// ProjectKey concept).
type Projects struct {
	registry *registry.Registry

	mu     sync.Mutex
	byRoot map[string]*Project
}

// NewProjects returns an empty Projects cache sharing reg as the session
// registry for every project it opens.
func NewProjects(reg *registry.Registry) *Projects {
	return &Projects{registry: reg, byRoot: make(map[string]*Project)}
}

// Get returns the cached Project for root, opening and caching it on first
// use. Safe for concurrent use by multiple connection goroutines.
func (p *Projects) Get(root string) (*Project, error) {
	paths, err := layout.New(root)
	if err != nil {
		return nil, ferr.Wrap(ferr.KindConfiguration, "resolve project root", err).WithIdent(root)
	}
	key := paths.Root()

	p.mu.Lock()
	defer p.mu.Unlock()
	if proj, ok := p.byRoot[key]; ok {
		return proj, nil
	}
	proj, err := OpenProject(root)
	if err != nil {
		return nil, err
	}
	p.byRoot[key] = proj
	return proj, nil
}

// Registry returns the shared Session Registry.
func (p *Projects) Registry() *registry.Registry { return p.registry }

// Roots returns every project root currently cached.
func (p *Projects) Roots() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	roots := make([]string, 0, len(p.byRoot))
	for root := range p.byRoot {
		roots = append(roots, root)
	}
	return roots
}

// Close stops the task-directory watcher for every cached project. Called
// once at daemon shutdown, after the listener and RPC drain, so no handler
// can still be touching a Project when its watcher goroutine exits.
func (p *Projects) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, proj := range p.byRoot {
		if err := proj.Watcher.Close(); err != nil {
			log.Printf("rpcserver: close watcher for %s: %v", proj.Paths.Root(), err)
		}
	}
}
