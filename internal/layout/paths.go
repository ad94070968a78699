// Package layout computes the on-disk paths fleetd and fleet agree on: the
// .agency/ root, task/worktree directories, and the daemon's control socket.
// All functions here are pure — no I/O beyond symlink resolution — so the
// same logic can run inside the daemon and inside a short-lived CLI process.
package layout

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

// dirName is the on-disk directory name housing all fleet state inside a
// project, mirroring the teacher's "~/.grove" convention but scoped to the
// repository itself rather than the user's home directory.
const dirName = ".agency"

// Paths resolves every location fleetd and fleet need for one project root.
type Paths struct {
	root string // canonical absolute project root
}

// New resolves root to its canonical absolute form and returns a Paths.
func New(root string) (*Paths, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve project root %q: %w", root, err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		// The root may not exist yet (e.g. a fresh clone mid-init); fall back
		// to the absolute, non-resolved path rather than failing outright.
		resolved = abs
	}
	return &Paths{root: resolved}, nil
}

// Root returns the canonical project root.
func (p *Paths) Root() string { return p.root }

// AgencyDir returns "<root>/.agency".
func (p *Paths) AgencyDir() string { return filepath.Join(p.root, dirName) }

// TasksDir returns "<root>/.agency/tasks".
func (p *Paths) TasksDir() string { return filepath.Join(p.AgencyDir(), "tasks") }

// WorktreesDir returns "<root>/.agency/worktrees".
func (p *Paths) WorktreesDir() string { return filepath.Join(p.AgencyDir(), "worktrees") }

// LogFile returns "<root>/.agency/cli.logs.jsonl".
func (p *Paths) LogFile() string { return filepath.Join(p.AgencyDir(), "cli.logs.jsonl") }

// ConfigFile returns "<root>/.agency/config.toml".
func (p *Paths) ConfigFile() string { return filepath.Join(p.AgencyDir(), "config.toml") }

// TaskFile returns the path for a given task id+slug: "<root>/.agency/tasks/{id}-{slug}.md".
func (p *Paths) TaskFile(id uint64, slug string) string {
	return filepath.Join(p.TasksDir(), fmt.Sprintf("%d-%s.md", id, slug))
}

// WorktreeDir returns the worktree path for a given task id+slug:
// "<root>/.agency/worktrees/{id}-{slug}".
func (p *Paths) WorktreeDir(id uint64, slug string) string {
	return filepath.Join(p.WorktreesDir(), fmt.Sprintf("%d-%s", id, slug))
}

// BranchName returns the git branch name for a task: "agency/{id}-{slug}".
func (p *Paths) BranchName(id uint64, slug string) string {
	return fmt.Sprintf("agency/%d-%s", id, slug)
}

// filenamePattern matches "{id}-{slug}.md" per spec.md's filename grammar.
var filenamePattern = regexp.MustCompile(`^([0-9]+)-([a-z][a-z0-9-]*)\.md$`)

// ParseTaskFilename extracts (id, slug) from a task filename, or reports ok=false
// if the filename does not match the grammar.
func ParseTaskFilename(name string) (id uint64, slug string, ok bool) {
	m := filenamePattern.FindStringSubmatch(name)
	if m == nil {
		return 0, "", false
	}
	var n uint64
	if _, err := fmt.Sscanf(m[1], "%d", &n); err != nil {
		return 0, "", false
	}
	return n, m[2], true
}

// SocketPath resolves the daemon's Unix socket path using the precedence
// order from spec.md §4.A: explicit environment override, then a directory
// inside the project's .agency/ tree (standing in for the platform
// runtime-dir/data-dir search the CLI front-end would otherwise perform).
func (p *Paths) SocketPath() string {
	if env := os.Getenv("FLEET_SOCKET"); env != "" {
		return env
	}
	return filepath.Join(p.AgencyDir(), "fleetd.sock")
}
