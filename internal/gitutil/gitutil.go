// Package gitutil manages Git linked worktrees and branches by shelling out
// to the host "git" executable (spec.md §4.C). It never links libgit2 or any
// other Git library directly — all mutation goes through git itself, the way
// every example repo in this pack that touches Git does it.
package gitutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/ianremillard/fleet/internal/ferr"
)

// Repo wraps git operations rooted at a repository's main worktree. Linked
// worktree paths are passed explicitly to the operations that need them.
type Repo struct {
	Dir string // the main worktree's working directory

	mu sync.Mutex // serializes mutating git invocations; git is not safe for concurrent use on one repo
}

// NewRepo returns a Repo rooted at dir.
func NewRepo(dir string) *Repo {
	return &Repo{Dir: dir}
}

// run executes git with args against dir, returning trimmed combined output.
func (r *Repo) run(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	text := strings.TrimSpace(string(out))
	if err != nil {
		return "", ferr.Wrap(ferr.KindGit, "git "+strings.Join(args, " ")+": "+text, err)
	}
	return text, nil
}

// BranchExists reports whether name resolves to a commit.
func (r *Repo) BranchExists(name string) bool {
	_, err := r.run(r.Dir, "rev-parse", "--verify", "--quiet", name)
	return err == nil
}

// EnsureBranchAt creates branch name pointing at base if it does not already
// exist. If base has no commits, returns a user-facing error (spec.md §4.C).
func (r *Repo) EnsureBranchAt(base, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.BranchExists(name) {
		return nil
	}
	rev, err := r.run(r.Dir, "rev-parse", base)
	if err != nil {
		return ferr.New(ferr.KindGit, "base branch has no commits; make an initial commit before starting a task").WithIdent(base)
	}
	_, err = r.run(r.Dir, "branch", name, rev)
	if err != nil {
		return err
	}
	return nil
}

// AddWorktree creates a linked worktree at path checked out to branch.
// Errors if path already exists.
func (r *Repo) AddWorktree(path, branch string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.run(r.Dir, "worktree", "prune"); err != nil {
		return err
	}
	_, err := r.run(r.Dir, "worktree", "add", "--quiet", path, branch)
	if err != nil {
		return err
	}
	return nil
}

// PruneWorktreeIfExists removes the linked worktree at path and reports
// whether it existed beforehand.
func (r *Repo) PruneWorktreeIfExists(path string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !dirExists(path) {
		return false, nil
	}
	if _, err := r.run(r.Dir, "worktree", "remove", "--force", path); err != nil {
		// Fall back to a prune sweep; report whatever's left on disk.
		_, _ = r.run(r.Dir, "worktree", "prune")
		return dirExists(path), nil
	}
	return true, nil
}

// DeleteBranchIfExists best-effort deletes a branch and reports whether it
// existed beforehand.
func (r *Repo) DeleteBranchIfExists(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	existed := r.BranchExists(name)
	if existed {
		_, _ = r.run(r.Dir, "branch", "-D", name)
	}
	return existed
}

// FastForwardMerge checks out base in the main worktree and fast-forwards it
// to branch. Used by the "completed -> merged" transition. Errors (e.g. base
// has diverged and a fast-forward is impossible) surface the user-facing
// explanation the caller must resolve manually.
func (r *Repo) FastForwardMerge(base, branch string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.run(r.Dir, "checkout", base); err != nil {
		return err
	}
	if _, err := r.run(r.Dir, "merge", "--ff-only", branch); err != nil {
		return ferr.New(ferr.KindGit, "branch cannot be fast-forwarded onto "+base+"; rebase manually").WithIdent(branch)
	}
	return nil
}

// Metrics summarizes a task worktree's divergence from its base branch:
// uncommitted additions/deletions vs HEAD, and commits ahead of baseBranch.
type Metrics struct {
	Add          int
	Del          int
	CommitsAhead int
	Dirty        bool
}

// Metrics computes worktree divergence. worktreePath must be a linked
// worktree of this repo; baseBranch is the branch the task's branch forked
// from.
func (r *Repo) Metrics(worktreePath, baseBranch string) (Metrics, error) {
	var m Metrics

	numstat, err := r.run(worktreePath, "diff", "--numstat", "HEAD")
	if err != nil {
		return m, err
	}
	add, del := sumNumstat(numstat)
	m.Add, m.Del = add, del
	m.Dirty = numstat != ""

	status, err := r.run(worktreePath, "status", "--porcelain")
	if err != nil {
		return m, err
	}
	if strings.TrimSpace(status) != "" {
		m.Dirty = true
	}

	count, err := r.run(worktreePath, "rev-list", "--count", baseBranch+"..HEAD")
	if err != nil {
		return m, err
	}
	n, convErr := strconv.Atoi(count)
	if convErr == nil {
		m.CommitsAhead = n
	}
	return m, nil
}

// ListBranchesWithPrefix returns the short names of every branch under
// "refs/heads/<prefix>/", e.g. prefix "agency" yields "3-fix-login" for a
// branch "agency/3-fix-login". Used by garbage collection to find branches
// with no corresponding task file.
func (r *Repo) ListBranchesWithPrefix(prefix string) ([]string, error) {
	out, err := r.run(r.Dir, "for-each-ref", "--format=%(refname)", "refs/heads/"+prefix)
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	full := "refs/heads/" + prefix + "/"
	var names []string
	for _, line := range strings.Split(out, "\n") {
		if name, ok := strings.CutPrefix(line, full); ok {
			names = append(names, name)
		}
	}
	return names, nil
}

// sumNumstat adds up the add/del columns of `git diff --numstat` output,
// skipping binary files (which report "-" for both columns).
func sumNumstat(out string) (add, del int) {
	for _, line := range strings.Split(out, "\n") {
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, "\t", 3)
		if len(fields) < 2 {
			continue
		}
		if n, err := strconv.Atoi(fields[0]); err == nil {
			add += n
		}
		if n, err := strconv.Atoi(fields[1]); err == nil {
			del += n
		}
	}
	return add, del
}

func dirExists(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	_, err = os.Stat(abs)
	return err == nil
}
