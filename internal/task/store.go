package task

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/ianremillard/fleet/internal/ferr"
)

// frontMatterDelim is the "---" line bracketing the YAML block, matching the
// format documented in spec.md §6.
const frontMatterDelim = "---"

// Store reads and writes task markdown files under a tasks directory. One
// Store instance is shared by a project; per-task writes are serialized by a
// sharded mutex so readers never block on an unrelated task (spec.md §5).
type Store struct {
	tasksDir string

	mu        sync.Mutex
	fileLocks map[string]*sync.Mutex
}

// NewStore returns a Store rooted at tasksDir. The directory is not created
// until the first write.
func NewStore(tasksDir string) *Store {
	return &Store{tasksDir: tasksDir, fileLocks: make(map[string]*sync.Mutex)}
}

func (s *Store) lockFor(name string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.fileLocks[name]
	if !ok {
		l = &sync.Mutex{}
		s.fileLocks[name] = l
	}
	return l
}

// NextID scans the tasks directory for the highest existing id and returns
// max+1, or 1 if the directory is empty or absent.
func (s *Store) NextID() (uint64, error) {
	entries, err := os.ReadDir(s.tasksDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 1, nil
		}
		return 0, ferr.Wrap(ferr.KindIO, "read tasks directory", err).WithIdent(s.tasksDir)
	}
	var max uint64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if id, _, ok := ParseFilename(e.Name()); ok && id > max {
			max = id
		}
	}
	return max + 1, nil
}

// ParseFilename extracts (id, slug) from a task filename, rejecting anything
// that doesn't match spec.md §6's grammar.
func ParseFilename(name string) (id uint64, slug string, ok bool) {
	if !strings.HasSuffix(name, ".md") {
		return 0, "", false
	}
	base := strings.TrimSuffix(name, ".md")
	idx := strings.IndexByte(base, '-')
	if idx <= 0 || idx == len(base)-1 {
		return 0, "", false
	}
	idStr, slugStr := base[:idx], base[idx+1:]
	n, err := strconv.ParseUint(idStr, 10, 64)
	if err != nil {
		return 0, "", false
	}
	if ValidateSlug(slugStr) != nil {
		return 0, "", false
	}
	return n, slugStr, true
}

// Read loads and parses the task file for (id, slug).
func (s *Store) Read(id uint64, slug string) (*Task, error) {
	path := filepath.Join(s.tasksDir, filenameFor(id, slug))
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ferr.New(ferr.KindNotFound, "task file not found").WithIdent(path)
		}
		return nil, ferr.Wrap(ferr.KindIO, "read task file", err).WithIdent(path)
	}
	t, err := parse(data)
	if err != nil {
		return nil, err
	}
	t.ID = id
	t.Slug = slug
	return t, nil
}

// ReadPath loads and parses an arbitrary task file path, deriving (id, slug)
// from its basename.
func (s *Store) ReadPath(path string) (*Task, error) {
	id, slug, ok := ParseFilename(filepath.Base(path))
	if !ok {
		return nil, ferr.New(ferr.KindConfiguration, "unparsable task filename").WithIdent(path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, ferr.Wrap(ferr.KindIO, "read task file", err).WithIdent(path)
	}
	t, err := parse(data)
	if err != nil {
		return nil, err
	}
	t.ID = id
	t.Slug = slug
	return t, nil
}

// parse splits "---\n<yaml>\n---\n<body>" and unmarshals the front matter,
// defaulting any missing fields.
func parse(data []byte) (*Task, error) {
	text := string(data)
	lines := strings.SplitN(text, "\n", -1)
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != frontMatterDelim {
		return nil, ferr.New(ferr.KindConfiguration, "missing front matter delimiter")
	}
	end := -1
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == frontMatterDelim {
			end = i
			break
		}
	}
	if end == -1 {
		return nil, ferr.New(ferr.KindConfiguration, "unterminated front matter")
	}
	yamlBlock := strings.Join(lines[1:end], "\n")
	body := strings.Join(lines[end+1:], "\n")
	body = strings.TrimPrefix(body, "\n")

	var fm FrontMatter
	if err := yaml.Unmarshal([]byte(yamlBlock), &fm); err != nil {
		return nil, ferr.Wrap(ferr.KindConfiguration, "parse front matter yaml", err)
	}
	if fm.Status == "" {
		fm.Status = StatusDraft
	}
	if err := ValidateStatus(fm.Status); err != nil {
		return nil, err
	}
	return &Task{FrontMatter: fm, Body: body}, nil
}

// serialize renders a Task back to "---\n<yaml>\n---\n<body>".
func serialize(t *Task) ([]byte, error) {
	yamlBytes, err := yaml.Marshal(t.FrontMatter)
	if err != nil {
		return nil, ferr.Wrap(ferr.KindIO, "marshal front matter", err)
	}
	var sb strings.Builder
	sb.WriteString(frontMatterDelim)
	sb.WriteString("\n")
	sb.Write(yamlBytes)
	sb.WriteString(frontMatterDelim)
	sb.WriteString("\n")
	sb.WriteString(t.Body)
	return []byte(sb.String()), nil
}

// Write atomically persists t: serialize, write to a sibling temp file, then
// rename over the destination (spec.md §4.B).
func (s *Store) Write(t *Task) error {
	if err := ValidateSlug(t.Slug); err != nil {
		return err
	}
	if err := ValidateStatus(t.Status); err != nil {
		return err
	}
	if err := os.MkdirAll(s.tasksDir, 0o755); err != nil {
		return ferr.Wrap(ferr.KindIO, "create tasks directory", err).WithIdent(s.tasksDir)
	}

	name := filenameFor(t.ID, t.Slug)
	lock := s.lockFor(name)
	lock.Lock()
	defer lock.Unlock()

	data, err := serialize(t)
	if err != nil {
		return err
	}
	finalPath := filepath.Join(s.tasksDir, name)
	tmp, err := os.CreateTemp(s.tasksDir, ".tmp-"+name+"-*")
	if err != nil {
		return ferr.Wrap(ferr.KindIO, "create temp task file", err).WithIdent(finalPath)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return ferr.Wrap(ferr.KindIO, "write temp task file", err).WithIdent(finalPath)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return ferr.Wrap(ferr.KindIO, "close temp task file", err).WithIdent(finalPath)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return ferr.Wrap(ferr.KindIO, "rename task file into place", err).WithIdent(finalPath)
	}
	return nil
}

// Remove deletes the task file for (id, slug). Idempotent: removing an
// already-absent file is not an error (spec.md §7).
func (s *Store) Remove(id uint64, slug string) error {
	path := filepath.Join(s.tasksDir, filenameFor(id, slug))
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return ferr.Wrap(ferr.KindIO, "remove task file", err).WithIdent(path)
	}
	return nil
}

// List returns every parseable task under the tasks directory, ordered by
// id ascending. Unparsable filenames are silently skipped (spec.md §4.B).
func (s *Store) List() ([]*Task, error) {
	entries, err := os.ReadDir(s.tasksDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, ferr.Wrap(ferr.KindIO, "read tasks directory", err).WithIdent(s.tasksDir)
	}
	var tasks []*Task
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		id, slug, ok := ParseFilename(e.Name())
		if !ok {
			continue
		}
		t, err := s.Read(id, slug)
		if err != nil {
			continue
		}
		tasks = append(tasks, t)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	return tasks, nil
}

// SlugExists reports whether any task file already uses slug.
func (s *Store) SlugExists(slug string) (bool, error) {
	tasks, err := s.List()
	if err != nil {
		return false, err
	}
	for _, t := range tasks {
		if t.Slug == slug {
			return true, nil
		}
	}
	return false, nil
}

// TasksDir exposes the directory this Store was constructed with, for
// callers (e.g. the fsnotify watcher) that need to watch it directly.
func (s *Store) TasksDir() string { return s.tasksDir }
