// Package task implements the Task Store (spec.md §4.B) and the Task State
// Machine (spec.md §4.H): parsing and writing task markdown files with YAML
// front matter, id/slug assignment, and the status transition table.
package task

import (
	"regexp"
	"strings"

	"github.com/ianremillard/fleet/internal/ferr"
)

// Status is one of the task lifecycle states from spec.md §3.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusRunning   Status = "running"
	StatusStopped   Status = "stopped"
	StatusIdle      Status = "idle"
	StatusExited    Status = "exited"
	StatusCompleted Status = "completed"
	StatusMerged    Status = "merged"
	StatusFailed    Status = "failed"
	StatusReviewed  Status = "reviewed"
)

var validStatuses = map[Status]bool{
	StatusDraft: true, StatusRunning: true, StatusStopped: true,
	StatusIdle: true, StatusExited: true, StatusCompleted: true,
	StatusMerged: true, StatusFailed: true, StatusReviewed: true,
}

// Front matter as persisted to "{id}-{slug}.md" (spec.md §3/§6).
type FrontMatter struct {
	Status     Status   `yaml:"status"`
	BaseBranch string   `yaml:"base_branch"`
	Agent      string   `yaml:"agent,omitempty"`
	Labels     []string `yaml:"labels,omitempty"`
	Title      string   `yaml:"title,omitempty"`
}

// Task is one unit of work: filename-derived identity plus front matter and body.
type Task struct {
	ID   uint64
	Slug string
	FrontMatter
	Body string // free-form markdown description
}

// slugPattern enforces spec.md §3: "[a-z][a-z0-9-]*", <=64 chars.
var slugPattern = regexp.MustCompile(`^[a-z][a-z0-9-]*$`)

// ValidateSlug applies the strict-rejection policy pinned in SPEC_FULL.md's
// Open Question decisions: no silent Unicode normalization, reject anything
// that does not already match the grammar.
func ValidateSlug(slug string) error {
	if len(slug) == 0 || len(slug) > 64 {
		return ferr.New(ferr.KindConfiguration, "slug must be 1-64 characters").WithIdent(slug)
	}
	if !slugPattern.MatchString(slug) {
		return ferr.New(ferr.KindConfiguration, "slug must match [a-z][a-z0-9-]*").WithIdent(slug)
	}
	return nil
}

// ValidateStatus reports whether s is one of the nine known statuses.
func ValidateStatus(s Status) error {
	if !validStatuses[s] {
		return ferr.New(ferr.KindConfiguration, "unknown status").WithIdent(string(s))
	}
	return nil
}

// Filename returns "{id}-{slug}.md", the authoritative on-disk name.
func (t *Task) Filename() string {
	return strings.TrimSpace(filenameFor(t.ID, t.Slug))
}

func filenameFor(id uint64, slug string) string {
	return uintToString(id) + "-" + slug + ".md"
}

func uintToString(id uint64) string {
	if id == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for id > 0 {
		i--
		buf[i] = byte('0' + id%10)
		id /= 10
	}
	return string(buf[i:])
}

// Ref identifies a task by (id, slug) without its body/front matter — passed
// to ptysession.Open and to registry.KeyFor, which keys on the id alone.
type Ref struct {
	ID   uint64
	Slug string
}

func (t *Task) Ref() Ref { return Ref{ID: t.ID, Slug: t.Slug} }
