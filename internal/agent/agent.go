// Package agent resolves an agent catalog entry and a task into the concrete
// program, args, environment, and working directory the PTY Session should
// spawn (spec.md §4.I).
package agent

import (
	"os"
	"strings"

	"github.com/ianremillard/fleet/internal/ferr"
)

// Config is one entry in the agent catalog: the argv templates for starting
// a fresh run, resuming an existing one, and (optionally) a distinct
// one-shot run invocation. Resume and Run fall back to Start when unset.
type Config struct {
	Start  []string `yaml:"start"`
	Resume []string `yaml:"resume,omitempty"`
	Run    []string `yaml:"run,omitempty"`
}

// Catalog maps an agent key (the task's `agent` front-matter field) to its Config.
type Catalog map[string]Config

// Lookup resolves key in the catalog, erroring if it is absent or has no
// start template.
func (c Catalog) Lookup(key string) (Config, error) {
	cfg, ok := c[key]
	if !ok {
		return Config{}, ferr.New(ferr.KindConfiguration, "unknown agent").WithIdent(key)
	}
	if len(cfg.Start) == 0 {
		return Config{}, ferr.New(ferr.KindConfiguration, "agent has no start command").WithIdent(key)
	}
	return cfg, nil
}

// Mode selects which argv template to use.
type Mode int

const (
	ModeStart Mode = iota
	ModeResume
	ModeRun
)

func (cfg Config) argvFor(mode Mode) []string {
	switch mode {
	case ModeResume:
		if len(cfg.Resume) > 0 {
			return cfg.Resume
		}
	case ModeRun:
		if len(cfg.Run) > 0 {
			return cfg.Run
		}
	}
	return cfg.Start
}

// TaskContext is the subset of task fields the token substitution needs.
type TaskContext struct {
	ID         uint64
	Body       string
	ProjectRoot string
}

// Action is what the PTY Session should exec: program, args, environment, cwd.
type Action struct {
	Program string
	Args    []string
	Env     []string
	Cwd     string
}

// Resolve builds an Action from a catalog entry, a mode, a task, and the
// task's worktree directory.
func Resolve(cfg Config, mode Mode, tc TaskContext, worktreeDir string, extraEnv map[string]string) (Action, error) {
	argv := cfg.argvFor(mode)
	if len(argv) == 0 {
		return Action{}, ferr.New(ferr.KindConfiguration, "agent command is empty")
	}

	subst := func(s string) string { return substituteTokens(s, tc) }
	program := subst(argv[0])
	if strings.TrimSpace(program) == "" {
		return Action{}, ferr.New(ferr.KindConfiguration, "agent program is empty after substitution")
	}
	args := make([]string, 0, len(argv)-1)
	for _, a := range argv[1:] {
		args = append(args, subst(a))
	}

	env := buildEnv(tc, worktreeDir, extraEnv)

	return Action{Program: program, Args: args, Env: env, Cwd: worktreeDir}, nil
}

// substituteTokens replaces $AGENCY_TASK, $AGENCY_ROOT, $AGENCY_TASK_ID,
// <root>, and $VAR (environment lookups) in s, per spec.md §4.I.
func substituteTokens(s string, tc TaskContext) string {
	idStr := uintToString(tc.ID)
	s = strings.ReplaceAll(s, "$AGENCY_TASK_ID", idStr)
	s = strings.ReplaceAll(s, "$AGENCY_TASK", tc.Body)
	s = strings.ReplaceAll(s, "$AGENCY_ROOT", tc.ProjectRoot)
	s = strings.ReplaceAll(s, "<root>", tc.ProjectRoot)
	return expandEnvVars(s)
}

// expandEnvVars replaces remaining $VAR references with their environment
// value, or the empty string if unset. Unlike os.Expand, a bare trailing
// "$" or "$" followed by a non-identifier character is left untouched.
func expandEnvVars(s string) string {
	var out strings.Builder
	for i := 0; i < len(s); {
		if s[i] != '$' || i+1 >= len(s) || !isIdentStart(s[i+1]) {
			out.WriteByte(s[i])
			i++
			continue
		}
		j := i + 1
		for j < len(s) && isIdentChar(s[j]) {
			j++
		}
		out.WriteString(os.Getenv(s[i+1 : j]))
		i = j
	}
	return out.String()
}

func isIdentStart(b byte) bool {
	return b == '_' || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

func isIdentChar(b byte) bool {
	return isIdentStart(b) || (b >= '0' && b <= '9')
}

// buildEnv inherits the daemon's environment and sets the task-scoped
// variables plus any extra (e.g. envfile-sourced) entries. PWD is set to the
// worktree directory since Action.Cwd only chdirs the child process and does
// not itself update the shell-visible PWD.
func buildEnv(tc TaskContext, worktreeDir string, extra map[string]string) []string {
	env := os.Environ()
	env = append(env,
		"AGENCY_TASK="+tc.Body,
		"AGENCY_ROOT="+tc.ProjectRoot,
		"AGENCY_TASK_ID="+uintToString(tc.ID),
		"PWD="+worktreeDir,
	)
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
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
