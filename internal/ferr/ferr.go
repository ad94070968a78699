// Package ferr defines the typed error kinds the daemon surfaces to RPC
// callers (spec.md §7). Each kind wraps a sentinel so callers can classify
// an error with errors.Is while the message carries the human-readable detail.
package ferr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for RPC error-code mapping and CLI display.
type Kind int

const (
	KindConfiguration Kind = iota
	KindNotFound
	KindConflict
	KindTransition
	KindGit
	KindIO
	KindProtocol
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindTransition:
		return "transition"
	case KindGit:
		return "git"
	case KindIO:
		return "io"
	case KindProtocol:
		return "protocol"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is a typed, wrapped error carrying a Kind and an optional identifier
// (task id, path, etc.) so the CLI can print an actionable one-line message.
type Error struct {
	Kind   Kind
	Ident  string // path or identifier involved, if any
	Detail string
	Err    error // underlying cause, if any
}

func (e *Error) Error() string {
	msg := e.Detail
	if e.Ident != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Ident)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match on Kind alone via a zero-value sentinel, e.g.
// errors.Is(err, ferr.NotFound).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Ident == "" && t.Detail == ""
}

// New builds a new *Error of the given kind.
func New(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// Wrap builds a new *Error of the given kind around an underlying cause.
func Wrap(kind Kind, detail string, err error) *Error {
	return &Error{Kind: kind, Detail: detail, Err: err}
}

// WithIdent attaches an identifier (path, task ref, etc.) to the error.
func (e *Error) WithIdent(ident string) *Error {
	e.Ident = ident
	return e
}

// Sentinels for errors.Is comparisons against a bare kind.
var (
	NotFound      = &Error{Kind: KindNotFound}
	Conflict      = &Error{Kind: KindConflict}
	Configuration = &Error{Kind: KindConfiguration}
	Transition    = &Error{Kind: KindTransition}
	Git           = &Error{Kind: KindGit}
	IO            = &Error{Kind: KindIO}
	Protocol      = &Error{Kind: KindProtocol}
	Fatal         = &Error{Kind: KindFatal}
)

// Is reports whether err (or anything it wraps) is a *Error of kind k.
func Is(err error, k Kind) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind == k
	}
	return false
}
