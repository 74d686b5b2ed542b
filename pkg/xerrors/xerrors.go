package xerrors

import (
	"context"
	"errors"
	"fmt"
	iofs "io/fs"
	"os"
	"sort"
	"strings"
)

// Kind classifies xblob errors.
type Kind int

const (
	KindInvalid Kind = iota
	KindNotFound
	KindAlreadyExists
	KindPermission
	KindExpired
	KindConfig
	KindUnreachable
	KindTimeout
	KindRejected
	KindIntegrity
	KindQuorum
	KindReconstruction
	KindInternal
)

// Error wraps an underlying error with additional metadata.
type Error struct {
	Kind Kind
	Op   string
	Path string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	base := e.Kind.String()
	if e.Op != "" {
		base = e.Op + ": " + base
	}
	if e.Path != "" {
		base += " " + e.Path
	}
	if e.Err != nil {
		return base + ": " + e.Err.Error()
	}
	return base
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Err }

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not found"
	case KindAlreadyExists:
		return "already exists"
	case KindPermission:
		return "permission denied"
	case KindExpired:
		return "expired"
	case KindConfig:
		return "invalid configuration"
	case KindUnreachable:
		return "unreachable"
	case KindTimeout:
		return "timeout"
	case KindRejected:
		return "rejected"
	case KindIntegrity:
		return "integrity mismatch"
	case KindQuorum:
		return "quorum not reached"
	case KindReconstruction:
		return "unavailable"
	case KindInternal:
		return "internal error"
	default:
		return "invalid"
	}
}

// Wrap annotates err with the given metadata. If err is nil, Wrap returns nil.
func Wrap(kind Kind, op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

// E creates a new error with the provided metadata (no underlying error).
func E(kind Kind, op, path string) error {
	return &Error{Kind: kind, Op: op, Path: path}
}

// Errorf is E with a formatted cause.
func Errorf(kind Kind, op, path, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Path: path, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the Kind from err, walking wrapped errors as needed.
func KindOf(err error) Kind {
	if err == nil {
		return KindInvalid
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, iofs.ErrNotExist),
		errors.Is(err, os.ErrNotExist):
		return KindNotFound
	case errors.Is(err, iofs.ErrExist):
		return KindAlreadyExists
	case errors.Is(err, iofs.ErrPermission):
		return KindPermission
	case errors.Is(err, iofs.ErrInvalid):
		return KindInvalid
	default:
		return KindInternal
	}
}

// IsTransient reports whether err is worth retrying against the same node.
func IsTransient(err error) bool {
	switch KindOf(err) {
	case KindUnreachable, KindTimeout:
		return true
	}
	return false
}

// ShardFailure records why one shard index could not be stored or fetched.
type ShardFailure struct {
	Index int
	Node  string
	Kind  Kind
	Err   error
}

func (f ShardFailure) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "shard %d", f.Index)
	if f.Node != "" {
		fmt.Fprintf(&b, " on %s", f.Node)
	}
	b.WriteString(": ")
	if f.Err != nil {
		b.WriteString(f.Err.Error())
	} else {
		b.WriteString(f.Kind.String())
	}
	return b.String()
}

// QuorumError is the diagnostic detail of a failed certification attempt.
type QuorumError struct {
	Attempt  string
	Need     int
	Got      int
	Failures []ShardFailure
}

func (e *QuorumError) Error() string {
	return fmt.Sprintf("attempt %s: %d of %d shard receipts%s", e.Attempt, e.Got, e.Need, describe(e.Failures))
}

// ShardError reports that too few valid shards were available to rebuild a blob.
type ShardError struct {
	Need     int
	Valid    int
	Failures []ShardFailure
}

func (e *ShardError) Error() string {
	return fmt.Sprintf("%d valid shards, need %d%s", e.Valid, e.Need, describe(e.Failures))
}

func describe(failures []ShardFailure) string {
	if len(failures) == 0 {
		return ""
	}
	sorted := append([]ShardFailure(nil), failures...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })
	parts := make([]string, len(sorted))
	for i, f := range sorted {
		parts[i] = f.String()
	}
	return " (" + strings.Join(parts, "; ") + ")"
}

// Failures returns the per-shard diagnostics carried by err, if any.
func Failures(err error) []ShardFailure {
	var qe *QuorumError
	if errors.As(err, &qe) {
		return qe.Failures
	}
	var se *ShardError
	if errors.As(err, &se) {
		return se.Failures
	}
	return nil
}
