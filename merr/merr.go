// Package merr defines the closed error taxonomy surfaced across the core
// (spec.md §7). Lower layers wrap a sentinel with github.com/pkg/errors so a
// caller can both errors.Is against the taxonomy and see the call-site stack
// in logs.
package merr

import "github.com/pkg/errors"

// Sentinels. Compare with errors.Is, not ==, since callers wrap these.
var (
	ErrNoSpace     = errors.New("no space")
	ErrFileTooBig  = errors.New("file too big")
	ErrInvalidArgs = errors.New("invalid arguments")
	ErrIO          = errors.New("device i/o error")
	ErrBadState    = errors.New("bad filesystem state")
	ErrReadOnly    = errors.New("filesystem is read-only")

	// Namespace errors, raised by the directory layer above this core; kept
	// here so the core's Read/Write error returns compose with it.
	ErrNotFound  = errors.New("not found")
	ErrExist     = errors.New("already exists")
	ErrNotDir    = errors.New("not a directory")
	ErrIsDir     = errors.New("is a directory")
)

// Wrap attaches msg as context to a sentinel while keeping it matchable by
// errors.Is.
func Wrap(sentinel error, msg string) error {
	return errors.Wrap(sentinel, msg)
}

// Wrapf is Wrap with formatting.
func Wrapf(sentinel error, format string, args ...interface{}) error {
	return errors.Wrapf(sentinel, format, args...)
}

// Is reports whether err is, or wraps, sentinel.
func Is(err, sentinel error) bool {
	return errors.Is(err, sentinel)
}
