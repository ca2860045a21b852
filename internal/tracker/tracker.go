// Package tracker decides whether a file changed since it was last handed to
// the worker, so unchanged files are answered with a not-modified frame
// instead of their full content.
//
// Every strategy keeps its own record (path to fingerprint). A path is
// "modified" the first time a tracker sees it; afterwards only a changed
// fingerprint counts. Records live for the tracker's lifetime.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// ErrNotModified reports that a file is unchanged since its last check.
// It is a signal, not a failure: callers test for it with errors.Is.
var ErrNotModified = errors.New("not modified")

// File is the view of a file a tracker needs.
type File interface {
	Path() string
	ModTime() time.Time
	Open() (io.ReadCloser, error)
}

// Tracker checks a file against its last recorded fingerprint and records
// the new one. Returns ErrNotModified when the file is unchanged, nil when it
// changed (or was never seen), or any other error if the file could not be
// examined.
type Tracker interface {
	CheckModifiedSinceLastAccess(ctx context.Context, f File) error
}

// Kind names a tracking strategy.
type Kind string

const (
	KindModTime Kind = "mtime"
	KindHash    Kind = "hash"
	KindStatic  Kind = "static"
	KindNone    Kind = "none"
)

// New returns a tracker for kind. An empty kind selects mtime.
func New(kind Kind) (Tracker, error) {
	switch kind {
	case KindModTime, "":
		return NewModTime(), nil
	case KindHash:
		return NewHash(), nil
	case KindStatic:
		return NewStatic(time.Now()), nil
	case KindNone:
		return Noop{}, nil
	default:
		return nil, fmt.Errorf("unknown tracker kind %q (want mtime, hash, static or none)", kind)
	}
}

// Noop reports every file as modified. Used when change detection is
// disabled.
type Noop struct{}

// CheckModifiedSinceLastAccess always returns nil.
func (Noop) CheckModifiedSinceLastAccess(context.Context, File) error {
	return nil
}
