// Package lock serializes reconciliation passes across processes. A timer-driven
// run and a manual run must not rewrite the tunnel config at the same time.
package lock

import "errors"

// DefaultPath is the lock file used by the agent.
const DefaultPath = "/run/wgkeeper.lock"

// ErrHeld is returned by Acquire when another process holds the lock.
var ErrHeld = errors.New("lock held by another process")

// File is an advisory lock on a file path. The zero value is not usable.
type File struct {
	Path string
}

// New returns a lock on path.
func New(path string) *File {
	if path == "" {
		path = DefaultPath
	}
	return &File{Path: path}
}
