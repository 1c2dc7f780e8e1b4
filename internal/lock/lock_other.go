//go:build !unix

package lock

// Acquire is a no-op on platforms without flock.
func (l *File) Acquire() (func(), error) {
	return func() {}, nil
}
