//go:build !unix

package store

// Lock is a no-op where flock is unavailable.
type Lock struct{}

// AcquireLock always succeeds; concurrent processes are not detected.
func AcquireLock(dbPath string) (*Lock, error) {
	return &Lock{}, nil
}

// Release does nothing.
func (l *Lock) Release() error { return nil }
