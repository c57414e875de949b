package mirror

import (
	"os"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

// Flock is an advisory, exclusive lock on an open file.
type Flock struct {
	*os.File
}

// Lock acquires the lock without blocking.  It fails if another process
// holds it.
func (f Flock) Lock() error {
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		return errors.Wrap(err, "flock "+f.Name())
	}
	return nil
}

// Unlock releases the lock.
func (f Flock) Unlock() error {
	return errors.Wrap(unix.Flock(int(f.Fd()), unix.LOCK_UN), "unlock "+f.Name())
}
