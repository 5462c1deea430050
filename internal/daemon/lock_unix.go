//go:build !windows

package daemon

import (
	"os"

	"golang.org/x/sys/unix"
)

// acquireLock takes an exclusive, non-blocking flock on lockPath. The
// kernel releases an flock automatically when the holding process exits or
// dies, so a "stale lock" is never actually observed here:
// by the time this process can open the file, the lock is already free.
// pidPath is read only to report the live holder's PID back to the caller.
func acquireLock(lockPath, pidPath string) (unlock func() error, heldPID int, err error) {
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, 0, err
	}

	if flockErr := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); flockErr != nil {
		f.Close()
		return nil, readPID(pidPath), flockErr
	}

	return func() error {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		return f.Close()
	}, 0, nil
}
