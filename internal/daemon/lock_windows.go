//go:build windows

package daemon

import (
	"os"
	"syscall"
)

// processAlive reports whether pid names a live process, via OpenProcess.
func processAlive(pid int) bool {
	const processQueryLimitedInformation = 0x1000
	h, err := syscall.OpenProcess(processQueryLimitedInformation, false, uint32(pid))
	if err != nil {
		return false
	}
	syscall.CloseHandle(h)
	return true
}

// acquireLock falls back to "create exclusively + write PID" on Windows,
// where advisory file locks are less uniformly available across
// filesystems. Reclaim is explicit here, unlike the
// flock path: if the lock file already exists, its PID is checked for
// liveness and the file is removed and recreated if the holder is dead.
func acquireLock(lockPath, pidPath string) (unlock func() error, heldPID int, err error) {
	f, createErr := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if createErr != nil {
		if !os.IsExist(createErr) {
			return nil, 0, createErr
		}
		pid := readPID(pidPath)
		if pid > 0 && processAlive(pid) {
			return nil, pid, createErr
		}
		// Stale: the prior holder is gone. Reclaim by removing and retrying once.
		os.Remove(lockPath)
		f, createErr = os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if createErr != nil {
			return nil, 0, createErr
		}
	}
	_, _ = f.WriteString(currentPIDString())

	return func() error {
		f.Close()
		return os.Remove(lockPath)
	}, 0, nil
}
