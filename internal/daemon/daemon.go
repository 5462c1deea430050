// Package daemon implements the process supervisor: the
// single-instance exclusive lock, PID file lifecycle, signal-driven shutdown
// event, and the config-file watcher that classifies a live edit as
// hot-reloadable or restart-required.
package daemon

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/ccBitTorrent/ccbt-sub001/internal/ccerr"
)

const (
	pidFileName = "daemon.pid"
	lockFileName = "daemon.lock"

	readinessRetries = 5
	readinessDelay = 100 * time.Millisecond
)

// Supervisor owns the state directory's lock file and PID file for one
// daemon process.
type Supervisor struct {
	stateDir string
	pidPath string
	lockPath string

	unlock func() error

	shuttingDown atomic.Bool
}

// New builds a supervisor rooted at stateDir. AcquireSingleInstance creates
// stateDir if absent.
func New(stateDir string) *Supervisor {
	return &Supervisor{
		stateDir: stateDir,
		pidPath: filepath.Join(stateDir, pidFileName),
		lockPath: filepath.Join(stateDir, lockFileName),
	}
}

// AcquireSingleInstance acquires the daemon's exclusive lock, reclaiming
// automatically if the prior holder is dead.
// On Unix this rides on flock semantics, which the kernel releases when the
// holding process exits, so a stale lock is never actually observed as held.
// On Windows (lock_windows.go) reclaim is explicit: the stale PID is read
// back and checked for liveness before the file is removed and recreated.
func (s *Supervisor) AcquireSingleInstance() error {
	if err := os.MkdirAll(s.stateDir, 0o755); err != nil {
		return ccerr.Disk("daemon.AcquireSingleInstance", err)
	}
	unlock, heldPID, err := acquireLock(s.lockPath, s.pidPath)
	if err != nil {
		if heldPID > 0 {
			return ccerr.Resource("daemon.AcquireSingleInstance", fmt.Errorf("already running (PID %d)", heldPID))
		}
		return ccerr.Resource("daemon.AcquireSingleInstance", err)
	}
	s.unlock = unlock
	return nil
}

// ProbeReadiness verifies the IPC server actually accepts connections
// before the PID file is written, not merely that its goroutine started.
func (s *Supervisor) ProbeReadiness(addr string) error {
	var lastErr error
	for i := 0; i < readinessRetries; i++ {
		conn, err := net.DialTimeout("tcp", addr, readinessDelay)
		if err == nil {
			conn.Close()
			return nil
		}
		lastErr = err
		time.Sleep(readinessDelay)
	}
	return ccerr.Resource("daemon.ProbeReadiness", fmt.Errorf("IPC server at %s not accepting connections: %w", addr, lastErr))
}

// WritePID atomically writes the PID file via a temp file plus rename.
func (s *Supervisor) WritePID() error {
	tmp := s.pidPath + ".tmp"
	if err := os.WriteFile(tmp, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644); err != nil {
		return ccerr.Disk("daemon.WritePID", err)
	}
	if err := os.Rename(tmp, s.pidPath); err != nil {
		return ccerr.Disk("daemon.WritePID", err)
	}
	return nil
}

// ShuttingDown reports the process-wide shutdown flag, read at every
// logging decision site in hot paths to suppress cancellation-cascade
// log noise.
func (s *Supervisor) ShuttingDown() bool { return s.shuttingDown.Load() }

// WaitForShutdown blocks until a shutdown signal arrives or ctx is canceled,
// setting the shutdown flag exactly once.
func (s *Supervisor) WaitForShutdown(ctx context.Context) os.Signal {
	sigCh := make(chan os.Signal, 1)
	notify(sigCh)
	defer stopNotify(sigCh)

	select {
	case sig := <-sigCh:
		s.shuttingDown.Store(true)
		return sig
	case <-ctx.Done():
		s.shuttingDown.Store(true)
		return nil
	}
}

// Release removes the PID file and drops the single-instance lock. Called
// once, on the supervisor's own shutdown path.
func (s *Supervisor) Release() {
	if err := os.Remove(s.pidPath); err != nil && !os.IsNotExist(err) {
		log.Printf("[daemon] removing pid file: %v", err)
	}
	if s.unlock != nil {
		if err := s.unlock(); err != nil {
			log.Printf("[daemon] releasing lock: %v", err)
		}
	}
}
