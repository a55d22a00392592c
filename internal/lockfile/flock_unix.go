//go:build unix

package lockfile

import (
	"errors"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// errDaemonLocked is the low-level EWOULDBLOCK translation flockExclusive
// returns; AcquireDaemonLock/TryDaemonLock in lock.go only care that it is
// non-nil, so its text never surfaces to a pcache-monitor operator.
var errDaemonLocked = errors.New("daemon lock already held by another process")

// flockExclusive takes daemon.lock's advisory exclusive lock without
// blocking, the primitive AcquireDaemonLock and TryDaemonLock build on.
func flockExclusive(f *os.File) error {
	err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err == unix.EWOULDBLOCK {
		return errDaemonLocked
	}
	return err
}

// FlockExclusiveNonBlocking is flockExclusive exported for callers outside
// this package that want the same non-blocking
// semantics without going through TryDaemonLock's PID-file fallback.
func FlockExclusiveNonBlocking(f *os.File) error {
	return flockExclusive(f)
}

// FlockExclusiveBlocking waits for daemon.lock's exclusive lock instead of
// failing fast; used by tests that need a deterministic lock-held state
// rather than racing a non-blocking attempt.
func FlockExclusiveBlocking(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_EX)
}

// FlockUnlock releases whatever lock flockExclusive/FlockExclusiveBlocking
// took, letting a subsequent TryDaemonLock in the same or another process
// observe the file as free.
func FlockUnlock(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}

// FlockSharedNonBlock takes a shared non-blocking lock. pcache-monitor's
// single-instance guard never calls this directly — it is exposed for a
// future reader-side lock (e.g. a CLI that wants to inspect daemon.lock
// without excluding the running daemon) that doesn't need exclusivity.
func FlockSharedNonBlock(f *os.File) error {
	err := unix.Flock(int(f.Fd()), unix.LOCK_SH|unix.LOCK_NB)
	if err == unix.EWOULDBLOCK {
		return ErrLockBusy
	}
	return err
}

// FlockExclusiveNonBlock is FlockExclusiveNonBlocking's ErrLockBusy-returning
// counterpart, kept alongside FlockSharedNonBlock so both non-blocking modes
// share one error sentinel.
func FlockExclusiveNonBlock(f *os.File) error {
	err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err == unix.EWOULDBLOCK {
		return ErrLockBusy
	}
	return err
}

// isProcessRunning backs checkPIDFile's daemon.pid fallback: a PID of 0 or
// below is never a specific process (0 would signal the caller's own
// process group), so it's treated as "not running" without a syscall.
func isProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}
