//go:build js && wasm

package lockfile

import (
	"errors"
	"os"
)

// errDaemonLocked exists on this platform only to satisfy lock_test.go's
// cross-platform assertions; flockExclusive below never returns it, since a
// WASM runtime is single-process and there is nothing to contend with.
var errDaemonLocked = errors.New("daemon lock already held by another process")

// flockExclusive is a no-op here: WASM has no flock(2) equivalent, and the
// single-process execution model means TryDaemonLock/AcquireDaemonLock's
// exclusivity guarantee is moot anyway.
func flockExclusive(f *os.File) error {
	return nil
}

// FlockExclusiveNonBlocking mirrors flock_unix.go's exported function of the
// same name; it always succeeds.
func FlockExclusiveNonBlocking(f *os.File) error {
	return nil
}

// FlockExclusiveBlocking always succeeds immediately — there is no other
// process in a WASM host to block on.
func FlockExclusiveBlocking(f *os.File) error {
	return nil
}

// FlockUnlock is a no-op companion to the no-op lock functions above.
func FlockUnlock(f *os.File) error {
	return nil
}

// FlockSharedNonBlock is a no-op for the same single-process reason as
// flockExclusive.
func FlockSharedNonBlock(f *os.File) error {
	return nil
}

// FlockExclusiveNonBlock is a no-op for the same single-process reason as
// flockExclusive.
func FlockExclusiveNonBlock(f *os.File) error {
	return nil
}

// isProcessRunning always reports false: WASM has no process table to
// check daemon.pid's recorded PID against, so checkPIDFile's fallback
// degrades to "nothing else is running" rather than erroring.
func isProcessRunning(pid int) bool {
	return false
}
