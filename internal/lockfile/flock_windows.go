//go:build windows

package lockfile

import (
	"os"
	"syscall"

	"golang.org/x/sys/windows"
)

// FlockSharedNonBlock takes a shared non-blocking lock via LockFileEx:
// multiple holders can coexist, but an existing exclusive holder turns
// this into ErrLockBusy instead of blocking the caller.
func FlockSharedNonBlock(f *os.File) error {
	const flags = windows.LOCKFILE_FAIL_IMMEDIATELY // shared: no LOCKFILE_EXCLUSIVE_LOCK bit

	ol := &windows.Overlapped{}
	err := windows.LockFileEx(
		windows.Handle(f.Fd()),
		flags,
		0,
		0xFFFFFFFF,
		0xFFFFFFFF,
		ol,
	)
	if err == windows.ERROR_LOCK_VIOLATION || err == syscall.EWOULDBLOCK {
		return ErrLockBusy
	}
	return err
}

// FlockExclusiveNonBlock takes an exclusive non-blocking lock via
// LockFileEx, turning any existing holder — shared or exclusive — into
// ErrLockBusy rather than waiting.
func FlockExclusiveNonBlock(f *os.File) error {
	const flags = windows.LOCKFILE_EXCLUSIVE_LOCK | windows.LOCKFILE_FAIL_IMMEDIATELY

	ol := &windows.Overlapped{}
	err := windows.LockFileEx(
		windows.Handle(f.Fd()),
		flags,
		0,
		0xFFFFFFFF,
		0xFFFFFFFF,
		ol,
	)
	if err == windows.ERROR_LOCK_VIOLATION || err == syscall.EWOULDBLOCK {
		return ErrLockBusy
	}
	return err
}
