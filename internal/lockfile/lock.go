// Package lockfile provides a single-instance guard for long-running
// client-side daemons (pcache-monitor): an advisory OS file lock on a file
// whose own JSON content records which process holds it, so a second
// instance targeting the same queue can detect and refuse to start
// instead of racing the first for the same fragments.
package lockfile

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// errProcessLocked is the sentinel ErrLocked/IsLocked wrap, returned when
// another process already holds the exclusive lock on daemon.lock.
var errProcessLocked = errors.New("lock held by another process")

// ErrLocked is returned when a lock cannot be acquired because it is held by another process.
var ErrLocked = errProcessLocked

// ErrLockBusy is returned when a non-blocking lock cannot be acquired
// because another process holds a conflicting lock.
var ErrLockBusy = errors.New("lock busy: held by another process")

// IsLocked returns true if the error indicates a lock is held by another process.
func IsLocked(err error) bool {
	return err == errProcessLocked
}

// LockInfo is the JSON content written into the flock'd lock file itself,
// recording which process and target database currently hold it.
type LockInfo struct {
	PID       int       `json:"pid"`
	ParentPID int       `json:"parent_pid,omitempty"`
	Database  string    `json:"database"`
	Version   string    `json:"version"`
	StartedAt time.Time `json:"started_at"`
}

const (
	lockFileName = "daemon.lock"
	pidFileName  = "daemon.pid"
)

// ReadLockInfo reads and parses the daemon.lock file in dir. It accepts
// both the current JSON format and the legacy plain-PID format (a bare
// integer, no JSON envelope) for compatibility with lock files a prior
// process version may have written.
func ReadLockInfo(dir string) (*LockInfo, error) {
	data, err := os.ReadFile(filepath.Join(dir, lockFileName))
	if err != nil {
		return nil, err
	}
	return parseLockInfo(data)
}

func parseLockInfo(data []byte) (*LockInfo, error) {
	var info LockInfo
	if err := json.Unmarshal(data, &info); err == nil && info.PID != 0 {
		return &info, nil
	}
	if pid, err := strconv.Atoi(strings.TrimSpace(string(data))); err == nil {
		return &LockInfo{PID: pid}, nil
	}
	return nil, errors.New("lockfile: unrecognized daemon.lock content")
}

// checkPIDFile reads dir/daemon.pid and reports whether the recorded PID
// names a process that is actually still running, the fallback path used
// when no daemon.lock exists or its content can't be parsed.
func checkPIDFile(dir string) (running bool, pid int) {
	data, err := os.ReadFile(filepath.Join(dir, pidFileName))
	if err != nil {
		return false, 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || n <= 0 {
		return false, 0
	}
	if !isProcessRunning(n) {
		return false, 0
	}
	return true, n
}

// TryDaemonLock reports whether another instance already holds the
// daemon lock in dir, without blocking. It prefers daemon.lock (an
// flock'd file whose content identifies the holder) and falls back to
// daemon.pid (a plain PID file checked against the live process table)
// when daemon.lock is absent or its content is unparseable.
func TryDaemonLock(dir string) (running bool, pid int) {
	lockPath := filepath.Join(dir, lockFileName)
	f, err := os.OpenFile(lockPath, os.O_RDWR, 0o644)
	if err != nil {
		return checkPIDFile(dir)
	}
	defer f.Close()

	if lockErr := flockExclusive(f); lockErr == nil {
		_ = FlockUnlock(f)
		return false, 0
	}

	info, err := ReadLockInfo(dir)
	if err != nil {
		return checkPIDFile(dir)
	}
	return true, info.PID
}

// AcquireDaemonLock creates (or truncates) dir/daemon.lock, takes a
// non-blocking exclusive flock on it, and writes info as its JSON
// content. The returned file must be kept open for the lifetime of the
// process — closing it (or process exit) releases the flock, letting a
// future instance's TryDaemonLock observe the lock as free. Returns
// ErrLocked if another process already holds it.
func AcquireDaemonLock(dir string, info LockInfo) (*os.File, error) {
	lockPath := filepath.Join(dir, lockFileName)
	f, err := os.OpenFile(lockPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	if err := flockExclusive(f); err != nil {
		f.Close()
		return nil, ErrLocked
	}
	data, err := json.Marshal(info)
	if err != nil {
		_ = FlockUnlock(f)
		f.Close()
		return nil, err
	}
	if err := f.Truncate(0); err != nil {
		_ = FlockUnlock(f)
		f.Close()
		return nil, err
	}
	if _, err := f.WriteAt(data, 0); err != nil {
		_ = FlockUnlock(f)
		f.Close()
		return nil, err
	}
	return f, nil
}
