// Package lockfile provides the daemon's exclusive flock-based lock and
// pidfile, guaranteeing a single daemon per runtime directory.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// ErrLocked is returned when the lock is held by another process.
var ErrLocked = errors.New("lock already held by another process")

// Lock is a held exclusive lock.
type Lock struct {
	f       *os.File
	path    string
	pidPath string
}

// Acquire takes the exclusive lock at lockPath without blocking and
// writes the current pid to pidPath. Returns ErrLocked when another
// daemon holds it.
func Acquire(lockPath, pidPath string) (*Lock, error) {
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := flockExclusive(f); err != nil {
		_ = f.Close()
		return nil, err
	}
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o600); err != nil {
		_ = unlock(f)
		_ = f.Close()
		return nil, fmt.Errorf("write pidfile: %w", err)
	}
	return &Lock{f: f, path: lockPath, pidPath: pidPath}, nil
}

// Release drops the lock and removes the pidfile.
func (l *Lock) Release() error {
	_ = os.Remove(l.pidPath)
	if err := unlock(l.f); err != nil {
		_ = l.f.Close()
		return err
	}
	return l.f.Close()
}

// ReadPID reads the daemon pid from pidPath. Returns 0 when no pidfile
// exists or the recorded process is gone.
func ReadPID(pidPath string) int {
	data, err := os.ReadFile(pidPath)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0
	}
	if !processRunning(pid) {
		return 0
	}
	return pid
}

// processRunning checks liveness with a null signal.
func processRunning(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}
