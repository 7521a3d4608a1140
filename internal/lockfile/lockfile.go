// Package lockfile guards an output directory against a second concurrent writer.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// FileName is the lock file created inside a guarded directory.
const FileName = ".tablesynth.lock"

var (
	// ErrAlreadyLocked indicates the lock is held by another writer.
	ErrAlreadyLocked = errors.New("lock already held")
)

// HeldError reports the pid recorded by the current holder, when readable.
type HeldError struct {
	Path string
	PID  int
}

func (e *HeldError) Error() string {
	if e.PID > 0 {
		return fmt.Sprintf("%s is locked by pid %d", e.Path, e.PID)
	}
	return e.Path + " is locked by another process"
}

func (e *HeldError) Unwrap() error { return ErrAlreadyLocked }

type Lock struct {
	path string
	f    *os.File
}

// AcquireDir creates dir if needed and takes its exclusive lock without blocking.
func AcquireDir(dir string) (*Lock, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("lock dir is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return Acquire(filepath.Join(dir, FileName))
}

func Acquire(path string) (*Lock, error) {
	if path == "" {
		return nil, fmt.Errorf("lock path is empty")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	if err := lockFile(f); err != nil {
		_ = f.Close()
		if errors.Is(err, ErrAlreadyLocked) {
			return nil, &HeldError{Path: path, PID: readPID(path)}
		}
		return nil, err
	}

	_ = f.Truncate(0)
	_, _ = f.Seek(0, 0)
	_, _ = fmt.Fprintf(f, "%d\n", os.Getpid())
	_ = f.Sync()

	return &Lock{path: path, f: f}, nil
}

func readPID(path string) int {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return 0
	}
	return pid
}

func (l *Lock) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Release unlocks and closes. The lock file itself stays in place.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	unlockErr := unlockFile(l.f)
	closeErr := l.f.Close()
	l.f = nil
	if unlockErr != nil {
		return unlockErr
	}
	return closeErr
}
