package lockfile

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestAcquireDir_Exclusive(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "out")
	l, err := AcquireDir(dir)
	if err != nil {
		t.Fatalf("AcquireDir: %v", err)
	}
	if got, want := l.Path(), filepath.Join(dir, FileName); got != want {
		t.Fatalf("Path=%q, want %q", got, want)
	}

	_, err = AcquireDir(dir)
	if !errors.Is(err, ErrAlreadyLocked) {
		t.Fatalf("second AcquireDir err=%v, want ErrAlreadyLocked", err)
	}
	var held *HeldError
	if !errors.As(err, &held) || held.PID != os.Getpid() {
		t.Fatalf("err=%#v, want HeldError with pid %d", err, os.Getpid())
	}

	if err := l.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	l2, err := AcquireDir(dir)
	if err != nil {
		t.Fatalf("AcquireDir after release: %v", err)
	}
	_ = l2.Release()
}

func TestRelease_NilSafe(t *testing.T) {
	t.Parallel()

	var l *Lock
	if err := l.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if l.Path() != "" {
		t.Fatalf("Path on nil lock should be empty")
	}
	if _, err := AcquireDir(" "); err == nil {
		t.Fatalf("expected error for empty dir")
	}
}
