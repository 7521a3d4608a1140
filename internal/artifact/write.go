package artifact

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Exists reports whether path is present.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// WriteExclusive writes data to path unless it already exists. The content is staged in a
// temporary file next to the target and linked into place, so a reader never sees a partial
// file and an existing file is never replaced. It reports whether it wrote.
func WriteExclusive(path string, data []byte) (bool, error) {
	if strings.TrimSpace(path) == "" {
		return false, errors.New("empty path")
	}
	if Exists(path) {
		return false, nil
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return false, err
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return false, err
	}
	if err := tmp.Close(); err != nil {
		return false, err
	}
	if err := os.Link(tmpPath, path); err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		// Filesystems without hard links: fall back to an exclusive create.
		return writeExclusiveDirect(path, data)
	}
	return true, nil
}

func writeExclusiveDirect(path string, data []byte) (bool, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, f.Close()
}

// Within reports whether path stays inside root after cleaning.
func Within(path string, root string) bool {
	rel, err := filepath.Rel(filepath.Clean(root), filepath.Clean(path))
	if err != nil {
		return false
	}
	rel = filepath.Clean(rel)
	if rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return false
	}
	return true
}
