// Package manifest keeps an append-only JSONL record of the artifacts written into an output
// directory. It lets a later stage tell which mode produced an existing file.
package manifest

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/floegence/tablesynth/internal/artifact"
	"github.com/floegence/tablesynth/internal/faults"
)

const (
	defaultMaxBytes = int64(4 << 20) // 4 MiB

	DirName = ".tablesynth"
)

const (
	ModeGenerated = "generated"
	ModeLabel     = "label"
	ModeRaw       = "raw"
	ModeAugmented = "augmented"
)

type Entry struct {
	CreatedAt string `json:"created_at"`

	// Path is relative to the output directory.
	Path         string        `json:"path"`
	Kind         artifact.Kind `json:"kind"`
	Mode         string        `json:"mode"`
	SourceID     string        `json:"source_id,omitempty"`
	VariantIndex int           `json:"variant_index"`
	Colored      bool          `json:"colored,omitempty"`
	Theme        string        `json:"theme,omitempty"`
	RunID        string        `json:"run_id,omitempty"`

	Detail map[string]any `json:"detail,omitempty"`
}

type Options struct {
	Logger *slog.Logger
	// OutputDir is the directory whose artifacts are recorded.
	OutputDir string

	// MaxBytes limits the size of a single manifest file (rotation threshold).
	// If <= 0, a default is used.
	MaxBytes int64
	// MaxBackups keeps the latest N rotated files. Zero keeps all of them; dropping
	// history weakens conflict detection.
	MaxBackups int
}

type Manifest struct {
	log *slog.Logger

	root       string
	given      string
	dir        string
	activePath string

	maxBytes   int64
	maxBackups int

	mu    sync.Mutex
	index map[string]Entry
}

// Open creates the manifest directory if needed and loads existing entries.
func Open(opts Options) (*Manifest, error) {
	root := strings.TrimSpace(opts.OutputDir)
	if root == "" {
		return nil, errors.New("missing OutputDir")
	}
	given := filepath.Clean(root)
	if abs, err := filepath.Abs(root); err == nil {
		root = abs
	}
	dir := filepath.Join(root, DirName, "manifest")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	maxBytes := opts.MaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}

	m := &Manifest{
		log:        logger,
		root:       root,
		given:      given,
		dir:        dir,
		activePath: filepath.Join(dir, "manifest.jsonl"),
		maxBytes:   maxBytes,
		maxBackups: max(opts.MaxBackups, 0),
		index:      map[string]Entry{},
	}
	if f, err := os.OpenFile(m.activePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644); err == nil {
		_ = f.Close()
	} else {
		return nil, err
	}
	if err := m.load(); err != nil {
		return nil, err
	}
	if err := terminateLastLine(m.activePath); err != nil {
		return nil, err
	}
	return m, nil
}

// terminateLastLine appends a newline when a crash left the file without one.
func terminateLastLine(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil || st.Size() == 0 {
		return err
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, st.Size()-1); err != nil {
		return err
	}
	if last[0] == '\n' {
		return nil
	}
	_, err = f.WriteAt([]byte{'\n'}, st.Size())
	return err
}

// rel maps path to its key: absolute paths and paths under the configured output directory
// are made relative to it, anything else is taken as already relative.
func (m *Manifest) rel(path string) string {
	p := filepath.Clean(path)
	switch {
	case filepath.IsAbs(p):
		if r, err := filepath.Rel(m.root, p); err == nil {
			return filepath.ToSlash(r)
		}
	case m.given != "." && (p == m.given || strings.HasPrefix(p, m.given+string(filepath.Separator))):
		if r, err := filepath.Rel(m.given, p); err == nil {
			return filepath.ToSlash(r)
		}
	}
	return filepath.ToSlash(p)
}

// Lookup returns the latest entry for path.
func (m *Manifest) Lookup(path string) (Entry, bool) {
	if m == nil {
		return Entry{}, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.index[m.rel(path)]
	return e, ok
}

// Check returns faults.ErrArtifactConflict when path was recorded under a different mode.
func (m *Manifest) Check(path string, mode string) error {
	e, ok := m.Lookup(path)
	if !ok || e.Mode == mode {
		return nil
	}
	return fmt.Errorf("%w: %s was produced in %s mode, now requested in %s mode", faults.ErrArtifactConflict, m.rel(path), e.Mode, mode)
}

// Append records e and rotates the active file when it grows past MaxBytes.
func (m *Manifest) Append(e Entry) error {
	if m == nil {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if strings.TrimSpace(e.CreatedAt) == "" {
		e.CreatedAt = time.Now().UTC().Format(time.RFC3339Nano)
	}
	e.Path = m.rel(e.Path)

	f, err := os.OpenFile(m.activePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("manifest append: %w", err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(&e); err != nil {
		return fmt.Errorf("manifest encode: %w", err)
	}
	m.index[e.Path] = e

	m.maybeRotateLocked()
	return nil
}

// Len returns the number of distinct recorded paths.
func (m *Manifest) Len() int {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.index)
}

func (m *Manifest) load() error {
	m.mu.Lock()
	files := m.listFilesLocked()
	m.mu.Unlock()

	// Oldest first so later entries win.
	for i := len(files) - 1; i >= 0; i-- {
		entries, err := readFile(files[i])
		if err != nil {
			return fmt.Errorf("manifest read %s: %w", files[i], err)
		}
		for _, e := range entries {
			m.index[e.Path] = e
		}
	}
	return nil
}

func (m *Manifest) listFilesLocked() []string {
	// Newest first: active file, then rotated files.
	paths := []string{m.activePath}

	ents, err := os.ReadDir(m.dir)
	if err != nil {
		return paths
	}
	rotated := rotatedNames(ents)
	sort.Sort(sort.Reverse(sort.StringSlice(rotated)))
	for _, name := range rotated {
		paths = append(paths, filepath.Join(m.dir, name))
	}
	return paths
}

// manifest-<unix_ms>.jsonl
func rotatedNames(ents []os.DirEntry) []string {
	var out []string
	for _, ent := range ents {
		if ent == nil || ent.IsDir() {
			continue
		}
		name := ent.Name()
		if !strings.HasPrefix(name, "manifest-") || !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		out = append(out, name)
	}
	return out
}

func (m *Manifest) maybeRotateLocked() {
	if m.maxBytes <= 0 {
		return
	}
	st, err := os.Stat(m.activePath)
	if err != nil || st.Size() <= m.maxBytes {
		return
	}

	ts := time.Now().UnixMilli()
	dst := filepath.Join(m.dir, fmt.Sprintf("manifest-%d.jsonl", ts))
	for artifact.Exists(dst) {
		ts++
		dst = filepath.Join(m.dir, fmt.Sprintf("manifest-%d.jsonl", ts))
	}
	if err := os.Rename(m.activePath, dst); err != nil {
		m.log.Warn("manifest rotate failed", "error", err)
		return
	}
	if f, err := os.OpenFile(m.activePath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644); err == nil {
		_ = f.Close()
	}
	if m.maxBackups == 0 {
		return
	}

	ents, err := os.ReadDir(m.dir)
	if err != nil {
		return
	}
	rotated := rotatedNames(ents)
	sort.Strings(rotated) // oldest -> newest
	if len(rotated) <= m.maxBackups {
		return
	}
	for _, name := range rotated[:len(rotated)-m.maxBackups] {
		_ = os.Remove(filepath.Join(m.dir, name))
	}
}

func readFile(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var entries []Entry
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			// A torn final line from a crash is ignored.
			continue
		}
		entries = append(entries, e)
	}
	return entries, sc.Err()
}
