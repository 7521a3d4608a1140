package label

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/floegence/tablesynth/internal/artifact"
	"github.com/floegence/tablesynth/internal/faults"
	"github.com/floegence/tablesynth/internal/manifest"
)

type Options struct {
	Logger   *slog.Logger
	Manifest *manifest.Manifest

	InputDir  string
	OutputDir string
}

type Report struct {
	Sources  int           `json:"sources"`
	Written  int           `json:"written"`
	Skipped  int           `json:"skipped"`
	Failed   int           `json:"failed"`
	Failures *faults.Tally `json:"-"`
}

// Run writes <output_dir>/<stem>.html for every .html source. Existing labels are kept.
// Sources without a table are counted as StripFailure and skipped.
func Run(ctx context.Context, opts Options) (Report, error) {
	rep := Report{Failures: &faults.Tally{}}
	in := strings.TrimSpace(opts.InputDir)
	if in == "" {
		return rep, faults.Configf("label.input_dir", "must not be empty")
	}
	out := strings.TrimSpace(opts.OutputDir)
	if out == "" {
		return rep, faults.Configf("label.output_dir", "must not be empty")
	}
	if filepath.Clean(in) == filepath.Clean(out) {
		return rep, faults.Configf("label.output_dir", "must differ from input_dir")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	sources, err := artifact.ListSources(in, ".html")
	if err != nil {
		return rep, fmt.Errorf("list sources: %w", err)
	}
	rep.Sources = len(sources)
	if err := os.MkdirAll(out, 0o755); err != nil {
		return rep, err
	}

	for _, src := range sources {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		stem := artifact.Stem(src)
		path := filepath.Join(out, artifact.LabelName(stem))
		if err := opts.Manifest.Check(path, manifest.ModeLabel); err != nil {
			return rep, err
		}
		if artifact.Exists(path) {
			rep.Skipped++
			continue
		}
		wrote, err := labelOne(src, path)
		if err != nil {
			rep.Failed++
			rep.Failures.Add(err)
			logger.Warn("label failed", "source", filepath.Base(src), "error", err)
			continue
		}
		if !wrote {
			rep.Skipped++
			continue
		}
		rep.Written++
		if err := opts.Manifest.Append(manifest.Entry{
			Path:     path,
			Kind:     artifact.KindLabel,
			Mode:     manifest.ModeLabel,
			SourceID: stem,
		}); err != nil {
			logger.Warn("manifest append failed", "path", path, "error", err)
		}
	}
	logger.Info("labels finished", "sources", rep.Sources, "written", rep.Written, "skipped", rep.Skipped, "failed", rep.Failed)
	return rep, nil
}

func labelOne(src, dst string) (bool, error) {
	b, err := os.ReadFile(src)
	if err != nil {
		return false, &faults.StripFailure{Source: src, Err: err}
	}
	table, err := Strip(string(b))
	if err != nil {
		return false, &faults.StripFailure{Source: src, Err: err}
	}
	if table == "" {
		return false, &faults.StripFailure{Source: src, Err: errors.New("empty table")}
	}
	wrote, err := artifact.WriteExclusive(dst, []byte(table))
	if err != nil {
		return false, &faults.StripFailure{Source: src, Err: err}
	}
	return wrote, nil
}
