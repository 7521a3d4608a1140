package render

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/floegence/tablesynth/internal/artifact"
	"github.com/floegence/tablesynth/internal/augment"
	"github.com/floegence/tablesynth/internal/faults"
	"github.com/floegence/tablesynth/internal/manifest"
)

const defaultJobTimeout = 60 * time.Second

type Options struct {
	Logger     *slog.Logger
	Rasterizer Rasterizer
	Planner    *augment.Planner
	Manifest   *manifest.Manifest

	InputDir      string
	OutputDir     string
	ImagesPerFile int
	// Workers <= 0 sizes the pool from the host.
	Workers int
	// Timeout bounds one rasterization.
	Timeout  time.Duration
	FontPath string
	// MaxHeight > 0 splits taller tables into row-aligned parts.
	MaxHeight int
}

type Runner struct {
	log      *slog.Logger
	raster   Rasterizer
	planner  *augment.Planner
	manifest *manifest.Manifest

	inputDir  string
	outputDir string
	variants  int
	workers   int
	timeout   time.Duration
	fontPath  string
	maxHeight int
}

type Report struct {
	Sources  int           `json:"sources"`
	Planned  int           `json:"planned"`
	Written  int           `json:"written"`
	Skipped  int           `json:"skipped"`
	Failed   int           `json:"failed"`
	Workers  int           `json:"workers"`
	Failures *faults.Tally `json:"-"`
}

type job struct {
	source string
	plan   augment.Plan
	path   string
	mode   string
}

func NewRunner(opts Options) (*Runner, error) {
	if opts.Rasterizer == nil {
		return nil, errors.New("missing Rasterizer")
	}
	if opts.Planner == nil {
		return nil, errors.New("missing Planner")
	}
	in := strings.TrimSpace(opts.InputDir)
	if in == "" {
		return nil, faults.Configf("render.input_dir", "must not be empty")
	}
	out := strings.TrimSpace(opts.OutputDir)
	if out == "" {
		return nil, faults.Configf("render.output_dir", "must not be empty")
	}
	if opts.ImagesPerFile < 1 {
		return nil, faults.Configf("render.images_per_file", "must be >= 1")
	}
	if opts.MaxHeight < 0 {
		return nil, faults.Configf("render.max_height", "must be >= 0")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultJobTimeout
	}
	return &Runner{
		log:       logger,
		raster:    opts.Rasterizer,
		planner:   opts.Planner,
		manifest:  opts.Manifest,
		inputDir:  in,
		outputDir: out,
		variants:  opts.ImagesPerFile,
		workers:   opts.Workers,
		timeout:   timeout,
		fontPath:  strings.TrimSpace(opts.FontPath),
		maxHeight: opts.MaxHeight,
	}, nil
}

// Run renders every .html file of the input directory. Plans are drawn sequentially in source
// order before any rendering starts, so the output does not depend on worker scheduling.
// A path already recorded under the other render mode aborts the run with
// faults.ErrArtifactConflict before anything is written.
func (r *Runner) Run(ctx context.Context) (Report, error) {
	rep := Report{Failures: &faults.Tally{}}
	sources, err := artifact.ListSources(r.inputDir, ".html")
	if err != nil {
		return rep, fmt.Errorf("list sources: %w", err)
	}
	rep.Sources = len(sources)
	if err := os.MkdirAll(r.outputDir, 0o755); err != nil {
		return rep, err
	}

	docOpts := DocOptions{}
	if r.fontPath != "" {
		css, err := FontFaceCSS(r.fontPath, InjectedFontFamily)
		if err != nil {
			return rep, faults.Configf("render.font_path", "%v", err)
		}
		docOpts.FontFaceCSS = css
	}

	jobs, err := r.planJobs(sources, &rep)
	if err != nil {
		return rep, err
	}

	workers := r.workers
	if workers <= 0 {
		workers = DefaultWorkers(ctx)
	}
	workers = clampWorkers(workers)
	rep.Workers = workers
	r.log.Info("render started", "sources", rep.Sources, "planned", rep.Planned, "pending", len(jobs), "workers", workers)

	results := make([]error, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, j := range jobs {
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			results[i] = r.renderOne(gctx, j, docOpts)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return rep, err
	}
	if err := ctx.Err(); err != nil {
		return rep, err
	}

	for i, err := range results {
		switch {
		case err == nil:
			rep.Written++
		case errors.Is(err, errAlreadyExists):
			rep.Skipped++
		default:
			rep.Failed++
			rep.Failures.Add(err)
			r.log.Warn("render failed", "source", jobs[i].source, "image", filepath.Base(jobs[i].path), "error", err)
		}
	}
	r.log.Info("render finished", "written", rep.Written, "skipped", rep.Skipped, "failed", rep.Failed, "failures", rep.Failures.String())
	return rep, nil
}

var errAlreadyExists = errors.New("already exists")

// planJobs draws plans for all sources and drops images that already exist.
func (r *Runner) planJobs(sources []string, rep *Report) ([]job, error) {
	single := r.variants == 1
	var jobs []job
	for _, src := range sources {
		stem := artifact.Stem(src)
		plans, err := r.planner.Plan(stem, r.variants)
		if err != nil {
			return nil, err
		}
		rep.Planned += len(plans)
		for _, p := range plans {
			mode := manifest.ModeAugmented
			if p.Raw {
				mode = manifest.ModeRaw
			}
			path := filepath.Join(r.outputDir, artifact.ImageName(stem, p.VariantIndex, p.Colored, single || p.Raw))
			first := artifact.PartName(path, 1)
			for _, pth := range []string{path, first} {
				if err := r.manifest.Check(pth, mode); err != nil {
					return nil, err
				}
			}
			if artifact.Exists(path) || artifact.Exists(first) {
				rep.Skipped++
				continue
			}
			jobs = append(jobs, job{source: src, plan: p, path: path, mode: mode})
		}
	}
	return jobs, nil
}

func (r *Runner) renderOne(ctx context.Context, j job, docOpts DocOptions) error {
	src, err := os.ReadFile(j.source)
	if err != nil {
		return &faults.RenderFailure{Source: j.source, Err: err}
	}
	doc, err := BuildDocument(string(src), j.plan, docOpts)
	if err != nil {
		return &faults.RenderFailure{Source: j.source, Err: err}
	}

	jctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	images, err := r.raster.Rasterize(jctx, doc, j.plan, r.maxHeight)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &faults.RenderFailure{Source: j.source, Err: err}
	}
	if len(images) == 0 {
		return &faults.RenderFailure{Source: j.source, Err: errors.New("no image produced")}
	}

	for i, png := range images {
		path := j.path
		if len(images) > 1 {
			path = artifact.PartName(j.path, i+1)
		}
		wrote, err := artifact.WriteExclusive(path, png)
		if err != nil {
			return &faults.RenderFailure{Source: j.source, Err: err}
		}
		if !wrote {
			if i == 0 {
				return errAlreadyExists
			}
			continue
		}
		e := manifest.Entry{
			Path:         path,
			Kind:         artifact.KindImage,
			Mode:         j.mode,
			SourceID:     j.plan.SourceID,
			VariantIndex: j.plan.VariantIndex,
			Colored:      j.plan.Colored,
			Theme:        j.plan.Theme,
			Detail: map[string]any{
				"margin_px": j.plan.MarginPx,
				"scale":     j.plan.Scale,
			},
		}
		if len(images) > 1 {
			e.Detail["part"] = i + 1
			e.Detail["parts"] = len(images)
		}
		if j.plan.Background != nil {
			e.Detail["background"] = j.plan.Background.Hex()
		}
		if err := r.manifest.Append(e); err != nil {
			r.log.Warn("manifest append failed", "path", path, "error", err)
		}
	}
	r.log.Debug("image written", "source", j.plan.SourceID, "image", filepath.Base(j.path), "parts", len(images), "theme", j.plan.Theme, "colored", j.plan.Colored)
	return nil
}
