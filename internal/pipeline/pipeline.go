// Package pipeline wires configuration to the generate, label and render stages.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/floegence/tablesynth/internal/augment"
	"github.com/floegence/tablesynth/internal/batch"
	"github.com/floegence/tablesynth/internal/batch/store"
	"github.com/floegence/tablesynth/internal/config"
	"github.com/floegence/tablesynth/internal/faults"
	"github.com/floegence/tablesynth/internal/genjob"
	"github.com/floegence/tablesynth/internal/label"
	"github.com/floegence/tablesynth/internal/lockfile"
	"github.com/floegence/tablesynth/internal/manifest"
	"github.com/floegence/tablesynth/internal/prompt"
	"github.com/floegence/tablesynth/internal/render"
	"github.com/floegence/tablesynth/internal/sampler"
)

type Options struct {
	Logger *slog.Logger
	Config *config.Config

	// Client and Rasterizer replace the configured backends when set.
	Client     genjob.Client
	Rasterizer render.Rasterizer
	// Sleep replaces the poll wait in tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

type Pipeline struct {
	log    *slog.Logger
	cfg    *config.Config
	client genjob.Client
	raster render.Rasterizer
	sleep  func(ctx context.Context, d time.Duration) error
}

// Summary is the outcome of a full run.
type Summary struct {
	Generation batch.Report  `json:"generation"`
	Labels     label.Report  `json:"labels"`
	Images     render.Report `json:"images"`
}

func New(opts Options) (*Pipeline, error) {
	if opts.Config == nil {
		return nil, errors.New("missing Config")
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Pipeline{
		log:    logger,
		cfg:    opts.Config,
		client: opts.Client,
		raster: opts.Rasterizer,
		sleep:  opts.Sleep,
	}, nil
}

// Generate runs or resumes the generation stage for generation.output_dir.
func (p *Pipeline) Generate(ctx context.Context) (batch.Report, error) {
	g := p.cfg.Generation
	lock, err := lockfile.AcquireDir(g.OutputDir)
	if err != nil {
		return batch.Report{}, fmt.Errorf("lock %s: %w", g.OutputDir, err)
	}
	defer func() { _ = lock.Release() }()

	client, err := p.generationClient()
	if err != nil {
		return batch.Report{}, err
	}
	if c, ok := client.(io.Closer); ok && p.client == nil {
		defer func() { _ = c.Close() }()
	}

	composer, err := p.composer()
	if err != nil {
		return batch.Report{}, err
	}
	st, err := store.Open(p.cfg.StateDB)
	if err != nil {
		return batch.Report{}, fmt.Errorf("open state db: %w", err)
	}
	defer func() { _ = st.Close() }()
	m, err := manifest.Open(manifest.Options{Logger: p.log, OutputDir: g.OutputDir})
	if err != nil {
		return batch.Report{}, fmt.Errorf("open manifest: %w", err)
	}

	orch, err := batch.New(batch.Options{
		Logger:   p.log,
		Store:    st,
		Client:   client,
		Prompts:  composer,
		Manifest: m,
		Model: genjob.ModelConfig{
			Model:           g.Model,
			Temperature:     g.Temperature,
			TopP:            g.TopP,
			TopK:            g.TopK,
			MaxOutputTokens: g.MaxOutputTokens,
		},
		RunKey:           RunKey(p.cfg),
		OutputDir:        g.OutputDir,
		NumPrompts:       g.NumPrompts,
		MaxAttempts:      g.MaxAttemptsCount,
		MaxItemsPerBatch: g.MaxItemsPerBatch,
		Backoff:          g.PollBackoff,
		Sleep:            p.sleep,
	})
	if err != nil {
		return batch.Report{}, err
	}
	return orch.Run(ctx)
}

func (p *Pipeline) generationClient() (genjob.Client, error) {
	if p.client != nil {
		return p.client, nil
	}
	key, err := p.cfg.APIKey()
	if err != nil {
		return nil, err
	}
	g := p.cfg.Generation
	return genjob.New(genjob.Options{
		Provider:          g.Provider,
		BaseURL:           g.BaseURL,
		APIKey:            key,
		RequestsPerMinute: g.RequestsPerMinute,
		SyncWorkers:       g.SyncWorkers,
		Logger:            p.log,
	})
}

func (p *Pipeline) composer() (*prompt.Composer, error) {
	cat, err := prompt.LoadCatalog(p.cfg.Prompt.CatalogPath)
	if err != nil {
		return nil, err
	}
	if dp := p.cfg.Prompt.DomainProbability; dp != nil {
		cat.DomainProbability = *dp
	}
	return prompt.NewComposer(cat, sampler.New(seedOrClock(p.cfg.Generation.Seed)))
}

// Label strips every generated file into label.output_dir.
func (p *Pipeline) Label(ctx context.Context) (label.Report, error) {
	lc := p.cfg.Label
	lock, err := lockfile.AcquireDir(lc.OutputDir)
	if err != nil {
		return label.Report{}, fmt.Errorf("lock %s: %w", lc.OutputDir, err)
	}
	defer func() { _ = lock.Release() }()

	m, err := manifest.Open(manifest.Options{Logger: p.log, OutputDir: lc.OutputDir})
	if err != nil {
		return label.Report{}, fmt.Errorf("open manifest: %w", err)
	}
	return label.Run(ctx, label.Options{
		Logger:    p.log,
		Manifest:  m,
		InputDir:  lc.InputDir,
		OutputDir: lc.OutputDir,
	})
}

// Render rasterizes every generated file into render.output_dir.
func (p *Pipeline) Render(ctx context.Context) (render.Report, error) {
	rc := p.cfg.Render
	lock, err := lockfile.AcquireDir(rc.OutputDir)
	if err != nil {
		return render.Report{}, fmt.Errorf("lock %s: %w", rc.OutputDir, err)
	}
	defer func() { _ = lock.Release() }()

	colorP := 0.0
	if rc.ColorProbability != nil {
		colorP = *rc.ColorProbability
	}
	planner, err := augment.NewPlanner(augment.Config{
		ThemeWeights:     rc.ThemeWeights,
		ColorProbability: colorP,
		Scale:            rc.Scale,
		Raw:              rc.Raw,
	}, sampler.New(seedOrClock(rc.Seed)))
	if err != nil {
		return render.Report{}, err
	}

	raster := p.raster
	if raster == nil {
		chrome, err := render.NewChrome(ctx, render.ChromeOptions{
			Logger:    p.log,
			ExecPath:  rc.ChromePath,
			NoSandbox: rc.NoSandbox,
		})
		if err != nil {
			return render.Report{}, err
		}
		defer chrome.Close()
		raster = chrome
	}

	m, err := manifest.Open(manifest.Options{Logger: p.log, OutputDir: rc.OutputDir})
	if err != nil {
		return render.Report{}, fmt.Errorf("open manifest: %w", err)
	}
	r, err := render.NewRunner(render.Options{
		Logger:        p.log,
		Rasterizer:    raster,
		Planner:       planner,
		Manifest:      m,
		InputDir:      rc.InputDir,
		OutputDir:     rc.OutputDir,
		ImagesPerFile: rc.ImagesPerFile,
		Workers:       rc.Workers,
		Timeout:       rc.Timeout,
		FontPath:      rc.FontPath,
		MaxHeight:     rc.MaxHeight,
	})
	if err != nil {
		return render.Report{}, err
	}
	return r.Run(ctx)
}

// Run executes generate, label and render in order. A job-level generation failure is
// logged and the later stages still run over whatever was produced; the failure is
// returned at the end so the run can be resumed. Any other generation error stops the run.
func (p *Pipeline) Run(ctx context.Context) (Summary, error) {
	var (
		sum    Summary
		err    error
		genErr error
	)
	if sum.Generation, err = p.Generate(ctx); err != nil {
		var jf *faults.ExternalJobFailure
		if !errors.As(err, &jf) {
			return sum, fmt.Errorf("generate: %w", err)
		}
		p.log.Warn("generation job failed; continuing with existing outputs", "batch_id", jf.BatchID, "status", jf.Status, "error", err)
		genErr = fmt.Errorf("generate: %w", err)
	}
	if sum.Labels, err = p.Label(ctx); err != nil {
		return sum, fmt.Errorf("label: %w", err)
	}
	if sum.Images, err = p.Render(ctx); err != nil {
		return sum, fmt.Errorf("render: %w", err)
	}
	p.log.Info("pipeline finished",
		"html_written", sum.Generation.Written,
		"permanent_failures", sum.Generation.PermanentFailures,
		"labels_written", sum.Labels.Written,
		"images_written", sum.Images.Written,
		"failures", failureSummary(sum),
	)
	return sum, genErr
}

func failureSummary(sum Summary) string {
	parts := make([]string, 0, 3)
	if sum.Generation.PermanentFailures > 0 {
		parts = append(parts, fmt.Sprintf("item_generation=%d", sum.Generation.PermanentFailures))
	}
	for _, t := range []*faults.Tally{sum.Labels.Failures, sum.Images.Failures} {
		if s := t.String(); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " ")
}

// Status lists recent runs and batches from the state database.
func (p *Pipeline) Status(ctx context.Context, limit int) ([]store.Run, []store.Batch, error) {
	if _, err := os.Stat(p.cfg.StateDB); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, nil
		}
		return nil, nil, err
	}
	st, err := store.Open(p.cfg.StateDB)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = st.Close() }()
	runs, err := st.ListRuns(ctx, limit)
	if err != nil {
		return nil, nil, err
	}
	batches, err := st.ListBatches(ctx, "", limit)
	if err != nil {
		return nil, nil, err
	}
	return runs, batches, nil
}

// RunKey fingerprints the settings that determine generated content. The output directory
// is matched separately by the store.
func RunKey(cfg *config.Config) string {
	g := cfg.Generation
	key := struct {
		Provider          string   `json:"provider"`
		Model             string   `json:"model"`
		Temperature       *float64 `json:"temperature"`
		TopP              *float64 `json:"top_p"`
		TopK              int      `json:"top_k"`
		MaxOutputTokens   int      `json:"max_output_tokens"`
		NumPrompts        int      `json:"num_prompts"`
		MaxAttempts       int      `json:"max_attempts"`
		Seed              *uint64  `json:"seed"`
		CatalogPath       string   `json:"catalog_path"`
		DomainProbability *float64 `json:"domain_probability"`
	}{
		Provider:          g.Provider,
		Model:             g.Model,
		Temperature:       g.Temperature,
		TopP:              g.TopP,
		TopK:              g.TopK,
		MaxOutputTokens:   g.MaxOutputTokens,
		NumPrompts:        g.NumPrompts,
		MaxAttempts:       g.MaxAttemptsCount,
		Seed:              g.Seed,
		CatalogPath:       cfg.Prompt.CatalogPath,
		DomainProbability: cfg.Prompt.DomainProbability,
	}
	b, _ := json.Marshal(key)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:16])
}

func seedOrClock(seed *uint64) uint64 {
	if seed != nil {
		return *seed
	}
	return uint64(time.Now().UnixNano())
}
