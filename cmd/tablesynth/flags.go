package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"golang.org/x/term"

	"github.com/floegence/tablesynth/internal/config"
)

type commonFlags struct {
	configPath *string
	logFormat  *string
	logLevel   *string
}

func registerCommonFlags(fs *flag.FlagSet) *commonFlags {
	return &commonFlags{
		configPath: fs.String("config", config.DefaultConfigPath(), "Config file (YAML)"),
		logFormat:  fs.String("log-format", "", "Log format: json|text (empty: text on a terminal, json otherwise)"),
		logLevel:   fs.String("log-level", "", "Log level: debug|info|warn|error (empty: default info)"),
	}
}

// overrides holds the command-line knobs that replace file values when given.
type overrides struct {
	provider    string
	model       string
	numPrompts  int
	maxAttempts int
	seed        string
	genOutput   string

	renderInput  string
	renderOutput string
	count        int
	colorProb    float64
	noColored    bool
	raw          bool
	fontPath     string
	scale        float64
	maxHeight    int
	workers      int
	renderSeed   string

	labelInput  string
	labelOutput string
}

func (o *overrides) registerGenerate(fs *flag.FlagSet) {
	fs.StringVar(&o.provider, "provider", "", "Generation provider: openai|anthropic|openai_sync|fake")
	fs.StringVar(&o.model, "model", "", "Model name")
	fs.IntVar(&o.numPrompts, "num-prompts", 0, "Number of prompts to generate")
	fs.IntVar(&o.maxAttempts, "max-attempts-count", 0, "Attempts per prompt slot")
	fs.StringVar(&o.seed, "seed", "", "Prompt sampling seed (empty: random)")
	fs.StringVar(&o.genOutput, "output-folder", "", "Directory for generated HTML and prompts")
}

func (o *overrides) registerRender(fs *flag.FlagSet) {
	fs.StringVar(&o.renderInput, "render-input-dir", "", "Directory of HTML files to render")
	fs.StringVar(&o.renderOutput, "images-dir", "", "Directory for rendered images")
	fs.IntVar(&o.count, "count", 0, "Images per HTML file")
	fs.Float64Var(&o.colorProb, "color-probability", 0, "Probability of an extra coloured image per variant (0.0-1.0)")
	fs.BoolVar(&o.noColored, "no-colored", false, "Never render coloured images")
	fs.BoolVar(&o.raw, "raw", false, "Capture the source table as is (no theme, margin or background)")
	fs.StringVar(&o.fontPath, "font-path", "", "Font file to embed (TTF, OTF, WOFF, WOFF2)")
	fs.Float64Var(&o.scale, "scale", 0, "Device scale factor")
	fs.IntVar(&o.maxHeight, "max-height", 0, "Split tables taller than this many pixels into row-aligned parts (0: never)")
	fs.IntVar(&o.workers, "workers", 0, "Concurrent renders (0: sized from the host)")
	fs.StringVar(&o.renderSeed, "render-seed", "", "Augmentation seed (empty: random)")
}

func (o *overrides) registerLabel(fs *flag.FlagSet) {
	fs.StringVar(&o.labelInput, "input-dir", "", "Directory of HTML files to strip")
	o.registerLabelOutput(fs)
}

func (o *overrides) registerLabelOutput(fs *flag.FlagSet) {
	fs.StringVar(&o.labelOutput, "labels-dir", "", "Directory for label files")
}

// load reads the config file and applies the flags that were set explicitly.
func (c *commonFlags) load(fs *flag.FlagSet, o *overrides) (*config.Config, error) {
	cfg, err := config.Load(*c.configPath)
	if err != nil {
		return nil, err
	}
	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	if set["log-format"] {
		cfg.LogFormat = *c.logFormat
	}
	if set["log-level"] {
		cfg.LogLevel = *c.logLevel
	}

	g := &cfg.Generation
	if set["provider"] {
		g.Provider = o.provider
		g.APIKeyEnv = ""
	}
	if set["model"] {
		g.Model = o.model
	}
	if set["num-prompts"] {
		g.NumPrompts = o.numPrompts
	}
	if set["max-attempts-count"] {
		g.MaxAttemptsCount = o.maxAttempts
	}
	if set["seed"] {
		v, err := parseSeed(o.seed)
		if err != nil {
			return nil, fmt.Errorf("--seed: %w", err)
		}
		g.Seed = v
	}
	if set["output-folder"] {
		g.OutputDir = o.genOutput
		// Paths derived from the output folder follow it.
		cfg.StateDB = ""
		if !set["render-input-dir"] {
			cfg.Render.InputDir = ""
		}
		cfg.Label.InputDir = ""
	}

	r := &cfg.Render
	if set["render-input-dir"] {
		r.InputDir = o.renderInput
	}
	if set["images-dir"] {
		r.OutputDir = o.renderOutput
	}
	if set["count"] {
		r.ImagesPerFile = o.count
	}
	if set["color-probability"] {
		p := o.colorProb
		r.ColorProbability = &p
	}
	if o.noColored {
		zero := 0.0
		r.ColorProbability = &zero
	}
	if set["raw"] {
		r.Raw = o.raw
	}
	if set["font-path"] {
		r.FontPath = o.fontPath
	}
	if set["scale"] {
		r.Scale = o.scale
	}
	if set["max-height"] {
		r.MaxHeight = o.maxHeight
	}
	if set["workers"] {
		r.Workers = o.workers
	}
	if set["render-seed"] {
		v, err := parseSeed(o.renderSeed)
		if err != nil {
			return nil, fmt.Errorf("--render-seed: %w", err)
		}
		r.Seed = v
	}

	if set["input-dir"] {
		cfg.Label.InputDir = o.labelInput
	}
	if set["labels-dir"] {
		cfg.Label.OutputDir = o.labelOutput
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parseSeed(raw string) (*uint64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func newLogger(format string, level string, w io.Writer) (*slog.Logger, error) {
	var h slog.Handler

	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		lvl = slog.LevelInfo
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level: %s", level)
	}

	opts := &slog.HandlerOptions{Level: lvl}

	format = strings.ToLower(strings.TrimSpace(format))
	if format == "" {
		format = "json"
		if isTerminalWriter(w) {
			format = "text"
		}
	}
	switch format {
	case "json":
		h = slog.NewJSONHandler(w, opts)
	case "text":
		h = slog.NewTextHandler(w, opts)
	default:
		return nil, fmt.Errorf("unknown log format: %s", format)
	}

	return slog.New(h), nil
}

func isTerminalWriter(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}
