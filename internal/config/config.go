// Package config loads the YAML configuration shared by all tablesynth commands.
//
// Secrets never live in the file: the generation API key is read from the environment
// variable named by generation.api_key_env.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/floegence/tablesynth/internal/augment"
	"github.com/floegence/tablesynth/internal/batch"
	"github.com/floegence/tablesynth/internal/faults"
	"github.com/floegence/tablesynth/internal/genjob"
	"github.com/floegence/tablesynth/internal/manifest"
)

type Config struct {
	// LogFormat is "json" or "text". Empty picks text on a terminal, json otherwise.
	LogFormat string `yaml:"log_format,omitempty"`
	// LogLevel is "debug|info|warn|error".
	LogLevel string `yaml:"log_level,omitempty"`
	// StateDB is the SQLite file holding batch state. Defaults to
	// <generation.output_dir>/.tablesynth/state.db.
	StateDB string `yaml:"state_db,omitempty"`

	Generation GenerationConfig `yaml:"generation"`
	Prompt     PromptConfig     `yaml:"prompt"`
	Render     RenderConfig     `yaml:"render"`
	Label      LabelConfig      `yaml:"label"`
}

type GenerationConfig struct {
	// Provider is one of: "openai" | "anthropic" | "openai_sync" | "fake".
	Provider string `yaml:"provider"`
	BaseURL  string `yaml:"base_url,omitempty"`
	// APIKeyEnv names the environment variable holding the API key.
	APIKeyEnv string `yaml:"api_key_env,omitempty"`

	// Unset Temperature and TopP select the defaults (0.8 and 0.9); an explicit 0 is kept.
	Model           string   `yaml:"model"`
	Temperature     *float64 `yaml:"temperature,omitempty"`
	TopP            *float64 `yaml:"top_p,omitempty"`
	TopK            int      `yaml:"top_k,omitempty"`
	MaxOutputTokens int      `yaml:"max_output_tokens,omitempty"`

	NumPrompts       int     `yaml:"num_prompts"`
	MaxAttemptsCount int     `yaml:"max_attempts_count"`
	MaxItemsPerBatch int     `yaml:"max_items_per_batch"`
	Seed             *uint64 `yaml:"seed,omitempty"`
	OutputDir        string  `yaml:"output_dir"`

	// RequestsPerMinute throttles the openai_sync provider. Zero means unlimited.
	RequestsPerMinute int `yaml:"requests_per_minute,omitempty"`
	SyncWorkers       int `yaml:"sync_workers,omitempty"`

	PollBackoff batch.Backoff `yaml:"poll_backoff"`
}

type PromptConfig struct {
	// CatalogPath replaces the embedded prompt catalog.
	CatalogPath string `yaml:"catalog_path,omitempty"`
	// DomainProbability overrides the catalog value when set.
	DomainProbability *float64 `yaml:"domain_probability,omitempty"`
}

type RenderConfig struct {
	InputDir         string        `yaml:"input_dir"`
	OutputDir        string        `yaml:"output_dir"`
	ImagesPerFile    int           `yaml:"images_per_file"`
	ColorProbability *float64      `yaml:"color_probability,omitempty"`
	ThemeWeights     []float64     `yaml:"theme_weights,omitempty"`
	Scale            float64       `yaml:"scale"`
	Raw              bool          `yaml:"raw,omitempty"`
	FontPath         string        `yaml:"font_path,omitempty"`
	Workers          int           `yaml:"workers,omitempty"`
	Seed             *uint64       `yaml:"seed,omitempty"`
	Timeout          time.Duration `yaml:"timeout,omitempty"`
	// MaxHeight > 0 splits tables taller than this many CSS pixels into row-aligned parts.
	MaxHeight int `yaml:"max_height,omitempty"`

	// ChromePath overrides browser discovery.
	ChromePath string `yaml:"chrome_path,omitempty"`
	NoSandbox  bool   `yaml:"no_sandbox,omitempty"`
}

type LabelConfig struct {
	InputDir  string `yaml:"input_dir"`
	OutputDir string `yaml:"output_dir"`
}

const (
	defaultProvider         = genjob.ProviderOpenAI
	defaultModel            = "gpt-4.1-mini"
	defaultTemperature      = 0.8
	defaultTopP             = 0.9
	defaultNumPrompts       = 100
	defaultMaxAttempts      = 1
	defaultMaxItemsPerBatch = 500

	defaultGeneratedDir = "GeneratedHTMLs"
	defaultImagesDir    = "Output_Images"
	defaultLabelsDir    = "Output_Labels"

	defaultColorProbability = 0.7
	defaultScale            = 2.0
	defaultRenderTimeout    = 60 * time.Second
)

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills unset fields. Explicit values are kept.
func (c *Config) ApplyDefaults() {
	if c == nil {
		return
	}
	g := &c.Generation
	g.Provider = strings.ToLower(strings.TrimSpace(g.Provider))
	if g.Provider == "" {
		g.Provider = defaultProvider
	}
	if strings.TrimSpace(g.APIKeyEnv) == "" {
		g.APIKeyEnv = defaultAPIKeyEnv(g.Provider)
	}
	if strings.TrimSpace(g.Model) == "" {
		g.Model = defaultModel
	}
	if g.Temperature == nil {
		t := defaultTemperature
		g.Temperature = &t
	}
	if g.TopP == nil {
		p := defaultTopP
		g.TopP = &p
	}
	if g.NumPrompts == 0 {
		g.NumPrompts = defaultNumPrompts
	}
	if g.MaxAttemptsCount == 0 {
		g.MaxAttemptsCount = defaultMaxAttempts
	}
	if g.MaxItemsPerBatch == 0 {
		g.MaxItemsPerBatch = defaultMaxItemsPerBatch
	}
	if strings.TrimSpace(g.OutputDir) == "" {
		g.OutputDir = defaultGeneratedDir
	}
	def := batch.DefaultBackoff()
	if g.PollBackoff.Initial == 0 {
		g.PollBackoff.Initial = def.Initial
	}
	if g.PollBackoff.Cap == 0 {
		g.PollBackoff.Cap = def.Cap
	}
	if g.PollBackoff.Factor == 0 {
		g.PollBackoff.Factor = def.Factor
	}
	if g.PollBackoff.MaxTotalWait == 0 {
		g.PollBackoff.MaxTotalWait = def.MaxTotalWait
	}

	if strings.TrimSpace(c.StateDB) == "" {
		c.StateDB = filepath.Join(g.OutputDir, manifest.DirName, "state.db")
	}

	r := &c.Render
	if strings.TrimSpace(r.InputDir) == "" {
		r.InputDir = g.OutputDir
	}
	if strings.TrimSpace(r.OutputDir) == "" {
		r.OutputDir = defaultImagesDir
	}
	if r.ImagesPerFile == 0 {
		r.ImagesPerFile = 1
	}
	if r.ColorProbability == nil {
		p := defaultColorProbability
		r.ColorProbability = &p
	}
	if len(r.ThemeWeights) == 0 {
		r.ThemeWeights = append([]float64(nil), augment.DefaultThemeWeights...)
	}
	if r.Scale == 0 {
		r.Scale = defaultScale
	}
	if r.Timeout == 0 {
		r.Timeout = defaultRenderTimeout
	}

	if strings.TrimSpace(c.Label.InputDir) == "" {
		c.Label.InputDir = g.OutputDir
	}
	if strings.TrimSpace(c.Label.OutputDir) == "" {
		c.Label.OutputDir = defaultLabelsDir
	}
}

func defaultAPIKeyEnv(provider string) string {
	switch provider {
	case genjob.ProviderAnthropic:
		return "ANTHROPIC_API_KEY"
	case genjob.ProviderFake:
		return ""
	default:
		return "OPENAI_API_KEY"
	}
}

// Validate reports the first invalid setting as a *faults.ConfigurationError.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch strings.ToLower(strings.TrimSpace(c.LogFormat)) {
	case "", "json", "text":
	default:
		return faults.Configf("log_format", "invalid value %q", c.LogFormat)
	}
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return faults.Configf("log_level", "invalid value %q", c.LogLevel)
	}

	g := c.Generation
	switch g.Provider {
	case genjob.ProviderOpenAI, genjob.ProviderAnthropic, genjob.ProviderOpenAISync, genjob.ProviderFake:
	default:
		return faults.Configf("generation.provider", "invalid value %q", g.Provider)
	}
	if baseURL := strings.TrimSpace(g.BaseURL); baseURL != "" {
		u, err := url.Parse(baseURL)
		if err != nil || u == nil {
			return faults.Configf("generation.base_url", "invalid url: %v", err)
		}
		scheme := strings.ToLower(strings.TrimSpace(u.Scheme))
		if scheme != "http" && scheme != "https" {
			return faults.Configf("generation.base_url", "invalid scheme %q", u.Scheme)
		}
		if strings.TrimSpace(u.Host) == "" {
			return faults.Configf("generation.base_url", "missing host")
		}
	}
	if strings.TrimSpace(g.Model) == "" {
		return faults.Configf("generation.model", "must not be empty")
	}
	if g.Temperature != nil && (*g.Temperature < 0 || *g.Temperature > 2) {
		return faults.Configf("generation.temperature", "%v not in [0,2]", *g.Temperature)
	}
	if g.TopP != nil && (*g.TopP < 0 || *g.TopP > 1) {
		return faults.Configf("generation.top_p", "%v not in [0,1]", *g.TopP)
	}
	if g.TopK < 0 {
		return faults.Configf("generation.top_k", "must be >= 0")
	}
	if g.MaxOutputTokens < 0 {
		return faults.Configf("generation.max_output_tokens", "must be >= 0")
	}
	if g.NumPrompts <= 0 {
		return faults.Configf("generation.num_prompts", "must be > 0")
	}
	if g.MaxAttemptsCount < 1 {
		return faults.Configf("generation.max_attempts_count", "must be >= 1")
	}
	if g.MaxItemsPerBatch <= 0 {
		return faults.Configf("generation.max_items_per_batch", "must be > 0")
	}
	if strings.TrimSpace(g.OutputDir) == "" {
		return faults.Configf("generation.output_dir", "must not be empty")
	}
	if g.RequestsPerMinute < 0 {
		return faults.Configf("generation.requests_per_minute", "must be >= 0")
	}
	if g.SyncWorkers < 0 {
		return faults.Configf("generation.sync_workers", "must be >= 0")
	}
	b := g.PollBackoff
	if b.Initial <= 0 || b.Cap < b.Initial {
		return faults.Configf("generation.poll_backoff", "need 0 < initial <= cap")
	}
	if b.Factor < 1 {
		return faults.Configf("generation.poll_backoff.factor", "must be >= 1")
	}
	if b.MaxTotalWait <= 0 {
		return faults.Configf("generation.poll_backoff.max_total_wait", "must be > 0")
	}

	if p := c.Prompt.DomainProbability; p != nil && (*p < 0 || *p > 1) {
		return faults.Configf("prompt.domain_probability", "%v not in [0,1]", *p)
	}

	r := c.Render
	if strings.TrimSpace(r.InputDir) == "" {
		return faults.Configf("render.input_dir", "must not be empty")
	}
	if strings.TrimSpace(r.OutputDir) == "" {
		return faults.Configf("render.output_dir", "must not be empty")
	}
	if r.ImagesPerFile < 1 {
		return faults.Configf("render.images_per_file", "must be >= 1")
	}
	if r.ColorProbability != nil && (*r.ColorProbability < 0 || *r.ColorProbability > 1) {
		return faults.Configf("render.color_probability", "%v not in [0,1]", *r.ColorProbability)
	}
	if n := len(r.ThemeWeights); n != 0 && n != len(augment.Themes) {
		return faults.Configf("render.theme_weights", "want %d weights, got %d", len(augment.Themes), n)
	}
	for i, w := range r.ThemeWeights {
		if !(w > 0) {
			return faults.Configf("render.theme_weights", "weight %d must be > 0", i)
		}
	}
	if r.Scale <= 0 {
		return faults.Configf("render.scale", "must be > 0")
	}
	if r.Workers < 0 {
		return faults.Configf("render.workers", "must be >= 0")
	}
	if r.MaxHeight < 0 {
		return faults.Configf("render.max_height", "must be >= 0")
	}
	if r.Timeout < 0 {
		return faults.Configf("render.timeout", "must be >= 0")
	}

	if strings.TrimSpace(c.Label.InputDir) == "" {
		return faults.Configf("label.input_dir", "must not be empty")
	}
	if strings.TrimSpace(c.Label.OutputDir) == "" {
		return faults.Configf("label.output_dir", "must not be empty")
	}
	return nil
}

// APIKey reads the generation API key from the environment. The fake provider needs none.
func (c *Config) APIKey() (string, error) {
	if c.Generation.Provider == genjob.ProviderFake {
		return "", nil
	}
	name := strings.TrimSpace(c.Generation.APIKeyEnv)
	if name == "" {
		return "", faults.Configf("generation.api_key_env", "must not be empty")
	}
	key := strings.TrimSpace(os.Getenv(name))
	if key == "" {
		return "", faults.Configf("generation.api_key_env", "environment variable %s is not set", name)
	}
	return key, nil
}

// DefaultConfigPath returns ./tablesynth.yaml.
func DefaultConfigPath() string {
	return "tablesynth.yaml"
}

// Load reads path, applies defaults and validates. A missing file at the default path yields
// the defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && path == DefaultConfigPath():
	default:
		return nil, err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg atomically. It refuses to replace an existing file.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp := path + ".tmp"
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
