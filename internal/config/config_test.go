package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/floegence/tablesynth/internal/faults"
)

func TestLoad_DefaultsAndOverrides(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "tablesynth.yaml")
	raw := `
log_level: debug
generation:
  provider: anthropic
  model: claude-sonnet-4-5
  num_prompts: 12
  max_attempts_count: 3
  output_dir: out/html
  poll_backoff:
    initial: 2s
    max_total_wait: 1h
render:
  images_per_file: 2
  color_probability: 0
  theme_weights: [1, 1, 1, 1]
`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	g := cfg.Generation
	if g.Provider != "anthropic" || g.APIKeyEnv != "ANTHROPIC_API_KEY" || g.NumPrompts != 12 || g.MaxAttemptsCount != 3 {
		t.Fatalf("generation=%+v", g)
	}
	if g.Temperature == nil || *g.Temperature != 0.8 || g.TopP == nil || *g.TopP != 0.9 || g.MaxItemsPerBatch != 500 {
		t.Fatalf("generation defaults not applied: %+v", g)
	}
	if g.PollBackoff.Initial != 2*time.Second || g.PollBackoff.MaxTotalWait != time.Hour || g.PollBackoff.Cap != 5*time.Minute {
		t.Fatalf("poll_backoff=%+v", g.PollBackoff)
	}
	if got, want := cfg.StateDB, filepath.Join("out/html", ".tablesynth", "state.db"); got != want {
		t.Fatalf("StateDB=%q, want %q", got, want)
	}
	if cfg.Render.InputDir != "out/html" || cfg.Label.InputDir != "out/html" || cfg.Label.OutputDir != "Output_Labels" {
		t.Fatalf("stage dirs: render=%q label=%q/%q", cfg.Render.InputDir, cfg.Label.InputDir, cfg.Label.OutputDir)
	}
	if cfg.Render.ColorProbability == nil || *cfg.Render.ColorProbability != 0 {
		t.Fatalf("explicit color_probability 0 should be kept")
	}
	if cfg.Render.Scale != 2 || cfg.Render.ImagesPerFile != 2 {
		t.Fatalf("render=%+v", cfg.Render)
	}
}

func TestLoad_ExplicitZeroSampling(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "tablesynth.yaml")
	raw := "generation:\n  provider: fake\n  temperature: 0\n  top_p: 0\n"
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	g := cfg.Generation
	if g.Temperature == nil || *g.Temperature != 0 {
		t.Fatalf("Temperature=%v, want explicit 0", g.Temperature)
	}
	if g.TopP == nil || *g.TopP != 0 {
		t.Fatalf("TopP=%v, want explicit 0", g.TopP)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("err=%v, want ErrNotExist", err)
	}
}

func TestValidate_Rejects(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		field  string
		mutate func(c *Config)
	}{
		{"provider", "generation.provider", func(c *Config) { c.Generation.Provider = "gemini" }},
		{"num prompts", "generation.num_prompts", func(c *Config) { c.Generation.NumPrompts = -1 }},
		{"attempts", "generation.max_attempts_count", func(c *Config) { c.Generation.MaxAttemptsCount = -2 }},
		{"base url", "generation.base_url", func(c *Config) { c.Generation.BaseURL = "ftp://example.com" }},
		{"theme weights count", "render.theme_weights", func(c *Config) { c.Render.ThemeWeights = []float64{1, 2} }},
		{"theme weight zero", "render.theme_weights", func(c *Config) { c.Render.ThemeWeights = []float64{1, 0, 1, 1} }},
		{"color probability", "render.color_probability", func(c *Config) { p := 1.5; c.Render.ColorProbability = &p }},
		{"images", "render.images_per_file", func(c *Config) { c.Render.ImagesPerFile = -1 }},
		{"max height", "render.max_height", func(c *Config) { c.Render.MaxHeight = -1 }},
		{"temperature", "generation.temperature", func(c *Config) { v := 2.5; c.Generation.Temperature = &v }},
		{"top p", "generation.top_p", func(c *Config) { v := -0.1; c.Generation.TopP = &v }},
		{"log format", "log_format", func(c *Config) { c.LogFormat = "xml" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			c := Default()
			tc.mutate(c)
			c.ApplyDefaults()
			err := c.Validate()
			var cfgErr *faults.ConfigurationError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("err=%v, want ConfigurationError", err)
			}
			if cfgErr.Field != tc.field {
				t.Fatalf("field=%q, want %q", cfgErr.Field, tc.field)
			}
		})
	}
}

func TestAPIKey_FromEnv(t *testing.T) {
	c := Default()
	c.Generation.APIKeyEnv = "TABLESYNTH_TEST_KEY"
	t.Setenv("TABLESYNTH_TEST_KEY", "")
	if _, err := c.APIKey(); err == nil {
		t.Fatalf("expected error for unset key")
	}
	t.Setenv("TABLESYNTH_TEST_KEY", " sk-test ")
	key, err := c.APIKey()
	if err != nil || key != "sk-test" {
		t.Fatalf("APIKey=%q err=%v", key, err)
	}

	c.Generation.Provider = "fake"
	if key, err := c.APIKey(); err != nil || key != "" {
		t.Fatalf("fake provider APIKey=%q err=%v", key, err)
	}
}

func TestSave_RoundTripAndNoOverwrite(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "cfg", "tablesynth.yaml")
	if err := Save(path, Default()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Generation.PollBackoff != Default().Generation.PollBackoff {
		t.Fatalf("poll_backoff=%+v", cfg.Generation.PollBackoff)
	}
	if err := Save(path, Default()); err == nil {
		t.Fatalf("expected error when file exists")
	}
}
