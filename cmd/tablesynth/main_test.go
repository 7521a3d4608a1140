package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/floegence/tablesynth/internal/batch/store"
	"github.com/floegence/tablesynth/internal/faults"
)

func TestLoad_FlagsOverrideFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "tablesynth.yaml")
	raw := "generation:\n  provider: fake\n  num_prompts: 5\nrender:\n  images_per_file: 3\n"
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	common := registerCommonFlags(fs)
	var ov overrides
	ov.registerGenerate(fs)
	ov.registerRender(fs)
	out := filepath.Join(dir, "html")
	if err := fs.Parse([]string{"-config", path, "-num-prompts", "7", "-seed", "9", "-output-folder", out, "-no-colored"}); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	cfg, err := common.load(fs, &ov)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Generation.NumPrompts != 7 || cfg.Generation.Seed == nil || *cfg.Generation.Seed != 9 {
		t.Fatalf("generation=%+v", cfg.Generation)
	}
	if cfg.Render.ImagesPerFile != 3 {
		t.Fatalf("images_per_file=%d, want 3 from file", cfg.Render.ImagesPerFile)
	}
	if *cfg.Render.ColorProbability != 0 {
		t.Fatalf("color_probability=%v, want 0", *cfg.Render.ColorProbability)
	}
	if cfg.Render.InputDir != out || cfg.Label.InputDir != out || cfg.StateDB != filepath.Join(out, ".tablesynth", "state.db") {
		t.Fatalf("derived paths not moved: render=%q label=%q db=%q", cfg.Render.InputDir, cfg.Label.InputDir, cfg.StateDB)
	}
}

func TestNewLogger(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger, err := newLogger("", "warn", &buf)
	if err != nil {
		t.Fatalf("newLogger: %v", err)
	}
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")
	if got := buf.String(); strings.Contains(got, "hidden") || !strings.HasPrefix(got, "{") {
		t.Fatalf("non-terminal default should be json at warn level, got %q", got)
	}
	if _, err := newLogger("xml", "", &buf); err == nil {
		t.Fatalf("expected error for unknown format")
	}
	if _, err := newLogger("", "loud", &buf); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestExitCode(t *testing.T) {
	t.Parallel()

	if got := exitCode(faults.Configf("x", "bad")); got != 2 {
		t.Fatalf("config exit=%d, want 2", got)
	}
	if got := exitCode(errors.New("boom")); got != 1 {
		t.Fatalf("generic exit=%d, want 1", got)
	}
	if got := exitCode(context.Canceled); got != 130 {
		t.Fatalf("cancel exit=%d, want 130", got)
	}
}

func TestPrintStatus(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	printStatus(&buf, nil, nil)
	if !strings.Contains(buf.String(), "No generation runs") {
		t.Fatalf("empty status=%q", buf.String())
	}

	buf.Reset()
	printStatus(&buf,
		[]store.Run{{RunID: "run_1", Status: store.RunFinished, NumPrompts: 3}},
		[]store.Batch{{BatchID: "b1", RunID: "run_1", Provider: "fake", Status: store.StatusSucceeded, SubmittedCount: 3, CompletedIndices: []int{0, 1, 2}}},
	)
	out := buf.String()
	for _, want := range []string{"run_1", "b1", "fake", "SUCCEEDED"} {
		if !strings.Contains(out, want) {
			t.Fatalf("status output missing %q:\n%s", want, out)
		}
	}
}
