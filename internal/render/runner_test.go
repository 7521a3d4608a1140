package render

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"testing"

	"github.com/floegence/tablesynth/internal/augment"
	"github.com/floegence/tablesynth/internal/faults"
	"github.com/floegence/tablesynth/internal/manifest"
	"github.com/floegence/tablesynth/internal/sampler"
)

func writeSources(t *testing.T, dir string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		body := fmt.Sprintf("<table><tr><th>h%d</th></tr><tr><td>%d</td></tr></table>", i, i)
		if err := os.WriteFile(filepath.Join(dir, fmt.Sprintf("prompt_%04d.html", i)), []byte(body), 0o644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
	}
}

func pngNames(t *testing.T, dir string) []string {
	t.Helper()
	ents, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	var out []string
	for _, e := range ents {
		if strings.HasSuffix(e.Name(), ".png") {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out
}

func newRunner(t *testing.T, in, out string, cfg augment.Config, variants int, raster Rasterizer) *Runner {
	t.Helper()
	planner, err := augment.NewPlanner(cfg, sampler.New(11))
	if err != nil {
		t.Fatalf("NewPlanner: %v", err)
	}
	m, err := manifest.Open(manifest.Options{OutputDir: out})
	if err != nil {
		t.Fatalf("manifest.Open: %v", err)
	}
	r, err := NewRunner(Options{
		Rasterizer:    raster,
		Planner:       planner,
		Manifest:      m,
		InputDir:      in,
		OutputDir:     out,
		ImagesPerFile: variants,
		Workers:       3,
	})
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	return r
}

func TestRunner_DualImages(t *testing.T) {
	t.Parallel()

	in, out := t.TempDir(), t.TempDir()
	writeSources(t, in, 3)
	fake := &Fake{}
	r := newRunner(t, in, out, augment.Config{ColorProbability: 1, Scale: 2}, 2, fake)

	rep, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Written != 12 || rep.Planned != 12 || rep.Failed != 0 {
		t.Fatalf("report=%+v, want 12 written", rep)
	}
	names := pngNames(t, out)
	if len(names) != 12 {
		t.Fatalf("images=%v", names)
	}
	if names[0] != "prompt_0000_v1.png" || names[1] != "prompt_0000_v1_colored.png" {
		t.Fatalf("unexpected names: %v", names[:4])
	}
	b, err := os.ReadFile(filepath.Join(out, "prompt_0002_v2_colored.png"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.HasPrefix(string(b), string(pngMagic)) {
		t.Fatalf("image is not a png")
	}

	// Second run writes nothing.
	rep, err = newRunner(t, in, out, augment.Config{ColorProbability: 1, Scale: 2}, 2, fake).Run(context.Background())
	if err != nil {
		t.Fatalf("Run again: %v", err)
	}
	if rep.Written != 0 || rep.Skipped != 12 {
		t.Fatalf("second report=%+v, want 12 skipped", rep)
	}
}

func TestRunner_RawThenAugmentedConflicts(t *testing.T) {
	t.Parallel()

	in, out := t.TempDir(), t.TempDir()
	writeSources(t, in, 2)
	rep, err := newRunner(t, in, out, augment.Config{Raw: true, Scale: 2}, 1, &Fake{}).Run(context.Background())
	if err != nil {
		t.Fatalf("raw Run: %v", err)
	}
	if rep.Written != 2 {
		t.Fatalf("raw written=%d, want 2", rep.Written)
	}
	if names := pngNames(t, out); len(names) != 2 || names[0] != "prompt_0000.png" {
		t.Fatalf("raw names=%v", names)
	}

	_, err = newRunner(t, in, out, augment.Config{ColorProbability: 0, Scale: 2}, 1, &Fake{}).Run(context.Background())
	if !errors.Is(err, faults.ErrArtifactConflict) {
		t.Fatalf("err=%v, want ErrArtifactConflict", err)
	}
}

func TestRunner_FailuresAreTallied(t *testing.T) {
	t.Parallel()

	in, out := t.TempDir(), t.TempDir()
	writeSources(t, in, 3)
	if err := os.WriteFile(filepath.Join(in, "prompt_0003.html"), []byte("<p>no table</p>"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	fake := &Fake{Fail: func(p augment.Plan) bool { return p.SourceID == "prompt_0001" }}
	rep, err := newRunner(t, in, out, augment.Config{ColorProbability: 0, Scale: 1}, 1, fake).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Written != 2 || rep.Failed != 2 {
		t.Fatalf("report=%+v, want 2 written 2 failed", rep)
	}
	if got := rep.Failures.Count("render"); got != 2 {
		t.Fatalf("render failures=%d, want 2", got)
	}
	if names := pngNames(t, out); len(names) != 2 {
		t.Fatalf("names=%v", names)
	}
}

func TestRunner_Cancelled(t *testing.T) {
	t.Parallel()

	in, out := t.TempDir(), t.TempDir()
	writeSources(t, in, 2)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := newRunner(t, in, out, augment.Config{Scale: 1}, 1, &Fake{}).Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v, want context.Canceled", err)
	}
}

func TestRunner_SplitsTallTables(t *testing.T) {
	t.Parallel()

	in, out := t.TempDir(), t.TempDir()
	writeSources(t, in, 2)
	fake := &Fake{RowHeight: 30}
	r := newRunner(t, in, out, augment.Config{ColorProbability: 0, Scale: 1}, 1, fake)
	r.maxHeight = 40

	rep, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Written != 2 || rep.Failed != 0 {
		t.Fatalf("report=%+v", rep)
	}
	want := []string{"prompt_0000_part1.png", "prompt_0000_part2.png", "prompt_0001_part1.png", "prompt_0001_part2.png"}
	if got := pngNames(t, out); !reflect.DeepEqual(got, want) {
		t.Fatalf("images=%v, want %v", got, want)
	}

	rep, err = newRunner(t, in, out, augment.Config{ColorProbability: 0, Scale: 1}, 1, fake).Run(context.Background())
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if rep.Written != 0 || rep.Skipped != 2 {
		t.Fatalf("second report=%+v, want 2 skipped", rep)
	}
}
