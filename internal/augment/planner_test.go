package augment

import (
	"errors"
	"testing"

	"github.com/floegence/tablesynth/internal/faults"
	"github.com/floegence/tablesynth/internal/sampler"
)

func TestPlan_DualImageRule(t *testing.T) {
	t.Parallel()

	p, err := NewPlanner(Config{ColorProbability: 1, Scale: 2}, sampler.New(7))
	if err != nil {
		t.Fatalf("NewPlanner: %v", err)
	}
	for i := 0; i < 200; i++ {
		plans, err := p.Plan("prompt_0000", 3)
		if err != nil {
			t.Fatalf("Plan: %v", err)
		}
		if len(plans) != 6 {
			t.Fatalf("len=%d, want 6", len(plans))
		}
		for v := 0; v < 3; v++ {
			base, col := plans[2*v], plans[2*v+1]
			if base.Colored || !col.Colored {
				t.Fatalf("variant %d: colored flags base=%v col=%v", v, base.Colored, col.Colored)
			}
			if base.VariantIndex != v || col.VariantIndex != v {
				t.Fatalf("variant index mismatch: %d/%d want %d", base.VariantIndex, col.VariantIndex, v)
			}
			if base.Theme != col.Theme {
				t.Fatalf("theme differs: %s vs %s", base.Theme, col.Theme)
			}
			if base.MarginPx == col.MarginPx {
				t.Fatalf("margins equal: %d", base.MarginPx)
			}
			for _, m := range []int{base.MarginPx, col.MarginPx} {
				if m < MinMarginPx || m > MaxMarginPx {
					t.Fatalf("margin %d out of range", m)
				}
			}
			if base.Background != nil {
				t.Fatalf("base plan has background")
			}
			bg := col.Background
			if bg == nil || bg.R < 240 || bg.G < 240 || bg.B < 240 {
				t.Fatalf("background=%v, want pastel", bg)
			}
		}
	}
}

func TestPlan_NoColor(t *testing.T) {
	t.Parallel()

	p, _ := NewPlanner(Config{ColorProbability: 0, Scale: 1}, sampler.New(1))
	plans, err := p.Plan("s", 4)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(plans) != 4 {
		t.Fatalf("len=%d, want 4", len(plans))
	}
	for _, pl := range plans {
		if pl.Colored || pl.Background != nil {
			t.Fatalf("unexpected colored plan %+v", pl)
		}
		if _, ok := ThemeByName(pl.Theme); !ok {
			t.Fatalf("unknown theme %q", pl.Theme)
		}
	}
}

func TestPlan_RawMode(t *testing.T) {
	t.Parallel()

	p, _ := NewPlanner(Config{ColorProbability: 1, Scale: 2, Raw: true}, sampler.New(1))
	plans, err := p.Plan("s", 5)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(plans) != 1 {
		t.Fatalf("len=%d, want 1", len(plans))
	}
	pl := plans[0]
	if !pl.Raw || pl.Theme != "" || pl.MarginPx != 0 || pl.Background != nil || pl.Colored {
		t.Fatalf("raw plan=%+v", pl)
	}
}

func TestPlan_ThemeWeights(t *testing.T) {
	t.Parallel()

	p, err := NewPlanner(Config{ThemeWeights: []float64{0.0001, 0.0001, 1000, 0.0001}, Scale: 1}, sampler.New(3))
	if err != nil {
		t.Fatalf("NewPlanner: %v", err)
	}
	plans, _ := p.Plan("s", 100)
	blue := 0
	for _, pl := range plans {
		if pl.Theme == "blue_header" {
			blue++
		}
	}
	if blue < 99 {
		t.Fatalf("blue_header=%d/100, want nearly all", blue)
	}
}

func TestNewPlanner_Rejects(t *testing.T) {
	t.Parallel()

	cases := []Config{
		{ThemeWeights: []float64{1, 2}, Scale: 1},
		{ThemeWeights: []float64{1, 0, 1, 1}, Scale: 1},
		{ColorProbability: 1.5, Scale: 1},
		{Scale: 0},
	}
	for i, c := range cases {
		_, err := NewPlanner(c, sampler.New(1))
		var ce *faults.ConfigurationError
		if !errors.As(err, &ce) {
			t.Fatalf("case %d: err=%v, want ConfigurationError", i, err)
		}
	}
	p, _ := NewPlanner(Config{Scale: 1}, sampler.New(1))
	if _, err := p.Plan("s", 0); err == nil {
		t.Fatalf("Plan with 0 variants: want error")
	}
}

func TestRGBHex(t *testing.T) {
	t.Parallel()

	if got := (RGB{R: 0xf0, G: 0xff, B: 0x0a}).Hex(); got != "#f0ff0a" {
		t.Fatalf("Hex=%q", got)
	}
}
