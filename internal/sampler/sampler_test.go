package sampler

import (
	"errors"
	"math"
	"testing"

	"github.com/floegence/tablesynth/internal/faults"
)

func TestNewWeightTable_Rejects(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		entries []Category
	}{
		{"empty", nil},
		{"zero", []Category{{"a", 1}, {"b", 0}}},
		{"negative", []Category{{"a", -2}}},
		{"nan", []Category{{"a", math.NaN()}}},
		{"inf", []Category{{"a", math.Inf(1)}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewWeightTable(tc.entries)
			var cfgErr *faults.ConfigurationError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("err=%v, want ConfigurationError", err)
			}
		})
	}
}

func TestDraw_SingleEntry(t *testing.T) {
	t.Parallel()

	tbl, err := NewWeightTable([]Category{{"only", 1e-9}})
	if err != nil {
		t.Fatalf("NewWeightTable: %v", err)
	}
	rng := New(7)
	for i := 0; i < 1000; i++ {
		if got := tbl.Draw(rng); got != "only" {
			t.Fatalf("Draw=%q, want only", got)
		}
	}
}

func TestDraw_Proportions(t *testing.T) {
	t.Parallel()

	entries := []Category{
		{"gray_clean", 3.0},
		{"soft_card", 2.5},
		{"blue_header", 0.3},
		{"mono", 1.5},
	}
	tbl, err := NewWeightTable(entries)
	if err != nil {
		t.Fatalf("NewWeightTable: %v", err)
	}

	const n = 100000
	counts := map[string]int{}
	rng := New(42)
	for i := 0; i < n; i++ {
		counts[tbl.Draw(rng)]++
	}

	total := 7.3
	for _, e := range entries {
		want := e.Weight / total
		got := float64(counts[e.Name]) / n
		if math.Abs(got-want) > 0.02 {
			t.Fatalf("%s frequency=%.4f, want %.4f ±0.02", e.Name, got, want)
		}
		if p := tbl.Probability(e.Name); math.Abs(p-want) > 1e-12 {
			t.Fatalf("Probability(%s)=%v, want %v", e.Name, p, want)
		}
	}
}

func TestDraw_Reproducible(t *testing.T) {
	t.Parallel()

	tbl, err := Uniform("a", "b", "c", "d")
	if err != nil {
		t.Fatalf("Uniform: %v", err)
	}
	r1, r2 := New(99), New(99)
	for i := 0; i < 200; i++ {
		if a, b := tbl.Draw(r1), tbl.Draw(r2); a != b {
			t.Fatalf("draw %d: %q != %q", i, a, b)
		}
	}
}

func TestHelpers(t *testing.T) {
	t.Parallel()

	rng := New(1)
	for i := 0; i < 500; i++ {
		v := IntBetween(rng, 1, 5)
		if v < 1 || v > 5 {
			t.Fatalf("IntBetween=%d out of [1,5]", v)
		}
	}
	if Chance(rng, 0) {
		t.Fatalf("Chance(0) returned true")
	}
	if !Chance(rng, 1) {
		t.Fatalf("Chance(1) returned false")
	}

	got := SampleK(rng, []int{1, 2, 3, 4, 5}, 3)
	if len(got) != 3 {
		t.Fatalf("len(SampleK)=%d, want 3", len(got))
	}
	seen := map[int]bool{}
	for _, v := range got {
		if seen[v] {
			t.Fatalf("duplicate %d in %v", v, got)
		}
		seen[v] = true
	}
	if len(SampleK(rng, []int{1, 2}, 5)) != 2 {
		t.Fatalf("SampleK should cap at len(items)")
	}
	if Pick(rng, []string(nil)) != "" {
		t.Fatalf("Pick(nil) should return zero value")
	}
}
