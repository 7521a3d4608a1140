// Package sampler draws categories from weighted tables with reproducible proportions.
package sampler

import (
	"math"
	"math/rand/v2"
	"sort"
	"strings"

	"github.com/floegence/tablesynth/internal/faults"
)

// Category is one weighted entry of a WeightTable.
type Category struct {
	Name   string  `yaml:"name" json:"name"`
	Weight float64 `yaml:"weight" json:"weight"`
}

// WeightTable is a validated, immutable set of weighted categories.
// The probability of entry i is Weight_i / sum(Weight).
type WeightTable struct {
	names  []string
	prefix []float64
	total  float64
}

// NewWeightTable validates entries and precomputes prefix sums.
// It returns a *faults.ConfigurationError when entries is empty or any weight is not a positive
// finite number.
func NewWeightTable(entries []Category) (*WeightTable, error) {
	if len(entries) == 0 {
		return nil, faults.Configf("weights", "table has no entries")
	}
	t := &WeightTable{
		names:  make([]string, len(entries)),
		prefix: make([]float64, len(entries)),
	}
	sum := 0.0
	for i, e := range entries {
		w := e.Weight
		if math.IsNaN(w) || math.IsInf(w, 0) || w <= 0 {
			return nil, faults.Configf("weights", "entry %d (%q) has weight %v, want > 0", i, e.Name, w)
		}
		sum += w
		t.names[i] = strings.TrimSpace(e.Name)
		t.prefix[i] = sum
	}
	t.total = sum
	return t, nil
}

// Uniform builds a table giving every name the same weight.
func Uniform(names ...string) (*WeightTable, error) {
	entries := make([]Category, len(names))
	for i, n := range names {
		entries[i] = Category{Name: n, Weight: 1}
	}
	return NewWeightTable(entries)
}

// MustWeightTable is NewWeightTable for package-level tables known to be valid.
func MustWeightTable(entries []Category) *WeightTable {
	t, err := NewWeightTable(entries)
	if err != nil {
		panic(err)
	}
	return t
}

// Len returns the number of entries.
func (t *WeightTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.names)
}

// Names returns the entry names in table order.
func (t *WeightTable) Names() []string {
	if t == nil {
		return nil
	}
	return append([]string(nil), t.names...)
}

// Probability returns the selection probability of the named entry (0 when absent).
func (t *WeightTable) Probability(name string) float64 {
	if t == nil || t.total == 0 {
		return 0
	}
	p := 0.0
	prev := 0.0
	for i, n := range t.names {
		if n == name {
			p += t.prefix[i] - prev
		}
		prev = t.prefix[i]
	}
	return p / t.total
}

// Draw returns one entry name using cumulative-weight inversion.
// A single-entry table always returns that entry.
func (t *WeightTable) Draw(rng *rand.Rand) string {
	return t.names[t.DrawIndex(rng)]
}

// DrawIndex is Draw returning the entry position.
func (t *WeightTable) DrawIndex(rng *rand.Rand) int {
	if len(t.names) == 1 {
		return 0
	}
	u := rng.Float64() * t.total
	i := sort.Search(len(t.prefix), func(i int) bool { return t.prefix[i] > u })
	if i >= len(t.prefix) {
		// u can round up to total on the last entry.
		i = len(t.prefix) - 1
	}
	return i
}

// New returns a PCG-backed generator. The same seed always yields the same stream.
func New(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// IntBetween returns a uniform integer in [lo, hi].
func IntBetween(rng *rand.Rand, lo, hi int) int {
	if hi <= lo {
		return lo
	}
	return lo + rng.IntN(hi-lo+1)
}

// Chance reports true with probability p.
func Chance(rng *rand.Rand, p float64) bool {
	if p <= 0 {
		return false
	}
	if p >= 1 {
		return true
	}
	return rng.Float64() < p
}

// Pick returns a uniformly chosen element of items (zero value when empty).
func Pick[T any](rng *rand.Rand, items []T) T {
	var zero T
	if len(items) == 0 {
		return zero
	}
	return items[rng.IntN(len(items))]
}

// SampleK returns k distinct elements of items in random order (all of them when k >= len).
func SampleK[T any](rng *rand.Rand, items []T, k int) []T {
	if k <= 0 || len(items) == 0 {
		return nil
	}
	pool := append([]T(nil), items...)
	rng.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
	if k > len(pool) {
		k = len(pool)
	}
	return pool[:k]
}
