// Package augment plans the visual variants rendered for each source table.
package augment

import (
	"fmt"
	"math/rand/v2"

	"github.com/floegence/tablesynth/internal/faults"
	"github.com/floegence/tablesynth/internal/sampler"
)

const (
	MinMarginPx = 1
	MaxMarginPx = 5

	pastelMin = 240
	pastelMax = 255
)

type RGB struct {
	R, G, B uint8
}

func (c RGB) Hex() string { return fmt.Sprintf("#%02x%02x%02x", c.R, c.G, c.B) }

// Plan describes one image to render. Raw plans carry no theme, margin or background.
type Plan struct {
	SourceID     string  `json:"source_id"`
	VariantIndex int     `json:"variant_index"`
	Theme        string  `json:"theme,omitempty"`
	MarginPx     int     `json:"margin_px,omitempty"`
	Background   *RGB    `json:"background,omitempty"`
	Scale        float64 `json:"scale"`
	Colored      bool    `json:"colored"`
	Raw          bool    `json:"raw"`
}

type Config struct {
	ThemeWeights     []float64
	ColorProbability float64
	Scale            float64
	Raw              bool
}

// Planner draws render plans. It is not safe for concurrent use.
type Planner struct {
	cfg    Config
	themes *sampler.WeightTable
	rng    *rand.Rand
}

func NewPlanner(cfg Config, rng *rand.Rand) (*Planner, error) {
	if rng == nil {
		return nil, faults.Configf("render.seed", "missing random source")
	}
	if cfg.ColorProbability < 0 || cfg.ColorProbability > 1 {
		return nil, faults.Configf("render.color_probability", "%v not in [0,1]", cfg.ColorProbability)
	}
	if cfg.Scale <= 0 {
		return nil, faults.Configf("render.scale", "must be > 0")
	}
	weights := cfg.ThemeWeights
	if len(weights) == 0 {
		weights = DefaultThemeWeights
	}
	if len(weights) != len(Themes) {
		return nil, faults.Configf("render.theme_weights", "want %d weights, got %d", len(Themes), len(weights))
	}
	entries := make([]sampler.Category, len(Themes))
	for i, t := range Themes {
		entries[i] = sampler.Category{Name: t.Name, Weight: weights[i]}
	}
	table, err := sampler.NewWeightTable(entries)
	if err != nil {
		return nil, fmt.Errorf("theme weights: %w", err)
	}
	return &Planner{cfg: cfg, themes: table, rng: rng}, nil
}

// Plan returns the plans for one source: per variant a base plan, optionally followed by a
// coloured twin with the same theme, a pastel background and a different margin.
// In raw mode it returns exactly one plan.
func (p *Planner) Plan(sourceID string, variantCount int) ([]Plan, error) {
	if variantCount < 1 {
		return nil, faults.Configf("render.images_per_file", "must be >= 1")
	}
	if p.cfg.Raw {
		return []Plan{{SourceID: sourceID, Scale: p.cfg.Scale, Raw: true}}, nil
	}
	out := make([]Plan, 0, 2*variantCount)
	for v := 0; v < variantCount; v++ {
		base := Plan{
			SourceID:     sourceID,
			VariantIndex: v,
			Theme:        p.themes.Draw(p.rng),
			MarginPx:     sampler.IntBetween(p.rng, MinMarginPx, MaxMarginPx),
			Scale:        p.cfg.Scale,
		}
		out = append(out, base)
		if !sampler.Chance(p.rng, p.cfg.ColorProbability) {
			continue
		}
		colored := base
		colored.Colored = true
		colored.MarginPx = p.otherMargin(base.MarginPx)
		bg := p.pastel()
		colored.Background = &bg
		out = append(out, colored)
	}
	return out, nil
}

// otherMargin draws uniformly from [MinMarginPx, MaxMarginPx] without m.
func (p *Planner) otherMargin(m int) int {
	k := sampler.IntBetween(p.rng, MinMarginPx, MaxMarginPx-1)
	if k >= m {
		k++
	}
	return k
}

func (p *Planner) pastel() RGB {
	ch := func() uint8 { return uint8(sampler.IntBetween(p.rng, pastelMin, pastelMax)) }
	return RGB{R: ch(), G: ch(), B: ch()}
}
