// Package prompt composes natural-language table generation requests from weighted catalogs.
package prompt

import (
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/floegence/tablesynth/internal/faults"
	"github.com/floegence/tablesynth/internal/sampler"
)

// Spec is one composed generation request. It is immutable once built.
type Spec struct {
	Domain          string   `json:"domain,omitempty"`
	Form            string   `json:"form,omitempty"`
	StyleDirectives []string `json:"style_directives"`
	AttemptIndex    int      `json:"attempt_index"`
	Text            string   `json:"text"`
}

const (
	borderSingle  = "single"
	borderDouble  = "double"
	borderVarious = "various"
)

// Composer draws Specs from a Catalog. It performs no I/O; output depends only on the RNG state.
// A Composer is not safe for concurrent use.
type Composer struct {
	cat *Catalog
	rng *rand.Rand

	domains       *sampler.WeightTable
	borderActions *sampler.WeightTable
	borders       *sampler.WeightTable
}

// NewComposer validates the catalog and builds its weight tables eagerly.
func NewComposer(cat *Catalog, rng *rand.Rand) (*Composer, error) {
	if rng == nil {
		return nil, faults.Configf("rng", "missing random source")
	}
	if err := cat.Validate(); err != nil {
		return nil, err
	}
	c := &Composer{cat: cat, rng: rng}

	if len(cat.Domains) > 0 {
		entries := make([]sampler.Category, len(cat.Domains))
		for i, d := range cat.Domains {
			entries[i] = sampler.Category{Name: d.Name, Weight: d.Weight}
		}
		t, err := sampler.NewWeightTable(entries)
		if err != nil {
			return nil, fmt.Errorf("domains: %w", err)
		}
		c.domains = t
	}
	for _, dc := range cat.DataConstraints {
		if dc.Weight <= 0 {
			return nil, faults.Configf("catalog.data_constraints", "%q has weight %v, want > 0", dc.Name, dc.Weight)
		}
	}
	if len(cat.Style.BorderActions) > 0 {
		t, err := sampler.NewWeightTable(cat.Style.BorderActions)
		if err != nil {
			return nil, fmt.Errorf("border_actions: %w", err)
		}
		c.borderActions = t
	}
	if len(cat.Style.Borders) > 0 {
		t, err := sampler.NewWeightTable(cat.Style.Borders)
		if err != nil {
			return nil, fmt.Errorf("borders: %w", err)
		}
		c.borders = t
	}
	return c, nil
}

// Compose draws one Spec with AttemptIndex 0.
func (c *Composer) Compose() Spec {
	cat := c.cat
	parts := []string{sampler.Pick(c.rng, cat.Intros)}
	parts = append(parts, cat.BaseConstraints...)

	var spec Spec
	if c.domains != nil && sampler.Chance(c.rng, cat.DomainProbability) {
		d := cat.Domains[c.domains.DrawIndex(c.rng)]
		spec.Domain = d.Name
		spec.Form = sampler.Pick(c.rng, d.Forms)
		parts = append(parts, fmt.Sprintf(cat.DomainTemplate, spec.Domain, spec.Form))
	}

	var directives []string
	directives = append(directives, c.drawDataConstraints()...)
	directives = append(directives, c.drawStructure()...)
	parts = append(parts, directives...)

	style := c.drawStyle()
	directives = append(directives, style...)
	parts = append(parts, cat.Style.Prefix+strings.Join(style, ", "))

	if strings.TrimSpace(cat.Closing) != "" {
		parts = append(parts, cat.Closing)
	}

	spec.StyleDirectives = directives
	spec.Text = strings.Join(parts, "\n")
	return spec
}

// ComposeN draws n Specs in sequence.
func (c *Composer) ComposeN(n int) []Spec {
	out := make([]Spec, 0, max(n, 0))
	for i := 0; i < n; i++ {
		out = append(out, c.Compose())
	}
	return out
}

// Next composes a fresh Spec for an output slot and attempt.
func (c *Composer) Next(_ int, attempt int) (Spec, error) {
	s := c.Compose()
	s.AttemptIndex = attempt
	return s, nil
}

// drawDataConstraints samples 0..DataConstraintMax constraints by weight without replacement.
func (c *Composer) drawDataConstraints() []string {
	k := sampler.IntBetween(c.rng, 0, c.cat.DataConstraintMax)
	remaining := append([]sampler.Category(nil), c.cat.DataConstraints...)
	var out []string
	for i := 0; i < k && len(remaining) > 0; i++ {
		t, err := sampler.NewWeightTable(remaining)
		if err != nil {
			// Weights were checked in NewComposer.
			break
		}
		idx := t.DrawIndex(c.rng)
		out = append(out, remaining[idx].Name)
		remaining = append(remaining[:idx], remaining[idx+1:]...)
	}
	return out
}

func (c *Composer) drawStructure() []string {
	st := c.cat.Structure
	if !sampler.Chance(c.rng, st.MergeProbability) || len(st.MergeStyles) == 0 {
		return nil
	}
	pool := sampler.SampleK(c.rng, st.MergeStyles, len(st.MergeStyles))
	out := []string{pool[0]}
	for i := 1; i < len(pool) && sampler.Chance(c.rng, st.ExtraMergeProbability); i++ {
		out = append(out, pool[i])
	}
	if sampler.Chance(c.rng, st.ColumnMismatchProbability) && strings.TrimSpace(st.ColumnMismatch) != "" {
		out = append(out, st.ColumnMismatch)
	}
	return out
}

func (c *Composer) drawStyle() []string {
	st := c.cat.Style
	font := sampler.Pick(c.rng, st.Fonts)

	var req []string
	if c.borderActions != nil && c.borders != nil && sampler.Chance(c.rng, st.StripeProbability) {
		req = append(req, st.Stripe)
		switch c.borderActions.Draw(c.rng) {
		case borderSingle:
			req = append(req, fmt.Sprintf(st.SingleBorderTemplate, c.borders.Draw(c.rng)))
		case borderDouble:
			a := c.borders.Draw(c.rng)
			b := c.borders.Draw(c.rng)
			req = append(req, fmt.Sprintf(st.DoubleBorderTemplate, a, b))
		default:
			req = append(req, st.VariousBorders)
		}
	}

	roll := c.rng.Float64()
	switch {
	case roll < st.GrayscaleProbability:
		req = append(req, st.Grayscale)
	case roll < st.GrayscaleProbability+st.HeaderBGProbability && len(st.HeaderBGs) > 0:
		req = append(req, fmt.Sprintf(st.HeaderBGTemplate, sampler.Pick(c.rng, st.HeaderBGs)))
	}

	req = append(req, fmt.Sprintf(st.FontTemplate, font))
	return req
}
