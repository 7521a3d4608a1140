package prompt

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/floegence/tablesynth/internal/faults"
	"github.com/floegence/tablesynth/internal/sampler"
)

//go:embed catalog.yaml
var defaultCatalogYAML []byte

// Catalog is the vocabulary the composer draws from.
//
// Notes:
//   - Weighted lists use sampler.Category (name + weight); plain lists are drawn uniformly.
//   - Templates are fmt format strings.
type Catalog struct {
	Intros          []string `yaml:"intros"`
	BaseConstraints []string `yaml:"base_constraints"`
	Closing         string   `yaml:"closing"`

	DomainProbability float64  `yaml:"domain_probability"`
	DomainTemplate    string   `yaml:"domain_template"`
	Domains           []Domain `yaml:"domains"`

	DataConstraintMax int                `yaml:"data_constraint_max"`
	DataConstraints   []sampler.Category `yaml:"data_constraints"`

	Structure StructureCatalog `yaml:"structure"`
	Style     StyleCatalog     `yaml:"style"`
}

// Domain is a weighted subject area with the document forms it may produce.
type Domain struct {
	Name   string   `yaml:"name"`
	Weight float64  `yaml:"weight"`
	Forms  []string `yaml:"forms"`
}

type StructureCatalog struct {
	MergeProbability          float64  `yaml:"merge_probability"`
	ExtraMergeProbability     float64  `yaml:"extra_merge_probability"`
	MergeStyles               []string `yaml:"merge_styles"`
	ColumnMismatchProbability float64  `yaml:"column_mismatch_probability"`
	ColumnMismatch            string   `yaml:"column_mismatch"`
}

type StyleCatalog struct {
	Prefix       string   `yaml:"prefix"`
	Fonts        []string `yaml:"fonts"`
	FontTemplate string   `yaml:"font_template"`

	StripeProbability    float64            `yaml:"stripe_probability"`
	Stripe               string             `yaml:"stripe"`
	BorderActions        []sampler.Category `yaml:"border_actions"`
	Borders              []sampler.Category `yaml:"borders"`
	SingleBorderTemplate string             `yaml:"single_border_template"`
	DoubleBorderTemplate string             `yaml:"double_border_template"`
	VariousBorders       string             `yaml:"various_borders"`

	GrayscaleProbability float64  `yaml:"grayscale_probability"`
	Grayscale            string   `yaml:"grayscale"`
	HeaderBGProbability  float64  `yaml:"header_bg_probability"`
	HeaderBGTemplate     string   `yaml:"header_bg_template"`
	HeaderBGs            []string `yaml:"header_bgs"`
}

// DefaultCatalog returns the catalog compiled into the binary.
func DefaultCatalog() (*Catalog, error) {
	return ParseCatalog(defaultCatalogYAML)
}

// LoadCatalog reads a catalog file. An empty path yields the default catalog.
func LoadCatalog(path string) (*Catalog, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return DefaultCatalog()
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return ParseCatalog(b)
}

// ParseCatalog decodes and validates YAML catalog content.
func ParseCatalog(b []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, faults.Configf("catalog", "decode yaml: %v", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Catalog) Validate() error {
	if c == nil {
		return faults.Configf("catalog", "nil catalog")
	}
	if len(c.Intros) == 0 {
		return faults.Configf("catalog.intros", "must not be empty")
	}
	probs := map[string]float64{
		"catalog.domain_probability":                    c.DomainProbability,
		"catalog.structure.merge_probability":           c.Structure.MergeProbability,
		"catalog.structure.extra_merge_probability":     c.Structure.ExtraMergeProbability,
		"catalog.structure.column_mismatch_probability": c.Structure.ColumnMismatchProbability,
		"catalog.style.stripe_probability":              c.Style.StripeProbability,
		"catalog.style.grayscale_probability":           c.Style.GrayscaleProbability,
		"catalog.style.header_bg_probability":           c.Style.HeaderBGProbability,
	}
	for field, p := range probs {
		if p < 0 || p > 1 {
			return faults.Configf(field, "probability %v not in [0,1]", p)
		}
	}
	if c.Style.GrayscaleProbability+c.Style.HeaderBGProbability > 1 {
		return faults.Configf("catalog.style", "grayscale_probability + header_bg_probability exceeds 1")
	}
	if c.DomainProbability > 0 {
		if len(c.Domains) == 0 {
			return faults.Configf("catalog.domains", "must not be empty when domain_probability > 0")
		}
		for i, d := range c.Domains {
			if len(d.Forms) == 0 {
				return faults.Configf(fmt.Sprintf("catalog.domains[%d]", i), "domain %q has no forms", d.Name)
			}
		}
	}
	if c.DataConstraintMax < 0 {
		return faults.Configf("catalog.data_constraint_max", "must be >= 0")
	}
	if c.Structure.MergeProbability > 0 && len(c.Structure.MergeStyles) == 0 {
		return faults.Configf("catalog.structure.merge_styles", "must not be empty when merge_probability > 0")
	}
	if len(c.Style.Fonts) == 0 {
		return faults.Configf("catalog.style.fonts", "must not be empty")
	}
	if c.Style.StripeProbability > 0 {
		if len(c.Style.BorderActions) == 0 || len(c.Style.Borders) == 0 {
			return faults.Configf("catalog.style", "border_actions and borders are required when stripe_probability > 0")
		}
	}
	if c.Style.HeaderBGProbability > 0 && len(c.Style.HeaderBGs) == 0 {
		return faults.Configf("catalog.style.header_bgs", "must not be empty when header_bg_probability > 0")
	}
	return nil
}
