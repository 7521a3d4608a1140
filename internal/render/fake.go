package render

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/floegence/tablesynth/internal/augment"
)

// pngMagic is the 8-byte PNG signature.
var pngMagic = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

// Fake is an in-memory Rasterizer. It returns the PNG signature followed by a description of
// the plan, and records every document it was given.
type Fake struct {
	// Fail makes Rasterize return an error when it reports true for the plan.
	Fail func(plan augment.Plan) bool
	// RowHeight is the height given to every <tr> when a split is requested.
	RowHeight float64

	mu   sync.Mutex
	docs []string
}

func (f *Fake) Rasterize(ctx context.Context, doc string, plan augment.Plan, maxHeight int) ([][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !strings.Contains(doc, "<table") {
		return nil, fmt.Errorf("no table in document")
	}
	if f.Fail != nil && f.Fail(plan) {
		return nil, fmt.Errorf("rasterize %s v%d: injected failure", plan.SourceID, plan.VariantIndex)
	}
	f.mu.Lock()
	f.docs = append(f.docs, doc)
	f.mu.Unlock()

	desc := fmt.Sprintf("%s v=%d colored=%v theme=%s raw=%v", plan.SourceID, plan.VariantIndex, plan.Colored, plan.Theme, plan.Raw)
	var layout *tableLayout
	if maxHeight > 0 && f.RowHeight > 0 {
		layout = &tableLayout{}
		for i := range strings.Count(doc, "<tr") {
			top := float64(i) * f.RowHeight
			layout.Rows = append(layout.Rows, rowBox{Top: top, Bottom: top + f.RowHeight})
		}
		layout.Height = float64(len(layout.Rows)) * f.RowHeight
	}
	parts := planSplit(layout, float64(maxHeight))
	if parts == nil {
		return [][]byte{fmt.Appendf(append([]byte{}, pngMagic...), "%s", desc)}, nil
	}
	out := make([][]byte, 0, len(parts))
	for _, rng := range parts {
		out = append(out, fmt.Appendf(append([]byte{}, pngMagic...), "%s rows=%d-%d", desc, rng[0], rng[1]))
	}
	return out, nil
}

// Docs returns the documents rasterized so far.
func (f *Fake) Docs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.docs...)
}
