package render

import (
	"context"

	"github.com/floegence/tablesynth/internal/augment"
)

// Rasterizer captures a built document as PNG images. With maxHeight > 0 a table taller
// than maxHeight CSS pixels is captured as several row-aligned parts; otherwise exactly one
// image is returned.
type Rasterizer interface {
	Rasterize(ctx context.Context, doc string, plan augment.Plan, maxHeight int) ([][]byte, error)
}

// Selector returns the element captured for plan.
func Selector(plan augment.Plan) string {
	if plan.Raw {
		return "table"
	}
	return "#" + ShotID
}
