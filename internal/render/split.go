package render

// rowBox is a table row's vertical extent in CSS pixels, relative to the table top.
type rowBox struct {
	Top    float64 `json:"top"`
	Bottom float64 `json:"bottom"`
}

// tableLayout is what the page reports about the captured table.
type tableLayout struct {
	Height float64  `json:"height"`
	Rows   []rowBox `json:"rows"`
}

// splitRows groups consecutive rows into parts no taller than maxHeight. A row taller than
// maxHeight gets a part of its own. Each part is an inclusive [first, last] row range.
func splitRows(rows []rowBox, maxHeight float64) [][2]int {
	if len(rows) == 0 {
		return nil
	}
	var (
		parts [][2]int
		start int
		cur   float64
	)
	for i, r := range rows {
		h := r.Bottom - r.Top
		if cur+h > maxHeight && i > start {
			parts = append(parts, [2]int{start, i - 1})
			start = i
			cur = h
			continue
		}
		cur += h
	}
	return append(parts, [2]int{start, len(rows) - 1})
}

// planSplit returns the row ranges to capture separately, or nil when the table fits.
func planSplit(layout *tableLayout, maxHeight float64) [][2]int {
	if layout == nil || maxHeight <= 0 || layout.Height <= maxHeight {
		return nil
	}
	parts := splitRows(layout.Rows, maxHeight)
	if len(parts) < 2 {
		return nil
	}
	return parts
}
