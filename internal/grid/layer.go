// Package grid packs many rectangular numeric layers into one large 2D grid
// and extracts strided samples from arbitrary rectangular regions of it.
//
// Layers are immutable once added. The only mutable state after construction
// is the visible-layer cache, which is guarded so hover queries may run while
// a background producer extracts.
package grid

import (
	"gonum.org/v1/gonum/mat"

	"weight-atlas/internal/model"
)

// SpatialLayer is one tensor placed at a fixed offset in grid space.
// Columns run along X, rows along Y.
type SpatialLayer struct {
	Name         string
	Index        int // position in load order
	ColumnOffset int
	RowOffset    int
	Columns      int
	Rows         int
	Shape        []int // original tensor shape before normalisation
	Summary      model.Summary

	data *mat.Dense
}

// LayerMeta is the hover/tooltip view of a layer.
type LayerMeta struct {
	Name         string `json:"name"`
	ColumnOffset int    `json:"columnOffset"`
	RowOffset    int    `json:"rowOffset"`
	Bounds       Rect   `json:"bounds"`
}

// Bounds returns (x1, y1, x2, y2) of the layer in grid space.
func (l *SpatialLayer) Bounds() Rect {
	return Rect{
		X1: float64(l.ColumnOffset),
		Y1: float64(l.RowOffset),
		X2: float64(l.ColumnOffset + l.Columns),
		Y2: float64(l.RowOffset + l.Rows),
	}
}

// Meta returns the tooltip metadata.
func (l *SpatialLayer) Meta() LayerMeta {
	return LayerMeta{
		Name:         l.Name,
		ColumnOffset: l.ColumnOffset,
		RowOffset:    l.RowOffset,
		Bounds:       l.Bounds(),
	}
}

// At returns the value at layer-local (col, row). Out-of-range coordinates
// report false.
func (l *SpatialLayer) At(col, row int) (float64, bool) {
	if col < 0 || row < 0 || col >= l.Columns || row >= l.Rows {
		return 0, false
	}
	return l.data.At(row, col), true
}

// Data exposes the payload read-only.
func (l *SpatialLayer) Data() mat.Matrix {
	return l.data
}

// newLayer normalises a tensor into a 2D payload. It never fails: malformed
// input is coerced to the closest valid shape.
func newLayer(index int, t model.Tensor) *SpatialLayer {
	rows, cols := normalizeShape(t.Shape, len(t.Data))
	data := make([]float64, rows*cols)
	copy(data, t.Data) // short payloads are zero padded, long ones truncated

	return &SpatialLayer{
		Name:    t.Name,
		Index:   index,
		Columns: cols,
		Rows:    rows,
		Shape:   append([]int(nil), t.Shape...),
		Summary: model.Summarize(data),
		data:    mat.NewDense(rows, cols, data),
	}
}

// maxPaddedElements bounds how far a declared shape may exceed its payload.
const maxPaddedElements = 1 << 24

// normalizeShape maps any rank onto (rows, cols):
//
//	[]        -> len(data) x 1, or 1x1 when there is no data
//	[n]       -> n x 1 (a single column)
//	[r, c]    -> r x c
//	[r, ...]  -> r x prod(rest)
//
// Non-positive dimensions collapse to 1. A shape whose element count
// overflows, or exceeds both the payload and maxPaddedElements, falls back
// to len(data) x 1.
func normalizeShape(shape []int, dataLen int) (rows, cols int) {
	dim := func(d int) int {
		if d <= 0 {
			return 1
		}
		return d
	}
	limit := max(dataLen, maxPaddedElements)

	switch len(shape) {
	case 0:
		return dim(dataLen), 1
	case 1:
		rows, cols = dim(shape[0]), 1
	default:
		rows, cols = dim(shape[0]), 1
		for _, d := range shape[1:] {
			d = dim(d)
			if cols > limit/d {
				return dim(dataLen), 1
			}
			cols *= d
		}
	}
	if rows > limit || cols > limit/rows {
		return dim(dataLen), 1
	}
	return rows, cols
}
