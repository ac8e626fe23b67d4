package scene

import "weight-atlas/internal/viewport"

// Remap is an affine map from the active snapshot's buffer coordinates to
// the previous snapshot's: p = a*Scale + Translate, per axis.
type Remap struct {
	ScaleX, ScaleY         float64
	TranslateX, TranslateY float64
}

// Identity maps every coordinate to itself.
var Identity = Remap{ScaleX: 1, ScaleY: 1}

// NewRemap aligns two regions so the same world position lands on the same
// spot in both buffers.
func NewRemap(active, prev viewport.VisibleRegion) Remap {
	if active.Factor <= 0 || prev.Factor <= 0 {
		return Identity
	}
	scale := active.Factor / prev.Factor
	return Remap{
		ScaleX:     scale,
		ScaleY:     scale,
		TranslateX: (active.Rect.X1 - prev.Rect.X1) / prev.Factor,
		TranslateY: (active.Rect.Y1 - prev.Rect.Y1) / prev.Factor,
	}
}

// Apply maps active buffer coordinates to previous buffer coordinates.
func (m Remap) Apply(col, row float64) (float64, float64) {
	return col*m.ScaleX + m.TranslateX, row*m.ScaleY + m.TranslateY
}

// Normalized expresses the map in texture coordinates ([0,1] per axis) for
// two buffers of width x height samples.
func (m Remap) Normalized(width, height float64) Remap {
	if width <= 0 || height <= 0 {
		return m
	}
	return Remap{
		ScaleX:     m.ScaleX,
		ScaleY:     m.ScaleY,
		TranslateX: m.TranslateX / width,
		TranslateY: m.TranslateY / height,
	}
}
