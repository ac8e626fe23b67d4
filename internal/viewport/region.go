package viewport

import (
	"math"

	"weight-atlas/internal/grid"
)

// Rect is the world-space rectangle type shared with the grid.
type Rect = grid.Rect

// VisibleRegion is a padded, factor-aligned slice of the world that one
// frame materializes. X1/Y1 are rounded up and X2/Y2 rounded down to
// multiples of Factor, so successive regions at the same factor sample the
// same grid positions. The sample at X2 (and Y2) belongs to the region, so a
// region covers [X1, X2+Factor) x [Y1, Y2+Factor).
type VisibleRegion struct {
	Rect    Rect    `json:"rect"`
	Factor  float64 `json:"factor"`
	Zoom    float64 `json:"zoom"`
	Padding float64 `json:"padding"` // fraction of the view size added on each side
}

// Offset returns the world position of buffer sample (0, 0).
func (r VisibleRegion) Offset() (x, y float64) {
	return r.Rect.X1, r.Rect.Y1
}

// Empty reports whether the region holds no samples.
func (r VisibleRegion) Empty() bool {
	return r.Factor <= 0 || r.Rect.X2 < r.Rect.X1 || r.Rect.Y2 < r.Rect.Y1
}

// Coverage returns the world area the region's samples stand for.
func (r VisibleRegion) Coverage() Rect {
	return Rect{X1: r.Rect.X1, Y1: r.Rect.Y1, X2: r.Rect.X2 + r.Factor, Y2: r.Rect.Y2 + r.Factor}
}

// Samples returns how many samples the region holds along each axis.
func (r VisibleRegion) Samples() (cols, rows int) {
	if r.Empty() {
		return 0, 0
	}
	cols = int(math.Round((r.Rect.X2-r.Rect.X1)/r.Factor)) + 1
	rows = int(math.Round((r.Rect.Y2-r.Rect.Y1)/r.Factor)) + 1
	return cols, rows
}

// Contains reports whether view lies inside the region's coverage.
func (r VisibleRegion) Contains(view Rect) bool {
	return !r.Empty() && r.Coverage().Contains(view)
}

// Equal reports whether two regions describe the same samples.
func (r VisibleRegion) Equal(o VisibleRegion) bool {
	return r.Rect == o.Rect && r.Factor == o.Factor
}

// WorldToLocal converts a world position to fractional buffer coordinates.
func (r VisibleRegion) WorldToLocal(x, y float64) (col, row float64) {
	return (x - r.Rect.X1) / r.Factor, (y - r.Rect.Y1) / r.Factor
}

// LocalToWorld converts buffer coordinates back to a world position.
func (r VisibleRegion) LocalToWorld(col, row float64) (x, y float64) {
	return r.Rect.X1 + col*r.Factor, r.Rect.Y1 + row*r.Factor
}

// SampleAt returns the buffer sample holding world position (x, y).
// It reports false when the position lies outside the region.
func (r VisibleRegion) SampleAt(x, y float64) (col, row int, ok bool) {
	if r.Empty() || !r.Coverage().ContainsPoint(x, y) {
		return 0, 0, false
	}
	fc, fr := r.WorldToLocal(x, y)
	return int(math.Floor(fc + stepEps)), int(math.Floor(fr + stepEps)), true
}

// BuildRegion expands view by padding (a fraction of its width and height),
// clamps it to world and aligns the result to factor. The margin is never
// less than one factor, so the aligned region still covers the view. world
// is expected to start on a factor multiple (grids are anchored at 0).
func BuildRegion(view, world Rect, level DetailLevel, padding float64) VisibleRegion {
	f := level.Factor
	padX := math.Max(padding*view.Width(), f)
	padY := math.Max(padding*view.Height(), f)
	padded := view.Expand(padX, padY).Clamp(world)

	return VisibleRegion{
		Rect: Rect{
			X1: alignUp(padded.X1, f),
			Y1: alignUp(padded.Y1, f),
			X2: alignDown(padded.X2, f),
			Y2: alignDown(padded.Y2, f),
		},
		Factor:  f,
		Zoom:    level.Zoom,
		Padding: padding,
	}
}

// BufferSize returns buffer dimensions large enough for every region built
// for a target of targetW x targetH with the given padding.
func BufferSize(targetW, targetH int, padding float64) (cols, rows int) {
	side := func(target int) int {
		t := float64(max(target, 1))
		// view samples + a margin of max(padding*view, 1 factor) per side,
		// + the inclusive end sample
		return int(math.Ceil(t+2*math.Max(padding*t, 1))) + 2
	}
	return side(targetW), side(targetH)
}
