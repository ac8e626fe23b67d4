package grid

import (
	"fmt"
	"math"
	"sort"
)

// GridBackend answers "which layers intersect this rectangle". The grid picks
// one at construction time; both must return layers in load order.
type GridBackend interface {
	// Name identifies the backend in stats and logs.
	Name() string
	// Build indexes the given layers, replacing any previous content.
	Build(layers []*SpatialLayer, width, height int)
	// Query appends every layer intersecting r to dst and returns it.
	Query(r Rect, dst []*SpatialLayer) []*SpatialLayer
}

// Backend names accepted by NewBackend.
const (
	BackendScan = "scan"
	BackendCell = "cell"
)

// NewBackend returns the backend registered under name. cellSize is only
// used by the cell backend; 0 picks a default.
func NewBackend(name string, cellSize int) (GridBackend, error) {
	switch name {
	case "", BackendScan:
		return &ScanBackend{}, nil
	case BackendCell:
		return NewCellBackend(cellSize), nil
	default:
		return nil, fmt.Errorf("grid: unknown backend %q", name)
	}
}

// ScanBackend tests every layer. Cheap to build and fast enough for the few
// hundred layers a model usually has.
type ScanBackend struct {
	layers []*SpatialLayer
}

// Name implements GridBackend.
func (b *ScanBackend) Name() string { return BackendScan }

// Build implements GridBackend.
func (b *ScanBackend) Build(layers []*SpatialLayer, _, _ int) {
	b.layers = layers
}

// Query implements GridBackend.
func (b *ScanBackend) Query(r Rect, dst []*SpatialLayer) []*SpatialLayer {
	for _, l := range b.layers {
		if l.Bounds().Intersects(r) {
			dst = append(dst, l)
		}
	}
	return dst
}

// CellBackend buckets layers into fixed-size cells so queries only visit the
// cells they overlap. Cells are stored row-major (cells[row*cols+col]) and
// hold layer indices, not pointers.
type CellBackend struct {
	cellSize    float64
	invCellSize float64
	cols, rows  int
	cells       [][]uint32
	layers      []*SpatialLayer
	seen        []uint32 // per-layer query stamp for dedup
	stamp       uint32
}

// NewCellBackend creates an empty cell backend.
func NewCellBackend(cellSize int) *CellBackend {
	if cellSize <= 0 {
		cellSize = 512
	}
	return &CellBackend{
		cellSize:    float64(cellSize),
		invCellSize: 1.0 / float64(cellSize),
	}
}

// Name implements GridBackend.
func (b *CellBackend) Name() string { return BackendCell }

// Build implements GridBackend.
func (b *CellBackend) Build(layers []*SpatialLayer, width, height int) {
	b.cols = int(math.Ceil(float64(width) * b.invCellSize))
	b.rows = int(math.Ceil(float64(height) * b.invCellSize))

	// Ensure at least 1x1 grid
	if b.cols < 1 {
		b.cols = 1
	}
	if b.rows < 1 {
		b.rows = 1
	}

	b.cells = make([][]uint32, b.cols*b.rows)
	b.layers = layers
	b.seen = make([]uint32, len(layers))
	b.stamp = 0

	for i, l := range layers {
		minCol, minRow, maxCol, maxRow := b.cellRange(l.Bounds())
		for row := minRow; row <= maxRow; row++ {
			for col := minCol; col <= maxCol; col++ {
				idx := row*b.cols + col
				b.cells[idx] = append(b.cells[idx], uint32(i))
			}
		}
	}
}

// cellRange returns the inclusive cell span covering r, clamped to the grid.
// X2/Y2 are exclusive so a layer ending exactly on a cell edge does not spill
// into the next cell.
func (b *CellBackend) cellRange(r Rect) (minCol, minRow, maxCol, maxRow int) {
	minCol = b.clampCol(int(math.Floor(r.X1 * b.invCellSize)))
	minRow = b.clampRow(int(math.Floor(r.Y1 * b.invCellSize)))
	maxCol = b.clampCol(int(math.Ceil(r.X2*b.invCellSize)) - 1)
	maxRow = b.clampRow(int(math.Ceil(r.Y2*b.invCellSize)) - 1)
	return
}

func (b *CellBackend) clampCol(c int) int {
	if c < 0 {
		return 0
	}
	if c >= b.cols {
		return b.cols - 1
	}
	return c
}

func (b *CellBackend) clampRow(r int) int {
	if r < 0 {
		return 0
	}
	if r >= b.rows {
		return b.rows - 1
	}
	return r
}

// Query implements GridBackend. Candidates from the visited cells are
// deduplicated with a stamp and confirmed with an exact bounds test.
func (b *CellBackend) Query(r Rect, dst []*SpatialLayer) []*SpatialLayer {
	if len(b.layers) == 0 || r.Empty() {
		return dst
	}

	b.stamp++
	if b.stamp == 0 {
		// wrapped: reset stamps so stale entries cannot collide
		for i := range b.seen {
			b.seen[i] = 0
		}
		b.stamp = 1
	}

	start := len(dst)
	minCol, minRow, maxCol, maxRow := b.cellRange(r)
	for row := minRow; row <= maxRow; row++ {
		for col := minCol; col <= maxCol; col++ {
			for _, id := range b.cells[row*b.cols+col] {
				if b.seen[id] == b.stamp {
					continue
				}
				b.seen[id] = b.stamp
				if l := b.layers[id]; l.Bounds().Intersects(r) {
					dst = append(dst, l)
				}
			}
		}
	}

	found := dst[start:]
	sort.Slice(found, func(i, j int) bool { return found[i].Index < found[j].Index })
	return dst
}

// Stats returns bucket occupancy for debugging.
func (b *CellBackend) Stats() CellStats {
	var total, maxInCell, nonEmpty int
	for _, cell := range b.cells {
		count := len(cell)
		total += count
		if count > maxInCell {
			maxInCell = count
		}
		if count > 0 {
			nonEmpty++
		}
	}

	avg := 0.0
	if nonEmpty > 0 {
		avg = float64(total) / float64(nonEmpty)
	}

	return CellStats{
		TotalCells:     len(b.cells),
		NonEmptyCells:  nonEmpty,
		TotalEntries:   total,
		MaxInCell:      maxInCell,
		AvgPerNonEmpty: avg,
	}
}

// CellStats contains cell backend statistics for debugging.
type CellStats struct {
	TotalCells     int     `json:"totalCells"`
	NonEmptyCells  int     `json:"nonEmptyCells"`
	TotalEntries   int     `json:"totalEntries"`
	MaxInCell      int     `json:"maxInCell"`
	AvgPerNonEmpty float64 `json:"avgPerNonEmpty"`
}
