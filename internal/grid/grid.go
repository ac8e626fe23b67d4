package grid

import (
	"log"
	"math"
	"sync"

	"weight-atlas/internal/model"
)

// DefaultGap is the number of empty cells between neighbouring layers.
const DefaultGap = 8

// Options configures a LayeredGrid.
type Options struct {
	Gap int // empty cells between layers; negative means 0
	// ColumnHeight caps how tall a packing column may grow before the next
	// layer starts a new column. 0 derives it from the total layer area so
	// the grid comes out roughly square.
	ColumnHeight int
	Backend      GridBackend // nil selects ScanBackend
}

// LayeredGrid owns all layers of one model load.
type LayeredGrid struct {
	layers  []*SpatialLayer
	backend GridBackend

	width, height int
	gap           int
	columnHeight  int
	fixedHeight   int // configured column height, 0 = auto

	// packing cursor, continued across AddLayers calls
	cursorX, cursorY, colWidth int

	mu           sync.RWMutex
	visible      []*SpatialLayer
	visibleQuery Rect
	hasVisible   bool
}

// Point is the result of a hover query.
type Point struct {
	Value float64   `json:"value"`
	Col   int       `json:"col"` // layer-local column
	Row   int       `json:"row"` // layer-local row
	Layer LayerMeta `json:"layer"`
}

// Stats is a snapshot of grid size and backend state.
type Stats struct {
	Layers   int        `json:"layers"`
	Width    int        `json:"width"`
	Height   int        `json:"height"`
	Backend  string     `json:"backend"`
	Visible  int        `json:"visible"`
	Elements int        `json:"elements"`
	Cells    *CellStats `json:"cells,omitempty"`
}

// New creates an empty grid.
func New(opts Options) *LayeredGrid {
	gap := opts.Gap
	if gap < 0 {
		gap = 0
	}
	backend := opts.Backend
	if backend == nil {
		backend = &ScanBackend{}
	}
	return &LayeredGrid{
		backend:      backend,
		gap:          gap,
		columnHeight: opts.ColumnHeight,
		fixedHeight:  opts.ColumnHeight,
	}
}

// AddLayers normalises the tensors, assigns each a packed offset and
// rebuilds the backend index. Layers stack downwards inside a column; a layer
// that would overflow the column height starts a new column to the right.
// Empty input leaves the grid unchanged.
func (g *LayeredGrid) AddLayers(tensors []model.Tensor) {
	if len(tensors) == 0 {
		return
	}

	base := len(g.Layers())
	added := make([]*SpatialLayer, len(tensors))
	for i, t := range tensors {
		added[i] = newLayer(base+i, t)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.columnHeight <= 0 {
		g.columnHeight = g.autoColumnHeight(added)
	}

	for _, l := range added {
		if g.cursorY > 0 && g.cursorY+l.Rows > g.columnHeight {
			g.cursorX += g.colWidth + g.gap
			g.cursorY = 0
			g.colWidth = 0
		}
		l.ColumnOffset = g.cursorX
		l.RowOffset = g.cursorY
		g.cursorY += l.Rows + g.gap
		g.colWidth = max(g.colWidth, l.Columns)

		g.width = max(g.width, l.ColumnOffset+l.Columns)
		g.height = max(g.height, l.RowOffset+l.Rows)
	}

	g.layers = append(g.layers, added...)
	g.backend.Build(g.layers, g.width, g.height)
	g.visible, g.hasVisible = nil, false

	log.Printf("🧱 Grid packed %d layers into %dx%d (%s backend)", len(g.layers), g.width, g.height, g.backend.Name())
}

// autoColumnHeight picks a height that makes the packed grid roughly square,
// never shorter than the tallest layer.
func (g *LayeredGrid) autoColumnHeight(layers []*SpatialLayer) int {
	area := 0.0
	tallest := 0
	for _, l := range layers {
		area += float64(l.Columns+g.gap) * float64(l.Rows+g.gap)
		tallest = max(tallest, l.Rows)
	}
	return max(tallest, int(math.Ceil(math.Sqrt(area))))
}

// Clear drops every layer. The grid can be refilled with AddLayers.
func (g *LayeredGrid) Clear() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.layers = nil
	g.width, g.height = 0, 0
	g.cursorX, g.cursorY, g.colWidth = 0, 0, 0
	g.columnHeight = g.fixedHeight
	g.backend.Build(nil, 0, 0)
	g.visible, g.hasVisible = nil, false
}

// Layers returns the layers in load order. The slice must not be modified.
func (g *LayeredGrid) Layers() []*SpatialLayer {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.layers
}

// Layer returns the layer with the given name.
func (g *LayeredGrid) Layer(name string) (*SpatialLayer, bool) {
	for _, l := range g.Layers() {
		if l.Name == name {
			return l, true
		}
	}
	return nil, false
}

// Bounds returns the union of all layer bounds, anchored at the origin.
func (g *LayeredGrid) Bounds() Rect {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return Rect{X2: float64(g.width), Y2: float64(g.height)}
}

// Dimensions returns the packed grid size in cells.
func (g *LayeredGrid) Dimensions() (width, height int) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.width, g.height
}

// VisibleLayers returns the layers intersecting r and caches the result for
// GetPoint and for extraction of the same query. The returned slice is
// shared and must not be modified.
func (g *LayeredGrid) VisibleLayers(r Rect) []*SpatialLayer {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.hasVisible && g.visibleQuery == r {
		return g.visible
	}
	// always a fresh slice: earlier callers may still hold the old one
	g.visible = g.backend.Query(r, nil)
	g.visibleQuery = r
	g.hasVisible = true
	return g.visible
}

// GetPoint looks up the value under (x, y) among the cached visible layers.
// It reports false when no visible layer covers the point.
func (g *LayeredGrid) GetPoint(x, y float64) (Point, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for _, l := range g.visible {
		if !l.Bounds().ContainsPoint(x, y) {
			continue
		}
		col := int(math.Floor(x)) - l.ColumnOffset
		row := int(math.Floor(y)) - l.RowOffset
		v, ok := l.At(col, row)
		if !ok {
			return Point{}, false
		}
		return Point{Value: v, Col: col, Row: row, Layer: l.Meta()}, true
	}
	return Point{}, false
}

// Stats returns grid statistics.
func (g *LayeredGrid) Stats() Stats {
	g.mu.RLock()
	defer g.mu.RUnlock()

	s := Stats{
		Layers:  len(g.layers),
		Width:   g.width,
		Height:  g.height,
		Backend: g.backend.Name(),
		Visible: len(g.visible),
	}
	for _, l := range g.layers {
		s.Elements += l.Columns * l.Rows
	}
	if cb, ok := g.backend.(*CellBackend); ok {
		cs := cb.Stats()
		s.Cells = &cs
	}
	return s
}
