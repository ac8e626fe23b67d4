package grid

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Space selects the coordinate system of Chunk.Dest.
type Space int

const (
	// SpaceGrid reports destinations in grid (world) coordinates.
	SpaceGrid Space = iota
	// SpaceBuffer reports destinations in output-buffer samples relative to
	// the query origin. This is what frame production writes with.
	SpaceBuffer
	// SpacePacked is buffer-local but places chunks side by side in visit
	// order, dropping the gaps between layers. Useful for layer strips.
	SpacePacked
)

// sampleEps absorbs float error when mapping sample indices to cells, so
// that k*factor landing a hair below an integer still selects that cell.
const sampleEps = 1e-9

// ExtractRequest describes one strided extraction.
type ExtractRequest struct {
	Rect    Rect
	FactorX float64
	FactorY float64
	Space   Space
}

// Chunk is the sampled overlap of one layer with a query.
type Chunk struct {
	Layer *SpatialLayer
	Data  *mat.Dense // rows = samples along Y, cols = samples along X
	Dest  Rect
}

// Samples returns the chunk size in samples.
func (c Chunk) Samples() (cols, rows int) {
	rows, cols = c.Data.Dims()
	return cols, rows
}

// ExtractChunks samples every visible layer overlapping req.Rect.
func (g *LayeredGrid) ExtractChunks(req ExtractRequest) []Chunk {
	var out []Chunk
	g.ForEachChunk(req, func(c Chunk) bool {
		out = append(out, c)
		return true
	})
	return out
}

// ForEachChunk extracts one chunk per visible layer and hands it to fn.
// Returning false from fn stops the iteration before the next layer is
// sampled.
//
// Samples sit at grid positions k*factor for integer k, independent of the
// query origin, so two queries at the same factor always sample the same
// cells wherever they overlap.
func (g *LayeredGrid) ForEachChunk(req ExtractRequest, fn func(Chunk) bool) {
	fx, fy := sanitizeFactor(req.FactorX), sanitizeFactor(req.FactorY)
	if req.Rect.Empty() {
		return
	}

	originX := sampleIndex(req.Rect.X1, fx)
	originY := sampleIndex(req.Rect.Y1, fy)
	packedX := 0

	for _, l := range g.VisibleLayers(req.Rect) {
		overlap := l.Bounds().Intersect(req.Rect)
		if overlap.Empty() {
			continue
		}

		kx1, kx2 := sampleIndex(overlap.X1, fx), sampleIndex(overlap.X2, fx)
		ky1, ky2 := sampleIndex(overlap.Y1, fy), sampleIndex(overlap.Y2, fy)
		nx, ny := kx2-kx1, ky2-ky1
		if nx <= 0 || ny <= 0 {
			continue
		}

		c := Chunk{Layer: l, Data: sampleLayer(l, kx1, ky1, nx, ny, fx, fy)}
		switch req.Space {
		case SpaceBuffer:
			c.Dest = Rect{
				X1: float64(kx1 - originX), Y1: float64(ky1 - originY),
				X2: float64(kx2 - originX), Y2: float64(ky2 - originY),
			}
		case SpacePacked:
			c.Dest = Rect{
				X1: float64(packedX), Y1: float64(ky1 - originY),
				X2: float64(packedX + nx), Y2: float64(ky2 - originY),
			}
			packedX += nx
		default:
			c.Dest = Rect{
				X1: float64(kx1) * fx, Y1: float64(ky1) * fy,
				X2: float64(kx2) * fx, Y2: float64(ky2) * fy,
			}
		}

		if !fn(c) {
			return
		}
	}
}

// sampleLayer gathers nx*ny samples starting at sample index (kx1, ky1).
func sampleLayer(l *SpatialLayer, kx1, ky1, nx, ny int, fx, fy float64) *mat.Dense {
	raw := l.data.RawMatrix()
	out := make([]float64, nx*ny)

	cols := make([]int, nx)
	for i := range cols {
		cols[i] = clampInt(sampleCell(kx1+i, fx)-l.ColumnOffset, 0, l.Columns-1)
	}

	for j := 0; j < ny; j++ {
		row := clampInt(sampleCell(ky1+j, fy)-l.RowOffset, 0, l.Rows-1)
		src := raw.Data[row*raw.Stride : row*raw.Stride+raw.Cols]
		dst := out[j*nx : (j+1)*nx]
		for i, col := range cols {
			dst[i] = src[col]
		}
	}
	return mat.NewDense(ny, nx, out)
}

// sampleIndex returns the first sample index k with k*factor >= v.
func sampleIndex(v, factor float64) int {
	return int(math.Ceil(v/factor - sampleEps))
}

// sampleCell returns the grid cell that sample k falls in.
func sampleCell(k int, factor float64) int {
	return int(math.Floor(float64(k)*factor + sampleEps))
}

func sanitizeFactor(f float64) float64 {
	if f <= 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return 1
	}
	return f
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
