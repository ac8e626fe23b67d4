// Package frames produces fixed-size sampled buffers for visible regions on
// a background worker, with cooperative cancellation.
package frames

import (
	"math"
	"time"

	"weight-atlas/internal/grid"
	"weight-atlas/internal/viewport"
)

// Sentinel marks "no data" in a frame buffer. It is a NaN, so compare with
// IsSentinel rather than ==.
var Sentinel = float32(math.NaN())

// IsSentinel reports whether v is the no-data marker.
func IsSentinel(v float32) bool { return v != v }

// Frame is a filled buffer bound to one region. Data is row-major with
// Cols*Rows samples; sample (c, r) stands for world position
// Region.LocalToWorld(c, r).
type Frame struct {
	Seq     uint64
	Region  viewport.VisibleRegion
	Cols    int
	Rows    int
	Data    []float32
	Chunks  int           // layers written
	Elapsed time.Duration // time spent filling
	Failed  bool          // extraction panicked; unfilled samples keep the sentinel
}

// At returns the sample at (col, row). Out-of-range or sentinel samples
// report false.
func (f *Frame) At(col, row int) (float32, bool) {
	if col < 0 || row < 0 || col >= f.Cols || row >= f.Rows {
		return 0, false
	}
	v := f.Data[row*f.Cols+col]
	return v, !IsSentinel(v)
}

// ValueAt returns the sample covering world position (x, y).
func (f *Frame) ValueAt(x, y float64) (float32, bool) {
	col, row, ok := f.Region.SampleAt(x, y)
	if !ok {
		return 0, false
	}
	return f.At(col, row)
}

// Filled counts non-sentinel samples.
func (f *Frame) Filled() int {
	n := 0
	for _, v := range f.Data {
		if !IsSentinel(v) {
			n++
		}
	}
	return n
}

// reset fills the buffer with the sentinel.
func (f *Frame) reset() {
	for i := range f.Data {
		f.Data[i] = Sentinel
	}
}

// blit copies a buffer-space chunk into the frame, clipping to its bounds.
func (f *Frame) blit(c grid.Chunk) {
	raw := c.Data.RawMatrix()
	x0, y0 := int(c.Dest.X1), int(c.Dest.Y1)

	for j := 0; j < raw.Rows; j++ {
		y := y0 + j
		if y < 0 || y >= f.Rows {
			continue
		}
		src := raw.Data[j*raw.Stride : j*raw.Stride+raw.Cols]
		dst := f.Data[y*f.Cols : (y+1)*f.Cols]
		for i, v := range src {
			x := x0 + i
			if x < 0 || x >= f.Cols {
				continue
			}
			dst[x] = float32(v)
		}
	}
}
