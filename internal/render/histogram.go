package render

import (
	"errors"
	"fmt"
	"io"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// DefaultBins is the histogram bucket count when none is given.
const DefaultBins = 64

// HistogramOptions sizes a histogram plot.
type HistogramOptions struct {
	Bins   int
	Width  vg.Length
	Height vg.Length
}

// DefaultHistogramOptions returns a 6x3 inch plot with DefaultBins buckets.
func DefaultHistogramOptions() HistogramOptions {
	return HistogramOptions{Bins: DefaultBins, Width: 6 * vg.Inch, Height: 3 * vg.Inch}
}

// ErrNoValues is returned when a layer has no finite value to plot.
var ErrNoValues = errors.New("no finite values")

// MatrixValues flattens m in row-major order, skipping NaN and Inf.
func MatrixValues(m mat.Matrix) plotter.Values {
	rows, cols := m.Dims()
	out := make(plotter.Values, 0, rows*cols)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			if v := m.At(r, c); !math.IsNaN(v) && !math.IsInf(v, 0) {
				out = append(out, v)
			}
		}
	}
	return out
}

// WriteHistogram plots the value distribution of one layer as a PNG.
func WriteHistogram(w io.Writer, title string, values plotter.Values, opts HistogramOptions) error {
	if len(values) == 0 {
		return fmt.Errorf("histogram %q: %w", title, ErrNoValues)
	}
	if opts.Bins <= 0 {
		opts.Bins = DefaultBins
	}
	if opts.Width <= 0 || opts.Height <= 0 {
		d := DefaultHistogramOptions()
		opts.Width, opts.Height = d.Width, d.Height
	}

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "weight"
	p.Y.Label.Text = "count"

	h, err := plotter.NewHist(values, opts.Bins)
	if err != nil {
		return fmt.Errorf("histogram %q: %w", title, err)
	}
	h.FillColor = positive
	p.Add(h)

	wt, err := p.WriterTo(opts.Width, opts.Height, "png")
	if err != nil {
		return fmt.Errorf("histogram %q: %w", title, err)
	}
	_, err = wt.WriteTo(w)
	return err
}
