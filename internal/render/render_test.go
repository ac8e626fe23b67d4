package render

import (
	"bytes"
	"image/color"
	"image/png"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/plot/plotter"

	"weight-atlas/internal/frames"
	"weight-atlas/internal/grid"
	"weight-atlas/internal/model"
	"weight-atlas/internal/scene"
	"weight-atlas/internal/viewport"
)

func filledFrame(seq uint64, rect grid.Rect, factor float64, v float32) *frames.Frame {
	region := viewport.VisibleRegion{Rect: rect, Factor: factor}
	cols, rows := region.Samples()
	data := make([]float32, cols*rows)
	for i := range data {
		data[i] = v
	}
	return &frames.Frame{Seq: seq, Region: region, Cols: cols, Rows: rows, Data: data}
}

func rgba(c color.Color) color.RGBA {
	return color.RGBAModel.Convert(c).(color.RGBA)
}

func TestColormap(t *testing.T) {
	cm := NewColormap(2)
	assert.Equal(t, DefaultBackground, cm.Map(frames.Sentinel))
	assert.Equal(t, neutral, cm.Map(0))
	assert.Equal(t, positive, cm.Map(2))
	assert.Equal(t, positive, cm.Map(50), "saturates")
	assert.Equal(t, negative, cm.Map(-2))

	half := cm.Map(1)
	assert.Greater(t, half.R, positive.R)
	assert.Less(t, half.B, neutral.B)

	assert.Equal(t, 1.0, NewColormap(0).Limit)
	assert.Equal(t, 1.0, NewColormap(math.NaN()).Limit)
	assert.Equal(t, 1.0, NewColormap(math.Inf(1)).Limit)
}

func TestSymmetricLimit(t *testing.T) {
	assert.Equal(t, 1.0, SymmetricLimit(nil))
	assert.Equal(t, 1.0, SymmetricLimit([]model.Summary{{Count: 4}}))
	assert.Equal(t, 3.5, SymmetricLimit([]model.Summary{{AbsMax: 0.5}, {AbsMax: 3.5}}))
}

func TestRenderWithoutSnapshot(t *testing.T) {
	r := NewRenderer(Options{Width: 8, Height: 4})
	img := r.Render(Input{View: grid.Rect{X2: 8, Y2: 4}})
	assert.Equal(t, 8, img.Bounds().Dx())
	for y := 0; y < 4; y++ {
		for x := 0; x < 8; x++ {
			require.Equal(t, DefaultBackground, img.RGBAAt(x, y))
		}
	}
}

func TestRenderActiveOnly(t *testing.T) {
	s := scene.New()
	s.Update(filledFrame(1, grid.Rect{X2: 4, Y2: 4}, 1, 1))

	r := NewRenderer(Options{Width: 16, Height: 16})
	img := r.Render(Input{View: grid.Rect{X2: 8, Y2: 8}, Snapshot: s.Snapshot(), Colormap: NewColormap(1)})

	assert.Equal(t, positive, img.RGBAAt(0, 0))
	assert.Equal(t, positive, img.RGBAAt(9, 9), "inclusive end sample covers [4,5)")
	assert.Equal(t, DefaultBackground, img.RGBAAt(15, 15))
}

func TestRenderBlendsPrevious(t *testing.T) {
	s := scene.New()
	s.Update(filledFrame(1, grid.Rect{X2: 8, Y2: 8}, 2, 1))  // previous, coarse
	s.Update(filledFrame(2, grid.Rect{X2: 8, Y2: 8}, 1, -1)) // active
	snap := s.Snapshot()
	require.NotNil(t, snap.Previous())

	r := NewRenderer(Options{Width: 8, Height: 8})
	in := Input{View: grid.Rect{X2: 8, Y2: 8}, Snapshot: snap, Colormap: NewColormap(1)}

	assert.Equal(t, negative, r.Render(in).RGBAAt(3, 3), "mix 0 shows only the active frame")

	in.PrevMix = 1
	assert.Equal(t, positive, r.Render(in).RGBAAt(3, 3))

	in.PrevMix = 0.5
	assert.Equal(t, lerp(negative, positive, 0.5), r.Render(in).RGBAAt(3, 3))
}

func TestRenderPreviousFillsGaps(t *testing.T) {
	s := scene.New()
	s.Update(filledFrame(1, grid.Rect{X2: 8, Y2: 8}, 1, 1))
	gappy := filledFrame(2, grid.Rect{X2: 4, Y2: 8}, 1, -1)
	gappy.Data[0] = frames.Sentinel
	s.Update(gappy)

	r := NewRenderer(Options{Width: 8, Height: 8})
	img := r.Render(Input{View: grid.Rect{X2: 8, Y2: 8}, Snapshot: s.Snapshot(), PrevMix: 0.25, Colormap: NewColormap(1)})

	assert.Equal(t, positive, img.RGBAAt(0, 0), "sentinel in the active frame")
	assert.Equal(t, positive, img.RGBAAt(7, 7), "outside the active region")
}

func TestRenderOutlinesAndCells(t *testing.T) {
	g := grid.New(grid.Options{})
	g.AddLayers([]model.Tensor{{Name: "w", Shape: []int{8, 8}, Data: make([]float64, 64)}})

	r := NewRenderer(Options{Width: 32, Height: 32, ShowOutlines: true})
	img := r.Render(Input{
		View:   grid.Rect{X2: 16, Y2: 16},
		Layers: g.Layers(),
		Cells:  []grid.Rect{{X1: 10, Y1: 10, X2: 14, Y2: 14}},
	})

	assert.NotEqual(t, DefaultBackground, img.RGBAAt(0, 5), "left edge of the layer outline")
	assert.Equal(t, DefaultBackground, img.RGBAAt(8, 8), "layer interior")
	assert.Equal(t, cellColor, img.RGBAAt(20, 20), "cell corner")
	assert.Equal(t, DefaultBackground, img.RGBAAt(24, 24))
}

func TestRenderLabels(t *testing.T) {
	g := grid.New(grid.Options{})
	g.AddLayers([]model.Tensor{{Name: "blocks.0.mlp", Shape: []int{64, 64}, Data: make([]float64, 64*64)}})

	r := NewRenderer(Options{Width: 256, Height: 256, ShowLabels: true, LabelSize: 12})
	require.NotNil(t, r.face)
	img := r.Render(Input{View: grid.Rect{X2: 64, Y2: 64}, Layers: g.Layers()})

	changed := 0
	for y := 0; y < 24; y++ {
		for x := 0; x < 120; x++ {
			if img.RGBAAt(x, y) != DefaultBackground {
				changed++
			}
		}
	}
	assert.Positive(t, changed)
}

func TestEncodePNG(t *testing.T) {
	r := NewRenderer(Options{Width: 10, Height: 6})
	var buf bytes.Buffer
	require.NoError(t, EncodePNG(&buf, r.Render(Input{View: grid.Rect{X2: 1, Y2: 1}})))

	img, err := png.Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, 10, img.Bounds().Dx())
	assert.Equal(t, DefaultBackground, rgba(img.At(3, 3)))
}

func TestFrameImage(t *testing.T) {
	f := filledFrame(1, grid.Rect{X2: 2, Y2: 1}, 1, 1)
	f.Data[1] = frames.Sentinel

	img := FrameImage(f, NewColormap(1))
	assert.Equal(t, 3, img.Bounds().Dx())
	assert.Equal(t, 2, img.Bounds().Dy())
	assert.Equal(t, positive, img.RGBAAt(0, 0))
	assert.Equal(t, DefaultBackground, img.RGBAAt(1, 0))
}

func TestRasterClipping(t *testing.T) {
	ras := NewRaster(4, 4, nil)
	ras.Clear(color.RGBA{A: 255})

	ras.DrawFilledRect(-10, -10, 12, 12, color.RGBA{R: 255, A: 255})
	ras.DrawFilledRectBlend(2, 2, 100, 100, color.RGBA{G: 255, A: 0})
	ras.SetPixel(99, 99, color.RGBA{B: 255, A: 255})

	img := ras.Image()
	assert.Equal(t, color.RGBA{R: 255, A: 255}, img.RGBAAt(1, 1))
	assert.Equal(t, color.RGBA{A: 255}, img.RGBAAt(2, 2), "transparent fill is a no-op")

	ras.DrawFilledRectBlend(2, 2, 100, 100, color.RGBA{G: 255, A: 128})
	assert.Greater(t, img.RGBAAt(3, 3).G, uint8(100))
}

func TestWriteHistogram(t *testing.T) {
	m := mat.NewDense(2, 3, []float64{-1, -0.5, 0, 0.25, 0.5, 1})
	values := MatrixValues(m)
	assert.Len(t, values, 6)
	assert.Equal(t, 0.25, values[3])

	var buf bytes.Buffer
	require.NoError(t, WriteHistogram(&buf, "w", values, HistogramOptions{Bins: 4}))
	_, err := png.Decode(&buf)
	assert.NoError(t, err)

	assert.ErrorIs(t, WriteHistogram(&buf, "empty", nil, DefaultHistogramOptions()), ErrNoValues)
}

func TestHistogramSkipsNonFinite(t *testing.T) {
	m := mat.NewDense(1, 5, []float64{math.NaN(), 1, math.Inf(1), -2, math.Inf(-1)})
	values := MatrixValues(m)
	assert.Equal(t, plotter.Values{1, -2}, values)

	var buf bytes.Buffer
	require.NoError(t, WriteHistogram(&buf, "gaps", values, DefaultHistogramOptions()))

	allNaN := MatrixValues(mat.NewDense(1, 2, []float64{math.NaN(), math.NaN()}))
	assert.ErrorIs(t, WriteHistogram(&buf, "nan", allNaN, DefaultHistogramOptions()), ErrNoValues)
}

func TestWriteLayerDashboard(t *testing.T) {
	var buf bytes.Buffer
	err := WriteLayerDashboard(&buf, "tiny", []LayerStat{
		{Name: "embed.weight", Summary: model.Summarize([]float64{-1, 0, 2})},
		{Name: "head.bias", Summary: model.Summarize([]float64{0.5})},
	})
	require.NoError(t, err)

	html := buf.String()
	assert.Contains(t, html, "<html")
	assert.Contains(t, html, "embed.weight")
	assert.Contains(t, html, "head.bias")
}
