package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"weight-atlas/internal/config"
	"weight-atlas/internal/frames"
	"weight-atlas/internal/grid"
	"weight-atlas/internal/model"
	"weight-atlas/internal/render"
	"weight-atlas/internal/scene"
	"weight-atlas/internal/viewport"
)

const waitFor = 2 * time.Second

func ramp(name string, cols, rows int) model.Tensor {
	data := make([]float64, cols*rows)
	for i := range data {
		data[i] = float64(i)
	}
	return model.Tensor{Name: name, Shape: []int{rows, cols}, Data: data}
}

func testOptions() Options {
	return Options{
		Viewport: viewport.Options{
			TargetWidth:     64,
			TargetHeight:    64,
			PaddingFraction: 0.25,
			PowerOfTwo:      true,
		},
		MinZoom: 0.05,
		Gap:     4,
	}
}

func newLoaded(t *testing.T, opts Options) *Engine {
	t.Helper()
	e, err := New(opts)
	require.NoError(t, err)
	e.LoadTensors("tiny", []model.Tensor{ramp("a", 32, 32), ramp("b", 16, 8)})
	e.Start()
	t.Cleanup(e.Stop)
	return e
}

func waitFrame(t *testing.T, e *Engine) *frames.Frame {
	t.Helper()
	var f *frames.Frame
	require.Eventually(t, func() bool {
		var ok bool
		f, ok = e.PollFrame()
		return ok
	}, waitFor, time.Millisecond)
	return f
}

func TestUnknownBackend(t *testing.T) {
	_, err := New(Options{Backend: "octree"})
	assert.Error(t, err)
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Grid.Backend = "cell"
	cfg.Viewport.TargetWidth = 320

	opts := OptionsFromConfig(cfg)
	assert.Equal(t, "cell", opts.Backend)
	assert.Equal(t, 320, opts.Viewport.TargetWidth)
	assert.Equal(t, cfg.Viewport.MinZoom, opts.MinZoom)
}

func TestViewportFlowProducesFrame(t *testing.T) {
	e := newLoaded(t, testOptions())

	u := e.UpdateViewport(grid.Rect{X2: 32, Y2: 32}, 1)
	require.True(t, u.Rebuilt)
	assert.NotZero(t, u.Seq)
	assert.Equal(t, "active", u.State)
	assert.True(t, u.Region.Contains(grid.Rect{X2: 32, Y2: 32}))

	f := waitFrame(t, e)
	assert.Equal(t, u.Seq, f.Seq)
	assert.Positive(t, f.Filled())

	// ramp layer "a" sits at the origin; value = row*32 + col
	v, ok := f.ValueAt(4, 2)
	require.True(t, ok)
	assert.Equal(t, float32(2*32+4), v)

	snap := e.Scene().Snapshot()
	assert.Same(t, f, snap.Active())
	assert.Nil(t, snap.Previous())
}

func TestUnchangedViewRequestsOnce(t *testing.T) {
	e := newLoaded(t, testOptions())
	view := grid.Rect{X1: 2, Y1: 2, X2: 30, Y2: 30}

	first := e.UpdateViewport(view, 1)
	second := e.UpdateViewport(view, 1)
	assert.True(t, first.Rebuilt)
	assert.False(t, second.Rebuilt)
	assert.Zero(t, second.Seq)

	s := e.Stats()
	assert.Equal(t, uint64(1), s.Producer["requested"])
	assert.Equal(t, uint64(1), s.Viewport.Rebuilds)
	assert.Equal(t, uint64(1), s.Viewport.Reuses)
	assert.Equal(t, uint64(2), s.Viewport.Updates)
}

func TestZoomAlternatesSlots(t *testing.T) {
	e := newLoaded(t, testOptions())

	e.UpdateViewport(grid.Rect{X2: 32, Y2: 32}, 1)
	first := waitFrame(t, e)

	e.UpdateViewport(grid.Rect{X2: 256, Y2: 256}, 0.25)
	second := waitFrame(t, e)

	var active, previous *frames.Frame
	e.ViewScene(func(s *scene.Snapshot) {
		active, previous = s.Active(), s.Previous()
	})
	assert.Same(t, second, active)
	assert.Same(t, first, previous)

	m := e.MixFactor()
	assert.InDelta(t, 1, m.Previous+m.Current, 1e-12)
	assert.Equal(t, second.Region.Factor, m.ActiveFactor)
	assert.Equal(t, first.Region.Factor, m.PreviousFactor)
	assert.Greater(t, m.ActiveFactor, m.PreviousFactor, "zooming out coarsens")
}

func TestDragForcesCurrentOnly(t *testing.T) {
	e := newLoaded(t, testOptions())

	e.UpdateViewport(grid.Rect{X2: 32, Y2: 32}, 1)
	waitFrame(t, e)
	u := e.UpdateViewport(grid.Rect{X1: 10, X2: 42, Y2: 32}, 1)
	assert.True(t, u.Dragged)
	waitFrame(t, e)

	m := e.MixFactor()
	assert.True(t, m.Dragged)
	assert.Zero(t, m.Previous)
	assert.Equal(t, 1.0, m.Current)

	// resizing ends the drag
	u = e.UpdateViewport(grid.Rect{X2: 64, Y2: 64}, 0.5)
	assert.False(t, u.Dragged)
}

func TestReachedMinZoom(t *testing.T) {
	e := newLoaded(t, testOptions())
	assert.True(t, e.UpdateViewport(grid.Rect{X2: 1000, Y2: 1000}, 0.05).ReachedMinZoom)
	assert.False(t, e.UpdateViewport(grid.Rect{X2: 100, Y2: 100}, 0.5).ReachedMinZoom)
}

func TestGetPoint(t *testing.T) {
	e := newLoaded(t, testOptions())
	e.UpdateViewport(grid.Rect{X2: 64, Y2: 64}, 1)

	p, ok := e.GetPoint(5.5, 3.2)
	require.True(t, ok)
	assert.Equal(t, "a", p.Layer.Name)
	assert.Equal(t, 5, p.Col)
	assert.Equal(t, 3, p.Row)
	assert.Equal(t, float64(3*32+5), p.Value)

	_, ok = e.GetPoint(-1, -1)
	assert.False(t, ok)
}

func TestClearResets(t *testing.T) {
	e := newLoaded(t, testOptions())
	e.UpdateViewport(grid.Rect{X2: 32, Y2: 32}, 1)
	waitFrame(t, e)

	e.Clear()

	assert.Empty(t, e.Layers())
	assert.Nil(t, e.Scene().Snapshot().Active())
	s := e.Stats()
	assert.Equal(t, "empty", s.Viewport.State)
	assert.Empty(t, s.Model)

	u := e.UpdateViewport(grid.Rect{X2: 32, Y2: 32}, 1)
	assert.False(t, u.Rebuilt, "nothing to show without a model")
}

func TestFramePolledBeforeClearIsDropped(t *testing.T) {
	tests := []struct {
		name     string
		reset    func(e *Engine)
		reloaded bool
	}{
		{"clear", func(e *Engine) { e.Clear() }, false},
		{"reload", func(e *Engine) { e.LoadTensors("other", []model.Tensor{ramp("c", 16, 16)}) }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newLoaded(t, testOptions())
			e.UpdateViewport(grid.Rect{X2: 32, Y2: 32}, 1)

			// take the frame the way PollFrame does, then reset before publishing
			var f *frames.Frame
			require.Eventually(t, func() bool {
				var ok bool
				f, ok = e.producer.Poll()
				return ok
			}, waitFor, time.Millisecond)
			tt.reset(e)

			assert.False(t, e.publish(f))
			assert.Nil(t, e.Scene().Snapshot().Active())
			assert.Nil(t, f.Data, "stale frame is recycled")

			// frames requested after the reset still publish
			if tt.reloaded {
				e.UpdateViewport(grid.Rect{X2: 16, Y2: 16}, 1)
				next := waitFrame(t, e)
				assert.Greater(t, next.Seq, f.Seq)
			}
		})
	}
}

func TestLoadSourceErrors(t *testing.T) {
	e, err := New(testOptions())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = e.Load(ctx, model.StaticSource{Label: "x"})
	assert.True(t, errors.Is(err, context.Canceled))

	err = e.Load(context.Background(), model.SyntheticSource{
		Layers: []model.LayerSpec{{Name: "w", Shape: []int{2, 2}, Init: "orthogonal"}},
	})
	assert.ErrorIs(t, err, model.ErrUnknownInit)
}

func TestLoadSynthetic(t *testing.T) {
	e, err := New(testOptions())
	require.NoError(t, err)
	require.NoError(t, e.Load(context.Background(), model.DefaultSynthetic(1)))

	layers := e.Layers()
	require.NotEmpty(t, layers)
	assert.Equal(t, "embed.weight", layers[0].Name)
	assert.Equal(t, "synthetic", e.Stats().Model)

	l, ok := e.Layer("blocks.0.ln.bias")
	require.True(t, ok)
	assert.Equal(t, 1, l.Columns, "1-D tensors become one column")
}

func TestRateLimitedUpdateIsDeferred(t *testing.T) {
	opts := testOptions()
	opts.ViewportRate = 10
	opts.ViewportBurst = 1
	e := newLoaded(t, opts)

	first := e.UpdateViewport(grid.Rect{X2: 32, Y2: 32}, 1)
	assert.False(t, first.Limited)

	second := e.UpdateViewport(grid.Rect{X2: 256, Y2: 256}, 0.25)
	require.True(t, second.Limited)
	assert.Equal(t, uint64(1), e.Stats().Viewport.Limited)

	// the deferred view is applied by a later poll
	require.Eventually(t, func() bool {
		e.PollFrame()
		return e.Stats().Viewport.Rebuilds == 2
	}, waitFor, time.Millisecond)
}

func TestVisibleCells(t *testing.T) {
	e := newLoaded(t, testOptions())
	world := e.Grid().Bounds()

	cells, box := e.VisibleCells(world)
	require.Len(t, cells, 1)
	assert.Equal(t, world, cells[0])
	assert.Equal(t, world, box.Rect)

	q := grid.Rect{X1: 1, Y1: 1, X2: 9, Y2: 9}
	cells, box = e.VisibleCells(q)
	require.NotEmpty(t, cells)
	assert.True(t, box.Rect.Contains(q))
}

func TestDraw(t *testing.T) {
	e := newLoaded(t, testOptions())
	r := render.NewRenderer(render.Options{Width: 32, Height: 32})

	assert.Nil(t, e.Draw(r, DrawOptions{}), "no frame and no view")

	e.UpdateViewport(grid.Rect{X2: 32, Y2: 32}, 1)
	waitFrame(t, e)

	img := e.Draw(r, DrawOptions{})
	require.NotNil(t, img)
	assert.Equal(t, 32, img.Bounds().Dx())

	// the ramp grows along rows, so the bottom of layer "a" is more saturated
	full := e.Draw(r, DrawOptions{View: grid.Rect{X2: 32, Y2: 32}})
	top, bottom := full.RGBAAt(10, 1), full.RGBAAt(10, 30)
	assert.Greater(t, top.G, bottom.G)

	assert.NotNil(t, e.Draw(r, DrawOptions{View: grid.Rect{X2: 32, Y2: 32}, Cells: true}))
}
