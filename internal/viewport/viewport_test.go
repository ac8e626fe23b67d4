package viewport

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeDetailFactorPowerOfTwo(t *testing.T) {
	// raw = 1300/1000 = 1.3
	lvl := ComputeDetailFactor(Rect{X2: 1300, Y2: 100}, 1, 1000, 1000, true)

	assert.InDelta(t, 1.3, lvl.Raw, 1e-12)
	assert.Equal(t, 1.0, lvl.Lower)
	assert.Equal(t, 2.0, lvl.Higher)
	assert.Equal(t, 2.0, lvl.Factor)
	assert.InDelta(t, 0.3, lvl.Delta, 1e-12)
}

func TestComputeDetailFactorLadder(t *testing.T) {
	tests := []struct {
		name          string
		width         float64
		powerOfTwo    bool
		lower, higher float64
		delta         float64
	}{
		{"exact step", 400, true, 4, 4, 0},
		{"between 4 and 8", 600, true, 4, 8, 0.5},
		{"one", 100, true, 1, 1, 0},
		{"half step", 70, true, 0.5, 1, 0.4},
		{"quarter step", 30, true, 0.25, 0.5, 0.2},
		{"floored", 5, true, 0.1, 0.1, 0},
		{"just above floor", 12, true, 0.1, 0.125, 0.8},
		{"linear", 250, false, 2, 3, 0.5},
		{"linear exact", 300, false, 3, 3, 0},
		{"linear sub-integer", 70, false, 0.5, 1, 0.4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lvl := ComputeDetailFactor(Rect{X2: tt.width, Y2: 1}, 1, 100, 100, tt.powerOfTwo)
			assert.InDelta(t, tt.lower, lvl.Lower, 1e-12, "lower")
			assert.InDelta(t, tt.higher, lvl.Higher, 1e-12, "higher")
			assert.Equal(t, lvl.Higher, lvl.Factor)
			assert.InDelta(t, tt.delta, lvl.Delta, 1e-9, "delta")
		})
	}
}

func TestComputeDetailFactorUsesLargerAxis(t *testing.T) {
	lvl := ComputeDetailFactor(Rect{X2: 100, Y2: 800}, 1, 100, 100, true)
	assert.Equal(t, 8.0, lvl.Raw)
	assert.Equal(t, 8.0, lvl.Factor)
}

func TestComputeDetailFactorDegenerate(t *testing.T) {
	lvl := ComputeDetailFactor(Rect{}, 1, 0, 0, true)
	assert.Equal(t, MinFactor, lvl.Raw)
	assert.Equal(t, MinFactor, lvl.Factor)
	assert.Zero(t, lvl.Delta)
}

func TestDeltaRange(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	for i := 0; i < 2000; i++ {
		w := rng.Float64() * 50000
		for _, pow2 := range []bool{true, false} {
			lvl := ComputeDetailFactor(Rect{X2: w, Y2: 1}, 1, 640, 360, pow2)
			require.GreaterOrEqual(t, lvl.Delta, 0.0)
			require.Less(t, lvl.Delta, 1.0)
			require.LessOrEqual(t, lvl.Lower, lvl.Raw+1e-9)
			require.GreaterOrEqual(t, lvl.Factor, lvl.Raw-1e-9)
		}
	}
}

func TestBuildRegionAligned(t *testing.T) {
	world := Rect{X2: 4096, Y2: 4096}
	view := Rect{X1: 13, Y1: 7, X2: 1037, Y2: 519}
	lvl := ComputeDetailFactor(view, 1, 256, 256, true)
	require.Equal(t, 4.0, lvl.Factor)

	r := BuildRegion(view, world, lvl, 1.0/6)

	for _, v := range []float64{r.Rect.X1, r.Rect.Y1, r.Rect.X2, r.Rect.Y2} {
		assert.Zero(t, math.Mod(v, 4), "%v is not aligned to the factor", v)
	}
	assert.True(t, r.Contains(view))
	assert.True(t, world.Contains(r.Rect))
	x, y := r.Offset()
	assert.Equal(t, r.Rect.X1, x)
	assert.Equal(t, r.Rect.Y1, y)
}

func TestBuildRegionClampsToWorld(t *testing.T) {
	world := Rect{X2: 100, Y2: 50}
	view := Rect{X1: -40, Y1: -40, X2: 60, Y2: 30}
	lvl := ComputeDetailFactor(view, 1, 100, 100, true)

	r := BuildRegion(view, world, lvl, 0.25)
	assert.Equal(t, 0.0, r.Rect.X1)
	assert.Equal(t, 0.0, r.Rect.Y1)
	assert.LessOrEqual(t, r.Rect.X2, 100.0)
	assert.LessOrEqual(t, r.Rect.Y2, 50.0)
	assert.True(t, r.Contains(view.Clamp(world)))
}

func newTestViewport() *Viewport {
	v := New(Options{TargetWidth: 256, TargetHeight: 256, PaddingFraction: 1.0 / 6, PowerOfTwo: true})
	v.SetWorld(Rect{X2: 4096, Y2: 4096})
	return v
}

func TestUpdateReusesContainedRegion(t *testing.T) {
	v := newTestViewport()
	view := Rect{X1: 1000, Y1: 1000, X2: 1512, Y2: 1512}

	first := v.Update(view, 1)
	require.True(t, first.Rebuilt)
	assert.Equal(t, StateActive, first.State)

	second := v.Update(view, 1)
	assert.False(t, second.Rebuilt, "unchanged view must not rebuild")
	assert.True(t, first.Region.Equal(second.Region))

	// small pan inside the padding
	pan := v.Update(Rect{X1: 1020, Y1: 990, X2: 1532, Y2: 1502}, 1)
	assert.False(t, pan.Rebuilt)

	rebuilds, reuses := v.Counters()
	assert.Equal(t, uint64(1), rebuilds)
	assert.Equal(t, uint64(2), reuses)
}

func TestUpdateRebuilds(t *testing.T) {
	v := newTestViewport()
	v.Update(Rect{X1: 1000, Y1: 1000, X2: 1512, Y2: 1512}, 1)

	far := v.Update(Rect{X1: 1300, Y1: 1000, X2: 1812, Y2: 1512}, 1)
	assert.True(t, far.Rebuilt, "pan beyond the padding rebuilds")
	assert.True(t, far.Region.Contains(Rect{X1: 1300, Y1: 1000, X2: 1812, Y2: 1512}))

	zoomed := v.Update(Rect{X1: 1300, Y1: 1000, X2: 2324, Y2: 2024}, 0.5)
	assert.True(t, zoomed.Rebuilt, "factor change rebuilds")
	assert.Equal(t, 4.0, zoomed.Region.Factor)
	assert.Equal(t, 0.5, zoomed.Region.Zoom)
}

func TestStateTransitions(t *testing.T) {
	v := newTestViewport()
	assert.Equal(t, StateEmpty, v.State())
	_, ok := v.Region()
	assert.False(t, ok)

	view := Rect{X1: 100, Y1: 100, X2: 612, Y2: 612}
	assert.Equal(t, StateActive, v.Update(view, 1).State)

	gone := v.Update(Rect{X1: 9000, Y1: 9000, X2: 9512, Y2: 9512}, 1)
	assert.False(t, gone.Rebuilt)
	assert.Equal(t, StateStale, gone.State)

	back := v.Update(view, 1)
	assert.True(t, back.Rebuilt)
	assert.Equal(t, StateActive, back.State)

	v.Invalidate()
	assert.Equal(t, StateStale, v.State())
	assert.True(t, v.Update(view, 1).Rebuilt)

	v.Clear()
	assert.Equal(t, StateEmpty, v.State())
	assert.True(t, v.Update(view, 1).Rebuilt)
}

func TestEmptyWorldNeverActivates(t *testing.T) {
	v := New(Options{})
	u := v.Update(Rect{X2: 100, Y2: 100}, 1)
	assert.False(t, u.Rebuilt)
	assert.Equal(t, StateEmpty, u.State)
}

func TestRoundTripWithinOneFactor(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	world := Rect{X2: 20000, Y2: 20000}

	for i := 0; i < 500; i++ {
		w := 10 + rng.Float64()*5000
		x1 := rng.Float64() * (world.X2 - w)
		y1 := rng.Float64() * (world.Y2 - w)
		view := Rect{X1: x1, Y1: y1, X2: x1 + w, Y2: y1 + w*0.6}

		lvl := ComputeDetailFactor(view, 1, 320, 180, i%2 == 0)
		r := BuildRegion(view, world, lvl, 1.0/6)
		require.True(t, r.Contains(view))

		px := view.X1 + rng.Float64()*view.Width()
		py := view.Y1 + rng.Float64()*view.Height()
		col, row, ok := r.SampleAt(px, py)
		require.True(t, ok)

		wx, wy := r.LocalToWorld(float64(col), float64(row))
		assert.Less(t, math.Abs(wx-px), r.Factor+1e-9)
		assert.Less(t, math.Abs(wy-py), r.Factor+1e-9)
	}
}

func TestSampleAtOutside(t *testing.T) {
	r := VisibleRegion{Rect: Rect{X1: 10, Y1: 10, X2: 20, Y2: 20}, Factor: 2}
	_, _, ok := r.SampleAt(5, 15)
	assert.False(t, ok)
	col, row, ok := r.SampleAt(21.5, 10)
	assert.True(t, ok, "the end sample belongs to the region")
	assert.Equal(t, 5, col)
	assert.Equal(t, 0, row)
}

func TestBufferSizeFitsEveryRegion(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 5))
	world := Rect{X2: 100000, Y2: 100000}
	opts := []Options{
		{TargetWidth: 320, TargetHeight: 180, PaddingFraction: 1.0 / 6, PowerOfTwo: true},
		{TargetWidth: 64, TargetHeight: 64, PaddingFraction: 0, PowerOfTwo: false},
		{TargetWidth: 8, TargetHeight: 4, PaddingFraction: 0.5, PowerOfTwo: true},
	}

	for _, o := range opts {
		bufCols, bufRows := BufferSize(o.TargetWidth, o.TargetHeight, o.PaddingFraction)
		for i := 0; i < 300; i++ {
			w := 1 + rng.Float64()*20000
			h := 1 + rng.Float64()*20000
			x := rng.Float64() * world.X2
			y := rng.Float64() * world.Y2
			view := Rect{X1: x, Y1: y, X2: x + w, Y2: y + h}

			lvl := ComputeDetailFactor(view, 1, o.TargetWidth, o.TargetHeight, o.PowerOfTwo)
			r := BuildRegion(view, world, lvl, o.PaddingFraction)
			if r.Empty() {
				continue
			}
			cols, rows := r.Samples()
			require.LessOrEqual(t, cols, bufCols, "view %v factor %v", view, r.Factor)
			require.LessOrEqual(t, rows, bufRows, "view %v factor %v", view, r.Factor)
		}
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "empty", StateEmpty.String())
	assert.Equal(t, "active", StateActive.String())
	assert.Equal(t, "stale", StateStale.String())
}
