package render

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"weight-atlas/internal/grid"
	"weight-atlas/internal/scene"
)

func coveredRows(p *Pool, height int) []int {
	var mu sync.Mutex
	hits := make([]int, height)
	p.Rows(height, func(y0, y1 int) {
		mu.Lock()
		defer mu.Unlock()
		for y := y0; y < y1; y++ {
			hits[y]++
		}
	})
	return hits
}

func TestPoolCoversEveryRowOnce(t *testing.T) {
	p := NewPool(3)
	p.Start()
	defer p.Stop()
	require.True(t, p.IsRunning())

	for _, h := range []int{1, 63, 64, 100, 721} {
		for y, n := range coveredRows(p, h) {
			require.Equal(t, 1, n, "height %d row %d", h, y)
		}
	}
	assert.Empty(t, coveredRows(p, 0))
}

func TestPoolFallsBackInline(t *testing.T) {
	var nilPool *Pool
	assert.Equal(t, []int{1, 1, 1}, coveredRows(nilPool, 3))

	p := NewPool(2)
	for _, n := range coveredRows(p, 200) {
		require.Equal(t, 1, n, "not started")
	}
	p.Start()
	p.Stop()
	assert.False(t, p.IsRunning())
	for _, n := range coveredRows(p, 200) {
		require.Equal(t, 1, n, "stopped")
	}
	p.Stop()
}

func TestNewPoolWorkers(t *testing.T) {
	assert.Equal(t, 4, NewPool(4).Workers())
	assert.Equal(t, 16, NewPool(64).Workers())
	assert.Positive(t, NewPool(0).Workers())
}

func TestRenderWithPoolMatchesSequential(t *testing.T) {
	s := scene.New()
	s.Update(filledFrame(1, grid.Rect{X2: 64, Y2: 64}, 2, 0.5))
	active := filledFrame(2, grid.Rect{X1: 8, Y1: 8, X2: 40, Y2: 72}, 1, -0.75)
	for i := range active.Data {
		if i%5 == 0 {
			active.Data[i] = float32(i%9) / 9
		}
	}
	s.Update(active)
	in := Input{View: grid.Rect{X2: 64, Y2: 80}, Snapshot: s.Snapshot(), PrevMix: 0.3, Colormap: NewColormap(1)}

	opts := Options{Width: 96, Height: 120}
	want := NewRenderer(opts).Render(in)

	pool := NewPool(4)
	pool.Start()
	defer pool.Stop()
	r := NewRenderer(opts)
	r.UsePool(pool)
	got := r.Render(in)

	assert.Equal(t, want.Pix, got.Pix)
}
