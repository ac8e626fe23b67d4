// Package engine wires the grid, viewport, frame producer, scene and BSP
// tree into the API the renderer and HTTP layer use.
package engine

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"weight-atlas/internal/bsp"
	"weight-atlas/internal/config"
	"weight-atlas/internal/frames"
	"weight-atlas/internal/grid"
	"weight-atlas/internal/metrics"
	"weight-atlas/internal/model"
	"weight-atlas/internal/scene"
	"weight-atlas/internal/viewport"
)

// Options configures an Engine.
type Options struct {
	Viewport      viewport.Options
	MinZoom       float64 // zoom at or below this reaches the minimum-zoom bound
	Gap           int
	ColumnHeight  int
	Backend       string // "scan" or "cell"
	CellSize      int
	ViewportRate  float64 // updates per second, 0 = unlimited
	ViewportBurst int
}

// OptionsFromConfig maps the application config onto engine options.
func OptionsFromConfig(cfg config.AppConfig) Options {
	return Options{
		Viewport: viewport.Options{
			TargetWidth:     cfg.Viewport.TargetWidth,
			TargetHeight:    cfg.Viewport.TargetHeight,
			PaddingFraction: cfg.Viewport.PaddingFraction,
			PowerOfTwo:      cfg.Viewport.PowerOfTwo,
		},
		MinZoom:       cfg.Viewport.MinZoom,
		Gap:           cfg.Grid.Gap,
		ColumnHeight:  cfg.Grid.ColumnHeight,
		Backend:       cfg.Grid.Backend,
		CellSize:      cfg.Grid.CellSize,
		ViewportRate:  cfg.Producer.ViewportRate,
		ViewportBurst: cfg.Producer.ViewportBurst,
	}
}

// ViewportUpdate is the result of one UpdateViewport call.
type ViewportUpdate struct {
	Level          viewport.DetailLevel   `json:"level"`
	Region         viewport.VisibleRegion `json:"region"`
	State          string                 `json:"state"`
	Rebuilt        bool                   `json:"rebuilt"`
	Seq            uint64                 `json:"seq,omitempty"` // frame request, when rebuilt
	Dragged        bool                   `json:"dragged"`
	ReachedMinZoom bool                   `json:"reachedMinZoom"`
	Limited        bool                   `json:"limited"` // deferred by the rate limiter
}

// Mix is what a renderer needs for one draw.
type Mix struct {
	Previous       float64     `json:"previous"`
	Current        float64     `json:"current"`
	Delta          float64     `json:"delta"`
	ActiveFactor   float64     `json:"activeFactor"`
	PreviousFactor float64     `json:"previousFactor"`
	Dragged        bool        `json:"dragged"`
	ReachedMinZoom bool        `json:"reachedMinZoom"`
	Remap          scene.Remap `json:"remap"`
}

// LayerInfo describes one loaded layer.
type LayerInfo struct {
	grid.LayerMeta
	Columns int           `json:"columns"`
	Rows    int           `json:"rows"`
	Shape   []int         `json:"shape"`
	Summary model.Summary `json:"summary"`
}

// Engine owns one model's grid and everything derived from it.
type Engine struct {
	mu       sync.Mutex   // serializes loads and viewport updates
	renderMu sync.RWMutex // readers hold it while using scene frames

	// frames below this seq belong to a cleared model; guarded by renderMu
	clearedSeq uint64

	opts     Options
	grid     *grid.LayeredGrid
	view     *viewport.Viewport
	producer *frames.Producer
	scene    *scene.Scene
	tree     *bsp.Tree
	limiter  *rate.Limiter
	model    string

	// last viewport input
	lastView   grid.Rect
	hasView    bool
	dragged    bool
	reachedMin bool
	level      viewport.DetailLevel
	pending    *pendingUpdate

	// Stats
	updates uint64
	limited uint64
	loads   uint64
}

type pendingUpdate struct {
	bounds grid.Rect
	zoom   float64
}

// New creates an engine with an empty grid.
func New(opts Options) (*Engine, error) {
	if _, err := grid.NewBackend(opts.Backend, opts.CellSize); err != nil {
		return nil, err
	}

	view := viewport.New(opts.Viewport)
	cols, rows := view.BufferSize()

	e := &Engine{
		opts:     opts,
		view:     view,
		producer: frames.NewProducer(frames.Options{Cols: cols, Rows: rows}),
		scene:    scene.New(),
		tree:     bsp.NewTree(grid.Rect{}, 0),
	}
	e.grid = e.newGrid()
	e.producer.SetSource(e.grid)

	if opts.ViewportRate > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(opts.ViewportRate), max(opts.ViewportBurst, 1))
	}
	return e, nil
}

func (e *Engine) newGrid() *grid.LayeredGrid {
	backend, _ := grid.NewBackend(e.opts.Backend, e.opts.CellSize) // validated in New
	return grid.New(grid.Options{Gap: e.opts.Gap, ColumnHeight: e.opts.ColumnHeight, Backend: backend})
}

// Start launches the frame producer.
func (e *Engine) Start() {
	e.producer.Start()
	log.Printf("🗺️ Atlas engine started (%s backend)", e.Grid().Stats().Backend)
}

// Stop stops the frame producer.
func (e *Engine) Stop() {
	e.producer.Stop()
	log.Println("🛑 Atlas engine stopped")
}

// SetOnFrameReady registers a callback run when a new frame can be polled.
func (e *Engine) SetOnFrameReady(fn func(seq uint64)) {
	if fn == nil {
		e.producer.SetOnReady(nil)
		return
	}
	e.producer.SetOnReady(func(f *frames.Frame) { fn(f.Seq) })
}

// Load reads a model from src and replaces the current grid with it.
func (e *Engine) Load(ctx context.Context, src model.Source) error {
	start := time.Now()
	tensors, err := src.Load(ctx)
	if err != nil {
		return fmt.Errorf("load %s: %w", src.Name(), err)
	}
	e.LoadTensors(src.Name(), tensors)
	log.Printf("📦 Loaded %q: %d layers in %v", src.Name(), len(tensors), time.Since(start).Round(time.Millisecond))
	return nil
}

// LoadTensors replaces the current grid with one built from tensors.
// In-flight frames for the old grid are cancelled.
func (e *Engine) LoadTensors(name string, tensors []model.Tensor) {
	g := e.newGrid()
	g.AddLayers(tensors)

	e.mu.Lock()
	defer e.mu.Unlock()

	e.clearLocked()
	e.grid = g
	e.model = name
	e.producer.SetSource(g)
	e.view.SetWorld(g.Bounds())
	e.tree.Resize(g.Bounds())
	e.loads++

	s := g.Stats()
	metrics.SetModelSize(s.Layers, s.Elements)
}

// Clear drops the model. The engine keeps running with an empty grid.
func (e *Engine) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.clearLocked()
	e.grid = e.newGrid()
	e.model = ""
	e.producer.SetSource(e.grid)
	e.view.SetWorld(grid.Rect{})
	e.tree.Resize(grid.Rect{})
	metrics.SetModelSize(0, 0)
}

func (e *Engine) clearLocked() {
	e.producer.Cancel()
	e.view.Clear()
	e.hasView, e.dragged, e.reachedMin = false, false, false
	e.level = viewport.DetailLevel{}
	e.pending = nil

	e.renderMu.Lock()
	e.clearedSeq = e.producer.Seq()
	for _, f := range e.scene.Clear() {
		e.producer.Recycle(f)
	}
	e.renderMu.Unlock()
}

// UpdateViewport moves the view. A view that is still covered by the cached
// region costs nothing; otherwise a new frame is requested and the previous
// in-flight one is cancelled. A same-size move counts as a drag.
func (e *Engine) UpdateViewport(bounds grid.Rect, zoom float64) ViewportUpdate {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.limiter != nil && !e.limiter.Allow() {
		e.pending = &pendingUpdate{bounds: bounds, zoom: zoom}
		e.limited++
		metrics.RecordViewport("limited")
		region, _ := e.view.Region()
		return ViewportUpdate{Level: e.level, Region: region, State: e.view.State().String(), Limited: true}
	}
	e.pending = nil
	return e.applyLocked(bounds, zoom)
}

func (e *Engine) applyLocked(bounds grid.Rect, zoom float64) ViewportUpdate {
	e.updates++

	if e.hasView && bounds != e.lastView {
		e.dragged = sameSize(bounds, e.lastView)
	}
	e.lastView, e.hasView = bounds, true
	e.reachedMin = e.opts.MinZoom > 0 && zoom <= e.opts.MinZoom

	u := e.view.Update(bounds, zoom)
	e.level = u.Level

	out := ViewportUpdate{
		Level:          u.Level,
		Region:         u.Region,
		State:          u.State.String(),
		Rebuilt:        u.Rebuilt,
		Dragged:        e.dragged,
		ReachedMinZoom: e.reachedMin,
	}

	if u.Rebuilt {
		// prime the visible cache: hover reads it and the worker's
		// extraction of the same rectangle reuses it
		e.grid.VisibleLayers(u.Region.Coverage())
		out.Seq = e.producer.Request(u.Region)
		metrics.RecordViewport("rebuilt")
		metrics.SetDetailFactor(u.Region.Factor)
	} else {
		metrics.RecordViewport("reused")
	}
	return out
}

func sameSize(a, b grid.Rect) bool {
	const eps = 1e-9
	return math.Abs(a.Width()-b.Width()) < eps && math.Abs(a.Height()-b.Height()) < eps
}

// PollFrame hands a finished frame to the scene. It never blocks and
// reports false when nothing new was published.
func (e *Engine) PollFrame() (*frames.Frame, bool) {
	e.flushPending()

	f, ok := e.producer.Poll()
	if !ok {
		return nil, false
	}
	if !e.publish(f) {
		return nil, false
	}
	return f, true
}

// publish moves f into the scene. A frame requested before the last Clear
// or load is recycled instead.
func (e *Engine) publish(f *frames.Frame) bool {
	e.renderMu.Lock()
	defer e.renderMu.Unlock()

	if f.Seq < e.clearedSeq {
		log.Printf("🗑️ Dropping frame %d from a cleared model", f.Seq)
		metrics.RecordFrame("cancelled")
		e.producer.Recycle(f)
		return false
	}
	evicted, swapped := e.scene.Update(f)
	e.producer.Recycle(evicted)
	return swapped
}

// flushPending applies a rate-limited viewport update once the limiter
// allows it again.
func (e *Engine) flushPending() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.pending == nil || (e.limiter != nil && !e.limiter.Allow()) {
		return
	}
	p := e.pending
	e.pending = nil
	e.applyLocked(p.bounds, p.zoom)
}

// GetPoint returns the value under world position (x, y) among the layers
// visible in the current region.
func (e *Engine) GetPoint(x, y float64) (grid.Point, bool) {
	e.mu.Lock()
	g := e.grid
	e.mu.Unlock()
	return g.GetPoint(x, y)
}

// MixFactor returns the blend weights for the next draw.
func (e *Engine) MixFactor() Mix {
	e.mu.Lock()
	delta, dragged, reachedMin := e.level.Delta, e.dragged, e.reachedMin
	e.mu.Unlock()

	prev, cur := e.scene.Mix(delta, reachedMin, dragged)
	snap := e.scene.Snapshot()

	m := Mix{
		Previous:       prev,
		Current:        cur,
		Delta:          delta,
		Dragged:        dragged,
		ReachedMinZoom: reachedMin,
		Remap:          snap.Remap(),
	}
	if a := snap.Active(); a != nil {
		m.ActiveFactor = a.Region.Factor
	}
	if p := snap.Previous(); p != nil {
		m.PreviousFactor = p.Region.Factor
	}
	return m
}

// ViewScene runs fn with the current scene snapshot. Frames in the snapshot
// stay valid until fn returns.
func (e *Engine) ViewScene(fn func(*scene.Snapshot)) {
	e.renderMu.RLock()
	defer e.renderMu.RUnlock()
	fn(e.scene.Snapshot())
}

// Scene returns the engine's scene.
func (e *Engine) Scene() *scene.Scene { return e.scene }

// Grid returns the current grid.
func (e *Engine) Grid() *grid.LayeredGrid {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.grid
}

// Layers describes every loaded layer in load order.
func (e *Engine) Layers() []LayerInfo {
	layers := e.Grid().Layers()
	out := make([]LayerInfo, len(layers))
	for i, l := range layers {
		out[i] = LayerInfo{
			LayerMeta: l.Meta(),
			Columns:   l.Columns,
			Rows:      l.Rows,
			Shape:     l.Shape,
			Summary:   l.Summary,
		}
	}
	return out
}

// Layer returns one layer by name.
func (e *Engine) Layer(name string) (*grid.SpatialLayer, bool) {
	return e.Grid().Layer(name)
}

// VisibleCells classifies query against the BSP tree over the grid and
// returns the accepted cells and their bounding box.
func (e *Engine) VisibleCells(query grid.Rect) ([]grid.Rect, bsp.BoundingBox) {
	nodes := e.tree.Visible(query)
	rects := make([]grid.Rect, len(nodes))
	for i, n := range nodes {
		rects[i] = n.Rect
	}
	return rects, e.tree.BoundingBox()
}

// Stats is a snapshot of engine state.
type Stats struct {
	Model    string                 `json:"model"`
	Loads    uint64                 `json:"loads"`
	Grid     grid.Stats             `json:"grid"`
	Viewport ViewportStats          `json:"viewport"`
	Producer map[string]interface{} `json:"producer"`
	Scene    SceneStats             `json:"scene"`
	BSP      bsp.Stats              `json:"bsp"`
}

// ViewportStats describes the viewport.
type ViewportStats struct {
	State    string                 `json:"state"`
	Region   viewport.VisibleRegion `json:"region"`
	Level    viewport.DetailLevel   `json:"level"`
	Updates  uint64                 `json:"updates"`
	Rebuilds uint64                 `json:"rebuilds"`
	Reuses   uint64                 `json:"reuses"`
	Limited  uint64                 `json:"limited"`
}

// SceneStats describes the scene.
type SceneStats struct {
	Sequence       uint64  `json:"sequence"`
	ActiveSlot     int     `json:"activeSlot"`
	ActiveFactor   float64 `json:"activeFactor"`
	PreviousFactor float64 `json:"previousFactor"`
}

// Stats returns engine statistics.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	region, _ := e.view.Region()
	rebuilds, reuses := e.view.Counters()
	s := Stats{
		Model: e.model,
		Loads: e.loads,
		Grid:  e.grid.Stats(),
		Viewport: ViewportStats{
			State:    e.view.State().String(),
			Region:   region,
			Level:    e.level,
			Updates:  e.updates,
			Rebuilds: rebuilds,
			Reuses:   reuses,
			Limited:  e.limited,
		},
	}
	e.mu.Unlock()

	s.Producer = e.producer.GetStats()
	s.BSP = e.tree.Stats()

	snap := e.scene.Snapshot()
	s.Scene = SceneStats{Sequence: snap.Sequence, ActiveSlot: snap.ActiveSlot()}
	if a := snap.Active(); a != nil {
		s.Scene.ActiveFactor = a.Region.Factor
	}
	if p := snap.Previous(); p != nil {
		s.Scene.PreviousFactor = p.Region.Factor
	}
	return s
}
