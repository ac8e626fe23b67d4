package viewport

import "log"

// State is the lifecycle of the viewport's cached region.
type State int

const (
	// StateEmpty means no region has been built since creation or Clear.
	StateEmpty State = iota
	// StateActive means the cached region covers the last requested view.
	StateActive
	// StateStale means the cached region no longer covers the view and no
	// replacement could be built yet (e.g. the view left the world).
	StateStale
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateActive:
		return "active"
	case StateStale:
		return "stale"
	default:
		return "unknown"
	}
}

// Options configures a Viewport.
type Options struct {
	TargetWidth     int     // output width in pixels
	TargetHeight    int     // output height in pixels
	PaddingFraction float64 // extra margin per side as a fraction of the view size
	PowerOfTwo      bool    // quantize factors to powers of two
}

// DefaultOptions returns a 1280x720 target with 1/6 padding.
func DefaultOptions() Options {
	return Options{
		TargetWidth:     1280,
		TargetHeight:    720,
		PaddingFraction: 1.0 / 6.0,
		PowerOfTwo:      true,
	}
}

// Update is the outcome of one Viewport.Update call.
type Update struct {
	Level   DetailLevel
	Region  VisibleRegion
	Rebuilt bool // a new region was built and needs a frame
	State   State
}

// Viewport tracks the current view and its cached region. It is not safe
// for concurrent use; callers serialize updates.
type Viewport struct {
	opts   Options
	world  Rect
	state  State
	region VisibleRegion
	level  DetailLevel

	rebuilds uint64
	reuses   uint64
}

// New creates an empty viewport over an empty world.
func New(opts Options) *Viewport {
	def := DefaultOptions()
	if opts.TargetWidth <= 0 {
		opts.TargetWidth = def.TargetWidth
	}
	if opts.TargetHeight <= 0 {
		opts.TargetHeight = def.TargetHeight
	}
	if opts.PaddingFraction < 0 {
		opts.PaddingFraction = 0
	}
	return &Viewport{opts: opts}
}

// SetWorld sets the world extent regions are clamped to. A different world
// drops the cached region.
func (v *Viewport) SetWorld(world Rect) {
	if world != v.world {
		v.world = world
		v.Clear()
	}
}

// World returns the current world extent.
func (v *Viewport) World() Rect { return v.world }

// Clear returns the viewport to StateEmpty.
func (v *Viewport) Clear() {
	v.state = StateEmpty
	v.region = VisibleRegion{}
	v.level = DetailLevel{}
}

// Update computes the detail level for view and reuses the cached region
// when it still covers the (world-clamped) view at the same factor.
// Otherwise it builds a new region and reports Rebuilt.
func (v *Viewport) Update(view Rect, zoom float64) Update {
	level := ComputeDetailFactor(view, zoom, v.opts.TargetWidth, v.opts.TargetHeight, v.opts.PowerOfTwo)
	v.level = level

	clamped := view.Clamp(v.world)
	if !clamped.Empty() && v.state == StateActive && v.region.Factor == level.Factor && v.region.Contains(clamped) {
		v.reuses++
		return Update{Level: level, Region: v.region, State: v.state}
	}

	region := BuildRegion(view, v.world, level, v.opts.PaddingFraction)
	if clamped.Empty() || region.Empty() {
		if v.state == StateActive {
			v.state = StateStale
		}
		return Update{Level: level, Region: v.region, State: v.state}
	}

	prev := v.state
	v.region = region
	v.state = StateActive
	v.rebuilds++
	if prev == StateEmpty {
		log.Printf("🧭 First region %.0fx%.0f at factor %.3g", region.Rect.Width(), region.Rect.Height(), region.Factor)
	}
	return Update{Level: level, Region: region, Rebuilt: true, State: v.state}
}

// Invalidate marks an active region stale so the next Update rebuilds it.
func (v *Viewport) Invalidate() {
	if v.state == StateActive {
		v.state = StateStale
	}
}

// State returns the current lifecycle state.
func (v *Viewport) State() State { return v.state }

// Region returns the cached region and whether one exists.
func (v *Viewport) Region() (VisibleRegion, bool) {
	return v.region, v.state != StateEmpty
}

// Level returns the detail level of the last Update.
func (v *Viewport) Level() DetailLevel { return v.level }

// Options returns the effective options.
func (v *Viewport) Options() Options { return v.opts }

// BufferSize returns the frame buffer dimensions for this viewport.
func (v *Viewport) BufferSize() (cols, rows int) {
	return BufferSize(v.opts.TargetWidth, v.opts.TargetHeight, v.opts.PaddingFraction)
}

// Counters returns how many updates rebuilt and how many reused the region.
func (v *Viewport) Counters() (rebuilds, reuses uint64) {
	return v.rebuilds, v.reuses
}
