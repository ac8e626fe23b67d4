package scene

import (
	"math"
	"sync"
)

// minLevelFloor is the lowest visibility recorded for the minimum-zoom
// level. It rounds to 1, so that level always counts as visible.
const minLevelFloor = 0.5

// BlendCalculator decides how much of the previous snapshot to show while
// the zoom moves between detail levels. Levels are identified by their
// detail factor; a larger factor is a coarser level.
type BlendCalculator struct {
	mu         sync.Mutex
	visibility map[float64]float64
	minLevel   float64
	hasMin     bool
	dragged    bool
}

// NewBlendCalculator creates a calculator with no recorded levels.
func NewBlendCalculator() *BlendCalculator {
	return &BlendCalculator{visibility: make(map[float64]float64)}
}

// GetMix returns the weight of the previous level in [0, 1]. The current
// level's weight is 1 minus that.
//
//   - reachedMinZoom records current as the minimum-zoom level.
//   - dragged (a pan) never cross-fades: previous is hidden, current shown.
//   - a previous level whose last visibility rounds to 0 stays hidden,
//     unless it is the minimum-zoom level.
//   - otherwise the fade follows delta: a coarser previous level gets
//     delta, a finer one 1-delta.
//
// The current level's visibility is then recorded as 1 - prevMix.
func (b *BlendCalculator) GetMix(current, prev, delta float64, reachedMinZoom, dragged bool) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	if math.IsNaN(delta) {
		delta = 0
	}
	delta = math.Min(math.Max(delta, 0), 1)

	if reachedMinZoom {
		b.minLevel = current
		b.hasMin = true
		b.record(current, b.visibilityOf(current))
	}

	b.dragged = dragged
	if dragged {
		b.record(prev, 0)
		b.record(current, 1)
		return 0
	}

	var prevMix float64
	switch {
	case math.Round(b.visibilityOf(prev)) == 0 && !b.isMin(prev):
		prevMix = 0
	case prev > current:
		prevMix = delta
	default:
		prevMix = 1 - delta
	}

	b.record(current, 1-prevMix)
	return prevMix
}

// Show records level as fully visible with nothing to fade from, as when
// the scene holds a single frame.
func (b *BlendCalculator) Show(level float64, reachedMinZoom, dragged bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if reachedMinZoom {
		b.minLevel = level
		b.hasMin = true
	}
	b.dragged = dragged
	b.record(level, 1)
}

// visibilityOf returns the recorded visibility of level. Levels never seen
// count as fully visible: a level only becomes "previous" after it was
// shown.
func (b *BlendCalculator) visibilityOf(level float64) float64 {
	if v, ok := b.visibility[level]; ok {
		return v
	}
	return 1
}

func (b *BlendCalculator) isMin(level float64) bool {
	return b.hasMin && level == b.minLevel
}

func (b *BlendCalculator) record(level, v float64) {
	if b.isMin(level) && v < minLevelFloor {
		v = minLevelFloor
	}
	b.visibility[level] = v
}

// Visibility returns the recorded visibility of level and whether it was
// ever recorded.
func (b *BlendCalculator) Visibility(level float64) (float64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.visibility[level]
	return v, ok
}

// MinLevel returns the minimum-zoom level, if one was reached.
func (b *BlendCalculator) MinLevel() (float64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.minLevel, b.hasMin
}

// Dragged reports the drag flag of the last call.
func (b *BlendCalculator) Dragged() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dragged
}

// Reset forgets all recorded levels.
func (b *BlendCalculator) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.visibility = make(map[float64]float64)
	b.minLevel, b.hasMin, b.dragged = 0, false, false
}
