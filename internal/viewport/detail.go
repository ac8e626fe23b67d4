// Package viewport turns a world-space view window into a quantized detail
// factor and a padded, factor-aligned VisibleRegion, and decides when the
// current region can be reused.
package viewport

import "math"

// MinFactor is the smallest sampling stride. Below 1 a sample covers less
// than one grid cell, so 0.1 means ten output pixels per cell.
const MinFactor = 0.1

// stepEps treats a raw factor within this distance of a ladder step as
// exactly on it.
const stepEps = 1e-9

// DetailLevel is the quantized detail factor for one view window.
type DetailLevel struct {
	Raw    float64 `json:"raw"`    // unquantized max(w/targetW, h/targetH)
	Lower  float64 `json:"lower"`  // ladder step at or below Raw
	Higher float64 `json:"higher"` // ladder step above Raw, == Lower on an exact step
	Factor float64 `json:"factor"` // stride actually used for sampling
	Delta  float64 `json:"delta"`  // position of Raw between Lower and Higher, in [0,1)
	Zoom   float64 `json:"zoom"`
}

// ComputeDetailFactor derives the detail level for a view window rendered
// into a target of targetW x targetH pixels.
//
// In power-of-two mode the ladder is 1, 2, 4, 8... above 1 and 0.5, 0.25,
// 0.125 below it, floored at MinFactor. Otherwise the ladder is the integers
// above 1 and the same halving steps below. Factor is always the higher
// step, so a frame never needs more samples than the target holds.
func ComputeDetailFactor(window Rect, zoom float64, targetW, targetH int, powerOfTwo bool) DetailLevel {
	raw := math.Max(
		window.Width()/float64(max(targetW, 1)),
		window.Height()/float64(max(targetH, 1)),
	)
	if math.IsNaN(raw) || raw < MinFactor {
		raw = MinFactor
	}

	lower, higher := ladder(raw, powerOfTwo)
	lvl := DetailLevel{Raw: raw, Lower: lower, Higher: higher, Factor: higher, Zoom: zoom}
	if higher > lower {
		lvl.Delta = (raw - lower) / (higher - lower)
	}
	return lvl
}

// ladder returns the steps bracketing raw.
func ladder(raw float64, powerOfTwo bool) (lower, higher float64) {
	if raw < 1 {
		// sub-integer detail: halving steps
		lower = math.Pow(2, math.Floor(math.Log2(raw)+stepEps))
		higher = lower * 2
		if lower < MinFactor {
			lower = MinFactor
		}
	} else if powerOfTwo {
		lower = math.Pow(2, math.Floor(math.Log2(raw)+stepEps))
		higher = lower * 2
	} else {
		lower = math.Floor(raw + stepEps)
		higher = lower + 1
	}

	if math.Abs(raw-lower) < stepEps {
		higher = lower
	}
	return lower, higher
}

// alignUp rounds v up to a multiple of factor.
func alignUp(v, factor float64) float64 {
	return math.Ceil(v/factor-stepEps) * factor
}

// alignDown rounds v down to a multiple of factor.
func alignDown(v, factor float64) float64 {
	return math.Floor(v/factor+stepEps) * factor
}
