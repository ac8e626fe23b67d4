// Package render turns scene snapshots into images: a blended heatmap of the
// active and previous frames with layer outlines on top, plus per-layer
// histograms.
package render

import (
	"image/color"
	"math"

	"weight-atlas/internal/frames"
	"weight-atlas/internal/model"
)

// Colormap maps weights onto a blue-white-red diverging scale centred on 0.
type Colormap struct {
	Limit      float64    // |v| >= Limit saturates
	Background color.RGBA // used for sentinel samples
}

var (
	negative = color.RGBA{49, 84, 180, 255}
	neutral  = color.RGBA{240, 240, 236, 255}
	positive = color.RGBA{190, 40, 44, 255}

	DefaultBackground = color.RGBA{12, 12, 28, 255}
)

// NewColormap returns a symmetric colormap saturating at ±limit.
func NewColormap(limit float64) Colormap {
	if !(limit > 0) || math.IsInf(limit, 0) {
		limit = 1
	}
	return Colormap{Limit: limit, Background: DefaultBackground}
}

// SymmetricLimit picks a colormap limit from layer summaries: the largest
// absolute value, or 1 when every layer is empty or all zeros.
func SymmetricLimit(summaries []model.Summary) float64 {
	limit := 0.0
	for _, s := range summaries {
		limit = math.Max(limit, s.AbsMax)
	}
	if limit == 0 {
		return 1
	}
	return limit
}

// Map returns the color of one sample.
func (c Colormap) Map(v float32) color.RGBA {
	if frames.IsSentinel(v) {
		return c.Background
	}
	t := float64(v) / c.Limit
	switch {
	case t < -1:
		t = -1
	case t > 1:
		t = 1
	}
	if t < 0 {
		return lerp(neutral, negative, -t)
	}
	return lerp(neutral, positive, t)
}

func lerp(a, b color.RGBA, t float64) color.RGBA {
	mix := func(x, y uint8) uint8 {
		return uint8(math.Round(float64(x) + (float64(y)-float64(x))*t))
	}
	return color.RGBA{mix(a.R, b.R), mix(a.G, b.G), mix(a.B, b.B), 255}
}
