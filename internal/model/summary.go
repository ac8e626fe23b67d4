package model

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Summary holds descriptive statistics of a tensor, shown in hover tooltips
// and used to pick colormap ranges.
type Summary struct {
	Count  int     `json:"count"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"std"`
	AbsMax float64 `json:"absMax"`
}

// Summarize computes a Summary, ignoring NaN entries.
func Summarize(values []float64) Summary {
	clean := values
	if floats.HasNaN(values) {
		clean = make([]float64, 0, len(values))
		for _, v := range values {
			if !math.IsNaN(v) {
				clean = append(clean, v)
			}
		}
	}
	if len(clean) == 0 {
		return Summary{}
	}

	mean, std := stat.MeanStdDev(clean, nil)
	if len(clean) == 1 {
		std = 0
	}
	lo, hi := floats.Min(clean), floats.Max(clean)
	return Summary{
		Count:  len(clean),
		Min:    lo,
		Max:    hi,
		Mean:   mean,
		StdDev: std,
		AbsMax: math.Max(math.Abs(lo), math.Abs(hi)),
	}
}
