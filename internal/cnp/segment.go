package cnp

import (
	"math"
	"sort"

	"nanolab/pkg/datasetapi"
)

// ForwardSegment keeps every sample that starts or ends a rising step of the
// gate voltage, in acquisition order.
func ForwardSegment(s datasetapi.Sweep) datasetapi.Sweep {
	return segment(s, func(d float64) bool { return d > 0 })
}

// BackwardSegment keeps every sample that starts or ends a falling step of the
// gate voltage, ordered by ascending gate voltage.
func BackwardSegment(s datasetapi.Sweep) datasetapi.Sweep {
	out := segment(s, func(d float64) bool { return d < 0 })
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].Vg, out[j].Vg
		if math.IsNaN(a) {
			return false
		}
		if math.IsNaN(b) {
			return true
		}
		return a < b
	})
	return out
}

// Segment dispatches on d.
func Segment(s datasetapi.Sweep, d Direction) datasetapi.Sweep {
	if d == Backward {
		return BackwardSegment(s)
	}
	return ForwardSegment(s)
}

// segment includes row i when the step into i or the step out of i matches.
// The first row has no step into it and the last row none out of it.
func segment(s datasetapi.Sweep, match func(step float64) bool) datasetapi.Sweep {
	out := make(datasetapi.Sweep, 0, len(s))
	step := func(i int) bool {
		if i <= 0 || i >= len(s) {
			return false
		}
		return match(s[i].Vg - s[i-1].Vg)
	}
	for i := range s {
		if step(i) || step(i+1) {
			out = append(out, s[i])
		}
	}
	return out
}
