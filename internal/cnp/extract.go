package cnp

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"

	"nanolab/pkg/datasetapi"
)

const (
	// FitPoints is how many of the highest-VDS samples feed the fit.
	FitPoints = 8
	// MinFitPoints is the fewest samples that determine a parabola.
	MinFitPoints = 3

	degenerateTolerance = 1e-9
)

// Quadratic holds VDS ≈ A·Vg² + B·Vg + C.
type Quadratic struct {
	A, B, C float64
}

// Eval evaluates the polynomial at x.
func (q Quadratic) Eval(x float64) float64 { return (q.A*x+q.B)*x + q.C }

// Vertex returns -B/(2A).
func (q Quadratic) Vertex() float64 { return -q.B / (2 * q.A) }

// Point is the located charge-neutrality point of one sweep segment.
type Point struct {
	GateVoltage  float64
	DrainVoltage float64
	Fit          Quadratic
	Samples      int
}

// Extract fits a parabola to the FitPoints samples with the highest VDS and
// returns its vertex. Samples with non-finite coordinates are ignored.
func Extract(segment datasetapi.Sweep) (Point, error) {
	usable := make(datasetapi.Sweep, 0, len(segment))
	for _, p := range segment {
		if p.Valid() {
			usable = append(usable, p)
		}
	}
	if len(usable) < MinFitPoints {
		return Point{}, InsufficientDataError{Rows: len(usable), Required: MinFitPoints}
	}
	sort.SliceStable(usable, func(i, j int) bool { return usable[i].VDS > usable[j].VDS })
	if len(usable) > FitPoints {
		usable = usable[:FitPoints]
	}

	q, err := FitQuadratic(usable)
	if err != nil {
		return Point{}, err
	}
	gate := q.Vertex()
	drain := q.Eval(gate)
	if !finite(gate) || !finite(drain) {
		return Point{}, DegenerateFitError{A: q.A, Reason: "vertex is not finite"}
	}
	return Point{GateVoltage: gate, DrainVoltage: drain, Fit: q, Samples: len(usable)}, nil
}

// FitQuadratic solves the least-squares problem for VDS against Vg.
func FitQuadratic(points datasetapi.Sweep) (Quadratic, error) {
	n := len(points)
	if n < MinFitPoints {
		return Quadratic{}, InsufficientDataError{Rows: n, Required: MinFitPoints}
	}
	design := mat.NewDense(n, 3, nil)
	obs := mat.NewVecDense(n, nil)
	span := 0.0
	for i, p := range points {
		design.Set(i, 0, p.Vg*p.Vg)
		design.Set(i, 1, p.Vg)
		design.Set(i, 2, 1)
		obs.SetVec(i, p.VDS)
		span = math.Max(span, math.Abs(p.Vg))
	}

	var coef mat.VecDense
	if err := coef.SolveVec(design, obs); err != nil {
		return Quadratic{}, DegenerateFitError{Reason: err.Error()}
	}
	q := Quadratic{A: coef.AtVec(0), B: coef.AtVec(1), C: coef.AtVec(2)}
	if !finite(q.A) || !finite(q.B) || !finite(q.C) {
		return Quadratic{}, DegenerateFitError{A: q.A, Reason: "non-finite coefficients"}
	}
	// Compare the quadratic term against the whole polynomial over the sampled span.
	curvature := math.Abs(q.A) * span * span
	scale := curvature + math.Abs(q.B)*span + math.Abs(q.C)
	if q.A == 0 || curvature <= degenerateTolerance*scale {
		return Quadratic{}, DegenerateFitError{A: q.A, Reason: "no curvature"}
	}
	return q, nil
}

func finite(f float64) bool { return !math.IsNaN(f) && !math.IsInf(f, 0) }
