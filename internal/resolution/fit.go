// Package resolution estimates practical resolution limits from per-shell
// merging statistics by fitting smooth curves and inverting them.
package resolution

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// DefaultOrder is the number of polynomial coefficients used for fits.
const DefaultOrder = 6

// ErrOutsideRange is returned when a target lies outside the sampled curve.
var ErrOutsideRange = errors.New("resolution: target outside sampled range")

// Curve is a fitted statistic. Fitted holds the fit evaluated at X and
// mapped back out of the transformed space.
type Curve struct {
	X            []float64
	Observed     []float64
	Fitted       []float64
	Coefficients []float64
}

// Polynomial returns least-squares coefficients c so that
// y ≈ c[0] + c[1] x + ... + c[order-1] x^(order-1).
func Polynomial(x, y []float64, order int) ([]float64, error) {
	if len(x) != len(y) {
		return nil, fmt.Errorf("resolution: %d x values but %d y values", len(x), len(y))
	}
	if len(x) == 0 {
		return nil, errors.New("resolution: nothing to fit")
	}
	if order < 1 {
		return nil, fmt.Errorf("resolution: invalid order %d", order)
	}
	a := mat.NewDense(len(x), order, nil)
	for i, xi := range x {
		p := 1.0
		for j := 0; j < order; j++ {
			a.Set(i, j, p)
			p *= xi
		}
	}
	var c mat.VecDense
	if err := c.SolveVec(a, mat.NewVecDense(len(y), append([]float64(nil), y...))); err != nil {
		var cond mat.Condition
		if !errors.As(err, &cond) {
			return nil, fmt.Errorf("resolution: least squares: %w", err)
		}
	}
	return mat.Col(nil, 0, &c), nil
}

// Evaluate computes the polynomial at x.
func Evaluate(coefficients []float64, x float64) float64 {
	total := 0.0
	for k := len(coefficients) - 1; k >= 0; k-- {
		total = total*x + coefficients[k]
	}
	return total
}

func fitTransformed(x, y []float64, order int, forward, inverse func(float64) float64) (Curve, error) {
	ty := make([]float64, len(y))
	for i, v := range y {
		ty[i] = forward(v)
		if math.IsNaN(ty[i]) || math.IsInf(ty[i], 0) {
			return Curve{}, fmt.Errorf("resolution: value %g cannot be transformed", v)
		}
	}
	c, err := Polynomial(x, ty, order)
	if err != nil {
		return Curve{}, err
	}
	fitted := make([]float64, len(x))
	for i, xi := range x {
		fitted[i] = inverse(Evaluate(c, xi))
	}
	return Curve{X: x, Observed: y, Fitted: fitted, Coefficients: c}, nil
}

func identity(v float64) float64 { return v }

// Fit fits y directly. Used for completeness.
func Fit(x, y []float64, order int) (Curve, error) {
	return fitTransformed(x, y, order, identity, identity)
}

// LogFit fits log(y) and maps back with exp. Used for I/sigma.
func LogFit(x, y []float64, order int) (Curve, error) {
	return fitTransformed(x, y, order, math.Log, math.Exp)
}

// LogInvFit fits log(1/y) and maps back with 1/exp. Used for Rmerge and
// CC1/2.
func LogInvFit(x, y []float64, order int) (Curve, error) {
	return fitTransformed(x, y, order,
		func(v float64) float64 { return math.Log(1 / v) },
		func(v float64) float64 { return 1 / math.Exp(v) },
	)
}

// InterpolateValue finds x where the sampled curve y(x) crosses t, by linear
// interpolation between the bracketing samples.
func InterpolateValue(x, y []float64, t float64) (float64, error) {
	if len(x) == 0 || len(x) != len(y) {
		return 0, errors.New("resolution: empty or mismatched curve")
	}
	lo, hi := floats.Min(y), floats.Max(y)
	if t < lo || t > hi {
		return 0, fmt.Errorf("%w: %g not in [%g, %g]", ErrOutsideRange, t, lo, hi)
	}
	for j := 1; j < len(x); j++ {
		x0, y0 := x[j-1], y[j-1]
		x1, y1 := x[j], y[j]
		if y0 == t {
			return x0, nil
		}
		if (y0-t)*(y1-t) < 0 {
			return x0 + (t-y0)*(x1-x0)/(y1-y0), nil
		}
	}
	if y[len(y)-1] == t {
		return x[len(x)-1], nil
	}
	return 0, fmt.Errorf("%w: no crossing of %g", ErrOutsideRange, t)
}
