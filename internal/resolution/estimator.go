package resolution

import (
	"errors"
	"fmt"
	"math"
	"os"
	"sort"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Shell holds merging statistics for one resolution bin. Zero statistics are
// treated as absent.
type Shell struct {
	DMin              float64 `yaml:"d_min" json:"d_min"`
	Rmerge            float64 `yaml:"rmerge,omitempty" json:"rmerge,omitempty"`
	ISigma            float64 `yaml:"isigma,omitempty" json:"isigma,omitempty"`
	MISigma           float64 `yaml:"misigma,omitempty" json:"misigma,omitempty"`
	Completeness      float64 `yaml:"completeness,omitempty" json:"completeness,omitempty"`
	CCHalf            float64 `yaml:"cc_half,omitempty" json:"cc_half,omitempty"`
	CCHalfSignificant *bool   `yaml:"cc_half_significant,omitempty" json:"cc_half_significant,omitempty"`
}

// Params are the target values. A zero target disables that statistic.
type Params struct {
	Rmerge       float64 `yaml:"rmerge"`
	Completeness float64 `yaml:"completeness"`
	CCHalf       float64 `yaml:"cc_half"`
	ISigma       float64 `yaml:"isigma"`
	MISigma      float64 `yaml:"misigma"`
	// CCHalfSignificance enables trimming of insignificant CC1/2 bins.
	CCHalfSignificance float64 `yaml:"cc_half_significance_level"`
	Order              int     `yaml:"order"`
}

// DefaultParams mirrors the usual outer-shell cutoffs.
func DefaultParams() Params {
	return Params{CCHalf: 0.5, ISigma: 0.25, MISigma: 1.0, Order: DefaultOrder}
}

// Limits are the estimated resolution limits in Angstrom, keyed by statistic.
type Limits struct {
	ByStatistic map[string]float64 `json:"by_statistic"`
	// Overall is the most conservative (largest) limit.
	Overall  float64 `json:"overall"`
	Limiting string  `json:"limiting"`
}

// Estimator inverts fitted statistic curves.
type Estimator struct {
	params Params
	shells []Shell
	s      []float64
	logger *zap.Logger
}

// NewEstimator sorts shells by increasing 1/d^2.
func NewEstimator(shells []Shell, params Params, logger *zap.Logger) (*Estimator, error) {
	if len(shells) == 0 {
		return nil, errors.New("resolution: no shells")
	}
	if params.Order <= 0 {
		params.Order = DefaultOrder
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	sorted := append([]Shell(nil), shells...)
	for _, sh := range sorted {
		if sh.DMin <= 0 {
			return nil, fmt.Errorf("resolution: invalid d_min %g", sh.DMin)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].DMin > sorted[j].DMin })
	s := make([]float64, len(sorted))
	for i, sh := range sorted {
		s[i] = 1 / (sh.DMin * sh.DMin)
	}
	return &Estimator{params: params, shells: sorted, s: s, logger: logger}, nil
}

func toD(s float64) float64 { return 1 / math.Sqrt(s) }

// fullRange is the limit returned when a statistic has no values at all.
// A statistic that never reaches its target is limited by the highest
// resolution shell that carries it.
func (e *Estimator) fullRange() float64 {
	return toD(e.s[len(e.s)-1])
}

func (e *Estimator) series(value func(Shell) float64) ([]float64, []float64) {
	var xs, ys []float64
	for i, sh := range e.shells {
		if v := value(sh); v > 0 {
			xs = append(xs, e.s[i])
			ys = append(ys, v)
		}
	}
	return xs, ys
}

func (e *Estimator) invert(name string, curve Curve, target float64) float64 {
	s, err := InterpolateValue(curve.X, curve.Fitted, target)
	if err != nil || s <= 0 {
		e.logger.Debug("no truncation", zap.String("statistic", name), zap.Error(err))
		return toD(maxOf(curve.X))
	}
	return toD(s)
}

func maxOf(values []float64) float64 {
	m := values[0]
	for _, v := range values[1:] {
		m = math.Max(m, v)
	}
	return m
}

func minOf(values []float64) float64 {
	m := values[0]
	for _, v := range values[1:] {
		m = math.Min(m, v)
	}
	return m
}

// Rmerge returns the resolution where Rmerge reaches limit.
func (e *Estimator) Rmerge(limit float64) float64 {
	xs, ys := e.series(func(sh Shell) float64 { return sh.Rmerge })
	if len(xs) == 0 {
		return e.fullRange()
	}
	if limit == 0 || limit > maxOf(ys) {
		return toD(maxOf(xs))
	}
	curve, err := LogInvFit(xs, ys, e.params.Order)
	if err != nil {
		return toD(maxOf(xs))
	}
	return e.invert("rmerge", curve, limit)
}

// ISigma returns the resolution where unmerged I/sigma drops to limit.
func (e *Estimator) ISigma(limit float64) float64 {
	return e.isigma("isigma", limit, func(sh Shell) float64 { return sh.ISigma })
}

// MISigma returns the resolution where merged I/sigma drops to limit.
func (e *Estimator) MISigma(limit float64) float64 {
	return e.isigma("misigma", limit, func(sh Shell) float64 { return sh.MISigma })
}

func (e *Estimator) isigma(name string, limit float64, value func(Shell) float64) float64 {
	xs, ys := e.series(value)
	if len(xs) == 0 {
		return e.fullRange()
	}
	if minOf(ys) > limit {
		return toD(maxOf(xs))
	}
	curve, err := LogFit(xs, ys, e.params.Order)
	if err != nil {
		return toD(maxOf(xs))
	}
	return e.invert(name, curve, limit)
}

// Completeness returns the resolution where completeness falls to limit
// times the best shell completeness.
func (e *Estimator) Completeness(limit float64) float64 {
	xs, ys := e.series(func(sh Shell) float64 { return sh.Completeness })
	if len(xs) == 0 {
		return e.fullRange()
	}
	if minOf(ys) > limit {
		return toD(maxOf(xs))
	}
	curve, err := Fit(xs, ys, e.params.Order)
	if err != nil {
		return toD(maxOf(xs))
	}
	return e.invert("completeness", curve, limit*maxOf(ys))
}

// CCHalf returns the resolution where CC1/2 falls to limit. With a
// significance level set, the fit starts after the last insignificant bin.
func (e *Estimator) CCHalf(limit float64) float64 {
	start := 0
	if e.params.CCHalfSignificance > 0 {
		last := -1
		for i, sh := range e.shells {
			if sh.CCHalfSignificant != nil && !*sh.CCHalfSignificant {
				last = i
			}
		}
		if last >= 0 && last != len(e.shells)-1 {
			start = last + 1
		}
	}
	var xs, ys []float64
	for i := start; i < len(e.shells); i++ {
		if v := e.shells[i].CCHalf; v > 0 {
			xs = append(xs, e.s[i])
			ys = append(ys, v)
		}
	}
	if len(xs) == 0 {
		return e.fullRange()
	}
	curve, err := LogInvFit(xs, ys, e.params.Order)
	if err != nil {
		return toD(maxOf(xs))
	}
	return e.invert("cc_half", curve, limit)
}

// Estimate runs every enabled statistic.
func (e *Estimator) Estimate() Limits {
	limits := Limits{ByStatistic: map[string]float64{}}
	add := func(name string, target float64, fn func(float64) float64) {
		if target <= 0 {
			return
		}
		d := fn(target)
		limits.ByStatistic[name] = d
		if d > limits.Overall {
			limits.Overall = d
			limits.Limiting = name
		}
	}
	add("rmerge", e.params.Rmerge, e.Rmerge)
	add("completeness", e.params.Completeness, e.Completeness)
	add("cc_half", e.params.CCHalf, e.CCHalf)
	add("isigma", e.params.ISigma, e.ISigma)
	add("misigma", e.params.MISigma, e.MISigma)
	if limits.Overall == 0 {
		limits.Overall = e.fullRange()
	}
	return limits
}

// ShellTable is the on-disk form read by LoadShells.
type ShellTable struct {
	Shells []Shell `yaml:"shells"`
}

// LoadShells reads a YAML shell table.
func LoadShells(path string) ([]Shell, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("resolution: read shells: %w", err)
	}
	var table ShellTable
	if err := yaml.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("resolution: parse shells: %w", err)
	}
	if len(table.Shells) == 0 {
		return nil, fmt.Errorf("resolution: %s has no shells", path)
	}
	return table.Shells, nil
}
