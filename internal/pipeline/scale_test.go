package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kingrea/xia2go/internal/driver"
	"github.com/kingrea/xia2go/internal/driver/drivertest"
	"github.com/kingrea/xia2go/internal/lattice"
	"github.com/kingrea/xia2go/internal/project"
	"github.com/kingrea/xia2go/internal/resolution"
	"github.com/kingrea/xia2go/internal/wrappers/dials"
)

// CC1/2 falls through 0.5 near 2.1 A while the data run to 1.7 A.
const dialsScaleOutput = `
Statistics by resolution bin:
 d_max  d_min   #obs  #uniq   mult.  %comp       <I>  <I/sI>    r_mrg   r_meas    r_pim   r_anom   cc1/2   cc_ano
 68.34   4.00   12584   1711   7.35  99.88   10432.5    68.7    0.035    0.038    0.014    0.028   0.999*   0.282*
  4.00   3.00   12270   1638   7.49 100.00    3876.2    49.6    0.049    0.053    0.019    0.037   0.998*   0.030
  3.00   2.50   12601   1629   7.74 100.00     901.3    21.4    0.122    0.131    0.047    0.096   0.990*  -0.041
  2.50   2.20   11010   1600   6.88 100.00     301.3     8.1    0.310    0.340    0.120    0.200   0.900*   0.010
  2.20   2.00   10110   1590   6.36  99.90     101.3     3.2    0.720    0.790    0.290    0.500   0.600*   0.002
  2.00   1.80    9010   1580   5.70  99.10      31.6     1.6    1.300    1.450    0.600    1.000   0.200*  -0.002
  1.80   1.70    6541   1377   4.75  97.02      11.6     1.1    2.077    2.203    0.928    1.512   0.050   -0.002

Writing html report
`

// scriptedEnv routes every program run through tr and puts stub
// executables for names on PATH.
func scriptedEnv(t *testing.T, tr *drivertest.Transport, names ...string) *Env {
	t.Helper()
	bin := t.TempDir()
	for _, name := range names {
		require.NoError(t, os.WriteFile(filepath.Join(bin, name), []byte("#!/bin/sh\n"), 0o755))
	}
	t.Setenv("PATH", bin)
	env := symmetryEnv(t)
	env.Transports.MustRegister("scripted", func(driver.TransportConfig) (driver.Transport, error) { return tr, nil })
	env.Config.Project.Multiprocessing.Driver = "scripted"
	return env
}

func dialsScaleRequest(t *testing.T) ScaleRequest {
	t.Helper()
	proj := testProject("SWEEP1")
	c := proj.Crystals[0]
	dir := t.TempDir()
	expt := filepath.Join(dir, "integrated.expt")
	refl := filepath.Join(dir, "integrated.refl")
	require.NoError(t, os.WriteFile(expt, []byte("{}"), 0o644))
	require.NoError(t, os.WriteFile(refl, []byte("refl"), 0o644))
	c.Sweeps()[0].Integration = &project.Integration{
		Experiments: expt,
		Reflections: refl,
		Images:      [2]int{1, 360},
		Cell:        lattice.Cell{51.2, 62.3, 71.4, 90, 90, 90},
	}
	return ScaleRequest{
		Project:  proj,
		Crystal:  c,
		Symmetry: SymmetryDecision{Lattice: "oP", Pointgroup: "P 2 2 2", Spacegroup: "P 21 21 21"},
	}
}

// argValue returns the value of the key=value argument of job.
func argValue(job driver.Job, key string) (string, bool) {
	for _, arg := range job.Args {
		if v, ok := strings.CutPrefix(arg, key+"="); ok {
			return v, true
		}
	}
	return "", false
}

func TestDialsScalerRescalesOnceAtEstimatedLimit(t *testing.T) {
	tr := drivertest.New(drivertest.Run{Output: dialsScaleOutput})
	env := scriptedEnv(t, tr, dials.Executable)

	scaled, err := DialsScaler{}.Scale(context.Background(), env, dialsScaleRequest(t))
	require.NoError(t, err)

	jobs := tr.Jobs()
	require.Len(t, jobs, 2)
	_, limited := argValue(jobs[0], "cut_data.d_min")
	assert.False(t, limited)
	v, ok := argValue(jobs[1], "cut_data.d_min")
	require.True(t, ok)
	dmin, err := strconv.ParseFloat(v, 64)
	require.NoError(t, err)

	assert.Equal(t, "cc_half", scaled.Limits.Limiting)
	assert.Greater(t, scaled.DMin, 1.8)
	assert.Less(t, scaled.DMin, 2.5)
	assert.Equal(t, scaled.Limits.Overall, scaled.DMin)
	assert.Equal(t, dmin, scaled.DMin)
	assert.Equal(t, "P 21 21 21", scaled.Spacegroup)
	assert.Equal(t, filepath.Join(env.ScaleDir("DEFAULT"), "2_scaled.mtz"), scaled.Merged["NATIVE"])
	assert.Equal(t, filepath.Join(env.ScaleDir("DEFAULT"), "2_scaled_unmerged.mtz"), scaled.Unmerged)
	assert.Equal(t, lattice.Cell{51.2, 62.3, 71.4, 90, 90, 90}, scaled.Cell)
}

func TestDialsScalerKeepsUserResolution(t *testing.T) {
	tr := drivertest.New(drivertest.Run{Output: dialsScaleOutput})
	env := scriptedEnv(t, tr, dials.Executable)
	env.Config.Project.Resolution.DMin = 1.5

	scaled, err := DialsScaler{}.Scale(context.Background(), env, dialsScaleRequest(t))
	require.NoError(t, err)

	jobs := tr.Jobs()
	require.Len(t, jobs, 1)
	v, ok := argValue(jobs[0], "cut_data.d_min")
	require.True(t, ok)
	assert.Equal(t, "1.5", v)
	assert.Equal(t, 1.5, scaled.DMin)
	// The estimate is still reported.
	assert.Greater(t, scaled.Limits.Overall, 1.8)
}

func TestDialsScalerWithoutStatisticsKeepsScaledLimit(t *testing.T) {
	tr := drivertest.New(drivertest.Run{Output: "Scaling complete\n"})
	env := scriptedEnv(t, tr, dials.Executable)

	scaled, err := DialsScaler{}.Scale(context.Background(), env, dialsScaleRequest(t))
	require.NoError(t, err)

	assert.Len(t, tr.Jobs(), 1)
	assert.Zero(t, scaled.DMin)
	assert.Zero(t, scaled.Limits.Overall)
	assert.Equal(t, filepath.Join(env.ScaleDir("DEFAULT"), "1_scaled.mtz"), scaled.Merged["NATIVE"])
}

func TestDialsScalerFailure(t *testing.T) {
	tr := drivertest.New(drivertest.Run{Output: "Sorry: no reflections\n", Code: 1})
	env := scriptedEnv(t, tr, dials.Executable)

	_, err := DialsScaler{}.Scale(context.Background(), env, dialsScaleRequest(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dials.scale failed")
	assert.Len(t, tr.Jobs(), 1)
}

func TestLimitFromShells(t *testing.T) {
	shells, err := dials.ParseMergingStatistics(strings.Split(dialsScaleOutput, "\n"))
	require.NoError(t, err)

	t.Run("cuts into the data", func(t *testing.T) {
		env := symmetryEnv(t)
		limits, rescale := limitFromShells(env, shells, nil)
		assert.True(t, rescale)
		assert.Greater(t, limits.Overall, 1.7+resolutionTolerance)
		assert.Equal(t, limits.Overall, scaledDMin(env, limits, rescale))
	})

	t.Run("at the edge of the data", func(t *testing.T) {
		env := symmetryEnv(t)
		env.Config.Project.Resolution.CCHalf = 0
		limits, rescale := limitFromShells(env, shells, nil)
		assert.False(t, rescale)
		assert.InDelta(t, 1.7, limits.Overall, 1e-9)
		assert.Zero(t, scaledDMin(env, limits, rescale))
	})

	t.Run("user limit", func(t *testing.T) {
		env := symmetryEnv(t)
		env.Config.Project.Resolution.DMin = 1.9
		limits, rescale := limitFromShells(env, shells, nil)
		assert.False(t, rescale)
		assert.Equal(t, 1.9, scaledDMin(env, limits, rescale))
	})

	t.Run("no statistics", func(t *testing.T) {
		env := symmetryEnv(t)
		limits, rescale := limitFromShells(env, nil, errors.New("dials: no merging statistics in output"))
		assert.False(t, rescale)
		assert.Equal(t, resolution.Limits{}, limits)
	})

	t.Run("unusable shells", func(t *testing.T) {
		env := symmetryEnv(t)
		limits, rescale := limitFromShells(env, []resolution.Shell{{DMin: 0, CCHalf: 0.9}}, nil)
		assert.False(t, rescale)
		assert.Equal(t, resolution.Limits{}, limits)
	})
}
