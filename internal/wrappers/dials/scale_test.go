package dials

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kingrea/xia2go/internal/driver"
	"github.com/kingrea/xia2go/internal/driver/drivertest"
	"github.com/kingrea/xia2go/internal/lattice"
)

func newScale(t *testing.T, runs ...drivertest.Run) (*Scale, *drivertest.Transport, []string) {
	t.Helper()
	tr := drivertest.New(runs...)
	d := drivertest.Program(t, tr, "dials.scale")
	s, err := New(d, nil, 4)
	require.NoError(t, err)

	var files []string
	for _, name := range []string{"1_integrated.expt", "1_integrated.refl", "2_integrated.expt", "2_integrated.refl"} {
		path := filepath.Join(d.WorkingDirectory(), name)
		require.NoError(t, os.WriteFile(path, []byte(name), 0o644))
		files = append(files, path)
	}
	return s, tr, files
}

func TestScaleCommandLine(t *testing.T) {
	s, tr, files := newScale(t, drivertest.Run{Output: "Scaling complete\n"})
	s.AddData(files[0], files[1])
	s.AddData(files[2], files[3])
	s.SetModel("physical")
	s.SetDecay(true, 20)
	s.SetScaleInterval(2)
	s.Lmax = 4
	s.SetAnomalous(true)
	s.SetResolution(1.5, 0)
	s.SetMaxIterations(10)
	s.SetOutlierRejection("standard")
	s.SetBestUnitCell(lattice.Cell{51.2, 62, 71, 90, 90, 90})
	require.NoError(t, s.SetIntensities(IntensityProfile))
	s.SetScaledUnmergedMTZ("unmerged.mtz")

	require.NoError(t, s.Scale(context.Background()))

	dir := s.WorkingDirectory()
	want := []string{
		files[0], files[2], files[1], files[3],
		"nproc=4",
		"anomalous=True",
		"intensity_choice=profile",
		"model=physical",
		"physical.decay_correction=True",
		"physical.absorption_correction=True",
		"physical.decay_interval=20",
		"physical.lmax=4",
		"physical.scale_interval=2",
		"full_matrix=True",
		"outlier_rejection=standard",
		"cut_data.d_min=1.5",
		"max_iterations=10",
		"best_unit_cell=51.2,62,71,90,90,90",
		"output.unmerged_mtz=unmerged.mtz",
		"output.html=" + filepath.Join(dir, "0_scaling.html"),
		"output.experiments=" + filepath.Join(dir, "0_scaled.expt"),
		"output.reflections=" + filepath.Join(dir, "0_scaled.refl"),
	}
	assert.Equal(t, want, tr.Jobs()[0].Args)
	assert.Equal(t, filepath.Join(dir, "0_scaled.expt"), s.ScaledExperiments())
	assert.Equal(t, filepath.Join(dir, "0_scaled.refl"), s.ScaledReflections())
}

func TestScaleDoseDecayOptions(t *testing.T) {
	s, tr, files := newScale(t, drivertest.Run{})
	s.AddData(files[0], files[1])
	s.SetModel("dose_decay")
	share := false
	s.ShareDecay = &share
	s.ResolutionDependence = "Bfactor"
	s.FullMatrix = false
	s.SetErrorModel("basic", "grouped")
	s.ErrorModelGroups = []string{"0,1", "2"}
	require.NoError(t, s.Scale(context.Background()))

	args := strings.Join(tr.Jobs()[0].Args, " ")
	assert.Contains(t, args, "dose_decay.share.decay=False")
	assert.Contains(t, args, "dose_decay.resolution_dependence=Bfactor")
	assert.Contains(t, args, "full_matrix=False")
	assert.Contains(t, args, "error_model.grouping=grouped error_model_group=0,1 error_model_group=2")
	assert.NotContains(t, args, "decay_interval")
}

func TestScaleRejectsBadInputs(t *testing.T) {
	s, tr, files := newScale(t)
	require.Error(t, s.Scale(context.Background()))

	s.AddData(files[0], files[1])
	s.AddExperiments(files[2])
	require.EqualError(t, s.Scale(context.Background()), "dials: 2 experiments but 1 reflection files")

	s.ClearData()
	s.AddData(files[0], filepath.Join(s.WorkingDirectory(), "missing.refl"))
	require.Error(t, s.Scale(context.Background()))
	assert.Empty(t, tr.Jobs())

	require.Error(t, s.SetIntensities("median"))
}

func TestScaleFailureReportsLog(t *testing.T) {
	s, _, files := newScale(t, drivertest.Run{Output: "Sorry: no reflections\n", Code: 1})
	s.AddData(files[0], files[1])
	err := s.Scale(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dials.scale failed")
	var pe *driver.ProcessError
	var te *driver.TextError
	assert.True(t, errors.As(err, &pe) || errors.As(err, &te))
}

func TestScaleFilteringResults(t *testing.T) {
	s, tr, files := newScale(t, drivertest.Run{
		Files: map[string]string{"0_scale_and_filter_results.json": `{"cycle_results": [{"removed_datasets": []}]}`},
	})
	s.AddData(files[0], files[1])
	s.SetFiltering(Filtering{Method: "deltacchalf", MaxCycles: 6, StdCutoff: 4})
	require.NoError(t, s.Scale(context.Background()))

	args := strings.Join(tr.Jobs()[0].Args, " ")
	assert.Contains(t, args, "filtering.method=deltacchalf")
	assert.Contains(t, args, "filtering.deltacchalf.max_cycles=6")
	assert.Contains(t, args, "filtering.deltacchalf.stdcutoff=4")
	assert.JSONEq(t, `{"cycle_results": [{"removed_datasets": []}]}`, string(s.FilterResults()))
}

const mergingOutput = `
            -------------Summary of merging statistics--------------

Statistics by resolution bin:
 d_max  d_min   #obs  #uniq   mult.  %comp       <I>  <I/sI>    r_mrg   r_meas    r_pim   r_anom   cc1/2   cc_ano
 68.34   4.61   12584   1711   7.35  99.88   10432.5    68.7    0.035    0.038    0.014    0.028   0.999*   0.282*
  4.61   3.66   12270   1638   7.49 100.00    3876.2    49.6    0.049    0.053    0.019    0.037   0.998*   0.030
  3.66   3.20   12601   1629   7.74 100.00     901.3    21.4    0.122    0.131    0.047    0.096   0.991*  -0.041
  1.36   1.30    6541   1377   4.75  97.02      31.6     1.1    1.077    1.203    0.528    1.012   0.402   -0.002

Writing html report
`

func TestParseMergingStatistics(t *testing.T) {
	shells, err := ParseMergingStatistics(strings.Split(mergingOutput, "\n"))
	require.NoError(t, err)
	require.Len(t, shells, 4)
	assert.Equal(t, 4.61, shells[0].DMin)
	assert.Equal(t, 0.035, shells[0].Rmerge)
	assert.Equal(t, 68.7, shells[0].MISigma)
	assert.InDelta(t, 0.9988, shells[0].Completeness, 1e-9)
	require.NotNil(t, shells[0].CCHalfSignificant)
	assert.True(t, *shells[0].CCHalfSignificant)
	assert.Equal(t, 0.402, shells[3].CCHalf)
	assert.False(t, *shells[3].CCHalfSignificant)

	_, err = ParseMergingStatistics([]string{"Scaling complete"})
	assert.Error(t, err)
}

func TestImportXDS(t *testing.T) {
	tr := drivertest.New(drivertest.Run{Output: "Importing data\n"})
	d := drivertest.Program(t, tr, ImportXDSExecutable)
	imp, err := NewImportXDS(d, nil)
	require.NoError(t, err)

	require.EqualError(t, imp.Run(context.Background()), "dials: nothing to import")

	xparm := filepath.Join(d.WorkingDirectory(), "GXPARM.XDS")
	require.NoError(t, os.WriteFile(xparm, []byte("XPARM.XDS"), 0o644))
	imp.SetXparm(xparm)
	require.NoError(t, imp.Run(context.Background()))
	assert.Equal(t, filepath.Join(d.WorkingDirectory(), "0_xparm_xds.expt"), imp.Experiments())
	assert.Equal(t, []string{"input.xds_file=GXPARM.XDS", d.WorkingDirectory(), "output.xds_experiments=" + imp.Experiments()}, tr.Jobs()[0].Args)

	hkl := filepath.Join(d.WorkingDirectory(), "INTEGRATE.HKL")
	imp.SetIntegrateHKL(hkl)
	assert.ErrorContains(t, imp.Run(context.Background()), "INTEGRATE.HKL does not exist")
	require.NoError(t, os.WriteFile(hkl, []byte("!FORMAT=XDS_ASCII"), 0o644))
	require.NoError(t, os.WriteFile(imp.Experiments(), []byte("{}"), 0o644))
	require.NoError(t, imp.Run(context.Background()))
	assert.Equal(t, filepath.Join(d.WorkingDirectory(), "0_integrate_hkl.refl"), imp.Reflections())
}
