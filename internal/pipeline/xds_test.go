package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kingrea/xia2go/internal/driver/drivertest"
	"github.com/kingrea/xia2go/internal/lattice"
	"github.com/kingrea/xia2go/internal/project"
	"github.com/kingrea/xia2go/internal/wrappers/xds"
)

const sweepIdxrefLP = ` CRYSTAL MOSAICITY (DEGREES)     0.150
 DETECTOR COORDINATES (PIXELS) OF DIRECT BEAM    1026.50   1032.20
 CRYSTAL TO DETECTOR DISTANCE (mm)      -150.20
     312 OUT OF     350 SPOTS INDEXED.
 STANDARD DEVIATION OF SPOT    POSITION (PIXELS)     0.85
 STANDARD DEVIATION OF SPINDLE POSITION (DEGREES)    0.12

 LATTICE-  BRAVAIS-   QUALITY  UNIT CELL CONSTANTS (ANGSTROEM & DEGREES)    REINDEXING TRANSFORMATION
 CHARACTER  LATTICE     OF FIT      a      b      c   alpha  beta gamma

 *  44        aP          0.0      51.0   62.0   71.0  90.1  89.9  90.0    1  0  0  0  0  1  0  0  0  0  1  0
 *  34        mP          1.2      51.0   62.0   71.0  90.1  89.9  90.2    1  0  0  0  0  1  0  0  0  0  1  0
 *  32        oP          1.5      51.0   62.0   71.0  90.1  89.9  90.2    1  0  0  0  0  1  0  0  0  0  1  0
    14        tP        150.0      56.5   56.5   71.0  90.0  90.0  90.0    1  0  0  0  0  1  0  0  0  0  1  0

`

const sweepCorrectLP = ` UNIT CELL PARAMETERS     51.234    62.345    71.456  90.000  90.000  90.000
     12345 REFLECTIONS ACCEPTED
`

func pendingSweep() *project.XSweep {
	return &project.XSweep{
		Name:      "SWEEP1",
		Directory: "/data",
		Template:  "sweep1_####.cbf",
		StartEnd:  &[2]int{1, 90},
		PhiWidth:  0.5,
	}
}

func indexedJob(t *testing.T) *SweepJob {
	t.Helper()
	geometry := t.TempDir()
	files := map[string]string{}
	for _, name := range []string{"XPARM.XDS", "SPOT.XDS"} {
		path := filepath.Join(geometry, name)
		require.NoError(t, os.WriteFile(path, []byte(name), 0o644))
		files[name] = path
	}
	s := pendingSweep()
	s.State = project.StateIndexed
	s.Indexing = &project.Indexing{
		Lattice:    "oP",
		Spacegroup: 16,
		Cell:       lattice.Cell{51, 62, 71, 90, 90, 90},
		Files:      files,
	}
	return &SweepJob{ID: "SWEEP1", Crystal: "DEFAULT", Wavelength: "NATIVE", Sweep: s}
}

func TestXDSProcessorIndexesThenIntegrates(t *testing.T) {
	tr := drivertest.New(drivertest.Run{Files: map[string]string{
		"IDXREF.LP":  sweepIdxrefLP,
		"CORRECT.LP": sweepCorrectLP,
		"XPARM.XDS":  "xparm",
		"SPOT.XDS":   "spots",
	}})
	env := scriptedEnv(t, tr, xds.Executable)
	job := &SweepJob{ID: "SWEEP1", Crystal: "DEFAULT", Wavelength: "NATIVE", Sweep: pendingSweep()}

	require.NoError(t, XDSProcessor{}.Process(context.Background(), env, job))

	// init, both trial selections, then integration
	require.Len(t, tr.Jobs(), 6)
	s := job.Sweep
	assert.Equal(t, project.StateIntegrated, s.State)
	require.NotNil(t, s.Indexing)
	// Equal trial quality settles on the second selection.
	assert.Equal(t, string(xds.StrategyII), s.Indexing.Strategy)
	assert.Equal(t, "oP", s.Indexing.Lattice)
	assert.Equal(t, 16, s.Indexing.Spacegroup)
	assert.Equal(t, lattice.Cell{51, 62, 71, 90, 90, 90}, s.Indexing.Cell)
	dir := env.SweepDir("DEFAULT", "NATIVE", "SWEEP1")
	assert.Equal(t, filepath.Join(dir, "XPARM.XDS"), s.Indexing.Files["XPARM.XDS"])
	require.NotNil(t, s.Refiner)
	assert.Equal(t, []string{"oP", "mP", "aP"}, s.Refiner.Queue)

	require.NotNil(t, s.Integration)
	assert.Equal(t, filepath.Join(dir, "XDS_ASCII.HKL"), s.Integration.Reflections)
	assert.Equal(t, [2]int{1, 90}, s.Integration.Images)
	for _, name := range []string{"1_init.log", "4_colspot.log", "5_idxref.log", "6_integrate.log"} {
		assert.FileExists(t, filepath.Join(dir, name))
	}
}

func TestXDSProcessorIntegrates(t *testing.T) {
	tr := drivertest.New(drivertest.Run{Files: map[string]string{"CORRECT.LP": sweepCorrectLP}})
	env := scriptedEnv(t, tr, xds.Executable)
	job := indexedJob(t)
	job.DMin = 1.8

	require.NoError(t, XDSProcessor{}.Process(context.Background(), env, job))

	s := job.Sweep
	assert.Equal(t, project.StateIntegrated, s.State)
	require.NotNil(t, s.Integration)
	dir := env.SweepDir("DEFAULT", "NATIVE", "SWEEP1")
	assert.Equal(t, filepath.Join(dir, "XDS_ASCII.HKL"), s.Integration.Reflections)
	assert.Equal(t, s.Integration.Reflections, s.Integration.XDSASCII)
	assert.Equal(t, [2]int{1, 90}, s.Integration.Images)
	assert.Equal(t, lattice.Cell{51.234, 62.345, 71.456, 90, 90, 90}, s.Integration.Cell)
	assert.Len(t, tr.Jobs(), 1)

	inp, err := os.ReadFile(filepath.Join(dir, "XDS.INP"))
	require.NoError(t, err)
	assert.Contains(t, string(inp), "SPACE_GROUP_NUMBER=16\n")
	assert.Contains(t, string(inp), "INCLUDE_RESOLUTION_RANGE=100.00 1.80\n")
	for _, name := range []string{"XPARM.XDS", "SPOT.XDS"} {
		assert.FileExists(t, filepath.Join(dir, name))
	}
}

func TestXDSProcessorIntegratesInP1(t *testing.T) {
	tr := drivertest.New(drivertest.Run{Files: map[string]string{"CORRECT.LP": sweepCorrectLP}})
	env := scriptedEnv(t, tr, xds.Executable)
	env.Config.Project.Lattice.IntegrateP1 = true
	job := indexedJob(t)

	require.NoError(t, XDSProcessor{}.Process(context.Background(), env, job))

	inp, err := os.ReadFile(filepath.Join(env.SweepDir("DEFAULT", "NATIVE", "SWEEP1"), "XDS.INP"))
	require.NoError(t, err)
	assert.NotContains(t, string(inp), "SPACE_GROUP_NUMBER")
	assert.NotContains(t, string(inp), "INCLUDE_RESOLUTION_RANGE")
}

func TestXDSProcessorReportsIntegrationFailure(t *testing.T) {
	tr := drivertest.New(drivertest.Run{Output: " !!! ERROR !!! CANNOT READ XPARM.XDS\n"})
	env := scriptedEnv(t, tr, xds.Executable)
	job := indexedJob(t)

	err := XDSProcessor{}.Process(context.Background(), env, job)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "integrating SWEEP1")
	assert.Equal(t, project.StateIndexed, job.Sweep.State)
	assert.Nil(t, job.Sweep.Integration)
}
