package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kingrea/xia2go/internal/config"
	"github.com/kingrea/xia2go/internal/lattice"
	"github.com/kingrea/xia2go/internal/project"
)

type fakeProgram struct {
	possible   []string
	pointgroup string
	xdsin      string
	hklin      string
	asserted   string
	runs       int
}

func (f *fakeProgram) DecidePointgroup(context.Context) error {
	f.runs++
	return nil
}
func (f *fakeProgram) PossibleLattices() []string { return f.possible }
func (f *fakeProgram) SetCorrectLattice(l string) error {
	f.asserted = l
	return nil
}
func (f *fakeProgram) Pointgroup() string      { return f.pointgroup }
func (f *fakeProgram) ReindexOperator() string { return "h,k,l" }
func (f *fakeProgram) ProbablyTwinned() bool   { return false }
func (f *fakeProgram) SetXdsin(path string)    { f.xdsin = path }
func (f *fakeProgram) SetHklin(path string)    { f.hklin = path }

// recordCombine stands in for the Pointless copy of several sweeps.
func recordCombine(got *[]string) CombineFunc {
	return func(_ context.Context, _ *Env, dir string, xdsin []string) (string, error) {
		*got = append([]string(nil), xdsin...)
		return filepath.Join(dir, "1_combined.mtz"), nil
	}
}

// programs hands out one fake per sweep, keyed by the sweep directory.
func programs(bySweep map[string]*fakeProgram) SymmetryFactory {
	return func(_ *Env, dir string) (SymmetryProgram, error) {
		p, ok := bySweep[filepath.Base(dir)]
		if !ok {
			return nil, errors.New("no program for " + dir)
		}
		return p, nil
	}
}

func symmetryEnv(t *testing.T) *Env {
	t.Helper()
	cfg, err := config.NewConfig(t.TempDir())
	require.NoError(t, err)
	return NewEnv(cfg, zap.NewNop(), nil)
}

func integratedCrystal(queues map[string][]string, names ...string) *project.XCrystal {
	c := testProject(names...).Crystals[0]
	for _, s := range c.Sweeps() {
		s.Integration = &project.Integration{XDSASCII: "/data/" + s.Name + "/XDS_ASCII.HKL"}
		s.Refiner = &lattice.Snapshot{Queue: queues[s.Name]}
	}
	return c
}

func TestPointlessSymmetryAgrees(t *testing.T) {
	env := symmetryEnv(t)
	c := integratedCrystal(map[string][]string{"SWEEP1": {"oP", "mP", "aP"}}, "SWEEP1")
	prog := &fakeProgram{possible: []string{"oP", "mP", "aP"}, pointgroup: "P 2 2 2"}

	d, reprocess, err := PointlessSymmetry{Factory: programs(map[string]*fakeProgram{"SWEEP1": prog})}.
		Decide(context.Background(), env, c)
	require.NoError(t, err)
	assert.Empty(t, reprocess)
	assert.Equal(t, "oP", d.Lattice)
	assert.Equal(t, "P 2 2 2", d.Pointgroup)
	assert.Equal(t, "h,k,l", d.ReindexOperator)
	assert.Equal(t, "/data/SWEEP1/XDS_ASCII.HKL", prog.xdsin)
	assert.Empty(t, prog.asserted)
}

func TestPointlessSymmetrySendsSweepBackForLowerLattice(t *testing.T) {
	env := symmetryEnv(t)
	c := integratedCrystal(map[string][]string{"SWEEP1": {"tP", "oP", "aP"}}, "SWEEP1")
	prog := &fakeProgram{possible: []string{"oP", "aP"}, pointgroup: "P 2 2 2"}

	_, reprocess, err := PointlessSymmetry{Factory: programs(map[string]*fakeProgram{"SWEEP1": prog})}.
		Decide(context.Background(), env, c)
	require.NoError(t, err)
	require.Len(t, reprocess, 1)
	s := reprocess[0]
	assert.Equal(t, "SWEEP1", s.Name)
	require.NotNil(t, s.Refiner)
	assert.Equal(t, 1, s.Refiner.Cursor, "tP should be eliminated")
}

func TestPointlessSymmetryMakesLatticeUniform(t *testing.T) {
	env := symmetryEnv(t)
	c := integratedCrystal(map[string][]string{
		"SWEEP1": {"oP", "mP"},
		"SWEEP2": {"mP", "oP"},
	}, "SWEEP1", "SWEEP2")
	progs := map[string]*fakeProgram{
		"SWEEP1": {possible: []string{"oP"}, pointgroup: "P 2 2 2"},
		"SWEEP2": {possible: []string{"mP"}, pointgroup: "P 1 2 1"},
	}

	_, reprocess, err := PointlessSymmetry{Factory: programs(progs)}.Decide(context.Background(), env, c)
	require.NoError(t, err)
	require.Len(t, reprocess, 1)
	assert.Equal(t, "SWEEP2", reprocess[0].Name)
	assert.Equal(t, "oP", reprocess[0].Refiner.Queue[reprocess[0].Refiner.Cursor])
}

func TestPointlessSymmetryHonoursUserSpacegroup(t *testing.T) {
	env := symmetryEnv(t)
	c := integratedCrystal(nil, "SWEEP1")
	c.UserSpacegroup = "P 41 21 2"
	factory := func(*Env, string) (SymmetryProgram, error) {
		t.Fatal("symmetry program should not run")
		return nil, nil
	}

	d, reprocess, err := PointlessSymmetry{Factory: factory}.Decide(context.Background(), env, c)
	require.NoError(t, err)
	assert.Empty(t, reprocess)
	assert.Equal(t, "tP", d.Lattice)
	assert.Equal(t, "P 41 21 2", d.Spacegroup)
}

func TestPointlessSymmetryRequiresIntegration(t *testing.T) {
	env := symmetryEnv(t)
	c := testProject("SWEEP1").Crystals[0]
	_, _, err := PointlessSymmetry{Factory: programs(nil)}.Decide(context.Background(), env, c)
	assert.ErrorContains(t, err, "has not been integrated")
}

func TestSweepRefinerFallsBackToIndexedLattice(t *testing.T) {
	s := &project.XSweep{Name: "SWEEP1", Indexing: &project.Indexing{Lattice: "hP"}}
	r, moved := sweepRefiner(s)
	assert.Equal(t, "hP", r.Lattice())
	assert.False(t, *moved)
	r.Reset()
	assert.True(t, *moved)
}

func TestPointlessSymmetryTogetherReprocessesEverySweep(t *testing.T) {
	env := symmetryEnv(t)
	env.Config.Project.Lattice.MultiSweepIndexing = true
	c := integratedCrystal(map[string][]string{
		"SWEEP1": {"oP", "mP", "aP"},
		"SWEEP2": {"oP", "mP", "aP"},
	}, "SWEEP1", "SWEEP2")
	prog := &fakeProgram{possible: []string{"mP", "aP"}, pointgroup: "P 1 2 1"}
	var combined []string

	_, reprocess, err := PointlessSymmetry{
		Factory: programs(map[string]*fakeProgram{"scale": prog}),
		Combine: recordCombine(&combined),
	}.Decide(context.Background(), env, c)
	require.NoError(t, err)
	assert.Equal(t, []string{"/data/SWEEP1/XDS_ASCII.HKL", "/data/SWEEP2/XDS_ASCII.HKL"}, combined)
	assert.Equal(t, filepath.Join(env.ScaleDir(c.Name), "1_combined.mtz"), prog.hklin)
	assert.Empty(t, prog.xdsin)
	assert.Equal(t, 1, prog.runs)
	require.Len(t, reprocess, 2)
	for _, s := range reprocess {
		assert.Equal(t, "mP", s.Refiner.Queue[s.Refiner.Cursor], s.Name)
	}
}

func TestPointlessSymmetryIntegrateP1KeepsData(t *testing.T) {
	env := symmetryEnv(t)
	env.Config.Project.Lattice.IntegrateP1 = true
	env.Config.Project.Lattice.ReintegrateCorrectLattice = false
	c := integratedCrystal(map[string][]string{
		"SWEEP1": {"oP", "mP", "aP"},
		"SWEEP2": {"oP", "mP", "aP"},
	}, "SWEEP1", "SWEEP2")
	prog := &fakeProgram{possible: []string{"mP", "aP"}, pointgroup: "P 1 2 1"}
	var combined []string

	d, reprocess, err := PointlessSymmetry{
		Factory: programs(map[string]*fakeProgram{"scale": prog}),
		Combine: recordCombine(&combined),
	}.Decide(context.Background(), env, c)
	require.NoError(t, err)
	assert.Empty(t, reprocess)
	assert.Len(t, combined, 2)
	assert.Equal(t, "mP", d.Lattice)
	assert.Equal(t, "P 1 2 1", d.Pointgroup)
	assert.Equal(t, "mP", prog.asserted)
	assert.Equal(t, 2, prog.runs, "pointgroup decided again in the asserted lattice")
	assert.Equal(t, 0, c.Sweeps()[1].Refiner.Cursor)
}

func TestRunSettlesLatticeAcrossSweeps(t *testing.T) {
	h := newHarness(t, newStubProcessor())
	h.env.Config.Project.Lattice.MultiSweepIndexing = true
	prog := &fakeProgram{possible: []string{"mP", "aP"}, pointgroup: "P 1 2 1"}
	var combined []string
	h.registry.MustRegister("together", func(*config.Config) (Implementation, error) {
		return Implementation{
			Name:      "together",
			Processor: h.processor,
			Symmetry: PointlessSymmetry{
				Factory: programs(map[string]*fakeProgram{"scale": prog}),
				Combine: recordCombine(&combined),
			},
			Scaler: h.scaler,
		}, nil
	})
	h.env.Config.Project.Pipeline = "together"
	proj := testProject("SWEEP1", "SWEEP2")
	for _, s := range proj.Sweeps() {
		s.Refiner = &lattice.Snapshot{Queue: []string{"oP", "mP", "aP"}}
	}

	require.NoError(t, h.pipeline(t).Run(context.Background(), proj))
	assert.Equal(t, 2, h.processor.count("SWEEP1"))
	assert.Equal(t, 2, h.processor.count("SWEEP2"))
	assert.Equal(t, 2, prog.runs)
	assert.Equal(t, 1, h.scaler.calls)
	for _, s := range proj.Sweeps() {
		assert.Equal(t, "mP", s.Refiner.Queue[s.Refiner.Cursor], s.Name)
		assert.Equal(t, project.StateMerged, s.State)
	}
}
