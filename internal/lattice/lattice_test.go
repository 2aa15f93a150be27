package lattice

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecideCorrectLatticeTruthTable(t *testing.T) {
	cases := []struct {
		name     string
		refiner  []string
		possible []string
		correct  string
		rerun    bool
		ntr      bool
	}{
		{"agrees", []string{"mP", "aP", "oP"}, []string{"mP", "aP", "oP"}, "mP", false, false},
		{"symmetry lower", []string{"mP", "aP", "oP"}, []string{"aP"}, "aP", false, true},
		{"symmetry higher", []string{"mP", "aP", "oP"}, []string{"tP", "mP"}, "mP", true, false},
		{"higher then lower", []string{"mP", "aP", "oP"}, []string{"tP", "aP"}, "aP", true, true},
		{"nothing matches", []string{"mP", "aP"}, []string{"cI", "tP"}, "mP", true, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			refiner := NewRefinerState(tc.refiner, nil)
			correct, rerun, ntr := DecideCorrectLattice(tc.possible, refiner)
			assert.Equal(t, tc.correct, correct)
			assert.Equal(t, tc.rerun, rerun)
			assert.Equal(t, tc.ntr, ntr)
		})
	}
}

func TestRefinerStateEliminatesInOrder(t *testing.T) {
	resets := 0
	r := NewRefinerState([]string{"tP", "oP", "mP", "aP"}, func() { resets++ })
	require.Equal(t, Correct, r.Assert("tP"))
	require.Equal(t, Impossible, r.Assert("cI"))
	require.Equal(t, Possible, r.Assert("mP"))
	require.Equal(t, "mP", r.Lattice())
	require.Equal(t, []string{"tP", "oP"}, r.Consumed())
	require.Equal(t, []string{"mP", "aP"}, r.Remaining())
	require.Equal(t, 1, resets)
	require.True(t, r.WasReset())

	// eliminated lattices stay eliminated
	require.Equal(t, Impossible, r.Assert("tP"))

	restored := Restore(r.Snapshot(), nil)
	require.Equal(t, "mP", restored.Lattice())
	require.Equal(t, r.Consumed(), restored.Consumed())
}

type fakeSymmetry struct {
	possible   []string
	pointgroup string
	byLattice  map[string]string
	asserted   string
	twinned    bool
	runs       int
}

func (f *fakeSymmetry) DecidePointgroup(context.Context) error {
	f.runs++
	return nil
}
func (f *fakeSymmetry) PossibleLattices() []string { return f.possible }
func (f *fakeSymmetry) SetCorrectLattice(l string) error {
	pg, ok := f.byLattice[l]
	if !ok {
		return errors.New("lattice " + l + " not possible")
	}
	f.asserted = l
	f.pointgroup = pg
	return nil
}
func (f *fakeSymmetry) Pointgroup() string      { return f.pointgroup }
func (f *fakeSymmetry) ReindexOperator() string { return "h,k,l" }
func (f *fakeSymmetry) ProbablyTwinned() bool   { return f.twinned }

func TestJiffyMultisweep(t *testing.T) {
	cases := []struct {
		name       string
		refiner    []string
		pointgroup string
		ntr        bool
		reset      bool
		reindex    bool
	}{
		{"consistent", []string{"mP", "aP", "oP"}, "P 1 2 1", false, false, false},
		{"refiner too high", []string{"tP", "mP", "aP", "oP"}, "P 1 2 1", true, true, false},
		{"symmetry too high", []string{"aP"}, "P 1", false, false, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sym := &fakeSymmetry{
				possible:   []string{"mP", "aP"},
				pointgroup: "P 1 2 1",
				byLattice:  map[string]string{"mP": "P 1 2 1", "aP": "P 1"},
			}
			first := NewRefinerState(tc.refiner, nil)
			second := NewRefinerState(tc.refiner, nil)
			res, err := Jiffy{}.Decide(context.Background(), sym, []Refiner{first, second})
			require.NoError(t, err)
			assert.Equal(t, tc.pointgroup, res.Pointgroup)
			assert.Equal(t, tc.ntr, res.NeedToReturn)
			assert.Equal(t, tc.reset, first.WasReset())
			assert.Equal(t, tc.reset, second.WasReset())
			assert.Equal(t, tc.reindex, res.ReindexInitial)
			assert.False(t, res.ProbablyTwinned)
			runs := 1
			if tc.reindex {
				runs = 2
			}
			assert.Equal(t, runs, sym.runs, "pointgroup is decided again after the lattice is set")
		})
	}
}

func TestJiffyIntegrateP1DefersReprocessing(t *testing.T) {
	sym := &fakeSymmetry{
		possible:   []string{"mP"},
		pointgroup: "P 1 2 1",
		byLattice:  map[string]string{"mP": "P 1 2 1"},
	}
	first := NewRefinerState([]string{"oP", "mP", "aP"}, nil)
	second := NewRefinerState([]string{"oP", "mP", "aP"}, nil)
	res, err := Jiffy{IntegrateP1: true}.Decide(context.Background(), sym, []Refiner{first, second})
	require.NoError(t, err)
	assert.False(t, res.NeedToReturn)
	assert.True(t, res.ReindexInitial)
	assert.Equal(t, "mP", sym.asserted)
	assert.Equal(t, 2, sym.runs)
	assert.False(t, second.WasReset())
}

func TestJiffySingleSweepPolicy(t *testing.T) {
	newSym := func() *fakeSymmetry {
		return &fakeSymmetry{
			possible:   []string{"mP"},
			pointgroup: "P 1 2 1",
			byLattice:  map[string]string{"mP": "P 1 2 1"},
		}
	}

	sym := newSym()
	res, err := Jiffy{IntegrateP1: true}.Decide(context.Background(), sym, []Refiner{NewRefinerState([]string{"oP", "mP", "aP"}, nil)})
	require.NoError(t, err)
	assert.False(t, res.NeedToReturn)
	assert.True(t, res.ReindexInitial)
	assert.Equal(t, 2, sym.runs)

	sym = newSym()
	res, err = Jiffy{IntegrateP1: true, ReintegrateCorrect: true}.Decide(context.Background(), sym, []Refiner{NewRefinerState([]string{"oP", "mP", "aP"}, nil)})
	require.NoError(t, err)
	assert.True(t, res.NeedToReturn)
	assert.False(t, res.ReindexInitial)
	assert.Equal(t, 1, sym.runs)
}

func TestJiffyPropagatesAssertFailure(t *testing.T) {
	sym := &fakeSymmetry{possible: []string{"cP"}, byLattice: map[string]string{}}
	_, err := Jiffy{}.Decide(context.Background(), sym, []Refiner{NewRefinerState([]string{"aP"}, nil)})
	require.Error(t, err)
	_, err = Jiffy{}.Decide(context.Background(), sym, nil)
	require.Error(t, err)
}

func TestUniformLattice(t *testing.T) {
	a := NewRefinerState([]string{"oP", "mP", "aP"}, nil)
	b := NewRefinerState([]string{"mP", "aP"}, nil)
	correct, ntr, err := UniformLattice([]string{"aP", "mP"}, []SweepRefiner{{"SWEEP1", a}, {"SWEEP2", b}})
	require.NoError(t, err)
	assert.Equal(t, "mP", correct)
	assert.True(t, ntr)

	c := NewRefinerState([]string{"aP"}, nil)
	_, _, err = UniformLattice([]string{"mP"}, []SweepRefiner{{"SWEEP3", c}})
	require.EqualError(t, err, "Lattice mP impossible for SWEEP3")
}

func TestOverallPointgroup(t *testing.T) {
	pg, err := OverallPointgroup([]string{"P 2 2 2", "P 2 2 2"}, false)
	require.NoError(t, err)
	assert.Equal(t, "P 2 2 2", pg)

	_, err = OverallPointgroup([]string{"P 4 2 2", "P 2 2 2"}, false)
	require.EqualError(t, err, "non uniform pointgroups")

	pg, err = OverallPointgroup([]string{"P 4 2 2", "P 2 2 2"}, true)
	require.NoError(t, err)
	assert.Equal(t, "P 2 2 2", pg)
}

func TestRankSolutions(t *testing.T) {
	solutions := []Solution{
		{Lattice: "aP", Cell: Cell{50, 60, 70, 89, 91, 90}, Penalty: 0},
		{Lattice: "mP", Cell: Cell{50, 60, 70, 89, 91, 90}, Penalty: 3},
		{Lattice: "mP", Cell: Cell{50, 60, 70, 89, 91, 90}, Penalty: 1.5},
		{Lattice: "oP", Cell: Cell{50, 60, 70, 90, 90, 90}, Penalty: 45},
		{Lattice: "mI", Cell: Cell{50, 60, 70, 90, 90, 90}, Penalty: 1},
	}
	ranked := RankSolutions(solutions, 30, 0)
	require.Equal(t, []string{"mP", "aP"}, Lattices(ranked))
	assert.Equal(t, 1.5, ranked[0].Penalty)
	assert.Equal(t, Cell{50, 60, 70, 90, 91, 90}, ranked[0].Cell)

	ranked = RankSolutions(solutions, 200, 3)
	require.Equal(t, []string{"mP", "aP"}, Lattices(ranked))
}

func TestExpertTables(t *testing.T) {
	l, err := LaueGroupToLattice("C 1 2/m 1")
	require.NoError(t, err)
	assert.Equal(t, "mC", l)
	l, err = LaueGroupToLattice("I 4/m m m")
	require.NoError(t, err)
	assert.Equal(t, "tI", l)
	_, err = LaueGroupToLattice("X 9")
	require.Error(t, err)

	l, err = PointgroupLattice("C 2 2 2")
	require.NoError(t, err)
	assert.Equal(t, "oC", l)

	cell, distortion := ApplyLattice("tP", Cell{50, 52, 70, 90, 90, 90})
	assert.Equal(t, Cell{51, 51, 70, 90, 90, 90}, cell)
	assert.InDelta(t, 2.0, distortion, 1e-9)

	n, err := SpacegroupNumber("hR")
	require.NoError(t, err)
	back, err := FromSpacegroupNumber(n)
	require.NoError(t, err)
	assert.Equal(t, "hR", back)
}

func TestSpacegroupLattice(t *testing.T) {
	cases := map[string]string{
		"P 21 21 21": "oP",
		"C 2 2 21":   "oC",
		"P 41 21 2":  "tP",
		"I 41":       "tI",
		"P 1 21 1":   "mP",
		"H 3 2":      "hR",
		"P 65 2 2":   "hP",
		"I 21 3":     "cI",
		"P 1":        "aP",
	}
	for sg, want := range cases {
		got, err := SpacegroupLattice(sg)
		require.NoError(t, err, sg)
		assert.Equal(t, want, got, sg)
	}
	_, err := SpacegroupLattice("P 21/c")
	assert.Error(t, err)
}
