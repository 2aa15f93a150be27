package lattice

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// DecideCorrectLattice walks possible (highest symmetry first) asking the
// refiner about each lattice. rerun means the symmetry program must be told
// the chosen lattice; needToReturn means indexing must be redone.
func DecideCorrectLattice(possible []string, refiner Refiner) (correct string, rerun, needToReturn bool) {
	for _, l := range possible {
		switch refiner.Assert(l) {
		case Correct:
			return l, rerun, false
		case Impossible:
			rerun = true
			continue
		case Possible:
			return l, rerun, true
		}
	}
	return refiner.Lattice(), true, false
}

// Symmetry is a symmetry-determination program (Pointless or similar).
type Symmetry interface {
	DecidePointgroup(ctx context.Context) error
	PossibleLattices() []string
	SetCorrectLattice(lattice string) error
	Pointgroup() string
	ReindexOperator() string
	ProbablyTwinned() bool
}

// Result is the outcome of a jiffy run.
type Result struct {
	Lattice         string `json:"lattice"`
	Pointgroup      string `json:"pointgroup"`
	ReindexOperator string `json:"reindex_operator"`
	NeedToReturn    bool   `json:"need_to_return"`
	ProbablyTwinned bool   `json:"probably_twinned"`
	ReindexInitial  bool   `json:"reindex_initial"`
}

// Jiffy centralises the conversation between the symmetry program and the
// refiners of one or more sweeps.
type Jiffy struct {
	// IntegrateP1 defers lattice assertion: data stay in P1 and only the
	// symmetry program is rerun with the chosen lattice.
	IntegrateP1 bool
	// ReintegrateCorrect forces reprocessing even with IntegrateP1.
	ReintegrateCorrect bool
	Logger             *zap.Logger
}

// Decide runs the symmetry program and reconciles it with refiners. The
// first refiner speaks for all; the others are reset when reprocessing is
// needed. With IntegrateP1 (and not ReintegrateCorrect) a lattice change only
// reruns the symmetry program, leaving the data in P1.
func (j Jiffy) Decide(ctx context.Context, sym Symmetry, refiners []Refiner) (Result, error) {
	logger := j.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(refiners) == 0 {
		return Result{}, errors.New("lattice: no refiners")
	}
	if err := sym.DecidePointgroup(ctx); err != nil {
		return Result{}, err
	}
	possible := sym.PossibleLattices()
	logger.Debug("possible lattices", zap.Strings("lattices", possible))

	correct, rerun, ntr := DecideCorrectLattice(possible, refiners[0])
	if correct == "" {
		return Result{}, errors.New("lattice: lattice list empty")
	}
	if ntr {
		if j.IntegrateP1 && !j.ReintegrateCorrect {
			ntr = false
			rerun = true
		} else {
			for _, r := range refiners[1:] {
				r.Reset()
			}
		}
	}

	res := Result{Lattice: correct, NeedToReturn: ntr}
	if rerun {
		if err := sym.SetCorrectLattice(correct); err != nil {
			return Result{}, err
		}
		if err := sym.DecidePointgroup(ctx); err != nil {
			return Result{}, err
		}
		res.ReindexInitial = true
	}
	res.Pointgroup = sym.Pointgroup()
	res.ReindexOperator = sym.ReindexOperator()
	res.ProbablyTwinned = sym.ProbablyTwinned()
	logger.Debug("pointgroup decided",
		zap.String("pointgroup", res.Pointgroup),
		zap.String("reindex", res.ReindexOperator),
		zap.Bool("need_to_return", res.NeedToReturn),
	)
	return res, nil
}

// SweepRefiner names a refiner for error messages.
type SweepRefiner struct {
	Name    string
	Refiner Refiner
}

// UniformLattice asserts the highest-symmetry lattice in lattices on every
// sweep. needToReturn is set when any sweep has to be reprocessed.
func UniformLattice(lattices []string, sweeps []SweepRefiner) (string, bool, error) {
	if len(lattices) == 0 {
		return "", false, errors.New("lattice: lattice list empty")
	}
	ranked := make([]Solution, 0, len(lattices))
	for _, l := range lattices {
		ranked = append(ranked, Solution{Lattice: l})
	}
	ranked = SortSolutions(ranked)
	if len(ranked) == 0 {
		return "", false, fmt.Errorf("lattice: no known lattice in %s", strings.Join(lattices, " "))
	}
	correct := ranked[0].Lattice
	needToReturn := false
	for _, s := range sweeps {
		switch s.Refiner.Assert(correct) {
		case Impossible:
			return "", false, fmt.Errorf("Lattice %s impossible for %s", correct, s.Name)
		case Possible:
			needToReturn = true
		}
	}
	return correct, needToReturn, nil
}

// OverallPointgroup reconciles per-sweep pointgroups. Disagreement is fatal
// unless the data are probably twinned, when the lowest symmetry wins.
func OverallPointgroup(pointgroups []string, probablyTwinned bool) (string, error) {
	set := map[string]struct{}{}
	var unique []string
	for _, pg := range pointgroups {
		if _, seen := set[pg]; !seen {
			set[pg] = struct{}{}
			unique = append(unique, pg)
		}
	}
	switch {
	case len(unique) == 0:
		return "", errors.New("lattice: no pointgroups")
	case len(unique) == 1:
		return unique[0], nil
	case !probablyTwinned:
		return "", errors.New("non uniform pointgroups")
	}
	type numbered struct {
		name   string
		number int
	}
	ranked := make([]numbered, 0, len(unique))
	for _, pg := range unique {
		n, err := PointgroupNumber(pg)
		if err != nil {
			return "", err
		}
		ranked = append(ranked, numbered{pg, n})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].number < ranked[j].number })
	return ranked[0].name, nil
}
