package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/kingrea/xia2go/internal/lattice"
	"github.com/kingrea/xia2go/internal/project"
	"github.com/kingrea/xia2go/internal/wrappers/pointless"
)

// SymmetryProgram is a symmetry program reading one sweep's XDS_ASCII file,
// or an MTZ file holding several sweeps.
type SymmetryProgram interface {
	lattice.Symmetry
	SetXdsin(path string)
	SetHklin(path string)
}

// CombineFunc merges XDS_ASCII files into one reflection file in dir.
type CombineFunc func(ctx context.Context, env *Env, dir string, xdsin []string) (string, error)

// SymmetryFactory creates a symmetry program working in dir.
type SymmetryFactory func(env *Env, dir string) (SymmetryProgram, error)

// NewPointless is the default SymmetryFactory.
func NewPointless(env *Env, dir string) (SymmetryProgram, error) {
	d, err := env.NewDriver(dir, "pointless", false)
	if err != nil {
		return nil, err
	}
	p, err := pointless.New(d, env.Logger)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// PointlessSymmetry decides each sweep's pointgroup with Pointless, checks it
// against the sweep's indexing solutions, then makes the lattice uniform
// across the crystal.
type PointlessSymmetry struct {
	// Factory defaults to NewPointless.
	Factory SymmetryFactory
	// Combine merges the sweeps for a multi-sweep decision. Defaults to a
	// Pointless copy into the crystal's scale directory.
	Combine CombineFunc
}

var _ SymmetryStage = PointlessSymmetry{}

// UserSymmetry returns the spacegroup the user fixed for c, if any.
func UserSymmetry(env *Env, c *project.XCrystal) string {
	if c.UserSpacegroup != "" {
		return c.UserSpacegroup
	}
	return env.Config.Project.Lattice.Spacegroup
}

// sweepRefiner restores a sweep's refiner; the flag records whether the
// refiner moved.
func sweepRefiner(s *project.XSweep) (*lattice.RefinerState, *bool) {
	moved := new(bool)
	onReset := func() { *moved = true }
	if s.Refiner != nil {
		return lattice.Restore(*s.Refiner, onReset), moved
	}
	var candidates []string
	if s.Indexing != nil {
		candidates = lattice.Lattices(s.Indexing.Solutions)
		if len(candidates) == 0 {
			candidates = []string{s.Indexing.Lattice}
		}
	}
	return lattice.NewRefinerState(candidates, onReset), moved
}

// Decide runs the lattice jiffy for every integrated sweep of c.
func (p PointlessSymmetry) Decide(ctx context.Context, env *Env, c *project.XCrystal) (SymmetryDecision, []*project.XSweep, error) {
	sweeps := c.Sweeps()
	if len(sweeps) == 0 {
		return SymmetryDecision{}, nil, fmt.Errorf("pipeline: crystal %s has no sweeps", c.Name)
	}
	if sg := UserSymmetry(env, c); sg != "" {
		l, err := lattice.SpacegroupLattice(sg)
		if err != nil {
			return SymmetryDecision{}, nil, err
		}
		return SymmetryDecision{Lattice: l, Spacegroup: sg}, nil, nil
	}
	factory := p.Factory
	if factory == nil {
		factory = NewPointless
	}
	cfg := env.Config.Project.Lattice
	jiffy := lattice.Jiffy{
		IntegrateP1:        cfg.IntegrateP1,
		ReintegrateCorrect: cfg.ReintegrateCorrectLattice,
		Logger:             env.Logger,
	}
	for _, s := range sweeps {
		if s.Integration == nil || s.Integration.XDSASCII == "" {
			return SymmetryDecision{}, nil, fmt.Errorf("pipeline: sweep %s has not been integrated", s.Name)
		}
	}
	if len(sweeps) > 1 && (cfg.MultiSweepIndexing || cfg.IntegrateP1) {
		return p.decideTogether(ctx, env, c, factory, jiffy)
	}

	var (
		reprocess   []*project.XSweep
		pointgroups []string
		lattices    []string
		refiners    []lattice.SweepRefiner
		moved       []*bool
		twinned     bool
		reindex     string
	)
	for _, s := range sweeps {
		sym, err := factory(env, env.SweepDir(c.Name, s.Wavelength, s.Name))
		if err != nil {
			return SymmetryDecision{}, nil, err
		}
		sym.SetXdsin(s.Integration.XDSASCII)
		refiner, flag := sweepRefiner(s)
		res, err := jiffy.Decide(ctx, sym, []lattice.Refiner{refiner})
		if err != nil {
			return SymmetryDecision{}, nil, fmt.Errorf("pipeline: symmetry of %s: %w", s.Name, err)
		}
		snap := refiner.Snapshot()
		s.Refiner = &snap
		env.Logger.Info("pointgroup",
			zap.String("sweep", s.Name),
			zap.String("pointgroup", res.Pointgroup),
			zap.String("lattice", res.Lattice),
			zap.Bool("need_to_return", res.NeedToReturn),
		)
		if res.NeedToReturn {
			reprocess = append(reprocess, s)
			continue
		}
		pointgroups = append(pointgroups, res.Pointgroup)
		lattices = append(lattices, res.Lattice)
		refiners = append(refiners, lattice.SweepRefiner{Name: s.Name, Refiner: refiner})
		*flag = false
		moved = append(moved, flag)
		twinned = twinned || res.ProbablyTwinned
		if reindex == "" {
			reindex = res.ReindexOperator
		}
	}
	if len(reprocess) > 0 {
		return SymmetryDecision{}, reprocess, nil
	}

	correct, needToReturn, err := lattice.UniformLattice(lattices, refiners)
	if err != nil {
		return SymmetryDecision{}, nil, err
	}
	if needToReturn {
		for i, r := range refiners {
			if *moved[i] {
				s := sweeps[i]
				snap := r.Refiner.(*lattice.RefinerState).Snapshot()
				s.Refiner = &snap
				reprocess = append(reprocess, s)
			}
		}
		return SymmetryDecision{}, reprocess, nil
	}

	pg, err := lattice.OverallPointgroup(pointgroups, twinned)
	if err != nil {
		return SymmetryDecision{}, nil, err
	}
	return SymmetryDecision{
		Lattice:         correct,
		Pointgroup:      pg,
		ReindexOperator: reindex,
		ProbablyTwinned: twinned,
	}, nil, nil
}

// decideTogether runs the jiffy once over the combined sweeps of c, with the
// first sweep's refiner speaking for all. Unless the data stay in P1, the
// chosen lattice is then asserted on every sweep and the ones that moved are
// returned for reprocessing.
func (p PointlessSymmetry) decideTogether(ctx context.Context, env *Env, c *project.XCrystal, factory SymmetryFactory, jiffy lattice.Jiffy) (SymmetryDecision, []*project.XSweep, error) {
	sweeps := c.Sweeps()
	combine := p.Combine
	if combine == nil {
		combine = combineSweeps
	}
	xdsin := make([]string, 0, len(sweeps))
	states := make([]*lattice.RefinerState, 0, len(sweeps))
	refiners := make([]lattice.Refiner, 0, len(sweeps))
	named := make([]lattice.SweepRefiner, 0, len(sweeps))
	moved := make([]*bool, 0, len(sweeps))
	for _, s := range sweeps {
		xdsin = append(xdsin, s.Integration.XDSASCII)
		r, flag := sweepRefiner(s)
		states = append(states, r)
		refiners = append(refiners, r)
		named = append(named, lattice.SweepRefiner{Name: s.Name, Refiner: r})
		moved = append(moved, flag)
	}

	dir := env.ScaleDir(c.Name)
	hklin, err := combine(ctx, env, dir, xdsin)
	if err != nil {
		return SymmetryDecision{}, nil, err
	}
	sym, err := factory(env, dir)
	if err != nil {
		return SymmetryDecision{}, nil, err
	}
	sym.SetHklin(hklin)
	env.Logger.Debug("multisweep symmetry", zap.String("crystal", c.Name), zap.Int("sweeps", len(sweeps)))
	res, err := jiffy.Decide(ctx, sym, refiners)
	if err != nil {
		return SymmetryDecision{}, nil, fmt.Errorf("pipeline: symmetry of %s: %w", c.Name, err)
	}

	inP1 := jiffy.IntegrateP1 && !jiffy.ReintegrateCorrect
	if !inP1 {
		if _, _, err := lattice.UniformLattice([]string{res.Lattice}, named); err != nil {
			return SymmetryDecision{}, nil, err
		}
	}
	var reprocess []*project.XSweep
	for i, s := range sweeps {
		snap := states[i].Snapshot()
		s.Refiner = &snap
		if !inP1 && *moved[i] {
			reprocess = append(reprocess, s)
		}
	}
	env.Logger.Info("pointgroup",
		zap.String("crystal", c.Name),
		zap.String("pointgroup", res.Pointgroup),
		zap.String("lattice", res.Lattice),
		zap.Int("reprocess", len(reprocess)),
	)
	if len(reprocess) > 0 {
		return SymmetryDecision{}, reprocess, nil
	}
	return SymmetryDecision{
		Lattice:         res.Lattice,
		Pointgroup:      res.Pointgroup,
		ReindexOperator: res.ReindexOperator,
		ProbablyTwinned: res.ProbablyTwinned,
	}, nil, nil
}
