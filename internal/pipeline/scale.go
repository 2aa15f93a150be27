package pipeline

import (
	"context"
	"fmt"
	"math"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/kingrea/xia2go/internal/lattice"
	"github.com/kingrea/xia2go/internal/project"
	"github.com/kingrea/xia2go/internal/resolution"
	"github.com/kingrea/xia2go/internal/wrappers/aimless"
	"github.com/kingrea/xia2go/internal/wrappers/dials"
	"github.com/kingrea/xia2go/internal/wrappers/pointless"
)

// resolutionTolerance is how much coarser than the data the estimated limit
// must be before the crystal is scaled again at that limit.
const resolutionTolerance = 0.005

// limitFromShells estimates the resolution limit from merging statistics.
// rescale is set when the limit cuts into the data and the user gave no
// limit of their own. Estimation failures are logged, never fatal.
func limitFromShells(env *Env, shells []resolution.Shell, shellErr error) (limits resolution.Limits, rescale bool) {
	if shellErr != nil {
		env.Logger.Warn("no merging statistics for resolution estimate", zap.Error(shellErr))
		return limits, false
	}
	est, err := resolution.NewEstimator(shells, env.Config.ResolutionParams(), env.Logger)
	if err != nil {
		env.Logger.Warn("resolution estimate failed", zap.Error(err))
		return limits, false
	}
	limits = est.Estimate()
	dataDMin := math.Inf(1)
	for _, sh := range shells {
		dataDMin = min(dataDMin, sh.DMin)
	}
	env.Logger.Info("resolution limit",
		zap.Float64("limit", limits.Overall),
		zap.String("limiting", limits.Limiting),
		zap.Float64("data_d_min", dataDMin),
	)
	userLimit := env.Config.Project.Resolution.DMin > 0
	return limits, !userLimit && limits.Overall > dataDMin+resolutionTolerance
}

// scaledDMin is the resolution the crystal was finally scaled to.
func scaledDMin(env *Env, limits resolution.Limits, rescaled bool) float64 {
	if d := env.Config.Project.Resolution.DMin; d > 0 {
		return d
	}
	if rescaled {
		return limits.Overall
	}
	return 0
}

func logbookScaled(env *Env, c *project.XCrystal, s *project.Scaled) {
	if env.Logbook == nil {
		return
	}
	env.Logbook.Info("Scaled %s in %s, resolution %.2f A (%s)",
		c.Name, s.Spacegroup, s.Limits.Overall, s.Limits.Limiting)
}

// combineSweeps copies the XDS_ASCII files into one MTZ file in dir with
// Pointless and returns its path.
func combineSweeps(ctx context.Context, env *Env, dir string, xdsin []string) (string, error) {
	d, err := env.NewDriver(dir, "pointless_combine", false)
	if err != nil {
		return "", err
	}
	combine, err := pointless.New(d, env.Logger)
	if err != nil {
		return "", err
	}
	combined := filepath.Join(dir, fmt.Sprintf("%d_combined.mtz", d.Xpid()))
	if err := combine.Combine(ctx, xdsin, combined); err != nil {
		return "", err
	}
	return combined, nil
}

// AimlessScaler combines the XDS_ASCII files with Pointless, picks the
// spacegroup and scales with Aimless, one run per sweep.
type AimlessScaler struct{}

var _ Scaler = AimlessScaler{}

func (AimlessScaler) Scale(ctx context.Context, env *Env, req ScaleRequest) (*project.Scaled, error) {
	c := req.Crystal
	handler, err := project.HandlerForCrystal(req.Project, c)
	if err != nil {
		return nil, err
	}
	if _, _, err := handler.ProjectInfo(); err != nil {
		return nil, err
	}
	block := handler.AssignBatchOffsets()
	env.Logger.Debug("batch offsets assigned", zap.String("crystal", c.Name), zap.Int("block", block))

	dir := env.ScaleDir(c.Name)
	var xdsin []string
	for _, e := range handler.Epochs() {
		si, _ := handler.SweepInformation(e)
		s := findSweep(c, si.SweepName)
		if s == nil || s.Integration.XDSASCII == "" {
			return nil, fmt.Errorf("pipeline: sweep %s has no XDS_ASCII.HKL", si.SweepName)
		}
		xdsin = append(xdsin, s.Integration.XDSASCII)
	}
	combined, err := combineSweeps(ctx, env, dir, xdsin)
	if err != nil {
		return nil, err
	}

	scaled := &project.Scaled{
		Pointgroup:      req.Symmetry.Pointgroup,
		Spacegroup:      req.Symmetry.Spacegroup,
		ReindexOperator: req.Symmetry.ReindexOperator,
	}
	hklin := combined
	if scaled.Spacegroup == "" {
		d, err := env.NewDriver(dir, "pointless", false)
		if err != nil {
			return nil, err
		}
		sg, err := pointless.New(d, env.Logger)
		if err != nil {
			return nil, err
		}
		sg.SetHklin(combined)
		if err := sg.DecideSpacegroup(ctx); err != nil {
			return nil, err
		}
		scaled.Spacegroup = sg.Spacegroup()
		scaled.ReindexOperator = sg.SpacegroupReindexOperator()
		scaled.Cell = sg.Cell()
		hklin = filepath.Join(dir, "pointless.mtz")
	}

	scale := func(dmin float64) (*aimless.Aimless, error) {
		d, err := env.NewDriver(dir, "aimless", false)
		if err != nil {
			return nil, err
		}
		a, err := aimless.New(d, env.Logger)
		if err != nil {
			return nil, err
		}
		a.SetHklin(hklin)
		a.SetHklout(filepath.Join(dir, fmt.Sprintf("%d_scaled.mtz", d.Xpid())))
		a.SetAnomalous(env.Config.Project.Anomalous)
		if dmin > 0 {
			a.SetResolution(dmin)
		}
		for _, e := range handler.Epochs() {
			si, _ := handler.SweepInformation(e)
			start, end := si.BatchRange()
			a.AddRun(aimless.Run{
				Start:      start,
				End:        end,
				PName:      si.ProjectInfo.PName,
				XName:      si.ProjectInfo.XName,
				DName:      si.ProjectInfo.DName,
				Resolution: si.Resolution,
				Name:       si.SweepName,
			})
		}
		return a, a.Scale(ctx)
	}

	a, err := scale(env.Config.Project.Resolution.DMin)
	if err != nil {
		return nil, err
	}
	shells, shellErr := a.ShellStatistics()
	limits, rescale := limitFromShells(env, shells, shellErr)
	if rescale {
		env.Logger.Info("rescaling at estimated resolution limit", zap.Float64("d_min", limits.Overall))
		if a, err = scale(limits.Overall); err != nil {
			return nil, err
		}
	}
	scaled.Limits = limits
	scaled.DMin = scaledDMin(env, limits, rescale)
	scaled.Merged = a.ScaledReflectionFiles()
	scaled.Unmerged = a.UnmergedReflectionFile()
	scaled.LogFile = a.LogFile()
	scaled.Statistics = map[string]map[string][]float64{}
	for ds, summary := range a.Summary() {
		scaled.Statistics[ds.DName] = summary
	}
	if scaled.Cell == (lattice.Cell{}) {
		scaled.Cell = averageCell(c)
	}
	logbookScaled(env, c, scaled)
	return scaled, nil
}

// DialsScaler scales the imported DIALS data with dials.scale, then asks
// Pointless for the spacegroup of the unmerged output.
type DialsScaler struct{}

var _ Scaler = DialsScaler{}

func (DialsScaler) Scale(ctx context.Context, env *Env, req ScaleRequest) (*project.Scaled, error) {
	c := req.Crystal
	handler, err := project.HandlerForCrystal(req.Project, c)
	if err != nil {
		return nil, err
	}
	pname, xname, err := handler.ProjectInfo()
	if err != nil {
		return nil, err
	}
	dir := env.ScaleDir(c.Name)
	res := env.Config.Project.Resolution

	scale := func(dmin float64) (*dials.Scale, error) {
		d, err := env.NewDriver(dir, "dials_scale", false)
		if err != nil {
			return nil, err
		}
		s, err := dials.New(d, env.Logger, env.NProc())
		if err != nil {
			return nil, err
		}
		for _, e := range handler.Epochs() {
			si, _ := handler.SweepInformation(e)
			if si.Experiments == "" {
				return nil, fmt.Errorf("pipeline: sweep %s has no DIALS experiments", si.SweepName)
			}
			s.AddData(si.Experiments, si.Reflections)
		}
		s.SetProjectName(pname)
		s.SetCrystalName(xname)
		s.SetAnomalous(env.Config.Project.Anomalous)
		s.SetResolution(dmin, res.DMax)
		s.SetScaledMTZ(filepath.Join(dir, fmt.Sprintf("%d_scaled.mtz", d.Xpid())))
		s.SetScaledUnmergedMTZ(filepath.Join(dir, fmt.Sprintf("%d_scaled_unmerged.mtz", d.Xpid())))
		return s, s.Scale(ctx)
	}

	s, err := scale(res.DMin)
	if err != nil {
		return nil, err
	}
	shells, shellErr := s.ShellStatistics()
	limits, rescale := limitFromShells(env, shells, shellErr)
	if rescale {
		env.Logger.Info("rescaling at estimated resolution limit", zap.Float64("d_min", limits.Overall))
		if s, err = scale(limits.Overall); err != nil {
			return nil, err
		}
	}

	scaled := &project.Scaled{
		Pointgroup:      req.Symmetry.Pointgroup,
		Spacegroup:      req.Symmetry.Spacegroup,
		ReindexOperator: req.Symmetry.ReindexOperator,
		Limits:          limits,
		DMin:            scaledDMin(env, limits, rescale),
		Merged:          map[string]string{},
		Unmerged:        s.ScaledUnmergedMTZ(),
		LogFile:         s.LogFile(),
	}
	for _, w := range c.Wavelengths {
		scaled.Merged[w.Name] = s.ScaledMTZ()
	}
	if scaled.Spacegroup == "" {
		d, err := env.NewDriver(dir, "pointless", false)
		if err != nil {
			return nil, err
		}
		p, err := pointless.New(d, env.Logger)
		if err != nil {
			return nil, err
		}
		p.SetHklin(s.ScaledUnmergedMTZ())
		if err := p.DecideSpacegroup(ctx); err != nil {
			return nil, err
		}
		scaled.Spacegroup = p.Spacegroup()
		scaled.ReindexOperator = p.SpacegroupReindexOperator()
		scaled.Cell = p.Cell()
	}
	if scaled.Cell == (lattice.Cell{}) {
		scaled.Cell = averageCell(c)
	}
	logbookScaled(env, c, scaled)
	return scaled, nil
}

func findSweep(c *project.XCrystal, name string) *project.XSweep {
	for _, s := range c.Sweeps() {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// averageCell is the mean post-refined cell of the integrated sweeps.
func averageCell(c *project.XCrystal) lattice.Cell {
	var sum lattice.Cell
	n := 0
	for _, s := range c.Sweeps() {
		if s.Integration == nil {
			continue
		}
		for i, v := range s.Integration.Cell {
			sum[i] += v
		}
		n++
	}
	if n == 0 {
		return sum
	}
	for i := range sum {
		sum[i] /= float64(n)
	}
	return sum
}
