package pipeline

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/kingrea/xia2go/internal/lattice"
	"github.com/kingrea/xia2go/internal/project"
	"github.com/kingrea/xia2go/internal/wrappers/dials"
	"github.com/kingrea/xia2go/internal/wrappers/xds"
)

// minIndexImages is the fewest images SelectImagesII will index from.
const minIndexImages = 3

// defaultLowResolution is the low limit written when no d_max is set.
const defaultLowResolution = 100.0

// XDSProcessor indexes with IDXREF and integrates with DEFPIX, INTEGRATE and
// CORRECT. With ImportDIALS the refined geometry and the integrated
// reflections are converted for dials.scale.
type XDSProcessor struct {
	ImportDIALS bool
}

var _ SweepProcessor = XDSProcessor{}

// Process runs whichever of indexing and integration the sweep still needs.
func (p XDSProcessor) Process(ctx context.Context, env *Env, job *SweepJob) error {
	s := job.Sweep
	if !s.Reached(project.StateIndexed) {
		if err := p.index(ctx, env, job); err != nil {
			return fmt.Errorf("indexing %s: %w", s.Name, err)
		}
	}
	if !s.Reached(project.StateIntegrated) {
		if err := p.integrate(ctx, env, job); err != nil {
			return fmt.Errorf("integrating %s: %w", s.Name, err)
		}
	}
	return nil
}

// readHeader loads the detector records for XDS.INP. Blank lines and "!"
// comments are dropped.
func readHeader(path string) ([]string, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("pipeline: header: %w", err)
	}
	defer f.Close()
	var records []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "!") {
			continue
		}
		records = append(records, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("pipeline: header: %w", err)
	}
	return records, nil
}

// headerValue finds KEY=value among the header records.
func headerValue(records []string, key string) (float64, bool) {
	for _, r := range records {
		for _, tok := range strings.Fields(r) {
			k, v, ok := strings.Cut(tok, "=")
			if !ok || !strings.EqualFold(k, key) {
				continue
			}
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return 0, false
			}
			return f, true
		}
	}
	return 0, false
}

// origin converts the beam centre (slow, fast in mm) into the ORGX/ORGY
// pixel position using the QX/QY pixel sizes from the header.
func origin(records []string, beam *[2]float64) *[2]float64 {
	if beam == nil {
		return nil
	}
	qx, okx := headerValue(records, "QX")
	qy, oky := headerValue(records, "QY")
	if !okx || !oky || qx <= 0 || qy <= 0 {
		return nil
	}
	return &[2]float64{beam[1] / qx, beam[0] / qy}
}

// sweepINP holds what every XDS run of the sweep shares.
func sweepINP(env *Env, s *project.XSweep) (xds.INP, []int, error) {
	if err := s.ResolveTemplate(); err != nil {
		return xds.INP{}, nil, err
	}
	images, err := s.Images()
	if err != nil {
		return xds.INP{}, nil, err
	}
	if len(images) == 0 {
		return xds.INP{}, nil, fmt.Errorf("no images found for %s", s.Template)
	}
	header, err := readHeader(s.HeaderFile)
	if err != nil {
		return xds.INP{}, nil, err
	}
	if _, ok := headerValue(header, "OSCILLATION_RANGE"); !ok && s.PhiWidth > 0 {
		header = append(header, fmt.Sprintf("OSCILLATION_RANGE=%f", s.PhiWidth))
	}
	if _, ok := headerValue(header, "DETECTOR_DISTANCE"); !ok && s.Distance > 0 {
		header = append(header, fmt.Sprintf("DETECTOR_DISTANCE=%f", s.Distance))
	}
	inp := xds.INP{
		Processors: env.NProc(),
		Origin:     origin(header, s.Beam),
		Header:     header,
		Directory:  s.Directory,
		Template:   s.Template,
		PhiWidth:   s.PhiWidth,
		DataRange:  xds.Wedge{First: images[0], Last: images[len(images)-1]},
	}
	if s.PhiStart != 0 {
		inp.StartingFrame = images[0]
		inp.StartingAngle = s.PhiStart
	}
	return inp, images, nil
}

// newXDS gives each XDS run its own driver and log.
func newXDS(env *Env, job *SweepJob, name string) (*xds.XDS, error) {
	dir := env.SweepDir(job.Crystal, job.Wavelength, job.Sweep.Name)
	d, err := env.NewDriver(dir, name, job.Local)
	if err != nil {
		return nil, err
	}
	return xds.New(d, env.Logger,
		xds.WithProcessors(env.NProc()),
		xds.WithVersionCache(env.XDSVersions),
	)
}

// indexWith runs COLSPOT over the selection, then IDXREF.
func indexWith(ctx context.Context, env *Env, job *SweepJob, inp xds.INP, sel xds.Selection, target string, cell lattice.Cell) (*xds.IdxrefResult, error) {
	inp.SpotRanges = sel.Wedges
	inp.Background = sel.Background
	inp.Jobs = []xds.Job{xds.JobColspot}
	x, err := newXDS(env, job, "colspot")
	if err != nil {
		return nil, err
	}
	if err := x.Run(ctx, inp); err != nil {
		return nil, err
	}
	x, err = newXDS(env, job, "idxref")
	if err != nil {
		return nil, err
	}
	return x.Idxref(ctx, inp, target, cell)
}

func (p XDSProcessor) index(ctx context.Context, env *Env, job *SweepJob) error {
	s := job.Sweep
	logger := env.Logger.With(zap.String("sweep", s.Name))
	inp, images, err := sweepINP(env, s)
	if err != nil {
		return err
	}
	selI, err := xds.SelectImagesI(images, s.PhiWidth)
	if err != nil {
		return err
	}

	prep := inp
	prep.Jobs = []xds.Job{xds.JobXycorr, xds.JobInit}
	prep.Background = selI.Background
	x, err := newXDS(env, job, "init")
	if err != nil {
		return err
	}
	if err := x.Run(ctx, prep); err != nil {
		return err
	}

	target := job.UserLattice
	if s.Refiner != nil {
		if l := lattice.Restore(*s.Refiner, nil).Lattice(); l != "" {
			target = l
		}
	}
	var cell lattice.Cell
	if job.UserCell != nil && target == job.UserLattice {
		cell = *job.UserCell
	}

	strategy := xds.StrategyI
	var res *xds.IdxrefResult
	selII, errII := xds.SelectImagesII(images, s.PhiWidth, minIndexImages)
	if errII == nil {
		var resII *xds.IdxrefResult
		strategy = xds.DecideIOrII(ctx,
			func(ctx context.Context) (*xds.Quality, error) {
				r, err := indexWith(ctx, env, job, inp, selI, target, cell)
				if err != nil {
					return nil, err
				}
				return r.Quality, nil
			},
			func(ctx context.Context) (*xds.Quality, error) {
				r, err := indexWith(ctx, env, job, inp, selII, target, cell)
				if err != nil {
					return nil, err
				}
				resII = r
				return r.Quality, nil
			},
		)
		logger.Debug("image selection", zap.String("strategy", string(strategy)))
		// The files on disk belong to the last trial run.
		if strategy == xds.StrategyII {
			res = resII
		}
	}
	if res == nil {
		sel := selI
		if strategy == xds.StrategyII {
			sel = selII
		}
		res, err = indexWith(ctx, env, job, inp, sel, target, cell)
		if err != nil {
			return err
		}
	}

	number, err := lattice.SpacegroupNumber(res.Lattice)
	if err != nil {
		return err
	}
	dir := env.SweepDir(job.Crystal, job.Wavelength, s.Name)
	s.Indexing = &project.Indexing{
		Strategy:   string(strategy),
		Lattice:    res.Lattice,
		Spacegroup: number,
		Cell:       res.Cell,
		Mosaic:     res.Mosaic,
		Beam:       res.Geometry.Beam,
		Distance:   res.Geometry.Distance,
		Solutions:  res.Solutions,
		Files: map[string]string{
			"XPARM.XDS": filepath.Join(dir, "XPARM.XDS"),
			"SPOT.XDS":  filepath.Join(dir, "SPOT.XDS"),
		},
		LogFile: res.LogFile,
	}
	if s.Refiner == nil {
		snap := lattice.NewRefinerState(lattice.Lattices(res.Solutions), nil).Snapshot()
		s.Refiner = &snap
	}
	logger.Info("indexed",
		zap.String("lattice", res.Lattice),
		zap.Float64s("cell", res.Cell[:]),
		zap.Float64("mosaic", res.Mosaic),
	)
	if env.Logbook != nil {
		env.Logbook.Info("Indexed %s: %s %s", s.Name, res.Lattice, formatCell(res.Cell))
	}
	return s.Advance(project.StateIndexed)
}

func (p XDSProcessor) integrate(ctx context.Context, env *Env, job *SweepJob) error {
	s := job.Sweep
	if s.Indexing == nil {
		return fmt.Errorf("sweep %s has not been indexed", s.Name)
	}
	inp, images, err := sweepINP(env, s)
	if err != nil {
		return err
	}
	if !env.Config.Project.Lattice.IntegrateP1 {
		inp.Spacegroup = s.Indexing.Spacegroup
		inp.Cell = s.Indexing.Cell
	}
	if job.DMin > 0 {
		inp.Resolution = [2]float64{defaultLowResolution, job.DMin}
		if job.DMax > 0 {
			inp.Resolution[0] = job.DMax
		}
	}
	inp.Anomalous = env.Config.Project.Anomalous

	x, err := newXDS(env, job, "integrate")
	if err != nil {
		return err
	}
	for name, path := range s.Indexing.Files {
		x.SetInputFile(name, path)
	}
	res, err := x.Integrate(ctx, inp)
	if err != nil {
		return err
	}
	st := res.Stats
	s.Integration = &project.Integration{
		Reflections:        res.Reflections,
		XDSASCII:           res.Reflections,
		Images:             [2]int{images[0], images[len(images)-1]},
		Cell:               st.Cell,
		RMSDPixel:          st.RMSDPixel,
		RMSDPhi:            st.RMSDPhi,
		ResolutionEstimate: st.ResolutionEstimate,
		HighestResolution:  st.HighestResolution,
		LogFile:            res.LogFile,
	}
	if p.ImportDIALS {
		if err := importDIALS(ctx, env, job, x.Path("GXPARM.XDS"), x.Path("INTEGRATE.HKL")); err != nil {
			return err
		}
	}
	env.Logger.Info("integrated",
		zap.String("sweep", s.Name),
		zap.Int("reflections", st.Reflections),
		zap.Float64("resolution_estimate", st.ResolutionEstimate),
	)
	if env.Logbook != nil {
		env.Logbook.Info("Integrated %s: %d reflections, I/sigma 0.5 at %.2f A",
			s.Name, st.Reflections, st.ResolutionEstimate)
	}
	return s.Advance(project.StateIntegrated)
}

// importDIALS converts the refined geometry, then the integrated
// reflections, and points the sweep's integration at the results.
func importDIALS(ctx context.Context, env *Env, job *SweepJob, xparm, hkl string) error {
	dir := env.SweepDir(job.Crystal, job.Wavelength, job.Sweep.Name)
	run := func(name string, configure func(*dials.ImportXDS)) (*dials.ImportXDS, error) {
		d, err := env.NewDriver(dir, name, job.Local)
		if err != nil {
			return nil, err
		}
		imp, err := dials.NewImportXDS(d, env.Logger)
		if err != nil {
			return nil, err
		}
		configure(imp)
		return imp, imp.Run(ctx)
	}
	geometry, err := run("import_xparm", func(i *dials.ImportXDS) { i.SetXparm(xparm) })
	if err != nil {
		return err
	}
	reflections, err := run("import_hkl", func(i *dials.ImportXDS) {
		i.SetIntegrateHKL(hkl)
		i.SetExperiments(geometry.Experiments())
	})
	if err != nil {
		return err
	}
	job.Sweep.Integration.Experiments = geometry.Experiments()
	job.Sweep.Integration.Reflections = reflections.Reflections()
	return nil
}

func formatCell(c lattice.Cell) string {
	return fmt.Sprintf("%.2f %.2f %.2f %.2f %.2f %.2f", c[0], c[1], c[2], c[3], c[4], c[5])
}
