package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kingrea/xia2go/internal/lattice"
	"github.com/kingrea/xia2go/internal/project"
)

// Stages recorded in the checkpoint.
const (
	StageIntegrated = "integrated"
	StageScaled     = "scaled"
)

// SummaryFile is written next to the checkpoint after scaling.
const SummaryFile = "xia2-summary.dat"

// maxSymmetryPasses bounds the reprocess loop when the lattice keeps moving.
const maxSymmetryPasses = 3

// ErrUnsettledLattice is returned when the lattice still moves after the
// last permitted reprocessing pass.
var ErrUnsettledLattice = errors.New("pipeline: lattice not settled")

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithExecutor runs sweep jobs through e instead of in this process. Jobs
// marked local still run here.
func WithExecutor(e Executor) Option {
	return func(p *Pipeline) { p.executor = e }
}

// WithRunID fixes the run id, as when resuming.
func WithRunID(id string) Option {
	return func(p *Pipeline) { p.runID = id }
}

// StopAfterIntegrate ends the run once every sweep is integrated.
func StopAfterIntegrate() Option {
	return func(p *Pipeline) { p.stopAfterIntegrate = true }
}

// WithClock overrides time.Now for checkpoint timestamps.
func WithClock(clock func() time.Time) Option {
	return func(p *Pipeline) { p.clock = clock }
}

// Pipeline takes a project from images to merged reflections.
type Pipeline struct {
	env      *Env
	registry *Registry
	store    project.CheckpointStore
	impl     Implementation
	local    Executor
	executor Executor

	runID              string
	stopAfterIntegrate bool
	clock              func() time.Time
}

// New resolves the configured pipeline from registry.
func New(env *Env, registry *Registry, store project.CheckpointStore, opts ...Option) (*Pipeline, error) {
	if registry == nil {
		registry = DefaultRegistry()
	}
	impl, err := registry.Resolve(env.Config.Project.Pipeline, env.Config)
	if err != nil {
		return nil, err
	}
	p := &Pipeline{
		env:      env,
		registry: registry,
		store:    store,
		impl:     impl,
		local:    LocalExecutor{Env: env, Registry: registry},
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.executor == nil {
		p.executor = p.local
	}
	if p.runID == "" {
		p.runID = uuid.NewString()
	}
	return p, nil
}

// RunID identifies this run in checkpoints and queue messages.
func (p *Pipeline) RunID() string { return p.runID }

// Implementation is the resolved pipeline.
func (p *Pipeline) Implementation() Implementation { return p.impl }

func (p *Pipeline) banner(title string) {
	if p.env.Logbook != nil {
		p.env.Logbook.Banner(title)
	}
}

func (p *Pipeline) checkpoint(stage string, proj *project.XProject) error {
	if p.store == nil {
		return nil
	}
	err := p.store.Save(project.Checkpoint{
		RunID:     p.runID,
		Pipeline:  p.impl.Name,
		Stage:     stage,
		Project:   proj,
		UpdatedAt: p.clock().UTC(),
	})
	if err != nil {
		return fmt.Errorf("pipeline: checkpoint: %w", err)
	}
	p.env.Logger.Debug("checkpoint written", zap.String("stage", stage))
	return nil
}

// Run processes every sweep of proj, then scales each crystal.
func (p *Pipeline) Run(ctx context.Context, proj *project.XProject) error {
	logger := p.env.Logger.With(zap.String("run_id", p.runID), zap.String("pipeline", p.impl.Name))
	logger.Info("pipeline starting", zap.String("project", proj.Name))

	p.banner("Integration")
	var pending []*project.XSweep
	for _, s := range proj.Sweeps() {
		if !s.Reached(project.StateIntegrated) {
			pending = append(pending, s)
		}
	}
	if err := p.processSweeps(ctx, proj, pending); err != nil {
		return err
	}
	if err := p.checkpoint(StageIntegrated, proj); err != nil {
		return err
	}
	if p.stopAfterIntegrate {
		logger.Info("stopping after integration")
		return nil
	}

	p.banner("Scaling")
	for _, c := range proj.Crystals {
		if err := p.scaleCrystal(ctx, proj, c); err != nil {
			return err
		}
	}
	if err := p.checkpoint(StageScaled, proj); err != nil {
		return err
	}
	if err := p.writeSummary(proj); err != nil {
		return err
	}
	logger.Info("pipeline finished")
	return nil
}

// jobFor builds the job for sweep s of crystal c.
func (p *Pipeline) jobFor(c *project.XCrystal, s *project.XSweep) (SweepJob, error) {
	clone, err := cloneSweep(s)
	if err != nil {
		return SweepJob{}, err
	}
	job := SweepJob{
		ID:         uuid.NewString(),
		Pipeline:   p.impl.Name,
		Crystal:    c.Name,
		Wavelength: s.Wavelength,
		Sweep:      clone,
		DMin:       p.env.Config.Project.Resolution.DMin,
		DMax:       p.env.Config.Project.Resolution.DMax,
	}
	if w := c.Wavelength(s.Wavelength); w != nil && w.DMin > 0 {
		job.DMin, job.DMax = w.DMin, w.DMax
	}
	if sg := UserSymmetry(p.env, c); sg != "" {
		l, err := lattice.SpacegroupLattice(sg)
		if err != nil {
			return SweepJob{}, err
		}
		job.UserLattice = l
		job.UserCell = c.UserCell
		if job.UserCell == nil {
			job.UserCell = p.env.Config.UserCell()
		}
	}
	return job, nil
}

type submission struct {
	crystal *project.XCrystal
	sweep   *project.XSweep
	job     SweepJob
}

func (p *Pipeline) parallel() bool {
	mode := p.env.Config.Project.Multiprocessing.Mode
	return mode == "parallel" || mode == "queue"
}

// processSweeps indexes and integrates sweeps, then folds the results back
// into the tree in submission order.
func (p *Pipeline) processSweeps(ctx context.Context, proj *project.XProject, sweeps []*project.XSweep) error {
	if len(sweeps) == 0 {
		return nil
	}
	owner := map[*project.XSweep]*project.XCrystal{}
	for _, c := range proj.Crystals {
		for _, s := range c.Sweeps() {
			owner[s] = c
		}
	}
	subs := make([]submission, 0, len(sweeps))
	for _, s := range sweeps {
		c := owner[s]
		if c == nil {
			return fmt.Errorf("pipeline: sweep %s is not in the project", s.Name)
		}
		job, err := p.jobFor(c, s)
		if err != nil {
			return err
		}
		subs = append(subs, submission{crystal: c, sweep: s, job: job})
	}

	results := make([]SweepResult, len(subs))
	run := func(ctx context.Context, i int, exec Executor) {
		res, err := exec.Execute(ctx, subs[i].job)
		if err != nil {
			res = SweepResult{ID: subs[i].job.ID, Output: err.Error()}
		}
		results[i] = res
	}

	if p.parallel() {
		mp := p.env.Config.Project.Multiprocessing
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(max(mp.NJob, 1))
		every := mp.LocalEvery
		if every == 0 {
			every = max(mp.NJob, 1)
		}
		for i := range subs {
			i := i
			exec := p.executor
			if i%every == 0 {
				subs[i].job.Local = true
				exec = p.local
			}
			g.Go(func() error {
				run(gctx, i, exec)
				return nil
			})
		}
		_ = g.Wait()
		if err := ctx.Err(); err != nil {
			return err
		}
		return p.apply(subs, results)
	}
	// Serial: fold each result in as it arrives so a failure without
	// failover stops before the next sweep starts.
	for i := range subs {
		run(ctx, i, p.executor)
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.apply(subs[i:i+1], results[i:i+1]); err != nil {
			return err
		}
	}
	return nil
}

// apply updates the tree from results, in submission order.
func (p *Pipeline) apply(subs []submission, results []SweepResult) error {
	for i, sub := range subs {
		res := results[i]
		if res.Success && res.State != nil {
			*sub.sweep = *res.State
			continue
		}
		p.env.Logger.Warn("sweep failed",
			zap.String("sweep", sub.sweep.Name),
			zap.String("output", res.Output),
		)
		if !p.env.Config.Project.Failover {
			return fmt.Errorf("pipeline: sweep %s failed: %s", sub.sweep.Name, res.Output)
		}
		sub.crystal.RemoveSweep(sub.sweep)
		if p.env.Logbook != nil {
			p.env.Logbook.Warn("Sweep %s failed and was removed: %s", sub.sweep.Name, res.Output)
		}
	}
	return nil
}

// scaleCrystal settles the symmetry of c, reprocessing sweeps as needed,
// then scales it.
func (p *Pipeline) scaleCrystal(ctx context.Context, proj *project.XProject, c *project.XCrystal) error {
	sweeps := c.Sweeps()
	if len(sweeps) == 0 {
		p.env.Logger.Warn("crystal has no sweeps left", zap.String("crystal", c.Name))
		return nil
	}
	done := c.Scaled != nil
	for _, s := range sweeps {
		done = done && s.Reached(project.StateMerged)
	}
	if done {
		return nil
	}

	var decision SymmetryDecision
	for pass := 0; ; pass++ {
		d, reprocess, err := p.impl.Symmetry.Decide(ctx, p.env, c)
		if err != nil {
			return err
		}
		if len(reprocess) == 0 {
			decision = d
			break
		}
		if pass+1 >= maxSymmetryPasses {
			return fmt.Errorf("%w for crystal %s", ErrUnsettledLattice, c.Name)
		}
		for _, s := range reprocess {
			p.env.Logger.Info("reprocessing sweep in new lattice", zap.String("sweep", s.Name))
			if err := s.Rewind(project.StatePending); err != nil {
				return err
			}
		}
		if err := p.processSweeps(ctx, proj, reprocess); err != nil {
			return err
		}
		if len(c.Sweeps()) == 0 {
			return fmt.Errorf("pipeline: every sweep of %s failed", c.Name)
		}
	}
	p.env.Logger.Info("symmetry decided",
		zap.String("crystal", c.Name),
		zap.String("lattice", decision.Lattice),
		zap.String("pointgroup", decision.Pointgroup),
	)

	scaled, err := p.impl.Scaler.Scale(ctx, p.env, ScaleRequest{Project: proj, Crystal: c, Symmetry: decision})
	if err != nil {
		return fmt.Errorf("pipeline: scaling %s: %w", c.Name, err)
	}
	c.Scaled = scaled
	for _, s := range c.Sweeps() {
		for _, state := range []project.State{project.StateScaled, project.StateMerged} {
			if s.Reached(state) {
				continue
			}
			if err := s.Advance(state); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *Pipeline) writeSummary(proj *project.XProject) error {
	path := filepath.Join(p.env.Config.ProjectDir, SummaryFile)
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("pipeline: summary: %w", err)
	}
	if err := WriteSummary(f, proj); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
