package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kingrea/xia2go/internal/config"
	"github.com/kingrea/xia2go/internal/pipeline"
	"github.com/kingrea/xia2go/internal/project"
	"github.com/kingrea/xia2go/internal/queue"
)

type runOptions struct {
	xinfo              string
	sweeps             []string
	pipeline           string
	mode               string
	njob               int
	nproc              int
	failover           bool
	anomalous          bool
	dmin               float64
	dmax               float64
	spacegroup         string
	cell               string
	stopAfterIntegrate bool
}

func (o *runOptions) bind(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&o.xinfo, "xinfo", "", "project description (.xinfo)")
	f.StringSliceVar(&o.sweeps, "sweep", nil, "only process these sweeps of the .xinfo")
	f.StringVarP(&o.pipeline, "pipeline", "p", "", "pipeline (3d, 3dd)")
	f.StringVar(&o.mode, "mode", "", "multiprocessing mode (serial, parallel, queue)")
	f.IntVar(&o.njob, "njob", 0, "sweeps processed at once")
	f.IntVar(&o.nproc, "nproc", 0, "processors per program run")
	f.BoolVar(&o.failover, "failover", false, "drop failing sweeps instead of stopping")
	f.BoolVar(&o.anomalous, "anomalous", false, "keep Friedel pairs separate")
	f.Float64Var(&o.dmin, "d-min", 0, "high resolution limit")
	f.Float64Var(&o.dmax, "d-max", 0, "low resolution limit")
	f.StringVar(&o.spacegroup, "spacegroup", "", "assert the spacegroup")
	f.StringVar(&o.cell, "cell", "", "assert the cell (a,b,c,alpha,beta,gamma)")
	f.BoolVar(&o.stopAfterIntegrate, "stop-after-integrate", false, "stop once every sweep is integrated")
}

// apply copies the flags the user set onto cfg.
func (o *runOptions) apply(cmd *cobra.Command) func(*config.Config) error {
	return func(cfg *config.Config) error {
		f := cmd.Flags()
		p := &cfg.Project
		if f.Changed("pipeline") {
			p.Pipeline = o.pipeline
		}
		if f.Changed("mode") {
			p.Multiprocessing.Mode = o.mode
		}
		if f.Changed("njob") {
			p.Multiprocessing.NJob = o.njob
		}
		if f.Changed("nproc") {
			p.Multiprocessing.NProc = o.nproc
		}
		if f.Changed("failover") {
			p.Failover = o.failover
		}
		if f.Changed("anomalous") {
			p.Anomalous = o.anomalous
		}
		if f.Changed("d-min") {
			p.Resolution.DMin = o.dmin
		}
		if f.Changed("d-max") {
			p.Resolution.DMax = o.dmax
		}
		if f.Changed("spacegroup") {
			p.Lattice.Spacegroup = o.spacegroup
		}
		if f.Changed("cell") {
			cell, err := parseCell(o.cell)
			if err != nil {
				return err
			}
			p.Lattice.Cell = cell
		}
		return nil
	}
}

// project builds the project from --xinfo or from image paths.
func (o *runOptions) project(args []string) (*project.XProject, error) {
	if o.xinfo != "" {
		var opts []project.XInfoOption
		if len(o.sweeps) > 0 {
			opts = append(opts, project.WithSweepFilter(o.sweeps, nil))
		}
		return project.LoadXInfo(o.xinfo, opts...)
	}
	if len(args) == 0 {
		return nil, errors.New("give image files or directories, or --xinfo")
	}
	return project.FromImages(args)
}

func newRunCmd(root *rootOptions) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run [images or directories...]",
		Short: "Process a project from scratch",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := open(root, opts.apply(cmd))
			if err != nil {
				return err
			}
			defer s.close()
			proj, err := opts.project(args)
			if err != nil {
				return s.fail(err)
			}
			return s.runPipeline(cmd.Context(), cmd.OutOrStdout(), proj, opts, "")
		},
	}
	opts.bind(cmd)
	return cmd
}

func newResumeCmd(root *rootOptions) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "resume [images or directories...]",
		Short: "Continue from the checkpoint, adding any new sweeps",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := open(root, opts.apply(cmd))
			if err != nil {
				return err
			}
			defer s.close()
			cp, err := project.NewRepository(s.cfg.ProjectDir).Load()
			if err != nil {
				return s.fail(err)
			}
			if opts.xinfo != "" || len(args) > 0 {
				fresh, err := opts.project(args)
				if err != nil {
					return s.fail(err)
				}
				added, err := project.Merge(cp.Project, fresh)
				if err != nil {
					return s.fail(err)
				}
				for _, name := range added {
					s.book.Info("Added sweep %s", name)
				}
			}
			if cp.Pipeline != "" && !cmd.Flags().Changed("pipeline") {
				s.cfg.Project.Pipeline = cp.Pipeline
			}
			s.logger.Info("resuming", zap.String("run_id", cp.RunID), zap.String("stage", cp.Stage))
			return s.runPipeline(cmd.Context(), cmd.OutOrStdout(), cp.Project, opts, cp.RunID)
		},
	}
	opts.bind(cmd)
	return cmd
}

// runPipeline runs proj to completion, through the NATS queue when the
// configured mode asks for it.
func (s *session) runPipeline(ctx context.Context, out io.Writer, proj *project.XProject, opts *runOptions, runID string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var popts []pipeline.Option
	if runID != "" {
		popts = append(popts, pipeline.WithRunID(runID))
	}
	if opts.stopAfterIntegrate {
		popts = append(popts, pipeline.StopAfterIntegrate())
	}
	if s.cfg.Project.Multiprocessing.Mode == "queue" {
		q := s.cfg.Project.Queue
		client, err := queue.Connect(q.URL, "xia2go", s.logger.Logger)
		if err != nil {
			return s.fail(err)
		}
		defer client.Close()
		popts = append(popts, pipeline.WithExecutor(queue.NewExecutor(client, q.Subject, q.Timeout)))
	}

	p, err := pipeline.New(s.env(), nil, project.NewRepository(s.cfg.ProjectDir), popts...)
	if err != nil {
		return s.fail(err)
	}
	s.book.Banner(fmt.Sprintf("xia2go %s run %s", p.Implementation().Name, p.RunID()))
	if err := p.Run(ctx, proj); err != nil {
		return s.fail(err)
	}
	if opts.stopAfterIntegrate {
		fmt.Fprintln(out, "Integration finished; run resume to scale.")
		return nil
	}
	fmt.Fprintf(out, "Done. Summary in %s\n", filepath.Join(s.cfg.ProjectDir, pipeline.SummaryFile))
	return nil
}
