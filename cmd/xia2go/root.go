package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kingrea/xia2go/internal/config"
	"github.com/kingrea/xia2go/internal/logbook"
	"github.com/kingrea/xia2go/internal/logging"
	"github.com/kingrea/xia2go/internal/pipeline"
)

type rootOptions struct {
	dir      string
	logLevel string
	console  bool
}

// session is what every command works with once the processing directory
// is set up.
type session struct {
	cfg    *config.Config
	logger *logging.Logger
	book   *logbook.Logbook
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "xia2go",
		Short: "Automated reduction of macromolecular diffraction data",
		Long: `xia2go indexes, integrates and scales rotation data with XDS,
Pointless, Aimless and DIALS, deciding the lattice and resolution limit
along the way.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.dir, "dir", "C", ".", "processing directory")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "console log level (debug, info, warn, error)")
	root.PersistentFlags().BoolVar(&opts.console, "console", false, "also log to stderr")

	root.AddCommand(
		newRunCmd(opts),
		newResumeCmd(opts),
		newWatchCmd(opts),
		newWorkerCmd(opts),
		newXInfoCmd(),
		newResolutionCmd(opts),
	)
	return root
}

// open prepares the processing directory, applies overrides to the loaded
// config and starts logging.
func open(opts *rootOptions, override func(*config.Config) error) (*session, error) {
	if err := config.InitXia2Dir(opts.dir); err != nil {
		return nil, fmt.Errorf("init %s: %w", opts.dir, err)
	}
	cfg, err := config.NewConfig(opts.dir)
	if err != nil {
		return nil, err
	}
	if opts.logLevel != "" {
		cfg.Project.Logging.Level = opts.logLevel
		cfg.Project.Logging.Console = true
	}
	if opts.console {
		cfg.Project.Logging.Console = true
	}
	if override != nil {
		if err := override(cfg); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.ProjectDir, cfg.Project.Logging)
	if err != nil {
		return nil, err
	}
	book, err := logbook.Open(cfg.ProjectDir)
	if err != nil {
		_ = logger.Close()
		return nil, err
	}
	return &session{cfg: cfg, logger: logger, book: book}, nil
}

func (s *session) env() *pipeline.Env {
	return pipeline.NewEnv(s.cfg, s.logger.Logger, s.book)
}

// fail records err in the journal and xia2-error.txt and points the user at
// the logs.
func (s *session) fail(err error) error {
	s.logger.Error("fatal", zap.Error(err))
	path, recErr := s.book.RecordFailure(err, s.logger.Path())
	if recErr != nil {
		s.logger.Warn("could not write error record", zap.Error(recErr))
		return err
	}
	return fmt.Errorf("%w\nsee %s and %s", err, path, s.logger.Path())
}

func (s *session) close() {
	_ = s.logger.Close()
}

// parseCell reads six comma or space separated numbers.
func parseCell(value string) ([]float64, error) {
	fields := strings.FieldsFunc(value, func(r rune) bool { return r == ',' || r == ' ' })
	if len(fields) != 6 {
		return nil, fmt.Errorf("cell needs six values, got %d", len(fields))
	}
	cell := make([]float64, 6)
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, fmt.Errorf("cell value %q: %w", f, err)
		}
		cell[i] = v
	}
	return cell, nil
}

func stdoutIsTerminal() bool {
	info, err := os.Stdout.Stat()
	return err == nil && info.Mode()&os.ModeCharDevice != 0
}
