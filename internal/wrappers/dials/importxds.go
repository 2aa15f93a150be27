package dials

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kingrea/xia2go/internal/driver"
	"go.uber.org/zap"
)

// ImportXDSExecutable converts XDS geometry and reflections for DIALS.
const ImportXDSExecutable = "dials.import_xds"

// ImportXDS turns XPARM.XDS into an experiment list, or INTEGRATE.HKL plus an
// experiment list into a reflection table.
type ImportXDS struct {
	driver.ProcessHandle

	logger       *zap.Logger
	xparm        string
	integrateHKL string
	experiments  string
	reflections  string
}

// NewImportXDS wraps handle for dials.import_xds.
func NewImportXDS(handle driver.ProcessHandle, logger *zap.Logger) (*ImportXDS, error) {
	if handle.Executable() == "" {
		if err := handle.SetExecutable(ImportXDSExecutable); err != nil {
			return nil, err
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ImportXDS{ProcessHandle: handle, logger: logger}, nil
}

func (i *ImportXDS) SetXparm(path string)        { i.xparm = path }
func (i *ImportXDS) SetIntegrateHKL(path string) { i.integrateHKL = path }
func (i *ImportXDS) SetExperiments(path string)  { i.experiments = path }
func (i *ImportXDS) Experiments() string         { return i.experiments }
func (i *ImportXDS) Reflections() string         { return i.reflections }

func exists(path string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("dials: input %s does not exist", path)
	}
	return nil
}

func (i *ImportXDS) path(name string) string {
	return filepath.Join(i.WorkingDirectory(), fmt.Sprintf("%d_%s", i.Xpid(), name))
}

// Run imports reflections when INTEGRATE.HKL is set, geometry otherwise.
func (i *ImportXDS) Run(ctx context.Context) error {
	i.ClearCommandLine()
	switch {
	case i.integrateHKL != "":
		if i.experiments == "" {
			return errors.New("dials: importing reflections needs an experiment list")
		}
		for _, f := range []string{i.integrateHKL, i.experiments} {
			if err := exists(f); err != nil {
				return err
			}
		}
		i.reflections = i.path("integrate_hkl.refl")
		if err := i.AddCommandLine(i.integrateHKL, i.experiments, "output.reflections="+i.reflections); err != nil {
			return err
		}
		i.SetTask("Importing " + filepath.Base(i.integrateHKL))
	case i.xparm != "":
		if err := exists(i.xparm); err != nil {
			return err
		}
		i.experiments = i.path("xparm_xds.expt")
		if err := i.AddCommandLine("input.xds_file="+filepath.Base(i.xparm), filepath.Dir(i.xparm), "output.xds_experiments="+i.experiments); err != nil {
			return err
		}
		i.SetTask("Importing " + filepath.Base(i.xparm))
	default:
		return errors.New("dials: nothing to import")
	}

	if err := i.Start(ctx); err != nil {
		return err
	}
	if err := i.CloseWait(); err != nil {
		return err
	}
	if err := i.CheckForErrors(); err != nil {
		return fmt.Errorf("dials.import_xds failed (log %s): %w", i.LogFile(), err)
	}
	i.logger.Debug("dials.import_xds finished",
		zap.String("experiments", i.experiments),
		zap.String("reflections", i.reflections),
	)
	return nil
}
