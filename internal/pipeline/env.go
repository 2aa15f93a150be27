package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/kingrea/xia2go/internal/config"
	"github.com/kingrea/xia2go/internal/driver"
	"github.com/kingrea/xia2go/internal/logbook"
	"github.com/kingrea/xia2go/internal/wrappers/xds"
)

// LocalTransport is the transport tag used for jobs forced to run locally.
const LocalTransport = "simple"

// Env carries the run-wide state handed to every stage. One Env lives for
// the whole run; its executable cache and XDS version cache are shared by
// every driver it creates.
type Env struct {
	Config      *config.Config
	Logger      *zap.Logger
	Logbook     *logbook.Logbook
	Transports  *driver.Registry
	Executables *driver.ExecutableCache
	Timings     *driver.Timings
	XDSVersions *xds.VersionCache

	xpid atomic.Int64
}

// NewEnv fills in the caches and the default transport registry.
func NewEnv(cfg *config.Config, logger *zap.Logger, book *logbook.Logbook) *Env {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Env{
		Config:      cfg,
		Logger:      logger,
		Logbook:     book,
		Transports:  driver.DefaultRegistry(),
		Executables: driver.NewExecutableCache(),
		Timings:     driver.NewTimings(),
		XDSVersions: &xds.VersionCache{},
	}
}

// NProc is the processor count for one program run.
func (e *Env) NProc() int {
	return max(e.Config.Project.Multiprocessing.NProc, 1)
}

// SweepDir is the working directory of one sweep.
func (e *Env) SweepDir(crystal, wavelength, sweep string) string {
	return filepath.Join(e.Config.ProjectDir, crystal, wavelength, sweep)
}

// ScaleDir is the working directory for scaling one crystal.
func (e *Env) ScaleDir(crystal string) string {
	return filepath.Join(e.Config.ProjectDir, crystal, "scale")
}

// NewDriver creates a driver working in dir with a fresh job number. Its log
// is <xpid>_<name>.log in dir. local selects the simple transport whatever
// the configured driver.
func (e *Env) NewDriver(dir, name string, local bool) (*driver.Driver, error) {
	mp := e.Config.Project.Multiprocessing
	tag := mp.Driver
	if local || tag == "" {
		tag = LocalTransport
	}
	transport, err := e.Transports.Resolve(tag, driver.TransportConfig{
		QSubCommand: mp.QSubCommand,
		QSubPoll:    mp.QSubPoll,
	})
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("pipeline: working directory: %w", err)
	}
	d := driver.New(transport,
		driver.WithLogger(e.Logger),
		driver.WithExecutableCache(e.Executables),
		driver.WithTimings(e.Timings),
	)
	xpid := int(e.xpid.Add(1))
	d.SetXpid(xpid)
	d.SetWorkingDirectory(dir)
	if err := d.WriteLogFile(filepath.Join(dir, fmt.Sprintf("%d_%s.log", xpid, name))); err != nil {
		return nil, err
	}
	return d, nil
}
