// Package xds drives the XDS program: IDXREF for autoindexing, and DEFPIX,
// INTEGRATE and CORRECT for integration and post-refinement.
package xds

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/kingrea/xia2go/internal/driver"
	"go.uber.org/zap"
)

const (
	// Executable is the serial XDS binary.
	Executable = "xds"
	// ParallelExecutable is the threaded build, used with more than one
	// processor.
	ParallelExecutable = "xds_par"
)

// Option customizes an XDS wrapper.
type Option func(*XDS)

// WithProcessors sets MAXIMUM_NUMBER_OF_PROCESSORS and selects xds_par when
// n > 1.
func WithProcessors(n int) Option {
	return func(x *XDS) { x.processors = n }
}

// WithVersionCache shares the observed XDS version with other wrappers.
func WithVersionCache(cache *VersionCache) Option {
	return func(x *XDS) { x.versions = cache }
}

// WithIgnoreErrors skips the "!!! ERROR !!!" scan so a caller can inspect
// partial output.
func WithIgnoreErrors() Option {
	return func(x *XDS) { x.ignoreErrors = true }
}

// XDS runs XDS jobs in the handle's working directory.
type XDS struct {
	driver.ProcessHandle

	logger       *zap.Logger
	processors   int
	versions     *VersionCache
	ignoreErrors bool
	inputs       map[string]string
}

// New wraps handle. The executable is resolved unless the handle already has
// one.
func New(handle driver.ProcessHandle, logger *zap.Logger, opts ...Option) (*XDS, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	x := &XDS{ProcessHandle: handle, logger: logger, processors: 1, inputs: map[string]string{}}
	for _, opt := range opts {
		opt(x)
	}
	if handle.Executable() == "" {
		name := Executable
		if x.processors > 1 {
			name = ParallelExecutable
		}
		if err := handle.SetExecutable(name); err != nil {
			return nil, err
		}
	}
	return x, nil
}

// Processors returns the processor count written to XDS.INP.
func (x *XDS) Processors() int { return x.processors }

// SetInputFile stages src into the working directory as name before the next
// run. XDS reads its intermediate files (SPOT.XDS, XPARM.XDS, ...) by fixed
// name.
func (x *XDS) SetInputFile(name, src string) { x.inputs[name] = src }

// Path resolves a file in the working directory.
func (x *XDS) Path(name string) string { return filepath.Join(x.WorkingDirectory(), name) }

func copyFile(src, dst string) error {
	if filepath.Clean(src) == filepath.Clean(dst) {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("xds: %w", err)
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("xds: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("xds: copy %s: %w", filepath.Base(src), err)
	}
	return out.Close()
}

// keep copies name to <xpid>_name so later runs do not overwrite it.
func (x *XDS) keep(name string) (string, error) {
	dst := x.Path(fmt.Sprintf("%d_%s", x.Xpid(), name))
	if err := copyFile(x.Path(name), dst); err != nil {
		return "", err
	}
	return dst, nil
}

// Run writes XDS.INP, keeps a numbered copy of it, stages input files and
// runs XDS to completion.
func (x *XDS) Run(ctx context.Context, inp INP) error {
	if inp.Processors == 0 {
		inp.Processors = x.processors
	}
	f, err := os.Create(x.Path("XDS.INP"))
	if err != nil {
		return fmt.Errorf("xds: create XDS.INP: %w", err)
	}
	if err := WriteINP(f, inp); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("xds: close XDS.INP: %w", err)
	}
	if err := copyFile(x.Path("XDS.INP"), x.Path(fmt.Sprintf("%d_%s.INP", x.Xpid(), strings.Join(inp.jobNames(), "_")))); err != nil {
		return err
	}
	for name, src := range x.inputs {
		if err := copyFile(src, x.Path(name)); err != nil {
			return err
		}
	}

	x.ClearCommandLine()
	x.SetTask(fmt.Sprintf("XDS %s", strings.Join(inp.jobNames(), " ")))
	if err := x.Start(ctx); err != nil {
		return err
	}
	if err := x.CloseWait(); err != nil {
		return err
	}
	output := x.AllOutput()
	if x.versions != nil {
		x.versions.Observe(output)
	}
	if err := CheckLicense(output); err != nil {
		return err
	}
	if !x.ignoreErrors {
		if err := CheckError(output); err != nil {
			return err
		}
	}
	if err := x.CheckReturnCode(); err != nil {
		return err
	}
	x.logger.Debug("xds finished", zap.Strings("jobs", inp.jobNames()), zap.Int("xpid", x.Xpid()))
	return nil
}

// ReadLP reads a listing file from the working directory.
func (x *XDS) ReadLP(name string) ([]string, error) {
	data, err := os.ReadFile(x.Path(name))
	if err != nil {
		return nil, fmt.Errorf("xds: read %s: %w", name, err)
	}
	return strings.Split(strings.TrimRight(string(data), "\n"), "\n"), nil
}
