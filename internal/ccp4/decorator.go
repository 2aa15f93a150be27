// Package ccp4 layers CCP4 conventions over a driver: typed file slots,
// scratch directories, status lines and loggraph tables.
package ccp4

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/kingrea/xia2go/internal/driver"
)

// ErrNotFinished is returned by log inspections made before the program
// has finished.
var ErrNotFinished = errors.New("program has not finished")

// Option customizes the decorator.
type Option func(*FileSlots)

// WithLookupEnv overrides environment lookups (scratch dirs and CLIB).
func WithLookupEnv(lookup func(string) (string, bool)) Option {
	return func(f *FileSlots) {
		if lookup != nil {
			f.lookupEnv = lookup
		}
	}
}

// FileSlots decorates a ProcessHandle with hklin/hklout/xyzin/xyzout/mapin/
// mapout slots. It is itself a ProcessHandle.
type FileSlots struct {
	driver.ProcessHandle

	hklin, hklout string
	xyzin, xyzout string
	mapin, mapout string
	lookupEnv     func(string) (string, bool)
}

var _ driver.ProcessHandle = (*FileSlots)(nil)

// Decorate wraps handle. When CLIB is set the library directory is put at the
// front of the child's dynamic loader path.
func Decorate(handle driver.ProcessHandle, opts ...Option) *FileSlots {
	f := &FileSlots{ProcessHandle: handle, lookupEnv: os.LookupEnv}
	for _, opt := range opts {
		opt(f)
	}
	if clib, ok := f.lookupEnv("CLIB"); ok && clib != "" {
		name := "LD_LIBRARY_PATH"
		if runtime.GOOS == "darwin" {
			name = "DYLD_LIBRARY_PATH"
		}
		handle.AddWorkingEnvironment(name, clib)
	}
	return f
}

func (f *FileSlots) SetHklin(path string)  { f.hklin = path }
func (f *FileSlots) Hklin() string         { return f.hklin }
func (f *FileSlots) SetHklout(path string) { f.hklout = path }
func (f *FileSlots) Hklout() string        { return f.hklout }
func (f *FileSlots) SetXyzin(path string)  { f.xyzin = path }
func (f *FileSlots) Xyzin() string         { return f.xyzin }
func (f *FileSlots) SetXyzout(path string) { f.xyzout = path }
func (f *FileSlots) Xyzout() string        { return f.xyzout }
func (f *FileSlots) SetMapin(path string)  { f.mapin = path }
func (f *FileSlots) Mapin() string         { return f.mapin }
func (f *FileSlots) SetMapout(path string) { f.mapout = path }
func (f *FileSlots) Mapout() string        { return f.mapout }

func checkInput(slot, path string) error {
	if path == "" {
		return fmt.Errorf("%s not defined", slot)
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("%s %s does not exist", slot, path)
	}
	return nil
}

func checkOutput(slot, path string) error {
	if path == "" {
		return fmt.Errorf("%s not defined", slot)
	}
	return nil
}

func (f *FileSlots) CheckHklin() error { return checkInput("hklin", f.hklin) }
func (f *FileSlots) CheckXyzin() error { return checkInput("xyzin", f.xyzin) }
func (f *FileSlots) CheckMapin() error { return checkInput("mapin", f.mapin) }
func (f *FileSlots) CheckXyzout() error {
	return checkOutput("xyzout", f.xyzout)
}
func (f *FileSlots) CheckMapout() error {
	return checkOutput("mapout", f.mapout)
}

// CheckHklout also refuses to overwrite hklin.
func (f *FileSlots) CheckHklout() error {
	if err := checkOutput("hklout", f.hklout); err != nil {
		return err
	}
	if f.hklout == f.hklin {
		return fmt.Errorf("hklout and hklin are the same file (%s)", f.hklin)
	}
	return nil
}

// Describe summarises the program and its file slots.
func (f *FileSlots) Describe() string {
	var b strings.Builder
	b.WriteString("CCP4 program: " + f.Executable())
	for _, slot := range f.slots() {
		fmt.Fprintf(&b, " %s %s", slot[0], slot[1])
	}
	return b.String()
}

func (f *FileSlots) slots() [][2]string {
	var out [][2]string
	for _, slot := range [][2]string{
		{"hklin", f.hklin}, {"hklout", f.hklout},
		{"xyzin", f.xyzin}, {"xyzout", f.xyzout},
		{"mapin", f.mapin}, {"mapout", f.mapout},
	} {
		if slot[1] != "" {
			out = append(out, slot)
		}
	}
	return out
}

// Start creates the CCP4 scratch directories, appends the file slots to the
// command line and starts the wrapped handle.
func (f *FileSlots) Start(ctx context.Context) error {
	for _, name := range []string{"BINSORT_SCR", "CCP4_SCR"} {
		dir, ok := f.lookupEnv(name)
		if !ok || dir == "" {
			continue
		}
		f.AddScratchDirectory(dir)
		_ = os.MkdirAll(dir, 0o755)
	}
	for _, slot := range f.slots() {
		if err := f.AddCommandLine(slot[0], slot[1]); err != nil {
			return err
		}
	}
	return f.ProcessHandle.Start(ctx)
}

// CheckCCP4Errors looks for CCP4 library signals in the output.
func (f *FileSlots) CheckCCP4Errors() error {
	if !f.Finished() {
		return ErrNotFinished
	}
	output := f.AllOutput()
	for _, line := range output {
		if !strings.Contains(line, "CCP4 library signal") {
			continue
		}
		parts := strings.SplitN(line, ":", 3)
		if len(parts) < 2 {
			return errors.New(strings.TrimSpace(line))
		}
		msg, _, _ := strings.Cut(parts[1], "(")
		msg = strings.TrimSpace(msg)
		if !strings.Contains(msg, "Write failed") {
			return errors.New(msg)
		}
		for _, l := range output {
			if strings.Contains(l, ">>>>>> System signal") {
				cause := ""
				if p := strings.Split(l, ":"); len(p) > 1 {
					cause, _, _ = strings.Cut(p[1], "(")
				}
				return fmt.Errorf("%s:%s", msg, cause)
			}
		}
	}
	return nil
}

// CCP4Status returns the status from the program's closing banner, e.g.
// "Normal termination".
func (f *FileSlots) CCP4Status() (string, error) {
	if !f.Finished() {
		return "", ErrNotFinished
	}
	program := strings.ToLower(filepath.Base(f.Executable()))
	program = strings.TrimSuffix(program, ".exe")
	if program == "fft" {
		program = "fftbig"
	}
	prefix, _, _ := strings.Cut(program, "-")
	output := f.AllOutput()
	if len(output) > 10 {
		output = output[len(output)-10:]
	}
	for _, line := range output {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		head := strings.ToLower(fields[0][:len(fields[0])-1])
		if head != program && head != prefix {
			continue
		}
		parts := strings.Split(line, ":")
		if len(parts) < 2 {
			continue
		}
		return strings.TrimSpace(strings.ReplaceAll(parts[1], "*", "")), nil
	}
	return "", errors.New("could not find status")
}

// Loggraph parses the loggraph tables in the captured output.
func (f *FileSlots) Loggraph() (map[string]Table, error) {
	return ParseLoggraph(f.AllOutput())
}
