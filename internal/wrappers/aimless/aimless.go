// Package aimless wraps the CCP4 scaling and merging program Aimless.
package aimless

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/kingrea/xia2go/internal/ccp4"
	"github.com/kingrea/xia2go/internal/driver"
	"go.uber.org/zap"
)

// Executable is the program name resolved on PATH.
const Executable = "aimless"

// Mode selects the scale model.
type Mode string

const (
	ModeRotation Mode = "rotation"
	ModeBatch    Mode = "batch"
)

// Run is one batch range in the scaling job.
type Run struct {
	Start      int     `json:"start"`
	End        int     `json:"end"`
	PName      string  `json:"pname,omitempty"`
	XName      string  `json:"xname,omitempty"`
	DName      string  `json:"dname,omitempty"`
	Exclude    bool    `json:"exclude,omitempty"`
	Resolution float64 `json:"resolution,omitempty"`
	Name       string  `json:"name,omitempty"`
}

// Aimless is a configured scaling or merging job.
type Aimless struct {
	*ccp4.FileSlots

	logger *zap.Logger
	runs   []Run

	resolution    float64
	scalesFile    string
	newScalesFile string
	onlymerge     bool
	scalepack     bool
	chefUnmerged  bool
	anomalous     bool
	bfactor       bool
	brotation     float64
	tails         bool
	mode          Mode
	spacing       float64
	secondary     float64
	cycles        int

	scaled   map[string]string
	unmerged string
}

// New decorates handle for Aimless with the usual defaults: rotation scaling
// with 5 degree spacing, secondary beam order 6, B-factors and tails on.
func New(handle driver.ProcessHandle, logger *zap.Logger, opts ...ccp4.Option) (*Aimless, error) {
	if handle.Executable() == "" {
		if err := handle.SetExecutable(Executable); err != nil {
			return nil, err
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aimless{
		FileSlots: ccp4.Decorate(handle, opts...),
		logger:    logger,
		bfactor:   true,
		tails:     true,
		mode:      ModeRotation,
		spacing:   5,
		secondary: 6,
		cycles:    100,
		scaled:    map[string]string{},
	}, nil
}

// AddRun appends a batch range. Excluded runs are kept for numbering but
// not scaled.
func (a *Aimless) AddRun(run Run) { a.runs = append(a.runs, run) }

func (a *Aimless) Runs() []Run { return append([]Run(nil), a.runs...) }

func (a *Aimless) SetResolution(dmin float64)    { a.resolution = dmin }
func (a *Aimless) SetScalesFile(path string)     { a.scalesFile = path }
func (a *Aimless) SetNewScalesFile(path string)  { a.newScalesFile = path }
func (a *Aimless) SetOnlymerge(onlymerge bool)   { a.onlymerge = onlymerge }
func (a *Aimless) SetScalepack(scalepack bool)   { a.scalepack = scalepack }
func (a *Aimless) SetChefUnmerged(unmerged bool) { a.chefUnmerged = unmerged }
func (a *Aimless) SetAnomalous(anomalous bool)   { a.anomalous = anomalous }
func (a *Aimless) SetTails(tails bool)           { a.tails = tails }
func (a *Aimless) SetCycles(cycles int)          { a.cycles = cycles }

// SetBfactor switches B-factor refinement, optionally with a spacing in
// degrees.
func (a *Aimless) SetBfactor(on bool, brotation float64) {
	a.bfactor = on
	if brotation > 0 {
		a.brotation = brotation
	}
}

// SetScalingParameters picks the scale model. Spacing and secondary only
// apply to rotation scaling. Zero spacing or a negative secondary keeps the
// current value.
func (a *Aimless) SetScalingParameters(mode Mode, spacing, secondary float64) error {
	switch mode {
	case ModeBatch:
		a.mode = ModeBatch
		return nil
	case ModeRotation:
	default:
		return fmt.Errorf("unknown scaling mode %q", mode)
	}
	a.mode = ModeRotation
	if spacing > 0 {
		a.spacing = spacing
	}
	if secondary >= 0 {
		a.secondary = secondary
	}
	return nil
}

func (a *Aimless) checkFiles() error {
	if err := a.CheckHklin(); err != nil {
		return err
	}
	return a.CheckHklout()
}

func (a *Aimless) anomalousInput() string {
	if a.anomalous {
		return "anomalous on"
	}
	return "anomalous off"
}

func (a *Aimless) task(verb string) {
	target := filepath.Base(a.Hklout())
	if a.scalepack {
		target = "scalepack " + target
	}
	a.SetTask(fmt.Sprintf("%s reflections from %s => %s", verb, filepath.Base(a.Hklin()), target))
}

// ScaleCommand is the scales keyword for the current model.
func (a *Aimless) ScaleCommand() string {
	var b strings.Builder
	if a.mode == ModeRotation {
		fmt.Fprintf(&b, "scales rotation spacing %f", a.spacing)
		if a.secondary != 0 {
			fmt.Fprintf(&b, " secondary %f", a.secondary)
		}
		if a.bfactor {
			b.WriteString(" bfactor on")
			if a.brotation > 0 {
				fmt.Fprintf(&b, " brotation %f", a.brotation)
			}
		} else {
			b.WriteString(" bfactor off")
		}
	} else {
		b.WriteString("scales batch")
		if a.bfactor {
			brotation := a.brotation
			if brotation <= 0 {
				brotation = a.spacing
			}
			fmt.Fprintf(&b, " bfactor on brotation %f", brotation)
		} else {
			b.WriteString(" bfactor off")
		}
	}
	if a.tails {
		b.WriteString(" tails")
	}
	return b.String()
}

// scaleInputs is the keyword script for Scale.
func (a *Aimless) scaleInputs() []string {
	inputs := []string{"bins 20"}
	if a.newScalesFile != "" {
		inputs = append(inputs, "dump "+a.newScalesFile)
	}
	for i, run := range a.runs {
		n := i + 1
		if run.Name != "" {
			a.logger.Debug("run corresponds to sweep", zap.Int("run", n), zap.String("sweep", run.Name))
		}
		if run.Exclude {
			continue
		}
		inputs = append(inputs, fmt.Sprintf("run %d batch %d to %d", n, run.Start, run.End))
		if run.Resolution != 0 {
			inputs = append(inputs, fmt.Sprintf("resolution run %d high %f", n, run.Resolution))
		}
	}
	inputs = append(inputs, a.ScaleCommand())
	if a.resolution > 0 {
		inputs = append(inputs, fmt.Sprintf("resolution %f", a.resolution))
	}
	inputs = append(inputs, fmt.Sprintf("cycles %d", a.cycles), a.anomalousInput())
	switch {
	case a.scalepack:
		inputs = append(inputs, "output polish unmerged")
	case a.chefUnmerged:
		inputs = append(inputs, "output unmerged together")
	}
	if a.scalesFile != "" {
		inputs = append(inputs, "onlymerge", "restore "+a.scalesFile)
	}
	return inputs
}

func (a *Aimless) execute(ctx context.Context, inputs []string) error {
	a.ClearCommandLine()
	if err := a.Start(ctx); err != nil {
		return err
	}
	for _, record := range inputs {
		if err := a.Input(record); err != nil {
			return err
		}
	}
	err := a.CloseWait()
	if err == nil {
		err = a.CheckForErrors()
	}
	if err == nil {
		err = a.CheckCCP4Errors()
	}
	if err == nil {
		err = CheckErrors(a.AllOutput())
	}
	if err != nil {
		_ = os.Remove(a.Hklout())
	}
	return err
}

// Scale scales and merges the runs, then records the per-dataset output
// files.
func (a *Aimless) Scale(ctx context.Context) error {
	if err := a.checkFiles(); err != nil {
		return err
	}
	if a.chefUnmerged && a.scalepack {
		return errors.New("aimless: CHEF and scalepack output are incompatible")
	}
	if a.onlymerge {
		return errors.New("aimless: onlymerge is set, use Merge")
	}
	a.task("Scaling")
	if err := a.execute(ctx, a.scaleInputs()); err != nil {
		return err
	}
	a.scaled, a.unmerged = HarvestOutputFiles(a.AllOutput())
	a.logger.Debug("aimless scaled",
		zap.Int("datasets", len(a.scaled)),
		zap.String("unmerged", a.unmerged),
	)
	return nil
}

// Merge merges reflections that are already scaled. Requires onlymerge.
func (a *Aimless) Merge(ctx context.Context) error {
	if err := a.checkFiles(); err != nil {
		return err
	}
	if !a.onlymerge {
		return errors.New("aimless: onlymerge not set, use Scale")
	}
	a.task("Merging")
	inputs := []string{
		"bins 20",
		"run 1 batch 1 to 10000",
		"scales constant",
		"initial unity",
		"sdcorrection both noadjust 1.0 0.0 0.0",
		a.anomalousInput(),
	}
	if a.scalepack {
		inputs = append(inputs, "output polish unmerged")
	}
	if err := a.execute(ctx, inputs); err != nil {
		return err
	}
	status, err := a.CCP4Status()
	if err != nil {
		return err
	}
	if strings.Contains(status, "Error") {
		_ = os.Remove(a.Hklout())
		return fmt.Errorf("[AIMLESS] %s", status)
	}
	return nil
}

// ScaledReflectionFiles maps dataset name to merged output file.
func (a *Aimless) ScaledReflectionFiles() map[string]string {
	out := make(map[string]string, len(a.scaled))
	for k, v := range a.scaled {
		out[k] = v
	}
	return out
}

// UnmergedReflectionFile is the unmerged output, when requested.
func (a *Aimless) UnmergedReflectionFile() string { return a.unmerged }

// CheckErrors scans Aimless output for its known failure messages.
func CheckErrors(output []string) error {
	for _, line := range output {
		if strings.Contains(line, " **** Negative scale factor") {
			fields := strings.Fields(line)
			if len(fields) >= 3 {
				if batch, err := strconv.Atoi(fields[len(fields)-3]); err == nil {
					return fmt.Errorf("bad batch %d", batch)
				}
			}
		}
	}
	for _, line := range output {
		switch {
		case strings.Contains(line, "File must be sorted"):
			return errors.New("hklin not sorted")
		case strings.Contains(line, "Negative scales"):
			run, first, last := badRun(output, negativeScaleRun)
			return fmt.Errorf("negative scales run %d: %d to %d", run, first, last)
		case strings.Contains(line, "Scaling has failed to converge"):
			return errors.New("scaling not converged")
		case strings.Contains(line, "*** No observations ***"):
			run, first, last := badRun(output, noObservationsRun)
			return fmt.Errorf("no observations run %d: %d to %d", run, first, last)
		}
	}
	return nil
}

func negativeScaleRun(record string) (int, bool) {
	if !strings.Contains(record, "shifted scale factor") || !strings.Contains(record, "negative") {
		return 0, false
	}
	fields := strings.Fields(record)
	for i, f := range fields {
		if f != "factor" || i+1 >= len(fields) {
			continue
		}
		head, _, _ := strings.Cut(fields[i+1], ".")
		if len(head) < 2 {
			return 0, false
		}
		n, err := strconv.Atoi(head[1:])
		return n, err == nil
	}
	return 0, false
}

func noObservationsRun(record string) (int, bool) {
	if !strings.Contains(record, "No observations for parameter") {
		return 0, false
	}
	fields := strings.Fields(record)
	n, err := strconv.Atoi(fields[len(fields)-1])
	return n, err == nil
}

// RunBatches parses the "Run number N consists of batches" blocks.
func RunBatches(output []string) map[int][]int {
	runs := map[int][]int{}
	run := 0
	for _, record := range output {
		if strings.Contains(record, "consists of batches") {
			fields := strings.Fields(record)
			if len(fields) > 2 {
				if n, err := strconv.Atoi(fields[2]); err == nil {
					run = n
					runs[run] = nil
					continue
				}
			}
		}
		if run != 0 && strings.TrimSpace(record) == "" {
			run = 0
			continue
		}
		if run != 0 {
			for _, f := range strings.Fields(record) {
				if b, err := strconv.Atoi(f); err == nil {
					runs[run] = append(runs[run], b)
				}
			}
		}
	}
	return runs
}

// badRun finds the offending run with identify and its batch extent.
func badRun(output []string, identify func(string) (int, bool)) (run, first, last int) {
	for _, record := range output {
		if n, ok := identify(record); ok {
			run = n
		}
	}
	batches := RunBatches(output)[run]
	if len(batches) == 0 {
		return run, 0, 0
	}
	first, last = batches[0], batches[0]
	for _, b := range batches[1:] {
		first = min(first, b)
		last = max(last, b)
	}
	return run, first, last
}

// HarvestOutputFiles reads the output file names Aimless reports. The file
// name is on the same line (token 9) or the following one when the line
// has exactly nine tokens.
func HarvestOutputFiles(output []string) (merged map[string]string, unmerged string) {
	merged = map[string]string{}
	name := func(i int, fields []string) string {
		switch {
		case len(fields) == 9 && i+1 < len(output):
			return strings.TrimSpace(output[i+1])
		case len(fields) > 9:
			return fields[9]
		case len(fields) > 0:
			return fields[len(fields)-1]
		}
		return ""
	}
	for i, record := range output {
		fields := strings.Fields(record)
		switch {
		case strings.Contains(record, "Writing merged data for dataset"):
			if len(fields) < 7 {
				continue
			}
			dname := fields[6]
			if k := strings.LastIndex(dname, "/"); k >= 0 {
				dname = dname[k+1:]
			}
			merged[dname] = name(i, fields)
		case strings.Contains(record, "Writing unmerged data for all datasets"):
			unmerged = name(i, fields)
		}
	}
	return merged, unmerged
}
