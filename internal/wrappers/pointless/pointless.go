// Package pointless wraps the CCP4 program Pointless, which decides the
// pointgroup and spacegroup of a set of unmerged reflections.
package pointless

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/kingrea/xia2go/internal/ccp4"
	"github.com/kingrea/xia2go/internal/driver"
	"github.com/kingrea/xia2go/internal/lattice"
	"go.uber.org/zap"
)

// Executable is the program name resolved on PATH.
const Executable = "pointless"

var identityMatrix = []float64{1, 0, 0, 0, 1, 0, 0, 0, 1}

// DatasetCell is the unit cell Pointless reports for one dataset.
type DatasetCell struct {
	ID         int          `json:"id"`
	Name       string       `json:"name"`
	Cell       lattice.Cell `json:"cell"`
	Wavelength float64      `json:"wavelength"`
}

// Pointless is a configured Pointless run. It satisfies lattice.Symmetry.
type Pointless struct {
	*ccp4.FileSlots

	logger       *zap.Logger
	xdsin        string
	hklref       string
	chirality    string
	tolerance    float64
	batches      [2]int
	ignoreErrors bool
	inputLaue    string

	pointgroup      string
	confidence      float64
	totalProb       float64
	reindexMatrix   []float64
	reindexOperator string
	probablyTwinned bool
	possible        []string
	latticeToLaue   map[string]string
	scores          []LaueGroupScore

	spacegroup       string
	spacegroupOp     string
	spacegroupMatrix []float64
	likely           []string
	datasets         []DatasetCell
	cell             lattice.Cell
}

var _ lattice.Symmetry = (*Pointless)(nil)

// New decorates handle for Pointless. The executable is resolved unless the
// handle already has one.
func New(handle driver.ProcessHandle, logger *zap.Logger, opts ...ccp4.Option) (*Pointless, error) {
	if handle.Executable() == "" {
		if err := handle.SetExecutable(Executable); err != nil {
			return nil, err
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pointless{
		FileSlots:     ccp4.Decorate(handle, opts...),
		logger:        logger,
		latticeToLaue: map[string]string{},
	}, nil
}

func (p *Pointless) SetXdsin(path string)        { p.xdsin = path }
func (p *Pointless) Xdsin() string               { return p.xdsin }
func (p *Pointless) SetHklref(path string)       { p.hklref = path }
func (p *Pointless) Hklref() string              { return p.hklref }
func (p *Pointless) SetChirality(c string)       { p.chirality = c }
func (p *Pointless) SetTolerance(t float64)      { p.tolerance = t }
func (p *Pointless) SetIgnoreErrors(ignore bool) { p.ignoreErrors = ignore }

// SetBatches pins the run to a batch range so Pointless does not guess runs.
func (p *Pointless) SetBatches(first, last int) { p.batches = [2]int{first, last} }

func (p *Pointless) checkXdsin() error {
	if p.xdsin == "" {
		return errors.New("xdsin not defined")
	}
	if _, err := os.Stat(p.xdsin); err != nil {
		return fmt.Errorf("xdsin %s does not exist", p.xdsin)
	}
	return nil
}

// input selects the reflection file: XDS_ASCII input when set, HKLIN
// otherwise.
func (p *Pointless) input(task string) error {
	if p.xdsin != "" {
		if err := p.checkXdsin(); err != nil {
			return err
		}
		p.SetTask(task + p.xdsin)
		return p.AddCommandLine("xdsin", p.xdsin)
	}
	if err := p.CheckHklin(); err != nil {
		return err
	}
	p.SetTask(task + p.Hklin())
	return nil
}

func (p *Pointless) xmlPath() string {
	return filepath.Join(p.WorkingDirectory(), fmt.Sprintf("%d_pointless.xml", p.Xpid()))
}

// readXML mends and reads the XML output. Some builds append a second .xml.
func (p *Pointless) readXML() ([]byte, error) {
	path := p.xmlPath()
	if _, err := os.Stat(path); err != nil {
		if _, alt := os.Stat(path + ".xml"); alt == nil {
			path += ".xml"
		}
	}
	if err := MendXML(path); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("pointless: read xml: %w", err)
	}
	return data, nil
}

func (p *Pointless) run(ctx context.Context, inputs []string) error {
	if err := p.Start(ctx); err != nil {
		return err
	}
	for _, record := range inputs {
		if err := p.Input(record); err != nil {
			return err
		}
	}
	if err := p.CloseWait(); err != nil {
		return err
	}
	return p.CheckForErrors()
}

func (p *Pointless) setIdentity(pointgroup string) {
	p.pointgroup = pointgroup
	p.confidence = 1
	p.totalProb = 1
	p.reindexMatrix = append([]float64(nil), identityMatrix...)
	p.reindexOperator = "h,k,l"
}

// DecidePointgroup runs Pointless to decide the pointgroup of the input
// reflections, optionally against a reference set.
func (p *Pointless) DecidePointgroup(ctx context.Context) error {
	p.ClearCommandLine()
	if err := p.input("Computing the correct pointgroup for "); err != nil {
		return err
	}
	if err := p.AddCommandLine("xmlout", fmt.Sprintf("%d_pointless.xml", p.Xpid())); err != nil {
		return err
	}
	if p.hklref != "" {
		if err := p.AddCommandLine("hklref", p.hklref); err != nil {
			return err
		}
	}

	var inputs []string
	if p.batches[1] > 0 {
		inputs = append(inputs, fmt.Sprintf("run 1 batch %d to %d", p.batches[0], p.batches[1]))
	}
	inputs = append(inputs, "systematicabsences off", "setting symmetry-based")
	if p.hklref != "" && p.tolerance > 0 {
		inputs = append(inputs, fmt.Sprintf("tolerance %f", p.tolerance))
	}
	if p.chirality != "" {
		inputs = append(inputs, "chirality "+p.chirality)
	}
	if p.inputLaue != "" {
		inputs = append(inputs, "lauegroup "+p.inputLaue)
	}
	if err := p.run(ctx, inputs); err != nil {
		return err
	}

	output := p.AllOutput()
	fatal := false
	for j, record := range output {
		if strings.Contains(record, "FATAL ERROR message:") {
			if !p.ignoreErrors {
				msg := ""
				if j+1 < len(output) {
					msg = strings.TrimSpace(output[j+1])
				}
				return fmt.Errorf("Pointless error: %s", msg)
			}
			fatal = true
		}
		if p.ignoreErrors && strings.Contains(record, "Resolution range of Reference data and observed data do not") {
			fatal = true
		}
	}

	var hklinSpacegroup, hklrefSpacegroup string
	for _, record := range output {
		if _, after, ok := strings.Cut(record, "Spacegroup from HKLIN file :"); ok {
			hklinSpacegroup = strings.TrimSpace(after)
		}
		if _, after, ok := strings.Cut(record, "Space group from HKLREF file :"); ok {
			hklrefSpacegroup = strings.TrimSpace(after)
		}
	}
	if fatal {
		if hklrefSpacegroup == "" {
			return errors.New("pointless: no HKLREF spacegroup to fall back on")
		}
		p.logger.Warn("pointless failed against reference, using reference symmetry",
			zap.String("spacegroup", hklrefSpacegroup))
		p.setIdentity(hklrefSpacegroup)
		return nil
	}

	p.probablyTwinned = false
	for _, record := range output {
		switch {
		case strings.Contains(record, "No alternative indexing possible"):
			p.setIdentity(hklinSpacegroup)
			return nil
		case strings.Contains(record, "**** Incompatible symmetries ****"):
			return errors.New("reindexing against a reference with different symmetry")
		case strings.Contains(record, "***** Stopping because cell discrepancy between files"):
			return errors.New("incompatible unit cells between data sets")
		case strings.Contains(record, "L-test suggests that the data may be twinned"):
			p.probablyTwinned = true
		}
	}

	data, err := p.readXML()
	if err != nil {
		return err
	}
	if p.hklref == "" {
		if err := p.harvestBest(data); err != nil {
			return err
		}
	} else if err := p.harvestReference(data, output); err != nil {
		return err
	}

	if p.inputLaue == "" && p.hklref == "" {
		if err := p.harvestLaueGroups(data); err != nil {
			return err
		}
	}
	p.logger.Debug("pointgroup decided",
		zap.String("pointgroup", p.pointgroup),
		zap.String("reindex", p.reindexOperator),
		zap.Float64("confidence", p.confidence),
		zap.Strings("possible", p.possible),
	)
	return nil
}

func (p *Pointless) harvestBest(data []byte) error {
	var best bestSolution
	found, err := decodeFirst(data, "BestSolution", &best)
	if err != nil {
		return err
	}
	if !found {
		return errors.New("error getting solution from pointless")
	}
	matrix, err := parseMatrix(best.ReindexMatrix)
	if err != nil {
		return err
	}
	p.pointgroup = strings.TrimSpace(best.GroupName)
	p.confidence = best.Confidence
	p.totalProb = best.TotalProb
	p.reindexMatrix = matrix
	p.reindexOperator = CleanReindexOperator(best.ReindexOperator)
	return nil
}

func (p *Pointless) harvestReference(data []byte, output []string) error {
	var scores indexScores
	found, err := decodeFirst(data, "IndexScores", &scores)
	if err != nil {
		return err
	}
	if !found || len(scores.Index) == 0 {
		p.logger.Debug("reindex not found in xml output")
		ok := false
		for _, record := range output {
			if strings.Contains(record, "No possible alternative indexing") {
				ok = true
			}
		}
		if !ok {
			return errors.New("error finding solution")
		}
	}

	reference := ""
	err = decodeEach(data, "ReflectionFile", func(decode func(any) error) error {
		var rf reflectionFile
		if err := decode(&rf); err != nil {
			return err
		}
		if rf.Stream == "HKLREF" {
			reference = strings.TrimSpace(rf.SpacegroupName)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if reference == "" {
		return errors.New("error finding HKLREF pointgroup")
	}
	p.setIdentity(reference)
	if found && len(scores.Index) > 0 {
		matrix, err := parseMatrix(scores.Index[0].ReindexMatrix)
		if err != nil {
			return err
		}
		p.reindexMatrix = matrix
		p.reindexOperator = CleanReindexOperator(scores.Index[0].ReindexOperator)
	}
	return nil
}

func (p *Pointless) harvestLaueGroups(data []byte) error {
	var list laueGroupScoreList
	found, err := decodeFirst(data, "LaueGroupScoreList", &list)
	if err != nil {
		return err
	}
	if !found {
		return errors.New("pointless: no LaueGroupScoreList in xml")
	}
	p.possible = nil
	p.latticeToLaue = map[string]string{}
	p.scores = nil
	for _, score := range list.Scores {
		score.LaueGroup = strings.TrimSpace(score.LaueGroup)
		score.ReindexOperator = strings.TrimSpace(score.ReindexOperator)
		p.scores = append(p.scores, score)
		l, err := lattice.LaueGroupToLattice(score.LaueGroup)
		if err != nil {
			return err
		}
		if _, seen := p.latticeToLaue[l]; seen {
			continue
		}
		if score.NetZCC > 0 {
			p.possible = append(p.possible, l)
		}
		p.latticeToLaue[l] = score.LaueGroup
	}
	return nil
}

// SetCorrectLattice asserts a lattice for the next DecidePointgroup, using the
// Laue group recorded for it in the previous run.
func (p *Pointless) SetCorrectLattice(l string) error {
	if len(p.latticeToLaue) == 0 {
		return errors.New("no lattice to lauegroup mapping")
	}
	laue, ok := p.latticeToLaue[l]
	if !ok {
		return fmt.Errorf("lattice %s not possible", l)
	}
	p.inputLaue = laue
	return nil
}

// DecideSpacegroup guesses the spacegroup of data already indexed in the
// correct pointgroup, writing pointless.mtz.
func (p *Pointless) DecideSpacegroup(ctx context.Context) error {
	p.ClearCommandLine()
	if err := p.input("Computing the correct spacegroup for "); err != nil {
		return err
	}
	if err := p.AddCommandLine("xmlout", fmt.Sprintf("%d_pointless.xml", p.Xpid()), "hklout", "pointless.mtz"); err != nil {
		return err
	}
	inputs := []string{"lauegroup hklin", "setting symmetry-based"}
	if p.chirality != "" {
		inputs = append(inputs, "chirality "+p.chirality)
	}
	if err := p.run(ctx, inputs); err != nil {
		return err
	}

	data, err := p.readXML()
	if err != nil {
		return err
	}
	var list spacegroupList
	found, err := decodeFirst(data, "SpacegroupList", &list)
	if err != nil {
		return err
	}
	if !found || len(list.Spacegroups) == 0 {
		return errors.New("pointless: no SpacegroupList in xml")
	}
	best := list.Spacegroups[0]
	matrix, err := parseMatrix(best.ReindexMatrix)
	if err != nil {
		return err
	}
	p.spacegroup = strings.TrimSpace(best.SpacegroupName)
	p.spacegroupOp = strings.TrimSpace(best.ReindexOperator)
	p.spacegroupMatrix = matrix
	p.likely = nil
	for _, sg := range list.Spacegroups {
		if math.Abs(sg.TotalProb-best.TotalProb) < 0.01 {
			p.likely = append(p.likely, strings.TrimSpace(sg.SpacegroupName))
		}
	}

	datasets, err := ParseDatasetCells(p.AllOutput())
	if err != nil {
		return err
	}
	p.datasets = datasets
	p.cell = AverageCell(datasets)
	return nil
}

// Combine copies several XDS_ASCII files into one MTZ file. Pointless appends
// the files in order, moving the batches of each file clear of the ones
// before it.
func (p *Pointless) Combine(ctx context.Context, xdsin []string, hklout string) error {
	if len(xdsin) == 0 {
		return errors.New("pointless: nothing to combine")
	}
	p.ClearCommandLine()
	p.SetTask(fmt.Sprintf("Combining %d sweeps into %s", len(xdsin), filepath.Base(hklout)))
	if err := p.AddCommandLine("hklout", hklout); err != nil {
		return err
	}
	inputs := make([]string, 0, len(xdsin)+1)
	for _, f := range xdsin {
		if _, err := os.Stat(f); err != nil {
			return fmt.Errorf("xdsin %s does not exist", f)
		}
		inputs = append(inputs, "xdsin "+f)
	}
	inputs = append(inputs, "copy")
	if err := p.run(ctx, inputs); err != nil {
		return err
	}
	if _, err := os.Stat(hklout); err != nil {
		return fmt.Errorf("pointless: %s not written", hklout)
	}
	p.logger.Debug("pointless combined sweeps", zap.Int("files", len(xdsin)), zap.String("hklout", hklout))
	return nil
}

// ParseDatasetCells reads the five-line dataset blocks that follow each
// "Dataset ID, " header: id, project, crystal, dataset, cell, wavelength.
func ParseDatasetCells(output []string) ([]DatasetCell, error) {
	var out []DatasetCell
	for i, line := range output {
		if !strings.Contains(line, "Dataset ID, ") {
			continue
		}
		for block := 0; ; block++ {
			at := i + 2 + 5*block
			if at+4 >= len(output) || strings.TrimSpace(output[at]) == "" {
				break
			}
			fields := strings.Fields(output[at])
			id, err := strconv.Atoi(fields[0])
			if err != nil {
				return nil, fmt.Errorf("pointless: dataset id %q: %w", fields[0], err)
			}
			var cell lattice.Cell
			values := strings.Fields(output[at+3])
			if len(values) != 6 {
				return nil, fmt.Errorf("pointless: bad cell line %q", output[at+3])
			}
			for k, v := range values {
				if cell[k], err = strconv.ParseFloat(v, 64); err != nil {
					return nil, fmt.Errorf("pointless: bad cell line %q: %w", output[at+3], err)
				}
			}
			wavelength, err := strconv.ParseFloat(strings.TrimSpace(output[at+4]), 64)
			if err != nil {
				return nil, fmt.Errorf("pointless: bad wavelength %q: %w", output[at+4], err)
			}
			name := fmt.Sprintf("%s/%s/%s", column10(output[at]), column10(output[at+1]), column10(output[at+2]))
			out = append(out, DatasetCell{ID: id, Name: name, Cell: cell, Wavelength: wavelength})
		}
	}
	return out, nil
}

func column10(line string) string {
	if len(line) <= 10 {
		return ""
	}
	return strings.TrimSpace(line[10:])
}

// AverageCell is the mean cell over datasets.
func AverageCell(datasets []DatasetCell) lattice.Cell {
	var sum lattice.Cell
	if len(datasets) == 0 {
		return sum
	}
	for _, d := range datasets {
		for k := range sum {
			sum[k] += d.Cell[k]
		}
	}
	for k := range sum {
		sum[k] /= float64(len(datasets))
	}
	return sum
}

// CleanReindexOperator strips the brackets Pointless puts around operators.
func CleanReindexOperator(op string) string {
	return strings.TrimSpace(strings.Trim(strings.TrimSpace(op), "[]"))
}

func parseMatrix(text string) ([]float64, error) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return append([]float64(nil), identityMatrix...), nil
	}
	out := make([]float64, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, fmt.Errorf("pointless: reindex matrix %q: %w", text, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func (p *Pointless) PossibleLattices() []string { return append([]string(nil), p.possible...) }
func (p *Pointless) LatticeToLaue() map[string]string {
	out := make(map[string]string, len(p.latticeToLaue))
	for k, v := range p.latticeToLaue {
		out[k] = v
	}
	return out
}
func (p *Pointless) LaueGroupScores() []LaueGroupScore { return append([]LaueGroupScore(nil), p.scores...) }
func (p *Pointless) Pointgroup() string                { return p.pointgroup }
func (p *Pointless) Confidence() float64               { return p.confidence }
func (p *Pointless) TotalProb() float64                { return p.totalProb }
func (p *Pointless) ReindexOperator() string           { return p.reindexOperator }
func (p *Pointless) ReindexMatrix() []float64          { return append([]float64(nil), p.reindexMatrix...) }
func (p *Pointless) ProbablyTwinned() bool             { return p.probablyTwinned }
func (p *Pointless) Spacegroup() string                { return p.spacegroup }
func (p *Pointless) SpacegroupReindexOperator() string { return p.spacegroupOp }
func (p *Pointless) SpacegroupReindexMatrix() []float64 {
	return append([]float64(nil), p.spacegroupMatrix...)
}
func (p *Pointless) LikelySpacegroups() []string { return append([]string(nil), p.likely...) }
func (p *Pointless) Datasets() []DatasetCell     { return append([]DatasetCell(nil), p.datasets...) }
func (p *Pointless) Cell() lattice.Cell          { return p.cell }
