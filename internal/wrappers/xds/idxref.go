package xds

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/kingrea/xia2go/internal/lattice"
	"go.uber.org/zap"
)

// LatticeCharacter is one row of the IDXREF lattice-character table.
type LatticeCharacter struct {
	Character int          `json:"character"`
	Lattice   string       `json:"lattice"`
	Fit       float64      `json:"fit"`
	Cell      lattice.Cell `json:"cell"`
	Mosaic    float64      `json:"mosaic"`
	Reindex   []int        `json:"reindex"`
}

const characterHeader = "CHARACTER  LATTICE     OF FIT      a      b      c"

// ParseIdxrefLP reads the lattice-character table, keyed by character
// number. mI rows are skipped; cells are constrained to their lattice.
func ParseIdxrefLP(lines []string) (map[int]LatticeCharacter, error) {
	out := map[int]LatticeCharacter{}
	mosaic := 0.0
	for i, line := range lines {
		if strings.Contains(line, "CRYSTAL MOSAICITY") {
			fields := strings.Fields(line)
			if v, err := strconv.ParseFloat(fields[len(fields)-1], 64); err == nil {
				mosaic = v
			}
		}
		if !strings.Contains(line, characterHeader) {
			continue
		}
		for j := i + 2; j < len(lines) && strings.TrimSpace(lines[j]) != ""; j++ {
			record := strings.Fields(strings.ReplaceAll(lines[j], "*", " "))
			if len(record) < 9 {
				return nil, fmt.Errorf("xds: short lattice record %q", lines[j])
			}
			if record[1] == "mI" {
				continue
			}
			c := LatticeCharacter{Lattice: record[1], Mosaic: mosaic}
			var err error
			if c.Character, err = strconv.Atoi(record[0]); err != nil {
				return nil, fmt.Errorf("xds: lattice character %q: %w", record[0], err)
			}
			if c.Fit, err = strconv.ParseFloat(record[2], 64); err != nil {
				return nil, fmt.Errorf("xds: lattice fit %q: %w", record[2], err)
			}
			var cell lattice.Cell
			for k := range cell {
				if cell[k], err = strconv.ParseFloat(record[3+k], 64); err != nil {
					return nil, fmt.Errorf("xds: lattice cell %q: %w", record[3+k], err)
				}
			}
			c.Cell, _ = lattice.ApplyLattice(c.Lattice, cell)
			for _, tok := range record[9:] {
				v, err := strconv.Atoi(tok)
				if err != nil {
					return nil, fmt.Errorf("xds: reindex card %q: %w", tok, err)
				}
				c.Reindex = append(c.Reindex, v)
			}
			out[c.Character] = c
		}
	}
	return out, nil
}

// Geometry is the refined beam and distance reported by IDXREF or CORRECT.
type Geometry struct {
	Beam     [2]float64 `json:"beam"`
	Distance float64    `json:"distance"`
}

func lastFloats(line string, n int) ([]float64, bool) {
	fields := strings.Fields(line)
	if len(fields) < n {
		return nil, false
	}
	out := make([]float64, n)
	for i, tok := range fields[len(fields)-n:] {
		v, err := strconv.ParseFloat(tok, 64)
		if err != nil {
			return nil, false
		}
		out[i] = v
	}
	return out, true
}

// ParseGeometry reads the direct beam position and the crystal to detector
// distance, always positive.
func ParseGeometry(lines []string) Geometry {
	var g Geometry
	for _, line := range lines {
		if strings.Contains(line, "DETECTOR COORDINATES") && strings.Contains(line, "DIRECT BEAM") {
			if v, ok := lastFloats(line, 2); ok {
				g.Beam = [2]float64{v[0], v[1]}
			}
		}
		if strings.Contains(line, "CRYSTAL TO DETECTOR") {
			if v, ok := lastFloats(line, 1); ok {
				g.Distance = math.Abs(v[0])
			}
		}
	}
	return g
}

// ParseIdxrefQuality reads the fraction of spots indexed and the rms
// deviations. It returns nil when any of them is missing.
func ParseIdxrefQuality(lines []string) *Quality {
	var q Quality
	var seen [3]bool
	for _, line := range lines {
		if strings.Contains(line, "OUT OF") && strings.Contains(line, "SPOTS INDEXED") {
			fields := strings.Fields(line)
			indexed, err1 := strconv.ParseFloat(fields[0], 64)
			total, err2 := strconv.ParseFloat(fields[3], 64)
			if err1 == nil && err2 == nil && total > 0 {
				q.Fraction = indexed / total
				seen[0] = true
			}
		}
		if strings.Contains(line, "STANDARD DEVIATION OF SPOT    POSITION") {
			if v, ok := lastFloats(line, 1); ok {
				q.RMSD, seen[1] = v[0], true
			}
		}
		if strings.Contains(line, "STANDARD DEVIATION OF SPINDLE POSITION") {
			if v, ok := lastFloats(line, 1); ok {
				q.RMSPhi, seen[2] = v[0], true
			}
		}
	}
	if seen != [3]bool{true, true, true} {
		return nil
	}
	return &q
}

// ParseSubtrees reads the SUBTREE/POPULATION table.
func ParseSubtrees(lines []string) map[int]int {
	out := map[int]int{}
	for i, line := range lines {
		fields := strings.Fields(line)
		if len(fields) != 2 || fields[0] != "SUBTREE" || fields[1] != "POPULATION" {
			continue
		}
		for j := i + 2; j < len(lines) && strings.TrimSpace(lines[j]) != ""; j++ {
			row := strings.Fields(lines[j])
			if len(row) != 2 {
				break
			}
			subtree, err1 := strconv.Atoi(row[0])
			population, err2 := strconv.Atoi(row[1])
			if err1 != nil || err2 != nil {
				break
			}
			out[subtree] = population
		}
	}
	return out
}

// IdxrefResult is the outcome of one IDXREF run.
type IdxrefResult struct {
	Characters map[int]LatticeCharacter `json:"characters"`
	// Solutions are the acceptable lattices, highest symmetry first.
	Solutions []lattice.Solution `json:"solutions"`
	Lattice   string             `json:"lattice"`
	Cell      lattice.Cell       `json:"cell"`
	Mosaic    float64            `json:"mosaic"`
	Geometry  Geometry           `json:"geometry"`
	Quality   *Quality           `json:"quality,omitempty"`
	// TreeProblem is set when the second spot subtree is large enough that
	// the solution deserves a closer look.
	TreeProblem bool   `json:"tree_problem"`
	LogFile     string `json:"log_file"`
}

const (
	// fitLimit accepts a lattice outright.
	fitLimit = 30.0
	// userFitLimit applies when the user fixed the lattice.
	userFitLimit = 200.0
	// cellTolerance is the largest difference, in Å or degrees, allowed
	// between a user cell and the indexed one.
	cellTolerance = 5.0
	// After an "insufficient percentage" complaint the solution must match
	// the user cell to 2% in lengths and 2 degrees in angles.
	complaintLengthTolerance = 0.02
	complaintAngleTolerance  = 2.0
)

// recoverable reports whether IDXREF still left a usable solution behind
// when it printed err.
func recoverable(err error) (xe *Error, ok bool) {
	if !errors.As(err, &xe) {
		return nil, false
	}
	switch {
	case strings.Contains(xe.Message, "solution is inaccurate"),
		strings.Contains(xe.Message, "insufficient percentage (< 70%)"),
		strings.Contains(xe.Message, "insufficient percentage (< 50%)"):
		return xe, true
	}
	return nil, false
}

// closeCell reports whether got matches want to within the complaint
// tolerances.
func closeCell(got, want lattice.Cell) bool {
	for j := 0; j < 3; j++ {
		if want[j] != 0 && math.Abs((got[j]-want[j])/want[j]) > complaintLengthTolerance {
			return false
		}
		if math.Abs(got[j+3]-want[j+3]) > complaintAngleTolerance {
			return false
		}
	}
	return true
}

// Idxref runs JOB=IDXREF with the given spot and background ranges. When
// inputLattice is set, higher symmetry solutions are ignored; when inputCell
// is set as well, the matching solution must agree with it.
//
// XDS complaints that the solution is inaccurate or that too few reflections
// were indexed are not fatal: IDXREF.LP is read anyway. With an input cell an
// "insufficient percentage" complaint is only forgiven when the solution
// matches that cell closely.
func (x *XDS) Idxref(ctx context.Context, inp INP, inputLattice string, inputCell lattice.Cell) (*IdxrefResult, error) {
	inp.Jobs = []Job{JobIdxref}
	symm := 0
	if inputLattice != "" {
		n, err := lattice.SpacegroupNumber(inputLattice)
		if err != nil {
			return nil, err
		}
		symm = n
	}
	if inputCell != (lattice.Cell{}) {
		inp.Cell = inputCell
		inp.Spacegroup = symm
	}
	var complaint *Error
	if err := x.Run(ctx, inp); err != nil {
		xe, ok := recoverable(err)
		if !ok {
			return nil, err
		}
		complaint = xe
		x.logger.Debug("continuing after xds complaint", zap.String("message", xe.Message))
		if err := x.CheckReturnCode(); err != nil {
			return nil, err
		}
	}
	kept, err := x.keep("IDXREF.LP")
	if err != nil {
		return nil, err
	}
	lp, err := x.ReadLP("IDXREF.LP")
	if err != nil {
		return nil, err
	}
	characters, err := ParseIdxrefLP(lp)
	if err != nil {
		return nil, err
	}
	if len(characters) == 0 {
		return nil, errors.New("indexing failed")
	}

	res := &IdxrefResult{
		Characters: characters,
		Geometry:   ParseGeometry(lp),
		Quality:    ParseIdxrefQuality(lp),
		LogFile:    kept,
	}
	if st := ParseSubtrees(lp); st[2] > 0 && float64(st[2]) > float64(st[1])/10 {
		res.TreeProblem = true
		x.logger.Debug("look closely at autoindexing solution", zap.Any("subtrees", st))
	}

	keys := make([]int, 0, len(characters))
	for k := range characters {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	var candidates []lattice.Solution
	for _, k := range keys {
		c := characters[k]
		res.Mosaic = c.Mosaic
		if c.Fit < fitLimit || (symm > 0 && c.Fit < userFitLimit) {
			candidates = append(candidates, lattice.Solution{Lattice: c.Lattice, Cell: c.Cell, Penalty: c.Fit})
		}
	}
	res.Solutions = lattice.RankSolutions(candidates, userFitLimit, symm)
	if len(res.Solutions) == 0 {
		return nil, errors.New("xds: no remaining indexing solutions")
	}

	best := res.Solutions[0]
	if inputCell != (lattice.Cell{}) {
		found := false
		for _, s := range res.Solutions {
			if n, _ := lattice.SpacegroupNumber(s.Lattice); n != symm {
				continue
			}
			for j := range s.Cell {
				if math.Abs(s.Cell[j]-inputCell[j]) > cellTolerance {
					return nil, errors.New("bad unit cell in idxref")
				}
			}
			best, found = s, true
			break
		}
		if !found {
			return nil, fmt.Errorf("xds: no %s solution matching the input cell", inputLattice)
		}
	}
	if complaint != nil && inputCell != (lattice.Cell{}) &&
		strings.Contains(complaint.Message, "insufficient percentage") && !closeCell(best.Cell, inputCell) {
		return nil, complaint
	}
	res.Lattice = best.Lattice
	res.Cell = best.Cell
	x.logger.Debug("idxref solution",
		zap.String("lattice", res.Lattice),
		zap.Float64s("cell", res.Cell[:]),
		zap.Float64("mosaic", res.Mosaic),
	)
	return res, nil
}
