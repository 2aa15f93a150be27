package xds

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/kingrea/xia2go/internal/lattice"
	"go.uber.org/zap"
)

// ResolutionEstimate interpolates the resolution at which I/sigma falls to
// cutoff from (resolution, I/sigma) pairs ordered low to high resolution.
// It returns -1 when no shell reaches cutoff.
func ResolutionEstimate(pairs [][2]float64, cutoff float64) float64 {
	if len(pairs) == 0 {
		return -1
	}
	x := make([]float64, len(pairs))
	y := make([]float64, len(pairs))
	for i, p := range pairs {
		x[i], y[i] = p[0], p[1]
	}
	if slices.Max(y) < cutoff {
		return -1
	}
	slices.Reverse(x)
	slices.Reverse(y)
	if y[0] >= cutoff {
		return x[0]
	}
	j := 0
	for y[j] < cutoff {
		j++
	}
	return x[j] + (cutoff-y[j])*(x[j-1]-x[j])/(y[j-1]-y[j])
}

// CorrectStats is what CORRECT.LP reports after post-refinement.
type CorrectStats struct {
	RMSDPixel   float64      `json:"rmsd_pixel"`
	RMSDPhi     float64      `json:"rmsd_phi"`
	Geometry    Geometry     `json:"geometry"`
	Cell        lattice.Cell `json:"cell"`
	CellESD     lattice.Cell `json:"cell_esd"`
	Reflections int          `json:"n_ref"`
	// ResolutionEstimate is where I/sigma crosses 0.5, or -1.
	ResolutionEstimate float64    `json:"resolution_estimate"`
	HighestResolution  float64    `json:"highest_resolution"`
	SDCorrection       [2]float64 `json:"sdcorrection"`
	ReindexOp          []int      `json:"reindex_op,omitempty"`
}

const (
	resolutionHeader  = "RESOLUTION RANGE  I/Sigma  Chi^2  R-FACTOR  R-FACTOR"
	sdcorrHeader      = "a          b              INPUT DATA SET"
	reindexHeader     = "CORRELATION  NPAIR  Rmeas  COMPARED  ESD"
	resolutionCutoff  = 0.5
	missingCellESDSig = "-1.0E+00-1.0E+00-1.0E+00"
)

// runTogether splits I/sigma values XDS prints without a separator, such as
// "12.3456.78".
var runTogether = regexp.MustCompile(`(\d+\.\d{2})(\d+\.\d+)`)

func parseCell(line string) (lattice.Cell, bool) {
	v, ok := lastFloats(line, 6)
	if !ok {
		return lattice.Cell{}, false
	}
	return lattice.Cell(v), true
}

// ParseCorrectLP reads CORRECT.LP.
func ParseCorrectLP(lines []string) (CorrectStats, error) {
	stats := CorrectStats{SDCorrection: [2]float64{1, 0}, ResolutionEstimate: -1}
	seenPixel, seenPhi := false, false
	for i, line := range lines {
		switch {
		case strings.Contains(line, "OF SPOT    POSITION (PIXELS)") && !seenPixel:
			if v, ok := lastFloats(line, 1); ok {
				stats.RMSDPixel, seenPixel = v[0], true
			}
		case strings.Contains(line, "OF SPINDLE POSITION (DEGREES)") && !seenPhi:
			if v, ok := lastFloats(line, 1); ok {
				stats.RMSDPhi, seenPhi = v[0], true
			}
		case strings.Contains(line, "DETECTOR COORDINATES (PIXELS) OF DIRECT BEAM"):
			if v, ok := lastFloats(line, 2); ok {
				stats.Geometry.Beam = [2]float64{v[0], v[1]}
			}
		case strings.Contains(line, "CRYSTAL TO DETECTOR DISTANCE (mm)"):
			if v, ok := lastFloats(line, 1); ok {
				stats.Geometry.Distance = v[0]
			}
		case strings.Contains(line, "E.S.D. OF CELL PARAMETERS"):
			if strings.Contains(line, missingCellESDSig) {
				stats.CellESD = lattice.Cell{-1, -1, -1, -1, -1, -1}
			} else if c, ok := parseCell(line); ok {
				stats.CellESD = c
			}
		case strings.Contains(line, "UNIT CELL PARAMETERS"):
			if c, ok := parseCell(line); ok {
				stats.Cell = c
			}
		case strings.Contains(line, "REFLECTIONS ACCEPTED"):
			if n, err := strconv.Atoi(strings.Fields(line)[0]); err == nil {
				stats.Reflections = n
			}
		case strings.Contains(line, resolutionHeader):
			if err := parseResolutionTable(lines, i, &stats); err != nil {
				return stats, err
			}
		case strings.Contains(line, sdcorrHeader) && i+1 < len(lines):
			fields := strings.Fields(lines[i+1])
			if len(fields) >= 2 {
				a, err1 := strconv.ParseFloat(fields[0], 64)
				b, err2 := strconv.ParseFloat(fields[1], 64)
				if err1 == nil && err2 == nil {
					stats.SDCorrection = [2]float64{a, b}
				}
			}
		case strings.Contains(line, reindexHeader):
			for j := i + 2; j < len(lines) && strings.TrimSpace(lines[j]) != ""; j++ {
				if !strings.Contains(lines[j], "*") {
					continue
				}
				fields := strings.Fields(lines[j])
				if len(fields) < 12 {
					continue
				}
				op := make([]int, 0, 12)
				for _, tok := range fields[len(fields)-12:] {
					v, err := strconv.Atoi(tok)
					if err != nil {
						return stats, fmt.Errorf("xds: reindex operator %q: %w", tok, err)
					}
					op = append(op, v)
				}
				stats.ReindexOp = op
			}
		}
	}
	return stats, nil
}

func parseResolutionTable(lines []string, header int, stats *CorrectStats) error {
	var pairs [][2]float64
	j := header + 3
	for ; j < len(lines) && !strings.Contains(lines[j], "-----"); j++ {
		fields := strings.Fields(lines[j])
		if len(fields) < 3 {
			continue
		}
		d, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return fmt.Errorf("xds: resolution %q: %w", fields[1], err)
		}
		isigma, err := strconv.ParseFloat(fields[2], 64)
		if err != nil {
			m := runTogether.FindStringSubmatch(fields[2])
			if m == nil {
				return fmt.Errorf("xds: I/sigma %q: %w", fields[2], err)
			}
			isigma, _ = strconv.ParseFloat(m[1], 64)
		}
		pairs = append(pairs, [2]float64{d, isigma})
	}
	stats.ResolutionEstimate = ResolutionEstimate(pairs, resolutionCutoff)
	if j+1 < len(lines) {
		if fields := strings.Fields(lines[j+1]); len(fields) > 1 {
			if v, err := strconv.ParseFloat(fields[1], 64); err == nil {
				stats.HighestResolution = v
			}
		}
	}
	return nil
}

// IntegrateResult is the outcome of DEFPIX, INTEGRATE and CORRECT.
type IntegrateResult struct {
	Stats CorrectStats `json:"stats"`
	// Reflections is XDS_ASCII.HKL.
	Reflections string `json:"reflections"`
	LogFile     string `json:"log_file"`
}

// Integrate runs DEFPIX, INTEGRATE and CORRECT against the geometry in
// XPARM.XDS, staged with SetInputFile beforehand.
func (x *XDS) Integrate(ctx context.Context, inp INP) (*IntegrateResult, error) {
	inp.Jobs = []Job{JobDefpix, JobIntegrate, JobCorrect}
	inp.SpotRanges = nil
	if err := x.Run(ctx, inp); err != nil {
		return nil, err
	}
	kept, err := x.keep("CORRECT.LP")
	if err != nil {
		return nil, err
	}
	lp, err := x.ReadLP("CORRECT.LP")
	if err != nil {
		return nil, err
	}
	stats, err := ParseCorrectLP(lp)
	if err != nil {
		return nil, err
	}
	x.logger.Debug("correct finished",
		zap.Float64s("cell", stats.Cell[:]),
		zap.Float64("resolution_estimate", stats.ResolutionEstimate),
		zap.Int("reflections", stats.Reflections),
	)
	return &IntegrateResult{Stats: stats, Reflections: x.Path("XDS_ASCII.HKL"), LogFile: kept}, nil
}
