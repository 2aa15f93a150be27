package xds

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/kingrea/xia2go/internal/lattice"
)

// Job is one XDS processing step.
type Job string

const (
	JobXycorr    Job = "XYCORR"
	JobInit      Job = "INIT"
	JobColspot   Job = "COLSPOT"
	JobIdxref    Job = "IDXREF"
	JobDefpix    Job = "DEFPIX"
	JobIntegrate Job = "INTEGRATE"
	JobCorrect   Job = "CORRECT"
)

// Wedge is an inclusive image range.
type Wedge struct {
	First int `json:"first"`
	Last  int `json:"last"`
}

func (w Wedge) String() string { return fmt.Sprintf("%d %d", w.First, w.Last) }

// INP is the content of an XDS.INP file. Zero values are omitted.
type INP struct {
	Jobs       []Job
	Processors int
	// Origin is the direct beam position in pixels, written as ORGX/ORGY.
	Origin *[2]float64
	// Refine lists the parameters refined by the first job.
	Refine        []string
	StartingFrame int
	StartingAngle float64
	Spacegroup    int
	Cell          lattice.Cell
	// Header holds detector and geometry records copied verbatim.
	Header     []string
	Directory  string
	Template   string
	PhiWidth   float64
	DataRange  Wedge
	SpotRanges []Wedge
	Background Wedge
	Anomalous  bool
	// Reindex is the 12-integer REIDX card.
	Reindex []int
	// Resolution is the low and high limit in Å.
	Resolution [2]float64
}

// TemplateToXDS rewrites an image template into XDS form: '#' becomes '?',
// and an HDF5 master file stands for its numbered data files.
func TemplateToXDS(template string) (string, error) {
	if strings.HasSuffix(template, ".h5") {
		if !strings.HasSuffix(template, "master.h5") {
			return "", fmt.Errorf("xds: %s is not an HDF5 master file", template)
		}
		prefix := strings.TrimSuffix(template, "master.h5")
		matches, _ := filepath.Glob(prefix + "*[0-9].h5")
		if len(matches) == 0 {
			return "", fmt.Errorf("xds: no data files found for %s", template)
		}
		return prefix + "??????.h5", nil
	}
	return strings.ReplaceAll(template, "#", "?"), nil
}

func (inp INP) jobNames() []string {
	names := make([]string, len(inp.Jobs))
	for i, j := range inp.Jobs {
		names[i] = string(j)
	}
	return names
}

// refine drops AXIS when the spots cover less than five degrees, where the
// rotation axis cannot be refined.
func (inp INP) refine() []string {
	if len(inp.SpotRanges) == 0 || inp.PhiWidth <= 0 {
		return inp.Refine
	}
	span := float64(inp.SpotRanges[len(inp.SpotRanges)-1].Last-inp.SpotRanges[0].First) * inp.PhiWidth
	if span >= 5 {
		return inp.Refine
	}
	out := make([]string, 0, len(inp.Refine))
	for _, p := range inp.Refine {
		if p != "AXIS" {
			out = append(out, p)
		}
	}
	return out
}

// Records renders the keyword records, one per line.
func (inp INP) Records() ([]string, error) {
	if len(inp.Jobs) == 0 {
		return nil, fmt.Errorf("xds: no job")
	}
	records := []string{"JOB=" + strings.Join(inp.jobNames(), " ")}
	add := func(format string, args ...any) {
		records = append(records, fmt.Sprintf(format, args...))
	}
	add("MAXIMUM_NUMBER_OF_PROCESSORS=%d", max(inp.Processors, 1))
	if inp.Origin != nil {
		add("ORGX=%f ORGY=%f", inp.Origin[0], inp.Origin[1])
	}
	if len(inp.Refine) > 0 {
		add("REFINE(%s)=%s", inp.Jobs[0], strings.Join(inp.refine(), " "))
	}
	if inp.StartingFrame != 0 && inp.StartingAngle != 0 {
		add("STARTING_FRAME=%d", inp.StartingFrame)
		add("STARTING_ANGLE=%f", inp.StartingAngle)
	}
	if inp.Spacegroup > 0 {
		add("SPACE_GROUP_NUMBER=%d", inp.Spacegroup)
	}
	if inp.Cell != (lattice.Cell{}) {
		c := inp.Cell
		add("UNIT_CELL_CONSTANTS=%6.2f %6.2f %6.2f %6.2f %6.2f %6.2f", c[0], c[1], c[2], c[3], c[4], c[5])
	}
	records = append(records, inp.Header...)
	if inp.Template != "" {
		template, err := TemplateToXDS(filepath.Join(inp.Directory, inp.Template))
		if err != nil {
			return nil, err
		}
		add("NAME_TEMPLATE_OF_DATA_FRAMES=%s", template)
	}
	if inp.DataRange.Last > 0 {
		add("DATA_RANGE=%s", inp.DataRange)
	}
	for _, w := range inp.SpotRanges {
		add("SPOT_RANGE=%s", w)
	}
	if inp.Background.Last > 0 {
		add("BACKGROUND_RANGE=%s", inp.Background)
	}
	if inp.Anomalous {
		add("FRIEDEL'S_LAW=FALSE")
	}
	if len(inp.Reindex) > 0 {
		if len(inp.Reindex) != 12 {
			return nil, fmt.Errorf("xds: REIDX needs 12 integers, got %d", len(inp.Reindex))
		}
		parts := make([]string, 12)
		for i, v := range inp.Reindex {
			parts[i] = fmt.Sprint(v)
		}
		add("REIDX=%s", strings.Join(parts, " "))
	}
	if inp.Resolution[1] > 0 {
		add("INCLUDE_RESOLUTION_RANGE=%.2f %.2f", inp.Resolution[0], inp.Resolution[1])
	}
	return records, nil
}

// WriteINP writes inp to w.
func WriteINP(w io.Writer, inp INP) error {
	records, err := inp.Records()
	if err != nil {
		return err
	}
	for _, r := range records {
		if _, err := io.WriteString(w, r+"\n"); err != nil {
			return fmt.Errorf("xds: write XDS.INP: %w", err)
		}
	}
	return nil
}
