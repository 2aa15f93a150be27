package dials

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/kingrea/xia2go/internal/resolution"
)

// mergingHeader opens the per-bin merging statistics table in dials.scale
// output.
const mergingHeader = "Statistics by resolution bin:"

// ParseMergingStatistics reads the last per-bin merging statistics table in
// output. A trailing '*' on cc1/2 marks the bin as significant.
func ParseMergingStatistics(output []string) ([]resolution.Shell, error) {
	start := -1
	for i, line := range output {
		if strings.TrimSpace(line) == mergingHeader {
			start = i + 1
		}
	}
	if start < 0 || start >= len(output) {
		return nil, fmt.Errorf("dials: no merging statistics in output")
	}
	columns := map[string]int{}
	for i, name := range strings.Fields(output[start]) {
		columns[name] = i
	}
	if _, ok := columns["d_min"]; !ok {
		return nil, fmt.Errorf("dials: merging statistics header has no d_min")
	}

	var shells []resolution.Shell
	for _, line := range output[start+1:] {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			break
		}
		if len(fields) != len(columns) {
			continue
		}
		value := func(name string) (float64, bool) {
			i, ok := columns[name]
			if !ok {
				return 0, false
			}
			v, err := strconv.ParseFloat(strings.TrimSuffix(fields[i], "*"), 64)
			return v, err == nil
		}
		dmin, ok := value("d_min")
		if !ok {
			return nil, fmt.Errorf("dials: bad merging statistics row %q", strings.TrimSpace(line))
		}
		shell := resolution.Shell{DMin: dmin}
		shell.Rmerge, _ = value("r_mrg")
		shell.MISigma, _ = value("<I/sI>")
		if comp, ok := value("%comp"); ok {
			shell.Completeness = comp / 100
		}
		if cc, ok := value("cc1/2"); ok {
			shell.CCHalf = cc
			significant := strings.HasSuffix(fields[columns["cc1/2"]], "*")
			shell.CCHalfSignificant = &significant
		}
		shells = append(shells, shell)
	}
	if len(shells) == 0 {
		return nil, fmt.Errorf("dials: merging statistics table is empty")
	}
	return shells, nil
}

// ShellStatistics parses the merging statistics of the last run.
func (s *Scale) ShellStatistics() ([]resolution.Shell, error) {
	return ParseMergingStatistics(s.AllOutput())
}
