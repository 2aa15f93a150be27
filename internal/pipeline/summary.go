package pipeline

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/kingrea/xia2go/internal/project"
)

// summaryStatistics are the statistics written to the summary, in order,
// with the format of one value.
var summaryStatistics = []struct {
	name   string
	format string
}{
	{"High resolution limit", "%7.2f"},
	{"Low resolution limit", "%7.2f"},
	{"Completeness", "%7.1f"},
	{"Multiplicity", "%7.1f"},
	{"I/sigma", "%7.1f"},
	{"Rmerge", "%7.3f"},
	{"CC half", "%7.3f"},
	{"Anomalous completeness", "%7.1f"},
	{"Anomalous multiplicity", "%7.1f"},
}

// WriteSummary writes the short per-crystal report: sweeps, merging
// statistics per dataset (overall, low and high shell), cell and
// spacegroup.
func WriteSummary(w io.Writer, proj *project.XProject) error {
	var lines []string
	add := func(format string, args ...any) { lines = append(lines, fmt.Sprintf(format, args...)) }

	add("Project: %s", proj.Name)
	for _, c := range proj.Crystals {
		add("Crystal: %s", c.Name)
		if c.Sequence != "" {
			add("Sequence length: %d", len(c.Sequence))
		}
		for _, wl := range c.Wavelengths {
			add("Wavelength: %s (%7.5f)", wl.Name, wl.Wavelength)
			for _, s := range wl.Sweeps {
				line := fmt.Sprintf("Sweep: %s", s.Name)
				if s.Integration != nil {
					line += fmt.Sprintf(" images %d to %d", s.Integration.Images[0], s.Integration.Images[1])
				}
				add("%s", line)
			}
		}
		sc := c.Scaled
		if sc == nil {
			continue
		}
		datasets := make([]string, 0, len(sc.Statistics))
		for name := range sc.Statistics {
			datasets = append(datasets, name)
		}
		sort.Strings(datasets)
		for _, dname := range datasets {
			stats := sc.Statistics[dname]
			add("For %s/%s/%s:", proj.Name, c.Name, dname)
			for _, st := range summaryStatistics {
				values, ok := stats[st.name]
				if !ok || len(values) == 0 {
					continue
				}
				formatted := make([]string, len(values))
				for i, v := range values {
					formatted[i] = fmt.Sprintf(st.format, v)
				}
				add("%-40s %s", st.name, strings.Join(formatted, " "))
			}
		}
		if sc.DMin > 0 {
			add("Resolution limit: %5.2f", sc.DMin)
		}
		cell := sc.Cell
		add("Cell: %7.3f %7.3f %7.3f %7.3f %7.3f %7.3f", cell[0], cell[1], cell[2], cell[3], cell[4], cell[5])
		add("Spacegroup: %s", sc.Spacegroup)
	}
	for _, line := range lines {
		if _, err := io.WriteString(w, line+"\n"); err != nil {
			return fmt.Errorf("pipeline: write summary: %w", err)
		}
	}
	return nil
}
