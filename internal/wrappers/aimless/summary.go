package aimless

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/kingrea/xia2go/internal/ccp4"
	"github.com/kingrea/xia2go/internal/resolution"
)

// Dataset identifies one project/crystal/wavelength in Aimless output.
type Dataset struct {
	PName string `json:"pname"`
	XName string `json:"xname"`
	DName string `json:"dname"`
}

func (d Dataset) String() string { return d.PName + "/" + d.XName + "/" + d.DName }

// Summary holds the overall, low and high shell values of each statistic,
// keyed by standard name.
type Summary map[string][]float64

// summaryNames maps Aimless row labels to standard names. An empty name is
// recognised but dropped.
var summaryNames = map[string]string{
	"Anomalous completeness":                "Anomalous completeness",
	"Anomalous multiplicity":                "Anomalous multiplicity",
	"Completeness":                          "Completeness",
	"DelAnom correlation between half-sets": "Anomalous correlation",
	"Fractional partial bias":               "Partial bias",
	"High resolution limit":                 "High resolution limit",
	"Low resolution limit":                  "Low resolution limit",
	"Mean((I)/sd(I))":                       "I/sigma",
	"Mid-Slope of Anom Normal Probability":  "Anomalous slope",
	"Multiplicity":                          "Multiplicity",
	"Rmerge  (within I+/I-)":                "Rmerge",
	"Rmerge in top intensity bin":           "",
	"Rmeas (all I+ & I-)":                   "Rmeas(I)",
	"Rmeas (within I+/I-)":                  "Rmeas(I+/-)",
	"Rpim (all I+ & I-)":                    "Rpim(I)",
	"Rpim (within I+/I-)":                   "Rpim(I+/-)",
	"Total number of observations":          "Total observations",
	"Total number unique":                   "Total unique",
}

const summaryEnd = "Estimates of resolution limits"

// summaryRow parses one labelled row. The label occupies the first 40
// columns; "-" stands for a missing value.
func summaryRow(line string, splitMinus bool) (string, []float64, bool) {
	if len(line) <= 40 || strings.Contains(line, "Infinity") || strings.Contains(line, "NaN") {
		return "", nil, false
	}
	key := strings.TrimSpace(line[:40])
	name, known := summaryNames[key]
	if key == "" || !known || name == "" {
		return "", nil, false
	}
	rest := line[40:]
	if splitMinus {
		rest = strings.ReplaceAll(rest, "-", " -")
	}
	var values []float64
	for _, tok := range strings.Fields(rest) {
		if tok == "-" {
			values = append(values, 0)
			continue
		}
		v, err := strconv.ParseFloat(tok, 64)
		if err != nil {
			return "", nil, false
		}
		values = append(values, v)
	}
	return name, values, true
}

// ParseSummary reads the "Summary data for" blocks. Aimless writes either
// one block per dataset or a single block with three columns per dataset.
func ParseSummary(output []string) map[Dataset]Summary {
	total := map[Dataset]Summary{}
	for i, line := range output {
		if !strings.Contains(line, "Summary data for") {
			continue
		}
		if !strings.Contains(line, "datasets") {
			fields := strings.Fields(line)
			if len(fields) < 9 {
				continue
			}
			ds := Dataset{PName: fields[4], XName: fields[6], DName: fields[8]}
			summary := Summary{}
			for j := i + 1; j < len(output) && !strings.Contains(output[j], summaryEnd); j++ {
				if name, values, ok := summaryRow(output[j], false); ok {
					summary[name] = values
				}
			}
			total[ds] = summary
			continue
		}

		var names []Dataset
		j := i + 1
		for ; j < len(output) && strings.TrimSpace(output[j]) != ""; j++ {
			fields := strings.Fields(output[j])
			if len(fields) < 6 {
				continue
			}
			ds := Dataset{PName: fields[1], XName: fields[3], DName: fields[5]}
			names = append(names, ds)
			total[ds] = Summary{}
		}
		for k := j + 1; k < len(output) && !strings.Contains(output[k], summaryEnd); k++ {
			name, values, ok := summaryRow(output[k], true)
			if !ok {
				continue
			}
			for n, ds := range names {
				if 3*n+3 <= len(values) {
					total[ds][name] = append([]float64(nil), values[3*n:3*n+3]...)
				}
			}
		}
	}
	return total
}

// Summary parses the summary blocks of the last run.
func (a *Aimless) Summary() map[Dataset]Summary { return ParseSummary(a.AllOutput()) }

// Loggraph table prefixes and columns read by ShellStatistics.
const (
	ResolutionTable   = "Analysis against resolution"
	CompletenessTable = "Completeness & multiplicity v. resolution"
	CorrelationTable  = "Correlations CC(1/2) within dataset"
)

func findTable(tables map[string]ccp4.Table, prefix string) (ccp4.Table, bool) {
	for name, t := range tables {
		if strings.HasPrefix(name, prefix) {
			return t, true
		}
	}
	return ccp4.Table{}, false
}

// optionalColumn returns the column when its table exists and has n rows.
func optionalColumn(tables map[string]ccp4.Table, prefix, column string, n int) []float64 {
	t, ok := findTable(tables, prefix)
	if !ok {
		return nil
	}
	values, err := t.Column(column)
	if err != nil || len(values) != n {
		return nil
	}
	return values
}

// ShellStatistics converts the per-resolution loggraph tables into shells
// for the resolution estimator.
func ShellStatistics(tables map[string]ccp4.Table) ([]resolution.Shell, error) {
	t, ok := findTable(tables, ResolutionTable)
	if !ok {
		return nil, errors.New("aimless: no resolution table in output")
	}
	s, err := t.Column("1/d^2")
	if err != nil {
		return nil, fmt.Errorf("aimless: %w", err)
	}
	rmerge := optionalColumn(tables, ResolutionTable, "Rmrg", len(s))
	misigma := optionalColumn(tables, ResolutionTable, "Mn(I/sd)", len(s))
	completeness := optionalColumn(tables, CompletenessTable, "%poss", len(s))
	cchalf := optionalColumn(tables, CorrelationTable, "CC1/2", len(s))

	var shells []resolution.Shell
	for i, si := range s {
		if si <= 0 {
			continue
		}
		sh := resolution.Shell{DMin: 1 / math.Sqrt(si)}
		if rmerge != nil {
			sh.Rmerge = rmerge[i]
		}
		if misigma != nil {
			sh.MISigma = misigma[i]
		}
		if completeness != nil {
			sh.Completeness = completeness[i]
		}
		if cchalf != nil {
			sh.CCHalf = cchalf[i]
		}
		shells = append(shells, sh)
	}
	if len(shells) == 0 {
		return nil, errors.New("aimless: resolution table is empty")
	}
	return shells, nil
}

// ShellStatistics parses the loggraph tables of the last run.
func (a *Aimless) ShellStatistics() ([]resolution.Shell, error) {
	tables, err := a.Loggraph()
	if err != nil {
		return nil, err
	}
	return ShellStatistics(tables)
}
