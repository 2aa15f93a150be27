package ccp4

import (
	"fmt"
	"strconv"
	"strings"
)

// Table is one $TABLE block from a CCP4 program log.
type Table struct {
	Name    string
	Columns []string
	Rows    [][]string
}

// Column returns the named column as floats. Cells that do not parse are
// reported as errors.
func (t Table) Column(name string) ([]float64, error) {
	idx := -1
	for i, col := range t.Columns {
		if col == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("ccp4: table %q has no column %q", t.Name, name)
	}
	values := make([]float64, 0, len(t.Rows))
	for _, row := range t.Rows {
		v, err := strconv.ParseFloat(row[idx], 64)
		if err != nil {
			return nil, fmt.Errorf("ccp4: table %q column %q: %w", t.Name, name, err)
		}
		values = append(values, v)
	}
	return values, nil
}

// ParseLoggraph extracts every $TABLE block from lines. A table is complete
// once four $$ sentinels have been seen, possibly across several physical
// lines. Rows whose token count differs from the column count are dropped.
func ParseLoggraph(lines []string) (map[string]Table, error) {
	tables := map[string]Table{}
	for i := 0; i < len(lines); i++ {
		line := lines[i]
		if !strings.Contains(line, "$TABLE") {
			continue
		}
		name := ""
		if parts := strings.Split(line, ":"); len(parts) > 1 {
			name = strings.TrimSpace(strings.ReplaceAll(parts[1], ">", ""))
		}

		var block []string
		dollars := 0
		for {
			dollars += strings.Count(line, "$$")
			block = append(block, line)
			if dollars >= 4 || i+1 >= len(lines) {
				break
			}
			i++
			line = lines[i]
		}

		segments := strings.Split(strings.Join(block, "\n"), "$$")
		if len(segments) < 4 {
			return nil, fmt.Errorf("loggraph %q broken", name)
		}
		table := Table{Name: name, Columns: strings.Fields(segments[1])}
		for _, record := range strings.Split(segments[3], "\n") {
			tokens := strings.Fields(record)
			if len(tokens) == len(table.Columns) && len(tokens) > 0 {
				table.Rows = append(table.Rows, tokens)
			}
		}
		tables[name] = table
	}
	return tables, nil
}
