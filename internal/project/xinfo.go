package project

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/kingrea/xia2go/internal/lattice"
)

// XInfoOption tunes ParseXInfo.
type XInfoOption func(*xinfoParser)

// WithSweepFilter keeps only the named sweeps (case-insensitive). When
// ranges is non-empty it gives the START_END of each named sweep in turn.
func WithSweepFilter(ids []string, ranges [][2]int) XInfoOption {
	return func(p *xinfoParser) {
		p.sweepIDs = make([]string, len(ids))
		for i, id := range ids {
			p.sweepIDs[i] = strings.ToLower(id)
		}
		p.sweepRanges = ranges
	}
}

// LoadXInfo parses the .xinfo file at path.
func LoadXInfo(path string, opts ...XInfoOption) (*XProject, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("xinfo: %w", err)
	}
	defer f.Close()
	return ParseXInfo(f, opts...)
}

// ParseXInfo reads a project description: a PROJECT block holding CRYSTAL
// blocks, which in turn hold WAVELENGTH, SAMPLE and SWEEP blocks. Lines
// starting with '!' or '#' are comments.
func ParseXInfo(r io.Reader, opts ...XInfoOption) (*XProject, error) {
	p := &xinfoParser{}
	for _, opt := range opts {
		opt(p)
	}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		record := strings.TrimSpace(scanner.Text())
		if record == "" || record[0] == '!' || record[0] == '#' {
			continue
		}
		p.records = append(p.records, record)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("xinfo: read: %w", err)
	}
	return p.parse()
}

type xinfoParser struct {
	records     []string
	pos         int
	sweepIDs    []string
	sweepRanges [][2]int
}

func (p *xinfoParser) next(block string) (string, error) {
	if p.pos >= len(p.records) {
		return "", fmt.Errorf("xinfo: unexpected end of file in %s block", block)
	}
	record := p.records[p.pos]
	p.pos++
	return record, nil
}

func keyword(record string) string {
	if fields := strings.Fields(record); len(fields) > 0 {
		return fields[0]
	}
	return ""
}

func after(record, prefix string) string {
	return strings.TrimSpace(strings.TrimPrefix(record, prefix))
}

func blockName(record, prefix, what string) (string, error) {
	name := after(record, prefix)
	if len(strings.Fields(name)) != 1 {
		return "", fmt.Errorf("xinfo: %s name contains white space: %s", what, name)
	}
	return name, nil
}

func floats(tokens []string) ([]float64, error) {
	out := make([]float64, len(tokens))
	for i, t := range tokens {
		v, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return nil, fmt.Errorf("xinfo: %q is not a number", t)
		}
		out[i] = v
	}
	return out, nil
}

func (p *xinfoParser) parse() (*XProject, error) {
	project := &XProject{}
	for p.pos < len(p.records) {
		record, _ := p.next("PROJECT")
		switch {
		case strings.HasPrefix(record, "BEGIN PROJECT"):
			name, err := blockName(record, "BEGIN PROJECT", "project")
			if err != nil {
				return nil, err
			}
			project.Name = name
		case strings.HasPrefix(record, "END PROJECT"):
			if after(record, "END PROJECT") != project.Name {
				return nil, fmt.Errorf("xinfo: error parsing END PROJECT record")
			}
		case strings.HasPrefix(record, "BEGIN CRYSTAL "):
			name, err := blockName(record, "BEGIN CRYSTAL", "crystal")
			if err != nil {
				return nil, err
			}
			if project.Crystal(name) != nil {
				return nil, fmt.Errorf("xinfo: crystal %s already exists", name)
			}
			crystal, err := p.crystal(name)
			if err != nil {
				return nil, err
			}
			project.Crystals = append(project.Crystals, crystal)
		}
	}
	if project.Name == "" {
		return nil, fmt.Errorf("xinfo: no BEGIN PROJECT record")
	}
	return project, nil
}

func (p *xinfoParser) crystal(name string) (*XCrystal, error) {
	c := &XCrystal{Name: name}
	var sweeps []*XSweep
	for {
		record, err := p.next("CRYSTAL")
		if err != nil {
			return nil, err
		}
		fields := strings.Fields(record)
		switch {
		case strings.HasPrefix(record, "END CRYSTAL"):
			return c, p.attach(c, sweeps)
		case record == "BEGIN AA_SEQUENCE":
			if c.Sequence != "" {
				return nil, fmt.Errorf("xinfo: error two SEQUENCE records found")
			}
			if c.Sequence, err = p.sequence(); err != nil {
				return nil, err
			}
		case record == "BEGIN HA_INFO":
			if c.HAInfo, err = p.pairs("HA_INFO", true); err != nil {
				return nil, err
			}
		case record == "BEGIN CRYSTAL_DATA":
			if c.Data, err = p.pairs("CRYSTAL_DATA", false); err != nil {
				return nil, err
			}
		case strings.HasPrefix(record, "BEGIN SAMPLE"):
			if err := p.skipTo("SAMPLE"); err != nil {
				return nil, err
			}
			c.Samples = append(c.Samples, &XSample{Name: after(record, "BEGIN SAMPLE")})
		case strings.HasPrefix(record, "BEGIN WAVELENGTH "):
			wname, err := blockName(record, "BEGIN WAVELENGTH", "wavelength")
			if err != nil {
				return nil, err
			}
			if c.Wavelength(wname) != nil {
				return nil, fmt.Errorf("xinfo: wavelength %s already exists for crystal %s", wname, name)
			}
			w, err := p.wavelength(wname)
			if err != nil {
				return nil, err
			}
			c.Wavelengths = append(c.Wavelengths, w)
		case strings.HasPrefix(record, "BEGIN SWEEP"):
			s, err := p.sweep(c, after(record, "BEGIN SWEEP"))
			if err != nil {
				return nil, err
			}
			if s == nil {
				continue
			}
			for _, other := range sweeps {
				if other.Name == s.Name {
					return nil, fmt.Errorf("xinfo: sweep %s already exists for crystal %s", s.Name, name)
				}
			}
			sweeps = append(sweeps, s)
		case fields[0] == "SCALED_MERGED_REFLECTION_FILE":
			c.ScaledMergedReflectionFile = after(record, fields[0])
		case fields[0] == "REFERENCE_REFLECTION_FILE":
			c.ReferenceReflectionFile = after(record, fields[0])
		case fields[0] == "FREER_FILE":
			c.FreerFile = after(record, fields[0])
			c.ReferenceReflectionFile = c.FreerFile
		case fields[0] == "USER_SPACEGROUP":
			c.UserSpacegroup = after(record, fields[0])
		case fields[0] == "USER_CELL":
			v, err := floats(fields[1:])
			if err != nil {
				return nil, err
			}
			if len(v) != 6 {
				return nil, fmt.Errorf("xinfo: USER_CELL needs six values, not %q", record)
			}
			cell := lattice.Cell(v)
			c.UserCell = &cell
		}
	}
}

// attach hangs parsed sweeps under their wavelengths and samples.
func (p *xinfoParser) attach(c *XCrystal, sweeps []*XSweep) error {
	for _, s := range sweeps {
		if s.Wavelength == "" {
			if len(c.Wavelengths) != 1 {
				return fmt.Errorf("xinfo: sweep %s names no WAVELENGTH", s.Name)
			}
			s.Wavelength = c.Wavelengths[0].Name
		}
		if s.Directory == "" || s.Image == "" {
			return fmt.Errorf("xinfo: sweep %s needs DIRECTORY and IMAGE", s.Name)
		}
		w := c.Wavelength(s.Wavelength)
		w.Sweeps = append(w.Sweeps, s)
		if sample := c.Sample(s.Sample); sample != nil {
			sample.Sweeps = append(sample.Sweeps, s.Name)
		}
	}
	return nil
}

func (p *xinfoParser) sequence() (string, error) {
	var b strings.Builder
	for {
		record, err := p.next("AA_SEQUENCE")
		if err != nil {
			return "", err
		}
		if record == "END AA_SEQUENCE" {
			return b.String(), nil
		}
		b.WriteString(record)
	}
}

// pairs reads "KEY value" records up to END block. Keys are lower-cased;
// firstToken keeps only the first word of each value.
func (p *xinfoParser) pairs(block string, firstToken bool) (map[string]string, error) {
	out := map[string]string{}
	for {
		record, err := p.next(block)
		if err != nil {
			return nil, err
		}
		if record == "END "+block {
			return out, nil
		}
		key := keyword(record)
		value := after(record, key)
		if firstToken {
			value = keyword(value)
		}
		out[strings.ToLower(key)] = value
	}
}

func (p *xinfoParser) skipTo(block string) error {
	for {
		record, err := p.next(block)
		if err != nil {
			return err
		}
		if strings.HasPrefix(record, "END "+block) {
			return nil
		}
	}
}

func (p *xinfoParser) wavelength(name string) (*XWavelength, error) {
	w := &XWavelength{Name: name}
	for {
		record, err := p.next("WAVELENGTH")
		if err != nil {
			return nil, err
		}
		if strings.HasPrefix(record, "END WAVELENGTH") {
			return w, nil
		}
		fields := strings.Fields(record)
		key := strings.ToLower(fields[0])
		switch {
		case record == "BEGIN WAVELENGTH_STATISTICS":
			if w.Statistics, err = p.statistics(); err != nil {
				return nil, err
			}
			continue
		case key == "resolution":
			if len(fields) < 2 || len(fields) > 3 {
				return nil, fmt.Errorf("xinfo: resolution dmin [dmax]")
			}
			v, err := floats(fields[1:])
			if err != nil {
				return nil, err
			}
			w.DMin = v[0]
			if len(v) == 2 {
				w.DMin, w.DMax = min(v[0], v[1]), max(v[0], v[1])
			}
			continue
		case len(fields) == 1:
			return nil, fmt.Errorf("xinfo: missing value for token %s", fields[0])
		}
		v, err := strconv.ParseFloat(fields[1], 64)
		switch {
		case err != nil:
			if w.Extra == nil {
				w.Extra = map[string]string{}
			}
			w.Extra[key] = after(record, fields[0])
		case key == "wavelength":
			w.Wavelength = v
		case key == "f'":
			w.FPrime = v
		case key == "f''":
			w.FPPrime = v
		default:
			if w.Extra == nil {
				w.Extra = map[string]string{}
			}
			w.Extra[key] = fields[1]
		}
	}
}

func (p *xinfoParser) statistics() (map[string]float64, error) {
	out := map[string]float64{}
	for {
		record, err := p.next("WAVELENGTH_STATISTICS")
		if err != nil {
			return nil, err
		}
		if strings.HasPrefix(record, "END WAVELENGTH_STATISTICS") {
			return out, nil
		}
		fields := strings.Fields(record)
		if len(fields) != 2 {
			return nil, fmt.Errorf("xinfo: statistic needs a name and a value, not %q", record)
		}
		v, err := floats(fields[1:])
		if err != nil {
			return nil, err
		}
		out[strings.ToLower(fields[0])] = v[0]
	}
}

// sweepRange reports whether the sweep is wanted and any forced START_END.
func (p *xinfoParser) sweepRange(name string) (bool, *[2]int) {
	if p.sweepIDs == nil {
		return true, nil
	}
	for i, id := range p.sweepIDs {
		if id != strings.ToLower(name) {
			continue
		}
		if i < len(p.sweepRanges) {
			r := p.sweepRanges[i]
			return true, &r
		}
		return true, nil
	}
	return false, nil
}

func (p *xinfoParser) sweep(c *XCrystal, name string) (*XSweep, error) {
	wanted, startEnd := p.sweepRange(name)
	if !wanted {
		return nil, p.skipTo("SWEEP")
	}
	s := &XSweep{Name: name, StartEnd: startEnd, State: StatePending}
	for {
		record, err := p.next("SWEEP")
		if err != nil {
			return nil, err
		}
		if strings.HasPrefix(record, "END SWEEP") {
			return s, nil
		}
		fields := strings.Fields(record)
		key := fields[0]
		value := after(record, key)
		switch key {
		case "WAVELENGTH", "WAVELENGTH_ID":
			if c.Wavelength(value) == nil {
				return nil, fmt.Errorf("xinfo: wavelength %s unknown for crystal %s", value, c.Name)
			}
			s.Wavelength = value
		case "SAMPLE":
			if c.Sample(value) == nil {
				return nil, fmt.Errorf("xinfo: sample %s unknown for crystal %s", value, c.Name)
			}
			s.Sample = value
		case "DIRECTORY":
			s.Directory = value
		case "IMAGE":
			s.Image = value
		case "TEMPLATE":
			s.Template = value
		case "XDS_HEADER":
			s.HeaderFile = value
		case "BEAM":
			v, err := floats(fields[1:])
			if err != nil {
				return nil, err
			}
			if len(v) != 2 {
				return nil, fmt.Errorf("xinfo: BEAM needs two values, not %q", record)
			}
			s.Beam = &[2]float64{v[0], v[1]}
		case "DISTANCE", "OSCILLATION":
			v, err := floats(fields[1:])
			if err != nil {
				return nil, err
			}
			if key == "DISTANCE" && len(v) == 1 {
				s.Distance = v[0]
				break
			}
			if key == "OSCILLATION" && len(v) == 2 {
				s.PhiStart, s.PhiWidth = v[0], v[1]
				break
			}
			return nil, fmt.Errorf("xinfo: bad %s record %q", key, record)
		case "EPOCH":
			epoch, err := strconv.Atoi(value)
			if err != nil {
				return nil, fmt.Errorf("xinfo: EPOCH %q: %w", value, err)
			}
			s.Epoch = epoch
		case "REVERSEPHI":
			s.ReversePhi = true
		case "START_END":
			if s.StartEnd != nil {
				continue
			}
			if len(fields) != 3 {
				return nil, fmt.Errorf("xinfo: START_END requires two parameters (start and end), not %q", record)
			}
			first, err1 := strconv.Atoi(fields[1])
			last, err2 := strconv.Atoi(fields[2])
			if err1 != nil || err2 != nil {
				return nil, fmt.Errorf("xinfo: START_END requires two integers, not %q", record)
			}
			s.StartEnd = &[2]int{first, last}
		case "EXCLUDE":
			if len(fields) > 1 && strings.EqualFold(fields[1], "ICE") {
				s.Ice = true
				continue
			}
			v, err := floats(fields[1:])
			if err != nil || len(v) != 2 {
				return nil, fmt.Errorf("xinfo: EXCLUDE upper lower, not %q", record)
			}
			if v[0] <= v[1] {
				return nil, fmt.Errorf("xinfo: EXCLUDE upper lower, where upper must be greater than lower (not %q)", record)
			}
			s.ExcludedRegions = append(s.ExcludedRegions, [2]float64{v[0], v[1]})
		default:
			if s.Extra == nil {
				s.Extra = map[string]string{}
			}
			s.Extra[key] = value
		}
	}
}
