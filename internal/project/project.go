package project

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"github.com/kingrea/xia2go/internal/lattice"
	"github.com/kingrea/xia2go/internal/resolution"
)

// XProject is the root of the crystal, wavelength and sweep tree.
type XProject struct {
	Name     string      `json:"name"`
	Crystals []*XCrystal `json:"crystals"`
}

// XCrystal groups the wavelengths measured from one crystal.
type XCrystal struct {
	Name        string            `json:"name"`
	Sequence    string            `json:"sequence,omitempty"`
	HAInfo      map[string]string `json:"ha_info,omitempty"`
	Data        map[string]string `json:"crystal_data,omitempty"`
	Samples     []*XSample        `json:"samples,omitempty"`
	Wavelengths []*XWavelength    `json:"wavelengths"`

	ScaledMergedReflectionFile string        `json:"scaled_merged_reflection_file,omitempty"`
	ReferenceReflectionFile    string        `json:"reference_reflection_file,omitempty"`
	FreerFile                  string        `json:"freer_file,omitempty"`
	UserSpacegroup             string        `json:"user_spacegroup,omitempty"`
	UserCell                   *lattice.Cell `json:"user_cell,omitempty"`

	Scaled *Scaled `json:"scaled,omitempty"`
}

// XSample lists the sweeps recorded from one physical sample.
type XSample struct {
	Name   string   `json:"name"`
	Sweeps []string `json:"sweeps,omitempty"`
}

// XWavelength is one dataset: every sweep collected at the same energy.
type XWavelength struct {
	Name       string             `json:"name"`
	Wavelength float64            `json:"wavelength,omitempty"`
	FPrime     float64            `json:"f_prime,omitempty"`
	FPPrime    float64            `json:"f_pprime,omitempty"`
	DMin       float64            `json:"d_min,omitempty"`
	DMax       float64            `json:"d_max,omitempty"`
	Statistics map[string]float64 `json:"statistics,omitempty"`
	Extra      map[string]string  `json:"extra,omitempty"`
	Sweeps     []*XSweep          `json:"sweeps"`
}

// XSweep is one rotation scan and everything learned about it so far.
type XSweep struct {
	Name      string `json:"name"`
	Directory string `json:"directory"`
	Image     string `json:"image"`
	Template  string `json:"template,omitempty"`
	Sample    string `json:"sample,omitempty"`
	// Wavelength is the owning wavelength's name.
	Wavelength      string            `json:"wavelength"`
	Beam            *[2]float64       `json:"beam,omitempty"`
	Distance        float64           `json:"distance,omitempty"`
	Epoch           int               `json:"epoch,omitempty"`
	ReversePhi      bool              `json:"reversephi,omitempty"`
	StartEnd        *[2]int           `json:"start_end,omitempty"`
	ExcludedRegions [][2]float64      `json:"excluded_regions,omitempty"`
	Ice             bool              `json:"ice,omitempty"`
	PhiStart        float64           `json:"phi_start,omitempty"`
	PhiWidth        float64           `json:"phi_width,omitempty"`
	HeaderFile      string            `json:"header_file,omitempty"`
	Extra           map[string]string `json:"extra,omitempty"`

	State State  `json:"state"`
	Error string `json:"error,omitempty"`

	Indexing    *Indexing         `json:"indexing,omitempty"`
	Refiner     *lattice.Snapshot `json:"refiner,omitempty"`
	Integration *Integration      `json:"integration,omitempty"`
}

// Indexing is the persisted outcome of autoindexing a sweep.
type Indexing struct {
	Strategy   string             `json:"strategy,omitempty"`
	Lattice    string             `json:"lattice"`
	Spacegroup int                `json:"spacegroup"`
	Cell       lattice.Cell       `json:"cell"`
	Mosaic     float64            `json:"mosaic,omitempty"`
	Beam       [2]float64         `json:"beam"`
	Distance   float64            `json:"distance"`
	Solutions  []lattice.Solution `json:"solutions,omitempty"`
	// Files maps geometry file names (XPARM.XDS, SPOT.XDS) to their paths.
	Files   map[string]string `json:"files,omitempty"`
	LogFile string            `json:"log_file,omitempty"`
}

// Integration is the persisted outcome of integrating a sweep.
type Integration struct {
	// Reflections is the file handed to the scaler; XDSASCII is always the
	// XDS_ASCII.HKL written by CORRECT.
	Reflections        string       `json:"reflections"`
	XDSASCII           string       `json:"xds_ascii,omitempty"`
	Experiments        string       `json:"experiments,omitempty"`
	Images             [2]int       `json:"images"`
	Cell               lattice.Cell `json:"cell"`
	RMSDPixel          float64      `json:"rmsd_pixel,omitempty"`
	RMSDPhi            float64      `json:"rmsd_phi,omitempty"`
	ResolutionEstimate float64      `json:"resolution_estimate"`
	HighestResolution  float64      `json:"highest_resolution,omitempty"`
	LogFile            string       `json:"log_file,omitempty"`
}

// Scaled is the persisted outcome of scaling and merging a crystal.
type Scaled struct {
	Pointgroup      string            `json:"pointgroup"`
	Spacegroup      string            `json:"spacegroup"`
	ReindexOperator string            `json:"reindex_operator,omitempty"`
	Cell            lattice.Cell      `json:"cell"`
	DMin            float64           `json:"d_min"`
	Limits          resolution.Limits `json:"limits"`
	// Merged maps wavelength name to the merged reflection file.
	Merged     map[string]string               `json:"merged,omitempty"`
	Unmerged   string                          `json:"unmerged,omitempty"`
	Statistics map[string]map[string][]float64 `json:"statistics,omitempty"`
	LogFile    string                          `json:"log_file,omitempty"`
}

// Sweeps returns every sweep in tree order.
func (p *XProject) Sweeps() []*XSweep {
	var out []*XSweep
	for _, c := range p.Crystals {
		out = append(out, c.Sweeps()...)
	}
	return out
}

// Crystal looks up a crystal by name.
func (p *XProject) Crystal(name string) *XCrystal {
	for _, c := range p.Crystals {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// Sweeps returns the crystal's sweeps in wavelength order.
func (c *XCrystal) Sweeps() []*XSweep {
	var out []*XSweep
	for _, w := range c.Wavelengths {
		out = append(out, w.Sweeps...)
	}
	return out
}

// Wavelength looks up a wavelength by name.
func (c *XCrystal) Wavelength(name string) *XWavelength {
	for _, w := range c.Wavelengths {
		if w.Name == name {
			return w
		}
	}
	return nil
}

// Sample looks up a sample by name.
func (c *XCrystal) Sample(name string) *XSample {
	for _, s := range c.Samples {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// RemoveSweep drops sweep from its wavelength and from its sample. It
// reports whether the sweep was found.
func (c *XCrystal) RemoveSweep(sweep *XSweep) bool {
	w := c.Wavelength(sweep.Wavelength)
	if w == nil || !w.RemoveSweep(sweep) {
		return false
	}
	if s := c.Sample(sweep.Sample); s != nil {
		s.RemoveSweep(sweep.Name)
	}
	return true
}

// RemoveSweep drops sweep from the wavelength.
func (w *XWavelength) RemoveSweep(sweep *XSweep) bool {
	for i, s := range w.Sweeps {
		if s == sweep || s.Name == sweep.Name {
			w.Sweeps = append(w.Sweeps[:i], w.Sweeps[i+1:]...)
			return true
		}
	}
	return false
}

// Sweep looks up a sweep by name.
func (w *XWavelength) Sweep(name string) *XSweep {
	for _, s := range w.Sweeps {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// RemoveSweep forgets a sweep name.
func (s *XSample) RemoveSweep(name string) {
	for i, n := range s.Sweeps {
		if n == name {
			s.Sweeps = append(s.Sweeps[:i], s.Sweeps[i+1:]...)
			return
		}
	}
}

var (
	imageNumber = regexp.MustCompile(`([0-9]+)(\.[A-Za-z0-9]+(\.gz|\.bz2)?)$`)
	hashes      = regexp.MustCompile(`#+`)
)

// ImageTemplate splits an image file name into a '#'-padded template and
// its image number. HDF5 master files are their own template.
func ImageTemplate(image string) (string, int, error) {
	if filepath.Ext(image) == ".h5" {
		return image, 0, nil
	}
	m := imageNumber.FindStringSubmatchIndex(image)
	if m == nil {
		return "", 0, fmt.Errorf("project: cannot find image number in %s", image)
	}
	digits := image[m[2]:m[3]]
	n, err := strconv.Atoi(digits)
	if err != nil {
		return "", 0, fmt.Errorf("project: image number %s: %w", digits, err)
	}
	template := image[:m[2]] + padding(len(digits)) + image[m[3]:]
	return template, n, nil
}

func padding(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = '#'
	}
	return string(b)
}

// TemplateImage renders image number n into template.
func TemplateImage(template string, n int) string {
	m := hashes.FindAllStringIndex(template, -1)
	if len(m) == 0 {
		return template
	}
	last := m[len(m)-1]
	width := last[1] - last[0]
	return template[:last[0]] + fmt.Sprintf("%0*d", width, n) + template[last[1]:]
}

// ResolveTemplate fills in Template from Image when it is not set.
func (s *XSweep) ResolveTemplate() error {
	if s.Template != "" {
		return nil
	}
	template, _, err := ImageTemplate(s.Image)
	if err != nil {
		return err
	}
	s.Template = template
	return nil
}

// Images lists the image numbers of the sweep, restricted to StartEnd.
// Without StartEnd the directory is scanned for files matching Template.
func (s *XSweep) Images() ([]int, error) {
	if err := s.ResolveTemplate(); err != nil {
		return nil, err
	}
	if s.StartEnd != nil {
		first, last := s.StartEnd[0], s.StartEnd[1]
		if last < first {
			return nil, fmt.Errorf("project: sweep %s: START_END %d %d", s.Name, first, last)
		}
		images := make([]int, 0, last-first+1)
		for i := first; i <= last; i++ {
			images = append(images, i)
		}
		return images, nil
	}
	if filepath.Ext(s.Template) == ".h5" {
		return nil, fmt.Errorf("project: sweep %s: HDF5 data needs START_END", s.Name)
	}
	entries, err := os.ReadDir(s.Directory)
	if err != nil {
		return nil, fmt.Errorf("project: scan %s: %w", s.Directory, err)
	}
	var images []int
	for _, e := range entries {
		template, n, err := ImageTemplate(e.Name())
		if err != nil || template != s.Template {
			continue
		}
		images = append(images, n)
	}
	if len(images) == 0 {
		return nil, fmt.Errorf("project: no images match %s in %s", s.Template, s.Directory)
	}
	sort.Ints(images)
	return images, nil
}
