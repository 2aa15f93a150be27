package project

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Names used when a project is built straight from images.
const (
	DefaultProject    = "AUTOMATIC"
	DefaultCrystal    = "DEFAULT"
	DefaultWavelength = "NATIVE"
)

var imageExtensions = []string{".cbf", ".img", ".mccd", ".osc", ".sfrm", ".cbf.gz", ".img.gz", ".cbf.bz2"}

func isImage(name string) bool {
	lower := strings.ToLower(name)
	for _, ext := range imageExtensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

// Runs splits sorted image numbers into contiguous ranges.
func Runs(images []int) [][2]int {
	var runs [][2]int
	for i, n := range images {
		if i == 0 || n != images[i-1]+1 {
			runs = append(runs, [2]int{n, n})
			continue
		}
		runs[len(runs)-1][1] = n
	}
	return runs
}

// FromImages builds a one-crystal project from image files or directories
// of images. Every contiguous run of images sharing a template becomes a
// sweep.
func FromImages(paths []string) (*XProject, error) {
	type key struct{ dir, template string }
	found := map[key][]int{}
	var order []key
	add := func(dir, name string) {
		template, n, err := ImageTemplate(name)
		if err != nil {
			return
		}
		k := key{dir, template}
		if _, seen := found[k]; !seen {
			order = append(order, k)
		}
		found[k] = append(found[k], n)
	}
	for _, path := range paths {
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("project: %w", err)
		}
		info, err := os.Stat(abs)
		if err != nil {
			return nil, fmt.Errorf("project: %w", err)
		}
		if !info.IsDir() {
			add(filepath.Dir(abs), filepath.Base(abs))
			continue
		}
		entries, err := os.ReadDir(abs)
		if err != nil {
			return nil, fmt.Errorf("project: %w", err)
		}
		for _, e := range entries {
			if !e.IsDir() && isImage(e.Name()) {
				add(abs, e.Name())
			}
		}
	}
	if len(order) == 0 {
		return nil, fmt.Errorf("project: no images found in %s", strings.Join(paths, " "))
	}

	w := &XWavelength{Name: DefaultWavelength}
	n := 0
	for _, k := range order {
		images := found[k]
		sort.Ints(images)
		for _, r := range Runs(images) {
			n++
			se := r
			w.Sweeps = append(w.Sweeps, &XSweep{
				Name:       fmt.Sprintf("SWEEP%d", n),
				Directory:  k.dir,
				Image:      TemplateImage(k.template, r[0]),
				Template:   k.template,
				Wavelength: w.Name,
				StartEnd:   &se,
				State:      StatePending,
			})
		}
	}
	return &XProject{
		Name:     DefaultProject,
		Crystals: []*XCrystal{{Name: DefaultCrystal, Wavelengths: []*XWavelength{w}}},
	}, nil
}

// WriteXInfo writes p in the form ParseXInfo reads.
func WriteXInfo(out io.Writer, p *XProject) error {
	w := bufio.NewWriter(out)
	line := func(format string, args ...any) {
		fmt.Fprintf(w, format+"\n", args...)
	}
	line("BEGIN PROJECT %s", p.Name)
	for _, c := range p.Crystals {
		line("BEGIN CRYSTAL %s", c.Name)
		if c.UserSpacegroup != "" {
			line("USER_SPACEGROUP %s", c.UserSpacegroup)
		}
		if c.UserCell != nil {
			u := c.UserCell
			line("USER_CELL %g %g %g %g %g %g", u[0], u[1], u[2], u[3], u[4], u[5])
		}
		for _, s := range c.Samples {
			line("BEGIN SAMPLE %s", s.Name)
			line("END SAMPLE %s", s.Name)
		}
		for _, wl := range c.Wavelengths {
			line("BEGIN WAVELENGTH %s", wl.Name)
			if wl.Wavelength > 0 {
				line("WAVELENGTH %g", wl.Wavelength)
			}
			if wl.DMin > 0 && wl.DMax > 0 {
				line("RESOLUTION %g %g", wl.DMin, wl.DMax)
			} else if wl.DMin > 0 {
				line("RESOLUTION %g", wl.DMin)
			}
			line("END WAVELENGTH %s", wl.Name)
		}
		for _, wl := range c.Wavelengths {
			for _, s := range wl.Sweeps {
				writeSweep(line, s)
			}
		}
		line("END CRYSTAL %s", c.Name)
	}
	line("END PROJECT %s", p.Name)
	return w.Flush()
}

func writeSweep(line func(string, ...any), s *XSweep) {
	line("BEGIN SWEEP %s", s.Name)
	if s.ReversePhi {
		line("REVERSEPHI")
	}
	line("WAVELENGTH %s", s.Wavelength)
	if s.Sample != "" {
		line("SAMPLE %s", s.Sample)
	}
	line("DIRECTORY %s", s.Directory)
	line("IMAGE %s", s.Image)
	if s.StartEnd != nil {
		line("START_END %d %d", s.StartEnd[0], s.StartEnd[1])
	}
	if s.Beam != nil {
		line("BEAM %g %g", s.Beam[0], s.Beam[1])
	}
	if s.Distance > 0 {
		line("DISTANCE %.2f", s.Distance)
	}
	if s.Epoch != 0 {
		line("EPOCH %d", s.Epoch)
	}
	if s.PhiWidth > 0 {
		line("OSCILLATION %g %g", s.PhiStart, s.PhiWidth)
	}
	if s.HeaderFile != "" {
		line("XDS_HEADER %s", s.HeaderFile)
	}
	if s.Ice {
		line("EXCLUDE ICE")
	}
	for _, r := range s.ExcludedRegions {
		line("EXCLUDE %g %g", r[0], r[1])
	}
	line("END SWEEP %s", s.Name)
}
