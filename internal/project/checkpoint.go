package project

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// ErrCheckpointNotFound is returned when no checkpoint has been written yet.
var ErrCheckpointNotFound = errors.New("project: checkpoint not found")

// CheckpointFile is the checkpoint's name inside the working directory.
const CheckpointFile = "xia2.json"

// Checkpoint is the persisted snapshot of a run.
type Checkpoint struct {
	RunID    string `json:"run_id"`
	Pipeline string `json:"pipeline"`
	// Stage is the last pipeline stage that completed.
	Stage     string    `json:"stage"`
	Project   *XProject `json:"project"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CheckpointStore persists checkpoints.
type CheckpointStore interface {
	Load() (Checkpoint, error)
	Save(Checkpoint) error
}

// Repository stores the checkpoint as indented JSON.
type Repository struct {
	path string
}

// NewRepository keeps the checkpoint in dir.
func NewRepository(dir string) *Repository {
	return &Repository{path: filepath.Join(dir, CheckpointFile)}
}

// Path returns the checkpoint file.
func (r *Repository) Path() string { return r.path }

// Load reads the checkpoint if present.
func (r *Repository) Load() (Checkpoint, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Checkpoint{}, ErrCheckpointNotFound
		}
		return Checkpoint{}, err
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return Checkpoint{}, fmt.Errorf("project: parse %s: %w", r.path, err)
	}
	if cp.Project == nil {
		return Checkpoint{}, fmt.Errorf("project: %s holds no project", r.path)
	}
	return cp, nil
}

// Save writes the checkpoint through a temporary file and a rename, so a
// reader never sees half a checkpoint.
func (r *Repository) Save(cp Checkpoint) error {
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return err
	}
	encoded, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(r.path), ".xia2-*.json")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(append(encoded, '\n')); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), r.path)
}

func sameData(a, b *XSweep) bool {
	if a.Directory != b.Directory || a.Template != b.Template {
		return false
	}
	if a.StartEnd == nil || b.StartEnd == nil {
		return a.StartEnd == nil && b.StartEnd == nil
	}
	return *a.StartEnd == *b.StartEnd
}

// Merge adds the sweeps of fresh that saved does not already hold. A sweep
// is already held when its directory, template and image range match one in
// the same crystal. Added sweeps whose name is taken become SWEEPn. It
// returns the names of the added sweeps.
func Merge(saved, fresh *XProject) ([]string, error) {
	var added []string
	for _, fc := range fresh.Crystals {
		c := saved.Crystal(fc.Name)
		if c == nil {
			c = &XCrystal{Name: fc.Name, UserCell: fc.UserCell, UserSpacegroup: fc.UserSpacegroup}
			saved.Crystals = append(saved.Crystals, c)
		}
		for _, fw := range fc.Wavelengths {
			w := c.Wavelength(fw.Name)
			if w == nil {
				w = &XWavelength{Name: fw.Name, Wavelength: fw.Wavelength, FPrime: fw.FPrime, FPPrime: fw.FPPrime, DMin: fw.DMin, DMax: fw.DMax}
				c.Wavelengths = append(c.Wavelengths, w)
			}
			for _, in := range fw.Sweeps {
				if err := in.ResolveTemplate(); err != nil {
					return added, err
				}
				if held(c, in) {
					continue
				}
				s := *in
				s.Wavelength = w.Name
				if nameTaken(c, s.Name) {
					s.Name = freeName(c)
				}
				w.Sweeps = append(w.Sweeps, &s)
				if s.Sample != "" {
					sample := c.Sample(s.Sample)
					if sample == nil {
						sample = &XSample{Name: s.Sample}
						c.Samples = append(c.Samples, sample)
					}
					sample.Sweeps = append(sample.Sweeps, s.Name)
				}
				added = append(added, s.Name)
			}
		}
	}
	return added, nil
}

func held(c *XCrystal, fresh *XSweep) bool {
	for _, s := range c.Sweeps() {
		if s.Template == "" {
			if err := s.ResolveTemplate(); err != nil {
				continue
			}
		}
		if sameData(s, fresh) {
			return true
		}
	}
	return false
}

func nameTaken(c *XCrystal, name string) bool {
	for _, s := range c.Sweeps() {
		if s.Name == name {
			return true
		}
	}
	return false
}

func freeName(c *XCrystal) string {
	for n := 1; ; n++ {
		if name := fmt.Sprintf("SWEEP%d", n); !nameTaken(c, name) {
			return name
		}
	}
}
