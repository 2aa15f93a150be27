package project

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kingrea/xia2go/internal/lattice"
)

const sampleXInfo = `
! generated for a test
BEGIN PROJECT demo
BEGIN CRYSTAL lyso

BEGIN AA_SEQUENCE
KVFGRCELAAAMKRHGLDNY
RGYSLGNWVCAAKFESNFNT
END AA_SEQUENCE

BEGIN HA_INFO
ATOM se
NUMBER_PER_MONOMER 4
END HA_INFO

BEGIN SAMPLE pin1
END SAMPLE pin1

USER_SPACEGROUP P43212
USER_CELL 78.1 78.1 37.2 90 90 90

BEGIN WAVELENGTH PEAK
WAVELENGTH 0.97950
F' -8.5
F'' 5.1
RESOLUTION 1.6 30
BEGIN WAVELENGTH_STATISTICS
HIGH_RESOLUTION_LIMIT 1.55
END WAVELENGTH_STATISTICS
END WAVELENGTH PEAK

BEGIN WAVELENGTH INFL
WAVELENGTH 0.97960
END WAVELENGTH INFL

BEGIN SWEEP SWEEP1
WAVELENGTH PEAK
SAMPLE pin1
DIRECTORY /data/lyso
IMAGE lyso_1_0001.cbf
START_END 1 360
BEAM 105.2 101.9
DISTANCE 190.5
EPOCH 1600000000
OSCILLATION 0 0.5
EXCLUDE ICE
EXCLUDE 2.28 2.22
BEAMLINE i04
END SWEEP SWEEP1

BEGIN SWEEP SWEEP2
WAVELENGTH_ID INFL
DIRECTORY /data/lyso
IMAGE lyso_2_0001.cbf
REVERSEPHI
END SWEEP SWEEP2
END CRYSTAL lyso
END PROJECT demo
`

func TestParseXInfo(t *testing.T) {
	p, err := ParseXInfo(strings.NewReader(sampleXInfo))
	require.NoError(t, err)
	assert.Equal(t, "demo", p.Name)
	require.Len(t, p.Crystals, 1)

	c := p.Crystals[0]
	assert.Equal(t, "KVFGRCELAAAMKRHGLDNYRGYSLGNWVCAAKFESNFNT", c.Sequence)
	assert.Equal(t, map[string]string{"atom": "se", "number_per_monomer": "4"}, c.HAInfo)
	assert.Equal(t, "P43212", c.UserSpacegroup)
	require.NotNil(t, c.UserCell)
	assert.Equal(t, lattice.Cell{78.1, 78.1, 37.2, 90, 90, 90}, *c.UserCell)
	require.Len(t, c.Wavelengths, 2)

	peak := c.Wavelengths[0]
	assert.InDelta(t, 0.9795, peak.Wavelength, 1e-9)
	assert.InDelta(t, -8.5, peak.FPrime, 1e-9)
	assert.InDelta(t, 5.1, peak.FPPrime, 1e-9)
	assert.InDelta(t, 1.6, peak.DMin, 1e-9)
	assert.InDelta(t, 30, peak.DMax, 1e-9)
	assert.Equal(t, map[string]float64{"high_resolution_limit": 1.55}, peak.Statistics)

	require.Len(t, peak.Sweeps, 1)
	s := peak.Sweeps[0]
	assert.Equal(t, "SWEEP1", s.Name)
	assert.Equal(t, "pin1", s.Sample)
	assert.Equal(t, &[2]int{1, 360}, s.StartEnd)
	assert.Equal(t, &[2]float64{105.2, 101.9}, s.Beam)
	assert.InDelta(t, 190.5, s.Distance, 1e-9)
	assert.Equal(t, 1600000000, s.Epoch)
	assert.InDelta(t, 0.5, s.PhiWidth, 1e-9)
	assert.True(t, s.Ice)
	assert.Equal(t, [][2]float64{{2.28, 2.22}}, s.ExcludedRegions)
	assert.Equal(t, map[string]string{"BEAMLINE": "i04"}, s.Extra)
	assert.Equal(t, StatePending, s.State)
	assert.Equal(t, []string{"SWEEP1"}, c.Sample("pin1").Sweeps)

	infl := c.Wavelengths[1]
	require.Len(t, infl.Sweeps, 1)
	assert.Equal(t, "INFL", infl.Sweeps[0].Wavelength)
	assert.True(t, infl.Sweeps[0].ReversePhi)
}

func TestParseXInfoErrors(t *testing.T) {
	wrap := func(crystal string) string {
		return "BEGIN PROJECT p\nBEGIN CRYSTAL x\n" + crystal + "\nEND CRYSTAL x\nEND PROJECT p\n"
	}
	sweep := func(body string) string {
		return wrap("BEGIN WAVELENGTH w\nEND WAVELENGTH w\nBEGIN SWEEP s\nDIRECTORY /d\nIMAGE a_001.img\n" + body + "\nEND SWEEP s")
	}
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"project white space", "BEGIN PROJECT a b\n", "project name contains white space"},
		{"end project mismatch", "BEGIN PROJECT a\nEND PROJECT b\n", "END PROJECT"},
		{"no project", "BEGIN CRYSTAL x\nEND CRYSTAL x\n", "no BEGIN PROJECT"},
		{"duplicate crystal", "BEGIN PROJECT p\nBEGIN CRYSTAL x\nEND CRYSTAL x\nBEGIN CRYSTAL x\nEND CRYSTAL x\n", "crystal x already exists"},
		{"unterminated", "BEGIN PROJECT p\nBEGIN CRYSTAL x\n", "unexpected end of file in CRYSTAL block"},
		{"duplicate wavelength", wrap("BEGIN WAVELENGTH w\nEND WAVELENGTH w\nBEGIN WAVELENGTH w\nEND WAVELENGTH w"), "wavelength w already exists"},
		{"missing value", wrap("BEGIN WAVELENGTH w\nWAVELENGTH\nEND WAVELENGTH w"), "missing value for token WAVELENGTH"},
		{"bad resolution", wrap("BEGIN WAVELENGTH w\nRESOLUTION 1 2 3\nEND WAVELENGTH w"), "resolution dmin [dmax]"},
		{"unknown wavelength", sweep("WAVELENGTH v"), "wavelength v unknown for crystal x"},
		{"unknown sample", sweep("SAMPLE s1"), "sample s1 unknown"},
		{"start end count", sweep("START_END 1"), "START_END requires two parameters"},
		{"exclude order", sweep("EXCLUDE 2.2 2.3"), "upper must be greater than lower"},
		{"exclude count", sweep("EXCLUDE 2.2"), "EXCLUDE upper lower"},
		{"no image", wrap("BEGIN WAVELENGTH w\nEND WAVELENGTH w\nBEGIN SWEEP s\nDIRECTORY /d\nEND SWEEP s"), "needs DIRECTORY and IMAGE"},
		{"two sequences", wrap("BEGIN AA_SEQUENCE\nAA\nEND AA_SEQUENCE\nBEGIN AA_SEQUENCE\nBB\nEND AA_SEQUENCE"), "two SEQUENCE records"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseXInfo(strings.NewReader(tt.input))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParseXInfoSweepFilter(t *testing.T) {
	p, err := ParseXInfo(strings.NewReader(sampleXInfo), WithSweepFilter([]string{"sweep2"}, [][2]int{{5, 50}}))
	require.NoError(t, err)
	sweeps := p.Sweeps()
	require.Len(t, sweeps, 1)
	assert.Equal(t, "SWEEP2", sweeps[0].Name)
	assert.Equal(t, &[2]int{5, 50}, sweeps[0].StartEnd)
}

func TestImageTemplate(t *testing.T) {
	template, n, err := ImageTemplate("lyso_1_0042.cbf")
	require.NoError(t, err)
	assert.Equal(t, "lyso_1_####.cbf", template)
	assert.Equal(t, 42, n)

	template, n, err = ImageTemplate("th_8_1.0001.img.gz")
	require.NoError(t, err)
	assert.Equal(t, "th_8_1.####.img.gz", template)
	assert.Equal(t, 1, n)

	assert.Equal(t, "lyso_1_0360.cbf", TemplateImage("lyso_1_####.cbf", 360))

	_, _, err = ImageTemplate("notes.txt")
	assert.Error(t, err)
}

func TestSweepImages(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"x_0001.cbf", "x_0002.cbf", "x_0003.cbf", "y_0001.cbf", "x_0005.cbf"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o644))
	}
	s := &XSweep{Name: "s", Directory: dir, Image: "x_0001.cbf"}
	images, err := s.Images()
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3, 5}, images)
	assert.Equal(t, "x_####.cbf", s.Template)

	s.StartEnd = &[2]int{2, 4}
	images, err = s.Images()
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3, 4}, images)

	assert.Equal(t, [][2]int{{1, 3}, {5, 5}}, Runs([]int{1, 2, 3, 5}))
}

func TestSweepStateMachine(t *testing.T) {
	s := &XSweep{Name: "s"}
	require.NoError(t, s.Advance(StateIndexed))
	s.Indexing = &Indexing{Lattice: "tP"}

	var te *TransitionError
	require.ErrorAs(t, s.Advance(StateScaled), &te)
	assert.Equal(t, StateIndexed, te.From)

	require.NoError(t, s.Advance(StateIntegrated))
	s.Integration = &Integration{Reflections: "XDS_ASCII.HKL"}
	assert.True(t, s.Reached(StateIndexed))
	assert.False(t, s.Reached(StateScaled))

	require.NoError(t, s.Rewind(StateIndexed))
	assert.Nil(t, s.Integration)
	assert.NotNil(t, s.Indexing)
	require.NoError(t, s.Rewind(StatePending))
	assert.Nil(t, s.Indexing)
	assert.Error(t, s.Rewind(StateIntegrated))

	s.Fail(errors.New("boom"))
	assert.Equal(t, StateFailed, s.State)
	assert.Equal(t, "boom", s.Error)
	assert.Error(t, s.Advance(StateIndexed))
	assert.Error(t, s.Rewind(StatePending))
	assert.True(t, s.Reached(StateFailed))
	assert.False(t, s.Reached(StatePending))
}

func TestRemoveSweep(t *testing.T) {
	p, err := ParseXInfo(strings.NewReader(sampleXInfo))
	require.NoError(t, err)
	c := p.Crystals[0]
	s := c.Wavelengths[0].Sweeps[0]

	assert.True(t, c.RemoveSweep(s))
	assert.Empty(t, c.Wavelengths[0].Sweeps)
	assert.Empty(t, c.Sample("pin1").Sweeps)
	assert.False(t, c.RemoveSweep(s))
	assert.Len(t, p.Sweeps(), 1)
}

func TestCheckpointRepository(t *testing.T) {
	dir := t.TempDir()
	repo := NewRepository(dir)
	_, err := repo.Load()
	require.ErrorIs(t, err, ErrCheckpointNotFound)

	p, err := ParseXInfo(strings.NewReader(sampleXInfo))
	require.NoError(t, err)
	s := p.Sweeps()[0]
	require.NoError(t, s.Advance(StateIndexed))
	s.Indexing = &Indexing{Lattice: "tP", Spacegroup: 75, Cell: lattice.Cell{78, 78, 37, 90, 90, 90}}
	s.Refiner = &lattice.Snapshot{Queue: []string{"tP", "oC", "mP"}, Cursor: 0}

	require.NoError(t, repo.Save(Checkpoint{RunID: "r1", Pipeline: "3d", Stage: "integrate", Project: p}))
	loaded, err := repo.Load()
	require.NoError(t, err)
	assert.Equal(t, "r1", loaded.RunID)
	assert.Equal(t, p, loaded.Project)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, CheckpointFile, entries[0].Name())

	require.NoError(t, os.WriteFile(repo.Path(), []byte(`{"run_id": "x"}`), 0o644))
	_, err = repo.Load()
	assert.Error(t, err)
}

func TestMerge(t *testing.T) {
	saved, err := ParseXInfo(strings.NewReader(sampleXInfo))
	require.NoError(t, err)
	fresh, err := ParseXInfo(strings.NewReader(sampleXInfo))
	require.NoError(t, err)

	added, err := Merge(saved, fresh)
	require.NoError(t, err)
	assert.Empty(t, added)

	extra := &XSweep{Name: "SWEEP1", Directory: "/data/lyso", Image: "lyso_3_0001.cbf", Wavelength: "PEAK", Sample: "pin1"}
	fresh.Crystals[0].Wavelengths[0].Sweeps = append(fresh.Crystals[0].Wavelengths[0].Sweeps, extra)
	added, err = Merge(saved, fresh)
	require.NoError(t, err)
	assert.Equal(t, []string{"SWEEP3"}, added)
	peak := saved.Crystals[0].Wavelength("PEAK")
	require.Len(t, peak.Sweeps, 2)
	assert.Equal(t, "lyso_3_####.cbf", peak.Sweeps[1].Template)
	assert.Equal(t, []string{"SWEEP1", "SWEEP3"}, saved.Crystals[0].Sample("pin1").Sweeps)
	assert.Equal(t, "SWEEP1", extra.Name)
}

func integrated(name string, epoch, first, last int) *XSweep {
	return &XSweep{
		Name:        name,
		Epoch:       epoch,
		Template:    name + "_####.cbf",
		Integration: &Integration{Reflections: name + ".HKL", Images: [2]int{first, last}, HighestResolution: 1.5},
	}
}

func TestSweepInformationHandler(t *testing.T) {
	p := &XProject{Name: "demo", Crystals: []*XCrystal{{
		Name: "lyso",
		Wavelengths: []*XWavelength{
			{Name: "NATIVE", Sweeps: []*XSweep{integrated("b", 200, 1, 90), integrated("a", 100, 1, 360), {Name: "pending"}}},
		},
	}}}
	h, err := HandlerForCrystal(p, p.Crystals[0])
	require.NoError(t, err)
	assert.Equal(t, []int{100, 200}, h.Epochs())

	assert.Equal(t, 1000, h.AssignBatchOffsets())
	a, _ := h.SweepInformation(100)
	b, _ := h.SweepInformation(200)
	first, last := a.BatchRange()
	assert.Equal(t, [2]int{1, 360}, [2]int{first, last})
	first, last = b.BatchRange()
	assert.Equal(t, [2]int{1001, 1090}, [2]int{first, last})

	pname, xname, err := h.ProjectInfo()
	require.NoError(t, err)
	assert.Equal(t, "demo", pname)
	assert.Equal(t, "lyso", xname)

	data, err := json.Marshal(h)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"__id__":"SweepInformationHandler"`)
	var restored SweepInformationHandler
	require.NoError(t, json.Unmarshal(data, &restored))
	assert.Equal(t, h.Epochs(), restored.Epochs())
	rb, _ := restored.SweepInformation(200)
	assert.Equal(t, b, rb)

	require.Error(t, json.Unmarshal([]byte(`{"__id__":"Other"}`), &restored))

	b.ProjectInfo.XName = "other"
	_, _, err = h.ProjectInfo()
	assert.Error(t, err)

	require.NoError(t, h.RemoveEpoch(100))
	assert.Equal(t, []int{200}, h.Epochs())
	assert.Error(t, h.RemoveEpoch(200))
	assert.Error(t, h.RemoveEpoch(7))
}

func TestHandlerRejectsSharedEpochs(t *testing.T) {
	p := &XProject{Name: "demo", Crystals: []*XCrystal{{
		Name:        "lyso",
		Wavelengths: []*XWavelength{{Name: "NATIVE", Sweeps: []*XSweep{integrated("a", 5, 1, 10), integrated("b", 5, 1, 10)}}},
	}}}
	_, err := HandlerForCrystal(p, p.Crystals[0])
	assert.ErrorContains(t, err, "share epoch 5")

	_, err = NewSweepInformationHandler(nil)
	assert.Error(t, err)
}

func TestPowerOfTen(t *testing.T) {
	assert.Equal(t, 10, PowerOfTen(9))
	assert.Equal(t, 100, PowerOfTen(10))
	assert.Equal(t, 1000, PowerOfTen(360))
}

func TestFromImagesRoundTrip(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"th_1_001.img", "th_1_002.img", "th_1_003.img", "th_1_010.img", "th_1_011.img", "README"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o644))
	}
	p, err := FromImages([]string{dir})
	require.NoError(t, err)
	sweeps := p.Sweeps()
	require.Len(t, sweeps, 2)
	assert.Equal(t, "SWEEP1", sweeps[0].Name)
	assert.Equal(t, &[2]int{1, 3}, sweeps[0].StartEnd)
	assert.Equal(t, "th_1_010.img", sweeps[1].Image)
	assert.Equal(t, &[2]int{10, 11}, sweeps[1].StartEnd)

	var buf bytes.Buffer
	require.NoError(t, WriteXInfo(&buf, p))
	parsed, err := ParseXInfo(&buf)
	require.NoError(t, err)
	require.Len(t, parsed.Sweeps(), 2)
	got := parsed.Sweeps()[1]
	assert.Equal(t, sweeps[1].Directory, got.Directory)
	assert.Equal(t, sweeps[1].StartEnd, got.StartEnd)
	assert.Equal(t, DefaultWavelength, got.Wavelength)

	_, err = FromImages([]string{t.TempDir()})
	assert.Error(t, err)
}
