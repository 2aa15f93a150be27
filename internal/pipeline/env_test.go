package pipeline

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kingrea/xia2go/internal/lattice"
	"github.com/kingrea/xia2go/internal/project"
)

func TestNewDriverNumbersJobsAndOpensLog(t *testing.T) {
	env := symmetryEnv(t)
	dir := env.SweepDir("DEFAULT", "NATIVE", "SWEEP1")

	first, err := env.NewDriver(dir, "xycorr", false)
	if err != nil {
		t.Fatalf("new driver: %v", err)
	}
	second, err := env.NewDriver(dir, "colspot", true)
	if err != nil {
		t.Fatalf("new driver: %v", err)
	}
	if first.Xpid() != 1 || second.Xpid() != 2 {
		t.Fatalf("xpids = %d, %d, want 1, 2", first.Xpid(), second.Xpid())
	}
	if first.WorkingDirectory() != dir {
		t.Fatalf("working directory = %s", first.WorkingDirectory())
	}
	for _, name := range []string{"1_xycorr.log", "2_colspot.log"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("log %s: %v", name, err)
		}
	}
}

func TestNewDriverRejectsUnknownTransport(t *testing.T) {
	env := symmetryEnv(t)
	env.Config.Project.Multiprocessing.Driver = "carrier-pigeon"
	if _, err := env.NewDriver(t.TempDir(), "xds", false); err == nil {
		t.Fatal("expected unknown transport error")
	}
	// local jobs ignore the configured transport
	if _, err := env.NewDriver(t.TempDir(), "xds", true); err != nil {
		t.Fatalf("local driver: %v", err)
	}
}

func TestReadHeaderSkipsComments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "header.txt")
	body := "! detector\n\nNX=2463 NY=2527 QX=0.172 QY=0.172\n  DETECTOR_DISTANCE=265.3\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	records, err := readHeader(path)
	if err != nil {
		t.Fatalf("read header: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("records = %q", records)
	}
	if v, ok := headerValue(records, "detector_distance"); !ok || v != 265.3 {
		t.Fatalf("distance = %v, %v", v, ok)
	}
	if _, ok := headerValue(records, "OSCILLATION_RANGE"); ok {
		t.Fatal("unexpected oscillation range")
	}
	if records, err := readHeader(""); err != nil || records != nil {
		t.Fatalf("empty path: %q, %v", records, err)
	}
}

func TestOriginConvertsBeamToPixels(t *testing.T) {
	records := []string{"QX=0.1 QY=0.2"}
	got := origin(records, &[2]float64{20, 10})
	if got == nil || got[0] != 100 || got[1] != 100 {
		t.Fatalf("origin = %v", got)
	}
	if origin(records, nil) != nil {
		t.Fatal("origin without beam")
	}
	if origin([]string{"QX=0.1"}, &[2]float64{1, 1}) != nil {
		t.Fatal("origin without QY")
	}
}

func TestWriteSummary(t *testing.T) {
	proj := testProject("SWEEP1")
	c := proj.Crystals[0]
	c.Sequence = "MKVLAAGIV"
	c.Sweeps()[0].Integration = &project.Integration{Images: [2]int{1, 360}}
	c.Scaled = &project.Scaled{
		Spacegroup: "P 21 21 21",
		Cell:       lattice.Cell{51.2, 62.3, 71.4, 90, 90, 90},
		DMin:       1.75,
		Statistics: map[string]map[string][]float64{
			"NATIVE": {
				"Completeness": {99.5, 99.9, 97.0},
				"Rmerge":       {0.061, 0.032, 0.713},
			},
		},
	}
	var buf bytes.Buffer
	if err := WriteSummary(&buf, proj); err != nil {
		t.Fatalf("summary: %v", err)
	}
	out := buf.String()
	for _, want := range []string{
		"Project: AUTOMATIC",
		"Sequence length: 9",
		"Wavelength: NATIVE (0.97950)",
		"Sweep: SWEEP1 images 1 to 360",
		"For AUTOMATIC/DEFAULT/NATIVE:",
		"Resolution limit:  1.75",
		"Cell:  51.200  62.300  71.400  90.000  90.000  90.000",
		"Spacegroup: P 21 21 21",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("summary missing %q:\n%s", want, out)
		}
	}
	if strings.Index(out, "Completeness") > strings.Index(out, "Rmerge") {
		t.Fatalf("statistics out of order:\n%s", out)
	}
}
