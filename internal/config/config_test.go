package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, projectDir, body string) {
	t.Helper()
	xia2Dir := filepath.Join(projectDir, Xia2Dir)
	if err := os.MkdirAll(xia2Dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(xia2Dir, "config.yaml"), []byte(strings.TrimSpace(body)), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestNewConfigDefaultsWhenMissing(t *testing.T) {
	c, err := NewConfig(t.TempDir())
	if err != nil {
		t.Fatalf("NewConfig returned error: %v", err)
	}
	if c.Project.Version != 1 {
		t.Fatalf("expected default version == 1, got %d", c.Project.Version)
	}
	if c.Project.Pipeline != defaultPipeline {
		t.Fatalf("expected default pipeline %q, got %q", defaultPipeline, c.Project.Pipeline)
	}
	if c.Project.Multiprocessing.Mode != "serial" || c.Project.Multiprocessing.NJob != 1 {
		t.Fatalf("unexpected multiprocessing defaults: %+v", c.Project.Multiprocessing)
	}
	p := c.ResolutionParams()
	if p.CCHalf != 0.5 || p.ISigma != 0.25 || p.MISigma != 1.0 {
		t.Fatalf("unexpected resolution defaults: %+v", p)
	}
	if c.UserCell() != nil {
		t.Fatalf("expected no user cell")
	}
}

func TestInitXia2DirWritesLoadableDefaults(t *testing.T) {
	projectDir := t.TempDir()
	if err := InitXia2Dir(projectDir); err != nil {
		t.Fatalf("InitXia2Dir returned error: %v", err)
	}
	if _, err := os.Stat(filepath.Join(projectDir, Xia2Dir, "logs")); err != nil {
		t.Fatalf("expected logs dir: %v", err)
	}
	c, err := NewConfig(projectDir)
	if err != nil {
		t.Fatalf("default config.yaml does not load: %v", err)
	}
	if !c.Project.Lattice.ReintegrateCorrectLattice {
		t.Fatalf("expected reintegrate_correct_lattice from defaults")
	}
	if c.Project.Queue.Subject != defaultSubject {
		t.Fatalf("wrong queue subject: %s", c.Project.Queue.Subject)
	}
}

func TestLoadProjectConfigParsesYaml(t *testing.T) {
	projectDir := t.TempDir()
	writeConfig(t, projectDir, `
version: 1
pipeline: 3DD
failover: true
multiprocessing:
  mode: Parallel
  njob: 4
  nproc: 8
  driver: qsub
  qsub_command: qsub -V
  qsub_poll: 10s
  local_every: 3
resolution:
  d_min: 30
  d_max: 1.8
  cc_half: 0.3
  isigma: 1
  misigma: 2
lattice:
  spacegroup: P 21 21 21
  cell: [51.2, 62.0, 71.5, 90, 90, 90]
`)
	c, err := NewConfig(projectDir)
	if err != nil {
		t.Fatalf("NewConfig returned error: %v", err)
	}
	if c.Project.Pipeline != "3dd" {
		t.Fatalf("pipeline not normalised: %s", c.Project.Pipeline)
	}
	mp := c.Project.Multiprocessing
	if mp.Mode != "parallel" || mp.NJob != 4 || mp.NProc != 8 || mp.LocalEvery != 3 {
		t.Fatalf("unexpected multiprocessing: %+v", mp)
	}
	if mp.QSubPoll != 10*time.Second {
		t.Fatalf("qsub_poll: got %s", mp.QSubPoll)
	}
	if c.Project.Resolution.DMin != 1.8 || c.Project.Resolution.DMax != 30 {
		t.Fatalf("resolution limits not ordered: %+v", c.Project.Resolution)
	}
	cell := c.UserCell()
	if cell == nil || cell[2] != 71.5 {
		t.Fatalf("unexpected user cell %v", cell)
	}
}

func TestLoadProjectConfigValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"mode", "multiprocessing:\n  mode: cluster", "multiprocessing.mode"},
		{"qsub", "multiprocessing:\n  driver: qsub", "qsub_command"},
		{"cell", "lattice:\n  spacegroup: P1\n  cell: [1, 2, 3]", "six values"},
		{"cell without spacegroup", "lattice:\n  cell: [1, 2, 3, 90, 90, 90]", "requires lattice.spacegroup"},
		{"level", "logging:\n  level: chatty", "not a level"},
		{"targets", "resolution:\n  isigma: -1", "targets"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			projectDir := t.TempDir()
			writeConfig(t, projectDir, tt.body)
			_, err := NewConfig(projectDir)
			if err == nil {
				t.Fatalf("expected validation error but got none")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestEnvFileOverridesQueueURL(t *testing.T) {
	projectDir := t.TempDir()
	t.Setenv(EnvNATSURL, "")
	os.Unsetenv(EnvNATSURL)
	if err := os.WriteFile(filepath.Join(projectDir, ".env"), []byte(EnvNATSURL+"=nats://queue.example:4222\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	c, err := NewConfig(projectDir)
	if err != nil {
		t.Fatalf("NewConfig returned error: %v", err)
	}
	if c.Project.Queue.URL != "nats://queue.example:4222" {
		t.Fatalf("queue url not taken from .env: %s", c.Project.Queue.URL)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	c, err := NewConfig(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	c.Project.Failover = true
	c.Project.Multiprocessing.NJob = 2
	if err := c.Save(); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}
	again, err := NewConfig(c.ProjectDir)
	if err != nil {
		t.Fatal(err)
	}
	if !again.Project.Failover || again.Project.Multiprocessing.NJob != 2 {
		t.Fatalf("saved config not reloaded: %+v", again.Project)
	}
}
