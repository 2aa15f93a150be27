package tui

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/kingrea/xia2go/internal/config"
	"github.com/kingrea/xia2go/internal/lattice"
	"github.com/kingrea/xia2go/internal/project"
)

func testCheckpoint() project.Checkpoint {
	s1 := &project.XSweep{
		Name:       "SWEEP1",
		Wavelength: "NATIVE",
		Template:   "x_####.cbf",
		State:      project.StateMerged,
		Indexing:   &project.Indexing{Lattice: "oP", Spacegroup: 16, Cell: lattice.Cell{51, 62, 71, 90, 90, 90}},
	}
	s2 := &project.XSweep{Name: "SWEEP2", Wavelength: "NATIVE", State: project.StateFailed, Error: "IDXREF failed"}
	return project.Checkpoint{
		RunID:     "run-1",
		Pipeline:  "3d",
		Stage:     "scaled",
		UpdatedAt: time.Now(),
		Project: &project.XProject{
			Name: "AUTOMATIC",
			Crystals: []*project.XCrystal{{
				Name:        "DEFAULT",
				Wavelengths: []*project.XWavelength{{Name: "NATIVE", Sweeps: []*project.XSweep{s1, s2}}},
				Scaled: &project.Scaled{
					Spacegroup: "P 21 21 21",
					Pointgroup: "P 2 2 2",
					DMin:       1.8,
					Cell:       lattice.Cell{51, 62, 71, 90, 90, 90},
					Statistics: map[string]map[string][]float64{"NATIVE": {"Completeness": {99.2}}},
				},
			}},
		},
	}
}

func newTestApp(t *testing.T, opts ...AppOption) (*App, *project.Repository) {
	t.Helper()
	dir := t.TempDir()
	cfg, err := config.NewConfig(dir)
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	repo := project.NewRepository(dir)
	app, err := NewApp(cfg, append([]AppOption{WithStore(repo)}, opts...)...)
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	t.Cleanup(func() { _ = app.Close() })
	app.Update(tea.WindowSizeMsg{Width: 140, Height: 40})
	return app, repo
}

func TestAppShowsCheckpoint(t *testing.T) {
	app, repo := newTestApp(t, WithoutWatcher())
	if err := repo.Save(testCheckpoint()); err != nil {
		t.Fatalf("save: %v", err)
	}
	app.Update(app.loadCheckpoint()())
	view := app.View()
	for _, want := range []string{"SWEEP1", "SWEEP2", "pipeline 3d", "Run: run-1", "Spacegroup: P 21 21 21", "Indexed: oP"} {
		if !strings.Contains(view, want) {
			t.Fatalf("view missing %q:\n%s", want, view)
		}
	}
	app.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("c")})
	if !app.showCell {
		t.Fatal("c should toggle the crystal cell")
	}
	if n := strings.Count(app.View(), "Cell: 51.00"); n != 2 {
		t.Fatalf("expected sweep and crystal cells, got %d", n)
	}
}

func TestAppWaitsForFirstCheckpoint(t *testing.T) {
	app, _ := newTestApp(t, WithoutWatcher())
	app.Update(app.loadCheckpoint()())
	if !strings.Contains(app.View(), "No checkpoint yet") {
		t.Fatalf("expected waiting notice:\n%s", app.View())
	}
	if app.loaded {
		t.Fatal("app should not be loaded")
	}
}

func TestAppShowsFailedSweep(t *testing.T) {
	app, repo := newTestApp(t, WithoutWatcher())
	if err := repo.Save(testCheckpoint()); err != nil {
		t.Fatalf("save: %v", err)
	}
	app.Update(app.loadCheckpoint()())
	app.sweeps.Select(1)
	_, s := app.selected()
	if s == nil || s.Name != "SWEEP2" {
		t.Fatalf("selected = %+v", s)
	}
	if view := app.View(); !strings.Contains(view, "IDXREF failed") {
		t.Fatalf("view missing failure:\n%s", view)
	}
}

func TestAppQuits(t *testing.T) {
	app, _ := newTestApp(t, WithoutWatcher())
	_, cmd := app.Update(tea.KeyMsg{Type: tea.KeyCtrlC})
	if cmd == nil {
		t.Fatal("expected quit command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Fatal("ctrl+c should quit")
	}
}

func TestWatcherReportsCheckpointWrites(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWatcher(dir, 20*time.Millisecond, project.CheckpointFile)
	if err != nil {
		t.Fatalf("watcher: %v", err)
	}
	defer w.Close()

	if err := os.WriteFile(filepath.Join(dir, "other.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case <-w.Changes():
		t.Fatal("unrelated file should be ignored")
	case <-time.After(100 * time.Millisecond):
	}

	if err := project.NewRepository(dir).Save(testCheckpoint()); err != nil {
		t.Fatalf("save: %v", err)
	}
	select {
	case <-w.Changes():
	case <-time.After(2 * time.Second):
		t.Fatal("no change reported for checkpoint")
	}
}
