package tui

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/kingrea/xia2go/internal/config"
	"github.com/kingrea/xia2go/internal/logbook"
	"github.com/kingrea/xia2go/internal/project"
)

// boardRefreshInterval is the polling period when file watching is
// unavailable.
const boardRefreshInterval = 3 * time.Second

type checkpointMsg struct {
	checkpoint project.Checkpoint
	err        error
}

type fileChangedMsg struct{}

type watchErrMsg struct{ err error }

// AppOption customizes the App.
type AppOption func(*App)

// WithStore reads checkpoints from store instead of the project directory.
func WithStore(store project.CheckpointStore) AppOption {
	return func(a *App) { a.store = store }
}

// WithoutWatcher polls instead of watching the project directory.
func WithoutWatcher() AppOption {
	return func(a *App) { a.noWatch = true }
}

// App follows a processing directory: the sweeps of the last checkpoint,
// the selected sweep or crystal, and the tail of the journal.
type App struct {
	config  *config.Config
	store   project.CheckpointStore
	logbook *logbook.Logbook
	watcher *Watcher
	noWatch bool

	sweeps     list.Model
	checkpoint project.Checkpoint
	loaded     bool
	loadErr    string
	statusMsg  string
	showCell   bool

	width  int
	height int
}

// sweepItem implements list.Item for one sweep.
type sweepItem struct {
	crystal string
	sweep   *project.XSweep
}

func (i sweepItem) Title() string { return i.sweep.Name }
func (i sweepItem) Description() string {
	parts := []string{string(sweepState(i.sweep)), i.crystal}
	if i.sweep.Indexing != nil {
		parts = append(parts, i.sweep.Indexing.Lattice)
	}
	return strings.Join(parts, " · ")
}
func (i sweepItem) FilterValue() string { return i.sweep.Name }

// NewApp monitors the processing directory of cfg.
func NewApp(cfg *config.Config, opts ...AppOption) (*App, error) {
	book, err := logbook.Open(cfg.ProjectDir)
	if err != nil {
		return nil, err
	}
	sweeps := list.New(nil, list.NewDefaultDelegate(), 0, 0)
	sweeps.Title = "Sweeps"
	sweeps.SetShowStatusBar(false)
	sweeps.SetFilteringEnabled(false)

	app := &App{
		config:  cfg,
		store:   project.NewRepository(cfg.ProjectDir),
		logbook: book,
		sweeps:  sweeps,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(app)
		}
	}
	if !app.noWatch {
		w, err := NewWatcher(cfg.ProjectDir, 0, project.CheckpointFile, logbook.JournalName)
		if err != nil {
			app.statusMsg = fmt.Sprintf("Polling every %s: %v", boardRefreshInterval, err)
		} else {
			app.watcher = w
		}
	}
	return app, nil
}

// Close stops the file watcher.
func (a *App) Close() error {
	if a.watcher == nil {
		return nil
	}
	return a.watcher.Close()
}

func (a *App) Init() tea.Cmd {
	return tea.Batch(a.loadCheckpoint(), a.waitForChange())
}

func (a *App) loadCheckpoint() tea.Cmd {
	return func() tea.Msg {
		cp, err := a.store.Load()
		return checkpointMsg{checkpoint: cp, err: err}
	}
}

func (a *App) waitForChange() tea.Cmd {
	if a.watcher == nil {
		return tea.Tick(boardRefreshInterval, func(time.Time) tea.Msg { return fileChangedMsg{} })
	}
	w := a.watcher
	return func() tea.Msg {
		select {
		case _, ok := <-w.Changes():
			if !ok {
				return nil
			}
			return fileChangedMsg{}
		case err := <-w.Errors():
			return watchErrMsg{err: err}
		}
	}
}

// Update is called when a message is received.
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.sweeps.SetSize(max(0, msg.Width/2-6), max(0, msg.Height-14))
		return a, nil

	case checkpointMsg:
		a.applyCheckpoint(msg)
		return a, nil

	case fileChangedMsg:
		return a, tea.Batch(a.loadCheckpoint(), a.waitForChange())

	case watchErrMsg:
		a.statusMsg = fmt.Sprintf("Watcher: %v", msg.err)
		return a, a.waitForChange()

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			_ = a.Close()
			return a, tea.Quit
		case "r":
			a.statusMsg = "Reloading checkpoint..."
			return a, a.loadCheckpoint()
		case "c":
			a.showCell = !a.showCell
			return a, nil
		}
	}

	var cmd tea.Cmd
	a.sweeps, cmd = a.sweeps.Update(msg)
	return a, cmd
}

func (a *App) applyCheckpoint(msg checkpointMsg) {
	if msg.err != nil {
		if errors.Is(msg.err, project.ErrCheckpointNotFound) {
			a.loadErr = "No checkpoint yet. Waiting for the pipeline..."
		} else {
			a.loadErr = msg.err.Error()
		}
		return
	}
	a.loadErr = ""
	a.loaded = true
	a.checkpoint = msg.checkpoint
	var items []list.Item
	for _, c := range msg.checkpoint.Project.Crystals {
		for _, s := range c.Sweeps() {
			items = append(items, sweepItem{crystal: c.Name, sweep: s})
		}
	}
	selected := a.sweeps.Index()
	a.sweeps.SetItems(items)
	if selected < len(items) {
		a.sweeps.Select(selected)
	}
	a.statusMsg = fmt.Sprintf("Checkpoint %s · %d sweep(s)", msg.checkpoint.Stage, len(items))
}

// selected returns the highlighted sweep and its crystal.
func (a *App) selected() (*project.XCrystal, *project.XSweep) {
	item, ok := a.sweeps.SelectedItem().(sweepItem)
	if !ok || !a.loaded {
		return nil, nil
	}
	for _, c := range a.checkpoint.Project.Crystals {
		if c.Name == item.crystal {
			return c, item.sweep
		}
	}
	return nil, item.sweep
}

func (a *App) View() string {
	width := a.width
	if width <= 0 {
		width = 100
	}
	rightWidth := max(32, width/2)
	leftWidth := width - rightWidth - 4
	if leftWidth < 30 {
		leftWidth = width - 4
		rightWidth = 0
	}

	header := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#FF6B6B")).
		MarginBottom(1).
		Render("⬡ XIA2")

	left := lipgloss.JoinVertical(lipgloss.Left,
		a.renderRunPanel(leftWidth-4),
		"",
		a.sweeps.View(),
	)
	leftBox := boxStyle().Width(max(20, leftWidth)).Render(left)
	body := leftBox
	if rightWidth > 0 {
		c, s := a.selected()
		right := lipgloss.JoinVertical(lipgloss.Left,
			renderSweepDetail(s, rightWidth-4),
			"",
			renderCrystalPanel(c, a.showCell, rightWidth-4),
		)
		rightBox := boxStyle().Width(max(20, rightWidth)).Render(right)
		body = lipgloss.JoinHorizontal(lipgloss.Top, leftBox, rightBox)
	}

	sections := []string{header, body}
	if logPanel := a.renderLogPanel(); logPanel != "" {
		sections = append(sections, logPanel)
	}
	footer := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#888888")).
		MarginTop(1).
		Render(a.statusMsg + "    r → reload    c → cell    q → quit")
	sections = append(sections, footer)
	return strings.Join(sections, "\n")
}

func (a *App) renderRunPanel(width int) string {
	var lines []string
	switch {
	case a.loadErr != "":
		lines = append(lines, fmt.Sprintf("⚠ %s", a.loadErr))
	case !a.loaded:
		lines = append(lines, "Loading checkpoint...")
	default:
		cp := a.checkpoint
		lines = append(lines,
			fmt.Sprintf("Project: %s · pipeline %s", cp.Project.Name, cp.Pipeline),
			fmt.Sprintf("Stage: %s · updated %s ago", titleCase(cp.Stage), humanizeDuration(time.Since(cp.UpdatedAt))),
			fmt.Sprintf("Run: %s", cp.RunID),
		)
	}
	return lipgloss.NewStyle().Width(max(20, width)).Render(strings.Join(lines, "\n"))
}

func (a *App) renderLogPanel() string {
	lines, total := a.logbook.Tail(8)
	if len(lines) == 0 {
		return ""
	}
	fileName := filepath.Base(a.logbook.Path())
	head := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#5B8DEF")).
		Render(fmt.Sprintf("LOG · %s · %d line(s)", fileName, total))
	logBody := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#AAAAAA")).
		Render(strings.Join(lines, "\n"))
	return boxStyle().Render(fmt.Sprintf("%s\n%s", head, logBody))
}

func boxStyle() lipgloss.Style {
	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("#444444")).
		Padding(0, 1)
}

func titleCase(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	lower := strings.ToLower(value)
	return strings.ToUpper(lower[:1]) + lower[1:]
}

func humanizeDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	return fmt.Sprintf("%dh", int(d.Hours()))
}
