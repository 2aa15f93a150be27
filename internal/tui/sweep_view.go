package tui

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/kingrea/xia2go/internal/project"
)

var stateColors = map[project.State]string{
	project.StatePending:    "#888888",
	project.StateIndexed:    "#F4D35E",
	project.StateIntegrated: "#5B8DEF",
	project.StateScaled:     "#9D7CD8",
	project.StateMerged:     "#4ECB71",
	project.StateFailed:     "#FF6B6B",
}

func sweepState(s *project.XSweep) project.State {
	if s.State == "" {
		return project.StatePending
	}
	return s.State
}

func titleStyle() lipgloss.Style {
	return lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#5B8DEF"))
}

func renderSweepDetail(s *project.XSweep, width int) string {
	style := lipgloss.NewStyle().Width(max(20, width))
	if s == nil {
		return style.Render("No sweep selected.")
	}
	state := sweepState(s)
	badge := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color(stateColors[state])).
		Render(strings.ToUpper(string(state)))
	lines := []string{
		titleStyle().Render(fmt.Sprintf("Sweep %s", s.Name)) + "  " + badge,
		fmt.Sprintf("Wavelength: %s", s.Wavelength),
		fmt.Sprintf("Images: %s", imageTemplate(s)),
	}
	if s.Error != "" {
		lines = append(lines, fmt.Sprintf("⚠ %s", s.Error))
	}
	if ix := s.Indexing; ix != nil {
		line := fmt.Sprintf("Indexed: %s (SG %d)", ix.Lattice, ix.Spacegroup)
		if ix.Strategy != "" {
			line += fmt.Sprintf(" · %s", ix.Strategy)
		}
		lines = append(lines, line, fmt.Sprintf("Cell: %s", formatCell(ix.Cell)))
		if ix.Mosaic > 0 {
			lines = append(lines, fmt.Sprintf("Mosaic: %.3f°", ix.Mosaic))
		}
	}
	if s.Refiner != nil && len(s.Refiner.Queue) > 0 {
		remaining := s.Refiner.Queue[min(s.Refiner.Cursor, len(s.Refiner.Queue)):]
		lines = append(lines, fmt.Sprintf("Lattices left: %s", strings.Join(remaining, " → ")))
	}
	if in := s.Integration; in != nil {
		lines = append(lines, fmt.Sprintf("Integrated: images %d-%d", in.Images[0], in.Images[1]))
		if in.RMSDPixel > 0 {
			lines = append(lines, fmt.Sprintf("RMSD: %.2f px · %.3f°", in.RMSDPixel, in.RMSDPhi))
		}
		if in.ResolutionEstimate > 0 {
			lines = append(lines, fmt.Sprintf("Resolution estimate: %.2f Å", in.ResolutionEstimate))
		}
	}
	return style.Render(strings.Join(lines, "\n"))
}

func imageTemplate(s *project.XSweep) string {
	name := s.Template
	if name == "" {
		name = s.Image
	}
	if s.StartEnd != nil {
		name += fmt.Sprintf(" [%d-%d]", s.StartEnd[0], s.StartEnd[1])
	}
	return name
}

func renderCrystalPanel(c *project.XCrystal, showCell bool, width int) string {
	style := lipgloss.NewStyle().Width(max(20, width))
	if c == nil {
		return ""
	}
	lines := []string{titleStyle().Render(fmt.Sprintf("Crystal %s", c.Name))}
	sc := c.Scaled
	if sc == nil {
		lines = append(lines, "Not scaled yet.")
		return style.Render(strings.Join(lines, "\n"))
	}
	lines = append(lines, fmt.Sprintf("Spacegroup: %s (pointgroup %s)", sc.Spacegroup, sc.Pointgroup))
	if sc.DMin > 0 {
		line := fmt.Sprintf("Resolution: %.2f Å", sc.DMin)
		if sc.Limits.Limiting != "" {
			line += fmt.Sprintf(" · limited by %s", sc.Limits.Limiting)
		}
		lines = append(lines, line)
	}
	if showCell {
		lines = append(lines, fmt.Sprintf("Cell: %s", formatCell(sc.Cell)))
	}
	datasets := make([]string, 0, len(sc.Statistics))
	for name := range sc.Statistics {
		datasets = append(datasets, name)
	}
	sort.Strings(datasets)
	for _, name := range datasets {
		stats := sc.Statistics[name]
		line := name
		for _, key := range []string{"Completeness", "Multiplicity", "I/sigma"} {
			if v := stats[key]; len(v) > 0 {
				line += fmt.Sprintf(" · %s %.1f", key, v[0])
			}
		}
		lines = append(lines, line)
	}
	return style.Render(strings.Join(lines, "\n"))
}

func formatCell(c [6]float64) string {
	return fmt.Sprintf("%.2f %.2f %.2f %.1f %.1f %.1f", c[0], c[1], c[2], c[3], c[4], c[5])
}
