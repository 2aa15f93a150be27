// Package dials wraps dials.scale, the DIALS scaling program.
package dials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/kingrea/xia2go/internal/driver"
	"github.com/kingrea/xia2go/internal/lattice"
	"go.uber.org/zap"
)

// Executable is the program name resolved on PATH.
const Executable = "dials.scale"

// Intensity choices accepted by SetIntensities.
const (
	IntensitySummation = "summation"
	IntensityProfile   = "profile"
	IntensityCombine   = "combine"
)

// Filtering configures ΔCC½ filtering. An empty Method disables it.
type Filtering struct {
	Method            string  `yaml:"method" json:"method"`
	MaxCycles         int     `yaml:"max_cycles" json:"max_cycles"`
	MaxPercentRemoved float64 `yaml:"max_percent_removed" json:"max_percent_removed"`
	MinCompleteness   float64 `yaml:"min_completeness" json:"min_completeness"`
	Mode              string  `yaml:"mode" json:"mode"`
	GroupSize         int     `yaml:"group_size" json:"group_size"`
	StdCutoff         float64 `yaml:"stdcutoff" json:"stdcutoff"`
}

// Params are the scaling options. Zero values leave the dials.scale default
// in place, except where DefaultParams says otherwise.
type Params struct {
	// Model is physical, dose_decay, array or KB.
	Model         string  `yaml:"model" json:"model"`
	Decay         bool    `yaml:"decay" json:"decay"`
	DecayInterval float64 `yaml:"decay_interval" json:"decay_interval"`
	Absorption    bool    `yaml:"absorption" json:"absorption"`
	// AbsorptionLevel is low, medium or high.
	AbsorptionLevel      string   `yaml:"absorption_level" json:"absorption_level"`
	Lmax                 int      `yaml:"lmax" json:"lmax"`
	SharedAbsorption     bool     `yaml:"shared_absorption" json:"shared_absorption"`
	ScaleInterval        float64  `yaml:"scale_interval" json:"scale_interval"`
	SurfaceWeight        float64  `yaml:"surface_weight" json:"surface_weight"`
	ShareDecay           *bool    `yaml:"share_decay" json:"share_decay,omitempty"`
	ResolutionDependence string   `yaml:"resolution_dependence" json:"resolution_dependence"`
	FullMatrix           bool     `yaml:"full_matrix" json:"full_matrix"`
	ErrorModel           string   `yaml:"error_model" json:"error_model"`
	ErrorModelGrouping   string   `yaml:"error_model_grouping" json:"error_model_grouping"`
	ErrorModelGroups     []string `yaml:"error_model_groups" json:"error_model_groups"`
	OutlierRejection     string   `yaml:"outlier_rejection" json:"outlier_rejection"`
	OutlierZMax          float64  `yaml:"outlier_zmax" json:"outlier_zmax"`
	MinPartiality        *float64 `yaml:"min_partiality" json:"min_partiality,omitempty"`
	PartialityCutoff     *float64 `yaml:"partiality_cutoff" json:"partiality_cutoff,omitempty"`
	Anomalous            bool     `yaml:"anomalous" json:"anomalous"`
	DMin                 float64  `yaml:"d_min" json:"d_min"`
	DMax                 float64  `yaml:"d_max" json:"d_max"`
	MaxIterations        int      `yaml:"max_iterations" json:"max_iterations"`
	ResolutionBins       int      `yaml:"n_resolution_bins" json:"n_resolution_bins"`
	AbsorptionBins       int      `yaml:"n_absorption_bins" json:"n_absorption_bins"`

	Filtering Filtering `yaml:"filtering" json:"filtering"`
}

// DefaultParams enables decay and absorption correction with full-matrix
// refinement.
func DefaultParams() Params {
	return Params{Decay: true, Absorption: true, FullMatrix: true}
}

// Scale is a configured dials.scale run.
type Scale struct {
	driver.ProcessHandle
	Params

	logger      *zap.Logger
	nproc       int
	experiments []string
	reflections []string

	intensities     string
	isigmaRange     *[2]float64
	selectionMethod string
	bestCell        *lattice.Cell
	overwriteModels bool
	crystalName     string
	projectName     string

	scaledExperiments string
	scaledReflections string
	html              string
	unmergedMTZ       string
	mergedMTZ         string
	filterResults     json.RawMessage
}

// New wraps handle for dials.scale. nproc above one is passed on.
func New(handle driver.ProcessHandle, logger *zap.Logger, nproc int) (*Scale, error) {
	if handle.Executable() == "" {
		if err := handle.SetExecutable(Executable); err != nil {
			return nil, err
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scale{ProcessHandle: handle, Params: DefaultParams(), logger: logger, nproc: nproc}, nil
}

// AddData adds one experiments/reflections pair.
func (s *Scale) AddData(experiments, reflections string) {
	s.experiments = append(s.experiments, experiments)
	s.reflections = append(s.reflections, reflections)
}

func (s *Scale) AddExperiments(path string) { s.experiments = append(s.experiments, path) }
func (s *Scale) AddReflections(path string) { s.reflections = append(s.reflections, path) }

// ClearData drops the inputs and the previous outputs.
func (s *Scale) ClearData() {
	s.experiments, s.reflections = nil, nil
	s.scaledExperiments, s.scaledReflections = "", ""
}

// SetIntensities chooses summation, profile or combined intensities.
func (s *Scale) SetIntensities(choice string) error {
	switch choice {
	case IntensitySummation, IntensityProfile, IntensityCombine:
		s.intensities = choice
		return nil
	}
	return fmt.Errorf("dials: unknown intensity choice %q", choice)
}

func (s *Scale) SetISigmaRange(low, high float64)     { s.isigmaRange = &[2]float64{low, high} }
func (s *Scale) SetSelectionMethod(method string)     { s.selectionMethod = method }
func (s *Scale) SetBestUnitCell(cell lattice.Cell)    { s.bestCell = &cell }
func (s *Scale) SetOverwriteExistingModels(o bool)    { s.overwriteModels = o }
func (s *Scale) SetCrystalName(name string)           { s.crystalName = name }
func (s *Scale) SetProjectName(name string)           { s.projectName = name }
func (s *Scale) SetScaledMTZ(path string)             { s.mergedMTZ = path }
func (s *Scale) ScaledMTZ() string                    { return s.mergedMTZ }
func (s *Scale) SetScaledUnmergedMTZ(path string)     { s.unmergedMTZ = path }
func (s *Scale) ScaledUnmergedMTZ() string            { return s.unmergedMTZ }
func (s *Scale) SetHTML(path string)                  { s.html = path }
func (s *Scale) HTML() string                         { return s.html }
func (s *Scale) ScaledExperiments() string            { return s.scaledExperiments }
func (s *Scale) ScaledReflections() string            { return s.scaledReflections }
func (s *Scale) FilterResults() json.RawMessage       { return s.filterResults }
func (s *Scale) SetResolution(dMin, dMax float64)     { s.DMin, s.DMax = dMin, dMax }
func (s *Scale) SetDecay(on bool, interval float64)   { s.Decay, s.DecayInterval = on, interval }
func (s *Scale) SetOutlierRejection(method string)    { s.OutlierRejection = method }
func (s *Scale) SetFiltering(filtering Filtering)     { s.Filtering = filtering }
func (s *Scale) SetErrorModel(model, grouping string) { s.ErrorModel, s.ErrorModelGrouping = model, grouping }
func (s *Scale) SetAbsorption(on bool, level string)  { s.Absorption, s.AbsorptionLevel = on, level }
func (s *Scale) SetModel(model string)                { s.Model = model }
func (s *Scale) SetScaleInterval(deg float64)         { s.ScaleInterval = deg }
func (s *Scale) SetMaxIterations(n int)               { s.MaxIterations = n }
func (s *Scale) SetAnomalous(on bool)                 { s.Anomalous = on }

func pyBool(b bool) string {
	if b {
		return "True"
	}
	return "False"
}

func g(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }

func (s *Scale) checkData() error {
	if len(s.experiments) == 0 || len(s.reflections) == 0 {
		return errors.New("dials: no experiments or reflections to scale")
	}
	if len(s.experiments) != len(s.reflections) {
		return fmt.Errorf("dials: %d experiments but %d reflection files", len(s.experiments), len(s.reflections))
	}
	for _, f := range append(append([]string(nil), s.experiments...), s.reflections...) {
		info, err := os.Stat(f)
		if err != nil || info.IsDir() {
			return fmt.Errorf("dials: input %s does not exist", f)
		}
	}
	return nil
}

func (s *Scale) outputPath(name string) string {
	return filepath.Join(s.WorkingDirectory(), fmt.Sprintf("%d_%s", s.Xpid(), name))
}

// commandLine builds the dials.scale arguments, filling in default output
// paths.
func (s *Scale) commandLine() []string {
	p := s.Params
	args := append(append([]string(nil), s.experiments...), s.reflections...)
	add := func(format string, v ...any) { args = append(args, fmt.Sprintf(format, v...)) }

	if s.nproc > 1 {
		add("nproc=%d", s.nproc)
	}
	if p.Anomalous {
		add("anomalous=True")
	}
	switch s.intensities {
	case IntensitySummation:
		add("intensity_choice=sum")
	case IntensityProfile:
		add("intensity_choice=profile")
	}

	m := p.Model
	if m != "" {
		add("model=%s", m)
		add("%s.decay_correction=%s", m, pyBool(p.Decay))
	}
	if m == "physical" || m == "dose_decay" || m == "array" {
		add("%s.absorption_correction=%s", m, pyBool(p.Absorption))
	}
	if (m == "physical" || m == "array") && p.Decay && p.DecayInterval != 0 {
		add("%s.decay_interval=%s", m, g(p.DecayInterval))
	}
	if m == "dose_decay" && p.ShareDecay != nil {
		add("%s.share.decay=%s", m, pyBool(*p.ShareDecay))
	}
	if m == "dose_decay" && p.ResolutionDependence != "" {
		add("%s.resolution_dependence=%s", m, p.ResolutionDependence)
	}
	if (m == "physical" || m == "dose_decay") && p.Absorption && p.Lmax > 0 {
		add("%s.lmax=%d", m, p.Lmax)
	}
	if p.AbsorptionLevel != "" {
		add("absorption_level=%s", p.AbsorptionLevel)
	}
	if (m == "physical" || m == "dose_decay") && p.ScaleInterval != 0 {
		add("%s.scale_interval=%s", m, g(p.ScaleInterval))
	}
	if m == "physical" && p.SurfaceWeight != 0 {
		add("%s.surface_weight=%s", m, g(p.SurfaceWeight))
	}
	if p.SharedAbsorption {
		add("share.absorption=True")
	}

	add("full_matrix=%s", pyBool(p.FullMatrix))
	if p.ErrorModel != "" {
		add("error_model=%s", p.ErrorModel)
	}
	if p.ErrorModelGrouping != "" {
		add("error_model.grouping=%s", p.ErrorModelGrouping)
	}
	if p.ErrorModelGrouping == "grouped" {
		for _, group := range p.ErrorModelGroups {
			add("error_model_group=%s", group)
		}
	}
	if p.OutlierRejection != "" {
		add("outlier_rejection=%s", p.OutlierRejection)
	}
	if p.MinPartiality != nil {
		add("min_partiality=%s", g(*p.MinPartiality))
	}
	if p.PartialityCutoff != nil {
		add("partiality_cutoff=%s", g(*p.PartialityCutoff))
	}
	if s.isigmaRange != nil {
		add("reflection_selection.Isigma_range=%f,%f", s.isigmaRange[0], s.isigmaRange[1])
	}
	if s.selectionMethod != "" {
		add("reflection_selection.method=%s", s.selectionMethod)
	}
	if p.DMin > 0 {
		add("cut_data.d_min=%s", g(p.DMin))
	}
	if p.DMax > 0 {
		add("cut_data.d_max=%s", g(p.DMax))
	}
	if p.MaxIterations > 0 {
		add("max_iterations=%d", p.MaxIterations)
	}
	if p.OutlierZMax > 0 {
		add("outlier_zmax=%s", g(p.OutlierZMax))
	}
	if p.ResolutionBins > 0 {
		add("n_resolution_bins=%d", p.ResolutionBins)
	}
	if p.AbsorptionBins > 0 {
		add("n_absorption_bins=%d", p.AbsorptionBins)
	}
	if c := s.bestCell; c != nil {
		add("best_unit_cell=%s,%s,%s,%s,%s,%s", g(c[0]), g(c[1]), g(c[2]), g(c[3]), g(c[4]), g(c[5]))
	}
	if s.overwriteModels {
		add("overwrite_existing_models=True")
	}

	if s.scaledExperiments == "" {
		s.scaledExperiments = s.outputPath("scaled.expt")
	}
	if s.scaledReflections == "" {
		s.scaledReflections = s.outputPath("scaled.refl")
	}
	if s.unmergedMTZ != "" {
		add("output.unmerged_mtz=%s", s.unmergedMTZ)
	}
	if s.mergedMTZ != "" {
		add("output.merged_mtz=%s", s.mergedMTZ)
	}
	if s.html == "" {
		s.html = s.outputPath("scaling.html")
	}
	add("output.html=%s", s.html)
	if s.crystalName != "" {
		add("output.crystal_name=%s", s.crystalName)
	}
	if s.projectName != "" {
		add("output.project_name=%s", s.projectName)
	}

	if f := p.Filtering; f.Method != "" {
		add("filtering.method=%s", f.Method)
		add("output.scale_and_filter_results=%s", s.filterResultsPath())
		if f.MaxCycles > 0 {
			add("filtering.deltacchalf.max_cycles=%d", f.MaxCycles)
		}
		if f.MaxPercentRemoved > 0 {
			add("filtering.deltacchalf.max_percent_removed=%s", g(f.MaxPercentRemoved))
		}
		if f.MinCompleteness > 0 {
			add("filtering.deltacchalf.min_completeness=%s", g(f.MinCompleteness))
		}
		if f.Mode != "" {
			add("filtering.deltacchalf.mode=%s", f.Mode)
		}
		if f.GroupSize > 0 {
			add("filtering.deltacchalf.group_size=%d", f.GroupSize)
		}
		if f.StdCutoff > 0 {
			add("filtering.deltacchalf.stdcutoff=%s", g(f.StdCutoff))
		}
	}

	add("output.experiments=%s", s.scaledExperiments)
	add("output.reflections=%s", s.scaledReflections)
	return args
}

func (s *Scale) filterResultsPath() string {
	return s.outputPath("scale_and_filter_results.json")
}

// Scale runs dials.scale over the experiment/reflection pairs.
func (s *Scale) Scale(ctx context.Context) error {
	s.ClearCommandLine()
	if err := s.checkData(); err != nil {
		return err
	}
	s.SetCommandLine(s.commandLine())
	s.SetTask(fmt.Sprintf("Scaling %d sweeps", len(s.experiments)))

	if err := s.Start(ctx); err != nil {
		return err
	}
	if err := s.CloseWait(); err != nil {
		return err
	}
	if err := s.CheckForErrors(); err != nil {
		s.logger.Warn("dials.scale failed, see log file for more details", zap.String("log", s.LogFile()))
		return fmt.Errorf("dials.scale failed (log %s): %w", s.LogFile(), err)
	}
	s.logger.Debug("dials.scale status: OK")

	s.filterResults = nil
	if s.Filtering.Method != "" {
		data, err := os.ReadFile(s.filterResultsPath())
		if err == nil {
			if !json.Valid(data) {
				return fmt.Errorf("dials: malformed %s", filepath.Base(s.filterResultsPath()))
			}
			s.filterResults = data
		}
	}
	return nil
}
