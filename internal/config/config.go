// internal/config/config.go
//
// This package handles configuration and the .xia2 directory structure.
// Every processing directory gets a .xia2/ folder holding config.yaml and
// the debug logs.

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/kingrea/xia2go/internal/lattice"
	"github.com/kingrea/xia2go/internal/resolution"
)

const (
	// Xia2Dir is the name of the directory we create in each processing directory
	Xia2Dir = ".xia2"

	defaultPipeline = "3d"
	defaultSubject  = "xia2.sweeps"

	// EnvNATSURL overrides queue.url.
	EnvNATSURL = "XIA2_NATS_URL"
)

const defaultProjectConfigYAML = `# xia2go project configuration
version: 1

# 3d: XDS + Aimless, 3dd: XDS + dials.scale
pipeline: 3d

# Drop a sweep that fails to index or integrate instead of stopping.
failover: false

multiprocessing:
  mode: serial        # serial, parallel or queue
  njob: 1
  nproc: 1
  driver: simple      # simple, script or qsub
  local_every: 0      # 0 means njob; the first job always runs locally

resolution:
  cc_half: 0.5
  isigma: 0.25
  misigma: 1.0

lattice:
  multi_sweep_indexing: false   # one symmetry decision over all sweeps of a crystal
  integrate_p1: false
  reintegrate_correct_lattice: true

logging:
  level: info
  max_size_mb: 20
  max_backups: 3

queue:
  url: nats://127.0.0.1:4222
  subject: xia2.sweeps
`

// MultiprocessingConfig says how sweeps are spread over processes.
type MultiprocessingConfig struct {
	Mode  string `yaml:"mode"`
	NJob  int    `yaml:"njob"`
	NProc int    `yaml:"nproc"`
	// Driver is the transport tag used for program runs.
	Driver string `yaml:"driver"`
	// LocalEvery runs jobs 0, N, 2N... of a parallel batch in this process
	// instead of through the executor. Zero means NJob.
	LocalEvery  int           `yaml:"local_every"`
	QSubCommand string        `yaml:"qsub_command,omitempty"`
	QSubPoll    time.Duration `yaml:"qsub_poll,omitempty"`
}

// ResolutionConfig bounds the data and sets the cutoff targets.
type ResolutionConfig struct {
	DMin         float64 `yaml:"d_min,omitempty"`
	DMax         float64 `yaml:"d_max,omitempty"`
	CCHalf       float64 `yaml:"cc_half"`
	ISigma       float64 `yaml:"isigma"`
	MISigma      float64 `yaml:"misigma"`
	Rmerge       float64 `yaml:"rmerge,omitempty"`
	Completeness float64 `yaml:"completeness,omitempty"`
	Order        int     `yaml:"order,omitempty"`
}

// LatticeConfig holds the lattice policy and any user symmetry.
type LatticeConfig struct {
	// MultiSweepIndexing decides the symmetry of a crystal from all of its
	// sweeps together. IntegrateP1 implies it.
	MultiSweepIndexing        bool      `yaml:"multi_sweep_indexing,omitempty"`
	IntegrateP1               bool      `yaml:"integrate_p1"`
	ReintegrateCorrectLattice bool      `yaml:"reintegrate_correct_lattice"`
	Spacegroup                string    `yaml:"spacegroup,omitempty"`
	Cell                      []float64 `yaml:"cell,omitempty"`
}

// LoggingConfig tunes the debug log.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days,omitempty"`
	Console    bool   `yaml:"console,omitempty"`
}

// QueueConfig points at the NATS server used in queue mode.
type QueueConfig struct {
	URL     string        `yaml:"url"`
	Subject string        `yaml:"subject"`
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// ProjectConfig models .xia2/config.yaml.
type ProjectConfig struct {
	Version         int                   `yaml:"version"`
	Pipeline        string                `yaml:"pipeline"`
	Failover        bool                  `yaml:"failover"`
	Anomalous       bool                  `yaml:"anomalous,omitempty"`
	EnvFile         string                `yaml:"env_file,omitempty"`
	Multiprocessing MultiprocessingConfig `yaml:"multiprocessing"`
	Resolution      ResolutionConfig      `yaml:"resolution"`
	Lattice         LatticeConfig         `yaml:"lattice"`
	Logging         LoggingConfig         `yaml:"logging"`
	Queue           QueueConfig           `yaml:"queue"`
}

// Config holds the runtime configuration for a processing directory.
type Config struct {
	// ProjectDir is the directory processing runs in
	ProjectDir string

	// Xia2ProjectDir is ProjectDir/.xia2
	Xia2ProjectDir string

	Project ProjectConfig
}

// InitXia2Dir creates the .xia2 directory structure in the given processing
// directory and writes a default config.yaml when there is none.
//
// Structure created:
// .xia2/
// ├── config.yaml
// └── logs/         <- xia2-debug.log and its rotations
func InitXia2Dir(projectDir string) error {
	xia2Dir := filepath.Join(projectDir, Xia2Dir)
	if err := os.MkdirAll(filepath.Join(xia2Dir, "logs"), 0o755); err != nil {
		return err
	}
	return ensureProjectConfig(filepath.Join(xia2Dir, "config.yaml"))
}

// NewConfig loads the .env file, if any, then .xia2/config.yaml.
func NewConfig(projectDir string) (*Config, error) {
	abs, err := filepath.Abs(projectDir)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg := &Config{
		ProjectDir:     abs,
		Xia2ProjectDir: filepath.Join(abs, Xia2Dir),
		Project:        defaultProjectConfig(),
	}
	if err := cfg.loadProjectConfig(); err != nil {
		return nil, err
	}
	if err := cfg.loadEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LogsDir returns the path to the logs directory
func (c *Config) LogsDir() string {
	return filepath.Join(c.Xia2ProjectDir, "logs")
}

// ProjectConfigPath returns the on-disk location for the project config file.
func (c *Config) ProjectConfigPath() string {
	return filepath.Join(c.Xia2ProjectDir, "config.yaml")
}

// EnvFilePath returns the .env file consulted for program environment.
func (c *Config) EnvFilePath() string {
	return resolvePath(c.ProjectDir, c.Project.EnvFile)
}

// ResolutionParams converts the resolution section into estimator targets.
func (c *Config) ResolutionParams() resolution.Params {
	r := c.Project.Resolution
	p := resolution.DefaultParams()
	p.CCHalf, p.ISigma, p.MISigma = r.CCHalf, r.ISigma, r.MISigma
	p.Rmerge, p.Completeness = r.Rmerge, r.Completeness
	if r.Order > 0 {
		p.Order = r.Order
	}
	return p
}

// UserCell returns the configured unit cell, if any.
func (c *Config) UserCell() *lattice.Cell {
	if len(c.Project.Lattice.Cell) != 6 {
		return nil
	}
	var cell lattice.Cell
	copy(cell[:], c.Project.Lattice.Cell)
	return &cell
}

// Validate re-applies defaults and checks the configuration, typically after
// command-line overrides.
func (c *Config) Validate() error {
	c.Project.applyDefaults()
	c.Project.normalize()
	if err := c.Project.validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

func (c *Config) loadEnv() error {
	path := c.EnvFilePath()
	if _, err := os.Stat(path); err == nil {
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("config: load %s: %w", path, err)
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("config: %w", err)
	}
	if url := os.Getenv(EnvNATSURL); url != "" {
		c.Project.Queue.URL = url
	}
	return nil
}

func (c *Config) loadProjectConfig() error {
	path := c.ProjectConfigPath()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	parsed := defaultProjectConfig()
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}

	parsed.applyDefaults()
	parsed.normalize()
	if err := parsed.validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	c.Project = parsed
	return nil
}

func defaultProjectConfig() ProjectConfig {
	params := resolution.DefaultParams()
	return ProjectConfig{
		Version:  1,
		Pipeline: defaultPipeline,
		EnvFile:  ".env",
		Multiprocessing: MultiprocessingConfig{
			Mode:   "serial",
			NJob:   1,
			NProc:  1,
			Driver: "simple",
		},
		Resolution: ResolutionConfig{CCHalf: params.CCHalf, ISigma: params.ISigma, MISigma: params.MISigma},
		Lattice:    LatticeConfig{ReintegrateCorrectLattice: true},
		Logging:    LoggingConfig{Level: "info", MaxSizeMB: 20, MaxBackups: 3},
		Queue:      QueueConfig{URL: "nats://127.0.0.1:4222", Subject: defaultSubject},
	}
}

func (pc *ProjectConfig) applyDefaults() {
	if pc.Version == 0 {
		pc.Version = 1
	}
	if pc.Multiprocessing.NJob == 0 {
		pc.Multiprocessing.NJob = 1
	}
	if pc.Multiprocessing.NProc == 0 {
		pc.Multiprocessing.NProc = 1
	}
	if pc.Multiprocessing.QSubPoll == 0 {
		pc.Multiprocessing.QSubPoll = 5 * time.Second
	}
	if pc.Queue.Timeout == 0 {
		pc.Queue.Timeout = 24 * time.Hour
	}
	if pc.Logging.MaxSizeMB == 0 {
		pc.Logging.MaxSizeMB = 20
	}
	if pc.EnvFile == "" {
		pc.EnvFile = ".env"
	}
}

func (pc *ProjectConfig) normalize() {
	pc.Pipeline = normalizeTag(pc.Pipeline)
	if pc.Pipeline == "" {
		pc.Pipeline = defaultPipeline
	}
	pc.Multiprocessing.Mode = normalizeTag(pc.Multiprocessing.Mode)
	if pc.Multiprocessing.Mode == "" {
		pc.Multiprocessing.Mode = "serial"
	}
	pc.Multiprocessing.Driver = normalizeTag(pc.Multiprocessing.Driver)
	if pc.Multiprocessing.Driver == "" {
		pc.Multiprocessing.Driver = "simple"
	}
	pc.Logging.Level = normalizeTag(pc.Logging.Level)
	pc.Lattice.Spacegroup = strings.TrimSpace(pc.Lattice.Spacegroup)
	pc.Queue.URL = strings.TrimSpace(pc.Queue.URL)
	pc.Queue.Subject = strings.TrimSpace(pc.Queue.Subject)
	if pc.Queue.Subject == "" {
		pc.Queue.Subject = defaultSubject
	}
	if dmin, dmax := pc.Resolution.DMin, pc.Resolution.DMax; dmin > 0 && dmax > 0 && dmin > dmax {
		pc.Resolution.DMin, pc.Resolution.DMax = dmax, dmin
	}
}

func (pc *ProjectConfig) validate() error {
	if pc.Version < 1 {
		return fmt.Errorf("config version must be >= 1")
	}
	mp := pc.Multiprocessing
	switch mp.Mode {
	case "serial", "parallel":
	case "queue":
		if pc.Queue.URL == "" {
			return fmt.Errorf("queue.url is required for queue mode")
		}
	default:
		return fmt.Errorf("multiprocessing.mode must be 'serial', 'parallel' or 'queue'")
	}
	if mp.NJob < 1 || mp.NProc < 1 {
		return fmt.Errorf("multiprocessing.njob and nproc must be >= 1")
	}
	if mp.LocalEvery < 0 {
		return fmt.Errorf("multiprocessing.local_every must be >= 0")
	}
	if mp.Driver == "qsub" && strings.TrimSpace(mp.QSubCommand) == "" {
		return fmt.Errorf("multiprocessing.qsub_command is required for the qsub driver")
	}
	r := pc.Resolution
	if r.DMin < 0 || r.DMax < 0 {
		return fmt.Errorf("resolution limits must be positive")
	}
	if r.CCHalf < 0 || r.ISigma < 0 || r.MISigma < 0 || r.Rmerge < 0 || r.Completeness < 0 {
		return fmt.Errorf("resolution targets must be >= 0")
	}
	if n := len(pc.Lattice.Cell); n != 0 && n != 6 {
		return fmt.Errorf("lattice.cell needs six values, got %d", n)
	}
	if len(pc.Lattice.Cell) == 6 && pc.Lattice.Spacegroup == "" {
		return fmt.Errorf("lattice.cell requires lattice.spacegroup")
	}
	switch pc.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not a level", pc.Logging.Level)
	}
	return nil
}

func normalizeTag(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

func resolvePath(base, candidate string) string {
	trimmed := strings.TrimSpace(candidate)
	if trimmed == "" {
		return ""
	}
	if filepath.IsAbs(trimmed) {
		return filepath.Clean(trimmed)
	}
	return filepath.Clean(filepath.Join(base, trimmed))
}

func ensureProjectConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return os.WriteFile(path, []byte(defaultProjectConfigYAML), 0o644)
}

// Save writes the project config back to .xia2/config.yaml.
func (c *Config) Save() error {
	if c == nil {
		return fmt.Errorf("config: nil receiver")
	}
	if err := c.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(c.Xia2ProjectDir, 0o755); err != nil {
		return fmt.Errorf("config: ensure xia2 dir: %w", err)
	}
	data, err := yaml.Marshal(c.Project)
	if err != nil {
		return fmt.Errorf("config: encode config: %w", err)
	}
	if err := os.WriteFile(c.ProjectConfigPath(), data, 0o644); err != nil {
		return fmt.Errorf("config: write project config: %w", err)
	}
	return nil
}
