package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kingrea/xia2go/internal/lattice"
	"github.com/kingrea/xia2go/internal/project"
)

// SweepJob is one sweep's indexing and integration, as handed to an
// executor. It is self-contained so it can cross a process boundary.
type SweepJob struct {
	ID         string          `json:"id"`
	Pipeline   string          `json:"pipeline"`
	Crystal    string          `json:"crystal"`
	Wavelength string          `json:"wavelength"`
	Sweep      *project.XSweep `json:"sweep"`
	// UserLattice and UserCell pin indexing to the user's symmetry.
	UserLattice string        `json:"user_lattice,omitempty"`
	UserCell    *lattice.Cell `json:"user_cell,omitempty"`
	DMin        float64       `json:"d_min,omitempty"`
	DMax        float64       `json:"d_max,omitempty"`
	// Local forces the simple transport for every program run.
	Local bool `json:"local,omitempty"`
}

// SweepResult is what comes back for a SweepJob. A failed sweep has no
// State.
type SweepResult struct {
	ID      string          `json:"id"`
	Success bool            `json:"success"`
	Output  string          `json:"output,omitempty"`
	State   *project.XSweep `json:"state,omitempty"`
}

// SweepProcessor indexes and integrates one sweep, picking up from whatever
// state the sweep is already in.
type SweepProcessor interface {
	Process(ctx context.Context, env *Env, job *SweepJob) error
}

// SymmetryDecision is the crystal-wide symmetry the scaler works in.
type SymmetryDecision struct {
	Lattice         string `json:"lattice"`
	Pointgroup      string `json:"pointgroup,omitempty"`
	Spacegroup      string `json:"spacegroup,omitempty"`
	ReindexOperator string `json:"reindex_operator,omitempty"`
	ProbablyTwinned bool   `json:"probably_twinned,omitempty"`
}

// SymmetryStage decides the symmetry of a crystal from its integrated
// sweeps. Sweeps it returns in reprocess must be indexed and integrated
// again before the decision stands.
type SymmetryStage interface {
	Decide(ctx context.Context, env *Env, c *project.XCrystal) (SymmetryDecision, []*project.XSweep, error)
}

// ScaleRequest is one crystal ready for scaling.
type ScaleRequest struct {
	Project  *project.XProject
	Crystal  *project.XCrystal
	Symmetry SymmetryDecision
}

// Scaler scales and merges the integrated sweeps of one crystal.
type Scaler interface {
	Scale(ctx context.Context, env *Env, req ScaleRequest) (*project.Scaled, error)
}

// Executor runs a SweepJob somewhere. An error means the job could not be
// run at all; a sweep that failed is reported in the result.
type Executor interface {
	Execute(ctx context.Context, job SweepJob) (SweepResult, error)
}

// LocalExecutor runs jobs in this process with the processor registered for
// the job's pipeline.
type LocalExecutor struct {
	Env      *Env
	Registry *Registry
}

// Execute processes job.Sweep in place.
func (e LocalExecutor) Execute(ctx context.Context, job SweepJob) (SweepResult, error) {
	impl, err := e.Registry.Resolve(job.Pipeline, e.Env.Config)
	if err != nil {
		return SweepResult{}, err
	}
	if job.Sweep == nil {
		return SweepResult{}, fmt.Errorf("pipeline: job %s has no sweep", job.ID)
	}
	if err := impl.Processor.Process(ctx, e.Env, &job); err != nil {
		job.Sweep.Fail(err)
		return SweepResult{ID: job.ID, Output: err.Error()}, nil
	}
	return SweepResult{ID: job.ID, Success: true, State: job.Sweep}, nil
}

// cloneSweep deep-copies a sweep so a job never shares memory with the
// project tree.
func cloneSweep(s *project.XSweep) (*project.XSweep, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("pipeline: copy sweep %s: %w", s.Name, err)
	}
	out := &project.XSweep{}
	if err := json.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("pipeline: copy sweep %s: %w", s.Name, err)
	}
	return out, nil
}
