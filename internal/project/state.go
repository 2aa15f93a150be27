package project

import "fmt"

// State is where a sweep is in the processing sequence.
type State string

const (
	StatePending    State = "pending"
	StateIndexed    State = "indexed"
	StateIntegrated State = "integrated"
	StateScaled     State = "scaled"
	StateMerged     State = "merged"
	StateFailed     State = "failed"
)

var stateOrder = map[State]int{
	StatePending:    0,
	StateIndexed:    1,
	StateIntegrated: 2,
	StateScaled:     3,
	StateMerged:     4,
}

// TransitionError reports a move the state machine does not allow.
type TransitionError struct {
	Sweep    string
	From, To State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("project: sweep %s cannot go from %s to %s", e.Sweep, e.From, e.To)
}

func (s *XSweep) state() State {
	if s.State == "" {
		return StatePending
	}
	return s.State
}

// Advance moves the sweep one step forward. Failed is absorbing.
func (s *XSweep) Advance(to State) error {
	from := s.state()
	if from == StateFailed || to == StateFailed || stateOrder[to] != stateOrder[from]+1 {
		return &TransitionError{Sweep: s.Name, From: from, To: to}
	}
	s.State = to
	return nil
}

// Rewind sends the sweep back to an earlier state and discards what was
// learned after it, as when a lattice change invalidates integration.
func (s *XSweep) Rewind(to State) error {
	from := s.state()
	if from == StateFailed || to == StateFailed || stateOrder[to] > stateOrder[from] {
		return &TransitionError{Sweep: s.Name, From: from, To: to}
	}
	if stateOrder[to] < stateOrder[StateIntegrated] {
		s.Integration = nil
	}
	if to == StatePending {
		s.Indexing = nil
	}
	s.State = to
	return nil
}

// Fail records err and moves the sweep to the failed state.
func (s *XSweep) Fail(err error) {
	s.State = StateFailed
	if err != nil {
		s.Error = err.Error()
	}
}

// Reached reports whether the sweep has got at least as far as state.
func (s *XSweep) Reached(state State) bool {
	from := s.state()
	if from == StateFailed || state == StateFailed {
		return from == state
	}
	return stateOrder[from] >= stateOrder[state]
}
