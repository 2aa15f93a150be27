package lattice

// Verdict is a refiner's response to a proposed lattice.
type Verdict int

const (
	Impossible Verdict = iota
	Possible
	Correct
)

func (v Verdict) String() string {
	switch v {
	case Correct:
		return "correct"
	case Possible:
		return "possible"
	}
	return "impossible"
}

// Refiner holds an asserted lattice and can be asked about alternatives.
type Refiner interface {
	Assert(lattice string) Verdict
	Lattice() string
	Reset()
}

// RefinerState is an ordered candidate queue with a cursor. Lattices before
// the cursor have been eliminated; the lattice at the cursor is asserted.
type RefinerState struct {
	queue   []string
	cursor  int
	resets  int
	onReset func()
}

// NewRefinerState starts from candidates ordered best first. onReset, when
// set, invalidates cached indexing whenever the assertion moves.
func NewRefinerState(candidates []string, onReset func()) *RefinerState {
	return &RefinerState{queue: append([]string(nil), candidates...), onReset: onReset}
}

// Assert proposes lattice. Moving the cursor forward eliminates every lattice
// passed over and resets the refiner.
func (r *RefinerState) Assert(lattice string) Verdict {
	idx := -1
	for i := r.cursor; i < len(r.queue); i++ {
		if r.queue[i] == lattice {
			idx = i
			break
		}
	}
	switch {
	case idx < 0:
		return Impossible
	case idx == r.cursor:
		return Correct
	}
	r.cursor = idx
	r.Reset()
	return Possible
}

// Lattice returns the asserted lattice, or "" once the queue is exhausted.
func (r *RefinerState) Lattice() string {
	if r.cursor >= len(r.queue) {
		return ""
	}
	return r.queue[r.cursor]
}

// Reset invalidates the refiner's cached geometry.
func (r *RefinerState) Reset() {
	r.resets++
	if r.onReset != nil {
		r.onReset()
	}
}

// WasReset reports whether Reset has been called.
func (r *RefinerState) WasReset() bool { return r.resets > 0 }

// Consumed returns the eliminated lattices in elimination order.
func (r *RefinerState) Consumed() []string {
	return append([]string(nil), r.queue[:r.cursor]...)
}

// Remaining returns the asserted lattice followed by the other candidates.
func (r *RefinerState) Remaining() []string {
	return append([]string(nil), r.queue[r.cursor:]...)
}

// Snapshot is the serialisable form of a RefinerState.
type Snapshot struct {
	Queue  []string `json:"queue"`
	Cursor int      `json:"cursor"`
}

// Snapshot captures the state for checkpointing.
func (r *RefinerState) Snapshot() Snapshot {
	return Snapshot{Queue: append([]string(nil), r.queue...), Cursor: r.cursor}
}

// Restore rebuilds a RefinerState from a snapshot.
func Restore(s Snapshot, onReset func()) *RefinerState {
	r := NewRefinerState(s.Queue, onReset)
	if s.Cursor >= 0 && s.Cursor <= len(r.queue) {
		r.cursor = s.Cursor
	}
	return r
}
